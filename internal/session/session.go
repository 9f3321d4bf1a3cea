package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrServerFull    = errors.New("session limit reached")
	ErrUnknownToken  = errors.New("unknown reconnect token")
	ErrGraceExpired  = errors.New("reconnect grace expired")
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
	ErrNoSuchRole    = errors.New("no session for role")
)

// State is a session's lifecycle position.
type State int32

const (
	// StateActive means a live transport is attached.
	StateActive State = iota
	// StateDisconnected means the transport dropped but the identity is held
	// for the reconnect grace window.
	StateDisconnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one client's server-side identity. It outlives its TCP
// connection: an authenticated session survives a drop in Disconnected state
// until the reconnect grace expires, and a resumed connection swaps a fresh
// transport in while id, role and token stay fixed.
type Session struct {
	id        uint64
	token     string
	serverID  int32
	createdAt time.Time

	state atomic.Int32

	// identity, written once when the login binds a role
	accountID     atomic.Int64
	roleID        atomic.Int64
	authenticated atomic.Bool

	mu       sync.Mutex
	roleName string
	remote   string
	signKey  []byte
	tr       *transport

	lastActive     atomic.Int64 // unix nanos
	disconnectedAt atomic.Int64
}

func (s *Session) ID() uint64 { return s.id }

// Token is the reconnect token, fixed for the session's whole life. It is
// only revealed to the client in the login response.
func (s *Session) Token() string { return s.token }

func (s *Session) ServerID() int32 { return s.serverID }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Authenticated() bool { return s.authenticated.Load() }

func (s *Session) AccountID() int64 { return s.accountID.Load() }

// RoleID is 0 until a role is bound.
func (s *Session) RoleID() int64 { return s.roleID.Load() }

func (s *Session) RoleName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleName
}

func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetSignKey installs the per-session request signing key. Login derives it
// and hands it to the client; reconnect re-derives the same key, so signing
// continues across transports.
func (s *Session) SetSignKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signKey = key
}

// SignKey returns the signing key, nil before login.
func (s *Session) SignKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signKey
}

// Touch stamps read activity; the server's read loop calls it per frame.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) DisconnectedAt() time.Time {
	return time.Unix(0, s.disconnectedAt.Load())
}

// authenticate marks the account as verified. Role binding is a separate
// step: a session can be authenticated with no role selected yet.
func (s *Session) authenticate(accountID int64) {
	s.accountID.Store(accountID)
	s.authenticated.Store(true)
}

func (s *Session) bindIdentity(accountID, roleID int64, roleName string) {
	s.authenticate(accountID)
	s.roleID.Store(roleID)
	s.mu.Lock()
	s.roleName = roleName
	s.mu.Unlock()
}

// attachTransport swaps the active transport in, closing any previous one.
func (s *Session) attachTransport(tr *transport, conn net.Conn) {
	s.mu.Lock()
	old := s.tr
	s.tr = tr
	s.remote = conn.RemoteAddr().String()
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// detachTransport closes the current transport but keeps the session.
func (s *Session) detachTransport() {
	s.mu.Lock()
	old := s.tr
	s.tr = nil
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// releaseConn detaches the transport without closing the socket and returns
// the live conn, nil if there is no usable transport. The resume path moves
// the conn onto the session being resumed.
func (s *Session) releaseConn() net.Conn {
	s.mu.Lock()
	old := s.tr
	s.tr = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.release()
}

// send hands a pool-backed frame to the attached transport.
func (s *Session) send(frame []byte, pool *BytePool) error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		pool.Put(frame)
		return ErrSessionClosed
	}
	return tr.send(frame)
}

// close is terminal: state flips to Closed and the transport goes away.
func (s *Session) close() {
	s.state.Store(int32(StateClosed))
	s.detachTransport()
}
