// Package session tracks connected clients across the lifetime of their TCP
// connections: identity binding, displacement, disconnect grace, reconnect
// and server pushes all live here. The wire read side belongs to the server
// package; this package owns the write side.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/gamecore/internal/constants"
	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/protocol"
)

const (
	defaultGrace         = 30 * time.Second
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
	defaultReapInterval  = 5 * time.Second
	defaultMaxSessions   = 10000
)

type Options struct {
	Grace         time.Duration
	SendQueueSize int
	WriteTimeout  time.Duration
	ReapInterval  time.Duration
	MaxSessions   int
	MaxFrame      uint32
	ServerID      int32
	Logger        *slog.Logger
	Bus           *eventbus.Bus
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Active       int
	Disconnected int
	Created      int64
	Reconnected  int64
	Kicked       int64
	Reaped       int64
	SlowDrops    int64
}

// Manager owns every live session, indexed three ways: by session id, by
// bound role and by reconnect token.
type Manager struct {
	opts Options
	log  *slog.Logger
	pool *BytePool

	nextID atomic.Uint64

	mu      sync.RWMutex
	byID    map[uint64]*Session
	byRole  map[int64]*Session
	byToken map[string]*Session

	created     atomic.Int64
	reconnected atomic.Int64
	kicked      atomic.Int64
	reaped      atomic.Int64
	slowDrops   atomic.Int64
}

func NewManager(opts Options) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.MaxFrame == 0 {
		opts.MaxFrame = constants.DefaultMaxFrame
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		pool:    NewBytePool(constants.DefaultSendBufSize),
		byID:    make(map[uint64]*Session, 1024),
		byRole:  make(map[int64]*Session, 1024),
		byToken: make(map[string]*Session, 1024),
	}
}

// Create registers a fresh unauthenticated session for conn and starts its
// write pump. Above MaxSessions the connection is refused.
func (m *Manager) Create(conn net.Conn) (*Session, error) {
	m.mu.Lock()
	if len(m.byID) >= m.opts.MaxSessions {
		m.mu.Unlock()
		m.opts.Bus.SystemOverloaded("sessions", m.opts.MaxSessions)
		return nil, ErrServerFull
	}

	s := &Session{
		id:        m.nextID.Add(1),
		token:     uuid.NewString(),
		serverID:  m.opts.ServerID,
		createdAt: time.Now(),
	}
	s.state.Store(int32(StateActive))
	s.Touch()
	m.byID[s.id] = s
	m.byToken[s.token] = s
	m.mu.Unlock()

	s.attachTransport(m.newTransportFor(s, conn), conn)
	m.created.Add(1)
	m.log.Debug("session created", "session_id", s.id, "remote", s.RemoteAddr())
	return s, nil
}

func (m *Manager) newTransportFor(s *Session, conn net.Conn) *transport {
	return newTransport(conn, m.pool, m.opts.SendQueueSize, m.opts.WriteTimeout,
		m.log.With("session_id", s.id))
}

// Authenticate marks the session's account as verified without binding a
// role. Handlers gated on a role keep rejecting until BindRole.
func (m *Manager) Authenticate(s *Session, accountID int64) {
	s.authenticate(accountID)
}

// BindRole gives the session its authenticated identity. A previous holder
// of the same role is displaced: the newest login always wins and the old
// session is kicked with a Displaced push.
func (m *Manager) BindRole(s *Session, accountID, roleID int64, roleName string) {
	s.bindIdentity(accountID, roleID, roleName)

	m.mu.Lock()
	prev := m.byRole[roleID]
	m.byRole[roleID] = s
	m.mu.Unlock()

	if prev != nil && prev != s {
		m.log.Info("role displaced",
			"role_id", roleID, "old_session", prev.ID(), "new_session", s.ID())
		m.Kick(prev, protocol.CodeDisplaced, "displaced by newer login")
	}
}

// OnDisconnect handles a broken read loop. Unauthenticated sessions are gone
// for good; authenticated ones hold their identity for the grace window.
func (m *Manager) OnDisconnect(s *Session) {
	if !s.Authenticated() {
		m.remove(s)
		return
	}
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDisconnected)) {
		return
	}
	s.disconnectedAt.Store(time.Now().UnixNano())
	s.detachTransport()
	m.log.Info("session disconnected, grace started",
		"session_id", s.ID(), "role_id", s.RoleID(), "grace", m.opts.Grace)
}

// Reconnect resumes the session holding token on a new connection. Identity
// (session id, role, token) is unchanged; only the transport is new.
// Resuming a still-Active session displaces its old connection, which covers
// half-open TCP where the server has not noticed the drop yet.
func (m *Manager) Reconnect(token string, conn net.Conn) (*Session, error) {
	m.mu.RLock()
	s := m.byToken[token]
	m.mu.RUnlock()
	if s == nil {
		return nil, ErrUnknownToken
	}

	switch s.State() {
	case StateClosed:
		return nil, ErrUnknownToken
	case StateDisconnected:
		if time.Since(s.DisconnectedAt()) > m.opts.Grace {
			m.remove(s)
			return nil, ErrGraceExpired
		}
	case StateActive:
		// old transport is displaced below
	}

	if err := m.resume(s, conn); err != nil {
		return nil, err
	}
	m.reconnected.Add(1)
	m.log.Info("session resumed",
		"session_id", s.ID(), "role_id", s.RoleID(), "remote", s.RemoteAddr())
	return s, nil
}

// ResumeFrom is the in-band variant of Reconnect: the client already holds a
// fresh session tmp on its new connection and presents token as an ordinary
// request. The live conn moves from tmp onto the resumed session and tmp is
// discarded. On error tmp is untouched and keeps serving its connection.
func (m *Manager) ResumeFrom(tmp *Session, token string) (*Session, error) {
	m.mu.RLock()
	s := m.byToken[token]
	m.mu.RUnlock()
	if s == nil || s == tmp {
		return nil, ErrUnknownToken
	}

	switch s.State() {
	case StateClosed:
		return nil, ErrUnknownToken
	case StateDisconnected:
		if time.Since(s.DisconnectedAt()) > m.opts.Grace {
			m.remove(s)
			return nil, ErrGraceExpired
		}
	case StateActive:
		// half-open TCP: the stale transport is displaced below
	}

	conn := tmp.releaseConn()
	if conn == nil {
		return nil, ErrSessionClosed
	}
	// tmp has no transport anymore, so remove only drops its indexes
	m.remove(tmp)

	if err := m.resume(s, conn); err != nil {
		// nobody owns the released conn on this path
		_ = conn.Close()
		return nil, err
	}
	m.reconnected.Add(1)
	m.log.Info("session resumed in-band",
		"session_id", s.ID(), "role_id", s.RoleID(), "old_session", tmp.ID(), "remote", s.RemoteAddr())
	return s, nil
}

// resume attaches conn to s under the manager lock so a concurrent remove
// cannot slip between the liveness check and the attach: a remove that loses
// the race closes the freshly attached transport, a remove that wins makes
// the membership check fail.
func (m *Manager) resume(s *Session, conn net.Conn) error {
	m.mu.Lock()
	if _, ok := m.byID[s.id]; !ok {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	s.attachTransport(m.newTransportFor(s, conn), conn)
	s.state.Store(int32(StateActive))
	m.mu.Unlock()
	s.Touch()
	return nil
}

// Kick pushes a Kicked notice (best effort) and closes the session.
func (m *Manager) Kick(s *Session, code protocol.Code, reason string) {
	body := protocol.AppendEnvelope(nil, code, reason, nil)
	push := protocol.Message{
		ProtocolID: constants.ProtocolCore,
		MethodID:   constants.MethodKicked,
		Body:       body,
	}
	if err := m.push(s, push); err != nil {
		m.log.Debug("kick push undelivered", "session_id", s.ID(), "error", err)
	}
	m.kicked.Add(1)
	m.opts.Bus.SessionKicked(s.ID(), s.RoleID(), reason)
	m.remove(s)
}

// Push delivers a frame to the role's session.
func (m *Manager) Push(roleID int64, msg protocol.Message) error {
	m.mu.RLock()
	s := m.byRole[roleID]
	m.mu.RUnlock()
	if s == nil {
		return ErrNoSuchRole
	}
	return m.PushTo(s, msg)
}

// PushTo delivers a frame to a specific session. A full send queue means a
// slow client: the frame is dropped and the session is closed rather than
// buffered without bound.
func (m *Manager) PushTo(s *Session, msg protocol.Message) error {
	err := m.push(s, msg)
	if errors.Is(err, ErrSendQueueFull) {
		m.slowDrops.Add(1)
		m.log.Warn("send queue full, closing slow client",
			"session_id", s.ID(), "remote", s.RemoteAddr())
		m.remove(s)
	}
	return err
}

func (m *Manager) push(s *Session, msg protocol.Message) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	if err := protocol.Validate(msg, m.opts.MaxFrame); err != nil {
		return err
	}
	buf := m.pool.Get(protocol.EncodedSize(msg))[:0]
	return s.send(protocol.AppendMessage(buf, msg), m.pool)
}

// Broadcast pushes msg to every active session passing filter (nil matches
// all) and reports how many accepted the frame.
func (m *Manager) Broadcast(msg protocol.Message, filter func(*Session) bool) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		if s.State() != StateActive {
			continue
		}
		if filter != nil && !filter(s) {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if m.PushTo(s, msg) == nil {
			delivered++
		}
	}
	return delivered
}

// ByID returns the session or nil.
func (m *Manager) ByID(id uint64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// ByRole returns the session bound to roleID or nil.
func (m *Manager) ByRole(roleID int64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byRole[roleID]
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Created:     m.created.Load(),
		Reconnected: m.reconnected.Load(),
		Kicked:      m.kicked.Load(),
		Reaped:      m.reaped.Load(),
		SlowDrops:   m.slowDrops.Load(),
	}
	m.mu.RLock()
	for _, s := range m.byID {
		switch s.State() {
		case StateActive:
			st.Active++
		case StateDisconnected:
			st.Disconnected++
		}
	}
	m.mu.RUnlock()
	return st
}

// Reap closes sessions whose reconnect grace expired. Returns how many.
func (m *Manager) Reap(now time.Time) int {
	m.mu.RLock()
	var expired []*Session
	for _, s := range m.byID {
		if s.State() == StateDisconnected && now.Sub(s.DisconnectedAt()) > m.opts.Grace {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		m.log.Info("session grace expired",
			"session_id", s.ID(), "role_id", s.RoleID(),
			"idle", now.Sub(s.LastActive()).Round(time.Millisecond))
		m.remove(s)
	}
	m.reaped.Add(int64(len(expired)))
	return len(expired)
}

// Run drives the grace reaper until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.Reap(now)
		}
	}
}

// CloseAll kicks every session; used on server shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.Kick(s, protocol.CodeOK, reason)
	}
}

// remove drops the session from every index and closes it. Idempotent.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.byID, s.id)
	delete(m.byToken, s.token)
	if cur, ok := m.byRole[s.RoleID()]; ok && cur == s {
		delete(m.byRole, s.RoleID())
	}
	m.mu.Unlock()
	s.close()
}
