// Package server owns the accept loop and the per-connection read side of
// the wire protocol. It never writes to sockets directly (except to refuse a
// connection that has no session yet): every outbound frame goes through the
// session write pump, so replies, pushes and kicks cannot interleave.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/gamecore/internal/constants"
	"github.com/udisondev/gamecore/internal/dispatch"
	"github.com/udisondev/gamecore/internal/protocol"
	"github.com/udisondev/gamecore/internal/session"
)

const (
	keepAlivePeriod        = 30 * time.Second
	defaultIdleReadTimeout = 120 * time.Second
	refuseWriteTimeout     = 2 * time.Second
)

type Options struct {
	Addr            string
	MaxFrame        uint32
	IdleReadTimeout time.Duration
	Sessions        *session.Manager
	Dispatcher      *dispatch.Dispatcher
	Logger          *slog.Logger
}

// Server accepts client connections and runs one read loop per connection.
type Server struct {
	opts     Options
	log      *slog.Logger
	readPool *session.BytePool

	mu       sync.Mutex
	listener net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, errors.New("server: Sessions is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("server: Dispatcher is required")
	}
	if opts.MaxFrame == 0 {
		opts.MaxFrame = constants.DefaultMaxFrame
	}
	if opts.IdleReadTimeout <= 0 {
		opts.IdleReadTimeout = defaultIdleReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		opts:     opts,
		log:      opts.Logger,
		readPool: session.NewBytePool(constants.DefaultReadBufSize),
	}, nil
}

// Addr returns the bound listen address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on opts.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then closes every
// session and waits for the read loops to exit. Exported for tests that
// bring their own listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("server started", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", err)
			continue
		}

		// Keepalive catches clients that vanish without FIN; the idle read
		// deadline alone would hold the session for the full timeout.
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
		}

		wg.Go(func() {
			s.handleConn(ctx, conn)
		})
	}

	s.opts.Sessions.CloseAll("server shutting down")
	wg.Wait()
	s.log.Info("server stopped")
	return nil
}

// handleConn runs the read loop for one connection. The session variable is
// rebound on every dispatch: an in-band reconnect makes the dispatcher hand
// back the resumed session, and from then on this loop reads for it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess, err := s.opts.Sessions.Create(conn)
	if err != nil {
		s.refuse(conn, err)
		return
	}

	buf := s.readPool.Get(constants.DefaultReadBufSize)
	defer s.readPool.Put(buf)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.IdleReadTimeout)); err != nil {
			break
		}
		msg, err := protocol.ReadMessage(conn, s.opts.MaxFrame, buf)
		if err != nil {
			if s.recoverRead(sess, conn, err) {
				continue
			}
			break
		}
		sess.Touch()
		sess = s.opts.Dispatcher.Dispatch(ctx, sess, msg)
	}

	s.opts.Sessions.OnDisconnect(sess)
}

// recoverRead decides what a read error means for the connection. Only an
// oversized frame is recoverable: its bytes are discarded and the client gets
// a BadRequest reply under the same seq, keeping the stream aligned.
// Everything else ends the read loop.
func (s *Server) recoverRead(sess *session.Session, conn net.Conn, err error) bool {
	var tooLarge *protocol.TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		head, derr := protocol.DiscardFrame(conn, tooLarge.Length)
		if derr != nil {
			s.log.Warn("dropping conn: oversized frame truncated",
				"session_id", sess.ID(), "error", derr)
			return false
		}
		s.log.Debug("oversized frame discarded",
			"session_id", sess.ID(), "seq_id", head.SeqID,
			"length", tooLarge.Length, "max_frame", tooLarge.Max)
		reply := protocol.Message{
			SeqID:      head.SeqID,
			ProtocolID: head.ProtocolID,
			MethodID:   head.MethodID,
			Body:       protocol.AppendEnvelope(nil, protocol.CodeBadRequest, "frame too large", nil),
		}
		return s.opts.Sessions.PushTo(sess, reply) == nil

	case errors.Is(err, io.EOF):
		s.log.Debug("client disconnected", "session_id", sess.ID())
		return false

	case errors.Is(err, protocol.ErrMalformed):
		s.log.Warn("dropping conn: malformed frame",
			"session_id", sess.ID(), "remote", sess.RemoteAddr(), "error", err)
		return false

	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.log.Info("idle read timeout",
				"session_id", sess.ID(), "remote", sess.RemoteAddr())
		} else if !errors.Is(err, net.ErrClosed) {
			// closed means a kick or shutdown already logged its reason
			s.log.Debug("read failed", "session_id", sess.ID(), "error", err)
		}
		return false
	}
}

// refuse turns away a connection the manager would not admit. Best-effort
// kick frame so the client can tell "server full" from a network failure.
func (s *Server) refuse(conn net.Conn, err error) {
	defer conn.Close()
	s.log.Warn("connection refused", "remote", conn.RemoteAddr(), "error", err)
	kick := protocol.Message{
		ProtocolID: constants.ProtocolCore,
		MethodID:   constants.MethodKicked,
		Body:       protocol.AppendEnvelope(nil, protocol.CodeOverloaded, "server full", nil),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(refuseWriteTimeout))
	_ = protocol.WriteMessage(conn, kick, s.opts.MaxFrame)
}
