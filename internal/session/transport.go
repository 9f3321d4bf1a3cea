package session

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// transport is the write half of one TCP connection: a bounded queue and a
// single pump goroutine that owns all conn writes. Frames handed to send are
// pool-backed; ownership passes here and every buffer goes back to the pool
// after the write, including on failure.
type transport struct {
	conn    net.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once

	keepConn   atomic.Bool
	connClosed atomic.Bool

	pool         *BytePool
	writeTimeout time.Duration
	log          *slog.Logger
}

func newTransport(conn net.Conn, pool *BytePool, queueSize int, writeTimeout time.Duration, log *slog.Logger) *transport {
	tr := &transport{
		conn:         conn,
		sendCh:       make(chan []byte, queueSize),
		closeCh:      make(chan struct{}),
		done:         make(chan struct{}),
		pool:         pool,
		writeTimeout: writeTimeout,
		log:          log,
	}
	go tr.writePump()
	return tr
}

// send queues an encoded frame without blocking. A full queue is the
// slow-client signal; the frame goes back to the pool either way.
func (t *transport) send(frame []byte) error {
	select {
	case <-t.closeCh:
		t.pool.Put(frame)
		return ErrSessionClosed
	default:
	}

	select {
	case t.sendCh <- frame:
		return nil
	default:
		t.pool.Put(frame)
		return ErrSendQueueFull
	}
}

// writePump drains sendCh onto the socket and owns the socket's lifetime:
// the conn is closed only here, after queued frames are flushed, so a final
// push (kick notice, shutdown reason) reaches the wire before the FIN.
// Single packets take the direct write path; a backlog is flushed in one
// writev via net.Buffers.
func (t *transport) writePump() {
	bufs := make(net.Buffers, 0, 64)
	written := make([][]byte, 0, 64)

	defer close(t.done)
	defer func() {
		for {
			select {
			case frame := <-t.sendCh:
				t.pool.Put(frame)
			default:
				if !t.keepConn.Load() {
					t.connClosed.Store(true)
					_ = t.conn.Close()
				}
				return
			}
		}
	}()

	for {
		select {
		case frame := <-t.sendCh:
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				t.pool.Put(frame)
				return
			}

			queued := len(t.sendCh)
			if queued == 0 {
				_, err := t.conn.Write(frame)
				t.pool.Put(frame)
				if err != nil {
					t.log.Warn("session write failed", "error", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			written = written[:0]
			bufs = append(bufs, frame)
			written = append(written, frame)
			for range queued {
				f := <-t.sendCh
				bufs = append(bufs, f)
				written = append(written, f)
			}

			_, err := bufs.WriteTo(t.conn)
			for _, f := range written {
				t.pool.Put(f)
			}
			if err != nil {
				t.log.Warn("session batch write failed", "error", err)
				return
			}

		case <-t.closeCh:
			// flush whatever is already queued, then let the defer close
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
			for {
				select {
				case frame := <-t.sendCh:
					_, err := t.conn.Write(frame)
					t.pool.Put(frame)
					if err != nil {
						t.log.Warn("final flush failed", "error", err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// close rejects further sends and signals the pump to flush and shut the
// socket. Non-blocking; safe to call repeatedly.
func (t *transport) close() {
	t.once.Do(func() {
		close(t.closeCh)
	})
}

// release stops the pump like close but keeps the socket open and hands it
// back: the conn moves to a new transport when a client resumes a session over
// an already-established connection. Blocks until the pump has flushed and
// exited so no write can race the handoff. Returns nil if the pump already
// closed the conn (dead socket or a plain close won the race).
func (t *transport) release() net.Conn {
	t.keepConn.Store(true)
	t.close()
	<-t.done
	if t.connClosed.Load() {
		return nil
	}
	return t.conn
}
