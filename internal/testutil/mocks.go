package testutil

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MockConn — write-capture mock для net.Conn, используется в unit тестах.
// Write копит данные в буфер, тест разбирает их через Written.
// Безопасен для конкурентного доступа: write pump пишет из своей горутины,
// тест читает буфер из своей.
type MockConn struct {
	mu         sync.Mutex
	writeBuf   []byte
	writeCount int
	closed     bool
}

// NewMockConn создаёт новый MockConn.
func NewMockConn() *MockConn {
	return &MockConn{}
}

// Read всегда возвращает io.EOF: mock собирает только исходящий трафик.
func (m *MockConn) Read(b []byte) (int, error) {
	return 0, io.EOF
}

// Write записывает данные во внутренний буфер.
func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}

	m.writeBuf = append(m.writeBuf, b...)
	m.writeCount++
	return len(b), nil
}

// Written возвращает копию всех записанных байт.
func (m *MockConn) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.writeBuf))
	copy(out, m.writeBuf)
	return out
}

// WriteCount возвращает число вызовов Write.
// Используется в тестах батчинга: несколько кадров за один системный вызов.
func (m *MockConn) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCount
}

// Close закрывает соединение.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LocalAddr возвращает локальный адрес (mock).
func (m *MockConn) LocalAddr() net.Addr {
	return TCPAddr("127.0.0.1:7777")
}

// RemoteAddr возвращает удалённый адрес (mock).
func (m *MockConn) RemoteAddr() net.Addr {
	return TCPAddr("192.168.1.100:12345")
}

// SetDeadline устанавливает deadline (no-op).
func (m *MockConn) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline устанавливает read deadline (no-op).
func (m *MockConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline устанавливает write deadline (no-op).
func (m *MockConn) SetWriteDeadline(t time.Time) error { return nil }

// BlockConn — net.Conn, у которого Write блокируется до вызова Release или Close.
// Моделирует медленного клиента с забитым TCP окном.
type BlockConn struct {
	release   chan struct{}
	closed    chan struct{}
	relOnce   sync.Once
	closeOnce sync.Once
	writes    atomic.Int64
}

// NewBlockConn создаёт BlockConn.
func NewBlockConn() *BlockConn {
	return &BlockConn{
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Write блокируется до Release или Close.
func (c *BlockConn) Write(b []byte) (int, error) {
	select {
	case <-c.release:
		c.writes.Add(1)
		return len(b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

// Read блокируется до Close.
func (c *BlockConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

// Release разблокирует все текущие и будущие Write.
func (c *BlockConn) Release() {
	c.relOnce.Do(func() { close(c.release) })
}

// WriteCount возвращает число Write, завершившихся после Release.
func (c *BlockConn) WriteCount() int {
	return int(c.writes.Load())
}

// Close закрывает соединение, заблокированные Write возвращают ошибку.
func (c *BlockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// LocalAddr возвращает локальный адрес (mock).
func (c *BlockConn) LocalAddr() net.Addr { return TCPAddr("127.0.0.1:7777") }

// RemoteAddr возвращает удалённый адрес (mock).
func (c *BlockConn) RemoteAddr() net.Addr { return TCPAddr("10.0.0.1:54321") }

// SetDeadline устанавливает deadline (no-op).
func (c *BlockConn) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline устанавливает read deadline (no-op).
func (c *BlockConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline устанавливает write deadline (no-op).
func (c *BlockConn) SetWriteDeadline(t time.Time) error { return nil }
