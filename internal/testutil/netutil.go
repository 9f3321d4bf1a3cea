package testutil

import (
	"net"
	"testing"
	"time"
)

// PipeConn создаёт пару связанных net.Conn через net.Pipe.
// Оба конца закрываются автоматически при завершении теста.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// FakeAddr реализует net.Addr для тестов.
type FakeAddr struct {
	Net  string
	Addr string
}

func (f FakeAddr) Network() string { return f.Net }
func (f FakeAddr) String() string  { return f.Addr }

// TCPAddr создаёт FakeAddr для TCP адреса.
func TCPAddr(addr string) FakeAddr {
	return FakeAddr{Net: "tcp", Addr: addr}
}

// ConnWithDeadline оборачивает net.Conn и выставляет deadline перед каждым read/write.
// Удобно для клиентской стороны в integration тестах: зависший сервер
// превращается в ошибку таймаута вместо вечной блокировки.
type ConnWithDeadline struct {
	net.Conn
	deadline time.Duration
}

// NewConnWithDeadline создаёт обёртку с автоматическим deadline.
func NewConnWithDeadline(conn net.Conn, deadline time.Duration) *ConnWithDeadline {
	return &ConnWithDeadline{
		Conn:     conn,
		deadline: deadline,
	}
}

func (c *ConnWithDeadline) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.deadline)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *ConnWithDeadline) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.deadline)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// ListenTCP открывает TCP listener на свободном порту.
// Возвращает listener и адрес "host:port".
// Listener закрывается автоматически при завершении теста.
func ListenTCP(t testing.TB) (net.Listener, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}

	t.Cleanup(func() {
		_ = listener.Close()
	})

	return listener, listener.Addr().String()
}
