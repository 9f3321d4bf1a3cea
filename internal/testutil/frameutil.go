package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/udisondev/gamecore/internal/protocol"
)

// ReadFrame читает ровно один кадр протокола с соединения.
// Выставляет read deadline, чтобы отсутствие кадра падало по таймауту,
// а не вешало тест.
func ReadFrame(t testing.TB, conn net.Conn, timeout time.Duration) protocol.Message {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}

	msg, err := protocol.ReadMessage(conn, 0, nil)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

// WriteFrame кодирует и пишет один кадр в соединение.
func WriteFrame(t testing.TB, conn net.Conn, msg protocol.Message) {
	t.Helper()

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set write deadline: %v", err)
	}

	if err := protocol.WriteMessage(conn, msg, 0); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}
