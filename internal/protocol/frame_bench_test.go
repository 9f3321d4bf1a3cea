package protocol

import (
	"bytes"
	"testing"

	"github.com/udisondev/gamecore/internal/constants"
)

// BenchmarkAppendMessage measures frame encoding into a reused buffer.
func BenchmarkAppendMessage(b *testing.B) {
	m := Message{SeqID: 42, ProtocolID: 2, MethodID: 1, Body: bytes.Repeat([]byte("x"), 256)}
	dst := make([]byte, 0, EncodedSize(m))

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		dst = AppendMessage(dst[:0], m)
	}
}

// BenchmarkReadMessage measures frame decoding with a caller-provided buffer,
// the hot path of the read loop.
func BenchmarkReadMessage(b *testing.B) {
	frame := AppendMessage(nil, Message{SeqID: 42, ProtocolID: 2, MethodID: 1, Body: bytes.Repeat([]byte("x"), 256)})
	buf := make([]byte, constants.DefaultReadBufSize)
	r := bytes.NewReader(frame)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		r.Reset(frame)
		if _, err := ReadMessage(r, constants.DefaultMaxFrame, buf); err != nil {
			b.Fatal(err)
		}
	}
}
