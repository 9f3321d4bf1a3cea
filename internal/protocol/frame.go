package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/udisondev/gamecore/internal/constants"
)

var (
	// ErrFrameTooLarge means the length prefix exceeds the configured MaxFrame.
	ErrFrameTooLarge = errors.New("frame exceeds max size")

	// ErrMalformed means the frame is structurally broken (length below the
	// fixed header, or the stream ended mid-frame).
	ErrMalformed = errors.New("malformed frame")
)

// TooLargeError reports an inbound frame whose declared length exceeds
// MaxFrame. ReadMessage has consumed only the length prefix at that point, so
// the stream is still aligned: DiscardFrame can skip the oversized frame and
// the connection survives.
type TooLargeError struct {
	Length uint32
	Max    uint32
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("frame exceeds max size: length %d > max %d", e.Length, e.Max)
}

func (e *TooLargeError) Unwrap() error { return ErrFrameTooLarge }

// ReadMessage reads exactly one frame from r.
//
// buf is an optional scratch buffer for the header+body; pass a pooled slice
// sized >= maxFrame to avoid per-frame allocations, or nil to allocate. The
// returned Message borrows buf, so the caller owns the lifetime.
//
// Byte-stream fragmentation is absorbed here: io.ReadFull blocks until the
// frame is complete, so a partial read is never an error. A clean close before
// the first length byte returns io.EOF unchanged; a close mid-frame returns
// ErrMalformed.
func ReadMessage(r io.Reader, maxFrame uint32, buf []byte) (Message, error) {
	var head [constants.FrameLengthSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
		}
		// between frames a read failure is the conn's error (timeout, reset),
		// not a protocol violation
		return Message{}, fmt.Errorf("reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(head[:])
	if length < constants.FrameHeaderSize {
		return Message{}, fmt.Errorf("%w: length %d below header size", ErrMalformed, length)
	}
	if maxFrame > 0 && length > maxFrame {
		return Message{}, &TooLargeError{Length: length, Max: maxFrame}
	}

	if uint32(len(buf)) < length {
		buf = make([]byte, length)
	}
	frame := buf[:length]
	if _, err := io.ReadFull(r, frame); err != nil {
		return Message{}, fmt.Errorf("%w: truncated frame (want %d bytes): %v", ErrMalformed, length, err)
	}

	return Message{
		SeqID:      binary.BigEndian.Uint32(frame[0:4]),
		ProtocolID: binary.BigEndian.Uint16(frame[4:6]),
		MethodID:   binary.BigEndian.Uint16(frame[6:8]),
		Body:       frame[constants.FrameHeaderSize:length],
	}, nil
}

// AppendMessage appends the encoded frame (length prefix included) to dst and
// returns the extended slice. It never fails; oversize enforcement is the
// writer's job via Validate.
func AppendMessage(dst []byte, m Message) []byte {
	length := uint32(constants.FrameHeaderSize + len(m.Body))
	dst = binary.BigEndian.AppendUint32(dst, length)
	dst = binary.BigEndian.AppendUint32(dst, m.SeqID)
	dst = binary.BigEndian.AppendUint16(dst, m.ProtocolID)
	dst = binary.BigEndian.AppendUint16(dst, m.MethodID)
	return append(dst, m.Body...)
}

// EncodedSize returns the full on-wire size of m, length prefix included.
func EncodedSize(m Message) int {
	return constants.FrameLengthSize + constants.FrameHeaderSize + len(m.Body)
}

// Validate checks that m fits under maxFrame before encoding.
func Validate(m Message, maxFrame uint32) error {
	length := uint32(constants.FrameHeaderSize + len(m.Body))
	if maxFrame > 0 && length > maxFrame {
		return fmt.Errorf("%w: length %d > max %d", ErrFrameTooLarge, length, maxFrame)
	}
	return nil
}

// WriteMessage encodes m and writes the complete frame to w.
func WriteMessage(w io.Writer, m Message, maxFrame uint32) error {
	if err := Validate(m, maxFrame); err != nil {
		return err
	}
	frame := AppendMessage(make([]byte, 0, EncodedSize(m)), m)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// DiscardFrame skips one frame whose length prefix was already consumed and
// returns its header, so the caller can answer the rejected request. The
// stream stays aligned on the next frame boundary. length must come from a
// TooLargeError, which guarantees it covers the header.
func DiscardFrame(r io.Reader, length uint32) (Message, error) {
	var head [constants.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, fmt.Errorf("%w: truncated frame header: %v", ErrMalformed, err)
	}
	if _, err := io.CopyN(io.Discard, r, int64(length)-constants.FrameHeaderSize); err != nil {
		return Message{}, fmt.Errorf("%w: truncated oversized frame: %v", ErrMalformed, err)
	}
	return Message{
		SeqID:      binary.BigEndian.Uint32(head[0:4]),
		ProtocolID: binary.BigEndian.Uint16(head[4:6]),
		MethodID:   binary.BigEndian.Uint16(head[6:8]),
	}, nil
}

// ParseFrame extracts one complete frame from the front of b.
//
// Returns the message and the number of bytes consumed. When b holds only a
// partial frame it returns (Message{}, 0, nil) — the caller should read more
// bytes and retry. Structural errors are definitive and the caller should drop
// the connection.
func ParseFrame(b []byte, maxFrame uint32) (Message, int, error) {
	if len(b) < constants.FrameLengthSize {
		return Message{}, 0, nil
	}
	length := binary.BigEndian.Uint32(b)
	if length < constants.FrameHeaderSize {
		return Message{}, 0, fmt.Errorf("%w: length %d below header size", ErrMalformed, length)
	}
	if maxFrame > 0 && length > maxFrame {
		return Message{}, 0, fmt.Errorf("%w: length %d > max %d", ErrFrameTooLarge, length, maxFrame)
	}
	total := constants.FrameLengthSize + int(length)
	if len(b) < total {
		return Message{}, 0, nil
	}
	frame := b[constants.FrameLengthSize:total]
	return Message{
		SeqID:      binary.BigEndian.Uint32(frame[0:4]),
		ProtocolID: binary.BigEndian.Uint16(frame[4:6]),
		MethodID:   binary.BigEndian.Uint16(frame[6:8]),
		Body:       frame[constants.FrameHeaderSize:],
	}, total, nil
}
