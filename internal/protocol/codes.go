package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/udisondev/gamecore/internal/constants"
)

// Code is the status code carried in the response envelope. Code 0 is success;
// every other value maps one error class of the dispatch pipeline.
type Code uint16

const (
	CodeOK              Code = 0
	CodeBadRequest      Code = 1  // malformed body / decode failure
	CodeUnauthorized    Code = 2  // auth gate or signature check failed
	CodeRoleNotSelected Code = 3  // handler needs a bound role
	CodeUnknownProtocol Code = 4  // no handler for the key
	CodeRateLimited     Code = 5  // per-handler rate exceeded
	CodeBusy            Code = 6  // actor mailbox full / async pool saturated
	CodeTimeout         Code = 7  // request deadline exceeded
	CodeInternal        Code = 8  // handler failed; detail stays server-side
	CodeLoadFailed      Code = 9  // entity state could not be loaded
	CodeOverloaded      Code = 10 // hard caps reached, back off
	CodeDisplaced       Code = 11 // kick reason: a newer login took the role
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadRequest:
		return "bad_request"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeRoleNotSelected:
		return "role_not_selected"
	case CodeUnknownProtocol:
		return "unknown_protocol"
	case CodeRateLimited:
		return "rate_limited"
	case CodeBusy:
		return "busy"
	case CodeTimeout:
		return "timeout"
	case CodeInternal:
		return "internal"
	case CodeLoadFailed:
		return "load_failed"
	case CodeOverloaded:
		return "overloaded"
	case CodeDisplaced:
		return "displaced"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// AppendEnvelope appends the response envelope to dst:
// code:u16 | msgLen:u16 | msg | payload. msg is truncated to the envelope cap.
func AppendEnvelope(dst []byte, code Code, msg string, payload []byte) []byte {
	if len(msg) > constants.EnvelopeMaxMessage {
		msg = msg[:constants.EnvelopeMaxMessage]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(code))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg)))
	dst = append(dst, msg...)
	return append(dst, payload...)
}

// ParseEnvelope splits a response body into its envelope parts. The returned
// payload aliases b.
func ParseEnvelope(b []byte) (code Code, msg string, payload []byte, err error) {
	if len(b) < constants.EnvelopeHeadSize {
		return 0, "", nil, fmt.Errorf("envelope too short: %d bytes", len(b))
	}
	code = Code(binary.BigEndian.Uint16(b[0:2]))
	msgLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < constants.EnvelopeHeadSize+msgLen {
		return 0, "", nil, fmt.Errorf("envelope message truncated: want %d, have %d",
			msgLen, len(b)-constants.EnvelopeHeadSize)
	}
	msg = string(b[constants.EnvelopeHeadSize : constants.EnvelopeHeadSize+msgLen])
	return code, msg, b[constants.EnvelopeHeadSize+msgLen:], nil
}
