package constants

// Wire Protocol Constants
//
// This file contains the frame-level constants for the gamecore wire protocol.
// All multi-byte integers on the wire are unsigned big-endian.

// Frame Structure Constants
const (
	// FrameLengthSize is the length prefix size (4 bytes, big-endian uint32).
	// The length value EXCLUDES the prefix itself: length == FrameHeaderSize + len(body).
	FrameLengthSize = 4

	// FrameHeaderSize is the fixed header after the length prefix:
	// seqId (4) + protocolId (2) + methodId (2).
	FrameHeaderSize = 8

	// DefaultMaxFrame is the default upper bound for the length field.
	// Frames above it are rejected before the body is read.
	DefaultMaxFrame = 64 * 1024

	// DefaultReadBufSize is the pooled buffer size for inbound frames.
	DefaultReadBufSize = 8 * 1024

	// DefaultSendBufSize is the pooled buffer size for outbound frames.
	DefaultSendBufSize = 8 * 1024
)

// Reserved Protocol IDs
//
// Protocol 0 belongs to the runtime itself. Domain modules start at 1.
const (
	// ProtocolCore is the reserved runtime protocol id for server pushes.
	ProtocolCore = 0

	// MethodKicked is the core push sent before a session is closed by the
	// server (displaced login, admin kick, overload shed).
	MethodKicked = 1

	// MethodNotice is the core push for free-form system notices.
	MethodNotice = 2
)

// Envelope Constants
//
// Response bodies carry a status envelope in front of the handler payload:
// code:u16 | msgLen:u16 | msg[msgLen] | payload.
const (
	// EnvelopeHeadSize is code (2) + msgLen (2).
	EnvelopeHeadSize = 4

	// EnvelopeMaxMessage bounds the human-readable status message.
	EnvelopeMaxMessage = 512
)

// Signed Request Constants
//
// When request signing is enabled, client request bodies are prefixed with
// ts:i64 | mac[32] before the handler payload.
const (
	// SignTimestampSize is the unix-seconds timestamp prefix (8 bytes).
	SignTimestampSize = 8

	// SignMACSize is the HMAC-SHA256 tag size.
	SignMACSize = 32

	// SignPrefixSize is the total signed-request prefix.
	SignPrefixSize = SignTimestampSize + SignMACSize
)
