package protocol

import "fmt"

// Message is one decoded wire frame.
//
// On the wire a frame is len:u32 | seqId:u32 | protocolId:u16 | methodId:u16 |
// body[len-8], all integers unsigned big-endian. The length prefix EXCLUDES its
// own 4 bytes, so len == 8 + len(body) and a frame occupies 4+len bytes total.
//
// Direction decides the kind: client→server frames are requests; server→client
// frames with SeqID > 0 are responses to the request with the same SeqID, and
// frames with SeqID == 0 are unsolicited pushes. There is no kind byte.
type Message struct {
	SeqID      uint32
	ProtocolID uint16
	MethodID   uint16
	Body       []byte
}

// Key returns the registry key of this message, (protocolId<<8)|methodId.
func (m Message) Key() uint32 {
	return Key(m.ProtocolID, m.MethodID)
}

// IsPush reports whether a server→client frame is an unsolicited push.
func (m Message) IsPush() bool {
	return m.SeqID == 0
}

// Key composes the 32-bit handler registry key from protocol and method ids.
// Method ids are kept below 256 by convention so keys stay collision-free.
func Key(protocolID, methodID uint16) uint32 {
	return uint32(protocolID)<<8 | uint32(methodID)
}

// SplitKey decomposes a registry key back into protocol and method ids.
func SplitKey(key uint32) (protocolID, methodID uint16) {
	return uint16(key >> 8), uint16(key & 0xFF)
}

// KeyString renders a key as "proto.method" for logs.
func KeyString(key uint32) string {
	p, m := SplitKey(key)
	return fmt.Sprintf("%d.%d", p, m)
}
