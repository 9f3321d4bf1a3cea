package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/udisondev/gamecore/internal/constants"
)

var (
	// ErrBadSignature means the MAC did not verify or the prefix is truncated.
	ErrBadSignature = errors.New("bad request signature")

	// ErrStaleTimestamp means the signed timestamp fell outside the tolerance
	// window, which defeats simple replay.
	ErrStaleTimestamp = errors.New("stale request timestamp")
)

// SignMAC computes the HMAC-SHA256 tag over seqId | key | ts | payload.
// Binding seqId and the registry key into the tag stops a captured request
// from being replayed under another sequence or routed to another method.
func SignMAC(key []byte, seqID, msgKey uint32, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var head [16]byte
	binary.BigEndian.PutUint32(head[0:4], seqID)
	binary.BigEndian.PutUint32(head[4:8], msgKey)
	binary.BigEndian.PutUint64(head[8:16], uint64(ts))
	mac.Write(head[:])
	mac.Write(payload)
	return mac.Sum(nil)
}

// AppendSigned prefixes payload with ts | mac and appends the signed body to
// dst. Client-side counterpart of VerifySigned.
func AppendSigned(dst, key []byte, seqID, msgKey uint32, ts int64, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(ts))
	dst = append(dst, SignMAC(key, seqID, msgKey, ts, payload)...)
	return append(dst, payload...)
}

// VerifySigned checks the ts | mac prefix of body and returns the bare
// payload. The payload aliases body.
func VerifySigned(key []byte, seqID, msgKey uint32, body []byte, now time.Time, tolerance time.Duration) ([]byte, error) {
	if len(body) < constants.SignPrefixSize {
		return nil, fmt.Errorf("%w: body %d bytes, prefix needs %d",
			ErrBadSignature, len(body), constants.SignPrefixSize)
	}

	ts := int64(binary.BigEndian.Uint64(body[:constants.SignTimestampSize]))
	if d := now.Unix() - ts; d > int64(tolerance.Seconds()) || -d > int64(tolerance.Seconds()) {
		return nil, fmt.Errorf("%w: signed %d, now %d", ErrStaleTimestamp, ts, now.Unix())
	}

	tag := body[constants.SignTimestampSize:constants.SignPrefixSize]
	payload := body[constants.SignPrefixSize:]
	if !hmac.Equal(tag, SignMAC(key, seqID, msgKey, ts, payload)) {
		return nil, ErrBadSignature
	}
	return payload, nil
}
