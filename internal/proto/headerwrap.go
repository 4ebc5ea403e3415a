// Package proto defines the wire messages exchanged between czar and
// worker and the fixed-size envelope used to chain result headers
// through a byte stream. Messages use the protobuf wire format via
// protowire; the codecs are maintained by hand so the exact framing
// stays visible in one place.
package proto

import (
	"errors"
	"fmt"
)

const (
	// ProtoHeaderSize is the fixed size of a wrapped header envelope.
	// The receiver always pulls exactly this many bytes for a header.
	ProtoHeaderSize = 255

	// ProtobufferHardLimit is the absolute cap on a single result
	// payload. Workers must split their output before reaching it.
	ProtobufferHardLimit = 64 * 1024 * 1024

	// ProtobufferDesiredLimit is the target size for result payloads,
	// kept well below the hard limit to leave headroom for row overflow.
	ProtobufferDesiredLimit = 2 * 1024 * 1024

	// ProtocolVersion is the current request protocol. Workers reject
	// anything older than version 2.
	ProtocolVersion = 2
)

var (
	ErrHeaderTooBig  = errors.New("proto: header exceeds envelope size")
	ErrBadEnvelope   = errors.New("proto: malformed header envelope")
	ErrPayloadTooBig = errors.New("proto: payload exceeds hard limit")
)

// WrapHeader wraps an encoded ProtoHeader in the fixed-size envelope:
// one length byte, the header bytes, zero padding to ProtoHeaderSize.
func WrapHeader(hdr []byte) ([]byte, error) {
	if len(hdr) > ProtoHeaderSize-1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooBig, len(hdr))
	}
	buf := make([]byte, ProtoHeaderSize)
	buf[0] = byte(len(hdr))
	copy(buf[1:], hdr)
	return buf, nil
}

// UnwrapHeader extracts the encoded header from a wrapped envelope.
func UnwrapHeader(buf []byte) ([]byte, error) {
	if len(buf) != ProtoHeaderSize {
		return nil, fmt.Errorf("%w: envelope size %d", ErrBadEnvelope, len(buf))
	}
	n := int(buf[0])
	if n > ProtoHeaderSize-1 {
		return nil, fmt.Errorf("%w: length byte %d", ErrBadEnvelope, n)
	}
	return buf[1 : 1+n], nil
}
