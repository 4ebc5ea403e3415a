package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// rawCodec passes message bytes through untouched. The framing protocol
// owns the byte layout; gRPC only supplies message boundaries.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec cannot marshal %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: rawCodec cannot unmarshal into %T", v)
	}
	*p = data
	return nil
}

func (rawCodec) Name() string { return "qserv-raw" }

// Pull control frames flow czar→worker after the initial request payload.
// Each asks the worker to transmit its next data message of exactly Size
// bytes.

func marshalPull(size int) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(size))
	return b
}

func unmarshalPull(b []byte) (int, error) {
	var size int
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("transport: bad pull tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, fmt.Errorf("transport: bad pull size")
			}
			b = b[n:]
			size = int(v)
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, fmt.Errorf("transport: bad pull field %d", num)
		}
		b = b[n:]
	}
	return size, nil
}
