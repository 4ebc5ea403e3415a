package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoHeader announces the size of the next result payload in a stream.
// The first header travels in transport metadata; every later one rides
// at the tail of the preceding data message.
type ProtoHeader struct {
	Protocol    int32  // 1
	Size        int32  // 2: size in bytes of the next payload
	Last        bool   // 3: no payload follows this header
	Wname       string // 4: reporting worker
	LargeResult bool   // 5
	Seq         uint64 // 6: channel sequence
	ScsSeq      int32  // 7: shared-channel message sequence
}

// Marshal encodes the header in protobuf wire format.
func (h *ProtoHeader) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Protocol))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Size))
	if h.Last {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if h.Wname != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, h.Wname)
	}
	if h.LargeResult {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if h.Seq != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, h.Seq)
	}
	if h.ScsSeq != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ScsSeq))
	}
	return b
}

// UnmarshalProtoHeader decodes a header.
func UnmarshalProtoHeader(b []byte) (*ProtoHeader, error) {
	h := &ProtoHeader{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("proto: bad header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2, 3, 5, 6, 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad header varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				h.Protocol = int32(v)
			case 2:
				h.Size = int32(v)
			case 3:
				h.Last = v != 0
			case 5:
				h.LargeResult = v != 0
			case 6:
				h.Seq = v
			case 7:
				h.ScsSeq = int32(v)
			}
		case 4:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad header string: %w", protowire.ParseError(n))
			}
			b = b[n:]
			h.Wname = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad header field %d", num)
			}
			b = b[n:]
		}
	}
	return h, nil
}

// Cell is one column value of a result row. A nil Value with IsNull set
// represents SQL NULL.
type Cell struct {
	IsNull bool   // 1
	Value  []byte // 2
}

// Row is one result row.
type Row struct {
	Cells []Cell // 1
}

func (r *Row) marshal() []byte {
	var b []byte
	for i := range r.Cells {
		c := &r.Cells[i]
		var cb []byte
		if c.IsNull {
			cb = protowire.AppendTag(cb, 1, protowire.VarintType)
			cb = protowire.AppendVarint(cb, 1)
		}
		if len(c.Value) > 0 || !c.IsNull {
			cb = protowire.AppendTag(cb, 2, protowire.BytesType)
			cb = protowire.AppendBytes(cb, c.Value)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b
}

func unmarshalRow(b []byte) (Row, error) {
	var r Row
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("proto: bad row tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("proto: bad row field %d", num)
			}
			b = b[n:]
			continue
		}
		cb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return r, fmt.Errorf("proto: bad cell bytes: %w", protowire.ParseError(n))
		}
		b = b[n:]
		var c Cell
		for len(cb) > 0 {
			cnum, ctyp, cn := protowire.ConsumeTag(cb)
			if cn < 0 {
				return r, fmt.Errorf("proto: bad cell tag")
			}
			cb = cb[cn:]
			switch cnum {
			case 1:
				v, cn := protowire.ConsumeVarint(cb)
				if cn < 0 {
					return r, fmt.Errorf("proto: bad cell varint")
				}
				cb = cb[cn:]
				c.IsNull = v != 0
			case 2:
				v, cn := protowire.ConsumeBytes(cb)
				if cn < 0 {
					return r, fmt.Errorf("proto: bad cell value")
				}
				cb = cb[cn:]
				c.Value = v
			default:
				cn := protowire.ConsumeFieldValue(cnum, ctyp, cb)
				if cn < 0 {
					return r, fmt.Errorf("proto: bad cell field %d", cnum)
				}
				cb = cb[cn:]
			}
		}
		r.Cells = append(r.Cells, c)
	}
	return r, nil
}

// Result carries one batch of rows from a worker task. A non-zero
// ErrorCode or non-empty ErrorMsg marks a worker-reported failure.
type Result struct {
	QueryId      uint64 // 1
	JobId        int32  // 2
	AttemptCount int32  // 3
	RowCount     int32  // 4
	TransmitSize int64  // 5
	Rows         []Row  // 6
	ErrorCode    int32  // 7
	ErrorMsg     string // 8
	FileResource string // 9: set instead of Rows for file-backed results
	RowsTotal    int64  // 10: total rows in a file-backed result
}

// HasError reports whether the worker flagged a failure.
func (r *Result) HasError() bool {
	return r.ErrorCode != 0 || r.ErrorMsg != ""
}

// Marshal encodes the result in protobuf wire format.
func (r *Result) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.QueryId)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.JobId))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.AttemptCount))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RowCount))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TransmitSize))
	for i := range r.Rows {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Rows[i].marshal())
	}
	if r.ErrorCode != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ErrorCode))
	}
	if r.ErrorMsg != "" {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorMsg)
	}
	if r.FileResource != "" {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, r.FileResource)
	}
	if r.RowsTotal != 0 {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.RowsTotal))
	}
	return b
}

// UnmarshalResult decodes a result payload.
func UnmarshalResult(b []byte) (*Result, error) {
	if len(b) > ProtobufferHardLimit {
		return nil, ErrPayloadTooBig
	}
	r := &Result{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("proto: bad result tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2, 3, 4, 5, 7, 10:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad result varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				r.QueryId = v
			case 2:
				r.JobId = int32(v)
			case 3:
				r.AttemptCount = int32(v)
			case 4:
				r.RowCount = int32(v)
			case 5:
				r.TransmitSize = int64(v)
			case 7:
				r.ErrorCode = int32(v)
			case 10:
				r.RowsTotal = int64(v)
			}
		case 6:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad result row: %w", protowire.ParseError(n))
			}
			b = b[n:]
			row, err := unmarshalRow(v)
			if err != nil {
				return nil, err
			}
			r.Rows = append(r.Rows, row)
		case 8:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad result errmsg: %w", protowire.ParseError(n))
			}
			b = b[n:]
			r.ErrorMsg = v
		case 9:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad result file: %w", protowire.ParseError(n))
			}
			b = b[n:]
			r.FileResource = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad result field %d", num)
			}
			b = b[n:]
		}
	}
	return r, nil
}
