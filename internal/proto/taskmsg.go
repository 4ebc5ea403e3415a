package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Fragment is one SQL statement to run on the chunk. Subchunked
// fragments run once per subchunk id with the placeholder table names
// substituted by the worker.
type Fragment struct {
	Query          string   // 1
	Subchunks      []int32  // 2
	SubchunkTables []string // 3
	SubchunkDb     string   // 4
}

func (f *Fragment) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, f.Query)
	for _, sc := range f.Subchunks {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sc))
	}
	for _, t := range f.SubchunkTables {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	if f.SubchunkDb != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, f.SubchunkDb)
	}
	return b
}

func unmarshalFragment(b []byte) (Fragment, error) {
	var f Fragment
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("proto: bad fragment tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("proto: bad fragment query")
			}
			b = b[n:]
			f.Query = v
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("proto: bad subchunk id")
			}
			b = b[n:]
			f.Subchunks = append(f.Subchunks, int32(v))
		case 3:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("proto: bad subchunk table")
			}
			b = b[n:]
			f.SubchunkTables = append(f.SubchunkTables, v)
		case 4:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("proto: bad subchunk db")
			}
			b = b[n:]
			f.SubchunkDb = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("proto: bad fragment field %d", num)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// ScanTable describes one shared-scan table touched by the query.
// Rating orders tables from fast (small) to slow (huge).
type ScanTable struct {
	Db           string // 1
	Table        string // 2
	LockInMemory bool   // 3
	Rating       int32  // 4
}

func (s *ScanTable) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.Db)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, s.Table)
	if s.LockInMemory {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Rating))
	return b
}

func unmarshalScanTable(b []byte) (ScanTable, error) {
	var s ScanTable
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("proto: bad scan table tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return s, fmt.Errorf("proto: bad scan table string")
			}
			b = b[n:]
			if num == 1 {
				s.Db = v
			} else {
				s.Table = v
			}
		case 3, 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, fmt.Errorf("proto: bad scan table varint")
			}
			b = b[n:]
			if num == 3 {
				s.LockInMemory = v != 0
			} else {
				s.Rating = int32(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("proto: bad scan table field %d", num)
			}
			b = b[n:]
		}
	}
	return s, nil
}

// TaskMsg is the per-chunk request payload sent from czar to worker.
type TaskMsg struct {
	ProtocolVersion int32       // 1
	QueryId         uint64      // 2
	JobId           int32       // 3
	AttemptCount    int32       // 4
	CzarId          uint32      // 5
	ChunkId         int32       // 6
	Db              string      // 7
	Fragments       []Fragment  // 8
	ScanTables      []ScanTable // 9
	ScanInteractive bool        // 10
	ScanPriority    int32       // 11
	MaxTableSizeMB  int64       // 12
}

// Marshal encodes the task message in protobuf wire format.
func (t *TaskMsg) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.ProtocolVersion))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, t.QueryId)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.JobId))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.AttemptCount))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.CzarId))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.ChunkId))
	if t.Db != "" {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, t.Db)
	}
	for i := range t.Fragments {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Fragments[i].marshal())
	}
	for i := range t.ScanTables {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.ScanTables[i].marshal())
	}
	if t.ScanInteractive {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if t.ScanPriority != 0 {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.ScanPriority))
	}
	if t.MaxTableSizeMB != 0 {
		b = protowire.AppendTag(b, 12, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.MaxTableSizeMB))
	}
	return b
}

// UnmarshalTaskMsg decodes a task message.
func UnmarshalTaskMsg(b []byte) (*TaskMsg, error) {
	t := &TaskMsg{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("proto: bad task tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2, 3, 4, 5, 6, 10, 11, 12:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad task varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				t.ProtocolVersion = int32(v)
			case 2:
				t.QueryId = v
			case 3:
				t.JobId = int32(v)
			case 4:
				t.AttemptCount = int32(v)
			case 5:
				t.CzarId = uint32(v)
			case 6:
				t.ChunkId = int32(v)
			case 10:
				t.ScanInteractive = v != 0
			case 11:
				t.ScanPriority = int32(v)
			case 12:
				t.MaxTableSizeMB = int64(v)
			}
		case 7:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad task db")
			}
			b = b[n:]
			t.Db = v
		case 8:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad task fragment")
			}
			b = b[n:]
			f, err := unmarshalFragment(v)
			if err != nil {
				return nil, err
			}
			t.Fragments = append(t.Fragments, f)
		case 9:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad task scan table")
			}
			b = b[n:]
			s, err := unmarshalScanTable(v)
			if err != nil {
				return nil, err
			}
			t.ScanTables = append(t.ScanTables, s)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("proto: bad task field %d", num)
			}
			b = b[n:]
		}
	}
	if t.ProtocolVersion < ProtocolVersion {
		return nil, fmt.Errorf("proto: unsupported protocol version %d", t.ProtocolVersion)
	}
	return t, nil
}
