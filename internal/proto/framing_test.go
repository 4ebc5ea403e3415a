package proto

import (
	"bytes"
	"testing"
)

func TestHeaderWrapRoundTrip(t *testing.T) {
	hdr := &ProtoHeader{
		Protocol: ProtocolVersion,
		Size:     12345,
		Wname:    "worker-3",
		ScsSeq:   7,
	}
	wrapped, err := WrapHeader(hdr.Marshal())
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if len(wrapped) != ProtoHeaderSize {
		t.Fatalf("expected envelope of %d bytes, got %d", ProtoHeaderSize, len(wrapped))
	}
	raw, err := UnwrapHeader(wrapped)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	got, err := UnmarshalProtoHeader(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Size != hdr.Size || got.Wname != hdr.Wname || got.ScsSeq != hdr.ScsSeq {
		t.Errorf("header mismatch: got %+v want %+v", got, hdr)
	}
	if got.Last {
		t.Errorf("last flag set unexpectedly")
	}
}

func TestHeaderWrapLastFlag(t *testing.T) {
	hdr := &ProtoHeader{Protocol: ProtocolVersion, Last: true}
	wrapped, err := WrapHeader(hdr.Marshal())
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	raw, err := UnwrapHeader(wrapped)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	got, err := UnmarshalProtoHeader(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !got.Last {
		t.Errorf("last flag lost in round trip")
	}
	if got.Size != 0 {
		t.Errorf("last header should announce no payload, got size %d", got.Size)
	}
}

func TestUnwrapHeaderBadEnvelope(t *testing.T) {
	if _, err := UnwrapHeader(make([]byte, ProtoHeaderSize-1)); err == nil {
		t.Errorf("short envelope accepted")
	}
	bad := make([]byte, ProtoHeaderSize)
	bad[0] = 255
	if _, err := UnwrapHeader(bad); err == nil {
		t.Errorf("oversized length byte accepted")
	}
}

func TestResultRoundTrip(t *testing.T) {
	res := &Result{
		QueryId:      42,
		JobId:        3,
		AttemptCount: 1,
		RowCount:     2,
		TransmitSize: 99,
		Rows: []Row{
			{Cells: []Cell{{Value: []byte("a")}, {IsNull: true}, {Value: []byte("33")}}},
			{Cells: []Cell{{Value: []byte("")}, {Value: []byte("b")}, {IsNull: true}}},
		},
	}
	got, err := UnmarshalResult(res.Marshal())
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.QueryId != 42 || got.JobId != 3 || got.AttemptCount != 1 {
		t.Errorf("ids mismatch: %+v", got)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got.Rows))
	}
	for i, row := range got.Rows {
		want := res.Rows[i]
		if len(row.Cells) != len(want.Cells) {
			t.Fatalf("row %d: %d cells, want %d", i, len(row.Cells), len(want.Cells))
		}
		for j, cell := range row.Cells {
			if cell.IsNull != want.Cells[j].IsNull {
				t.Errorf("row %d cell %d: null mismatch", i, j)
			}
			if !cell.IsNull && !bytes.Equal(cell.Value, want.Cells[j].Value) {
				t.Errorf("row %d cell %d: %q != %q", i, j, cell.Value, want.Cells[j].Value)
			}
		}
	}
	if got.HasError() {
		t.Errorf("unexpected error flag")
	}
}

func TestResultWorkerError(t *testing.T) {
	res := &Result{QueryId: 1, JobId: 1, ErrorCode: 1005, ErrorMsg: "table missing"}
	got, err := UnmarshalResult(res.Marshal())
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !got.HasError() || got.ErrorCode != 1005 || got.ErrorMsg != "table missing" {
		t.Errorf("error fields lost: %+v", got)
	}
}

func TestTaskMsgRoundTrip(t *testing.T) {
	msg := &TaskMsg{
		ProtocolVersion: ProtocolVersion,
		QueryId:         7,
		JobId:           2,
		AttemptCount:    1,
		CzarId:          9,
		ChunkId:         1234,
		Db:              "LSST",
		Fragments: []Fragment{
			{Query: "SELECT * FROM Object_1234"},
			{
				Query:          "SELECT * FROM Object_%CC%_%SS%",
				Subchunks:      []int32{1, 2, 3},
				SubchunkTables: []string{"Object"},
				SubchunkDb:     "Subchunks_LSST_1234",
			},
		},
		ScanTables: []ScanTable{
			{Db: "LSST", Table: "Object", LockInMemory: true, Rating: 15},
		},
		ScanInteractive: true,
		ScanPriority:    2,
		MaxTableSizeMB:  5120,
	}
	got, err := UnmarshalTaskMsg(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.QueryId != 7 || got.ChunkId != 1234 || got.Db != "LSST" {
		t.Errorf("fields mismatch: %+v", got)
	}
	if len(got.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(got.Fragments))
	}
	if len(got.Fragments[1].Subchunks) != 3 || got.Fragments[1].SubchunkDb != "Subchunks_LSST_1234" {
		t.Errorf("subchunk fragment mismatch: %+v", got.Fragments[1])
	}
	if len(got.ScanTables) != 1 || !got.ScanTables[0].LockInMemory || got.ScanTables[0].Rating != 15 {
		t.Errorf("scan table mismatch: %+v", got.ScanTables)
	}
	if !got.ScanInteractive || got.ScanPriority != 2 {
		t.Errorf("scan flags mismatch: %+v", got)
	}
}

func TestTaskMsgRejectsOldProtocol(t *testing.T) {
	msg := &TaskMsg{ProtocolVersion: 1, QueryId: 1}
	if _, err := UnmarshalTaskMsg(msg.Marshal()); err == nil {
		t.Errorf("protocol version 1 accepted")
	}
}
