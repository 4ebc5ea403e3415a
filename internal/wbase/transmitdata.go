package wbase

import (
	"github.com/lsst/qserv/internal/proto"
)

// TransmitData is one result message being assembled and the framing
// around it. On the wire, message i is payload_i followed by the wrapped
// header for message i+1; the header for message 1 travels in transport
// metadata. A header's Size field announces the full size of the next
// message, trailing header included.
type TransmitData struct {
	result    *proto.Result
	dataBytes []byte // marshaled result, fixed once built
	trailer   []byte // wrapped header for the next message
	approx    int    // running payload size estimate while rows are added
}

// createTransmit starts an empty result message for the task.
func createTransmit(t *Task) *TransmitData {
	return &TransmitData{
		result: &proto.Result{
			QueryId:      t.QueryId,
			JobId:        int32(t.JobId),
			AttemptCount: int32(t.AttemptCount),
		},
	}
}

// createTransmitError builds a terminal message reporting a failure.
func createTransmitError(t *Task, code int, msg string) *TransmitData {
	td := createTransmit(t)
	td.result.ErrorCode = int32(code)
	td.result.ErrorMsg = msg
	return td
}

// addRow appends a row and tracks the approximate encoded size.
func (td *TransmitData) addRow(cells []proto.Cell, approxSize int) {
	td.result.Rows = append(td.result.Rows, proto.Row{Cells: cells})
	td.result.RowCount++
	td.approx += approxSize
}

// approxSize reports the running payload estimate.
func (td *TransmitData) approxSize() int { return td.approx }

// rowCount reports rows collected so far.
func (td *TransmitData) rowCount() int { return int(td.result.RowCount) }

// buildDataMsg finalizes the payload bytes. Must be called before the
// message can be framed or announced.
func (td *TransmitData) buildDataMsg() {
	td.result.TransmitSize = int64(td.approx)
	td.dataBytes = td.result.Marshal()
}

// msgSize is the on-wire size of this message: payload plus its
// trailing header envelope.
func (td *TransmitData) msgSize() int {
	return len(td.dataBytes) + proto.ProtoHeaderSize
}

// attachNextHeader builds this message's trailer announcing the next
// message, or the end of the stream.
func (td *TransmitData) attachNextHeader(next *TransmitData, reallyLast bool, wname string, scsSeq int) error {
	hdr := &proto.ProtoHeader{
		Protocol: proto.ProtocolVersion,
		Wname:    wname,
		ScsSeq:   int32(scsSeq),
	}
	if reallyLast {
		hdr.Last = true
	} else {
		hdr.Size = int32(next.msgSize())
	}
	wrapped, err := proto.WrapHeader(hdr.Marshal())
	if err != nil {
		return err
	}
	td.trailer = wrapped
	return nil
}

// metadataBytes builds the wrapped first header announcing this message.
func (td *TransmitData) metadataBytes(wname string, scsSeq int) ([]byte, error) {
	hdr := &proto.ProtoHeader{
		Protocol: proto.ProtocolVersion,
		Size:     int32(td.msgSize()),
		Wname:    wname,
		ScsSeq:   int32(scsSeq),
	}
	return proto.WrapHeader(hdr.Marshal())
}

// transmitBytes returns the complete on-wire message.
func (td *TransmitData) transmitBytes() []byte {
	out := make([]byte, 0, len(td.dataBytes)+len(td.trailer))
	out = append(out, td.dataBytes...)
	out = append(out, td.trailer...)
	return out
}
