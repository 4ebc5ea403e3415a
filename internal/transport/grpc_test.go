package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lsst/qserv/internal/ccontrol"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/wbase"
)

// echoHandler answers every request with rowsPerTask rows per task,
// streamed through a real ChannelShared.
type echoHandler struct {
	rowsPerTask int
}

func (h *echoHandler) HandleTaskStream(ctx context.Context, payload []byte, sc transport.SendChannel) error {
	tmsg, err := proto.UnmarshalTaskMsg(payload)
	if err != nil {
		return err
	}
	ch := wbase.NewChannelShared(sc, nil, "test-worker", nil)
	tasks := wbase.NewTasks(tmsg, ch)
	for _, t := range tasks {
		if err := ch.InitTransmit(t); err != nil {
			return err
		}
		for i := 0; i < h.rowsPerTask; i++ {
			if err := ch.AddResultRow(t, []proto.Cell{{Value: []byte("cell")}}, 8); err != nil {
				return err
			}
		}
		if err := ch.TransmitLast(t, false); err != nil {
			return err
		}
	}
	return ch.WaitDone(ctx)
}

// collectMerger counts rows arriving at the czar side.
type collectMerger struct {
	mu   sync.Mutex
	rows int
}

func (m *collectMerger) Merge(res *proto.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows += len(res.Rows)
	return nil
}

func (m *collectMerger) PrepScrub(jobId, attemptCount int) error { return nil }

// streamDriver is a minimal Requester that walks the header chain with
// a MergingHandler, the way QueryRequest does.
type streamDriver struct {
	payload []byte
	handler *ccontrol.MergingHandler

	mu   sync.Mutex
	ch   transport.Channel
	done chan error
}

func (d *streamDriver) GetRequest() []byte { return d.payload }

func (d *streamDriver) ProcessResponse(ch transport.Channel, err error) {
	if err != nil {
		d.done <- err
		return
	}
	d.mu.Lock()
	d.ch = ch
	d.mu.Unlock()
	info, ferr := d.handler.Flush(ch.Metadata())
	if ferr != nil {
		d.done <- ferr
		return
	}
	if info.Last {
		ch.Finished(false)
		d.done <- nil
		return
	}
	ch.GetResponseData(info.NextBufSize)
}

func (d *streamDriver) ProcessResponseData(data []byte, blen int, last bool, err error) {
	if err != nil {
		d.done <- err
		return
	}
	respSize := blen - proto.ProtoHeaderSize
	if respSize < 0 {
		d.done <- context.DeadlineExceeded
		return
	}
	if _, ferr := d.handler.Flush(data[:respSize]); ferr != nil {
		d.done <- ferr
		return
	}
	info, ferr := d.handler.Flush(data[respSize:blen])
	if ferr != nil {
		d.done <- ferr
		return
	}
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if info.Last {
		ch.Finished(false)
		d.done <- nil
		return
	}
	ch.GetResponseData(info.NextBufSize)
}

func startTestServer(t *testing.T, handler transport.TaskHandler) (*transport.GrpcService, func()) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := transport.NewServer(handler, nil)
	go func() { _ = server.Serve(lis) }()

	service := transport.NewGrpcService(nil,
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	cleanup := func() {
		_ = service.Close()
		server.Stop()
	}
	return service, cleanup
}

func runStream(t *testing.T, service *transport.GrpcService, tmsg *proto.TaskMsg,
	merger ccontrol.Merger) error {
	t.Helper()
	driver := &streamDriver{
		payload: tmsg.Marshal(),
		handler: ccontrol.NewMergingHandler(merger, qdisp.NewMessageStore(), nil),
		done:    make(chan error, 1),
	}
	if err := service.ProcessRequest(context.Background(), "bufnet", driver); err != nil {
		return err
	}
	select {
	case err := <-driver.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("stream never completed")
		return nil
	}
}

func TestGrpcStreamRoundTrip(t *testing.T) {
	service, cleanup := startTestServer(t, &echoHandler{rowsPerTask: 25})
	defer cleanup()

	merger := &collectMerger{}
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         11,
		JobId:           0,
		ChunkId:         500,
		Fragments:       []proto.Fragment{{Query: "SELECT 1"}},
	}
	if err := runStream(t, service, tmsg, merger); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if merger.rows != 25 {
		t.Errorf("received %d rows, want 25", merger.rows)
	}
}

func TestGrpcStreamZeroRows(t *testing.T) {
	service, cleanup := startTestServer(t, &echoHandler{rowsPerTask: 0})
	defer cleanup()

	merger := &collectMerger{}
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         12,
		JobId:           1,
		ChunkId:         501,
		Fragments:       []proto.Fragment{{Query: "SELECT 1"}},
	}
	if err := runStream(t, service, tmsg, merger); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if merger.rows != 0 {
		t.Errorf("received %d rows, want 0", merger.rows)
	}
}

func TestGrpcStreamMultipleSubchunks(t *testing.T) {
	service, cleanup := startTestServer(t, &echoHandler{rowsPerTask: 10})
	defer cleanup()

	merger := &collectMerger{}
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         13,
		JobId:           2,
		ChunkId:         502,
		Fragments: []proto.Fragment{{
			Query:          "SELECT * FROM Object_%CC%_%SS%",
			Subchunks:      []int32{0, 1, 2},
			SubchunkTables: []string{"Object"},
		}},
	}
	if err := runStream(t, service, tmsg, merger); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if merger.rows != 30 {
		t.Errorf("received %d rows, want 30", merger.rows)
	}
}
