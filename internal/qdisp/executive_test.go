package qdisp_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lsst/qserv/internal/ccontrol"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/transport"
)

// fakeMerger records merged rows per (jobId, attempt) and honors
// scrubbing the way the real merger does.
type fakeMerger struct {
	mu       sync.Mutex
	rows     map[[2]int]int
	scrubbed map[[2]int]bool
	failAll  bool
}

func newFakeMerger() *fakeMerger {
	return &fakeMerger{rows: make(map[[2]int]int), scrubbed: make(map[[2]int]bool)}
}

func (m *fakeMerger) Merge(res *proto.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("merge failed")
	}
	key := [2]int{int(res.JobId), int(res.AttemptCount)}
	if m.scrubbed[key] {
		return nil
	}
	m.rows[key] += len(res.Rows)
	return nil
}

func (m *fakeMerger) PrepScrub(jobId, attemptCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int{jobId, attemptCount}
	m.scrubbed[key] = true
	delete(m.rows, key)
	return nil
}

func (m *fakeMerger) totalRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.rows {
		total += n
	}
	return total
}

func (m *fakeMerger) rowsFor(jobId, attempt int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[[2]int{jobId, attempt}]
}

// buildFrames produces a valid header-chained stream carrying the
// given rows split across nMsgs data messages.
func buildFrames(qid uint64, jobId, attempt, totalRows, nMsgs int) (metadata []byte, frames [][]byte) {
	if nMsgs < 1 {
		nMsgs = 1
	}
	payloads := make([][]byte, nMsgs)
	per := totalRows / nMsgs
	rem := totalRows % nMsgs
	for i := 0; i < nMsgs; i++ {
		n := per
		if i == nMsgs-1 {
			n += rem
		}
		res := &proto.Result{
			QueryId:      qid,
			JobId:        int32(jobId),
			AttemptCount: int32(attempt),
			RowCount:     int32(n),
			TransmitSize: int64(n * 8),
		}
		for r := 0; r < n; r++ {
			res.Rows = append(res.Rows, proto.Row{
				Cells: []proto.Cell{{Value: []byte(fmt.Sprintf("r%d", r))}},
			})
		}
		payloads[i] = res.Marshal()
	}

	// Build frames back to front: each frame ends with the header for
	// the next one; the final frame carries the last-flagged header.
	frames = make([][]byte, nMsgs)
	lastHdr := &proto.ProtoHeader{Protocol: proto.ProtocolVersion, Last: true}
	trailer, _ := proto.WrapHeader(lastHdr.Marshal())
	for i := nMsgs - 1; i >= 0; i-- {
		frames[i] = append(append([]byte{}, payloads[i]...), trailer...)
		hdr := &proto.ProtoHeader{
			Protocol: proto.ProtocolVersion,
			Size:     int32(len(frames[i])),
		}
		trailer, _ = proto.WrapHeader(hdr.Marshal())
	}
	metadata = trailer // announces frame 0
	return metadata, frames
}

// fakeChannel serves a prebuilt frame list.
type fakeChannel struct {
	req      transport.Requester
	metadata []byte
	frames   [][]byte

	mu       sync.Mutex
	idx      int
	finished bool
	stall    chan struct{} // if set, block delivery until closed
}

func (c *fakeChannel) Metadata() []byte { return c.metadata }
func (c *fakeChannel) Endpoint() string { return "fake-worker" }

func (c *fakeChannel) GetResponseData(size int) {
	go func() {
		if c.stall != nil {
			<-c.stall
		}
		c.mu.Lock()
		if c.finished || c.idx >= len(c.frames) {
			c.mu.Unlock()
			return
		}
		frame := c.frames[c.idx]
		c.idx++
		c.mu.Unlock()
		if size != len(frame) {
			c.req.ProcessResponseData(nil, -1, true,
				fmt.Errorf("pull size %d does not match frame %d", size, len(frame)))
			return
		}
		c.req.ProcessResponseData(frame, len(frame), false, nil)
	}()
}

func (c *fakeChannel) Finished(cancelled bool) {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

// fakeService drives the Requester callbacks the way the real gRPC
// transport does, from its own goroutines.
type fakeService struct {
	mu sync.Mutex
	// failAttempts[jobId] is how many leading attempts report a
	// transport error before one succeeds.
	failAttempts map[int]int
	rowsPerJob   int
	msgsPerJob   int
	stall        chan struct{}
	dispatched   map[int]int // jobId -> dispatch count
}

func newFakeService(rowsPerJob, msgsPerJob int) *fakeService {
	return &fakeService{
		failAttempts: make(map[int]int),
		rowsPerJob:   rowsPerJob,
		msgsPerJob:   msgsPerJob,
		dispatched:   make(map[int]int),
	}
}

func (s *fakeService) ProcessRequest(ctx context.Context, resource string, req transport.Requester) error {
	payload := req.GetRequest()
	tmsg, err := proto.UnmarshalTaskMsg(payload)
	if err != nil {
		return err
	}
	jobId := int(tmsg.JobId)
	attempt := int(tmsg.AttemptCount)
	s.mu.Lock()
	s.dispatched[jobId]++
	failing := attempt < s.failAttempts[jobId]
	stall := s.stall
	s.mu.Unlock()

	go func() {
		if failing {
			req.ProcessResponse(nil, errors.New("connection dropped"))
			return
		}
		metadata, frames := buildFrames(tmsg.QueryId, jobId, attempt, s.rowsPerJob, s.msgsPerJob)
		ch := &fakeChannel{req: req, metadata: metadata, frames: frames, stall: stall}
		req.ProcessResponse(ch, nil)
	}()
	return nil
}

func (s *fakeService) Close() error { return nil }

type testRig struct {
	pool    *qdisp.QdispPool
	fifo    *qdisp.PseudoFifo
	ms      *qdisp.MessageStore
	exec    *qdisp.Executive
	merger  *fakeMerger
	service *fakeService
}

func newTestRig(t *testing.T, rowLimit int, service *fakeService) *testRig {
	t.Helper()
	rig := &testRig{
		pool:    qdisp.NewQdispPool(8, []qdisp.PriClass{{MinRunning: 2}, {MinRunning: 1}, {MinRunning: 2}, {MinRunning: 2}}, nil),
		fifo:    qdisp.NewPseudoFifo(4),
		ms:      qdisp.NewMessageStore(),
		merger:  newFakeMerger(),
		service: service,
	}
	rig.exec = qdisp.NewExecutive(qdisp.ExecutiveConfig{
		QueryId:      77,
		RowLimit:     rowLimit,
		Service:      service,
		QdispPool:    rig.pool,
		PseudoFifo:   rig.fifo,
		MessageStore: rig.ms,
		Log:          nil,
	})
	t.Cleanup(rig.pool.Shutdown)
	return rig
}

func (rig *testRig) addJob(t *testing.T, jobId int) {
	t.Helper()
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         77,
		JobId:           int32(jobId),
		ChunkId:         int32(1000 + jobId),
	}
	handler := ccontrol.NewMergingHandler(rig.merger, rig.ms, nil)
	desc := qdisp.NewJobDescription(77, jobId, "fake-worker", tmsg, handler)
	rig.exec.Add(desc)
}

func joinWithTimeout(t *testing.T, e *qdisp.Executive) qdisp.QueryState {
	t.Helper()
	done := make(chan qdisp.QueryState, 1)
	go func() { done <- e.Join() }()
	select {
	case s := <-done:
		return s
	case <-time.After(10 * time.Second):
		t.Fatalf("join did not return")
		return qdisp.QueryError
	}
}

func TestExecutiveHappyPathThreeChunks(t *testing.T) {
	service := newFakeService(100, 1)
	rig := newTestRig(t, 0, service)
	for jobId := 0; jobId < 3; jobId++ {
		rig.addJob(t, jobId)
	}
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if got := rig.merger.totalRows(); got != 300 {
		t.Errorf("merged %d rows, want 300", got)
	}
	if rig.exec.IncompleteCount() != 0 {
		t.Errorf("incomplete jobs after join: %d", rig.exec.IncompleteCount())
	}
}

func TestExecutiveMultiMessageStream(t *testing.T) {
	service := newFakeService(90, 3)
	rig := newTestRig(t, 0, service)
	rig.addJob(t, 0)
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if got := rig.merger.totalRows(); got != 90 {
		t.Errorf("merged %d rows, want 90", got)
	}
}

func TestExecutiveZeroRowResult(t *testing.T) {
	service := newFakeService(0, 1)
	rig := newTestRig(t, 0, service)
	rig.addJob(t, 0)
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if got := rig.merger.totalRows(); got != 0 {
		t.Errorf("merged %d rows, want 0", got)
	}
}

func TestExecutiveRetryAfterTransportError(t *testing.T) {
	service := newFakeService(100, 1)
	service.failAttempts[1] = 1 // job 1's first attempt drops
	rig := newTestRig(t, 0, service)
	for jobId := 0; jobId < 3; jobId++ {
		rig.addJob(t, jobId)
	}
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if got := rig.merger.totalRows(); got != 300 {
		t.Errorf("merged %d rows, want 300", got)
	}
	// The successful rows for job 1 come from attempt 1, not attempt 0.
	if got := rig.merger.rowsFor(1, 1); got != 100 {
		t.Errorf("job 1 attempt 1 merged %d rows, want 100", got)
	}
	service.mu.Lock()
	dispatches := service.dispatched[1]
	service.mu.Unlock()
	if dispatches != 2 {
		t.Errorf("job 1 dispatched %d times, want 2", dispatches)
	}
}

func TestExecutiveAttemptLimit(t *testing.T) {
	service := newFakeService(10, 1)
	service.failAttempts[0] = 100 // never succeeds
	rig := newTestRig(t, 0, service)
	rig.addJob(t, 0)
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QueryError {
		t.Fatalf("join returned %v, want ERROR", state)
	}
	service.mu.Lock()
	dispatches := service.dispatched[0]
	service.mu.Unlock()
	if dispatches > 5 {
		t.Errorf("job dispatched %d times, attempt limit is 5", dispatches)
	}
}

func TestExecutiveSquashMidStream(t *testing.T) {
	service := newFakeService(100, 4)
	service.stall = make(chan struct{})
	rig := newTestRig(t, 0, service)
	for jobId := 0; jobId < 3; jobId++ {
		rig.addJob(t, jobId)
	}
	// Streams are stalled at the first pull; cancel, then release.
	time.Sleep(50 * time.Millisecond)
	rig.exec.SquashByUser()
	close(service.stall)
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QueryCancelled {
		t.Fatalf("join returned %v, want CANCELLED", state)
	}
	if !rig.exec.GetCancelled() {
		t.Errorf("executive not flagged cancelled")
	}
}

func TestExecutiveLimitRowComplete(t *testing.T) {
	service := newFakeService(60, 1)
	rig := newTestRig(t, 100, service)
	for jobId := 0; jobId < 5; jobId++ {
		rig.addJob(t, jobId)
	}
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if !rig.exec.IsLimitRowComplete() {
		t.Errorf("limit row complete flag not set")
	}
	if got := rig.merger.totalRows(); got < 100 {
		t.Errorf("merged %d rows, want >= 100", got)
	}
}

func TestExecutiveDuplicateAddIgnored(t *testing.T) {
	service := newFakeService(10, 1)
	rig := newTestRig(t, 0, service)
	rig.addJob(t, 0)
	rig.addJob(t, 0) // duplicate jobId
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QuerySuccess {
		t.Fatalf("join returned %v, want SUCCESS", state)
	}
	if got := rig.exec.JobCount(); got != 1 {
		t.Errorf("job count %d after duplicate add, want 1", got)
	}
}

func TestExecutiveDuplicateMarkCompletedDropped(t *testing.T) {
	// A service that never responds keeps the job outstanding so the
	// duplicate mark can be exercised directly.
	service := newFakeService(10, 1)
	service.stall = make(chan struct{})
	rig := newTestRig(t, 0, service)
	rig.addJob(t, 0)
	time.Sleep(20 * time.Millisecond)

	rig.exec.MarkCompleted(0, false)
	rig.exec.MarkCompleted(0, false) // duplicate must be dropped
	if got := rig.exec.IncompleteCount(); got != 0 {
		t.Errorf("incomplete count %d, want 0", got)
	}
	close(service.stall)
	if state := joinWithTimeout(t, rig.exec); state != qdisp.QueryError {
		t.Fatalf("join returned %v, want ERROR", state)
	}
}
