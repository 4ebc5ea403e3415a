package wpublish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/wbase"
)

type fakeBooter struct {
	mu      sync.Mutex
	booted  []*wbase.Task
	snailed []global.QueryId
}

func (b *fakeBooter) BootTask(t *wbase.Task) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.booted = append(b.booted, t)
	t.SetBooted()
	return true
}

func (b *fakeBooter) MoveQueryToSnail(qid global.QueryId) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snailed = append(b.snailed, qid)
	return 1
}

type nullChannel struct{}

func (nullChannel) SetTaskCount(int)                                  {}
func (nullChannel) InitTransmit(*wbase.Task) error                    { return nil }
func (nullChannel) AddResultRow(*wbase.Task, []proto.Cell, int) error { return nil }
func (nullChannel) TransmitLast(*wbase.Task, bool) error              { return nil }
func (nullChannel) TransmitError(*wbase.Task, int, string) error      { return nil }
func (nullChannel) Kill(string) bool                                  { return false }
func (nullChannel) IsDead() bool                                      { return false }
func (nullChannel) WaitDone(ctx context.Context) error                { return nil }

func makeTask(qid uint64, chunk int) *wbase.Task {
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         qid,
		ChunkId:         int32(chunk),
		ScanTables:      []proto.ScanTable{{Db: "LSST", Table: "Object", Rating: 20}},
		Fragments:       []proto.Fragment{{Query: "SELECT 1"}},
	}
	return wbase.NewTasks(tmsg, nullChannel{})[0]
}

func TestCompletionAverageSmoothing(t *testing.T) {
	qc := New(Config{WeightAvg: 49, WeightNew: 1}, nil, nil)
	task := makeTask(1, 5)
	qc.AddTasks([]*wbase.Task{task})
	qc.TaskStarted(task)
	task.MarkStarted()
	time.Sleep(2 * time.Millisecond)
	task.MarkFinished()
	qc.TaskCompleted(task)

	stats := qc.ChunkTableSnapshot()
	ts, ok := stats[5]["LSST.Object"]
	if !ok {
		t.Fatalf("no stats recorded for chunk table")
	}
	if ts.TaskCount != 1 || ts.AvgCompletion <= 0 {
		t.Errorf("first completion not recorded: %+v", ts)
	}
	first := ts.AvgCompletion

	// A much slower second completion barely moves the average with
	// weights 49/1.
	task2 := makeTask(1, 5)
	qc.AddTasks([]*wbase.Task{task2})
	qc.TaskStarted(task2)
	task2.MarkStarted()
	time.Sleep(20 * time.Millisecond)
	task2.MarkFinished()
	qc.TaskCompleted(task2)

	ts2 := qc.ChunkTableSnapshot()[5]["LSST.Object"]
	if ts2.TaskCount != 2 {
		t.Fatalf("task count %d, want 2", ts2.TaskCount)
	}
	if ts2.AvgCompletion <= first {
		t.Errorf("average did not move up: %v -> %v", first, ts2.AvgCompletion)
	}
	// The average must stay much closer to the old value than to the
	// new sample.
	if ts2.AvgCompletion > 2*first+time.Millisecond {
		t.Errorf("average moved too far: %v -> %v", first, ts2.AvgCompletion)
	}
}

func TestExamineAllBootsOverBudgetTasks(t *testing.T) {
	booter := &fakeBooter{}
	qc := New(Config{BootBudget: time.Millisecond, MaxBootedTasks: 100}, booter, nil)
	task := makeTask(2, 7)
	qc.AddTasks([]*wbase.Task{task})
	qc.TaskStarted(task)
	task.MarkStarted()
	time.Sleep(5 * time.Millisecond)

	qc.ExamineAll()

	booter.mu.Lock()
	defer booter.mu.Unlock()
	if len(booter.booted) != 1 {
		t.Fatalf("booted %d tasks, want 1", len(booter.booted))
	}
}

func TestTooManyBootsSnailsQuery(t *testing.T) {
	booter := &fakeBooter{}
	qc := New(Config{BootBudget: time.Millisecond, MaxBootedTasks: 2}, booter, nil)
	var tasks []*wbase.Task
	for i := 0; i < 4; i++ {
		task := makeTask(3, 100+i)
		tasks = append(tasks, task)
		qc.AddTasks([]*wbase.Task{task})
		qc.TaskStarted(task)
		task.MarkStarted()
	}
	time.Sleep(5 * time.Millisecond)

	qc.ExamineAll()

	booter.mu.Lock()
	defer booter.mu.Unlock()
	if len(booter.booted) != 4 {
		t.Fatalf("booted %d tasks, want 4", len(booter.booted))
	}
	if len(booter.snailed) != 1 || booter.snailed[0] != 3 {
		t.Errorf("query not snailed exactly once: %v", booter.snailed)
	}
}

func TestInteractiveTasksNeverBooted(t *testing.T) {
	booter := &fakeBooter{}
	qc := New(Config{BootBudget: time.Millisecond, MaxBootedTasks: 2}, booter, nil)
	tmsg := &proto.TaskMsg{
		ProtocolVersion: proto.ProtocolVersion,
		QueryId:         4,
		ChunkId:         1,
		ScanInteractive: true,
		Fragments:       []proto.Fragment{{Query: "SELECT 1"}},
	}
	task := wbase.NewTasks(tmsg, nullChannel{})[0]
	qc.AddTasks([]*wbase.Task{task})
	qc.TaskStarted(task)
	task.MarkStarted()
	time.Sleep(5 * time.Millisecond)

	qc.ExamineAll()

	booter.mu.Lock()
	defer booter.mu.Unlock()
	if len(booter.booted) != 0 {
		t.Errorf("interactive task booted")
	}
}
