// Package wbase holds the worker's task and result-transmit machinery:
// one Task per chunk-or-subchunk statement, and the shared channels that
// frame and send their results back to the czar.
package wbase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
)

// Placeholders substituted into subchunked fragment templates.
const (
	chunkPlaceholder    = "%CC%"
	subChunkPlaceholder = "%SS%"
)

// TaskState tracks a task through its worker lifecycle.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskQueued
	TaskRunning
	TaskFinished
)

// Task is one chunk-or-subchunk statement to execute. Tasks of the same
// request share one transmit channel.
type Task struct {
	QueryId      global.QueryId
	JobId        int
	AttemptCount int
	CzarId       global.CzarId
	ChunkId      int
	FragNum      int
	Subchunk     int // -1 when not subchunked

	QuerySQL string
	Db       string

	ScanTables      []proto.ScanTable
	ScanInteractive bool
	ScanPriority    int
	MaxTableSizeMB  int64

	SubchunkTables []string
	SubchunkDb     string

	sendChannel ResultChannel

	idStr     string
	state     atomic.Int32
	cancelled atomic.Bool
	booted    atomic.Bool

	queuedTime   atomic.Int64 // unix nanos
	startedTime  atomic.Int64
	finishedTime atomic.Int64

	runFunc func(ctx context.Context, t *Task)
}

// NewTasks expands one request into its tasks: one per fragment, or one
// per fragment×subchunk for subchunked fragments. All tasks share the
// given channel; the channel's task count is set before return.
func NewTasks(tmsg *proto.TaskMsg, ch ResultChannel) []*Task {
	var tasks []*Task
	for fragNum, frag := range tmsg.Fragments {
		if len(frag.Subchunks) == 0 {
			tasks = append(tasks, newTask(tmsg, fragNum, frag.Query, -1))
			continue
		}
		for _, sc := range frag.Subchunks {
			query := substituteChunk(frag.Query, int(tmsg.ChunkId), int(sc))
			t := newTask(tmsg, fragNum, query, int(sc))
			t.SubchunkTables = frag.SubchunkTables
			t.SubchunkDb = frag.SubchunkDb
			tasks = append(tasks, t)
		}
	}
	for _, t := range tasks {
		t.sendChannel = ch
	}
	ch.SetTaskCount(len(tasks))
	return tasks
}

func newTask(tmsg *proto.TaskMsg, fragNum int, query string, subchunk int) *Task {
	t := &Task{
		QueryId:         tmsg.QueryId,
		JobId:           int(tmsg.JobId),
		AttemptCount:    int(tmsg.AttemptCount),
		CzarId:          tmsg.CzarId,
		ChunkId:         int(tmsg.ChunkId),
		FragNum:         fragNum,
		Subchunk:        subchunk,
		QuerySQL:        query,
		Db:              tmsg.Db,
		ScanTables:      tmsg.ScanTables,
		ScanInteractive: tmsg.ScanInteractive,
		ScanPriority:    int(tmsg.ScanPriority),
		MaxTableSizeMB:  tmsg.MaxTableSizeMB,
	}
	t.idStr = fmt.Sprintf("%s:%d:%d", global.JobIdStr(t.QueryId, t.JobId), fragNum, subchunk)
	return t
}

func substituteChunk(template string, chunk, subchunk int) string {
	s := strings.ReplaceAll(template, chunkPlaceholder, strconv.Itoa(chunk))
	return strings.ReplaceAll(s, subChunkPlaceholder, strconv.Itoa(subchunk))
}

func (t *Task) IdStr() string              { return t.idStr }
func (t *Task) SendChannel() ResultChannel { return t.sendChannel }
func (t *Task) State() TaskState           { return TaskState(t.state.Load()) }

// SetRunFunc installs the execution function; set by the foreman before
// the task is queued.
func (t *Task) SetRunFunc(f func(ctx context.Context, t *Task)) { t.runFunc = f }

// Action implements util.Command: it runs the task's query.
func (t *Task) Action(ctx context.Context) {
	if t.runFunc == nil {
		return
	}
	t.MarkStarted()
	t.runFunc(ctx, t)
	t.MarkFinished()
}

// Cancel marks the task cancelled; the runner polls at row-batch
// boundaries.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// IsCancelled reports whether the task was cancelled.
func (t *Task) IsCancelled() bool { return t.cancelled.Load() }

// SetBooted marks the task as removed from its scheduler for running
// too long.
func (t *Task) SetBooted() { t.booted.Store(true) }

// IsBooted reports the booted mark.
func (t *Task) IsBooted() bool { return t.booted.Load() }

// MarkQueued stamps scheduler admission time.
func (t *Task) MarkQueued() {
	t.state.Store(int32(TaskQueued))
	t.queuedTime.Store(time.Now().UnixNano())
}

// MarkStarted stamps execution start time.
func (t *Task) MarkStarted() {
	t.state.Store(int32(TaskRunning))
	t.startedTime.Store(time.Now().UnixNano())
}

// MarkFinished stamps completion time.
func (t *Task) MarkFinished() {
	t.state.Store(int32(TaskFinished))
	t.finishedTime.Store(time.Now().UnixNano())
}

// RunTime reports how long the task has been executing; zero when it
// has not started.
func (t *Task) RunTime() time.Duration {
	start := t.startedTime.Load()
	if start == 0 {
		return 0
	}
	end := t.finishedTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

// CompletionTime reports execution duration for a finished task.
func (t *Task) CompletionTime() (time.Duration, bool) {
	start := t.startedTime.Load()
	end := t.finishedTime.Load()
	if start == 0 || end == 0 {
		return 0, false
	}
	return time.Duration(end - start), true
}

// SlowestScanRating returns the highest rating among the task's scan
// tables; routing uses the slowest table.
func (t *Task) SlowestScanRating() int {
	rating := 0
	for _, st := range t.ScanTables {
		if int(st.Rating) > rating {
			rating = int(st.Rating)
		}
	}
	return rating
}
