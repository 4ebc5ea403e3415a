package wsched

import (
	"context"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/memman"
	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wbase"
)

// ScanScheduler runs one scan tier: a chunk-swept queue with a
// concurrency cap and per-task memory reservations.
type ScanScheduler struct {
	name string
	log  qserv.Logger

	mu            sync.Mutex
	queue         *ChunkTasksQueue
	maxInFlight   int
	inFlight      int
	running       map[*wbase.Task]*memman.Reservation
	bootedInSched map[*wbase.Task]bool

	memMan       *memman.Manager
	bytesPerScan int64

	notify func()
}

func NewScanScheduler(name string, maxInFlight int, memMan *memman.Manager,
	bytesPerScan int64, log qserv.Logger) *ScanScheduler {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &ScanScheduler{
		name:          name,
		log:           log,
		queue:         NewChunkTasksQueue(),
		maxInFlight:   maxInFlight,
		running:       make(map[*wbase.Task]*memman.Reservation),
		bootedInSched: make(map[*wbase.Task]bool),
		memMan:        memMan,
		bytesPerScan:  bytesPerScan,
	}
}

func (s *ScanScheduler) Name() string { return s.name }

// setNotify installs the parent's wake callback.
func (s *ScanScheduler) setNotify(f func()) { s.notify = f }

// QueueTask admits a task to this tier.
func (s *ScanScheduler) QueueTask(t *wbase.Task) {
	s.mu.Lock()
	s.queue.Push(t)
	s.mu.Unlock()
	t.MarkQueued()
	if s.notify != nil {
		s.notify()
	}
}

// memEstimate sizes a task's working set from its scan tables.
func (s *ScanScheduler) memEstimate(t *wbase.Task) int64 {
	n := int64(len(t.ScanTables))
	if n < 1 {
		n = 1
	}
	return n * s.bytesPerScan
}

// tryGetCmd hands out the next runnable task, or nil. Memory is
// reserved without blocking unless the tier is idle, in which case it
// blocks to guarantee forward progress for bulk scans.
func (s *ScanScheduler) tryGetCmd() util.Command {
	s.mu.Lock()
	if s.inFlight >= s.maxInFlight || s.queue.Size() == 0 {
		s.mu.Unlock()
		return nil
	}
	t := s.queue.Pop()
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	idle := s.inFlight == 0
	s.mu.Unlock()

	var resv *memman.Reservation
	if s.memMan != nil {
		bytes := s.memEstimate(t)
		var err error
		resv, err = s.memMan.TryLock(bytes)
		if err != nil {
			if !idle {
				// Requeue and wait for running tasks to free memory.
				s.mu.Lock()
				s.queue.Push(t)
				s.mu.Unlock()
				return nil
			}
			// Nothing running here; block so the tier cannot stall.
			resv = s.memMan.Lock(bytes)
		}
	}

	s.mu.Lock()
	s.inFlight++
	s.running[t] = resv
	s.mu.Unlock()

	return util.CommandFunc(func(ctx context.Context) {
		t.Action(ctx)
		s.taskDone(t)
	})
}

// taskDone releases the slot and memory. A task booted while running
// already gave its slot back.
func (s *ScanScheduler) taskDone(t *wbase.Task) {
	s.mu.Lock()
	resv := s.running[t]
	delete(s.running, t)
	booted := s.bootedInSched[t]
	delete(s.bootedInSched, t)
	if !booted {
		s.inFlight--
	}
	s.mu.Unlock()
	resv.Release()
	if s.notify != nil {
		s.notify()
	}
}

// BootTask frees the slot of an over-budget running task so queued work
// can proceed; the task itself keeps running to completion.
func (s *ScanScheduler) BootTask(t *wbase.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[t]; !ok {
		return false
	}
	if s.bootedInSched[t] {
		return false
	}
	s.bootedInSched[t] = true
	s.inFlight--
	t.SetBooted()
	s.log.Info("task booted", "scheduler", s.name, "task", t.IdStr())
	return true
}

// RemoveQueuedForQuery pulls the query's still-queued tasks, for moving
// to the snail tier.
func (s *ScanScheduler) RemoveQueuedForQuery(qid global.QueryId) []*wbase.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Remove(func(t *wbase.Task) bool { return t.QueryId == qid })
}

// QueuedCount reports tasks waiting in this tier.
func (s *ScanScheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Size()
}

// InFlight reports tasks charged against the concurrency cap.
func (s *ScanScheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
