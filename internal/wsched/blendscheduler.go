package wsched

import (
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wbase"
)

// Tier boundaries on a task's slowest scan-table rating.
type RatingBounds struct {
	FastMax   int
	MediumMax int
	SlowMax   int
}

// DefaultRatingBounds matches the catalog sizing convention: small
// tables rate fast, full-sky tables rate slow, anything beyond crawls.
var DefaultRatingBounds = RatingBounds{FastMax: 10, MediumMax: 20, SlowMax: 30}

// BlendScheduler routes tasks to the interactive scheduler or a scan
// tier and feeds the worker pool from them in priority order:
// interactive, fast, medium, slow, snail. It is the pool's
// CommandSource.
type BlendScheduler struct {
	log qserv.Logger

	mu     sync.Mutex
	cv     *sync.Cond
	closed bool

	interactive *ScanScheduler
	fast        *ScanScheduler
	medium      *ScanScheduler
	slow        *ScanScheduler
	snail       *ScanScheduler
	order       []*ScanScheduler

	bounds RatingBounds

	extra []util.Command // non-task commands, served after interactive
}

func NewBlendScheduler(interactive, fast, medium, slow, snail *ScanScheduler,
	bounds RatingBounds, log qserv.Logger) *BlendScheduler {
	if log == nil {
		log = qserv.NopLogger{}
	}
	b := &BlendScheduler{
		log:         log,
		interactive: interactive,
		fast:        fast,
		medium:      medium,
		slow:        slow,
		snail:       snail,
		order:       []*ScanScheduler{interactive, fast, medium, slow, snail},
		bounds:      bounds,
	}
	b.cv = sync.NewCond(&b.mu)
	for _, s := range b.order {
		s.setNotify(b.wake)
	}
	return b
}

func (b *BlendScheduler) wake() {
	b.mu.Lock()
	b.cv.Broadcast()
	b.mu.Unlock()
}

// schedulerFor picks the tier a task belongs on: the interactive
// scheduler for interactive queries, otherwise the tier of its slowest
// scan table.
func (b *BlendScheduler) schedulerFor(t *wbase.Task) *ScanScheduler {
	if t.ScanInteractive {
		return b.interactive
	}
	rating := t.SlowestScanRating()
	switch {
	case rating <= b.bounds.FastMax:
		return b.fast
	case rating <= b.bounds.MediumMax:
		return b.medium
	case rating <= b.bounds.SlowMax:
		return b.slow
	default:
		return b.snail
	}
}

// QueueTasks admits a batch of tasks to their tiers.
func (b *BlendScheduler) QueueTasks(tasks []*wbase.Task) {
	for _, t := range tasks {
		b.schedulerFor(t).QueueTask(t)
	}
}

// QueCmd implements util.CommandSource for non-task commands.
func (b *BlendScheduler) QueCmd(cmd util.Command) {
	if t, ok := cmd.(*wbase.Task); ok {
		b.schedulerFor(t).QueueTask(t)
		return
	}
	b.mu.Lock()
	b.extra = append(b.extra, cmd)
	b.cv.Broadcast()
	b.mu.Unlock()
}

// GetCmd hands the pool the next command in tier-priority order.
func (b *BlendScheduler) GetCmd(wait bool) util.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if cmd := b.interactive.tryGetCmd(); cmd != nil {
			return cmd
		}
		if len(b.extra) > 0 {
			cmd := b.extra[0]
			b.extra = b.extra[1:]
			return cmd
		}
		for _, s := range []*ScanScheduler{b.fast, b.medium, b.slow, b.snail} {
			if cmd := s.tryGetCmd(); cmd != nil {
				return cmd
			}
		}
		if b.closed || !wait {
			return nil
		}
		b.cv.Wait()
	}
}

// MoveQueryToSnail demotes all of a query's queued tasks to the snail
// tier after too many of its tasks were booted.
func (b *BlendScheduler) MoveQueryToSnail(qid global.QueryId) int {
	moved := 0
	for _, s := range []*ScanScheduler{b.interactive, b.fast, b.medium, b.slow} {
		for _, t := range s.RemoveQueuedForQuery(qid) {
			b.snail.QueueTask(t)
			moved++
		}
	}
	if moved > 0 {
		b.log.Info("query moved to snail scan", "qid", qid, "tasks", moved)
	}
	return moved
}

// BootTask frees the booted task's scheduler slot, wherever it runs.
func (b *BlendScheduler) BootTask(t *wbase.Task) bool {
	for _, s := range b.order {
		if s.BootTask(t) {
			return true
		}
	}
	return false
}

// Close wakes blocked GetCmd callers so the pool can drain.
func (b *BlendScheduler) Close() {
	b.mu.Lock()
	b.closed = true
	b.cv.Broadcast()
	b.mu.Unlock()
}

var _ util.CommandSource = (*BlendScheduler)(nil)
