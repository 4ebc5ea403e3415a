// Package qdisp implements the czar's distributed query dispatch: the
// executive that fans a user query out into per-chunk jobs, the request
// state machine that drives each dispatch attempt over the streaming
// transport, and the bounded pools that keep response handling from
// overwhelming the czar.
package qdisp

import (
	"context"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/util"
)

// PriClass configures one priority class of the QdispPool. Priority 0 is
// the most urgent. MinRunning is the starvation floor: while the class
// has queued commands and fewer than MinRunning running, the pool picks
// from it before any other class.
type PriClass struct {
	MinRunning int
}

type priQueue struct {
	queue      []util.Command
	running    int
	minRunning int
}

// QdispPool runs dispatch commands on a fixed set of goroutines with
// integer priority classes. Within a class order is FIFO. Submission
// never blocks and never fails while the pool is open.
type QdispPool struct {
	log qserv.Logger

	mu       sync.Mutex
	cv       *sync.Cond
	classes  []*priQueue
	shutdown bool

	poolSize int
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewQdispPool(poolSize int, classes []PriClass, log qserv.Logger) *QdispPool {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if poolSize < 1 {
		poolSize = 1
	}
	if len(classes) == 0 {
		classes = []PriClass{{MinRunning: 1}}
	}
	p := &QdispPool{log: log, poolSize: poolSize}
	p.cv = sync.NewCond(&p.mu)
	for _, c := range classes {
		p.classes = append(p.classes, &priQueue{minRunning: c.MinRunning})
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < poolSize; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// QueCmd queues a command at the given priority. Priorities past the last
// class are clamped to the last class, negative ones to class 0. Commands
// queued after Shutdown are dropped.
func (p *QdispPool) QueCmd(cmd util.Command, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		p.log.Warn("command queued after pool shutdown, dropping")
		return
	}
	if priority < 0 {
		priority = 0
	}
	if priority >= len(p.classes) {
		priority = len(p.classes) - 1
	}
	pq := p.classes[priority]
	pq.queue = append(pq.queue, cmd)
	p.cv.Signal()
}

// get picks the next command: first a pass over classes in priority
// order taking from any class still under its starvation floor, then a
// strict-priority pass. Blocks until a command is available or the pool
// is drained after shutdown.
func (p *QdispPool) get() (util.Command, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		// First pass: keep every class at its minimum running count.
		for i, pq := range p.classes {
			if len(pq.queue) > 0 && pq.running < pq.minRunning {
				return p.takeLocked(i), i
			}
		}
		// Second pass: strict priority order.
		for i, pq := range p.classes {
			if len(pq.queue) > 0 {
				return p.takeLocked(i), i
			}
		}
		if p.shutdown {
			return nil, -1
		}
		p.cv.Wait()
	}
}

func (p *QdispPool) takeLocked(i int) util.Command {
	pq := p.classes[i]
	cmd := pq.queue[0]
	pq.queue = pq.queue[1:]
	pq.running++
	return cmd
}

func (p *QdispPool) release(priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classes[priority].running--
	p.cv.Signal()
}

func (p *QdispPool) run() {
	defer p.wg.Done()
	for {
		cmd, pri := p.get()
		if cmd == nil {
			return
		}
		cmd.Action(p.ctx)
		p.release(pri)
	}
}

// RunningCount reports how many commands of the class are running.
func (p *QdispPool) RunningCount(priority int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if priority < 0 || priority >= len(p.classes) {
		return 0
	}
	return p.classes[priority].running
}

// QueueSize reports how many commands of the class are waiting.
func (p *QdispPool) QueueSize(priority int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if priority < 0 || priority >= len(p.classes) {
		return 0
	}
	return len(p.classes[priority].queue)
}

// Shutdown refuses new submissions, drains queued commands and waits
// for the workers to exit.
func (p *QdispPool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.cv.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}
