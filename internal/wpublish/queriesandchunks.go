// Package wpublish tracks what the worker is doing: per-query and
// per-chunk-table statistics, detection of over-budget tasks, and the
// demotion of runaway queries to the snail tier.
package wpublish

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/wbase"
)

// Default smoothing weights for the rolling completion-time average.
// Tunable; the historical values heavily favor the accumulated average.
const (
	DefaultWeightAvg = 49.0
	DefaultWeightNew = 1.0
)

// TableStats is the rolling completion history of one (chunk, table).
type TableStats struct {
	AvgCompletion time.Duration `json:"avgCompletion"`
	TaskCount     int64         `json:"taskCount"`
	BootCount     int64         `json:"bootCount"`
}

// QueryStats summarizes one user query's tasks on this worker.
type QueryStats struct {
	QueryId     global.QueryId `json:"queryId"`
	TasksTotal  int            `json:"tasksTotal"`
	TasksDone   int            `json:"tasksDone"`
	TasksBooted int            `json:"tasksBooted"`
	Snailed     bool           `json:"snailed"`
}

// Config tunes examination and booting.
type Config struct {
	// BootBudget is how long a non-interactive task may run before it
	// is booted from its scheduler.
	BootBudget time.Duration
	// MaxBootedTasks demotes the whole query to snail once exceeded.
	MaxBootedTasks int
	// ExamineInterval is the sweep period.
	ExamineInterval time.Duration
	// WeightAvg and WeightNew smooth the completion-time average.
	WeightAvg float64
	WeightNew float64
}

func (c *Config) normalize() {
	if c.BootBudget <= 0 {
		c.BootBudget = 5 * time.Minute
	}
	if c.MaxBootedTasks <= 0 {
		c.MaxBootedTasks = 25
	}
	if c.ExamineInterval <= 0 {
		c.ExamineInterval = 30 * time.Second
	}
	if c.WeightAvg <= 0 {
		c.WeightAvg = DefaultWeightAvg
	}
	if c.WeightNew <= 0 {
		c.WeightNew = DefaultWeightNew
	}
}

// Booter frees the scheduler slot of an over-budget task and demotes
// queries; implemented by wsched.BlendScheduler.
type Booter interface {
	BootTask(t *wbase.Task) bool
	MoveQueryToSnail(qid global.QueryId) int
}

// QueriesAndChunks watches all tasks on the worker.
type QueriesAndChunks struct {
	log    qserv.Logger
	cfg    Config
	booter Booter

	mu         sync.Mutex
	queries    map[global.QueryId]*QueryStats
	chunkStats map[int]map[string]*TableStats
	running    map[*wbase.Task]struct{}

	cron *cron.Cron
}

func New(cfg Config, booter Booter, log qserv.Logger) *QueriesAndChunks {
	if log == nil {
		log = qserv.NopLogger{}
	}
	cfg.normalize()
	return &QueriesAndChunks{
		log:        log,
		cfg:        cfg,
		booter:     booter,
		queries:    make(map[global.QueryId]*QueryStats),
		chunkStats: make(map[int]map[string]*TableStats),
		running:    make(map[*wbase.Task]struct{}),
	}
}

// Start schedules the periodic examineAll sweep.
func (qc *QueriesAndChunks) Start() error {
	qc.cron = cron.New()
	spec := fmt.Sprintf("@every %s", qc.cfg.ExamineInterval)
	if _, err := qc.cron.AddFunc(spec, qc.ExamineAll); err != nil {
		return fmt.Errorf("wpublish: schedule examineAll: %w", err)
	}
	qc.cron.Start()
	return nil
}

// Stop halts the sweep.
func (qc *QueriesAndChunks) Stop() {
	if qc.cron != nil {
		qc.cron.Stop()
	}
}

// AddTasks registers incoming tasks with their query.
func (qc *QueriesAndChunks) AddTasks(tasks []*wbase.Task) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	for _, t := range tasks {
		qs, ok := qc.queries[t.QueryId]
		if !ok {
			qs = &QueryStats{QueryId: t.QueryId}
			qc.queries[t.QueryId] = qs
		}
		qs.TasksTotal++
	}
}

// TaskStarted registers a task as running.
func (qc *QueriesAndChunks) TaskStarted(t *wbase.Task) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.running[t] = struct{}{}
}

// TaskCompleted folds the task's runtime into the chunk-table averages.
func (qc *QueriesAndChunks) TaskCompleted(t *wbase.Task) {
	dur, ok := t.CompletionTime()
	qc.mu.Lock()
	defer qc.mu.Unlock()
	delete(qc.running, t)
	if qs, have := qc.queries[t.QueryId]; have {
		qs.TasksDone++
	}
	if !ok {
		return
	}
	for _, st := range t.ScanTables {
		key := st.Db + "." + st.Table
		byTable, have := qc.chunkStats[t.ChunkId]
		if !have {
			byTable = make(map[string]*TableStats)
			qc.chunkStats[t.ChunkId] = byTable
		}
		ts, have := byTable[key]
		if !have {
			ts = &TableStats{}
			byTable[key] = ts
		}
		if ts.TaskCount == 0 {
			ts.AvgCompletion = dur
		} else {
			w := qc.cfg.WeightAvg + qc.cfg.WeightNew
			ts.AvgCompletion = time.Duration(
				(float64(ts.AvgCompletion)*qc.cfg.WeightAvg + float64(dur)*qc.cfg.WeightNew) / w)
		}
		ts.TaskCount++
	}
}

// ExamineAll sweeps running tasks and boots the ones over budget. A
// query with too many booted tasks is demoted to the snail tier.
func (qc *QueriesAndChunks) ExamineAll() {
	qc.mu.Lock()
	candidates := make([]*wbase.Task, 0, len(qc.running))
	for t := range qc.running {
		if !t.ScanInteractive && !t.IsBooted() && t.RunTime() > qc.cfg.BootBudget {
			candidates = append(candidates, t)
		}
	}
	qc.mu.Unlock()

	for _, t := range candidates {
		qc.bootTask(t)
	}
}

func (qc *QueriesAndChunks) bootTask(t *wbase.Task) {
	if qc.booter == nil || !qc.booter.BootTask(t) {
		return
	}
	qc.mu.Lock()
	for _, st := range t.ScanTables {
		key := st.Db + "." + st.Table
		if byTable, have := qc.chunkStats[t.ChunkId]; have {
			if ts, have := byTable[key]; have {
				ts.BootCount++
			}
		}
	}
	var snail bool
	qs, have := qc.queries[t.QueryId]
	if have {
		qs.TasksBooted++
		if qs.TasksBooted > qc.cfg.MaxBootedTasks && !qs.Snailed {
			qs.Snailed = true
			snail = true
		}
	}
	qc.mu.Unlock()

	TasksBooted.Inc()
	qc.log.Warn("task booted for running too long", "task", t.IdStr(),
		"runtime", t.RunTime().String())
	if snail {
		qc.booter.MoveQueryToSnail(t.QueryId)
	}
}

// QuerySnapshot returns per-query stats for the monitor.
func (qc *QueriesAndChunks) QuerySnapshot() []QueryStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	out := make([]QueryStats, 0, len(qc.queries))
	for _, qs := range qc.queries {
		out = append(out, *qs)
	}
	return out
}

// ChunkTableSnapshot returns a copy of the chunk-table stats.
func (qc *QueriesAndChunks) ChunkTableSnapshot() map[int]map[string]TableStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	out := make(map[int]map[string]TableStats, len(qc.chunkStats))
	for chunk, byTable := range qc.chunkStats {
		m := make(map[string]TableStats, len(byTable))
		for k, v := range byTable {
			m[k] = *v
		}
		out[chunk] = m
	}
	return out
}
