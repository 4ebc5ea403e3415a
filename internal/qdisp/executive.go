package qdisp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/util"
)

// QueryState is the terminal state of one user query as seen by Join.
type QueryState int

const (
	QueryRunning QueryState = iota
	QuerySuccess
	QueryError
	QueryCancelled
)

func (s QueryState) String() string {
	switch s {
	case QueryRunning:
		return "RUNNING"
	case QuerySuccess:
		return "SUCCESS"
	case QueryError:
		return "ERROR"
	case QueryCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// ExecutiveConfig wires an Executive to its collaborators.
type ExecutiveConfig struct {
	QueryId      global.QueryId
	RowLimit     int // 0 means no LIMIT squashing
	Service      transport.Service
	QdispPool    *QdispPool
	PseudoFifo   *PseudoFifo
	MessageStore *MessageStore
	Log          qserv.Logger

	// QueryTimeout squashes the query if it has not completed in time.
	// Zero disables the timer.
	QueryTimeout time.Duration
}

// Executive owns all JobQueries of one user query: it launches them,
// tracks how many are outstanding, coordinates cancellation and retries,
// and squashes leftover work once a LIMIT is satisfied.
type Executive struct {
	log qserv.Logger

	queryId      global.QueryId
	service      transport.Service
	qdispPool    *QdispPool
	pseudoFifo   *PseudoFifo
	messageStore *MessageStore

	mu             sync.Mutex
	cv             *sync.Cond
	jobMap         map[int]*JobQuery
	incompleteJobs map[int]*JobQuery
	successCount   int
	firstErr       util.Error
	haveErr        bool

	cancelled        atomic.Bool
	userCancelled    atomic.Bool
	limitRowComplete atomic.Bool
	rowLimit         int
	totalResultRows  atomic.Int64
	dataIgnored      atomic.Int64

	ctx         context.Context
	cancel      context.CancelFunc
	expireTimer *time.Timer
}

func NewExecutive(cfg ExecutiveConfig) *Executive {
	log := cfg.Log
	if log == nil {
		log = qserv.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executive{
		log:            log,
		queryId:        cfg.QueryId,
		service:        cfg.Service,
		qdispPool:      cfg.QdispPool,
		pseudoFifo:     cfg.PseudoFifo,
		messageStore:   cfg.MessageStore,
		jobMap:         make(map[int]*JobQuery),
		incompleteJobs: make(map[int]*JobQuery),
		rowLimit:       cfg.RowLimit,
		ctx:            ctx,
		cancel:         cancel,
	}
	e.cv = sync.NewCond(&e.mu)
	if cfg.QueryTimeout > 0 {
		e.expireTimer = time.AfterFunc(cfg.QueryTimeout, func() {
			if e.cancelled.Load() {
				return
			}
			e.log.Warn("query expired", "qid", e.queryId, "timeout", cfg.QueryTimeout.String())
			if e.messageStore != nil {
				e.messageStore.AddErrorMessage("TIMEOUT",
					fmt.Sprintf("%s expired after %s", global.IdStr(e.queryId), cfg.QueryTimeout))
			}
			e.Squash()
		})
	}
	return e
}

func (e *Executive) QueryId() global.QueryId     { return e.queryId }
func (e *Executive) MessageStore() *MessageStore { return e.messageStore }
func (e *Executive) Context() context.Context    { return e.ctx }

// Add registers a job and queues its first dispatch attempt. Duplicate
// jobIds return the existing JobQuery unchanged.
func (e *Executive) Add(desc *JobDescription) *JobQuery {
	jobId := desc.JobId()
	e.mu.Lock()
	if jq, ok := e.jobMap[jobId]; ok {
		e.mu.Unlock()
		e.log.Warn("duplicate job add ignored", "qid", e.queryId, "jobId", jobId)
		return jq
	}
	jq := newJobQuery(e, desc, e.log)
	e.jobMap[jobId] = jq
	e.incompleteJobs[jobId] = jq
	e.mu.Unlock()

	if e.cancelled.Load() {
		// The query died between chunking and dispatch; record the job
		// as failed rather than silently dropping it.
		jq.Cancel()
		return jq
	}

	pri := jobStartPriority
	if desc.ScanInteractive() {
		pri = interactivePriority
	}
	e.qdispPool.QueCmd(util.CommandFunc(func(ctx context.Context) {
		if !jq.RunJob() {
			e.MarkCompleted(jobId, false)
		}
	}), pri)
	return jq
}

// Priority classes of the czar dispatch pool. Interactive work always
// goes first; finishing existing streams beats starting new ones.
const (
	interactivePriority = 0
	fastPriority        = 1
	pullPriority        = 2
	jobStartPriority    = 3
)

// MarkCompleted records a job's terminal outcome. Exactly one call per
// jobId takes effect; late duplicates from cancellation races are
// dropped. A failure that is not part of LIMIT squashing is fatal and
// squashes the rest of the query.
func (e *Executive) MarkCompleted(jobId int, success bool) {
	e.mu.Lock()
	_, present := e.incompleteJobs[jobId]
	if !present {
		e.mu.Unlock()
		e.log.Debug("markCompleted duplicate ignored", "qid", e.queryId, "jobId", jobId)
		return
	}
	delete(e.incompleteJobs, jobId)
	if success {
		e.successCount++
	} else if !e.haveErr && !e.IsLimitRowComplete() {
		if jq, ok := e.jobMap[jobId]; ok {
			if info, ok := jq.Status().FirstError(); ok {
				e.firstErr = util.Error{Code: info.ErrorCode, Msg: info.ErrorMsg}
			} else {
				e.firstErr = util.Error{Code: util.ErrInternal,
					Msg: fmt.Sprintf("job %d failed", jobId)}
			}
			e.haveErr = true
		}
	}
	remaining := len(e.incompleteJobs)
	e.cv.Broadcast()
	e.mu.Unlock()

	if success {
		JobsCompleted.WithLabelValues("success").Inc()
	} else {
		JobsCompleted.WithLabelValues("failure").Inc()
	}

	e.log.Debug("job completed", "qid", e.queryId, "jobId", jobId,
		"success", success, "remaining", remaining)

	if !success && !e.IsLimitRowComplete() && !e.cancelled.Load() {
		// First fatal failure kills the rest of the query.
		if e.messageStore != nil {
			e.messageStore.AddErrorMessage("EXECUTIVE",
				fmt.Sprintf("%s job %d failed; squashing query", global.IdStr(e.queryId), jobId))
		}
		e.Squash()
	}
}

// Join blocks until every job has completed or the query has been
// squashed, then reports the terminal state.
func (e *Executive) Join() QueryState {
	defer func() {
		if e.expireTimer != nil {
			e.expireTimer.Stop()
		}
	}()
	e.mu.Lock()
	for len(e.incompleteJobs) > 0 && !e.cancelled.Load() {
		e.cv.Wait()
	}
	allJobs := len(e.jobMap)
	success := e.successCount
	haveErr := e.haveErr
	e.mu.Unlock()

	switch {
	case e.IsLimitRowComplete() && !haveErr:
		return QuerySuccess
	case e.userCancelled.Load():
		return QueryCancelled
	case haveErr:
		return QueryError
	case success == allJobs:
		return QuerySuccess
	default:
		return QueryError
	}
}

// Squash cancels all live jobs. Idempotent.
func (e *Executive) Squash() {
	if e.cancelled.Swap(true) {
		e.log.Debug("squash already in progress", "qid", e.queryId)
		return
	}
	e.log.Info("squashing query", "qid", e.queryId)
	e.mu.Lock()
	jobs := make([]*JobQuery, 0, len(e.incompleteJobs))
	for _, jq := range e.incompleteJobs {
		jobs = append(jobs, jq)
	}
	e.mu.Unlock()
	for _, jq := range jobs {
		jq.Cancel()
	}
	e.cancel()
	e.mu.Lock()
	e.cv.Broadcast()
	e.mu.Unlock()
}

// SquashByUser is Squash plus the mark that the user asked for it, so
// Join reports CANCELLED rather than ERROR.
func (e *Executive) SquashByUser() {
	e.userCancelled.Store(true)
	e.Squash()
}

// GetCancelled reports whether the query has been squashed.
func (e *Executive) GetCancelled() bool { return e.cancelled.Load() }

// AddResultRows accumulates merged row counts for LIMIT tracking.
func (e *Executive) AddResultRows(n int64) {
	e.totalResultRows.Add(n)
}

// CheckLimitRowComplete squashes superfluous work once the merged row
// count satisfies the query's LIMIT. The query still reports SUCCESS.
func (e *Executive) CheckLimitRowComplete() {
	if e.rowLimit <= 0 {
		return
	}
	if e.totalResultRows.Load() < int64(e.rowLimit) {
		return
	}
	if e.limitRowComplete.Swap(true) {
		return
	}
	e.log.Info("limit row complete, squashing superfluous jobs",
		"qid", e.queryId, "rows", e.totalResultRows.Load(), "limit", e.rowLimit)
	e.squashSuperfluous()
}

// squashSuperfluous cancels jobs whose results are no longer needed.
// Unlike Squash it does not mark the query cancelled.
func (e *Executive) squashSuperfluous() {
	e.mu.Lock()
	jobs := make([]*JobQuery, 0, len(e.incompleteJobs))
	for _, jq := range e.incompleteJobs {
		jobs = append(jobs, jq)
	}
	e.mu.Unlock()
	for _, jq := range jobs {
		jq.Cancel()
	}
}

// IsLimitRowComplete reports whether the LIMIT target has been reached.
func (e *Executive) IsLimitRowComplete() bool { return e.limitRowComplete.Load() }

// IncrDataIgnoredCount counts response messages discarded after the
// LIMIT target was reached.
func (e *Executive) IncrDataIgnoredCount() int64 {
	return e.dataIgnored.Add(1)
}

// FirstError returns the latched first fatal error.
func (e *Executive) FirstError() (util.Error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErr, e.haveErr
}

// JobCount returns the number of registered jobs.
func (e *Executive) JobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobMap)
}

// IncompleteCount returns the number of jobs still outstanding.
func (e *Executive) IncompleteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incompleteJobs)
}

// JobStatuses snapshots per-job status for the monitor endpoints.
func (e *Executive) JobStatuses() map[int]JobStatusInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]JobStatusInfo, len(e.jobMap))
	for id, jq := range e.jobMap {
		out[id] = jq.Status().Info()
	}
	return out
}
