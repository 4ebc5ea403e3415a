package ccontrol

import (
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/rproc"
)

// ChunkQuerySpec is the analyzer's output for one chunk: the rewritten
// per-chunk statements plus where to run them. Producing these is
// outside this package; consuming them is its whole job.
type ChunkQuerySpec struct {
	ChunkId        int
	Resource       string // worker endpoint owning the chunk
	Queries        []string
	Subchunks      []int32
	SubchunkTables []string
	SubchunkDb     string
	ScanTables     []proto.ScanTable
}

// UserQuerySelect runs one distributed SELECT: it owns the executive,
// the merger and the message store, fans the chunk specs out as jobs
// and produces the final result table.
type UserQuerySelect struct {
	log qserv.Logger

	queryId global.QueryId
	czarId  global.CzarId

	executive    *qdisp.Executive
	merger       *rproc.InfileMerger
	messageStore *qdisp.MessageStore

	db              string
	scanInteractive bool
	scanPriority    int
	maxTableSizeMB  int64
	resultTable     string
	messageTable    string

	mu             sync.Mutex
	state          qdisp.QueryState
	rowCount       int64
	collectedBytes int64
	submitted      bool
}

func NewUserQuerySelect(qid global.QueryId, czarId global.CzarId, db string,
	executive *qdisp.Executive, merger *rproc.InfileMerger, resultTable, messageTable string,
	interactive bool, scanPriority int, maxTableSizeMB int64,
	log qserv.Logger) *UserQuerySelect {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &UserQuerySelect{
		log:             log,
		queryId:         qid,
		czarId:          czarId,
		executive:       executive,
		merger:          merger,
		messageStore:    executive.MessageStore(),
		db:              db,
		scanInteractive: interactive,
		scanPriority:    scanPriority,
		maxTableSizeMB:  maxTableSizeMB,
		resultTable:     resultTable,
		messageTable:    messageTable,
		state:           qdisp.QueryRunning,
	}
}

func (q *UserQuerySelect) QueryId() global.QueryId           { return q.queryId }
func (q *UserQuerySelect) ResultTable() string               { return q.resultTable }
func (q *UserQuerySelect) MessageStore() *qdisp.MessageStore { return q.messageStore }
func (q *UserQuerySelect) Executive() *qdisp.Executive       { return q.executive }

// Submit fans the chunk specs out as jobs, one job per chunk.
func (q *UserQuerySelect) Submit(specs []ChunkQuerySpec) error {
	q.mu.Lock()
	if q.submitted {
		q.mu.Unlock()
		return fmt.Errorf("ccontrol: %s already submitted", global.IdStr(q.queryId))
	}
	q.submitted = true
	q.mu.Unlock()

	qdisp.QueriesActive.Inc()
	for jobId, spec := range specs {
		tmsg := &proto.TaskMsg{
			ProtocolVersion: proto.ProtocolVersion,
			QueryId:         q.queryId,
			JobId:           int32(jobId),
			CzarId:          q.czarId,
			ChunkId:         int32(spec.ChunkId),
			Db:              q.db,
			ScanTables:      spec.ScanTables,
			ScanInteractive: q.scanInteractive,
			ScanPriority:    int32(q.scanPriority),
			MaxTableSizeMB:  q.maxTableSizeMB,
		}
		for _, query := range spec.Queries {
			tmsg.Fragments = append(tmsg.Fragments, proto.Fragment{
				Query:          query,
				Subchunks:      spec.Subchunks,
				SubchunkTables: spec.SubchunkTables,
				SubchunkDb:     spec.SubchunkDb,
			})
		}
		handler := NewMergingHandler(q.merger, q.messageStore, q.log)
		desc := qdisp.NewJobDescription(q.queryId, jobId, spec.Resource, tmsg, handler)
		q.executive.Add(desc)
		qdisp.JobsDispatched.WithLabelValues(fmt.Sprintf("%t", q.scanInteractive)).Inc()
	}
	q.log.Info("query submitted", "qid", q.queryId, "jobs", len(specs))
	return nil
}

// Join blocks until the query reaches a terminal state, finalizes the
// result table on success and cleans it up otherwise.
func (q *UserQuerySelect) Join() qdisp.QueryState {
	state := q.executive.Join()
	defer qdisp.QueriesActive.Dec()

	switch state {
	case qdisp.QuerySuccess:
		bytes, rows, err := q.merger.Finalize()
		if err != nil {
			q.log.Error("finalize failed", "qid", q.queryId, "err", err)
			q.messageStore.AddErrorMessage("FINALIZE", err.Error())
			state = qdisp.QueryError
			break
		}
		q.mu.Lock()
		q.collectedBytes = bytes
		q.rowCount = rows
		q.mu.Unlock()
		q.messageStore.AddMessage(-1, 0, "COMPLETE", qdisp.MessageInfo,
			fmt.Sprintf("query completed, rows=%d bytes=%d", rows, bytes))

	case qdisp.QueryCancelled:
		q.messageStore.AddMessage(-1, 0, "CANCEL", qdisp.MessageInfo, "query cancelled")
		if err := q.merger.Drop(); err != nil {
			q.log.Warn("failed to drop merge table", "qid", q.queryId, "err", err)
		}

	default:
		if e, ok := q.executive.FirstError(); ok {
			q.messageStore.AddMessage(-1, e.Code, "EXECUTIVE", qdisp.MessageError, e.Msg)
		}
		if err := q.merger.Drop(); err != nil {
			q.log.Warn("failed to drop merge table", "qid", q.queryId, "err", err)
		}
	}

	if q.messageTable != "" {
		// The client reads completion and error details from here.
		if err := q.merger.WriteMessageTable(q.messageTable, q.messageStore.Messages()); err != nil {
			q.log.Warn("failed to persist message table", "qid", q.queryId, "err", err)
		}
	}

	q.mu.Lock()
	q.state = state
	q.mu.Unlock()
	q.log.Info("query joined", "qid", q.queryId, "state", state.String())
	return state
}

// Kill cancels the query on behalf of the user.
func (q *UserQuerySelect) Kill() {
	q.log.Info("kill query", "qid", q.queryId)
	q.executive.SquashByUser()
}

// State reports the last observed query state.
func (q *UserQuerySelect) State() qdisp.QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// RowCount reports the finalized row count.
func (q *UserQuerySelect) RowCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rowCount
}

// CollectedBytes reports bytes collected from workers.
func (q *UserQuerySelect) CollectedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collectedBytes
}
