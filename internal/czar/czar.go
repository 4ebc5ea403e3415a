// Package czar assembles the coordinator: it assigns query ids, builds
// each query's executive and merger, keeps the registry of live
// queries, and serves the monitor endpoints.
package czar

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/ccontrol"
	"github.com/lsst/qserv/internal/config"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/rproc"
	"github.com/lsst/qserv/internal/transport"
)

// mergeTablePlaceholder is substituted in aggregation statements with
// the actual merge-table name.
const mergeTablePlaceholder = "%MT%"

// SubmitRequest is a fully analyzed query ready for dispatch. Producing
// one (parsing, analysis, chunk coverage) is the front end's job.
type SubmitRequest struct {
	Db          string
	Schema      rproc.Schema
	MergeStmt   string // aggregation SELECT with %MT% for the merge table; empty if none
	RowLimit    int
	Interactive bool
	Priority    int
	Chunks      []ccontrol.ChunkQuerySpec
}

// Czar coordinates user queries from submission to result table.
type Czar struct {
	log qserv.Logger
	cfg config.CzarConfig

	id       global.CzarId
	service  transport.Service
	pool     *qdisp.QdispPool
	fifo     *qdisp.PseudoFifo
	resultDb *sql.DB

	nextQueryId atomic.Uint64

	mu      sync.Mutex
	queries map[global.QueryId]*ccontrol.UserQuerySelect
	workers map[string]struct{}
}

func New(cfg config.CzarConfig, resultDb *sql.DB, service transport.Service, log qserv.Logger) *Czar {
	if log == nil {
		log = qserv.NopLogger{}
	}
	classes := make([]qdisp.PriClass, 0, len(cfg.Pool.MinRunning))
	for _, m := range cfg.Pool.MinRunning {
		classes = append(classes, qdisp.PriClass{MinRunning: m})
	}
	c := &Czar{
		log:      log,
		cfg:      cfg,
		id:       global.CzarId(cfg.CzarId),
		service:  service,
		pool:     qdisp.NewQdispPool(cfg.Pool.Size, classes, log),
		fifo:     qdisp.NewPseudoFifo(cfg.MaxActivePulls),
		resultDb: resultDb,
		queries:  make(map[global.QueryId]*ccontrol.UserQuerySelect),
		workers:  make(map[string]struct{}),
	}
	// Seed ids from the clock so a restarted czar keeps issuing fresh
	// ones.
	c.nextQueryId.Store(uint64(time.Now().Unix()) << 20)
	return c
}

// SubmitQuery registers and dispatches one query. The returned
// UserQuerySelect is live; call Join on it to wait for the result.
func (c *Czar) SubmitQuery(req SubmitRequest) (*ccontrol.UserQuerySelect, error) {
	if len(req.Chunks) == 0 {
		return nil, fmt.Errorf("czar: no chunks to dispatch")
	}
	qid := c.nextQueryId.Add(1)

	tag := strings.ReplaceAll(uuid.New().String(), "-", "_")
	targetTable := fmt.Sprintf("%s.result_%s", c.cfg.ResultDb.Database, tag)
	mergeTable := targetTable
	mergeStmt := ""
	if req.MergeStmt != "" {
		mergeTable = targetTable + "_m"
		mergeStmt = strings.ReplaceAll(req.MergeStmt, mergeTablePlaceholder, mergeTable)
	}

	merger := rproc.NewInfileMerger(c.resultDb, rproc.Config{
		MergeTable:              mergeTable,
		TargetTable:             targetTable,
		MergeStmt:               mergeStmt,
		MaxResultTableSizeBytes: c.cfg.MaxResultTableSizeMB * 1024 * 1024,
		Engine:                  c.cfg.ResultEngine(),
		MaxSqlConnections:       c.cfg.ResultDb.MaxConnections,
	}, c.log)
	if err := merger.MakeResultsTableForQuery(req.Schema); err != nil {
		return nil, err
	}

	messageStore := qdisp.NewMessageStore()
	executive := qdisp.NewExecutive(qdisp.ExecutiveConfig{
		QueryId:      qid,
		RowLimit:     req.RowLimit,
		Service:      c.service,
		QdispPool:    c.pool,
		PseudoFifo:   c.fifo,
		MessageStore: messageStore,
		Log:          c.log,
		QueryTimeout: time.Duration(c.cfg.QueryTimeoutSec) * time.Second,
	})

	messageTable := fmt.Sprintf("%s.message_%d", c.cfg.ResultDb.Database, qid)
	uq := ccontrol.NewUserQuerySelect(qid, c.id, req.Db, executive, merger,
		targetTable, messageTable, req.Interactive, req.Priority, c.cfg.MaxTableSizeMB, c.log)

	c.mu.Lock()
	c.queries[qid] = uq
	for _, spec := range req.Chunks {
		c.workers[spec.Resource] = struct{}{}
	}
	c.mu.Unlock()

	if err := uq.Submit(req.Chunks); err != nil {
		c.removeQuery(qid)
		return nil, err
	}
	return uq, nil
}

// KillQuery cancels a live query on behalf of the user.
func (c *Czar) KillQuery(qid global.QueryId) error {
	c.mu.Lock()
	uq, ok := c.queries[qid]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("czar: unknown query %d", qid)
	}
	uq.Kill()
	return nil
}

// ReleaseQuery drops a finished query from the registry.
func (c *Czar) ReleaseQuery(qid global.QueryId) {
	c.removeQuery(qid)
}

func (c *Czar) removeQuery(qid global.QueryId) {
	c.mu.Lock()
	delete(c.queries, qid)
	c.mu.Unlock()
}

// Query looks a live query up.
func (c *Czar) Query(qid global.QueryId) (*ccontrol.UserQuerySelect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uq, ok := c.queries[qid]
	return uq, ok
}

// Workers lists every worker endpoint seen so far.
func (c *Czar) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workers))
	for w := range c.workers {
		out = append(out, w)
	}
	return out
}

// Shutdown squashes live queries and stops the pool.
func (c *Czar) Shutdown() {
	c.mu.Lock()
	live := make([]*ccontrol.UserQuerySelect, 0, len(c.queries))
	for _, uq := range c.queries {
		live = append(live, uq)
	}
	c.mu.Unlock()
	for _, uq := range live {
		uq.Kill()
	}
	c.pool.Shutdown()
	_ = c.service.Close()
}
