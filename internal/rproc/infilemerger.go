package rproc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/util"
)

// DbEngine selects the storage engine for the merge table. MyISAM
// forces a single writer and is the robust default for small results;
// InnoDB and MEMORY allow semaphore-bounded parallel writers.
type DbEngine int

const (
	MyISAM DbEngine = iota
	InnoDB
	Memory
)

func (e DbEngine) String() string {
	switch e {
	case MyISAM:
		return "MyISAM"
	case InnoDB:
		return "InnoDB"
	case Memory:
		return "MEMORY"
	}
	return "MyISAM"
}

const jobIdBaseName = "jobId"

// ColSchema is one column of the result schema, as derived by the query
// analyzer.
type ColSchema struct {
	Name    string
	SQLType string
}

// Schema is an ordered result-table schema.
type Schema []ColSchema

// Config parameterizes one query's merger.
type Config struct {
	// MergeTable is the fully qualified intermediate table.
	MergeTable string
	// TargetTable is the final user-visible table. Equal to MergeTable
	// when no aggregation step is needed.
	TargetTable string
	// MergeStmt is the aggregation SELECT applied at finalize, reading
	// from MergeTable. Empty when no aggregation is needed.
	MergeStmt string
	// MaxResultTableSizeBytes fails the query when the merged bytes
	// exceed it.
	MaxResultTableSizeBytes int64
	// Engine picks the merge-table storage engine.
	Engine DbEngine
	// MaxSqlConnections bounds concurrent merge writers for parallel
	// engines.
	MaxSqlConnections int
	// DebugNoMerge collects transmit stats without writing rows.
	DebugNoMerge bool
}

// MakeJobIdAttempt packs a job id and attempt count into the tag stored
// with every merged row.
func MakeJobIdAttempt(jobId, attemptCount int) int {
	jobIdAttempt := jobId * global.MaxJobAttempts
	if attemptCount >= global.MaxJobAttempts {
		panic(fmt.Sprintf("rproc: attemptCount %d >= MaxJobAttempts %d",
			attemptCount, global.MaxJobAttempts))
	}
	return jobIdAttempt + attemptCount
}

// InfileMerger ingests framed result messages from many concurrent jobs
// into one merge table and produces the final result table.
type InfileMerger struct {
	log qserv.Logger
	db  *sql.DB
	cfg Config

	invalidMgr *InvalidJobAttemptMgr
	semaConn   *util.Sema
	myisamMu   sync.Mutex

	schema      Schema
	jobIdCol    string
	insertStmt  string // cached INSERT prefix
	schemaReady bool
	schemaMu    sync.Mutex

	mergedRows      atomic.Int64
	totalResultSize atomic.Int64
	isFinished      atomic.Bool

	errMu sync.Mutex
	err   util.Error
}

func NewInfileMerger(db *sql.DB, cfg Config, log qserv.Logger) *InfileMerger {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if cfg.MaxSqlConnections < 1 {
		cfg.MaxSqlConnections = 1
	}
	m := &InfileMerger{
		log:        log,
		db:         db,
		cfg:        cfg,
		invalidMgr: NewInvalidJobAttemptMgr(log),
		semaConn:   util.NewSema(cfg.MaxSqlConnections),
		jobIdCol:   jobIdBaseName,
	}
	m.invalidMgr.SetDeleteFunc(m.deleteInvalidRows)
	return m
}

// MakeResultsTableForQuery creates the merge table with a leading
// attempt-tag column ahead of the user schema.
func (m *InfileMerger) MakeResultsTableForQuery(schema Schema) error {
	m.schemaMu.Lock()
	defer m.schemaMu.Unlock()
	if m.schemaReady {
		return fmt.Errorf("rproc: results table already created")
	}

	// Rename the tag column until it misses every user column.
	attempt := 0
	for {
		collision := false
		for _, c := range schema {
			if c.Name == m.jobIdCol {
				m.jobIdCol = fmt.Sprintf("%s%d", jobIdBaseName, attempt)
				attempt++
				collision = true
				break
			}
		}
		if !collision {
			break
		}
	}

	cols := make([]string, 0, len(schema)+1)
	names := make([]string, 0, len(schema)+1)
	cols = append(cols, fmt.Sprintf("`%s` INT NOT NULL", m.jobIdCol))
	names = append(names, fmt.Sprintf("`%s`", m.jobIdCol))
	for _, c := range schema {
		cols = append(cols, fmt.Sprintf("`%s` %s", c.Name, c.SQLType))
		names = append(names, fmt.Sprintf("`%s`", c.Name))
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s) ENGINE=%s",
		m.cfg.MergeTable, strings.Join(cols, ", "), m.cfg.Engine)
	if _, err := m.db.Exec(create); err != nil {
		return fmt.Errorf("rproc: create merge table: %w", err)
	}
	m.schema = schema
	m.insertStmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		m.cfg.MergeTable, strings.Join(names, ", "))
	m.schemaReady = true
	m.log.Debug("merge table created", "table", m.cfg.MergeTable, "engine", m.cfg.Engine)
	return nil
}

// Merge ingests one result message. Any number of calls may run
// concurrently; parallel writes are bounded by the connection semaphore
// (or serialized entirely for MyISAM).
func (m *InfileMerger) Merge(res *proto.Result) error {
	if res == nil {
		return m.setError(util.Error{Code: util.ErrBadMsg, Msg: "merge response unset"})
	}
	if res.HasError() {
		e := util.Error{Code: int(res.ErrorCode), Msg: res.ErrorMsg}
		m.log.Error("error from worker in response data", "err", e)
		return m.setError(e)
	}
	if len(res.Rows) == 0 {
		return nil
	}
	if err := m.GetError(); err != nil {
		// The query already failed; make late merges cheap no-ops.
		return err
	}

	resultJobId := MakeJobIdAttempt(int(res.JobId), int(res.AttemptCount))

	// If the job attempt is invalid, exit without adding rows. This
	// waits here while rows are being deleted.
	if m.invalidMgr.IncrConcurrentMergeCount(resultJobId) {
		return nil
	}
	defer m.invalidMgr.DecrConcurrentMergeCount()

	total := m.totalResultSize.Add(res.TransmitSize)
	if m.cfg.MaxResultTableSizeBytes > 0 && total > m.cfg.MaxResultTableSizeBytes {
		e := util.Error{Code: util.ErrResultImport, Msg: fmt.Sprintf(
			"%s result table %s too large at %d bytes, max allowed %d",
			global.JobIdStr(res.QueryId, int(res.JobId)), m.cfg.MergeTable,
			total, m.cfg.MaxResultTableSizeBytes)}
		m.log.Error("result table too large", "err", e)
		return m.setError(e)
	}

	if m.cfg.DebugNoMerge {
		return nil
	}

	start := time.Now()
	var err error
	if m.cfg.Engine == MyISAM {
		m.myisamMu.Lock()
		err = m.applyInsert(resultJobId, res)
		m.myisamMu.Unlock()
	} else {
		if aerr := m.semaConn.Acquire(context.Background()); aerr != nil {
			return m.setError(util.Error{Code: util.ErrMySQLConnect, Msg: aerr.Error()})
		}
		err = m.applyInsert(resultJobId, res)
		m.semaConn.Release()
	}
	qdisp.MergeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return m.setError(util.Error{Code: util.ErrMySQLExec, Msg: err.Error()})
	}
	m.mergedRows.Add(int64(len(res.Rows)))
	return nil
}

// maxArgsPerInsert keeps each bulk insert well under the MySQL
// placeholder limit.
const maxArgsPerInsert = 50000

func (m *InfileMerger) applyInsert(resultJobId int, res *proto.Result) error {
	m.schemaMu.Lock()
	ready := m.schemaReady
	ncols := len(m.schema) + 1
	prefix := m.insertStmt
	m.schemaMu.Unlock()
	if !ready {
		return fmt.Errorf("rproc: merge before results table created")
	}

	rowsPerBatch := maxArgsPerInsert / ncols
	if rowsPerBatch < 1 {
		rowsPerBatch = 1
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", ncols), ",") + ")"

	for start := 0; start < len(res.Rows); start += rowsPerBatch {
		end := start + rowsPerBatch
		if end > len(res.Rows) {
			end = len(res.Rows)
		}
		batch := res.Rows[start:end]
		values := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)*ncols)
		for i, row := range batch {
			values[i] = placeholder
			args = append(args, resultJobId)
			if len(row.Cells) != ncols-1 {
				return fmt.Errorf("rproc: row has %d cells, schema has %d columns",
					len(row.Cells), ncols-1)
			}
			for _, cell := range row.Cells {
				if cell.IsNull {
					args = append(args, nil)
				} else {
					args = append(args, cell.Value)
				}
			}
		}
		stmt := prefix + strings.Join(values, ",")
		if _, err := m.db.Exec(stmt, args...); err != nil {
			return fmt.Errorf("rproc: bulk insert: %w", err)
		}
	}
	return nil
}

// PrepScrub marks an attempt invalid before its retry launches and
// removes any rows it already merged.
func (m *InfileMerger) PrepScrub(jobId, attemptCount int) error {
	return m.invalidMgr.PrepScrub(MakeJobIdAttempt(jobId, attemptCount))
}

// deleteInvalidRows is the InvalidJobAttemptMgr delete callback. Runs
// with merging held.
func (m *InfileMerger) deleteInvalidRows(attempts jobAttemptSet) error {
	if len(attempts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(attempts))
	for id := range attempts {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE `%s` IN (%s)",
		m.cfg.MergeTable, m.jobIdCol, strings.Join(ids, ","))
	if _, err := m.db.Exec(stmt); err != nil {
		return fmt.Errorf("rproc: delete invalid rows: %w", err)
	}
	return nil
}

// Finalize scrubs leftover invalid attempts, runs the aggregation step
// if one was requested, and reports final byte and row counts.
func (m *InfileMerger) Finalize() (collectedBytes int64, rowCount int64, err error) {
	if m.isFinished.Load() {
		m.log.Error("finalize called twice", "table", m.cfg.MergeTable)
	}
	collectedBytes = m.totalResultSize.Load()

	// Delete all invalid rows in the table before anything is exposed.
	if err := m.invalidMgr.HoldMergingForRowDelete("finalize"); err != nil {
		return collectedBytes, 0, fmt.Errorf("rproc: failed to remove invalid rows: %w", err)
	}
	if e := m.GetError(); e != nil {
		return collectedBytes, 0, e
	}

	if m.cfg.MergeTable != m.cfg.TargetTable {
		// Aggregation needed. MyISAM: single threaded write with no
		// need to recover from errors.
		create := fmt.Sprintf("CREATE TABLE %s ENGINE=MyISAM %s",
			m.cfg.TargetTable, m.cfg.MergeStmt)
		m.log.Debug("merging", "stmt", create)
		if _, err := m.db.Exec(create); err != nil {
			return collectedBytes, 0, fmt.Errorf("rproc: aggregation: %w", err)
		}
		row := m.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", m.cfg.TargetTable))
		if err := row.Scan(&rowCount); err != nil {
			m.log.Error("failed to extract row count", "err", err)
			rowCount = 0
		}
		if _, err := m.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", m.cfg.MergeTable)); err != nil {
			m.log.Warn("failure cleaning up merge table", "table", m.cfg.MergeTable, "err", err)
		}
	} else {
		// Remove the jobId tag column from the result table.
		drop := fmt.Sprintf("ALTER TABLE %s DROP COLUMN `%s`", m.cfg.MergeTable, m.jobIdCol)
		if _, err := m.db.Exec(drop); err != nil {
			return collectedBytes, 0, fmt.Errorf("rproc: drop tag column: %w", err)
		}
		// mergedRows still counts rows of scrubbed attempts; count what
		// the table holds.
		row := m.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", m.cfg.MergeTable))
		if err := row.Scan(&rowCount); err != nil {
			m.log.Error("failed to extract row count", "err", err)
			rowCount = m.mergedRows.Load()
		}
	}
	m.isFinished.Store(true)
	return collectedBytes, rowCount, nil
}

// WriteMessageTable persists the query's message log next to the
// result so the front end can surface it to the client.
func (m *InfileMerger) WriteMessageTable(table string, msgs []qdisp.QueryMessage) error {
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"chunkId INT, code SMALLINT, message TEXT, severity VARCHAR(16), "+
		"timestamp BIGINT) ENGINE=MyISAM", table)
	if _, err := m.db.Exec(create); err != nil {
		return fmt.Errorf("rproc: create message table: %w", err)
	}
	for _, msg := range msgs {
		insert := fmt.Sprintf(
			"INSERT INTO %s (chunkId, code, message, severity, timestamp) VALUES (?, ?, ?, ?, ?)",
			table)
		if _, err := m.db.Exec(insert, msg.ChunkId, msg.Code, msg.Msg,
			msg.Severity.String(), msg.Time.UnixMilli()); err != nil {
			return fmt.Errorf("rproc: insert message: %w", err)
		}
	}
	return nil
}

// Drop removes the merge table, used when a query is cancelled.
func (m *InfileMerger) Drop() error {
	_, err := m.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", m.cfg.MergeTable))
	return err
}

// MergedRows reports rows merged so far.
func (m *InfileMerger) MergedRows() int64 { return m.mergedRows.Load() }

// setError latches the first error; later calls keep the original.
func (m *InfileMerger) setError(e util.Error) error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err.IsNone() {
		m.err = e
	}
	return m.err
}

// GetError returns the latched error, or nil.
func (m *InfileMerger) GetError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err.IsNone() {
		return nil
	}
	return m.err
}

// Error exposes the latched error value for status reporting.
func (m *InfileMerger) Error() util.Error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}
