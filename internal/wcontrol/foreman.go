package wcontrol

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wbase"
	"github.com/lsst/qserv/internal/wdb"
	"github.com/lsst/qserv/internal/wpublish"
	"github.com/lsst/qserv/internal/wsched"
)

// ForemanConfig sizes the worker's admission layer.
type ForemanConfig struct {
	WorkerName string
	PoolSize   int

	// ResultsDir and ResultsBaseURL enable file-backed results when a
	// task's slowest scan rating reaches FileResultRating.
	ResultsDir       string
	ResultsBaseURL   string
	FileResultRating int
}

// Foreman admits incoming request streams: it expands them into tasks,
// schedules the tasks, and keeps the stream alive until the last result
// byte is out.
type Foreman struct {
	log qserv.Logger
	cfg ForemanConfig

	db          *sql.DB
	scheduler   *wsched.BlendScheduler
	pool        *util.ThreadPool
	queries     *wpublish.QueriesAndChunks
	sqlConnMgr  *SqlConnMgr
	transmitMgr *TransmitMgr
	runner      *wdb.QueryRunner

	activeMu sync.Mutex
	active   map[string]bool
}

func NewForeman(cfg ForemanConfig, db *sql.DB, scheduler *wsched.BlendScheduler,
	queries *wpublish.QueriesAndChunks, sqlConnMgr *SqlConnMgr, transmitMgr *TransmitMgr,
	runner *wdb.QueryRunner, log qserv.Logger) *Foreman {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 4
	}
	f := &Foreman{
		log:         log,
		cfg:         cfg,
		db:          db,
		scheduler:   scheduler,
		queries:     queries,
		sqlConnMgr:  sqlConnMgr,
		transmitMgr: transmitMgr,
		runner:      runner,
		active:      make(map[string]bool),
	}
	f.pool = util.NewThreadPool(cfg.PoolSize, scheduler)
	return f
}

// Start launches the execution pool.
func (f *Foreman) Start() {
	f.pool.Start()
}

// Shutdown drains the pool.
func (f *Foreman) Shutdown() {
	f.scheduler.Close()
	f.pool.Shutdown()
}

// HandleTaskStream implements transport.TaskHandler: one call per
// accepted request; returns when the response stream is complete.
func (f *Foreman) HandleTaskStream(ctx context.Context, payload []byte, sc transport.SendChannel) error {
	tmsg, err := proto.UnmarshalTaskMsg(payload)
	if err != nil {
		f.log.Warn("bad task message", "err", err)
		return f.refuse(sc, util.ErrBadMsg, err.Error())
	}

	// The same attempt arriving twice means the czar retried while the
	// original is still draining; refuse so the czar backs off and
	// retries with a bumped attempt count.
	key := fmt.Sprintf("%d-%d-%d", tmsg.QueryId, tmsg.JobId, tmsg.AttemptCount)
	f.activeMu.Lock()
	if f.active[key] {
		f.activeMu.Unlock()
		f.log.Warn("duplicate request in progress", "key", key)
		return f.refuse(sc, util.ErrDuplicate, "duplicate request in progress")
	}
	f.active[key] = true
	f.activeMu.Unlock()
	defer func() {
		f.activeMu.Lock()
		delete(f.active, key)
		f.activeMu.Unlock()
	}()

	ch := f.makeChannel(tmsg, sc)
	tasks := wbase.NewTasks(tmsg, ch)
	for _, t := range tasks {
		task := t
		task.SetRunFunc(func(ctx context.Context, t *wbase.Task) {
			f.queries.TaskStarted(t)
			f.runner.RunTask(ctx, t)
			f.queries.TaskCompleted(t)
		})
		wpublish.TasksAccepted.Inc()
	}
	f.queries.AddTasks(tasks)
	f.scheduler.QueueTasks(tasks)
	f.log.Debug("tasks queued", "qid", tmsg.QueryId, "jobId", tmsg.JobId,
		"chunk", tmsg.ChunkId, "tasks", len(tasks))

	// Keep the stream open until the channel has sent its last message
	// or the czar walked away.
	if err := ch.WaitDone(ctx); err != nil {
		// The czar cancelled; stop the tasks cooperatively.
		for _, t := range tasks {
			t.Cancel()
		}
		ch.Kill("czar disconnected")
		return err
	}
	return nil
}

// makeChannel picks streaming or file-backed results for the request.
func (f *Foreman) makeChannel(tmsg *proto.TaskMsg, sc transport.SendChannel) wbase.ResultChannel {
	if f.cfg.ResultsDir != "" && f.cfg.FileResultRating > 0 && !tmsg.ScanInteractive {
		rating := 0
		for _, st := range tmsg.ScanTables {
			if int(st.Rating) > rating {
				rating = int(st.Rating)
			}
		}
		if rating >= f.cfg.FileResultRating {
			return wbase.NewFileChannelShared(sc, f.transmitMgr, f.cfg.WorkerName,
				f.cfg.ResultsDir, f.cfg.ResultsBaseURL, f.log)
		}
	}
	return wbase.NewChannelShared(sc, f.transmitMgr, f.cfg.WorkerName, f.log)
}

// refuse answers a request that will not run (unparseable, or a
// duplicate of one in progress) with a terminal error stream.
func (f *Foreman) refuse(sc transport.SendChannel, code int, msg string) error {
	ch := wbase.NewChannelShared(sc, f.transmitMgr, f.cfg.WorkerName, f.log)
	ch.SetTaskCount(1)
	t := &wbase.Task{}
	return ch.TransmitError(t, code, msg)
}

// StatusJSON reports admission-layer state for the monitor endpoint.
func (f *Foreman) StatusJSON() ([]byte, error) {
	status := map[string]interface{}{
		"worker":        f.cfg.WorkerName,
		"queries":       f.queries.QuerySnapshot(),
		"chunkStats":    f.queries.ChunkTableSnapshot(),
		"sqlConnsInUse": f.sqlConnMgr.InUse(),
		"transmits":     f.transmitMgr.InUse(),
	}
	return json.Marshal(status)
}

var _ transport.TaskHandler = (*Foreman)(nil)

// String identifies the foreman in logs.
func (f *Foreman) String() string {
	return fmt.Sprintf("foreman(%s)", f.cfg.WorkerName)
}
