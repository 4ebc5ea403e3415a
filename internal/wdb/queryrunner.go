package wdb

import (
	"context"
	"database/sql"
	"fmt"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wbase"
)

// ConnMgr bounds the worker's MySQL connections; implemented by
// wcontrol.SqlConnMgr.
type ConnMgr interface {
	Acquire(ctx context.Context, interactive bool) (func(), error)
}

// cancelCheckInterval is how many rows pass between cancellation polls.
const cancelCheckInterval = 1000

// QueryRunner executes one task's SQL and streams the rows into the
// task's result channel.
type QueryRunner struct {
	log     qserv.Logger
	db      *sql.DB
	connMgr ConnMgr
	resMgr  *ChunkResourceMgr
}

func NewQueryRunner(db *sql.DB, connMgr ConnMgr, resMgr *ChunkResourceMgr, log qserv.Logger) *QueryRunner {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &QueryRunner{log: log, db: db, connMgr: connMgr, resMgr: resMgr}
}

// RunTask drives one task to completion: connection slot, subchunk
// materialization, execution, row streaming, terminal transmit.
func (r *QueryRunner) RunTask(ctx context.Context, t *wbase.Task) {
	ch := t.SendChannel()
	if ch.IsDead() {
		r.log.Debug("task channel dead before start", "task", t.IdStr())
		return
	}
	if t.IsCancelled() {
		_ = ch.TransmitError(t, util.ErrCancelled, "task cancelled before start")
		return
	}

	release, err := r.connMgr.Acquire(ctx, t.ScanInteractive)
	if err != nil {
		_ = ch.TransmitError(t, util.ErrMySQLConnect, err.Error())
		return
	}
	defer release()

	if t.Subchunk >= 0 && len(t.SubchunkTables) > 0 {
		db := t.SubchunkDb
		if db == "" {
			db = t.Db
		}
		res, err := r.resMgr.Acquire(ctx, db, t.ChunkId, t.Subchunk, t.SubchunkTables)
		if err != nil {
			_ = ch.TransmitError(t, util.ErrMySQLExec,
				fmt.Sprintf("subchunk setup failed: %v", err))
			return
		}
		defer res.Release(context.Background())
	}

	if err := ch.InitTransmit(t); err != nil {
		r.log.Error("init transmit failed", "task", t.IdStr(), "err", err)
		return
	}

	if err := r.streamRows(ctx, t, ch); err != nil {
		r.log.Warn("task failed", "task", t.IdStr(), "err", err)
		code := util.ErrMySQLExec
		if t.IsCancelled() {
			code = util.ErrCancelled
		}
		_ = ch.TransmitError(t, code, err.Error())
		return
	}

	if err := ch.TransmitLast(t, t.IsCancelled()); err != nil {
		r.log.Warn("final transmit failed", "task", t.IdStr(), "err", err)
	}
}

// streamRows executes the SQL and pushes every row to the channel.
func (r *QueryRunner) streamRows(ctx context.Context, t *wbase.Task, ch wbase.ResultChannel) error {
	rows, err := r.db.QueryContext(ctx, t.QuerySQL)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	raw := make([]sql.RawBytes, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		cells := make([]proto.Cell, len(cols))
		size := 0
		for i, rb := range raw {
			if rb == nil {
				cells[i] = proto.Cell{IsNull: true}
				continue
			}
			// RawBytes are only valid until the next scan.
			v := make([]byte, len(rb))
			copy(v, rb)
			cells[i] = proto.Cell{Value: v}
			size += len(v)
		}
		if err := ch.AddResultRow(t, cells, size+8*len(cols)); err != nil {
			return err
		}
		count++
		if count%cancelCheckInterval == 0 {
			if t.IsCancelled() {
				return fmt.Errorf("task cancelled after %d rows", count)
			}
			if ch.IsDead() {
				return fmt.Errorf("channel died after %d rows", count)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration: %w", err)
	}
	return nil
}
