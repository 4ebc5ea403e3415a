// Package wcontrol admits work on the worker: the foreman that turns
// incoming request streams into scheduled tasks, and the managers that
// bound MySQL connections and result transmits.
package wcontrol

import (
	"context"

	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wpublish"
)

// SqlConnMgr bounds MySQL connections. Shared-scan tasks are held to a
// lower cap than the overall limit so interactive queries can always
// find a connection.
type SqlConnMgr struct {
	total *util.Sema
	scan  *util.Sema
}

func NewSqlConnMgr(maxConns, maxScanConns int) *SqlConnMgr {
	if maxConns < 1 {
		maxConns = 1
	}
	if maxScanConns < 1 || maxScanConns > maxConns {
		maxScanConns = maxConns
	}
	return &SqlConnMgr{
		total: util.NewSema(maxConns),
		scan:  util.NewSema(maxScanConns),
	}
}

// Acquire blocks until a connection slot is free. The release func is
// safe to call exactly once.
func (m *SqlConnMgr) Acquire(ctx context.Context, interactive bool) (func(), error) {
	if !interactive {
		if err := m.scan.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.total.Acquire(ctx); err != nil {
		if !interactive {
			m.scan.Release()
		}
		return nil, err
	}
	wpublish.SqlConnsInUse.Inc()
	return func() {
		wpublish.SqlConnsInUse.Dec()
		m.total.Release()
		if !interactive {
			m.scan.Release()
		}
	}, nil
}

// InUse reports held total connection slots.
func (m *SqlConnMgr) InUse() int { return m.total.InUse() }

// ScanInUse reports held shared-scan connection slots.
func (m *SqlConnMgr) ScanInUse() int { return m.scan.InUse() }
