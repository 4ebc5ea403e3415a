package wdb

import (
	"context"
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
)

// ChunkResourceMgr reference-counts subchunk scratch tables so
// concurrent tasks of the same chunk share one materialization and the
// table is dropped only when the last user releases it.
type ChunkResourceMgr struct {
	log     qserv.Logger
	backend *SQLBackend

	mu   sync.Mutex
	refs map[string]int
}

// ChunkResource is one task's hold on a set of subchunk tables.
type ChunkResource struct {
	mgr      *ChunkResourceMgr
	db       string
	chunk    int
	subchunk int
	tables   []string
	once     sync.Once
}

func NewChunkResourceMgr(backend *SQLBackend, log qserv.Logger) *ChunkResourceMgr {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &ChunkResourceMgr{log: log, backend: backend, refs: make(map[string]int)}
}

func resourceKey(table string, chunk, subchunk int) string {
	return fmt.Sprintf("%s:%d:%d", table, chunk, subchunk)
}

// Acquire materializes (or references) every listed table's subchunk.
// On failure everything acquired so far is rolled back.
func (m *ChunkResourceMgr) Acquire(ctx context.Context, db string, chunk, subchunk int,
	tables []string) (*ChunkResource, error) {
	var acquired []string
	for _, tbl := range tables {
		key := resourceKey(tbl, chunk, subchunk)
		m.mu.Lock()
		m.refs[key]++
		first := m.refs[key] == 1
		m.mu.Unlock()
		if first {
			if err := m.backend.CreateSubChunkTable(ctx, db, tbl, chunk, subchunk); err != nil {
				m.release(ctx, db, chunk, subchunk, append(acquired, tbl))
				return nil, err
			}
		}
		acquired = append(acquired, tbl)
	}
	return &ChunkResource{mgr: m, db: db, chunk: chunk, subchunk: subchunk, tables: tables}, nil
}

func (m *ChunkResourceMgr) release(ctx context.Context, db string, chunk, subchunk int, tables []string) {
	for _, tbl := range tables {
		key := resourceKey(tbl, chunk, subchunk)
		m.mu.Lock()
		m.refs[key]--
		last := m.refs[key] <= 0
		if last {
			delete(m.refs, key)
		}
		m.mu.Unlock()
		if last {
			if err := m.backend.DropSubChunkTable(ctx, tbl, chunk, subchunk); err != nil {
				m.log.Warn("failed to drop subchunk table", "table", tbl, "err", err)
			}
		}
	}
}

// Release drops this hold; the underlying tables go away when the last
// holder releases. Idempotent.
func (r *ChunkResource) Release(ctx context.Context) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.mgr.release(ctx, r.db, r.chunk, r.subchunk, r.tables)
	})
}
