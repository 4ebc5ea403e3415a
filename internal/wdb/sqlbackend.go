// Package wdb executes chunk queries against the worker's MySQL
// instance: subchunk scratch-table materialization and row streaming
// into the task's result channel.
package wdb

import (
	"context"
	"database/sql"
	"fmt"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
)

// SQLBackend materializes and drops subchunk scratch tables. Scratch
// tables live in their own database so a restarted worker can identify
// and clear leftovers.
type SQLBackend struct {
	log       qserv.Logger
	db        *sql.DB
	scratchDb string
}

func NewSQLBackend(db *sql.DB, scratchDb string, log qserv.Logger) *SQLBackend {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &SQLBackend{log: log, db: db, scratchDb: scratchDb}
}

func (b *SQLBackend) subChunkTableName(table string, chunk, subchunk int) string {
	return fmt.Sprintf("`%s`.`%s_%d_%d`", b.scratchDb, table, chunk, subchunk)
}

// CreateSubChunkTable materializes one subchunk of a chunk table into a
// MEMORY scratch table for near-neighbor joins.
func (b *SQLBackend) CreateSubChunkTable(ctx context.Context, db, table string, chunk, subchunk int) error {
	name := b.subChunkTableName(table, chunk, subchunk)
	src := fmt.Sprintf("`%s`.`%s_%d`", db, table, chunk)
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ENGINE=MEMORY AS SELECT * FROM %s WHERE `%s` = %d",
		name, src, global.SubChunkColumn, subchunk)
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("wdb: create subchunk table %s: %w", name, err)
	}
	b.log.Debug("subchunk table created", "table", name)
	return nil
}

// DropSubChunkTable removes a scratch table.
func (b *SQLBackend) DropSubChunkTable(ctx context.Context, table string, chunk, subchunk int) error {
	name := b.subChunkTableName(table, chunk, subchunk)
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
		return fmt.Errorf("wdb: drop subchunk table %s: %w", name, err)
	}
	return nil
}
