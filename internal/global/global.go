// Package global holds identifiers and constants shared between the czar
// and worker sides of the query engine.
package global

import "fmt"

// QueryId identifies one user query across the whole system.
type QueryId = uint64

// CzarId identifies one czar instance.
type CzarId = uint32

// Chunk and subchunk index columns added by the partitioner to every
// partitioned table.
const (
	ChunkColumn    = "chunkId"
	SubChunkColumn = "subChunkId"
)

// MaxJobAttempts bounds retries of a single job. It also scales the
// jobId+attempt tag column in the merge table, so raising it changes the
// meaning of persisted tags.
const MaxJobAttempts = 5

// DummyChunk is the placeholder chunk id used for unpartitioned tables.
const DummyChunk = 1234567890

// IdStr formats a query id the way it appears in logs and worker messages.
func IdStr(qid QueryId) string {
	return fmt.Sprintf("QID=%d", qid)
}

// JobIdStr formats a (query, job) pair.
func JobIdStr(qid QueryId, jobId int) string {
	return fmt.Sprintf("QID=%d#%d", qid, jobId)
}
