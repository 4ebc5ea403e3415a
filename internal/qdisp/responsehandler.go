package qdisp

import "github.com/lsst/qserv/internal/util"

// FlushInfo carries what a flush learned from the bytes it consumed.
type FlushInfo struct {
	// Last is true when a header announced the end of the stream.
	Last bool
	// NextBufSize is the exact size of the next pull: for a header
	// flush, the size of the next data message; for a result flush,
	// the size of a wrapped header.
	NextBufSize int
	// ResultRows counts rows merged by a result flush; always zero for
	// a header flush.
	ResultRows int
}

// ResponseHandler consumes the framed bytes of one job's response stream
// and feeds the result merger. Calls alternate between header bytes and
// result payload bytes; the handler tracks which it expects next.
type ResponseHandler interface {
	// Flush consumes one framed unit (wrapped header or result payload).
	Flush(buf []byte) (FlushInfo, error)

	// ErrorFlush records a transport or dispatch error so it reaches the
	// user query's message log.
	ErrorFlush(msg string, code int)

	// GetError returns the first error recorded by Flush or ErrorFlush.
	GetError() util.Error

	// PrepScrub marks an attempt invalid before its retry launches so
	// any rows it already merged are removed prior to finalization.
	PrepScrub(jobId, attemptCount int) error
}
