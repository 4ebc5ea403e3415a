// Package ccontrol glues one user query together on the czar: it turns
// chunk specs into dispatchable jobs, parses the framed response
// streams, and drives the result merger to a final table.
package ccontrol

import (
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qdisp"
	"github.com/lsst/qserv/internal/util"
)

// Merger is the slice of the result merger a response stream needs.
type Merger interface {
	Merge(res *proto.Result) error
	PrepScrub(jobId, attemptCount int) error
}

type flushPhase int

const (
	expectHeader flushPhase = iota
	expectResult
)

// MergingHandler parses one job's framed response stream and feeds the
// merger. The first flush consumes the wrapped header delivered in
// transport metadata; after that, flushes alternate between result
// payloads and the trailing headers chained behind them.
type MergingHandler struct {
	log          qserv.Logger
	merger       Merger
	messageStore *qdisp.MessageStore

	mu          sync.Mutex
	phase       flushPhase
	largeResult bool
	err         util.Error
}

func NewMergingHandler(merger Merger, ms *qdisp.MessageStore, log qserv.Logger) *MergingHandler {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &MergingHandler{log: log, merger: merger, messageStore: ms}
}

// Flush consumes one framed unit of the stream.
func (h *MergingHandler) Flush(buf []byte) (qdisp.FlushInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.err.IsNone() {
		return qdisp.FlushInfo{}, h.err
	}
	switch h.phase {
	case expectHeader:
		hdrBytes, err := proto.UnwrapHeader(buf)
		if err != nil {
			return qdisp.FlushInfo{}, h.latchLocked(util.ErrBadMsg, err.Error())
		}
		hdr, err := proto.UnmarshalProtoHeader(hdrBytes)
		if err != nil {
			return qdisp.FlushInfo{}, h.latchLocked(util.ErrBadMsg, err.Error())
		}
		if hdr.Last {
			return qdisp.FlushInfo{Last: true}, nil
		}
		if hdr.Size <= 0 || int(hdr.Size) > proto.ProtobufferHardLimit+proto.ProtoHeaderSize {
			return qdisp.FlushInfo{}, h.latchLocked(util.ErrBadMsg,
				fmt.Sprintf("header announced impossible size %d", hdr.Size))
		}
		h.largeResult = h.largeResult || hdr.LargeResult
		h.phase = expectResult
		return qdisp.FlushInfo{NextBufSize: int(hdr.Size)}, nil

	case expectResult:
		res, err := proto.UnmarshalResult(buf)
		if err != nil {
			return qdisp.FlushInfo{}, h.latchLocked(util.ErrBadMsg, err.Error())
		}
		rows := len(res.Rows)
		if res.FileResource != "" {
			// Large result spooled on the worker; pull and merge it
			// frame by frame.
			n, err := h.mergeFileResult(res)
			rows = n
			if err != nil {
				return qdisp.FlushInfo{}, h.latchLocked(util.ErrResultImport, err.Error())
			}
		} else if err := h.merger.Merge(res); err != nil {
			var code = util.ErrMySQLExec
			if me, ok := err.(util.Error); ok {
				code = me.Code
			}
			return qdisp.FlushInfo{}, h.latchLocked(code, err.Error())
		}
		h.phase = expectHeader
		return qdisp.FlushInfo{
			NextBufSize: proto.ProtoHeaderSize,
			ResultRows:  rows,
		}, nil
	}
	return qdisp.FlushInfo{}, h.latchLocked(util.ErrInternal, "bad flush phase")
}

// ErrorFlush records a dispatch-level error so it reaches the user.
func (h *MergingHandler) ErrorFlush(msg string, code int) {
	h.mu.Lock()
	h.latchLocked(code, msg)
	h.mu.Unlock()
	if h.messageStore != nil {
		h.messageStore.AddMessage(-1, code, "MERGE", qdisp.MessageError, msg)
	}
	h.log.Warn("error flush", "code", code, "msg", msg)
}

// GetError returns the first recorded error.
func (h *MergingHandler) GetError() util.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// PrepScrub forwards attempt invalidation to the merger.
func (h *MergingHandler) PrepScrub(jobId, attemptCount int) error {
	return h.merger.PrepScrub(jobId, attemptCount)
}

// LargeResult reports whether any header flagged a large result.
func (h *MergingHandler) LargeResult() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.largeResult
}

func (h *MergingHandler) latchLocked(code int, msg string) util.Error {
	if h.err.IsNone() {
		h.err = util.Error{Code: code, Msg: msg}
	}
	return h.err
}

var _ qdisp.ResponseHandler = (*MergingHandler)(nil)
