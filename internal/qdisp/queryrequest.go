package qdisp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/util"
)

// finishStatus is the monotone terminal-state latch of a QueryRequest.
type finishStatus int

const (
	requestActive finishStatus = iota
	requestFinished
	requestError
)

// QueryRequest drives one dispatch attempt through the transport's
// response state machine.
//
// Lifetime notes: the transport invokes callbacks on its own goroutines
// and may do so while the owning JobQuery is retrying or cancelling.
// The request therefore keeps a self-reference (keepAlive) across the
// transport Finished handshake and clears its JobQuery pointer only in
// cleanup, after which no callback will act.
type QueryRequest struct {
	log qserv.Logger

	qid   global.QueryId
	jobid int
	idStr string

	qdispPool  *QdispPool
	pseudoFifo *PseudoFifo

	// mu is the finish-status mutex. Callbacks acquire it, check the
	// terminal state, mutate minimally and release before doing real
	// work on a pool thread.
	mu             sync.Mutex
	finishStatus   finishStatus
	cancelled      bool
	finishedCalled bool
	jobQuery       *JobQuery
	keepAlive      *QueryRequest
	channel        transport.Channel
	askCmd         *AskForResponseDataCmd

	retried            atomic.Bool
	calledMarkComplete atomic.Bool

	respCount   int
	totalRows   int64
	largeResult bool
}

func newQueryRequest(jq *JobQuery) *QueryRequest {
	r := &QueryRequest{
		log:        jq.log,
		qid:        jq.QueryId(),
		jobid:      jq.JobId(),
		idStr:      jq.IdStr(),
		qdispPool:  jq.executive.qdispPool,
		pseudoFifo: jq.executive.pseudoFifo,
		jobQuery:   jq,
	}
	return r
}

// GetRequest returns the serialized request payload for the transport.
func (r *QueryRequest) GetRequest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	jq := r.jobQuery
	if r.finishStatus != requestActive || jq == nil {
		r.log.Debug("GetRequest after finish", "job", r.idStr)
		return nil
	}
	return jq.Description().Payload()
}

// ProcessResponse is the transport's one-shot response callback: either
// the stream is ready or the dispatch failed.
func (r *QueryRequest) ProcessResponse(ch transport.Channel, err error) {
	if r.IsQueryCancelled() {
		r.log.Warn("ProcessResponse on cancelled query", "job", r.idStr)
		if ch != nil {
			ch.Finished(true)
		}
		r.Cancel()
		return
	}
	r.mu.Lock()
	jq := r.jobQuery
	if r.finishStatus != requestActive || jq == nil {
		r.mu.Unlock()
		r.log.Warn("ProcessResponse after finish", "job", r.idStr)
		if ch != nil {
			ch.Finished(true)
		}
		return
	}
	if err != nil {
		r.mu.Unlock()
		jq.RespHandler().ErrorFlush(
			fmt.Sprintf("%s response failed: %v", r.idStr, err), -1)
		jq.Status().UpdateInfo(r.idStr, JobResponseError, "TRANSPORT", -1, err.Error())
		r.errorFinish(false)
		return
	}
	r.channel = ch
	r.mu.Unlock()
	jq.Status().Update(r.idStr, JobResponseReady, "TRANSPORT")
	r.importStream(jq, ch)
}

// importStream reads the first header from transport metadata and
// schedules the first data pull.
func (r *QueryRequest) importStream(jq *JobQuery, ch transport.Channel) {
	metadata := ch.Metadata()
	if len(metadata) != proto.ProtoHeaderSize {
		// Framing invariant broken; this channel cannot be trusted.
		r.log.Error("metadata wrong header size", "job", r.idStr,
			"size", len(metadata), "expected", proto.ProtoHeaderSize)
		r.importError(fmt.Sprintf("bad metadata size %d", len(metadata)), -1)
		return
	}
	info, err := jq.RespHandler().Flush(metadata)
	if err != nil {
		r.log.Error("metadata flush failed", "job", r.idStr, "err", err)
		r.flushError(jq)
		return
	}
	if info.ResultRows != 0 {
		r.log.Error("metadata flush returned rows", "job", r.idStr)
		r.importError("metadata carried result rows", -1)
		return
	}
	if info.Last {
		// Even an empty result carries one payload before the last
		// header; a last-flagged first header is a worker bug.
		r.log.Error("metadata header flagged last", "job", r.idStr)
		r.importError("first header flagged last", -1)
		return
	}
	r.mu.Lock()
	if r.finishStatus != requestActive {
		r.mu.Unlock()
		return
	}
	r.respCount++
	cmd := newAskForResponseDataCmd(r, jq, r.respCount, info.NextBufSize)
	r.askCmd = cmd
	r.mu.Unlock()
	r.queueAskForResponse(cmd, jq, true)
}

// queueAskForResponse priorities: interactive queries first; finishing
// existing streams beats starting new ones.
func (r *QueryRequest) queueAskForResponse(cmd *AskForResponseDataCmd, jq *JobQuery, initial bool) {
	if jq.Description().ScanInteractive() {
		r.qdispPool.QueCmd(cmd, interactivePriority)
		return
	}
	if initial {
		r.qdispPool.QueCmd(cmd, jobStartPriority)
	} else {
		r.qdispPool.QueCmd(cmd, pullPriority)
	}
}

// importError funnels a dispatch-level error into the response handler
// and finishes the request.
func (r *QueryRequest) importError(msg string, code int) {
	r.mu.Lock()
	jq := r.jobQuery
	if r.finishStatus != requestActive || jq == nil {
		r.mu.Unlock()
		r.log.Warn("importError after finish", "job", r.idStr, "msg", msg)
		return
	}
	r.mu.Unlock()
	jq.RespHandler().ErrorFlush(msg, code)
	r.errorFinish(false)
}

// ProcessResponseData is the transport's data callback. It only records
// the outcome and wakes the pool command; merge work never runs on a
// transport goroutine.
func (r *QueryRequest) ProcessResponseData(data []byte, blen int, last bool, err error) {
	r.mu.Lock()
	cmd := r.askCmd
	jq := r.jobQuery
	finished := r.finishStatus != requestActive || jq == nil
	r.mu.Unlock()

	if cmd == nil {
		r.log.Error("ProcessResponseData without ask command", "job", r.idStr)
		return
	}
	if finished {
		r.log.Debug("ProcessResponseData on finished request", "job", r.idStr)
		cmd.NotifyFailed()
		r.errorFinish(false)
		return
	}
	if jq.IsQueryCancelled() {
		cmd.NotifyFailed()
		r.errorFinish(true)
		return
	}
	if err != nil || blen < 0 {
		reason := "no data"
		if err != nil {
			reason = err.Error()
		}
		jq.Status().UpdateInfo(r.idStr, JobResponseDataNack, "TRANSPORT", -1, reason)
		jq.RespHandler().ErrorFlush(
			fmt.Sprintf("couldn't retrieve response data: %s %s", reason, r.idStr), -1)
		cmd.NotifyFailed()
		r.errorFinish(false)
		return
	}
	jq.Status().Update(r.idStr, JobResponseData, "MERGE")
	ResponseDataBytes.Add(float64(blen))
	cmd.NotifyDataSuccess(data, blen, last)
}

// processData merges one data message (payload plus the trailing header
// for the next one) and schedules the following pull. Runs on a pool
// thread; may block on MySQL.
func (r *QueryRequest) processData(jq *JobQuery, data []byte, blen int, transportLast bool) {
	if jq.IsQueryCancelled() {
		r.log.Warn("processData on cancelled query", "job", r.idStr)
		r.errorFinish(true)
		return
	}
	executive := jq.Executive()
	if executive.GetCancelled() || executive.IsLimitRowComplete() {
		if executive.GetCancelled() {
			r.log.Warn("processData on squashed query", "job", r.idStr)
		} else if n := executive.IncrDataIgnoredCount(); (n-1)%1000 == 0 {
			r.log.Info("ignoring data, enough rows already", "job", r.idStr, "ignored", n)
		}
		r.errorFinish(true)
		return
	}

	r.mu.Lock()
	r.askCmd = nil
	r.mu.Unlock()

	respSize := blen - proto.ProtoHeaderSize
	if respSize < 0 || respSize > len(data) {
		r.log.Error("mis-sized data message", "job", r.idStr, "blen", blen)
		r.importError(fmt.Sprintf("mis-sized data message %d", blen), -1)
		return
	}
	payload := data[:respSize]
	nextHeader := data[respSize:blen]

	// The payload belongs to the header received one message ago.
	info, err := jq.RespHandler().Flush(payload)
	if err != nil {
		r.flushError(jq)
		return
	}
	if info.Last {
		r.log.Error("result flush flagged last", "job", r.idStr)
		r.importError("result flush flagged last", -1)
		return
	}
	if info.NextBufSize != proto.ProtoHeaderSize {
		r.log.Error("unexpected size after result flush", "job", r.idStr,
			"size", info.NextBufSize)
		r.importError("bad header size after result", -1)
		return
	}
	r.totalRows += int64(info.ResultRows)

	// Now the trailing header, which announces the next message.
	info, err = jq.RespHandler().Flush(nextHeader)
	if err != nil {
		r.flushError(jq)
		return
	}
	if info.Last != transportLast {
		// The transport's view of stream end is advisory only; the
		// in-band header is authoritative.
		r.log.Debug("transport last disagrees with header", "job", r.idStr,
			"header", info.Last, "transport", transportLast)
	}
	if info.Last {
		jq.Status().Update(r.idStr, JobComplete, "COMPLETE")
		r.finish()
		executive.AddResultRows(r.totalRows)
		executive.CheckLimitRowComplete()
		return
	}

	r.mu.Lock()
	if r.finishStatus != requestActive {
		r.mu.Unlock()
		return
	}
	r.respCount++
	cmd := newAskForResponseDataCmd(r, jq, r.respCount, info.NextBufSize)
	r.askCmd = cmd
	r.mu.Unlock()
	r.queueAskForResponse(cmd, jq, false)
}

func (r *QueryRequest) flushError(jq *JobQuery) {
	ferr := jq.RespHandler().GetError()
	jq.Status().UpdateInfo(r.idStr, JobMergeError, "MERGE", ferr.Code, ferr.Msg)
	// A duplicate-in-progress answer from the worker is transient: the
	// stale attempt will drain and a fresh one can run. Everything else
	// from the merge path is final.
	stopTrying := ferr.Code != util.ErrDuplicate
	r.errorFinish(stopTrying)
}

// Cancel is idempotent and safe from any goroutine. It blocks further
// retries and error-finishes the request.
func (r *QueryRequest) Cancel() bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		r.log.Debug("cancel already cancelled", "job", r.idStr)
		return false
	}
	r.cancelled = true
	r.retried.Store(true) // prevent retries
	if r.finishStatus == requestActive {
		if jq := r.jobQuery; jq != nil {
			jq.Status().Update(r.idStr, JobCancel, "CANCEL")
		}
	}
	r.mu.Unlock()
	return r.errorFinish(true)
}

// IsQueryCancelled reports whether the whole user query was squashed.
func (r *QueryRequest) IsQueryCancelled() bool {
	r.mu.Lock()
	jq := r.jobQuery
	r.mu.Unlock()
	if jq == nil {
		// JobQuery already dropped; rely on this request's own flag.
		return r.isQueryRequestCancelled()
	}
	return jq.IsQueryCancelled()
}

func (r *QueryRequest) isQueryRequestCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// DoNotRetry blocks the retry path for this request.
func (r *QueryRequest) DoNotRetry() { r.retried.Store(true) }

// dispatchFailed handles a request the transport refused outright. The
// channel was never opened, so there is no Finished handshake; retry
// accounting is identical to errorFinish.
func (r *QueryRequest) dispatchFailed() {
	r.errorFinish(false)
}

// errorFinish finalizes under error conditions and retries or reports
// completion. Only the first finish call takes effect.
func (r *QueryRequest) errorFinish(stopTrying bool) bool {
	r.mu.Lock()
	jq := r.jobQuery
	if r.finishStatus != requestActive || jq == nil {
		r.mu.Unlock()
		return false
	}
	r.finishStatus = requestError
	ch := r.channel
	r.finishedCalled = true
	r.mu.Unlock()

	if ch != nil {
		ch.Finished(true)
	}

	if !r.retried.Swap(true) && !stopTrying {
		// The replacement request can show up in the JobQuery before
		// this one's cleanup runs; keepAlive holds this object together
		// until then.
		r.log.Debug("errorFinish retrying", "job", r.idStr)
		r.mu.Lock()
		r.keepAlive = r
		r.mu.Unlock()
		if !jq.RunJob() {
			r.callMarkComplete(false)
		}
	} else {
		r.callMarkComplete(false)
	}
	r.cleanup()
	return true
}

// finish finalizes under success conditions.
func (r *QueryRequest) finish() {
	r.mu.Lock()
	if r.finishStatus != requestActive {
		r.mu.Unlock()
		r.log.Warn("finish when not active", "job", r.idStr)
		return
	}
	r.finishStatus = requestFinished
	ch := r.channel
	r.finishedCalled = true
	r.mu.Unlock()

	if ch != nil {
		ch.Finished(false)
	}
	r.callMarkComplete(true)
	r.cleanup()
}

// callMarkComplete reports the job outcome exactly once.
func (r *QueryRequest) callMarkComplete(success bool) {
	if !r.calledMarkComplete.Swap(true) {
		r.mu.Lock()
		jq := r.jobQuery
		r.mu.Unlock()
		if jq != nil {
			jq.markComplete(success)
		}
	}
}

// cleanup drops the references that keep this request alive. Only valid
// after finish or errorFinish.
func (r *QueryRequest) cleanup() {
	r.mu.Lock()
	if r.finishStatus == requestActive {
		r.mu.Unlock()
		r.log.Error("cleanup before finish", "job", r.idStr)
		return
	}
	if cmd := r.askCmd; cmd != nil {
		// Don't leave a command blocking the pool.
		r.askCmd = nil
		r.mu.Unlock()
		cmd.NotifyFailed()
		r.mu.Lock()
	}
	r.jobQuery = nil
	r.keepAlive = nil
	r.mu.Unlock()
}

var _ transport.Requester = (*QueryRequest)(nil)

// askState tracks the progress of one AskForResponseDataCmd.
type askState int

const (
	askStarted askState = iota
	askDataReady
	askDone
)

// AskForResponseDataCmd asks the transport for the next data message,
// waits for its arrival and runs the merge, all away from the transport
// goroutines. It runs as a pool command so data pulls obey the pool's
// priority classes, and it enters the PseudoFifo so only a bounded
// number of pulls hold buffers at once.
type AskForResponseDataCmd struct {
	qRequest *QueryRequest
	jQuery   *JobQuery

	qid   global.QueryId
	jobid int

	mu    sync.Mutex
	cv    *sync.Cond
	state askState

	data []byte
	blen int
	last bool

	respCount  int
	bufferSize int
	pseudoFifo *PseudoFifo
}

func newAskForResponseDataCmd(qr *QueryRequest, jq *JobQuery, respCount, bufferSize int) *AskForResponseDataCmd {
	c := &AskForResponseDataCmd{
		qRequest:   qr,
		jQuery:     jq,
		qid:        jq.QueryId(),
		jobid:      jq.JobId(),
		blen:       -1,
		last:       true,
		respCount:  respCount,
		bufferSize: bufferSize,
		pseudoFifo: qr.pseudoFifo,
	}
	c.cv = sync.NewCond(&c.mu)
	return c
}

// Action runs the pull on a pool thread.
func (c *AskForResponseDataCmd) Action(ctx context.Context) {
	qr := c.qRequest
	jq := c.jQuery

	if qr.isQueryRequestCancelled() || jq.IsQueryCancelled() || jq.IsCancelled() {
		qr.log.Debug("ask cancelled before pull", "job", qr.idStr)
		qr.errorFinish(true)
		c.setState(askDone)
		return
	}

	// Enter the queue and wait for our turn.
	elem := c.pseudoFifo.QueueAndWait()
	DataPullsActive.Inc()
	defer DataPullsActive.Dec()

	qr.mu.Lock()
	ch := qr.channel
	active := qr.finishStatus == requestActive
	qr.mu.Unlock()
	if !active || ch == nil {
		elem.Finished()
		c.setState(askDone)
		return
	}
	ch.GetResponseData(c.bufferSize)

	// Wait for the transport to deliver the data, which notifies this
	// wait through NotifyDataSuccess or NotifyFailed.
	c.mu.Lock()
	for c.state == askStarted {
		c.cv.Wait()
	}
	state := c.state
	data, blen, last := c.data, c.blen, c.last
	c.mu.Unlock()
	elem.Finished()

	if state == askDone {
		// There was a problem; end the stream.
		qr.errorFinish(false)
		return
	}

	// Actually process the data. processData queues the next ask
	// command itself if more messages are coming.
	qr.processData(jq, data, blen, last)
	c.setState(askDone)
}

// NotifyDataSuccess hands the received bytes to the waiting command.
func (c *AskForResponseDataCmd) NotifyDataSuccess(data []byte, blen int, last bool) {
	c.mu.Lock()
	c.data = data
	c.blen = blen
	c.last = last
	c.state = askDataReady
	c.mu.Unlock()
	c.cv.Broadcast()
}

// NotifyFailed releases the waiting command without data.
func (c *AskForResponseDataCmd) NotifyFailed() {
	c.setState(askDone)
	c.cv.Broadcast()
}

// setState stores the passed state.
func (c *AskForResponseDataCmd) setState(s askState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current command state.
func (c *AskForResponseDataCmd) State() askState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
