package qdisp

import (
	"sync"
	"sync/atomic"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/global"
)

// JobQuery manages dispatch attempts for one chunk job. It owns the
// current QueryRequest; the request holds the JobQuery back only through
// accessors that tolerate a cancelled, dropped job.
type JobQuery struct {
	log       qserv.Logger
	executive *Executive

	description *JobDescription
	status      *JobStatus
	idStr       string

	mu           sync.Mutex
	queryRequest *QueryRequest

	cancelled atomic.Bool
}

func newJobQuery(e *Executive, desc *JobDescription, log qserv.Logger) *JobQuery {
	return &JobQuery{
		log:         log,
		executive:   e,
		description: desc,
		status:      NewJobStatus(),
		idStr:       global.JobIdStr(desc.QueryId(), desc.JobId()),
	}
}

func (jq *JobQuery) Executive() *Executive        { return jq.executive }
func (jq *JobQuery) Description() *JobDescription { return jq.description }
func (jq *JobQuery) Status() *JobStatus           { return jq.status }
func (jq *JobQuery) IdStr() string                { return jq.idStr }
func (jq *JobQuery) QueryId() global.QueryId      { return jq.description.QueryId() }
func (jq *JobQuery) JobId() int                   { return jq.description.JobId() }

// RespHandler exposes the description's handler for the request path.
func (jq *JobQuery) RespHandler() ResponseHandler { return jq.description.RespHandler() }

// RunJob launches a fresh dispatch attempt. Returns false when the
// attempt budget is exhausted or the job can no longer run; the caller
// is then responsible for marking the job failed.
func (jq *JobQuery) RunJob() bool {
	if jq.cancelled.Load() || jq.executive.GetCancelled() {
		jq.log.Debug("runJob on cancelled job", "job", jq.idStr)
		return false
	}
	ok, err := jq.description.PrepareAttempt()
	if !ok {
		jq.status.UpdateInfo(jq.idStr, JobResponseError, "RETRY", 0, err.Error())
		jq.log.Warn("attempt budget exhausted", "job", jq.idStr, "err", err)
		return false
	}

	qr := newQueryRequest(jq)
	jq.mu.Lock()
	jq.queryRequest = qr
	jq.mu.Unlock()

	jq.status.Update(jq.idStr, JobRequest, "DISPATCH")
	err = jq.executive.service.ProcessRequest(jq.executive.Context(),
		jq.description.Resource(), qr)
	if err != nil {
		// Dispatch never reached the transport; retry through the normal
		// error path so attempt accounting stays in one place.
		jq.log.Warn("dispatch failed", "job", jq.idStr, "err", err)
		jq.status.UpdateInfo(jq.idStr, JobResponseError, "DISPATCH", -1, err.Error())
		qr.dispatchFailed()
		return true
	}
	return true
}

// QueryRequest returns the current in-flight request, if any.
func (jq *JobQuery) QueryRequest() *QueryRequest {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.queryRequest
}

// IsCancelled reports whether this job was cancelled.
func (jq *JobQuery) IsCancelled() bool { return jq.cancelled.Load() }

// IsQueryCancelled reports whether the whole user query was squashed.
func (jq *JobQuery) IsQueryCancelled() bool { return jq.executive.GetCancelled() }

// Cancel marks the job cancelled and forwards to the in-flight request.
// A job that never dispatched is marked complete directly; otherwise the
// request's error-finish path performs the mark.
func (jq *JobQuery) Cancel() {
	if jq.cancelled.Swap(true) {
		return
	}
	jq.status.Update(jq.idStr, JobCancel, "CANCEL")
	jq.mu.Lock()
	qr := jq.queryRequest
	jq.mu.Unlock()
	if qr != nil {
		qr.Cancel()
		return
	}
	jq.executive.MarkCompleted(jq.JobId(), false)
}

// markComplete reports the job's terminal outcome to the executive.
func (jq *JobQuery) markComplete(success bool) {
	jq.executive.MarkCompleted(jq.JobId(), success)
}
