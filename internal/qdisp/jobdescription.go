package qdisp

import (
	"fmt"

	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/proto"
)

// JobDescription holds everything needed to dispatch one chunk query,
// including the attempt counter that survives across retries.
type JobDescription struct {
	queryId  global.QueryId
	jobId    int
	chunkId  int
	resource string // worker endpoint owning the chunk

	taskMsg     *proto.TaskMsg
	payload     []byte
	respHandler ResponseHandler

	scanInteractive bool
	scanPriority    int

	// attemptCount is -1 before the first dispatch so the first
	// PrepareAttempt yields attempt 0.
	attemptCount int
}

func NewJobDescription(qid global.QueryId, jobId int, resource string, tmsg *proto.TaskMsg,
	respHandler ResponseHandler) *JobDescription {
	return &JobDescription{
		queryId:         qid,
		jobId:           jobId,
		chunkId:         int(tmsg.ChunkId),
		resource:        resource,
		taskMsg:         tmsg,
		respHandler:     respHandler,
		scanInteractive: tmsg.ScanInteractive,
		scanPriority:    int(tmsg.ScanPriority),
		attemptCount:    -1,
	}
}

func (d *JobDescription) QueryId() global.QueryId      { return d.queryId }
func (d *JobDescription) JobId() int                   { return d.jobId }
func (d *JobDescription) ChunkId() int                 { return d.chunkId }
func (d *JobDescription) Resource() string             { return d.resource }
func (d *JobDescription) RespHandler() ResponseHandler { return d.respHandler }
func (d *JobDescription) ScanInteractive() bool        { return d.scanInteractive }
func (d *JobDescription) ScanPriority() int            { return d.scanPriority }
func (d *JobDescription) AttemptCount() int            { return d.attemptCount }

// Payload returns the serialized request for the current attempt.
func (d *JobDescription) Payload() []byte { return d.payload }

// PrepareAttempt advances the attempt counter, scrubs any rows the
// previous attempt merged, and rebuilds the payload with the new count.
// Returns false when the attempt budget is exhausted.
func (d *JobDescription) PrepareAttempt() (bool, error) {
	next := d.attemptCount + 1
	if next >= global.MaxJobAttempts {
		return false, fmt.Errorf("job %d exceeded attempt limit %d", d.jobId, global.MaxJobAttempts)
	}
	if d.attemptCount >= 0 {
		// Rows from the failed attempt must be gone before its retry can
		// merge anything.
		if err := d.respHandler.PrepScrub(d.jobId, d.attemptCount); err != nil {
			return false, err
		}
	}
	d.attemptCount = next
	d.taskMsg.AttemptCount = int32(next)
	d.payload = d.taskMsg.Marshal()
	return true, nil
}
