package qdisp

import (
	"fmt"
	"sync"
	"time"
)

// JobState codes the last observed transition of one job.
type JobState int

const (
	JobUnknown JobState = iota
	JobProvisionNack
	JobRequest
	JobResponseReady
	JobResponseError
	JobResponseData
	JobResponseDataNack
	JobResponseDone
	JobResult
	JobMergeOK
	JobMergeError
	JobCancel
	JobComplete
)

var jobStateNames = map[JobState]string{
	JobUnknown:          "UNKNOWN",
	JobProvisionNack:    "PROVISION_NACK",
	JobRequest:          "REQUEST",
	JobResponseReady:    "RESPONSE_READY",
	JobResponseError:    "RESPONSE_ERROR",
	JobResponseData:     "RESPONSE_DATA",
	JobResponseDataNack: "RESPONSE_DATA_NACK",
	JobResponseDone:     "RESPONSE_DONE",
	JobResult:           "RESULT",
	JobMergeOK:          "MERGE_OK",
	JobMergeError:       "MERGE_ERROR",
	JobCancel:           "CANCEL",
	JobComplete:         "COMPLETE",
}

func (s JobState) String() string {
	if n, ok := jobStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// JobStatusInfo is one recorded transition.
type JobStatusInfo struct {
	State     JobState  `json:"state"`
	Time      time.Time `json:"time"`
	Source    string    `json:"source"`
	ErrorCode int       `json:"errorCode,omitempty"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
}

// JobStatus records the latest transition of a job plus the first error
// ever reported for it.
type JobStatus struct {
	mu       sync.Mutex
	info     JobStatusInfo
	firstErr *JobStatusInfo
}

func NewJobStatus() *JobStatus {
	return &JobStatus{info: JobStatusInfo{State: JobUnknown, Time: time.Now()}}
}

// UpdateInfo records a transition. The first transition carrying an
// error code is latched and survives later updates.
func (j *JobStatus) UpdateInfo(idStr string, state JobState, source string, errorCode int, errorMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info = JobStatusInfo{
		State:     state,
		Time:      time.Now(),
		Source:    source,
		ErrorCode: errorCode,
		ErrorMsg:  errorMsg,
	}
	if (errorCode != 0 || errorMsg != "") && j.firstErr == nil {
		cp := j.info
		j.firstErr = &cp
	}
}

// Update records an error-free transition.
func (j *JobStatus) Update(idStr string, state JobState, source string) {
	j.UpdateInfo(idStr, state, source, 0, "")
}

// Info returns a copy of the latest transition.
func (j *JobStatus) Info() JobStatusInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.info
}

// FirstError returns the latched first error, if any.
func (j *JobStatus) FirstError() (JobStatusInfo, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.firstErr == nil {
		return JobStatusInfo{}, false
	}
	return *j.firstErr, true
}

// State returns the current state code.
func (j *JobStatus) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.info.State
}
