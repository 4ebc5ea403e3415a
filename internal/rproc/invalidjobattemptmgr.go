// Package rproc assembles per-chunk worker results into the single
// result table a user query returns: row ingestion from many concurrent
// streams, scrubbing of rows from superseded attempts, and the final
// aggregation step.
package rproc

import (
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
)

// jobAttemptSet is a set of jobIdAttempt tags.
type jobAttemptSet map[int]struct{}

func (s jobAttemptSet) keys() []int {
	out := make([]int, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// InvalidJobAttemptMgr guards the merge table against rows from retried
// attempts. Merges register with IncrConcurrentMergeCount; a scrub
// blocks new merges, waits for running ones to drain, then deletes the
// invalid attempts' rows.
type InvalidJobAttemptMgr struct {
	log qserv.Logger

	mu sync.Mutex
	cv *sync.Cond

	invalid         jobAttemptSet
	invalidWithRows jobAttemptSet
	haveRows        jobAttemptSet

	concurrentMergeCount int
	waitFlag             bool

	deleteFunc func(jobAttemptSet) error
}

func NewInvalidJobAttemptMgr(log qserv.Logger) *InvalidJobAttemptMgr {
	if log == nil {
		log = qserv.NopLogger{}
	}
	m := &InvalidJobAttemptMgr{
		log:             log,
		invalid:         make(jobAttemptSet),
		invalidWithRows: make(jobAttemptSet),
		haveRows:        make(jobAttemptSet),
	}
	m.cv = sync.NewCond(&m.mu)
	return m
}

// SetDeleteFunc installs the row-delete callback. Must be set before
// the first PrepScrub.
func (m *InvalidJobAttemptMgr) SetDeleteFunc(f func(jobAttemptSet) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFunc = f
}

// IncrConcurrentMergeCount admits one merge for the attempt. Returns
// true when the attempt is invalid and nothing may be merged; the
// caller then skips the merge entirely and must not call
// DecrConcurrentMergeCount. Blocks while a scrub is waiting.
func (m *InvalidJobAttemptMgr) IncrConcurrentMergeCount(jobIdAttempt int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, bad := m.invalid[jobIdAttempt]; bad {
		m.log.Debug("invalid attempt, not merging", "jobIdAttempt", jobIdAttempt)
		return true
	}
	for m.waitFlag {
		m.cv.Wait()
		if _, bad := m.invalid[jobIdAttempt]; bad {
			m.log.Debug("invalid after wait, not merging", "jobIdAttempt", jobIdAttempt)
			return true
		}
	}
	m.haveRows[jobIdAttempt] = struct{}{}
	m.concurrentMergeCount++
	return false
}

// DecrConcurrentMergeCount releases one admitted merge.
func (m *InvalidJobAttemptMgr) DecrConcurrentMergeCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrentMergeCount--
	if m.concurrentMergeCount < 0 {
		m.concurrentMergeCount = 0
	}
	m.cv.Broadcast()
}

// PrepScrub marks the attempt invalid and, if it already merged rows,
// removes them before returning.
func (m *InvalidJobAttemptMgr) PrepScrub(jobIdAttempt int) error {
	m.mu.Lock()
	m.invalid[jobIdAttempt] = struct{}{}
	needDelete := false
	if _, ok := m.haveRows[jobIdAttempt]; ok {
		m.invalidWithRows[jobIdAttempt] = struct{}{}
		needDelete = true
	}
	m.mu.Unlock()
	if !needDelete {
		return nil
	}
	return m.HoldMergingForRowDelete("prepScrub")
}

// HoldMergingForRowDelete stops new merges, waits for running merges to
// drain, deletes rows of all invalid attempts that have rows, and lets
// merging resume.
func (m *InvalidJobAttemptMgr) HoldMergingForRowDelete(msg string) error {
	m.mu.Lock()
	m.waitFlag = true

	// If no invalid attempt has rows, no delete is needed.
	if len(m.invalidWithRows) == 0 {
		m.log.Debug("no invalid rows, no delete needed", "caller", msg)
		m.releaseLocked()
		m.mu.Unlock()
		return nil
	}

	for m.concurrentMergeCount > 0 {
		m.cv.Wait()
	}
	toDelete := make(jobAttemptSet, len(m.invalidWithRows))
	for k := range m.invalidWithRows {
		toDelete[k] = struct{}{}
	}
	deleteFunc := m.deleteFunc
	m.mu.Unlock()

	var err error
	if deleteFunc == nil {
		err = fmt.Errorf("rproc: no delete function installed")
	} else {
		err = deleteFunc(toDelete)
	}

	m.mu.Lock()
	if err == nil {
		for k := range toDelete {
			delete(m.invalidWithRows, k)
		}
	} else {
		m.log.Error("failed to remove invalid rows", "attempts", toDelete.keys(), "err", err)
	}
	m.releaseLocked()
	m.mu.Unlock()
	return err
}

func (m *InvalidJobAttemptMgr) releaseLocked() {
	m.waitFlag = false
	m.cv.Broadcast()
}

// IsJobAttemptInvalid reports whether the attempt was scrubbed.
func (m *InvalidJobAttemptMgr) IsJobAttemptInvalid(jobIdAttempt int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, bad := m.invalid[jobIdAttempt]
	return bad
}
