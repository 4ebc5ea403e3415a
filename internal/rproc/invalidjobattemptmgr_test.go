package rproc

import (
	"sync"
	"testing"
	"time"

	"github.com/lsst/qserv/internal/global"
)

func TestMakeJobIdAttempt(t *testing.T) {
	if got := MakeJobIdAttempt(0, 0); got != 0 {
		t.Errorf("MakeJobIdAttempt(0,0) = %d, want 0", got)
	}
	if got := MakeJobIdAttempt(3, 2); got != 3*global.MaxJobAttempts+2 {
		t.Errorf("MakeJobIdAttempt(3,2) = %d", got)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("attempt beyond limit did not panic")
		}
	}()
	MakeJobIdAttempt(1, global.MaxJobAttempts)
}

func TestScrubBeforeMergeIsNoOp(t *testing.T) {
	m := NewInvalidJobAttemptMgr(nil)
	deleted := make(map[int]bool)
	m.SetDeleteFunc(func(s jobAttemptSet) error {
		for k := range s {
			deleted[k] = true
		}
		return nil
	})

	// Scrub an attempt that never merged: no delete needed.
	if err := m.PrepScrub(7); err != nil {
		t.Fatalf("prepScrub failed: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("delete ran for attempt without rows")
	}

	// A merge for the scrubbed attempt must be refused.
	if !m.IncrConcurrentMergeCount(7) {
		t.Errorf("scrubbed attempt admitted for merge")
	}
}

func TestScrubDeletesMergedRows(t *testing.T) {
	m := NewInvalidJobAttemptMgr(nil)
	var mu sync.Mutex
	deleted := make(map[int]bool)
	m.SetDeleteFunc(func(s jobAttemptSet) error {
		mu.Lock()
		defer mu.Unlock()
		for k := range s {
			deleted[k] = true
		}
		return nil
	})

	// Attempt 12 merges some rows.
	if m.IncrConcurrentMergeCount(12) {
		t.Fatalf("valid attempt refused")
	}
	m.DecrConcurrentMergeCount()

	if err := m.PrepScrub(12); err != nil {
		t.Fatalf("prepScrub failed: %v", err)
	}
	mu.Lock()
	wasDeleted := deleted[12]
	mu.Unlock()
	if !wasDeleted {
		t.Errorf("rows of scrubbed attempt not deleted")
	}
}

func TestScrubWaitsForRunningMerges(t *testing.T) {
	m := NewInvalidJobAttemptMgr(nil)
	deleteRan := make(chan struct{})
	m.SetDeleteFunc(func(s jobAttemptSet) error {
		close(deleteRan)
		return nil
	})

	if m.IncrConcurrentMergeCount(5) {
		t.Fatalf("valid attempt refused")
	}

	scrubDone := make(chan error, 1)
	go func() { scrubDone <- m.PrepScrub(5) }()

	// The scrub must not delete while a merge is in flight.
	select {
	case <-deleteRan:
		t.Fatalf("delete ran while merge still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	m.DecrConcurrentMergeCount()
	select {
	case err := <-scrubDone:
		if err != nil {
			t.Fatalf("scrub failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scrub never completed")
	}
	select {
	case <-deleteRan:
	default:
		t.Fatalf("delete never ran")
	}
}

func TestMergeBlocksDuringScrubThenRefused(t *testing.T) {
	m := NewInvalidJobAttemptMgr(nil)
	release := make(chan struct{})
	m.SetDeleteFunc(func(s jobAttemptSet) error {
		<-release
		return nil
	})

	if m.IncrConcurrentMergeCount(9) {
		t.Fatalf("valid attempt refused")
	}
	m.DecrConcurrentMergeCount()

	go func() { _ = m.PrepScrub(9) }()
	// Wait until the scrub holds merging.
	time.Sleep(50 * time.Millisecond)

	// A merge for a different, valid attempt must wait out the scrub.
	admitted := make(chan bool, 1)
	go func() { admitted <- m.IncrConcurrentMergeCount(10) }()
	select {
	case <-admitted:
		t.Fatalf("merge admitted while scrub holds the table")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case invalid := <-admitted:
		if invalid {
			t.Errorf("valid attempt refused after scrub finished")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked merge never released")
	}
	m.DecrConcurrentMergeCount()

	// The scrubbed attempt itself stays refused.
	if !m.IncrConcurrentMergeCount(9) {
		t.Errorf("scrubbed attempt admitted")
	}
}
