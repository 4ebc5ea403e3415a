package qdisp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsst/qserv/internal/util"
)

func TestQdispPoolFifoWithinClass(t *testing.T) {
	pool := NewQdispPool(1, []PriClass{{MinRunning: 1}}, nil)
	defer pool.Shutdown()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		pool.QueCmd(util.CommandFunc(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		}), 0)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("commands did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order not FIFO: %v", order)
		}
	}
}

func TestQdispPoolStarvationFloor(t *testing.T) {
	// Class 0 floods the pool; class 2 has a floor of 2. At steady
	// state at least 2 class-2 commands must be running.
	pool := NewQdispPool(10, []PriClass{
		{MinRunning: 6},
		{MinRunning: 1},
		{MinRunning: 2},
	}, nil)
	defer pool.Shutdown()

	var class2Running atomic.Int64
	var class2Max atomic.Int64
	block := make(chan struct{})

	// Saturate class 0 with commands that hold their threads.
	for i := 0; i < 50; i++ {
		pool.QueCmd(util.CommandFunc(func(ctx context.Context) {
			<-block
		}), 0)
	}
	// Queue class 2 work behind the flood.
	for i := 0; i < 50; i++ {
		pool.QueCmd(util.CommandFunc(func(ctx context.Context) {
			n := class2Running.Add(1)
			for {
				m := class2Max.Load()
				if n <= m || class2Max.CompareAndSwap(m, n) {
					break
				}
			}
			<-block
			class2Running.Add(-1)
		}), 2)
	}

	// Give the pool time to reach steady state.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if class2Running.Load() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := class2Running.Load(); got < 2 {
		t.Errorf("starvation floor violated: %d class-2 commands running, want >= 2", got)
	}
	close(block)
}

func TestQdispPoolShutdownDrains(t *testing.T) {
	pool := NewQdispPool(2, []PriClass{{MinRunning: 1}}, nil)
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		pool.QueCmd(util.CommandFunc(func(ctx context.Context) {
			ran.Add(1)
		}), 0)
	}
	pool.Shutdown()
	if got := ran.Load(); got != 20 {
		t.Errorf("shutdown did not drain: ran %d of 20", got)
	}
	// Submissions after shutdown are refused, not queued.
	pool.QueCmd(util.CommandFunc(func(ctx context.Context) {
		ran.Add(1)
	}), 0)
	time.Sleep(20 * time.Millisecond)
	if got := ran.Load(); got != 20 {
		t.Errorf("command ran after shutdown")
	}
}
