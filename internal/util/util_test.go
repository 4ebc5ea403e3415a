package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCommandQueueFifo(t *testing.T) {
	q := NewCommandQueue()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.QueCmd(CommandFunc(func(ctx context.Context) {
			order = append(order, i)
		}))
	}
	for i := 0; i < 5; i++ {
		cmd := q.GetCmd(false)
		if cmd == nil {
			t.Fatalf("queue empty at %d", i)
		}
		cmd.Action(context.Background())
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order not FIFO: %v", order)
		}
	}
	if q.GetCmd(false) != nil {
		t.Errorf("empty queue returned a command")
	}
}

func TestCommandQueueCloseWakesWaiters(t *testing.T) {
	q := NewCommandQueue()
	got := make(chan Command, 1)
	go func() { got <- q.GetCmd(true) }()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case cmd := <-got:
		if cmd != nil {
			t.Errorf("closed queue returned a command")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked reader never woke")
	}
}

func TestThreadPoolRunsCommands(t *testing.T) {
	q := NewCommandQueue()
	pool := NewThreadPool(4, q)
	pool.Start()
	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		q.QueCmd(CommandFunc(func(ctx context.Context) {
			ran.Add(1)
			wg.Done()
		}))
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("commands did not finish: %d of 40", ran.Load())
	}
	pool.Shutdown()
}

func TestSemaBounds(t *testing.T) {
	s := NewSema(2)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.TryAcquire() {
		t.Fatalf("second slot refused")
	}
	if s.TryAcquire() {
		t.Fatalf("third slot granted")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Errorf("released slot not reusable")
	}
	s.Release()
	s.Release()
}

func TestSemaAcquireHonorsContext(t *testing.T) {
	s := NewSema(1)
	_ = s.Acquire(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Errorf("acquire succeeded on exhausted semaphore")
	}
}

func TestTrackerCompleteOnce(t *testing.T) {
	tr := NewTracker()
	tr.SetComplete()
	tr.SetComplete()
	if err := tr.WaitComplete(context.Background()); err != nil {
		t.Errorf("wait failed: %v", err)
	}
}

func TestMultiError(t *testing.T) {
	var me MultiError
	if !me.Empty() {
		t.Errorf("new MultiError not empty")
	}
	me.Add(Error{Code: 1, Msg: "first"})
	me.Add(Error{Code: 2, Msg: "second"})
	if me.First().Code != 1 {
		t.Errorf("first error lost: %+v", me.First())
	}
	if me.Empty() {
		t.Errorf("non-empty MultiError reports empty")
	}
}
