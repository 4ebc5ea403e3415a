package util

import "context"

// Sema is a counting semaphore used to bound concurrent access to shared
// resources such as MySQL connections.
type Sema struct {
	slots chan struct{}
}

func NewSema(n int) *Sema {
	if n < 1 {
		n = 1
	}
	return &Sema{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Sema) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking.
func (s *Sema) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Must pair with a successful Acquire/TryAcquire.
func (s *Sema) Release() {
	<-s.slots
}

// InUse reports the number of held slots.
func (s *Sema) InUse() int { return len(s.slots) }
