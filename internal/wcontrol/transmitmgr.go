package wcontrol

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/lsst/qserv/internal/util"
	"github.com/lsst/qserv/internal/wpublish"
)

// TransmitMgr bounds concurrent result transmits and optionally paces
// outgoing bytes. Interactive transmits bypass the shared-scan cap so a
// pile of bulk transfers cannot delay a short answer.
type TransmitMgr struct {
	total   *util.Sema
	scan    *util.Sema
	limiter *rate.Limiter
}

// NewTransmitMgr creates a manager with the given caps. bytesPerSec of
// zero disables pacing.
func NewTransmitMgr(maxTransmits, maxScanTransmits int, bytesPerSec int64) *TransmitMgr {
	if maxTransmits < 1 {
		maxTransmits = 1
	}
	if maxScanTransmits < 1 || maxScanTransmits > maxTransmits {
		maxScanTransmits = maxTransmits
	}
	m := &TransmitMgr{
		total: util.NewSema(maxTransmits),
		scan:  util.NewSema(maxScanTransmits),
	}
	if bytesPerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}
	return m
}

// Acquire blocks until a transmit slot is free and returns its release.
func (m *TransmitMgr) Acquire(interactive bool) func() {
	if !interactive {
		_ = m.scan.Acquire(context.Background())
	}
	_ = m.total.Acquire(context.Background())
	return func() {
		m.total.Release()
		if !interactive {
			m.scan.Release()
		}
	}
}

// Pace throttles n outgoing bytes against the configured rate.
func (m *TransmitMgr) Pace(n int) {
	if n > 0 {
		wpublish.TransmitBytes.Add(float64(n))
	}
	if m.limiter == nil || n <= 0 {
		return
	}
	burst := m.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		_ = m.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

// InUse reports held transmit slots.
func (m *TransmitMgr) InUse() int { return m.total.InUse() }
