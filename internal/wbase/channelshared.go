package wbase

import (
	"context"
	"fmt"
	"sync"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/util"
)

// TransmitGate bounds concurrent result transmits worker-wide and paces
// outgoing bytes. Implemented by wcontrol.TransmitMgr.
type TransmitGate interface {
	// Acquire blocks until a transmit slot is free; the returned func
	// releases it.
	Acquire(interactive bool) func()
	// Pace throttles n outgoing bytes.
	Pace(n int)
}

// nopGate is used when no transmit manager is configured.
type nopGate struct{}

func (nopGate) Acquire(bool) func() { return func() {} }
func (nopGate) Pace(int)            {}

// ResultChannel is what a task uses to emit rows. One channel serves all
// tasks of a request and produces a single header-chained stream.
type ResultChannel interface {
	SetTaskCount(n int)
	InitTransmit(t *Task) error
	AddResultRow(t *Task, cells []proto.Cell, approxSize int) error
	TransmitLast(t *Task, cancelled bool) error
	TransmitError(t *Task, code int, msg string) error
	Kill(note string) bool
	IsDead() bool
	WaitDone(ctx context.Context) error
}

// ChannelShared turns result rows from the request's tasks into the
// header-chained stream the czar expects.
//
// A message cannot be sent until the size of the next one is known, so
// the queue holds at least two messages before anything moves, unless
// the final message has been received. Exactly one header ever carries
// the last flag.
type ChannelShared struct {
	log         qserv.Logger
	sendChannel transport.SendChannel
	gate        TransmitGate
	wname       string

	// tMtx serializes queue mutation and transmission so interleaved
	// task output still forms a valid chain.
	tMtx          sync.Mutex
	transmitQueue []*TransmitData
	lastRecvd     bool
	firstTransmit bool
	scsSeq        int
	taskCount     int
	lastCount     int
	killed        bool

	buildMtx sync.Mutex
	building map[*Task]*TransmitData

	doneOnce sync.Once
	done     chan struct{}
}

func NewChannelShared(sc transport.SendChannel, gate TransmitGate, wname string, log qserv.Logger) *ChannelShared {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if gate == nil {
		gate = nopGate{}
	}
	return &ChannelShared{
		log:           log,
		sendChannel:   sc,
		gate:          gate,
		wname:         wname,
		firstTransmit: true,
		building:      make(map[*Task]*TransmitData),
		done:          make(chan struct{}),
	}
}

// SetTaskCount records how many tasks contribute to this channel. The
// stream ends only after every one of them has sent its last message.
func (cs *ChannelShared) SetTaskCount(n int) {
	cs.tMtx.Lock()
	defer cs.tMtx.Unlock()
	cs.taskCount = n
}

// InitTransmit opens the current message for a task.
func (cs *ChannelShared) InitTransmit(t *Task) error {
	cs.buildMtx.Lock()
	defer cs.buildMtx.Unlock()
	if _, ok := cs.building[t]; ok {
		return fmt.Errorf("wbase: transmit already open for %s", t.IdStr())
	}
	cs.building[t] = createTransmit(t)
	return nil
}

// AddResultRow appends one row, flushing a message when it reaches the
// desired payload size. Single rows beyond the hard limit are fatal.
func (cs *ChannelShared) AddResultRow(t *Task, cells []proto.Cell, approxSize int) error {
	if approxSize > proto.ProtobufferHardLimit {
		return fmt.Errorf("wbase: row of %d bytes exceeds hard limit", approxSize)
	}
	cs.buildMtx.Lock()
	td, ok := cs.building[t]
	if !ok {
		cs.buildMtx.Unlock()
		return fmt.Errorf("wbase: no open transmit for %s", t.IdStr())
	}
	if td.approxSize()+approxSize > proto.ProtobufferDesiredLimit && td.rowCount() > 0 {
		// Flush and start the next message before this row.
		cs.building[t] = createTransmit(t)
		cs.buildMtx.Unlock()
		td.buildDataMsg()
		if err := cs.addTransmit(t, false, td); err != nil {
			return err
		}
		cs.buildMtx.Lock()
		td = cs.building[t]
	}
	td.addRow(cells, approxSize)
	cs.buildMtx.Unlock()
	return nil
}

// TransmitLast flushes the task's final message, empty or not. The
// message that turns out to be the channel's overall last gets the
// last-flagged trailer.
func (cs *ChannelShared) TransmitLast(t *Task, cancelled bool) error {
	cs.buildMtx.Lock()
	td, ok := cs.building[t]
	delete(cs.building, t)
	cs.buildMtx.Unlock()
	if !ok {
		return fmt.Errorf("wbase: no open transmit for %s", t.IdStr())
	}
	td.buildDataMsg()
	return cs.addTransmit(t, true, td)
}

// TransmitError replaces the task's output with a terminal error
// message.
func (cs *ChannelShared) TransmitError(t *Task, code int, msg string) error {
	cs.buildMtx.Lock()
	delete(cs.building, t)
	cs.buildMtx.Unlock()
	td := createTransmitError(t, code, msg)
	td.buildDataMsg()
	return cs.addTransmit(t, true, td)
}

// addTransmit queues one finished message and sends everything the
// chaining rule allows.
func (cs *ChannelShared) addTransmit(t *Task, lastIn bool, td *TransmitData) error {
	cs.tMtx.Lock()
	defer cs.tMtx.Unlock()
	if cs.killed {
		return fmt.Errorf("wbase: channel killed")
	}
	cs.transmitQueue = append(cs.transmitQueue, td)
	if lastIn {
		cs.lastCount++
		if cs.lastCount >= cs.taskCount {
			cs.lastRecvd = true
		}
	}
	return cs.transmitLocked(t)
}

func (cs *ChannelShared) transmitLocked(t *Task) error {
	// A message's trailer needs the size of the next message, so wait
	// until there are at least two queued, or the stream end is known.
	for len(cs.transmitQueue) >= 2 || (cs.lastRecvd && len(cs.transmitQueue) > 0) {
		this := cs.transmitQueue[0]
		cs.transmitQueue = cs.transmitQueue[1:]
		reallyLast := cs.lastRecvd && len(cs.transmitQueue) == 0

		cs.scsSeq++
		var next *TransmitData
		if !reallyLast {
			next = cs.transmitQueue[0]
		}
		if err := this.attachNextHeader(next, reallyLast, cs.wname, cs.scsSeq); err != nil {
			cs.killLocked("attach header: " + err.Error())
			return err
		}

		if cs.firstTransmit {
			// The first message has no predecessor to carry its header;
			// it goes out as transport metadata.
			meta, err := this.metadataBytes(cs.wname, cs.scsSeq-1)
			if err != nil {
				cs.killLocked("metadata: " + err.Error())
				return err
			}
			if !cs.sendChannel.SetMetadata(meta) {
				cs.killLocked("set metadata failed")
				return fmt.Errorf("wbase: set metadata failed")
			}
			cs.firstTransmit = false
		}

		buf := this.transmitBytes()
		release := cs.gate.Acquire(t != nil && t.ScanInteractive)
		cs.gate.Pace(len(buf))
		sent := cs.sendChannel.SendStream(buf, reallyLast)
		release()
		if !sent {
			cs.killLocked("send failed")
			return fmt.Errorf("wbase: send failed")
		}
		if reallyLast {
			cs.signalDone()
			return nil
		}
	}
	return nil
}

// Kill tears the channel down; queued messages are dropped.
func (cs *ChannelShared) Kill(note string) bool {
	cs.tMtx.Lock()
	defer cs.tMtx.Unlock()
	return cs.killLocked(note)
}

func (cs *ChannelShared) killLocked(note string) bool {
	prev := cs.killed
	if !prev {
		cs.log.Warn("channel killed", "note", note)
		cs.sendChannel.Kill(note)
		cs.transmitQueue = nil
		cs.killed = true
		cs.signalDone()
	}
	return prev
}

// IsDead reports whether the channel can still transmit.
func (cs *ChannelShared) IsDead() bool {
	cs.tMtx.Lock()
	defer cs.tMtx.Unlock()
	return cs.killed || cs.sendChannel.IsDead()
}

func (cs *ChannelShared) signalDone() {
	cs.doneOnce.Do(func() { close(cs.done) })
}

// WaitDone blocks until the stream has fully transmitted or died.
func (cs *ChannelShared) WaitDone(ctx context.Context) error {
	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ResultChannel = (*ChannelShared)(nil)

// ReportError is a convenience for runners that collected a MultiError.
func (cs *ChannelShared) ReportError(t *Task, merr *util.MultiError) error {
	first := merr.First()
	return cs.TransmitError(t, first.Code, merr.String())
}
