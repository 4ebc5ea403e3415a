package wbase

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	qserv "github.com/lsst/qserv"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/transport"
)

// FileChannelShared spools result frames into a compressed file on the
// worker instead of streaming them, then sends the czar one summary
// message naming the file. Used for very large results so megabytes of
// buffers are not pinned across many concurrent queries.
//
// File layout: zstd stream of frames, each a 4-byte big-endian length
// followed by one marshaled Result message.
type FileChannelShared struct {
	log         qserv.Logger
	sendChannel transport.SendChannel
	gate        TransmitGate
	wname       string

	dir     string
	baseURL string
	path    string

	mu        sync.Mutex
	file      *os.File
	enc       *zstd.Encoder
	rowsTotal int64
	sizeTotal int64
	taskCount int
	lastCount int
	killed    bool
	sent      bool
	building  map[*Task]*TransmitData

	doneOnce sync.Once
	done     chan struct{}
}

// NewFileChannelShared creates a file-backed channel. baseURL is the
// public prefix under which the worker serves its results directory.
func NewFileChannelShared(sc transport.SendChannel, gate TransmitGate, wname, dir, baseURL string,
	log qserv.Logger) *FileChannelShared {
	if log == nil {
		log = qserv.NopLogger{}
	}
	if gate == nil {
		gate = nopGate{}
	}
	return &FileChannelShared{
		log:         log,
		sendChannel: sc,
		gate:        gate,
		wname:       wname,
		dir:         dir,
		baseURL:     baseURL,
		building:    make(map[*Task]*TransmitData),
		done:        make(chan struct{}),
	}
}

// resultFileName is deterministic so retries overwrite rather than
// accumulate.
func resultFileName(t *Task) string {
	return fmt.Sprintf("%d-%d-%d-%d.qr", t.QueryId, t.JobId, t.ChunkId, t.AttemptCount)
}

func (fc *FileChannelShared) SetTaskCount(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.taskCount = n
}

func (fc *FileChannelShared) InitTransmit(t *Task) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.killed {
		return fmt.Errorf("wbase: file channel killed")
	}
	if _, ok := fc.building[t]; ok {
		return fmt.Errorf("wbase: transmit already open for %s", t.IdStr())
	}
	if fc.file == nil {
		fc.path = filepath.Join(fc.dir, resultFileName(t))
		f, err := os.Create(fc.path)
		if err != nil {
			return fmt.Errorf("wbase: create result file: %w", err)
		}
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(fc.path)
			return fmt.Errorf("wbase: zstd writer: %w", err)
		}
		fc.file = f
		fc.enc = enc
	}
	fc.building[t] = createTransmit(t)
	return nil
}

func (fc *FileChannelShared) AddResultRow(t *Task, cells []proto.Cell, approxSize int) error {
	if approxSize > proto.ProtobufferHardLimit {
		return fmt.Errorf("wbase: row of %d bytes exceeds hard limit", approxSize)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.killed {
		return fmt.Errorf("wbase: file channel killed")
	}
	td, ok := fc.building[t]
	if !ok {
		return fmt.Errorf("wbase: no open transmit for %s", t.IdStr())
	}
	if td.approxSize()+approxSize > proto.ProtobufferDesiredLimit && td.rowCount() > 0 {
		if err := fc.writeFrameLocked(td); err != nil {
			return err
		}
		td = createTransmit(t)
		fc.building[t] = td
	}
	td.addRow(cells, approxSize)
	return nil
}

// writeFrameLocked appends one frame to the spool file.
func (fc *FileChannelShared) writeFrameLocked(td *TransmitData) error {
	td.buildDataMsg()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(td.dataBytes)))
	if _, err := fc.enc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wbase: write frame: %w", err)
	}
	if _, err := fc.enc.Write(td.dataBytes); err != nil {
		return fmt.Errorf("wbase: write frame: %w", err)
	}
	fc.rowsTotal += int64(td.rowCount())
	fc.sizeTotal += int64(td.approxSize())
	return nil
}

func (fc *FileChannelShared) TransmitLast(t *Task, cancelled bool) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.killed {
		return fmt.Errorf("wbase: file channel killed")
	}
	td, ok := fc.building[t]
	if !ok {
		return fmt.Errorf("wbase: no open transmit for %s", t.IdStr())
	}
	delete(fc.building, t)
	if td.rowCount() > 0 {
		if err := fc.writeFrameLocked(td); err != nil {
			return err
		}
	}
	fc.lastCount++
	if fc.lastCount < fc.taskCount {
		return nil
	}
	return fc.sendSummaryLocked(t)
}

// sendSummaryLocked closes the spool file and sends the one-message
// stream that points the czar at it.
func (fc *FileChannelShared) sendSummaryLocked(t *Task) error {
	if fc.sent {
		return nil
	}
	if err := fc.enc.Close(); err != nil {
		return fc.failLocked(t, fmt.Errorf("wbase: close zstd: %w", err))
	}
	if err := fc.file.Close(); err != nil {
		return fc.failLocked(t, fmt.Errorf("wbase: close file: %w", err))
	}
	res := &proto.Result{
		QueryId:      t.QueryId,
		JobId:        int32(t.JobId),
		AttemptCount: int32(t.AttemptCount),
		TransmitSize: fc.sizeTotal,
		RowsTotal:    fc.rowsTotal,
		FileResource: fc.baseURL + "/" + filepath.Base(fc.path),
	}
	td := &TransmitData{result: res}
	td.buildDataMsg()
	return fc.transmitSummaryLocked(t, td)
}

func (fc *FileChannelShared) transmitSummaryLocked(t *Task, td *TransmitData) error {
	if err := td.attachNextHeader(nil, true, fc.wname, 1); err != nil {
		return fc.failLocked(t, err)
	}
	meta, err := td.metadataBytes(fc.wname, 0)
	if err != nil {
		return fc.failLocked(t, err)
	}
	if !fc.sendChannel.SetMetadata(meta) {
		return fc.failLocked(t, fmt.Errorf("wbase: set metadata failed"))
	}
	buf := td.transmitBytes()
	release := fc.gate.Acquire(t != nil && t.ScanInteractive)
	fc.gate.Pace(len(buf))
	sent := fc.sendChannel.SendStream(buf, true)
	release()
	if !sent {
		return fc.failLocked(t, fmt.Errorf("wbase: send failed"))
	}
	fc.sent = true
	fc.signalDone()
	return nil
}

func (fc *FileChannelShared) TransmitError(t *Task, code int, msg string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	delete(fc.building, t)
	fc.removePartialLocked()
	if fc.killed {
		return fmt.Errorf("wbase: file channel killed")
	}
	td := createTransmitError(t, code, msg)
	td.buildDataMsg()
	return fc.transmitSummaryLocked(t, td)
}

// failLocked abandons the stream after an unrecoverable local error.
func (fc *FileChannelShared) failLocked(t *Task, err error) error {
	fc.log.Error("file channel failed", "task", t.IdStr(), "err", err)
	fc.removePartialLocked()
	fc.killLocked("file channel failure")
	return err
}

// removePartialLocked deletes the spool file; partial files must not
// survive errors.
func (fc *FileChannelShared) removePartialLocked() {
	if fc.enc != nil {
		_ = fc.enc.Close()
		fc.enc = nil
	}
	if fc.file != nil {
		_ = fc.file.Close()
		fc.file = nil
	}
	if fc.path != "" {
		_ = os.Remove(fc.path)
	}
}

func (fc *FileChannelShared) Kill(note string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.killLocked(note)
}

func (fc *FileChannelShared) killLocked(note string) bool {
	prev := fc.killed
	if !prev {
		fc.log.Warn("file channel killed", "note", note)
		fc.removePartialLocked()
		fc.sendChannel.Kill(note)
		fc.killed = true
		fc.signalDone()
	}
	return prev
}

func (fc *FileChannelShared) IsDead() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.killed || fc.sendChannel.IsDead()
}

func (fc *FileChannelShared) signalDone() {
	fc.doneOnce.Do(func() { close(fc.done) })
}

func (fc *FileChannelShared) WaitDone(ctx context.Context) error {
	select {
	case <-fc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ResultChannel = (*FileChannelShared)(nil)
