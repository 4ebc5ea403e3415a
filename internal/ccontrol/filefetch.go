package ccontrol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"

	"github.com/lsst/qserv/internal/proto"
)

// mergeFileResult pulls a file-backed result from the worker and merges
// its frames. The file is a zstd stream of length-prefixed Result
// messages.
func (h *MergingHandler) mergeFileResult(res *proto.Result) (int, error) {
	resp, err := http.Get(res.FileResource)
	if err != nil {
		return 0, fmt.Errorf("fetch result file %s: %w", res.FileResource, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch result file %s: status %s", res.FileResource, resp.Status)
	}

	zr, err := zstd.NewReader(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	rows := 0
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(zr, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return rows, fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > uint32(proto.ProtobufferHardLimit) {
			return rows, fmt.Errorf("frame of %d bytes exceeds hard limit", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(zr, frame); err != nil {
			return rows, fmt.Errorf("read frame: %w", err)
		}
		fres, err := proto.UnmarshalResult(frame)
		if err != nil {
			return rows, err
		}
		if err := h.merger.Merge(fres); err != nil {
			return rows, err
		}
		rows += len(fres.Rows)
	}
	return rows, nil
}
