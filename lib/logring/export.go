package logring

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ExportZstd streams the retained window to w as zstd-compressed NDJSON,
// one entry per line, oldest first. The snapshot is taken up front so a
// slow writer never holds the ring lock.
func (r *Ring) ExportZstd(w io.Writer) error {
	entries := r.Snapshot()

	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1), // synchronous for predictable streaming
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	return nil
}
