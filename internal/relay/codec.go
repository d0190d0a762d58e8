package relay

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// frameDelimiter separates frames inside one batch.
const frameDelimiter = '\n'

// EncodeBatch joins frames with the delimiter and compresses them as one gzip
// member. level is a gzip level; -1 selects the default.
func EncodeBatch(frames [][]byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	for i, f := range frames {
		if i > 0 {
			if _, err := zw.Write([]byte{frameDelimiter}); err != nil {
				return nil, fmt.Errorf("compressing batch: %w", err)
			}
		}
		if _, err := zw.Write(f); err != nil {
			return nil, fmt.Errorf("compressing batch: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch decompresses data and splits it into frames. Blank segments are
// dropped. The decompressed size is bounded by limit; larger input yields
// ErrBatchTooLarge.
func DecodeBatch(data []byte, limit int64) ([][]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening batch: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing batch: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, ErrBatchTooLarge
	}

	var frames [][]byte
	for _, seg := range bytes.Split(raw, []byte{frameDelimiter}) {
		seg = bytes.TrimSpace(seg)
		if len(seg) == 0 {
			continue
		}
		frames = append(frames, seg)
	}
	return frames, nil
}
