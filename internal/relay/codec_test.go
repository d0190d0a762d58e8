package relay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeBatch_IsSingleGzipMember(t *testing.T) {
	data, err := EncodeBatch([][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}, gzip.BestSpeed)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var plain bytes.Buffer
	_, err = plain.ReadFrom(zr)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}", plain.String())
}

func TestEncodeBatch_InvalidLevel(t *testing.T) {
	_, err := EncodeBatch([][]byte{[]byte("x")}, 42)
	assert.Error(t, err)
}

func TestDecodeBatch_SkipsBlankSegments(t *testing.T) {
	data := mustBatch(t, "  {\"a\":1}  ", "", "\r", `{"b":2}`)
	frames, err := DecodeBatch(data, 1<<10)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, `{"b":2}`, string(frames[1]))
}

func TestDecodeBatch_Empty(t *testing.T) {
	frames, err := DecodeBatch(mustBatch(t), 1<<10)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDecodeBatch_NotGzip(t *testing.T) {
	_, err := DecodeBatch([]byte(`{"action":"leave"}`), 1<<10)
	assert.Error(t, err)
}

func TestDecodeBatch_Truncated(t *testing.T) {
	data := mustBatch(t, strings.Repeat(`{"action":"rpc"}`, 50))
	_, err := DecodeBatch(data[:len(data)/2], 1<<20)
	assert.Error(t, err)
}

func TestDecodeBatch_SizeLimit(t *testing.T) {
	data := mustBatch(t, strings.Repeat("x", 100))

	_, err := DecodeBatch(data, 100)
	assert.NoError(t, err, "exactly at the limit is accepted")

	_, err = DecodeBatch(data, 99)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestPropertyBatchPreservesFrames(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Frames are JSON objects, so they never contain a raw newline.
		frames := rapid.SliceOf(rapid.StringMatching(`\{"k":"[a-z0-9 ]{0,20}"\}`)).Draw(t, "frames")
		raw := make([][]byte, len(frames))
		for i, f := range frames {
			raw[i] = []byte(f)
		}
		level := rapid.IntRange(-1, 9).Draw(t, "level")

		data, err := EncodeBatch(raw, level)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeBatch(data, 1<<20)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != len(frames) {
			t.Fatalf("got %d frames, want %d", len(got), len(frames))
		}
		for i := range frames {
			if string(got[i]) != frames[i] {
				t.Fatalf("frame %d: got %q, want %q", i, got[i], frames[i])
			}
		}
	})
}
