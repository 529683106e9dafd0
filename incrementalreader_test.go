package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// drainIncremental feeds raw into r one byte at a time, collecting every
// record Next produces along the way, stopping once the closing magic is
// consumed.
func drainIncremental(t *testing.T, r *IncrementalReader, raw []byte) []interface{} {
	t.Helper()
	var records []interface{}
	for _, b := range raw {
		r.Append([]byte{b})
		for {
			rec, err := r.Next()
			if err == ErrNeedMoreData {
				break
			}
			if err == ErrReaderExhausted {
				return records
			}
			require.NoError(t, err)
			records = append(records, rec)
		}
	}
	return records
}

// TestIncrementalReaderByteAtATime covers the Stream buffer's non-blocking
// contract: feeding a complete file's bytes in as a single-byte trickle
// still yields every message, identical to a blocking Reader's output.
func TestIncrementalReaderByteAtATime(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: true, ChunkSize: 64, Compression: CompressionLZ4}, 30)

	r := NewIncrementalReader(nil)
	defer r.Close()
	records := drainIncremental(t, r, raw)

	var msgCount int
	for _, rec := range records {
		if m, ok := rec.(*Message); ok {
			msgCount++
			_ = m
		}
	}
	require.Equal(t, 30, msgCount)
}

func TestIncrementalReaderRejectsBadMagic(t *testing.T) {
	r := NewIncrementalReader(nil)
	defer r.Close()
	r.Append([]byte("not an mcap "))
	_, err := r.Next()
	require.Error(t, err)
	var magicErr *BadMagicError
	require.ErrorAs(t, err, &magicErr)
}

func TestIncrementalReaderNeedsMoreDataBeforeMagicComplete(t *testing.T) {
	r := NewIncrementalReader(nil)
	defer r.Close()
	r.Append(Magic[:4])
	_, err := r.Next()
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// TestIncrementalReaderWholeBufferFeed checks the non-trickle path: the
// entire file appended in one call still parses record by record exactly as
// a blocking Reader would.
func TestIncrementalReaderWholeBufferFeed(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: true, ChunkSize: 4096}, 15)

	r := NewIncrementalReader(nil)
	defer r.Close()
	r.Append(raw)

	var msgCount int
	for {
		rec, err := r.Next()
		if err == ErrReaderExhausted {
			break
		}
		require.NoError(t, err)
		if _, ok := rec.(*Message); ok {
			msgCount++
		}
	}
	require.Equal(t, 15, msgCount)
}

func TestIncrementalReaderDetectsDataCRCMismatch(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: false}, 5)
	corrupted := append([]byte{}, raw...)
	// Flip a byte inside a message payload (well after the header, well
	// before DataEnd) so the running data-section CRC no longer matches
	// the value DataEnd declares.
	idx := bytes.Index(corrupted, []byte("msg"))
	require.GreaterOrEqual(t, idx, 0)
	corrupted[idx] ^= 0xFF

	r := NewIncrementalReader(nil)
	defer r.Close()
	r.Append(corrupted)
	var sawMismatch bool
	for {
		_, err := r.Next()
		if err == nil {
			continue
		}
		if _, ok := err.(*CRCMismatchError); ok {
			sawMismatch = true
		}
		break
	}
	require.True(t, sawMismatch)
}
