package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeInterleavedChunks produces a file with two channels whose messages
// interleave across one-message chunks, with each consecutive pair sharing a
// logTime, forcing the chunk time ranges to overlap and exercising the k-way
// heap merge rather than the flat fast path.
func writeInterleavedChunks(t *testing.T) []byte {
	t.Helper()
	w, buf := newTestWriter(t, &WriterOptions{Chunked: true, ChunkSize: 40})
	require.NoError(t, w.AddChannel(&Channel{ID: 1, Topic: "/a", MessageEncoding: "json"}))
	require.NoError(t, w.AddChannel(&Channel{ID: 2, Topic: "/b", MessageEncoding: "json"}))
	for i := 0; i < 60; i++ {
		ch := uint16(1)
		if i%2 == 1 {
			ch = 2
		}
		require.NoError(t, w.WriteMessage(&Message{ChannelID: ch, LogTime: uint64(i / 2), Data: []byte("xx")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHeapMergeOrdersAcrossOverlappingChunks(t *testing.T) {
	raw := writeInterleavedChunks(t)
	ir, err := NewIndexedReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer ir.Close()
	require.Greater(t, len(ir.Info.ChunkIndexes), 1)
	require.True(t, chunksOverlap(ir.Info.ChunkIndexes))

	it, err := ir.Messages(MessagesOptions{})
	require.NoError(t, err)
	msgs := drainIterator(t, it)
	require.Len(t, msgs, 60)
	for i := 1; i < len(msgs); i++ {
		require.LessOrEqual(t, msgs[i-1].LogTime, msgs[i].LogTime)
	}
}

func TestReverseLogTimeOrder(t *testing.T) {
	raw := writeInterleavedChunks(t)
	ir, err := NewIndexedReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer ir.Close()

	it, err := ir.Messages(MessagesOptions{Order: ReverseLogTimeOrder})
	require.NoError(t, err)
	msgs := drainIterator(t, it)
	require.Len(t, msgs, 60)
	for i := 1; i < len(msgs); i++ {
		require.GreaterOrEqual(t, msgs[i-1].LogTime, msgs[i].LogTime)
	}
}

func TestFileOrderDoesNotMergeGlobally(t *testing.T) {
	raw := writeInterleavedChunks(t)
	ir, err := NewIndexedReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer ir.Close()

	it, err := ir.Messages(MessagesOptions{Order: FileOrder})
	require.NoError(t, err)
	msgs := drainIterator(t, it)
	require.Len(t, msgs, 60)
}

func TestNotIndexedFallsBackError(t *testing.T) {
	w, buf := newTestWriter(t, &WriterOptions{Chunked: false, SkipSummary: true})
	require.NoError(t, w.Close())
	_, err := NewIndexedReader(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrNotIndexed)
}

func TestSummaryCRCValidatedOnIndexedOpen(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: true, ChunkSize: 64}, 20)

	footer, footerOffset, _, err := readFooter(bytes.NewReader(raw))
	require.NoError(t, err)
	require.NotZero(t, footer.SummaryCRC)
	require.Greater(t, footerOffset, int64(footer.SummaryStart))

	corrupted := append([]byte{}, raw...)
	corrupted[footer.SummaryStart+1] ^= 0xFF

	_, err = NewIndexedReader(bytes.NewReader(corrupted))
	require.Error(t, err)
	var crcErr *CRCMismatchError
	require.ErrorAs(t, err, &crcErr)
	require.Equal(t, CRCKindSummary, crcErr.Kind)
}
