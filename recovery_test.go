package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRecoverTruncatedFile covers property P7 (recovery): scanning a file
// whose summary section and footer were cut off still recovers every
// channel, schema and message that made it into the data section.
func TestRecoverTruncatedFile(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: true, ChunkSize: 128}, 40)

	ir, err := NewIndexedReader(bytes.NewReader(raw))
	require.NoError(t, err)
	dataEndOffset := ir.Info.Footer.SummaryStart - (9 + 4)
	ir.Close()

	truncated := raw[:dataEndOffset]

	info, err := Recover(bytes.NewReader(truncated))
	require.NoError(t, err)
	require.False(t, info.ContainsFaultyChunks)
	require.Equal(t, uint64(40), info.Statistics.MessageCount)
	require.Len(t, info.Channels, 1)
	require.Len(t, info.Schemas, 1)
	require.Equal(t, dataEndOffset, info.DataEndOffset)
}

// TestRecoverThenWriteSummaryProducesReadableFile covers the full recovery
// path: recovered info can be used to rebuild a summary section, after which
// the file opens cleanly as indexed and yields all its messages again.
func TestRecoverThenWriteSummaryProducesReadableFile(t *testing.T) {
	raw := writeSampleFile(t, &WriterOptions{Chunked: true, ChunkSize: 128}, 40)

	ir, err := NewIndexedReader(bytes.NewReader(raw))
	require.NoError(t, err)
	dataEndOffset := ir.Info.Footer.SummaryStart - (9 + 4)
	ir.Close()

	truncated := append([]byte{}, raw[:dataEndOffset]...)
	info, err := Recover(bytes.NewReader(truncated))
	require.NoError(t, err)

	rws := newMemRWS(truncated)
	require.NoError(t, WriteRecoveredSummary(rws, info))

	ir2, err := NewIndexedReader(bytes.NewReader(rws.buf))
	require.NoError(t, err)
	defer ir2.Close()
	require.True(t, ir2.Info.Indexed())

	it, err := ir2.Messages(MessagesOptions{})
	require.NoError(t, err)
	msgs := drainIterator(t, it)
	require.Len(t, msgs, 40)
}

// TestRecoverToleratesCorruptChunk covers the "skip what can't be decoded"
// edge case: a chunk whose compressed payload is garbled is flagged via
// ContainsFaultyChunks rather than aborting the whole scan.
func TestRecoverToleratesCorruptChunk(t *testing.T) {
	w, buf := newTestWriter(t, &WriterOptions{Chunked: true, ChunkSize: 4096, Compression: CompressionZSTD})
	require.NoError(t, w.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json"}))
	for i := 0; i < 200; i++ {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: 1, LogTime: uint64(i), Data: []byte("payload-data-of-some-length")}))
	}
	require.NoError(t, w.Close())
	raw := buf.Bytes()

	chunkOpAt := bytes.IndexByte(raw, byte(OpChunk))
	require.GreaterOrEqual(t, chunkOpAt, 0)
	corrupted := append([]byte{}, raw...)
	// Smash a byte well inside the first chunk's compressed payload (past
	// its fixed-size framing fields) so zstd decoding fails outright.
	corrupted[chunkOpAt+120] ^= 0xFF

	info, err := Recover(bytes.NewReader(corrupted))
	require.NoError(t, err)
	require.True(t, info.ContainsFaultyChunks)
}

func TestRecoverRejectsBadMagic(t *testing.T) {
	_, err := Recover(bytes.NewReader([]byte("not an mcap file")))
	require.Error(t, err)
	var magicErr *BadMagicError
	require.ErrorAs(t, err, &magicErr)
}
