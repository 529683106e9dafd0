package mcap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReaderEmitChunkRecords covers the EmitChunkRecords option: with it set,
// Next yields the Chunk record itself instead of transparently descending
// into it.
func TestReaderEmitChunkRecords(t *testing.T) {
	w, buf := newTestWriter(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, w.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json"}))
	require.NoError(t, w.WriteMessage(&Message{ChannelID: 1, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.Close())

	records := readAllRecords(t, bytes.NewReader(buf.Bytes()), &ReadOptions{EmitChunkRecords: true})
	var sawChunk bool
	var sawMessage bool
	for _, rec := range records {
		switch rec.(type) {
		case *Chunk:
			sawChunk = true
		case *Message:
			sawMessage = true
		}
	}
	require.True(t, sawChunk, "expected a *Chunk record with EmitChunkRecords set")
	require.False(t, sawMessage, "messages are not descended into when chunks are emitted whole")
}

// TestReaderSurfacesUnknownOpcode covers the "unknown opcodes must be
// skipped, not rejected" rule in spec.md §3/§4.2: a record with an opcode
// this library doesn't interpret is handed back as *UnknownRecord rather than
// failing the read.
func TestReaderSurfacesUnknownOpcode(t *testing.T) {
	w, buf := newTestWriter(t, &WriterOptions{Chunked: false, SkipDataCRC: true})
	require.NoError(t, w.Close())

	raw := buf.Bytes()
	// Splice a record with an opcode this library never interprets right
	// after the Header, before the DataEnd/summary/footer/magic tail.
	headerLen := 9 + 4 + 4 + len(engineIdentifier)
	var unknown bytes.Buffer
	var hdr [9]byte
	_, err := writeRecord(&unknown, hdr[:], OpCode(0x7f), []byte("payload"))
	require.NoError(t, err)

	spliced := append([]byte{}, raw[:headerLen]...)
	spliced = append(spliced, unknown.Bytes()...)
	spliced = append(spliced, raw[headerLen:]...)

	r, err := NewReader(bytes.NewReader(spliced), nil)
	require.NoError(t, err)
	defer r.Close()

	var found *UnknownRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if u, ok := rec.(*UnknownRecord); ok {
			found = u
		}
	}
	require.NotNil(t, found)
	require.Equal(t, OpCode(0x7f), found.Opcode)
	require.Equal(t, []byte("payload"), found.Content)
}

// TestReaderRejectsDisallowedOpcodeInsideChunk covers the structural-error
// rule in 4.7: only Schema, Channel and Message records are legal inside a
// chunk.
func TestReaderRejectsDisallowedOpcodeInsideChunk(t *testing.T) {
	var hdr [9]byte

	var chunkRecords bytes.Buffer
	_, err := writeRecord(&chunkRecords, hdr[:], OpStatistics, []byte("not legal here"))
	require.NoError(t, err)

	var file bytes.Buffer
	file.Write(Magic)
	headerContent := make([]byte, 8)
	offset := putPrefixedString(headerContent, "")
	offset += putPrefixedString(headerContent[offset:], "")
	_, err = writeRecord(&file, hdr[:], OpHeader, headerContent[:offset])
	require.NoError(t, err)

	chunkContent := make([]byte, 8+8+8+4+4+8+chunkRecords.Len())
	offset = putUint64(chunkContent, 0)
	offset += putUint64(chunkContent[offset:], 0)
	offset += putUint64(chunkContent[offset:], uint64(chunkRecords.Len()))
	offset += putUint32(chunkContent[offset:], 0)
	offset += putPrefixedString(chunkContent[offset:], "")
	offset += putUint64(chunkContent[offset:], uint64(chunkRecords.Len()))
	offset += copy(chunkContent[offset:], chunkRecords.Bytes())
	_, err = writeRecord(&file, hdr[:], OpChunk, chunkContent[:offset])
	require.NoError(t, err)

	r, err := NewReader(&file, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next() // Header
	require.NoError(t, err)
	_, err = r.Next() // descends into the chunk, should fail on Statistics
	require.Error(t, err)
	var invalidErr *InvalidRecordError
	require.ErrorAs(t, err, &invalidErr)
}
