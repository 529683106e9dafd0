package mcap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkBuilderTracksTimeRangeAndCount(t *testing.T) {
	b := newChunkBuilder()
	require.True(t, b.empty())
	require.NoError(t, b.addChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json"}))
	for _, ts := range []uint64{10, 3, 7} {
		require.NoError(t, b.addMessage(&Message{ChannelID: 1, LogTime: ts, Data: []byte("x")}))
	}
	require.False(t, b.empty())
	require.Equal(t, uint64(3), b.startTime)
	require.Equal(t, uint64(10), b.endTime)
	require.Equal(t, uint64(3), b.numMessages)
	require.Greater(t, b.size(), int64(0))
}

func TestChunkBuilderEmittedTracking(t *testing.T) {
	b := newChunkBuilder()
	require.False(t, b.schemaEmitted(1))
	require.NoError(t, b.addSchema(&Schema{ID: 1, Name: "S", Encoding: "json"}))
	require.True(t, b.schemaEmitted(1))

	require.False(t, b.channelEmitted(5))
	require.NoError(t, b.addChannel(&Channel{ID: 5, SchemaID: 1, Topic: "/t", MessageEncoding: "json"}))
	require.True(t, b.channelEmitted(5))
}

func TestChunkBuilderResetClearsState(t *testing.T) {
	b := newChunkBuilder()
	require.NoError(t, b.addChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json"}))
	require.NoError(t, b.addMessage(&Message{ChannelID: 1, LogTime: 5, Data: []byte("x")}))
	b.reset()
	require.True(t, b.empty())
	require.False(t, b.channelEmitted(1))
	require.Equal(t, uint64(0), b.numMessages)
}

// TestChunkBuilderMessageIndexOffsetsPointAtMessageRecords is a narrower
// check than the writer-level property test: the offset stored for each
// message is the byte offset, within the chunk's own record stream, of that
// message's record header.
func TestChunkBuilderMessageIndexOffsetsPointAtMessageRecords(t *testing.T) {
	b := newChunkBuilder()
	require.NoError(t, b.addChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json"}))
	require.NoError(t, b.addMessage(&Message{ChannelID: 1, LogTime: 1, Data: []byte("first")}))
	require.NoError(t, b.addMessage(&Message{ChannelID: 1, LogTime: 2, Data: []byte("second")}))

	idx := b.messageIndexes[1]
	require.Len(t, idx.Records, 2)
	raw := b.records.Bytes()
	for _, e := range idx.Records {
		require.Equal(t, OpMessage, OpCode(raw[e.Offset]))
	}
}
