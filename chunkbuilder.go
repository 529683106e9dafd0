package mcap

import (
	"bytes"
	"math"
)

// This file is the Chunk builder (C5): an in-memory accumulator of Schema,
// Channel and Message records plus the per-channel MessageIndex entries
// needed to locate them once the chunk is compressed and flushed. Grounded
// on the teacher's Writer fields (uncompressedChunk, currentMessageIndex,
// currentChunkStartTime/EndTime) and WriteMessage/WriteSchema/WriteChannel,
// factored out of the Writer into its own type per the component split.
type chunkBuilder struct {
	records         bytes.Buffer
	messageIndexes  map[uint16]*MessageIndex
	emittedSchemas  map[uint16]bool
	emittedChannels map[uint16]bool
	startTime       uint64
	endTime         uint64
	numMessages     uint64

	hdr [9]byte
	msg []byte
}

func newChunkBuilder() *chunkBuilder {
	return &chunkBuilder{
		messageIndexes:  make(map[uint16]*MessageIndex),
		emittedSchemas:  make(map[uint16]bool),
		emittedChannels: make(map[uint16]bool),
		startTime:       math.MaxUint64,
		msg:             make([]byte, 32),
	}
}

// schemaEmitted reports whether a Schema record for id has already been
// written into this chunk.
func (b *chunkBuilder) schemaEmitted(id uint16) bool { return b.emittedSchemas[id] }

// channelEmitted reports whether a Channel record for id has already been
// written into this chunk.
func (b *chunkBuilder) channelEmitted(id uint16) bool { return b.emittedChannels[id] }

// size returns the number of uncompressed bytes accumulated so far.
func (b *chunkBuilder) size() int64 { return int64(b.records.Len()) }

func (b *chunkBuilder) empty() bool { return b.records.Len() == 0 }

func (b *chunkBuilder) ensureSized(n int) {
	if len(b.msg) < n {
		b.msg = make([]byte, n*2)
	}
}

// addSchema appends a Schema record to the chunk. It does not deduplicate;
// the Writer adds each schema at most once per chunk, so a schema used in
// several chunks is repeated in each of them.
func (b *chunkBuilder) addSchema(s *Schema) error {
	msglen := 2 + 4 + len(s.Name) + 4 + len(s.Encoding) + 4 + len(s.Data)
	b.ensureSized(msglen)
	offset := putUint16(b.msg, s.ID)
	offset += putPrefixedString(b.msg[offset:], s.Name)
	offset += putPrefixedString(b.msg[offset:], s.Encoding)
	offset += putPrefixedBytes(b.msg[offset:], s.Data)
	if _, err := writeRecord(&b.records, b.hdr[:], OpSchema, b.msg[:offset]); err != nil {
		return err
	}
	b.emittedSchemas[s.ID] = true
	return nil
}

// addChannel appends a Channel record to the chunk.
func (b *chunkBuilder) addChannel(c *Channel) error {
	metadata := lenPrefixedMap(c.Metadata)
	msglen := 2 + 2 + 4 + len(c.Topic) + 4 + len(c.MessageEncoding) + len(metadata)
	b.ensureSized(msglen)
	offset := putUint16(b.msg, c.ID)
	offset += putUint16(b.msg[offset:], c.SchemaID)
	offset += putPrefixedString(b.msg[offset:], c.Topic)
	offset += putPrefixedString(b.msg[offset:], c.MessageEncoding)
	offset += copy(b.msg[offset:], metadata)
	if _, err := writeRecord(&b.records, b.hdr[:], OpChannel, b.msg[:offset]); err != nil {
		return err
	}
	b.emittedChannels[c.ID] = true
	return nil
}

// addMessage appends a Message record to the chunk and records its offset in
// the appropriate per-channel MessageIndex.
func (b *chunkBuilder) addMessage(m *Message) error {
	msglen := 2 + 4 + 8 + 8 + len(m.Data)
	b.ensureSized(msglen)
	offset := putUint16(b.msg, m.ChannelID)
	offset += putUint32(b.msg[offset:], m.Sequence)
	offset += putUint64(b.msg[offset:], m.LogTime)
	offset += putUint64(b.msg[offset:], m.PublishTime)
	offset += copy(b.msg[offset:], m.Data)

	idx, ok := b.messageIndexes[m.ChannelID]
	if !ok {
		idx = &MessageIndex{ChannelID: m.ChannelID}
		b.messageIndexes[m.ChannelID] = idx
	}
	idx.Add(m.LogTime, uint64(b.records.Len()))

	if _, err := writeRecord(&b.records, b.hdr[:], OpMessage, b.msg[:offset]); err != nil {
		return err
	}
	if m.LogTime > b.endTime {
		b.endTime = m.LogTime
	}
	if m.LogTime < b.startTime {
		b.startTime = m.LogTime
	}
	b.numMessages++
	return nil
}

// reset clears the builder for reuse after a chunk has been flushed.
func (b *chunkBuilder) reset() {
	b.records.Reset()
	b.messageIndexes = make(map[uint16]*MessageIndex)
	b.emittedSchemas = make(map[uint16]bool)
	b.emittedChannels = make(map[uint16]bool)
	b.startTime = math.MaxUint64
	b.endTime = 0
	b.numMessages = 0
}
