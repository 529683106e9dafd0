package mcap

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"
)

// This file is the Writer (C6): orchestrates header, data section, data-end,
// summary section, footer and closing magic. Grounded on the teacher's
// writer.go, factored so chunk accumulation (chunkbuilder.go) and
// compression (compression.go) are separate components.

// WriterOptions configures a Writer. The zero value disables chunking;
// callers wanting the documented defaults should start from
// NewWriterOptions. Skip* flags follow the teacher's naming convention so
// their zero value is "do the thing".
type WriterOptions struct {
	Profile string
	Library string

	Chunked          bool
	ChunkSize        int64
	Compression      CompressionFormat
	CompressionLevel CompressionLevel

	SkipMessageIndex   bool
	SkipSummary        bool
	SkipSummaryOffsets bool
	SkipStatistics     bool
	SkipChunkCRC       bool
	SkipDataCRC        bool

	// OverrideLibrary causes Header.Library to be used verbatim instead of
	// having the engine's own identifier prepended.
	OverrideLibrary bool
}

// NewWriterOptions returns a WriterOptions with the documented defaults:
// chunking enabled, 4 MiB chunks, no compression, every index/statistics
// feature on.
func NewWriterOptions() *WriterOptions {
	return &WriterOptions{
		Chunked:   true,
		ChunkSize: 4 * 1024 * 1024,
	}
}

// engineIdentifier is prepended to Header.Library unless OverrideLibrary is
// set, identifying this implementation the way the teacher's Version()
// string does for its own library field.
const engineIdentifier = "mcap-go/0.1"

// Writer writes MCAP files. A Writer is single-use: once Close returns, or
// any write to the sink fails, it is poisoned and every further call returns
// ErrWriterClosed. Validation errors (an unknown or conflicting channel or
// schema) are returned without poisoning it.
type Writer struct {
	Statistics        *Statistics
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex

	opts *WriterOptions
	w    *sizeCRCWriter

	schemas      map[uint16]*Schema
	schemaIDs    []uint16
	channels     map[uint16]*Channel
	channelIDs   []uint16
	nextSchemaID uint16

	chunk         *chunkBuilder
	chunkEncoder  chunkEncoder
	compressedBuf *bytes.Buffer
	chunkFrameBuf []byte

	msg  []byte
	hdr  [9]byte
	done bool
}

// newBareWriter builds a Writer around sink without writing magic or a
// Header, for callers (the Amender) that resume writing partway through an
// already-opened file.
func newBareWriter(sink *sizeCRCWriter, opts *WriterOptions) (*Writer, error) {
	if opts == nil {
		opts = NewWriterOptions()
	}
	if opts.Chunked && opts.ChunkSize == 0 {
		opts.ChunkSize = 4 * 1024 * 1024
	}
	writer := &Writer{
		opts:          opts,
		w:             sink,
		schemas:       make(map[uint16]*Schema),
		channels:      make(map[uint16]*Channel),
		chunk:         newChunkBuilder(),
		compressedBuf: &bytes.Buffer{},
		msg:           make([]byte, 32),
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	if opts.Chunked {
		enc, err := newChunkEncoder(opts.Compression, opts.CompressionLevel, writer.compressedBuf)
		if err != nil {
			return nil, err
		}
		writer.chunkEncoder = enc
	}
	return writer, nil
}

// NewWriter constructs a Writer and writes the opening magic. If opts is
// nil, NewWriterOptions's defaults are used.
func NewWriter(w io.Writer, opts *WriterOptions) (*Writer, error) {
	sink := newSizeCRCWriter(w)
	if _, err := sink.Write(Magic); err != nil {
		return nil, err
	}
	writer, err := newBareWriter(sink, opts)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteHeader(&Header{Profile: writer.opts.Profile, Library: writer.opts.Library}); err != nil {
		return nil, err
	}
	return writer, nil
}

func (w *Writer) poison(err error) error {
	w.done = true
	return err
}

func (w *Writer) ensureSized(n int) {
	if len(w.msg) < n {
		w.msg = make([]byte, 2*n)
	}
}

// Offset returns the writer's current position in the sink.
func (w *Writer) Offset() uint64 { return w.w.Size() }

// WriteHeader writes the Header record. Called automatically by NewWriter;
// exposed so Amender-style callers operating below the Writer can reuse it.
func (w *Writer) WriteHeader(h *Header) error {
	if w.done {
		return ErrWriterClosed
	}
	library := h.Library
	if !w.opts.OverrideLibrary {
		library = engineIdentifier
		if h.Library != "" {
			library += "; " + h.Library
		}
	}
	msglen := 4 + len(h.Profile) + 4 + len(library)
	w.ensureSized(msglen)
	offset := putPrefixedString(w.msg, h.Profile)
	offset += putPrefixedString(w.msg[offset:], library)
	if _, err := writeRecord(w.w, w.hdr[:], OpHeader, w.msg[:offset]); err != nil {
		return w.poison(err)
	}
	return nil
}

// AddSchema registers a schema for later use, assigning it a fresh ID if its
// ID is zero. It does not itself write any bytes; the schema is emitted into
// the data section (or a chunk) the first time a message on a channel that
// references it is written, and again in the summary at Close.
func (w *Writer) AddSchema(s *Schema) error {
	if w.done {
		return ErrWriterClosed
	}
	if s.ID == 0 {
		w.nextSchemaID++
		s.ID = w.nextSchemaID
	} else if w.nextSchemaID < s.ID {
		w.nextSchemaID = s.ID
	}
	if existing, ok := w.schemas[s.ID]; ok {
		if !schemasEqual(existing, s) {
			return &ConflictingChannelError{ChannelID: s.ID}
		}
		return nil
	}
	w.schemas[s.ID] = s
	w.schemaIDs = append(w.schemaIDs, s.ID)
	w.Statistics.SchemaCount++
	return nil
}

// AddChannel registers a channel for later use. SchemaID must be 0 or refer
// to a schema already added via AddSchema.
func (w *Writer) AddChannel(c *Channel) error {
	if w.done {
		return ErrWriterClosed
	}
	if c.SchemaID != 0 {
		if _, ok := w.schemas[c.SchemaID]; !ok {
			return &UnknownSchemaError{SchemaID: c.SchemaID}
		}
	}
	if existing, ok := w.channels[c.ID]; ok {
		if !channelsEqual(existing, c) {
			return &ConflictingChannelError{ChannelID: c.ID}
		}
		return nil
	}
	w.channels[c.ID] = c
	w.channelIDs = append(w.channelIDs, c.ID)
	w.Statistics.ChannelCount++
	return nil
}

// WriteMessage writes a message. The referencing Channel must already be
// registered via AddChannel.
func (w *Writer) WriteMessage(m *Message) error {
	if w.done {
		return ErrWriterClosed
	}
	ch, ok := w.channels[m.ChannelID]
	if !ok {
		return &UnknownChannelError{ChannelID: m.ChannelID}
	}
	if w.opts.Chunked {
		if err := w.ensureChannelInChunk(ch); err != nil {
			return w.poison(err)
		}
		if err := w.chunk.addMessage(m); err != nil {
			return w.poison(err)
		}
		if w.chunk.size() > w.opts.ChunkSize {
			if err := w.flushActiveChunk(); err != nil {
				return w.poison(err)
			}
		}
	} else {
		// With chunking off the chunk builder is never flushed, so its
		// emitted sets record what has been declared in the data section.
		if !w.chunk.channelEmitted(ch.ID) {
			if ch.SchemaID != 0 && !w.chunk.schemaEmitted(ch.SchemaID) {
				if err := w.writeSchema(w.schemas[ch.SchemaID]); err != nil {
					return w.poison(err)
				}
				w.chunk.emittedSchemas[ch.SchemaID] = true
			}
			if err := w.writeChannel(ch); err != nil {
				return w.poison(err)
			}
			w.chunk.emittedChannels[ch.ID] = true
		}
		msglen := 2 + 4 + 8 + 8 + len(m.Data)
		w.ensureSized(msglen)
		offset := putUint16(w.msg, m.ChannelID)
		offset += putUint32(w.msg[offset:], m.Sequence)
		offset += putUint64(w.msg[offset:], m.LogTime)
		offset += putUint64(w.msg[offset:], m.PublishTime)
		offset += copy(w.msg[offset:], m.Data)
		if _, err := writeRecord(w.w, w.hdr[:], OpMessage, w.msg[:offset]); err != nil {
			return w.poison(err)
		}
	}
	w.Statistics.ChannelMessageCounts[m.ChannelID]++
	w.Statistics.MessageCount++
	if m.LogTime > w.Statistics.MessageEndTime {
		w.Statistics.MessageEndTime = m.LogTime
	}
	if m.LogTime < w.Statistics.MessageStartTime || w.Statistics.MessageCount == 1 {
		w.Statistics.MessageStartTime = m.LogTime
	}
	return nil
}

// ensureChannelInChunk emits ch's Schema (if not already emitted in the
// current chunk) and ch itself into the active chunk, the first time a
// message on ch appears in it, so that each channel used within a chunk is
// self-contained for a stream reader descending into it.
func (w *Writer) ensureChannelInChunk(ch *Channel) error {
	if w.chunk.channelEmitted(ch.ID) {
		return nil
	}
	if ch.SchemaID != 0 && !w.chunk.schemaEmitted(ch.SchemaID) {
		schema, ok := w.schemas[ch.SchemaID]
		if !ok {
			return &UnknownSchemaError{SchemaID: ch.SchemaID}
		}
		if err := w.chunk.addSchema(schema); err != nil {
			return err
		}
	}
	return w.chunk.addChannel(ch)
}

// WriteAttachment writes an attachment record. Attachments never appear
// inside a chunk; any open chunk is left untouched.
func (w *Writer) WriteAttachment(a *Attachment) error {
	if w.done {
		return ErrWriterClosed
	}
	msglen := 8 + 8 + 4 + len(a.Name) + 4 + len(a.MediaType) + 8 + len(a.Data) + 4
	w.ensureSized(msglen)
	offset := putUint64(w.msg, a.LogTime)
	offset += putUint64(w.msg[offset:], a.CreateTime)
	offset += putPrefixedString(w.msg[offset:], a.Name)
	offset += putPrefixedString(w.msg[offset:], a.MediaType)
	offset += putUint64(w.msg[offset:], uint64(len(a.Data)))
	offset += copy(w.msg[offset:], a.Data)
	crc := crc32.ChecksumIEEE(w.msg[:offset])
	offset += putUint32(w.msg[offset:], crc)

	attachmentOffset := w.w.Size()
	n, err := writeRecord(w.w, w.hdr[:], OpAttachment, w.msg[:offset])
	if err != nil {
		return w.poison(err)
	}
	w.AttachmentIndexes = append(w.AttachmentIndexes, &AttachmentIndex{
		Offset:     attachmentOffset,
		Length:     uint64(n),
		LogTime:    a.LogTime,
		CreateTime: a.CreateTime,
		DataSize:   uint64(len(a.Data)),
		Name:       a.Name,
		MediaType:  a.MediaType,
	})
	w.Statistics.AttachmentCount++
	return nil
}

// WriteMetadata writes a metadata record.
func (w *Writer) WriteMetadata(m *Metadata) error {
	if w.done {
		return ErrWriterClosed
	}
	data := lenPrefixedMap(m.Metadata)
	msglen := 4 + len(m.Name) + len(data)
	w.ensureSized(msglen)
	offset := putPrefixedString(w.msg, m.Name)
	offset += copy(w.msg[offset:], data)

	metadataOffset := w.w.Size()
	n, err := writeRecord(w.w, w.hdr[:], OpMetadata, w.msg[:offset])
	if err != nil {
		return w.poison(err)
	}
	w.MetadataIndexes = append(w.MetadataIndexes, &MetadataIndex{
		Offset: metadataOffset,
		Length: uint64(n),
		Name:   m.Name,
	})
	w.Statistics.MetadataCount++
	return nil
}

func (w *Writer) writeMessageIndex(idx *MessageIndex) error {
	sort.SliceStable(idx.Records, func(i, j int) bool {
		return idx.Records[i].Timestamp < idx.Records[j].Timestamp
	})
	datalen := len(idx.Records) * 16
	msglen := 2 + 4 + datalen
	w.ensureSized(msglen)
	offset := putUint16(w.msg, idx.ChannelID)
	offset += putUint32(w.msg[offset:], uint32(datalen))
	for _, e := range idx.Records {
		offset += putUint64(w.msg[offset:], e.Timestamp)
		offset += putUint64(w.msg[offset:], e.Offset)
	}
	_, err := writeRecord(w.w, w.hdr[:], OpMessageIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeChunkIndex(idx *ChunkIndex) error {
	messageIndexLength := len(idx.MessageIndexOffsets) * (2 + 8)
	msglen := 8 + 8 + 8 + 8 + 4 + messageIndexLength + 8 + 4 + len(idx.Compression) + 8 + 8
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.MessageStartTime)
	offset += putUint64(w.msg[offset:], idx.MessageEndTime)
	offset += putUint64(w.msg[offset:], idx.ChunkStartOffset)
	offset += putUint64(w.msg[offset:], idx.ChunkLength)
	offset += putUint32(w.msg[offset:], uint32(messageIndexLength))
	chanIDs := make([]uint16, 0, len(idx.MessageIndexOffsets))
	for chanID := range idx.MessageIndexOffsets {
		chanIDs = append(chanIDs, chanID)
	}
	sortUint16s(chanIDs)
	for _, chanID := range chanIDs {
		offset += putUint16(w.msg[offset:], chanID)
		offset += putUint64(w.msg[offset:], idx.MessageIndexOffsets[chanID])
	}
	offset += putUint64(w.msg[offset:], idx.MessageIndexLength)
	offset += putPrefixedString(w.msg[offset:], string(idx.Compression))
	offset += putUint64(w.msg[offset:], idx.CompressedSize)
	offset += putUint64(w.msg[offset:], idx.UncompressedSize)
	_, err := writeRecord(w.w, w.hdr[:], OpChunkIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeStatistics(s *Statistics) error {
	countsLen := len(s.ChannelMessageCounts) * (2 + 8)
	msglen := 8 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + countsLen
	w.ensureSized(msglen)
	offset := putUint64(w.msg, s.MessageCount)
	offset += putUint16(w.msg[offset:], s.SchemaCount)
	offset += putUint32(w.msg[offset:], s.ChannelCount)
	offset += putUint32(w.msg[offset:], s.AttachmentCount)
	offset += putUint32(w.msg[offset:], s.MetadataCount)
	offset += putUint32(w.msg[offset:], s.ChunkCount)
	offset += putUint64(w.msg[offset:], s.MessageStartTime)
	offset += putUint64(w.msg[offset:], s.MessageEndTime)
	offset += putUint32(w.msg[offset:], uint32(countsLen))
	chanIDs := make([]uint16, 0, len(s.ChannelMessageCounts))
	for chanID := range s.ChannelMessageCounts {
		chanIDs = append(chanIDs, chanID)
	}
	sortUint16s(chanIDs)
	for _, chanID := range chanIDs {
		offset += putUint16(w.msg[offset:], chanID)
		offset += putUint64(w.msg[offset:], s.ChannelMessageCounts[chanID])
	}
	_, err := writeRecord(w.w, w.hdr[:], OpStatistics, w.msg[:offset])
	return err
}

func (w *Writer) writeMetadataIndex(idx *MetadataIndex) error {
	msglen := 8 + 8 + 4 + len(idx.Name)
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.Offset)
	offset += putUint64(w.msg[offset:], idx.Length)
	offset += putPrefixedString(w.msg[offset:], idx.Name)
	_, err := writeRecord(w.w, w.hdr[:], OpMetadataIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeAttachmentIndex(idx *AttachmentIndex) error {
	msglen := 8 + 8 + 8 + 8 + 8 + 4 + len(idx.Name) + 4 + len(idx.MediaType)
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.Offset)
	offset += putUint64(w.msg[offset:], idx.Length)
	offset += putUint64(w.msg[offset:], idx.LogTime)
	offset += putUint64(w.msg[offset:], idx.CreateTime)
	offset += putUint64(w.msg[offset:], idx.DataSize)
	offset += putPrefixedString(w.msg[offset:], idx.Name)
	offset += putPrefixedString(w.msg[offset:], idx.MediaType)
	_, err := writeRecord(w.w, w.hdr[:], OpAttachmentIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeSchema(s *Schema) error {
	msglen := 2 + 4 + len(s.Name) + 4 + len(s.Encoding) + 4 + len(s.Data)
	w.ensureSized(msglen)
	offset := putUint16(w.msg, s.ID)
	offset += putPrefixedString(w.msg[offset:], s.Name)
	offset += putPrefixedString(w.msg[offset:], s.Encoding)
	offset += putPrefixedBytes(w.msg[offset:], s.Data)
	_, err := writeRecord(w.w, w.hdr[:], OpSchema, w.msg[:offset])
	return err
}

func (w *Writer) writeChannel(c *Channel) error {
	metadata := lenPrefixedMap(c.Metadata)
	msglen := 2 + 2 + 4 + len(c.Topic) + 4 + len(c.MessageEncoding) + len(metadata)
	w.ensureSized(msglen)
	offset := putUint16(w.msg, c.ID)
	offset += putUint16(w.msg[offset:], c.SchemaID)
	offset += putPrefixedString(w.msg[offset:], c.Topic)
	offset += putPrefixedString(w.msg[offset:], c.MessageEncoding)
	offset += copy(w.msg[offset:], metadata)
	_, err := writeRecord(w.w, w.hdr[:], OpChannel, w.msg[:offset])
	return err
}

func (w *Writer) writeSummaryOffset(s *SummaryOffset) error {
	msglen := 1 + 8 + 8
	w.ensureSized(msglen)
	w.msg[0] = byte(s.GroupOpcode)
	offset := 1
	offset += putUint64(w.msg[offset:], s.GroupStart)
	offset += putUint64(w.msg[offset:], s.GroupLength)
	_, err := writeRecord(w.w, w.hdr[:], OpSummaryOffset, w.msg[:offset])
	return err
}

func (w *Writer) writeDataEnd(crc uint32) error {
	msglen := 4
	w.ensureSized(msglen)
	offset := putUint32(w.msg, crc)
	_, err := writeRecord(w.w, w.hdr[:], OpDataEnd, w.msg[:offset])
	return err
}

// flushActiveChunk compresses and emits the open chunk, its MessageIndex
// records, and a ChunkIndex entry, per the five-step sequence in 4.6.
func (w *Writer) flushActiveChunk() error {
	uncompressedLen := w.chunk.size()
	if uncompressedLen == 0 {
		return nil
	}
	var crc uint32
	if !w.opts.SkipChunkCRC {
		crc = crc32.ChecksumIEEE(w.chunk.records.Bytes())
	}

	if _, err := w.chunkEncoder.Write(w.chunk.records.Bytes()); err != nil {
		return fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := w.chunkEncoder.Close(); err != nil {
		return fmt.Errorf("failed to close chunk encoder: %w", err)
	}

	compressedLen := w.compressedBuf.Len()
	msglen := 8 + 8 + 8 + 4 + 4 + len(w.opts.Compression) + 8 + compressedLen
	chunkStartOffset := w.w.Size()
	start := w.chunk.startTime
	if start == math.MaxUint64 {
		start = 0
	}
	end := w.chunk.endTime

	recordLen := 1 + 8 + msglen
	if len(w.chunkFrameBuf) < recordLen {
		w.chunkFrameBuf = make([]byte, recordLen*2)
	}
	w.chunkFrameBuf[0] = byte(OpChunk)
	offset := 1
	offset += putUint64(w.chunkFrameBuf[offset:], uint64(msglen))
	offset += putUint64(w.chunkFrameBuf[offset:], start)
	offset += putUint64(w.chunkFrameBuf[offset:], end)
	offset += putUint64(w.chunkFrameBuf[offset:], uint64(uncompressedLen))
	offset += putUint32(w.chunkFrameBuf[offset:], crc)
	offset += putPrefixedString(w.chunkFrameBuf[offset:], string(w.opts.Compression))
	offset += putUint64(w.chunkFrameBuf[offset:], uint64(compressedLen))
	offset += copy(w.chunkFrameBuf[offset:recordLen], w.compressedBuf.Bytes())
	if _, err := w.w.Write(w.chunkFrameBuf[:offset]); err != nil {
		return err
	}

	w.compressedBuf.Reset()
	w.chunkEncoder.Reset(w.compressedBuf)
	chunkEndOffset := w.w.Size()

	messageIndexOffsets := make(map[uint16]uint64)
	if !w.opts.SkipMessageIndex {
		for _, chanID := range w.channelIDs {
			idx, ok := w.chunk.messageIndexes[chanID]
			if !ok {
				continue
			}
			messageIndexOffsets[chanID] = w.w.Size()
			if err := w.writeMessageIndex(idx); err != nil {
				return err
			}
		}
	}
	messageIndexEnd := w.w.Size()

	w.ChunkIndexes = append(w.ChunkIndexes, &ChunkIndex{
		MessageStartTime:    start,
		MessageEndTime:      end,
		ChunkStartOffset:    chunkStartOffset,
		ChunkLength:         chunkEndOffset - chunkStartOffset,
		MessageIndexOffsets: messageIndexOffsets,
		MessageIndexLength:  messageIndexEnd - chunkEndOffset,
		Compression:         w.opts.Compression,
		CompressedSize:      uint64(compressedLen),
		UncompressedSize:    uint64(uncompressedLen),
	})
	w.Statistics.ChunkCount++
	w.chunk.reset()
	return nil
}

// writeSummarySection emits each non-empty summary group in the fixed order
// (Schemas, Channels, Metadata indexes, Attachment indexes, Chunk indexes,
// Statistics) and returns one SummaryOffset per group emitted.
func (w *Writer) writeSummarySection() ([]*SummaryOffset, error) {
	var offsets []*SummaryOffset

	if len(w.schemas) > 0 {
		start := w.w.Size()
		for _, id := range w.schemaIDs {
			if err := w.writeSchema(w.schemas[id]); err != nil {
				return offsets, fmt.Errorf("failed to write schema: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpSchema, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	if len(w.channels) > 0 {
		start := w.w.Size()
		for _, id := range w.channelIDs {
			if err := w.writeChannel(w.channels[id]); err != nil {
				return offsets, fmt.Errorf("failed to write channel: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChannel, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	if len(w.MetadataIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.MetadataIndexes {
			if err := w.writeMetadataIndex(idx); err != nil {
				return offsets, fmt.Errorf("failed to write metadata index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpMetadataIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	if len(w.AttachmentIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.AttachmentIndexes {
			if err := w.writeAttachmentIndex(idx); err != nil {
				return offsets, fmt.Errorf("failed to write attachment index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpAttachmentIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	if len(w.ChunkIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.ChunkIndexes {
			if err := w.writeChunkIndex(idx); err != nil {
				return offsets, fmt.Errorf("failed to write chunk index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	if !w.opts.SkipStatistics {
		start := w.w.Size()
		if err := w.writeStatistics(w.Statistics); err != nil {
			return offsets, fmt.Errorf("failed to write statistics: %w", err)
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpStatistics, GroupStart: start, GroupLength: w.w.Size() - start})
	}

	return offsets, nil
}

// Close flushes any open chunk, writes DataEnd, the summary section,
// SummaryOffsets, Footer and closing magic. After Close returns the Writer
// is poisoned, whether or not an error occurred.
func (w *Writer) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	defer func() { w.done = true }()

	if w.opts.Chunked {
		if err := w.flushActiveChunk(); err != nil {
			return fmt.Errorf("failed to flush active chunk: %w", err)
		}
	}

	var dataCRC uint32
	if !w.opts.SkipDataCRC {
		dataCRC = w.w.Checksum()
	}
	if err := w.writeDataEnd(dataCRC); err != nil {
		return fmt.Errorf("failed to write data end: %w", err)
	}

	w.w.ResetCRC()
	var summaryStart uint64
	var offsets []*SummaryOffset
	if !w.opts.SkipSummary {
		summaryStart = w.w.Size()
		var err error
		offsets, err = w.writeSummarySection()
		if err != nil {
			return fmt.Errorf("failed to write summary section: %w", err)
		}
		if len(offsets) == 0 {
			summaryStart = 0
		}
	}

	var summaryOffsetStart uint64
	if !w.opts.SkipSummaryOffsets {
		summaryOffsetStart = w.w.Size()
		for _, o := range offsets {
			if err := w.writeSummaryOffset(o); err != nil {
				return fmt.Errorf("failed to write summary offset: %w", err)
			}
		}
	}

	var summaryCRC uint32
	msglen := 8 + 8 + 4
	w.ensureSized(1 + 8 + msglen)
	w.msg[0] = byte(OpFooter)
	offset := 1
	offset += putUint64(w.msg[offset:], uint64(msglen))
	offset += putUint64(w.msg[offset:], summaryStart)
	offset += putUint64(w.msg[offset:], summaryOffsetStart)
	if _, err := w.w.Write(w.msg[:offset]); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	if !w.opts.SkipDataCRC {
		summaryCRC = w.w.Checksum()
	}
	crcBuf := w.msg[:4]
	putUint32(crcBuf, summaryCRC)
	if _, err := w.w.Write(crcBuf); err != nil {
		return fmt.Errorf("failed to write footer crc: %w", err)
	}

	if _, err := w.w.Write(Magic); err != nil {
		return fmt.Errorf("failed to write closing magic: %w", err)
	}
	return nil
}
