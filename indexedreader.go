package mcap

import (
	"bytes"
	"container/heap"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// This file is the Indexed reader (C8): random-access reads against a
// seekable source, using the summary section to avoid scanning the data
// section. Grounded on the teacher's reader.go Info()/readHeader (the
// seek-and-parse pattern) and range_index_heap.go (the k-way merge, see
// rangeindexheap.go).

// ReadOrder controls the order Messages yields records in.
type ReadOrder int

const (
	// LogTimeOrder yields messages in ascending LogTime order, merging
	// across chunks as needed. This is the default.
	LogTimeOrder ReadOrder = iota
	// ReverseLogTimeOrder yields messages in descending LogTime order.
	ReverseLogTimeOrder
	// FileOrder yields messages chunk-by-chunk in ChunkStartOffset order,
	// without merging; cheaper when callers don't care about global time
	// order.
	FileOrder
)

// MessagesOptions filters and orders a Messages read. The zero value reads
// every message on every channel in ascending LogTime order. StartTime and
// EndTime are both inclusive: a message is returned iff StartTime <= LogTime
// and (!HasEndTime || LogTime <= EndTime). HasEndTime distinguishes "no
// upper bound" from the valid bound EndTime==0.
type MessagesOptions struct {
	Topics     []string
	StartTime  uint64
	EndTime    uint64
	HasEndTime bool
	Order      ReadOrder
}

// MessageIterator yields messages one at a time. Next returns (nil, io.EOF)
// once exhausted.
type MessageIterator interface {
	Next() (*Message, error)
}

// IndexedReader parses a file's summary section once and answers
// random-access queries against it without re-scanning the data section.
type IndexedReader struct {
	rs         io.ReadSeeker
	Info       *Info
	decoder    chunkDecoders
	chunkCache map[uint64][]byte
}

// NewIndexedReader validates magic, parses the Header and Footer, and (if
// the file carries a summary section) parses it into Info. If the file has
// no summary section, it returns ErrNotIndexed; callers should fall back to
// NewReader for a sequential scan.
func NewIndexedReader(rs io.ReadSeeker) (*IndexedReader, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to start: %w", err)
	}
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(rs, magic); err != nil || !bytes.Equal(magic, Magic) {
		return nil, &BadMagicError{Location: "start", Actual: magic}
	}
	header, err := readRecordAt(rs, uint64(len(Magic)), OpHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	hdr, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}

	footer, footerOffset, trailer, err := readFooter(rs)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Header:   hdr,
		Footer:   footer,
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
	}
	if footer.SummaryStart == 0 {
		return nil, ErrNotIndexed
	}

	if _, err := rs.Seek(int64(footer.SummaryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to summary start: %w", err)
	}
	summaryBuf := make([]byte, footerOffset-int64(footer.SummaryStart))
	if _, err := io.ReadFull(rs, summaryBuf); err != nil {
		return nil, fmt.Errorf("failed to read summary section: %w", err)
	}
	if footer.SummaryCRC != 0 {
		h := crc32.NewIEEE()
		_, _ = h.Write(summaryBuf)
		_, _ = h.Write(trailer[:25])
		if actual := h.Sum32(); actual != footer.SummaryCRC {
			return nil, &CRCMismatchError{Kind: CRCKindSummary, Expected: footer.SummaryCRC, Actual: actual}
		}
	}
	if err := parseSummary(summaryBuf, info); err != nil {
		return nil, err
	}

	return &IndexedReader{
		rs:         rs,
		Info:       info,
		chunkCache: make(map[uint64][]byte),
	}, nil
}

// readFooter locates and parses the trailing Footer record, returning the
// absolute file offset of its opcode byte and the raw trailer bytes (needed
// unchanged for summaryCrc validation).
func readFooter(rs io.ReadSeeker) (*Footer, int64, []byte, error) {
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to seek to end: %w", err)
	}
	const footerContentLen = 20
	trailerLen := int64(9 + footerContentLen + len(Magic))
	footerOffset := end - trailerLen
	if footerOffset < 0 {
		return nil, 0, nil, &TruncatedRecordError{Opcode: OpFooter, ActualLen: int(end)}
	}
	if _, err := rs.Seek(footerOffset, io.SeekStart); err != nil {
		return nil, 0, nil, fmt.Errorf("failed to seek to footer: %w", err)
	}
	trailer := make([]byte, trailerLen)
	if _, err := io.ReadFull(rs, trailer); err != nil {
		return nil, 0, nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if !bytes.Equal(trailer[trailerLen-int64(len(Magic)):], Magic) {
		return nil, 0, nil, &BadMagicError{Location: "end", Actual: trailer[trailerLen-int64(len(Magic)):]}
	}
	if op := OpCode(trailer[0]); op != OpFooter {
		return nil, 0, nil, &InvalidRecordError{Opcode: op, Reason: "expected footer at end of file"}
	}
	length, _, _ := getUint64(trailer, 1)
	if length != footerContentLen {
		return nil, 0, nil, &InvalidRecordError{Opcode: OpFooter, Reason: "unexpected footer content length"}
	}
	footer, err := ParseFooter(trailer[9 : 9+footerContentLen])
	if err != nil {
		return nil, 0, nil, err
	}
	return footer, footerOffset, trailer, nil
}

// parseSummary walks the summary section, rejecting any record type not
// legal there and a second Statistics record.
func parseSummary(buf []byte, info *Info) error {
	haveStats := false
	offset := 0
	for offset < len(buf) {
		if offset+9 > len(buf) {
			return &InvalidRecordError{Reason: "truncated record header in summary section"}
		}
		op := OpCode(buf[offset])
		length, _, _ := getUint64(buf, offset+1)
		contentStart := offset + 9
		contentEnd := contentStart + int(length)
		if contentEnd > len(buf) || contentEnd < contentStart {
			return &InvalidRecordError{Opcode: op, Reason: "truncated record content in summary section"}
		}
		content := buf[contentStart:contentEnd]
		switch op {
		case OpSchema:
			s, err := ParseSchema(content)
			if err != nil {
				return err
			}
			info.Schemas[s.ID] = s
		case OpChannel:
			c, err := ParseChannel(content)
			if err != nil {
				return err
			}
			info.Channels[c.ID] = c
		case OpChunkIndex:
			ci, err := ParseChunkIndex(content)
			if err != nil {
				return err
			}
			info.ChunkIndexes = append(info.ChunkIndexes, ci)
		case OpAttachmentIndex:
			ai, err := ParseAttachmentIndex(content)
			if err != nil {
				return err
			}
			info.AttachmentIndexes = append(info.AttachmentIndexes, ai)
		case OpMetadataIndex:
			mi, err := ParseMetadataIndex(content)
			if err != nil {
				return err
			}
			info.MetadataIndexes = append(info.MetadataIndexes, mi)
		case OpStatistics:
			if haveStats {
				return &InvalidRecordError{Opcode: op, Reason: "duplicate statistics record in summary section"}
			}
			st, err := ParseStatistics(content)
			if err != nil {
				return err
			}
			info.Statistics = st
			haveStats = true
		case OpSummaryOffset:
			// Recomputed on every write; not retained on Info.
		default:
			return &InvalidRecordError{Opcode: op, Reason: "not legal in summary section"}
		}
		offset = contentEnd
	}
	return nil
}

// readRecordAt seeks to offset and reads one record's content, verifying it
// carries the expected opcode.
func readRecordAt(rs io.ReadSeeker, offset uint64, want OpCode) ([]byte, error) {
	if _, err := rs.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}
	var hdr [9]byte
	if _, err := io.ReadFull(rs, hdr[:]); err != nil {
		return nil, err
	}
	op := OpCode(hdr[0])
	if op != want {
		return nil, &InvalidRecordError{Opcode: op, Reason: "unexpected opcode at indexed offset"}
	}
	length, _, _ := getUint64(hdr[:], 1)
	content := make([]byte, length)
	if _, err := io.ReadFull(rs, content); err != nil {
		return nil, err
	}
	return content, nil
}

// cursorEntry is one message's position within a chunk's decompressed byte
// stream, filtered and ready to read.
type cursorEntry struct {
	timestamp uint64
	offset    uint64
}

// chunkCursor walks the filtered, time-sorted messages of one chunk. Per
// 4.8, it is lazily initialized: newChunkCursor only reads the chunk's
// MessageIndex records (not its body) up front, and the chunk itself is
// decompressed on first actual read, cached by the reader.
type chunkCursor struct {
	idx     *ChunkIndex
	entries []cursorEntry
	pos     int
}

func newChunkCursor(rs io.ReadSeeker, idx *ChunkIndex, channels map[uint16]bool, startTime, endTime uint64, hasEndTime bool) (*chunkCursor, error) {
	c := &chunkCursor{idx: idx}
	for channelID, offset := range idx.MessageIndexOffsets {
		if channels != nil && !channels[channelID] {
			continue
		}
		content, err := readRecordAt(rs, offset, OpMessageIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to read message index for channel %d: %w", channelID, err)
		}
		mi, err := ParseMessageIndex(content)
		if err != nil {
			return nil, err
		}
		for _, e := range mi.Records {
			if e.Timestamp < startTime {
				continue
			}
			if hasEndTime && e.Timestamp > endTime {
				continue
			}
			c.entries = append(c.entries, cursorEntry{timestamp: e.Timestamp, offset: e.Offset})
		}
	}
	sort.Slice(c.entries, func(i, j int) bool {
		if c.entries[i].timestamp != c.entries[j].timestamp {
			return c.entries[i].timestamp < c.entries[j].timestamp
		}
		return c.entries[i].offset < c.entries[j].offset
	})
	return c, nil
}

func (c *chunkCursor) drained() bool { return c.pos >= len(c.entries) }

func (c *chunkCursor) peekTimestamp() uint64 { return c.entries[c.pos].timestamp }

// chunkBody returns idx's decompressed record stream, reading and
// decompressing it from rs on first use and caching the result by
// ChunkStartOffset.
func (ir *IndexedReader) chunkBody(idx *ChunkIndex) ([]byte, error) {
	if body, ok := ir.chunkCache[idx.ChunkStartOffset]; ok {
		return body, nil
	}
	content, err := readRecordAt(ir.rs, idx.ChunkStartOffset, OpChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk at offset %d: %w", idx.ChunkStartOffset, err)
	}
	chunk, err := ParseChunk(content)
	if err != nil {
		return nil, err
	}
	body, err := ir.decoder.decompress(chunk.Compression, chunk.Records, chunk.UncompressedSize, chunk.UncompressedCRC)
	if err != nil {
		return nil, err
	}
	ir.chunkCache[idx.ChunkStartOffset] = body
	return body, nil
}

func (ir *IndexedReader) evictChunk(offset uint64) { delete(ir.chunkCache, offset) }

// parseMessageAt parses the Message record at offset within a chunk's
// decompressed body.
func parseMessageAt(body []byte, offset uint64) (*Message, error) {
	o := int(offset)
	if o < 0 || o+9 > len(body) {
		return nil, &InvalidRecordError{Opcode: OpMessage, Reason: "message index offset out of range"}
	}
	op := OpCode(body[o])
	if op != OpMessage {
		return nil, &InvalidRecordError{Opcode: op, Reason: "message index points at a non-message record"}
	}
	length, _, _ := getUint64(body, o+1)
	contentStart := o + 9
	contentEnd := contentStart + int(length)
	if contentEnd > len(body) || contentEnd < contentStart {
		return nil, &InvalidRecordError{Opcode: OpMessage, Reason: "truncated message"}
	}
	return ParseMessage(body[contentStart:contentEnd])
}

// channelsForTopics resolves a topic filter to a channel ID set. A nil
// result means "every channel".
func (ir *IndexedReader) channelsForTopics(topics []string) map[uint16]bool {
	if len(topics) == 0 {
		return nil
	}
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	channels := make(map[uint16]bool)
	for id, ch := range ir.Info.Channels {
		if want[ch.Topic] {
			channels[id] = true
		}
	}
	return channels
}

// chunksOverlap reports whether any two of the given chunk indexes' time
// ranges overlap.
func chunksOverlap(indexes []*ChunkIndex) bool {
	if len(indexes) < 2 {
		return false
	}
	sorted := append([]*ChunkIndex(nil), indexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MessageStartTime < sorted[j].MessageStartTime })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MessageStartTime <= sorted[i-1].MessageEndTime {
			return true
		}
	}
	return false
}

// Messages returns an iterator over messages matching opts. It requires an
// indexed file (Info.Indexed()); callers with an unindexed file should use
// NewReader instead. Only messages stored in chunks are visited; messages
// written outside any chunk are not returned.
func (ir *IndexedReader) Messages(opts MessagesOptions) (MessageIterator, error) {
	if !ir.Info.Indexed() {
		return nil, ErrNotIndexed
	}
	channels := ir.channelsForTopics(opts.Topics)

	var selected []*ChunkIndex
	for _, ci := range ir.Info.ChunkIndexes {
		if opts.HasEndTime && ci.MessageStartTime > opts.EndTime {
			continue
		}
		if ci.MessageEndTime < opts.StartTime {
			continue
		}
		selected = append(selected, ci)
	}

	cursors := make([]*chunkCursor, 0, len(selected))
	for _, ci := range selected {
		c, err := newChunkCursor(ir.rs, ci, channels, opts.StartTime, opts.EndTime, opts.HasEndTime)
		if err != nil {
			return nil, err
		}
		if len(c.entries) > 0 {
			cursors = append(cursors, c)
		}
	}

	reverse := opts.Order == ReverseLogTimeOrder
	if reverse {
		for _, c := range cursors {
			for i, j := 0, len(c.entries)-1; i < j; i, j = i+1, j-1 {
				c.entries[i], c.entries[j] = c.entries[j], c.entries[i]
			}
		}
	}

	if opts.Order == FileOrder {
		sort.Slice(cursors, func(i, j int) bool { return cursors[i].idx.ChunkStartOffset < cursors[j].idx.ChunkStartOffset })
		return &flatMessageIterator{ir: ir, cursors: cursors}, nil
	}

	if !chunksOverlap(selected) {
		sort.Slice(cursors, func(i, j int) bool {
			ti, tj := cursors[i].entries[0].timestamp, cursors[j].entries[0].timestamp
			if reverse {
				return ti > tj
			}
			return ti < tj
		})
		return &flatMessageIterator{ir: ir, cursors: cursors}, nil
	}

	h := &cursorHeap{cursors: cursors, reverse: reverse}
	heap.Init(h)
	return &heapMessageIterator{ir: ir, h: h}, nil
}

// Close releases any stateful decoders held by the reader.
func (ir *IndexedReader) Close() {
	ir.decoder.close()
}

// flatMessageIterator drains cursors one at a time in the order given,
// without a heap. Used for FileOrder reads and for LogTimeOrder/
// ReverseLogTimeOrder reads whose selected chunks don't overlap in time, in
// which case cursor order already matches message order.
type flatMessageIterator struct {
	ir      *IndexedReader
	cursors []*chunkCursor
	i       int
}

func (it *flatMessageIterator) Next() (*Message, error) {
	for it.i < len(it.cursors) {
		c := it.cursors[it.i]
		if c.drained() {
			it.ir.evictChunk(c.idx.ChunkStartOffset)
			it.i++
			continue
		}
		body, err := it.ir.chunkBody(c.idx)
		if err != nil {
			return nil, err
		}
		e := c.entries[c.pos]
		c.pos++
		msg, err := parseMessageAt(body, e.offset)
		if err != nil {
			return nil, err
		}
		if msg.LogTime != e.timestamp {
			return nil, &InvalidRecordError{Opcode: OpMessage, Reason: "message index timestamp disagrees with message record"}
		}
		if c.drained() {
			it.ir.evictChunk(c.idx.ChunkStartOffset)
		}
		return msg, nil
	}
	return nil, io.EOF
}

// heapMessageIterator merges overlapping chunks' messages in timestamp
// order via cursorHeap.
type heapMessageIterator struct {
	ir *IndexedReader
	h  *cursorHeap
}

func (it *heapMessageIterator) Next() (*Message, error) {
	if it.h.Len() == 0 {
		return nil, io.EOF
	}
	c := it.h.cursors[0]
	body, err := it.ir.chunkBody(c.idx)
	if err != nil {
		return nil, err
	}
	e := c.entries[c.pos]
	c.pos++
	msg, err := parseMessageAt(body, e.offset)
	if err != nil {
		return nil, err
	}
	if msg.LogTime != e.timestamp {
		return nil, &InvalidRecordError{Opcode: OpMessage, Reason: "message index timestamp disagrees with message record"}
	}
	if c.drained() {
		heap.Pop(it.h)
		it.ir.evictChunk(c.idx.ChunkStartOffset)
	} else {
		heap.Fix(it.h, 0)
	}
	return msg, nil
}
