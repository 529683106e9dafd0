package mcap

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
)

// This file is Recovery (C10): reconstructs a usable summary section for a
// file whose own summary is missing, truncated, or corrupt, by walking the
// data section record-by-record and rebuilding schemas, channels, chunk
// indexes, message indexes and statistics from what it finds, skipping
// chunks it cannot decode. Grounded on the teacher's
// cli/mcap/utils/rebuild_info.go (RebuildInfo, UpdateInfoFromChunk,
// WriteInfo).

// RecoveredInfo is the result of scanning a file's data section from
// scratch. DataEndOffset is the absolute file offset recovery stopped at —
// the first byte after the last record it could fully read, or the offset
// of an existing DataEnd/Footer record if one was reached intact — and is
// where a fresh DataEnd record and summary section belong.
type RecoveredInfo struct {
	Header               *Header
	Schemas              map[uint16]*Schema
	Channels             map[uint16]*Channel
	ChunkIndexes         []*ChunkIndex
	AttachmentIndexes    []*AttachmentIndex
	MetadataIndexes      []*MetadataIndex
	Statistics           *Statistics
	DataEndOffset        uint64
	DataSectionCRC       uint32
	ContainsFaultyChunks bool
}

// countingReader tracks how many bytes have been read through it, so Recover
// can learn the absolute file offset of each record as it scans forward.
type countingReader struct {
	r      io.Reader
	offset uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.offset += uint64(n)
	return n, err
}

// readOneRecordHeader reads just a record's 9-byte opcode+length prefix.
func readOneRecordHeader(cr *countingReader) (OpCode, uint64, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(cr, hdr[:]); err != nil {
		return 0, 0, err
	}
	length, _, _ := getUint64(hdr[:], 1)
	return OpCode(hdr[0]), length, nil
}

// Recover scans r (positioned at the start of a file) and rebuilds whatever
// summary information it can, tolerating a truncated tail or individual
// unreadable chunks. It never returns an error for damage found after the
// opening magic and Header; those failures are reflected in the returned
// RecoveredInfo (a short DataEndOffset, ContainsFaultyChunks) instead.
func Recover(r io.Reader) (*RecoveredInfo, error) {
	cr := &countingReader{r: r}
	crcAccum := crc32.NewIEEE()

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(cr, magic); err != nil || !bytes.Equal(magic, Magic) {
		return nil, &BadMagicError{Location: "start", Actual: magic}
	}
	_, _ = crcAccum.Write(magic)

	info := &RecoveredInfo{
		Schemas:    make(map[uint16]*Schema),
		Channels:   make(map[uint16]*Channel),
		Statistics: &Statistics{ChannelMessageCounts: make(map[uint16]uint64)},
	}

	op, length, err := readOneRecordHeader(cr)
	if err != nil {
		return nil, fmt.Errorf("failed to read header record: %w", err)
	}
	if op != OpHeader {
		return nil, &InvalidRecordError{Opcode: op, Reason: "expected header as first record"}
	}
	headerContent := make([]byte, length)
	if _, err := io.ReadFull(cr, headerContent); err != nil {
		return nil, fmt.Errorf("failed to read header record: %w", err)
	}
	hdr, err := ParseHeader(headerContent)
	if err != nil {
		return nil, err
	}
	info.Header = hdr
	feedRecord(crcAccum, OpHeader, headerContent)

	var decoder chunkDecoders
	defer decoder.close()

	var curChunkIndex *ChunkIndex
	var curChunkOffsets map[uint16]uint64
	sealChunk := func() {
		if curChunkIndex != nil {
			curChunkIndex.MessageIndexOffsets = curChunkOffsets
			info.ChunkIndexes = append(info.ChunkIndexes, curChunkIndex)
		}
		curChunkIndex, curChunkOffsets = nil, nil
	}

	var recordOffset uint64
	for {
		recordOffset = cr.offset
		op, length, err := readOneRecordHeader(cr)
		if err != nil {
			break
		}

		if op == OpDataEnd || op == OpFooter {
			sealChunk()
			info.DataEndOffset = recordOffset
			info.DataSectionCRC = crcAccum.Sum32()
			return info, nil
		}

		content := make([]byte, length)
		if _, err := io.ReadFull(cr, content); err != nil {
			break
		}
		feedRecord(crcAccum, op, content)

		switch op {
		case OpSchema:
			if s, perr := ParseSchema(content); perr == nil {
				info.Schemas[s.ID] = s
			}
		case OpChannel:
			if c, perr := ParseChannel(content); perr == nil {
				if _, ok := info.Channels[c.ID]; !ok {
					info.Statistics.ChannelCount++
				}
				info.Channels[c.ID] = c
			}
		case OpMessage:
			if msg, perr := ParseMessage(content); perr == nil {
				recordMessageStats(info.Statistics, msg)
			}
		case OpChunk:
			sealChunk()
			chunk, perr := ParseChunk(content)
			if perr != nil {
				info.ContainsFaultyChunks = true
				continue
			}
			body, derr := decoder.decompress(chunk.Compression, chunk.Records, chunk.UncompressedSize, chunk.UncompressedCRC)
			if derr != nil {
				info.ContainsFaultyChunks = true
				continue
			}
			if derr := rebuildChunkContents(body, info); derr != nil {
				info.ContainsFaultyChunks = true
				continue
			}
			curChunkIndex = &ChunkIndex{
				MessageStartTime: chunk.MessageStartTime,
				MessageEndTime:   chunk.MessageEndTime,
				ChunkStartOffset: recordOffset,
				ChunkLength:      cr.offset - recordOffset,
				Compression:      chunk.Compression,
				CompressedSize:   uint64(len(chunk.Records)),
				UncompressedSize: chunk.UncompressedSize,
			}
			curChunkOffsets = make(map[uint16]uint64)
			info.Statistics.ChunkCount++
		case OpMessageIndex:
			if curChunkIndex == nil || curChunkOffsets == nil {
				continue
			}
			if mi, perr := ParseMessageIndex(content); perr == nil {
				curChunkOffsets[mi.ChannelID] = recordOffset
				curChunkIndex.MessageIndexLength = cr.offset - (curChunkIndex.ChunkStartOffset + curChunkIndex.ChunkLength)
			}
		case OpAttachment:
			a, perr := ParseAttachment(content)
			if perr != nil {
				continue
			}
			info.AttachmentIndexes = append(info.AttachmentIndexes, &AttachmentIndex{
				Offset:     recordOffset,
				Length:     cr.offset - recordOffset,
				LogTime:    a.LogTime,
				CreateTime: a.CreateTime,
				DataSize:   uint64(len(a.Data)),
				Name:       a.Name,
				MediaType:  a.MediaType,
			})
			info.Statistics.AttachmentCount++
		case OpMetadata:
			m, perr := ParseMetadata(content)
			if perr != nil {
				continue
			}
			info.MetadataIndexes = append(info.MetadataIndexes, &MetadataIndex{
				Offset: recordOffset,
				Length: cr.offset - recordOffset,
				Name:   m.Name,
			})
			info.Statistics.MetadataCount++
		default:
			// Unknown, or legal only in a summary section that this scan
			// never trusts; skipped per spec's unknown-opcode rule.
		}
	}

	sealChunk()
	info.DataEndOffset = recordOffset
	info.DataSectionCRC = crcAccum.Sum32()
	return info, nil
}

// feedRecord writes one record's header+content bytes into the running data
// section CRC.
func feedRecord(crcAccum io.Writer, op OpCode, content []byte) {
	var hdr [9]byte
	hdr[0] = byte(op)
	putUint64(hdr[1:], uint64(len(content)))
	_, _ = crcAccum.Write(hdr[:])
	_, _ = crcAccum.Write(content)
}

func recordMessageStats(s *Statistics, msg *Message) {
	s.MessageCount++
	s.ChannelMessageCounts[msg.ChannelID]++
	if msg.LogTime > s.MessageEndTime {
		s.MessageEndTime = msg.LogTime
	}
	if msg.LogTime < s.MessageStartTime || s.MessageCount == 1 {
		s.MessageStartTime = msg.LogTime
	}
}

// rebuildChunkContents walks a chunk's decompressed record stream, folding
// any Schema/Channel it finds into info and feeding each Message into the
// recovered statistics, exactly as if the chunk had just been written
// rather than recovered. Per-channel MessageIndex lookups still come from
// the chunk's own top-level MessageIndex records (curChunkOffsets in
// Recover); this only needs to see inside the chunk to catch schemas and
// channels that were declared nowhere else. It is stricter than the outer
// scan: any malformed record here fails the whole chunk, since there's no
// use half-indexing a chunk whose own internal framing can't be trusted.
func rebuildChunkContents(body []byte, info *RecoveredInfo) error {
	offset := 0
	for offset < len(body) {
		if offset+9 > len(body) {
			return &InvalidRecordError{Reason: "truncated record header inside chunk"}
		}
		op := OpCode(body[offset])
		length, _, _ := getUint64(body, offset+1)
		contentStart := offset + 9
		contentEnd := contentStart + int(length)
		if contentEnd > len(body) || contentEnd < contentStart {
			return &InvalidRecordError{Opcode: op, Reason: "truncated record content inside chunk"}
		}
		content := body[contentStart:contentEnd]
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
			if _, ok := info.Channels[c.ID]; !ok {
				info.Statistics.ChannelCount++
			}
			info.Channels[c.ID] = c
		case OpMessage:
			msg, err := ParseMessage(content)
			if err != nil {
				return err
			}
			recordMessageStats(info.Statistics, msg)
		default:
			return &InvalidRecordError{Opcode: op, Reason: "not legal inside a chunk"}
		}
		offset = contentEnd
	}
	return nil
}

// WriteRecoveredSummary writes a DataEnd at info.DataEndOffset followed by a
// fresh summary section and footer, and truncates anything after it,
// reusing the same low-level Writer primitives as Amend. rws must already
// contain the original magic, Header and data section bytes up to
// info.DataEndOffset; bytes beyond that point (a damaged DataEnd, a corrupt
// summary, or truncated tail) are discarded.
func WriteRecoveredSummary(rws io.ReadWriteSeeker, info *RecoveredInfo) error {
	if _, err := rws.Seek(int64(info.DataEndOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data end offset: %w", err)
	}

	sink := newSizeCRCWriter(rws)
	sink.size = info.DataEndOffset

	dataEndWriter, err := newBareWriter(sink, &WriterOptions{Chunked: false})
	if err != nil {
		return err
	}
	if err := dataEndWriter.writeDataEnd(info.DataSectionCRC); err != nil {
		return fmt.Errorf("failed to write data end: %w", err)
	}

	sink.ResetCRC()
	summaryStart := sink.Size()
	summaryWriter, err := newBareWriter(sink, &WriterOptions{Chunked: false})
	if err != nil {
		return err
	}

	var offsets []*SummaryOffset

	schemaIDs := sortedSchemaIDs(info.Schemas)
	if len(schemaIDs) > 0 {
		start := sink.Size()
		for _, id := range schemaIDs {
			if err := summaryWriter.writeSchema(info.Schemas[id]); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpSchema, GroupStart: start, GroupLength: sink.Size() - start})
	}

	channelIDs := sortedChannelIDs(info.Channels)
	if len(channelIDs) > 0 {
		start := sink.Size()
		for _, id := range channelIDs {
			if err := summaryWriter.writeChannel(info.Channels[id]); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChannel, GroupStart: start, GroupLength: sink.Size() - start})
	}

	if len(info.MetadataIndexes) > 0 {
		start := sink.Size()
		for _, idx := range info.MetadataIndexes {
			if err := summaryWriter.writeMetadataIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpMetadataIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	if len(info.AttachmentIndexes) > 0 {
		start := sink.Size()
		for _, idx := range info.AttachmentIndexes {
			if err := summaryWriter.writeAttachmentIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpAttachmentIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	if len(info.ChunkIndexes) > 0 {
		start := sink.Size()
		for _, idx := range info.ChunkIndexes {
			if err := summaryWriter.writeChunkIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	stats := info.Statistics
	if stats == nil {
		stats = &Statistics{ChannelMessageCounts: make(map[uint16]uint64)}
	}
	stats.SchemaCount = uint16(len(info.Schemas))
	stats.ChunkCount = uint32(len(info.ChunkIndexes))
	start := sink.Size()
	if err := summaryWriter.writeStatistics(stats); err != nil {
		return err
	}
	offsets = append(offsets, &SummaryOffset{GroupOpcode: OpStatistics, GroupStart: start, GroupLength: sink.Size() - start})

	summaryOffsetStart := sink.Size()
	for _, o := range offsets {
		if err := summaryWriter.writeSummaryOffset(o); err != nil {
			return err
		}
	}

	var hdr [9]byte
	footerPrefix := make([]byte, 16)
	putUint64(footerPrefix, summaryStart)
	putUint64(footerPrefix[8:], summaryOffsetStart)
	if _, err := writeRecordHeader(sink, hdr[:], OpFooter, 20); err != nil {
		return err
	}
	if _, err := sink.Write(footerPrefix); err != nil {
		return err
	}
	crcBuf := make([]byte, 4)
	putUint32(crcBuf, sink.Checksum())
	if _, err := sink.Write(crcBuf); err != nil {
		return err
	}
	if _, err := sink.Write(Magic); err != nil {
		return err
	}

	if truncater, ok := rws.(interface{ Truncate(int64) error }); ok {
		if err := truncater.Truncate(int64(sink.Size())); err != nil {
			return fmt.Errorf("failed to truncate trailing bytes: %w", err)
		}
	}
	return nil
}
