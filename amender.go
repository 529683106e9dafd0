package mcap

import (
	"fmt"
	"hash/crc32"
	"io"
)

// This file is the Amender (C9): appends attachments and metadata to an
// existing indexed file in place, then rewrites the summary section to
// cover them, without touching any byte before the old DataEnd. Grounded on
// the teacher's cli/mcap/utils/mcap_amendment.go (AmendMCAP, summarySection,
// writeSummaryBytes), adapted to reuse this package's own Writer and
// IndexedReader instead of going through a Lexer and a second package.

// Amend appends attachments and metadata to the data section of rws (a file
// previously produced by a Writer, opened read/write), then writes a new
// summary section covering the union of what was there before and what was
// just added. It never modifies bytes before the existing DataEnd record.
func Amend(rws io.ReadWriteSeeker, attachments []*Attachment, metadata []*Metadata) error {
	ir, err := NewIndexedReader(rws)
	if err != nil {
		return fmt.Errorf("failed to read existing summary: %w", err)
	}

	footer, _, _, err := readFooter(rws)
	if err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	const dataEndRecordLen = 9 + 4
	dataEndOffset := int64(footer.SummaryStart) - dataEndRecordLen
	oldDataEndContent, err := readRecordAt(rws, uint64(dataEndOffset), OpDataEnd)
	if err != nil {
		return fmt.Errorf("failed to read data end: %w", err)
	}
	oldDataEnd, err := ParseDataEnd(oldDataEndContent)
	if err != nil {
		return err
	}

	if _, err := rws.Seek(dataEndOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data end: %w", err)
	}

	sink := newSizeCRCWriter(rws)
	sink.size = uint64(dataEndOffset)

	appendWriter, err := newBareWriter(sink, &WriterOptions{Chunked: false})
	if err != nil {
		return err
	}

	newAttachmentIndexes := make([]*AttachmentIndex, 0, len(attachments))
	for _, a := range attachments {
		if err := appendWriter.WriteAttachment(a); err != nil {
			return fmt.Errorf("failed to append attachment: %w", err)
		}
		newAttachmentIndexes = append(newAttachmentIndexes, appendWriter.AttachmentIndexes[len(appendWriter.AttachmentIndexes)-1])
	}
	newMetadataIndexes := make([]*MetadataIndex, 0, len(metadata))
	for _, m := range metadata {
		if err := appendWriter.WriteMetadata(m); err != nil {
			return fmt.Errorf("failed to append metadata: %w", err)
		}
		newMetadataIndexes = append(newMetadataIndexes, appendWriter.MetadataIndexes[len(appendWriter.MetadataIndexes)-1])
	}
	tailEnd := sink.Size()

	var dataCRC uint32
	if oldDataEnd.DataSectionCRC != 0 {
		dataCRC, err = recomputeDataCRC(rws, tailEnd)
		if err != nil {
			return fmt.Errorf("failed to recompute data section crc: %w", err)
		}
	}
	if err := appendWriter.writeDataEnd(dataCRC); err != nil {
		return fmt.Errorf("failed to write new data end: %w", err)
	}

	sink.ResetCRC()
	newSummaryStart := sink.Size()
	summaryWriter, err := newBareWriter(sink, &WriterOptions{Chunked: false})
	if err != nil {
		return err
	}

	var offsets []*SummaryOffset

	schemaIDs := sortedSchemaIDs(ir.Info.Schemas)
	if len(schemaIDs) > 0 {
		start := sink.Size()
		for _, id := range schemaIDs {
			if err := summaryWriter.writeSchema(ir.Info.Schemas[id]); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpSchema, GroupStart: start, GroupLength: sink.Size() - start})
	}

	channelIDs := sortedChannelIDs(ir.Info.Channels)
	if len(channelIDs) > 0 {
		start := sink.Size()
		for _, id := range channelIDs {
			if err := summaryWriter.writeChannel(ir.Info.Channels[id]); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChannel, GroupStart: start, GroupLength: sink.Size() - start})
	}

	allMetadataIndexes := append(append([]*MetadataIndex{}, ir.Info.MetadataIndexes...), newMetadataIndexes...)
	if len(allMetadataIndexes) > 0 {
		start := sink.Size()
		for _, idx := range allMetadataIndexes {
			if err := summaryWriter.writeMetadataIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpMetadataIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	allAttachmentIndexes := append(append([]*AttachmentIndex{}, ir.Info.AttachmentIndexes...), newAttachmentIndexes...)
	if len(allAttachmentIndexes) > 0 {
		start := sink.Size()
		for _, idx := range allAttachmentIndexes {
			if err := summaryWriter.writeAttachmentIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpAttachmentIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	if len(ir.Info.ChunkIndexes) > 0 {
		start := sink.Size()
		for _, idx := range ir.Info.ChunkIndexes {
			if err := summaryWriter.writeChunkIndex(idx); err != nil {
				return err
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: start, GroupLength: sink.Size() - start})
	}

	stats := ir.Info.Statistics
	if stats == nil {
		stats = &Statistics{ChannelMessageCounts: make(map[uint16]uint64)}
	}
	stats.AttachmentCount += uint32(len(attachments))
	stats.MetadataCount += uint32(len(metadata))
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

	// The footer's own opcode/length/summaryStart/summaryOffsetStart bytes
	// feed into summaryCrc too (invariant 6), so they're written through the
	// CRC-accumulating sink before Checksum is read, exactly as Close does.
	var hdr [9]byte
	footerPrefix := make([]byte, 16)
	putUint64(footerPrefix, newSummaryStart)
	putUint64(footerPrefix[8:], summaryOffsetStart)
	if _, err := writeRecordHeader(sink, hdr[:], OpFooter, 20); err != nil {
		return err
	}
	if _, err := sink.Write(footerPrefix); err != nil {
		return err
	}
	var summaryCRC uint32
	if footer.SummaryCRC != 0 {
		summaryCRC = sink.Checksum()
	}
	crcBuf := make([]byte, 4)
	putUint32(crcBuf, summaryCRC)
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

// recomputeDataCRC computes the data section CRC (invariant 7: magic through
// the last byte before DataEnd) by rereading the file from the start. Unlike
// a single linear write, an amendment's new data section spans bytes written
// in a previous process, so there is no live accumulator to resume; this is
// the straightforward way to get a correct whole-section CRC after appending.
func recomputeDataCRC(rs io.ReadSeeker, uptoOffset uint64) (uint32, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, rs, int64(uptoOffset)); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func sortedSchemaIDs(m map[uint16]*Schema) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortUint16s(ids)
	return ids
}

func sortedChannelIDs(m map[uint16]*Channel) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortUint16s(ids)
	return ids
}

func sortUint16s(ids []uint16) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
