package mcap

import (
	"hash/crc32"
	"io"
)

// This file is the record codec (C2): typed parse functions for each
// record variant, plus the framing helper shared by every writer. Grounded
// on the teacher's parse.go.

// ParseHeader parses a Header record's content.
func ParseHeader(buf []byte) (*Header, error) {
	profile, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpHeader, Reason: "profile: " + err.Error()}
	}
	library, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpHeader, Reason: "library: " + err.Error()}
	}
	return &Header{Profile: profile, Library: library}, nil
}

// ParseFooter parses a Footer record's content. Footer content is always
// exactly 20 bytes.
func ParseFooter(buf []byte) (*Footer, error) {
	summaryStart, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpFooter, Reason: "summary start: " + err.Error()}
	}
	summaryOffsetStart, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpFooter, Reason: "summary offset start: " + err.Error()}
	}
	summaryCRC, _, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpFooter, Reason: "summary crc: " + err.Error()}
	}
	return &Footer{
		SummaryStart:       summaryStart,
		SummaryOffsetStart: summaryOffsetStart,
		SummaryCRC:         summaryCRC,
	}, nil
}

// ParseSchema parses a Schema record's content.
func ParseSchema(buf []byte) (*Schema, error) {
	id, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSchema, Reason: "id: " + err.Error()}
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSchema, Reason: "name: " + err.Error()}
	}
	encoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSchema, Reason: "encoding: " + err.Error()}
	}
	data, _, err := getPrefixedBytes(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSchema, Reason: "data: " + err.Error()}
	}
	return &Schema{ID: id, Name: name, Encoding: encoding, Data: append([]byte{}, data...)}, nil
}

// ParseChannel parses a Channel record's content.
func ParseChannel(buf []byte) (*Channel, error) {
	id, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChannel, Reason: "id: " + err.Error()}
	}
	schemaID, offset, err := getUint16(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChannel, Reason: "schema id: " + err.Error()}
	}
	topic, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChannel, Reason: "topic: " + err.Error()}
	}
	encoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChannel, Reason: "message encoding: " + err.Error()}
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChannel, Reason: "metadata: " + err.Error()}
	}
	return &Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: encoding,
		Metadata:        metadata,
	}, nil
}

// channelsEqual reports whether two Channel records are byte-equivalent per
// spec.md invariant 8 (same schemaId, topic, messageEncoding, metadata).
func channelsEqual(a, b *Channel) bool {
	if a.SchemaID != b.SchemaID || a.Topic != b.Topic || a.MessageEncoding != b.MessageEncoding {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if bv, ok := b.Metadata[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// schemasEqual reports whether two Schema records are byte-equivalent.
func schemasEqual(a, b *Schema) bool {
	if a.Name != b.Name || a.Encoding != b.Encoding || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// PopulateMessage fills msg from a Message record's content. If copyData is
// false, msg.Data aliases buf; callers that retain msg past the lifetime of
// buf must pass copyData=true.
func PopulateMessage(msg *Message, buf []byte, copyData bool) error {
	channelID, offset, err := getUint16(buf, 0)
	if err != nil {
		return &InvalidRecordError{Opcode: OpMessage, Reason: "channel id: " + err.Error()}
	}
	sequence, offset, err := getUint32(buf, offset)
	if err != nil {
		return &InvalidRecordError{Opcode: OpMessage, Reason: "sequence: " + err.Error()}
	}
	logTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return &InvalidRecordError{Opcode: OpMessage, Reason: "log time: " + err.Error()}
	}
	publishTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return &InvalidRecordError{Opcode: OpMessage, Reason: "publish time: " + err.Error()}
	}
	data := buf[offset:]
	msg.ChannelID = channelID
	msg.Sequence = sequence
	msg.LogTime = logTime
	msg.PublishTime = publishTime
	if copyData {
		msg.Data = append(msg.Data[:0], data...)
	} else {
		msg.Data = data
	}
	return nil
}

// ParseMessage parses a Message record's content into a new Message.
func ParseMessage(buf []byte) (*Message, error) {
	msg := &Message{}
	if err := PopulateMessage(msg, buf, false); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseChunk parses a Chunk record's content. Records aliases buf; callers
// that retain the Chunk past buf's lifetime must copy it.
func ParseChunk(buf []byte) (*Chunk, error) {
	startTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "start time: " + err.Error()}
	}
	endTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "end time: " + err.Error()}
	}
	uncompressedSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "uncompressed size: " + err.Error()}
	}
	uncompressedCRC, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "uncompressed crc: " + err.Error()}
	}
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "compression: " + err.Error()}
	}
	records, _, err := getPrefixedBytesU64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunk, Reason: "records: " + err.Error()}
	}
	return &Chunk{
		MessageStartTime: startTime,
		MessageEndTime:   endTime,
		UncompressedSize: uncompressedSize,
		UncompressedCRC:  uncompressedCRC,
		Compression:      CompressionFormat(compression),
		Records:          records,
	}, nil
}

// ParseMessageIndex parses a MessageIndex record's content.
func ParseMessageIndex(buf []byte) (*MessageIndex, error) {
	channelID, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMessageIndex, Reason: "channel id: " + err.Error()}
	}
	entriesLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMessageIndex, Reason: "entries length: " + err.Error()}
	}
	end := offset + int(entriesLen)
	if end > len(buf) || end < offset {
		return nil, &InvalidRecordError{Opcode: OpMessageIndex, Reason: "entries length out of bounds"}
	}
	records := make([]MessageIndexEntry, 0, int(entriesLen)/16)
	cursor := offset
	for cursor < end {
		var ts, off uint64
		ts, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpMessageIndex, Reason: "entry timestamp: " + err.Error()}
		}
		off, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpMessageIndex, Reason: "entry offset: " + err.Error()}
		}
		records = append(records, MessageIndexEntry{Timestamp: ts, Offset: off})
	}
	return &MessageIndex{ChannelID: channelID, Records: records}, nil
}

// ParseChunkIndex parses a ChunkIndex record's content.
func ParseChunkIndex(buf []byte) (*ChunkIndex, error) {
	startTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "start time: " + err.Error()}
	}
	endTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "end time: " + err.Error()}
	}
	chunkStartOffset, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "chunk start offset: " + err.Error()}
	}
	chunkLength, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "chunk length: " + err.Error()}
	}
	msgIdxLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "message index offsets length: " + err.Error()}
	}
	mapEnd := offset + int(msgIdxLen)
	if mapEnd > len(buf) || mapEnd < offset {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "message index offsets out of bounds"}
	}
	messageIndexOffsets := make(map[uint16]uint64)
	cursor := offset
	for cursor < mapEnd {
		var chID uint16
		var off uint64
		chID, cursor, err = getUint16(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "channel id: " + err.Error()}
		}
		off, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "offset: " + err.Error()}
		}
		messageIndexOffsets[chID] = off
	}
	offset = mapEnd
	msgIdxRecordLength, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "message index length: " + err.Error()}
	}
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "compression: " + err.Error()}
	}
	compressedSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "compressed size: " + err.Error()}
	}
	uncompressedSize, _, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpChunkIndex, Reason: "uncompressed size: " + err.Error()}
	}
	return &ChunkIndex{
		MessageStartTime:    startTime,
		MessageEndTime:      endTime,
		ChunkStartOffset:    chunkStartOffset,
		ChunkLength:         chunkLength,
		MessageIndexOffsets: messageIndexOffsets,
		MessageIndexLength:  msgIdxRecordLength,
		Compression:         CompressionFormat(compression),
		CompressedSize:      compressedSize,
		UncompressedSize:    uncompressedSize,
	}, nil
}

// ParseAttachment parses an Attachment record's content, validating its CRC.
func ParseAttachment(buf []byte) (*Attachment, error) {
	if len(buf) < 4 {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "short record"}
	}
	crcFieldStart := len(buf) - 4
	logTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "log time: " + err.Error()}
	}
	createTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "create time: " + err.Error()}
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "name: " + err.Error()}
	}
	mediaType, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "media type: " + err.Error()}
	}
	data, offset, err := getPrefixedBytesU64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "data: " + err.Error()}
	}
	if offset != crcFieldStart {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "trailing bytes before crc field"}
	}
	crc, _, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachment, Reason: "crc: " + err.Error()}
	}
	if crc != 0 {
		actual := crc32.ChecksumIEEE(buf[:crcFieldStart])
		if actual != crc {
			return nil, &CRCMismatchError{Kind: CRCKindAttachment, Expected: crc, Actual: actual}
		}
	}
	return &Attachment{
		LogTime:    logTime,
		CreateTime: createTime,
		Name:       name,
		MediaType:  mediaType,
		Data:       append([]byte{}, data...),
	}, nil
}

// ParseAttachmentIndex parses an AttachmentIndex record's content.
func ParseAttachmentIndex(buf []byte) (*AttachmentIndex, error) {
	off, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "offset: " + err.Error()}
	}
	length, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "length: " + err.Error()}
	}
	logTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "log time: " + err.Error()}
	}
	createTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "create time: " + err.Error()}
	}
	dataSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "data size: " + err.Error()}
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "name: " + err.Error()}
	}
	mediaType, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpAttachmentIndex, Reason: "media type: " + err.Error()}
	}
	return &AttachmentIndex{
		Offset:     off,
		Length:     length,
		LogTime:    logTime,
		CreateTime: createTime,
		DataSize:   dataSize,
		Name:       name,
		MediaType:  mediaType,
	}, nil
}

// ParseStatistics parses a Statistics record's content.
func ParseStatistics(buf []byte) (*Statistics, error) {
	messageCount, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "message count: " + err.Error()}
	}
	schemaCount, offset, err := getUint16(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "schema count: " + err.Error()}
	}
	channelCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "channel count: " + err.Error()}
	}
	attachmentCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "attachment count: " + err.Error()}
	}
	metadataCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "metadata count: " + err.Error()}
	}
	chunkCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "chunk count: " + err.Error()}
	}
	messageStartTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "message start time: " + err.Error()}
	}
	messageEndTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "message end time: " + err.Error()}
	}
	countsLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "channel message counts length: " + err.Error()}
	}
	end := offset + int(countsLen)
	if end > len(buf) || end < offset {
		return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "channel message counts out of bounds"}
	}
	counts := make(map[uint16]uint64)
	cursor := offset
	for cursor < end {
		var chID uint16
		var n uint64
		chID, cursor, err = getUint16(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "channel id: " + err.Error()}
		}
		n, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, &InvalidRecordError{Opcode: OpStatistics, Reason: "count: " + err.Error()}
		}
		counts[chID] = n
	}
	return &Statistics{
		MessageCount:         messageCount,
		SchemaCount:          schemaCount,
		ChannelCount:         channelCount,
		AttachmentCount:      attachmentCount,
		MetadataCount:        metadataCount,
		ChunkCount:           chunkCount,
		MessageStartTime:     messageStartTime,
		MessageEndTime:       messageEndTime,
		ChannelMessageCounts: counts,
	}, nil
}

// ParseMetadata parses a Metadata record's content.
func ParseMetadata(buf []byte) (*Metadata, error) {
	name, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMetadata, Reason: "name: " + err.Error()}
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMetadata, Reason: "metadata: " + err.Error()}
	}
	return &Metadata{Name: name, Metadata: metadata}, nil
}

// ParseMetadataIndex parses a MetadataIndex record's content.
func ParseMetadataIndex(buf []byte) (*MetadataIndex, error) {
	offsetVal, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMetadataIndex, Reason: "offset: " + err.Error()}
	}
	length, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMetadataIndex, Reason: "length: " + err.Error()}
	}
	name, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpMetadataIndex, Reason: "name: " + err.Error()}
	}
	return &MetadataIndex{Offset: offsetVal, Length: length, Name: name}, nil
}

// ParseSummaryOffset parses a SummaryOffset record's content.
func ParseSummaryOffset(buf []byte) (*SummaryOffset, error) {
	if len(buf) < 17 {
		return nil, &InvalidRecordError{Opcode: OpSummaryOffset, Reason: "short record"}
	}
	groupOpcode := OpCode(buf[0])
	groupStart, offset, err := getUint64(buf, 1)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSummaryOffset, Reason: "group start: " + err.Error()}
	}
	groupLength, _, err := getUint64(buf, offset)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpSummaryOffset, Reason: "group length: " + err.Error()}
	}
	return &SummaryOffset{GroupOpcode: groupOpcode, GroupStart: groupStart, GroupLength: groupLength}, nil
}

// ParseDataEnd parses a DataEnd record's content.
func ParseDataEnd(buf []byte) (*DataEnd, error) {
	crc, _, err := getUint32(buf, 0)
	if err != nil {
		return nil, &InvalidRecordError{Opcode: OpDataEnd, Reason: "data section crc: " + err.Error()}
	}
	return &DataEnd{DataSectionCRC: crc}, nil
}

// writeRecordHeader writes the opcode+length framing prefix shared by every
// record, per spec.md §3: opcode:u8 | contentLength:u64.
func writeRecordHeader(w io.Writer, hdr []byte, op OpCode, contentLen uint64) (int, error) {
	hdr[0] = byte(op)
	putUint64(hdr[1:], contentLen)
	return w.Write(hdr[:9])
}

// writeRecord writes a complete opcode+length+content record to w.
func writeRecord(w io.Writer, hdr []byte, op OpCode, content []byte) (int, error) {
	n, err := writeRecordHeader(w, hdr, op, uint64(len(content)))
	if err != nil {
		return n, err
	}
	m, err := w.Write(content)
	return n + m, err
}
