package mcap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// This file is the Stream reader (C7): a sequential, non-seeking reader that
// walks records from front to back, transparently descending into chunks.
// Grounded on the teacher's lexer.go (opcode+length framing, chunk
// de-chunking, decoder reuse) and reader.go (the typed layer above it).

// ReadOptions configures a Reader. The zero value validates every CRC and
// leaves chunks de-chunked (their contents are yielded, not the Chunk
// record itself), matching the documented defaults in 4.7.
type ReadOptions struct {
	SkipCRCValidation bool
	EmitChunkRecords  bool
	MaxRecordSize     int
}

// Reader sequentially parses records out of r. It never seeks; Footer is the
// last record it is required to understand, after which exactly len(Magic)
// trailing bytes (the closing magic) must follow.
type Reader struct {
	src     io.Reader
	cur     io.Reader
	rawCRC  *crcReader
	opts    ReadOptions
	decoder chunkDecoders

	inChunk   bool
	done      bool
	channels  map[uint16]*Channel
	schemas   map[uint16]*Schema
	hdr       [9]byte
	chunkHead [8 + 8 + 8 + 4 + 4]byte
}

// NewReader constructs a stream Reader, validating the opening magic; the
// Header is returned by the first call to Next. It wraps r in an IEEE CRC32 accumulator from the
// first byte of the opening magic so that DataEnd.dataSectionCrc (invariant
// 7 in spec.md §3) can be checked without buffering the whole data section.
func NewReader(r io.Reader, opts *ReadOptions) (*Reader, error) {
	o := ReadOptions{}
	if opts != nil {
		o = *opts
	}
	raw := newCRCReader(r, !o.SkipCRCValidation)
	reader := &Reader{
		src:      raw,
		cur:      raw,
		rawCRC:   raw,
		opts:     o,
		channels: make(map[uint16]*Channel),
		schemas:  make(map[uint16]*Schema),
	}
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(raw, magic); err != nil {
		return nil, &BadMagicError{Location: "start", Actual: magic}
	}
	if !bytes.Equal(magic, Magic) {
		return nil, &BadMagicError{Location: "start", Actual: magic}
	}
	return reader, nil
}

// Next returns the next record. At end of stream it returns (nil, io.EOF).
// The returned value is one of *Header, *Schema, *Channel, *Message, *Chunk
// (only if EmitChunkRecords is set), *MessageIndex, *ChunkIndex, *Attachment,
// *AttachmentIndex, *Statistics, *Metadata, *MetadataIndex, *SummaryOffset,
// *DataEnd, *Footer, or *UnknownRecord.
func (r *Reader) Next() (interface{}, error) {
	if r.done {
		return nil, ErrReaderExhausted
	}
	for {
		var preRecordCRC uint32
		if !r.inChunk {
			preRecordCRC = r.rawCRC.Checksum()
		}
		_, err := io.ReadFull(r.cur, r.hdr[:9])
		if err != nil {
			if r.inChunk && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				r.inChunk = false
				r.cur = r.src
				continue
			}
			if errors.Is(err, io.EOF) {
				r.done = true
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read record header: %w", err)
		}
		op := OpCode(r.hdr[0])
		length, _, _ := getUint64(r.hdr[:], 1)
		if r.opts.MaxRecordSize > 0 && length > uint64(r.opts.MaxRecordSize) {
			return nil, ErrRecordTooLarge
		}
		if op == OpReserved {
			return nil, ErrInvalidZeroOpcode
		}
		if r.inChunk {
			switch op {
			case OpSchema, OpChannel, OpMessage:
			default:
				return nil, &InvalidRecordError{Opcode: op, Reason: "not legal inside a chunk"}
			}
		}

		if op == OpChunk && !r.opts.EmitChunkRecords {
			if err := r.descendIntoChunk(); err != nil {
				return nil, err
			}
			continue
		}

		content := make([]byte, length)
		n, err := io.ReadFull(r.cur, content)
		if err != nil {
			return nil, &TruncatedRecordError{Opcode: op, ActualLen: n, ExpectedLen: length}
		}

		switch op {
		case OpHeader:
			return ParseHeader(content)
		case OpFooter:
			f, err := ParseFooter(content)
			if err != nil {
				return nil, err
			}
			if err := r.finishAtFooter(); err != nil {
				return nil, err
			}
			return f, nil
		case OpSchema:
			s, err := ParseSchema(content)
			if err != nil {
				return nil, err
			}
			r.schemas[s.ID] = s
			return s, nil
		case OpChannel:
			c, err := ParseChannel(content)
			if err != nil {
				return nil, err
			}
			if existing, ok := r.channels[c.ID]; ok {
				if !channelsEqual(existing, c) {
					return nil, &ConflictingChannelError{ChannelID: c.ID}
				}
			} else {
				r.channels[c.ID] = c
			}
			return c, nil
		case OpMessage:
			msg, err := ParseMessage(content)
			if err != nil {
				return nil, err
			}
			if _, ok := r.channels[msg.ChannelID]; !ok {
				return nil, &UnknownChannelError{ChannelID: msg.ChannelID}
			}
			return msg, nil
		case OpChunk:
			return ParseChunk(content)
		case OpMessageIndex:
			return ParseMessageIndex(content)
		case OpChunkIndex:
			return ParseChunkIndex(content)
		case OpAttachment:
			return ParseAttachment(content)
		case OpAttachmentIndex:
			return ParseAttachmentIndex(content)
		case OpStatistics:
			return ParseStatistics(content)
		case OpMetadata:
			return ParseMetadata(content)
		case OpMetadataIndex:
			return ParseMetadataIndex(content)
		case OpSummaryOffset:
			return ParseSummaryOffset(content)
		case OpDataEnd:
			de, err := ParseDataEnd(content)
			if err != nil {
				return nil, err
			}
			if !r.opts.SkipCRCValidation && de.DataSectionCRC != 0 && de.DataSectionCRC != preRecordCRC {
				return nil, &CRCMismatchError{Kind: CRCKindData, Expected: de.DataSectionCRC, Actual: preRecordCRC}
			}
			return de, nil
		default:
			return &UnknownRecord{Opcode: op, Content: append([]byte{}, content...)}, nil
		}
	}
}

// finishAtFooter requires exactly the closing magic to follow and marks the
// reader done, per 4.7's TrailerMagic state.
func (r *Reader) finishAtFooter() error {
	trailer := make([]byte, len(Magic))
	if _, err := io.ReadFull(r.src, trailer); err != nil {
		return fmt.Errorf("failed to read closing magic: %w", err)
	}
	if !bytes.Equal(trailer, Magic) {
		return &BadMagicError{Location: "end", Actual: trailer}
	}
	extra := make([]byte, 1)
	if n, err := r.src.Read(extra); n > 0 || (err != nil && !errors.Is(err, io.EOF)) {
		return fmt.Errorf("trailing bytes after closing magic")
	}
	r.done = true
	return nil
}

// descendIntoChunk reads a Chunk record's framing, decompresses its content
// (validating uncompressedCrc unless CRC validation is disabled), and makes
// the decompressed bytes the reader's current source until exhausted.
func (r *Reader) descendIntoChunk() error {
	if r.inChunk {
		return ErrNestedChunk
	}
	if _, err := io.ReadFull(r.cur, r.chunkHead[:]); err != nil {
		return fmt.Errorf("failed to read chunk header: %w", err)
	}
	_, offset, _ := getUint64(r.chunkHead[:], 0)
	_, offset, _ = getUint64(r.chunkHead[:], offset)
	uncompressedSize, offset, _ := getUint64(r.chunkHead[:], offset)
	uncompressedCRC, offset, _ := getUint32(r.chunkHead[:], offset)
	compressionLen, _, _ := getUint32(r.chunkHead[:], offset)

	compressionBuf := make([]byte, compressionLen+8)
	if _, err := io.ReadFull(r.cur, compressionBuf); err != nil {
		return fmt.Errorf("failed to read chunk compression field: %w", err)
	}
	compression := CompressionFormat(compressionBuf[:compressionLen])
	recordsLength, _, _ := getUint64(compressionBuf, int(compressionLen))

	compressed := make([]byte, recordsLength)
	if _, err := io.ReadFull(r.cur, compressed); err != nil {
		return fmt.Errorf("failed to read chunk records: %w", err)
	}

	crc := uncompressedCRC
	if r.opts.SkipCRCValidation {
		crc = 0
	}
	decompressed, err := r.decoder.decompress(compression, compressed, uncompressedSize, crc)
	if err != nil {
		return err
	}
	r.cur = bytes.NewReader(decompressed)
	r.inChunk = true
	return nil
}

// Close releases any stateful decoders held by the reader.
func (r *Reader) Close() {
	r.decoder.close()
}
