package mcap

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
)

// This file is the incremental stream reader, built directly on the Stream
// buffer (C3): a non-blocking counterpart to Reader (C7) for callers that
// cannot block on a source — a socket, a fuzz harness, a caller feeding
// bytes off a channel — and must instead push whatever bytes just arrived
// and ask "is there a record yet?". It shares the Record codec (C2) with
// Reader but drives it from Append/Consume rather than io.ReadFull, per the
// peek(view) -> Option<Record, bytes_used> pattern in spec.md §4.3/§4.7.

// IncrementalReader parses records out of bytes pushed to it via Append,
// yielding a record as soon as enough bytes have accumulated to frame one.
// Unlike Reader it never blocks: Next reports ErrNeedMoreData instead of
// waiting when the buffered window is incomplete.
type IncrementalReader struct {
	opts    ReadOptions
	decoder chunkDecoders

	validatedMagic bool
	outer          *streamBuffer
	dataCRC        hash.Hash32

	inChunk  bool
	chunkBuf *streamBuffer

	done     bool
	channels map[uint16]*Channel
	schemas  map[uint16]*Schema
}

// ErrNeedMoreData is returned by IncrementalReader.Next when the buffered
// window does not yet hold a complete record. Callers should Append more
// bytes and retry; it is not a terminal error.
var ErrNeedMoreData = fmt.Errorf("mcap: need more data")

// NewIncrementalReader constructs an IncrementalReader with an empty buffer.
// Feed it bytes with Append before calling Next.
func NewIncrementalReader(opts *ReadOptions) *IncrementalReader {
	o := ReadOptions{}
	if opts != nil {
		o = *opts
	}
	return &IncrementalReader{
		opts:     o,
		outer:    newStreamBuffer(),
		dataCRC:  crc32.NewIEEE(),
		channels: make(map[uint16]*Channel),
		schemas:  make(map[uint16]*Schema),
	}
}

// Append appends newly-received bytes to the reader's buffer. It never
// blocks and never fails; malformed input only surfaces once Next tries to
// parse a record from it.
func (r *IncrementalReader) Append(p []byte) {
	r.outer.Append(p)
}

// consumeOuter marks the first n bytes of the outer buffer's window as read,
// folding them into the running data-section CRC (invariant 7 in spec.md
// §3). Bytes consumed from a chunk's decompressed body never pass through
// here, since they were never part of the raw file's data-section bytes;
// only the chunk's own compressed record is.
func (r *IncrementalReader) consumeOuter(n int) {
	_, _ = r.dataCRC.Write(r.outer.Window()[:n])
	r.outer.Consume(n)
}

// Next attempts to parse the next record from the buffered window. It
// returns (nil, ErrNeedMoreData) if the window doesn't yet hold a complete
// record — callers should Append more bytes and call Next again. Once the
// closing magic has been consumed, further calls return ErrReaderExhausted.
func (r *IncrementalReader) Next() (interface{}, error) {
	if r.done {
		return nil, ErrReaderExhausted
	}
	if !r.validatedMagic {
		if r.outer.Avail() < len(Magic) {
			return nil, ErrNeedMoreData
		}
		window := r.outer.Window()
		if !bytes.Equal(window[:len(Magic)], Magic) {
			return nil, &BadMagicError{Location: "start", Actual: append([]byte{}, window[:len(Magic)]...)}
		}
		r.consumeOuter(len(Magic))
		r.validatedMagic = true
	}

	for {
		if r.inChunk && r.chunkBuf.Avail() == 0 {
			r.inChunk = false
			r.chunkBuf = nil
			continue
		}
		src := r.outer
		if r.inChunk {
			src = r.chunkBuf
		}

		window := src.Window()
		if len(window) < 9 {
			if r.inChunk {
				// A chunk's own framing guarantees its content is complete
				// once the Chunk record itself was fully buffered; running
				// out mid-record here means the chunk's inner bytes were
				// truncated, which is a structural error, not "need more".
				return nil, &TruncatedRecordError{Opcode: OpReserved, ActualLen: len(window)}
			}
			return nil, ErrNeedMoreData
		}
		op := OpCode(window[0])
		length, _, _ := getUint64(window, 1)
		if r.opts.MaxRecordSize > 0 && length > uint64(r.opts.MaxRecordSize) {
			return nil, ErrRecordTooLarge
		}
		total := 9 + int(length)
		if total < 9 {
			return nil, ErrLengthOutOfRange
		}
		if len(window) < total {
			if r.inChunk {
				return nil, &TruncatedRecordError{Opcode: op, ActualLen: len(window), ExpectedLen: length}
			}
			return nil, ErrNeedMoreData
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
		content := window[9:total]
		preCRC := r.dataCRC.Sum32()

		if op == OpChunk && !r.opts.EmitChunkRecords {
			chunk, err := ParseChunk(content)
			if err != nil {
				return nil, err
			}
			r.consumeOuter(total)
			crc := chunk.UncompressedCRC
			if r.opts.SkipCRCValidation {
				crc = 0
			}
			body, err := r.decoder.decompress(chunk.Compression, chunk.Records, chunk.UncompressedSize, crc)
			if err != nil {
				return nil, err
			}
			r.chunkBuf = newStreamBuffer()
			r.chunkBuf.Append(body)
			r.inChunk = true
			continue
		}

		if op == OpFooter && !r.inChunk && len(window) < total+len(Magic) {
			// Hold off consuming the footer until its trailing magic is
			// already buffered too, so the two are consumed atomically;
			// otherwise a footer that arrives in one Append and its magic
			// in a later one would be dropped on the floor while we wait,
			// with no record left in the window to resume parsing from.
			return nil, ErrNeedMoreData
		}

		if r.inChunk {
			src.Consume(total)
		} else {
			r.consumeOuter(total)
		}
		return r.dispatch(op, content, preCRC)
	}
}

func (r *IncrementalReader) dispatch(op OpCode, content []byte, preCRC uint32) (interface{}, error) {
	switch op {
	case OpHeader:
		return ParseHeader(content)
	case OpFooter:
		f, err := ParseFooter(content)
		if err != nil {
			return nil, err
		}
		if r.outer.Avail() < len(Magic) {
			return nil, ErrNeedMoreData
		}
		trailer := r.outer.Window()[:len(Magic)]
		if !bytes.Equal(trailer, Magic) {
			return nil, &BadMagicError{Location: "end", Actual: append([]byte{}, trailer...)}
		}
		r.outer.Consume(len(Magic))
		if r.outer.Avail() != 0 {
			return nil, fmt.Errorf("trailing bytes after closing magic")
		}
		r.done = true
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
		if !r.opts.SkipCRCValidation && de.DataSectionCRC != 0 && de.DataSectionCRC != preCRC {
			return nil, &CRCMismatchError{Kind: CRCKindData, Expected: de.DataSectionCRC, Actual: preCRC}
		}
		return de, nil
	default:
		return &UnknownRecord{Opcode: op, Content: append([]byte{}, content...)}, nil
	}
}

// Close releases any stateful decoders held by the reader.
func (r *IncrementalReader) Close() {
	r.decoder.close()
}
