// Package mcap implements the MCAP container file format: a self-describing,
// time-indexed log of heterogeneously-typed binary messages.
package mcap

import "fmt"

// Magic brackets every valid MCAP file, at both the start and the end.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', 0x30, '\r', '\n'}

// OpCode identifies the type of a record.
type OpCode byte

const (
	OpReserved        OpCode = 0x00
	OpHeader          OpCode = 0x01
	OpFooter          OpCode = 0x02
	OpSchema          OpCode = 0x03
	OpChannel         OpCode = 0x04
	OpMessage         OpCode = 0x05
	OpChunk           OpCode = 0x06
	OpMessageIndex    OpCode = 0x07
	OpChunkIndex      OpCode = 0x08
	OpAttachment      OpCode = 0x09
	OpAttachmentIndex OpCode = 0x0A
	OpStatistics      OpCode = 0x0B
	OpMetadata        OpCode = 0x0C
	OpMetadataIndex   OpCode = 0x0D
	OpSummaryOffset   OpCode = 0x0E
	OpDataEnd         OpCode = 0x0F
)

func (c OpCode) String() string {
	switch c {
	case OpReserved:
		return "reserved"
	case OpHeader:
		return "header"
	case OpFooter:
		return "footer"
	case OpSchema:
		return "schema"
	case OpChannel:
		return "channel"
	case OpMessage:
		return "message"
	case OpChunk:
		return "chunk"
	case OpMessageIndex:
		return "message index"
	case OpChunkIndex:
		return "chunk index"
	case OpAttachment:
		return "attachment"
	case OpAttachmentIndex:
		return "attachment index"
	case OpStatistics:
		return "statistics"
	case OpMetadata:
		return "metadata"
	case OpMetadataIndex:
		return "metadata index"
	case OpSummaryOffset:
		return "summary offset"
	case OpDataEnd:
		return "data end"
	default:
		return fmt.Sprintf("<unrecognized opcode 0x%02x>", byte(c))
	}
}

// CompressionFormat names a chunk compression codec.
type CompressionFormat string

const (
	CompressionNone CompressionFormat = ""
	CompressionLZ4  CompressionFormat = "lz4"
	CompressionZSTD CompressionFormat = "zstd"
)

func (c CompressionFormat) String() string { return string(c) }

// Header is the first record in a well-formed file.
type Header struct {
	Profile string
	Library string
}

// Footer is the last record before the closing magic.
type Footer struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

// Schema describes an encoding for channel payloads. ID 0 means "schemaless".
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

// Channel binds a topic to a schema and an encoding.
type Channel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

// Message is a single timestamped payload on a channel.
type Message struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

// Chunk is a batch of Schema, Channel and Message records, optionally
// compressed. Records holds the compressed bytes as declared by Compression;
// decompress with the Compression adapter before re-parsing.
type Chunk struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      CompressionFormat
	Records          []byte
}

// MessageIndexEntry locates one message within a chunk's decompressed byte
// stream.
type MessageIndexEntry struct {
	Timestamp uint64
	Offset    uint64
}

// MessageIndex lists, for one channel within one chunk, the offsets of every
// message on that channel, sorted ascending by Timestamp.
type MessageIndex struct {
	ChannelID uint16
	Records   []MessageIndexEntry
}

// Add appends an entry to the index. Entries are kept in the order added;
// the Writer sorts each index by timestamp before emitting it.
func (idx *MessageIndex) Add(timestamp, offset uint64) {
	idx.Records = append(idx.Records, MessageIndexEntry{Timestamp: timestamp, Offset: offset})
}

// ChunkIndex locates a Chunk record and its associated MessageIndex records.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         CompressionFormat
	CompressedSize      uint64
	UncompressedSize    uint64
}

// Attachment is an out-of-band blob with its own CRC. Attachments never
// appear inside a chunk.
type Attachment struct {
	LogTime    uint64
	CreateTime uint64
	Name       string
	MediaType  string
	Data       []byte
}

// AttachmentIndex locates an Attachment record.
type AttachmentIndex struct {
	Offset     uint64
	Length     uint64
	LogTime    uint64
	CreateTime uint64
	DataSize   uint64
	Name       string
	MediaType  string
}

// Statistics summarizes the recorded data. At most one per file.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

// Metadata is an arbitrary key/value record.
type Metadata struct {
	Name     string
	Metadata map[string]string
}

// MetadataIndex locates a Metadata record.
type MetadataIndex struct {
	Offset uint64
	Length uint64
	Name   string
}

// SummaryOffset locates all summary-section records of one opcode.
type SummaryOffset struct {
	GroupOpcode OpCode
	GroupStart  uint64
	GroupLength uint64
}

// DataEnd terminates the data section.
type DataEnd struct {
	DataSectionCRC uint32
}

// UnknownRecord carries the raw content of a record whose opcode this
// library does not interpret. Per spec, unknown opcodes are skipped, not
// rejected; callers that want to inspect them can do so through this type.
type UnknownRecord struct {
	Opcode  OpCode
	Content []byte
}

// Info is the parsed summary section of an indexed file: everything needed
// to answer random-access queries without re-scanning the data section.
type Info struct {
	Header            *Header
	Footer            *Footer
	Statistics        *Statistics
	Schemas           map[uint16]*Schema
	Channels          map[uint16]*Channel
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex
}

// ChannelCounts returns per-topic message counts, derived from Statistics.
func (i *Info) ChannelCounts() map[string]uint64 {
	counts := make(map[string]uint64, len(i.Statistics.ChannelMessageCounts))
	for id, n := range i.Statistics.ChannelMessageCounts {
		if ch, ok := i.Channels[id]; ok {
			counts[ch.Topic] = n
		}
	}
	return counts
}

// Indexed reports whether this file's summary section can be used for
// random-access reads (Footer.SummaryStart != 0).
func (i *Info) Indexed() bool {
	return i.Footer != nil && i.Footer.SummaryStart != 0
}
