package mcap

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"sort"
)

// This file is the byte codec (C1): little-endian primitive read/write,
// length-prefixed strings/bytes, map encoding, and an incremental CRC32
// accumulator. Grounded on the teacher's utils.go/reader.go/writer.go
// get*/put* helpers.

func getUint16(buf []byte, offset int) (uint16, int, error) {
	if offset < 0 || offset > len(buf)-2 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset > len(buf)-4 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset > len(buf)-8 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

func putUint16(buf []byte, v uint16) int {
	binary.LittleEndian.PutUint16(buf, v)
	return 2
}

func putUint32(buf []byte, v uint32) int {
	binary.LittleEndian.PutUint32(buf, v)
	return 4
}

func putUint64(buf []byte, v uint64) int {
	binary.LittleEndian.PutUint64(buf, v)
	return 8
}

// getPrefixedString reads a u32 byte-length-prefixed UTF-8 string.
func getPrefixedString(buf []byte, offset int) (string, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return "", 0, err
	}
	if offset+int(length) > len(buf) || offset+int(length) < offset {
		return "", 0, io.ErrShortBuffer
	}
	return string(buf[offset : offset+int(length)]), offset + int(length), nil
}

// getPrefixedBytes reads a u32 byte-length-prefixed byte array.
func getPrefixedBytes(buf []byte, offset int) ([]byte, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	if offset+int(length) > len(buf) || offset+int(length) < offset {
		return nil, 0, io.ErrShortBuffer
	}
	return buf[offset : offset+int(length)], offset + int(length), nil
}

// getPrefixedBytesU64 reads a u64 byte-length-prefixed byte array, used only
// for Chunk.Records and Attachment.Data per the asymmetric size rule in
// spec.md §9.
func getPrefixedBytesU64(buf []byte, offset int) ([]byte, int, error) {
	length, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	end := offset + int(length)
	if end > len(buf) || end < offset {
		return nil, 0, io.ErrShortBuffer
	}
	return buf[offset:end], end, nil
}

// getPrefixedMap reads a u32-total-byte-length-prefixed sequence of
// string/string key-value pairs.
func getPrefixedMap(buf []byte, offset int) (map[string]string, int, error) {
	totalLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	end := offset + int(totalLen)
	if end > len(buf) || end < offset {
		return nil, 0, io.ErrShortBuffer
	}
	m := make(map[string]string)
	cursor := offset
	for cursor < end {
		var key, value string
		key, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		value, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		m[key] = value
	}
	return m, end, nil
}

func putPrefixedString(buf []byte, s string) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

func putPrefixedBytes(buf []byte, b []byte) int {
	offset := putUint32(buf, uint32(len(b)))
	offset += copy(buf[offset:], b)
	return offset
}

// lenPrefixedMap computes the serialized byte form of a string/string map,
// key-sorted for deterministic output (the wire format does not require
// this; readers must not rely on it, per spec.md §9).
func lenPrefixedMap(m map[string]string) []byte {
	bodyLen := 0
	keys := make([]string, 0, len(m))
	for k, v := range m {
		bodyLen += 4 + len(k) + 4 + len(v)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]byte, 4+bodyLen)
	offset := putUint32(out, uint32(bodyLen))
	for _, k := range keys {
		offset += putPrefixedString(out[offset:], k)
		offset += putPrefixedString(out[offset:], m[k])
	}
	return out
}

// crcWriter wraps an io.Writer, accumulating an IEEE CRC32 over every byte
// written. Grounded on the teacher's crc_writer.go.
type crcWriter struct {
	w   io.Writer
	crc hash.Hash32
}

func newCRCWriter(w io.Writer) *crcWriter {
	return &crcWriter{w: w, crc: crc32.NewIEEE()}
}

func (w *crcWriter) Write(p []byte) (int, error) {
	_, _ = w.crc.Write(p)
	return w.w.Write(p)
}

func (w *crcWriter) Checksum() uint32 { return w.crc.Sum32() }

func (w *crcWriter) ResetCRC() { w.crc = crc32.NewIEEE() }

// sizeCRCWriter additionally tracks the number of bytes written, giving the
// Writer (C6) a cheap way to learn absolute file offsets as it emits
// records. Grounded on the teacher's writeSizer/counting_writer.go.
type sizeCRCWriter struct {
	cw   *crcWriter
	size uint64
}

func newSizeCRCWriter(w io.Writer) *sizeCRCWriter {
	return &sizeCRCWriter{cw: newCRCWriter(w)}
}

func (w *sizeCRCWriter) Write(p []byte) (int, error) {
	n, err := w.cw.Write(p)
	w.size += uint64(n)
	return n, err
}

func (w *sizeCRCWriter) Size() uint64     { return w.size }
func (w *sizeCRCWriter) Checksum() uint32 { return w.cw.Checksum() }
func (w *sizeCRCWriter) ResetCRC()        { w.cw.ResetCRC() }

// crcReader wraps an io.Reader, optionally accumulating an IEEE CRC32 over
// every byte read. Grounded on the teacher's crc_reader.go.
type crcReader struct {
	r          io.Reader
	crc        hash.Hash32
	computeCRC bool
}

func newCRCReader(r io.Reader, computeCRC bool) *crcReader {
	return &crcReader{r: r, crc: crc32.NewIEEE(), computeCRC: computeCRC}
}

func (r *crcReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if r.computeCRC && n > 0 {
		_, _ = r.crc.Write(p[:n])
	}
	return n, err
}

func (r *crcReader) Checksum() uint32 { return r.crc.Sum32() }
