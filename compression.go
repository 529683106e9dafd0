package mcap

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// This file is the Compression adapter (C4): a pluggable {none, lz4, zstd}
// codec used by the Chunk builder on write and by both readers on decode.
// Grounded on the teacher's compression_level.go (writer side) and
// lexer.go's decoder cache (reader side).

// CompressionLevel tunes the encoder's speed/ratio tradeoff. Only used for
// lz4 and zstd; CompressionNone ignores it.
type CompressionLevel int

const (
	CompressionLevelFastest CompressionLevel = -20
	CompressionLevelFast    CompressionLevel = -10
	CompressionLevelDefault CompressionLevel = 0
	CompressionLevelSlow    CompressionLevel = 10
	CompressionLevelSlowest CompressionLevel = 20
)

func (c CompressionLevel) lz4Level() lz4.CompressionLevel {
	switch c {
	case CompressionLevelFastest:
		return lz4.Fast
	case CompressionLevelFast:
		return lz4.Level3
	case CompressionLevelSlow:
		return lz4.Level7
	case CompressionLevelSlowest:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func (c CompressionLevel) zstdLevel() zstd.EncoderLevel {
	switch c {
	case CompressionLevelFastest, CompressionLevelFast:
		return zstd.SpeedFastest
	case CompressionLevelSlow:
		return zstd.SpeedBetterCompression
	case CompressionLevelSlowest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// nopWriteCloser adapts a plain io.Writer (used for CompressionNone) to the
// resettable write-closer interface the chunk builder expects of every
// codec, whether or not it does real work. Grounded on the teacher's
// buf_closer.go.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (c nopWriteCloser) Reset(w io.Writer) {
	if bw, ok := c.Writer.(interface{ Reset(io.Writer) }); ok {
		bw.Reset(w)
	}
}

// chunkEncoder is the interface the chunk builder writes compressed bytes
// through. It can be reset onto a fresh destination buffer between chunks
// rather than reallocated, matching the teacher's resettableWriteCloser.
type chunkEncoder interface {
	io.WriteCloser
	Reset(w io.Writer)
}

// newChunkEncoder returns a chunkEncoder for the given compression format,
// writing into dst.
func newChunkEncoder(format CompressionFormat, level CompressionLevel, dst io.Writer) (chunkEncoder, error) {
	switch format {
	case CompressionNone:
		return nopWriteCloser{dst}, nil
	case CompressionLZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(level.lz4Level())); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return w, nil
	case CompressionZSTD:
		w, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(level.zstdLevel()))
		if err != nil {
			return nil, fmt.Errorf("failed to build zstd writer: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, format)
	}
}

// chunkDecoders caches the stateful zstd/lz4 decoders a reader reuses across
// chunks, avoiding repeated allocation. Grounded on the teacher's lexer.go
// decoders struct.
type chunkDecoders struct {
	zstd *zstd.Decoder
	lz4  *lz4.Reader
}

// decompress fully decompresses src (a chunk's Records field, as declared by
// format) into a buffer of exactly uncompressedSize bytes, verifying it
// against crc when crc is nonzero.
func (d *chunkDecoders) decompress(format CompressionFormat, src []byte, uncompressedSize uint64, crc uint32) ([]byte, error) {
	var r io.Reader
	switch format {
	case CompressionNone:
		r = bytes.NewReader(src)
	case CompressionLZ4:
		if d.lz4 == nil {
			d.lz4 = lz4.NewReader(bytes.NewReader(src))
		} else {
			d.lz4.Reset(bytes.NewReader(src))
		}
		r = d.lz4
	case CompressionZSTD:
		if d.zstd == nil {
			dec, err := zstd.NewReader(bytes.NewReader(src))
			if err != nil {
				return nil, fmt.Errorf("failed to build zstd reader: %w", err)
			}
			d.zstd = dec
		} else {
			if err := d.zstd.Reset(bytes.NewReader(src)); err != nil {
				return nil, fmt.Errorf("failed to reset zstd reader: %w", err)
			}
		}
		r = d.zstd
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, format)
	}
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	if crc != 0 {
		if actual := crc32.ChecksumIEEE(out); actual != crc {
			return nil, &CRCMismatchError{Kind: CRCKindChunk, Expected: crc, Actual: actual}
		}
	}
	return out, nil
}

func (d *chunkDecoders) close() {
	if d.zstd != nil {
		d.zstd.Close()
	}
}
