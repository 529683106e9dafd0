package mcap

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetUint16(t *testing.T) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, 123)
	t.Run("successful read", func(t *testing.T) {
		x, offset, err := getUint16(buf, 0)
		require.NoError(t, err)
		require.Equal(t, uint16(123), x)
		require.Equal(t, 2, offset)
	})
	t.Run("insufficient space", func(t *testing.T) {
		_, _, err := getUint16(buf, 1)
		require.ErrorIs(t, err, io.ErrShortBuffer)
	})
}

func TestGetUint32(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 123)
	x, offset, err := getUint32(buf, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(123), x)
	require.Equal(t, 4, offset)

	_, _, err = getUint32(buf, 10)
	require.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestGetUint64(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 123456789)
	x, offset, err := getUint64(buf, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), x)
	require.Equal(t, 8, offset)
}

func TestPrefixedStringRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n := putPrefixedString(buf, "hello world")
	s, offset, err := getPrefixedString(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", s)
	require.Equal(t, n, offset)
}

func TestPrefixedBytesRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	data := []byte{1, 2, 3, 4, 5}
	n := putPrefixedBytes(buf, data)
	got, offset, err := getPrefixedBytes(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, n, offset)
}

func TestPrefixedBytesU64TruncatedLength(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1000)
	_, _, err := getPrefixedBytesU64(buf, 0)
	require.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestPrefixedMapRoundTrip(t *testing.T) {
	m := map[string]string{"a": "1", "b": "2", "c": "3"}
	encoded := lenPrefixedMap(m)
	got, offset, err := getPrefixedMap(encoded, 0)
	require.NoError(t, err)
	require.Equal(t, len(encoded), offset)
	require.Equal(t, m, got)
}

func TestLenPrefixedMapDeterministic(t *testing.T) {
	m := map[string]string{"z": "1", "a": "2", "m": "3"}
	a := lenPrefixedMap(m)
	b := lenPrefixedMap(m)
	require.Equal(t, a, b)
}

func TestCRCWriter(t *testing.T) {
	var dst []byte
	w := newCRCWriter(&sliceWriter{&dst})
	_, _ = w.Write([]byte("123456789"))
	// CRC32/IEEE of "123456789" is a well-known test vector.
	require.Equal(t, uint32(0xCBF43926), w.Checksum())
}

func TestSizeCRCWriterTracksSize(t *testing.T) {
	var dst []byte
	w := newSizeCRCWriter(&sliceWriter{&dst})
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, uint64(5), w.Size())
	w.ResetCRC()
	require.Equal(t, uint32(0), w.Checksum())
}

// sliceWriter is a minimal io.Writer backed by a byte slice pointer, used in
// place of bytes.Buffer where only Write matters.
type sliceWriter struct {
	dst *[]byte
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.dst = append(*s.dst, p...)
	return len(p), nil
}
