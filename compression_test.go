package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkEncoderRoundTrip(t *testing.T) {
	for _, format := range []CompressionFormat{CompressionNone, CompressionLZ4, CompressionZSTD} {
		name := string(format)
		if name == "" {
			name = "none"
		}
		t.Run(name, func(t *testing.T) {
			var dst bytes.Buffer
			enc, err := newChunkEncoder(format, CompressionLevelDefault, &dst)
			require.NoError(t, err)
			payload := bytes.Repeat([]byte("abcdefgh"), 1000)
			_, err = enc.Write(payload)
			require.NoError(t, err)
			require.NoError(t, enc.Close())

			var decoders chunkDecoders
			defer decoders.close()
			out, err := decoders.decompress(format, dst.Bytes(), uint64(len(payload)), 0)
			require.NoError(t, err)
			require.Equal(t, payload, out)
		})
	}
}

func TestChunkDecoderDetectsCRCMismatch(t *testing.T) {
	var dst bytes.Buffer
	enc, err := newChunkEncoder(CompressionZSTD, CompressionLevelDefault, &dst)
	require.NoError(t, err)
	payload := []byte("hello world")
	_, err = enc.Write(payload)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	var decoders chunkDecoders
	defer decoders.close()
	_, err = decoders.decompress(CompressionZSTD, dst.Bytes(), uint64(len(payload)), 0xDEADBEEF)
	require.Error(t, err)
	var crcErr *CRCMismatchError
	require.ErrorAs(t, err, &crcErr)
	require.Equal(t, CRCKindChunk, crcErr.Kind)
}

func TestChunkEncoderUnsupportedCompression(t *testing.T) {
	var dst bytes.Buffer
	_, err := newChunkEncoder(CompressionFormat("brotli"), CompressionLevelDefault, &dst)
	require.ErrorIs(t, err, ErrUnsupportedCompression)
}

// TestChunkDecodersReusedAcrossChunks exercises the stateful decoder-reuse
// path (decompress called twice on the same chunkDecoders) for lz4 and zstd.
func TestChunkDecodersReusedAcrossChunks(t *testing.T) {
	for _, format := range []CompressionFormat{CompressionLZ4, CompressionZSTD} {
		t.Run(string(format), func(t *testing.T) {
			var decoders chunkDecoders
			defer decoders.close()
			for i := 0; i < 3; i++ {
				var dst bytes.Buffer
				enc, err := newChunkEncoder(format, CompressionLevelDefault, &dst)
				require.NoError(t, err)
				payload := bytes.Repeat([]byte{byte(i)}, 500)
				_, err = enc.Write(payload)
				require.NoError(t, err)
				require.NoError(t, enc.Close())

				out, err := decoders.decompress(format, dst.Bytes(), uint64(len(payload)), 0)
				require.NoError(t, err)
				require.Equal(t, payload, out)
			}
		})
	}
}
