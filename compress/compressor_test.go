package compress

import (
	"bytes"
	"crypto/rand"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestCompressionGzip(t *testing.T) {
	testCompressor(t, CompressionTypeGzip)
}

func TestCompressionSnappy(t *testing.T) {
	testCompressor(t, CompressionTypeSnappy)
}

func TestCompressionLz4(t *testing.T) {
	testCompressor(t, CompressionTypeLz4)
}

func TestCompressionZstd(t *testing.T) {
	testCompressor(t, CompressionTypeZstd)
}

func testCompressor(t *testing.T, compressionType CompressionType) {
	testCompressorWithInitialBytes(t, compressionType, 0)
	testCompressorWithInitialBytes(t, compressionType, 14)
}

func testCompressorWithInitialBytes(t *testing.T, compressionType CompressionType, numInitialBytes int) {
	data := append(randomBytes(1000), bytes.Repeat([]byte("hello"), 2000)...)
	var initialBytes []byte
	if numInitialBytes > 0 {
		initialBytes = randomBytes(numInitialBytes)
	}
	compressed, err := Compress(compressionType, initialBytes, data)
	require.NoError(t, err)
	if numInitialBytes > 0 {
		require.Equal(t, initialBytes, compressed[:len(initialBytes)])
	}
	require.Less(t, len(compressed), len(data)+numInitialBytes)
	decompressed, err := Decompress(compressionType, compressed[len(initialBytes):], len(data))
	require.NoError(t, err)
	require.Equal(t, data, decompressed)
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 500)
	for _, ct := range []CompressionType{CompressionTypeGzip, CompressionTypeSnappy, CompressionTypeLz4, CompressionTypeZstd} {
		compressed, err := Compress(ct, nil, data)
		require.NoError(t, err)
		_, err = Decompress(ct, compressed, 100)
		require.Error(t, err, ct.String())
	}
}

func TestFromString(t *testing.T) {
	for _, ct := range []CompressionType{CompressionTypeNone, CompressionTypeGzip, CompressionTypeSnappy, CompressionTypeLz4, CompressionTypeZstd} {
		require.Equal(t, ct, FromString(ct.String()))
	}
	require.Equal(t, CompressionTypeUnknown, FromString("bzip2"))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}
