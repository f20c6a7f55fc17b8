package compress

import (
	"bytes"
	"compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"io"
	"sync"
)

// CompressionType identifies the codec used for compressed message bodies. Both peers of a connection must be
// configured with the same codec.
type CompressionType byte

const (
	CompressionTypeNone    CompressionType = 0
	CompressionTypeGzip    CompressionType = 1
	CompressionTypeSnappy  CompressionType = 2
	CompressionTypeLz4     CompressionType = 3
	CompressionTypeZstd    CompressionType = 4
	CompressionTypeUnknown CompressionType = 255
)

func FromString(str string) CompressionType {
	switch str {
	case "none":
		return CompressionTypeNone
	case "gzip":
		return CompressionTypeGzip
	case "snappy":
		return CompressionTypeSnappy
	case "lz4":
		return CompressionTypeLz4
	case "zstd":
		return CompressionTypeZstd
	default:
		return CompressionTypeUnknown
	}
}

func (t CompressionType) String() string {
	switch t {
	case CompressionTypeNone:
		return "none"
	case CompressionTypeGzip:
		return "gzip"
	case CompressionTypeSnappy:
		return "snappy"
	case CompressionTypeLz4:
		return "lz4"
	case CompressionTypeZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var zstdOnce sync.Once
var zstdEncoder *zstd.Encoder
var zstdDecoder *zstd.Decoder
var zstdErr error

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	// EncodeAll / DecodeAll are safe for concurrent use so a single pair is shared
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress appends the compressed form of data to buff.
func Compress(compressionType CompressionType, buff []byte, data []byte) ([]byte, error) {
	var w io.WriteCloser
	var buf *bytes.Buffer
	switch compressionType {
	case CompressionTypeGzip:
		buf = bytes.NewBuffer(buff)
		w = gzip.NewWriter(buf)
	case CompressionTypeSnappy:
		return append(buff, s2.EncodeSnappy(nil, data)...), nil
	case CompressionTypeLz4:
		buf = bytes.NewBuffer(buff)
		w = lz4.NewWriter(buf)
	case CompressionTypeZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return enc.EncodeAll(data, buff), nil
	default:
		return nil, errors.Errorf("unexpected compression type: %d", compressionType)
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses data. sizeHint is the expected decompressed size, used to pre-size the output and to
// reject bodies which decompress to more than the sender advertised.
func Decompress(compressionType CompressionType, data []byte, sizeHint int) ([]byte, error) {
	var r io.Reader
	switch compressionType {
	case CompressionTypeGzip:
		var err error
		r, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.WithStack(err)
		}
	case CompressionTypeSnappy:
		out, err := s2.Decode(make([]byte, 0, sizeHint), data)
		return checkSize(out, err, sizeHint)
	case CompressionTypeLz4:
		r = lz4.NewReader(bytes.NewReader(data))
	case CompressionTypeZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out, err := dec.DecodeAll(data, make([]byte, 0, sizeHint))
		return checkSize(out, err, sizeHint)
	default:
		return nil, errors.Errorf("unexpected compression type: %d", compressionType)
	}
	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	limit := int64(sizeHint) + 1
	if sizeHint <= 0 {
		limit = 1 << 62
	}
	if _, err := io.Copy(buf, io.LimitReader(r, limit)); err != nil {
		return nil, errors.WithStack(err)
	}
	return checkSize(buf.Bytes(), nil, sizeHint)
}

func checkSize(out []byte, err error, sizeHint int) ([]byte, error) {
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if sizeHint > 0 && len(out) != sizeHint {
		return nil, errors.Errorf("decompressed size %d does not match expected size %d", len(out), sizeHint)
	}
	return out, nil
}
