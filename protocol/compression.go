package protocol

import (
	"github.com/spirit-labs/proxyrpc/compress"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
)

/*
A compressed message is laid out as:

 1. the original header with compression status 2 and the size of the compressed message
 2. the size of the uncompressed message including its header - int, 4 bytes
 3. the compressed bytes of everything after the original header
*/

// CompressMessage compresses a complete message. It returns false when compression would not make the message
// smaller, in which case the original should be sent.
func CompressMessage(codec compress.CompressionType, msg []byte) ([]byte, bool, error) {
	if len(msg) <= HeaderSize {
		return nil, false, nil
	}
	out := make([]byte, HeaderSize+4, len(msg))
	copy(out, msg[:HeaderSize])
	encoding.PutUint32LE(out, HeaderSize, uint32(len(msg)))
	out, err := compress.Compress(codec, out, msg[HeaderSize:])
	if err != nil {
		return nil, false, err
	}
	if len(out) >= len(msg) {
		return nil, false, nil
	}
	SetCompressionStatus(out, Compressed)
	SetMessageSize(out)
	return out, true, nil
}

// DecompressMessage reverses CompressMessage. Messages which would decompress to more than maxSize are rejected.
func DecompressMessage(codec compress.CompressionType, msg []byte, maxSize int) ([]byte, error) {
	if len(msg) < HeaderSize+4 {
		return nil, errors.NewRpcErrorf(errors.Protocol, "compressed message too short: %d bytes", len(msg))
	}
	sz, _ := encoding.ReadUint32FromBufferLE(msg, HeaderSize)
	uncompressedSize := int(int32(sz))
	if uncompressedSize <= HeaderSize {
		return nil, errors.NewRpcErrorf(errors.Protocol, "illegal uncompressed message size %d", uncompressedSize)
	}
	if maxSize > 0 && uncompressedSize > maxSize {
		return nil, errors.NewRpcErrorf(errors.MemoryLimit,
			"uncompressed message size %d exceeds the maximum allowed of %d bytes", uncompressedSize, maxSize)
	}
	body, err := compress.Decompress(codec, msg[HeaderSize+4:], uncompressedSize-HeaderSize)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.Protocol, "failed to decompress message: %v", err)
	}
	out := make([]byte, 0, uncompressedSize)
	out = append(out, msg[:HeaderSize]...)
	out = append(out, body...)
	SetCompressionStatus(out, AcceptsCompression)
	SetMessageSize(out)
	return out, nil
}
