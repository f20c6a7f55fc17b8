package protocol

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
)

/*
Every message starts with a fixed 14 byte header:

 1. magic - 4 bytes, 'I' 'c' 'e' 'P'
 2. protocol version - major, minor, 1 byte each
 3. encoding version - major, minor, 1 byte each
 4. message type - 1 byte
 5. compression status - 1 byte
 6. message size including the header - int, 4 bytes, little endian

Requests follow the header with a 4 byte request id (0 for oneway), batch requests with a 4 byte request count.
*/

const (
	HeaderSize        = 14
	MessageSizeOffset = 10
	// RequestIDOffset is also the offset of the request count in batch requests.
	RequestIDOffset = HeaderSize
	// RequestHeaderSize is the header plus the request id or batch count.
	RequestHeaderSize = HeaderSize + 4
)

var Magic = [4]byte{'I', 'c', 'e', 'P'}

var (
	ProtocolVersion  = encoding.Version{Major: 1, Minor: 0}
	ProtocolEncoding = encoding.Encoding10
)

type MessageType byte

const (
	RequestMsg            MessageType = 0
	BatchRequestMsg       MessageType = 1
	ReplyMsg              MessageType = 2
	ValidateConnectionMsg MessageType = 3
	CloseConnectionMsg    MessageType = 4
)

func (m MessageType) String() string {
	switch m {
	case RequestMsg:
		return "request"
	case BatchRequestMsg:
		return "batch request"
	case ReplyMsg:
		return "reply"
	case ValidateConnectionMsg:
		return "validate connection"
	case CloseConnectionMsg:
		return "close connection"
	default:
		return fmt.Sprintf("unknown message type %d", byte(m))
	}
}

type CompressionStatus byte

const (
	NotCompressed      CompressionStatus = 0
	AcceptsCompression CompressionStatus = 1
	Compressed         CompressionStatus = 2
)

type Header struct {
	Type        MessageType
	Compression CompressionStatus
	Size        int
}

func appendHeader(buff []byte, msgType MessageType, compression CompressionStatus, size int) []byte {
	buff = append(buff, Magic[:]...)
	buff = append(buff, ProtocolVersion.Major, ProtocolVersion.Minor, ProtocolEncoding.Major, ProtocolEncoding.Minor)
	buff = append(buff, byte(msgType), byte(compression))
	return encoding.AppendUint32ToBufferLE(buff, uint32(size))
}

// WriteHeader writes a header with a zero size, to be filled in by SetMessageSize once the message is complete.
func WriteHeader(out *encoding.OutputStream, msgType MessageType, compression CompressionStatus) {
	out.WriteBlob(appendHeader(make([]byte, 0, HeaderSize), msgType, compression, 0))
}

func WriteRequestHeader(out *encoding.OutputStream) {
	WriteHeader(out, RequestMsg, NotCompressed)
	out.WriteInt(0)
}

func WriteBatchRequestHeader(out *encoding.OutputStream) {
	WriteHeader(out, BatchRequestMsg, NotCompressed)
	out.WriteInt(0)
}

// NewBatchRequestHeader returns the header used to reset batch buffers.
func NewBatchRequestHeader() []byte {
	buff := appendHeader(make([]byte, 0, RequestHeaderSize), BatchRequestMsg, NotCompressed, 0)
	return encoding.AppendUint32ToBufferLE(buff, 0)
}

func NewValidateConnectionMessage() []byte {
	return appendHeader(make([]byte, 0, HeaderSize), ValidateConnectionMsg, NotCompressed, HeaderSize)
}

func NewCloseConnectionMessage() []byte {
	return appendHeader(make([]byte, 0, HeaderSize), CloseConnectionMsg, NotCompressed, HeaderSize)
}

func SetMessageSize(msg []byte) {
	encoding.PutUint32LE(msg, MessageSizeOffset, uint32(len(msg)))
}

func SetRequestID(msg []byte, requestID int32) {
	encoding.PutUint32LE(msg, RequestIDOffset, uint32(requestID))
}

func SetCompressionStatus(msg []byte, status CompressionStatus) {
	msg[9] = byte(status)
}

// ParseHeader validates the header at the start of buff. buff must contain at least HeaderSize bytes.
func ParseHeader(buff []byte) (Header, error) {
	if len(buff) < HeaderSize {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "message too short for header: %d bytes", len(buff))
	}
	if buff[0] != Magic[0] || buff[1] != Magic[1] || buff[2] != Magic[2] || buff[3] != Magic[3] {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "bad magic in message header: % x", buff[:4])
	}
	if buff[4] != ProtocolVersion.Major {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "unsupported protocol version %d.%d", buff[4], buff[5])
	}
	if buff[6] != ProtocolEncoding.Major {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "unsupported protocol encoding %d.%d", buff[6], buff[7])
	}
	msgType := MessageType(buff[8])
	if msgType > CloseConnectionMsg {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "unknown message type %d", buff[8])
	}
	compression := CompressionStatus(buff[9])
	if compression > Compressed {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "unknown compression status %d", buff[9])
	}
	size, _ := encoding.ReadUint32FromBufferLE(buff, MessageSizeOffset)
	if int32(size) < HeaderSize {
		return Header{}, errors.NewRpcErrorf(errors.Protocol, "illegal message size %d", int32(size))
	}
	return Header{Type: msgType, Compression: compression, Size: int(size)}, nil
}
