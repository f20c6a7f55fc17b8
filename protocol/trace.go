package protocol

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/encoding"
	log "github.com/spirit-labs/proxyrpc/logger"
)

// TraceMessage logs a one line summary of a message when protocol tracing is enabled.
func TraceMessage(heading string, msg []byte, peer string) {
	if log.TraceLevel(log.TraceProtocol) < 1 {
		return
	}
	log.Tracef(log.TraceProtocol, 1, "%s %s", heading, Summary(msg, peer))
}

func Summary(msg []byte, peer string) string {
	hdr, err := ParseHeader(msg)
	if err != nil {
		return fmt.Sprintf("invalid message from %s: %v", peer, err)
	}
	s := fmt.Sprintf("%s size=%d compression=%d peer=%s", hdr.Type, hdr.Size, hdr.Compression, peer)
	if len(msg) < RequestHeaderSize {
		return s
	}
	switch hdr.Type {
	case RequestMsg, ReplyMsg:
		id, _ := encoding.ReadUint32FromBufferLE(msg, RequestIDOffset)
		s += fmt.Sprintf(" request_id=%d", int32(id))
	case BatchRequestMsg:
		n, _ := encoding.ReadUint32FromBufferLE(msg, RequestIDOffset)
		s += fmt.Sprintf(" requests=%d", int32(n))
	}
	if hdr.Type == RequestMsg && hdr.Compression != Compressed {
		in := encoding.NewInputStream(msg)
		in.SetPos(RequestHeaderSize)
		if req, err := ReadRequestBody(in); err == nil {
			s += fmt.Sprintf(" identity=%s operation=%s mode=%s", req.Identity, req.Operation, req.Mode)
		}
	}
	return s
}
