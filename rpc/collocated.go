package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
)

// CollocatedRequestHandler dispatches requests directly to an object adapter in this process.
type CollocatedRequestHandler struct {
	ref     *Reference
	adapter *ObjectAdapter
}

func newCollocatedRequestHandler(ref *Reference, adapter *ObjectAdapter) *CollocatedRequestHandler {
	return &CollocatedRequestHandler{ref: ref, adapter: adapter}
}

func (h *CollocatedRequestHandler) SendAsyncRequest(out *OutgoingAsync) (connection.AsyncStatus, error) {
	requests, err := decodeRequests(out.Message(), out.batchCount)
	if err != nil {
		return connection.Queued, err
	}
	err = h.ref.comm.pool.Dispatch(func() {
		out.Sent()
		for i := range requests {
			req := &requests[i]
			params, err := h.dispatch(req)
			if !out.response {
				if err != nil {
					log.Debugf("collocated oneway request %s on %s failed: %v", req.Operation, req.Identity, err)
				}
				continue
			}
			reply := protocol.Reply{RequestID: req.RequestID, Params: params}
			if err != nil {
				reply = protocol.ReplyForError(req, err)
			}
			out.Completed(&reply)
		}
	})
	if err != nil {
		return connection.Queued, err
	}
	return connection.Sent, nil
}

func (h *CollocatedRequestHandler) dispatch(req *protocol.Request) (params []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("collocated dispatch of %s on %s panicked: %v", req.Operation, req.Identity, r)
			params = nil
			err = errors.NewRpcErrorf(errors.Unknown, "dispatch of %s panicked: %v", req.Operation, r)
		}
	}()
	return h.adapter.Dispatch(context.Background(), nil, req)
}

// AsyncRequestCanceled fails out, a dispatch in progress can't be interrupted and its result is dropped.
func (h *CollocatedRequestHandler) AsyncRequestCanceled(out *OutgoingAsync, err error) {
	out.Failed(err)
}

func (h *CollocatedRequestHandler) Reference() *Reference {
	return h.ref
}

func (h *CollocatedRequestHandler) Connection() *connection.Connection {
	return nil
}

func (h *CollocatedRequestHandler) WaitForConnection(context.Context) (*connection.Connection, error) {
	return nil, nil
}

// decodeRequests decodes a request message, or batchCount requests from a batch request message.
func decodeRequests(msg []byte, batchCount int) ([]protocol.Request, error) {
	// The message size isn't set until the request is sent on a connection
	if len(msg) < protocol.RequestHeaderSize {
		return nil, errors.NewMarshalErrorf("request message too short: %d bytes", len(msg))
	}
	msgType := protocol.MessageType(msg[8])
	in := encoding.NewInputStream(msg)
	in.SetPos(protocol.HeaderSize)
	switch msgType {
	case protocol.RequestMsg:
		if _, err := in.ReadInt(); err != nil {
			return nil, err
		}
		req, err := protocol.ReadRequestBody(in)
		if err != nil {
			return nil, err
		}
		// Collocated replies aren't matched by id
		req.RequestID = 1
		return []protocol.Request{req}, nil
	case protocol.BatchRequestMsg:
		if _, err := in.ReadInt(); err != nil {
			return nil, err
		}
		requests := make([]protocol.Request, 0, batchCount)
		for i := 0; i < batchCount; i++ {
			req, err := protocol.ReadRequestBody(in)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		}
		return requests, nil
	default:
		return nil, errors.NewRpcErrorf(errors.Protocol, "can't dispatch %s message", msgType)
	}
}
