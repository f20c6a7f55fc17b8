package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"sync"
)

// RequestHandler sends the invocations of a proxy.
type RequestHandler interface {
	// SendAsyncRequest sends or queues out. An error means the request was not sent, it is then retried or failed
	// by the caller.
	SendAsyncRequest(out *OutgoingAsync) (connection.AsyncStatus, error)
	// AsyncRequestCanceled withdraws out if it hasn't completed yet.
	AsyncRequestCanceled(out *OutgoingAsync, err error)
	Reference() *Reference
	// Connection returns the connection requests are sent on, nil if it isn't established yet or the handler
	// doesn't use one.
	Connection() *connection.Connection
	// WaitForConnection waits for the connection to be established.
	WaitForConnection(ctx context.Context) (*connection.Connection, error)
}

/*
ConnectRequestHandler establishes a connection for a reference and queues requests until it is ready.

Once the connection is established the queued requests are flushed to it in the order they were made. Requests made
while flushing wait for the flush to complete so that they can't overtake queued requests. After that, requests go
directly to the connection. If the connection can't be established, queued requests are failed with the error and
later requests get it straight away.
*/
type ConnectRequestHandler struct {
	ref         *Reference
	lock        sync.Mutex
	cond        *sync.Cond
	conn        *connection.Connection
	compress    bool
	err         error
	initialized bool
	flushing    bool
	requests    []*OutgoingAsync
	ready       chan struct{}
	readyOnce   sync.Once
}

func newConnectRequestHandler(ref *Reference) *ConnectRequestHandler {
	h := &ConnectRequestHandler{
		ref:   ref,
		ready: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.lock)
	return h
}

func (h *ConnectRequestHandler) connect() {
	h.ref.getConnection(h.setConnection)
}

func (h *ConnectRequestHandler) Reference() *Reference {
	return h.ref
}

func (h *ConnectRequestHandler) SendAsyncRequest(out *OutgoingAsync) (connection.AsyncStatus, error) {
	h.lock.Lock()
	ok, err := h.initializedLocked()
	if err != nil {
		h.lock.Unlock()
		return connection.Queued, err
	}
	if !ok {
		h.requests = append(h.requests, out)
		h.lock.Unlock()
		return connection.Queued, nil
	}
	conn, compress := h.conn, h.compress
	h.lock.Unlock()
	return out.invokeRemote(conn, compress)
}

// initializedLocked waits for a flush in progress. It returns true if requests can be sent on the connection.
func (h *ConnectRequestHandler) initializedLocked() (bool, error) {
	if h.initialized {
		return true, nil
	}
	for h.flushing {
		h.cond.Wait()
	}
	if h.err != nil {
		if h.conn != nil {
			// The connection was established but failed afterwards, sending on it fails the request with the
			// connection's error
			return true, nil
		}
		return false, h.err
	}
	return h.initialized, nil
}

func (h *ConnectRequestHandler) AsyncRequestCanceled(out *OutgoingAsync, err error) {
	h.lock.Lock()
	if h.err != nil {
		// Already failed with the handler's error
		h.lock.Unlock()
		return
	}
	ok, _ := h.initializedLocked()
	if !ok {
		for i, r := range h.requests {
			if r == out {
				h.requests = append(h.requests[:i], h.requests[i+1:]...)
				h.lock.Unlock()
				out.Failed(err)
				return
			}
		}
		h.lock.Unlock()
		return
	}
	conn := h.conn
	h.lock.Unlock()
	conn.AsyncRequestCanceled(out, err)
}

func (h *ConnectRequestHandler) Connection() *connection.Connection {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.initialized {
		return nil
	}
	return h.conn
}

func (h *ConnectRequestHandler) WaitForConnection(ctx context.Context) (*connection.Connection, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.conn, nil
}

func (h *ConnectRequestHandler) setConnection(conn *connection.Connection, compress bool, err error) {
	if err != nil {
		h.setException(err)
		return
	}
	h.lock.Lock()
	h.conn = conn
	h.compress = compress
	h.lock.Unlock()
	// The router must know the proxy before requests for it are forwarded
	if ri := h.ref.routerInfo; ri != nil {
		if !ri.AddProxy(h.ref, h.proxyAdded) {
			return
		}
	}
	h.flushRequests()
}

func (h *ConnectRequestHandler) proxyAdded(err error) {
	if err != nil {
		h.setException(err)
		return
	}
	h.flushRequests()
}

func (h *ConnectRequestHandler) flushRequests() {
	h.lock.Lock()
	h.flushing = true
	requests := h.requests
	h.requests = nil
	conn, compress := h.conn, h.compress
	h.lock.Unlock()

	var flushErr error
	for _, out := range requests {
		if _, err := out.invokeRemote(conn, compress); err != nil {
			flushErr = err
			out.Failed(err)
		}
	}

	h.lock.Lock()
	h.err = flushErr
	h.initialized = flushErr == nil
	h.flushing = false
	h.cond.Broadcast()
	h.lock.Unlock()
	h.markReady()
	log.Tracef(log.TraceNetwork, 3, "flushed %d queued requests for %s to %s", len(requests), h.ref, conn)

	// Proxies keep using the handler from their cache, later proxies get a new handler which finds the cached
	// connection
	h.ref.comm.handlerFactory.removeRequestHandler(h.ref, h)
}

func (h *ConnectRequestHandler) setException(err error) {
	h.lock.Lock()
	h.err = err
	h.flushing = true
	requests := h.requests
	h.requests = nil
	h.lock.Unlock()

	h.ref.comm.handlerFactory.removeRequestHandler(h.ref, h)
	log.Tracef(log.TraceNetwork, 2, "failed to establish connection for %s: %v", h.ref, err)
	for _, out := range requests {
		out.Failed(err)
	}

	h.lock.Lock()
	h.flushing = false
	h.cond.Broadcast()
	h.lock.Unlock()
	h.markReady()
}

func (h *ConnectRequestHandler) markReady() {
	h.readyOnce.Do(func() {
		close(h.ready)
	})
}

// FixedRequestHandler sends requests on the connection of a fixed reference.
type FixedRequestHandler struct {
	ref      *Reference
	conn     *connection.Connection
	compress bool
}

func newFixedRequestHandler(ref *Reference) (*FixedRequestHandler, error) {
	conn := ref.fixedConn
	if !conn.IsActiveOrHolding() {
		err := conn.Err()
		if err == nil {
			err = errors.NewRpcErrorf(errors.ConnectionLost, "connection %s is closed", conn)
		}
		return nil, err
	}
	if ref.mode.IsDatagram() != conn.Endpoint().Datagram() {
		return nil, errors.NewRpcErrorf(errors.NoEndpoint, "%s proxy can't use connection %s", ref.mode, conn)
	}
	compress, ok := ref.Compress()
	if !ok {
		compress = conn.Endpoint().Compress()
	}
	return &FixedRequestHandler{ref: ref, conn: conn, compress: compress}, nil
}

func (h *FixedRequestHandler) SendAsyncRequest(out *OutgoingAsync) (connection.AsyncStatus, error) {
	return out.invokeRemote(h.conn, h.compress)
}

func (h *FixedRequestHandler) AsyncRequestCanceled(out *OutgoingAsync, err error) {
	h.conn.AsyncRequestCanceled(out, err)
}

func (h *FixedRequestHandler) Reference() *Reference {
	return h.ref
}

func (h *FixedRequestHandler) Connection() *connection.Connection {
	return h.conn
}

func (h *FixedRequestHandler) WaitForConnection(context.Context) (*connection.Connection, error) {
	return h.conn, nil
}
