package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/batch"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/encoding"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"time"
)

/*
Proxy is a client side handle for a remote object. Proxies are immutable and safe for concurrent use, the With
methods return a proxy with a modified reference.

A proxy caches its request handler, and so its connection, when its reference caches connections. Invocations that
fail are transparently retried according to the communicator's retry intervals, when retrying can't cause the
operation to be executed twice.
*/
type Proxy struct {
	ref   *Reference
	cache *RequestHandlerCache
}

func newProxy(ref *Reference) *Proxy {
	return &Proxy{ref: ref, cache: newRequestHandlerCache(ref)}
}

func (p *Proxy) derive(ref *Reference) *Proxy {
	if ref == p.ref {
		return p
	}
	return newProxy(ref)
}

func (p *Proxy) Reference() *Reference {
	return p.ref
}

func (p *Proxy) Communicator() *Communicator {
	return p.ref.comm
}

func (p *Proxy) Identity() protocol.Identity {
	return p.ref.identity
}

func (p *Proxy) Facet() string {
	return p.ref.facet
}

func (p *Proxy) Mode() Mode {
	return p.ref.mode
}

func (p *Proxy) String() string {
	return p.ref.String()
}

func (p *Proxy) Equal(other *Proxy) bool {
	if other == nil {
		return false
	}
	return p.ref.Equal(other.ref)
}

func (p *Proxy) WithMode(mode Mode) *Proxy {
	return p.derive(p.ref.WithMode(mode))
}

func (p *Proxy) Twoway() *Proxy {
	return p.WithMode(ModeTwoway)
}

func (p *Proxy) Oneway() *Proxy {
	return p.WithMode(ModeOneway)
}

func (p *Proxy) BatchOneway() *Proxy {
	return p.WithMode(ModeBatchOneway)
}

func (p *Proxy) Datagram() *Proxy {
	return p.WithMode(ModeDatagram)
}

func (p *Proxy) BatchDatagram() *Proxy {
	return p.WithMode(ModeBatchDatagram)
}

func (p *Proxy) WithIdentity(identity protocol.Identity) *Proxy {
	return p.derive(p.ref.WithIdentity(identity))
}

func (p *Proxy) WithFacet(facet string) *Proxy {
	return p.derive(p.ref.WithFacet(facet))
}

func (p *Proxy) WithCompress(compress bool) *Proxy {
	return p.derive(p.ref.WithCompress(compress))
}

func (p *Proxy) WithTimeout(timeout time.Duration) *Proxy {
	return p.derive(p.ref.WithTimeout(timeout))
}

func (p *Proxy) WithConnectionID(id string) *Proxy {
	return p.derive(p.ref.WithConnectionID(id))
}

func (p *Proxy) WithContext(ctx map[string]string) *Proxy {
	return p.derive(p.ref.WithContext(ctx))
}

func (p *Proxy) WithEndpoints(endpoints []transport.Endpoint) *Proxy {
	return p.derive(p.ref.WithEndpoints(endpoints))
}

func (p *Proxy) WithAdapterID(adapterID string) *Proxy {
	return p.derive(p.ref.WithAdapterID(adapterID))
}

// WithRouter routes the proxy's invocations through router, nil removes the router.
func (p *Proxy) WithRouter(router Router) *Proxy {
	return p.derive(p.ref.WithRouter(p.ref.comm.routerManager.Get(router)))
}

// WithLocator resolves the proxy's adapter id or identity with locator, nil removes the locator.
func (p *Proxy) WithLocator(locator Locator) (*Proxy, error) {
	info, err := p.ref.comm.locatorManager.Get(locator)
	if err != nil {
		return nil, err
	}
	return p.derive(p.ref.WithLocator(info)), nil
}

func (p *Proxy) WithLocatorCacheTimeout(timeout time.Duration) *Proxy {
	return p.derive(p.ref.WithLocatorCacheTimeout(timeout))
}

func (p *Proxy) WithCacheConnection(cache bool) *Proxy {
	return p.derive(p.ref.WithCacheConnection(cache))
}

func (p *Proxy) WithCollocationOptimized(optimized bool) *Proxy {
	return p.derive(p.ref.WithCollocationOptimized(optimized))
}

func (p *Proxy) WithEndpointSelection(selection EndpointSelection) *Proxy {
	return p.derive(p.ref.WithEndpointSelection(selection))
}

// WithFixedConnection returns a proxy bound to conn. Its invocations are never retried on another connection.
func (p *Proxy) WithFixedConnection(conn *connection.Connection) *Proxy {
	ref := newFixedReference(p.ref.comm, p.ref.identity, p.ref.facet, p.ref.mode, conn)
	ref.compress = p.ref.compress
	ref.context = p.ref.context
	return newProxy(ref)
}

// CompressOverride implements batch.Proxy.
func (p *Proxy) CompressOverride() (bool, bool) {
	return p.ref.Compress()
}

// FlushBatchRequestsAsync implements batch.Proxy. The batch is swapped out before it returns and sent in the
// background.
func (p *Proxy) FlushBatchRequestsAsync() {
	if p.ref.fixedConn != nil {
		p.ref.fixedConn.FlushBatchRequestsAsync()
		return
	}
	out := encoding.NewOutputStream()
	count, compress := p.ref.batchQueue.SwapMessage(out)
	if count == 0 {
		return
	}
	common.Go(func() {
		if err := p.sendBatch(context.Background(), out, count, compress); err != nil {
			log.Debugf("failed to flush batch requests of %s: %v", p, err)
		}
	})
}

// Invoke makes an invocation and waits for it to complete. params and the result are encapsulation bodies.
// Oneway invocations complete once the request is written, batch invocations once the request is queued and
// return no result. Canceling ctx fails the invocation with InvocationCanceled, its deadline passing fails it
// with InvocationTimeout.
func (p *Proxy) Invoke(ctx context.Context, operation string, mode protocol.OperationMode,
	params []byte) ([]byte, error) {
	return p.InvokeAsync(ctx, operation, mode, params).Result()
}

// InvokeAsync starts an invocation.
func (p *Proxy) InvokeAsync(ctx context.Context, operation string, mode protocol.OperationMode,
	params []byte) *AsyncResult {
	if p.ref.mode.IsBatch() {
		return completedResult(p.invokeBatch(operation, mode, params))
	}
	out := encoding.NewOutputStream()
	protocol.WriteRequestHeader(out)
	protocol.WriteRequestBody(out, p.ref.identity, p.ref.facet, operation, mode, p.ref.context, params)
	o := newOutgoingAsync(p, operation, mode, out.Bytes(), p.ref.mode.IsTwoway())
	o.start(ctx)
	return &AsyncResult{out: o}
}

func (p *Proxy) batchQueue() *batch.Queue {
	if p.ref.fixedConn != nil {
		return p.ref.fixedConn.BatchQueue()
	}
	return p.ref.batchQueue
}

func (p *Proxy) invokeBatch(operation string, mode protocol.OperationMode, params []byte) error {
	if err := p.ref.comm.checkDestroyed(); err != nil {
		return err
	}
	q := p.batchQueue()
	out := encoding.NewOutputStream()
	if err := q.Prepare(out); err != nil {
		return err
	}
	marshaled := false
	defer func() {
		// Releases the queue for other callers if marshaling panics
		if !marshaled {
			q.Abort(out)
		}
	}()
	writeBatchRequest(out, p.ref.identity, p.ref.facet, operation, mode, p.ref.context, params)
	marshaled = true
	q.Finish(out, p, operation)
	return nil
}

// writeBatchRequest marshals batched requests, tests replace it.
var writeBatchRequest = protocol.WriteRequestBody

// FlushBatchRequests sends the requests batched by the proxy and waits for them to be written. It does nothing
// for proxies which aren't batch proxies.
func (p *Proxy) FlushBatchRequests(ctx context.Context) error {
	if !p.ref.mode.IsBatch() {
		return nil
	}
	if p.ref.fixedConn != nil {
		return p.ref.fixedConn.FlushBatchRequests(ctx)
	}
	out := encoding.NewOutputStream()
	count, compress := p.ref.batchQueue.SwapMessage(out)
	if count == 0 {
		return nil
	}
	return p.sendBatch(ctx, out, count, compress)
}

func (p *Proxy) sendBatch(ctx context.Context, out *encoding.OutputStream, count int, compress bool) error {
	o := newOutgoingAsync(p, "ice_flushBatchRequests", protocol.Normal, out.Bytes(), false)
	o.batchCount = count
	o.batchCompress = compress
	o.start(ctx)
	_, err := o.result()
	return err
}

// Ping checks that the object exists and can be reached.
func (p *Proxy) Ping(ctx context.Context) error {
	_, err := p.Twoway().Invoke(ctx, "ice_ping", protocol.Nonmutating, nil)
	return err
}

// GetConnection returns the connection the proxy's invocations are sent on, establishing it if needed. It
// returns nil for collocated proxies.
func (p *Proxy) GetConnection(ctx context.Context) (*connection.Connection, error) {
	cnt := 0
	for {
		handler, err := p.cache.RequestHandler()
		if err == nil {
			var conn *connection.Connection
			conn, err = handler.WaitForConnection(ctx)
			if err == nil {
				return conn, nil
			}
		}
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		interval, rerr := p.cache.HandleException(err, handler, protocol.Idempotent, false, &cnt)
		if rerr != nil {
			return nil, rerr
		}
		if interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, contextError(ctx.Err())
			}
		}
	}
}

// CachedConnection returns the proxy's cached connection without establishing one, nil if there is none.
func (p *Proxy) CachedConnection() *connection.Connection {
	return p.cache.CachedConnection()
}
