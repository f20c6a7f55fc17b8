package rpc

import (
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"sync"
	"time"
)

// RequestHandlerFactory creates request handlers. Handlers of references which cache their connection are shared
// while they are connecting, so that concurrent first invocations on equal proxies make one connection attempt.
type RequestHandlerFactory struct {
	comm     *Communicator
	lock     sync.Mutex
	handlers map[string]*ConnectRequestHandler
}

func newRequestHandlerFactory(comm *Communicator) *RequestHandlerFactory {
	return &RequestHandlerFactory{
		comm:     comm,
		handlers: map[string]*ConnectRequestHandler{},
	}
}

func (f *RequestHandlerFactory) GetRequestHandler(ref *Reference) (RequestHandler, error) {
	if err := f.comm.checkDestroyed(); err != nil {
		return nil, err
	}
	if ref.IsFixed() {
		return newFixedRequestHandler(ref)
	}
	if ref.collocationOptimized {
		if adapter := f.comm.adapterFactory.FindAdapter(ref); adapter != nil {
			return newCollocatedRequestHandler(ref, adapter), nil
		}
	}
	var handler *ConnectRequestHandler
	connect := false
	if ref.cacheConnection {
		key := ref.Key()
		f.lock.Lock()
		handler = f.handlers[key]
		if handler == nil {
			handler = newConnectRequestHandler(ref)
			f.handlers[key] = handler
			connect = true
		}
		f.lock.Unlock()
	} else {
		handler = newConnectRequestHandler(ref)
		connect = true
	}
	if connect {
		handler.connect()
	}
	return handler, nil
}

func (f *RequestHandlerFactory) removeRequestHandler(ref *Reference, handler *ConnectRequestHandler) {
	if !ref.cacheConnection {
		return
	}
	key := ref.Key()
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.handlers[key] == handler {
		delete(f.handlers, key)
	}
}

func (f *RequestHandlerFactory) numHandlers() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.handlers)
}

// RequestHandlerCache holds the request handler of a proxy and decides whether failed invocations are retried.
type RequestHandlerCache struct {
	ref    *Reference
	lock   sync.Mutex
	cached RequestHandler
}

func newRequestHandlerCache(ref *Reference) *RequestHandlerCache {
	return &RequestHandlerCache{ref: ref}
}

// RequestHandler returns the cached handler or gets one from the factory. When two callers race, the first to
// store its handler wins and both use it.
func (c *RequestHandlerCache) RequestHandler() (RequestHandler, error) {
	if c.ref.cacheConnection {
		c.lock.Lock()
		handler := c.cached
		c.lock.Unlock()
		if handler != nil {
			return handler, nil
		}
	}
	handler, err := c.ref.comm.handlerFactory.GetRequestHandler(c.ref)
	if err != nil {
		return nil, err
	}
	if c.ref.cacheConnection {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.cached == nil {
			c.cached = handler
		} else {
			handler = c.cached
		}
	}
	return handler, nil
}

// CachedConnection returns the connection of the cached handler, nil if there is none.
func (c *RequestHandlerCache) CachedConnection() *connection.Connection {
	c.lock.Lock()
	handler := c.cached
	c.lock.Unlock()
	if handler == nil {
		return nil
	}
	return handler.Connection()
}

func (c *RequestHandlerCache) clearCachedRequestHandler(handler RequestHandler) {
	if handler == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cached == handler {
		c.cached = nil
	}
}

/*
HandleException is called when an invocation made with handler fails with err. It clears the cached handler if it
is still handler, and returns the delay before the invocation is retried, or the error to complete the invocation
with. cnt is the number of retries made so far and is incremented for each retry.

Only runtime errors are retried, and only when the retry doesn't break at-most-once semantics: the request wasn't
sent, or the operation is idempotent, or the server closed the connection gracefully which guarantees that it didn't
dispatch outstanding requests, or the object didn't exist.
*/
func (c *RequestHandlerCache) HandleException(err error, handler RequestHandler, mode protocol.OperationMode,
	sent bool, cnt *int) (time.Duration, error) {
	c.clearCachedRequestHandler(handler)
	if !errors.IsLocal(err) {
		return 0, err
	}
	if sent && mode != protocol.Nonmutating && mode != protocol.Idempotent &&
		!errors.HasCode(err, errors.CloseConnection) && !errors.HasCode(err, errors.ObjectNotExist) {
		return 0, err
	}
	if c.ref.comm.isDestroyed() {
		return 0, err
	}
	return c.checkRetryAfterException(err, cnt)
}

func (c *RequestHandlerCache) checkRetryAfterException(err error, cnt *int) (time.Duration, error) {
	ref := c.ref
	// Batches are not retried, the failure may have aborted other requests of the batch and the application must
	// be told
	if ref.mode.IsBatch() {
		return 0, err
	}
	// A fixed proxy can only use its connection, the retry would fail the same way
	if ref.IsFixed() {
		return 0, err
	}
	if errors.HasCode(err, errors.ObjectNotExist) {
		var rerr errors.RpcError
		errors.As(err, &rerr)
		if ref.routerInfo != nil && rerr.Operation == "ice_add_proxy" {
			// The router evicted the proxy, retrying adds it again. Doesn't count as a retry.
			ref.routerInfo.ClearCache(ref)
			log.Tracef(log.TraceRetry, 1, "retrying operation call to add proxy to router\n%v", err)
			return 0, nil
		}
		if !ref.IsIndirect() {
			return 0, err
		}
		// The object may have moved, look it up again
		if ref.IsWellKnown() && ref.locatorInfo != nil {
			ref.locatorInfo.ClearCache(ref)
		}
	} else if errors.IsRequestFailed(err) {
		return 0, err
	}
	// A marshal error was raised locally, a server side one would be reported as UnknownLocal. It would fail again.
	if errors.IsMarshal(err) {
		return 0, err
	}
	code, _ := errors.CodeOf(err)
	switch code {
	case errors.CommunicatorDestroyed, errors.ObjectAdapterDeactivated, errors.ConnectionManuallyClosed,
		errors.InvocationTimeout, errors.InvocationCanceled:
		return 0, err
	}

	intervals := ref.comm.cfg.EffectiveRetryIntervals()
	*cnt++
	var interval time.Duration
	switch {
	case *cnt == len(intervals)+1 && code == errors.CloseConnection:
		// A graceful close is always retried once more, even when the retry limit is reached
		interval = 0
	case *cnt > len(intervals):
		log.Tracef(log.TraceRetry, 1, "cannot retry operation call because retry limit has been exceeded\n%v", err)
		return 0, err
	default:
		interval = intervals[*cnt-1]
	}
	if interval > 0 {
		log.Tracef(log.TraceRetry, 1, "retrying operation call in %v because of exception\n%v", interval, err)
	} else {
		log.Tracef(log.TraceRetry, 1, "retrying operation call because of exception\n%v", err)
	}
	return interval, nil
}
