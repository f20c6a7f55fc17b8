package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"sync"
)

// OutgoingAsync is one invocation. It is sent with the proxy's request handler and, on failure, retried by the
// retry queue until it completes or the retry policy gives up.
type OutgoingAsync struct {
	proxy         *Proxy
	operation     string
	mode          protocol.OperationMode
	msg           []byte
	response      bool
	batchCount    int
	batchCompress bool

	lock      sync.Mutex
	handler   RequestHandler
	retryTask *RetryTask
	// sent is whether the current attempt was written, sentCh is closed once any attempt was
	sent      bool
	cnt       int
	completed bool
	reply     *protocol.Reply
	err       error
	stopCtx   func() bool
	done      chan struct{}
	sentCh    chan struct{}
}

func newOutgoingAsync(p *Proxy, operation string, mode protocol.OperationMode, msg []byte,
	response bool) *OutgoingAsync {
	return &OutgoingAsync{
		proxy:     p,
		operation: operation,
		mode:      mode,
		msg:       msg,
		response:  response,
		done:      make(chan struct{}),
		sentCh:    make(chan struct{}),
	}
}

// start sends the invocation. ctx cancels the invocation until it completes.
func (o *OutgoingAsync) start(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		o.complete(nil, contextError(err))
		return
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			o.cancel(contextError(ctx.Err()))
		})
		o.lock.Lock()
		o.stopCtx = stop
		o.lock.Unlock()
	}
	o.invoke()
}

func (o *OutgoingAsync) invoke() {
	handler, err := o.proxy.cache.RequestHandler()
	if err != nil {
		o.Failed(err)
		return
	}
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return
	}
	o.handler = handler
	o.retryTask = nil
	o.sent = false
	o.lock.Unlock()
	if _, err := handler.SendAsyncRequest(o); err != nil {
		o.Failed(err)
	}
}

// retry is run by the retry queue.
func (o *OutgoingAsync) retry() {
	o.invoke()
}

// invokeRemote sends the request on conn, it is called by the request handler.
func (o *OutgoingAsync) invokeRemote(conn *connection.Connection, compress bool) (connection.AsyncStatus, error) {
	return conn.SendAsyncRequest(o, compress || o.batchCompress, o.response, o.batchCount)
}

func (o *OutgoingAsync) Message() []byte {
	return o.msg
}

func (o *OutgoingAsync) Sent() {
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return
	}
	o.sent = true
	select {
	case <-o.sentCh:
	default:
		close(o.sentCh)
	}
	o.lock.Unlock()
	if !o.response {
		o.complete(nil, nil)
	}
}

// Completed receives the reply. Errors raised by the server runtime go through the retry policy, user errors
// complete the invocation.
func (o *OutgoingAsync) Completed(reply *protocol.Reply) {
	err := reply.Err()
	if err != nil && errors.IsLocal(err) {
		o.Failed(err)
		return
	}
	o.complete(reply, err)
}

// Failed retries the invocation if the retry policy allows it, otherwise the invocation completes with err.
func (o *OutgoingAsync) Failed(err error) {
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return
	}
	handler := o.handler
	sent := o.sent
	cnt := o.cnt
	o.lock.Unlock()
	interval, rerr := o.proxy.cache.HandleException(err, handler, o.mode, sent, &cnt)
	o.lock.Lock()
	o.cnt = cnt
	o.lock.Unlock()
	if rerr != nil {
		o.complete(nil, rerr)
		return
	}
	o.proxy.ref.comm.retryQueue.Add(o, interval)
}

// setRetryTask records the scheduled retry, it returns false if the invocation already completed.
func (o *OutgoingAsync) setRetryTask(task *RetryTask) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.completed {
		return false
	}
	o.retryTask = task
	return true
}

// cancel completes the invocation with err and withdraws it from wherever it is pending.
func (o *OutgoingAsync) cancel(err error) {
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return
	}
	handler := o.handler
	task := o.retryTask
	o.lock.Unlock()
	o.complete(nil, err)
	if task != nil {
		o.proxy.ref.comm.retryQueue.Remove(task)
	}
	if handler != nil {
		handler.AsyncRequestCanceled(o, err)
	}
}

func (o *OutgoingAsync) complete(reply *protocol.Reply, err error) {
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return
	}
	o.completed = true
	o.reply = reply
	o.err = err
	stop := o.stopCtx
	o.lock.Unlock()
	if stop != nil {
		stop()
	}
	close(o.done)
}

func (o *OutgoingAsync) isSent() bool {
	select {
	case <-o.sentCh:
		return true
	default:
		return false
	}
}

func (o *OutgoingAsync) result() ([]byte, error) {
	<-o.done
	if o.err != nil {
		return nil, o.err
	}
	if o.reply == nil {
		return nil, nil
	}
	return o.reply.Params, nil
}

// contextError maps a context error to the invocation error surfaced to the caller.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewRpcError(errors.InvocationTimeout, "invocation timed out")
	}
	return errors.NewRpcError(errors.InvocationCanceled, "invocation canceled")
}

// AsyncResult is the pending result of an invocation made with InvokeAsync.
type AsyncResult struct {
	out *OutgoingAsync
}

func completedResult(err error) *AsyncResult {
	out := &OutgoingAsync{done: make(chan struct{}), sentCh: make(chan struct{})}
	if err == nil {
		out.sent = true
		close(out.sentCh)
	}
	out.complete(nil, err)
	return &AsyncResult{out: out}
}

// Done is closed when the invocation completes.
func (r *AsyncResult) Done() <-chan struct{} {
	return r.out.done
}

// SentC is closed once the request is written. It is never closed if the invocation fails before that.
func (r *AsyncResult) SentC() <-chan struct{} {
	return r.out.sentCh
}

func (r *AsyncResult) IsSent() bool {
	return r.out.isSent()
}

// Result waits for the invocation to complete and returns the result encapsulation body.
func (r *AsyncResult) Result() ([]byte, error) {
	return r.out.result()
}

// Cancel completes the invocation with InvocationCanceled unless it already completed.
func (r *AsyncResult) Cancel() {
	r.out.cancel(errors.NewRpcError(errors.InvocationCanceled, "invocation canceled"))
}
