package batch

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/protocol"
	"sync"
)

// Proxy is the proxy a batch request was made on.
type Proxy interface {
	// CompressOverride returns the proxy's compression setting and whether it has one.
	CompressOverride() (bool, bool)
	// FlushBatchRequestsAsync swaps out the batch the proxy queues to and sends it in the background. It is
	// called while the request that crossed the size limit is still uncommitted, so that request starts the next batch.
	FlushBatchRequestsAsync()
}

// Request describes the last marshaled request to an Interceptor. It is only added to the batch if the interceptor
// calls Enqueue.
type Request interface {
	Enqueue()
	Size() int
	Operation() string
	Proxy() Proxy
}

// Interceptor is called for each batch request with the number of requests and the number of bytes already
// in the batch.
type Interceptor func(req Request, count int, size int)

type request struct {
	queue     *Queue
	proxy     Proxy
	operation string
	size      int
}

func (r *request) Enqueue() {
	r.queue.enqueue(r.proxy)
}

func (r *request) Size() int {
	return r.size
}

func (r *request) Operation() string {
	return r.operation
}

func (r *request) Proxy() Proxy {
	return r.proxy
}

/*
Queue accumulates batched oneway requests into a single batch request message.

A request is marshaled directly into the batch buffer: Prepare swaps the buffer into the caller's stream, the caller
appends the request, and Finish commits it and swaps the buffer back. Only one request can be marshaled at a time,
Prepare blocks while another is in progress. The marker is the size of the buffer up to the last committed request,
Abort rolls the buffer back to it.
*/
type Queue struct {
	lock        sync.Mutex
	cond        *sync.Cond
	stream      *encoding.OutputStream
	interceptor Interceptor
	maxSize     int
	inUse       bool
	canFlush    bool
	count       int
	marker      int
	compress    bool
	err         error
}

// NewQueue creates a queue which requests an asynchronous flush once the batch reaches autoFlushSize bytes, zero
// disables auto-flush. Datagram batches are limited to datagramMaxSize.
func NewQueue(interceptor Interceptor, autoFlushSize int, datagram bool, datagramMaxSize int) *Queue {
	maxSize := autoFlushSize
	if datagram && datagramMaxSize > 0 && (maxSize <= 0 || maxSize > datagramMaxSize) {
		maxSize = datagramMaxSize
	}
	q := &Queue{
		stream:      encoding.NewOutputStream(),
		interceptor: interceptor,
		maxSize:     maxSize,
	}
	q.cond = sync.NewCond(&q.lock)
	q.stream.WriteBlob(protocol.NewBatchRequestHeader())
	q.marker = q.stream.Size()
	return q
}

// Prepare waits until no other request is being marshaled and swaps the batch buffer into out.
func (q *Queue) Prepare(out *encoding.OutputStream) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.err != nil {
		return q.err
	}
	q.waitInUse(false)
	if q.err != nil {
		return q.err
	}
	q.inUse = true
	q.stream.Swap(out)
	return nil
}

// Finish commits the request marshaled into out since Prepare, or hands it to the interceptor which decides.
func (q *Queue) Finish(out *encoding.OutputStream, proxy Proxy, operation string) {
	defer func() {
		q.lock.Lock()
		defer q.lock.Unlock()
		// Drops the request if the interceptor didn't enqueue it
		q.stream.Resize(q.marker)
		q.inUse = false
		q.canFlush = false
		q.cond.Broadcast()
	}()

	q.lock.Lock()
	q.stream.Swap(out)
	// Allows a flush to swap the batch while the request is being committed
	q.canFlush = true
	size := q.stream.Size()
	q.lock.Unlock()

	if q.maxSize > 0 && size >= q.maxSize {
		proxy.FlushBatchRequestsAsync()
	}

	q.lock.Lock()
	if q.marker >= q.stream.Size() {
		q.lock.Unlock()
		panic("batch request did not write anything")
	}
	if q.interceptor == nil {
		q.enqueueLocked(proxy)
		q.lock.Unlock()
		return
	}
	req := &request{queue: q, proxy: proxy, operation: operation, size: q.stream.Size() - q.marker}
	count, marker := q.count, q.marker
	q.lock.Unlock()
	q.interceptor(req, count, marker)
}

func (q *Queue) enqueue(proxy Proxy) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.enqueueLocked(proxy)
}

func (q *Queue) enqueueLocked(proxy Proxy) {
	if compress, ok := proxy.CompressOverride(); ok {
		q.compress = q.compress || compress
	}
	q.marker = q.stream.Size()
	q.count++
}

// Abort discards the request marshaled into out since Prepare.
func (q *Queue) Abort(out *encoding.OutputStream) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.inUse {
		return
	}
	q.stream.Swap(out)
	q.stream.Resize(q.marker)
	q.inUse = false
	q.canFlush = false
	q.cond.Broadcast()
}

// Swap moves the committed requests into out, which then holds a complete batch request message except for the
// request count and message size. It returns the number of requests, zero if there is nothing to send, and whether
// the batch should be compressed. A request that is being marshaled stays in the queue.
func (q *Queue) Swap(out *encoding.OutputStream) (int, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.count == 0 {
		return 0, false
	}
	q.waitInUse(true)
	var last []byte
	if q.marker < q.stream.Size() {
		last = append([]byte(nil), q.stream.Bytes()[q.marker:]...)
		q.stream.Resize(q.marker)
	}
	count := q.count
	compress := q.compress
	q.stream.Swap(out)

	q.count = 0
	q.compress = false
	q.stream.Reset()
	q.stream.WriteBlob(protocol.NewBatchRequestHeader())
	q.marker = q.stream.Size()
	if last != nil {
		q.stream.WriteBlob(last)
	}
	return count, compress
}

// SwapMessage is Swap followed by filling in the request count and message size of the batch message.
func (q *Queue) SwapMessage(out *encoding.OutputStream) (int, bool) {
	count, compress := q.Swap(out)
	if count > 0 {
		out.RewriteInt(int32(count), protocol.RequestIDOffset)
		protocol.SetMessageSize(out.Bytes())
	}
	return count, compress
}

func (q *Queue) waitInUse(flush bool) {
	for q.inUse && !(flush && q.canFlush) {
		q.cond.Wait()
	}
}

// IsEmpty returns true if there are no committed requests and no request is being marshaled.
func (q *Queue) IsEmpty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.stream.Size() == protocol.RequestHeaderSize
}

func (q *Queue) Count() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

// Destroy makes later calls to Prepare return err.
func (q *Queue) Destroy(err error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.err = err
	q.cond.Broadcast()
}
