package connection

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/spirit-labs/proxyrpc/batch"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/compress"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/threadpool"
	"github.com/spirit-labs/proxyrpc/transport"
	"sync"
	"time"
)

type State int

const (
	StateNotValidated State = iota
	StateActive
	StateHolding
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotValidated:
		return "not validated"
	case StateActive:
		return "active"
	case StateHolding:
		return "holding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown state %d", int(s))
	}
}

type CloseMode int

const (
	// CloseForcefully closes the transceiver immediately, outstanding requests fail with ConnectionManuallyClosed.
	CloseForcefully CloseMode = iota
	// CloseGracefully waits for dispatches in progress to complete before sending CloseConnection.
	CloseGracefully
	// CloseGracefullyWithWait also waits for replies to outstanding requests.
	CloseGracefullyWithWait
)

type AsyncStatus int

const (
	Queued AsyncStatus = iota
	Sent
)

// Outgoing is a request sent on a connection. Exactly one of Completed or Failed is called for a twoway request,
// oneway requests complete with Sent. Calls are made from the connection's thread pool.
type Outgoing interface {
	// Message returns the complete request message. The connection sends a copy with the request id and size set.
	Message() []byte
	Sent()
	Completed(reply *protocol.Reply)
	Failed(err error)
}

// Dispatcher dispatches incoming requests, it is implemented by the object adapter. The returned bytes are the
// body of the result encapsulation. ctx is cancelled when the connection closes.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, req *protocol.Request) ([]byte, error)
}

type Options struct {
	Config           *conf.Config
	Pool             *threadpool.Pool
	Dispatcher       Dispatcher
	BatchInterceptor batch.Interceptor
}

type outgoingMessage struct {
	msg       []byte
	out       Outgoing
	requestID int32
	compress  bool
	close     bool
}

type Connection struct {
	id            string
	lock          sync.Mutex
	cond          *sync.Cond
	transceiver   transport.Transceiver
	endpoint      transport.Endpoint
	connector     transport.Connector
	incoming      bool
	cfg           *conf.Config
	codec         compress.CompressionType
	pool          *threadpool.Pool
	dispatcher    Dispatcher
	state         State
	err           error
	nextRequestID int32
	outstanding   map[int32]Outgoing
	writeQueue    []*outgoingMessage
	dispatchCount int
	batchQueue    *batch.Queue
	onFinished    []func(*Connection)
	ctx           context.Context
	cancel        context.CancelFunc
	finished      chan struct{}
	closeTimer    *time.Timer
}

// NewOutgoing creates a client side connection for a transceiver returned by connector.
func NewOutgoing(tr transport.Transceiver, endpoint transport.Endpoint, connector transport.Connector,
	opts Options) *Connection {
	c := newConnection(tr, endpoint, opts)
	c.connector = connector
	return c
}

// NewIncoming creates a server side connection for an accepted transceiver.
func NewIncoming(tr transport.Transceiver, endpoint transport.Endpoint, opts Options) *Connection {
	c := newConnection(tr, endpoint, opts)
	c.incoming = true
	return c
}

func newConnection(tr transport.Transceiver, endpoint transport.Endpoint, opts Options) *Connection {
	cfg := opts.Config
	if cfg == nil {
		defaultCfg := conf.NewDefaultConfig()
		cfg = &defaultCfg
	}
	codec := compress.FromString(cfg.CompressionType)
	if codec == compress.CompressionTypeUnknown {
		codec = compress.CompressionTypeNone
	}
	autoFlush := 0
	if cfg.BatchAutoFlushSize != nil {
		autoFlush = *cfg.BatchAutoFlushSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          uuid.New().String(),
		transceiver: tr,
		endpoint:    endpoint,
		cfg:         cfg,
		codec:       codec,
		pool:        opts.Pool,
		dispatcher:  opts.Dispatcher,
		outstanding: map[int32]Outgoing{},
		batchQueue:  batch.NewQueue(opts.BatchInterceptor, autoFlush, endpoint.Datagram(), cfg.DatagramMaxSize),
		ctx:         ctx,
		cancel:      cancel,
		finished:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.lock)
	return c
}

// Start initializes the transceiver and validates the connection. Server connections send ValidateConnection,
// client connections wait for it. Server connections start holding, see Activate.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.transceiver.Initialize(ctx); err != nil {
		c.finish(err)
		return c.Err()
	}
	if err := c.validate(ctx); err != nil {
		c.finish(err)
		return c.Err()
	}
	c.lock.Lock()
	if c.state != StateNotValidated {
		err := c.err
		c.lock.Unlock()
		return err
	}
	if c.incoming {
		c.state = StateHolding
	} else {
		c.state = StateActive
	}
	c.cond.Broadcast()
	c.lock.Unlock()
	log.Tracef(log.TraceNetwork, 1, "%s %s connection\n%s", c.direction(), c.transceiver.Protocol(),
		c.transceiver.String())
	common.Go(c.writeLoop)
	common.Go(c.readLoop)
	return nil
}

func (c *Connection) direction() string {
	if c.incoming {
		return "accepted"
	}
	return "established"
}

func (c *Connection) validate(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := c.transceiver.Close(); err != nil {
			log.Debugf("failed to close transceiver: %v", err)
		}
	})
	defer stop()
	if c.incoming {
		msg := protocol.NewValidateConnectionMessage()
		protocol.TraceMessage("sending", msg, c.transceiver.String())
		return c.validateError(ctx, writeFully(c.transceiver, msg))
	}
	buf, err := readFully(c.transceiver, protocol.HeaderSize)
	if err != nil {
		return c.validateError(ctx, err)
	}
	hdr, err := protocol.ParseHeader(buf)
	if err != nil {
		return err
	}
	if hdr.Type != protocol.ValidateConnectionMsg {
		return errors.NewRpcErrorf(errors.Protocol, "expected validate connection message but received %s",
			hdr.Type)
	}
	if hdr.Size != protocol.HeaderSize {
		return errors.NewRpcErrorf(errors.Protocol, "invalid validate connection message size %d", hdr.Size)
	}
	protocol.TraceMessage("received", buf, c.transceiver.String())
	return nil
}

func (c *Connection) validateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.NewRpcError(errors.ConnectTimeout, "timed out validating connection")
	case context.Canceled:
		return errors.NewRpcError(errors.OperationAborted, "connection validation canceled")
	}
	return transport.ConnectionLostError(err)
}

// Activate resumes reading on a holding connection.
func (c *Connection) Activate() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == StateHolding {
		c.state = StateActive
		c.cond.Broadcast()
	}
}

// Hold stops reading new messages from an active connection.
func (c *Connection) Hold() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == StateActive {
		c.state = StateHolding
	}
}

// SendAsyncRequest queues the outgoing request for sending. A request id is assigned if a response is expected,
// batchCount is the number of requests in a batch request message. It returns the error the connection was closed
// with if it is closing or closed.
func (c *Connection) SendAsyncRequest(out Outgoing, compress bool, response bool, batchCount int) (AsyncStatus, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkUsableLocked(); err != nil {
		return Queued, err
	}
	msg := common.ByteSliceCopy(out.Message())
	if len(msg) < protocol.RequestHeaderSize {
		return Queued, errors.NewMarshalErrorf("request message too short: %d bytes", len(msg))
	}
	var requestID int32
	if response {
		c.nextRequestID++
		if c.nextRequestID <= 0 {
			c.nextRequestID = 1
		}
		requestID = c.nextRequestID
		protocol.SetRequestID(msg, requestID)
		c.outstanding[requestID] = out
	} else if batchCount > 0 {
		protocol.SetRequestID(msg, int32(batchCount))
	}
	protocol.SetMessageSize(msg)
	if c.cfg.MessageSizeMax > 0 && len(msg) > c.cfg.MessageSizeMax {
		delete(c.outstanding, requestID)
		return Queued, errors.NewRpcErrorf(errors.MemoryLimit,
			"message size %d exceeds the maximum allowed of %d bytes", len(msg), c.cfg.MessageSizeMax)
	}
	c.writeQueue = append(c.writeQueue, &outgoingMessage{msg: msg, out: out, requestID: requestID,
		compress: compress})
	c.cond.Broadcast()
	return Queued, nil
}

func (c *Connection) checkUsableLocked() error {
	switch c.state {
	case StateActive, StateHolding:
		return nil
	case StateNotValidated:
		return errors.NewRpcError(errors.ConnectFailed, "connection not validated")
	default:
		return c.err
	}
}

// AsyncRequestCanceled removes a request which hasn't been sent, or hasn't received its reply yet, and fails it
// with err. Nothing happens if the request already completed.
func (c *Connection) AsyncRequestCanceled(out Outgoing, err error) {
	c.lock.Lock()
	found := false
	for i, m := range c.writeQueue {
		if m.out == out {
			c.writeQueue = append(c.writeQueue[:i], c.writeQueue[i+1:]...)
			if m.requestID != 0 {
				delete(c.outstanding, m.requestID)
			}
			found = true
			break
		}
	}
	if !found {
		for id, o := range c.outstanding {
			if o == out {
				delete(c.outstanding, id)
				found = true
				break
			}
		}
	}
	if found {
		c.cond.Broadcast()
	}
	c.lock.Unlock()
	if found {
		c.runCallback(func() { out.Failed(err) })
	}
}

// FlushBatchRequests sends the requests batched on this connection and waits for them to be written.
func (c *Connection) FlushBatchRequests(ctx context.Context) error {
	out := encoding.NewOutputStream()
	count, compress := c.batchQueue.SwapMessage(out)
	if count == 0 {
		return nil
	}
	return c.sendBatch(ctx, out, count, compress)
}

// FlushBatchRequestsAsync swaps out the requests batched on this connection and sends them in the background.
func (c *Connection) FlushBatchRequestsAsync() {
	out := encoding.NewOutputStream()
	count, compress := c.batchQueue.SwapMessage(out)
	if count == 0 {
		return
	}
	common.Go(func() {
		if err := c.sendBatch(context.Background(), out, count, compress); err != nil {
			log.Debugf("failed to flush batch requests of %s: %v", c, err)
		}
	})
}

func (c *Connection) sendBatch(ctx context.Context, out *encoding.OutputStream, count int, compress bool) error {
	flush := &flushOutgoing{msg: out.Bytes(), done: make(chan error, 1)}
	if _, err := c.SendAsyncRequest(flush, compress, false, count); err != nil {
		return err
	}
	select {
	case err := <-flush.done:
		return err
	case <-ctx.Done():
		c.AsyncRequestCanceled(flush, ctx.Err())
		return ctx.Err()
	}
}

type flushOutgoing struct {
	msg  []byte
	done chan error
}

func (f *flushOutgoing) Message() []byte {
	return f.msg
}

func (f *flushOutgoing) Sent() {
	f.complete(nil)
}

func (f *flushOutgoing) Completed(*protocol.Reply) {
	f.complete(nil)
}

func (f *flushOutgoing) Failed(err error) {
	f.complete(err)
}

func (f *flushOutgoing) complete(err error) {
	select {
	case f.done <- err:
	default:
	}
}

// Close closes the connection. It does not wait for the close to complete, see WaitUntilFinished.
func (c *Connection) Close(mode CloseMode) {
	if mode == CloseForcefully {
		c.finish(errors.NewRpcError(errors.ConnectionManuallyClosed, "connection closed forcefully"))
		return
	}
	c.initiateClose(errors.NewRpcError(errors.ConnectionManuallyClosed, "connection closed gracefully"),
		mode == CloseGracefullyWithWait)
}

// Destroy gracefully closes the connection, requests made afterwards fail with reason.
func (c *Connection) Destroy(reason error) {
	c.initiateClose(reason, false)
}

func (c *Connection) initiateClose(reason error, waitForOutstanding bool) {
	c.lock.Lock()
	if c.state >= StateClosing {
		c.lock.Unlock()
		return
	}
	if c.state == StateNotValidated {
		c.lock.Unlock()
		c.finish(reason)
		return
	}
	c.state = StateClosing
	c.err = reason
	c.cond.Broadcast()
	c.lock.Unlock()
	log.Tracef(log.TraceNetwork, 1, "closing %s connection\n%s\nreason: %v", c.transceiver.Protocol(),
		c.transceiver.String(), reason)
	common.Go(func() {
		c.shutdown(waitForOutstanding)
	})
}

// shutdown sends CloseConnection once dispatches, and optionally outstanding requests, have completed.
func (c *Connection) shutdown(waitForOutstanding bool) {
	timedOut := false
	if c.cfg.CloseTimeout > 0 {
		timer := time.AfterFunc(c.cfg.CloseTimeout, func() {
			c.lock.Lock()
			timedOut = true
			c.cond.Broadcast()
			c.lock.Unlock()
		})
		defer timer.Stop()
	}
	c.lock.Lock()
	for c.state == StateClosing && !timedOut &&
		(c.dispatchCount > 0 || (waitForOutstanding && len(c.outstanding) > 0)) {
		c.cond.Wait()
	}
	if c.state != StateClosing {
		c.lock.Unlock()
		return
	}
	if timedOut {
		c.lock.Unlock()
		log.Warnf("timed out waiting for graceful close of %s", c.transceiver.String())
		c.finish(nil)
		return
	}
	c.writeQueue = append(c.writeQueue, &outgoingMessage{msg: protocol.NewCloseConnectionMessage(), close: true})
	c.cond.Broadcast()
	c.lock.Unlock()
}

// closeMessageSent is called once CloseConnection has been written. The peer closes its side when it receives it.
func (c *Connection) closeMessageSent() {
	c.lock.Lock()
	reason := c.err
	c.lock.Unlock()
	if !c.transceiver.Closing(true, reason) {
		c.finish(nil)
		return
	}
	if c.cfg.CloseTimeout > 0 {
		c.lock.Lock()
		if c.state != StateClosed {
			c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
				c.finish(nil)
			})
		}
		c.lock.Unlock()
	}
}

// finish closes the connection and fails its requests. The error the connection was first closed with is the one
// reported, err is used if there is none.
func (c *Connection) finish(err error) {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return
	}
	if c.err == nil || c.state < StateClosing {
		if err == nil {
			err = errors.NewRpcError(errors.ConnectionLost, "connection closed")
		}
		c.err = err
	}
	c.state = StateClosed
	reason := c.err
	outstanding := c.outstanding
	c.outstanding = map[int32]Outgoing{}
	var unsent []Outgoing
	for _, m := range c.writeQueue {
		if m.out != nil && m.requestID == 0 {
			unsent = append(unsent, m.out)
		}
	}
	c.writeQueue = nil
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	callbacks := c.onFinished
	c.onFinished = nil
	c.cond.Broadcast()
	c.lock.Unlock()

	c.cancel()
	if cerr := c.transceiver.Close(); cerr != nil {
		log.Debugf("failed to close transceiver: %v", cerr)
	}
	log.Tracef(log.TraceNetwork, 1, "closed %s connection\n%s\nreason: %v", c.transceiver.Protocol(),
		c.transceiver.String(), reason)
	c.batchQueue.Destroy(reason)
	for _, out := range outstanding {
		o := out
		c.runCallback(func() { o.Failed(reason) })
	}
	for _, out := range unsent {
		o := out
		c.runCallback(func() { o.Failed(reason) })
	}
	for _, cb := range callbacks {
		cb(c)
	}
	close(c.finished)
}

// OnFinished registers a callback run once the connection is closed. It is run immediately if the connection is
// already closed.
func (c *Connection) OnFinished(cb func(*Connection)) {
	c.lock.Lock()
	if c.state != StateClosed {
		c.onFinished = append(c.onFinished, cb)
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()
	cb(c)
}

func (c *Connection) WaitUntilFinished(ctx context.Context) error {
	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) runCallback(f func()) {
	if c.pool != nil {
		if err := c.pool.Dispatch(f); err == nil {
			return
		}
	}
	f()
}

func (c *Connection) writeLoop() {
	for {
		c.lock.Lock()
		for len(c.writeQueue) == 0 && c.state != StateClosed {
			c.cond.Wait()
		}
		if c.state == StateClosed {
			c.lock.Unlock()
			return
		}
		m := c.writeQueue[0]
		c.writeQueue[0] = nil
		c.writeQueue = c.writeQueue[1:]
		c.lock.Unlock()

		buf := c.compressMessage(m)
		protocol.TraceMessage("sending", m.msg, c.transceiver.String())
		if err := writeFully(c.transceiver, buf); err != nil {
			c.finish(transport.ConnectionLostError(err))
			return
		}
		if m.out != nil {
			out := m.out
			c.runCallback(out.Sent)
		}
		if m.close {
			c.closeMessageSent()
		}
	}
}

func (c *Connection) compressMessage(m *outgoingMessage) []byte {
	if !m.compress || c.codec == compress.CompressionTypeNone {
		return m.msg
	}
	if len(m.msg) < c.cfg.CompressionThreshold {
		protocol.SetCompressionStatus(m.msg, protocol.AcceptsCompression)
		return m.msg
	}
	compressed, ok, err := protocol.CompressMessage(c.codec, m.msg)
	if err != nil {
		log.Warnf("failed to compress message, sending uncompressed: %v", err)
	}
	if err != nil || !ok {
		protocol.SetCompressionStatus(m.msg, protocol.AcceptsCompression)
		return m.msg
	}
	return compressed
}

func (c *Connection) readLoop() {
	for {
		c.lock.Lock()
		for c.state == StateHolding {
			c.cond.Wait()
		}
		if c.state == StateClosed {
			c.lock.Unlock()
			return
		}
		c.lock.Unlock()

		hdrBuf, err := readFully(c.transceiver, protocol.HeaderSize)
		if err != nil {
			c.finish(transport.ConnectionLostError(err))
			return
		}
		hdr, err := protocol.ParseHeader(hdrBuf)
		if err != nil {
			c.finish(err)
			return
		}
		if c.cfg.MessageSizeMax > 0 && hdr.Size > c.cfg.MessageSizeMax {
			c.finish(errors.NewRpcErrorf(errors.MemoryLimit,
				"message size %d exceeds the maximum allowed of %d bytes", hdr.Size, c.cfg.MessageSizeMax))
			return
		}
		msg := hdrBuf
		if hdr.Size > protocol.HeaderSize {
			body, err := readFully(c.transceiver, hdr.Size-protocol.HeaderSize)
			if err != nil {
				c.finish(transport.ConnectionLostError(err))
				return
			}
			msg = append(hdrBuf, body...)
		}
		if hdr.Compression == protocol.Compressed {
			if msg, err = protocol.DecompressMessage(c.codec, msg, c.cfg.MessageSizeMax); err != nil {
				c.finish(err)
				return
			}
		}
		protocol.TraceMessage("received", msg, c.transceiver.String())
		if err := c.handleMessage(hdr, msg); err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Connection) handleMessage(hdr protocol.Header, msg []byte) error {
	switch hdr.Type {
	case protocol.ValidateConnectionMsg:
		return nil
	case protocol.CloseConnectionMsg:
		return errors.NewRpcError(errors.CloseConnection, "connection closed by peer")
	case protocol.ReplyMsg:
		return c.handleReply(msg)
	case protocol.RequestMsg:
		in := encoding.NewInputStream(msg)
		in.SetPos(protocol.HeaderSize)
		requestID, err := in.ReadInt()
		if err != nil {
			return err
		}
		req, err := protocol.ReadRequestBody(in)
		if err != nil {
			return err
		}
		req.RequestID = requestID
		c.dispatchRequest(&req, hdr.Compression != protocol.NotCompressed)
		return nil
	case protocol.BatchRequestMsg:
		in := encoding.NewInputStream(msg)
		in.SetPos(protocol.HeaderSize)
		count, err := in.ReadInt()
		if err != nil {
			return err
		}
		if count < 0 {
			return errors.NewRpcErrorf(errors.Protocol, "invalid batch request count %d", count)
		}
		for i := int32(0); i < count; i++ {
			req, err := protocol.ReadRequestBody(in)
			if err != nil {
				return err
			}
			c.dispatchRequest(&req, false)
		}
		return nil
	default:
		return errors.NewRpcErrorf(errors.Protocol, "unexpected message %s", hdr.Type)
	}
}

func (c *Connection) handleReply(msg []byte) error {
	in := encoding.NewInputStream(msg)
	in.SetPos(protocol.HeaderSize)
	reply, err := protocol.ReadReplyBody(in)
	if err != nil {
		return err
	}
	c.lock.Lock()
	out, ok := c.outstanding[reply.RequestID]
	if ok {
		delete(c.outstanding, reply.RequestID)
		c.cond.Broadcast()
	}
	c.lock.Unlock()
	if ok {
		c.runCallback(func() { out.Completed(&reply) })
	}
	return nil
}

func (c *Connection) dispatchRequest(req *protocol.Request, compressReply bool) {
	c.lock.Lock()
	if c.state >= StateClosing {
		// Requests received while closing are ignored, the peer retries them on another connection
		c.lock.Unlock()
		return
	}
	c.dispatchCount++
	dispatcher := c.dispatcher
	c.lock.Unlock()
	c.runCallback(func() {
		defer c.dispatchDone()
		params, err := c.dispatch(dispatcher, req)
		if req.RequestID == 0 {
			if err != nil {
				log.Debugf("oneway request %s on %s failed: %v", req.Operation, req.Identity, err)
			}
			return
		}
		reply := protocol.Reply{RequestID: req.RequestID, Params: params}
		if err != nil {
			reply = protocol.ReplyForError(req, err)
		}
		c.sendReply(&reply, compressReply)
	})
}

func (c *Connection) dispatch(dispatcher Dispatcher, req *protocol.Request) (params []byte, err error) {
	if dispatcher == nil {
		return nil, errors.NewRequestFailedError(errors.ObjectNotExist, req.Identity.Name, req.Identity.Category,
			req.Facet, req.Operation)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch of %s on %s panicked: %v", req.Operation, req.Identity, r)
			params = nil
			err = errors.NewRpcErrorf(errors.Unknown, "dispatch of %s panicked: %v", req.Operation, r)
		}
	}()
	return dispatcher.Dispatch(c.ctx, c, req)
}

func (c *Connection) sendReply(reply *protocol.Reply, compress bool) {
	out := encoding.NewOutputStream()
	protocol.WriteReply(out, reply)
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == StateClosed {
		return
	}
	c.writeQueue = append(c.writeQueue, &outgoingMessage{msg: out.Bytes(), compress: compress})
	c.cond.Broadcast()
}

func (c *Connection) dispatchDone() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.dispatchCount--
	c.cond.Broadcast()
}

func (c *Connection) SetAdapter(dispatcher Dispatcher) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.dispatcher = dispatcher
}

func (c *Connection) Adapter() Dispatcher {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.dispatcher
}

func (c *Connection) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// IsActiveOrHolding returns true if the connection can be used for new requests.
func (c *Connection) IsActiveOrHolding() bool {
	s := c.State()
	return s == StateActive || s == StateHolding
}

// Err returns the error the connection was closed with, or nil.
func (c *Connection) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

func (c *Connection) OutstandingRequests() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.outstanding)
}

func (c *Connection) BatchQueue() *batch.Queue {
	return c.batchQueue
}

func (c *Connection) Endpoint() transport.Endpoint {
	return c.endpoint
}

// Connector returns the connector the connection was established with, nil for incoming connections.
func (c *Connection) Connector() transport.Connector {
	return c.connector
}

func (c *Connection) Incoming() bool {
	return c.incoming
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transceiver() transport.Transceiver {
	return c.transceiver
}

func (c *Connection) String() string {
	return c.transceiver.String()
}
