package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// rawPeer is a server speaking the wire protocol directly. It accepts one connection and holds validation until
// release receives true, false closes the connection unvalidated instead. Requests it reads are sent on requests.
type rawPeer struct {
	listener net.Listener
	release  chan bool
	requests chan protocol.Request
	closed   chan struct{}
}

func newRawPeer(t *testing.T) *rawPeer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &rawPeer{
		listener: l,
		release:  make(chan bool, 1),
		requests: make(chan protocol.Request, 100),
		closed:   make(chan struct{}),
	}
	t.Cleanup(func() {
		close(p.closed)
		_ = l.Close()
	})
	go p.serve()
	return p
}

func (p *rawPeer) port() string {
	return strconv.Itoa(p.listener.Addr().(*net.TCPAddr).Port)
}

func (p *rawPeer) serve() {
	conn, err := p.listener.Accept()
	if err != nil {
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	select {
	case validate := <-p.release:
		if !validate {
			return
		}
	case <-p.closed:
		return
	}
	if _, err := conn.Write(protocol.NewValidateConnectionMessage()); err != nil {
		return
	}
	for {
		buf := make([]byte, protocol.HeaderSize)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		hdr, err := protocol.ParseHeader(buf)
		if err != nil || hdr.Type == protocol.CloseConnectionMsg {
			return
		}
		body := make([]byte, hdr.Size-protocol.HeaderSize)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if hdr.Type != protocol.RequestMsg {
			continue
		}
		in := encoding.NewInputStream(body)
		id, err := in.ReadInt()
		if err != nil {
			return
		}
		req, err := protocol.ReadRequestBody(in)
		if err != nil {
			return
		}
		req.RequestID = id
		p.requests <- req
	}
}

func TestQueuedRequestsFlushedInOrder(t *testing.T) {
	peer := newRawPeer(t)
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p "+peer.port()).Oneway()
	results := make([]*AsyncResult, 20)
	for i := range results {
		results[i] = prx.InvokeAsync(context.Background(), "echo", protocol.Normal, []byte{byte(i)})
	}
	// Nothing is written before the connection is validated
	for _, res := range results {
		require.False(t, res.IsSent())
	}
	peer.release <- true
	for _, res := range results {
		_, err := res.Result()
		require.NoError(t, err)
	}
	for i := range results {
		req := testutils.RequireReceive(t, peer.requests, waitTimeout)
		require.Equal(t, "echo", req.Operation)
		require.Equal(t, int32(0), req.RequestID)
		require.Equal(t, []byte{byte(i)}, req.Params)
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	peer := newRawPeer(t)
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p "+peer.port()).Oneway()
	ctx, cancel := context.WithCancel(context.Background())
	first := prx.InvokeAsync(context.Background(), "echo", protocol.Normal, []byte{0})
	canceled := prx.InvokeAsync(ctx, "echo", protocol.Normal, []byte{1})
	last := prx.InvokeAsync(context.Background(), "echo", protocol.Normal, []byte{2})
	cancel()
	_, err := canceled.Result()
	require.True(t, errors.HasCode(err, errors.InvocationCanceled), "%v", err)

	peer.release <- true
	for _, res := range []*AsyncResult{first, last} {
		_, err := res.Result()
		require.NoError(t, err)
	}
	// The canceled request was withdrawn from the queue
	require.Equal(t, []byte{0}, testutils.RequireReceive(t, peer.requests, waitTimeout).Params)
	require.Equal(t, []byte{2}, testutils.RequireReceive(t, peer.requests, waitTimeout).Params)
	testutils.RequireNoReceive(t, peer.requests, 50*time.Millisecond)
	require.False(t, canceled.IsSent())
}

func TestConnectFailureFailsQueuedRequests(t *testing.T) {
	peer := newRawPeer(t)
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.RetryIntervals = []time.Duration{-1}
	})
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p "+peer.port())
	results := make([]*AsyncResult, 5)
	for i := range results {
		results[i] = prx.InvokeAsync(context.Background(), "echo", protocol.Normal, []byte{byte(i)})
	}
	// The peer closes the connection without validating it
	peer.release <- false
	for _, res := range results {
		_, err := res.Result()
		require.True(t, errors.HasCode(err, errors.ConnectionLost), "%v", err)
		require.False(t, res.IsSent())
	}
	require.Equal(t, 0, comm.retryQueue.Pending())
}
