package rpc

import (
	"context"
	"fmt"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/stretchr/testify/require"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func unusedPort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return strconv.Itoa(port)
}

// receiveParams receives n calls and returns their params.
func receiveParams(t *testing.T, calls <-chan call, n int) map[string]bool {
	params := map[string]bool{}
	for i := 0; i < n; i++ {
		params[string(testutils.RequireReceive(t, calls, waitTimeout).params)] = true
	}
	return params
}

func TestTwowayInvoke(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm).WithContext(map[string]string{"k": "v"})
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), res)
	c := testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	require.Equal(t, "echo", c.operation)
	require.Equal(t, "v", c.current.Context["k"])
	require.NoError(t, prx.Ping(context.Background()))
}

func TestInvokeOverWebSocket(t *testing.T) {
	srv := newServer(t, "ws -h 127.0.0.1 -p 0 -r /rpc")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	require.Equal(t, "ws", prx.Reference().Endpoints()[0].Protocol())
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("over ws"))
	require.NoError(t, err)
	require.Equal(t, []byte("over ws"), res)
}

func TestUserError(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	_, err := prx.Invoke(context.Background(), "fail", protocol.Idempotent, []byte("payload"))
	var uerr errors.UserError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, "::Test::Failure", uerr.TypeID)
	require.Equal(t, []byte("payload"), uerr.Payload)
	// User errors are never retried
	require.Equal(t, 1, srv.servant.count())
}

func TestObjectNotExist(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	_, err := prx.WithIdentity(protocol.Identity{Name: "missing"}).Invoke(context.Background(), "echo",
		protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.ObjectNotExist))
	var rerr errors.RpcError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "missing", rerr.IdentityName)
	require.Equal(t, "echo", rerr.Operation)

	_, err = prx.WithFacet("missing").Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.FacetNotExist))
}

func TestOnewayInvoke(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm).Oneway()
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("oneway"))
	require.NoError(t, err)
	require.Nil(t, res)
	c := testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	require.Equal(t, []byte("oneway"), c.params)
}

func TestQueuedOnewayRequestsSent(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	// The first requests are queued while the connection is established
	prx := srv.clientProxy(t, comm).Oneway()
	numRequests := 100
	results := make([]*AsyncResult, numRequests)
	expected := map[string]bool{}
	for i := 0; i < numRequests; i++ {
		results[i] = prx.InvokeAsync(context.Background(), "echo", protocol.Normal, []byte(strconv.Itoa(i)))
		expected[strconv.Itoa(i)] = true
	}
	for _, res := range results {
		_, err := res.Result()
		require.NoError(t, err)
		require.True(t, res.IsSent())
	}
	require.Equal(t, expected, receiveParams(t, srv.servant.calls, numRequests))
}

func TestConcurrentInvocationsShareConnection(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		common.Go(func() {
			defer wg.Done()
			params := []byte(strconv.Itoa(i))
			res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, params)
			if err == nil && string(res) != string(params) {
				err = fmt.Errorf("unexpected result %s for %s", res, params)
			}
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, comm.outgoing.Connections(), 1)
}

func TestBatchOneway(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm).BatchOneway()
	for i := 0; i < 5; i++ {
		res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte{byte(i)})
		require.NoError(t, err)
		require.Nil(t, res)
	}
	testutils.RequireNoReceive(t, srv.servant.calls, 50*time.Millisecond)

	require.NoError(t, prx.FlushBatchRequests(context.Background()))
	// Requests of a batch are dispatched concurrently
	params := receiveParams(t, srv.servant.calls, 5)
	for i := 0; i < 5; i++ {
		require.True(t, params[string([]byte{byte(i)})])
	}
	// Nothing left to flush
	require.NoError(t, prx.FlushBatchRequests(context.Background()))
	require.NoError(t, prx.Twoway().FlushBatchRequests(context.Background()))
}

func TestBatchAutoFlush(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.BatchAutoFlushSize = common.AddressOf(100)
	})
	prx := srv.clientProxy(t, comm).BatchOneway()
	params := make([]byte, 60)
	for i := 0; i < 2; i++ {
		_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, params)
		require.NoError(t, err)
	}
	// The request crossing the limit flushes the batch before it and starts the next one
	require.Equal(t, 1, prx.ref.batchQueue.Count())
	testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	testutils.RequireNoReceive(t, srv.servant.calls, 50*time.Millisecond)

	require.NoError(t, prx.FlushBatchRequests(context.Background()))
	testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	require.Equal(t, 0, prx.ref.batchQueue.Count())
}

func TestBatchMarshalPanicReleasesQueue(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm).BatchOneway()
	defer func() {
		writeBatchRequest = protocol.WriteRequestBody
	}()
	writeBatchRequest = func(out *encoding.OutputStream, identity protocol.Identity, facet string, operation string,
		mode protocol.OperationMode, ctx map[string]string, params []byte) {
		out.WriteString(operation)
		panic("marshal failed")
	}
	require.Panics(t, func() {
		_, _ = prx.Invoke(context.Background(), "broken", protocol.Normal, nil)
	})
	writeBatchRequest = protocol.WriteRequestBody
	require.Equal(t, 0, prx.ref.batchQueue.Count())

	// The partly marshaled request is discarded and the queue accepts new requests
	_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, prx.FlushBatchRequests(context.Background()))
	c := testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	require.Equal(t, "echo", c.operation)
	require.Equal(t, []byte("ok"), c.params)
	testutils.RequireNoReceive(t, srv.servant.calls, 50*time.Millisecond)
}

func TestCompressedInvocation(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm).WithCompress(true)
	params := make([]byte, 10000)
	for i := range params {
		params[i] = byte(i % 7)
	}
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, params)
	require.NoError(t, err)
	require.Equal(t, params, res)
}

func TestInvocationTimeout(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := prx.Invoke(ctx, "block", protocol.Idempotent, nil)
	require.True(t, errors.HasCode(err, errors.InvocationTimeout))
	// Timeouts aren't retried
	require.Equal(t, 1, srv.servant.count())
	close(srv.servant.block)

	// The connection is still usable
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, []byte("after"), res)
}

func TestInvocationCanceled(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)

	ctx, cancel := context.WithCancel(context.Background())
	res := prx.InvokeAsync(ctx, "block", protocol.Normal, nil)
	testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	cancel()
	_, err := res.Result()
	require.True(t, errors.HasCode(err, errors.InvocationCanceled))

	res = prx.InvokeAsync(context.Background(), "block", protocol.Normal, nil)
	testutils.RequireReceive(t, srv.servant.calls, waitTimeout)
	res.Cancel()
	<-res.Done()
	_, err = res.Result()
	require.True(t, errors.HasCode(err, errors.InvocationCanceled))
	close(srv.servant.block)
}

func TestInvokeWithDoneContext(t *testing.T) {
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p 10000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := prx.Invoke(ctx, "echo", protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.InvocationCanceled))
	// Nothing was attempted
	require.Empty(t, comm.outgoing.Connections())
}

func TestConnectionRefusedAfterRetries(t *testing.T) {
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p "+unusedPort(t))
	results := make([]*AsyncResult, 5)
	for i := range results {
		results[i] = prx.InvokeAsync(context.Background(), "echo", protocol.Normal, nil)
	}
	// Requests queued while connecting all get the failure
	for _, res := range results {
		_, err := res.Result()
		require.True(t, errors.HasCode(err, errors.ConnectionRefused), "%v", err)
		require.False(t, res.IsSent())
	}
	require.Equal(t, 0, comm.retryQueue.Pending())
}

func TestRetryAfterServerRestart(t *testing.T) {
	port := unusedPort(t)
	endpoints := "tcp -h 127.0.0.1 -p " + port
	srv := newServer(t, endpoints)
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.RetryIntervals = []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	})
	prx := srv.clientProxy(t, comm)
	_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.NoError(t, err)
	conn := prx.CachedConnection()
	require.NotNil(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, srv.adapter.Destroy(ctx))
	require.NoError(t, conn.WaitUntilFinished(ctx))

	adapter, err := srv.comm.CreateObjectAdapterWithEndpoints("server", endpoints)
	require.NoError(t, err)
	servant := newEchoServant()
	_, err = adapter.Add(servant, protocol.Identity{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, adapter.Activate())

	// The cached connection is closed, the invocation is retried on a new one
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte("again"), res)
	require.NotSame(t, conn, prx.CachedConnection())
}

func TestGetConnection(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	require.Nil(t, prx.CachedConnection())
	conn, err := prx.GetConnection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Same(t, conn, prx.CachedConnection())

	// Equal proxies share the connection
	other := srv.clientProxy(t, comm)
	conn2, err := other.GetConnection(context.Background())
	require.NoError(t, err)
	require.Same(t, conn, conn2)

	// A different connection id gets its own
	conn3, err := other.WithConnectionID("other").GetConnection(context.Background())
	require.NoError(t, err)
	require.NotSame(t, conn, conn3)
	require.Len(t, comm.outgoing.Connections(), 2)
}

func TestGetConnectionRefused(t *testing.T) {
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p "+unusedPort(t))
	_, err := prx.GetConnection(context.Background())
	require.True(t, errors.HasCode(err, errors.ConnectionRefused))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prx.GetConnection(ctx)
	require.True(t, errors.HasCode(err, errors.InvocationCanceled))
}

func TestUncachedConnection(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.CacheConnection = common.AddressOf(false)
	})
	prx := srv.clientProxy(t, comm)
	require.False(t, prx.Reference().CacheConnection())
	for i := 0; i < 3; i++ {
		_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, nil)
		require.NoError(t, err)
	}
	require.Nil(t, prx.CachedConnection())
	require.Equal(t, 0, comm.handlerFactory.numHandlers())
}

func TestCollocatedInvocation(t *testing.T) {
	comm := newTestCommunicator(t)
	adapter, err := comm.CreateObjectAdapterWithEndpoints("local", "tcp -h 127.0.0.1 -p 0")
	require.NoError(t, err)
	servant := newEchoServant()
	prx, err := adapter.Add(servant, protocol.Identity{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, adapter.Activate())

	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("local"))
	require.NoError(t, err)
	require.Equal(t, []byte("local"), res)
	c := testutils.RequireReceive(t, servant.calls, waitTimeout)
	require.Nil(t, c.current.Connection)
	conn, err := prx.GetConnection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)
	require.Empty(t, comm.outgoing.Connections())

	_, err = prx.Invoke(context.Background(), "fail", protocol.Normal, nil)
	var uerr errors.UserError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, "fail", testutils.RequireReceive(t, servant.calls, waitTimeout).operation)
	_, err = prx.WithIdentity(protocol.Identity{Name: "missing"}).Invoke(context.Background(), "echo",
		protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.ObjectNotExist))

	// Collocated batches are dispatched when flushed
	batch := prx.BatchOneway()
	for i := 0; i < 3; i++ {
		_, err := batch.Invoke(context.Background(), "echo", protocol.Normal, []byte{byte(i)})
		require.NoError(t, err)
	}
	testutils.RequireNoReceive(t, servant.calls, 50*time.Millisecond)
	require.NoError(t, batch.FlushBatchRequests(context.Background()))
	for i := 0; i < 3; i++ {
		c := testutils.RequireReceive(t, servant.calls, waitTimeout)
		require.Equal(t, []byte{byte(i)}, c.params)
	}

	// Without the optimization the request goes through the network
	remote := prx.WithCollocationOptimized(false)
	res, err = remote.Invoke(context.Background(), "echo", protocol.Normal, []byte("remote"))
	require.NoError(t, err)
	require.Equal(t, []byte("remote"), res)
	c = testutils.RequireReceive(t, servant.calls, waitTimeout)
	require.NotNil(t, c.current.Connection)
}

func TestCollocatedCancel(t *testing.T) {
	comm := newTestCommunicator(t)
	adapter, err := comm.CreateObjectAdapter("local")
	require.NoError(t, err)
	servant := newEchoServant()
	prx, err := adapter.Add(servant, protocol.Identity{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, adapter.Activate())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = prx.Invoke(ctx, "block", protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.InvocationTimeout))
	close(servant.block)
}

func TestFixedProxy(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	conn, err := prx.GetConnection(context.Background())
	require.NoError(t, err)

	fixed := prx.WithFixedConnection(conn)
	require.True(t, fixed.Reference().IsFixed())
	require.Same(t, conn, fixed.Reference().FixedConnection())
	res, err := fixed.Invoke(context.Background(), "echo", protocol.Normal, []byte("fixed"))
	require.NoError(t, err)
	require.Equal(t, []byte("fixed"), res)
	require.True(t, fixed.Equal(prx.WithFixedConnection(conn)))
	require.False(t, fixed.Equal(prx))

	// Fixed proxies are bound to their connection, they aren't retried on another
	conn.Close(connection.CloseForcefully)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.WaitUntilFinished(ctx))
	_, err = fixed.Invoke(context.Background(), "echo", protocol.Idempotent, nil)
	require.True(t, errors.HasCode(err, errors.ConnectionManuallyClosed), "%v", err)

	// Datagram proxies can't use a stream connection
	_, err = prx.Datagram().WithFixedConnection(conn).Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.Error(t, err)
}

func TestMarshalProxy(t *testing.T) {
	comm := newTestCommunicator(t)
	for _, s := range []string{
		"cat/hello -f facet -o:tcp -h 127.0.0.1 -p 10000:ws -h 127.0.0.1 -p 10001 -r /rpc",
		"hello @ adapter",
		"hello",
	} {
		prx := testProxy(t, comm, s)
		out := encoding.NewOutputStream()
		require.NoError(t, WriteProxy(out, prx))
		read, err := comm.ReadProxy(encoding.NewInputStream(out.Bytes()))
		require.NoError(t, err)
		require.True(t, prx.Equal(read), "%s != %s", prx, read)
	}

	out := encoding.NewOutputStream()
	require.NoError(t, WriteProxy(out, nil))
	read, err := comm.ReadProxy(encoding.NewInputStream(out.Bytes()))
	require.NoError(t, err)
	require.Nil(t, read)
}

func TestMarshalFixedProxyFails(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	prx := srv.clientProxy(t, comm)
	conn, err := prx.GetConnection(context.Background())
	require.NoError(t, err)
	err = WriteProxy(encoding.NewOutputStream(), prx.WithFixedConnection(conn))
	require.True(t, errors.HasCode(err, errors.FixedProxy))
}
