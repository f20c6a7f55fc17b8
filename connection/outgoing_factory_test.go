package connection

import (
	"context"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/stretchr/testify/require"
	"net"
	"strconv"
	"sync"
	"testing"
)

func unusedPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func endpoint(t *testing.T, fix *fixture, s string) transport.Endpoint {
	e, err := fix.manager.Create(s, false)
	require.NoError(t, err)
	return e
}

func TestCreateReusesConnection(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	conn1 := fix.connect(t)
	conn2 := fix.connect(t)
	require.Same(t, conn1, conn2)
	require.Equal(t, 1, fix.outgoing.NumConnections())
}

func TestConcurrentCreatesShareAttempt(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()

	numCreates := 10
	conns := make(chan *Connection, numCreates)
	var wg sync.WaitGroup
	for i := 0; i < numCreates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := testutils.RequireReceive(t, fix.create(fix.incoming.Endpoint()), waitTimeout)
			require.NoError(t, res.err)
			conns <- res.conn
		}()
	}
	wg.Wait()
	close(conns)
	var first *Connection
	for conn := range conns {
		if first == nil {
			first = conn
		}
		require.Same(t, first, conn)
	}
	require.Equal(t, 1, fix.outgoing.NumConnections())
	require.Equal(t, 1, len(fix.incoming.Connections()))
}

func TestCreateCompressFlag(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	published := fix.incoming.Endpoint()

	res := testutils.RequireReceive(t, fix.create(published.WithCompress(true)), waitTimeout)
	require.NoError(t, res.err)
	require.True(t, res.compress)

	// Compression doesn't change the connection used
	res2 := testutils.RequireReceive(t, fix.create(published), waitTimeout)
	require.NoError(t, res2.err)
	require.False(t, res2.compress)
	require.Same(t, res.conn, res2.conn)
}

func TestCreateTriesEndpointsInOrder(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	refused := endpoint(t, fix, "tcp -h 127.0.0.1 -p "+strconv.Itoa(unusedPort(t)))

	res := testutils.RequireReceive(t, fix.create(refused, fix.incoming.Endpoint()), waitTimeout)
	require.NoError(t, res.err)
	require.True(t, res.conn.Endpoint().Equal(fix.incoming.Endpoint()))
}

func TestCreateConnectionRefused(t *testing.T) {
	fix := newFixture(t, nil)
	refused := endpoint(t, fix, "tcp -h 127.0.0.1 -p "+strconv.Itoa(unusedPort(t)))

	res := testutils.RequireReceive(t, fix.create(refused), waitTimeout)
	require.Nil(t, res.conn)
	require.True(t, errors.HasCode(res.err, errors.ConnectionRefused), "unexpected error %v", res.err)
	require.Equal(t, 0, fix.outgoing.NumConnections())
}

func TestCreateNoEndpoints(t *testing.T) {
	fix := newFixture(t, nil)
	res := testutils.RequireReceive(t, fix.create(), waitTimeout)
	require.True(t, errors.HasCode(res.err, errors.NoEndpoint))

	opaque := endpoint(t, fix, "opaque -t 99 -v abcd")
	res = testutils.RequireReceive(t, fix.create(opaque), waitTimeout)
	require.True(t, errors.HasCode(res.err, errors.NoEndpoint))
}

func TestConnectionRemovedWhenClosed(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	conn := fix.connect(t)
	conn.Close(CloseForcefully)
	testutils.WaitUntil(t, func() (bool, error) {
		return fix.outgoing.NumConnections() == 0, nil
	})
	conn2 := fix.connect(t)
	require.NotSame(t, conn, conn2)
}

func TestDestroyOutgoing(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	conn := fix.connect(t)

	fix.outgoing.Destroy()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.WaitUntilFinished(ctx))
	require.True(t, errors.HasCode(conn.Err(), errors.CommunicatorDestroyed))

	res := testutils.RequireReceive(t, fix.create(fix.incoming.Endpoint()), waitTimeout)
	require.True(t, errors.HasCode(res.err, errors.CommunicatorDestroyed))
}

func TestRemoveAdapter(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	conn := fix.connect(t)
	dispatcher := newEchoDispatcher()
	conn.SetAdapter(dispatcher)
	other := newEchoDispatcher()
	fix.outgoing.RemoveAdapter(other)
	require.Equal(t, Dispatcher(dispatcher), conn.Adapter())
	fix.outgoing.RemoveAdapter(dispatcher)
	require.Nil(t, conn.Adapter())
}

func TestIncomingPublishedPort(t *testing.T) {
	fix := newFixture(t, nil)
	published, ok := fix.incoming.Endpoint().(transport.IPEndpoint)
	require.True(t, ok)
	require.NotEqual(t, 0, published.Port())
}

func TestIncomingDestroyStopsAccepting(t *testing.T) {
	fix := newFixture(t, newEchoDispatcher())
	fix.incoming.Activate()
	published := fix.incoming.Endpoint()
	fix.incoming.Destroy()

	res := testutils.RequireReceive(t, fix.create(published), waitTimeout)
	require.True(t, errors.HasCode(res.err, errors.ConnectionRefused), "unexpected error %v", res.err)
}

func TestIncomingNotListenable(t *testing.T) {
	fix := newFixture(t, nil)
	_, err := NewIncomingFactory(endpoint(t, fix, "opaque -t 99 -v abcd"), "test", Options{})
	require.True(t, errors.HasCode(err, errors.EndpointParse))
}
