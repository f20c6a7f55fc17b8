package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type fakeRouter struct {
	comm            *Communicator
	identity        protocol.Identity
	hasRoutingTable bool
	lock            sync.Mutex
	clientEndpoints string
	serverEndpoints string
	clientCalls     int
	added           []protocol.Identity
	evict           []protocol.Identity
}

func newFakeRouter(comm *Communicator, hasRoutingTable bool) *fakeRouter {
	return &fakeRouter{
		comm:            comm,
		identity:        protocol.Identity{Category: "router", Name: "fake"},
		hasRoutingTable: hasRoutingTable,
	}
}

func (r *fakeRouter) endpoints(s string) ([]transport.Endpoint, error) {
	if s == "" {
		return nil, nil
	}
	return r.comm.parseEndpoints(s, "router")
}

func (r *fakeRouter) ClientEndpoints(context.Context) ([]transport.Endpoint, bool, error) {
	r.lock.Lock()
	r.clientCalls++
	s := r.clientEndpoints
	r.lock.Unlock()
	endpoints, err := r.endpoints(s)
	return endpoints, r.hasRoutingTable, err
}

func (r *fakeRouter) ServerEndpoints(context.Context) ([]transport.Endpoint, error) {
	r.lock.Lock()
	s := r.serverEndpoints
	r.lock.Unlock()
	return r.endpoints(s)
}

func (r *fakeRouter) AddProxies(_ context.Context, refs []*Reference) ([]protocol.Identity, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, ref := range refs {
		r.added = append(r.added, ref.Identity())
	}
	evicted := r.evict
	r.evict = nil
	return evicted, nil
}

func (r *fakeRouter) Identity() protocol.Identity {
	return r.identity
}

func (r *fakeRouter) numAdded() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.added)
}

func TestRouterClientEndpointsCached(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	router.clientEndpoints = "tcp -h 127.0.0.1 -p 10000"
	info := comm.routerManager.Get(router)
	for i := 0; i < 3; i++ {
		endpoints, err := info.ClientEndpoints(context.Background())
		require.NoError(t, err)
		require.Len(t, endpoints, 1)
	}
	require.Equal(t, 1, router.clientCalls)

	done := make(chan []transport.Endpoint, 1)
	info.GetClientEndpoints(func(endpoints []transport.Endpoint, err error) {
		require.NoError(t, err)
		done <- endpoints
	})
	require.Len(t, testutils.RequireReceive(t, done, waitTimeout), 1)
	require.Equal(t, 1, router.clientCalls)
}

func TestAddProxyWithoutRoutingTable(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, false)
	info := comm.routerManager.Get(router)
	_, err := info.ClientEndpoints(context.Background())
	require.NoError(t, err)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p 10000")
	require.True(t, info.AddProxy(prx.Reference(), func(error) {
		require.Fail(t, "nothing should be added")
	}))
	require.Equal(t, 0, router.numAdded())
}

func TestAddProxyWithRoutingTable(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	info := comm.routerManager.Get(router)
	_, err := info.ClientEndpoints(context.Background())
	require.NoError(t, err)
	prx := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p 10000")

	added := make(chan error, 1)
	require.False(t, info.AddProxy(prx.Reference(), func(err error) {
		added <- err
	}))
	require.NoError(t, testutils.RequireReceive(t, added, waitTimeout))
	require.Equal(t, 1, router.numAdded())
	require.True(t, info.hasIdentity(prx.Identity()))

	// Already in the routing table
	require.True(t, info.AddProxy(prx.Reference(), func(error) {}))
	require.Equal(t, 1, router.numAdded())

	info.ClearCache(prx.Reference())
	require.False(t, info.AddProxy(prx.Reference(), func(err error) {
		added <- err
	}))
	require.NoError(t, testutils.RequireReceive(t, added, waitTimeout))
	require.Equal(t, 2, router.numAdded())
}

func TestAddProxyEvicts(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	info := comm.routerManager.Get(router)
	a := protocol.Identity{Name: "a"}
	b := protocol.Identity{Name: "b"}
	c := protocol.Identity{Name: "c"}

	info.addAndEvictProxies(a, nil)
	info.addAndEvictProxies(b, []protocol.Identity{a})
	require.False(t, info.hasIdentity(a))
	require.True(t, info.hasIdentity(b))

	// c is evicted by a reply that arrives before the reply which added it
	info.addAndEvictProxies(a, []protocol.Identity{c})
	info.addAndEvictProxies(c, nil)
	require.True(t, info.hasIdentity(a))
	require.False(t, info.hasIdentity(c))

	// Once the late add is absorbed, c can be added again
	info.addAndEvictProxies(c, nil)
	require.True(t, info.hasIdentity(c))
}

func TestEvictionsBeforeAddAreCounted(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	info := comm.routerManager.Get(router)
	a := protocol.Identity{Name: "a"}
	b := protocol.Identity{Name: "b"}
	c := protocol.Identity{Name: "c"}

	// Two replies evict c before either of the two replies adding it arrives
	info.addAndEvictProxies(a, []protocol.Identity{c})
	info.addAndEvictProxies(b, []protocol.Identity{c})
	info.addAndEvictProxies(c, nil)
	require.False(t, info.hasIdentity(c))
	info.addAndEvictProxies(c, nil)
	require.False(t, info.hasIdentity(c))

	// Both evictions were absorbed
	info.addAndEvictProxies(c, nil)
	require.True(t, info.hasIdentity(c))
	require.True(t, info.hasIdentity(a))
	require.True(t, info.hasIdentity(b))
}

func TestRouterManager(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	require.Nil(t, comm.routerManager.Get(nil))
	info := comm.routerManager.Get(router)
	require.Same(t, info, comm.routerManager.Get(router))
	require.Same(t, info, comm.routerManager.Erase(router))
	require.Nil(t, comm.routerManager.Erase(router))
	require.NotSame(t, info, comm.routerManager.Get(router))
}

func TestDefaultRouter(t *testing.T) {
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	before := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p 10000")
	comm.SetDefaultRouter(router)
	after := testProxy(t, comm, "hello:tcp -h 127.0.0.1 -p 10000")
	require.Nil(t, before.Reference().RouterInfo())
	require.NotNil(t, after.Reference().RouterInfo())
	require.False(t, before.Equal(after))
	require.True(t, before.Equal(after.WithRouter(nil)))
}

func TestRoutedInvocation(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, true)
	router.clientEndpoints = srv.adapter.Endpoints()[0].String()

	// The proxy's own endpoints are ignored, requests go to the router
	prx := testProxy(t, comm, "echo:tcp -h 127.0.0.1 -p "+unusedPort(t)).WithRouter(router)
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("routed"))
	require.NoError(t, err)
	require.Equal(t, []byte("routed"), res)
	require.Equal(t, 1, router.numAdded())
	require.True(t, prx.Reference().RouterInfo().hasIdentity(prx.Identity()))
}

func TestRouterCallbacks(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	router := newFakeRouter(comm, false)
	router.clientEndpoints = srv.adapter.Endpoints()[0].String()
	router.serverEndpoints = "tcp -h 127.0.0.1 -p " + unusedPort(t)

	adapter, err := comm.CreateObjectAdapterWithRouter("callbacks", router)
	require.NoError(t, err)
	require.Len(t, adapter.PublishedEndpoints(), 1)
	callbackServant := newEchoServant()
	_, err = adapter.Add(callbackServant, protocol.Identity{Name: "callback"})
	require.NoError(t, err)
	require.NoError(t, adapter.Activate())

	prx := srv.clientProxy(t, comm).WithRouter(router)
	_, err = prx.Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.NoError(t, err)
	current := testutils.RequireReceive(t, srv.servant.calls, waitTimeout).current
	require.NotNil(t, current.Connection)

	// The server calls back over the connection the client made to it
	callback := testProxy(t, srv.comm, "callback").WithFixedConnection(current.Connection)
	res, err := callback.Invoke(context.Background(), "echo", protocol.Normal, []byte("back"))
	require.NoError(t, err)
	require.Equal(t, []byte("back"), res)
	c := testutils.RequireReceive(t, callbackServant.calls, waitTimeout)
	require.Equal(t, "callback", c.current.Identity.Name)
	require.NotNil(t, c.current.Connection)
	require.False(t, c.current.Connection.Incoming())
}
