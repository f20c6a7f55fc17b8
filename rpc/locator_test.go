package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// fakeLocator resolves adapter ids to endpoint strings, and identities to an adapter id or endpoint strings.
type fakeLocator struct {
	comm            *Communicator
	lock            sync.Mutex
	adapters        map[string]string
	objects         map[protocol.Identity]string
	objectEndpoints map[protocol.Identity]string
	adapterCalls    int
	objectCalls     int
	block           chan struct{}
}

func newFakeLocator(comm *Communicator) *fakeLocator {
	return &fakeLocator{
		comm:            comm,
		adapters:        map[string]string{},
		objects:         map[protocol.Identity]string{},
		objectEndpoints: map[protocol.Identity]string{},
	}
}

func (l *fakeLocator) FindAdapterByID(_ context.Context, adapterID string) (*Reference, error) {
	l.lock.Lock()
	l.adapterCalls++
	endpoints, ok := l.adapters[adapterID]
	block := l.block
	l.lock.Unlock()
	if block != nil {
		<-block
	}
	if !ok {
		return nil, nil
	}
	return l.comm.parseReference("found:" + endpoints)
}

func (l *fakeLocator) FindObjectByID(_ context.Context, id protocol.Identity) (*Reference, error) {
	l.lock.Lock()
	l.objectCalls++
	adapterID, byAdapter := l.objects[id]
	endpoints, byEndpoints := l.objectEndpoints[id]
	l.lock.Unlock()
	switch {
	case byAdapter:
		return l.comm.parseReference(id.String() + " @ " + adapterID)
	case byEndpoints:
		return l.comm.parseReference(id.String() + ":" + endpoints)
	default:
		return nil, nil
	}
}

func (l *fakeLocator) Identity() protocol.Identity {
	return protocol.Identity{Category: "locator", Name: "fake"}
}

func (l *fakeLocator) setAdapter(adapterID string, endpoints string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.adapters[adapterID] = endpoints
}

func (l *fakeLocator) calls() (int, int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.adapterCalls, l.objectCalls
}

type lookup struct {
	endpoints []transport.Endpoint
	cached    bool
	err       error
}

func getEndpoints(t *testing.T, info *LocatorInfo, ref *Reference, ttl time.Duration) lookup {
	ch := make(chan lookup, 1)
	info.GetEndpoints(ref, ttl, func(endpoints []transport.Endpoint, cached bool, err error) {
		ch <- lookup{endpoints: endpoints, cached: cached, err: err}
	})
	return testutils.RequireReceive(t, ch, waitTimeout)
}

func locatorProxy(t *testing.T, comm *Communicator, locator Locator, s string) *Proxy {
	prx, err := testProxy(t, comm, s).WithLocator(locator)
	require.NoError(t, err)
	return prx
}

func TestLocatorCachesAdapterLookups(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	locator.adapters["adapter"] = "tcp -h 127.0.0.1 -p 10000"
	prx := locatorProxy(t, comm, locator, "hello @ adapter")
	info := prx.Reference().LocatorInfo()

	res := getEndpoints(t, info, prx.Reference(), InfiniteLocatorCacheTimeout)
	require.NoError(t, res.err)
	require.Len(t, res.endpoints, 1)
	require.False(t, res.cached)

	res = getEndpoints(t, info, prx.Reference(), InfiniteLocatorCacheTimeout)
	require.NoError(t, res.err)
	require.True(t, res.cached)
	adapterCalls, _ := locator.calls()
	require.Equal(t, 1, adapterCalls)

	info.ClearCache(prx.Reference())
	res = getEndpoints(t, info, prx.Reference(), InfiniteLocatorCacheTimeout)
	require.False(t, res.cached)
	adapterCalls, _ = locator.calls()
	require.Equal(t, 2, adapterCalls)
}

func TestLocatorCacheTimeout(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	locator.adapters["adapter"] = "tcp -h 127.0.0.1 -p 10000"
	prx := locatorProxy(t, comm, locator, "hello @ adapter")
	info := prx.Reference().LocatorInfo()

	// A zero timeout never uses the cache
	getEndpoints(t, info, prx.Reference(), 0)
	res := getEndpoints(t, info, prx.Reference(), 0)
	require.False(t, res.cached)
	adapterCalls, _ := locator.calls()
	require.Equal(t, 2, adapterCalls)

	res = getEndpoints(t, info, prx.Reference(), time.Hour)
	require.True(t, res.cached)
	time.Sleep(20 * time.Millisecond)
	res = getEndpoints(t, info, prx.Reference(), 10*time.Millisecond)
	require.False(t, res.cached)
	adapterCalls, _ = locator.calls()
	require.Equal(t, 3, adapterCalls)
}

func TestLocatorWellKnownObject(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	locator.objects[protocol.Identity{Name: "hello"}] = "adapter"
	locator.adapters["adapter"] = "tcp -h 127.0.0.1 -p 10000"
	locator.objectEndpoints[protocol.Identity{Name: "direct"}] = "tcp -h 127.0.0.1 -p 10001"

	prx := locatorProxy(t, comm, locator, "hello")
	info := prx.Reference().LocatorInfo()
	res := getEndpoints(t, info, prx.Reference(), InfiniteLocatorCacheTimeout)
	require.NoError(t, res.err)
	require.Len(t, res.endpoints, 1)
	adapterCalls, objectCalls := locator.calls()
	require.Equal(t, 1, adapterCalls)
	require.Equal(t, 1, objectCalls)

	// Both lookups are cached
	res = getEndpoints(t, info, prx.Reference(), InfiniteLocatorCacheTimeout)
	require.True(t, res.cached)
	adapterCalls, objectCalls = locator.calls()
	require.Equal(t, 1, adapterCalls)
	require.Equal(t, 1, objectCalls)

	direct := locatorProxy(t, comm, locator, "direct")
	res = getEndpoints(t, info, direct.Reference(), InfiniteLocatorCacheTimeout)
	require.NoError(t, res.err)
	require.Len(t, res.endpoints, 1)
	require.Equal(t, 10001, res.endpoints[0].(interface{ Port() int }).Port())
}

func TestLocatorNotFound(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	prx := locatorProxy(t, comm, locator, "hello @ missing")
	res := getEndpoints(t, prx.Reference().LocatorInfo(), prx.Reference(), InfiniteLocatorCacheTimeout)
	require.True(t, errors.HasCode(res.err, errors.NotRegistered))

	prx = locatorProxy(t, comm, locator, "missing")
	res = getEndpoints(t, prx.Reference().LocatorInfo(), prx.Reference(), InfiniteLocatorCacheTimeout)
	require.True(t, errors.HasCode(res.err, errors.NotRegistered))
}

func TestConcurrentLookupsShared(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	locator.adapters["adapter"] = "tcp -h 127.0.0.1 -p 10000"
	locator.block = make(chan struct{})
	prx := locatorProxy(t, comm, locator, "hello @ adapter")
	info := prx.Reference().LocatorInfo()

	results := make(chan lookup, 5)
	for i := 0; i < 5; i++ {
		info.GetEndpoints(prx.Reference(), InfiniteLocatorCacheTimeout,
			func(endpoints []transport.Endpoint, cached bool, err error) {
				results <- lookup{endpoints: endpoints, cached: cached, err: err}
			})
	}
	testutils.WaitUntil(t, func() (bool, error) {
		adapterCalls, _ := locator.calls()
		return adapterCalls == 1, nil
	})
	close(locator.block)
	for i := 0; i < 5; i++ {
		res := testutils.RequireReceive(t, results, waitTimeout)
		require.NoError(t, res.err)
		require.Len(t, res.endpoints, 1)
	}
	adapterCalls, _ := locator.calls()
	require.Equal(t, 1, adapterCalls)
}

func TestLocatorCacheSize(t *testing.T) {
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.LocatorCacheSize = 1
	})
	locator := newFakeLocator(comm)
	locator.adapters["a1"] = "tcp -h 127.0.0.1 -p 10000"
	locator.adapters["a2"] = "tcp -h 127.0.0.1 -p 10001"
	p1 := locatorProxy(t, comm, locator, "hello @ a1")
	p2 := locatorProxy(t, comm, locator, "hello @ a2")
	info := p1.Reference().LocatorInfo()
	require.Same(t, info, p2.Reference().LocatorInfo())

	getEndpoints(t, info, p1.Reference(), InfiniteLocatorCacheTimeout)
	getEndpoints(t, info, p2.Reference(), InfiniteLocatorCacheTimeout)
	// a1 was evicted to make room for a2
	res := getEndpoints(t, info, p1.Reference(), InfiniteLocatorCacheTimeout)
	require.False(t, res.cached)
	adapterCalls, _ := locator.calls()
	require.Equal(t, 3, adapterCalls)
}

func TestDefaultLocator(t *testing.T) {
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	require.NoError(t, comm.SetDefaultLocator(locator))
	prx := testProxy(t, comm, "hello @ adapter")
	require.NotNil(t, prx.Reference().LocatorInfo())
	require.Same(t, locator, prx.Reference().LocatorInfo().Locator())
	require.NoError(t, comm.SetDefaultLocator(nil))
	require.Nil(t, testProxy(t, comm, "hello @ adapter").Reference().LocatorInfo())
}

func TestInvokeIndirectProxy(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t)
	locator := newFakeLocator(comm)
	locator.setAdapter("server", srv.adapter.Endpoints()[0].String())
	prx := locatorProxy(t, comm, locator, "echo @ server")
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("indirect"))
	require.NoError(t, err)
	require.Equal(t, []byte("indirect"), res)
}

func TestIndirectProxyWithoutLocator(t *testing.T) {
	comm := newTestCommunicator(t)
	prx := testProxy(t, comm, "echo @ server")
	_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.True(t, errors.HasCode(err, errors.NoEndpoint))
}

func TestStaleLocatorCacheRefreshed(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	comm := newTestCommunicator(t, func(cfg *conf.Config) {
		cfg.RetryIntervals = []time.Duration{-1}
	})
	locator := newFakeLocator(comm)
	locator.setAdapter("server", "tcp -h 127.0.0.1 -p "+unusedPort(t))
	prx := locatorProxy(t, comm, locator, "echo @ server")
	getEndpoints(t, prx.Reference().LocatorInfo(), prx.Reference(), InfiniteLocatorCacheTimeout)

	// The adapter moved, connecting to the cached endpoints fails and they are looked up again
	locator.setAdapter("server", srv.adapter.Endpoints()[0].String())
	_, err := prx.Invoke(context.Background(), "echo", protocol.Normal, nil)
	require.NoError(t, err)
	adapterCalls, _ := locator.calls()
	require.Equal(t, 2, adapterCalls)
}
