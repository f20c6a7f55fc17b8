package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"sync"
)

// Router forwards requests to servers the client can't reach directly, and requests from those servers back to
// the client's object adapter.
type Router interface {
	// ClientEndpoints returns the endpoints clients send requests to, and whether the router keeps a routing table
	// which proxies must be added to before they are used.
	ClientEndpoints(ctx context.Context) ([]transport.Endpoint, bool, error)
	// ServerEndpoints returns the endpoints of proxies to the client's object adapter.
	ServerEndpoints(ctx context.Context) ([]transport.Endpoint, error)
	// AddProxies adds proxies to the routing table and returns the identities the router evicted from it.
	AddProxies(ctx context.Context, refs []*Reference) ([]protocol.Identity, error)
	Identity() protocol.Identity
}

/*
RouterInfo caches what the client knows about a router: its client endpoints and the identities of proxies added to
its routing table.

Adding a proxy and the router evicting it can race: the evicted identities of a reply may arrive before the reply
which added the identity. Identities evicted before they were added are counted so that each late add absorbs one
eviction instead of putting the identity back.
*/
type RouterInfo struct {
	router          Router
	lock            sync.Mutex
	clientEndpoints []transport.Endpoint
	hasRoutingTable bool
	resolved        bool
	identities      map[protocol.Identity]struct{}
	evicted         map[protocol.Identity]int
	adapter         *ObjectAdapter
}

func newRouterInfo(router Router) *RouterInfo {
	return &RouterInfo{
		router:     router,
		identities: map[protocol.Identity]struct{}{},
		evicted:    map[protocol.Identity]int{},
	}
}

func (r *RouterInfo) Router() Router {
	return r.router
}

func (r *RouterInfo) key() string {
	return r.router.Identity().String()
}

// ClientEndpoints returns the router's client endpoints, getting them from the router the first time.
func (r *RouterInfo) ClientEndpoints(ctx context.Context) ([]transport.Endpoint, error) {
	r.lock.Lock()
	if r.resolved {
		endpoints := r.clientEndpoints
		r.lock.Unlock()
		return endpoints, nil
	}
	r.lock.Unlock()
	endpoints, hasRoutingTable, err := r.router.ClientEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	return r.setClientEndpoints(endpoints, hasRoutingTable), nil
}

// GetClientEndpoints is ClientEndpoints with the result passed to cb, which is called straight away when the
// endpoints are cached.
func (r *RouterInfo) GetClientEndpoints(cb func([]transport.Endpoint, error)) {
	r.lock.Lock()
	if r.resolved {
		endpoints := r.clientEndpoints
		r.lock.Unlock()
		cb(endpoints, nil)
		return
	}
	r.lock.Unlock()
	common.Go(func() {
		cb(r.ClientEndpoints(context.Background()))
	})
}

func (r *RouterInfo) setClientEndpoints(endpoints []transport.Endpoint, hasRoutingTable bool) []transport.Endpoint {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.resolved {
		// A concurrent call got there first
		return r.clientEndpoints
	}
	r.clientEndpoints = endpoints
	r.hasRoutingTable = hasRoutingTable
	r.resolved = true
	return endpoints
}

func (r *RouterInfo) ServerEndpoints(ctx context.Context) ([]transport.Endpoint, error) {
	endpoints, err := r.router.ServerEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, errors.NewRpcError(errors.NoEndpoint, "router has no server endpoints")
	}
	return endpoints, nil
}

// AddProxy adds ref to the router's routing table. It returns true if there is nothing to do, otherwise the proxy
// is added in the background and cb is called with the result.
func (r *RouterInfo) AddProxy(ref *Reference, cb func(error)) bool {
	r.lock.Lock()
	if r.resolved && !r.hasRoutingTable {
		r.lock.Unlock()
		return true
	}
	if _, ok := r.identities[ref.identity]; ok {
		r.lock.Unlock()
		return true
	}
	r.lock.Unlock()
	common.Go(func() {
		evicted, err := r.router.AddProxies(context.Background(), []*Reference{ref})
		if err != nil {
			cb(err)
			return
		}
		r.addAndEvictProxies(ref.identity, evicted)
		cb(nil)
	})
	return false
}

func (r *RouterInfo) addAndEvictProxies(identity protocol.Identity, evicted []protocol.Identity) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if n := r.evicted[identity]; n > 0 {
		// Evicted by a concurrent add before this one completed
		if n == 1 {
			delete(r.evicted, identity)
		} else {
			r.evicted[identity] = n - 1
		}
	} else {
		r.identities[identity] = struct{}{}
	}
	for _, id := range evicted {
		if _, ok := r.identities[id]; ok {
			delete(r.identities, id)
		} else {
			r.evicted[id]++
		}
	}
	log.Tracef(log.TraceLocator, 2, "added proxy %s to router %s, %d evicted", identity, r.router.Identity(),
		len(evicted))
}

// ClearCache forgets that ref was added to the routing table, it is added again with its next connection.
func (r *RouterInfo) ClearCache(ref *Reference) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.identities, ref.identity)
}

func (r *RouterInfo) hasIdentity(identity protocol.Identity) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.identities[identity]
	return ok
}

// SetAdapter sets the object adapter which receives requests forwarded by the router over client connections.
func (r *RouterInfo) SetAdapter(adapter *ObjectAdapter) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.adapter = adapter
}

func (r *RouterInfo) Adapter() *ObjectAdapter {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.adapter
}

func (r *RouterInfo) destroy() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.clientEndpoints = nil
	r.resolved = false
	r.identities = map[protocol.Identity]struct{}{}
	r.evicted = map[protocol.Identity]int{}
	r.adapter = nil
}

// RouterManager shares one RouterInfo per router identity.
type RouterManager struct {
	lock  sync.Mutex
	infos map[protocol.Identity]*RouterInfo
}

func newRouterManager() *RouterManager {
	return &RouterManager{infos: map[protocol.Identity]*RouterInfo{}}
}

// Get returns the RouterInfo for router, nil if router is nil.
func (m *RouterManager) Get(router Router) *RouterInfo {
	if router == nil {
		return nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.infos[router.Identity()]
	if !ok {
		info = newRouterInfo(router)
		m.infos[router.Identity()] = info
	}
	return info
}

// Erase removes the RouterInfo of router and returns it.
func (m *RouterManager) Erase(router Router) *RouterInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.infos[router.Identity()]
	if !ok {
		return nil
	}
	delete(m.infos, router.Identity())
	return info
}

func (m *RouterManager) Destroy() {
	m.lock.Lock()
	infos := m.infos
	m.infos = map[protocol.Identity]*RouterInfo{}
	m.lock.Unlock()
	for _, info := range infos {
		info.destroy()
	}
}
