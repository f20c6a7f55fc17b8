package rpc

import (
	"context"
	"github.com/google/uuid"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"strings"
	"sync"
)

// Servant implements the operations of an object. params and the returned bytes are encapsulation bodies.
// Returning an errors.UserError sends a user exception to the caller.
type Servant interface {
	Dispatch(ctx context.Context, current *Current, params []byte) ([]byte, error)
}

type ServantFunc func(ctx context.Context, current *Current, params []byte) ([]byte, error)

func (f ServantFunc) Dispatch(ctx context.Context, current *Current, params []byte) ([]byte, error) {
	return f(ctx, current, params)
}

// Current describes the request being dispatched. Connection is nil for collocated requests.
type Current struct {
	Adapter    *ObjectAdapter
	Connection *connection.Connection
	Identity   protocol.Identity
	Facet      string
	Operation  string
	Mode       protocol.OperationMode
	Context    map[string]string
	RequestID  int32
}

type adapterState int

const (
	adapterHolding adapterState = iota
	adapterActive
	adapterDeactivated
	adapterDestroyed
)

type servantKey struct {
	identity protocol.Identity
	facet    string
}

/*
ObjectAdapter hosts servants and dispatches requests to them. It listens on its endpoints and, if it has a router,
receives requests the router forwards over the client's connections to it.

An adapter starts holding: connections are accepted but requests aren't read until Activate.
*/
type ObjectAdapter struct {
	name            string
	comm            *Communicator
	lock            sync.Mutex
	state           adapterState
	servants        map[servantKey]Servant
	defaultServants map[string]Servant
	incoming        []*connection.IncomingFactory
	published       []transport.Endpoint
	routerInfo      *RouterInfo
	dispatches      sync.WaitGroup
	deactivated     chan struct{}
}

func newObjectAdapter(comm *Communicator, name string, endpoints string, router Router) (*ObjectAdapter, error) {
	a := &ObjectAdapter{
		name:            name,
		comm:            comm,
		servants:        map[servantKey]Servant{},
		defaultServants: map[string]Servant{},
		deactivated:     make(chan struct{}),
	}
	if router != nil {
		if err := a.setRouter(router); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(endpoints) == "" {
		return a, nil
	}
	eps, err := a.parseEndpoints(endpoints)
	if err != nil {
		a.destroyIncoming()
		return nil, err
	}
	opts := connection.Options{
		Config:           comm.cfg,
		Pool:             comm.pool,
		Dispatcher:       a,
		BatchInterceptor: comm.batchInterceptor,
	}
	for _, e := range eps {
		factory, err := connection.NewIncomingFactory(e, name, opts)
		if err != nil {
			a.destroyIncoming()
			return nil, err
		}
		a.incoming = append(a.incoming, factory)
		if a.routerInfo == nil {
			a.published = append(a.published, factory.Endpoint())
		}
	}
	return a, nil
}

func (a *ObjectAdapter) parseEndpoints(s string) ([]transport.Endpoint, error) {
	var eps []transport.Endpoint
	for {
		end := indexUnquoted(s, ":")
		part := s
		if end != -1 {
			part = s[:end]
		}
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errors.NewRpcErrorf(errors.EndpointParse, "empty endpoint in endpoints of adapter %s", a.name)
		}
		e, err := a.comm.factories.Create(part, true)
		if err != nil {
			return nil, err
		}
		eps = append(eps, e)
		if end == -1 {
			return eps, nil
		}
		s = s[end+1:]
	}
}

// setRouter makes the router forward requests for the adapter over the client's connections to the router.
func (a *ObjectAdapter) setRouter(router Router) error {
	info := a.comm.routerManager.Get(router)
	if info.Adapter() != nil {
		return errors.NewRpcErrorf(errors.AlreadyRegistered, "router %s already has an object adapter",
			router.Identity())
	}
	ctx := context.Background()
	if timeout := a.comm.cfg.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	published, err := info.ServerEndpoints(ctx)
	if err != nil {
		return err
	}
	clientEndpoints, err := info.ClientEndpoints(ctx)
	if err != nil {
		return err
	}
	a.routerInfo = info
	a.published = published
	info.SetAdapter(a)
	// Connections already made to the router receive its requests for the adapter
	for _, conn := range a.comm.outgoing.Connections() {
		for _, e := range clientEndpoints {
			if conn.Endpoint().Equivalent(e) {
				conn.SetAdapter(a)
				break
			}
		}
	}
	return nil
}

func (a *ObjectAdapter) Name() string {
	return a.name
}

func (a *ObjectAdapter) Communicator() *Communicator {
	return a.comm
}

// Activate starts dispatching requests.
func (a *ObjectAdapter) Activate() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state >= adapterDeactivated {
		return a.deactivatedError()
	}
	a.state = adapterActive
	for _, f := range a.incoming {
		f.Activate()
	}
	log.Debugf("object adapter %s activated", a.name)
	return nil
}

// Hold stops reading requests from the adapter's connections until the next Activate.
func (a *ObjectAdapter) Hold() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state >= adapterDeactivated {
		return a.deactivatedError()
	}
	a.state = adapterHolding
	for _, f := range a.incoming {
		f.Hold()
	}
	return nil
}

func (a *ObjectAdapter) deactivatedError() error {
	return errors.NewRpcErrorf(errors.ObjectAdapterDeactivated, "object adapter %s is deactivated", a.name)
}

// Deactivate stops accepting connections and closes the adapter's connections gracefully. Requests being
// dispatched complete, see WaitForDeactivate.
func (a *ObjectAdapter) Deactivate() {
	a.lock.Lock()
	if a.state >= adapterDeactivated {
		a.lock.Unlock()
		return
	}
	a.state = adapterDeactivated
	a.lock.Unlock()
	a.destroyIncoming()
	a.comm.outgoing.RemoveAdapter(a)
	if a.routerInfo != nil {
		a.routerInfo.SetAdapter(nil)
	}
	close(a.deactivated)
	log.Debugf("object adapter %s deactivated", a.name)
}

func (a *ObjectAdapter) destroyIncoming() {
	for _, f := range a.incoming {
		f.Destroy()
	}
}

func (a *ObjectAdapter) IsDeactivated() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state >= adapterDeactivated
}

// WaitForDeactivate waits for Deactivate, then for the adapter's connections to close and its dispatches to
// complete.
func (a *ObjectAdapter) WaitForDeactivate(ctx context.Context) error {
	select {
	case <-a.deactivated:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, f := range a.incoming {
		if err := f.WaitUntilFinished(ctx); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	common.Go(func() {
		a.dispatches.Wait()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy deactivates the adapter, waits for the deactivation to complete and unregisters the adapter so its name
// can be reused.
func (a *ObjectAdapter) Destroy(ctx context.Context) error {
	a.Deactivate()
	if err := a.WaitForDeactivate(ctx); err != nil {
		return err
	}
	a.lock.Lock()
	if a.state == adapterDestroyed {
		a.lock.Unlock()
		return nil
	}
	a.state = adapterDestroyed
	a.servants = map[servantKey]Servant{}
	a.defaultServants = map[string]Servant{}
	a.lock.Unlock()
	if a.routerInfo != nil {
		a.comm.routerManager.Erase(a.routerInfo.Router())
	}
	a.comm.adapterFactory.remove(a)
	return nil
}

// Add registers servant for identity and returns a proxy for it.
func (a *ObjectAdapter) Add(servant Servant, identity protocol.Identity) (*Proxy, error) {
	return a.AddFacet(servant, identity, "")
}

func (a *ObjectAdapter) AddFacet(servant Servant, identity protocol.Identity, facet string) (*Proxy, error) {
	if identity.Name == "" {
		return nil, errors.NewRpcError(errors.ProxyParse, "identity has an empty name")
	}
	a.lock.Lock()
	if a.state == adapterDestroyed {
		a.lock.Unlock()
		return nil, errors.NewRpcErrorf(errors.Destroyed, "object adapter %s is destroyed", a.name)
	}
	key := servantKey{identity: identity, facet: facet}
	if _, ok := a.servants[key]; ok {
		a.lock.Unlock()
		return nil, errors.NewRpcErrorf(errors.AlreadyRegistered, "servant %s with facet '%s' is already registered",
			identity, facet)
	}
	a.servants[key] = servant
	a.lock.Unlock()
	return a.CreateProxy(identity).WithFacet(facet), nil
}

// AddWithUUID registers servant with a generated identity.
func (a *ObjectAdapter) AddWithUUID(servant Servant) (*Proxy, error) {
	return a.Add(servant, protocol.Identity{Name: uuid.NewString()})
}

// AddDefaultServant registers a servant for requests to identities of category which have no servant of their own.
func (a *ObjectAdapter) AddDefaultServant(servant Servant, category string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.defaultServants[category]; ok {
		return errors.NewRpcErrorf(errors.AlreadyRegistered, "default servant for category '%s' is already registered",
			category)
	}
	a.defaultServants[category] = servant
	return nil
}

func (a *ObjectAdapter) Remove(identity protocol.Identity) (Servant, error) {
	return a.RemoveFacet(identity, "")
}

func (a *ObjectAdapter) RemoveFacet(identity protocol.Identity, facet string) (Servant, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	key := servantKey{identity: identity, facet: facet}
	servant, ok := a.servants[key]
	if !ok {
		return nil, errors.NewRpcErrorf(errors.NotRegistered, "servant %s with facet '%s' is not registered",
			identity, facet)
	}
	delete(a.servants, key)
	return servant, nil
}

func (a *ObjectAdapter) RemoveDefaultServant(category string) (Servant, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	servant, ok := a.defaultServants[category]
	if !ok {
		return nil, errors.NewRpcErrorf(errors.NotRegistered, "default servant for category '%s' is not registered",
			category)
	}
	delete(a.defaultServants, category)
	return servant, nil
}

// Find returns the servant for identity and facet, or nil.
func (a *ObjectAdapter) Find(identity protocol.Identity, facet string) Servant {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.findLocked(identity, facet)
}

func (a *ObjectAdapter) findLocked(identity protocol.Identity, facet string) Servant {
	if servant, ok := a.servants[servantKey{identity: identity, facet: facet}]; ok {
		return servant
	}
	if servant, ok := a.defaultServants[identity.Category]; ok {
		return servant
	}
	if servant, ok := a.defaultServants[""]; ok {
		return servant
	}
	return nil
}

func (a *ObjectAdapter) hasIdentityLocked(identity protocol.Identity) bool {
	for key := range a.servants {
		if key.identity == identity {
			return true
		}
	}
	return false
}

// CreateProxy returns a twoway proxy for identity with the adapter's published endpoints.
func (a *ObjectAdapter) CreateProxy(identity protocol.Identity) *Proxy {
	ref := newRoutableReference(a.comm, identity, "", ModeTwoway, a.PublishedEndpoints(), "")
	return newProxy(ref)
}

// Endpoints returns the endpoints the adapter listens on.
func (a *ObjectAdapter) Endpoints() []transport.Endpoint {
	eps := make([]transport.Endpoint, 0, len(a.incoming))
	for _, f := range a.incoming {
		eps = append(eps, f.Endpoint())
	}
	return eps
}

// PublishedEndpoints returns the endpoints put in the adapter's proxies, the router's server endpoints for an
// adapter with a router.
func (a *ObjectAdapter) PublishedEndpoints() []transport.Endpoint {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]transport.Endpoint(nil), a.published...)
}

// IsLocal returns true if requests for ref can be dispatched by this adapter without going through the network.
func (a *ObjectAdapter) IsLocal(ref *Reference) bool {
	if ref.IsFixed() {
		return false
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state >= adapterDeactivated {
		return false
	}
	if ref.IsIndirect() {
		// A well known object is local if it's hosted here
		return ref.IsWellKnown() && a.findLocked(ref.identity, ref.facet) != nil
	}
	for _, e := range ref.endpoints {
		for _, p := range a.published {
			if e.Equivalent(p) {
				return true
			}
		}
		for _, f := range a.incoming {
			if e.Equivalent(f.Endpoint()) {
				return true
			}
		}
	}
	return false
}

// Dispatch implements connection.Dispatcher. conn is nil for collocated requests.
func (a *ObjectAdapter) Dispatch(ctx context.Context, conn *connection.Connection,
	req *protocol.Request) ([]byte, error) {
	a.lock.Lock()
	if a.state >= adapterDeactivated {
		a.lock.Unlock()
		return nil, a.deactivatedError()
	}
	servant := a.findLocked(req.Identity, req.Facet)
	if servant == nil {
		code := errors.ObjectNotExist
		if req.Facet != "" && a.hasIdentityLocked(req.Identity) {
			code = errors.FacetNotExist
		}
		a.lock.Unlock()
		return nil, errors.NewRequestFailedError(code, req.Identity.Name, req.Identity.Category, req.Facet,
			req.Operation)
	}
	a.dispatches.Add(1)
	a.lock.Unlock()
	defer a.dispatches.Done()
	if req.Operation == "ice_ping" {
		return nil, nil
	}
	current := &Current{
		Adapter:    a,
		Connection: conn,
		Identity:   req.Identity,
		Facet:      req.Facet,
		Operation:  req.Operation,
		Mode:       req.Mode,
		Context:    req.Context,
		RequestID:  req.RequestID,
	}
	return servant.Dispatch(ctx, current, req.Params)
}
