package rpc

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/batch"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Mode int

const (
	ModeTwoway Mode = iota
	ModeOneway
	ModeBatchOneway
	ModeDatagram
	ModeBatchDatagram
)

func (m Mode) IsBatch() bool {
	return m == ModeBatchOneway || m == ModeBatchDatagram
}

func (m Mode) IsDatagram() bool {
	return m == ModeDatagram || m == ModeBatchDatagram
}

func (m Mode) IsTwoway() bool {
	return m == ModeTwoway
}

// flag returns the proxy string option for the mode.
func (m Mode) flag() string {
	switch m {
	case ModeOneway:
		return "-o"
	case ModeBatchOneway:
		return "-O"
	case ModeDatagram:
		return "-d"
	case ModeBatchDatagram:
		return "-D"
	default:
		return "-t"
	}
}

func (m Mode) String() string {
	switch m {
	case ModeTwoway:
		return "twoway"
	case ModeOneway:
		return "oneway"
	case ModeBatchOneway:
		return "batch oneway"
	case ModeDatagram:
		return "datagram"
	case ModeBatchDatagram:
		return "batch datagram"
	default:
		return fmt.Sprintf("unknown mode %d", int(m))
	}
}

type EndpointSelection int

const (
	SelectRandom EndpointSelection = iota
	SelectOrdered
)

// InfiniteLocatorCacheTimeout caches locator lookups until they are cleared.
const InfiniteLocatorCacheTimeout time.Duration = -1

/*
Reference describes the target of a proxy. It is immutable, the With methods return a new reference.

A routable reference has endpoints, or an adapter id or well known identity resolved by its locator, and may be
routed through a router. A fixed reference is bound to an existing connection.
*/
type Reference struct {
	comm                 *Communicator
	identity             protocol.Identity
	facet                string
	mode                 Mode
	compress             *bool
	timeout              *time.Duration
	connectionID         string
	context              map[string]string
	endpoints            []transport.Endpoint
	adapterID            string
	routerInfo           *RouterInfo
	locatorInfo          *LocatorInfo
	locatorCacheTimeout  time.Duration
	cacheConnection      bool
	collocationOptimized bool
	selection            EndpointSelection
	fixedConn            *connection.Connection
	batchQueue           *batch.Queue
}

func newRoutableReference(comm *Communicator, identity protocol.Identity, facet string, mode Mode,
	endpoints []transport.Endpoint, adapterID string) *Reference {
	routerInfo, locatorInfo := comm.defaults()
	r := &Reference{
		comm:                 comm,
		identity:             identity,
		facet:                facet,
		mode:                 mode,
		endpoints:            endpoints,
		adapterID:            adapterID,
		routerInfo:           routerInfo,
		locatorInfo:          locatorInfo,
		locatorCacheTimeout:  InfiniteLocatorCacheTimeout,
		cacheConnection:      *comm.cfg.CacheConnection,
		collocationOptimized: *comm.cfg.CollocationOptimized,
	}
	r.initBatchQueue()
	return r
}

func newFixedReference(comm *Communicator, identity protocol.Identity, facet string, mode Mode,
	conn *connection.Connection) *Reference {
	return &Reference{
		comm:                comm,
		identity:            identity,
		facet:               facet,
		mode:                mode,
		fixedConn:           conn,
		locatorCacheTimeout: InfiniteLocatorCacheTimeout,
	}
}

func (r *Reference) initBatchQueue() {
	if r.fixedConn != nil || !r.mode.IsBatch() {
		r.batchQueue = nil
		return
	}
	autoFlush := 0
	if r.comm.cfg.BatchAutoFlushSize != nil {
		autoFlush = *r.comm.cfg.BatchAutoFlushSize
	}
	r.batchQueue = batch.NewQueue(r.comm.batchInterceptor, autoFlush, r.mode.IsDatagram(), r.comm.cfg.DatagramMaxSize)
}

// derive returns a modified copy. Batch references get their own queue.
func (r *Reference) derive(f func(ref *Reference)) *Reference {
	c := *r
	c.endpoints = append([]transport.Endpoint(nil), r.endpoints...)
	f(&c)
	c.initBatchQueue()
	return &c
}

func (r *Reference) Communicator() *Communicator {
	return r.comm
}

func (r *Reference) Identity() protocol.Identity {
	return r.identity
}

func (r *Reference) Facet() string {
	return r.facet
}

func (r *Reference) Mode() Mode {
	return r.mode
}

// Compress returns the compression override and whether there is one.
func (r *Reference) Compress() (bool, bool) {
	if r.compress == nil {
		return false, false
	}
	return *r.compress, true
}

func (r *Reference) ConnectionID() string {
	return r.connectionID
}

func (r *Reference) Context() map[string]string {
	return r.context
}

func (r *Reference) Endpoints() []transport.Endpoint {
	return r.endpoints
}

func (r *Reference) AdapterID() string {
	return r.adapterID
}

func (r *Reference) RouterInfo() *RouterInfo {
	return r.routerInfo
}

func (r *Reference) LocatorInfo() *LocatorInfo {
	return r.locatorInfo
}

func (r *Reference) LocatorCacheTimeout() time.Duration {
	return r.locatorCacheTimeout
}

func (r *Reference) CacheConnection() bool {
	return r.cacheConnection
}

func (r *Reference) CollocationOptimized() bool {
	return r.collocationOptimized
}

func (r *Reference) EndpointSelection() EndpointSelection {
	return r.selection
}

func (r *Reference) IsFixed() bool {
	return r.fixedConn != nil
}

// FixedConnection returns the connection of a fixed reference.
func (r *Reference) FixedConnection() *connection.Connection {
	return r.fixedConn
}

// IsIndirect returns true if the endpoints of the reference must be found with a locator.
func (r *Reference) IsIndirect() bool {
	return r.fixedConn == nil && len(r.endpoints) == 0
}

// IsWellKnown returns true for indirect references without an adapter id, which are looked up by identity.
func (r *Reference) IsWellKnown() bool {
	return r.IsIndirect() && r.adapterID == ""
}

func (r *Reference) WithIdentity(identity protocol.Identity) *Reference {
	if identity == r.identity {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.identity = identity
	})
}

func (r *Reference) WithFacet(facet string) *Reference {
	if facet == r.facet {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.facet = facet
	})
}

func (r *Reference) WithMode(mode Mode) *Reference {
	if mode == r.mode {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.mode = mode
	})
}

// WithCompress overrides the compression setting of all endpoints.
func (r *Reference) WithCompress(compress bool) *Reference {
	if r.compress != nil && *r.compress == compress {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.compress = &compress
		for i, e := range ref.endpoints {
			ref.endpoints[i] = e.WithCompress(compress)
		}
	})
}

// WithTimeout overrides the timeout of all endpoints.
func (r *Reference) WithTimeout(timeout time.Duration) *Reference {
	if r.timeout != nil && *r.timeout == timeout {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.timeout = &timeout
		for i, e := range ref.endpoints {
			ref.endpoints[i] = e.WithTimeout(timeout)
		}
	})
}

// WithConnectionID makes the reference use connections which are not shared with references that have a different
// connection id.
func (r *Reference) WithConnectionID(id string) *Reference {
	if id == r.connectionID {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.connectionID = id
		for i, e := range ref.endpoints {
			ref.endpoints[i] = e.WithConnectionID(id)
		}
	})
}

func (r *Reference) WithContext(ctx map[string]string) *Reference {
	return r.derive(func(ref *Reference) {
		ref.context = make(map[string]string, len(ctx))
		for k, v := range ctx {
			ref.context[k] = v
		}
	})
}

func (r *Reference) WithEndpoints(endpoints []transport.Endpoint) *Reference {
	return r.derive(func(ref *Reference) {
		ref.endpoints = append([]transport.Endpoint(nil), endpoints...)
		if len(endpoints) > 0 {
			ref.adapterID = ""
		}
	})
}

func (r *Reference) WithAdapterID(adapterID string) *Reference {
	if adapterID == r.adapterID && len(r.endpoints) == 0 {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.adapterID = adapterID
		ref.endpoints = nil
	})
}

func (r *Reference) WithRouter(info *RouterInfo) *Reference {
	if info == r.routerInfo {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.routerInfo = info
	})
}

func (r *Reference) WithLocator(info *LocatorInfo) *Reference {
	if info == r.locatorInfo {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.locatorInfo = info
	})
}

func (r *Reference) WithLocatorCacheTimeout(timeout time.Duration) *Reference {
	if timeout == r.locatorCacheTimeout {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.locatorCacheTimeout = timeout
	})
}

func (r *Reference) WithCacheConnection(cache bool) *Reference {
	if cache == r.cacheConnection {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.cacheConnection = cache
	})
}

func (r *Reference) WithCollocationOptimized(optimized bool) *Reference {
	if optimized == r.collocationOptimized {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.collocationOptimized = optimized
	})
}

func (r *Reference) WithEndpointSelection(selection EndpointSelection) *Reference {
	if selection == r.selection {
		return r
	}
	return r.derive(func(ref *Reference) {
		ref.selection = selection
	})
}

// filterEndpoints returns the endpoints usable in the reference's mode with its overrides applied, in the order
// they should be tried.
func (r *Reference) filterEndpoints(endpoints []transport.Endpoint) []transport.Endpoint {
	filtered := make([]transport.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Datagram() != r.mode.IsDatagram() {
			continue
		}
		if _, ok := e.(*transport.OpaqueEndpoint); ok {
			continue
		}
		if r.compress != nil {
			e = e.WithCompress(*r.compress)
		}
		if r.timeout != nil {
			e = e.WithTimeout(*r.timeout)
		}
		e = e.WithConnectionID(r.connectionID)
		filtered = append(filtered, e)
	}
	if r.selection == SelectRandom && len(filtered) > 1 {
		rand.Shuffle(len(filtered), func(i, j int) {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		})
	}
	return filtered
}

// Key is a canonical form of the reference, equal references have equal keys.
func (r *Reference) Key() string {
	var sb strings.Builder
	sb.WriteString(strconv.Quote(r.identity.Category))
	sb.WriteByte('/')
	sb.WriteString(strconv.Quote(r.identity.Name))
	sb.WriteString("|facet=")
	sb.WriteString(strconv.Quote(r.facet))
	sb.WriteString("|mode=")
	sb.WriteString(strconv.Itoa(int(r.mode)))
	if r.compress != nil {
		sb.WriteString("|compress=")
		sb.WriteString(strconv.FormatBool(*r.compress))
	}
	if r.timeout != nil {
		sb.WriteString("|timeout=")
		sb.WriteString(r.timeout.String())
	}
	sb.WriteString("|connection-id=")
	sb.WriteString(strconv.Quote(r.connectionID))
	if len(r.context) > 0 {
		keys := make([]string, 0, len(r.context))
		for k := range r.context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("|context=")
		for _, k := range keys {
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte('=')
			sb.WriteString(strconv.Quote(r.context[k]))
			sb.WriteByte(',')
		}
	}
	if r.fixedConn != nil {
		sb.WriteString("|fixed=")
		sb.WriteString(r.fixedConn.ID())
		return sb.String()
	}
	sb.WriteString("|endpoints=")
	for _, e := range r.endpoints {
		sb.WriteString(strconv.Quote(transport.EndpointKey(e)))
		sb.WriteByte(',')
	}
	sb.WriteString("|adapter=")
	sb.WriteString(strconv.Quote(r.adapterID))
	if r.routerInfo != nil {
		sb.WriteString("|router=")
		sb.WriteString(strconv.Quote(r.routerInfo.key()))
	}
	if r.locatorInfo != nil {
		sb.WriteString("|locator=")
		sb.WriteString(strconv.Quote(r.locatorInfo.key()))
	}
	sb.WriteString("|locator-cache-timeout=")
	sb.WriteString(r.locatorCacheTimeout.String())
	sb.WriteString("|cache-connection=")
	sb.WriteString(strconv.FormatBool(r.cacheConnection))
	sb.WriteString("|collocation=")
	sb.WriteString(strconv.FormatBool(r.collocationOptimized))
	sb.WriteString("|selection=")
	sb.WriteString(strconv.Itoa(int(r.selection)))
	return sb.String()
}

func (r *Reference) Equal(other *Reference) bool {
	if r == other {
		return true
	}
	if other == nil {
		return false
	}
	return r.Key() == other.Key()
}

// String returns the proxy string form, which StringToProxy parses.
func (r *Reference) String() string {
	var sb strings.Builder
	sb.WriteString(quoteProxyToken(r.identity.String()))
	if r.facet != "" {
		sb.WriteString(" -f ")
		sb.WriteString(quoteProxyToken(r.facet))
	}
	sb.WriteByte(' ')
	sb.WriteString(r.mode.flag())
	if r.fixedConn != nil {
		return sb.String()
	}
	if len(r.endpoints) > 0 {
		for _, e := range r.endpoints {
			sb.WriteByte(':')
			sb.WriteString(e.String())
		}
	} else if r.adapterID != "" {
		sb.WriteString(" @ ")
		sb.WriteString(quoteProxyToken(r.adapterID))
	}
	return sb.String()
}
