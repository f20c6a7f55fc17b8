package connection

import (
	"context"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
	"sync"
)

// CreateCallback receives the connection, and whether requests on it should be compressed, or an error.
type CreateCallback func(conn *Connection, compress bool, err error)

type candidate struct {
	connector transport.Connector
	endpoint  transport.Endpoint
}

// pendingConnect is a connection attempt in progress, later callers for the same connector wait for it.
type pendingConnect struct {
	waiters []func(conn *Connection, err error)
}

// OutgoingFactory creates and caches client connections. Connections are cached by connector key and by
// endpoint, so that requests to equivalent endpoints share a connection.
type OutgoingFactory struct {
	lock        sync.Mutex
	opts        Options
	connections map[string][]*Connection
	byEndpoint  map[string][]*Connection
	pending     map[string]*pendingConnect
	destroyed   bool
	attempts    sync.WaitGroup
}

func NewOutgoingFactory(opts Options) *OutgoingFactory {
	if opts.Config == nil {
		cfg := conf.NewDefaultConfig()
		opts.Config = &cfg
	}
	return &OutgoingFactory{
		opts:        opts,
		connections: map[string][]*Connection{},
		byEndpoint:  map[string][]*Connection{},
		pending:     map[string]*pendingConnect{},
	}
}

// Create calls cb with a connection to one of endpoints, tried in order. cb may be called before Create returns.
func (f *OutgoingFactory) Create(endpoints []transport.Endpoint, cb CreateCallback) {
	if len(endpoints) == 0 {
		cb(nil, false, errors.NewRpcError(errors.NoEndpoint, "no endpoints to connect to"))
		return
	}
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		cb(nil, false, errors.NewCommunicatorDestroyedError())
		return
	}
	for _, e := range endpoints {
		if conn := activeConnection(f.byEndpoint[endpointKey(e)]); conn != nil {
			f.lock.Unlock()
			cb(conn, e.Compress(), nil)
			return
		}
	}
	f.lock.Unlock()
	f.resolve(endpoints, func(candidates []candidate, err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		f.connect(candidates, 0, nil, cb)
	})
}

// resolve gets the connectors for all endpoints, keeping the endpoint order and dropping duplicate connectors.
func (f *OutgoingFactory) resolve(endpoints []transport.Endpoint, cb func([]candidate, error)) {
	var lock sync.Mutex
	results := make([][]candidate, len(endpoints))
	remaining := len(endpoints)
	var lastErr error
	for i, e := range endpoints {
		index := i
		endpoint := e
		endpoint.ConnectorsAsync(func(connectors []transport.Connector, err error) {
			lock.Lock()
			if err != nil {
				log.Tracef(log.TraceNetwork, 2, "failed to resolve %s: %v", endpoint, err)
				lastErr = err
			}
			for _, connector := range connectors {
				results[index] = append(results[index], candidate{connector: connector, endpoint: endpoint})
			}
			remaining--
			done := remaining == 0
			lock.Unlock()
			if !done {
				return
			}
			var candidates []candidate
			seen := map[string]struct{}{}
			for _, res := range results {
				for _, c := range res {
					if _, ok := seen[c.connector.Key()]; ok {
						continue
					}
					seen[c.connector.Key()] = struct{}{}
					candidates = append(candidates, c)
				}
			}
			if len(candidates) == 0 {
				if lastErr == nil {
					lastErr = errors.NewRpcError(errors.NoEndpoint, "no connectors for endpoints")
				}
				cb(nil, lastErr)
				return
			}
			cb(candidates, nil)
		})
	}
}

// connect tries candidates from index i onwards until one connects.
func (f *OutgoingFactory) connect(candidates []candidate, i int, lastErr error, cb CreateCallback) {
	for ; i < len(candidates); i++ {
		c := candidates[i]
		key := c.connector.Key()
		f.lock.Lock()
		if f.destroyed {
			f.lock.Unlock()
			cb(nil, false, errors.NewCommunicatorDestroyedError())
			return
		}
		if conn := activeConnection(f.connections[key]); conn != nil {
			f.lock.Unlock()
			cb(conn, c.endpoint.Compress(), nil)
			return
		}
		next := i + 1
		if p, ok := f.pending[key]; ok {
			p.waiters = append(p.waiters, func(conn *Connection, err error) {
				if err != nil {
					f.connect(candidates, next, err, cb)
					return
				}
				cb(conn, c.endpoint.Compress(), nil)
			})
			f.lock.Unlock()
			return
		}
		p := &pendingConnect{}
		f.pending[key] = p
		f.attempts.Add(1)
		f.lock.Unlock()
		common.Go(func() {
			defer f.attempts.Done()
			conn, err := f.establish(c)
			f.lock.Lock()
			delete(f.pending, key)
			if err == nil && f.destroyed {
				err = errors.NewCommunicatorDestroyedError()
			}
			if err == nil {
				f.addLocked(key, c.endpoint, conn)
			}
			waiters := p.waiters
			f.lock.Unlock()
			if err == nil {
				eKey := endpointKey(c.endpoint)
				conn.OnFinished(func(conn *Connection) {
					f.remove(key, eKey, conn)
				})
			} else if conn != nil {
				conn.Close(CloseForcefully)
			}
			for _, w := range waiters {
				w(conn, err)
			}
			if err != nil {
				f.connect(candidates, next, err, cb)
				return
			}
			cb(conn, c.endpoint.Compress(), nil)
		})
		return
	}
	if lastErr == nil {
		lastErr = errors.NewRpcError(errors.NoEndpoint, "no connectors for endpoints")
	}
	cb(nil, false, lastErr)
}

func (f *OutgoingFactory) establish(c candidate) (*Connection, error) {
	log.Tracef(log.TraceNetwork, 2, "trying to establish %s connection to %s", c.connector.Protocol(),
		c.connector.String())
	tr, err := c.connector.Connect()
	if err != nil {
		return nil, err
	}
	conn := NewOutgoing(tr, c.endpoint, c.connector, f.opts)
	ctx := context.Background()
	if timeout := f.opts.Config.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := conn.Start(ctx); err != nil {
		log.Tracef(log.TraceNetwork, 2, "failed to establish %s connection to %s: %v", c.connector.Protocol(),
			c.connector.String(), err)
		return nil, err
	}
	return conn, nil
}

func (f *OutgoingFactory) addLocked(key string, endpoint transport.Endpoint, conn *Connection) {
	f.connections[key] = append(f.connections[key], conn)
	eKey := endpointKey(endpoint)
	f.byEndpoint[eKey] = append(f.byEndpoint[eKey], conn)
}

func (f *OutgoingFactory) remove(key string, eKey string, conn *Connection) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connections[key] = removeConnection(f.connections[key], conn)
	if len(f.connections[key]) == 0 {
		delete(f.connections, key)
	}
	f.byEndpoint[eKey] = removeConnection(f.byEndpoint[eKey], conn)
	if len(f.byEndpoint[eKey]) == 0 {
		delete(f.byEndpoint, eKey)
	}
}

// RemoveAdapter unbinds the dispatcher from all connections which use it for requests from the server.
func (f *OutgoingFactory) RemoveAdapter(dispatcher Dispatcher) {
	for _, conn := range f.Connections() {
		if conn.Adapter() == dispatcher {
			conn.SetAdapter(nil)
		}
	}
}

// Connections returns the cached connections.
func (f *OutgoingFactory) Connections() []*Connection {
	f.lock.Lock()
	defer f.lock.Unlock()
	var conns []*Connection
	for _, cs := range f.connections {
		conns = append(conns, cs...)
	}
	return conns
}

func (f *OutgoingFactory) NumConnections() int {
	return len(f.Connections())
}

// Destroy closes all connections gracefully. Pending and later creates fail with CommunicatorDestroyed.
func (f *OutgoingFactory) Destroy() {
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		return
	}
	f.destroyed = true
	f.lock.Unlock()
	for _, conn := range f.Connections() {
		conn.Destroy(errors.NewCommunicatorDestroyedError())
	}
}

// WaitUntilFinished waits for connection attempts to complete and for all connections to close.
func (f *OutgoingFactory) WaitUntilFinished(ctx context.Context) error {
	done := make(chan struct{})
	common.Go(func() {
		f.attempts.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, conn := range f.Connections() {
		if err := conn.WaitUntilFinished(ctx); err != nil {
			return err
		}
	}
	return nil
}

func activeConnection(conns []*Connection) *Connection {
	for _, conn := range conns {
		if conn.IsActiveOrHolding() {
			return conn
		}
	}
	return nil
}

func removeConnection(conns []*Connection, conn *Connection) []*Connection {
	for i, c := range conns {
		if c == conn {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// endpointKey ignores compression, which doesn't change the connection used.
func endpointKey(e transport.Endpoint) string {
	return transport.EndpointKey(e.WithCompress(false))
}
