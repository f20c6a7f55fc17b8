package connection

import (
	"context"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
	"sync"
	"time"
)

type incomingState int

const (
	incomingHolding incomingState = iota
	incomingActive
	incomingClosed
)

const acceptRetryDelay = 100 * time.Millisecond

// IncomingFactory accepts connections on one endpoint of an object adapter. Accepted connections dispatch to the
// adapter once the factory is activated.
type IncomingFactory struct {
	lock                sync.Mutex
	opts                Options
	acceptor            transport.Acceptor
	endpoint            transport.Endpoint
	state               incomingState
	connections         map[*Connection]struct{}
	acceptLoopExitGroup sync.WaitGroup
}

// NewIncomingFactory starts listening on endpoint. Connections are accepted straight away but held until Activate
// is called.
func NewIncomingFactory(endpoint transport.Endpoint, adapterName string, opts Options) (*IncomingFactory, error) {
	if opts.Config == nil {
		cfg := conf.NewDefaultConfig()
		opts.Config = &cfg
	}
	acceptor, err := endpoint.Acceptor(adapterName)
	if err != nil {
		return nil, err
	}
	if acceptor == nil {
		return nil, errors.NewRpcErrorf(errors.EndpointParse, "endpoint %s can't be used by an object adapter",
			endpoint)
	}
	published, err := acceptor.Listen()
	if err != nil {
		return nil, err
	}
	f := &IncomingFactory{
		opts:        opts,
		acceptor:    acceptor,
		endpoint:    published,
		connections: map[*Connection]struct{}{},
	}
	log.Tracef(log.TraceNetwork, 1, "listening for %s connections at %s", published.Protocol(), published)
	f.acceptLoopExitGroup.Add(1)
	common.Go(f.acceptLoop)
	return f, nil
}

func (f *IncomingFactory) acceptLoop() {
	defer f.acceptLoopExitGroup.Done()
	for {
		tr, err := f.acceptor.Accept()
		if err != nil {
			if f.isClosed() || errors.HasCode(err, errors.OperationAborted) {
				// Ok - was closed
				return
			}
			log.Warnf("failed to accept connection on %s: %v", f.acceptor, err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		f.lock.Lock()
		conn := NewIncoming(tr, f.endpoint, f.opts)
		if f.state == incomingClosed {
			f.lock.Unlock()
			if err := tr.Close(); err != nil {
				log.Debugf("failed to close transceiver: %v", err)
			}
			return
		}
		f.connections[conn] = struct{}{}
		f.lock.Unlock()
		conn.OnFinished(f.removeConnection)
		common.Go(func() {
			f.startConnection(conn)
		})
	}
}

func (f *IncomingFactory) startConnection(conn *Connection) {
	ctx := context.Background()
	if timeout := f.opts.Config.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := conn.Start(ctx); err != nil {
		log.Tracef(log.TraceNetwork, 2, "failed to validate incoming %s connection: %v", f.endpoint.Protocol(), err)
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.state == incomingActive {
		conn.Activate()
	}
}

func (f *IncomingFactory) isClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state == incomingClosed
}

func (f *IncomingFactory) removeConnection(conn *Connection) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.connections, conn)
}

// Activate starts dispatching requests from accepted connections.
func (f *IncomingFactory) Activate() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.state != incomingHolding {
		return
	}
	f.state = incomingActive
	for conn := range f.connections {
		conn.Activate()
	}
}

// Hold stops reading requests from accepted connections. Connections are still accepted.
func (f *IncomingFactory) Hold() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.state != incomingActive {
		return
	}
	f.state = incomingHolding
	for conn := range f.connections {
		conn.Hold()
	}
}

// Destroy stops accepting and closes accepted connections gracefully.
func (f *IncomingFactory) Destroy() {
	f.lock.Lock()
	if f.state == incomingClosed {
		f.lock.Unlock()
		return
	}
	f.state = incomingClosed
	f.lock.Unlock()
	if err := f.acceptor.Close(); err != nil {
		log.Debugf("failed to close acceptor: %v", err)
	}
	// Wait for accept loop to exit
	f.acceptLoopExitGroup.Wait()
	for _, conn := range f.Connections() {
		// Held connections wouldn't read the peer's close
		conn.Activate()
		conn.Destroy(errors.NewRpcError(errors.ObjectAdapterDeactivated, "object adapter deactivated"))
	}
}

// WaitUntilFinished waits for all accepted connections to close.
func (f *IncomingFactory) WaitUntilFinished(ctx context.Context) error {
	for _, conn := range f.Connections() {
		if err := conn.WaitUntilFinished(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Endpoint returns the published endpoint, with the effective port if the configured port was 0.
func (f *IncomingFactory) Endpoint() transport.Endpoint {
	return f.endpoint
}

func (f *IncomingFactory) SetDispatcher(dispatcher Dispatcher) {
	f.lock.Lock()
	f.opts.Dispatcher = dispatcher
	f.lock.Unlock()
	for _, conn := range f.Connections() {
		conn.SetAdapter(dispatcher)
	}
}

func (f *IncomingFactory) Connections() []*Connection {
	f.lock.Lock()
	defer f.lock.Unlock()
	conns := make([]*Connection, 0, len(f.connections))
	for conn := range f.connections {
		conns = append(conns, conn)
	}
	return conns
}
