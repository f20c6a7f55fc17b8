package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/batch"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/threadpool"
	"github.com/spirit-labs/proxyrpc/timer"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/spirit-labs/proxyrpc/transport/tcp"
	"github.com/spirit-labs/proxyrpc/transport/ws"
	"sync"
	"time"
)

type Options struct {
	Config conf.Config
	// BatchInterceptor decides which batch requests are queued, nil queues all of them.
	BatchInterceptor batch.Interceptor
	// Lookup replaces the DNS lookup of the host resolver.
	Lookup transport.LookupFunc
}

/*
Communicator owns the runtime shared by its proxies and object adapters: the endpoint factories, the thread pool
and timer, the connection factory, and the router and locator caches.

Destroy tears these down in dependency order: adapters first, then connections, then the retry queue, timer,
resolver and thread pool. Using the communicator or its proxies afterwards fails with CommunicatorDestroyed.
*/
type Communicator struct {
	cfg              *conf.Config
	factories        *transport.FactoryManager
	resolver         *transport.HostResolver
	timer            *timer.Timer
	pool             *threadpool.Pool
	retryQueue       *RetryQueue
	handlerFactory   *RequestHandlerFactory
	routerManager    *RouterManager
	locatorManager   *LocatorManager
	adapterFactory   *ObjectAdapterFactory
	outgoing         *connection.OutgoingFactory
	batchInterceptor batch.Interceptor
	lock             sync.Mutex
	destroyed        bool
	defaultRouter    *RouterInfo
	defaultLocator   *LocatorInfo
}

func NewCommunicator(opts Options) (*Communicator, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetTraceLevels(cfg.TraceLevels)
	resolver, err := transport.NewHostResolver(&cfg, opts.Lookup)
	if err != nil {
		return nil, err
	}
	factories := transport.NewFactoryManager(cfg.DefaultProtocol)
	tcpFactory := tcp.NewFactory(&cfg, resolver)
	if err := factories.Add(tcpFactory); err != nil {
		resolver.Destroy()
		return nil, err
	}
	if err := factories.Add(ws.NewFactory(tcpFactory)); err != nil {
		resolver.Destroy()
		return nil, err
	}
	c := &Communicator{
		cfg:              &cfg,
		factories:        factories,
		resolver:         resolver,
		timer:            timer.New(),
		pool:             threadpool.New("communicator", cfg.ThreadPoolSize),
		routerManager:    newRouterManager(),
		locatorManager:   newLocatorManager(cfg.LocatorCacheSize),
		batchInterceptor: opts.BatchInterceptor,
	}
	c.retryQueue = NewRetryQueue(c.timer, c.pool)
	c.handlerFactory = newRequestHandlerFactory(c)
	c.adapterFactory = newObjectAdapterFactory(c)
	c.outgoing = connection.NewOutgoingFactory(connection.Options{
		Config:           c.cfg,
		Pool:             c.pool,
		BatchInterceptor: opts.BatchInterceptor,
	})
	return c, nil
}

func (c *Communicator) Config() conf.Config {
	return *c.cfg
}

// EndpointFactories returns the endpoint factories, additional transports can be added to it.
func (c *Communicator) EndpointFactories() *transport.FactoryManager {
	return c.factories
}

func (c *Communicator) isDestroyed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.destroyed
}

func (c *Communicator) checkDestroyed() error {
	if c.isDestroyed() {
		return errors.NewCommunicatorDestroyedError()
	}
	return nil
}

// StringToProxy parses a proxy string, see Reference.String for the format.
func (c *Communicator) StringToProxy(s string) (*Proxy, error) {
	if err := c.checkDestroyed(); err != nil {
		return nil, err
	}
	ref, err := c.parseReference(s)
	if err != nil {
		return nil, err
	}
	return newProxy(ref), nil
}

func (c *Communicator) ProxyToString(p *Proxy) string {
	if p == nil {
		return ""
	}
	return p.String()
}

// SetDefaultRouter sets the router of proxies created afterwards, nil removes it.
func (c *Communicator) SetDefaultRouter(router Router) {
	info := c.routerManager.Get(router)
	c.lock.Lock()
	defer c.lock.Unlock()
	c.defaultRouter = info
}

// SetDefaultLocator sets the locator of proxies created afterwards, nil removes it.
func (c *Communicator) SetDefaultLocator(locator Locator) error {
	info, err := c.locatorManager.Get(locator)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.defaultLocator = info
	return nil
}

func (c *Communicator) defaults() (*RouterInfo, *LocatorInfo) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.defaultRouter, c.defaultLocator
}

// CreateObjectAdapter creates an adapter without endpoints, it is reachable through collocated and bidirectional
// invocations only.
func (c *Communicator) CreateObjectAdapter(name string) (*ObjectAdapter, error) {
	return c.adapterFactory.CreateObjectAdapter(name, "", nil)
}

// CreateObjectAdapterWithEndpoints creates an adapter listening on ':' separated endpoints.
func (c *Communicator) CreateObjectAdapterWithEndpoints(name string, endpoints string) (*ObjectAdapter, error) {
	return c.adapterFactory.CreateObjectAdapter(name, endpoints, nil)
}

// CreateObjectAdapterWithRouter creates an adapter which receives requests forwarded by router.
func (c *Communicator) CreateObjectAdapterWithRouter(name string, router Router) (*ObjectAdapter, error) {
	if router == nil {
		return nil, errors.NewRpcError(errors.InvalidConfiguration, "no router")
	}
	return c.adapterFactory.CreateObjectAdapter(name, "", router)
}

// FlushBatchRequests flushes the batch requests made with fixed proxies on the communicator's connections.
func (c *Communicator) FlushBatchRequests(ctx context.Context) error {
	var firstErr error
	for _, conn := range c.outgoing.Connections() {
		if err := conn.FlushBatchRequests(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown deactivates all object adapters.
func (c *Communicator) Shutdown() {
	c.adapterFactory.Shutdown()
}

// WaitForShutdown waits until all object adapters are deactivated and their dispatches have completed.
func (c *Communicator) WaitForShutdown(ctx context.Context) error {
	return c.adapterFactory.WaitForShutdown(ctx)
}

// Destroy shuts down the communicator and waits, for at most the close timeout, for connections to close.
func (c *Communicator) Destroy() error {
	c.lock.Lock()
	if c.destroyed {
		c.lock.Unlock()
		return nil
	}
	c.destroyed = true
	c.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.CloseTimeout+time.Second)
	defer cancel()
	var firstErr error
	if err := c.adapterFactory.Destroy(ctx); err != nil {
		log.Warnf("failed to destroy object adapters: %v", err)
		firstErr = err
	}
	c.outgoing.Destroy()
	if err := c.outgoing.WaitUntilFinished(ctx); err != nil {
		log.Warnf("timed out waiting for connections to close: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	c.retryQueue.Destroy()
	c.timer.Destroy()
	c.routerManager.Destroy()
	c.locatorManager.Destroy()
	c.resolver.Destroy()
	c.pool.Destroy()
	c.factories.Destroy()
	return firstErr
}
