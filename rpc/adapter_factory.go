package rpc

import (
	"context"
	"github.com/google/uuid"
	"github.com/spirit-labs/proxyrpc/errors"
	"golang.org/x/sync/errgroup"
	"sync"
)

// ObjectAdapterFactory creates and tracks the object adapters of a communicator.
type ObjectAdapterFactory struct {
	comm      *Communicator
	lock      sync.Mutex
	adapters  map[string]*ObjectAdapter
	shutdown  bool
	destroyed bool
}

func newObjectAdapterFactory(comm *Communicator) *ObjectAdapterFactory {
	return &ObjectAdapterFactory{
		comm:     comm,
		adapters: map[string]*ObjectAdapter{},
	}
}

// CreateObjectAdapter creates a holding adapter listening on endpoints, which may be empty. An empty name gets a
// generated one.
func (f *ObjectAdapterFactory) CreateObjectAdapter(name string, endpoints string, router Router) (*ObjectAdapter,
	error) {
	if name == "" {
		name = uuid.NewString()
	}
	f.lock.Lock()
	if err := f.checkLocked(); err != nil {
		f.lock.Unlock()
		return nil, err
	}
	if _, ok := f.adapters[name]; ok {
		f.lock.Unlock()
		return nil, errors.NewRpcErrorf(errors.AlreadyRegistered, "object adapter %s already exists", name)
	}
	// Reserves the name while the adapter is created
	f.adapters[name] = nil
	f.lock.Unlock()

	adapter, err := newObjectAdapter(f.comm, name, endpoints, router)

	f.lock.Lock()
	defer f.lock.Unlock()
	if err != nil {
		delete(f.adapters, name)
		return nil, err
	}
	if err := f.checkLocked(); err != nil {
		delete(f.adapters, name)
		adapter.Deactivate()
		return nil, err
	}
	f.adapters[name] = adapter
	return adapter, nil
}

func (f *ObjectAdapterFactory) checkLocked() error {
	if f.destroyed || f.shutdown {
		return errors.NewCommunicatorDestroyedError()
	}
	return nil
}

// FindAdapter returns an adapter for which ref is local, or nil.
func (f *ObjectAdapterFactory) FindAdapter(ref *Reference) *ObjectAdapter {
	for _, adapter := range f.Adapters() {
		if adapter.IsLocal(ref) {
			return adapter
		}
	}
	return nil
}

func (f *ObjectAdapterFactory) Adapters() []*ObjectAdapter {
	f.lock.Lock()
	defer f.lock.Unlock()
	adapters := make([]*ObjectAdapter, 0, len(f.adapters))
	for _, adapter := range f.adapters {
		if adapter != nil {
			adapters = append(adapters, adapter)
		}
	}
	return adapters
}

func (f *ObjectAdapterFactory) remove(adapter *ObjectAdapter) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.adapters[adapter.name] == adapter {
		delete(f.adapters, adapter.name)
	}
}

// Shutdown deactivates all adapters, later creates fail.
func (f *ObjectAdapterFactory) Shutdown() {
	f.lock.Lock()
	f.shutdown = true
	f.lock.Unlock()
	var g errgroup.Group
	for _, adapter := range f.Adapters() {
		adapter := adapter
		g.Go(func() error {
			adapter.Deactivate()
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()
}

// WaitForShutdown waits for all adapters to complete their deactivation.
func (f *ObjectAdapterFactory) WaitForShutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range f.Adapters() {
		adapter := adapter
		g.Go(func() error {
			return adapter.WaitForDeactivate(ctx)
		})
	}
	return g.Wait()
}

// Destroy shuts down and destroys all adapters.
func (f *ObjectAdapterFactory) Destroy(ctx context.Context) error {
	f.Shutdown()
	if err := f.WaitForShutdown(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range f.Adapters() {
		adapter := adapter
		g.Go(func() error {
			return adapter.Destroy(ctx)
		})
	}
	err := g.Wait()
	f.lock.Lock()
	f.destroyed = true
	f.lock.Unlock()
	return err
}
