package rpc

import (
	"context"
	lru "github.com/hashicorp/golang-lru"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"sync"
	"time"
)

// Locator resolves indirect references. The returned reference has endpoints, or for objects, optionally an
// adapter id resolved in turn with FindAdapterByID. A nil reference means not found.
type Locator interface {
	FindAdapterByID(ctx context.Context, adapterID string) (*Reference, error)
	FindObjectByID(ctx context.Context, id protocol.Identity) (*Reference, error)
	Identity() protocol.Identity
}

type locatorEntry struct {
	endpoints []transport.Endpoint
	adapterID string
	added     time.Time
}

func (e *locatorEntry) valid(ttl time.Duration) bool {
	if ttl < 0 {
		return true
	}
	return time.Since(e.added) <= ttl
}

type endpointsCallback func(endpoints []transport.Endpoint, cached bool, err error)

/*
LocatorInfo caches the results of locator lookups in two LRU caches, one for adapter ids and one for well known
objects. An object entry holds either endpoints or the adapter id of the object, which is then resolved through the
adapter cache. Concurrent lookups of the same adapter id or identity share one locator request.
*/
type LocatorInfo struct {
	locator         Locator
	adapterCache    *lru.Cache
	objectCache     *lru.Cache
	lock            sync.Mutex
	adapterRequests map[string][]func(*locatorEntry, error)
	objectRequests  map[protocol.Identity][]func(*locatorEntry, error)
}

func newLocatorInfo(locator Locator, cacheSize int) (*LocatorInfo, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	adapterCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	objectCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocatorInfo{
		locator:         locator,
		adapterCache:    adapterCache,
		objectCache:     objectCache,
		adapterRequests: map[string][]func(*locatorEntry, error){},
		objectRequests:  map[protocol.Identity][]func(*locatorEntry, error){},
	}, nil
}

func (l *LocatorInfo) Locator() Locator {
	return l.locator
}

func (l *LocatorInfo) key() string {
	return l.locator.Identity().String()
}

// GetEndpoints resolves the endpoints of an indirect reference, using cached entries no older than ttl. cb is told
// whether the endpoints came from the cache, in which case they may be stale.
func (l *LocatorInfo) GetEndpoints(ref *Reference, ttl time.Duration, cb endpointsCallback) {
	if ref.adapterID != "" {
		l.getAdapterEndpoints(ref.adapterID, ttl, cb)
		return
	}
	if ttl != 0 {
		if v, ok := l.objectCache.Get(ref.identity); ok {
			entry := v.(*locatorEntry)
			if entry.valid(ttl) {
				l.objectResolved(ref, entry, ttl, true, cb)
				return
			}
		}
	}
	l.lookupObject(ref.identity, func(entry *locatorEntry, err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		l.objectResolved(ref, entry, ttl, false, cb)
	})
}

func (l *LocatorInfo) objectResolved(ref *Reference, entry *locatorEntry, ttl time.Duration, cached bool,
	cb endpointsCallback) {
	if entry.adapterID == "" {
		log.Tracef(log.TraceLocator, 1, "found endpoints for object %s %v", ref.identity, entry.endpoints)
		cb(entry.endpoints, cached, nil)
		return
	}
	l.getAdapterEndpoints(entry.adapterID, ttl, func(endpoints []transport.Endpoint, adapterCached bool, err error) {
		cb(endpoints, cached || adapterCached, err)
	})
}

func (l *LocatorInfo) getAdapterEndpoints(adapterID string, ttl time.Duration, cb endpointsCallback) {
	if ttl != 0 {
		if v, ok := l.adapterCache.Get(adapterID); ok {
			entry := v.(*locatorEntry)
			if entry.valid(ttl) {
				cb(entry.endpoints, true, nil)
				return
			}
		}
	}
	l.lookupAdapter(adapterID, func(entry *locatorEntry, err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		log.Tracef(log.TraceLocator, 1, "found endpoints for adapter %s %v", adapterID, entry.endpoints)
		cb(entry.endpoints, false, nil)
	})
}

func (l *LocatorInfo) lookupAdapter(adapterID string, cb func(*locatorEntry, error)) {
	l.lock.Lock()
	waiters, pending := l.adapterRequests[adapterID]
	l.adapterRequests[adapterID] = append(waiters, cb)
	l.lock.Unlock()
	if pending {
		return
	}
	common.Go(func() {
		entry, err := l.findAdapter(adapterID)
		l.lock.Lock()
		waiters := l.adapterRequests[adapterID]
		delete(l.adapterRequests, adapterID)
		l.lock.Unlock()
		for _, w := range waiters {
			w(entry, err)
		}
	})
}

func (l *LocatorInfo) findAdapter(adapterID string) (*locatorEntry, error) {
	log.Tracef(log.TraceLocator, 2, "searching for adapter by id %s", adapterID)
	ref, err := l.locator.FindAdapterByID(context.Background(), adapterID)
	if err != nil {
		log.Tracef(log.TraceLocator, 1, "couldn't find endpoints for adapter %s: %v", adapterID, err)
		return nil, err
	}
	if ref == nil || len(ref.endpoints) == 0 {
		return nil, errors.NewRpcErrorf(errors.NotRegistered, "object adapter %s is not registered", adapterID)
	}
	entry := &locatorEntry{endpoints: ref.endpoints, added: time.Now()}
	l.adapterCache.Add(adapterID, entry)
	return entry, nil
}

func (l *LocatorInfo) lookupObject(id protocol.Identity, cb func(*locatorEntry, error)) {
	l.lock.Lock()
	waiters, pending := l.objectRequests[id]
	l.objectRequests[id] = append(waiters, cb)
	l.lock.Unlock()
	if pending {
		return
	}
	common.Go(func() {
		entry, err := l.findObject(id)
		l.lock.Lock()
		waiters := l.objectRequests[id]
		delete(l.objectRequests, id)
		l.lock.Unlock()
		for _, w := range waiters {
			w(entry, err)
		}
	})
}

func (l *LocatorInfo) findObject(id protocol.Identity) (*locatorEntry, error) {
	log.Tracef(log.TraceLocator, 2, "searching for object by id %s", id)
	ref, err := l.locator.FindObjectByID(context.Background(), id)
	if err != nil {
		log.Tracef(log.TraceLocator, 1, "couldn't find endpoints for object %s: %v", id, err)
		return nil, err
	}
	if ref == nil {
		return nil, errors.NewRpcErrorf(errors.NotRegistered, "object %s is not registered", id)
	}
	if len(ref.endpoints) == 0 && ref.adapterID == "" {
		return nil, errors.NewRpcErrorf(errors.NotRegistered, "locator returned a well known proxy for object %s",
			id)
	}
	entry := &locatorEntry{endpoints: ref.endpoints, adapterID: ref.adapterID, added: time.Now()}
	l.objectCache.Add(id, entry)
	return entry, nil
}

// ClearCache removes the cached lookups of ref, including the adapter a well known object was found in.
func (l *LocatorInfo) ClearCache(ref *Reference) {
	if ref.adapterID != "" {
		if l.adapterCache.Remove(ref.adapterID) {
			log.Tracef(log.TraceLocator, 2, "removed endpoints for adapter %s from locator cache", ref.adapterID)
		}
		return
	}
	v, ok := l.objectCache.Peek(ref.identity)
	if !ok {
		return
	}
	l.objectCache.Remove(ref.identity)
	log.Tracef(log.TraceLocator, 2, "removed object %s from locator cache", ref.identity)
	if entry := v.(*locatorEntry); entry.adapterID != "" {
		l.adapterCache.Remove(entry.adapterID)
	}
}

func (l *LocatorInfo) destroy() {
	l.adapterCache.Purge()
	l.objectCache.Purge()
}

// LocatorManager shares one LocatorInfo per locator identity.
type LocatorManager struct {
	lock      sync.Mutex
	cacheSize int
	infos     map[protocol.Identity]*LocatorInfo
}

func newLocatorManager(cacheSize int) *LocatorManager {
	return &LocatorManager{
		cacheSize: cacheSize,
		infos:     map[protocol.Identity]*LocatorInfo{},
	}
}

// Get returns the LocatorInfo for locator, nil if locator is nil.
func (m *LocatorManager) Get(locator Locator) (*LocatorInfo, error) {
	if locator == nil {
		return nil, nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.infos[locator.Identity()]
	if ok {
		return info, nil
	}
	info, err := newLocatorInfo(locator, m.cacheSize)
	if err != nil {
		return nil, err
	}
	m.infos[locator.Identity()] = info
	return info, nil
}

func (m *LocatorManager) Destroy() {
	m.lock.Lock()
	infos := m.infos
	m.infos = map[protocol.Identity]*LocatorInfo{}
	m.lock.Unlock()
	for _, info := range infos {
		info.destroy()
	}
}
