package transport

import (
	"context"
	"github.com/dgraph-io/ristretto"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ConnectorFactory builds the connectors for a set of resolved "host:port" addresses.
type ConnectorFactory interface {
	ConnectorsFor(addresses []string, proxy NetworkProxy) []Connector
}

type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

type resolveEntry struct {
	host    string
	port    int
	factory ConnectorFactory
	cb      ConnectorsCallback
}

// HostResolver resolves host names on a dedicated goroutine so that callers never block on DNS. Requests are
// served in the order they arrive.
type HostResolver struct {
	lock          sync.Mutex
	queue         []resolveEntry
	notify        chan struct{}
	stopped       chan struct{}
	destroyed     bool
	enableIPv4    bool
	enableIPv6    bool
	preferIPv6    bool
	proxy         NetworkProxy
	lookup        LookupFunc
	cache         *ristretto.Cache
	cacheTTL      time.Duration
	lookupTimeout time.Duration
}

func NewHostResolver(cfg *conf.Config, lookup LookupFunc) (*HostResolver, error) {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	r := &HostResolver{
		notify:        make(chan struct{}, 1),
		stopped:       make(chan struct{}),
		enableIPv4:    cfg.EnableIPv4 == nil || *cfg.EnableIPv4,
		enableIPv6:    cfg.EnableIPv6,
		preferIPv6:    cfg.PreferIPv6,
		lookup:        lookup,
		cacheTTL:      cfg.ResolverCacheTTL,
		lookupTimeout: cfg.ConnectTimeout,
	}
	if cfg.SOCKSProxyHost != "" {
		r.proxy = NewSOCKSProxy(cfg.SOCKSProxyHost, cfg.SOCKSProxyPort)
	}
	if r.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10000,
			MaxCost:     1000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.WithStack(err)
		}
		r.cache = cache
	}
	common.Go(r.run)
	return r, nil
}

// Resolve calls cb with the connectors for host:port. Numeric addresses are resolved in the calling goroutine, in
// which case cb is called before Resolve returns.
func (r *HostResolver) Resolve(host string, port int, factory ConnectorFactory, cb ConnectorsCallback) {
	if r.proxy == nil {
		if addrs, ok := r.numericAddresses(host, port); ok {
			cb(factory.ConnectorsFor(addrs, nil), nil)
			return
		}
	}
	r.lock.Lock()
	if r.destroyed {
		r.lock.Unlock()
		cb(nil, errors.NewCommunicatorDestroyedError())
		return
	}
	r.queue = append(r.queue, resolveEntry{host: host, port: port, factory: factory, cb: cb})
	queued := len(r.queue)
	r.lock.Unlock()
	if queued == conf.DefaultResolverQueueWarn {
		log.Warnf("host resolver queue has %d pending requests, name resolution is slow", queued)
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *HostResolver) numericAddresses(host string, port int) ([]string, bool) {
	if host == "" {
		var loopbacks []netip.Addr
		if r.enableIPv4 {
			loopbacks = append(loopbacks, netip.MustParseAddr("127.0.0.1"))
		}
		if r.enableIPv6 {
			loopbacks = append(loopbacks, netip.IPv6Loopback())
		}
		return r.toAddresses(loopbacks, port), true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}
	addrs := r.toAddresses([]netip.Addr{addr}, port)
	return addrs, len(addrs) > 0
}

// toAddresses filters by the enabled IP versions and orders by preference, keeping the resolver's order otherwise.
func (r *HostResolver) toAddresses(ips []netip.Addr, port int) []string {
	var filtered []netip.Addr
	for _, ip := range ips {
		ip = ip.Unmap()
		if (ip.Is4() && r.enableIPv4) || (ip.Is6() && r.enableIPv6) {
			filtered = append(filtered, ip)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if r.preferIPv6 {
			return filtered[i].Is6() && !filtered[j].Is6()
		}
		return filtered[i].Is4() && !filtered[j].Is4()
	})
	addrs := make([]string, 0, len(filtered))
	for _, ip := range filtered {
		addrs = append(addrs, netip.AddrPortFrom(ip, uint16(port)).String())
	}
	return addrs
}

func (r *HostResolver) run() {
	defer close(r.stopped)
	for {
		r.lock.Lock()
		if r.destroyed {
			r.lock.Unlock()
			return
		}
		if len(r.queue) == 0 {
			r.lock.Unlock()
			<-r.notify
			continue
		}
		entry := r.queue[0]
		r.queue = r.queue[1:]
		r.lock.Unlock()
		r.resolve(entry)
	}
}

func (r *HostResolver) resolve(entry resolveEntry) {
	defer common.RecoverAndLog("host resolver")
	if r.proxy != nil {
		// The proxy is resolved, the target host name is passed to the proxy as is
		proxyAddrs, err := r.lookupHost(r.proxy.Host(), r.proxy.Port())
		if err != nil {
			entry.cb(nil, err)
			return
		}
		target := net.JoinHostPort(entry.host, strconv.Itoa(entry.port))
		entry.cb(entry.factory.ConnectorsFor([]string{target}, r.proxy.WithAddress(proxyAddrs[0])), nil)
		return
	}
	addrs, err := r.lookupHost(entry.host, entry.port)
	if err != nil {
		entry.cb(nil, err)
		return
	}
	entry.cb(entry.factory.ConnectorsFor(addrs, nil), nil)
}

func (r *HostResolver) lookupHost(host string, port int) ([]string, error) {
	if addrs, ok := r.numericAddresses(host, port); ok {
		return addrs, nil
	}
	var ips []netip.Addr
	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			ips = v.([]netip.Addr)
		}
	}
	if ips == nil {
		ctx := context.Background()
		if r.lookupTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
			defer cancel()
		}
		ipAddrs, err := r.lookup(ctx, host)
		if err != nil {
			log.Tracef(log.TraceNetwork, 1, "failed to resolve host %s: %v", host, err)
			return nil, errors.NewRpcErrorf(errors.DNSError, "failed to resolve host '%s': %v", host, err)
		}
		for _, ipAddr := range ipAddrs {
			if ip, ok := netip.AddrFromSlice(ipAddr.IP); ok {
				ips = append(ips, ip)
			}
		}
		if r.cache != nil && len(ips) > 0 {
			r.cache.SetWithTTL(host, ips, 1, r.cacheTTL)
		}
	}
	addrs := r.toAddresses(ips, port)
	if len(addrs) == 0 {
		return nil, errors.NewRpcErrorf(errors.DNSError, "host '%s' has no usable addresses", host)
	}
	return addrs, nil
}

// Destroy stops the resolver goroutine. Requests which are still queued fail with CommunicatorDestroyed.
func (r *HostResolver) Destroy() {
	r.lock.Lock()
	if r.destroyed {
		r.lock.Unlock()
		return
	}
	r.destroyed = true
	queued := r.queue
	r.queue = nil
	r.lock.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	for _, entry := range queued {
		entry.cb(nil, errors.NewCommunicatorDestroyedError())
	}
	<-r.stopped
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *HostResolver) Proxy() NetworkProxy {
	return r.proxy
}
