package rpc

import (
	"github.com/spirit-labs/proxyrpc/connection"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
)

// getConnection finds the endpoints of a routable reference, through its router or locator if it has one, and
// gets a connection to one of them from the connection factory.
func (r *Reference) getConnection(cb connection.CreateCallback) {
	if r.routerInfo == nil {
		r.getConnectionNoRouter(cb)
		return
	}
	r.routerInfo.GetClientEndpoints(func(endpoints []transport.Endpoint, err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		if len(endpoints) == 0 {
			r.getConnectionNoRouter(cb)
			return
		}
		r.createConnection(endpoints, cb)
	})
}

func (r *Reference) getConnectionNoRouter(cb connection.CreateCallback) {
	if len(r.endpoints) > 0 {
		r.createConnection(r.endpoints, cb)
		return
	}
	if r.locatorInfo == nil {
		cb(nil, false, errors.NewRpcErrorf(errors.NoEndpoint, "no endpoints for %s", r))
		return
	}
	r.locatorInfo.GetEndpoints(r, r.locatorCacheTimeout, func(endpoints []transport.Endpoint, cached bool,
		err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		r.createConnection(endpoints, func(conn *connection.Connection, compress bool, err error) {
			if err != nil && cached {
				// The cached endpoints may be stale, look them up again
				log.Tracef(log.TraceLocator, 1, "connection to cached endpoints of %s failed, clearing cache: %v",
					r, err)
				r.locatorInfo.ClearCache(r)
				r.WithLocatorCacheTimeout(0).getConnectionNoRouter(cb)
				return
			}
			cb(conn, compress, err)
		})
	})
}

func (r *Reference) createConnection(endpoints []transport.Endpoint, cb connection.CreateCallback) {
	filtered := r.filterEndpoints(endpoints)
	if len(filtered) == 0 {
		cb(nil, false, errors.NewRpcErrorf(errors.NoEndpoint, "no suitable endpoints for %s", r))
		return
	}
	r.comm.outgoing.Create(filtered, func(conn *connection.Connection, compress bool, err error) {
		if err != nil {
			cb(nil, false, err)
			return
		}
		if r.routerInfo != nil {
			// Requests forwarded by the router for its adapter arrive on this connection
			if adapter := r.routerInfo.Adapter(); adapter != nil {
				conn.SetAdapter(adapter)
			}
		}
		if override, ok := r.Compress(); ok {
			compress = override
		}
		cb(conn, compress, nil)
	})
}
