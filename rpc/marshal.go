package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
)

// WriteProxy marshals p, nil is written as a null proxy. Fixed proxies can't be marshaled.
func WriteProxy(out *encoding.OutputStream, p *Proxy) error {
	if p == nil {
		protocol.Identity{}.Write(out)
		return nil
	}
	ref := p.ref
	if ref.IsFixed() {
		return errors.NewRpcErrorf(errors.FixedProxy, "can't marshal fixed proxy %s", ref.identity)
	}
	ref.identity.Write(out)
	if ref.facet == "" {
		out.WriteSize(0)
	} else {
		out.WriteStringSeq([]string{ref.facet})
	}
	out.WriteUint8(byte(ref.mode))
	// Secure
	out.WriteBool(false)
	out.WriteSize(len(ref.endpoints))
	for _, e := range ref.endpoints {
		e.StreamWrite(out)
	}
	if len(ref.endpoints) == 0 {
		out.WriteString(ref.adapterID)
	}
	return nil
}

// ReadProxy unmarshals a proxy written by WriteProxy, it returns nil for a null proxy.
func (c *Communicator) ReadProxy(in *encoding.InputStream) (*Proxy, error) {
	identity, err := protocol.ReadIdentity(in)
	if err != nil {
		return nil, err
	}
	if identity.Name == "" {
		return nil, nil
	}
	facets, err := in.ReadStringSeq()
	if err != nil {
		return nil, err
	}
	if len(facets) > 1 {
		return nil, errors.NewMarshalErrorf("proxy carries %d facets", len(facets))
	}
	facet := ""
	if len(facets) == 1 {
		facet = facets[0]
	}
	mode, err := in.ReadUint8()
	if err != nil {
		return nil, err
	}
	if Mode(mode) > ModeBatchDatagram {
		return nil, errors.NewMarshalErrorf("invalid proxy mode %d", mode)
	}
	if _, err := in.ReadBool(); err != nil {
		return nil, err
	}
	n, err := in.ReadSize()
	if err != nil {
		return nil, err
	}
	var endpoints []transport.Endpoint
	for i := 0; i < n; i++ {
		e, err := c.factories.Read(in)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	adapterID := ""
	if n == 0 {
		if adapterID, err = in.ReadString(); err != nil {
			return nil, err
		}
	}
	return newProxy(newRoutableReference(c, identity, facet, Mode(mode), endpoints, adapterID)), nil
}

// RouterClient is a Router implemented by a remote router object.
type RouterClient struct {
	proxy *Proxy
}

func NewRouterClient(p *Proxy) *RouterClient {
	return &RouterClient{proxy: p.Twoway()}
}

func (r *RouterClient) Identity() protocol.Identity {
	return r.proxy.Identity()
}

func (r *RouterClient) ClientEndpoints(ctx context.Context) ([]transport.Endpoint, bool, error) {
	res, err := r.proxy.Invoke(ctx, "getClientProxy", protocol.Nonmutating, nil)
	if err != nil {
		return nil, false, err
	}
	in := encoding.NewInputStream(res)
	p, err := r.proxy.Communicator().ReadProxy(in)
	if err != nil {
		return nil, false, err
	}
	hasRoutingTable := true
	if in.Remaining() > 0 {
		if hasRoutingTable, err = in.ReadBool(); err != nil {
			return nil, false, err
		}
	}
	if p == nil {
		return nil, hasRoutingTable, nil
	}
	return p.ref.endpoints, hasRoutingTable, nil
}

func (r *RouterClient) ServerEndpoints(ctx context.Context) ([]transport.Endpoint, error) {
	res, err := r.proxy.Invoke(ctx, "getServerProxy", protocol.Nonmutating, nil)
	if err != nil {
		return nil, err
	}
	p, err := r.proxy.Communicator().ReadProxy(encoding.NewInputStream(res))
	if err != nil || p == nil {
		return nil, err
	}
	return p.ref.endpoints, nil
}

func (r *RouterClient) AddProxies(ctx context.Context, refs []*Reference) ([]protocol.Identity, error) {
	out := encoding.NewOutputStream()
	out.WriteSize(len(refs))
	for _, ref := range refs {
		if err := WriteProxy(out, newProxy(ref)); err != nil {
			return nil, err
		}
	}
	res, err := r.proxy.Invoke(ctx, "addProxies", protocol.Idempotent, out.Bytes())
	if err != nil {
		return nil, err
	}
	in := encoding.NewInputStream(res)
	n, err := in.ReadSize()
	if err != nil {
		return nil, err
	}
	evicted := make([]protocol.Identity, 0, n)
	for i := 0; i < n; i++ {
		p, err := r.proxy.Communicator().ReadProxy(in)
		if err != nil {
			return nil, err
		}
		if p != nil {
			evicted = append(evicted, p.Identity())
		}
	}
	return evicted, nil
}

// LocatorClient is a Locator implemented by a remote locator object.
type LocatorClient struct {
	proxy *Proxy
}

func NewLocatorClient(p *Proxy) *LocatorClient {
	return &LocatorClient{proxy: p.Twoway()}
}

func (l *LocatorClient) Identity() protocol.Identity {
	return l.proxy.Identity()
}

func (l *LocatorClient) FindAdapterByID(ctx context.Context, adapterID string) (*Reference, error) {
	out := encoding.NewOutputStream()
	out.WriteString(adapterID)
	return l.find(ctx, "findAdapterById", out.Bytes())
}

func (l *LocatorClient) FindObjectByID(ctx context.Context, id protocol.Identity) (*Reference, error) {
	out := encoding.NewOutputStream()
	id.Write(out)
	return l.find(ctx, "findObjectById", out.Bytes())
}

func (l *LocatorClient) find(ctx context.Context, operation string, params []byte) (*Reference, error) {
	res, err := l.proxy.Invoke(ctx, operation, protocol.Nonmutating, params)
	if err != nil {
		var uerr errors.UserError
		if errors.As(err, &uerr) {
			// Not found
			return nil, nil
		}
		return nil, err
	}
	p, err := l.proxy.Communicator().ReadProxy(encoding.NewInputStream(res))
	if err != nil || p == nil {
		return nil, err
	}
	return p.ref, nil
}
