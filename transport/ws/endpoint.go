package ws

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/transport"
	"net"
	"strconv"
	"strings"
	"time"
)

const Protocol = "ws"

// Endpoint is a WebSocket endpoint over an underlying IP endpoint. Everything except the resource path is
// handled by the underlying endpoint.
type Endpoint struct {
	delegate transport.IPEndpoint
	resource string
}

var _ transport.IPEndpoint = (*Endpoint)(nil)

func NewEndpoint(delegate transport.IPEndpoint, resource string) *Endpoint {
	return &Endpoint{delegate: delegate, resource: resource}
}

func (e *Endpoint) Delegate() transport.IPEndpoint {
	return e.delegate
}

func (e *Endpoint) Resource() string {
	return e.resource
}

func (e *Endpoint) StreamWrite(out *encoding.OutputStream) {
	transport.WriteEndpoint(out, e)
}

func (e *Endpoint) StreamWriteImpl(out *encoding.OutputStream) {
	e.delegate.StreamWriteImpl(out)
	out.WriteString(e.resource)
}

func (e *Endpoint) Type() transport.EndpointType {
	return transport.WSEndpointType
}

func (e *Endpoint) Protocol() string {
	return Protocol
}

func (e *Endpoint) Host() string {
	return e.delegate.Host()
}

func (e *Endpoint) Port() int {
	return e.delegate.Port()
}

func (e *Endpoint) wrap(delegate transport.Endpoint) transport.Endpoint {
	if delegate == e.delegate {
		return e
	}
	return &Endpoint{delegate: delegate.(transport.IPEndpoint), resource: e.resource}
}

func (e *Endpoint) WithPort(port int) transport.Endpoint {
	return e.wrap(e.delegate.WithPort(port))
}

func (e *Endpoint) Timeout() time.Duration {
	return e.delegate.Timeout()
}

func (e *Endpoint) WithTimeout(timeout time.Duration) transport.Endpoint {
	return e.wrap(e.delegate.WithTimeout(timeout))
}

func (e *Endpoint) ConnectionID() string {
	return e.delegate.ConnectionID()
}

func (e *Endpoint) WithConnectionID(connectionID string) transport.Endpoint {
	return e.wrap(e.delegate.WithConnectionID(connectionID))
}

func (e *Endpoint) Compress() bool {
	return e.delegate.Compress()
}

func (e *Endpoint) WithCompress(compress bool) transport.Endpoint {
	return e.wrap(e.delegate.WithCompress(compress))
}

func (e *Endpoint) Datagram() bool {
	return false
}

func (e *Endpoint) Secure() bool {
	return e.delegate.Secure()
}

func (e *Endpoint) hostHeader() string {
	host := e.delegate.Host()
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.delegate.Port()))
}

func (e *Endpoint) ConnectorsAsync(cb transport.ConnectorsCallback) {
	e.delegate.ConnectorsAsync(func(connectors []transport.Connector, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		wrapped := make([]transport.Connector, 0, len(connectors))
		for _, c := range connectors {
			wrapped = append(wrapped, &Connector{delegate: c, host: e.hostHeader(), resource: e.resource})
		}
		cb(wrapped, nil)
	})
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	delegate, err := e.delegate.Acceptor(adapterName)
	if err != nil {
		return nil, err
	}
	if delegate == nil {
		return nil, nil
	}
	return &Acceptor{delegate: delegate, endpoint: e}, nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && e.delegate.Equivalent(o.delegate)
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c := transport.CompareType(e, other); c != 0 {
		return c
	}
	o, ok := other.(*Endpoint)
	if !ok {
		return strings.Compare(e.String(), other.String())
	}
	if c := e.delegate.Compare(o.delegate); c != 0 {
		return c
	}
	return strings.Compare(e.resource, o.resource)
}

func (e *Endpoint) Equal(other transport.Endpoint) bool {
	return e.Compare(other) == 0
}

func (e *Endpoint) Options() string {
	s := e.delegate.Options()
	if e.resource != "" {
		s += " -r " + transport.QuoteOption(e.resource)
	}
	return s
}

func (e *Endpoint) String() string {
	return Protocol + " " + e.Options()
}

func parseResource(opts []transport.Option, desc string) (string, []transport.Option, error) {
	resource := ""
	var unknown []transport.Option
	for _, opt := range opts {
		if opt.Name != "-r" {
			unknown = append(unknown, opt)
			continue
		}
		if opt.Argument == "" {
			return "", nil, errors.NewRpcErrorf(errors.EndpointParse, "no argument provided for -r option in endpoint '%s'",
				desc)
		}
		resource = opt.Argument
	}
	return resource, unknown, nil
}
