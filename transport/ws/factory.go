package ws

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/transport"
	"strings"
)

// Factory creates WebSocket endpoints layered on the endpoints of the underlying factory.
type Factory struct {
	delegate transport.EndpointFactory
}

var _ transport.EndpointFactory = (*Factory)(nil)

func NewFactory(delegate transport.EndpointFactory) *Factory {
	return &Factory{delegate: delegate}
}

func (f *Factory) Type() transport.EndpointType {
	return transport.WSEndpointType
}

func (f *Factory) Protocol() string {
	return Protocol
}

func (f *Factory) Create(opts []transport.Option, server bool) (transport.Endpoint, []transport.Option, error) {
	desc := Protocol + " " + strings.Join(transport.UnparseOptions(opts), " ")
	resource, rest, err := parseResource(opts, desc)
	if err != nil {
		return nil, nil, err
	}
	delegate, unknown, err := f.delegate.Create(rest, server)
	if err != nil {
		return nil, nil, err
	}
	ipe, ok := delegate.(transport.IPEndpoint)
	if !ok {
		return nil, nil, errors.NewRpcErrorf(errors.EndpointParse, "%s endpoints can't be layered on %s endpoints",
			Protocol, delegate.Protocol())
	}
	return NewEndpoint(ipe, resource), unknown, nil
}

func (f *Factory) Read(in *encoding.InputStream) (transport.Endpoint, error) {
	delegate, err := f.delegate.Read(in)
	if err != nil {
		return nil, err
	}
	ipe, ok := delegate.(transport.IPEndpoint)
	if !ok {
		return nil, errors.NewMarshalErrorf("%s endpoints can't be layered on %s endpoints", Protocol,
			delegate.Protocol())
	}
	resource, err := in.ReadString()
	if err != nil {
		return nil, err
	}
	return NewEndpoint(ipe, resource), nil
}

// Destroy does nothing, the underlying factory is destroyed by its own manager entry.
func (f *Factory) Destroy() {
}
