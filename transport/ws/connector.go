package ws

import (
	"github.com/spirit-labs/proxyrpc/transport"
)

type Connector struct {
	delegate transport.Connector
	host     string
	resource string
}

var _ transport.Connector = (*Connector)(nil)

func (c *Connector) Connect() (transport.Transceiver, error) {
	inner, err := c.delegate.Connect()
	if err != nil {
		return nil, err
	}
	return newClientTransceiver(inner, c.host, c.resource), nil
}

func (c *Connector) Type() transport.EndpointType {
	return transport.WSEndpointType
}

func (c *Connector) Protocol() string {
	return Protocol
}

func (c *Connector) Key() string {
	return Protocol + "|" + c.delegate.Key() + "|" + c.resource
}

func (c *Connector) String() string {
	return c.delegate.String()
}

type Acceptor struct {
	delegate transport.Acceptor
	endpoint *Endpoint
}

var _ transport.Acceptor = (*Acceptor)(nil)

func (a *Acceptor) Listen() (transport.Endpoint, error) {
	published, err := a.delegate.Listen()
	if err != nil {
		return nil, err
	}
	a.endpoint = a.endpoint.wrap(published).(*Endpoint)
	return a.endpoint, nil
}

func (a *Acceptor) Accept() (transport.Transceiver, error) {
	inner, err := a.delegate.Accept()
	if err != nil {
		return nil, err
	}
	return newServerTransceiver(inner), nil
}

func (a *Acceptor) Close() error {
	return a.delegate.Close()
}

func (a *Acceptor) Endpoint() transport.Endpoint {
	return a.endpoint
}

func (a *Acceptor) Protocol() string {
	return Protocol
}

func (a *Acceptor) String() string {
	return a.delegate.String()
}
