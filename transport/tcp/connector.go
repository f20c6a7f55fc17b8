package tcp

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/transport"
	"time"
)

type Connector struct {
	inst         *instance
	address      string
	proxy        transport.NetworkProxy
	timeout      time.Duration
	connectionID string
}

var _ transport.Connector = (*Connector)(nil)

func (c *Connector) Connect() (transport.Transceiver, error) {
	return newClientTransceiver(c.address, c.proxy, c.connectTimeout()), nil
}

func (c *Connector) connectTimeout() time.Duration {
	if c.inst.cfg.ConnectTimeout > 0 {
		return c.inst.cfg.ConnectTimeout
	}
	if c.timeout > 0 {
		return c.timeout
	}
	return 0
}

func (c *Connector) Type() transport.EndpointType {
	return transport.TCPEndpointType
}

func (c *Connector) Protocol() string {
	return Protocol
}

func (c *Connector) Address() string {
	return c.address
}

func (c *Connector) Key() string {
	proxy := ""
	if c.proxy != nil {
		proxy = c.proxy.Name() + "@" + c.proxy.Host()
	}
	return fmt.Sprintf("tcp|%s|%s|%d|%s", c.address, proxy, c.timeout, c.connectionID)
}

func (c *Connector) String() string {
	if c.proxy != nil {
		return fmt.Sprintf("%s via %s proxy %s", c.address, c.proxy.Name(), c.proxy.Host())
	}
	return c.address
}
