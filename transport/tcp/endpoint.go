package tcp

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/transport"
	"strconv"
	"strings"
	"time"
)

const Protocol = "tcp"

// instance holds what TCP endpoints share with the communicator that created them.
type instance struct {
	cfg      *conf.Config
	resolver *transport.HostResolver
}

type Endpoint struct {
	inst         *instance
	host         string
	port         int
	timeout      time.Duration
	compress     bool
	connectionID string
}

var _ transport.IPEndpoint = (*Endpoint)(nil)

func (e *Endpoint) StreamWrite(out *encoding.OutputStream) {
	transport.WriteEndpoint(out, e)
}

func (e *Endpoint) StreamWriteImpl(out *encoding.OutputStream) {
	out.WriteString(e.host)
	out.WriteInt(int32(e.port))
	out.WriteInt(timeoutToWire(e.timeout))
	out.WriteBool(e.compress)
}

func timeoutToWire(timeout time.Duration) int32 {
	if timeout < 0 {
		return -1
	}
	return int32(timeout / time.Millisecond)
}

func timeoutFromWire(timeout int32) time.Duration {
	if timeout < 0 {
		return transport.InfiniteTimeout
	}
	return time.Duration(timeout) * time.Millisecond
}

func (e *Endpoint) Type() transport.EndpointType {
	return transport.TCPEndpointType
}

func (e *Endpoint) Protocol() string {
	return Protocol
}

func (e *Endpoint) Host() string {
	return e.host
}

func (e *Endpoint) Port() int {
	return e.port
}

func (e *Endpoint) Timeout() time.Duration {
	return e.timeout
}

func (e *Endpoint) copy() *Endpoint {
	c := *e
	return &c
}

func (e *Endpoint) WithPort(port int) transport.Endpoint {
	if port == e.port {
		return e
	}
	c := e.copy()
	c.port = port
	return c
}

func (e *Endpoint) WithTimeout(timeout time.Duration) transport.Endpoint {
	if timeout < 0 {
		timeout = transport.InfiniteTimeout
	}
	if timeout == e.timeout {
		return e
	}
	c := e.copy()
	c.timeout = timeout
	return c
}

func (e *Endpoint) ConnectionID() string {
	return e.connectionID
}

func (e *Endpoint) WithConnectionID(connectionID string) transport.Endpoint {
	if connectionID == e.connectionID {
		return e
	}
	c := e.copy()
	c.connectionID = connectionID
	return c
}

func (e *Endpoint) Compress() bool {
	return e.compress
}

func (e *Endpoint) WithCompress(compress bool) transport.Endpoint {
	if compress == e.compress {
		return e
	}
	c := e.copy()
	c.compress = compress
	return c
}

func (e *Endpoint) Datagram() bool {
	return false
}

func (e *Endpoint) Secure() bool {
	return false
}

func (e *Endpoint) ConnectorsAsync(cb transport.ConnectorsCallback) {
	e.inst.resolver.Resolve(e.host, e.port, e, cb)
}

func (e *Endpoint) ConnectorsFor(addresses []string, proxy transport.NetworkProxy) []transport.Connector {
	connectors := make([]transport.Connector, 0, len(addresses))
	for _, address := range addresses {
		connectors = append(connectors, &Connector{
			inst:         e.inst,
			address:      address,
			proxy:        proxy,
			timeout:      e.timeout,
			connectionID: e.connectionID,
		})
	}
	return connectors
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	return newAcceptor(e, adapterName), nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && o.host == e.host && o.port == e.port
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c := transport.CompareType(e, other); c != 0 {
		return c
	}
	o, ok := other.(*Endpoint)
	if !ok {
		return strings.Compare(e.String(), other.String())
	}
	if c := strings.Compare(e.host, o.host); c != 0 {
		return c
	}
	if e.port != o.port {
		return e.port - o.port
	}
	if e.timeout != o.timeout {
		if e.timeout < o.timeout {
			return -1
		}
		return 1
	}
	if c := strings.Compare(e.connectionID, o.connectionID); c != 0 {
		return c
	}
	if e.compress != o.compress {
		if !e.compress {
			return -1
		}
		return 1
	}
	return 0
}

func (e *Endpoint) Equal(other transport.Endpoint) bool {
	return e.Compare(other) == 0
}

func (e *Endpoint) Options() string {
	var sb strings.Builder
	if e.host != "" {
		sb.WriteString("-h ")
		sb.WriteString(transport.QuoteOption(e.host))
		sb.WriteString(" ")
	}
	sb.WriteString("-p ")
	sb.WriteString(strconv.Itoa(e.port))
	if e.timeout < 0 {
		sb.WriteString(" -t infinite")
	} else {
		sb.WriteString(fmt.Sprintf(" -t %d", e.timeout/time.Millisecond))
	}
	if e.compress {
		sb.WriteString(" -z")
	}
	return sb.String()
}

func (e *Endpoint) String() string {
	return Protocol + " " + e.Options()
}

// ParseOption applies one option, it returns false if the option is not a TCP option.
func (e *Endpoint) ParseOption(opt transport.Option, server bool, desc string) (bool, error) {
	switch opt.Name {
	case "-h":
		if opt.Argument == "" {
			return true, errors.NewRpcErrorf(errors.EndpointParse, "no argument provided for -h option in endpoint '%s'", desc)
		}
		if opt.Argument == "*" {
			if !server {
				return true, errors.NewRpcErrorf(errors.EndpointParse, "'-h *' is not valid for proxy endpoint '%s'", desc)
			}
			e.host = ""
		} else {
			e.host = opt.Argument
		}
	case "-p":
		port, err := strconv.Atoi(opt.Argument)
		if err != nil || port < 0 || port > 65535 {
			return true, errors.NewRpcErrorf(errors.EndpointParse, "invalid port value '%s' in endpoint '%s'",
				opt.Argument, desc)
		}
		e.port = port
	case "-t":
		if opt.Argument == "infinite" {
			e.timeout = transport.InfiniteTimeout
			return true, nil
		}
		t, err := strconv.Atoi(opt.Argument)
		if err != nil || t < 1 {
			return true, errors.NewRpcErrorf(errors.EndpointParse, "invalid timeout value '%s' in endpoint '%s'",
				opt.Argument, desc)
		}
		e.timeout = time.Duration(t) * time.Millisecond
	case "-z":
		if opt.Argument != "" {
			return true, errors.NewRpcErrorf(errors.EndpointParse, "unexpected argument '%s' provided for -z option in '%s'",
				opt.Argument, desc)
		}
		e.compress = true
	default:
		return false, nil
	}
	return true, nil
}

func (e *Endpoint) portString() string {
	return strconv.Itoa(e.port)
}
