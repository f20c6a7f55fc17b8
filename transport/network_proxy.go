package transport

import (
	"context"
	"github.com/spirit-labs/proxyrpc/errors"
	"golang.org/x/net/proxy"
	"net"
	"strconv"
	"time"
)

// NetworkProxy is a proxy outgoing connections are tunnelled through.
type NetworkProxy interface {
	Name() string
	Host() string
	Port() int
	// WithAddress returns a copy of the proxy which connects to the given resolved address.
	WithAddress(address string) NetworkProxy
	// Dial connects to target through the proxy.
	Dial(ctx context.Context, target string, timeout time.Duration) (net.Conn, error)
}

type SOCKSProxy struct {
	host    string
	port    int
	address string
}

func NewSOCKSProxy(host string, port int) *SOCKSProxy {
	return &SOCKSProxy{host: host, port: port, address: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (s *SOCKSProxy) Name() string {
	return "SOCKS5"
}

func (s *SOCKSProxy) Host() string {
	return s.host
}

func (s *SOCKSProxy) Port() int {
	return s.port
}

func (s *SOCKSProxy) WithAddress(address string) NetworkProxy {
	return &SOCKSProxy{host: s.host, port: s.port, address: address}
}

func (s *SOCKSProxy) Address() string {
	return s.address
}

func (s *SOCKSProxy) Dial(ctx context.Context, target string, timeout time.Duration) (net.Conn, error) {
	forward := &net.Dialer{}
	if timeout > 0 {
		forward.Timeout = timeout
	}
	dialer, err := proxy.SOCKS5("tcp", s.address, nil, forward)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.SocketProxyError, "failed to create SOCKS dialer for %s: %v",
			s.address, err)
	}
	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target)
	} else {
		conn, err = dialer.Dial("tcp", target)
	}
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.SocketProxyError, "failed to connect to %s through SOCKS proxy %s: %v",
			target, s.address, err)
	}
	return conn, nil
}
