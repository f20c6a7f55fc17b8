package tcp

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
	"net"
	"strconv"
	"sync"
)

type Acceptor struct {
	lock        sync.Mutex
	endpoint    *Endpoint
	adapterName string
	listener    net.Listener
	closed      bool
}

var _ transport.Acceptor = (*Acceptor)(nil)

func newAcceptor(endpoint *Endpoint, adapterName string) *Acceptor {
	return &Acceptor{endpoint: endpoint, adapterName: adapterName}
}

func (a *Acceptor) Listen() (transport.Endpoint, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	address := net.JoinHostPort(a.endpoint.host, strconv.Itoa(a.endpoint.port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.ConnectFailed, "failed to listen on %s: %v", address, err)
	}
	a.listener = listener
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		a.endpoint = a.endpoint.WithPort(tcpAddr.Port).(*Endpoint)
	}
	log.Tracef(log.TraceNetwork, 1, "listening for tcp connections at %s for adapter %s", listener.Addr(),
		a.adapterName)
	return a.endpoint, nil
}

func (a *Acceptor) Accept() (transport.Transceiver, error) {
	a.lock.Lock()
	listener := a.listener
	a.lock.Unlock()
	if listener == nil {
		return nil, errors.New("acceptor is not listening")
	}
	conn, err := listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, errors.NewRpcError(errors.OperationAborted, "acceptor closed")
		}
		return nil, errors.WithStack(err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.Warnf("failed to set TCP_NODELAY on accepted connection: %v", err)
		}
	}
	log.Tracef(log.TraceNetwork, 1, "accepted tcp connection from %s", conn.RemoteAddr())
	return newServerTransceiver(conn), nil
}

func (a *Acceptor) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed || a.listener == nil {
		a.closed = true
		return nil
	}
	a.closed = true
	return a.listener.Close()
}

func (a *Acceptor) Endpoint() transport.Endpoint {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.endpoint
}

func (a *Acceptor) Protocol() string {
	return Protocol
}

func (a *Acceptor) String() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.listener == nil {
		return fmt.Sprintf("%s:%d", a.endpoint.host, a.endpoint.port)
	}
	return a.listener.Addr().String()
}
