package tcp

import (
	"context"
	"fmt"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

type Transceiver struct {
	*transport.AsyncIO
	lock           sync.Mutex
	conn           net.Conn
	address        string
	proxy          transport.NetworkProxy
	connectTimeout time.Duration
	cancelDial     context.CancelFunc
	closed         bool
}

var _ transport.Transceiver = (*Transceiver)(nil)

func newClientTransceiver(address string, proxy transport.NetworkProxy, connectTimeout time.Duration) *Transceiver {
	return &Transceiver{
		AsyncIO:        transport.NewAsyncIO(nil),
		address:        address,
		proxy:          proxy,
		connectTimeout: connectTimeout,
	}
}

func newServerTransceiver(conn net.Conn) *Transceiver {
	return &Transceiver{
		AsyncIO: transport.NewAsyncIO(conn),
		conn:    conn,
		address: conn.RemoteAddr().String(),
	}
}

func (t *Transceiver) Initialize(ctx context.Context) error {
	t.lock.Lock()
	if t.conn != nil {
		t.lock.Unlock()
		return nil
	}
	if t.closed {
		t.lock.Unlock()
		return errors.NewRpcError(errors.OperationAborted, "transceiver closed")
	}
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancelDial = cancel
	t.lock.Unlock()

	var conn net.Conn
	var err error
	if t.proxy != nil {
		conn, err = t.proxy.Dial(ctx, t.address, t.connectTimeout)
	} else {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", t.address)
	}
	if err != nil {
		return connectError(err, t.address)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.Warnf("failed to set TCP_NODELAY on connection to %s: %v", t.address, err)
		}
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.cancelDial = nil
	if t.closed {
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close connection dialed after transceiver was closed: %v", err)
		}
		return errors.NewRpcError(errors.OperationAborted, "transceiver closed")
	}
	t.conn = conn
	t.Attach(conn)
	log.Tracef(log.TraceNetwork, 1, "established tcp connection\n%s", t.description())
	return nil
}

func connectError(err error, address string) error {
	if _, ok := errors.CodeOf(err); ok {
		return err
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && errors.Is(sysErr.Err, syscall.ECONNREFUSED) {
		return errors.NewRpcErrorf(errors.ConnectionRefused, "connection refused: %s", address)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewRpcErrorf(errors.ConnectTimeout, "timed out connecting to %s", address)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewRpcErrorf(errors.ConnectTimeout, "timed out connecting to %s", address)
	}
	if errors.Is(err, context.Canceled) {
		return errors.NewRpcErrorf(errors.OperationAborted, "connection attempt to %s aborted", address)
	}
	return errors.NewRpcErrorf(errors.ConnectFailed, "failed to connect to %s: %v", address, err)
}

// Closing returns true for the initiator, so that it waits for the peer to close first. This avoids the
// initiator's socket ending up in TIME_WAIT.
func (t *Transceiver) Closing(initiator bool, _ error) bool {
	return initiator
}

func (t *Transceiver) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.Abort()
	if t.cancelDial != nil {
		t.cancelDial()
	}
	if t.conn != nil {
		log.Tracef(log.TraceNetwork, 1, "closing tcp connection\n%s", t.description())
		return t.conn.Close()
	}
	return nil
}

func (t *Transceiver) SetBufferSize(rcvSize int, sndSize int) {
	t.AsyncIO.SetBufferSize(rcvSize, sndSize)
	t.lock.Lock()
	defer t.lock.Unlock()
	tcpConn, ok := t.conn.(*net.TCPConn)
	if !ok {
		return
	}
	if rcvSize > 0 {
		if err := tcpConn.SetReadBuffer(rcvSize); err != nil {
			log.Warnf("failed to set receive buffer size to %d: %v", rcvSize, err)
		}
	}
	if sndSize > 0 {
		if err := tcpConn.SetWriteBuffer(sndSize); err != nil {
			log.Warnf("failed to set send buffer size to %d: %v", sndSize, err)
		}
	}
}

func (t *Transceiver) LocalAddr() net.Addr {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transceiver) RemoteAddr() net.Addr {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

func (t *Transceiver) Protocol() string {
	return Protocol
}

func (t *Transceiver) String() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.description()
}

func (t *Transceiver) description() string {
	if t.conn == nil {
		return fmt.Sprintf("local address = <not connected>\nremote address = %s", t.address)
	}
	s := fmt.Sprintf("local address = %s\nremote address = %s", t.conn.LocalAddr(), t.conn.RemoteAddr())
	if t.proxy != nil {
		s += fmt.Sprintf("\n%s proxy address = %s", t.proxy.Name(), t.proxy.Host())
	}
	return s
}
