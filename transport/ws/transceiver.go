package ws

import (
	"bufio"
	"context"
	"fmt"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/transport"
	"golang.org/x/net/websocket"
	"net"
	"net/http"
	"slices"
	"sync"
)

// SubProtocol is the WebSocket sub-protocol negotiated by both sides.
const SubProtocol = "ice.zeroc.com"

// Transceiver frames the byte stream of an underlying transceiver as binary WebSocket messages.
type Transceiver struct {
	*transport.AsyncIO
	lock     sync.Mutex
	inner    transport.Transceiver
	server   bool
	host     string
	resource string
	conn     *websocket.Conn
	closed   bool
	closedCh chan struct{}
}

var _ transport.Transceiver = (*Transceiver)(nil)

func newClientTransceiver(inner transport.Transceiver, host string, resource string) *Transceiver {
	return &Transceiver{
		AsyncIO:  transport.NewAsyncIO(nil),
		inner:    inner,
		host:     host,
		resource: resource,
		closedCh: make(chan struct{}),
	}
}

func newServerTransceiver(inner transport.Transceiver) *Transceiver {
	return &Transceiver{
		AsyncIO:  transport.NewAsyncIO(nil),
		inner:    inner,
		server:   true,
		closedCh: make(chan struct{}),
	}
}

func (t *Transceiver) Initialize(ctx context.Context) error {
	if err := t.inner.Initialize(ctx); err != nil {
		return err
	}
	t.lock.Lock()
	if t.conn != nil {
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()
	// The handshake blocks on the underlying transceiver, closing it unblocks the handshake
	stop := context.AfterFunc(ctx, func() {
		if err := t.inner.Close(); err != nil {
			log.Debugf("failed to close transceiver after handshake was interrupted: %v", err)
		}
	})
	defer stop()
	var conn *websocket.Conn
	var err error
	if t.server {
		conn, err = t.serverHandshake()
	} else {
		conn, err = t.clientHandshake()
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewRpcErrorf(errors.ConnectTimeout, "websocket handshake did not complete: %v", ctx.Err())
		}
		return err
	}
	conn.PayloadType = websocket.BinaryFrame
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errors.NewRpcError(errors.OperationAborted, "transceiver closed")
	}
	t.conn = conn
	t.Attach(conn)
	log.Tracef(log.TraceNetwork, 1, "websocket handshake complete\n%s", t.inner.String())
	return nil
}

func (t *Transceiver) clientHandshake() (*websocket.Conn, error) {
	resource := t.resource
	if resource == "" {
		resource = "/"
	}
	config, err := websocket.NewConfig("ws://"+t.host+resource, "http://"+t.host)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.ConnectFailed, "invalid websocket location: %v", err)
	}
	config.Protocol = []string{SubProtocol}
	conn, err := websocket.NewClient(config, transport.NewConn(t.inner))
	if err != nil {
		if _, ok := errors.CodeOf(err); ok {
			return nil, err
		}
		return nil, errors.NewRpcErrorf(errors.ConnectFailed, "websocket handshake failed: %v", err)
	}
	return conn, nil
}

// serverHandshake runs the handshake with a websocket.Server. The server closes the connection when its handler
// returns, so the handler hands over the connection and then blocks until the transceiver is closed.
func (t *Transceiver) serverHandshake() (*websocket.Conn, error) {
	netConn := transport.NewConn(t.inner)
	reader := bufio.NewReader(netConn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.Protocol, "failed to read websocket upgrade request: %v",
			transport.ConnectionLostError(err))
	}
	connCh := make(chan *websocket.Conn, 1)
	srv := websocket.Server{
		Handshake: func(config *websocket.Config, _ *http.Request) error {
			if len(config.Protocol) > 0 {
				if !slices.Contains(config.Protocol, SubProtocol) {
					return errors.Errorf("unsupported websocket sub-protocols %v", config.Protocol)
				}
				config.Protocol = []string{SubProtocol}
			}
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			connCh <- conn
			<-t.closedCh
		},
	}
	w := &hijackWriter{conn: netConn, rw: bufio.NewReadWriter(reader, bufio.NewWriter(netConn))}
	served := make(chan struct{})
	common.Go(func() {
		defer close(served)
		defer common.RecoverAndLog("websocket server")
		srv.ServeHTTP(w, req)
	})
	select {
	case conn := <-connCh:
		return conn, nil
	case <-served:
		return nil, errors.NewRpcErrorf(errors.Protocol, "websocket handshake with %s failed", netConn.RemoteAddr())
	}
}

// hijackWriter hands the websocket server the connection the upgrade request was read from.
type hijackWriter struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	header http.Header
}

func (h *hijackWriter) Header() http.Header {
	if h.header == nil {
		h.header = http.Header{}
	}
	return h.header
}

func (h *hijackWriter) Write(b []byte) (int, error) {
	return h.rw.Write(b)
}

func (h *hijackWriter) WriteHeader(int) {
}

func (h *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, h.rw, nil
}

func (t *Transceiver) Closing(initiator bool, reason error) bool {
	return t.inner.Closing(initiator, reason)
}

func (t *Transceiver) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.Abort()
	close(t.closedCh)
	conn := t.conn
	t.lock.Unlock()
	if conn != nil {
		// Sends the close frame
		if err := conn.Close(); err != nil {
			log.Debugf("failed to send websocket close frame: %v", err)
		}
	}
	return t.inner.Close()
}

func (t *Transceiver) SetBufferSize(rcvSize int, sndSize int) {
	t.AsyncIO.SetBufferSize(rcvSize, sndSize)
	t.inner.SetBufferSize(rcvSize, sndSize)
}

func (t *Transceiver) LocalAddr() net.Addr {
	if a, ok := t.inner.(transport.Addressed); ok {
		return a.LocalAddr()
	}
	return nil
}

func (t *Transceiver) RemoteAddr() net.Addr {
	if a, ok := t.inner.(transport.Addressed); ok {
		return a.RemoteAddr()
	}
	return nil
}

func (t *Transceiver) Protocol() string {
	return Protocol
}

func (t *Transceiver) String() string {
	return fmt.Sprintf("%s\nwebsocket resource = %s", t.inner.String(), t.resource)
}
