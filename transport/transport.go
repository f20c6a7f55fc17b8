package transport

import (
	"context"
	"github.com/spirit-labs/proxyrpc/encoding"
	"time"
)

type EndpointType int16

const (
	TCPEndpointType EndpointType = 1
	SSLEndpointType EndpointType = 2
	UDPEndpointType EndpointType = 3
	WSEndpointType  EndpointType = 4
	WSSEndpointType EndpointType = 5
)

// InfiniteTimeout disables the endpoint timeout, any negative timeout is treated the same.
const InfiniteTimeout time.Duration = -1

// Endpoint is an immutable description of a transport address and its options. The With methods return a new
// endpoint, or the receiver when nothing changes.
type Endpoint interface {
	// StreamWrite writes the endpoint type followed by an encapsulation holding StreamWriteImpl.
	StreamWrite(out *encoding.OutputStream)
	// StreamWriteImpl writes the type specific body.
	StreamWriteImpl(out *encoding.OutputStream)
	Type() EndpointType
	Protocol() string
	Timeout() time.Duration
	WithTimeout(timeout time.Duration) Endpoint
	ConnectionID() string
	WithConnectionID(connectionID string) Endpoint
	Compress() bool
	WithCompress(compress bool) Endpoint
	Datagram() bool
	Secure() bool
	// ConnectorsAsync resolves the endpoint's host and calls cb with one connector per address. cb may be called
	// before ConnectorsAsync returns.
	ConnectorsAsync(cb ConnectorsCallback)
	// Acceptor returns an acceptor listening on this endpoint, or nil if the endpoint can't be used by a server.
	Acceptor(adapterName string) (Acceptor, error)
	// Equivalent returns true if both endpoints reach the same address, whatever their other options.
	Equivalent(other Endpoint) bool
	Compare(other Endpoint) int
	Equal(other Endpoint) bool
	// Options returns the string form without the protocol.
	Options() string
	String() string
}

type ConnectorsCallback func(connectors []Connector, err error)

// Connector creates transceivers for one resolved address. Connectors with equal keys produce equivalent
// connections, which is used to de-duplicate connection attempts.
type Connector interface {
	// Connect returns a transceiver whose connection is established by Transceiver.Initialize.
	Connect() (Transceiver, error)
	Type() EndpointType
	Protocol() string
	Key() string
	String() string
}

type Acceptor interface {
	// Listen starts listening and returns the endpoint with its effective port.
	Listen() (Endpoint, error)
	// Accept blocks until a new connection arrives, or the acceptor is closed.
	Accept() (Transceiver, error)
	Close() error
	Endpoint() Endpoint
	Protocol() string
	String() string
}

/*
Transceiver is a full-duplex byte stream.

StartRead and StartWrite begin an operation on buf. They return true if the operation completed synchronously, in
which case cb is not called. Otherwise cb is called from another goroutine once the operation completes. In both cases
FinishRead or FinishWrite must then be called to obtain the result. Only one read and one write may be outstanding at
a time. Operations pending when the transceiver is closed complete with an OperationAborted error.
*/
type Transceiver interface {
	// Initialize completes connection establishment, for example dialling and protocol handshakes.
	Initialize(ctx context.Context) error
	// Closing is called when the connection starts closing. It returns true if the caller should wait for the peer
	// to close its side before calling Close.
	Closing(initiator bool, reason error) bool
	Close() error
	StartRead(buf []byte, cb func()) bool
	FinishRead() (int, error)
	StartWrite(buf []byte, cb func()) bool
	FinishWrite() (int, error)
	SetBufferSize(rcvSize int, sndSize int)
	Protocol() string
	String() string
}

// IPEndpoint is implemented by endpoints with a host and port.
type IPEndpoint interface {
	Endpoint
	Host() string
	Port() int
	// WithPort returns the endpoint with a different port, used to publish the effective port of a listener
	// configured with port 0.
	WithPort(port int) Endpoint
}
