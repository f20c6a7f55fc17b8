package transport

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"strings"
	"sync"
)

// EndpointFactory creates endpoints of one type.
type EndpointFactory interface {
	Type() EndpointType
	Protocol() string
	// Create builds an endpoint from the options following the protocol name. server is true for endpoints an
	// object adapter listens on. Options the factory doesn't recognize are returned.
	Create(opts []Option, server bool) (Endpoint, []Option, error)
	// Read reads the body written by Endpoint.StreamWriteImpl.
	Read(in *encoding.InputStream) (Endpoint, error)
	Destroy()
}

// FactoryManager maps protocol names and endpoint types to factories. There is one per communicator.
type FactoryManager struct {
	lock            sync.RWMutex
	factories       []EndpointFactory
	defaultProtocol string
}

func NewFactoryManager(defaultProtocol string) *FactoryManager {
	return &FactoryManager{defaultProtocol: defaultProtocol}
}

func (m *FactoryManager) Add(factory EndpointFactory) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, f := range m.factories {
		if f.Type() == factory.Type() {
			return errors.NewRpcErrorf(errors.AlreadyRegistered, "endpoint factory for type %d is already registered",
				factory.Type())
		}
	}
	m.factories = append(m.factories, factory)
	return nil
}

func (m *FactoryManager) Get(t EndpointType) EndpointFactory {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, f := range m.factories {
		if f.Type() == t {
			return f
		}
	}
	return nil
}

func (m *FactoryManager) GetByProtocol(protocol string) EndpointFactory {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, f := range m.factories {
		if f.Protocol() == protocol {
			return f
		}
	}
	return nil
}

// Create parses the string form of an endpoint.
func (m *FactoryManager) Create(s string, server bool) (Endpoint, error) {
	args, err := SplitOptions(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.NewRpcError(errors.EndpointParse, "value has no non-whitespace characters")
	}
	opts, err := ParseOptions(args[1:], s)
	if err != nil {
		return nil, err
	}
	protocol := args[0]
	if protocol == "default" {
		protocol = m.defaultProtocol
	}
	if factory := m.GetByProtocol(protocol); factory != nil {
		e, unknown, err := factory.Create(opts, server)
		if err != nil {
			return nil, err
		}
		if len(unknown) > 0 {
			return nil, unrecognizedOptionError(unknown, s)
		}
		return e, nil
	}
	if protocol != OpaqueProtocol {
		return nil, errors.NewRpcErrorf(errors.EndpointParse, "unknown protocol '%s' in endpoint '%s'", protocol, s)
	}
	ue, unknown, err := NewOpaqueEndpoint(opts)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		return nil, unrecognizedOptionError(unknown, s)
	}
	// A peer might have described one of our own endpoint types as opaque, convert it by round tripping the bytes
	if factory := m.Get(ue.Type()); factory != nil {
		out := encoding.NewOutputStream()
		ue.StreamWrite(out)
		return m.Read(encoding.NewInputStream(out.Bytes()))
	}
	return ue, nil
}

// Read reads an endpoint written by Endpoint.StreamWrite. Endpoints of unknown types are returned as opaque
// endpoints holding the encapsulation bytes unchanged.
func (m *FactoryManager) Read(in *encoding.InputStream) (Endpoint, error) {
	t, err := in.ReadShort()
	if err != nil {
		return nil, err
	}
	factory := m.Get(EndpointType(t))
	if factory == nil {
		body, ver, err := in.ReadEncapsulation()
		if err != nil {
			return nil, err
		}
		return &OpaqueEndpoint{typ: EndpointType(t), rawEncoding: ver, rawBytes: append([]byte(nil), body...)}, nil
	}
	if _, err := in.StartEncapsulation(); err != nil {
		return nil, err
	}
	e, err := factory.Read(in)
	if err != nil {
		return nil, err
	}
	if err := in.EndEncapsulation(); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *FactoryManager) Destroy() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, f := range m.factories {
		f.Destroy()
	}
	m.factories = nil
}

func unrecognizedOptionError(unknown []Option, s string) error {
	return errors.NewRpcErrorf(errors.EndpointParse, "unrecognized option '%s' in endpoint '%s'",
		strings.Join(UnparseOptions(unknown), " "), s)
}

// WriteEndpoint writes the type followed by an encapsulation holding the type specific body. Endpoint
// implementations use it for StreamWrite.
func WriteEndpoint(out *encoding.OutputStream, e Endpoint) {
	out.WriteShort(int16(e.Type()))
	out.StartEncapsulation(encoding.CurrentEncoding)
	e.StreamWriteImpl(out)
	out.EndEncapsulation()
}

// CompareType orders endpoints of different types, it returns 0 if the types are the same.
func CompareType(e1 Endpoint, e2 Endpoint) int {
	if e1.Type() < e2.Type() {
		return -1
	}
	if e1.Type() > e2.Type() {
		return 1
	}
	return 0
}

// EndpointKey is a canonical key for an endpoint, including its connection id.
func EndpointKey(e Endpoint) string {
	if e.ConnectionID() == "" {
		return e.String()
	}
	return e.String() + " [" + e.ConnectionID() + "]"
}
