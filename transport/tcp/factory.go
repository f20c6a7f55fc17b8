package tcp

import (
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/transport"
	"strings"
	"time"
)

type Factory struct {
	inst *instance
}

var _ transport.EndpointFactory = (*Factory)(nil)

func NewFactory(cfg *conf.Config, resolver *transport.HostResolver) *Factory {
	return &Factory{inst: &instance{cfg: cfg, resolver: resolver}}
}

func (f *Factory) Type() transport.EndpointType {
	return transport.TCPEndpointType
}

func (f *Factory) Protocol() string {
	return Protocol
}

// NewEndpoint returns an endpoint with the default timeout.
func (f *Factory) NewEndpoint(host string, port int) *Endpoint {
	return &Endpoint{inst: f.inst, host: host, port: port, timeout: f.defaultTimeout()}
}

func (f *Factory) defaultTimeout() time.Duration {
	if f.inst.cfg.DefaultTimeout < 0 {
		return transport.InfiniteTimeout
	}
	return f.inst.cfg.DefaultTimeout
}

func (f *Factory) Create(opts []transport.Option, server bool) (transport.Endpoint, []transport.Option, error) {
	e := f.NewEndpoint(f.inst.cfg.DefaultHost, 0)
	desc := Protocol + " " + strings.Join(transport.UnparseOptions(opts), " ")
	var unknown []transport.Option
	for _, opt := range opts {
		ok, err := e.ParseOption(opt, server, desc)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			unknown = append(unknown, opt)
		}
	}
	return e, unknown, nil
}

func (f *Factory) Read(in *encoding.InputStream) (transport.Endpoint, error) {
	host, err := in.ReadString()
	if err != nil {
		return nil, err
	}
	port, err := in.ReadInt()
	if err != nil {
		return nil, err
	}
	timeout, err := in.ReadInt()
	if err != nil {
		return nil, err
	}
	compress, err := in.ReadBool()
	if err != nil {
		return nil, err
	}
	return &Endpoint{inst: f.inst, host: host, port: int(port), timeout: timeoutFromWire(timeout),
		compress: compress}, nil
}

func (f *Factory) Destroy() {
}
