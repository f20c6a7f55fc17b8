package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"strconv"
	"time"
)

const OpaqueProtocol = "opaque"

// OpaqueEndpoint holds an endpoint of a type this process has no factory for. It can't be connected to, but it is
// written back out exactly as it was read.
type OpaqueEndpoint struct {
	typ         EndpointType
	rawEncoding encoding.Version
	rawBytes    []byte
}

// NewOpaqueEndpoint builds an opaque endpoint from "-t type -e encoding -v base64" options.
func NewOpaqueEndpoint(opts []Option) (*OpaqueEndpoint, []Option, error) {
	e := &OpaqueEndpoint{typ: -1, rawEncoding: encoding.Encoding10}
	var unknown []Option
	haveValue := false
	for _, opt := range opts {
		switch opt.Name {
		case "-t":
			if e.typ > -1 {
				return nil, nil, errors.NewRpcError(errors.EndpointParse, "multiple -t options in opaque endpoint")
			}
			if opt.Argument == "" {
				return nil, nil, errors.NewRpcError(errors.EndpointParse, "no argument provided for -t option in opaque endpoint")
			}
			t, err := strconv.ParseInt(opt.Argument, 10, 16)
			if err != nil || t < 0 {
				return nil, nil, errors.NewRpcErrorf(errors.EndpointParse, "invalid type value '%s' in opaque endpoint",
					opt.Argument)
			}
			e.typ = EndpointType(t)
		case "-v":
			if haveValue {
				return nil, nil, errors.NewRpcError(errors.EndpointParse, "multiple -v options in opaque endpoint")
			}
			if opt.Argument == "" {
				return nil, nil, errors.NewRpcError(errors.EndpointParse, "no argument provided for -v option in opaque endpoint")
			}
			raw, err := base64.StdEncoding.DecodeString(opt.Argument)
			if err != nil {
				return nil, nil, errors.NewRpcErrorf(errors.EndpointParse, "invalid base64 value '%s' in opaque endpoint",
					opt.Argument)
			}
			e.rawBytes = raw
			haveValue = true
		case "-e":
			if opt.Argument == "" {
				return nil, nil, errors.NewRpcError(errors.EndpointParse, "no argument provided for -e option in opaque endpoint")
			}
			ver, err := encoding.ParseVersion(opt.Argument)
			if err != nil {
				return nil, nil, err
			}
			e.rawEncoding = ver
		default:
			unknown = append(unknown, opt)
		}
	}
	if e.typ < 0 {
		return nil, nil, errors.NewRpcError(errors.EndpointParse, "no -t option in opaque endpoint")
	}
	if !haveValue {
		return nil, nil, errors.NewRpcError(errors.EndpointParse, "no -v option in opaque endpoint")
	}
	return e, unknown, nil
}

func (o *OpaqueEndpoint) StreamWrite(out *encoding.OutputStream) {
	out.WriteShort(int16(o.typ))
	out.WriteEncapsulation(o.rawEncoding, o.rawBytes)
}

func (o *OpaqueEndpoint) StreamWriteImpl(out *encoding.OutputStream) {
	out.WriteBlob(o.rawBytes)
}

func (o *OpaqueEndpoint) Type() EndpointType {
	return o.typ
}

func (o *OpaqueEndpoint) Protocol() string {
	return OpaqueProtocol
}

func (o *OpaqueEndpoint) Timeout() time.Duration {
	return InfiniteTimeout
}

func (o *OpaqueEndpoint) WithTimeout(time.Duration) Endpoint {
	return o
}

func (o *OpaqueEndpoint) ConnectionID() string {
	return ""
}

func (o *OpaqueEndpoint) WithConnectionID(string) Endpoint {
	return o
}

func (o *OpaqueEndpoint) Compress() bool {
	return false
}

func (o *OpaqueEndpoint) WithCompress(bool) Endpoint {
	return o
}

func (o *OpaqueEndpoint) Datagram() bool {
	return false
}

func (o *OpaqueEndpoint) Secure() bool {
	return false
}

func (o *OpaqueEndpoint) RawEncoding() encoding.Version {
	return o.rawEncoding
}

func (o *OpaqueEndpoint) RawBytes() []byte {
	return o.rawBytes
}

func (o *OpaqueEndpoint) ConnectorsAsync(cb ConnectorsCallback) {
	cb(nil, nil)
}

func (o *OpaqueEndpoint) Acceptor(string) (Acceptor, error) {
	return nil, nil
}

func (o *OpaqueEndpoint) Equivalent(Endpoint) bool {
	return false
}

func (o *OpaqueEndpoint) Compare(other Endpoint) int {
	oo, ok := other.(*OpaqueEndpoint)
	if !ok {
		if c := CompareType(o, other); c != 0 {
			return c
		}
		return -1
	}
	if c := CompareType(o, other); c != 0 {
		return c
	}
	if o.rawEncoding.Major != oo.rawEncoding.Major {
		return int(o.rawEncoding.Major) - int(oo.rawEncoding.Major)
	}
	if o.rawEncoding.Minor != oo.rawEncoding.Minor {
		return int(o.rawEncoding.Minor) - int(oo.rawEncoding.Minor)
	}
	return bytes.Compare(o.rawBytes, oo.rawBytes)
}

func (o *OpaqueEndpoint) Equal(other Endpoint) bool {
	return o.Compare(other) == 0
}

func (o *OpaqueEndpoint) Options() string {
	return fmt.Sprintf("-t %d -e %s -v %s", o.typ, o.rawEncoding, base64.StdEncoding.EncodeToString(o.rawBytes))
}

func (o *OpaqueEndpoint) String() string {
	return OpaqueProtocol + " " + o.Options()
}
