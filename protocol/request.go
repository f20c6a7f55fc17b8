package protocol

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
)

type OperationMode byte

const (
	Normal      OperationMode = 0
	Nonmutating OperationMode = 1
	Idempotent  OperationMode = 2
)

func (m OperationMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Nonmutating:
		return "nonmutating"
	case Idempotent:
		return "idempotent"
	default:
		return "unknown"
	}
}

// Request is a decoded request. Params is the body of the parameter encapsulation.
type Request struct {
	RequestID      int32
	Identity       Identity
	Facet          string
	Operation      string
	Mode           OperationMode
	Context        map[string]string
	ParamsEncoding encoding.Version
	Params         []byte
}

// WriteRequestBody writes everything that follows the request id; batch requests use the same body without an id.
func WriteRequestBody(out *encoding.OutputStream, identity Identity, facet string, operation string,
	mode OperationMode, ctx map[string]string, params []byte) {
	identity.Write(out)
	if facet == "" {
		out.WriteSize(0)
	} else {
		out.WriteStringSeq([]string{facet})
	}
	out.WriteString(operation)
	out.WriteUint8(byte(mode))
	out.WriteStringDict(ctx)
	out.WriteEncapsulation(encoding.CurrentEncoding, params)
}

func ReadRequestBody(in *encoding.InputStream) (Request, error) {
	var req Request
	var err error
	if req.Identity, err = ReadIdentity(in); err != nil {
		return Request{}, err
	}
	facets, err := in.ReadStringSeq()
	if err != nil {
		return Request{}, err
	}
	if len(facets) > 1 {
		return Request{}, errors.NewMarshalErrorf("request carries %d facets", len(facets))
	}
	if len(facets) == 1 {
		req.Facet = facets[0]
	}
	if req.Operation, err = in.ReadString(); err != nil {
		return Request{}, err
	}
	mode, err := in.ReadUint8()
	if err != nil {
		return Request{}, err
	}
	if mode > byte(Idempotent) {
		return Request{}, errors.NewMarshalErrorf("invalid operation mode %d", mode)
	}
	req.Mode = OperationMode(mode)
	if req.Context, err = in.ReadStringDict(); err != nil {
		return Request{}, err
	}
	if req.Params, req.ParamsEncoding, err = in.ReadEncapsulation(); err != nil {
		return Request{}, err
	}
	return req, nil
}
