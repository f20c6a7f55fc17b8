package protocol

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
)

type ReplyStatus byte

const (
	ReplyOK                    ReplyStatus = 0
	ReplyUserException         ReplyStatus = 1
	ReplyObjectNotExist        ReplyStatus = 2
	ReplyFacetNotExist         ReplyStatus = 3
	ReplyOperationNotExist     ReplyStatus = 4
	ReplyUnknownLocalException ReplyStatus = 5
	ReplyUnknownUserException  ReplyStatus = 6
	ReplyUnknownException      ReplyStatus = 7
)

// Reply is a decoded reply. For OK replies Params holds the result encapsulation body. For user exceptions
// TypeID and Params describe the exception. Request failed replies carry the identity, facet and operation, the
// unknown statuses carry a message.
type Reply struct {
	RequestID int32
	Status    ReplyStatus
	Params    []byte
	TypeID    string
	Identity  Identity
	Facet     string
	Operation string
	Message   string
}

// Err converts a non OK reply into the error surfaced to the caller.
func (r *Reply) Err() error {
	switch r.Status {
	case ReplyOK:
		return nil
	case ReplyUserException:
		return errors.UserError{TypeID: r.TypeID, Payload: r.Params}
	case ReplyObjectNotExist:
		return errors.NewRequestFailedError(errors.ObjectNotExist, r.Identity.Name, r.Identity.Category, r.Facet,
			r.Operation)
	case ReplyFacetNotExist:
		return errors.NewRequestFailedError(errors.FacetNotExist, r.Identity.Name, r.Identity.Category, r.Facet,
			r.Operation)
	case ReplyOperationNotExist:
		return errors.NewRequestFailedError(errors.OperationNotExist, r.Identity.Name, r.Identity.Category, r.Facet,
			r.Operation)
	case ReplyUnknownLocalException:
		return errors.NewRpcError(errors.UnknownLocal, r.Message)
	case ReplyUnknownUserException:
		return errors.NewRpcError(errors.UnknownUser, r.Message)
	default:
		return errors.NewRpcError(errors.Unknown, r.Message)
	}
}

var requestFailedStatuses = map[errors.ErrorCode]ReplyStatus{
	errors.ObjectNotExist:    ReplyObjectNotExist,
	errors.FacetNotExist:     ReplyFacetNotExist,
	errors.OperationNotExist: ReplyOperationNotExist,
}

// ReplyForError maps an error raised while dispatching a request to the reply sent back to the client.
func ReplyForError(req *Request, err error) Reply {
	reply := Reply{RequestID: req.RequestID}
	var uerr errors.UserError
	if errors.As(err, &uerr) {
		reply.Status = ReplyUserException
		reply.TypeID = uerr.TypeID
		reply.Params = uerr.Payload
		return reply
	}
	var rerr errors.RpcError
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case errors.ObjectNotExist, errors.FacetNotExist, errors.OperationNotExist:
			reply.Status = requestFailedStatuses[rerr.Code]
			// The reply describes the request which failed, not what the servant may have put in the error
			reply.Identity = req.Identity
			reply.Facet = req.Facet
			reply.Operation = req.Operation
			return reply
		case errors.UnknownUser:
			reply.Status = ReplyUnknownUserException
		case errors.Unknown:
			reply.Status = ReplyUnknownException
		default:
			reply.Status = ReplyUnknownLocalException
		}
		reply.Message = rerr.Error()
		return reply
	}
	reply.Status = ReplyUnknownException
	reply.Message = err.Error()
	return reply
}

// WriteReply writes a complete reply message, including the header and message size.
func WriteReply(out *encoding.OutputStream, reply *Reply) {
	start := out.Size()
	WriteHeader(out, ReplyMsg, NotCompressed)
	out.WriteInt(reply.RequestID)
	out.WriteUint8(byte(reply.Status))
	switch reply.Status {
	case ReplyOK:
		out.WriteEncapsulation(encoding.CurrentEncoding, reply.Params)
	case ReplyUserException:
		out.StartEncapsulation(encoding.CurrentEncoding)
		out.WriteString(reply.TypeID)
		out.WriteBytes(reply.Params)
		out.EndEncapsulation()
	case ReplyObjectNotExist, ReplyFacetNotExist, ReplyOperationNotExist:
		reply.Identity.Write(out)
		if reply.Facet == "" {
			out.WriteSize(0)
		} else {
			out.WriteStringSeq([]string{reply.Facet})
		}
		out.WriteString(reply.Operation)
	default:
		out.WriteString(reply.Message)
	}
	encoding.PutUint32LE(out.Bytes(), start+MessageSizeOffset, uint32(out.Size()-start))
}

// ReadReplyBody reads a reply, in must be positioned just after the header.
func ReadReplyBody(in *encoding.InputStream) (Reply, error) {
	var reply Reply
	var err error
	if reply.RequestID, err = in.ReadInt(); err != nil {
		return Reply{}, err
	}
	status, err := in.ReadUint8()
	if err != nil {
		return Reply{}, err
	}
	reply.Status = ReplyStatus(status)
	switch reply.Status {
	case ReplyOK:
		if reply.Params, _, err = in.ReadEncapsulation(); err != nil {
			return Reply{}, err
		}
	case ReplyUserException:
		if _, err = in.StartEncapsulation(); err != nil {
			return Reply{}, err
		}
		if reply.TypeID, err = in.ReadString(); err != nil {
			return Reply{}, err
		}
		if reply.Params, err = in.ReadBytes(); err != nil {
			return Reply{}, err
		}
		if err = in.EndEncapsulation(); err != nil {
			return Reply{}, err
		}
	case ReplyObjectNotExist, ReplyFacetNotExist, ReplyOperationNotExist:
		if reply.Identity, err = ReadIdentity(in); err != nil {
			return Reply{}, err
		}
		facets, err := in.ReadStringSeq()
		if err != nil {
			return Reply{}, err
		}
		if len(facets) > 0 {
			reply.Facet = facets[0]
		}
		if reply.Operation, err = in.ReadString(); err != nil {
			return Reply{}, err
		}
	case ReplyUnknownLocalException, ReplyUnknownUserException, ReplyUnknownException:
		if reply.Message, err = in.ReadString(); err != nil {
			return Reply{}, err
		}
	default:
		return Reply{}, errors.NewRpcErrorf(errors.Protocol, "unknown reply status %d", status)
	}
	return reply, nil
}
