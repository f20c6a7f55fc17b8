// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ErrorCode int

// Transport and connection establishment failures
const (
	ConnectionRefused ErrorCode = iota + 1000
	ConnectFailed
	ConnectTimeout
	ConnectionLost
	CloseConnection
	ConnectionManuallyClosed
	DNSError
	NoEndpoint
	OperationAborted
	SocketProxyError
)

// Request failed errors - the target was reached but could not service the request
const (
	ObjectNotExist ErrorCode = iota + 2000
	FacetNotExist
	OperationNotExist
)

// Marshaling and protocol errors
const (
	Marshal ErrorCode = iota + 3000
	MemoryLimit
	EncapsulationError
	Protocol
	EndpointParse
	ProxyParse
)

// Lifecycle errors
const (
	CommunicatorDestroyed ErrorCode = iota + 4000
	ObjectAdapterDeactivated
	AdapterAlreadyActive
	AlreadyRegistered
	NotRegistered
	Destroyed
	FixedProxy
)

// Invocation errors
const (
	InvocationCanceled ErrorCode = iota + 5000
	InvocationTimeout
)

// Errors raised on the remote side and reported back without detail
const (
	UnknownLocal ErrorCode = iota + 6000
	UnknownUser
	Unknown
)

const (
	InvalidConfiguration ErrorCode = iota + 7000
	InternalError        ErrorCode = iota + 9000
)

var codeNames = map[ErrorCode]string{
	ConnectionRefused:        "connection refused",
	ConnectFailed:            "connect failed",
	ConnectTimeout:           "connect timeout",
	ConnectionLost:           "connection lost",
	CloseConnection:          "connection closed by peer",
	ConnectionManuallyClosed: "connection manually closed",
	DNSError:                 "dns error",
	NoEndpoint:               "no suitable endpoint",
	OperationAborted:         "operation aborted",
	SocketProxyError:         "socks proxy error",
	ObjectNotExist:           "object does not exist",
	FacetNotExist:            "facet does not exist",
	OperationNotExist:        "operation does not exist",
	Marshal:                  "marshal error",
	MemoryLimit:              "memory limit exceeded",
	EncapsulationError:       "encapsulation error",
	Protocol:                 "protocol error",
	EndpointParse:            "endpoint parse error",
	ProxyParse:               "proxy parse error",
	CommunicatorDestroyed:    "communicator destroyed",
	ObjectAdapterDeactivated: "object adapter deactivated",
	AdapterAlreadyActive:     "object adapter already active",
	AlreadyRegistered:        "already registered",
	NotRegistered:            "not registered",
	Destroyed:                "destroyed",
	FixedProxy:               "fixed proxy",
	InvocationCanceled:       "invocation canceled",
	InvocationTimeout:        "invocation timeout",
	UnknownLocal:             "unknown local exception",
	UnknownUser:              "unknown user exception",
	Unknown:                  "unknown exception",
	InvalidConfiguration:     "invalid configuration",
	InternalError:            "internal error",
}

func (c ErrorCode) String() string {
	name, ok := codeNames[c]
	if !ok {
		return fmt.Sprintf("error code %d", int(c))
	}
	return name
}

// RpcError is raised locally by the runtime. Request failed errors carry the identity, facet and operation
// of the failed request.
type RpcError struct {
	Code             ErrorCode
	Msg              string
	IdentityName     string
	IdentityCategory string
	Facet            string
	Operation        string
}

func (e RpcError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Msg
}

func NewRpcError(code ErrorCode, msg string) RpcError {
	return RpcError{Code: code, Msg: msg}
}

func NewRpcErrorf(code ErrorCode, msgFormat string, args ...interface{}) RpcError {
	return RpcError{Code: code, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewRequestFailedError(code ErrorCode, name string, category string, facet string, operation string) RpcError {
	id := name
	if category != "" {
		id = category + "/" + name
	}
	msg := fmt.Sprintf("%s: identity '%s' facet '%s' operation '%s'", code.String(), id, facet, operation)
	return RpcError{
		Code:             code,
		Msg:              msg,
		IdentityName:     name,
		IdentityCategory: category,
		Facet:            facet,
		Operation:        operation,
	}
}

func NewInvalidConfigurationError(msg string) RpcError {
	return NewRpcErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewCommunicatorDestroyedError() RpcError {
	return NewRpcError(CommunicatorDestroyed, "communicator has been destroyed")
}

func NewMarshalErrorf(msgFormat string, args ...interface{}) RpcError {
	return NewRpcErrorf(Marshal, msgFormat, args...)
}

// NewInternalError logs the original error with a reference and only returns the reference, so that internals
// are not exposed to remote peers.
func NewInternalError(err error, logf func(format string, args ...interface{})) RpcError {
	ref := fmt.Sprintf("proxyrpc-internal-err-reference-%s", uuid.New().String())
	if logf != nil {
		logf("internal error with reference %s: %v", ref, err)
	}
	return NewRpcErrorf(InternalError, "an internal error has occurred - please search logs for reference: %s", ref)
}

// UserError is an application defined error raised by a remote servant. It is never retried.
type UserError struct {
	TypeID  string
	Payload []byte
}

func (u UserError) Error() string {
	return fmt.Sprintf("user exception: %s", u.TypeID)
}

func CodeOf(err error) (ErrorCode, bool) {
	var rerr RpcError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}

func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsLocal returns true if the error was raised by the runtime rather than by a remote servant.
func IsLocal(err error) bool {
	if err == nil {
		return false
	}
	var uerr UserError
	if errors.As(err, &uerr) {
		return false
	}
	_, ok := CodeOf(err)
	return ok
}

func IsRequestFailed(err error) bool {
	c, ok := CodeOf(err)
	return ok && c >= ObjectNotExist && c <= OperationNotExist
}

// IsMarshal returns true for marshaling and size limit failures. These are never retried.
func IsMarshal(err error) bool {
	c, ok := CodeOf(err)
	return ok && (c == Marshal || c == MemoryLimit || c == EncapsulationError)
}

func IsConnectionFailure(err error) bool {
	c, ok := CodeOf(err)
	return ok && c >= ConnectionRefused && c <= SocketProxyError
}

func New(msg string) error {
	return errors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Is(err error, target error) bool {
	return errors.Is(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}
