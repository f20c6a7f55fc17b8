package transport

import (
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	"io"
	"sync"
)

const DefaultBufferSize = 64 * 1024

type ioResult struct {
	n   int
	err error
}

// AsyncIO provides the StartRead/FinishRead and StartWrite/FinishWrite halves of a Transceiver on top of a blocking
// io.ReadWriter. Bytes read from the underlying stream beyond what the caller asked for are kept, and later reads
// are served from them synchronously.
type AsyncIO struct {
	lock         sync.Mutex
	rw           io.ReadWriter
	readBufSize  int
	buffered     []byte
	readErr      error
	chunk        []byte
	reading      bool
	writing      bool
	readResult   ioResult
	writeResult  ioResult
	closed       bool
	pendingRead  func()
	pendingWrite func()
}

func NewAsyncIO(rw io.ReadWriter) *AsyncIO {
	return &AsyncIO{rw: rw, readBufSize: DefaultBufferSize}
}

// Attach sets the underlying stream, for transceivers which only have one after Initialize.
func (a *AsyncIO) Attach(rw io.ReadWriter) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.rw = rw
}

// SetBufferSize sets the size of reads issued to the underlying stream.
func (a *AsyncIO) SetBufferSize(rcvSize int, _ int) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if rcvSize > 0 {
		a.readBufSize = rcvSize
	}
}

// ConnectionLostError converts an error from the underlying stream into a ConnectionLost error. It returns nil for
// a nil error and leaves RpcErrors alone.
func ConnectionLostError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.CodeOf(err); ok {
		return err
	}
	if errors.Is(err, io.EOF) {
		return errors.NewRpcError(errors.ConnectionLost, "connection closed by peer")
	}
	return errors.NewRpcErrorf(errors.ConnectionLost, "connection lost: %v", err)
}

func abortedError() error {
	return errors.NewRpcError(errors.OperationAborted, "operation aborted, transceiver closed")
}

func (a *AsyncIO) StartRead(buf []byte, cb func()) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.reading {
		panic("read already in progress")
	}
	if a.closed {
		a.readResult = ioResult{err: abortedError()}
		return true
	}
	if len(buf) == 0 {
		a.readResult = ioResult{}
		return true
	}
	if len(a.buffered) > 0 {
		n := copy(buf, a.buffered)
		a.buffered = a.buffered[n:]
		a.readResult = ioResult{n: n}
		return true
	}
	if a.readErr != nil {
		a.readResult = ioResult{err: a.readErr}
		a.readErr = nil
		return true
	}
	if a.rw == nil {
		a.readResult = ioResult{err: errors.NewRpcError(errors.ConnectionLost, "transceiver not initialized")}
		return true
	}
	a.reading = true
	a.pendingRead = cb
	rw := a.rw
	size := max(a.readBufSize, len(buf))
	if cap(a.chunk) < size {
		a.chunk = make([]byte, size)
	}
	chunk := a.chunk[:size]
	common.Go(func() {
		n, err := rw.Read(chunk)
		a.lock.Lock()
		a.reading = false
		cb := a.pendingRead
		a.pendingRead = nil
		if a.closed {
			a.readResult = ioResult{err: abortedError()}
		} else {
			copied := copy(buf, chunk[:n])
			if copied < n {
				a.buffered = append(a.buffered, chunk[copied:n]...)
			}
			if copied > 0 {
				// The bytes are delivered now, the error on the next read
				a.readResult = ioResult{n: copied}
				a.readErr = ConnectionLostError(err)
			} else {
				a.readResult = ioResult{err: ConnectionLostError(err)}
			}
		}
		a.lock.Unlock()
		if cb != nil {
			cb()
		}
	})
	return false
}

func (a *AsyncIO) FinishRead() (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	res := a.readResult
	a.readResult = ioResult{}
	return res.n, res.err
}

func (a *AsyncIO) StartWrite(buf []byte, cb func()) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.writing {
		panic("write already in progress")
	}
	if a.closed {
		a.writeResult = ioResult{err: abortedError()}
		return true
	}
	if len(buf) == 0 {
		a.writeResult = ioResult{}
		return true
	}
	if a.rw == nil {
		a.writeResult = ioResult{err: errors.NewRpcError(errors.ConnectionLost, "transceiver not initialized")}
		return true
	}
	a.writing = true
	a.pendingWrite = cb
	rw := a.rw
	common.Go(func() {
		n, err := rw.Write(buf)
		a.lock.Lock()
		a.writing = false
		cb := a.pendingWrite
		a.pendingWrite = nil
		if a.closed {
			a.writeResult = ioResult{n: n, err: abortedError()}
		} else {
			a.writeResult = ioResult{n: n, err: ConnectionLostError(err)}
		}
		a.lock.Unlock()
		if cb != nil {
			cb()
		}
	})
	return false
}

func (a *AsyncIO) FinishWrite() (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	res := a.writeResult
	a.writeResult = ioResult{}
	return res.n, res.err
}

// Abort marks the stream closed. Pending operations complete with OperationAborted once the underlying stream,
// which the caller must close, unblocks them.
func (a *AsyncIO) Abort() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.closed = true
	a.buffered = nil
}
