package transport

import (
	"net"
	"time"
)

// Conn adapts a Transceiver to a blocking net.Conn, so that protocols layered on top of another transceiver can use
// libraries written against net.Conn. Deadlines are not supported, closing the transceiver unblocks pending calls.
type Conn struct {
	t      Transceiver
	local  net.Addr
	remote net.Addr
}

type addr string

func (a addr) Network() string {
	return "tcp"
}

func (a addr) String() string {
	return string(a)
}

// Addressed is implemented by transceivers which know their socket addresses.
type Addressed interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

func NewConn(t Transceiver) *Conn {
	c := &Conn{t: t, local: addr("local"), remote: addr(t.String())}
	if a, ok := t.(Addressed); ok {
		if l := a.LocalAddr(); l != nil {
			c.local = l
		}
		if r := a.RemoteAddr(); r != nil {
			c.remote = r
		}
	}
	return c
}

func (c *Conn) Read(b []byte) (int, error) {
	done := make(chan struct{})
	if !c.t.StartRead(b, func() { close(done) }) {
		<-done
	}
	return c.t.FinishRead()
}

func (c *Conn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		done := make(chan struct{})
		if !c.t.StartWrite(b[written:], func() { close(done) }) {
			<-done
		}
		n, err := c.t.FinishWrite()
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Conn) Close() error {
	return c.t.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) SetDeadline(time.Time) error {
	return nil
}

func (c *Conn) SetReadDeadline(time.Time) error {
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}
