package encoding

import (
	"github.com/spirit-labs/proxyrpc/errors"
	"math"
)

type encapsFrame struct {
	end      int
	encoding Version
}

// InputStream reads values written by an OutputStream. Reads past the end of the buffer, or past the end of the
// current encapsulation, return a Marshal error.
type InputStream struct {
	buf    []byte
	pos    int
	encaps []encapsFrame
}

func NewInputStream(buf []byte) *InputStream {
	return &InputStream{buf: buf}
}

func (i *InputStream) Pos() int {
	return i.pos
}

func (i *InputStream) SetPos(pos int) {
	i.pos = pos
}

func (i *InputStream) Remaining() int {
	return i.limit() - i.pos
}

func (i *InputStream) Bytes() []byte {
	return i.buf
}

func (i *InputStream) limit() int {
	if len(i.encaps) > 0 {
		return i.encaps[len(i.encaps)-1].end
	}
	return len(i.buf)
}

func (i *InputStream) need(n int) error {
	if n < 0 || i.pos+n > i.limit() {
		return errors.NewMarshalErrorf("unmarshal out of bounds: need %d bytes at position %d, limit %d", n,
			i.pos, i.limit())
	}
	return nil
}

func (i *InputStream) ReadUint8() (byte, error) {
	if err := i.need(1); err != nil {
		return 0, err
	}
	b := i.buf[i.pos]
	i.pos++
	return b, nil
}

func (i *InputStream) ReadBool() (bool, error) {
	if err := i.need(1); err != nil {
		return false, err
	}
	var b bool
	b, i.pos = ReadBoolFromBuffer(i.buf, i.pos)
	return b, nil
}

func (i *InputStream) ReadShort() (int16, error) {
	if err := i.need(2); err != nil {
		return 0, err
	}
	var v uint16
	v, i.pos = ReadUint16FromBufferLE(i.buf, i.pos)
	return int16(v), nil
}

func (i *InputStream) ReadInt() (int32, error) {
	if err := i.need(4); err != nil {
		return 0, err
	}
	var v uint32
	v, i.pos = ReadUint32FromBufferLE(i.buf, i.pos)
	return int32(v), nil
}

func (i *InputStream) ReadLong() (int64, error) {
	if err := i.need(8); err != nil {
		return 0, err
	}
	var v uint64
	v, i.pos = ReadUint64FromBufferLE(i.buf, i.pos)
	return int64(v), nil
}

func (i *InputStream) ReadDouble() (float64, error) {
	v, err := i.ReadLong()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func (i *InputStream) ReadSize() (int, error) {
	b, err := i.ReadUint8()
	if err != nil {
		return 0, err
	}
	if b < 255 {
		return int(b), nil
	}
	v, err := i.ReadInt()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.NewMarshalErrorf("negative size %d", v)
	}
	return int(v), nil
}

func (i *InputStream) ReadString() (string, error) {
	n, err := i.ReadSize()
	if err != nil {
		return "", err
	}
	if err := i.need(n); err != nil {
		return "", err
	}
	s := string(i.buf[i.pos : i.pos+n])
	i.pos += n
	return s, nil
}

func (i *InputStream) ReadStringSeq() ([]string, error) {
	n, err := i.ReadSize()
	if err != nil {
		return nil, err
	}
	// Each string takes at least one byte, reject sizes that can't possibly fit
	if err := i.need(n); err != nil {
		return nil, err
	}
	ss := make([]string, n)
	for j := 0; j < n; j++ {
		if ss[j], err = i.ReadString(); err != nil {
			return nil, err
		}
	}
	return ss, nil
}

func (i *InputStream) ReadStringDict() (map[string]string, error) {
	n, err := i.ReadSize()
	if err != nil {
		return nil, err
	}
	if err := i.need(2 * n); err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for j := 0; j < n; j++ {
		k, err := i.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := i.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (i *InputStream) ReadBytes() ([]byte, error) {
	n, err := i.ReadSize()
	if err != nil {
		return nil, err
	}
	return i.ReadBlob(n)
}

// ReadBlob returns the next n bytes. The returned slice aliases the stream's buffer.
func (i *InputStream) ReadBlob(n int) ([]byte, error) {
	if err := i.need(n); err != nil {
		return nil, err
	}
	b := i.buf[i.pos : i.pos+n]
	i.pos += n
	return b, nil
}

func (i *InputStream) readEncapsHeader() (int, Version, error) {
	sz, err := i.ReadInt()
	if err != nil {
		return 0, Version{}, err
	}
	if sz < encapsHeaderSize {
		return 0, Version{}, errors.NewRpcErrorf(errors.EncapsulationError, "invalid encapsulation size %d", sz)
	}
	// The size includes the int we just read
	if err := i.need(int(sz) - 4); err != nil {
		return 0, Version{}, errors.NewRpcErrorf(errors.EncapsulationError,
			"encapsulation size %d exceeds remaining %d bytes", sz, i.Remaining()+4)
	}
	ver := Version{Major: i.buf[i.pos], Minor: i.buf[i.pos+1]}
	i.pos += 2
	return int(sz) - encapsHeaderSize, ver, nil
}

// StartEncapsulation enters an encapsulation, subsequent reads are bounded by its end.
func (i *InputStream) StartEncapsulation() (Version, error) {
	sz, ver, err := i.readEncapsHeader()
	if err != nil {
		return Version{}, err
	}
	i.encaps = append(i.encaps, encapsFrame{end: i.pos + sz, encoding: ver})
	return ver, nil
}

// EndEncapsulation leaves the innermost encapsulation, which must have been fully read.
func (i *InputStream) EndEncapsulation() error {
	if len(i.encaps) == 0 {
		return errors.NewRpcError(errors.EncapsulationError, "no open encapsulation")
	}
	frame := i.encaps[len(i.encaps)-1]
	i.encaps = i.encaps[:len(i.encaps)-1]
	if i.pos != frame.end {
		return errors.NewRpcErrorf(errors.EncapsulationError, "%d unread bytes at end of encapsulation",
			frame.end-i.pos)
	}
	return nil
}

// ReadEncapsulation returns the body of the next encapsulation and its encoding.
func (i *InputStream) ReadEncapsulation() ([]byte, Version, error) {
	sz, ver, err := i.readEncapsHeader()
	if err != nil {
		return nil, Version{}, err
	}
	body := i.buf[i.pos : i.pos+sz]
	i.pos += sz
	return body, ver, nil
}

func (i *InputStream) SkipEncapsulation() (Version, error) {
	_, ver, err := i.ReadEncapsulation()
	return ver, err
}

// EncapsulationEncoding returns the encoding of the innermost open encapsulation.
func (i *InputStream) EncapsulationEncoding() Version {
	if len(i.encaps) == 0 {
		return CurrentEncoding
	}
	return i.encaps[len(i.encaps)-1].encoding
}
