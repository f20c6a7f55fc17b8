package encoding

import (
	"math"
	"sort"
)

const encapsHeaderSize = 6

// OutputStream is a growable little-endian write buffer. It is not safe for concurrent use.
type OutputStream struct {
	buf    []byte
	encaps []int
}

func NewOutputStream() *OutputStream {
	return &OutputStream{}
}

func NewOutputStreamWithCapacity(capacity int) *OutputStream {
	return &OutputStream{buf: make([]byte, 0, capacity)}
}

func (o *OutputStream) Size() int {
	return len(o.buf)
}

// Resize truncates, or extends with zero bytes.
func (o *OutputStream) Resize(size int) {
	if size <= len(o.buf) {
		o.buf = o.buf[:size]
		return
	}
	o.buf = append(o.buf, make([]byte, size-len(o.buf))...)
}

// Swap exchanges the contents of the two streams.
func (o *OutputStream) Swap(other *OutputStream) {
	o.buf, other.buf = other.buf, o.buf
	o.encaps, other.encaps = other.encaps, o.encaps
}

// Bytes returns the underlying buffer, it is only valid until the next write.
func (o *OutputStream) Bytes() []byte {
	return o.buf
}

func (o *OutputStream) Reset() {
	o.buf = o.buf[:0]
	o.encaps = o.encaps[:0]
}

func (o *OutputStream) WriteUint8(b byte) {
	o.buf = append(o.buf, b)
}

func (o *OutputStream) WriteBool(b bool) {
	o.buf = AppendBoolToBuffer(o.buf, b)
}

func (o *OutputStream) WriteShort(v int16) {
	o.buf = AppendUint16ToBufferLE(o.buf, uint16(v))
}

func (o *OutputStream) WriteInt(v int32) {
	o.buf = AppendUint32ToBufferLE(o.buf, uint32(v))
}

func (o *OutputStream) WriteLong(v int64) {
	o.buf = AppendUint64ToBufferLE(o.buf, uint64(v))
}

func (o *OutputStream) WriteDouble(v float64) {
	o.buf = AppendUint64ToBufferLE(o.buf, math.Float64bits(v))
}

// RewriteInt overwrites a previously written int at pos.
func (o *OutputStream) RewriteInt(v int32, pos int) {
	PutUint32LE(o.buf, pos, uint32(v))
}

// WriteSize writes sizes below 255 as a single byte, otherwise 255 followed by an int.
func (o *OutputStream) WriteSize(size int) {
	if size < 255 {
		o.buf = append(o.buf, byte(size))
		return
	}
	o.buf = append(o.buf, 255)
	o.buf = AppendUint32ToBufferLE(o.buf, uint32(size))
}

func (o *OutputStream) WriteString(s string) {
	o.WriteSize(len(s))
	o.buf = append(o.buf, s...)
}

func (o *OutputStream) WriteStringSeq(ss []string) {
	o.WriteSize(len(ss))
	for _, s := range ss {
		o.WriteString(s)
	}
}

// WriteStringDict writes the map in key order so the encoding is deterministic.
func (o *OutputStream) WriteStringDict(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o.WriteSize(len(keys))
	for _, k := range keys {
		o.WriteString(k)
		o.WriteString(m[k])
	}
}

// WriteBytes writes a size prefixed byte sequence.
func (o *OutputStream) WriteBytes(b []byte) {
	o.WriteSize(len(b))
	o.buf = append(o.buf, b...)
}

// WriteBlob appends raw bytes without a size prefix.
func (o *OutputStream) WriteBlob(b []byte) {
	o.buf = append(o.buf, b...)
}

// StartEncapsulation writes a size placeholder and the encoding version. Encapsulations nest.
func (o *OutputStream) StartEncapsulation(encoding Version) {
	o.encaps = append(o.encaps, len(o.buf))
	o.buf = AppendUint32ToBufferLE(o.buf, 0)
	o.buf = append(o.buf, encoding.Major, encoding.Minor)
}

// EndEncapsulation back-patches the size of the innermost open encapsulation. The size includes the 6 byte
// header.
func (o *OutputStream) EndEncapsulation() {
	start := o.encaps[len(o.encaps)-1]
	o.encaps = o.encaps[:len(o.encaps)-1]
	PutUint32LE(o.buf, start, uint32(len(o.buf)-start))
}

func (o *OutputStream) WriteEmptyEncapsulation(encoding Version) {
	o.WriteInt(encapsHeaderSize)
	o.buf = append(o.buf, encoding.Major, encoding.Minor)
}

// WriteEncapsulation wraps body in an encapsulation of the given encoding.
func (o *OutputStream) WriteEncapsulation(encoding Version, body []byte) {
	o.WriteInt(int32(len(body) + encapsHeaderSize))
	o.buf = append(o.buf, encoding.Major, encoding.Minor)
	o.buf = append(o.buf, body...)
}
