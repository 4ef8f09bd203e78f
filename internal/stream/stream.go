// Package stream implements a positioned byte stream with typed big- and
// little-endian accessors. Reads past the end do not panic: the stream keeps
// the first error, returns zero values afterwards and reports it from Err.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortRead is recorded when a read runs past the end of the data.
var ErrShortRead = errors.New("stream: read past end of data")

// Stream is an in-memory byte stream used both for parsing and spooling.
type Stream struct {
	buf   []byte
	pos   int64
	order binary.ByteOrder
	err   error
}

// New returns a stream reading data in the given byte order.
func New(data []byte, order binary.ByteOrder) *Stream {
	if order == nil {
		order = binary.BigEndian
	}
	return &Stream{buf: data, order: order}
}

// NewWriter returns an empty stream ready for Put calls.
func NewWriter(order binary.ByteOrder) *Stream {
	return New(nil, order)
}

// Order returns the current byte order.
func (s *Stream) Order() binary.ByteOrder { return s.order }

// SetOrder switches the byte order for subsequent typed accesses.
func (s *Stream) SetOrder(order binary.ByteOrder) { s.order = order }

// BigEndian reports whether typed accesses are big-endian.
func (s *Stream) BigEndian() bool { return s.order == binary.BigEndian }

// Position returns the current read/write offset.
func (s *Stream) Position() int64 { return s.pos }

// Length returns the number of bytes held by the stream.
func (s *Stream) Length() int64 { return int64(len(s.buf)) }

// Bytes returns the underlying data.
func (s *Stream) Bytes() []byte { return s.buf }

// Err returns the first error the stream recorded.
func (s *Stream) Err() error { return s.err }

// SetPosition moves the offset. Positions beyond the end record ErrShortRead.
func (s *Stream) SetPosition(pos int64) {
	if pos < 0 || pos > int64(len(s.buf)) {
		s.fail(fmt.Errorf("%w: seek to %d of %d", ErrShortRead, pos, len(s.buf)))
		return
	}
	s.pos = pos
}

// Skip advances the offset by n bytes.
func (s *Stream) Skip(n int64) { s.SetPosition(s.pos + n) }

// Remaining returns the bytes between the offset and the end.
func (s *Stream) Remaining() int64 { return int64(len(s.buf)) - s.pos }

func (s *Stream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Get returns the next n bytes without copying them.
func (s *Stream) Get(n int) []byte {
	if s.err != nil {
		return nil
	}
	if n < 0 || s.pos+int64(n) > int64(len(s.buf)) {
		s.fail(fmt.Errorf("%w: need %d bytes at %d, have %d", ErrShortRead, n, s.pos, len(s.buf)))
		return nil
	}
	b := s.buf[s.pos : s.pos+int64(n)]
	s.pos += int64(n)
	return b
}

func (s *Stream) Uint8() uint8 {
	b := s.Get(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (s *Stream) Uint16() uint16 {
	b := s.Get(2)
	if b == nil {
		return 0
	}
	return s.order.Uint16(b)
}

func (s *Stream) Uint32() uint32 {
	b := s.Get(4)
	if b == nil {
		return 0
	}
	return s.order.Uint32(b)
}

func (s *Stream) Uint64() uint64 {
	b := s.Get(8)
	if b == nil {
		return 0
	}
	return s.order.Uint64(b)
}

func (s *Stream) Int16() int16 { return int16(s.Uint16()) }

func (s *Stream) Int32() int32 { return int32(s.Uint32()) }

func (s *Stream) Float32() float32 { return math.Float32frombits(s.Uint32()) }

func (s *Stream) Float64() float64 { return math.Float64frombits(s.Uint64()) }

// Put writes b at the current offset, growing the data when needed.
func (s *Stream) Put(b []byte) {
	end := s.pos + int64(len(b))
	if end > int64(len(s.buf)) {
		if end <= int64(cap(s.buf)) {
			s.buf = s.buf[:end]
		} else {
			grown := make([]byte, end, 2*end)
			copy(grown, s.buf)
			s.buf = grown
		}
	}
	copy(s.buf[s.pos:end], b)
	s.pos = end
}

func (s *Stream) PutUint8(v uint8) { s.Put([]byte{v}) }

func (s *Stream) PutUint16(v uint16) {
	var b [2]byte
	s.order.PutUint16(b[:], v)
	s.Put(b[:])
}

func (s *Stream) PutUint32(v uint32) {
	var b [4]byte
	s.order.PutUint32(b[:], v)
	s.Put(b[:])
}

func (s *Stream) PutUint64(v uint64) {
	var b [8]byte
	s.order.PutUint64(b[:], v)
	s.Put(b[:])
}

func (s *Stream) PutInt32(v int32) { s.PutUint32(uint32(v)) }

func (s *Stream) PutFloat32(v float32) { s.PutUint32(math.Float32bits(v)) }

func (s *Stream) PutFloat64(v float64) { s.PutUint64(math.Float64bits(v)) }
