package dng

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PixelType is the storage type of one sample.
type PixelType uint8

const (
	PixelUint8 PixelType = iota + 1
	PixelUint16
	PixelUint32
	PixelFloat32
)

// Size returns the byte size of one sample.
func (t PixelType) Size() int {
	switch t {
	case PixelUint8:
		return 1
	case PixelUint16:
		return 2
	case PixelUint32, PixelFloat32:
		return 4
	default:
		return 0
	}
}

// Range returns the nominal white value of the type.
func (t PixelType) Range() float64 {
	switch t {
	case PixelUint8:
		return math.MaxUint8
	case PixelUint16:
		return math.MaxUint16
	case PixelUint32:
		return math.MaxUint32
	default:
		return 1
	}
}

func (t PixelType) String() string {
	switch t {
	case PixelUint8:
		return "uint8"
	case PixelUint16:
		return "uint16"
	case PixelUint32:
		return "uint32"
	case PixelFloat32:
		return "float32"
	default:
		return fmt.Sprintf("PixelType(%d)", uint8(t))
	}
}

// PixelBuffer is a strided view over pixel memory covering Area and planes
// [Plane, Plane+Planes). Steps are counted in samples, not bytes.
type PixelBuffer struct {
	Area      Rect
	Plane     int
	Planes    int
	RowStep   int
	ColStep   int
	PlaneStep int
	Type      PixelType
	Data      []byte
}

// NewPixelBuffer allocates an interleaved buffer for area.
func NewPixelBuffer(area Rect, plane, planes int, t PixelType) PixelBuffer {
	b := interleaved(area, plane, planes, t)
	b.Data = make([]byte, area.Width()*area.Height()*planes*t.Size())
	return b
}

// WrapPixelBuffer builds an interleaved view over data, which must be large
// enough for the area.
func WrapPixelBuffer(area Rect, plane, planes int, t PixelType, data []byte) (PixelBuffer, error) {
	b := interleaved(area, plane, planes, t)
	b.Data = data
	if err := b.Validate(); err != nil {
		return PixelBuffer{}, err
	}
	return b, nil
}

func interleaved(area Rect, plane, planes int, t PixelType) PixelBuffer {
	return PixelBuffer{
		Area:      area,
		Plane:     plane,
		Planes:    planes,
		ColStep:   planes,
		RowStep:   planes * area.Width(),
		PlaneStep: 1,
		Type:      t,
	}
}

// Validate checks that every addressable sample lies inside Data.
func (b *PixelBuffer) Validate() error {
	if b.Type.Size() == 0 {
		return fmt.Errorf("pixel buffer: unknown pixel type %v", b.Type)
	}
	if b.Planes < 1 || b.Area.IsEmpty() {
		return nil
	}
	last := (b.Area.Height()-1)*b.RowStep + (b.Area.Width()-1)*b.ColStep + (b.Planes-1)*b.PlaneStep
	if (last+1)*b.Type.Size() > len(b.Data) {
		return fmt.Errorf("pixel buffer: area %v x %d planes needs %d bytes, have %d",
			b.Area, b.Planes, (last+1)*b.Type.Size(), len(b.Data))
	}
	return nil
}

// Resize re-points the buffer at a new area that fits the existing allocation,
// recomputing interleaved steps.
func (b *PixelBuffer) Resize(area Rect) error {
	nb := interleaved(area, b.Plane, b.Planes, b.Type)
	need := area.Width() * area.Height() * b.Planes * b.Type.Size()
	if need > cap(b.Data) {
		return fmt.Errorf("pixel buffer: area %v does not fit %d bytes", area, cap(b.Data))
	}
	nb.Data = b.Data[:need]
	*b = nb
	return nil
}

func (b *PixelBuffer) offset(row, col, plane int) int {
	return ((row-b.Area.Top)*b.RowStep + (col-b.Area.Left)*b.ColStep + (plane-b.Plane)*b.PlaneStep) * b.Type.Size()
}

func (b *PixelBuffer) Uint8(row, col, plane int) uint8 { return b.Data[b.offset(row, col, plane)] }

func (b *PixelBuffer) SetUint8(row, col, plane int, v uint8) { b.Data[b.offset(row, col, plane)] = v }

func (b *PixelBuffer) Uint16(row, col, plane int) uint16 {
	return binary.NativeEndian.Uint16(b.Data[b.offset(row, col, plane):])
}

func (b *PixelBuffer) SetUint16(row, col, plane int, v uint16) {
	binary.NativeEndian.PutUint16(b.Data[b.offset(row, col, plane):], v)
}

func (b *PixelBuffer) Uint32(row, col, plane int) uint32 {
	return binary.NativeEndian.Uint32(b.Data[b.offset(row, col, plane):])
}

func (b *PixelBuffer) SetUint32(row, col, plane int, v uint32) {
	binary.NativeEndian.PutUint32(b.Data[b.offset(row, col, plane):], v)
}

func (b *PixelBuffer) Float32(row, col, plane int) float32 {
	return math.Float32frombits(b.Uint32(row, col, plane))
}

func (b *PixelBuffer) SetFloat32(row, col, plane int, v float32) {
	b.SetUint32(row, col, plane, math.Float32bits(v))
}

// Sample returns the raw sample value as float64 regardless of type.
func (b *PixelBuffer) Sample(row, col, plane int) float64 {
	switch b.Type {
	case PixelUint8:
		return float64(b.Uint8(row, col, plane))
	case PixelUint16:
		return float64(b.Uint16(row, col, plane))
	case PixelUint32:
		return float64(b.Uint32(row, col, plane))
	default:
		return float64(b.Float32(row, col, plane))
	}
}

// SetSample stores v, rounding and clamping for integer types.
func (b *PixelBuffer) SetSample(row, col, plane int, v float64) {
	switch b.Type {
	case PixelUint8:
		b.SetUint8(row, col, plane, uint8(clampRound(v, math.MaxUint8)))
	case PixelUint16:
		b.SetUint16(row, col, plane, uint16(clampRound(v, math.MaxUint16)))
	case PixelUint32:
		b.SetUint32(row, col, plane, uint32(clampRound(v, math.MaxUint32)))
	default:
		b.SetFloat32(row, col, plane, float32(v))
	}
}

func clampRound(v, hi float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= hi {
		return hi
	}
	return math.Floor(v + 0.5)
}

// CopyArea copies planes [srcPlane, srcPlane+planes) of src inside area into
// planes starting at dstPlane. Integer to float conversion normalises by the
// source range; float to integer scales by the destination range, rounding and
// clamping. Integer to integer conversion keeps values.
func (b *PixelBuffer) CopyArea(src *PixelBuffer, area Rect, srcPlane, dstPlane, planes int) {
	area = area.Intersect(src.Area).Intersect(b.Area)
	if area.IsEmpty() {
		return
	}
	for row := area.Top; row < area.Bottom; row++ {
		for col := area.Left; col < area.Right; col++ {
			for p := 0; p < planes; p++ {
				copySample(b, row, col, dstPlane+p, src, row, col, srcPlane+p)
			}
		}
	}
}

// SetConstant stores v in every sample of area.
func (b *PixelBuffer) SetConstant(area Rect, v float64) {
	area = area.Intersect(b.Area)
	for row := area.Top; row < area.Bottom; row++ {
		for col := area.Left; col < area.Right; col++ {
			for p := b.Plane; p < b.Plane+b.Planes; p++ {
				b.SetSample(row, col, p, v)
			}
		}
	}
}

// RepeatSubArea fills everything in the buffer outside sub by repeating the
// outermost repeatV rows and repeatH columns of sub, preserving their phase.
func (b *PixelBuffer) RepeatSubArea(sub Rect, repeatV, repeatH int) {
	sub = sub.Intersect(b.Area)
	if sub.IsEmpty() || sub == b.Area {
		return
	}
	size := b.Type.Size()
	for row := b.Area.Top; row < b.Area.Bottom; row++ {
		sr := repeatCoord(row, sub.Top, sub.Bottom, repeatV)
		for col := b.Area.Left; col < b.Area.Right; col++ {
			if sub.Contains(Point{row, col}) {
				continue
			}
			sc := repeatCoord(col, sub.Left, sub.Right, repeatH)
			for p := b.Plane; p < b.Plane+b.Planes; p++ {
				so := b.offset(sr, sc, p)
				do := b.offset(row, col, p)
				copy(b.Data[do:do+size], b.Data[so:so+size])
			}
		}
	}
}

// repeatCoord maps x into [lo, hi) by repeating the period-sized band at the
// nearest edge.
func repeatCoord(x, lo, hi, period int) int {
	if period < 1 {
		period = 1
	}
	if period > hi-lo {
		period = hi - lo
	}
	switch {
	case x < lo:
		return lo + mod(x-lo, period)
	case x >= hi:
		base := hi - period
		return base + mod(x-base, period)
	default:
		return x
	}
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
