package dng

import (
	"fmt"

	"dngpipe/internal/stream"
)

// AreaSpec selects the pixels an in-place opcode touches: a rectangle (empty
// means the whole image), a plane range and row/column pitches.
type AreaSpec struct {
	Area     Rect
	Plane    int
	Planes   int
	RowPitch int
	ColPitch int
}

const areaSpecSize = 32

// NewAreaSpec covers every pixel of planes [plane, plane+planes) in area.
func NewAreaSpec(area Rect, plane, planes int) AreaSpec {
	return AreaSpec{Area: area, Plane: plane, Planes: planes, RowPitch: 1, ColPitch: 1}
}

func parseAreaSpec(s *stream.Stream) (AreaSpec, error) {
	var a AreaSpec
	a.Area.Top = int(s.Int32())
	a.Area.Left = int(s.Int32())
	a.Area.Bottom = int(s.Int32())
	a.Area.Right = int(s.Int32())
	a.Plane = int(s.Uint32())
	a.Planes = int(s.Uint32())
	a.RowPitch = int(s.Uint32())
	a.ColPitch = int(s.Uint32())
	if err := s.Err(); err != nil {
		return a, fmt.Errorf("%w: area spec: %v", ErrBadFormat, err)
	}
	if a.Planes < 1 || a.Plane < 0 {
		return a, badFormat("area spec planes %d+%d", a.Plane, a.Planes)
	}
	if a.RowPitch < 1 || a.ColPitch < 1 {
		return a, badFormat("area spec pitch %dx%d", a.RowPitch, a.ColPitch)
	}
	return a, nil
}

func (a AreaSpec) putData(s *stream.Stream) {
	s.PutInt32(int32(a.Area.Top))
	s.PutInt32(int32(a.Area.Left))
	s.PutInt32(int32(a.Area.Bottom))
	s.PutInt32(int32(a.Area.Right))
	s.PutUint32(uint32(a.Plane))
	s.PutUint32(uint32(a.Planes))
	s.PutUint32(uint32(a.RowPitch))
	s.PutUint32(uint32(a.ColPitch))
}

// Overlap returns the part of tile covered by the spec, snapped to the pitch
// grid anchored at the spec's top-left.
func (a AreaSpec) Overlap(tile Rect) Rect {
	if a.Area.IsEmpty() {
		return tile
	}
	ov := a.Area.Intersect(tile)
	if ov.IsEmpty() {
		return Rect{}
	}
	ov.Top = a.Area.Top + roundUp(ov.Top-a.Area.Top, a.RowPitch)
	ov.Left = a.Area.Left + roundUp(ov.Left-a.Area.Left, a.ColPitch)
	if ov.IsEmpty() {
		return Rect{}
	}
	ov.Bottom = ov.Top + ((ov.Height()-1)/a.RowPitch)*a.RowPitch + 1
	ov.Right = ov.Left + ((ov.Width()-1)/a.ColPitch)*a.ColPitch + 1
	return ov
}

// planeRange clips the spec's planes to the image.
func (a AreaSpec) planeRange(imagePlanes int) (lo, hi int) {
	return a.Plane, min(a.Plane+a.Planes, imagePlanes)
}

func roundUp(v, multiple int) int {
	return (v + multiple - 1) / multiple * multiple
}
