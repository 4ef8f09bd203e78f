package dng

import (
	"fmt"

	"dngpipe/internal/stream"
)

// lineTable is the shared body of the per-row and per-column opcodes: one
// value per pitched row or column of the area.
type lineTable struct {
	OpcodeBase
	AreaSpec AreaSpec
	Table    []float32
}

func (op *lineTable) byColumn() bool {
	return op.id == OpcodeDeltaPerColumn || op.id == OpcodeScalePerColumn
}

// expectedCount is the number of pitched lines the area spans.
func (op *lineTable) expectedCount() int {
	a := op.AreaSpec
	if op.byColumn() {
		return (a.Area.Width() + a.ColPitch - 1) / a.ColPitch
	}
	return (a.Area.Height() + a.RowPitch - 1) / a.RowPitch
}

func parseLineTable(id OpcodeID, s *stream.Stream) (lineTable, error) {
	base, err := ReadOpcodeBase(id, s)
	if err != nil {
		return lineTable{}, err
	}
	size, err := readPayloadSize(id, s, func(n uint32) bool { return n >= areaSpecSize+4 })
	if err != nil {
		return lineTable{}, err
	}
	area, err := parseAreaSpec(s)
	if err != nil {
		return lineTable{}, err
	}
	count := s.Uint32()
	if int64(size) != areaSpecSize+4+4*int64(count) {
		return lineTable{}, badFormat("%v size %d does not match %d entries", id, size, count)
	}
	op := lineTable{OpcodeBase: base, AreaSpec: area}
	if int(count) != op.expectedCount() {
		return lineTable{}, badFormat("%v has %d entries for an area of %d lines", id, count, op.expectedCount())
	}
	op.Table = make([]float32, count)
	for i := range op.Table {
		op.Table[i] = s.Float32()
	}
	if err := s.Err(); err != nil {
		return lineTable{}, fmt.Errorf("%w: %v: %v", ErrBadFormat, id, err)
	}
	return op, nil
}

func (op *lineTable) PutData(s *stream.Stream) {
	s.PutUint32(uint32(areaSpecSize + 4 + 4*len(op.Table)))
	op.AreaSpec.putData(s)
	s.PutUint32(uint32(len(op.Table)))
	for _, v := range op.Table {
		s.PutFloat32(v)
	}
}

func (op *lineTable) ModifiedBounds(imageBounds Rect) Rect {
	if len(op.Table) == 0 {
		return Rect{}
	}
	return op.AreaSpec.Overlap(imageBounds)
}

func (op *lineTable) Prepare(h *Host, planes int, bounds Rect) error {
	if len(op.Table) != op.expectedCount() {
		return badFormat("%v has %d entries for an area of %d lines", op.id, len(op.Table), op.expectedCount())
	}
	return nil
}

// each calls fn for every selected sample in dstArea with its table value.
func (op *lineTable) each(buf *PixelBuffer, dstArea Rect, fn func(row, col, plane int, v float32)) {
	a := op.AreaSpec
	ov := a.Overlap(dstArea)
	if ov.IsEmpty() {
		return
	}
	lo, hi := a.planeRange(buf.Planes)
	for p := lo; p < hi; p++ {
		for row := ov.Top; row < ov.Bottom; row += a.RowPitch {
			for col := ov.Left; col < ov.Right; col += a.ColPitch {
				var i int
				if op.byColumn() {
					i = (col - a.Area.Left) / a.ColPitch
				} else {
					i = (row - a.Area.Top) / a.RowPitch
				}
				fn(row, col, p, op.Table[i])
			}
		}
	}
}

// Delta adds a per-row (DeltaPerRow) or per-column (DeltaPerColumn) offset.
// Offsets are in image units.
type Delta struct {
	lineTable
	scale float32
}

// NewDelta builds a DeltaPerRow or DeltaPerColumn opcode.
func NewDelta(id OpcodeID, area AreaSpec, table []float32) *Delta {
	return &Delta{lineTable: lineTable{
		OpcodeBase: NewOpcodeBase(id, Version1_3, 0),
		AreaSpec:   area,
		Table:      append([]float32(nil), table...),
	}}
}

func parseDelta(id OpcodeID, s *stream.Stream) (*Delta, error) {
	lt, err := parseLineTable(id, s)
	if err != nil {
		return nil, err
	}
	return &Delta{lineTable: lt}, nil
}

func (op *Delta) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyInplace(h, op, img)
}

func (op *Delta) BufferPixelType(t PixelType) (PixelType, error) {
	switch t {
	case PixelFloat32:
		op.scale = 1
	case PixelUint16, PixelUint32:
		op.scale = float32(1 / t.Range())
	default:
		return 0, badFormat("%v cannot adjust %v pixels", op.id, t)
	}
	return PixelFloat32, nil
}

func (op *Delta) ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect) {
	op.each(buf, dstArea, func(row, col, p int, d float32) {
		y := buf.Float32(row, col, p) + d*op.scale
		buf.SetFloat32(row, col, p, min(max(y, 0), 1))
	})
}

// Scale multiplies by a per-row (ScalePerRow) or per-column (ScalePerColumn)
// factor.
type Scale struct {
	lineTable
}

// NewScale builds a ScalePerRow or ScalePerColumn opcode.
func NewScale(id OpcodeID, area AreaSpec, table []float32) *Scale {
	return &Scale{lineTable: lineTable{
		OpcodeBase: NewOpcodeBase(id, Version1_3, 0),
		AreaSpec:   area,
		Table:      append([]float32(nil), table...),
	}}
}

func parseScale(id OpcodeID, s *stream.Stream) (*Scale, error) {
	lt, err := parseLineTable(id, s)
	if err != nil {
		return nil, err
	}
	return &Scale{lineTable: lt}, nil
}

func (op *Scale) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyInplace(h, op, img)
}

func (op *Scale) BufferPixelType(t PixelType) (PixelType, error) {
	switch t {
	case PixelFloat32, PixelUint16, PixelUint32:
		return PixelFloat32, nil
	default:
		return 0, badFormat("%v cannot adjust %v pixels", op.id, t)
	}
}

func (op *Scale) ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect) {
	op.each(buf, dstArea, func(row, col, p int, f float32) {
		buf.SetFloat32(row, col, p, min(buf.Float32(row, col, p)*f, 1))
	})
}
