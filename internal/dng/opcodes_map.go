package dng

import (
	"fmt"
	"math"

	"dngpipe/internal/stream"
)

// TrimBounds crops the image to Bounds.
type TrimBounds struct {
	OpcodeBase
	Bounds Rect
}

func NewTrimBounds(bounds Rect) *TrimBounds {
	return &TrimBounds{OpcodeBase: NewOpcodeBase(OpcodeTrimBounds, Version1_3, 0), Bounds: bounds}
}

func parseTrimBounds(s *stream.Stream) (*TrimBounds, error) {
	base, err := ReadOpcodeBase(OpcodeTrimBounds, s)
	if err != nil {
		return nil, err
	}
	if _, err := readPayloadSize(base.id, s, func(n uint32) bool { return n == 16 }); err != nil {
		return nil, err
	}
	op := &TrimBounds{OpcodeBase: base}
	op.Bounds.Top = int(s.Int32())
	op.Bounds.Left = int(s.Int32())
	op.Bounds.Bottom = int(s.Int32())
	op.Bounds.Right = int(s.Int32())
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	if op.Bounds.IsEmpty() {
		return nil, badFormat("%v empty bounds %v", base.id, op.Bounds)
	}
	return op, nil
}

func (op *TrimBounds) PutData(s *stream.Stream) {
	s.PutUint32(16)
	s.PutInt32(int32(op.Bounds.Top))
	s.PutInt32(int32(op.Bounds.Left))
	s.PutInt32(int32(op.Bounds.Bottom))
	s.PutInt32(int32(op.Bounds.Right))
}

func (op *TrimBounds) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	if op.Bounds.IsEmpty() || img.Bounds().Intersect(op.Bounds) != op.Bounds {
		return img, badFormat("%v %v outside image %v", op.id, op.Bounds, img.Bounds())
	}
	return img, img.Trim(op.Bounds)
}

const mapTableEntries = 0x10000

// MapTable remaps 16-bit samples through a lookup table.
type MapTable struct {
	OpcodeBase
	AreaSpec AreaSpec
	Table    []uint16

	lut []uint16
}

// NewMapTable copies table, which must hold 1 to 65536 entries.
func NewMapTable(area AreaSpec, table []uint16) *MapTable {
	op := &MapTable{
		OpcodeBase: NewOpcodeBase(OpcodeMapTable, Version1_3, 0),
		AreaSpec:   area,
		Table:      append([]uint16(nil), table...),
	}
	op.buildLUT()
	return op
}

func parseMapTable(s *stream.Stream) (*MapTable, error) {
	base, err := ReadOpcodeBase(OpcodeMapTable, s)
	if err != nil {
		return nil, err
	}
	size, err := readPayloadSize(base.id, s, func(n uint32) bool { return n >= areaSpecSize+4 })
	if err != nil {
		return nil, err
	}
	area, err := parseAreaSpec(s)
	if err != nil {
		return nil, err
	}
	count := s.Uint32()
	if int64(size) != areaSpecSize+4+2*int64(count) {
		return nil, badFormat("%v size %d does not match %d entries", base.id, size, count)
	}
	if count == 0 || count > mapTableEntries {
		return nil, badFormat("%v table of %d entries", base.id, count)
	}
	table := make([]uint16, count)
	for i := range table {
		table[i] = s.Uint16()
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	op := &MapTable{OpcodeBase: base, AreaSpec: area, Table: table}
	op.buildLUT()
	return op, nil
}

// buildLUT pads the table to 65536 entries with its last value.
func (op *MapTable) buildLUT() {
	op.lut = make([]uint16, mapTableEntries)
	copy(op.lut, op.Table)
	if n := len(op.Table); n > 0 {
		last := op.Table[n-1]
		for i := n; i < mapTableEntries; i++ {
			op.lut[i] = last
		}
	}
}

func (op *MapTable) PutData(s *stream.Stream) {
	s.PutUint32(uint32(areaSpecSize + 4 + 2*len(op.Table)))
	op.AreaSpec.putData(s)
	s.PutUint32(uint32(len(op.Table)))
	for _, v := range op.Table {
		s.PutUint16(v)
	}
}

func (op *MapTable) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyInplace(h, op, img)
}

func (op *MapTable) BufferPixelType(t PixelType) (PixelType, error) {
	if t != PixelUint16 {
		return 0, badFormat("%v requires uint16 pixels, got %v", op.id, t)
	}
	return PixelUint16, nil
}

func (op *MapTable) ModifiedBounds(imageBounds Rect) Rect { return op.AreaSpec.Overlap(imageBounds) }

func (op *MapTable) Prepare(h *Host, planes int, bounds Rect) error {
	if len(op.Table) == 0 {
		return badFormat("%v empty table", op.id)
	}
	return nil
}

func (op *MapTable) ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect) {
	a := op.AreaSpec
	ov := a.Overlap(dstArea)
	if ov.IsEmpty() {
		return
	}
	lo, hi := a.planeRange(buf.Planes)
	for p := lo; p < hi; p++ {
		for row := ov.Top; row < ov.Bottom; row += a.RowPitch {
			for col := ov.Left; col < ov.Right; col += a.ColPitch {
				buf.SetUint16(row, col, p, op.lut[buf.Uint16(row, col, p)])
			}
		}
	}
}

const maxPolynomialDegree = 8

// MapPolynomial maps samples through a polynomial. On stage 1 the
// coefficients apply to raw sample values; later stages use [0,1].
type MapPolynomial struct {
	OpcodeBase
	AreaSpec     AreaSpec
	Coefficients []float64

	scaled [maxPolynomialDegree + 1]float64
}

func NewMapPolynomial(area AreaSpec, coefficients []float64) *MapPolynomial {
	return &MapPolynomial{
		OpcodeBase:   NewOpcodeBase(OpcodeMapPolynomial, Version1_3, 0),
		AreaSpec:     area,
		Coefficients: append([]float64(nil), coefficients...),
	}
}

func parseMapPolynomial(s *stream.Stream) (*MapPolynomial, error) {
	base, err := ReadOpcodeBase(OpcodeMapPolynomial, s)
	if err != nil {
		return nil, err
	}
	size, err := readPayloadSize(base.id, s, func(n uint32) bool { return n >= areaSpecSize+4+8 })
	if err != nil {
		return nil, err
	}
	area, err := parseAreaSpec(s)
	if err != nil {
		return nil, err
	}
	degree := s.Uint32()
	if degree > maxPolynomialDegree {
		return nil, badFormat("%v degree %d", base.id, degree)
	}
	if int64(size) != areaSpecSize+4+8*(int64(degree)+1) {
		return nil, badFormat("%v size %d does not match degree %d", base.id, size, degree)
	}
	coef := make([]float64, degree+1)
	for i := range coef {
		coef[i] = s.Float64()
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	return &MapPolynomial{OpcodeBase: base, AreaSpec: area, Coefficients: coef}, nil
}

func (op *MapPolynomial) Degree() int { return len(op.Coefficients) - 1 }

func (op *MapPolynomial) PutData(s *stream.Stream) {
	s.PutUint32(uint32(areaSpecSize + 4 + 8*len(op.Coefficients)))
	op.AreaSpec.putData(s)
	s.PutUint32(uint32(op.Degree()))
	for _, c := range op.Coefficients {
		s.PutFloat64(c)
	}
}

func (op *MapPolynomial) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyInplace(h, op, img)
}

func (op *MapPolynomial) BufferPixelType(t PixelType) (PixelType, error) {
	scale := 1.0
	if op.stage == 1 {
		switch t {
		case PixelFloat32:
		case PixelUint16, PixelUint32:
			scale = t.Range()
		default:
			return 0, badFormat("%v cannot map %v pixels", op.id, t)
		}
	}
	// Rescale so the polynomial sees raw values while the buffer holds [0,1].
	factor := 1 / scale
	for i := range op.scaled {
		op.scaled[i] = 0
		if i < len(op.Coefficients) {
			op.scaled[i] = op.Coefficients[i] * factor
		}
		factor *= scale
	}
	return PixelFloat32, nil
}

func (op *MapPolynomial) ModifiedBounds(imageBounds Rect) Rect {
	return op.AreaSpec.Overlap(imageBounds)
}

func (op *MapPolynomial) Prepare(h *Host, planes int, bounds Rect) error {
	if len(op.Coefficients) == 0 || op.Degree() > maxPolynomialDegree {
		return badFormat("%v degree %d", op.id, op.Degree())
	}
	return nil
}

func (op *MapPolynomial) eval(x float64) float64 {
	y := 0.0
	for i := op.Degree(); i >= 0; i-- {
		y = y*x + op.scaled[i]
	}
	return math.Min(math.Max(y, 0), 1)
}

func (op *MapPolynomial) ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect) {
	a := op.AreaSpec
	ov := a.Overlap(dstArea)
	if ov.IsEmpty() {
		return
	}
	lo, hi := a.planeRange(buf.Planes)
	for p := lo; p < hi; p++ {
		for row := ov.Top; row < ov.Bottom; row += a.RowPitch {
			for col := ov.Left; col < ov.Right; col += a.ColPitch {
				x := float64(buf.Float32(row, col, p))
				buf.SetFloat32(row, col, p, float32(op.eval(x)))
			}
		}
	}
}
