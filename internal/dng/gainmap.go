package dng

import (
	"fmt"

	"dngpipe/internal/stream"
)

// GainMapGrid is a grid of gains in image-relative coordinates: (0,0) is the
// top-left of the image and (1,1) the bottom-right.
type GainMapGrid struct {
	PointsV   int
	PointsH   int
	SpacingV  float64
	SpacingH  float64
	OriginV   float64
	OriginH   float64
	MapPlanes int
	Gains     []float32 // row-major, planes interleaved
}

func (g *GainMapGrid) entry(row, col, plane int) float64 {
	return float64(g.Gains[(row*g.PointsH+col)*g.MapPlanes+plane])
}

func (g *GainMapGrid) validate() error {
	if g.PointsV < 1 || g.PointsH < 1 || g.MapPlanes < 1 {
		return badFormat("gain map %dx%d with %d planes", g.PointsV, g.PointsH, g.MapPlanes)
	}
	if (g.PointsV > 1 && g.SpacingV <= 0) || (g.PointsH > 1 && g.SpacingH <= 0) {
		return badFormat("gain map spacing %gx%g", g.SpacingV, g.SpacingH)
	}
	if len(g.Gains) != g.PointsV*g.PointsH*g.MapPlanes {
		return badFormat("gain map holds %d gains, want %d", len(g.Gains), g.PointsV*g.PointsH*g.MapPlanes)
	}
	return nil
}

// gridIndex converts a relative position to a clamped grid index and
// fractional weight.
func gridIndex(pos, origin, spacing float64, points int) (int, int, float64) {
	if points == 1 || spacing <= 0 {
		return 0, 0, 0
	}
	f := (pos - origin) / spacing
	if f <= 0 {
		return 0, 0, 0
	}
	i := int(f)
	if i >= points-1 {
		return points - 1, points - 1, 0
	}
	return i, i + 1, f - float64(i)
}

// Gain returns the bilinear gain at (row, col) of an image with bounds.
func (g *GainMapGrid) Gain(bounds Rect, row, col, plane int) float64 {
	v := (float64(row-bounds.Top) + 0.5) / float64(bounds.Height())
	h := (float64(col-bounds.Left) + 0.5) / float64(bounds.Width())
	r1, r2, rf := gridIndex(v, g.OriginV, g.SpacingV, g.PointsV)
	c1, c2, cf := gridIndex(h, g.OriginH, g.SpacingH, g.PointsH)
	top := g.entry(r1, c1, plane) + (g.entry(r1, c2, plane)-g.entry(r1, c1, plane))*cf
	bot := g.entry(r2, c1, plane) + (g.entry(r2, c2, plane)-g.entry(r2, c1, plane))*cf
	return top + (bot-top)*rf
}

// GainMap multiplies samples by an interpolated gain, typically for lens
// shading.
type GainMap struct {
	OpcodeBase
	AreaSpec AreaSpec
	Map      GainMapGrid
}

func NewGainMap(area AreaSpec, grid GainMapGrid) *GainMap {
	grid.Gains = append([]float32(nil), grid.Gains...)
	return &GainMap{OpcodeBase: NewOpcodeBase(OpcodeGainMap, Version1_3, 0), AreaSpec: area, Map: grid}
}

const gainMapHeaderSize = areaSpecSize + 4 + 4 + 4*8 + 4

func parseGainMap(s *stream.Stream) (*GainMap, error) {
	base, err := ReadOpcodeBase(OpcodeGainMap, s)
	if err != nil {
		return nil, err
	}
	size, err := readPayloadSize(base.id, s, func(n uint32) bool { return n >= gainMapHeaderSize })
	if err != nil {
		return nil, err
	}
	area, err := parseAreaSpec(s)
	if err != nil {
		return nil, err
	}
	var g GainMapGrid
	g.PointsV = int(s.Uint32())
	g.PointsH = int(s.Uint32())
	g.SpacingV = s.Float64()
	g.SpacingH = s.Float64()
	g.OriginV = s.Float64()
	g.OriginH = s.Float64()
	g.MapPlanes = int(s.Uint32())
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	count := int64(g.PointsV) * int64(g.PointsH) * int64(g.MapPlanes)
	if int64(size) != gainMapHeaderSize+4*count {
		return nil, badFormat("%v size %d does not match %d gains", base.id, size, count)
	}
	g.Gains = make([]float32, count)
	for i := range g.Gains {
		g.Gains[i] = s.Float32()
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return &GainMap{OpcodeBase: base, AreaSpec: area, Map: g}, nil
}

func (op *GainMap) PutData(s *stream.Stream) {
	g := &op.Map
	s.PutUint32(uint32(gainMapHeaderSize + 4*len(g.Gains)))
	op.AreaSpec.putData(s)
	s.PutUint32(uint32(g.PointsV))
	s.PutUint32(uint32(g.PointsH))
	s.PutFloat64(g.SpacingV)
	s.PutFloat64(g.SpacingH)
	s.PutFloat64(g.OriginV)
	s.PutFloat64(g.OriginH)
	s.PutUint32(uint32(g.MapPlanes))
	for _, v := range g.Gains {
		s.PutFloat32(v)
	}
}

func (op *GainMap) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyInplace(h, op, img)
}

func (op *GainMap) BufferPixelType(t PixelType) (PixelType, error) { return PixelFloat32, nil }

func (op *GainMap) ModifiedBounds(imageBounds Rect) Rect { return op.AreaSpec.Overlap(imageBounds) }

func (op *GainMap) Prepare(h *Host, planes int, bounds Rect) error { return op.Map.validate() }

func (op *GainMap) ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect) {
	a := op.AreaSpec
	ov := a.Overlap(dstArea)
	if ov.IsEmpty() {
		return
	}
	lo, hi := a.planeRange(buf.Planes)
	for p := lo; p < hi; p++ {
		mapPlane := min(p, op.Map.MapPlanes-1)
		for row := ov.Top; row < ov.Bottom; row += a.RowPitch {
			for col := ov.Left; col < ov.Right; col += a.ColPitch {
				gain := op.Map.Gain(imageBounds, row, col, mapPlane)
				v := float64(buf.Float32(row, col, p)) * gain
				buf.SetFloat32(row, col, p, float32(min(v, 1)))
			}
		}
	}
}
