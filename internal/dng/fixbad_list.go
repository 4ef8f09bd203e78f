package dng

import (
	"fmt"
	"log/slog"

	"dngpipe/internal/stream"
)

const (
	badPointPadding = 2
	badRectPadding  = 4
)

// FixBadPixelsList repairs the points and rectangles of a BadPixelList.
type FixBadPixelsList struct {
	OpcodeBase
	List       *BadPixelList
	BayerPhase uint32

	log    *slog.Logger
	report RepairReport
}

// NewFixBadPixelsList takes ownership of list and sorts it.
func NewFixBadPixelsList(list *BadPixelList, bayerPhase uint32) *FixBadPixelsList {
	list.Sort()
	return &FixBadPixelsList{
		OpcodeBase: NewOpcodeBase(OpcodeFixBadPixelsList, Version1_3, 0),
		List:       list,
		BayerPhase: bayerPhase,
	}
}

func parseFixBadPixelsList(s *stream.Stream) (*FixBadPixelsList, error) {
	base, err := ReadOpcodeBase(OpcodeFixBadPixelsList, s)
	if err != nil {
		return nil, err
	}
	size, err := readPayloadSize(base.id, s, func(n uint32) bool { return n >= 12 })
	if err != nil {
		return nil, err
	}
	phase := s.Uint32()
	points := s.Uint32()
	rects := s.Uint32()
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	if int64(size) != 12+8*int64(points)+16*int64(rects) {
		return nil, badFormat("%v size %d does not match %d points and %d rects", base.id, size, points, rects)
	}
	list := NewBadPixelList()
	for i := uint32(0); i < points; i++ {
		list.AddPoint(Point{Row: int(s.Int32()), Col: int(s.Int32())})
	}
	for i := uint32(0); i < rects; i++ {
		var r Rect
		r.Top = int(s.Int32())
		r.Left = int(s.Int32())
		r.Bottom = int(s.Int32())
		r.Right = int(s.Int32())
		list.AddRect(r)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	list.Sort()
	return &FixBadPixelsList{OpcodeBase: base, List: list, BayerPhase: phase}, nil
}

func (op *FixBadPixelsList) PutData(s *stream.Stream) {
	points, rects := op.List.PointCount(), op.List.RectCount()
	s.PutUint32(uint32(12 + 8*points + 16*rects))
	s.PutUint32(op.BayerPhase)
	s.PutUint32(uint32(points))
	s.PutUint32(uint32(rects))
	for _, p := range op.List.points {
		s.PutInt32(int32(p.Row))
		s.PutInt32(int32(p.Col))
	}
	for _, r := range op.List.rects {
		s.PutInt32(int32(r.Top))
		s.PutInt32(int32(r.Left))
		s.PutInt32(int32(r.Bottom))
		s.PutInt32(int32(r.Right))
	}
}

func (op *FixBadPixelsList) Report() RepairSummary { return op.report.Summary() }

func (op *FixBadPixelsList) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyFilter(h, n, op, img)
}

func (op *FixBadPixelsList) BufferPixelType(t PixelType) (PixelType, error) {
	if t != PixelUint16 {
		return 0, badFormat("%v requires uint16 pixels, got %v", op.id, t)
	}
	return PixelUint16, nil
}

func (op *FixBadPixelsList) ModifiedBounds(imageBounds Rect) Rect { return imageBounds }

func (op *FixBadPixelsList) SrcRepeat() Point { return Point{2, 2} }

func (op *FixBadPixelsList) SrcArea(dstArea, imageBounds Rect) Rect {
	return dstArea.Inflate(op.List.Padding())
}

func (op *FixBadPixelsList) Prepare(h *Host, n *Negative, planes int, bounds Rect) error {
	if planes != 1 {
		return badFormat("%v requires a single plane, got %d", op.id, planes)
	}
	op.log = h.Logger()
	op.report.reset(op.id, op.stage)
	return nil
}

func (op *FixBadPixelsList) ProcessArea(src, dst *PixelBuffer, dstArea, imageBounds Rect) {
	list := op.List
	fixArea := dstArea
	if list.RectCount() > 0 {
		fixArea = fixArea.Inflate(badRectPadding)
	}

	inner := imageBounds.Inflate(-badPointPadding)
	didFixPoint := false
	for i, p := range list.points {
		if !fixArea.Contains(p) {
			continue
		}
		ok := true
		if list.IsPointIsolated(i, badPointPadding) && inner.Contains(p) {
			op.fixIsolatedPixel(src, p)
		} else {
			ok = op.fixClusteredPixel(src, i, imageBounds)
		}
		didFixPoint = true
		if !dstArea.Contains(p) {
			continue
		}
		if ok {
			op.report.repaired(1)
		} else {
			op.log.Warn("unable to repair bad pixel", "row", p.Row, "col", p.Col)
			op.report.failedPoint(p)
		}
	}

	if list.RectCount() > 0 {
		if didFixPoint {
			repeat := op.SrcRepeat()
			src.RepeatSubArea(imageBounds, repeat.Row, repeat.Col)
		}
		for i, r := range list.rects {
			overlap := dstArea.Intersect(r)
			if overlap.IsEmpty() {
				continue
			}
			isolated := list.IsRectIsolated(i, badRectPadding)
			switch {
			case isolated && r.Width() == 1 &&
				r.Left >= imageBounds.Left+2 && r.Right <= imageBounds.Right-2:
				op.fixSingleLine(src, overlap, false)
			case isolated && r.Height() == 1 &&
				r.Top >= imageBounds.Top+2 && r.Bottom <= imageBounds.Bottom-2:
				op.fixSingleLine(src, overlap, true)
			default:
				if failed := op.fixClusteredRect(src, overlap, imageBounds); failed > 0 {
					op.log.Warn("unable to repair bad rectangle", "rect", overlap.String(), "pixels", failed)
					op.report.failedRect(overlap, failed)
					op.report.repaired(overlap.Width()*overlap.Height() - failed)
					continue
				}
			}
			op.report.repaired(overlap.Width() * overlap.Height())
		}
	}

	dst.CopyArea(src, dstArea, 0, 0, dst.Planes)
}

// fixIsolatedPixel interpolates p from the direction estimates over its 5x5
// neighbourhood whose gradients are within 1.5x of the smallest.
func (op *FixBadPixelsList) fixIsolatedPixel(buf *PixelBuffer, p Point) {
	at := func(r, c int) int { return int(buf.Uint16(p.Row-2+r, p.Col-2+c, 0)) }
	var est, grad [4]int
	if isGreen(op.BayerPhase, p.Row, p.Col) {
		// g00 b01 g02 b03 g04
		// r10 g11 r12 g13 r14
		// g20 b21  xx b23 g24
		// r30 g31 r32 g33 r34
		// g40 b41 g42 b43 g44
		b01, g02, b03 := at(0, 1), at(0, 2), at(0, 3)
		r10, g11, r12, g13, r14 := at(1, 0), at(1, 1), at(1, 2), at(1, 3), at(1, 4)
		g20, b21, b23, g24 := at(2, 0), at(2, 1), at(2, 3), at(2, 4)
		r30, g31, r32, g33, r34 := at(3, 0), at(3, 1), at(3, 2), at(3, 3), at(3, 4)
		b41, g42, b43 := at(4, 1), at(4, 2), at(4, 3)

		est[0] = g02 + g42
		grad[0] = abs(g02-g42) + abs(g11-g31) + abs(g13-g33) +
			abs(b01-b21) + abs(b03-b23) + abs(b21-b41) + abs(b23-b43)
		est[1] = g11 + g33
		grad[1] = abs(g11-g33) + abs(g02-g24) + abs(g20-g42) +
			abs(b01-b23) + abs(r10-r32) + abs(r12-r34) + abs(b21-b43)
		est[2] = g20 + g24
		grad[2] = abs(g20-g24) + abs(g11-g13) + abs(g31-g33) +
			abs(r10-r12) + abs(r30-r32) + abs(r12-r14) + abs(r32-r34)
		est[3] = g13 + g31
		grad[3] = abs(g13-g31) + abs(g02-g20) + abs(g24-g42) +
			abs(b03-b21) + abs(r14-r32) + abs(r12-r30) + abs(b23-b41)
	} else {
		// b00 g01 b02 g03 b04
		// g10 r11 g12 r13 g14
		// b20 g21  xx g23 b24
		// g30 r31 g32 r33 g34
		// b40 g41 b42 g43 b44
		b00, g01, b02, g03, b04 := at(0, 0), at(0, 1), at(0, 2), at(0, 3), at(0, 4)
		g10, r11, g12, r13, g14 := at(1, 0), at(1, 1), at(1, 2), at(1, 3), at(1, 4)
		b20, g21, g23, b24 := at(2, 0), at(2, 1), at(2, 3), at(2, 4)
		g30, r31, g32, r33, g34 := at(3, 0), at(3, 1), at(3, 2), at(3, 3), at(3, 4)
		b40, g41, b42, g43, b44 := at(4, 0), at(4, 1), at(4, 2), at(4, 3), at(4, 4)

		est[0] = b02 + b42
		grad[0] = abs(b02-b42) + abs(g12-g32) + abs(g01-g21) + abs(g21-g41) +
			abs(g03-g23) + abs(g23-g43) + abs(r11-r31) + abs(r13-r33)
		est[1] = b00 + b44
		grad[1] = abs(b00-b44) + abs(r11-r33) + abs(g01-g23) + abs(g10-g32) +
			abs(g12-g34) + abs(g21-g43) + abs(b02-b24) + abs(b20-b42)
		est[2] = b20 + b24
		grad[2] = abs(b20-b24) + abs(g21-g23) + abs(g10-g12) + abs(g12-g14) +
			abs(g30-g32) + abs(g32-g34) + abs(r11-r13) + abs(r31-r33)
		est[3] = b04 + b40
		grad[3] = abs(b04-b40) + abs(r13-r31) + abs(g03-g21) + abs(g14-g32) +
			abs(g12-g30) + abs(g23-g41) + abs(b02-b20) + abs(b24-b42)
	}
	buf.SetUint16(p.Row, p.Col, 0, uint16(consensus(est[:], grad[:])))
}

// consensus averages the pair estimates whose gradient is within 1.5x of the
// minimum. Each estimate is the sum of two pixels.
func consensus(est, grad []int) int {
	minGrad := grad[0]
	for _, g := range grad[1:] {
		minGrad = min(minGrad, g)
	}
	limit := minGrad * 3 / 2
	total, count := 0, 0
	for i, g := range grad {
		if g <= limit {
			total += est[i]
			count += 2
		}
	}
	return (total + count/2) / count
}

var (
	clusteredPixelRings = [][]Point{
		{{-1, 1}, {-1, -1}, {1, -1}, {1, 1}},
		{{-2, 0}, {2, 0}, {0, -2}, {0, 2}},
		{{-2, -2}, {-2, 2}, {2, -2}, {2, 2}},
	}
	clusteredRectRings = [][]Point{
		{{-1, 1}, {-1, -1}, {1, -1}, {1, 1}},
		{{-2, 0}, {2, 0}, {0, -2}, {0, 2}},
		{{-2, -2}, {-2, 2}, {2, -2}, {2, 2}},
		{{-1, -3}, {-3, -1}, {1, -3}, {3, -1}, {-1, 3}, {-3, 1}, {1, 3}, {3, 1}},
		{{-4, 0}, {4, 0}, {0, -4}, {0, 4}},
		{{-3, -3}, {-3, 3}, {3, -3}, {3, 3}},
		{{-2, -4}, {-4, -2}, {2, -4}, {4, -2}, {-2, 4}, {-4, 2}, {2, 4}, {4, 2}},
		{{-4, -4}, {-4, 4}, {4, -4}, {4, 4}},
	}
)

// ringAverage fills p from the first ring holding a valid neighbour. Rings
// whose offsets change the colour channel are skipped for red/blue sites.
func (op *FixBadPixelsList) ringAverage(buf *PixelBuffer, p Point, rings [][]Point, bounds Rect, searchIndex int) bool {
	green := isGreen(op.BayerPhase, p.Row, p.Col)
	for _, ring := range rings {
		if !green && ring[0].Row&1 == 1 {
			continue
		}
		total, count := 0, 0
		for _, off := range ring {
			q := p.Add(off)
			if op.List.IsPointValid(q, bounds, searchIndex) {
				total += int(buf.Uint16(q.Row, q.Col, 0))
				count++
			}
		}
		if count > 0 {
			buf.SetUint16(p.Row, p.Col, 0, uint16((total+count/2)/count))
			return true
		}
	}
	return false
}

func (op *FixBadPixelsList) fixClusteredPixel(buf *PixelBuffer, index int, bounds Rect) bool {
	return op.ringAverage(buf, op.List.Point(index), clusteredPixelRings, bounds, index)
}

// fixClusteredRect repairs area pixel by pixel and returns the number of
// pixels left unrepaired.
func (op *FixBadPixelsList) fixClusteredRect(buf *PixelBuffer, area, bounds Rect) int {
	failed := 0
	for row := area.Top; row < area.Bottom; row++ {
		for col := area.Left; col < area.Right; col++ {
			if !op.ringAverage(buf, Point{row, col}, clusteredRectRings, bounds, NoIndex) {
				failed++
			}
		}
	}
	return failed
}

// Single line repair offsets as {along, across} the defect line.
var (
	lineDirsGreen = [7]Point{{0, 2}, {1, 1}, {-1, 1}, {1, 3}, {-1, 3}, {3, 1}, {-3, 1}}
	lineDirsOther = [7]Point{{0, 2}, {2, 2}, {-2, 2}, {2, 4}, {-2, 4}, {4, 2}, {-4, 2}}

	lineClampGreen = [4]Point{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}}
	lineClampOther = [4]Point{{-2, -2}, {-2, 2}, {2, -2}, {2, 2}}
)

// fixSingleLine repairs a one pixel wide defect: a column, or a row when
// transpose is set. Each estimate pairs pixels on opposite sides of the line
// and the result is clamped to the four nearest same-channel pixels.
func (op *FixBadPixelsList) fixSingleLine(buf *PixelBuffer, area Rect, transpose bool) {
	for row := area.Top; row < area.Bottom; row++ {
		for col := area.Left; col < area.Right; col++ {
			buf.SetUint16(row, col, 0, uint16(op.lineEstimate(buf, Point{row, col}, transpose)))
		}
	}
}

func (op *FixBadPixelsList) lineEstimate(buf *PixelBuffer, p Point, transpose bool) int {
	at := func(along, across int) int {
		if transpose {
			return int(buf.Uint16(p.Row+across, p.Col+along, 0))
		}
		return int(buf.Uint16(p.Row+along, p.Col+across, 0))
	}
	dirs, clamp := lineDirsOther, lineClampOther
	if isGreen(op.BayerPhase, p.Row, p.Col) {
		dirs, clamp = lineDirsGreen, lineClampGreen
	}
	var est, grad [7]int
	for i, d := range dirs {
		// Parallel pairs one pixel away, shifted along the line unless that
		// would leave the 9x9 window.
		sAlong, sAcross := 1, 0
		if abs(d.Row) == 4 {
			sAlong, sAcross = 0, 1
		}
		a, b := at(d.Row, d.Col), at(-d.Row, -d.Col)
		est[i] = a + b
		grad[i] = abs(a-b) +
			abs(at(d.Row+sAlong, d.Col+sAcross)-at(-d.Row+sAlong, -d.Col+sAcross)) +
			abs(at(d.Row-sAlong, d.Col-sAcross)-at(-d.Row-sAlong, -d.Col-sAcross))
	}
	v := consensus(est[:], grad[:])
	lo, hi := at(clamp[0].Row, clamp[0].Col), at(clamp[0].Row, clamp[0].Col)
	for _, c := range clamp[1:] {
		x := at(c.Row, c.Col)
		lo, hi = min(lo, x), max(hi, x)
	}
	return min(max(v, lo), hi)
}
