package dng

import (
	"cmp"
	"slices"
)

// NoIndex tells IsPointValid to skip the point list and check rectangles only.
const NoIndex = -1

// BadPixelList holds defective points and rectangles. Call Sort before any
// query; the queries rely on row ordering to stop scanning early.
type BadPixelList struct {
	points []Point
	rects  []Rect
}

func NewBadPixelList() *BadPixelList { return &BadPixelList{} }

func (l *BadPixelList) AddPoint(p Point) { l.points = append(l.points, p) }

func (l *BadPixelList) AddRect(r Rect) { l.rects = append(l.rects, r) }

func (l *BadPixelList) PointCount() int { return len(l.points) }

func (l *BadPixelList) RectCount() int { return len(l.rects) }

func (l *BadPixelList) IsEmpty() bool { return len(l.points) == 0 && len(l.rects) == 0 }

func (l *BadPixelList) Point(i int) Point { return l.points[i] }

func (l *BadPixelList) Rect(i int) Rect { return l.rects[i] }

// Points returns a copy of the point list.
func (l *BadPixelList) Points() []Point { return slices.Clone(l.points) }

// Rects returns a copy of the rectangle list.
func (l *BadPixelList) Rects() []Rect { return slices.Clone(l.rects) }

// Sort orders points by (row, col) and rects by (top, left, bottom, right).
func (l *BadPixelList) Sort() {
	slices.SortFunc(l.points, comparePoints)
	slices.SortFunc(l.rects, compareRects)
}

// IsSorted reports whether both lists are in Sort order.
func (l *BadPixelList) IsSorted() bool {
	return slices.IsSortedFunc(l.points, comparePoints) && slices.IsSortedFunc(l.rects, compareRects)
}

func comparePoints(a, b Point) int {
	if c := cmp.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	return cmp.Compare(a.Col, b.Col)
}

func compareRects(a, b Rect) int {
	if c := cmp.Compare(a.Top, b.Top); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Left, b.Left); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Bottom, b.Bottom); c != 0 {
		return c
	}
	return cmp.Compare(a.Right, b.Right)
}

// Padding is the source border the list repair needs around a tile.
func (l *BadPixelList) Padding() int {
	pad := 0
	if len(l.points) > 0 {
		pad += badPointPadding
	}
	if len(l.rects) > 0 {
		pad += badRectPadding
	}
	return pad
}

// IsPointIsolated reports whether no other point and no rectangle lies
// within radius of point index.
func (l *BadPixelList) IsPointIsolated(index, radius int) bool {
	pt := l.points[index]
	for j := index - 1; j >= 0; j-- {
		q := l.points[j]
		if q.Row < pt.Row-radius {
			break
		}
		if abs(q.Col-pt.Col) <= radius {
			return false
		}
	}
	for k := index + 1; k < len(l.points); k++ {
		q := l.points[k]
		if q.Row > pt.Row+radius {
			break
		}
		if abs(q.Col-pt.Col) <= radius {
			return false
		}
	}
	test := Rect{Top: pt.Row, Left: pt.Col, Bottom: pt.Row + 1, Right: pt.Col + 1}.Inflate(radius)
	for _, r := range l.rects {
		if test.Intersect(r).NotEmpty() {
			return false
		}
	}
	return true
}

// IsRectIsolated reports whether no other rectangle intersects rect index
// grown by radius.
func (l *BadPixelList) IsRectIsolated(index, radius int) bool {
	test := l.rects[index].Inflate(radius)
	for n, r := range l.rects {
		if n != index && test.Intersect(r).NotEmpty() {
			return false
		}
	}
	return true
}

// IsPointValid reports whether p is inside bounds and not itself defective.
// The point list is scanned around searchIndex; NoIndex skips it.
func (l *BadPixelList) IsPointValid(p Point, bounds Rect, searchIndex int) bool {
	if !bounds.Contains(p) {
		return false
	}
	if searchIndex != NoIndex {
		for j := searchIndex; j >= 0; j-- {
			q := l.points[j]
			if q.Row < p.Row {
				break
			}
			if q == p {
				return false
			}
		}
		for k := searchIndex + 1; k < len(l.points); k++ {
			q := l.points[k]
			if q.Row > p.Row {
				break
			}
			if q == p {
				return false
			}
		}
	}
	for _, r := range l.rects {
		if r.Contains(p) {
			return false
		}
	}
	return true
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
