package dng

import "fmt"

// Point is a (row, column) coordinate.
type Point struct {
	Row int
	Col int
}

func (p Point) Add(q Point) Point { return Point{p.Row + q.Row, p.Col + q.Col} }

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.Row, p.Col) }

// Rect is a half-open rectangle: rows [Top, Bottom), columns [Left, Right).
type Rect struct {
	Top    int
	Left   int
	Bottom int
	Right  int
}

// NewRect returns the rectangle with the given origin and size.
func NewRect(top, left, height, width int) Rect {
	return Rect{Top: top, Left: left, Bottom: top + height, Right: left + width}
}

func (r Rect) Height() int {
	if r.Bottom <= r.Top {
		return 0
	}
	return r.Bottom - r.Top
}

func (r Rect) Width() int {
	if r.Right <= r.Left {
		return 0
	}
	return r.Right - r.Left
}

func (r Rect) IsEmpty() bool { return r.Top >= r.Bottom || r.Left >= r.Right }

func (r Rect) NotEmpty() bool { return !r.IsEmpty() }

// Intersect returns r ∩ s, or the zero Rect when they do not overlap.
func (r Rect) Intersect(s Rect) Rect {
	out := Rect{
		Top:    max(r.Top, s.Top),
		Left:   max(r.Left, s.Left),
		Bottom: min(r.Bottom, s.Bottom),
		Right:  min(r.Right, s.Right),
	}
	if out.IsEmpty() {
		return Rect{}
	}
	return out
}

// Contains reports whether p lies inside r.
func (r Rect) Contains(p Point) bool {
	return p.Row >= r.Top && p.Row < r.Bottom && p.Col >= r.Left && p.Col < r.Right
}

// ContainsRect reports whether s lies entirely inside r.
func (r Rect) ContainsRect(s Rect) bool {
	return s.Top >= r.Top && s.Left >= r.Left && s.Bottom <= r.Bottom && s.Right <= r.Right
}

// Inflate grows r by n on every side.
func (r Rect) Inflate(n int) Rect {
	return Rect{Top: r.Top - n, Left: r.Left - n, Bottom: r.Bottom + n, Right: r.Right + n}
}

// Offset moves r by (dv, dh).
func (r Rect) Offset(dv, dh int) Rect {
	return Rect{Top: r.Top + dv, Left: r.Left + dh, Bottom: r.Bottom + dv, Right: r.Right + dh}
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", r.Top, r.Left, r.Bottom, r.Right)
}
