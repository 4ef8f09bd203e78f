package tasks

import (
	"fmt"
	"strconv"
	"strings"

	"dngpipe/internal/dng"
)

// ParsePoint parses "row,col".
func ParsePoint(s string) (dng.Point, error) {
	v, err := parseInts(s, 2)
	if err != nil {
		return dng.Point{}, fmt.Errorf("point %q: %w", s, err)
	}
	return dng.Point{Row: v[0], Col: v[1]}, nil
}

// ParseRect parses "top,left,bottom,right" with exclusive bottom and right.
func ParseRect(s string) (dng.Rect, error) {
	v, err := parseInts(s, 4)
	if err != nil {
		return dng.Rect{}, fmt.Errorf("rect %q: %w", s, err)
	}
	r := dng.Rect{Top: v[0], Left: v[1], Bottom: v[2], Right: v[3]}
	if r.IsEmpty() {
		return dng.Rect{}, fmt.Errorf("rect %q is empty", s)
	}
	return r, nil
}

func parseInts(s string, n int) ([]int, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("want %d comma separated integers", n)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("negative coordinate %d", v)
		}
		out[i] = v
	}
	return out, nil
}
