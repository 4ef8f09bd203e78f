package tasks

import (
	"context"
	"errors"
	"fmt"

	"dngpipe/internal/dng"
	"dngpipe/internal/fsutil"
)

// MarkRequest appends bad pixel opcodes to a DNG's opcode list 1.
type MarkRequest struct {
	Input  string
	Output string // defaults to <input>-marked.dng
	Points []dng.Point
	Rects  []dng.Rect

	// Sentinel, when set, adds every pixel of the active area holding this
	// value as a bad point. With AsConstant the sentinel is encoded as a
	// FixBadPixelsConstant opcode instead.
	Sentinel   *uint32
	AsConstant bool

	Host HostOptions
}

// MarkResult reports what was added.
type MarkResult struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	Points     int    `json:"points"`
	Rects      int    `json:"rects"`
	Detected   int    `json:"detected"`
	Constant   bool   `json:"constant"`
	BayerPhase uint32 `json:"bayer_phase"`
}

// maxDetected caps the points sentinel detection may add.
const maxDetected = 1 << 16

// Mark builds a bad pixel list for the raw image and writes a copy of the DNG
// carrying it in opcode list 1.
func Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	res := MarkResult{Input: req.Input, Output: req.Output}
	if res.Output == "" {
		res.Output = fsutil.SiblingPath(req.Input, "", "-marked", ".dng")
	}
	if res.Output == req.Input {
		return res, errors.New("mark: output would overwrite the input")
	}
	if len(req.Points) == 0 && len(req.Rects) == 0 && req.Sentinel == nil {
		return res, errors.New("mark: nothing to mark")
	}

	h, n, ifd, err := loadNegative(ctx, req.Input, req.Host)
	if err != nil {
		return res, err
	}
	defer releaseNegative(n)

	phase, ok := n.Mosaic.BayerPhase()
	if !ok {
		return res, fmt.Errorf("mark %s: %w: bad pixel opcodes need a 2x2 Bayer mosaic", req.Input, dng.ErrBadFormat)
	}
	res.BayerPhase = phase
	bounds := n.Stage1Image().Bounds()

	list := dng.NewBadPixelList()
	for _, p := range req.Points {
		if !bounds.Contains(p) {
			return res, fmt.Errorf("mark: point %v outside image %v", p, bounds)
		}
		list.AddPoint(p)
	}
	for _, r := range req.Rects {
		if r.IsEmpty() || !bounds.ContainsRect(r) {
			return res, fmt.Errorf("mark: rect %v empty or outside image %v", r, bounds)
		}
		list.AddRect(r)
	}

	if req.Sentinel != nil {
		if req.AsConstant {
			n.OpcodeList1().Append(dng.NewFixBadPixelsConstant(*req.Sentinel, phase))
			res.Constant = true
		} else {
			area := n.Linearization.ActiveArea
			if area.IsEmpty() {
				area = bounds
			}
			found, err := detectSentinel(n.Stage1Image(), area, *req.Sentinel)
			if err != nil {
				return res, err
			}
			for _, p := range found {
				list.AddPoint(p)
			}
			res.Detected = len(found)
		}
	}

	if !list.IsEmpty() {
		res.Points, res.Rects = list.PointCount(), list.RectCount()
		n.OpcodeList1().Append(dng.NewFixBadPixelsList(list, phase))
	}
	if err := n.Validate(); err != nil {
		return res, err
	}
	if err := writeNegative(res.Output, n, ifd, h); err != nil {
		return res, err
	}
	return res, nil
}

// detectSentinel returns the points of area in plane 0 equal to value.
func detectSentinel(img *dng.Image, area dng.Rect, value uint32) ([]dng.Point, error) {
	buf := img.Buffer()
	var found []dng.Point
	for row := area.Top; row < area.Bottom; row++ {
		for col := area.Left; col < area.Right; col++ {
			if buf.Sample(row, col, 0) != float64(value) {
				continue
			}
			if len(found) == maxDetected {
				return nil, fmt.Errorf("mark: more than %d pixels equal %d", maxDetected, value)
			}
			found = append(found, dng.Point{Row: row, Col: col})
		}
	}
	return found, nil
}
