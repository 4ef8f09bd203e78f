package dng

import (
	"errors"
	"fmt"
)

// BuildStage2Image applies opcode list 1 to the stage 1 image, linearizes the
// active area to uint16 and applies opcode list 2.
func (n *Negative) BuildStage2Image(h *Host) error {
	if n.stage1 == nil {
		return errors.New("negative: no stage 1 image")
	}
	img, err := n.lists[0].Apply(h, n, n.stage1)
	n.stage1 = img
	if err != nil {
		return err
	}

	area := n.Linearization.ActiveArea
	if area.IsEmpty() {
		area = img.Bounds()
	}
	if !img.Bounds().ContainsRect(area) {
		return badFormat("active area %v outside stage 1 image %v", area, img.Bounds())
	}
	stage2, err := h.NewImage(NewRect(0, 0, area.Height(), area.Width()), img.Planes(), PixelUint16)
	if err != nil {
		return fmt.Errorf("stage 2: %w", err)
	}
	task := &linearizeTask{info: &n.Linearization, src: img, dst: stage2, origin: Point{area.Top, area.Left}}
	if err := h.PerformAreaTask(task, stage2.Bounds()); err != nil {
		stage2.Release()
		return fmt.Errorf("linearize: %w", err)
	}

	stage2, err = n.lists[1].Apply(h, n, stage2)
	n.stage2 = stage2
	if err != nil {
		return err
	}
	if !h.KeepStage1 {
		n.stage1.Release()
		n.stage1 = nil
	}
	return nil
}

type linearizeTask struct {
	info   *LinearizationInfo
	src    *Image
	dst    *Image
	origin Point
}

func (t *linearizeTask) Start(threads int, tile Point) error { return nil }

func (t *linearizeTask) Finish(threads int) error { return nil }

func (t *linearizeTask) MaxThreads() int { return 0 }

func (t *linearizeTask) Process(thread int, tile Rect) error {
	src, dst := t.src.Buffer(), t.dst.Buffer()
	planes := t.dst.Planes()
	table := t.info.Table
	for row := tile.Top; row < tile.Bottom; row++ {
		for col := tile.Left; col < tile.Right; col++ {
			for p := 0; p < planes; p++ {
				x := src.Sample(row+t.origin.Row, col+t.origin.Col, p)
				if len(table) > 0 {
					x = float64(table[min(int(x), len(table)-1)])
				}
				black := t.info.black(row, col, p, planes)
				white := t.info.white(p, src.Type)
				y := 0.0
				if white > black {
					y = (x - black) / (white - black)
				}
				dst.SetSample(row, col, p, y*65535)
			}
		}
	}
	return nil
}

// BuildStage3Image demosaics colour filter array data into three planes, or
// copies non-CFA data, then applies opcode list 3.
func (n *Negative) BuildStage3Image(h *Host) error {
	if n.stage2 == nil {
		return errors.New("negative: no stage 2 image")
	}
	src := n.stage2
	var stage3 *Image
	if n.Mosaic.IsColorFilterArray() && src.Planes() == 1 {
		var err error
		stage3, err = h.NewImage(src.Bounds(), 3, src.PixelType())
		if err != nil {
			return fmt.Errorf("stage 3: %w", err)
		}
		task := &demosaicTask{mosaic: n.Mosaic, src: src, dst: stage3}
		if err := h.PerformAreaTask(task, stage3.Bounds()); err != nil {
			stage3.Release()
			return fmt.Errorf("demosaic: %w", err)
		}
	} else {
		var err error
		stage3, err = h.NewImage(src.Bounds(), src.Planes(), src.PixelType())
		if err != nil {
			return fmt.Errorf("stage 3: %w", err)
		}
		stage3.Put(src.Buffer())
	}

	stage3, err := n.lists[2].Apply(h, n, stage3)
	n.stage3 = stage3
	if err != nil {
		return err
	}
	if !h.KeepStage2 {
		n.stage2.Release()
		n.stage2 = nil
	}
	return nil
}

// demosaicTask fills each colour plane by averaging the same-colour sites in
// the 3x3 neighbourhood, keeping measured values where present.
type demosaicTask struct {
	mosaic *MosaicInfo
	src    *Image
	dst    *Image
}

func (t *demosaicTask) Start(threads int, tile Point) error { return nil }

func (t *demosaicTask) Finish(threads int) error { return nil }

func (t *demosaicTask) MaxThreads() int { return 0 }

func (t *demosaicTask) Process(thread int, tile Rect) error {
	src, dst := t.src.Buffer(), t.dst.Buffer()
	bounds := t.src.Bounds()
	for row := tile.Top; row < tile.Bottom; row++ {
		for col := tile.Left; col < tile.Right; col++ {
			own := t.mosaic.Color(row, col)
			var sum [3]float64
			var cnt [3]int
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					q := Point{row + dr, col + dc}
					if !bounds.Contains(q) {
						continue
					}
					c := t.mosaic.Color(q.Row, q.Col)
					if c > ColorBlue {
						continue
					}
					sum[c] += src.Sample(q.Row, q.Col, 0)
					cnt[c]++
				}
			}
			for c := uint8(0); c < 3; c++ {
				switch {
				case c == own:
					dst.SetSample(row, col, int(c), src.Sample(row, col, 0))
				case cnt[c] > 0:
					dst.SetSample(row, col, int(c), sum[c]/float64(cnt[c]))
				default:
					dst.SetSample(row, col, int(c), 0)
				}
			}
		}
	}
	return nil
}
