package dng

import (
	"fmt"

	"dngpipe/internal/stream"
)

const constantPadding = 2

// isGreen reports whether (row, col) is a green site for the Bayer phase.
// Phase 0 puts red at (0,0), 1 green-red, 2 green-blue, 3 blue.
func isGreen(phase uint32, row, col int) bool {
	return (row+col+int(phase)+int(phase>>1))&1 == 1
}

// FixBadPixelsConstant replaces every pixel equal to Constant with the mean
// of its valid same-channel neighbours.
type FixBadPixelsConstant struct {
	OpcodeBase
	Constant   uint32
	BayerPhase uint32

	report RepairReport
}

func NewFixBadPixelsConstant(constant, bayerPhase uint32) *FixBadPixelsConstant {
	return &FixBadPixelsConstant{
		OpcodeBase: NewOpcodeBase(OpcodeFixBadPixelsConstant, Version1_3, 0),
		Constant:   constant,
		BayerPhase: bayerPhase,
	}
}

func parseFixBadPixelsConstant(s *stream.Stream) (*FixBadPixelsConstant, error) {
	base, err := ReadOpcodeBase(OpcodeFixBadPixelsConstant, s)
	if err != nil {
		return nil, err
	}
	if _, err := readPayloadSize(base.id, s, func(n uint32) bool { return n == 8 }); err != nil {
		return nil, err
	}
	op := &FixBadPixelsConstant{OpcodeBase: base}
	op.Constant = s.Uint32()
	op.BayerPhase = s.Uint32()
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrBadFormat, base.id, err)
	}
	return op, nil
}

func (op *FixBadPixelsConstant) PutData(s *stream.Stream) {
	s.PutUint32(8)
	s.PutUint32(op.Constant)
	s.PutUint32(op.BayerPhase)
}

func (op *FixBadPixelsConstant) Report() RepairSummary { return op.report.Summary() }

func (op *FixBadPixelsConstant) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return applyFilter(h, n, op, img)
}

func (op *FixBadPixelsConstant) BufferPixelType(t PixelType) (PixelType, error) {
	if t != PixelUint16 {
		return 0, badFormat("%v requires uint16 pixels, got %v", op.id, t)
	}
	return PixelUint16, nil
}

func (op *FixBadPixelsConstant) ModifiedBounds(imageBounds Rect) Rect { return imageBounds }

func (op *FixBadPixelsConstant) SrcRepeat() Point { return Point{2, 2} }

func (op *FixBadPixelsConstant) SrcArea(dstArea, imageBounds Rect) Rect {
	return dstArea.Inflate(constantPadding)
}

func (op *FixBadPixelsConstant) Prepare(h *Host, n *Negative, planes int, bounds Rect) error {
	if planes != 1 {
		return badFormat("%v requires a single plane, got %d", op.id, planes)
	}
	op.report.reset(op.id, op.stage)
	return nil
}

func (op *FixBadPixelsConstant) ProcessArea(src, dst *PixelBuffer, dstArea, imageBounds Rect) {
	dst.CopyArea(src, dstArea, 0, 0, dst.Planes)
	// No uint16 sample can hold a larger constant.
	if op.Constant > 0xFFFF {
		return
	}
	bad := uint16(op.Constant)
	fixed, failed := 0, 0
	for row := dstArea.Top; row < dstArea.Bottom; row++ {
		for col := dstArea.Left; col < dstArea.Right; col++ {
			if src.Uint16(row, col, 0) != bad {
				continue
			}
			var neighbours [4]Point
			if isGreen(op.BayerPhase, row, col) {
				neighbours = [4]Point{{row - 1, col - 1}, {row - 1, col + 1}, {row + 1, col - 1}, {row + 1, col + 1}}
			} else {
				neighbours = [4]Point{{row - 2, col}, {row + 2, col}, {row, col - 2}, {row, col + 2}}
			}
			total, count := 0, 0
			for _, p := range neighbours {
				if v := src.Uint16(p.Row, p.Col, 0); v != bad {
					total += int(v)
					count++
				}
			}
			switch {
			case count == 4:
				dst.SetUint16(row, col, 0, uint16((total+2)>>2))
			case count > 0:
				dst.SetUint16(row, col, 0, uint16((total+count/2)/count))
			default:
				failed++
				continue
			}
			fixed++
		}
	}
	op.report.repaired(fixed)
	op.report.failed(failed)
}
