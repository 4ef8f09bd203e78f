package dng

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// CFA colour indices as stored in the CFAPattern tag.
const (
	ColorRed   uint8 = 0
	ColorGreen uint8 = 1
	ColorBlue  uint8 = 2
)

// MosaicInfo describes the colour filter array of a stage 1 image.
type MosaicInfo struct {
	PatternSize Point   // rows, cols
	Pattern     []uint8 // row-major colour index per site
}

// NewBayerMosaic returns the 2x2 pattern for a Bayer phase.
func NewBayerMosaic(phase uint32) *MosaicInfo {
	patterns := [4][]uint8{
		{ColorRed, ColorGreen, ColorGreen, ColorBlue},
		{ColorGreen, ColorRed, ColorBlue, ColorGreen},
		{ColorGreen, ColorBlue, ColorRed, ColorGreen},
		{ColorBlue, ColorGreen, ColorGreen, ColorRed},
	}
	return &MosaicInfo{PatternSize: Point{2, 2}, Pattern: append([]uint8(nil), patterns[phase&3]...)}
}

// IsColorFilterArray reports whether a usable pattern is present.
func (m *MosaicInfo) IsColorFilterArray() bool {
	return m != nil && m.PatternSize.Row > 0 && m.PatternSize.Col > 0 &&
		len(m.Pattern) == m.PatternSize.Row*m.PatternSize.Col
}

// Color returns the filter colour at an image position.
func (m *MosaicInfo) Color(row, col int) uint8 {
	r := mod(row, m.PatternSize.Row)
	c := mod(col, m.PatternSize.Col)
	return m.Pattern[r*m.PatternSize.Col+c]
}

// BayerPhase returns the phase of a 2x2 RGGB-family pattern.
func (m *MosaicInfo) BayerPhase() (uint32, bool) {
	if !m.IsColorFilterArray() || m.PatternSize != (Point{2, 2}) {
		return 0, false
	}
	for phase := uint32(0); phase < 4; phase++ {
		if string(NewBayerMosaic(phase).Pattern) == string(m.Pattern) {
			return phase, true
		}
	}
	return 0, false
}

// LinearizationInfo maps raw stage 1 values to linear stage 2 values.
type LinearizationInfo struct {
	ActiveArea Rect
	Table      []uint16

	// BlackLevel holds BlackRepeat.Row*BlackRepeat.Col*planes values, indexed
	// (row*repeatCols + col)*planes + plane.
	BlackRepeat Point
	BlackLevel  []float64
	BlackDeltaV []float64 // per active-area row
	BlackDeltaH []float64 // per active-area column

	WhiteLevel []float64 // per plane
}

func (li *LinearizationInfo) black(row, col, plane, planes int) float64 {
	var b float64
	if len(li.BlackLevel) > 0 {
		rr, rc := max(li.BlackRepeat.Row, 1), max(li.BlackRepeat.Col, 1)
		b = li.BlackLevel[((row%rr)*rc+col%rc)*planes+plane]
	}
	if row < len(li.BlackDeltaV) {
		b += li.BlackDeltaV[row]
	}
	if col < len(li.BlackDeltaH) {
		b += li.BlackDeltaH[col]
	}
	return b
}

func (li *LinearizationInfo) white(plane int, t PixelType) float64 {
	if plane < len(li.WhiteLevel) {
		return li.WhiteLevel[plane]
	}
	if li.Table != nil {
		return 65535
	}
	return t.Range()
}

// Negative holds the staged images of one raw file and the metadata the
// opcodes need.
type Negative struct {
	Model         string
	Mosaic        *MosaicInfo
	Linearization LinearizationInfo

	lists  [3]*OpcodeList
	stage1 *Image
	stage2 *Image
	stage3 *Image

	isPreview atomic.Bool
	isDamaged atomic.Bool
}

func NewNegative() *Negative {
	return &Negative{lists: [3]*OpcodeList{NewOpcodeList(1), NewOpcodeList(2), NewOpcodeList(3)}}
}

func (n *Negative) OpcodeList1() *OpcodeList { return n.lists[0] }

func (n *Negative) OpcodeList2() *OpcodeList { return n.lists[1] }

func (n *Negative) OpcodeList3() *OpcodeList { return n.lists[2] }

// OpcodeList returns the list for stage 1, 2 or 3.
func (n *Negative) OpcodeList(stage int) *OpcodeList { return n.lists[stage-1] }

func (n *Negative) SetStage1Image(img *Image) { n.stage1 = img }

func (n *Negative) Stage1Image() *Image { return n.stage1 }

func (n *Negative) Stage2Image() *Image { return n.stage2 }

func (n *Negative) Stage3Image() *Image { return n.stage3 }

func (n *Negative) SetIsPreview(v bool) { n.isPreview.Store(v) }

func (n *Negative) IsPreview() bool { return n.isPreview.Load() }

func (n *Negative) SetIsDamaged(v bool) { n.isDamaged.Store(v) }

func (n *Negative) IsDamaged() bool { return n.isDamaged.Load() }

// ColorChannels is 3 for colour filter arrays and the stage 1 plane count
// otherwise.
func (n *Negative) ColorChannels() int {
	if n.Mosaic.IsColorFilterArray() {
		seen := map[uint8]bool{}
		for _, c := range n.Mosaic.Pattern {
			seen[c] = true
		}
		return len(seen)
	}
	if n.stage1 != nil {
		return n.stage1.Planes()
	}
	return 1
}

// RepairReports gathers the bad pixel reports of all three lists.
func (n *Negative) RepairReports() []RepairSummary {
	var out []RepairSummary
	for _, l := range n.lists {
		out = append(out, l.RepairReports()...)
	}
	return out
}

// Validate checks the negative's metadata against its opcodes and image.
func (n *Negative) Validate() error {
	var errs []error
	phase, bayer := n.Mosaic.BayerPhase()
	for _, l := range n.lists {
		for i, op := range l.ops {
			var opPhase uint32
			switch o := op.(type) {
			case *FixBadPixelsConstant:
				opPhase = o.BayerPhase
			case *FixBadPixelsList:
				opPhase = o.BayerPhase
			default:
				continue
			}
			if opPhase > 3 {
				errs = append(errs, badFormat("stage %d opcode %d: bayer phase %d", l.stage, i, opPhase))
			} else if bayer && opPhase != phase {
				errs = append(errs, badFormat("stage %d opcode %d: bayer phase %d, mosaic phase %d", l.stage, i, opPhase, phase))
			}
		}
	}
	if n.stage1 != nil {
		planes := n.stage1.Planes()
		li := &n.Linearization
		if len(li.WhiteLevel) > 0 && len(li.WhiteLevel) != planes {
			errs = append(errs, badFormat("%d white levels for %d planes", len(li.WhiteLevel), planes))
		}
		rr, rc := max(li.BlackRepeat.Row, 1), max(li.BlackRepeat.Col, 1)
		if len(li.BlackLevel) > 0 && len(li.BlackLevel) != rr*rc*planes {
			errs = append(errs, badFormat("%d black levels for a %dx%d repeat of %d planes", len(li.BlackLevel), rr, rc, planes))
		}
		if !li.ActiveArea.IsEmpty() && !n.stage1.Bounds().ContainsRect(li.ActiveArea) {
			errs = append(errs, badFormat("active area %v outside image %v", li.ActiveArea, n.stage1.Bounds()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("negative: %w", errors.Join(errs...))
	}
	return nil
}
