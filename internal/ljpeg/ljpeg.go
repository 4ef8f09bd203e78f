// Package ljpeg implements the lossless (SOF3, Huffman) JPEG process used for
// DNG raw tiles: a row-streaming decoder and a matching encoder.
package ljpeg

import "errors"

var (
	ErrNoJPEG      = errors.New("ljpeg: not a JPEG stream")
	ErrSyntax      = errors.New("ljpeg: syntax error")
	ErrUnsupported = errors.New("ljpeg: unsupported stream")

	// ErrLossy is returned for baseline or extended DCT frames, which callers
	// hand to a lossy decoder instead.
	ErrLossy = errors.New("ljpeg: lossy frame")

	// ErrOverrun is returned when the entropy data ends before every sample
	// has been decoded.
	ErrOverrun = errors.New("ljpeg: entropy data overrun")
)

const (
	markerSOF0 = 0xC0
	markerSOF1 = 0xC1
	markerSOF2 = 0xC2
	markerSOF3 = 0xC3
	markerDHT  = 0xC4
	markerRST0 = 0xD0
	markerRST7 = 0xD7
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerDRI  = 0xDD
)

const maxComponents = 4

// Frame describes a lossless scan.
type Frame struct {
	Precision       int // bits per sample, 2 to 16
	Width           int // samples per line per component
	Height          int
	Components      int
	Predictor       int // 1 to 7
	PointTransform  int
	RestartInterval int // in samples (MCUs), 0 for none
}

// RowFunc receives each decoded line with components interleaved. The slice
// is reused for the next line.
type RowFunc func(row int, samples []uint16) error

// predictor tracks the position of the current restart interval, which
// changes how the first line and first column are predicted.
type predictor struct {
	sel        int
	initial    int
	startRow   int
	startCol   int
	components int
}

func newPredictor(f Frame) predictor {
	return predictor{
		sel:        f.Predictor,
		initial:    1 << (f.Precision - f.PointTransform - 1),
		components: f.Components,
	}
}

func (p *predictor) restart(row, col int) { p.startRow, p.startCol = row, col }

// predict returns the prediction for sample i (interleaved index) of row,
// given the current line so far and the previous line.
func (p *predictor) predict(row, col, i int, cur, prev []int) int {
	switch {
	case row == p.startRow && col == p.startCol:
		return p.initial
	case row == p.startRow:
		return cur[i-p.components]
	case col == 0:
		return prev[i]
	}
	ra := cur[i-p.components]
	rb := prev[i]
	rc := prev[i-p.components]
	switch p.sel {
	case 1:
		return ra
	case 2:
		return rb
	case 3:
		return rc
	case 4:
		return ra + rb - rc
	case 5:
		return ra + ((rb - rc) >> 1)
	case 6:
		return rb + ((ra - rc) >> 1)
	default:
		return (ra + rb) >> 1
	}
}
