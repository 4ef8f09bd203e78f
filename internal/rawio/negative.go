package rawio

import (
	"fmt"

	"dngpipe/internal/dng"
)

// ReadNegative parses data, reads the raw IFD into a stage 1 image and loads
// its mosaic, linearization and opcode list metadata.
func ReadNegative(h *dng.Host, data []byte, scratch *Scratch) (*dng.Negative, *IFD, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	ifd, err := f.RawIFD()
	if err != nil {
		return nil, nil, err
	}
	if !CanRead(ifd) {
		return nil, ifd, fmt.Errorf("%w: cannot read raw IFD (compression %d, %v bits, predictor %d)",
			dng.ErrBadFormat, ifd.Compression, ifd.BitsPerSample, ifd.Predictor)
	}

	n := dng.NewNegative()
	n.Model = ifd.Model
	if ifd.Photometric == PhotometricCFA && ifd.CFARepeat.Row > 0 && ifd.CFARepeat.Col > 0 &&
		len(ifd.CFAPattern) == ifd.CFARepeat.Row*ifd.CFARepeat.Col {
		n.Mosaic = &dng.MosaicInfo{PatternSize: ifd.CFARepeat, Pattern: append([]uint8(nil), ifd.CFAPattern...)}
	}
	n.Linearization = dng.LinearizationInfo{
		ActiveArea:  ifd.ActiveArea,
		Table:       ifd.LinearizationTable,
		BlackRepeat: ifd.BlackRepeat,
		BlackLevel:  ifd.BlackLevel,
		BlackDeltaH: ifd.BlackDeltaH,
		BlackDeltaV: ifd.BlackDeltaV,
		WhiteLevel:  ifd.WhiteLevel,
	}
	if err := ReadOpcodeLists(h, f, ifd, n); err != nil {
		return nil, ifd, err
	}

	img, err := h.NewImage(ifd.Bounds(), ifd.SamplesPerPixel, ifd.PixelType())
	if err != nil {
		return nil, ifd, err
	}
	if err := ReadImage(h, f, ifd, img, scratch); err != nil {
		img.Release()
		return nil, ifd, err
	}
	n.SetStage1Image(img)
	if err := n.Validate(); err != nil {
		img.Release()
		return nil, ifd, err
	}
	return n, ifd, nil
}

// ReadOpcodeLists parses the opcode list tags of ifd into n.
func ReadOpcodeLists(h *dng.Host, f *File, ifd *IFD, n *dng.Negative) error {
	s := f.Stream()
	for i, loc := range ifd.OpcodeLists {
		if loc.Count == 0 {
			continue
		}
		if err := n.OpcodeList(i+1).Parse(h, s, loc.Count, loc.Offset); err != nil {
			return err
		}
	}
	return nil
}
