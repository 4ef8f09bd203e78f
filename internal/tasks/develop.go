package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"

	"dngpipe/internal/dng"
	"dngpipe/internal/fsutil"
	"dngpipe/internal/preview"
)

// DevelopRequest runs a DNG through all three stages and exports the result.
type DevelopRequest struct {
	Input       string
	OutputDir   string // defaults to the input's directory
	TIFF        bool
	JPEG        bool
	Quality     int
	PreviewSize int // longer JPEG edge; zero keeps full size
	Gamma       bool
	Host        HostOptions
}

// DevelopResult lists what a develop job produced.
type DevelopResult struct {
	Input   string              `json:"input"`
	Outputs []string            `json:"outputs"`
	Width   int                 `json:"width"`
	Height  int                 `json:"height"`
	Planes  int                 `json:"planes"`
	Opcodes [3]int              `json:"opcodes"`
	Reports []dng.RepairSummary `json:"reports,omitempty"`
}

// Develop builds the stage 2 and stage 3 images and writes a 16-bit TIFF
// and/or a JPEG preview of stage 3.
func Develop(ctx context.Context, req DevelopRequest) (DevelopResult, error) {
	res := DevelopResult{Input: req.Input}
	if !req.TIFF && !req.JPEG {
		return res, errors.New("develop: no output format selected")
	}

	h, n, _, err := loadNegative(ctx, req.Input, req.Host)
	if err != nil {
		return res, err
	}
	defer releaseNegative(n)
	for stage := 1; stage <= 3; stage++ {
		res.Opcodes[stage-1] = n.OpcodeList(stage).Count()
	}

	if err := n.BuildStage2Image(h); err != nil {
		return res, fmt.Errorf("develop %s: %w", req.Input, err)
	}
	if err := n.BuildStage3Image(h); err != nil {
		return res, fmt.Errorf("develop %s: %w", req.Input, err)
	}
	res.Reports = n.RepairReports()

	stage3 := n.Stage3Image()
	res.Width, res.Height, res.Planes = stage3.Width(), stage3.Height(), stage3.Planes()
	m, err := preview.ToImage(stage3, preview.Options{Gamma: req.Gamma})
	if err != nil {
		return res, err
	}

	if req.TIFF {
		out := fsutil.SiblingPath(req.Input, req.OutputDir, "", ".tif")
		if err := fsutil.WriteAtomic(out, func(w io.Writer) error { return preview.WriteTIFF(w, m) }); err != nil {
			return res, fmt.Errorf("develop: %w", err)
		}
		res.Outputs = append(res.Outputs, out)
	}
	if req.JPEG {
		out := fsutil.SiblingPath(req.Input, req.OutputDir, "", ".jpg")
		if err := preview.WriteJPEG(out, preview.Scale(m, req.PreviewSize), req.Quality); err != nil {
			return res, fmt.Errorf("develop: %w", err)
		}
		res.Outputs = append(res.Outputs, out)
	}
	return res, nil
}
