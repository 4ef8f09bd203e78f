package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"

	"dngpipe/internal/dng"
	"dngpipe/internal/fsutil"
	"dngpipe/internal/rawio"
)

// RepairRequest asks for opcode list 1 to be applied to a DNG's raw data.
type RepairRequest struct {
	Input  string
	Output string // defaults to <input>-repaired.dng
	Host   HostOptions
}

// RepairResult summarises a repair.
type RepairResult struct {
	Input   string              `json:"input"`
	Output  string              `json:"output"`
	Width   int                 `json:"width"`
	Height  int                 `json:"height"`
	Applied int                 `json:"opcodes_applied"`
	Reports []dng.RepairSummary `json:"reports"`
}

// Failed reports whether any opcode left pixels unrepaired.
func (r RepairResult) Failed() bool {
	for _, rep := range r.Reports {
		if rep.Failed() {
			return true
		}
	}
	return false
}

// Pixels returns the total pixels repaired and left unrepaired.
func (r RepairResult) Pixels() (repaired, failed int) {
	for _, rep := range r.Reports {
		repaired += rep.PixelsRepaired
		failed += rep.PixelsFailed
	}
	return repaired, failed
}

// Repair bakes opcode list 1 into the stage 1 image and writes a DNG whose
// list 1 is empty. Lists 2 and 3 are carried over unchanged.
func Repair(ctx context.Context, req RepairRequest) (RepairResult, error) {
	res := RepairResult{Input: req.Input, Output: req.Output}
	if res.Output == "" {
		res.Output = fsutil.SiblingPath(req.Input, "", "-repaired", ".dng")
	}
	if res.Output == req.Input {
		return res, errors.New("repair: output would overwrite the input")
	}

	h, n, ifd, err := loadNegative(ctx, req.Input, req.Host)
	if err != nil {
		return res, err
	}
	defer releaseNegative(n)

	list := n.OpcodeList1()
	res.Applied = list.Count()
	img, err := list.Apply(h, n, n.Stage1Image())
	n.SetStage1Image(img)
	if err != nil {
		return res, fmt.Errorf("repair %s: %w", req.Input, err)
	}
	res.Width, res.Height = img.Width(), img.Height()
	res.Reports = list.RepairReports()
	list.Clear()

	if err := writeNegative(res.Output, n, ifd, h); err != nil {
		return res, err
	}
	return res, nil
}

// loadNegative reads path into a negative on a fresh host.
func loadNegative(ctx context.Context, path string, opt HostOptions) (*dng.Host, *dng.Negative, *rawio.IFD, error) {
	h := NewHost(ctx, opt)
	data, err := readFile(opt.Logger, path)
	if err != nil {
		return nil, nil, nil, err
	}
	scratch := &rawio.Scratch{}
	defer scratch.Release()
	n, ifd, err := rawio.ReadNegative(h, data, scratch)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return h, n, ifd, nil
}

func releaseNegative(n *dng.Negative) {
	for _, img := range []*dng.Image{n.Stage1Image(), n.Stage2Image(), n.Stage3Image()} {
		if img != nil {
			img.Release()
		}
	}
}

// writeNegative writes n to path, keeping the source's compression and tile
// size where the writer supports them.
func writeNegative(path string, n *dng.Negative, src *rawio.IFD, h *dng.Host) error {
	opt := rawio.WriteOptions{Software: "dngpipe", DNGVersion: h.SaveDNGVersion}
	if src != nil && src.Compression == rawio.CompressionJPEG {
		opt.Compression = rawio.CompressionJPEG
		if src.UsesTiles {
			opt.TileSize = src.TileWidth
		}
	}
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return rawio.WriteDNG(w, n, opt)
	})
}
