package tasks

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"dngpipe/internal/dng"
	"dngpipe/internal/rawio"
	"dngpipe/internal/stream"
)

// OpcodeInfo describes one opcode of a list without applying it.
type OpcodeInfo struct {
	Stage         int    `json:"stage"`
	Index         int    `json:"index"`
	ID            uint32 `json:"id"`
	Name          string `json:"name"`
	MinVersion    string `json:"min_version"`
	Optional      bool   `json:"optional"`
	SkipIfPreview bool   `json:"skip_if_preview"`
	PayloadBytes  int    `json:"payload_bytes"`
	Detail        string `json:"detail,omitempty"`
}

// InspectResult is the metadata of a DNG's raw IFD and its opcode lists.
type InspectResult struct {
	Path          string          `json:"path"`
	Size          int64           `json:"size"`
	SizeHuman     string          `json:"size_human"`
	Model         string          `json:"model,omitempty"`
	DNGVersion    string          `json:"dng_version,omitempty"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Planes        int             `json:"planes"`
	BitsPerSample []int           `json:"bits_per_sample"`
	Compression   int             `json:"compression"`
	Tiled         bool            `json:"tiled"`
	CFA           bool            `json:"cfa"`
	BayerPhase    *uint32         `json:"bayer_phase,omitempty"`
	ActiveArea    dng.Rect        `json:"active_area"`
	Readable      bool            `json:"readable"`
	MinVersion    string          `json:"min_reader_version"`
	Lists         [3][]OpcodeInfo `json:"opcode_lists"`
}

// OpcodeCount returns the number of opcodes across all lists.
func (r InspectResult) OpcodeCount() int {
	return len(r.Lists[0]) + len(r.Lists[1]) + len(r.Lists[2])
}

// Inspect parses the container and opcode lists of path without decoding
// pixel data.
func Inspect(ctx context.Context, path string) (InspectResult, error) {
	res := InspectResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	res.Size = int64(len(data))
	res.SizeHuman = humanize.IBytes(uint64(res.Size))

	f, err := rawio.Parse(data)
	if err != nil {
		return res, fmt.Errorf("inspect %s: %w", path, err)
	}
	ifd, err := f.RawIFD()
	if err != nil {
		return res, fmt.Errorf("inspect %s: %w", path, err)
	}
	if v := f.DNGVersion(); v != 0 {
		res.DNGVersion = dng.FormatVersion(v)
	}
	res.Model = ifd.Model
	res.Width, res.Height, res.Planes = ifd.Width, ifd.Length, ifd.SamplesPerPixel
	res.BitsPerSample = ifd.BitsPerSample
	res.Compression = ifd.Compression
	res.Tiled = ifd.UsesTiles
	res.ActiveArea = ifd.ActiveArea
	res.Readable = rawio.CanRead(ifd)
	res.CFA = ifd.Photometric == rawio.PhotometricCFA
	if res.CFA && ifd.CFARepeat.Row*ifd.CFARepeat.Col == len(ifd.CFAPattern) {
		m := &dng.MosaicInfo{PatternSize: ifd.CFARepeat, Pattern: ifd.CFAPattern}
		if phase, ok := m.BayerPhase(); ok {
			res.BayerPhase = &phase
		}
	}

	h := dng.NewHost(ctx)
	n := dng.NewNegative()
	if err := rawio.ReadOpcodeLists(h, f, ifd, n); err != nil {
		return res, fmt.Errorf("inspect %s: %w", path, err)
	}
	var minVersion uint32
	for stage := 1; stage <= 3; stage++ {
		res.Lists[stage-1] = describeList(n.OpcodeList(stage))
		minVersion = max(minVersion, n.OpcodeList(stage).MinVersion(false))
	}
	if minVersion != 0 {
		res.MinVersion = dng.FormatVersion(minVersion)
	}
	return res, nil
}

// DescribeOpcodeList decodes a serialised big-endian opcode list.
func DescribeOpcodeList(ctx context.Context, stage int, data []byte) ([]OpcodeInfo, error) {
	if stage < 1 || stage > 3 {
		return nil, fmt.Errorf("opcode list stage %d out of range 1-3", stage)
	}
	l := dng.NewOpcodeList(stage)
	if err := l.ParseBytes(dng.NewHost(ctx), data); err != nil {
		return nil, err
	}
	return describeList(l), nil
}

func describeList(l *dng.OpcodeList) []OpcodeInfo {
	out := make([]OpcodeInfo, 0, l.Count())
	for i, op := range l.Opcodes() {
		w := stream.NewWriter(binary.BigEndian)
		op.PutData(w)
		out = append(out, OpcodeInfo{
			Stage:         l.Stage(),
			Index:         i,
			ID:            uint32(op.ID()),
			Name:          op.ID().String(),
			MinVersion:    dng.FormatVersion(op.MinVersion()),
			Optional:      op.Flags()&dng.FlagOptional != 0,
			SkipIfPreview: op.Flags()&dng.FlagSkipIfPreview != 0,
			PayloadBytes:  max(0, len(w.Bytes())-4),
			Detail:        opcodeDetail(op),
		})
	}
	return out
}

func opcodeDetail(op dng.Opcode) string {
	switch o := op.(type) {
	case *dng.FixBadPixelsConstant:
		return fmt.Sprintf("constant %d, bayer phase %d", o.Constant, o.BayerPhase)
	case *dng.FixBadPixelsList:
		return fmt.Sprintf("%d points, %d rects, bayer phase %d", o.List.PointCount(), o.List.RectCount(), o.BayerPhase)
	case *dng.TrimBounds:
		return fmt.Sprintf("bounds %v", o.Bounds)
	case *dng.MapTable:
		return fmt.Sprintf("%d entries over %v", len(o.Table), o.AreaSpec.Area)
	case *dng.MapPolynomial:
		return fmt.Sprintf("degree %d over %v", len(o.Coefficients)-1, o.AreaSpec.Area)
	case *dng.GainMap:
		return fmt.Sprintf("%dx%d grid, %d planes over %v", o.Map.PointsV, o.Map.PointsH, o.Map.MapPlanes, o.AreaSpec.Area)
	case *dng.Delta:
		return fmt.Sprintf("%d deltas over %v", len(o.Table), o.AreaSpec.Area)
	case *dng.Scale:
		return fmt.Sprintf("%d scales over %v", len(o.Table), o.AreaSpec.Area)
	}
	return ""
}
