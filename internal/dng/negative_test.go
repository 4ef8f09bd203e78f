package dng

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBayerPhaseMatchesGreenSites(t *testing.T) {
	for phase := uint32(0); phase < 4; phase++ {
		m := NewBayerMosaic(phase)
		got, ok := m.BayerPhase()
		if !ok || got != phase {
			t.Fatalf("phase %d: detected %d, %v", phase, got, ok)
		}
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				if (m.Color(r, c) == ColorGreen) != isGreen(phase, r, c) {
					t.Fatalf("phase %d (%d,%d): colour %d disagrees with isGreen", phase, r, c, m.Color(r, c))
				}
			}
		}
	}
	xtrans := &MosaicInfo{PatternSize: Point{3, 3}, Pattern: make([]uint8, 9)}
	if _, ok := xtrans.BayerPhase(); ok {
		t.Fatalf("expected 3x3 pattern not to be Bayer")
	}
	var none *MosaicInfo
	if none.IsColorFilterArray() {
		t.Fatalf("expected nil mosaic not to be a CFA")
	}
}

func TestNegativeValidate(t *testing.T) {
	n := NewNegative()
	n.Mosaic = NewBayerMosaic(0)
	n.SetStage1Image(newGray16(8, 8, 0))
	if err := n.Validate(); err != nil {
		t.Fatalf("expected valid negative, got %v", err)
	}

	n.OpcodeList2().Append(NewFixBadPixelsConstant(0, 1))
	n.OpcodeList1().Append(NewFixBadPixelsList(NewBadPixelList(), 7))
	n.Linearization.WhiteLevel = []float64{1, 2}
	n.Linearization.ActiveArea = NewRect(0, 0, 9, 8)
	err := n.Validate()
	if !errorsIsBadFormat(err) {
		t.Fatalf("expected bad format, got %v", err)
	}
	for _, want := range []string{"mosaic phase 0", "bayer phase 7", "2 white levels", "active area"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestBuildStage2Linearizes(t *testing.T) {
	h := NewHost(context.Background(), WithTileSize(16))
	n := NewNegative()
	stage1 := newGray16(4, 6, 600)
	n.SetStage1Image(stage1)
	n.Linearization = LinearizationInfo{
		ActiveArea:  Rect{Top: 1, Left: 1, Bottom: 3, Right: 5},
		BlackRepeat: Point{1, 2},
		BlackLevel:  []float64{100, 200},
		WhiteLevel:  []float64{1100},
	}
	n.OpcodeList2().Append(NewScale(OpcodeScalePerRow, NewAreaSpec(NewRect(0, 0, 2, 4), 0, 1), []float32{1, 0.5}))
	if err := n.BuildStage2Image(h); err != nil {
		t.Fatal(err)
	}
	if n.Stage1Image() != nil {
		t.Fatalf("expected stage 1 released")
	}
	img := n.Stage2Image()
	if img.Bounds() != NewRect(0, 0, 2, 4) || img.PixelType() != PixelUint16 {
		t.Fatalf("unexpected stage 2 image %v %v", img.Bounds(), img.PixelType())
	}
	// Even columns: (600-100)/1000; odd columns: (600-200)/900.
	cases := []struct {
		r, c int
		want uint16
	}{{0, 0, 32768}, {0, 1, 29127}, {1, 0, 16384}, {1, 2, 16384}}
	for _, tc := range cases {
		if got := img.Buffer().Uint16(tc.r, tc.c, 0); got != tc.want {
			t.Fatalf("(%d,%d): expected %d, got %d", tc.r, tc.c, tc.want, got)
		}
	}
}

func TestBuildStage2AppliesTable(t *testing.T) {
	h := NewHost(context.Background())
	h.KeepStage1 = true
	n := NewNegative()
	stage1 := newGray16(1, 3, 1)
	stage1.Buffer().SetUint16(0, 1, 0, 2)
	stage1.Buffer().SetUint16(0, 2, 0, 9)
	n.SetStage1Image(stage1)
	n.Linearization.Table = []uint16{0, 500, 1000, 65535}
	if err := n.BuildStage2Image(h); err != nil {
		t.Fatal(err)
	}
	if n.Stage1Image() == nil {
		t.Fatalf("expected stage 1 kept")
	}
	want := []uint16{500, 1000, 65535}
	for c, w := range want {
		if got := n.Stage2Image().Buffer().Uint16(0, c, 0); got != w {
			t.Fatalf("col %d: expected %d, got %d", c, w, got)
		}
	}
}

func TestBuildStage3Demosaics(t *testing.T) {
	h := NewHost(context.Background(), WithThreads(2), WithTileSize(16))
	n := NewNegative()
	n.Mosaic = NewBayerMosaic(0)
	stage2 := newGray16(20, 20, 0)
	values := [3]uint16{100, 200, 300}
	for r := 0; r < 20; r++ {
		for c := 0; c < 20; c++ {
			stage2.Buffer().SetUint16(r, c, 0, values[n.Mosaic.Color(r, c)])
		}
	}
	n.stage2 = stage2
	if err := n.BuildStage3Image(h); err != nil {
		t.Fatal(err)
	}
	if n.Stage2Image() != nil {
		t.Fatalf("expected stage 2 released")
	}
	img := n.Stage3Image()
	if img.Planes() != 3 {
		t.Fatalf("expected 3 planes, got %d", img.Planes())
	}
	for r := 0; r < 20; r++ {
		for c := 0; c < 20; c++ {
			for p, w := range values {
				if got := img.Buffer().Uint16(r, c, p); got != w {
					t.Fatalf("(%d,%d) plane %d: expected %d, got %d", r, c, p, w, got)
				}
			}
		}
	}
}

func TestBuildStage3CopiesLinearData(t *testing.T) {
	h := NewHost(context.Background())
	h.KeepStage2 = true
	n := NewNegative()
	buf := NewPixelBuffer(NewRect(0, 0, 2, 2), 0, 3, PixelUint16)
	buf.SetConstant(buf.Area, 1234)
	n.stage2 = NewImageFromBuffer(buf)
	n.OpcodeList3().Append(NewTrimBounds(NewRect(0, 0, 1, 2)))
	if err := n.BuildStage3Image(h); err != nil {
		t.Fatal(err)
	}
	img := n.Stage3Image()
	if img.Bounds() != NewRect(0, 0, 1, 2) || img.Buffer().Uint16(0, 1, 2) != 1234 {
		t.Fatalf("unexpected stage 3 image %v", img.Bounds())
	}
	if n.Stage2Image() == nil {
		t.Fatalf("expected stage 2 kept")
	}
}

func TestBuildStagesNeedInput(t *testing.T) {
	h := NewHost(context.Background())
	n := NewNegative()
	if err := n.BuildStage2Image(h); err == nil {
		t.Fatalf("expected error without stage 1")
	}
	if err := n.BuildStage3Image(h); err == nil {
		t.Fatalf("expected error without stage 2")
	}
}

func TestBuildStage2FailureKeepsImagesOwned(t *testing.T) {
	alloc := NewLimitAllocator(1<<20, nil)
	h := NewHost(context.Background(), WithAllocator(alloc))
	stage1, err := h.NewImage(NewRect(0, 0, 8, 8), 1, PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	stage1.Buffer().SetConstant(stage1.Bounds(), 500)

	n := NewNegative()
	n.SetStage1Image(stage1)
	failed := errors.New("opcode failed")
	n.OpcodeList1().Append(NewFixBadPixelsConstant(0, 0))
	n.OpcodeList1().Append(NewPrivate("fail", func(h *Host, n *Negative, img *Image) (*Image, error) {
		return img, failed
	}))

	if err := n.BuildStage2Image(h); !errors.Is(err, failed) {
		t.Fatalf("expected opcode failure, got %v", err)
	}
	if n.Stage1Image() == stage1 {
		t.Fatalf("expected the negative to own the intermediate image")
	}
	if stage1.Buffer().Data != nil {
		t.Fatalf("expected the replaced input to drop its pixels")
	}
	n.Stage1Image().Release()
	if alloc.InUse() != 0 {
		t.Fatalf("leaked %d bytes", alloc.InUse())
	}
}

func TestBuildStage3FailureKeepsImagesOwned(t *testing.T) {
	alloc := NewLimitAllocator(1<<20, nil)
	h := NewHost(context.Background(), WithAllocator(alloc))
	stage2, err := h.NewImage(NewRect(0, 0, 6, 6), 1, PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	n := NewNegative()
	n.stage2 = stage2
	failed := errors.New("opcode failed")
	n.OpcodeList3().Append(NewPrivate("grow", func(h *Host, n *Negative, img *Image) (*Image, error) {
		out, err := h.NewImage(img.Bounds(), img.Planes(), PixelFloat32)
		if err != nil {
			return img, err
		}
		return out, failed
	}))

	if err := n.BuildStage3Image(h); !errors.Is(err, failed) {
		t.Fatalf("expected opcode failure, got %v", err)
	}
	n.Stage2Image().Release()
	n.Stage3Image().Release()
	if alloc.InUse() != 0 {
		t.Fatalf("leaked %d bytes", alloc.InUse())
	}
}
