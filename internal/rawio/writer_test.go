package rawio

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"dngpipe/internal/dng"
)

func testNegative(t *testing.T, h *dng.Host, rows, cols int) *dng.Negative {
	t.Helper()
	img, err := h.NewImage(dng.NewRect(0, 0, rows, cols), 1, dng.PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	buf := img.Buffer()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			buf.SetUint16(r, c, 0, uint16((r*131+c*17)%4096))
		}
	}
	n := dng.NewNegative()
	n.Model = "Test Camera"
	n.Mosaic = dng.NewBayerMosaic(1)
	n.Linearization = dng.LinearizationInfo{
		ActiveArea:  dng.NewRect(2, 2, rows-4, cols-4),
		BlackRepeat: dng.Point{Row: 2, Col: 2},
		BlackLevel:  []float64{64, 64.5, 63, 65},
		BlackDeltaV: make([]float64, rows-4),
		WhiteLevel:  []float64{4095},
	}
	n.Linearization.BlackDeltaV[1] = -0.25
	n.SetStage1Image(img)

	list := dng.NewBadPixelList()
	list.AddPoint(dng.Point{Row: 5, Col: 6})
	list.AddRect(dng.NewRect(10, 0, 1, cols))
	n.OpcodeList1().Append(dng.NewFixBadPixelsList(list, 1))
	n.OpcodeList1().Append(dng.NewFixBadPixelsConstant(0, 1))
	return n
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, opt := range []WriteOptions{
		{Software: "dngpipe test"},
		{Compression: CompressionJPEG, TileSize: 16},
		{Compression: CompressionJPEG, TileSize: 16, Predictor: 6},
	} {
		h := dng.NewHost(context.Background())
		src := testNegative(t, h, 24, 40)
		var out bytes.Buffer
		if err := WriteDNG(&out, src, opt); err != nil {
			t.Fatalf("%+v: write: %v", opt, err)
		}

		got, ifd, err := ReadNegative(h, out.Bytes(), nil)
		if err != nil {
			t.Fatalf("%+v: read: %v", opt, err)
		}
		if ifd.Compression != opt.Compression && !(opt.Compression == 0 && ifd.Compression == CompressionNone) {
			t.Fatalf("expected compression %d, got %d", opt.Compression, ifd.Compression)
		}
		if opt.Compression == CompressionJPEG && (!ifd.UsesTiles || len(ifd.TileOffsets) != 6) {
			t.Fatalf("expected 3x2 tiles, got %d offsets", len(ifd.TileOffsets))
		}
		if got.Model != "Test Camera" {
			t.Fatalf("unexpected model %q", got.Model)
		}
		if phase, ok := got.Mosaic.BayerPhase(); !ok || phase != 1 {
			t.Fatalf("expected bayer phase 1, got %d %v", phase, ok)
		}
		li := got.Linearization
		if li.ActiveArea != src.Linearization.ActiveArea || li.BlackRepeat != (dng.Point{Row: 2, Col: 2}) {
			t.Fatalf("unexpected linearization %+v", li)
		}
		if !slices.Equal(li.BlackLevel, src.Linearization.BlackLevel) || !slices.Equal(li.WhiteLevel, []float64{4095}) {
			t.Fatalf("unexpected levels %v %v", li.BlackLevel, li.WhiteLevel)
		}
		if !slices.Equal(li.BlackDeltaV, src.Linearization.BlackDeltaV) {
			t.Fatalf("unexpected row deltas %v", li.BlackDeltaV)
		}
		if !bytes.Equal(got.OpcodeList1().Bytes(), src.OpcodeList1().Bytes()) {
			t.Fatalf("opcode list 1 changed in round trip")
		}
		if got.OpcodeList2().NotEmpty() || got.OpcodeList3().NotEmpty() {
			t.Fatalf("expected empty opcode lists 2 and 3")
		}

		a, b := src.Stage1Image().Buffer(), got.Stage1Image().Buffer()
		if got.Stage1Image().Bounds() != src.Stage1Image().Bounds() {
			t.Fatalf("bounds %v, expected %v", got.Stage1Image().Bounds(), src.Stage1Image().Bounds())
		}
		for r := 0; r < 24; r++ {
			for c := 0; c < 40; c++ {
				if a.Uint16(r, c, 0) != b.Uint16(r, c, 0) {
					t.Fatalf("%+v (%d,%d): expected %d, got %d", opt, r, c, a.Uint16(r, c, 0), b.Uint16(r, c, 0))
				}
			}
		}
	}
}

func TestWriteRejectsPrivateOpcodes(t *testing.T) {
	h := dng.NewHost(context.Background())
	n := testNegative(t, h, 8, 8)
	n.OpcodeList2().Append(dng.NewPrivate("marker", nil))
	if err := WriteDNG(&bytes.Buffer{}, n, WriteOptions{}); err == nil {
		t.Fatalf("expected error writing a private opcode")
	}
}

func TestLosslessTileOverrun(t *testing.T) {
	h := dng.NewHost(context.Background())
	var out bytes.Buffer
	if err := WriteDNG(&out, testNegative(t, h, 16, 16), WriteOptions{Compression: CompressionJPEG, TileSize: 16}); err != nil {
		t.Fatal(err)
	}
	f, err := Parse(out.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	ifd, err := f.RawIFD()
	if err != nil {
		t.Fatal(err)
	}
	ifd.TileByteCounts[0] /= 2
	img, err := h.NewImage(ifd.Bounds(), 1, dng.PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	if err := ReadImage(h, f, ifd, img, nil); !errors.Is(err, dng.ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat for a truncated tile, got %v", err)
	}
}

func TestReadNegativeHonoursAllocator(t *testing.T) {
	h := dng.NewHost(context.Background())
	var out bytes.Buffer
	if err := WriteDNG(&out, testNegative(t, h, 16, 16), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	small := dng.NewHost(context.Background(), dng.WithAllocator(dng.NewLimitAllocator(64, nil)))
	if _, _, err := ReadNegative(small, out.Bytes(), nil); !errors.Is(err, dng.ErrMemoryFull) {
		t.Fatalf("expected ErrMemoryFull, got %v", err)
	}
}

func TestWriteDNGVersion(t *testing.T) {
	h := dng.NewHost(context.Background())
	for _, tt := range []struct {
		requested, want uint32
	}{
		{0, dng.VersionCurrent},
		{dng.Version1_4, dng.Version1_4},
		// Bad pixel opcodes need 1.3.
		{dng.Version1_1, dng.Version1_3},
	} {
		var out bytes.Buffer
		if err := WriteDNG(&out, testNegative(t, h, 8, 8), WriteOptions{DNGVersion: tt.requested}); err != nil {
			t.Fatal(err)
		}
		f, err := Parse(out.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if got := f.DNGVersion(); got != tt.want {
			t.Fatalf("requested %s: expected %s, got %s", dng.FormatVersion(tt.requested), dng.FormatVersion(tt.want), dng.FormatVersion(got))
		}
	}
}
