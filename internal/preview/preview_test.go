package preview

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"dngpipe/internal/dng"
)

func gradient(t *testing.T, planes int) *dng.Image {
	t.Helper()
	buf := dng.NewPixelBuffer(dng.NewRect(0, 0, 8, 12), 0, planes, dng.PixelUint16)
	for r := 0; r < 8; r++ {
		for c := 0; c < 12; c++ {
			for p := 0; p < planes; p++ {
				buf.SetUint16(r, c, p, uint16(r*4096+c*256+p))
			}
		}
	}
	return dng.NewImageFromBuffer(buf)
}

func TestToImageGray(t *testing.T) {
	m, err := ToImage(gradient(t, 1), Options{})
	if err != nil {
		t.Fatal(err)
	}
	g, ok := m.(*image.Gray16)
	if !ok {
		t.Fatalf("expected *image.Gray16, got %T", m)
	}
	if g.Bounds() != image.Rect(0, 0, 12, 8) {
		t.Fatalf("unexpected bounds %v", g.Bounds())
	}
	if v := g.Gray16At(3, 2).Y; v != 2*4096+3*256 {
		t.Fatalf("expected %d, got %d", 2*4096+3*256, v)
	}
}

func TestToImageRGBGamma(t *testing.T) {
	m, err := ToImage(gradient(t, 3), Options{Gamma: true})
	if err != nil {
		t.Fatal(err)
	}
	rgba, ok := m.(*image.RGBA64)
	if !ok {
		t.Fatalf("expected *image.RGBA64, got %T", m)
	}
	c := rgba.RGBA64At(0, 0)
	if c.R != 0 || c.A != 0xffff {
		t.Fatalf("unexpected origin colour %+v", c)
	}
	// The sRGB curve lifts mid tones.
	lin := uint16(4*4096 + 6*256)
	if v := rgba.RGBA64At(6, 4).R; v <= lin {
		t.Fatalf("expected gamma to raise %d, got %d", lin, v)
	}
}

func TestToImageRejectsTwoPlanes(t *testing.T) {
	if _, err := ToImage(gradient(t, 2), Options{}); err == nil {
		t.Fatalf("expected error for two planes")
	}
	if _, err := ToImage(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil image")
	}
}

func TestScale(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 400, 100))
	m := Scale(src, 100)
	if m.Bounds().Dx() != 100 || m.Bounds().Dy() != 25 {
		t.Fatalf("unexpected scaled bounds %v", m.Bounds())
	}
	if _, ok := m.(*image.Gray16); !ok {
		t.Fatalf("expected gray output, got %T", m)
	}
	if Scale(src, 1000) != image.Image(src) {
		t.Fatalf("expected small image returned unchanged")
	}
	tall := Scale(image.NewRGBA64(image.Rect(0, 0, 30, 300)), 60)
	if tall.Bounds().Dx() != 6 || tall.Bounds().Dy() != 60 {
		t.Fatalf("unexpected tall bounds %v", tall.Bounds())
	}
}

func TestWriteTIFF(t *testing.T) {
	m, err := ToImage(gradient(t, 1), Options{})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteTIFF(&buf, m); err != nil {
		t.Fatal(err)
	}
	back, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back.Bounds() != m.Bounds() {
		t.Fatalf("expected bounds %v, got %v", m.Bounds(), back.Bounds())
	}
	r, _, _, _ := back.At(3, 2).RGBA()
	if r != 2*4096+3*256 {
		t.Fatalf("expected %d after round trip, got %d", 2*4096+3*256, r)
	}
}

func TestWriteJPEG(t *testing.T) {
	m, err := ToImage(gradient(t, 3), Options{Gamma: true})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := WriteJPEG(path, m, 80); err != nil {
		t.Skipf("imagemagick cannot write jpeg here: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 12 || cfg.Height != 8 {
		t.Fatalf("unexpected jpeg size %dx%d", cfg.Width, cfg.Height)
	}
}
