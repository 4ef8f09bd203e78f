package rawio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	"dngpipe/internal/dng"
)

// buildFile writes a little-endian TIFF with one strip holding data.
func buildFile(t *testing.T, width, height, bits, compression int, extra func(w *ifdWriter), data []byte) []byte {
	t.Helper()
	var iw ifdWriter
	iw.addLongs(TagImageWidth, uint32(width))
	iw.addLongs(TagImageLength, uint32(height))
	iw.addShorts(TagBitsPerSample, uint16(bits))
	iw.addShorts(TagCompression, uint16(compression))
	iw.addShorts(TagPhotometricInterpretation, PhotometricLinearRaw)
	iw.addLongs(TagRowsPerStrip, uint32(height))
	off := iw.addLongs(TagStripOffsets, 0)
	iw.addLongs(TagStripByteCounts, uint32(len(data)))
	if extra != nil {
		extra(&iw)
	}
	dir, area := iw.size()
	le.PutUint32(off.data, uint32(8+dir+area))
	var out bytes.Buffer
	out.WriteString("II")
	binary.Write(&out, le, uint16(42))
	binary.Write(&out, le, uint32(8))
	iw.write(&out, 8)
	out.Write(data)
	return out.Bytes()
}

func readFile(t *testing.T, h *dng.Host, data []byte) *dng.Image {
	t.Helper()
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ifd, err := f.RawIFD()
	if err != nil {
		t.Fatalf("raw IFD: %v", err)
	}
	img, err := h.NewImage(ifd.Bounds(), ifd.SamplesPerPixel, ifd.PixelType())
	if err != nil {
		t.Fatal(err)
	}
	if err := ReadImage(h, f, ifd, img, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	return img
}

func TestParseBigEndian(t *testing.T) {
	data := []byte{
		'M', 'M', 0, 42, 0, 0, 0, 8,
		0, 3,
		0x01, 0x00, 0, TypeShort, 0, 0, 0, 1, 0, 4, 0, 0,
		0x01, 0x01, 0, TypeShort, 0, 0, 0, 1, 0, 2, 0, 0,
		0x01, 0x02, 0, TypeShort, 0, 0, 0, 1, 0, 16, 0, 0,
		0, 0, 0, 0,
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Order != binary.BigEndian || len(f.IFDs) != 1 {
		t.Fatalf("unexpected file %+v", f)
	}
	ifd := f.IFDs[0]
	if ifd.Width != 4 || ifd.Length != 2 || ifd.BitsPerSample[0] != 16 || ifd.TileLength != 2 {
		t.Fatalf("unexpected IFD %+v", ifd)
	}
	if _, err := f.RawIFD(); !errors.Is(err, dng.ErrBadFormat) {
		t.Fatalf("expected no raw IFD without a raw photometric tag, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("GIF89a\x00\x00"),
		{'I', 'I', 43, 0, 8, 0, 0, 0},
		{'I', 'I', 42, 0, 200, 0, 0, 0},
	} {
		if _, err := Parse(data); !errors.Is(err, dng.ErrBadFormat) {
			t.Fatalf("%q: expected ErrBadFormat, got %v", data, err)
		}
	}
}

func TestReadTwelveBitPacked(t *testing.T) {
	rows := [][]uint32{
		{0xABC, 0x123, 0xFFF, 0x000, 0x800},
		{1, 2, 3, 4095, 2048},
	}
	var data []byte
	for _, r := range rows {
		data = packBits(data, r, 12)
	}
	h := dng.NewHost(context.Background())
	img := readFile(t, h, buildFile(t, 5, 2, 12, CompressionNone, nil, data))
	if img.PixelType() != dng.PixelUint16 {
		t.Fatalf("expected uint16 image, got %v", img.PixelType())
	}
	for r, row := range rows {
		for c, want := range row {
			if got := img.Buffer().Uint16(r, c, 0); uint32(got) != want {
				t.Fatalf("(%d,%d): expected %d, got %d", r, c, want, got)
			}
		}
	}
}

func TestReadSixteenAndThirtyTwoBit(t *testing.T) {
	h := dng.NewHost(context.Background())
	data16 := []byte{1, 0, 2, 1, 0xff, 0xff, 0, 0x80}
	img := readFile(t, h, buildFile(t, 2, 2, 16, CompressionNone, nil, data16))
	want16 := []uint16{1, 0x0102, 0xffff, 0x8000}
	for i, w := range want16 {
		if got := img.Buffer().Uint16(i/2, i%2, 0); got != w {
			t.Fatalf("16-bit sample %d: expected %#x, got %#x", i, w, got)
		}
	}

	data32 := le.AppendUint32(nil, 0xdeadbeef)
	data32 = le.AppendUint32(data32, 7)
	img = readFile(t, h, buildFile(t, 2, 1, 32, CompressionNone, nil, data32))
	if img.PixelType() != dng.PixelUint32 || img.Buffer().Uint32(0, 0, 0) != 0xdeadbeef || img.Buffer().Uint32(0, 1, 0) != 7 {
		t.Fatalf("unexpected 32-bit image")
	}
}

func TestReadRowInterleaved(t *testing.T) {
	// Stored rows hold 10*stored+col.
	var data []byte
	for s := 0; s < 5; s++ {
		data = append(data, byte(10*s), byte(10*s+1))
	}
	file := buildFile(t, 2, 5, 8, CompressionNone, func(w *ifdWriter) {
		w.addShorts(TagRowInterleaveFactor, 2)
	}, data)
	img := readFile(t, dng.NewHost(context.Background()), file)
	storedAt := []int{0, 3, 1, 4, 2} // image row -> stored row
	for row, s := range storedAt {
		for col := 0; col < 2; col++ {
			if got := img.Buffer().Uint8(row, col, 0); int(got) != 10*s+col {
				t.Fatalf("(%d,%d): expected %d, got %d", row, col, 10*s+col, got)
			}
		}
	}
}

func TestReadSubTileBlocks(t *testing.T) {
	data := []byte{0, 1, 10, 11, 2, 3, 12, 13}
	file := buildFile(t, 4, 2, 8, CompressionNone, func(w *ifdWriter) {
		w.addShorts(TagSubTileBlockSize, 2, 2)
	}, data)
	img := readFile(t, dng.NewHost(context.Background()), file)
	for r := 0; r < 2; r++ {
		for c := 0; c < 4; c++ {
			if got := img.Buffer().Uint8(r, c, 0); int(got) != 10*r+c {
				t.Fatalf("(%d,%d): expected %d, got %d", r, c, 10*r+c, got)
			}
		}
	}
}

func TestReadLossyTile(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}
	var jp bytes.Buffer
	if err := jpeg.Encode(&jp, gray, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	file := buildFile(t, 8, 8, 8, CompressionLossyDNG, nil, jp.Bytes())

	img := readFile(t, dng.NewHost(context.Background()), file)
	if got := img.Buffer().Uint8(3, 3, 0); got < 126 || got > 130 {
		t.Fatalf("expected about 128 from the default decoder, got %d", got)
	}

	calls := 0
	h := dng.NewHost(context.Background(), dng.WithLossyDecoder(func(data []byte) (image.Image, error) {
		calls++
		m := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range m.Pix {
			m.Pix[i] = 42
		}
		return m, nil
	}))
	img = readFile(t, h, file)
	if calls != 1 || img.Buffer().Uint8(7, 7, 0) != 42 {
		t.Fatalf("expected host decoder output, got %d after %d calls", img.Buffer().Uint8(7, 7, 0), calls)
	}
}

func TestReadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := dng.NewHost(ctx)
	file := buildFile(t, 2, 1, 8, CompressionNone, nil, []byte{1, 2})
	f, err := Parse(file)
	if err != nil {
		t.Fatal(err)
	}
	img, err := h.NewImage(f.IFDs[0].Bounds(), 1, dng.PixelUint8)
	if err != nil {
		t.Fatal(err)
	}
	if err := ReadImage(h, f, f.IFDs[0], img, nil); !errors.Is(err, dng.ErrUserCanceled) {
		t.Fatalf("expected ErrUserCanceled, got %v", err)
	}
}

func TestReadShortStrip(t *testing.T) {
	file := buildFile(t, 4, 4, 16, CompressionNone, nil, make([]byte, 20))
	f, err := Parse(file)
	if err != nil {
		t.Fatal(err)
	}
	h := dng.NewHost(context.Background())
	img, _ := h.NewImage(f.IFDs[0].Bounds(), 1, dng.PixelUint16)
	if err := ReadImage(h, f, f.IFDs[0], img, nil); !errors.Is(err, dng.ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat for a short strip, got %v", err)
	}
}

func TestCanRead(t *testing.T) {
	base := func() *IFD {
		return &IFD{
			Width: 4, Length: 4, SamplesPerPixel: 1,
			BitsPerSample: []int{16}, SampleFormat: []int{SampleUint},
			Compression: CompressionNone, PlanarConfig: PlanarChunky, Predictor: PredictorNone,
			RowInterleave: 1, TileWidth: 4, TileLength: 4,
			TileOffsets: []int64{8}, TileByteCounts: []int64{32},
		}
	}
	if !CanRead(base()) {
		t.Fatalf("expected base layout to be readable")
	}
	tests := []struct {
		name   string
		mutate func(*IFD)
		want   bool
	}{
		{"mixed bit depth", func(i *IFD) {
			i.SamplesPerPixel, i.BitsPerSample, i.SampleFormat = 2, []int{16, 12}, []int{SampleUint, SampleUint}
		}, false},
		{"mixed sample format", func(i *IFD) {
			i.SamplesPerPixel, i.BitsPerSample, i.SampleFormat = 2, []int{32, 32}, []int{SampleUint, SampleFloat}
		}, false},
		{"half float", func(i *IFD) { i.SampleFormat = []int{SampleFloat} }, false},
		{"24-bit float", func(i *IFD) { i.BitsPerSample, i.SampleFormat = []int{24}, []int{SampleFloat} }, false},
		{"32-bit float", func(i *IFD) { i.BitsPerSample, i.SampleFormat = []int{32}, []int{SampleFloat} }, true},
		{"signed", func(i *IFD) { i.SampleFormat = []int{SampleInt} }, false},
		{"horizontal predictor", func(i *IFD) { i.Predictor = 2 }, false},
		{"deflate", func(i *IFD) { i.Compression = 8 }, false},
		{"lossless 12-bit", func(i *IFD) { i.Compression, i.BitsPerSample = CompressionJPEG, []int{12} }, true},
		{"lossless 20-bit", func(i *IFD) { i.Compression, i.BitsPerSample = CompressionJPEG, []int{20} }, false},
		{"lossy 16-bit", func(i *IFD) { i.Compression = CompressionLossyDNG }, false},
		{"generic 14-bit", func(i *IFD) { i.BitsPerSample = []int{14} }, true},
		{"packed sub-tile blocks", func(i *IFD) {
			i.BitsPerSample, i.SubTileBlock = []int{12}, dng.Point{Row: 2, Col: 2}
		}, false},
		{"missing offsets", func(i *IFD) { i.TileOffsets = nil }, false},
		{"empty", func(i *IFD) { i.Width = 0 }, false},
	}
	for _, tt := range tests {
		ifd := base()
		tt.mutate(ifd)
		if got := CanRead(ifd); got != tt.want {
			t.Errorf("%s: CanRead = %v, expected %v", tt.name, got, tt.want)
		}
	}
}
