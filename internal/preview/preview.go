// Package preview turns developed dng images into standard images for
// display and export: scaled previews, TIFF files and JPEG thumbnails.
package preview

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"

	"dngpipe/internal/dng"
)

// Options select how ToImage maps linear samples.
type Options struct {
	// Gamma encodes linear data with the sRGB transfer curve.
	Gamma bool
	// MaxSize limits the longer edge when scaling; zero keeps full size.
	MaxSize int
}

var srgbTable = func() []uint16 {
	t := make([]uint16, 1<<16)
	for i := range t {
		v := float64(i) / 65535
		if v <= 0.0031308 {
			v *= 12.92
		} else {
			v = 1.055*math.Pow(v, 1/2.4) - 0.055
		}
		t[i] = uint16(math.Round(v * 65535))
	}
	return t
}()

// ToImage converts a one- or three-plane image to Gray16 or RGBA64. Other
// sample types are rescaled to 16 bits.
func ToImage(img *dng.Image, opt Options) (image.Image, error) {
	if img == nil {
		return nil, errors.New("preview: no image")
	}
	planes := img.Planes()
	if planes != 1 && planes != 3 {
		return nil, fmt.Errorf("preview: cannot show %d planes", planes)
	}
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Width(), b.Height())
	src := img.Buffer()
	scale := 65535 / img.PixelType().Range()
	sample := func(row, col, p int) uint16 {
		v := src.Sample(row, col, p) * scale
		v = math.Max(0, math.Min(65535, math.Round(v)))
		if opt.Gamma {
			return srgbTable[int(v)]
		}
		return uint16(v)
	}

	var out draw.Image
	if planes == 1 {
		g := image.NewGray16(rect)
		for y := 0; y < b.Height(); y++ {
			for x := 0; x < b.Width(); x++ {
				g.SetGray16(x, y, color.Gray16{Y: sample(b.Top+y, b.Left+x, 0)})
			}
		}
		out = g
	} else {
		m := image.NewRGBA64(rect)
		for y := 0; y < b.Height(); y++ {
			for x := 0; x < b.Width(); x++ {
				row, col := b.Top+y, b.Left+x
				m.SetRGBA64(x, y, color.RGBA64{
					R: sample(row, col, 0),
					G: sample(row, col, 1),
					B: sample(row, col, 2),
					A: 0xffff,
				})
			}
		}
		out = m
	}
	if opt.MaxSize > 0 {
		return Scale(out, opt.MaxSize), nil
	}
	return out, nil
}

// Scale shrinks m so its longer edge is at most maxSize, keeping the aspect
// ratio. Smaller images are returned unchanged.
func Scale(m image.Image, maxSize int) image.Image {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return m
	}
	if w >= h {
		h = max(1, h*maxSize/w)
		w = maxSize
	} else {
		w = max(1, w*maxSize/h)
		h = maxSize
	}
	var dst draw.Image
	if _, gray := m.(*image.Gray16); gray {
		dst = image.NewGray16(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA64(image.Rect(0, 0, w, h))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), m, b, draw.Src, nil)
	return dst
}

// WriteTIFF encodes m as a deflate-compressed TIFF.
func WriteTIFF(w io.Writer, m image.Image) error {
	return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// WriteJPEG renders m as an 8-bit sRGB JPEG at path through ImageMagick.
func WriteJPEG(path string, m image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	b := m.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := m.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGB", imagick.PIXEL_CHAR, pix); err != nil {
		return fmt.Errorf("preview: constitute image: %w", err)
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return fmt.Errorf("preview: set format: %w", err)
	}
	if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
		return fmt.Errorf("preview: set quality: %w", err)
	}
	if err := mw.StripImage(); err != nil {
		return fmt.Errorf("preview: strip: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("preview: write %s: %w", path, err)
	}
	return nil
}
