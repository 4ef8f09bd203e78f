package dng

import "fmt"

// Image is a planar-interleaved raster owned by a Block.
type Image struct {
	bounds    Rect
	planes    int
	pixelType PixelType
	buffer    PixelBuffer
	block     *Block
}

// NewImageFromBuffer wraps an existing buffer. The image takes the buffer's
// area as bounds and does not own a Block.
func NewImageFromBuffer(buf PixelBuffer) *Image {
	return &Image{bounds: buf.Area, planes: buf.Planes, pixelType: buf.Type, buffer: buf}
}

func (img *Image) Bounds() Rect { return img.bounds }

func (img *Image) Width() int { return img.bounds.Width() }

func (img *Image) Height() int { return img.bounds.Height() }

func (img *Image) Planes() int { return img.planes }

func (img *Image) PixelType() PixelType { return img.pixelType }

// Buffer exposes the image memory directly.
func (img *Image) Buffer() *PixelBuffer { return &img.buffer }

// Get copies the part of dst.Area inside the image into dst, converting to
// dst's pixel type.
func (img *Image) Get(dst *PixelBuffer) {
	dst.CopyArea(&img.buffer, dst.Area, dst.Plane, dst.Plane, dst.Planes)
}

// GetRepeat fills all of dst.Area. Pixels outside the image are taken from the
// edge bands of height repeatV and width repeatH so Bayer phase is kept.
func (img *Image) GetRepeat(dst *PixelBuffer, repeatV, repeatH int) {
	if img.bounds.ContainsRect(dst.Area) {
		img.Get(dst)
		return
	}
	b := img.bounds
	for row := dst.Area.Top; row < dst.Area.Bottom; row++ {
		sr := repeatCoord(row, b.Top, b.Bottom, repeatV)
		for col := dst.Area.Left; col < dst.Area.Right; col++ {
			sc := repeatCoord(col, b.Left, b.Right, repeatH)
			for p := dst.Plane; p < dst.Plane+dst.Planes; p++ {
				copySample(dst, row, col, p, &img.buffer, sr, sc, p)
			}
		}
	}
}

// Put stores src into the image, converting to the image pixel type.
func (img *Image) Put(src *PixelBuffer) {
	img.buffer.CopyArea(src, src.Area, src.Plane, src.Plane, src.Planes)
}

// Trim narrows the image to r and re-origins it at (0,0).
func (img *Image) Trim(r Rect) error {
	if r.IsEmpty() || !img.bounds.ContainsRect(r) {
		return badFormat("trim %v outside image bounds %v", r, img.bounds)
	}
	off := img.buffer.offset(r.Top, r.Left, img.buffer.Plane)
	buf := img.buffer
	buf.Data = buf.Data[off:]
	buf.Area = NewRect(0, 0, r.Height(), r.Width())
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	img.buffer = buf
	img.bounds = buf.Area
	return nil
}

// Release frees the image memory.
func (img *Image) Release() {
	if img == nil {
		return
	}
	img.block.Release()
	img.buffer.Data = nil
}

func copySample(dst *PixelBuffer, row, col, plane int, src *PixelBuffer, sr, sc, sp int) {
	if dst.Type == src.Type {
		size := dst.Type.Size()
		so := src.offset(sr, sc, sp)
		do := dst.offset(row, col, plane)
		copy(dst.Data[do:do+size], src.Data[so:so+size])
		return
	}
	v := src.Sample(sr, sc, sp)
	switch {
	case src.Type != PixelFloat32 && dst.Type == PixelFloat32:
		v /= src.Type.Range()
	case src.Type == PixelFloat32 && dst.Type != PixelFloat32:
		v *= dst.Type.Range()
	}
	dst.SetSample(row, col, plane, v)
}
