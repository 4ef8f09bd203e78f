package rawio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/gen2brain/jpegn"

	"dngpipe/internal/dng"
	"dngpipe/internal/ljpeg"
)

// Target receives decoded tiles. *dng.Image implements it.
type Target interface {
	Bounds() dng.Rect
	Planes() int
	PixelType() dng.PixelType
	Put(buf *dng.PixelBuffer)
}

// Scratch holds the memory one ReadImage call reuses across tiles. It is
// allocated from the host and must not be shared by concurrent calls.
type Scratch struct {
	tile    *dng.Block
	reorder *dng.Block
	samples []uint32
}

// Release returns the scratch memory to the host allocator.
func (s *Scratch) Release() {
	s.tile.Release()
	s.reorder.Release()
	s.tile, s.reorder = nil, nil
}

func (s *Scratch) buffer(h *dng.Host, blk **dng.Block, n int) ([]byte, error) {
	if b := (*blk).Bytes(); len(b) >= n {
		return b[:n], nil
	}
	(*blk).Release()
	*blk = nil
	b, err := h.Allocate(n)
	if err != nil {
		return nil, err
	}
	*blk = b
	return b.Bytes(), nil
}

// CanRead reports whether ReadImage supports the layout of ifd. It never
// fails; callers fall back to another reader when it returns false.
func CanRead(ifd *IFD) bool {
	if ifd.Width < 1 || ifd.Length < 1 || ifd.TileWidth < 1 || ifd.TileLength < 1 {
		return false
	}
	if ifd.SamplesPerPixel < 1 || ifd.SamplesPerPixel > 4 {
		return false
	}
	if ifd.PlanarConfig != PlanarChunky && ifd.PlanarConfig != PlanarPlanar {
		return false
	}
	if ifd.Predictor != PredictorNone {
		return false
	}
	if ifd.RowInterleave < 1 {
		return false
	}
	groups, _ := ifd.tileLayout()
	n := groups * ifd.TilesAcross() * ifd.TilesDown()
	if len(ifd.TileOffsets) < n || len(ifd.TileByteCounts) < n {
		return false
	}
	return CanReadTile(ifd)
}

// CanReadTile reports whether the tile encoding of ifd is supported: its
// compression, bit depth and sample format.
func CanReadTile(ifd *IFD) bool {
	bits, format := ifd.BitsPerSample[0], ifd.SampleFormat[0]
	for i := 1; i < len(ifd.BitsPerSample); i++ {
		if ifd.BitsPerSample[i] != bits {
			return false
		}
	}
	for i := 1; i < len(ifd.SampleFormat); i++ {
		if ifd.SampleFormat[i] != format {
			return false
		}
	}
	switch format {
	case SampleUint:
	case SampleFloat:
		// Half and 24-bit floats are not supported.
		if bits != 32 || ifd.Compression != CompressionNone {
			return false
		}
	default:
		return false
	}
	if b := ifd.SubTileBlock; b.Row > 1 || b.Col > 1 {
		if b.Row < 1 || b.Col < 1 || ifd.TileLength%b.Row != 0 || ifd.TileWidth%b.Col != 0 {
			return false
		}
		if ifd.Compression == CompressionNone && bits != 8 && bits != 16 && bits != 32 {
			return false
		}
	}
	switch ifd.Compression {
	case CompressionNone:
		return bits >= 8 && bits <= 32
	case CompressionJPEG:
		return bits >= 8 && bits <= 16
	case CompressionLossyDNG:
		return bits == 8 && (ifd.SamplesPerPixel == 1 || ifd.SamplesPerPixel == 3)
	default:
		return false
	}
}

// ReadImage decodes the tiles of ifd from f into dst, polling the host for
// cancellation once per tile. A nil scratch allocates a temporary one.
func ReadImage(h *dng.Host, f *File, ifd *IFD, dst Target, scratch *Scratch) error {
	if !CanRead(ifd) {
		return fmt.Errorf("%w: unsupported raw layout (compression %d, %v bits)",
			dng.ErrBadFormat, ifd.Compression, ifd.BitsPerSample)
	}
	if scratch == nil {
		scratch = &Scratch{}
		defer scratch.Release()
	}
	if ifd.RowInterleave > 1 {
		inner := *ifd
		inner.RowInterleave = 1
		return ReadImage(h, f, &inner, &interleavedTarget{Target: dst, factor: ifd.RowInterleave}, scratch)
	}

	groups, samples := ifd.tileLayout()
	perPlane := ifd.TilesAcross() * ifd.TilesDown()
	for g := 0; g < groups; g++ {
		for t := 0; t < perPlane; t++ {
			if err := h.SniffForAbort(); err != nil {
				return err
			}
			index := g*perPlane + t
			off, count := ifd.TileOffsets[index], ifd.TileByteCounts[index]
			if off < 0 || count < 0 || off+count > int64(len(f.Data)) {
				return fmt.Errorf("%w: tile %d at %d+%d outside file", dng.ErrBadFormat, index, off, count)
			}
			tile := tileReader{
				h:       h,
				ifd:     ifd,
				order:   f.Order,
				data:    f.Data[off : off+count],
				area:    ifd.TileArea(t),
				plane:   g * samples,
				planes:  samples,
				dst:     dst,
				scratch: scratch,
			}
			if err := tile.read(); err != nil {
				return fmt.Errorf("tile %d: %w", index, err)
			}
		}
	}
	return nil
}

type tileReader struct {
	h       *dng.Host
	ifd     *IFD
	order   binary.ByteOrder
	data    []byte
	area    dng.Rect
	plane   int
	planes  int
	dst     Target
	scratch *Scratch
}

func (r *tileReader) read() error {
	switch r.ifd.Compression {
	case CompressionNone:
		return r.readUncompressed()
	case CompressionJPEG:
		err := r.readLossless()
		if errors.Is(err, ljpeg.ErrLossy) {
			return r.readLossy()
		}
		return err
	default:
		return r.readLossy()
	}
}

func (r *tileReader) pixelType() dng.PixelType { return r.ifd.PixelType() }

func (r *tileReader) newBuffer(area dng.Rect) (dng.PixelBuffer, error) {
	pt := r.pixelType()
	data, err := r.scratch.buffer(r.h, &r.scratch.tile, area.Width()*area.Height()*r.planes*pt.Size())
	if err != nil {
		return dng.PixelBuffer{}, err
	}
	return dng.WrapPixelBuffer(area, r.plane, r.planes, pt, data)
}

func (r *tileReader) readUncompressed() error {
	bits := r.ifd.BitsPerSample[0]
	rows, cols := r.area.Height(), r.area.Width()
	rowSamples := cols * r.planes
	rowBytes := (rowSamples*bits + 7) / 8
	if int64(rows)*int64(rowBytes) > int64(len(r.data)) {
		return fmt.Errorf("%w: %d bytes for %dx%d samples of %d bits", dng.ErrBadFormat, len(r.data), rows, rowSamples, bits)
	}
	src := r.data[:rows*rowBytes]

	if b := r.ifd.SubTileBlock; b.Row > 1 || b.Col > 1 {
		tmp, err := r.scratch.buffer(r.h, &r.scratch.reorder, 2*len(src))
		if err != nil {
			return err
		}
		copy(tmp, src)
		src = tmp[:len(src)]
		if err := reorderBlocks(src, tmp[len(src):], rows, rowBytes, r.planes*bits/8, b.Row, b.Col); err != nil {
			return err
		}
	}

	buf, err := r.newBuffer(r.area)
	if err != nil {
		return err
	}
	if cap(r.scratch.samples) < rowSamples {
		r.scratch.samples = make([]uint32, rowSamples)
	}
	vals := r.scratch.samples[:rowSamples]
	for y := 0; y < rows; y++ {
		row := src[y*rowBytes : (y+1)*rowBytes]
		switch bits {
		case 8:
			for i, v := range row {
				vals[i] = uint32(v)
			}
		case 16:
			for i := range vals {
				vals[i] = uint32(r.order.Uint16(row[2*i:]))
			}
		case 32:
			for i := range vals {
				vals[i] = r.order.Uint32(row[4*i:])
			}
		default:
			if _, err := unpackBits(vals, row, bits); err != nil {
				return err
			}
		}
		storeRow(&buf, r.area.Top+y, vals)
	}
	r.dst.Put(&buf)
	return nil
}

// storeRow writes interleaved samples into one buffer row. 32-bit values are
// stored bit for bit, so float samples pass through unchanged.
func storeRow(buf *dng.PixelBuffer, row int, vals []uint32) {
	for i, v := range vals {
		col := buf.Area.Left + i/buf.Planes
		plane := buf.Plane + i%buf.Planes
		switch buf.Type {
		case dng.PixelUint8:
			buf.SetUint8(row, col, plane, uint8(v))
		case dng.PixelUint16:
			buf.SetUint16(row, col, plane, uint16(v))
		default:
			buf.SetUint32(row, col, plane, v)
		}
	}
}

// stripRows is the nominal height of the spooling buffer for lossless tiles.
const stripRows = 32

// readLossless streams decoded samples into a strip buffer holding a whole
// number of sub-tile block rows and flushes completed strips to dst.
func (r *tileReader) readLossless() error {
	blockRows := max(r.ifd.SubTileBlock.Row, 1)
	blockCols := max(r.ifd.SubTileBlock.Col, 1)
	rows, cols := r.area.Height(), r.area.Width()
	strip := min(max(stripRows/blockRows, 1)*blockRows, rows)
	rowSamples := cols * r.planes
	pt := r.pixelType()

	buf, err := r.newBuffer(dng.NewRect(r.area.Top, r.area.Left, strip, cols))
	if err != nil {
		return err
	}
	var reorder []byte
	if blockRows > 1 || blockCols > 1 {
		if reorder, err = r.scratch.buffer(r.h, &r.scratch.reorder, len(buf.Data)); err != nil {
			return err
		}
	}

	total := rows * rowSamples
	filled, stripTop := 0, r.area.Top
	flush := func(n int) error {
		area := dng.NewRect(stripTop, r.area.Left, n, cols)
		if err := buf.Resize(area); err != nil {
			return err
		}
		if reorder != nil {
			err := reorderBlocks(buf.Data, reorder, n, rowSamples*pt.Size(), r.planes*pt.Size(), blockRows, blockCols)
			if err != nil {
				return err
			}
		}
		r.dst.Put(&buf)
		stripTop += n
		return nil
	}

	_, consumed, err := ljpeg.Decode(r.data, func(_ int, samples []uint16) error {
		for _, v := range samples {
			if filled >= total {
				return fmt.Errorf("%w: lossless JPEG tile holds more than %d samples", dng.ErrBadFormat, total)
			}
			k := filled - (stripTop-r.area.Top)*rowSamples
			y, i := k/rowSamples, k%rowSamples
			row := stripTop + y
			col := r.area.Left + i/r.planes
			plane := r.plane + i%r.planes
			if pt == dng.PixelUint8 {
				buf.SetUint8(row, col, plane, uint8(v))
			} else {
				buf.SetUint16(row, col, plane, v)
			}
			filled++
			if k+1 == strip*rowSamples {
				if err := flush(strip); err != nil {
					return err
				}
				if rest := r.area.Bottom - stripTop; rest > 0 && rest < strip {
					strip = rest
				}
				if err := buf.Resize(dng.NewRect(stripTop, r.area.Left, strip, cols)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, ljpeg.ErrLossy):
		return err
	case errors.Is(err, ljpeg.ErrOverrun):
		return fmt.Errorf("%w: lossless JPEG data runs past tile byte count: %v", dng.ErrBadFormat, err)
	case err != nil && !errors.Is(err, dng.ErrBadFormat):
		return fmt.Errorf("%w: %v", dng.ErrBadFormat, err)
	case err != nil:
		return err
	}
	if consumed > len(r.data) {
		return fmt.Errorf("%w: decoded %d bytes of a %d byte tile", dng.ErrBadFormat, consumed, len(r.data))
	}
	if filled != total {
		return fmt.Errorf("%w: lossless JPEG tile holds %d of %d samples", dng.ErrBadFormat, filled, total)
	}
	return nil
}

// readLossy decodes an 8-bit baseline JPEG tile with the host's decoder,
// or jpegn when the host has none.
func (r *tileReader) readLossy() error {
	decode := r.h.LossyDecoder()
	if decode == nil {
		decode = func(data []byte) (image.Image, error) { return jpegn.Decode(bytes.NewReader(data)) }
	}
	m, err := decode(r.data)
	if err != nil {
		return fmt.Errorf("%w: lossy tile: %v", dng.ErrBadFormat, err)
	}
	if r.pixelType() != dng.PixelUint8 {
		return fmt.Errorf("%w: lossy tile with %v samples", dng.ErrBadFormat, r.pixelType())
	}
	b := m.Bounds()
	area := dng.NewRect(r.area.Top, r.area.Left, min(b.Dy(), r.area.Height()), min(b.Dx(), r.area.Width()))
	buf, err := r.newBuffer(area)
	if err != nil {
		return err
	}
	for y := 0; y < area.Height(); y++ {
		for x := 0; x < area.Width(); x++ {
			row, col := area.Top+y, area.Left+x
			if r.planes == 1 {
				g := color.GrayModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				buf.SetUint8(row, col, r.plane, g.Y)
				continue
			}
			c := color.RGBAModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			for p, v := range []uint8{c.R, c.G, c.B} {
				if p < r.planes {
					buf.SetUint8(row, col, r.plane+p, v)
				}
			}
		}
	}
	r.dst.Put(&buf)
	return nil
}

// interleavedTarget stores each buffer row at its de-interleaved position.
type interleavedTarget struct {
	Target
	factor int
}

func (t *interleavedTarget) Put(buf *dng.PixelBuffer) {
	bounds := t.Bounds()
	size := buf.Type.Size()
	for row := buf.Area.Top; row < buf.Area.Bottom; row++ {
		if row < bounds.Top || row >= bounds.Bottom {
			continue
		}
		view := *buf
		view.Data = buf.Data[(row-buf.Area.Top)*buf.RowStep*size:]
		mapped := interleaveRow(row, bounds.Top, bounds.Height(), t.factor)
		view.Area = dng.Rect{Top: mapped, Left: buf.Area.Left, Bottom: mapped + 1, Right: buf.Area.Right}
		t.Target.Put(&view)
	}
}
