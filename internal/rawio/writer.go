package rawio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"dngpipe/internal/dng"
	"dngpipe/internal/ljpeg"
)

// WriteOptions control how WriteDNG stores the stage 1 image.
type WriteOptions struct {
	Software string
	// Compression is CompressionNone (strips) or CompressionJPEG (lossless
	// JPEG tiles).
	Compression int
	// TileSize is the tile edge for lossless JPEG, rounded up to a multiple
	// of 16. Zero means 256.
	TileSize int
	// Predictor selects the lossless JPEG predictor, 1 when zero.
	Predictor int
	// DNGVersion is the packed DNGVersion tag value. Zero means the current
	// version; it is raised to the opcode lists' minimum when lower.
	DNGVersion uint32
}

// tagEntry is one IFD field ready for serialisation. data holds the value
// bytes in little-endian order.
type tagEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// ifdWriter collects entries for one little-endian IFD and lays them out
// with an out-of-line pointer area after the directory.
type ifdWriter struct {
	entries []*tagEntry
}

var le = binary.LittleEndian

func (w *ifdWriter) add(tag, typ uint16, count int, data []byte) *tagEntry {
	e := &tagEntry{tag: tag, typ: typ, count: uint32(count), data: data}
	w.entries = append(w.entries, e)
	return e
}

func (w *ifdWriter) addShorts(tag uint16, v ...uint16) {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		le.PutUint16(b[2*i:], x)
	}
	w.add(tag, TypeShort, len(v), b)
}

func (w *ifdWriter) addLongs(tag uint16, v ...uint32) *tagEntry {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		le.PutUint32(b[4*i:], x)
	}
	return w.add(tag, TypeLong, len(v), b)
}

func (w *ifdWriter) addBytes(tag, typ uint16, v []byte) {
	w.add(tag, typ, len(v), append([]byte(nil), v...))
}

func (w *ifdWriter) addASCII(tag uint16, s string) {
	w.addBytes(tag, TypeASCII, append([]byte(s), 0))
}

func (w *ifdWriter) addRationals(tag uint16, signed bool, v []float64) {
	b := make([]byte, 8*len(v))
	typ := uint16(TypeRational)
	if signed {
		typ = TypeSRational
	}
	for i, x := range v {
		num, den := toRational(x)
		if !signed && num < 0 {
			num = 0
		}
		le.PutUint32(b[8*i:], uint32(num))
		le.PutUint32(b[8*i+4:], uint32(den))
	}
	w.add(tag, typ, len(v), b)
}

// toRational picks an exact denominator for integers and 1/65536 steps
// otherwise.
func toRational(x float64) (int32, int32) {
	if x == math.Trunc(x) && math.Abs(x) < math.MaxInt32 {
		return int32(x), 1
	}
	const den = 1 << 16
	v := math.Round(x * den)
	v = max(min(v, math.MaxInt32), math.MinInt32)
	return int32(v), den
}

// size returns the directory size and the pointer area size.
func (w *ifdWriter) size() (int, int) {
	area := 0
	for _, e := range w.entries {
		if n := len(e.data); n > 4 {
			area += n + n&1
		}
	}
	return 2 + 12*len(w.entries) + 4, area
}

// write appends the directory, placed at file offset start, and its pointer
// area to buf.
func (w *ifdWriter) write(buf *bytes.Buffer, start int) {
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].tag < w.entries[j].tag })
	dirSize, _ := w.size()
	areaPos := start + dirSize
	var area bytes.Buffer
	var field [12]byte
	binary.Write(buf, le, uint16(len(w.entries)))
	for _, e := range w.entries {
		le.PutUint16(field[0:], e.tag)
		le.PutUint16(field[2:], e.typ)
		le.PutUint32(field[4:], e.count)
		clear(field[8:])
		if len(e.data) <= 4 {
			copy(field[8:], e.data)
		} else {
			le.PutUint32(field[8:], uint32(areaPos+area.Len()))
			area.Write(e.data)
			if len(e.data)&1 == 1 {
				area.WriteByte(0)
			}
		}
		buf.Write(field[:])
	}
	binary.Write(buf, le, uint32(0))
	buf.Write(area.Bytes())
}

// WriteDNG writes n's stage 1 image and metadata as a single-IFD
// little-endian DNG. Opcode lists are stored as UNDEFINED tags.
func WriteDNG(w io.Writer, n *dng.Negative, opt WriteOptions) error {
	img := n.Stage1Image()
	if img == nil {
		return errors.New("rawio: negative has no stage 1 image")
	}
	pt := img.PixelType()
	if pt != dng.PixelUint8 && pt != dng.PixelUint16 {
		return fmt.Errorf("rawio: cannot write %v stage 1 images", pt)
	}
	if opt.Compression == 0 {
		opt.Compression = CompressionNone
	}

	var (
		chunks [][]byte
		iw     ifdWriter
		err    error
	)
	bits := pt.Size() * 8
	planes := img.Planes()
	b := img.Bounds()

	iw.addLongs(TagNewSubfileType, 0)
	iw.addLongs(TagImageWidth, uint32(b.Width()))
	iw.addLongs(TagImageLength, uint32(b.Height()))
	bps := make([]uint16, planes)
	for i := range bps {
		bps[i] = uint16(bits)
	}
	iw.addShorts(TagBitsPerSample, bps...)
	iw.addShorts(TagCompression, uint16(opt.Compression))
	iw.addShorts(TagSamplesPerPixel, uint16(planes))
	iw.addShorts(TagPlanarConfiguration, PlanarChunky)

	var offsets, counts *tagEntry
	switch opt.Compression {
	case CompressionNone:
		rowBytes := b.Width() * planes * pt.Size()
		rows := max(1, min(b.Height(), (64<<10)/rowBytes))
		chunks = stripChunks(img, rows)
		iw.addLongs(TagRowsPerStrip, uint32(rows))
		offsets = iw.addLongs(TagStripOffsets, make([]uint32, len(chunks))...)
		counts = iw.addLongs(TagStripByteCounts, make([]uint32, len(chunks))...)
	case CompressionJPEG:
		size := opt.TileSize
		if size <= 0 {
			size = 256
		}
		size = (size + 15) &^ 15
		if chunks, err = tileChunks(img, size, opt.Predictor); err != nil {
			return err
		}
		iw.addLongs(TagTileWidth, uint32(size))
		iw.addLongs(TagTileLength, uint32(size))
		offsets = iw.addLongs(TagTileOffsets, make([]uint32, len(chunks))...)
		counts = iw.addLongs(TagTileByteCounts, make([]uint32, len(chunks))...)
	default:
		return fmt.Errorf("rawio: cannot write compression %d", opt.Compression)
	}

	if n.Mosaic.IsColorFilterArray() {
		iw.addShorts(TagPhotometricInterpretation, PhotometricCFA)
		iw.addShorts(TagCFARepeatPatternDim, uint16(n.Mosaic.PatternSize.Row), uint16(n.Mosaic.PatternSize.Col))
		iw.addBytes(TagCFAPattern, TypeByte, n.Mosaic.Pattern)
	} else {
		iw.addShorts(TagPhotometricInterpretation, PhotometricLinearRaw)
	}
	if n.Model != "" {
		iw.addASCII(TagModel, n.Model)
		iw.addASCII(TagUniqueCameraModel, n.Model)
	}
	if opt.Software != "" {
		iw.addASCII(TagSoftware, opt.Software)
	}

	backward := dng.Version1_1
	for stage := 1; stage <= 3; stage++ {
		l := n.OpcodeList(stage)
		if l.IsEmpty() {
			continue
		}
		if l.AlwaysApply() {
			return fmt.Errorf("rawio: opcode list %d holds private opcodes", stage)
		}
		backward = max(backward, l.MinVersion(false))
		iw.addBytes([]uint16{TagOpcodeList1, TagOpcodeList2, TagOpcodeList3}[stage-1], TypeUndefined, l.Bytes())
	}
	version := opt.DNGVersion
	if version == 0 {
		version = dng.VersionCurrent
	}
	iw.addBytes(TagDNGVersion, TypeByte, versionBytes(max(version, backward)))
	iw.addBytes(TagDNGBackwardVersion, TypeByte, versionBytes(backward))

	li := &n.Linearization
	if li.ActiveArea.NotEmpty() {
		a := li.ActiveArea
		iw.addLongs(TagActiveArea, uint32(a.Top), uint32(a.Left), uint32(a.Bottom), uint32(a.Right))
	}
	if len(li.Table) > 0 {
		iw.addShorts(TagLinearizationTable, li.Table...)
	}
	if len(li.BlackLevel) > 0 {
		rr, rc := max(li.BlackRepeat.Row, 1), max(li.BlackRepeat.Col, 1)
		iw.addShorts(TagBlackLevelRepeatDim, uint16(rr), uint16(rc))
		iw.addRationals(TagBlackLevel, false, li.BlackLevel)
	}
	if len(li.BlackDeltaH) > 0 {
		iw.addRationals(TagBlackLevelDeltaH, true, li.BlackDeltaH)
	}
	if len(li.BlackDeltaV) > 0 {
		iw.addRationals(TagBlackLevelDeltaV, true, li.BlackDeltaV)
	}
	if len(li.WhiteLevel) > 0 {
		white := make([]uint32, len(li.WhiteLevel))
		for i, v := range li.WhiteLevel {
			white[i] = uint32(math.Round(v))
		}
		iw.addLongs(TagWhiteLevel, white...)
	}

	const headerSize = 8
	dirSize, areaSize := iw.size()
	pos := headerSize + dirSize + areaSize
	for i, c := range chunks {
		if uint64(pos)+uint64(len(c)) > math.MaxUint32 {
			return errors.New("rawio: image exceeds 4 GiB")
		}
		le.PutUint32(offsets.data[4*i:], uint32(pos))
		le.PutUint32(counts.data[4*i:], uint32(len(c)))
		pos += len(c) + len(c)&1
	}

	var out bytes.Buffer
	out.WriteString("II")
	binary.Write(&out, le, uint16(42))
	binary.Write(&out, le, uint32(headerSize))
	iw.write(&out, headerSize)
	for _, c := range chunks {
		out.Write(c)
		if len(c)&1 == 1 {
			out.WriteByte(0)
		}
	}
	_, err = w.Write(out.Bytes())
	return err
}

func versionBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// stripChunks serialises the image into little-endian strips of rows rows.
func stripChunks(img *dng.Image, rows int) [][]byte {
	buf := img.Buffer()
	b := img.Bounds()
	var chunks [][]byte
	for top := b.Top; top < b.Bottom; top += rows {
		bottom := min(top+rows, b.Bottom)
		chunk := make([]byte, 0, (bottom-top)*b.Width()*img.Planes()*img.PixelType().Size())
		for row := top; row < bottom; row++ {
			for col := b.Left; col < b.Right; col++ {
				for p := 0; p < img.Planes(); p++ {
					if img.PixelType() == dng.PixelUint8 {
						chunk = append(chunk, buf.Uint8(row, col, p))
					} else {
						chunk = le.AppendUint16(chunk, buf.Uint16(row, col, p))
					}
				}
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// tileChunks encodes size x size lossless JPEG tiles in row-major order.
// Tiles at the right and bottom edges repeat the last column and row.
func tileChunks(img *dng.Image, size, predictor int) ([][]byte, error) {
	buf := img.Buffer()
	b := img.Bounds()
	planes := img.Planes()
	precision := img.PixelType().Size() * 8
	samples := make([]uint16, size*size*planes)
	var chunks [][]byte
	for top := b.Top; top < b.Bottom; top += size {
		for left := b.Left; left < b.Right; left += size {
			i := 0
			for y := 0; y < size; y++ {
				row := min(top+y, b.Bottom-1)
				for x := 0; x < size; x++ {
					col := min(left+x, b.Right-1)
					for p := 0; p < planes; p++ {
						samples[i] = uint16(buf.Sample(row, col, p))
						i++
					}
				}
			}
			var tile bytes.Buffer
			opt := ljpeg.EncodeOptions{Precision: precision, Predictor: predictor}
			if err := ljpeg.Encode(&tile, samples, size, size, planes, opt); err != nil {
				return nil, fmt.Errorf("tile at %d,%d: %w", top, left, err)
			}
			chunks = append(chunks, tile.Bytes())
		}
	}
	return chunks, nil
}
