package rawio

import (
	"encoding/binary"
	"fmt"
	"math"

	"dngpipe/internal/dng"
	"dngpipe/internal/stream"
)

const (
	maxIFDs       = 64
	maxIFDEntries = 4096
)

// Entry is one IFD field with its value bytes in file byte order.
type Entry struct {
	Tag   uint16
	Type  uint16
	Count uint32
	// Offset is where the value bytes start in the file.
	Offset int64
	Data   []byte
}

func (e Entry) uint(order binary.ByteOrder, i int) uint64 {
	switch e.Type {
	case TypeByte, TypeUndefined, TypeASCII:
		return uint64(e.Data[i])
	case TypeSByte:
		return uint64(int8(e.Data[i]))
	case TypeShort:
		return uint64(order.Uint16(e.Data[2*i:]))
	case TypeSShort:
		return uint64(int16(order.Uint16(e.Data[2*i:])))
	case TypeLong, TypeIFD:
		return uint64(order.Uint32(e.Data[4*i:]))
	case TypeSLong:
		return uint64(int32(order.Uint32(e.Data[4*i:])))
	default:
		return uint64(e.float(order, i))
	}
}

func (e Entry) float(order binary.ByteOrder, i int) float64 {
	switch e.Type {
	case TypeRational:
		num, den := order.Uint32(e.Data[8*i:]), order.Uint32(e.Data[8*i+4:])
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	case TypeSRational:
		num, den := int32(order.Uint32(e.Data[8*i:])), int32(order.Uint32(e.Data[8*i+4:]))
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	case TypeFloat:
		return float64(math.Float32frombits(order.Uint32(e.Data[4*i:])))
	case TypeDouble:
		return math.Float64frombits(order.Uint64(e.Data[8*i:]))
	case TypeSByte, TypeSShort, TypeSLong:
		return float64(int64(e.uint(order, i)))
	default:
		return float64(e.uint(order, i))
	}
}

// IFD is a parsed image file directory with the fields the raw reader uses.
type IFD struct {
	Offset  int64
	Entries map[uint16]Entry

	NewSubfileType  uint32
	Width           int
	Length          int
	BitsPerSample   []int
	SampleFormat    []int
	Compression     int
	Photometric     int
	SamplesPerPixel int
	PlanarConfig    int
	Predictor       int
	Model           string

	// Strips are described as tiles spanning the full width.
	UsesTiles      bool
	TileWidth      int
	TileLength     int
	TileOffsets    []int64
	TileByteCounts []int64

	RowInterleave int
	SubTileBlock  dng.Point

	CFARepeat  dng.Point
	CFAPattern []uint8

	LinearizationTable []uint16
	BlackRepeat        dng.Point
	BlackLevel         []float64
	BlackDeltaH        []float64
	BlackDeltaV        []float64
	WhiteLevel         []float64
	ActiveArea         dng.Rect

	// OpcodeLists holds the byte ranges of opcode lists 1 to 3; a zero
	// count means the list is absent.
	OpcodeLists [3]struct{ Offset, Count int64 }

	SubIFDs []int64
}

// File is a parsed TIFF/DNG container.
type File struct {
	Data  []byte
	Order binary.ByteOrder
	// IFDs lists the main chain followed by sub-IFDs, in discovery order.
	IFDs []*IFD
}

// Parse reads the header and every reachable IFD of data.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: file too short", dng.ErrBadFormat)
	}
	f := &File{Data: data}
	switch string(data[:2]) {
	case "II":
		f.Order = binary.LittleEndian
	case "MM":
		f.Order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a TIFF file", dng.ErrBadFormat)
	}
	if f.Order.Uint16(data[2:]) != 42 {
		return nil, fmt.Errorf("%w: bad TIFF magic", dng.ErrBadFormat)
	}

	seen := make(map[int64]bool)
	queue := []int64{int64(f.Order.Uint32(data[4:]))}
	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]
		if off == 0 || seen[off] {
			continue
		}
		if len(seen) >= maxIFDs {
			return nil, fmt.Errorf("%w: too many IFDs", dng.ErrBadFormat)
		}
		seen[off] = true
		ifd, next, err := f.readIFD(off)
		if err != nil {
			return nil, err
		}
		f.IFDs = append(f.IFDs, ifd)
		queue = append(queue, ifd.SubIFDs...)
		queue = append(queue, next)
	}
	if len(f.IFDs) == 0 {
		return nil, fmt.Errorf("%w: no IFDs", dng.ErrBadFormat)
	}
	return f, nil
}

// Stream returns a stream over the file in its byte order.
func (f *File) Stream() *stream.Stream { return stream.New(f.Data, f.Order) }

// RawIFD returns the full-resolution raw IFD: a main image (NewSubfileType 0)
// with CFA or LinearRaw photometric interpretation, the largest if several.
func (f *File) RawIFD() (*IFD, error) {
	var best *IFD
	for _, ifd := range f.IFDs {
		if ifd.NewSubfileType != 0 {
			continue
		}
		if ifd.Photometric != PhotometricCFA && ifd.Photometric != PhotometricLinearRaw {
			continue
		}
		if best == nil || ifd.Width*ifd.Length > best.Width*best.Length {
			best = ifd
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no raw IFD", dng.ErrBadFormat)
	}
	return best, nil
}

// DNGVersion returns the DNGVersion tag of the first IFD packed as
// 0xAABBCCDD, or 0 for plain TIFF files.
func (f *File) DNGVersion() uint32 {
	e, ok := f.IFDs[0].Entries[TagDNGVersion]
	if !ok || e.Count < 4 || e.Type != TypeByte {
		return 0
	}
	return binary.BigEndian.Uint32(e.Data)
}

func (f *File) readIFD(off int64) (*IFD, int64, error) {
	s := f.Stream()
	s.SetPosition(off)
	n := int(s.Uint16())
	if err := s.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: IFD at %d: %v", dng.ErrBadFormat, off, err)
	}
	if n > maxIFDEntries {
		return nil, 0, fmt.Errorf("%w: IFD at %d has %d entries", dng.ErrBadFormat, off, n)
	}
	ifd := &IFD{Offset: off, Entries: make(map[uint16]Entry, n)}
	for i := 0; i < n; i++ {
		e := Entry{Tag: s.Uint16(), Type: s.Uint16(), Count: s.Uint32()}
		size := int64(typeSize(e.Type)) * int64(e.Count)
		valuePos := s.Position()
		if size > 4 {
			valuePos = int64(s.Uint32())
		} else {
			s.Skip(4)
		}
		if err := s.Err(); err != nil {
			return nil, 0, fmt.Errorf("%w: IFD at %d entry %d: %v", dng.ErrBadFormat, off, i, err)
		}
		if typeSize(e.Type) == 0 {
			continue
		}
		if valuePos < 0 || size > int64(len(f.Data)) || valuePos+size > int64(len(f.Data)) {
			return nil, 0, fmt.Errorf("%w: tag %d value at %d overruns file", dng.ErrBadFormat, e.Tag, valuePos)
		}
		e.Offset = valuePos
		e.Data = f.Data[valuePos : valuePos+size]
		ifd.Entries[e.Tag] = e
	}
	next := int64(s.Uint32())
	if s.Err() != nil {
		next = 0
	}
	if err := ifd.decode(f.Order); err != nil {
		return nil, 0, err
	}
	return ifd, next, nil
}

func (ifd *IFD) uints(order binary.ByteOrder, tag uint16) []uint64 {
	e, ok := ifd.Entries[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, e.Count)
	for i := range out {
		out[i] = e.uint(order, i)
	}
	return out
}

func (ifd *IFD) floats(order binary.ByteOrder, tag uint16) []float64 {
	e, ok := ifd.Entries[tag]
	if !ok {
		return nil
	}
	out := make([]float64, e.Count)
	for i := range out {
		out[i] = e.float(order, i)
	}
	return out
}

func (ifd *IFD) first(order binary.ByteOrder, tag uint16, def int) int {
	if v := ifd.uints(order, tag); len(v) > 0 {
		return int(v[0])
	}
	return def
}

func (ifd *IFD) ints(order binary.ByteOrder, tag uint16, n int, def int) []int {
	v := ifd.uints(order, tag)
	out := make([]int, max(len(v), n, 1))
	for i := range out {
		if i < len(v) {
			out[i] = int(v[i])
		} else if len(v) > 0 {
			out[i] = int(v[len(v)-1])
		} else {
			out[i] = def
		}
	}
	return out
}

func int64s(v []uint64) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func (ifd *IFD) decode(order binary.ByteOrder) error {
	ifd.NewSubfileType = uint32(ifd.first(order, TagNewSubfileType, 0))
	ifd.Width = ifd.first(order, TagImageWidth, 0)
	ifd.Length = ifd.first(order, TagImageLength, 0)
	ifd.SamplesPerPixel = ifd.first(order, TagSamplesPerPixel, 1)
	ifd.BitsPerSample = ifd.ints(order, TagBitsPerSample, ifd.SamplesPerPixel, 1)
	ifd.SampleFormat = ifd.ints(order, TagSampleFormat, ifd.SamplesPerPixel, SampleUint)
	ifd.Compression = ifd.first(order, TagCompression, CompressionNone)
	ifd.Photometric = ifd.first(order, TagPhotometricInterpretation, 0)
	ifd.PlanarConfig = ifd.first(order, TagPlanarConfiguration, PlanarChunky)
	ifd.Predictor = ifd.first(order, TagPredictor, PredictorNone)
	ifd.RowInterleave = ifd.first(order, TagRowInterleaveFactor, 1)
	if e, ok := ifd.Entries[TagModel]; ok {
		ifd.Model = cString(e.Data)
	}
	if e, ok := ifd.Entries[TagUniqueCameraModel]; ok && ifd.Model == "" {
		ifd.Model = cString(e.Data)
	}

	if _, ok := ifd.Entries[TagTileWidth]; ok {
		ifd.UsesTiles = true
		ifd.TileWidth = ifd.first(order, TagTileWidth, 0)
		ifd.TileLength = ifd.first(order, TagTileLength, 0)
		ifd.TileOffsets = int64s(ifd.uints(order, TagTileOffsets))
		ifd.TileByteCounts = int64s(ifd.uints(order, TagTileByteCounts))
	} else {
		ifd.TileWidth = ifd.Width
		ifd.TileLength = ifd.first(order, TagRowsPerStrip, ifd.Length)
		if ifd.TileLength <= 0 || ifd.TileLength > ifd.Length {
			ifd.TileLength = ifd.Length
		}
		ifd.TileOffsets = int64s(ifd.uints(order, TagStripOffsets))
		ifd.TileByteCounts = int64s(ifd.uints(order, TagStripByteCounts))
	}

	if v := ifd.uints(order, TagSubTileBlockSize); len(v) == 2 {
		ifd.SubTileBlock = dng.Point{Row: int(v[0]), Col: int(v[1])}
	}
	if v := ifd.uints(order, TagCFARepeatPatternDim); len(v) == 2 {
		ifd.CFARepeat = dng.Point{Row: int(v[0]), Col: int(v[1])}
	}
	if e, ok := ifd.Entries[TagCFAPattern]; ok {
		ifd.CFAPattern = append([]uint8(nil), e.Data...)
	}
	if v := ifd.uints(order, TagLinearizationTable); len(v) > 0 {
		ifd.LinearizationTable = make([]uint16, len(v))
		for i, x := range v {
			ifd.LinearizationTable[i] = uint16(x)
		}
	}
	if v := ifd.uints(order, TagBlackLevelRepeatDim); len(v) == 2 {
		ifd.BlackRepeat = dng.Point{Row: int(v[0]), Col: int(v[1])}
	}
	ifd.BlackLevel = ifd.floats(order, TagBlackLevel)
	ifd.BlackDeltaH = ifd.floats(order, TagBlackLevelDeltaH)
	ifd.BlackDeltaV = ifd.floats(order, TagBlackLevelDeltaV)
	ifd.WhiteLevel = ifd.floats(order, TagWhiteLevel)
	if v := ifd.uints(order, TagActiveArea); len(v) == 4 {
		ifd.ActiveArea = dng.Rect{Top: int(v[0]), Left: int(v[1]), Bottom: int(v[2]), Right: int(v[3])}
	}
	for i, tag := range []uint16{TagOpcodeList1, TagOpcodeList2, TagOpcodeList3} {
		if e, ok := ifd.Entries[tag]; ok {
			ifd.OpcodeLists[i].Offset = e.Offset
			ifd.OpcodeLists[i].Count = int64(len(e.Data))
		}
	}
	ifd.SubIFDs = int64s(ifd.uints(order, TagSubIFDs))

	if ifd.Width < 0 || ifd.Length < 0 || ifd.TileWidth < 0 || ifd.TileLength < 0 {
		return fmt.Errorf("%w: IFD at %d has negative dimensions", dng.ErrBadFormat, ifd.Offset)
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Bounds returns the image rectangle at the origin.
func (ifd *IFD) Bounds() dng.Rect { return dng.NewRect(0, 0, ifd.Length, ifd.Width) }

// PixelType is the storage type the reader decodes samples into.
func (ifd *IFD) PixelType() dng.PixelType {
	bits := ifd.BitsPerSample[0]
	switch {
	case ifd.SampleFormat[0] == SampleFloat:
		return dng.PixelFloat32
	case bits <= 8:
		return dng.PixelUint8
	case bits <= 16:
		return dng.PixelUint16
	default:
		return dng.PixelUint32
	}
}

// TilesAcross and TilesDown count tiles (or strips) per plane.
func (ifd *IFD) TilesAcross() int { return ceilDiv(ifd.Width, ifd.TileWidth) }

func (ifd *IFD) TilesDown() int { return ceilDiv(ifd.Length, ifd.TileLength) }

// TileArea returns the nominal area of tile i within one plane. Tiles keep
// their full size at the right and bottom edges; strips are clipped.
func (ifd *IFD) TileArea(i int) dng.Rect {
	across := ifd.TilesAcross()
	r := dng.NewRect((i/across)*ifd.TileLength, (i%across)*ifd.TileWidth, ifd.TileLength, ifd.TileWidth)
	if !ifd.UsesTiles {
		r = r.Intersect(ifd.Bounds())
	}
	return r
}

// tileLayout returns the number of plane groups holding separate tiles and
// the samples stored per pixel in each tile.
func (ifd *IFD) tileLayout() (groups, samples int) {
	if ifd.PlanarConfig == PlanarPlanar && ifd.SamplesPerPixel > 1 {
		return ifd.SamplesPerPixel, 1
	}
	return 1, ifd.SamplesPerPixel
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
