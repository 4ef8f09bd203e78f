package ljpeg

import (
	"encoding/binary"
	"fmt"
)

// bitReader reads MSB-first entropy-coded bits, removing stuffed zero bytes.
// At a marker or the end of data it feeds zero bits and counts them so an
// overrun can be detected.
type bitReader struct {
	data   []byte
	pos    int
	acc    uint64
	n      uint
	fake   uint
	marker bool
}

func (b *bitReader) fill() {
	for b.n <= 56 {
		if b.marker || b.pos >= len(b.data) {
			b.acc <<= 8
			b.n += 8
			b.fake += 8
			continue
		}
		c := b.data[b.pos]
		if c == 0xFF {
			if b.pos+1 < len(b.data) && b.data[b.pos+1] == 0 {
				b.pos += 2
			} else {
				b.marker = true
				continue
			}
		} else {
			b.pos++
		}
		b.acc = b.acc<<8 | uint64(c)
		b.n += 8
	}
}

func (b *bitReader) peek(k uint) uint32 {
	if b.n < k {
		b.fill()
	}
	return uint32(b.acc>>(b.n-k)) & (1<<k - 1)
}

func (b *bitReader) skip(k uint) error {
	if b.n < k {
		b.fill()
	}
	b.n -= k
	if b.n < b.fake {
		return ErrOverrun
	}
	return nil
}

func (b *bitReader) bits(k uint) (int, error) {
	if k == 0 {
		return 0, nil
	}
	v := b.peek(k)
	return int(v), b.skip(k)
}

// reset drops buffered bits; the position is left at the next marker.
func (b *bitReader) reset() {
	b.acc, b.n, b.fake, b.marker = 0, 0, 0, false
}

// nextMarker skips fill bytes and returns the marker code at the position.
func (b *bitReader) nextMarker() (byte, error) {
	for b.pos < len(b.data) && b.data[b.pos] != 0xFF {
		b.pos++
	}
	for b.pos+1 < len(b.data) && b.data[b.pos+1] == 0xFF {
		b.pos++
	}
	if b.pos+1 >= len(b.data) {
		return 0, fmt.Errorf("%w: missing marker", ErrOverrun)
	}
	m := b.data[b.pos+1]
	b.pos += 2
	return m, nil
}

type decoder struct {
	data      []byte
	pos       int
	frame     Frame
	tables    [4]*huffTable
	compTable [maxComponents]int
	compIDs   [maxComponents]int
	sawFrame  bool
}

// DecodeConfig parses the headers up to and including the scan header.
func DecodeConfig(data []byte) (Frame, error) {
	d := &decoder{data: data}
	if err := d.readHeaders(); err != nil {
		return Frame{}, err
	}
	return d.frame, nil
}

// Decode decodes a lossless stream, calling fn for each line. It returns the
// number of bytes consumed through the EOI marker, or through the last
// entropy-coded byte when EOI is missing.
func Decode(data []byte, fn RowFunc) (Frame, int, error) {
	d := &decoder{data: data}
	if err := d.readHeaders(); err != nil {
		return Frame{}, 0, err
	}
	n, err := d.decodeScan(fn)
	return d.frame, n, err
}

func (d *decoder) u16(at int) int { return int(binary.BigEndian.Uint16(d.data[at:])) }

// segment returns the payload of the marker segment at d.pos and advances
// past it.
func (d *decoder) segment() ([]byte, error) {
	if d.pos+2 > len(d.data) {
		return nil, fmt.Errorf("%w: truncated segment", ErrSyntax)
	}
	n := d.u16(d.pos)
	if n < 2 || d.pos+n > len(d.data) {
		return nil, fmt.Errorf("%w: segment length %d", ErrSyntax, n)
	}
	seg := d.data[d.pos+2 : d.pos+n]
	d.pos += n
	return seg, nil
}

func (d *decoder) readHeaders() error {
	if len(d.data) < 2 || d.data[0] != 0xFF || d.data[1] != markerSOI {
		return ErrNoJPEG
	}
	d.pos = 2
	for {
		if d.pos+2 > len(d.data) {
			return fmt.Errorf("%w: no scan", ErrSyntax)
		}
		if d.data[d.pos] != 0xFF {
			return fmt.Errorf("%w: expected marker at %d", ErrSyntax, d.pos)
		}
		m := d.data[d.pos+1]
		d.pos += 2
		switch {
		case m == 0xFF:
			d.pos-- // fill byte
		case m == markerSOF3:
			seg, err := d.segment()
			if err != nil {
				return err
			}
			if err := d.readFrame(seg); err != nil {
				return err
			}
		case m == markerSOF0 || m == markerSOF1 || m == markerSOF2:
			return ErrLossy
		case m >= 0xC5 && m <= 0xCF && m != 0xC8 && m != 0xCC:
			return fmt.Errorf("%w: frame type 0x%02X", ErrUnsupported, m)
		case m == markerDHT:
			seg, err := d.segment()
			if err != nil {
				return err
			}
			if err := d.readDHT(seg); err != nil {
				return err
			}
		case m == markerDRI:
			seg, err := d.segment()
			if err != nil {
				return err
			}
			if len(seg) != 2 {
				return fmt.Errorf("%w: DRI length", ErrSyntax)
			}
			d.frame.RestartInterval = int(binary.BigEndian.Uint16(seg))
		case m == markerSOS:
			seg, err := d.segment()
			if err != nil {
				return err
			}
			return d.readSOS(seg)
		case m == markerEOI:
			return fmt.Errorf("%w: EOI before scan", ErrSyntax)
		default:
			if _, err := d.segment(); err != nil {
				return err
			}
		}
	}
}

func (d *decoder) readFrame(seg []byte) error {
	if len(seg) < 6 {
		return fmt.Errorf("%w: short SOF3", ErrSyntax)
	}
	f := &d.frame
	f.Precision = int(seg[0])
	f.Height = int(binary.BigEndian.Uint16(seg[1:]))
	f.Width = int(binary.BigEndian.Uint16(seg[3:]))
	f.Components = int(seg[5])
	if f.Precision < 2 || f.Precision > 16 {
		return fmt.Errorf("%w: precision %d", ErrUnsupported, f.Precision)
	}
	if f.Components < 1 || f.Components > maxComponents || len(seg) != 6+3*f.Components {
		return fmt.Errorf("%w: %d components", ErrUnsupported, f.Components)
	}
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("%w: frame %dx%d", ErrUnsupported, f.Width, f.Height)
	}
	for i := 0; i < f.Components; i++ {
		c := seg[6+3*i:]
		if c[1] != 0x11 {
			return fmt.Errorf("%w: sampling factors 0x%02X", ErrUnsupported, c[1])
		}
		d.compIDs[i] = int(c[0])
	}
	d.sawFrame = true
	return nil
}

func (d *decoder) readDHT(seg []byte) error {
	for len(seg) > 0 {
		if len(seg) < 17 {
			return fmt.Errorf("%w: short DHT", ErrSyntax)
		}
		class, id := seg[0]>>4, int(seg[0]&0x0f)
		var bits [17]int
		total := 0
		for l := 1; l <= 16; l++ {
			bits[l] = int(seg[l])
			total += bits[l]
		}
		if len(seg) < 17+total {
			return fmt.Errorf("%w: short DHT values", ErrSyntax)
		}
		values := append([]uint8(nil), seg[17:17+total]...)
		seg = seg[17+total:]
		if class != 0 {
			continue
		}
		if id > 3 {
			return fmt.Errorf("%w: huffman table id %d", ErrSyntax, id)
		}
		t, err := newHuffTable(bits, values)
		if err != nil {
			return err
		}
		d.tables[id] = t
	}
	return nil
}

func (d *decoder) readSOS(seg []byte) error {
	if !d.sawFrame {
		return fmt.Errorf("%w: scan before frame", ErrSyntax)
	}
	if len(seg) < 1 {
		return fmt.Errorf("%w: short SOS", ErrSyntax)
	}
	n := int(seg[0])
	if n != d.frame.Components || len(seg) != 4+2*n {
		return fmt.Errorf("%w: scan with %d of %d components", ErrUnsupported, n, d.frame.Components)
	}
	for i := 0; i < n; i++ {
		id, tbl := int(seg[1+2*i]), int(seg[2+2*i]>>4)
		if id != d.compIDs[i] {
			return fmt.Errorf("%w: scan component order", ErrUnsupported)
		}
		if tbl > 3 || d.tables[tbl] == nil {
			return fmt.Errorf("%w: missing huffman table %d", ErrSyntax, tbl)
		}
		d.compTable[i] = tbl
	}
	rest := seg[1+2*n:]
	d.frame.Predictor = int(rest[0])
	d.frame.PointTransform = int(rest[2] & 0x0f)
	if d.frame.Predictor < 1 || d.frame.Predictor > 7 {
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, d.frame.Predictor)
	}
	if d.frame.PointTransform >= d.frame.Precision {
		return fmt.Errorf("%w: point transform %d", ErrSyntax, d.frame.PointTransform)
	}
	return nil
}

func (d *decoder) decodeScan(fn RowFunc) (int, error) {
	f := d.frame
	br := &bitReader{data: d.data, pos: d.pos}
	pred := newPredictor(f)
	lineLen := f.Width * f.Components
	cur := make([]int, lineLen)
	prev := make([]int, lineLen)
	out := make([]uint16, lineLen)
	var tables [maxComponents]*huffTable
	for i := 0; i < f.Components; i++ {
		tables[i] = d.tables[d.compTable[i]]
	}

	mcus := 0
	for row := 0; row < f.Height; row++ {
		for col := 0; col < f.Width; col++ {
			if f.RestartInterval > 0 && mcus > 0 && mcus%f.RestartInterval == 0 {
				if err := d.restart(br); err != nil {
					return br.pos, err
				}
				pred.restart(row, col)
			}
			mcus++
			for c := 0; c < f.Components; c++ {
				ssss, err := tables[c].decode(br)
				if err != nil {
					return br.pos, fmt.Errorf("row %d col %d: %w", row, col, err)
				}
				var diff int
				switch {
				case ssss == 16:
					diff = 32768
				case ssss > 16:
					return br.pos, fmt.Errorf("%w: difference category %d", ErrSyntax, ssss)
				default:
					v, err := br.bits(uint(ssss))
					if err != nil {
						return br.pos, fmt.Errorf("row %d col %d: %w", row, col, err)
					}
					if ssss > 0 && v < 1<<(ssss-1) {
						v -= 1<<ssss - 1
					}
					diff = v
				}
				i := col*f.Components + c
				x := (pred.predict(row, col, i, cur, prev) + diff) & 0xffff
				cur[i] = x
				out[i] = uint16(x << f.PointTransform)
			}
		}
		if err := fn(row, out); err != nil {
			return br.pos, err
		}
		cur, prev = prev, cur
	}

	br.reset()
	end := br.pos
	if m, err := br.nextMarker(); err == nil && m == markerEOI {
		end = br.pos
	}
	return end, nil
}

func (d *decoder) restart(br *bitReader) error {
	br.reset()
	m, err := br.nextMarker()
	if err != nil {
		return err
	}
	if m < markerRST0 || m > markerRST7 {
		return fmt.Errorf("%w: expected restart marker, got 0x%02X", ErrSyntax, m)
	}
	return nil
}
