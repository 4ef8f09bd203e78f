package ljpeg

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"
)

// EncodeOptions select the scan parameters. Zero values mean 16-bit
// precision, predictor 1 and no restart markers.
type EncodeOptions struct {
	Precision       int
	Predictor       int
	RestartInterval int // in samples, must be a multiple of the width
}

type bitWriter struct {
	buf  bytes.Buffer
	acc  uint32
	nacc uint
}

func (w *bitWriter) write(code uint32, size uint) {
	for size > 0 {
		take := min(size, 24-w.nacc)
		size -= take
		w.acc = w.acc<<take | (code>>size)&(1<<take-1)
		w.nacc += take
		for w.nacc >= 8 {
			b := byte(w.acc >> (w.nacc - 8))
			w.buf.WriteByte(b)
			if b == 0xFF {
				w.buf.WriteByte(0)
			}
			w.nacc -= 8
		}
	}
}

// flush pads the final byte with one bits.
func (w *bitWriter) flush() {
	if w.nacc > 0 {
		w.write(1<<(8-w.nacc)-1, 8-w.nacc)
	}
	w.acc = 0
}

func (w *bitWriter) marker(m byte, payload ...byte) {
	w.buf.WriteByte(0xFF)
	w.buf.WriteByte(m)
	if payload != nil {
		n := len(payload) + 2
		w.buf.WriteByte(byte(n >> 8))
		w.buf.WriteByte(byte(n))
		w.buf.Write(payload)
	}
}

// Encode writes samples, width*height lines of interleaved components, as a
// lossless JPEG stream.
func Encode(w io.Writer, samples []uint16, width, height, components int, opt EncodeOptions) error {
	f := Frame{
		Precision:       opt.Precision,
		Width:           width,
		Height:          height,
		Components:      components,
		Predictor:       opt.Predictor,
		RestartInterval: opt.RestartInterval,
	}
	if f.Precision == 0 {
		f.Precision = 16
	}
	if f.Predictor == 0 {
		f.Predictor = 1
	}
	switch {
	case f.Precision < 2 || f.Precision > 16:
		return fmt.Errorf("%w: precision %d", ErrUnsupported, f.Precision)
	case f.Predictor < 1 || f.Predictor > 7:
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, f.Predictor)
	case components < 1 || components > maxComponents:
		return fmt.Errorf("%w: %d components", ErrUnsupported, components)
	case width < 1 || height < 1 || width > 0xffff || height > 0xffff:
		return fmt.Errorf("%w: size %dx%d", ErrUnsupported, width, height)
	case len(samples) != width*height*components:
		return fmt.Errorf("ljpeg: %d samples for %dx%dx%d", len(samples), width, height, components)
	case f.RestartInterval < 0 || f.RestartInterval > 0xffff || (f.RestartInterval > 0 && f.RestartInterval%width != 0):
		return fmt.Errorf("%w: restart interval %d", ErrUnsupported, f.RestartInterval)
	}
	limit := 1 << f.Precision
	for i, s := range samples {
		if int(s) >= limit {
			return fmt.Errorf("ljpeg: sample %d value %d exceeds %d bits", i, s, f.Precision)
		}
	}

	// First pass gathers category statistics, second pass emits codes.
	var freq [17]int
	walk(f, samples, func(_ int, ssss int, _ int) { freq[ssss]++ }, nil)
	t := buildEncTable(freq)

	bw := &bitWriter{}
	bw.marker(markerSOI)
	sof := []byte{byte(f.Precision), byte(height >> 8), byte(height), byte(width >> 8), byte(width), byte(components)}
	for c := 0; c < components; c++ {
		sof = append(sof, byte(c+1), 0x11, 0)
	}
	bw.marker(markerSOF3, sof...)
	dht := []byte{0x00}
	for l := 1; l <= 16; l++ {
		dht = append(dht, byte(t.bits[l]))
	}
	dht = append(dht, t.values...)
	bw.marker(markerDHT, dht...)
	if f.RestartInterval > 0 {
		bw.marker(markerDRI, byte(f.RestartInterval>>8), byte(f.RestartInterval))
	}
	sos := []byte{byte(components)}
	for c := 0; c < components; c++ {
		sos = append(sos, byte(c+1), 0x00)
	}
	sos = append(sos, byte(f.Predictor), 0, 0)
	bw.marker(markerSOS, sos...)

	walk(f, samples, func(diff, ssss int, _ int) {
		bw.write(uint32(t.code[ssss]), uint(t.size[ssss]))
		if ssss > 0 && ssss < 16 {
			v := diff
			if v < 0 {
				v--
			}
			bw.write(uint32(v)&(1<<ssss-1), uint(ssss))
		}
	}, func(n int) {
		bw.flush()
		bw.marker(markerRST0 + byte(n%8))
	})
	bw.flush()
	bw.marker(markerEOI)
	_, err := w.Write(bw.buf.Bytes())
	return err
}

// walk visits every sample in scan order with its wrapped difference and
// category. restart, when set, runs before each new restart interval.
func walk(f Frame, samples []uint16, visit func(diff, ssss, index int), restart func(n int)) {
	pred := newPredictor(f)
	lineLen := f.Width * f.Components
	cur := make([]int, lineLen)
	prev := make([]int, lineLen)
	mcus, intervals := 0, 0
	for row := 0; row < f.Height; row++ {
		for col := 0; col < f.Width; col++ {
			if f.RestartInterval > 0 && mcus > 0 && mcus%f.RestartInterval == 0 {
				if restart != nil {
					restart(intervals)
				}
				intervals++
				pred.restart(row, col)
			}
			mcus++
			for c := 0; c < f.Components; c++ {
				i := col*f.Components + c
				x := int(samples[row*lineLen+i])
				diff := (x - pred.predict(row, col, i, cur, prev)) & 0xffff
				if diff >= 0x8000 {
					diff -= 0x10000
				}
				ssss := 16
				if diff != -0x8000 {
					ssss = bits.Len(uint(absInt(diff)))
				}
				cur[i] = x
				visit(diff, ssss, row*lineLen+i)
			}
		}
		cur, prev = prev, cur
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
