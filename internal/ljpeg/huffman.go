package ljpeg

import (
	"fmt"
	"slices"
)

const lookupBits = 9

// huffTable is a decoding table for difference categories (SSSS).
type huffTable struct {
	bits   [17]int // codes per length, index 1..16
	values []uint8

	// lookup maps the next lookupBits bits to size<<8|value; 0 is a miss.
	lookup  [1 << lookupBits]uint16
	maxCode [18]int32
	minCode [17]int32
	valPtr  [17]int32
}

func newHuffTable(bits [17]int, values []uint8) (*huffTable, error) {
	total := 0
	for l := 1; l <= 16; l++ {
		total += bits[l]
	}
	if total != len(values) || total == 0 || total > 256 {
		return nil, fmt.Errorf("%w: huffman table with %d codes and %d values", ErrSyntax, total, len(values))
	}
	t := &huffTable{bits: bits, values: values}

	code, k := int32(0), 0
	for l := 1; l <= 16; l++ {
		t.valPtr[l] = int32(k)
		t.minCode[l] = code
		for i := 0; i < bits[l]; i++ {
			if l <= lookupBits {
				shift := lookupBits - l
				base := int(code) << shift
				for j := 0; j < 1<<shift; j++ {
					t.lookup[base+j] = uint16(l)<<8 | uint16(values[k])
				}
			}
			code++
			k++
		}
		t.maxCode[l] = code - 1
		if bits[l] == 0 {
			t.maxCode[l] = -1
		}
		if code > 1<<l {
			return nil, fmt.Errorf("%w: oversubscribed huffman table", ErrSyntax)
		}
		code <<= 1
	}
	t.maxCode[17] = 1 << 30
	return t, nil
}

// decode reads one symbol.
func (t *huffTable) decode(br *bitReader) (int, error) {
	peek := br.peek(16)
	if e := t.lookup[peek>>(16-lookupBits)]; e != 0 {
		if err := br.skip(uint(e >> 8)); err != nil {
			return 0, err
		}
		return int(e & 0xff), nil
	}
	for l := lookupBits + 1; l <= 16; l++ {
		code := int32(peek >> (16 - l))
		if code <= t.maxCode[l] {
			if err := br.skip(uint(l)); err != nil {
				return 0, err
			}
			return int(t.values[t.valPtr[l]+code-t.minCode[l]]), nil
		}
	}
	return 0, fmt.Errorf("%w: bad huffman code", ErrSyntax)
}

// encTable maps symbols to codes.
type encTable struct {
	bits   [17]int
	values []uint8
	code   [256]uint16
	size   [256]uint8
}

// buildEncTable derives length-limited code lengths from symbol frequencies
// following the procedure of ITU-T T.81 Annex K.2, then assigns canonical
// codes.
func buildEncTable(freq [17]int) *encTable {
	const n = 18 // 17 categories plus a reserved symbol that keeps codes off all-ones
	var (
		f      [n]int
		size   [n]int
		others [n]int
	)
	copy(f[:], freq[:])
	f[n-1] = 1
	for i := range others {
		others[i] = -1
	}
	for {
		v1, v2 := -1, -1
		for i := 0; i < n; i++ {
			if f[i] > 0 && (v1 < 0 || f[i] <= f[v1]) {
				v1 = i
			}
		}
		for i := 0; i < n; i++ {
			if f[i] > 0 && i != v1 && (v2 < 0 || f[i] <= f[v2]) {
				v2 = i
			}
		}
		if v2 < 0 {
			break
		}
		f[v1] += f[v2]
		f[v2] = 0
		size[v1]++
		for others[v1] >= 0 {
			v1 = others[v1]
			size[v1]++
		}
		others[v1] = v2
		size[v2]++
		for others[v2] >= 0 {
			v2 = others[v2]
			size[v2]++
		}
	}

	var bits [33]int
	for _, s := range size {
		if s > 0 {
			bits[s]++
		}
	}
	for i := 32; i > 16; i-- {
		for bits[i] > 0 {
			j := i - 2
			for bits[j] == 0 {
				j--
			}
			bits[i] -= 2
			bits[i-1]++
			bits[j+1] += 2
			bits[j]--
		}
	}
	i := 16
	for bits[i] == 0 {
		i--
	}
	bits[i]--

	t := &encTable{}
	copy(t.bits[:], bits[:17])
	var syms []int
	for s := 0; s < n-1; s++ {
		if size[s] > 0 {
			syms = append(syms, s)
		}
	}
	slices.SortStableFunc(syms, func(a, b int) int { return size[a] - size[b] })
	for _, s := range syms {
		t.values = append(t.values, uint8(s))
	}

	code, k := uint16(0), 0
	for l := 1; l <= 16; l++ {
		for c := 0; c < t.bits[l]; c++ {
			s := t.values[k]
			t.code[s], t.size[s] = code, uint8(l)
			code++
			k++
		}
		code <<= 1
	}
	return t
}
