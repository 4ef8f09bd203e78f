package rawio

import (
	"fmt"

	"dngpipe/internal/dng"
)

// unpackBits reads len(dst) samples of the given depth from src, most
// significant bit first. It returns the number of bytes used, rounded up to a
// whole byte.
func unpackBits(dst []uint32, src []byte, bits int) (int, error) {
	if bits < 1 || bits > 32 {
		return 0, fmt.Errorf("%w: %d bits per sample", dng.ErrBadFormat, bits)
	}
	need := (len(dst)*bits + 7) / 8
	if len(src) < need {
		return 0, fmt.Errorf("%w: packed row needs %d bytes, have %d", dng.ErrBadFormat, need, len(src))
	}
	mask := uint64(1)<<bits - 1
	var acc uint64
	n, pos := 0, 0
	for i := range dst {
		for n < bits {
			acc = acc<<8 | uint64(src[pos])
			pos++
			n += 8
		}
		n -= bits
		dst[i] = uint32(acc >> n & mask)
	}
	return need, nil
}

// packBits is the inverse of unpackBits. Samples are truncated to bits.
func packBits(dst []byte, src []uint32, bits int) []byte {
	var acc uint64
	n := 0
	mask := uint64(1)<<bits - 1
	for _, v := range src {
		acc = acc<<bits | uint64(v)&mask
		n += bits
		for n >= 8 {
			n -= 8
			dst = append(dst, byte(acc>>n))
		}
	}
	if n > 0 {
		dst = append(dst, byte(acc<<(8-n)))
	}
	return dst
}

// reorderBlocks rewrites data, stored as consecutive blockRows x blockCols
// blocks, into row-major order. rowBytes is the length of one image row and
// colBytes the size of one pixel. scratch must be at least len(data) long.
func reorderBlocks(data, scratch []byte, rows, rowBytes, colBytes, blockRows, blockCols int) error {
	cols := rowBytes / colBytes
	if rows%blockRows != 0 || cols%blockCols != 0 {
		return fmt.Errorf("%w: %dx%d tile is not a multiple of %dx%d sub-tile blocks",
			dng.ErrBadFormat, rows, cols, blockRows, blockCols)
	}
	size := rows * rowBytes
	if len(data) < size || len(scratch) < size {
		return fmt.Errorf("%w: sub-tile reorder needs %d bytes", dng.ErrBadFormat, size)
	}
	blockColBytes := blockCols * colBytes
	src := 0
	for rb := 0; rb < rows/blockRows; rb++ {
		for cb := 0; cb < cols/blockCols; cb++ {
			dst := rb*blockRows*rowBytes + cb*blockColBytes
			for i := 0; i < blockRows; i++ {
				copy(scratch[dst:dst+blockColBytes], data[src:src+blockColBytes])
				src += blockColBytes
				dst += rowBytes
			}
		}
	}
	copy(data[:size], scratch[:size])
	return nil
}

// interleaveRow maps a stored row to its image row for a row interleave
// factor: the file holds rows 0, f, 2f... followed by 1, f+1, 2f+1 and so on.
func interleaveRow(row, top, rows, factor int) int {
	fieldRow := row - top
	for field := 0; field < factor; field++ {
		fieldRows := (rows - field + factor - 1) / factor
		if fieldRow < fieldRows {
			return fieldRow*factor + field + top
		}
		fieldRow -= fieldRows
	}
	return row
}
