package rawio

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestUnpackBitsKnownTwelveBit(t *testing.T) {
	src := []byte{0xAB, 0xC1, 0x23, 0xFF, 0xF0, 0x00, 0x80, 0x00}
	want := []uint32{0xABC, 0x123, 0xFFF, 0x000, 0x800}
	got := make([]uint32, len(want))
	n, err := unpackBits(got, src, 12)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes used, got %d", n)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %#x, got %#x", i, want[i], got[i])
		}
	}
	if packed := packBits(nil, want, 12); !bytes.Equal(packed, src) {
		t.Fatalf("expected packed % x, got % x", src, packed)
	}
}

func TestUnpackBitsAllDepths(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for bits := 9; bits <= 31; bits++ {
		if bits == 16 {
			continue
		}
		for _, count := range []int{1, 7, 33} {
			want := make([]uint32, count)
			for i := range want {
				want[i] = uint32(rng.Int63n(1 << bits))
			}
			want[0] = 1<<bits - 1
			packed := packBits(nil, want, bits)
			if len(packed) != (count*bits+7)/8 {
				t.Fatalf("%d bits x %d: packed to %d bytes", bits, count, len(packed))
			}
			got := make([]uint32, count)
			if _, err := unpackBits(got, packed, bits); err != nil {
				t.Fatalf("%d bits: %v", bits, err)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("%d bits sample %d: expected %d, got %d", bits, i, want[i], got[i])
				}
			}
		}
	}
}

func TestUnpackBitsShortInput(t *testing.T) {
	if _, err := unpackBits(make([]uint32, 3), []byte{1, 2, 3, 4}, 12); err == nil {
		t.Fatalf("expected error for 4 bytes holding three 12-bit samples")
	}
}

func TestReorderBlocks(t *testing.T) {
	// 2x4 pixels stored as two 2x2 blocks.
	data := []byte{0, 1, 10, 11, 2, 3, 12, 13}
	scratch := make([]byte, len(data))
	if err := reorderBlocks(data, scratch, 2, 4, 1, 2, 2); err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 1, 2, 3, 10, 11, 12, 13}
	if !bytes.Equal(data, want) {
		t.Fatalf("expected %v, got %v", want, data)
	}
	if err := reorderBlocks(data, scratch, 3, 4, 1, 2, 2); err == nil {
		t.Fatalf("expected error for rows not a multiple of the block height")
	}
}

func TestInterleaveRow(t *testing.T) {
	tests := []struct {
		factor int
		rows   int
		want   []int
	}{
		{1, 3, []int{0, 1, 2}},
		{2, 5, []int{0, 2, 4, 1, 3}},
		{3, 7, []int{0, 3, 6, 1, 4, 2, 5}},
	}
	for _, tt := range tests {
		for stored, want := range tt.want {
			if got := interleaveRow(stored+10, 10, tt.rows, tt.factor); got != want+10 {
				t.Fatalf("factor %d: stored row %d maps to %d, expected %d", tt.factor, stored, got-10, want)
			}
		}
	}
}
