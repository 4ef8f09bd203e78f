package dng

import "testing"

func TestGetRepeatKeepsPhase(t *testing.T) {
	img := newGray16(4, 4, 0)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			img.Buffer().SetUint16(r, c, 0, uint16(10*r+c))
		}
	}
	dst := NewPixelBuffer(Rect{Top: -3, Left: -3, Bottom: 7, Right: 7}, 0, 1, PixelUint16)
	img.GetRepeat(&dst, 2, 2)

	cases := []struct {
		r, c int
		want uint16
	}{
		{-1, -1, 11},
		{-2, -2, 0},
		{-3, 0, 10},
		{4, 5, 23},
		{6, 6, 22},
		{2, 2, 22},
	}
	for _, tc := range cases {
		if got := dst.Uint16(tc.r, tc.c, 0); got != tc.want {
			t.Fatalf("(%d,%d): expected %d, got %d", tc.r, tc.c, tc.want, got)
		}
	}
	for r := -3; r < 7; r++ {
		for c := -3; c < 7; c++ {
			v := int(dst.Uint16(r, c, 0))
			if (v/10)%2 != mod(r, 2) || (v%10)%2 != mod(c, 2) {
				t.Fatalf("(%d,%d) = %d breaks the 2x2 phase", r, c, v)
			}
		}
	}
}

func TestRepeatSubArea(t *testing.T) {
	buf := NewPixelBuffer(NewRect(0, 0, 6, 6), 0, 1, PixelUint16)
	for r := 2; r < 4; r++ {
		for c := 2; c < 4; c++ {
			buf.SetUint16(r, c, 0, uint16(10*r+c))
		}
	}
	buf.RepeatSubArea(Rect{Top: 2, Left: 2, Bottom: 4, Right: 4}, 1, 1)
	cases := []struct {
		r, c int
		want uint16
	}{{0, 0, 22}, {0, 5, 23}, {5, 0, 32}, {5, 5, 33}, {3, 2, 32}}
	for _, tc := range cases {
		if got := buf.Uint16(tc.r, tc.c, 0); got != tc.want {
			t.Fatalf("(%d,%d): expected %d, got %d", tc.r, tc.c, tc.want, got)
		}
	}
}

func TestCopyAreaConvertsTypes(t *testing.T) {
	area := NewRect(0, 0, 1, 4)

	u16 := NewPixelBuffer(area, 0, 1, PixelUint16)
	for c, v := range []uint16{0, 65535, 32768, 100} {
		u16.SetUint16(0, c, 0, v)
	}
	f := NewPixelBuffer(area, 0, 1, PixelFloat32)
	f.CopyArea(&u16, area, 0, 0, 1)
	if got := f.Float32(0, 1, 0); got != 1 {
		t.Fatalf("expected white to normalise to 1, got %g", got)
	}

	for c, v := range []float32{0.5, 1.5, -0.1, 0.25} {
		f.SetFloat32(0, c, 0, v)
	}
	u16.CopyArea(&f, area, 0, 0, 1)
	want := []uint16{32768, 65535, 0, 16384}
	for c, w := range want {
		if got := u16.Uint16(0, c, 0); got != w {
			t.Fatalf("col %d: expected %d, got %d", c, w, got)
		}
	}

	u8 := NewPixelBuffer(area, 0, 1, PixelUint8)
	u8.SetUint8(0, 2, 0, 200)
	u16.CopyArea(&u8, NewRect(0, 2, 1, 1), 0, 0, 1)
	if got := u16.Uint16(0, 2, 0); got != 200 {
		t.Fatalf("expected integer copy to keep 200, got %d", got)
	}
}

func TestCopyAreaClipsToBothBuffers(t *testing.T) {
	src := NewPixelBuffer(NewRect(0, 0, 4, 4), 0, 1, PixelUint16)
	src.SetConstant(src.Area, 9)
	dst := NewPixelBuffer(NewRect(2, 2, 4, 4), 0, 1, PixelUint16)
	dst.CopyArea(&src, Rect{Top: -10, Left: -10, Bottom: 10, Right: 10}, 0, 0, 1)
	if got := dst.Uint16(3, 3, 0); got != 9 {
		t.Fatalf("expected overlap copied, got %d", got)
	}
	if got := dst.Uint16(4, 4, 0); got != 0 {
		t.Fatalf("expected pixel outside source untouched, got %d", got)
	}
}

func TestResizeAndValidate(t *testing.T) {
	buf := NewPixelBuffer(NewRect(0, 0, 8, 8), 0, 2, PixelUint16)
	if err := buf.Resize(NewRect(10, 10, 4, 16)); err != nil {
		t.Fatalf("resize within capacity: %v", err)
	}
	if buf.RowStep != 32 || buf.ColStep != 2 {
		t.Fatalf("expected interleaved steps, got row %d col %d", buf.RowStep, buf.ColStep)
	}
	if err := buf.Resize(NewRect(0, 0, 9, 8)); err == nil {
		t.Fatalf("expected resize beyond capacity to fail")
	}
	if _, err := WrapPixelBuffer(NewRect(0, 0, 2, 2), 0, 1, PixelUint32, make([]byte, 15)); err == nil {
		t.Fatalf("expected short data to fail validation")
	}
}

func TestImageTrimKeepsStride(t *testing.T) {
	img := newGray16(5, 5, 0)
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			img.Buffer().SetUint16(r, c, 0, uint16(10*r+c))
		}
	}
	if err := img.Trim(Rect{Top: 1, Left: 1, Bottom: 4, Right: 3}); err != nil {
		t.Fatal(err)
	}
	if img.Width() != 2 || img.Height() != 3 {
		t.Fatalf("expected 3x2 image, got %dx%d", img.Height(), img.Width())
	}
	dst := NewPixelBuffer(img.Bounds(), 0, 1, PixelUint16)
	img.Get(&dst)
	if got := dst.Uint16(2, 1, 0); got != 32 {
		t.Fatalf("expected 32, got %d", got)
	}
	if err := img.Trim(NewRect(0, 0, 4, 2)); !errorsIsBadFormat(err) {
		t.Fatalf("expected bad format, got %v", err)
	}
}
