package dng

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type recordingTask struct {
	maxThreads int
	failAt     Point
	startErr   error
	finishErr  error

	mu        sync.Mutex
	threads   int
	tile      Point
	hits      map[Point]int
	processed int
	finished  bool
}

func (t *recordingTask) Start(threads int, tile Point) error {
	t.threads, t.tile = threads, tile
	t.hits = make(map[Point]int)
	return t.startErr
}

func (t *recordingTask) Process(thread int, tile Rect) error {
	if thread < 0 || thread >= t.threads {
		return errors.New("thread index out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	for r := tile.Top; r < tile.Bottom; r++ {
		for c := tile.Left; c < tile.Right; c++ {
			t.hits[Point{r, c}]++
		}
	}
	if tile.Contains(t.failAt) {
		return errTileFailed
	}
	return nil
}

func (t *recordingTask) Finish(threads int) error {
	t.finished = true
	return t.finishErr
}

func (t *recordingTask) MaxThreads() int { return t.maxThreads }

var errTileFailed = errors.New("tile failed")

func TestPerformAreaTaskCoversAreaOnce(t *testing.T) {
	for _, threads := range []int{1, 4} {
		h := NewHost(context.Background(), WithThreads(threads), WithTileSize(16))
		task := &recordingTask{failAt: Point{-100, -100}}
		area := NewRect(3, 5, 100, 70)
		if err := h.PerformAreaTask(task, area); err != nil {
			t.Fatalf("threads %d: %v", threads, err)
		}
		if task.threads != threads || task.tile != (Point{16, 16}) {
			t.Fatalf("threads %d: started with %d threads and tile %v", threads, task.threads, task.tile)
		}
		if len(task.hits) != area.Height()*area.Width() {
			t.Fatalf("threads %d: expected %d pixels, got %d", threads, area.Height()*area.Width(), len(task.hits))
		}
		for p, n := range task.hits {
			if n != 1 || !area.Contains(p) {
				t.Fatalf("threads %d: pixel %v visited %d times", threads, p, n)
			}
		}
		if !task.finished {
			t.Fatalf("threads %d: expected Finish", threads)
		}
	}
}

func TestPerformAreaTaskHonoursMaxThreads(t *testing.T) {
	h := NewHost(context.Background(), WithThreads(8), WithTileSize(16))
	task := &recordingTask{maxThreads: 2, failAt: Point{-1, -1}}
	if err := h.PerformAreaTask(task, NewRect(0, 0, 64, 64)); err != nil {
		t.Fatal(err)
	}
	if task.threads != 2 {
		t.Fatalf("expected 2 threads, got %d", task.threads)
	}

	// Never more threads than tiles.
	task = &recordingTask{failAt: Point{-1, -1}}
	if err := h.PerformAreaTask(task, NewRect(0, 0, 10, 20)); err != nil {
		t.Fatal(err)
	}
	if task.threads != 2 || task.tile != (Point{10, 16}) {
		t.Fatalf("expected 2 threads with a 10x16 tile, got %d and %v", task.threads, task.tile)
	}
}

func TestPerformAreaTaskReturnsFirstError(t *testing.T) {
	for _, threads := range []int{1, 3} {
		h := NewHost(context.Background(), WithThreads(threads), WithTileSize(16))
		task := &recordingTask{failAt: Point{40, 40}}
		err := h.PerformAreaTask(task, NewRect(0, 0, 128, 128))
		if !errors.Is(err, errTileFailed) {
			t.Fatalf("threads %d: expected tile failure, got %v", threads, err)
		}
		if !task.finished {
			t.Fatalf("threads %d: expected Finish after failure", threads)
		}
	}
}

func TestPerformAreaTaskFinishesAfterStartFailure(t *testing.T) {
	h := NewHost(context.Background())
	startErr := errors.New("no memory")
	task := &recordingTask{startErr: startErr}
	if err := h.PerformAreaTask(task, NewRect(0, 0, 4, 4)); !errors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
	if !task.finished || task.processed != 0 {
		t.Fatalf("expected Finish without any tiles, processed %d", task.processed)
	}

	finishErr := errors.New("release failed")
	task = &recordingTask{startErr: startErr, finishErr: finishErr}
	err := h.PerformAreaTask(task, NewRect(0, 0, 4, 4))
	if !errors.Is(err, startErr) || !errors.Is(err, finishErr) {
		t.Fatalf("expected start and finish errors, got %v", err)
	}
}

func TestPerformAreaTaskCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, threads := range []int{1, 4} {
		h := NewHost(ctx, WithThreads(threads), WithTileSize(16))
		task := &recordingTask{failAt: Point{-1, -1}}
		if err := h.PerformAreaTask(task, NewRect(0, 0, 64, 64)); !errors.Is(err, ErrUserCanceled) {
			t.Fatalf("threads %d: expected ErrUserCanceled, got %v", threads, err)
		}
		if task.processed != 0 {
			t.Fatalf("threads %d: expected no tiles processed, got %d", threads, task.processed)
		}
	}
}

type countingSniffer struct {
	abortAfter int64
	updates    atomic.Int64
	lastTotal  atomic.Int64
}

func (s *countingSniffer) SniffForAbort() bool { return s.updates.Load() >= s.abortAfter }

func (s *countingSniffer) UpdateProgress(done, total int) {
	s.updates.Add(1)
	s.lastTotal.Store(int64(total))
}

func TestSnifferStopsBetweenTiles(t *testing.T) {
	sn := &countingSniffer{abortAfter: 3}
	h := NewHost(context.Background(), WithSniffer(sn), WithTileSize(16))
	task := &recordingTask{failAt: Point{-1, -1}}
	err := h.PerformAreaTask(task, NewRect(0, 0, 64, 64))
	if !errors.Is(err, ErrUserCanceled) {
		t.Fatalf("expected ErrUserCanceled, got %v", err)
	}
	if task.processed != 3 {
		t.Fatalf("expected 3 tiles before abort, got %d", task.processed)
	}
	if sn.lastTotal.Load() != 16 {
		t.Fatalf("expected 16 tiles in progress total, got %d", sn.lastTotal.Load())
	}
}

func TestLimitAllocator(t *testing.T) {
	a := NewLimitAllocator(100, nil)
	first, err := a.Allocate(60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(60); !errors.Is(err, ErrMemoryFull) {
		t.Fatalf("expected ErrMemoryFull, got %v", err)
	}
	if a.InUse() != 60 {
		t.Fatalf("expected 60 bytes in use, got %d", a.InUse())
	}
	first.Release()
	first.Release()
	if a.InUse() != 0 {
		t.Fatalf("expected double release to be counted once, got %d", a.InUse())
	}
	second, err := a.Allocate(60)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Bytes()) != 60 {
		t.Fatalf("expected 60 bytes, got %d", len(second.Bytes()))
	}
}

func TestNewImageOutOfMemory(t *testing.T) {
	h := NewHost(context.Background(), WithAllocator(NewLimitAllocator(1024, nil)))
	if _, err := h.NewImage(NewRect(0, 0, 32, 32), 1, PixelUint16); !errors.Is(err, ErrMemoryFull) {
		t.Fatalf("expected ErrMemoryFull, got %v", err)
	}
	img, err := h.NewImage(NewRect(0, 0, 16, 16), 2, PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	img.Release()
	if _, err := h.NewImage(NewRect(0, 0, 0, 16), 1, PixelUint16); !errorsIsBadFormat(err) {
		t.Fatalf("expected bad format for empty image, got %v", err)
	}
}

func TestFilterReleasesScratchMemory(t *testing.T) {
	alloc := NewLimitAllocator(1<<20, nil)
	h := NewHost(context.Background(), WithAllocator(alloc), WithThreads(2), WithTileSize(16))
	img, err := h.NewImage(NewRect(0, 0, 40, 40), 1, PixelUint16)
	if err != nil {
		t.Fatal(err)
	}
	img.Buffer().SetConstant(img.Bounds(), 500)
	out := applyOne(t, h, NewFixBadPixelsConstant(0, 0), img)
	if want := int64(40 * 40 * 2); alloc.InUse() != want {
		t.Fatalf("expected only the result image in use (%d bytes), got %d", want, alloc.InUse())
	}
	out.Release()
	if alloc.InUse() != 0 {
		t.Fatalf("expected all memory released, got %d", alloc.InUse())
	}
}

func TestValidateSizes(t *testing.T) {
	cases := []struct {
		name                   string
		min, preferred, max    int
		wantMin, wantPreferred int
	}{
		{"preferred thumbnail", 0, 1024, 0, 896, 1024},
		{"maximum caps preferred", 0, 1024, 500, 448, 500},
		{"maximum only", 0, 0, 100, 100, 100},
		{"explicit minimum kept", 300, 1024, 0, 300, 1024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHost(context.Background())
			h.MinimumSize, h.PreferredSize, h.MaximumSize = tc.min, tc.preferred, tc.max
			h.ValidateSizes()
			if h.MinimumSize != tc.wantMin || h.PreferredSize != tc.wantPreferred {
				t.Fatalf("expected min %d preferred %d, got %d %d", tc.wantMin, tc.wantPreferred, h.MinimumSize, h.PreferredSize)
			}
		})
	}
}
