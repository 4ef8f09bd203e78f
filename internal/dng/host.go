package dng

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"dngpipe/internal/stream"
)

// Sniffer lets the caller cancel a conversion between tiles.
type Sniffer interface {
	SniffForAbort() bool
}

// ProgressSniffer additionally receives tile progress from area tasks. It is
// called from worker goroutines.
type ProgressSniffer interface {
	Sniffer
	UpdateProgress(done, total int)
}

// OpcodeParser builds an opcode from the stream positioned after its id.
type OpcodeParser func(h *Host, id OpcodeID, s *stream.Stream) (Opcode, error)

// LossyDecoder decodes one baseline JPEG tile.
type LossyDecoder func(data []byte) (image.Image, error)

// Host carries the per-conversion context shared by readers and opcodes.
type Host struct {
	ctx       context.Context
	allocator Allocator
	sniffer   Sniffer
	log       *slog.Logger
	threads   int
	tileSize  int
	lossy     LossyDecoder

	mu      sync.RWMutex
	parsers map[OpcodeID]OpcodeParser

	ForPreview     bool
	MinimumSize    int
	PreferredSize  int
	MaximumSize    int
	CropFactor     float64
	SaveDNGVersion uint32
	SaveLinearDNG  bool
	KeepStage1     bool
	KeepStage2     bool
}

// HostOption configures a Host.
type HostOption func(*Host)

func WithAllocator(a Allocator) HostOption { return func(h *Host) { h.allocator = a } }

func WithSniffer(s Sniffer) HostOption { return func(h *Host) { h.sniffer = s } }

func WithLogger(l *slog.Logger) HostOption { return func(h *Host) { h.log = l } }

func WithThreads(n int) HostOption { return func(h *Host) { h.threads = n } }

func WithTileSize(n int) HostOption { return func(h *Host) { h.tileSize = n } }

func WithLossyDecoder(d LossyDecoder) HostOption { return func(h *Host) { h.lossy = d } }

// NewHost returns a host with a heap allocator, a silent logger and one
// worker thread unless overridden.
func NewHost(ctx context.Context, opts ...HostOption) *Host {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Host{
		ctx:            ctx,
		allocator:      HeapAllocator{},
		log:            slog.New(slog.DiscardHandler),
		threads:        1,
		tileSize:       256,
		CropFactor:     1,
		SaveDNGVersion: Version1_4,
		parsers:        make(map[OpcodeID]OpcodeParser),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.threads < 1 {
		h.threads = 1
	}
	if h.tileSize < 16 {
		h.tileSize = 16
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	return h
}

func (h *Host) Context() context.Context { return h.ctx }

func (h *Host) Logger() *slog.Logger { return h.log }

func (h *Host) Threads() int { return h.threads }

func (h *Host) TileSize() int { return h.tileSize }

// LossyDecoder returns the injected lossy decoder, or nil.
func (h *Host) LossyDecoder() LossyDecoder { return h.lossy }

// Allocate obtains memory from the host's allocator.
func (h *Host) Allocate(size int) (*Block, error) {
	return h.allocator.Allocate(size)
}

// NewImage allocates an image of the given bounds, planes and pixel type.
func (h *Host) NewImage(bounds Rect, planes int, t PixelType) (*Image, error) {
	if bounds.IsEmpty() || planes < 1 || t.Size() == 0 {
		return nil, badFormat("image %v with %d planes of %v", bounds, planes, t)
	}
	blk, err := h.Allocate(bounds.Width() * bounds.Height() * planes * t.Size())
	if err != nil {
		return nil, err
	}
	buf, err := WrapPixelBuffer(bounds, 0, planes, t, blk.Bytes())
	if err != nil {
		blk.Release()
		return nil, err
	}
	return &Image{bounds: bounds, planes: planes, pixelType: t, buffer: buf, block: blk}, nil
}

// SniffForAbort returns an error wrapping ErrUserCanceled once the context is
// done or the sniffer asks to stop.
func (h *Host) SniffForAbort() error {
	if err := h.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUserCanceled, err)
	}
	if h.sniffer != nil && h.sniffer.SniffForAbort() {
		return ErrUserCanceled
	}
	return nil
}

// RegisterOpcode overrides the parser used for id.
func (h *Host) RegisterOpcode(id OpcodeID, p OpcodeParser) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parsers[id] = p
}

// MakeOpcode parses one opcode whose id has already been read.
func (h *Host) MakeOpcode(id OpcodeID, s *stream.Stream) (Opcode, error) {
	h.mu.RLock()
	p, ok := h.parsers[id]
	h.mu.RUnlock()
	if ok {
		return p(h, id, s)
	}
	return parseBuiltinOpcode(id, s)
}

// ValidateSizes reconciles the minimum, preferred and maximum preview sizes.
func (h *Host) ValidateSizes() {
	if h.MaximumSize > 0 {
		h.MinimumSize = min(h.MinimumSize, h.MaximumSize)
		h.PreferredSize = min(h.PreferredSize, h.MaximumSize)
	}
	if h.PreferredSize > 0 {
		h.MinimumSize = min(h.MinimumSize, h.PreferredSize)
	} else if h.MaximumSize > 0 {
		h.PreferredSize = h.MaximumSize
	}
	if h.MinimumSize > 0 {
		return
	}
	// Allow a slight undershoot for common thumbnail and sensor sizes.
	p := h.PreferredSize
	switch {
	case p >= 160 && p <= 256:
		h.MinimumSize = 160
	case p >= 490 && p <= 512:
		h.MinimumSize = 448
	case p >= 980 && p <= 1024:
		h.MinimumSize = 896
	case p >= 1960 && p <= 2048:
		h.MinimumSize = 1792
	case p >= 2940 && p <= 3072:
		h.MinimumSize = 2688
	case p >= 3920 && p <= 4096:
		h.MinimumSize = 3584
	default:
		h.MinimumSize = p
	}
}

// AreaTask is work split over destination tiles. Start runs once before any
// tile with the thread count and the largest tile size. Process runs per tile
// on a worker. Finish always runs last, even when Start fails.
type AreaTask interface {
	Start(threads int, tile Point) error
	Process(thread int, tile Rect) error
	Finish(threads int) error
	MaxThreads() int
}

// PerformAreaTask runs task over non-overlapping tiles covering area. The
// first error stops the remaining tiles.
func (h *Host) PerformAreaTask(task AreaTask, area Rect) error {
	if area.IsEmpty() {
		return nil
	}
	tiles := h.tiles(area)
	threads := min(h.threads, len(tiles))
	if mt := task.MaxThreads(); mt > 0 {
		threads = min(threads, mt)
	}
	threads = max(threads, 1)
	tile := Point{min(h.tileSize, area.Height()), min(h.tileSize, area.Width())}
	if err := task.Start(threads, tile); err != nil {
		return errors.Join(err, task.Finish(threads))
	}

	var err error
	if threads == 1 {
		for i, t := range tiles {
			if err = h.SniffForAbort(); err != nil {
				break
			}
			if err = task.Process(0, t); err != nil {
				break
			}
			h.progress(i+1, len(tiles))
		}
	} else {
		err = h.runTiles(task, tiles, threads)
	}
	if ferr := task.Finish(threads); err == nil {
		err = ferr
	}
	return err
}

func (h *Host) runTiles(task AreaTask, tiles []Rect, threads int) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		done     atomic.Int64
		next     = make(chan Rect)
		stop     = make(chan struct{})
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(stop)
		})
	}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for t := range next {
				if err := h.SniffForAbort(); err != nil {
					fail(err)
					return
				}
				if err := task.Process(thread, t); err != nil {
					fail(err)
					return
				}
				h.progress(int(done.Add(1)), len(tiles))
			}
		}(i)
	}
feed:
	for _, t := range tiles {
		select {
		case next <- t:
		case <-stop:
			break feed
		}
	}
	close(next)
	wg.Wait()
	return firstErr
}

func (h *Host) tiles(area Rect) []Rect {
	n := h.tileSize
	var out []Rect
	for top := area.Top; top < area.Bottom; top += n {
		for left := area.Left; left < area.Right; left += n {
			out = append(out, Rect{
				Top:    top,
				Left:   left,
				Bottom: min(top+n, area.Bottom),
				Right:  min(left+n, area.Right),
			})
		}
	}
	return out
}

func (h *Host) progress(done, total int) {
	if ps, ok := h.sniffer.(ProgressSniffer); ok {
		ps.UpdateProgress(done, total)
	}
}
