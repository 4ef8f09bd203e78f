package tasks

import (
	"context"
	"log/slog"
	"os"
	"time"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
)

// HostOptions carries the per-job settings used to build a dng.Host.
type HostOptions struct {
	Threads       int
	TileSize      int
	MemoryLimit   int64 // bytes; zero means unlimited
	ForPreview    bool
	MinimumSize   int
	PreferredSize int
	MaximumSize   int
	CropFactor    float64
	DNGVersion    uint32
	KeepStage1    bool
	KeepStage2    bool
	Logger        *slog.Logger

	// Progress receives tile progress from area tasks. It is called from
	// worker goroutines.
	Progress func(done, total int)
}

// HostOptionsFromConfig maps the processing and host config sections.
func HostOptionsFromConfig(cfg *config.Config) (HostOptions, error) {
	limit, err := cfg.MemoryLimitBytes()
	if err != nil {
		return HostOptions{}, err
	}
	version, err := cfg.DNGVersion()
	if err != nil {
		return HostOptions{}, err
	}
	return HostOptions{
		Threads:       cfg.Processing.ThreadsPerJob,
		TileSize:      cfg.Processing.TileSize,
		MemoryLimit:   limit,
		ForPreview:    cfg.Host.ForPreview,
		MinimumSize:   cfg.Host.MinimumSize,
		PreferredSize: cfg.Host.PreferredSize,
		MaximumSize:   cfg.Host.MaximumSize,
		CropFactor:    cfg.Host.CropFactor,
		DNGVersion:    version,
		KeepStage1:    cfg.Host.KeepStage1,
		KeepStage2:    cfg.Host.KeepStage2,
	}, nil
}

type progressSniffer struct {
	fn func(done, total int)
}

func (p progressSniffer) SniffForAbort() bool { return false }

func (p progressSniffer) UpdateProgress(done, total int) { p.fn(done, total) }

// NewHost builds a host bound to ctx. Cancelling ctx aborts tile work.
func NewHost(ctx context.Context, opt HostOptions) *dng.Host {
	var hostOpts []dng.HostOption
	if opt.Threads > 0 {
		hostOpts = append(hostOpts, dng.WithThreads(opt.Threads))
	}
	if opt.TileSize > 0 {
		hostOpts = append(hostOpts, dng.WithTileSize(opt.TileSize))
	}
	if opt.Logger != nil {
		hostOpts = append(hostOpts, dng.WithLogger(opt.Logger))
	}
	if opt.MemoryLimit > 0 {
		hostOpts = append(hostOpts, dng.WithAllocator(dng.NewLimitAllocator(opt.MemoryLimit, nil)))
	}
	if opt.Progress != nil {
		hostOpts = append(hostOpts, dng.WithSniffer(progressSniffer{fn: opt.Progress}))
	}
	h := dng.NewHost(ctx, hostOpts...)
	h.ForPreview = opt.ForPreview
	h.MinimumSize = opt.MinimumSize
	h.PreferredSize = opt.PreferredSize
	h.MaximumSize = opt.MaximumSize
	if opt.CropFactor > 0 {
		h.CropFactor = opt.CropFactor
	}
	if opt.DNGVersion != 0 {
		h.SaveDNGVersion = opt.DNGVersion
	}
	h.KeepStage1 = opt.KeepStage1
	h.KeepStage2 = opt.KeepStage2
	h.ValidateSizes()
	return h
}

// readFile loads an input DNG and logs its size.
func readFile(log *slog.Logger, path string) ([]byte, error) {
	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Debug("read input", "path", path, "bytes", len(data), "elapsed", time.Since(start))
	}
	return data, nil
}
