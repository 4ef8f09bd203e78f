package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouterRepairRecordsReports(t *testing.T) {
	store := openTestStore(t)
	var got tasks.RepairRequest
	r := &router{
		log:   slog.Default(),
		store: store,
		cfg:   config.Default(),
		repairFn: func(ctx context.Context, req tasks.RepairRequest) (tasks.RepairResult, error) {
			got = req
			return tasks.RepairResult{
				Input:   req.Input,
				Output:  "out.dng",
				Applied: 2,
				Reports: []dng.RepairSummary{
					{Opcode: "FixBadPixelsConstant", Stage: 1, PixelsRepaired: 4},
					{Opcode: "FixBadPixelsList", Stage: 1, PixelsRepaired: 1, PixelsFailed: 1, FailedPoints: []dng.Point{{Row: 0, Col: 0}}},
				},
			}, nil
		},
	}

	job := Job{ID: "repair-1", Type: JobRepair, InputPath: "in.dng", Options: map[string]any{"threads": float64(3)}}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if got.Input != "in.dng" || got.Host.Threads != 3 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Host.Logger == nil {
		t.Fatalf("expected a job logger")
	}
	if res.Meta["pixelsRepaired"] != 5 || res.Meta["pixelsFailed"] != 1 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}

	recs, err := store.RepairsForJob("repair-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 repair records, got %d", len(recs))
	}
	if recs[0].FailedJSON != "" || recs[1].FailedJSON == "" {
		t.Fatalf("failed pixels should only be stored for the list opcode: %+v", recs)
	}
}

func TestRouterDevelopUsesExportDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Export.TIFF = true
	cfg.Export.JPEG = false
	cfg.Export.Quality = 80
	cfg.Export.PreviewSize = 640

	var got tasks.DevelopRequest
	r := &router{
		log: slog.Default(),
		cfg: cfg,
		developFn: func(ctx context.Context, req tasks.DevelopRequest) (tasks.DevelopResult, error) {
			got = req
			return tasks.DevelopResult{Outputs: []string{"a.tif"}}, nil
		},
	}

	job := Job{
		ID:        "dev-1",
		Type:      JobDevelop,
		InputPath: "in.dng",
		Output:    "/tmp/out",
		Options:   map[string]any{"jpeg": true, "quality": float64(95), "previewSize": 0},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if !got.TIFF || !got.JPEG {
		t.Fatalf("expected both formats, got %+v", got)
	}
	if got.Quality != 95 || got.PreviewSize != 0 || got.OutputDir != "/tmp/out" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestRouterMarkParsesOptions(t *testing.T) {
	var got tasks.MarkRequest
	r := &router{
		log: slog.Default(),
		cfg: config.Default(),
		markFn: func(ctx context.Context, req tasks.MarkRequest) (tasks.MarkResult, error) {
			got = req
			return tasks.MarkResult{Output: "m.dng", Points: len(req.Points), Rects: len(req.Rects)}, nil
		},
	}

	job := Job{
		ID:        "mark-1",
		Type:      JobMark,
		InputPath: "in.dng",
		Options: map[string]any{
			"points":   []any{"1,2", "3,4"},
			"rects":    []string{"0,0,2,2"},
			"sentinel": float64(0),
			"constant": true,
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(got.Points) != 2 || got.Points[1] != (dng.Point{Row: 3, Col: 4}) {
		t.Fatalf("unexpected points %v", got.Points)
	}
	if len(got.Rects) != 1 || got.Rects[0] != (dng.Rect{Top: 0, Left: 0, Bottom: 2, Right: 2}) {
		t.Fatalf("unexpected rects %v", got.Rects)
	}
	if got.Sentinel == nil || *got.Sentinel != 0 || !got.AsConstant {
		t.Fatalf("unexpected sentinel %+v", got)
	}
}

func TestRouterMarkRejectsBadPoint(t *testing.T) {
	called := false
	r := &router{
		log: slog.Default(),
		cfg: config.Default(),
		markFn: func(ctx context.Context, req tasks.MarkRequest) (tasks.MarkResult, error) {
			called = true
			return tasks.MarkResult{}, nil
		},
	}
	job := Job{ID: "mark-2", Type: JobMark, Options: map[string]any{"points": []any{"1;2"}}}
	if res := r.Process(context.Background(), job); res.Error == nil {
		t.Fatalf("expected parse error")
	}
	if called {
		t.Fatalf("mark should not run with bad options")
	}
}

func TestRouterScanRecordsInventory(t *testing.T) {
	store := openTestStore(t)
	r := &router{
		log:   slog.Default(),
		store: store,
		cfg:   config.Default(),
		scanFn: func(ctx context.Context, root string) (tasks.ScanResult, error) {
			return tasks.ScanResult{
				Root: root,
				Files: []tasks.InspectResult{
					{Path: "a.dng", Lists: [3][]tasks.OpcodeInfo{{{Stage: 1, Index: 0, ID: 4, Name: "FixBadPixelsConstant"}}}},
					{Path: "b.dng", Lists: [3][]tasks.OpcodeInfo{{{Stage: 1, Index: 0, ID: 4, Name: "FixBadPixelsConstant"}}, nil, {{Stage: 3, Index: 0, ID: 1, Name: "WarpRectilinear"}}}},
				},
				Opcodes: map[string]int{"FixBadPixelsConstant": 2, "WarpRectilinear": 1},
			}, errors.New("partial")
		},
	}

	res := r.Process(context.Background(), Job{ID: "scan-1", Type: JobScan, InputPath: t.TempDir()})
	if res.Error == nil {
		t.Fatalf("expected scan error to propagate")
	}
	if res.Meta["files"] != 2 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	counts, err := store.OpcodeCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts["FixBadPixelsConstant"] != 2 || counts["WarpRectilinear"] != 1 {
		t.Fatalf("unexpected inventory %v", counts)
	}
}

func TestRouterUnknownJob(t *testing.T) {
	r := &router{log: slog.Default(), cfg: config.Default()}
	if res := r.Process(context.Background(), Job{ID: "x", Type: "stack"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestIntOption(t *testing.T) {
	opts := map[string]any{"a": 3, "b": float64(7), "c": "9"}
	if v, ok := intOption(opts, "a"); !ok || v != 3 {
		t.Fatalf("int option: %d %v", v, ok)
	}
	if v, ok := intOption(opts, "b"); !ok || v != 7 {
		t.Fatalf("float option: %d %v", v, ok)
	}
	if _, ok := intOption(opts, "c"); ok {
		t.Fatalf("string should not parse as int")
	}
	if getBoolOptionDefault(opts, "missing", true) != true {
		t.Fatalf("expected default")
	}
}
