package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
	"dngpipe/internal/pipeline"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
)

type fakePipeline struct {
	mu       sync.Mutex
	jobs     []pipeline.Job
	subs     []chan pipeline.Result
	meta     func(job pipeline.Job) map[string]any
	fail     map[string]error // by input base name
	fullNext bool
	fullHits int
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fullNext {
		f.fullNext = false
		f.fullHits++
		return pipeline.ErrQueueFull
	}
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.fail[filepath.Base(job.InputPath)]}
	if f.meta != nil {
		res.Meta = f.meta(job)
	}
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 64)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()
	fake := &fakePipeline{}
	return NewRoot(fake, config.Default(), nil, nil), fake
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRepairCommandExpandsDirectories(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.meta = func(job pipeline.Job) map[string]any {
		return map[string]any{"opcodesApplied": 1, "pixelsRepaired": 4, "pixelsFailed": 0, "output": "x-repaired.dng"}
	}
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.dng"))
	touch(t, filepath.Join(dir, "b.DNG"))
	touch(t, filepath.Join(dir, "notes.txt"))

	out, err := run(t, root, "repair", dir)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if len(fake.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(fake.jobs))
	}
	for _, job := range fake.jobs {
		if job.Type != pipeline.JobRepair {
			t.Fatalf("expected repair job, got %s", job.Type)
		}
	}
	if !strings.Contains(out, "4 pixels repaired") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRepairOutputNeedsSingleInput(t *testing.T) {
	root, fake := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.dng"))
	touch(t, filepath.Join(dir, "b.dng"))
	if _, err := run(t, root, "repair", "-o", "out.dng", dir); err == nil {
		t.Fatalf("expected error for --output with two inputs")
	}
	if len(fake.jobs) != 0 {
		t.Fatalf("no job should be queued")
	}
}

func TestRepairReportsJobError(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.fail = map[string]error{"bad.dng": dng.ErrBadFormat}
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "bad.dng"))
	touch(t, filepath.Join(dir, "good.dng"))
	_, err := run(t, root, "repair", dir)
	if !errors.Is(err, dng.ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat, got %v", err)
	}
	if len(fake.jobs) != 2 {
		t.Fatalf("both files should be attempted, got %d", len(fake.jobs))
	}
}

func TestDevelopPassesOnlyChangedFlags(t *testing.T) {
	root, fake := newTestRoot(t)
	file := filepath.Join(t.TempDir(), "a.dng")
	touch(t, file)
	if _, err := run(t, root, "develop", file, "--jpeg", "--quality", "90"); err != nil {
		t.Fatal(err)
	}
	opts := fake.jobs[0].Options
	if opts["jpeg"] != true || opts["quality"] != 90 {
		t.Fatalf("unexpected options %v", opts)
	}
	if _, ok := opts["tiff"]; ok {
		t.Fatalf("tiff should fall back to config, got %v", opts)
	}
	if _, err := run(t, root, "develop", file, "--quality", "0"); err == nil {
		t.Fatalf("expected quality validation error")
	}
}

func TestMarkCommandParsesFlags(t *testing.T) {
	root, fake := newTestRoot(t)
	_, err := run(t, root, "mark", "in.dng", "--point", "1,2", "--point", "3,4", "--rect", "0,0,2,2", "--sentinel", "0", "--constant")
	if err != nil {
		t.Fatal(err)
	}
	job := fake.jobs[0]
	if job.Type != pipeline.JobMark {
		t.Fatalf("expected mark job, got %s", job.Type)
	}
	pts, _ := job.Options["points"].([]dng.Point)
	if len(pts) != 2 || pts[1] != (dng.Point{Row: 3, Col: 4}) {
		t.Fatalf("unexpected points %v", job.Options["points"])
	}
	rects, _ := job.Options["rects"].([]dng.Rect)
	if len(rects) != 1 || rects[0].Bottom != 2 {
		t.Fatalf("unexpected rects %v", job.Options["rects"])
	}
	if job.Options["sentinel"] != uint32(0) || job.Options["constant"] != true {
		t.Fatalf("unexpected sentinel options %v", job.Options)
	}
}

func TestMarkValidatesArguments(t *testing.T) {
	root, fake := newTestRoot(t)
	cases := [][]string{
		{"mark", "in.dng"},
		{"mark", "in.dng", "--point", "7"},
		{"mark", "in.dng", "--rect", "4,4,2,8"},
		{"mark", "in.dng", "--point", "1,1", "--constant"},
	}
	for _, args := range cases {
		if _, err := run(t, root, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
	if len(fake.jobs) != 0 {
		t.Fatalf("no job should be queued, got %d", len(fake.jobs))
	}
}

func TestPersistentFlagsUpdateConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := run(t, root, "--threads", "3", "--memory-limit", "256MiB", "--preview", "inspect", "a.dng"); err != nil {
		t.Fatal(err)
	}
	if root.cfg.Processing.ThreadsPerJob != 3 || root.cfg.Processing.MemoryLimit != "256MiB" || !root.cfg.Host.ForPreview {
		t.Fatalf("unexpected config %+v %+v", root.cfg.Processing, root.cfg.Host)
	}
	if _, err := run(t, root, "--memory-limit", "lots", "inspect", "a.dng"); err == nil {
		t.Fatalf("expected invalid size error")
	}
}

func TestInspectPrintsOpcodeLists(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.meta = func(job pipeline.Job) map[string]any {
		return map[string]any{
			"width": 24, "height": 16, "planes": 1, "readable": true, "dngVersion": "1.4.0.0",
			"lists": [3][]tasks.OpcodeInfo{{{Stage: 1, Index: 0, Name: "FixBadPixelsConstant", MinVersion: "1.3.0.0", PayloadBytes: 8, Detail: "constant=0"}}},
		}
	}
	out, err := run(t, root, "inspect", "a.dng")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"24x16", "opcode list 1", "FixBadPixelsConstant", "constant=0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	out, err = run(t, root, "inspect", "--json", "a.dng")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"name": "FixBadPixelsConstant"`) {
		t.Fatalf("unexpected json output:\n%s", out)
	}
}

func TestScanPrintsOpcodeCounts(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.meta = func(job pipeline.Job) map[string]any {
		return map[string]any{
			"files": 3, "failed": 0, "unreadable": 1, "totalBytes": int64(3 << 20),
			"opcodes": map[string]int{"GainMap": 1, "FixBadPixelsList": 3},
		}
	}
	out, err := run(t, root, "scan", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3 file(s), 3.0 MiB") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if strings.Index(out, "FixBadPixelsList") > strings.Index(out, "GainMap") {
		t.Fatalf("opcodes should be sorted by count:\n%s", out)
	}
	root.cfg.Paths.DefaultInput = ""
	if _, err := run(t, root, "scan"); err == nil {
		t.Fatalf("expected error without a directory")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, opt serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		got = opt
		return nil
	}
	if _, err := run(t, root, "serve", "--watch", "/inbox"); err != nil {
		t.Fatal(err)
	}
	if got.HTTPAddr != root.cfg.Server.HTTPAddr || got.GRPCAddr != root.cfg.Server.GRPCAddr || got.Inbox != "/inbox" {
		t.Fatalf("unexpected serve options %+v", got)
	}
	if _, err := run(t, root, "serve", "--addr", ":1234", "--grpc-addr", ""); err != nil {
		t.Fatal(err)
	}
	if got.HTTPAddr != ":1234" || got.GRPCAddr != "" {
		t.Fatalf("flags should override config, got %+v", got)
	}
}

func TestWatchCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	var dir string
	root.watchFn = func(ctx context.Context, d string) error {
		dir = d
		return nil
	}
	root.cfg.Paths.Inbox = ""
	if _, err := run(t, root, "watch"); err == nil {
		t.Fatalf("expected error without inbox")
	}
	root.cfg.Paths.Inbox = "/data/inbox"
	if _, err := run(t, root, "watch"); err != nil {
		t.Fatal(err)
	}
	if dir != "/data/inbox" {
		t.Fatalf("expected config inbox, got %q", dir)
	}
}

func TestEnqueueRetriesWhenQueueFull(t *testing.T) {
	root, fake := newTestRoot(t)
	jobs := []pipeline.Job{
		{ID: "a", Type: pipeline.JobInspect, InputPath: "a.dng"},
		{ID: "b", Type: pipeline.JobInspect, InputPath: "b.dng"},
	}
	// The first submit succeeds, the second hits a full queue once.
	submit := 0
	fake.meta = func(job pipeline.Job) map[string]any {
		submit++
		if submit == 1 {
			fake.fullNext = true
		}
		return map[string]any{"n": submit}
	}
	results, err := root.enqueueAllAndWait(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if fake.fullHits != 1 || len(fake.jobs) != 2 {
		t.Fatalf("expected one retry and two jobs, got %d hits %d jobs", fake.fullHits, len(fake.jobs))
	}
	if results[0].Job.ID != "a" || results[1].Job.ID != "b" {
		t.Fatalf("results out of order: %+v", results)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := run(t, root, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"parallel_jobs"`) {
		t.Fatalf("unexpected config output:\n%s", out)
	}
	out, err = run(t, root, "config", "validate")
	if err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("expected valid config, got %v %q", err, out)
	}
	root.cfg.Export.Quality = 400
	if _, err := run(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := run(t, root, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "dngpipe ") || !strings.Contains(out, "1.4.0.0") {
		t.Fatalf("unexpected version output %q", out)
	}
}
