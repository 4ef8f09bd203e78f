package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
	"dngpipe/internal/logging"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	progress func(Progress)

	repairFn  func(ctx context.Context, req tasks.RepairRequest) (tasks.RepairResult, error)
	developFn func(ctx context.Context, req tasks.DevelopRequest) (tasks.DevelopResult, error)
	markFn    func(ctx context.Context, req tasks.MarkRequest) (tasks.MarkResult, error)
	inspectFn func(ctx context.Context, path string) (tasks.InspectResult, error)
	scanFn    func(ctx context.Context, root string) (tasks.ScanResult, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, progress func(Progress)) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		progress:  progress,
		repairFn:  tasks.Repair,
		developFn: tasks.Develop,
		markFn:    tasks.Mark,
		inspectFn: tasks.Inspect,
		scanFn:    tasks.Scan,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRepair:
		return r.handleRepair(ctx, job)
	case JobDevelop:
		return r.handleDevelop(ctx, job)
	case JobMark:
		return r.handleMark(ctx, job)
	case JobInspect:
		return r.handleInspect(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// hostOptions derives per-job host settings from the config. Options may
// override threads and preview mode.
func (r *router) hostOptions(job Job) (tasks.HostOptions, error) {
	opt, err := tasks.HostOptionsFromConfig(r.cfg)
	if err != nil {
		return opt, err
	}
	if r.log != nil {
		opt.Logger = r.log.With("job", job.ID)
	}
	if n := getIntOption(job.Options, "threads"); n > 0 {
		opt.Threads = n
	}
	if v, ok := job.Options["forPreview"].(bool); ok {
		opt.ForPreview = v
	}
	if r.progress != nil {
		id := job.ID
		opt.Progress = func(done, total int) {
			r.progress(Progress{JobID: id, Done: done, Total: total})
		}
	}
	return opt, nil
}

func (r *router) handleRepair(ctx context.Context, job Job) Result {
	host, err := r.hostOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := r.repairFn(ctx, tasks.RepairRequest{
		Input:  job.InputPath,
		Output: job.Output,
		Host:   host,
	})
	r.recordRepairs(job, res.Reports)
	repaired, failed := res.Pixels()
	meta := map[string]any{
		"output":         res.Output,
		"width":          res.Width,
		"height":         res.Height,
		"opcodesApplied": res.Applied,
		"pixelsRepaired": repaired,
		"pixelsFailed":   failed,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleDevelop(ctx context.Context, job Job) Result {
	host, err := r.hostOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	export := r.cfg.Export
	req := tasks.DevelopRequest{
		Input:       job.InputPath,
		OutputDir:   job.Output,
		TIFF:        getBoolOptionDefault(job.Options, "tiff", export.TIFF),
		JPEG:        getBoolOptionDefault(job.Options, "jpeg", export.JPEG),
		Quality:     export.Quality,
		PreviewSize: export.PreviewSize,
		Gamma:       getBoolOptionDefault(job.Options, "gamma", export.Gamma),
		Host:        host,
	}
	if q := getIntOption(job.Options, "quality"); q > 0 {
		req.Quality = q
	}
	if s, ok := intOption(job.Options, "previewSize"); ok {
		req.PreviewSize = s
	}

	res, err := r.developFn(ctx, req)
	r.recordRepairs(job, res.Reports)
	meta := map[string]any{
		"outputs": res.Outputs,
		"width":   res.Width,
		"height":  res.Height,
		"planes":  res.Planes,
		"opcodes": res.Opcodes[:],
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleMark(ctx context.Context, job Job) Result {
	host, err := r.hostOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	req := tasks.MarkRequest{
		Input:      job.InputPath,
		Output:     job.Output,
		AsConstant: getBoolOption(job.Options, "constant"),
		Host:       host,
	}
	if req.Points, err = pointsOption(job.Options, "points"); err != nil {
		return Result{Job: job, Error: err}
	}
	if req.Rects, err = rectsOption(job.Options, "rects"); err != nil {
		return Result{Job: job, Error: err}
	}
	if v, ok := intOption(job.Options, "sentinel"); ok {
		if v < 0 {
			return Result{Job: job, Error: fmt.Errorf("sentinel %d is negative", v)}
		}
		s := uint32(v)
		req.Sentinel = &s
	}

	res, err := r.markFn(ctx, req)
	meta := map[string]any{
		"output":     res.Output,
		"points":     res.Points,
		"rects":      res.Rects,
		"detected":   res.Detected,
		"constant":   res.Constant,
		"bayerPhase": res.BayerPhase,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleInspect(ctx context.Context, job Job) Result {
	info, err := r.inspectFn(ctx, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordInventory(job.ID, info)
	meta := map[string]any{
		"width":      info.Width,
		"height":     info.Height,
		"planes":     info.Planes,
		"model":      info.Model,
		"dngVersion": info.DNGVersion,
		"readable":   info.Readable,
		"opcodes":    info.OpcodeCount(),
		"lists":      info.Lists,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	summary, err := r.scanFn(ctx, job.InputPath)
	for _, info := range summary.Files {
		r.recordInventory(job.ID, info)
	}
	meta := map[string]any{
		"files":      len(summary.Files),
		"failed":     len(summary.Failed),
		"unreadable": summary.Unreadable,
		"totalBytes": summary.TotalBytes,
		"opcodes":    summary.Opcodes,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) recordRepairs(job Job, reports []dng.RepairSummary) {
	if len(reports) == 0 {
		return
	}
	logging.LogRepairReport(r.log, job.ID, reports)
	for _, rep := range reports {
		var failed string
		if rep.Failed() {
			b, _ := json.Marshal(map[string]any{"points": rep.FailedPoints, "rects": rep.FailedRects})
			failed = string(b)
		}
		if err := r.store.RecordRepair(storage.RepairRecord{
			JobID:          job.ID,
			FilePath:       job.InputPath,
			Opcode:         rep.Opcode,
			Stage:          rep.Stage,
			PixelsRepaired: rep.PixelsRepaired,
			PixelsFailed:   rep.PixelsFailed,
			FailedJSON:     failed,
		}); err != nil {
			r.log.Warn("record repair", "job", job.ID, "error", err)
		}
	}
}

func (r *router) recordInventory(jobID string, info tasks.InspectResult) {
	var recs []storage.OpcodeRecord
	for _, list := range info.Lists {
		for _, op := range list {
			recs = append(recs, storage.OpcodeRecord{
				FilePath:      info.Path,
				Stage:         op.Stage,
				Position:      op.Index,
				Opcode:        op.Name,
				OpcodeID:      op.ID,
				MinVersion:    op.MinVersion,
				Optional:      op.Optional,
				SkipIfPreview: op.SkipIfPreview,
				PayloadBytes:  op.PayloadBytes,
			})
		}
	}
	if err := r.store.ReplaceInventory(info.Path, recs); err != nil {
		r.log.Warn("record opcode inventory", "path", info.Path, "error", err)
		return
	}
	logging.LogProcessingStep(r.log, jobID, "inventory", "recorded", map[string]any{
		"path":    info.Path,
		"opcodes": len(recs),
	})
}

// Helper functions to safely extract typed options from job.Options map.
// Options decoded from JSON carry numbers as float64 and lists as []any.
func getBoolOption(options map[string]any, key string) bool {
	return getBoolOptionDefault(options, key, false)
}

func getBoolOptionDefault(options map[string]any, key string, def bool) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return def
}

func getIntOption(options map[string]any, key string) int {
	v, _ := intOption(options, key)
	return v
}

func intOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func stringsOption(options map[string]any, key string) ([]string, error) {
	switch v := options[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("option %s: want strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("option %s: want a list, got %T", key, v)
	}
}

func pointsOption(options map[string]any, key string) ([]dng.Point, error) {
	if pts, ok := options[key].([]dng.Point); ok {
		return pts, nil
	}
	items, err := stringsOption(options, key)
	if err != nil {
		return nil, err
	}
	var out []dng.Point
	for _, s := range items {
		p, err := tasks.ParsePoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func rectsOption(options map[string]any, key string) ([]dng.Rect, error) {
	if rects, ok := options[key].([]dng.Rect); ok {
		return rects, nil
	}
	items, err := stringsOption(options, key)
	if err != nil {
		return nil, err
	}
	var out []dng.Rect
	for _, s := range items {
		rect, err := tasks.ParseRect(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rect)
	}
	return out, nil
}
