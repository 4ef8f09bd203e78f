package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"dngpipe/internal/config"
	"dngpipe/internal/fsutil"
	"dngpipe/internal/grpcserver"
	"dngpipe/internal/pipeline"
	"dngpipe/internal/server"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
	"dngpipe/internal/web"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the resolved settings of `dngpipe serve`.
type serveOptions struct {
	HTTPAddr string
	GRPCAddr string
	Inbox    string
}

type serverFunc func(ctx context.Context, opt serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  func(ctx context.Context, dir string) error
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
	r.watchFn = r.watchInbox
	return r
}

// defaultServe runs the HTTP API, websocket hub, gRPC health service and the
// optional inbox watcher until ctx is done or one of them fails.
func defaultServe(ctx context.Context, opt serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := web.NewHub(log)
	go hub.Run(ctx)
	go hub.Feed(ctx, real)

	errCh := make(chan error, 3)
	running := 0
	start := func(fn func() error) {
		running++
		go func() { errCh <- fn() }()
	}
	start(func() error { return server.NewServer(opt.HTTPAddr, store, real, hub, log).Start(ctx) })
	if opt.GRPCAddr != "" {
		start(func() error { return grpcserver.New(opt.GRPCAddr, real, log).Start(ctx) })
	}
	if opt.Inbox != "" {
		w, err := tasks.NewInboxWatcher(opt.Inbox, 0, log, func(path string) error {
			return pipe.Submit(repairJob(path))
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", opt.Inbox, err)
		}
		start(func() error { return w.Run(ctx) })
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// watchInbox submits repair jobs for DNGs dropped into dir until ctx is done.
func (r *Root) watchInbox(ctx context.Context, dir string) error {
	w, err := tasks.NewInboxWatcher(dir, 0, r.log, func(path string) error {
		return r.enqueue(ctx, repairJob(path))
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	return w.Run(ctx)
}

func repairJob(path string) pipeline.Job {
	return pipeline.Job{
		ID:        newID("repair"),
		Type:      pipeline.JobRepair,
		InputPath: path,
		Options:   map[string]any{"source": "inbox"},
	}
}

// expandInputs replaces directories with the raw files they contain.
func expandInputs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		files, err := fsutil.ListRaw(arg)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if fsutil.IsDNG(f) {
				out = append(out, f)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no DNG files in %v", args)
	}
	return out, nil
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	results, err := r.enqueueAllAndWait(ctx, []pipeline.Job{job})
	res := results[0]
	res.Job = job
	return res, err
}

// enqueueAllAndWait submits jobs and collects their results in submission
// order. A full queue is drained before retrying. The first job error is
// returned after all jobs finish.
func (r *Root) enqueueAllAndWait(ctx context.Context, jobs []pipeline.Job) ([]pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	index := make(map[string]int, len(jobs))
	results := make([]pipeline.Result, len(jobs))
	pending := 0
	var firstErr error

	next := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			i, mine := index[res.Job.ID]
			if !mine {
				return nil
			}
			delete(index, res.Job.ID)
			results[i] = res
			pending--
			if res.Error != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", filepath.Base(res.Job.InputPath), res.Error)
			}
			return nil
		}
	}

	for i, job := range jobs {
		index[job.ID] = i
		for {
			err := r.enqueue(ctx, job)
			if err == nil {
				break
			}
			if !errors.Is(err, pipeline.ErrQueueFull) || pending == 0 {
				delete(index, job.ID)
				return results, err
			}
			if err := next(); err != nil {
				return results, err
			}
		}
		pending++
	}
	for pending > 0 {
		if err := next(); err != nil {
			return results, err
		}
	}
	return results, firstErr
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
