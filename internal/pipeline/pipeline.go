package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"dngpipe/internal/config"
	"dngpipe/internal/logging"
	"dngpipe/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobRepair  JobType = "repair"
	JobDevelop JobType = "develop"
	JobInspect JobType = "inspect"
	JobMark    JobType = "mark"
	JobScan    JobType = "scan"
)

// ErrQueueFull is returned by Submit when the job buffer is full.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Valid reports whether t names a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobRepair, JobDevelop, JobInspect, JobMark, JobScan:
		return true
	}
	return false
}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Status is "completed" or "failed".
func (r Result) Status() string {
	if r.Error != nil {
		return "failed"
	}
	return "completed"
}

// MarshalJSON flattens the error to its message.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Job    Job            `json:"job"`
		Status string         `json:"status"`
		Error  string         `json:"error,omitempty"`
		Meta   map[string]any `json:"meta,omitempty"`
	}{r.Job, r.Status(), errString(r.Error), r.Meta})
}

// Progress is a tile progress update of a running job.
type Progress struct {
	JobID string `json:"job_id"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	progress  atomic.Pointer[func(Progress)]
}

// New creates a new Pipeline with the given concurrency, routing jobs to the
// dngpipe tasks.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.start(ctx, concurrency, newRouter(p.log, store, cfg, p.reportProgress))
	return p
}

// NewWithProcessor runs jobs through a caller-supplied processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.start(ctx, concurrency, proc)
	return p
}

func newPipeline(concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		log:   logger,
		jobs:  make(chan Job, max(concurrency, 1)*2),
		store: store,
		subs:  make(map[int]chan Result),
	}
}

func (p *Pipeline) start(ctx context.Context, concurrency int, proc Processor) {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("record queued job", "job", job.ID, "error", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Running reports whether the pipeline accepts jobs.
func (p *Pipeline) Running() bool { return !p.stopped.Load() }

// QueueLength returns the number of jobs waiting for a worker.
func (p *Pipeline) QueueLength() int { return len(p.jobs) }

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped.Store(true)
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := res.Status()
	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("record job result", "job", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped.Load() {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// OnProgress installs fn as the receiver of tile progress. fn is called from
// worker goroutines and must not block.
func (p *Pipeline) OnProgress(fn func(Progress)) {
	if fn == nil {
		p.progress.Store(nil)
		return
	}
	p.progress.Store(&fn)
}

func (p *Pipeline) reportProgress(ev Progress) {
	if fn := p.progress.Load(); fn != nil {
		(*fn)(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
