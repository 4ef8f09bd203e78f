package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func TestPipelineRecordsAndBroadcasts(t *testing.T) {
	store := openTestStore(t)
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.ID == "bad" {
			return Result{Error: errors.New("boom")}
		}
		return Result{Meta: map[string]any{"ok": true}}
	})
	p := NewWithProcessor(context.Background(), 2, slog.Default(), store, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	for _, id := range []string{"good", "bad"} {
		if err := p.Submit(Job{ID: id, Type: JobInspect, InputPath: id + ".dng"}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]error{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case res := <-results:
			seen[res.Job.ID] = res.Error
		case <-timeout:
			t.Fatalf("timed out waiting for results, got %v", seen)
		}
	}
	if seen["good"] != nil || seen["bad"] == nil {
		t.Fatalf("unexpected results %v", seen)
	}

	rec, err := store.Job("bad")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("unexpected record %+v", rec)
	}
	meta, err := store.JobMeta("good")
	if err != nil {
		t.Fatal(err)
	}
	if meta["ok"] != true {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, nil, nil, funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{}
	}))
	p.Stop()
	if p.Running() {
		t.Fatalf("expected stopped pipeline")
	}
	if err := p.Submit(Job{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	ch, _ := p.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after stop")
	}
}

func TestPipelineProgress(t *testing.T) {
	p := newPipeline(1, nil, nil)
	var got []Progress
	p.OnProgress(func(ev Progress) { got = append(got, ev) })
	p.reportProgress(Progress{JobID: "j", Done: 1, Total: 4})
	p.OnProgress(nil)
	p.reportProgress(Progress{JobID: "j", Done: 2, Total: 4})
	if len(got) != 1 || got[0].Done != 1 {
		t.Fatalf("unexpected progress %v", got)
	}
}

func TestJobTypeValid(t *testing.T) {
	for _, jt := range []JobType{JobRepair, JobDevelop, JobInspect, JobMark, JobScan} {
		if !jt.Valid() {
			t.Errorf("%s should be valid", jt)
		}
	}
	if JobType("stack").Valid() {
		t.Errorf("stack should not be valid")
	}
}
