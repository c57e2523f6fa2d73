package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/seantiz/kiln/internal/model"
)

func TestProgressBeforeConfigure(t *testing.T) {
	s := New()
	if got := s.Progress(); got != model.ZeroProgress {
		t.Fatalf("Progress() = %+v, want zero record", got)
	}
	if s.State() != model.StateIdle {
		t.Errorf("State() = %q, want idle", s.State())
	}
	if _, ok := s.Snapshot(); ok {
		t.Error("Snapshot() ok = true while idle")
	}
}

func TestBeginWithoutConfigure(t *testing.T) {
	if _, err := New().Begin("run-1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Begin() error = %v, want ErrNotConfigured", err)
	}
}

func TestLifecycle(t *testing.T) {
	s := New()

	job, err := s.Configure("echo", model.Params{"x": 1})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if job.State != model.StateConfigured || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}

	if _, err := s.Begin("run-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.UpdateProgress("run-1", model.Progress{Now: 40, CurrentLabel: "x"}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if got := s.Progress(); got.Now != 40 {
		t.Errorf("Progress().Now = %d, want 40", got.Now)
	}

	env, _ := model.Success(map[string]int{"y": 2})
	done, err := s.Finish("run-1", env)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.State != model.StateCompleted {
		t.Errorf("state = %q, want completed", done.State)
	}
	if done.Envelope != env {
		t.Error("envelope not stored")
	}

	// Last known progress survives the terminal transition.
	if got := s.Progress(); got.Now != 40 {
		t.Errorf("Progress().Now after finish = %d, want 40", got.Now)
	}
}

func TestBeginAfterFinishNeedsConfigure(t *testing.T) {
	s := New()
	if _, err := s.Start("echo", nil, "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Finish("run-1", model.Toast("done")); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := s.Begin("run-2"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Begin after finish error = %v, want ErrNotConfigured", err)
	}
	if _, err := s.Configure("echo", model.Params{"x": 2}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if s.State() != model.StateConfigured {
		t.Errorf("State() = %q, want configured", s.State())
	}
	if _, err := s.Begin("run-2"); err != nil {
		t.Errorf("Begin after Configure: %v", err)
	}
}

func TestFinishFailure(t *testing.T) {
	s := New()
	if _, err := s.Start("fail", nil, "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, err := s.Finish("run-1", model.Failure("boom", "trace", "v"))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if job.State != model.StateFailed {
		t.Errorf("state = %q, want failed", job.State)
	}
}

func TestRestartKeepsIdentity(t *testing.T) {
	s := New()
	first, err := s.Start("echo", model.Params{"x": 1}, "run-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	env, _ := model.Success(1)
	if _, err := s.Finish("run-1", env); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	second, err := s.Start("echo", model.Params{"x": 2}, "run-2")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("job ID changed: %s -> %s", first.ID, second.ID)
	}
	if second.Params["x"] != 2 {
		t.Errorf("params = %v, want x=2", second.Params)
	}
	if second.Envelope != nil {
		t.Error("envelope from previous run kept")
	}
	if got := s.Progress(); got != model.ZeroProgress {
		t.Errorf("progress not reset: %+v", got)
	}

	env2, _ := model.Success(2)
	job, err := s.Finish("run-2", env2)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if string(job.Envelope.Data) != "2" {
		t.Errorf("data = %s, want 2", job.Envelope.Data)
	}
}

func TestStartWhileRunning(t *testing.T) {
	s := New()
	if _, err := s.Start("echo", model.Params{"x": 1}, "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start("echo", model.Params{"x": 2}, "run-2"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second Start() error = %v, want ErrJobRunning", err)
	}
	if _, err := s.Configure("echo", model.Params{"x": 3}); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("Configure() error = %v, want ErrJobRunning", err)
	}

	job, _ := s.Snapshot()
	if job.Params["x"] != 1 || job.RunID != "run-1" {
		t.Errorf("running job mutated: %+v", job)
	}
}

func TestStaleRunRejected(t *testing.T) {
	s := New()
	if _, err := s.Start("echo", nil, "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.UpdateProgress("run-0", model.Progress{Now: 99}); !errors.Is(err, ErrStaleRun) {
		t.Errorf("UpdateProgress() error = %v, want ErrStaleRun", err)
	}
	if _, err := s.Finish("run-0", model.Toast("x")); !errors.Is(err, ErrStaleRun) {
		t.Errorf("Finish() error = %v, want ErrStaleRun", err)
	}
	if got := s.Progress(); got.Now != 0 {
		t.Errorf("stale update leaked: %+v", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	params := model.Params{"x": 1}
	if _, err := s.Configure("echo", params); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	params["x"] = 100

	job, _ := s.Snapshot()
	job.Params["x"] = 200

	again, _ := s.Snapshot()
	if again.Params["x"] != 1 {
		t.Errorf("params = %v, want x=1", again.Params)
	}
}

func TestConcurrentPollDuringRun(t *testing.T) {
	s := New()
	if _, err := s.Start("countdown", nil, "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := 1; i <= 100; i++ {
			if err := s.UpdateProgress("run-1", model.Progress{Now: i}); err != nil {
				t.Errorf("UpdateProgress: %v", err)
				return
			}
		}
	})
	for range 4 {
		wg.Go(func() {
			last := 0
			for range 200 {
				p := s.Progress()
				if p.Now < last {
					t.Errorf("progress went backwards: %d after %d", p.Now, last)
					return
				}
				last = p.Now
			}
		})
	}
	wg.Wait()

	if got := s.Progress().Now; got != 100 {
		t.Errorf("final progress = %d, want 100", got)
	}
}
