package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/kiln/internal/harness"
	"github.com/seantiz/kiln/internal/model"
)

// recorder is a Reporter collecting every emitted record.
type recorder struct {
	cur     model.Progress
	history []model.Progress
}

func (r *recorder) SetProgress(opts ...harness.ProgressOption) {
	for _, opt := range opts {
		opt(&r.cur)
	}
	r.history = append(r.history, r.cur)
}

func (r *recorder) ReplaceProgress(p model.Progress) {
	r.cur = p
	r.history = append(r.history, p)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", "echo", harness.ProcessorFunc(Echo))

	if _, err := r.Resolve("echo"); err != nil {
		t.Fatalf("Resolve(echo): %v", err)
	}
	if _, err := r.Resolve("nope"); !errors.Is(err, ErrUnknownProcessor) {
		t.Errorf("Resolve(nope) error = %v, want ErrUnknownProcessor", err)
	}
	if !r.Has("echo") || r.Has("nope") {
		t.Error("Has reported wrong membership")
	}
}

func TestDefaultListSorted(t *testing.T) {
	infos := Default().List()
	want := []string{"countdown", "digest", "echo", "fail"}
	if len(infos) != len(want) {
		t.Fatalf("List() = %v", infos)
	}
	for i, name := range want {
		if infos[i].Name != name {
			t.Errorf("List()[%d] = %q, want %q", i, infos[i].Name, name)
		}
		if infos[i].Description == "" {
			t.Errorf("%s has no description", name)
		}
	}
}

func TestEcho(t *testing.T) {
	rec := &recorder{}
	out, err := Echo(context.Background(), model.Params{"a": "b"}, rec)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out.(model.Params)["a"] != "b" {
		t.Errorf("Echo returned %v", out)
	}
	if rec.cur.Now != 100 {
		t.Errorf("final progress = %+v", rec.cur)
	}
}

func TestCountdownProgress(t *testing.T) {
	rec := &recorder{}
	_, err := Countdown(context.Background(), model.Params{"steps": 4, "delay_ms": 1}, rec)
	if err != nil {
		t.Fatalf("Countdown: %v", err)
	}
	want := []int{25, 50, 75, 100}
	if len(rec.history) != len(want) {
		t.Fatalf("got %d updates, want %d", len(rec.history), len(want))
	}
	for i, n := range want {
		if rec.history[i].Now != n {
			t.Errorf("update %d now = %d, want %d", i, rec.history[i].Now, n)
		}
	}
	if rec.cur.CurrentLabel != "step 4/4" {
		t.Errorf("label = %q", rec.cur.CurrentLabel)
	}
}

func TestCountdownRejectsBadSteps(t *testing.T) {
	_, err := Countdown(context.Background(), model.Params{"steps": 0}, &recorder{})
	var toast *harness.ToastError
	if !errors.As(err, &toast) {
		t.Fatalf("error = %v, want ToastError", err)
	}
}

func TestCountdownCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Countdown(ctx, model.Params{"steps": 3, "delay_ms": 1000}, &recorder{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDigest(t *testing.T) {
	data := bytes.Repeat([]byte("kiln"), 1<<19) // 2 MiB
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec := &recorder{}
	out, err := Digest(context.Background(), model.Params{"path": path}, rec)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	sum := sha256.Sum256(data)
	res := out.(map[string]any)
	if res["sha256"] != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %v", res["sha256"])
	}
	if res["size"] != int64(len(data)) {
		t.Errorf("size = %v, want %d", res["size"], len(data))
	}
	if rec.cur.Now != 100 || rec.cur.CurrentLabel != "done" {
		t.Errorf("final progress = %+v", rec.cur)
	}
	for i := 1; i < len(rec.history); i++ {
		if rec.history[i].Now < rec.history[i-1].Now {
			t.Errorf("progress went backwards at %d: %v", i, rec.history)
		}
	}
}

func TestDigestMissingPath(t *testing.T) {
	_, err := Digest(context.Background(), model.Params{}, &recorder{})
	var toast *harness.ToastError
	if !errors.As(err, &toast) {
		t.Fatalf("error = %v, want ToastError", err)
	}

	_, err = Digest(context.Background(), model.Params{"path": "/does/not/exist"}, &recorder{})
	if err == nil || errors.As(err, &toast) {
		t.Errorf("error = %v, want execution error", err)
	}
}

func TestFail(t *testing.T) {
	_, err := Fail(context.Background(), model.Params{"message": "bad input"}, &recorder{})
	if err == nil || err.Error() != "bad input" {
		t.Errorf("error = %v, want bad input", err)
	}

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Errorf("recovered %v, want kaboom", r)
		}
	}()
	Fail(context.Background(), model.Params{"message": "kaboom", "panic": true}, &recorder{})
}
