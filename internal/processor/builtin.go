package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/seantiz/kiln/internal/harness"
	"github.com/seantiz/kiln/internal/model"
)

// ProgressType tags progress records of the built-in processors. The worker
// seeds every run's record with it.
const ProgressType = "process"

// Default returns a registry holding the built-in processors.
func Default() *Registry {
	r := NewRegistry()
	r.Register("echo", "returns its parameters unchanged", harness.ProcessorFunc(Echo))
	r.Register("countdown", "reports progress over a number of timed steps", harness.ProcessorFunc(Countdown))
	r.Register("digest", "computes the SHA-256 of a file, reporting bytes read", harness.ProcessorFunc(Digest))
	r.Register("fail", "fails with the given message", harness.ProcessorFunc(Fail))
	return r
}

// Echo returns params.
func Echo(_ context.Context, params model.Params, r harness.Reporter) (any, error) {
	r.SetProgress(harness.WithLabel("echo"), harness.WithNow(100))
	return params, nil
}

type countdownParams struct {
	Steps   int    `mapstructure:"steps"`
	DelayMS int    `mapstructure:"delay_ms"`
	Label   string `mapstructure:"label"`
}

// Countdown reports evenly spaced progress over Steps steps, sleeping DelayMS
// between them.
func Countdown(ctx context.Context, params model.Params, r harness.Reporter) (any, error) {
	cfg := countdownParams{Steps: 5, DelayMS: 100, Label: "step"}
	if err := params.Decode(&cfg); err != nil {
		return nil, harness.Toast(err.Error())
	}
	if cfg.Steps <= 0 {
		return nil, harness.Toast("steps must be positive")
	}

	for i := 1; i <= cfg.Steps; i++ {
		select {
		case <-time.After(time.Duration(cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
		r.SetProgress(
			harness.WithLabel(fmt.Sprintf("%s %d/%d", cfg.Label, i, cfg.Steps)),
			harness.WithNow(i*100/cfg.Steps),
		)
	}
	return map[string]int{"steps": cfg.Steps}, nil
}

type digestParams struct {
	Path string `mapstructure:"path"`
}

// digestChunk is the read size between progress reports.
const digestChunk = 1 << 20

// Digest hashes the file at Path.
func Digest(_ context.Context, params model.Params, r harness.Reporter) (any, error) {
	var cfg digestParams
	if err := params.Decode(&cfg); err != nil {
		return nil, harness.Toast(err.Error())
	}
	if cfg.Path == "" {
		return nil, harness.Toast("path is required")
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open input")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat input")
	}

	h := sha256.New()
	total := info.Size()
	var read int64
	r.SetProgress(harness.WithLabel("hashing"), harness.WithNow(0))
	for {
		n, err := io.CopyN(h, f, digestChunk)
		read += n
		if total > 0 {
			r.SetProgress(harness.WithNow(int(read * 100 / total)))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read input")
		}
	}
	r.SetProgress(harness.WithLabel("done"), harness.WithNow(100))

	return map[string]any{
		"path":   cfg.Path,
		"size":   read,
		"sha256": hex.EncodeToString(h.Sum(nil)),
	}, nil
}

type failParams struct {
	Message string `mapstructure:"message"`
	Panic   bool   `mapstructure:"panic"`
}

// Fail returns an error, or panics when Panic is set.
func Fail(_ context.Context, params model.Params, r harness.Reporter) (any, error) {
	cfg := failParams{Message: "boom"}
	if err := params.Decode(&cfg); err != nil {
		return nil, harness.Toast(err.Error())
	}
	r.SetProgress(harness.WithLabel("failing"), harness.WithNow(10))
	if cfg.Panic {
		panic(cfg.Message)
	}
	return nil, errors.New(cfg.Message)
}
