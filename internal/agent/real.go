package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/napageneral/hyperion/internal/ratelimit"
)

// RealConfig configures a RealHarness invocation of an external coding-agent
// CLI binary.
type RealConfig struct {
	Binary        string // e.g. "copilot"
	Model         string // used when ResumeID is empty
	ResumeID      string // resumes a prior session when set
	AllowAllTools bool
	MaxRetries    int
	// RatePerMinute throttles invocations to avoid overwhelming the
	// external tool or its backing API; 0 disables throttling.
	RatePerMinute int
}

// RealHarness shells out to an external agent binary, retrying transient
// failures with exponential backoff and optionally rate-limiting the call
// rate across concurrent workers.
type RealHarness struct {
	cfg    RealConfig
	bucket *ratelimit.LeakyBucket
}

func NewRealHarness(cfg RealConfig) *RealHarness {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &RealHarness{
		cfg:    cfg,
		bucket: ratelimit.NewLeakyBucketFromRPM(cfg.RatePerMinute),
	}
}

func (h *RealHarness) Run(ctx context.Context, prompt string) (Result, error) {
	if err := h.bucket.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("agent rate limit: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.cfg.MaxRetries)), ctx)

	var out Result
	err := backoff.Retry(func() error {
		result, err := h.invoke(ctx, prompt)
		if err != nil {
			log.Warn().Err(err).Str("binary", h.cfg.Binary).Msg("agent invocation failed, retrying")
			return err
		}
		out = result
		return nil
	}, bo)
	if err != nil {
		return Result{}, fmt.Errorf("agent %s: %w", h.cfg.Binary, err)
	}
	return out, nil
}

func (h *RealHarness) buildArgs(prompt string) []string {
	args := []string{}
	if h.cfg.ResumeID != "" {
		args = append(args, "--resume", h.cfg.ResumeID)
	} else if h.cfg.Model != "" {
		args = append(args, "--model", h.cfg.Model)
	}
	if h.cfg.AllowAllTools {
		args = append(args, "--allow-all-tools")
	}
	args = append(args, "--silent", "-p", prompt)
	return args
}

func (h *RealHarness) invoke(ctx context.Context, prompt string) (Result, error) {
	cmd := exec.CommandContext(ctx, h.cfg.Binary, h.buildArgs(prompt)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		return Result{}, fmt.Errorf("%s exited after %s: %w (stderr: %s)", h.cfg.Binary, duration, err, stderr.String())
	}

	return Result{Output: stdout.String()}, nil
}
