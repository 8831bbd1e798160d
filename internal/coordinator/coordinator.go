// Package coordinator runs the integrated mode: a pool of workers plus an
// optional dashboard, sharing one cancellation context torn down together on
// SIGINT/SIGTERM or dashboard exit.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/napageneral/hyperion/internal/apply"
	"github.com/napageneral/hyperion/internal/dashboard"
	"github.com/napageneral/hyperion/internal/fileevents"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/worker"
)

// Config configures an integrated run.
type Config struct {
	WorkerCount   int
	AgentCount    int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	RunChecks     bool
	MaxAttempts   int64
	WatchRoot     string // empty disables the filesystem watcher
	Dashboard     bool
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run launches WorkerCount workers (clamped to [1,3]) against q, optionally a
// filesystem watcher and a blocking dashboard, and waits for all of them to
// wind down after ctx is cancelled or the dashboard exits.
func Run(ctx context.Context, q *queue.Queue, applier apply.Applier, cfg Config) error {
	cfg.WorkerCount = clamp(cfg.WorkerCount, 1, 3)
	cfg.AgentCount = clamp(cfg.AgentCount, 1, 3)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	var watcher *fileevents.Watcher

	if cfg.WatchRoot != "" {
		watcher = fileevents.New(cfg.WatchRoot, q)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("file watcher exited")
			}
		}()
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(q, applier, worker.Config{
			WorkerID:       fmt.Sprintf("worker-%d", i),
			LeaseDuration:  cfg.LeaseDuration,
			PollInterval:   cfg.PollInterval,
			RunChecks:      cfg.RunChecks,
			MaxAttempts:    cfg.MaxAttempts,
			ReportProgress: i == 0 && !cfg.Dashboard,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("worker exited")
			}
		}()
	}

	var dashboardErr error
	if cfg.Dashboard {
		dashboardErr = dashboard.Run(q, watcher)
		cancel()
	}

	wg.Wait()
	return dashboardErr
}
