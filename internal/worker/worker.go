// Package worker implements the per-iteration pull loop that dequeues a
// ChangeRequest, validates it, applies it, runs its checks, and records the
// outcome back to the queue's journal.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/napageneral/hyperion/internal/apply"
	"github.com/napageneral/hyperion/internal/check"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/telemetry"
	"github.com/napageneral/hyperion/internal/validator"
)

const progressInterval = 5 * time.Second

// Config configures one worker's pull loop.
type Config struct {
	WorkerID        string
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	RunChecks       bool
	MaxAttempts     int64
	// ReportProgress gates the periodic [progress] line to a single
	// designated worker, mirroring the one-writer-to-stdout convention a
	// multi-worker coordinator relies on to avoid interleaved output.
	ReportProgress bool
}

// Worker pulls entries from a Queue and drives them through apply/check.
type Worker struct {
	q       *queue.Queue
	applier apply.Applier
	cfg     Config
}

func New(q *queue.Queue, applier apply.Applier, cfg Config) *Worker {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Worker{q: q, applier: applier, cfg: cfg}
}

// Run blocks, pulling and processing entries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.cfg.WorkerID).
		Dur("lease", w.cfg.LeaseDuration).
		Dur("poll_interval", w.cfg.PollInterval).
		Bool("run_checks", w.cfg.RunChecks).
		Msg("worker started")

	nextProgress := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", w.cfg.WorkerID).Msg("worker shutting down")
			return ctx.Err()
		default:
		}

		if w.cfg.ReportProgress && !time.Now().Before(nextProgress) {
			if err := w.reportProgress(); err != nil {
				log.Warn().Err(err).Msg("progress report failed")
			}
			nextProgress = time.Now().Add(progressInterval)
		}

		dequeueStart := time.Now()
		entry, err := w.q.Dequeue(w.cfg.LeaseDuration, w.cfg.WorkerID)
		dequeueLatency := time.Since(dequeueStart)
		if err != nil {
			log.Warn().Err(err).Msg("dequeue failed")
			w.sleep(ctx)
			continue
		}

		if entry == nil {
			details, _ := json.Marshal(map[string]any{
				"worker_id":        w.cfg.WorkerID,
				"poll_interval_ms": w.cfg.PollInterval.Milliseconds(),
			})
			_ = w.q.LogEvent(0, "worker", "info", "idle", details)
			w.sleep(ctx)
			continue
		}

		w.process(entry, dequeueLatency)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) process(entry *model.QueueEntry, dequeueLatency time.Duration) {
	taskID := entry.Payload.TaskID

	dequeuedDetails, _ := json.Marshal(map[string]any{"attempt": entry.Attempts})
	_ = w.q.LogEvent(entry.ID, taskID, "info", "dequeued", dequeuedDetails)

	metricsDetails, _ := json.Marshal(map[string]any{
		"dequeue_latency_ms": dequeueLatency.Milliseconds(),
		"poll_interval_ms":   w.cfg.PollInterval.Milliseconds(),
		"worker_id":          w.cfg.WorkerID,
	})
	_ = w.q.LogEvent(entry.ID, taskID, "info", "dequeue_metrics", metricsDetails)

	if entry.Attempts > w.cfg.MaxAttempts {
		msg := fmt.Sprintf("max attempts reached (%d/%d)", entry.Attempts, w.cfg.MaxAttempts)
		details, _ := json.Marshal(map[string]any{"attempts": entry.Attempts, "max": w.cfg.MaxAttempts})
		_ = w.q.LogEvent(entry.ID, taskID, "warn", "max attempts reached", details)
		log.Warn().Str("task_id", taskID).Int64("attempts", entry.Attempts).Msg("max attempts reached")
		if err := w.q.MarkFailed(entry.ID, msg); err != nil {
			log.Error().Err(err).Int64("entry_id", entry.ID).Msg("mark failed (max attempts) failed")
		}
		return
	}

	validation := validator.Validate(entry.Payload)
	if !validation.Valid {
		details, _ := json.Marshal(map[string]any{"errors": validation.Errors})
		_ = w.q.LogEvent(entry.ID, taskID, "warn", "validation failed", details)
		log.Warn().Str("task_id", taskID).Strs("errors", validation.Errors).Msg("invalid change request")
		if err := w.q.MarkFailed(entry.ID, fmt.Sprintf("validation errors: %v", validation.Errors)); err != nil {
			log.Error().Err(err).Int64("entry_id", entry.ID).Msg("mark failed (validation) failed")
		}
		return
	}

	applyStart := time.Now()
	if err := w.applier.Apply(entry.Payload); err != nil {
		details := failureDetails(err)
		_ = w.q.LogEvent(entry.ID, taskID, "warn", "apply failed", details)
		log.Warn().Str("task_id", taskID).Err(err).Msg("apply failed")
		w.retryOrFail(entry, err)
		return
	}

	if w.cfg.RunChecks {
		if err := check.Run(entry.Payload.Checks); err != nil {
			details := failureDetails(err)
			_ = w.q.LogEvent(entry.ID, taskID, "warn", "checks failed", details)
			log.Warn().Str("task_id", taskID).Err(err).Msg("checks failed")
			w.retryOrFail(entry, err)
			return
		}
	}

	if err := w.q.MarkApplied(entry.ID); err != nil {
		log.Error().Err(err).Int64("entry_id", entry.ID).Msg("mark applied failed")
		return
	}
	applyDuration := time.Since(applyStart)
	appliedDetails, _ := json.Marshal(map[string]any{"apply_duration_ms": applyDuration.Milliseconds()})
	_ = w.q.LogEvent(entry.ID, taskID, "info", "applied", appliedDetails)
	log.Info().Str("task_id", taskID).Msg("change request applied")
}

func (w *Worker) retryOrFail(entry *model.QueueEntry, cause error) {
	if entry.Attempts >= w.cfg.MaxAttempts {
		if err := w.q.MarkFailed(entry.ID, cause.Error()); err != nil {
			log.Error().Err(err).Int64("entry_id", entry.ID).Msg("mark failed failed")
		}
		return
	}
	if err := w.q.MarkRetry(entry.ID, cause.Error()); err != nil {
		log.Error().Err(err).Int64("entry_id", entry.ID).Msg("mark retry failed")
	}
}

func (w *Worker) reportProgress() error {
	agg := telemetry.New(w.q)
	metrics, err := agg.QueueMetrics(60)
	if err != nil {
		return err
	}
	fmt.Println(telemetry.ProgressLine(metrics))
	return nil
}

// failureDetails builds the structured log payload for an apply/check
// failure, unwrapping the richer *apply.Failure / *check.Failure shape when
// present so operators get stdout/stderr without re-running anything.
func failureDetails(err error) json.RawMessage {
	payload := map[string]any{"error": err.Error()}

	var applyFailure *apply.Failure
	if errors.As(err, &applyFailure) {
		payload["apply_stdout"] = applyFailure.Stdout
		payload["apply_stderr"] = applyFailure.Stderr
		payload["patch_preview"] = excerpt(applyFailure.Patch, 512)
	}

	var checkFailure *check.Failure
	if errors.As(err, &checkFailure) {
		payload["check_command"] = checkFailure.Command
		payload["check_stdout"] = checkFailure.Stdout
		payload["check_stderr"] = checkFailure.Stderr
	}

	details, _ := json.Marshal(payload)
	return details
}

func excerpt(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
