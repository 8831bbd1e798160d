// Package telemetry turns the queue's append-only LogEvent journal into
// queryable metrics and diagnostic ("doctor") checks. It holds no counters of
// its own — every number it reports is derived by scanning the journal, so
// metrics survive a crash exactly as well as the store does.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
)

// Aggregator computes QueueMetrics and doctor diagnostics from a Queue.
type Aggregator struct {
	q *queue.Queue
}

func New(q *queue.Queue) *Aggregator {
	return &Aggregator{q: q}
}

func nowUnix() int64 { return time.Now().Unix() }

// QueueMetrics derives the telemetry snapshot over the trailing
// windowSeconds (minimum 1, default 60).
func (a *Aggregator) QueueMetrics(windowSeconds int64) (model.QueueMetrics, error) {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	pending, err := a.q.List(model.StatusPending)
	if err != nil {
		return model.QueueMetrics{}, err
	}
	inProgress, err := a.q.List(model.StatusInProgress)
	if err != nil {
		return model.QueueMetrics{}, err
	}
	applied, err := a.q.List(model.StatusApplied)
	if err != nil {
		return model.QueueMetrics{}, err
	}
	failed, err := a.q.List(model.StatusFailed)
	if err != nil {
		return model.QueueMetrics{}, err
	}

	since := nowUnix() - windowSeconds

	var (
		dequeueLatencyTotal, pollTotal, applyDurationTotal float64
		dequeueSamples, pollSamples, applySamples          int
		appliedCount, leaseContentionEvents                int
	)

	events, err := a.q.RecentLogEventsSince(since)
	if err != nil {
		return model.QueueMetrics{}, err
	}

	for _, ev := range events {
		switch ev.Message {
		case "dequeue_metrics":
			var details struct {
				DequeueLatencyMs *float64 `json:"dequeue_latency_ms"`
				PollIntervalMs   *float64 `json:"poll_interval_ms"`
			}
			if len(ev.Details) > 0 {
				_ = json.Unmarshal(ev.Details, &details)
			}
			if details.DequeueLatencyMs != nil {
				dequeueLatencyTotal += *details.DequeueLatencyMs
				dequeueSamples++
				if details.PollIntervalMs != nil {
					pollTotal += *details.PollIntervalMs
					pollSamples++
					if *details.DequeueLatencyMs > *details.PollIntervalMs {
						leaseContentionEvents++
					}
				}
			} else if details.PollIntervalMs != nil {
				pollTotal += *details.PollIntervalMs
				pollSamples++
			}
		case "applied":
			appliedCount++
			var details struct {
				ApplyDurationMs *float64 `json:"apply_duration_ms"`
			}
			if len(ev.Details) > 0 {
				_ = json.Unmarshal(ev.Details, &details)
			}
			if details.ApplyDurationMs != nil {
				applyDurationTotal += *details.ApplyDurationMs
				applySamples++
			}
		}
	}

	avg := func(total float64, n int) *float64 {
		if n == 0 {
			return nil
		}
		v := total / float64(n)
		return &v
	}

	var throughput *float64
	if appliedCount > 0 {
		v := float64(appliedCount) * 60 / float64(windowSeconds)
		throughput = &v
	}

	return model.QueueMetrics{
		WindowSeconds: windowSeconds,
		StatusCounts: model.StatusCounts{
			Pending:    len(pending),
			InProgress: len(inProgress),
			Applied:    len(applied),
			Failed:     len(failed),
		},
		AvgDequeueLatencyMs:   avg(dequeueLatencyTotal, dequeueSamples),
		AvgApplyDurationMs:    avg(applyDurationTotal, applySamples),
		AvgPollIntervalMs:     avg(pollTotal, pollSamples),
		ThroughputPerMinute:   throughput,
		LeaseContentionEvents: leaseContentionEvents,
		Timestamp:             nowUnix(),
	}, nil
}

// ProgressLine renders the single-line, stdout progress summary a worker
// prints every 5 seconds.
func ProgressLine(m model.QueueMetrics) string {
	fmtOpt := func(v *float64, suffix string) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.1f%s", *v, suffix)
	}

	return fmt.Sprintf(
		"[progress] pending=%d in_progress=%d applied=%d failed=%d throughput=%s avg_dequeue_latency=%s avg_apply_duration=%s lease_contention_events=%d",
		m.StatusCounts.Pending, m.StatusCounts.InProgress, m.StatusCounts.Applied, m.StatusCounts.Failed,
		fmtOpt(m.ThroughputPerMinute, "/min"), fmtOpt(m.AvgDequeueLatencyMs, "ms"), fmtOpt(m.AvgApplyDurationMs, "ms"),
		m.LeaseContentionEvents,
	)
}
