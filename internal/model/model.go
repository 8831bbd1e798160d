// Package model defines the wire and storage shapes shared by the queue,
// worker, validator, and telemetry packages.
package model

import "encoding/json"

// OperationKind is the kind of filesystem change a ChangeOperation describes.
type OperationKind string

const (
	OperationAdd    OperationKind = "add"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// ChangeOperation is a single per-file patch within a ChangeRequest.
type ChangeOperation struct {
	Path      string        `json:"path"`
	Operation OperationKind `json:"operation"`
	Patch     string        `json:"patch"`
	PatchHash string        `json:"patch_hash,omitempty"`
}

// AssignmentMetadata is an optional, non-validated supplement carried by some
// ChangeRequests (originating from the orchestrator front-end). Nothing in
// the core pipeline requires it; the validator does not inspect it.
type AssignmentMetadata struct {
	Intent            string   `json:"intent,omitempty"`
	Complexity        int      `json:"complexity,omitempty"`
	SampleDiff        string   `json:"sample_diff,omitempty"`
	TelemetryAnchors  []string `json:"telemetry_anchors,omitempty"`
	Approvals         []string `json:"approvals,omitempty"`
	AgentModel        string   `json:"agent_model,omitempty"`
}

// ChangeRequest is the payload a QueueEntry carries: one unit of work
// describing a set of file changes plus the checks that verify them.
type ChangeRequest struct {
	TaskID   string              `json:"task_id"`
	Agent    string              `json:"agent"`
	Changes  []ChangeOperation   `json:"changes"`
	Checks   []string            `json:"checks"`
	Metadata *AssignmentMetadata `json:"metadata,omitempty"`
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusInProgress QueueStatus = "in_progress"
	StatusApplied    QueueStatus = "applied"
	StatusFailed     QueueStatus = "failed"
)

// QueueEntry is the core persisted record: one enqueued ChangeRequest and its
// lease/attempt bookkeeping.
type QueueEntry struct {
	ID          int64
	Status      QueueStatus
	Payload     ChangeRequest
	Attempts    int64
	LastError   *string
	LeasedUntil *int64
	LeaseOwner  *string
	CreatedAt   int64
	UpdatedAt   int64
}

// DeadLetter is an immutable archival copy of a QueueEntry that reached
// StatusFailed.
type DeadLetter struct {
	ID       int64
	QueueID  int64
	TaskID   string
	Agent    string
	Payload  ChangeRequest
	Error    *string
	FailedAt int64
}

// LogEvent is an append-only diagnostic/telemetry journal row. QueueID is 0
// for events not tied to a specific entry (doctor, worker idle, etc).
type LogEvent struct {
	ID        int64
	QueueID   int64
	TaskID    string
	Level     string
	Message   string
	Details   json.RawMessage
	CreatedAt int64
}

// FileEvent is an append-only record of a filesystem notification.
type FileEvent struct {
	ID        int64
	Path      string
	Event     string
	Source    string
	Details   json.RawMessage
	CreatedAt int64
}

// AgentSession tracks a resumable agent-harness session, addressable by its
// unique ResumeID.
type AgentSession struct {
	ID            int64
	ResumeID      string
	Model         string
	AllowAllTools bool
	CreatedAt     int64
	LastUsed      int64
}

// RequestedChange is one file-scoped change within an operator-submitted
// TaskRequest, before it has been decomposed into per-agent assignments.
type RequestedChange struct {
	Path    string `json:"path"`
	Summary string `json:"summary"`
}

// TaskRequest is the operator-facing input to the dispatcher: a batch of
// independent file-scoped changes to farm out across agents.
type TaskRequest struct {
	RequestID       string             `json:"request_id"`
	RequestedChanges []RequestedChange `json:"requested_changes"`
}

// TaskAssignment is one decomposed unit of work handed to a single agent
// invocation.
type TaskAssignment struct {
	TaskID          string   `json:"task_id"`
	ParentRequestID string   `json:"parent_request_id"`
	Summary         string   `json:"summary"`
	FileTargets     []string `json:"file_targets"`
	Instructions    []string `json:"instructions"`
}

// ValidationResult is the Validator's result shape.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// StatusCounts is a live snapshot of QueueEntry counts by status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
}

// QueueMetrics is the aggregated telemetry snapshot returned by
// queue_metrics over a trailing window.
type QueueMetrics struct {
	WindowSeconds          int64        `json:"window_seconds"`
	StatusCounts           StatusCounts `json:"status_counts"`
	AvgDequeueLatencyMs    *float64     `json:"avg_dequeue_latency_ms"`
	AvgApplyDurationMs     *float64     `json:"avg_apply_duration_ms"`
	AvgPollIntervalMs      *float64     `json:"avg_poll_interval_ms"`
	ThroughputPerMinute    *float64     `json:"throughput_per_minute"`
	LeaseContentionEvents  int          `json:"lease_contention_events"`
	Timestamp              int64        `json:"timestamp"`
}

// DefaultQueueMetrics mirrors the zero-value metrics snapshot (60s window,
// everything else empty) used before any samples exist.
func DefaultQueueMetrics() QueueMetrics {
	return QueueMetrics{WindowSeconds: 60}
}
