package worker

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/napageneral/hyperion/internal/apply"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/store"
)

func setupTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "hyperion_worker_test_*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	tmpFile.Close()
	path := tmpFile.Name()

	st, err := store.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.Remove(path)
	})

	return queue.New(st)
}

func sampleRequest(taskID string) model.ChangeRequest {
	return model.ChangeRequest{
		TaskID: taskID,
		Agent:  "agent-1",
		Changes: []model.ChangeOperation{
			{Path: "main.go", Operation: model.OperationAdd, Patch: "+++ b/main.go\n--- a/main.go\n"},
		},
		Checks: []string{"true"},
	}
}

type fakeApplier struct {
	calls int
	err   error
}

func (f *fakeApplier) Apply(model.ChangeRequest) error {
	f.calls++
	return f.err
}

func TestProcessAppliesSuccessfully(t *testing.T) {
	q := setupTestQueue(t)
	id, err := q.Enqueue(sampleRequest("task-ok"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue: entry=%v err=%v", entry, err)
	}

	applier := &fakeApplier{}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 3})
	w.process(entry, time.Millisecond)

	if applier.calls != 1 {
		t.Fatalf("expected applier to be called once, got %d", applier.calls)
	}

	applied, err := q.List(model.StatusApplied)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if len(applied) != 1 || applied[0].ID != id {
		t.Fatalf("expected entry %d applied, got %+v", id, applied)
	}
}

func TestProcessRetriesOnApplyFailure(t *testing.T) {
	q := setupTestQueue(t)
	if _, err := q.Enqueue(sampleRequest("task-retry")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue: entry=%v err=%v", entry, err)
	}

	applier := &fakeApplier{err: errors.New("transient failure")}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 3})
	w.process(entry, time.Millisecond)

	pending, err := q.List(model.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected entry back in pending after a retryable failure, got %d pending", len(pending))
	}
}

func TestProcessFailsAfterMaxAttemptsOnApplyFailure(t *testing.T) {
	q := setupTestQueue(t)
	id, err := q.Enqueue(sampleRequest("task-exhaust"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	applier := &fakeApplier{err: errors.New("persistent failure")}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 2})

	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue 1: entry=%v err=%v", entry, err)
	}
	w.process(entry, time.Millisecond)

	entry2, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry2 == nil {
		t.Fatalf("dequeue 2: entry=%v err=%v", entry2, err)
	}
	if entry2.Attempts != 2 {
		t.Fatalf("expected attempts=2 before the terminal failure, got %d", entry2.Attempts)
	}
	w.process(entry2, time.Millisecond)

	failed, err := q.List(model.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("expected entry %d failed, got %+v", id, failed)
	}

	dead, err := q.ListDeadLetters()
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
}

func TestProcessShedsEntryAlreadyOverMaxAttempts(t *testing.T) {
	q := setupTestQueue(t)
	if _, err := q.Enqueue(sampleRequest("task-over")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue: entry=%v err=%v", entry, err)
	}
	// Simulate a reclaimed entry whose attempts have already exceeded the
	// configured ceiling (a crashed worker could leave attempts this high).
	entry.Attempts = 5

	applier := &fakeApplier{}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 3})
	w.process(entry, time.Millisecond)

	if applier.calls != 0 {
		t.Fatalf("expected applier not to be invoked once attempts exceed the ceiling, got %d calls", applier.calls)
	}

	failed, err := q.List(model.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the entry to be shed straight to failed, got %d failed", len(failed))
	}
}

func TestProcessFailsInvalidChangeRequest(t *testing.T) {
	q := setupTestQueue(t)
	invalid := sampleRequest("task-invalid")
	invalid.Checks = nil
	if _, err := q.Enqueue(invalid); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue: entry=%v err=%v", entry, err)
	}

	applier := &fakeApplier{}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 3})
	w.process(entry, time.Millisecond)

	if applier.calls != 0 {
		t.Fatalf("expected applier not to be invoked for an invalid change request, got %d calls", applier.calls)
	}

	failed, err := q.List(model.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected invalid entry to be failed, got %d failed", len(failed))
	}
}

func TestProcessRunsChecksAfterApply(t *testing.T) {
	q := setupTestQueue(t)
	req := sampleRequest("task-checks")
	req.Checks = []string{"false"}
	if _, err := q.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(time.Minute, "worker-1")
	if err != nil || entry == nil {
		t.Fatalf("dequeue: entry=%v err=%v", entry, err)
	}

	applier := &fakeApplier{}
	w := New(q, applier, Config{WorkerID: "worker-1", MaxAttempts: 3, RunChecks: true})
	w.process(entry, time.Millisecond)

	pending, err := q.List(model.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the entry retried after a failing check, got %d pending", len(pending))
	}
}

var _ apply.Applier = (*fakeApplier)(nil)
