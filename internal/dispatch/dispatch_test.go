package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/napageneral/hyperion/internal/agent"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/store"
	"github.com/napageneral/hyperion/internal/validator"
)

func setupTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "hyperion_dispatch_test_*.db")
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

func TestDecomposeOneAssignmentPerChange(t *testing.T) {
	request := model.TaskRequest{
		RequestID: "req-1",
		RequestedChanges: []model.RequestedChange{
			{Path: "a.go", Summary: "touch a"},
			{Path: "b.go", Summary: "touch b"},
		},
	}

	assignments := Decompose(request)
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assignments))
	}
	if assignments[0].TaskID != "req-1-1" || assignments[1].TaskID != "req-1-2" {
		t.Fatalf("expected sequential task ids, got %q and %q", assignments[0].TaskID, assignments[1].TaskID)
	}
	for i, a := range assignments {
		if a.ParentRequestID != "req-1" {
			t.Fatalf("assignment %d: expected parent_request_id req-1, got %s", i, a.ParentRequestID)
		}
		if len(a.FileTargets) != 1 {
			t.Fatalf("assignment %d: expected exactly one file target, got %v", i, a.FileTargets)
		}
		if len(a.Instructions) == 0 {
			t.Fatalf("assignment %d: expected non-empty instructions", i)
		}
	}
}

func agentChangeRequestJSON(t *testing.T, taskID string) string {
	t.Helper()
	patch := "diff --git a/out.go b/out.go\n--- a/out.go\n+++ b/out.go\n@@ -1 +1 @@\n-old\n+new\n"
	req := model.ChangeRequest{
		TaskID: taskID,
		Agent:  "whatever",
		Changes: []model.ChangeOperation{
			{Path: "out.go", Operation: model.OperationUpdate, Patch: patch, PatchHash: validator.PatchHash(patch)},
		},
		Checks: []string{"true"},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal change request: %v", err)
	}
	return string(raw)
}

func TestBuildPromptSubstitutesAssignmentFields(t *testing.T) {
	assignment := model.TaskAssignment{
		TaskID:       "req-9-1",
		Summary:      "touch a",
		FileTargets:  []string{"a.go"},
		Instructions: []string{"Keep changes isolated.", "Return valid JSON."},
	}

	prompt, err := buildPrompt(assignment, "agent-1")
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	if strings.Contains(prompt, "{{") {
		t.Fatalf("expected all placeholders to be substituted, got %q", prompt)
	}
	for _, want := range []string{"agent-1", "req-9-1", "touch a", "a.go", "Keep changes isolated."} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q, got %q", want, prompt)
		}
	}
}

func TestRunFansOutAndEnqueuesAgentResponses(t *testing.T) {
	q := setupTestQueue(t)

	request := model.TaskRequest{
		RequestID: "req-2",
		RequestedChanges: []model.RequestedChange{
			{Path: "a.go", Summary: "touch a"},
			{Path: "b.go", Summary: "touch b"},
			{Path: "c.go", Summary: "touch c"},
		},
	}
	assignments := Decompose(request)

	harness := agent.NewSimulatedHarness().WithFallback(func(prompt string) (agent.Result, error) {
		return agent.Result{Output: agentChangeRequestJSON(t, "placeholder")}, nil
	})

	results := Run(context.Background(), q, assignments, 2, func() agent.Harness { return harness })

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error for %s: %v", r.Assignment.TaskID, r.Err)
		}
		if r.QueueID == 0 {
			t.Fatalf("expected a queue id for %s", r.Assignment.TaskID)
		}
	}

	pending, err := q.List(model.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 enqueued entries, got %d", len(pending))
	}
}

func TestRunFallsBackToLocalChangeWhenHarnessIsNil(t *testing.T) {
	dir := t.TempDir()
	const relTarget = "local.go"
	if err := os.WriteFile(dir+"/"+relTarget, []byte("package local\n"), 0o644); err != nil {
		t.Fatalf("seed target file: %v", err)
	}

	// fallbackChangeRequest reads FileTargets[0] relative to the process cwd,
	// and the validator rejects absolute paths, so run the fallback from
	// inside the scratch directory.
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(origWD) })

	q := setupTestQueue(t)
	request := model.TaskRequest{
		RequestID: "req-3",
		RequestedChanges: []model.RequestedChange{
			{Path: relTarget, Summary: "local fallback"},
		},
	}
	assignments := Decompose(request)

	results := Run(context.Background(), q, assignments, 1, func() agent.Harness { return nil })

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected fallback path to succeed, got %v", results[0].Err)
	}

	entries, err := q.List(model.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 enqueued fallback entry, got %d", len(entries))
	}
	if len(entries[0].Payload.Changes) != 1 || entries[0].Payload.Changes[0].Path != relTarget {
		t.Fatalf("expected fallback change targeting %s, got %+v", relTarget, entries[0].Payload.Changes)
	}
}
