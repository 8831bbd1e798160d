package validator

import (
	"testing"

	"github.com/napageneral/hyperion/internal/model"
)

func validRequest() model.ChangeRequest {
	patch := "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n"
	return model.ChangeRequest{
		TaskID: "task-1",
		Agent:  "agent-1",
		Changes: []model.ChangeOperation{
			{Path: "main.go", Operation: model.OperationUpdate, Patch: patch, PatchHash: PatchHash(patch)},
		},
		Checks: []string{"go build ./..."},
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	result := Validate(validRequest())
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
}

func TestValidateRejectsMissingTaskID(t *testing.T) {
	req := validRequest()
	req.TaskID = ""
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for empty task_id")
	}
}

func TestValidateRejectsMissingAgent(t *testing.T) {
	req := validRequest()
	req.Agent = "  "
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for blank agent")
	}
}

func TestValidateRejectsEmptyChanges(t *testing.T) {
	req := validRequest()
	req.Changes = nil
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for empty changes")
	}
}

func TestValidateRejectsEmptyChecks(t *testing.T) {
	req := validRequest()
	req.Checks = nil
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for empty checks")
	}
}

func TestValidateRejectsAbsolutePath(t *testing.T) {
	req := validRequest()
	req.Changes[0].Path = "/etc/passwd"
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for absolute path")
	}
}

func TestValidateRejectsParentTraversal(t *testing.T) {
	req := validRequest()
	req.Changes[0].Path = "../../etc/passwd"
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for path containing ..")
	}
}

func TestValidateRejectsMissingPatch(t *testing.T) {
	req := validRequest()
	req.Changes[0].Patch = ""
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for empty patch")
	}
}

func TestValidateRejectsHeaderMismatchForAdd(t *testing.T) {
	req := validRequest()
	req.Changes[0].Operation = model.OperationAdd
	req.Changes[0].Patch = "diff --git a/other.go b/other.go\n--- /dev/null\n+++ b/other.go\n@@ -0,0 +1 @@\n+x\n"
	req.Changes[0].PatchHash = PatchHash(req.Changes[0].Patch)
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid: add patch header doesn't mention the declared path")
	}
}

func TestValidateRejectsHeaderMismatchForDelete(t *testing.T) {
	req := validRequest()
	req.Changes[0].Operation = model.OperationDelete
	req.Changes[0].Patch = "diff --git a/other.go b/other.go\n--- a/other.go\n+++ /dev/null\n"
	req.Changes[0].PatchHash = PatchHash(req.Changes[0].Patch)
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid: delete patch header doesn't mention main.go")
	}
}

func TestValidateRejectsPatchHashMismatch(t *testing.T) {
	req := validRequest()
	req.Changes[0].PatchHash = "deadbeef"
	result := Validate(req)
	if result.Valid {
		t.Fatal("expected invalid for mismatched patch_hash")
	}
}

func TestValidateIgnoresEmptyPatchHash(t *testing.T) {
	req := validRequest()
	req.Changes[0].PatchHash = ""
	result := Validate(req)
	if !result.Valid {
		t.Fatalf("expected valid when patch_hash is omitted, got errors: %v", result.Errors)
	}
}

func TestPatchHashIsDeterministic(t *testing.T) {
	patch := "some patch text"
	h1 := PatchHash(patch)
	h2 := PatchHash(patch)
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %s and %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d: %s", len(h1), h1)
	}
}

func TestPatchHashDiffersForDifferentInput(t *testing.T) {
	if PatchHash("a") == PatchHash("b") {
		t.Fatal("expected different patches to hash differently")
	}
}
