// Package validator rejects malformed ChangeRequests before any side effect.
// It is invoked by the worker, by the dispatcher, and by the CLI's
// validate-change and apply commands (the enqueue command does not call it),
// and never fails for bad input — only ever returns a ValidationResult.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/napageneral/hyperion/internal/model"
)

// Validate checks request against the rules in the design: non-empty
// identifiers, well-formed relative paths, header/operation alignment, and
// (if present) a matching patch_hash. Same input always yields the same
// output.
func Validate(request model.ChangeRequest) model.ValidationResult {
	var errs []string

	if strings.TrimSpace(request.TaskID) == "" {
		errs = append(errs, "task_id is required")
	}
	if strings.TrimSpace(request.Agent) == "" {
		errs = append(errs, "agent is required")
	}
	if len(request.Changes) == 0 {
		errs = append(errs, "changes must not be empty")
	}
	if len(request.Checks) == 0 {
		errs = append(errs, "checks must not be empty")
	}

	for i, change := range request.Changes {
		validateOperation(i, change, &errs)
		validateHeaderAlignment(i, change, &errs)
		validatePatchHash(i, change, &errs)
	}

	return model.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateOperation(index int, change model.ChangeOperation, errs *[]string) {
	if strings.TrimSpace(change.Path) == "" {
		*errs = append(*errs, fmt.Sprintf("changes[%d].path is required", index))
	}
	if strings.TrimSpace(change.Patch) == "" {
		*errs = append(*errs, fmt.Sprintf("changes[%d].patch is required", index))
	}
	if path.IsAbs(change.Path) {
		*errs = append(*errs, fmt.Sprintf("changes[%d].path must be relative, got %s", index, change.Path))
	}
	if strings.Contains(change.Path, "..") {
		*errs = append(*errs, fmt.Sprintf("changes[%d].path must not contain '..', got %s", index, change.Path))
	}
}

func validateHeaderAlignment(index int, change model.ChangeOperation, errs *[]string) {
	if strings.TrimSpace(change.Path) == "" {
		return
	}
	normalized := strings.ReplaceAll(change.Path, "\\", "/")
	addMarker := "+++ b/" + normalized
	removeMarker := "--- a/" + normalized

	switch change.Operation {
	case model.OperationAdd:
		if !strings.Contains(change.Patch, addMarker) {
			*errs = append(*errs, fmt.Sprintf("changes[%d]: add operation patch must mention %s", index, addMarker))
		}
	case model.OperationUpdate:
		if !strings.Contains(change.Patch, addMarker) {
			*errs = append(*errs, fmt.Sprintf("changes[%d]: update patch must mention %s", index, addMarker))
		}
		if !strings.Contains(change.Patch, removeMarker) {
			*errs = append(*errs, fmt.Sprintf("changes[%d]: update patch must mention %s", index, removeMarker))
		}
	case model.OperationDelete:
		if !strings.Contains(change.Patch, removeMarker) {
			*errs = append(*errs, fmt.Sprintf("changes[%d]: delete patch must mention %s", index, removeMarker))
		}
	}
}

func validatePatchHash(index int, change model.ChangeOperation, errs *[]string) {
	if strings.TrimSpace(change.Patch) == "" || change.PatchHash == "" {
		return
	}
	calculated := PatchHash(change.Patch)
	if change.PatchHash != calculated {
		*errs = append(*errs, fmt.Sprintf("changes[%d]: patch_hash mismatch (expected %s, got %s)", index, calculated, change.PatchHash))
	}
}

// PatchHash returns the lowercase hex SHA-256 of patch, the form a valid
// patch_hash field must match.
func PatchHash(patch string) string {
	sum := sha256.Sum256([]byte(patch))
	return hex.EncodeToString(sum[:])
}
