// Package apply is the default (non-sandboxed) patch applier: it takes a
// validated ChangeRequest and mutates the working tree in place, one
// goroutine per change, joined before returning.
package apply

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/napageneral/hyperion/internal/model"
)

// Failure is the structured error a failed apply carries: enough for an
// operator to diagnose without re-running anything. Its fields are inspected
// by the worker when building a failure-detail log event.
type Failure struct {
	Path   string
	Patch  string
	Stdout string
	Stderr string
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("apply %s: %v", f.Path, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Applier is the contract the worker relies on.
type Applier interface {
	Apply(request model.ChangeRequest) error
}

// Default applies changes directly against the local filesystem: Add creates
// parent directories and writes, Update rewrites existing content via a
// diff-match-patch fuzzy apply, Delete removes the target or fails if absent.
// Changes within one request are applied concurrently and joined.
type Default struct {
	Root string // working tree root; empty means the process cwd
}

func NewDefault(root string) *Default {
	return &Default{Root: root}
}

func (d *Default) Apply(request model.ChangeRequest) error {
	var wg sync.WaitGroup
	errs := make([]error, len(request.Changes))

	for i, change := range request.Changes {
		wg.Add(1)
		go func(i int, change model.ChangeOperation) {
			defer wg.Done()
			errs[i] = d.applyOne(change)
		}(i, change)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Default) applyOne(change model.ChangeOperation) error {
	target := change.Path
	if d.Root != "" {
		target = filepath.Join(d.Root, change.Path)
	}

	switch change.Operation {
	case model.OperationAdd:
		return d.writePatched(target, "", change)
	case model.OperationUpdate:
		existing, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return &Failure{Path: change.Path, Patch: change.Patch, Err: fmt.Errorf("read existing: %w", err)}
		}
		return d.writePatched(target, string(existing), change)
	case model.OperationDelete:
		if _, err := os.Stat(target); err != nil {
			if os.IsNotExist(err) {
				return &Failure{Path: change.Path, Err: fmt.Errorf("delete target: %w", err)}
			}
			return &Failure{Path: change.Path, Err: fmt.Errorf("stat target: %w", err)}
		}
		if err := os.Remove(target); err != nil {
			return &Failure{Path: change.Path, Err: fmt.Errorf("delete target: %w", err)}
		}
		return nil
	default:
		return &Failure{Path: change.Path, Err: fmt.Errorf("unknown operation %q", change.Operation)}
	}
}

func (d *Default) writePatched(target, base string, change model.ChangeOperation) error {
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Failure{Path: change.Path, Patch: change.Patch, Err: fmt.Errorf("create parent dirs: %w", err)}
		}
	}

	content, err := applyPatchContent(base, change.Patch)
	if err != nil {
		return &Failure{Path: change.Path, Patch: change.Patch, Stderr: err.Error(), Err: fmt.Errorf("apply patch: %w", err)}
	}

	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return &Failure{Path: change.Path, Patch: change.Patch, Err: fmt.Errorf("write target: %w", err)}
	}
	return nil
}

// applyPatchContent applies patchText against base using diffmatchpatch's
// tolerant fuzzy matcher, which recovers from line-offset drift that would
// sink a strict unified-diff apply. It surfaces a real error on failure
// instead of silently writing the raw patch text over the target.
func applyPatchContent(base, patchText string) (string, error) {
	dmp := diffmatchpatch.New()

	patches, err := dmp.PatchFromText(hunksOnly(patchText))
	if err != nil {
		return "", fmt.Errorf("parse patch: %w", err)
	}
	if len(patches) == 0 {
		return "", fmt.Errorf("patch contains no applicable hunks")
	}

	result, applied := dmp.PatchApply(patches, base)
	for _, ok := range applied {
		if !ok {
			return "", fmt.Errorf("one or more hunks did not apply cleanly")
		}
	}

	return result, nil
}

// hunksOnly strips the unified-diff file-header lines (diff --git, ---, +++)
// that the validator requires but diffmatchpatch's patch parser doesn't
// expect, leaving just the @@ hunks it understands.
func hunksOnly(patchText string) string {
	lines := strings.Split(patchText, "\n")
	kept := lines[:0]
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "),
			strings.HasPrefix(line, "--- "),
			strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "index "):
			continue
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
