// Package dispatch decomposes an operator-submitted TaskRequest into
// per-file TaskAssignments and fans them out across a pool of agent
// harnesses, enqueueing each resulting ChangeRequest.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/napageneral/hyperion/internal/agent"
	"github.com/napageneral/hyperion/internal/agent/prompts"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/validator"
)

const DefaultModel = "gpt-5-mini"

const changeRequestPromptID = "dispatch.change-request"

// promptLoader resolves the dispatch prompt templates, checking
// HYPERION_PROMPTS_DIR for an operator override before falling back to the
// embedded defaults.
var promptLoader = prompts.NewLoader(os.Getenv("HYPERION_PROMPTS_DIR"))

// Decompose splits a TaskRequest into one TaskAssignment per requested
// change; each assignment is scoped to a single file target so agents never
// contend for the same write.
func Decompose(request model.TaskRequest) []model.TaskAssignment {
	assignments := make([]model.TaskAssignment, 0, len(request.RequestedChanges))
	for i, change := range request.RequestedChanges {
		assignments = append(assignments, model.TaskAssignment{
			TaskID:          fmt.Sprintf("%s-%d", request.RequestID, i+1),
			ParentRequestID: request.RequestID,
			Summary:         change.Summary,
			FileTargets:     []string{change.Path},
			Instructions: []string{
				"Keep changes isolated to the listed files.",
				"Provide a structured JSON change request on completion.",
			},
		})
	}
	return assignments
}

// Result is the outcome of one dispatched assignment.
type Result struct {
	Assignment model.TaskAssignment
	QueueID    int64
	Err        error
}

// Run fans assignments out across agentCount (clamped to [1,3]) worker
// goroutines, each driving harnessFactory()'s harness through every
// assignment it pulls, validating and enqueueing the response. harnessFactory
// returns nil to fall back to a local no-op change (a comment marker plus a
// format check), mirroring the original dispatcher's degrade-to-local-diff
// behavior when no agent binary is configured.
func Run(ctx context.Context, q *queue.Queue, requests []model.TaskAssignment, agentCount int, harnessFactory func() agent.Harness) []Result {
	agentCount = clamp(agentCount, 1, 3)

	var mu sync.Mutex
	queueIdx := 0
	next := func() (model.TaskAssignment, bool) {
		mu.Lock()
		defer mu.Unlock()
		if queueIdx >= len(requests) {
			return model.TaskAssignment{}, false
		}
		a := requests[queueIdx]
		queueIdx++
		return a, true
	}

	resultsCh := make(chan Result, len(requests))
	var wg sync.WaitGroup

	for i := 0; i < agentCount; i++ {
		agentName := fmt.Sprintf("agent-%d", i+1)
		harness := harnessFactory()
		wg.Add(1)
		go func(agentName string, harness agent.Harness) {
			defer wg.Done()
			for {
				assignment, ok := next()
				if !ok {
					return
				}
				resultsCh <- runOne(ctx, q, harness, assignment, agentName)
			}
		}(agentName, harness)
	}

	wg.Wait()
	close(resultsCh)

	results := make([]Result, 0, len(requests))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

func runOne(ctx context.Context, q *queue.Queue, harness agent.Harness, assignment model.TaskAssignment, agentName string) Result {
	request, err := buildChangeRequest(ctx, harness, assignment, agentName)
	if err != nil {
		return Result{Assignment: assignment, Err: err}
	}

	validation := validator.Validate(request)
	if !validation.Valid {
		return Result{Assignment: assignment, Err: fmt.Errorf("invalid change request for %s: %v", request.TaskID, validation.Errors)}
	}

	id, err := q.Enqueue(request)
	if err != nil {
		return Result{Assignment: assignment, Err: err}
	}
	return Result{Assignment: assignment, QueueID: id}
}

func buildChangeRequest(ctx context.Context, harness agent.Harness, assignment model.TaskAssignment, agentName string) (model.ChangeRequest, error) {
	if harness != nil {
		prompt, err := buildPrompt(assignment, agentName)
		if err != nil {
			return model.ChangeRequest{}, fmt.Errorf("build prompt: %w", err)
		}
		result, err := harness.Run(ctx, prompt)
		if err == nil {
			var request model.ChangeRequest
			if jsonErr := json.Unmarshal([]byte(result.Output), &request); jsonErr == nil {
				request.TaskID = assignment.TaskID
				request.Agent = agentName
				for i := range request.Changes {
					if request.Changes[i].PatchHash == "" {
						request.Changes[i].PatchHash = validator.PatchHash(request.Changes[i].Patch)
					}
				}
				return request, nil
			}
		}
	}
	return fallbackChangeRequest(assignment, agentName), nil
}

// buildPrompt loads the change-request dispatch template and substitutes its
// placeholders with this assignment's details.
func buildPrompt(assignment model.TaskAssignment, agentName string) (string, error) {
	tmpl, err := promptLoader.Load(changeRequestPromptID)
	if err != nil {
		return "", err
	}

	replacer := strings.NewReplacer(
		"{{agent_name}}", agentName,
		"{{task_id}}", assignment.TaskID,
		"{{summary}}", assignment.Summary,
		"{{files}}", strings.Join(assignment.FileTargets, ", "),
		"{{instructions}}", strings.Join(assignment.Instructions, "\n- "),
	)
	return replacer.Replace(tmpl.Body), nil
}

// fallbackChangeRequest builds a minimal, locally-computed change when no
// agent harness is configured: it appends an attribution comment to the
// first target file and checks that the tree still formats.
func fallbackChangeRequest(assignment model.TaskAssignment, agentName string) model.ChangeRequest {
	path := assignment.FileTargets[0]
	base, _ := os.ReadFile(path)
	baseContent := string(base)

	addition := fmt.Sprintf("// Orchestrated update for %s by %s\n", assignment.TaskID, agentName)
	updated := baseContent
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += addition

	patch := buildUnifiedDiff(path, baseContent, updated)
	change := model.ChangeOperation{
		Path:      path,
		Operation: model.OperationUpdate,
		Patch:     patch,
		PatchHash: validator.PatchHash(patch),
	}

	return model.ChangeRequest{
		TaskID:  assignment.TaskID,
		Agent:   agentName,
		Changes: []model.ChangeOperation{change},
		Checks:  []string{"gofmt -l ."},
	}
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
