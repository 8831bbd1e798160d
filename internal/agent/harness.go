// Package agent models the coding-agent invocation as a narrow capability —
// run(prompt) -> result or error — with a Real variant that shells out to an
// external CLI tool and a Simulated variant for tests and dry runs. Neither
// variant is an HTTP client: the agent is explicitly out-of-process per the
// design, invoked and retried like any other unreliable subprocess.
package agent

import (
	"context"
)

// Result is what a successful harness invocation returns: the agent's raw
// stdout payload, expected to be a JSON-encoded ChangeRequest.
type Result struct {
	Output string
}

// Harness is the capability every agent variant implements.
type Harness interface {
	Run(ctx context.Context, prompt string) (Result, error)
}
