package engine

import (
	"context"

	"github.com/BaSui01/webai/internal/tasktypes"
)

// RunRequest carries everything an AgentRunner needs to drive one task run.
// Prompt is the composed instructions (continuation prompts fold in chat
// history).
type RunRequest struct {
	TaskID            string
	Prompt            string
	ModelName         string
	ReasoningEffort   tasktypes.ReasoningEffort
	Temperature       *float64
	MaxSteps          int
	MaxActionsPerStep int
	MaxInputTokens    int
	UseVision         bool
	BrowserProfileDir string
	DownloadsDir      string
}

// OutcomeKind tags how a run ended, matching the capability-set encoding
// called out for the AgentRunner variation point: completed | failed
// (reason) | asked (question) | step (payload). Step and Asked are
// delivered via Hooks rather than Outcome; Outcome carries only the final
// two tags, plus Cancelled for cooperative-stop completions.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what on_finish receives.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string // populated when Kind == OutcomeFailed
	Summary string // optional human-readable result summary
}

// Hooks are the callbacks the engine supplies to a running AgentRunner.
type Hooks struct {
	// OnStep is called for every step the runner produces, in order.
	// Returning an error aborts the run (used to enforce max_steps).
	OnStep func(ctx context.Context, step tasktypes.Step) error

	// OnAskHuman blocks until assist() resolves the question or the run
	// is cancelled, returning the operator's free-text response.
	OnAskHuman func(ctx context.Context, question string) (string, error)

	// OnFinish is called exactly once, terminating the run.
	OnFinish func(ctx context.Context, outcome Outcome)
}

// Handle is an opaque per-AgentRunner run identifier passed back to Cancel.
type Handle any

// AgentRunner is the one variation point of the task engine: the abstract
// AI-agent-plus-browser driver. A concrete implementation (out of scope
// here) invokes a real browser-automation agent; FakeRunner is the
// scripted test double used by the engine's own tests.
type AgentRunner interface {
	Start(ctx context.Context, req RunRequest, hooks Hooks) (Handle, error)
	Cancel(handle Handle)
}
