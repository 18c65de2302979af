package engine

import (
	"context"
	"sync"

	"github.com/BaSui01/webai/internal/tasktypes"
)

// ScriptedOutcome is one entry in a FakeRunner script: either a step to
// emit, a question to ask (blocking until Engine.Assist answers it or the
// run is cancelled), or a terminal outcome.
type ScriptedOutcome struct {
	Step     *tasktypes.Step
	Question string
	Outcome  *Outcome
}

// FakeRunner is the scripted AgentRunner test double called for in the
// design notes: property tests drive the engine against deterministic,
// controllable outcome sequences instead of a real browser agent.
type FakeRunner struct {
	mu      sync.Mutex
	scripts map[string][]ScriptedOutcome
	cancels map[string]bool
}

// NewFakeRunner builds an empty FakeRunner; register scripts with Script.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts: make(map[string][]ScriptedOutcome),
		cancels: make(map[string]bool),
	}
}

// Script sets the sequence of outcomes Start will play back for taskID.
func (f *FakeRunner) Script(taskID string, outcomes ...ScriptedOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = outcomes
}

// WasCancelled reports whether Cancel was called for the run handle
// belonging to taskID.
func (f *FakeRunner) WasCancelled(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[taskID]
}

func (f *FakeRunner) Start(ctx context.Context, req RunRequest, hooks Hooks) (Handle, error) {
	f.mu.Lock()
	script := f.scripts[req.TaskID]
	f.mu.Unlock()

	go func() {
		for _, entry := range script {
			select {
			case <-ctx.Done():
				hooks.OnFinish(ctx, Outcome{Kind: OutcomeCancelled})
				return
			default:
			}

			switch {
			case entry.Step != nil:
				if err := hooks.OnStep(ctx, *entry.Step); err != nil {
					hooks.OnFinish(ctx, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
					return
				}
			case entry.Question != "":
				resp, err := hooks.OnAskHuman(ctx, entry.Question)
				if err != nil {
					hooks.OnFinish(ctx, Outcome{Kind: OutcomeCancelled})
					return
				}
				_ = resp
			case entry.Outcome != nil:
				hooks.OnFinish(ctx, *entry.Outcome)
				return
			}
		}
		hooks.OnFinish(ctx, Outcome{Kind: OutcomeCompleted})
	}()

	return req.TaskID, nil
}

func (f *FakeRunner) Cancel(handle Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := handle.(string); ok {
		f.cancels[id] = true
	}
}
