package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/engine"
	"github.com/BaSui01/webai/internal/tasktypes"
)

// Runner drives one task at a time per handle, stepping a chat model
// through the task's instructions until it reports done, asks for human
// input, or is cancelled.
type Runner struct {
	client *chatClient
	logger *zap.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

// New builds a Runner. Satisfies engine.AgentRunner.
func New(cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		client:    newChatClient(cfg),
		logger:    logger.With(zap.String("component", "agent_runner")),
		cancelled: make(map[string]bool),
	}
}

// stepOutput is the JSON shape the model is asked to reply with.
type stepOutput struct {
	Action   string `json:"action"`
	Summary  string `json:"summary"`
	AskHuman string `json:"ask_human,omitempty"`
	Done     bool   `json:"done"`
}

// Start implements engine.AgentRunner. It launches the step loop on its own
// goroutine and returns immediately; hooks.OnFinish is guaranteed to be
// called exactly once before the goroutine exits.
func (r *Runner) Start(ctx context.Context, req engine.RunRequest, hooks engine.Hooks) (engine.Handle, error) {
	go r.loop(ctx, req, hooks)
	return req.TaskID, nil
}

// Cancel implements engine.AgentRunner. The loop itself polls ctx.Done(),
// so Cancel only needs to mark intent for logging; the engine's own
// context cancellation (via its run.cancel) is what actually stops it.
func (r *Runner) Cancel(handle engine.Handle) {
	id, ok := handle.(string)
	if !ok {
		return
	}
	r.mu.Lock()
	r.cancelled[id] = true
	r.mu.Unlock()
}

func (r *Runner) wasCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[id]
}

func (r *Runner) loop(ctx context.Context, req engine.RunRequest, hooks engine.Hooks) {
	history := []chatMessage{
		{Role: "system", Content: systemPrompt(req)},
		{Role: "user", Content: req.Prompt},
	}

	for step := 1; step <= req.MaxSteps; step++ {
		select {
		case <-ctx.Done():
			hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeCancelled})
			return
		default:
		}

		reply, err := r.client.complete(ctx, req.ModelName, history, req.Temperature, req.MaxInputTokens)
		if err != nil {
			if ctx.Err() != nil {
				hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeCancelled})
				return
			}
			hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeFailed, Reason: err.Error()})
			return
		}
		history = append(history, chatMessage{Role: "assistant", Content: reply})

		out, parseErr := parseStepOutput(reply)
		if parseErr != nil {
			out = stepOutput{Action: reply, Summary: reply}
		}

		if out.AskHuman != "" {
			answer, err := hooks.OnAskHuman(ctx, out.AskHuman)
			if err != nil {
				hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeCancelled})
				return
			}
			history = append(history, chatMessage{Role: "user", Content: answer})
			continue
		}

		if err := hooks.OnStep(ctx, tasktypes.Step{
			StepNumber:  step,
			SummaryHTML: out.Summary,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeFailed, Reason: err.Error()})
			return
		}

		if out.Done {
			hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeCompleted, Summary: out.Summary})
			return
		}

		if r.wasCancelled(req.TaskID) {
			hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeCancelled})
			return
		}
	}

	hooks.OnFinish(ctx, engine.Outcome{Kind: engine.OutcomeFailed, Reason: "max steps reached without completion"})
}

func parseStepOutput(reply string) (stepOutput, error) {
	var out stepOutput
	err := json.Unmarshal([]byte(reply), &out)
	return out, err
}

func systemPrompt(req engine.RunRequest) string {
	return fmt.Sprintf(
		"You are a browser-automation agent. Respond with a single JSON object: "+
			`{"action": "<what you would do next>", "summary": "<human-readable step summary>", "ask_human": "<question, or empty>", "done": <true|false>}. `+
			"Use at most %d actions per step. You have a budget of %d steps total.",
		req.MaxActionsPerStep, req.MaxSteps)
}
