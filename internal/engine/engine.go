// Package engine implements the per-node task lifecycle engine: the state
// machine, AgentRunner integration, single-runner invariant, and the
// assist/continue/stop/open/close operations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/tasktypes"
	"github.com/BaSui01/webai/internal/taskstore"
	"github.com/BaSui01/webai/internal/weberr"
)

// BrowserGate is the VNC broker's narrow surface the engine needs: mint a
// token when a browser session becomes live, revoke it when it doesn't.
type BrowserGate interface {
	Mint(taskID string) string
	Revoke(taskID string)
}

// Scheduler is the narrow surface the engine needs from the scheduler.
type Scheduler interface {
	Schedule(taskID string, when time.Time)
	Cancel(taskID string)
	RunNow(taskID string)
}

// run tracks one live AgentRunner invocation.
type run struct {
	cancel     context.CancelFunc
	handle     Handle
	done       chan struct{}
	askMu      sync.Mutex
	pendingAsk *pendingAsk

	// stepBudgetExceeded is set when OnStep rejects a step beyond max_steps,
	// so onFinish records the step_budget_exceeded reason.
	stepBudgetExceeded atomic.Bool
}

type pendingAsk struct {
	responseCh chan string
}

// Config bounds engine behavior.
type Config struct {
	NodeID          string
	MaxStepsDefault int
	StopDeadline    time.Duration // bounded wait for graceful runner exit
}

// Engine is the per-node task engine. One instance per node process.
type Engine struct {
	cfg       Config
	store     *taskstore.Store
	scheduler Scheduler
	vnc       BrowserGate
	runner    AgentRunner
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*run
}

// New builds an Engine. runner may be swapped in tests via a scripted
// AgentRunner double.
func New(cfg Config, store *taskstore.Store, sched Scheduler, vnc BrowserGate, runner AgentRunner, logger *zap.Logger) *Engine {
	if cfg.StopDeadline <= 0 {
		cfg.StopDeadline = 15 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		vnc:       vnc,
		runner:    runner,
		logger:    logger.With(zap.String("component", "task_engine")),
		active:    make(map[string]*run),
	}
}

// SetScheduler wires the scheduler after construction, breaking the
// constructor cycle between Engine (which the scheduler submits into) and
// Scheduler (which Engine schedules/cancels through).
func (e *Engine) SetScheduler(sched Scheduler) {
	e.scheduler = sched
}

// Recover scans the store on startup and reconciles state per §4.2: running
// and waiting_for_input tasks (and pending — they had no durable runner to
// resume either) become failed/node_restart; scheduled tasks are
// re-enqueued; browser_open is reset to false everywhere.
func (e *Engine) Recover() error {
	records, err := e.store.RecoverAll()
	if err != nil {
		return fmt.Errorf("recover task store: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		switch rec.Status {
		case tasktypes.StatusRunning, tasktypes.StatusWaitingForInput, tasktypes.StatusPending:
			_, err := e.store.UpdateRecord(rec.ID, func(r *tasktypes.Record) error {
				r.Status = tasktypes.StatusFailed
				r.LastError = tasktypes.ReasonNodeRestart
				r.BrowserOpen = false
				r.NeedsAttention = false
				r.UpdatedAt = now
				return nil
			})
			if err != nil {
				e.logger.Error("failed to mark task failed on recovery", zap.String("task_id", rec.ID), zap.Error(err))
			}
			e.vnc.Revoke(rec.ID)
		case tasktypes.StatusScheduled:
			if rec.ScheduledFor != nil {
				e.scheduler.Schedule(rec.ID, *rec.ScheduledFor)
			}
			if rec.BrowserOpen {
				_, _ = e.store.UpdateRecord(rec.ID, func(r *tasktypes.Record) error {
					r.BrowserOpen = false
					r.UpdatedAt = now
					return nil
				})
				e.vnc.Revoke(rec.ID)
			}
		default:
			if rec.BrowserOpen {
				_, _ = e.store.UpdateRecord(rec.ID, func(r *tasktypes.Record) error {
					r.BrowserOpen = false
					r.UpdatedAt = now
					return nil
				})
				e.vnc.Revoke(rec.ID)
			}
		}
	}
	return nil
}

// Create validates spec, persists a new record, and either schedules it or
// submits it to run immediately.
func (e *Engine) Create(spec tasktypes.CreateSpec) (*tasktypes.Record, error) {
	if err := validateCreate(&spec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &tasktypes.Record{
		ID:                uuid.NewString(),
		NodeID:            e.cfg.NodeID,
		Title:             spec.Title,
		Instructions:      spec.Instructions,
		ModelName:         spec.ModelName,
		ReasoningEffort:   spec.ReasoningEffort,
		MaxSteps:          spec.MaxSteps,
		LeaveBrowserOpen:  spec.LeaveBrowserOpen,
		Temperature:       spec.Temperature,
		MaxActionsPerStep: spec.MaxActionsPerStep,
		MaxInputTokens:    spec.MaxInputTokens,
		UseVision:         spec.UseVision,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if spec.ScheduledFor != nil && spec.ScheduledFor.After(now) {
		rec.Status = tasktypes.StatusScheduled
		rec.ScheduledFor = spec.ScheduledFor
	} else {
		rec.Status = tasktypes.StatusPending
	}

	if err := e.store.Create(rec); err != nil {
		return nil, err
	}
	if err := e.store.AppendChat(rec.ID, tasktypes.ChatMessage{
		Role: tasktypes.ChatUser, Content: spec.Instructions, CreatedAt: now,
	}); err != nil {
		e.logger.Warn("failed to append initial chat message", zap.Error(err))
	}

	if rec.Status == tasktypes.StatusScheduled {
		e.scheduler.Schedule(rec.ID, *rec.ScheduledFor)
	} else {
		e.RunDue(rec.ID)
	}

	return rec, nil
}

func validateCreate(spec *tasktypes.CreateSpec) error {
	if l := len(spec.Title); l < 3 || l > 200 {
		return weberr.New(weberr.CodeInvalidInput, "title must be 3-200 characters")
	}
	if len(spec.Instructions) < 5 {
		return weberr.New(weberr.CodeInvalidInput, "instructions must be at least 5 characters")
	}
	if spec.MaxSteps < 1 || spec.MaxSteps > 200 {
		return weberr.New(weberr.CodeInvalidInput, "max_steps must be between 1 and 200")
	}
	if spec.Temperature != nil && (*spec.Temperature < 0.0 || *spec.Temperature > 2.0) {
		return weberr.New(weberr.CodeInvalidInput, "temperature must be between 0.0 and 2.0")
	}
	if spec.ReasoningEffort != "" {
		switch spec.ReasoningEffort {
		case tasktypes.ReasoningLow, tasktypes.ReasoningMedium, tasktypes.ReasoningHigh:
		default:
			return weberr.New(weberr.CodeInvalidInput, "reasoning_effort must be low, medium, or high")
		}
	}
	if spec.MaxActionsPerStep <= 0 {
		spec.MaxActionsPerStep = 12
	}
	if spec.MaxInputTokens <= 0 {
		spec.MaxInputTokens = 128_000
	}
	return nil
}

// Get returns the full task detail (without vnc_launch_url; the HTTP
// handler layer fills that in via the VNC broker when browser_open).
func (e *Engine) Get(id string) (*tasktypes.Detail, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.LoadSteps(id)
	if err != nil {
		return nil, weberr.New(weberr.CodeInternal, "load steps").WithCause(err)
	}
	chat, err := e.store.LoadChat(id)
	if err != nil {
		return nil, weberr.New(weberr.CodeInternal, "load chat").WithCause(err)
	}
	return &tasktypes.Detail{Record: rec, Steps: steps, ChatHistory: chat}, nil
}

// List returns every task summary known to this node.
func (e *Engine) List() []tasktypes.Summary {
	recs := e.store.List()
	out := make([]tasktypes.Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ToSummary())
	}
	return out
}

// RunDue is called by the scheduler (or directly by Create) to start a
// pending task's run, or a scheduled task whose due time has come (its
// scheduled_for is cleared in the same update). It enforces I1 via the
// store's per-task mutex: only one caller can successfully flip the record
// to running.
func (e *Engine) RunDue(id string) {
	rec, err := e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		if r.Status == tasktypes.StatusScheduled {
			r.ScheduledFor = nil
		} else if r.Status != tasktypes.StatusPending {
			return weberr.New(weberr.CodeConflict, "task is not pending").WithCause(nil)
		}
		r.Status = tasktypes.StatusRunning
		r.BrowserOpen = true
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		e.logger.Warn("skip run-due: task not startable", zap.String("task_id", id), zap.Error(err))
		return
	}

	token := e.vnc.Mint(id)
	_, _ = e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		r.VNCToken = token
		return nil
	})

	e.startRunner(id, rec)
}

func (e *Engine) startRunner(id string, rec *tasktypes.Record) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[id] = r
	e.mu.Unlock()

	req := RunRequest{
		TaskID:            id,
		Prompt:            e.composePrompt(id, rec.Instructions),
		ModelName:         rec.ModelName,
		ReasoningEffort:   rec.ReasoningEffort,
		Temperature:       rec.Temperature,
		MaxSteps:          rec.MaxSteps,
		MaxActionsPerStep: rec.MaxActionsPerStep,
		MaxInputTokens:    rec.MaxInputTokens,
		UseVision:         rec.UseVision,
		BrowserProfileDir: e.store.TaskBrowserDir(id),
		DownloadsDir:      e.store.TaskDownloadsDir(id),
	}

	hooks := Hooks{
		OnStep: func(ctx context.Context, step tasktypes.Step) error {
			err := e.onStep(ctx, id, rec.MaxSteps, step)
			if werr, ok := weberr.As(err); ok && werr.Reason == tasktypes.ReasonStepBudgetExceeded {
				r.stepBudgetExceeded.Store(true)
			}
			return err
		},
		OnAskHuman: func(ctx context.Context, question string) (string, error) { return e.onAskHuman(ctx, id, r, question) },
		OnFinish:   func(ctx context.Context, outcome Outcome) { e.onFinish(id, r, outcome) },
	}

	handle, err := e.runner.Start(ctx, req, hooks)
	if err != nil {
		e.onFinish(id, r, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
		return
	}
	r.handle = handle
}

// composePrompt folds prior chat history into the run prompt so
// continuations retain context.
func (e *Engine) composePrompt(id, fallback string) string {
	chat, err := e.store.LoadChat(id)
	if err != nil || len(chat) == 0 {
		return fallback
	}
	prompt := chat[0].Content
	for _, msg := range chat[1:] {
		prompt += fmt.Sprintf("\n\n[%s]: %s", msg.Role, msg.Content)
	}
	return prompt
}

func (e *Engine) onStep(_ context.Context, id string, maxSteps int, step tasktypes.Step) error {
	step.CreatedAt = time.Now().UTC()
	if step.StepNumber > maxSteps {
		return weberr.New(weberr.CodeConflict, "step budget exceeded").WithReason(tasktypes.ReasonStepBudgetExceeded)
	}
	if _, err := e.store.AppendStep(id, step); err != nil {
		return err
	}
	return nil
}

func (e *Engine) onAskHuman(ctx context.Context, id string, r *run, question string) (string, error) {
	responseCh := make(chan string, 1)
	r.askMu.Lock()
	r.pendingAsk = &pendingAsk{responseCh: responseCh}
	r.askMu.Unlock()

	now := time.Now().UTC()
	if _, err := e.store.UpdateRecord(id, func(rec *tasktypes.Record) error {
		rec.Status = tasktypes.StatusWaitingForInput
		rec.NeedsAttention = true
		rec.Assistance = &tasktypes.Assistance{Question: question, RequestedAt: now}
		rec.UpdatedAt = now
		return nil
	}); err != nil {
		return "", err
	}
	_ = e.store.AppendChat(id, tasktypes.ChatMessage{Role: tasktypes.ChatAssistant, Content: "Agent needs help:\n" + question, CreatedAt: now})

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) onFinish(id string, r *run, outcome Outcome) {
	now := time.Now().UTC()

	var status tasktypes.Status
	var lastError string
	switch outcome.Kind {
	case OutcomeCompleted:
		status = tasktypes.StatusCompleted
	case OutcomeCancelled:
		status = tasktypes.StatusStopped
		lastError = tasktypes.ReasonCancelled
	default:
		status = tasktypes.StatusFailed
		lastError = outcome.Reason
		if r.stepBudgetExceeded.Load() {
			lastError = tasktypes.ReasonStepBudgetExceeded
		}
	}

	rec, err := e.store.UpdateRecord(id, func(rec *tasktypes.Record) error {
		rec.Status = status
		rec.LastError = lastError
		rec.NeedsAttention = false
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		keepBrowser := rec.LeaveBrowserOpen && status == tasktypes.StatusCompleted
		rec.BrowserOpen = keepBrowser
		return nil
	})
	if err != nil {
		e.logger.Error("failed to persist terminal state", zap.String("task_id", id), zap.Error(err))
	} else if !rec.BrowserOpen {
		e.vnc.Revoke(id)
	}

	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
	close(r.done)
}

// Assist resolves a pending on_ask_human suspension. Valid only when the
// task is waiting_for_input.
func (e *Engine) Assist(id, message string) (*tasktypes.Record, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != tasktypes.StatusWaitingForInput {
		return nil, weberr.New(weberr.CodeConflict, "task is not waiting for input")
	}

	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil, weberr.New(weberr.CodeConflict, "task has no active runner")
	}

	r.askMu.Lock()
	ask := r.pendingAsk
	r.pendingAsk = nil
	r.askMu.Unlock()
	if ask == nil {
		return nil, weberr.New(weberr.CodeConflict, "task is not currently awaiting assistance")
	}

	now := time.Now().UTC()
	updated, err := e.store.UpdateRecord(id, func(rec *tasktypes.Record) error {
		rec.Status = tasktypes.StatusRunning
		rec.NeedsAttention = false
		if rec.Assistance != nil {
			rec.Assistance.ResponseText = message
			rec.Assistance.RespondedAt = &now
		}
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = e.store.AppendChat(id, tasktypes.ChatMessage{Role: tasktypes.ChatUser, Content: message, CreatedAt: now})

	ask.responseCh <- message
	return updated, nil
}

// Continue starts a fresh run atop the preserved browser session. Valid
// only when the task is not scheduled and has no active runner (terminal
// states, and the edge case of a never-started pending task). The
// precondition is checked inside the UpdateRecord mutator, under the
// store's per-task lock, so two concurrent Continue calls cannot both
// observe a startable state and both flip the record to pending.
func (e *Engine) Continue(id, instructions string) (*tasktypes.Record, error) {
	if len(instructions) == 0 {
		return nil, weberr.New(weberr.CodeInvalidInput, "instructions are required to continue")
	}

	now := time.Now().UTC()
	updated, err := e.store.UpdateRecord(id, func(rec *tasktypes.Record) error {
		switch rec.Status {
		case tasktypes.StatusScheduled:
			return weberr.New(weberr.CodeInvalidInput, "task is scheduled and has not started yet")
		case tasktypes.StatusRunning, tasktypes.StatusWaitingForInput:
			return weberr.New(weberr.CodeConflict, "task is already running")
		}
		rec.Status = tasktypes.StatusPending
		rec.BrowserOpen = false
		rec.LastError = ""
		rec.CompletedAt = nil
		rec.NeedsAttention = false
		rec.Assistance = nil
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.vnc.Revoke(id)
	if err := e.store.AppendChat(id, tasktypes.ChatMessage{Role: tasktypes.ChatUser, Content: instructions, CreatedAt: now}); err != nil {
		e.logger.Warn("failed to append continuation chat message", zap.Error(err))
	}

	e.RunDue(id)
	return updated, nil
}

// Stop cooperatively cancels a running task, blocking up to the configured
// deadline for the runner to exit.
func (e *Engine) Stop(id string) (*tasktypes.Record, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != tasktypes.StatusRunning && rec.Status != tasktypes.StatusWaitingForInput {
		return nil, weberr.New(weberr.CodeConflict, "task is not running")
	}

	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil, weberr.New(weberr.CodeConflict, "task has no active runner")
	}

	r.cancel()
	if r.handle != nil {
		e.runner.Cancel(r.handle)
	}

	select {
	case <-r.done:
	case <-time.After(e.cfg.StopDeadline):
		e.logger.Warn("stop deadline exceeded, proceeding without confirmed exit", zap.String("task_id", id))
	}

	return e.store.Get(id)
}

// Delete stops any live agent (same semantics as Stop, tolerating "not
// running"), then removes the on-disk directory.
func (e *Engine) Delete(id string) error {
	if _, err := e.store.Get(id); err != nil {
		return err
	}

	e.scheduler.Cancel(id)
	if _, err := e.Stop(id); err != nil {
		if werr, ok := weberr.As(err); !ok || werr.Code != weberr.CodeConflict {
			return err
		}
	}
	e.vnc.Revoke(id)
	return e.store.Delete(id)
}

// OpenBrowser mints a fresh token and marks the browser session open
// without starting an agent run.
func (e *Engine) OpenBrowser(id string) (*tasktypes.Record, error) {
	token := e.vnc.Mint(id)
	return e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		r.BrowserOpen = true
		r.VNCToken = token
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// CloseBrowser invalidates the current token and marks the browser closed.
func (e *Engine) CloseBrowser(id string) (*tasktypes.Record, error) {
	e.vnc.Revoke(id)
	return e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		r.BrowserOpen = false
		r.VNCToken = ""
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Reschedule moves a scheduled task's due time. Valid only while scheduled.
func (e *Engine) Reschedule(id string, when time.Time) (*tasktypes.Record, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != tasktypes.StatusScheduled {
		return nil, weberr.New(weberr.CodeConflict, "task is not scheduled")
	}
	if !when.After(time.Now().UTC()) {
		return nil, weberr.New(weberr.CodeInvalidInput, "scheduled time must be in the future")
	}

	updated, err := e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		r.ScheduledFor = &when
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.scheduler.Schedule(id, when)
	return updated, nil
}

// RunNow immediately starts a scheduled task, bypassing its scheduled_for.
// The scheduled-status precondition is checked inside the UpdateRecord
// mutator, under the store's per-task lock, so two concurrent RunNow calls
// (or a RunNow racing the scheduler's own due-time fire) cannot both observe
// "scheduled" and both flip the record to pending.
func (e *Engine) RunNow(id string) (*tasktypes.Record, error) {
	updated, err := e.store.UpdateRecord(id, func(r *tasktypes.Record) error {
		if r.Status != tasktypes.StatusScheduled {
			return weberr.New(weberr.CodeConflict, "task is not scheduled")
		}
		r.Status = tasktypes.StatusPending
		r.ScheduledFor = nil
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.scheduler.Cancel(id)
	e.RunDue(id)
	return updated, nil
}
