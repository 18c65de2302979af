// Package tasktypes holds the data model shared by the node's task engine,
// store, scheduler, and VNC broker, and by the head router that proxies to
// them.
package tasktypes

import "time"

// Status is the task lifecycle state. See the state machine in the engine
// package for the permitted transitions.
type Status string

const (
	StatusPending          Status = "pending"
	StatusScheduled        Status = "scheduled"
	StatusRunning          Status = "running"
	StatusWaitingForInput  Status = "waiting_for_input"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusStopped          Status = "stopped"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the agent will never run again for this status.
// browser_open and vnc_token may still change via open_browser/close_browser.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal failure reasons recorded in LastError. These are not the only
// possible LastError values (AgentRunner failures pass their own message
// through), but they are the ones the engine itself assigns.
const (
	ReasonStepBudgetExceeded = "step_budget_exceeded"
	ReasonNodeRestart        = "node_restart"
	ReasonBrowserCrashed     = "browser_crashed"
	ReasonCancelled          = "cancelled"
)

// ReasoningEffort mirrors the three-way dial exposed to the UI.
type ReasoningEffort string

const (
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// Assistance captures the outstanding on_ask_human exchange, if any.
type Assistance struct {
	Question     string     `json:"question"`
	RequestedAt  time.Time  `json:"requested_at"`
	ResponseText string     `json:"response_text,omitempty"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}

// Record is the durable per-task record. It is the sole source of truth for
// everything except the append-only step and chat logs.
type Record struct {
	ID         string `json:"id"`
	NodeID     string `json:"node_id"`
	Title      string `json:"title"`
	Instructions string `json:"instructions"`

	ModelName       string          `json:"model_name"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	MaxSteps        int             `json:"max_steps"`
	LeaveBrowserOpen bool           `json:"leave_browser_open"`

	// Run tuning parameters, validated at create time but otherwise opaque
	// to the engine.
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxActionsPerStep  int      `json:"max_actions_per_step"`
	MaxInputTokens     int      `json:"max_input_tokens"`
	UseVision          bool     `json:"use_vision"`

	Status Status `json:"status"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	StepCount      int    `json:"step_count"`
	BrowserOpen    bool   `json:"browser_open"`
	NeedsAttention bool   `json:"needs_attention"`
	LastError      string `json:"last_error,omitempty"`

	Assistance *Assistance `json:"assistance,omitempty"`

	VNCToken string `json:"vnc_token,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff across the store's
// per-task mutex boundary (callers must not retain pointers into the
// original after mutation).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ScheduledFor != nil {
		t := *r.ScheduledFor
		c.ScheduledFor = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Temperature != nil {
		v := *r.Temperature
		c.Temperature = &v
	}
	if r.Assistance != nil {
		a := *r.Assistance
		if r.Assistance.RespondedAt != nil {
			t := *r.Assistance.RespondedAt
			a.RespondedAt = &t
		}
		c.Assistance = &a
	}
	return &c
}

// Step is one append-only entry in a task's steps.jsonl, 1-based and
// gap-free within a task.
type Step struct {
	StepNumber   int                    `json:"step_number"`
	SummaryHTML  string                 `json:"summary_html,omitempty"`
	ScreenshotB64 string                `json:"screenshot_b64,omitempty"`
	URL          string                 `json:"url,omitempty"`
	Title        string                 `json:"title,omitempty"`
	RawState     map[string]any         `json:"raw_state,omitempty"`
	RawOutput    map[string]any         `json:"raw_output,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ChatRole distinguishes chat.jsonl entries.
type ChatRole string

const (
	ChatUser      ChatRole = "user"
	ChatAssistant ChatRole = "assistant"
	ChatSystem    ChatRole = "system"
)

// ChatMessage is one append-only entry in a task's chat.jsonl.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the list-view projection of a Record.
type Summary struct {
	ID               string     `json:"id"`
	NodeID           string     `json:"node_id"`
	Title            string     `json:"title"`
	Status           Status     `json:"status"`
	BrowserOpen      bool       `json:"browser_open"`
	LeaveBrowserOpen bool       `json:"leave_browser_open"`
	NeedsAttention   bool       `json:"needs_attention"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	StepCount        int        `json:"step_count"`
	ModelName        string     `json:"model_name"`
}

// ToSummary projects a Record down to its list-view fields.
func (r *Record) ToSummary() Summary {
	return Summary{
		ID:               r.ID,
		NodeID:           r.NodeID,
		Title:            r.Title,
		Status:           r.Status,
		BrowserOpen:      r.BrowserOpen,
		LeaveBrowserOpen: r.LeaveBrowserOpen,
		NeedsAttention:   r.NeedsAttention,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ScheduledFor:     r.ScheduledFor,
		StepCount:        r.StepCount,
		ModelName:        r.ModelName,
	}
}

// Detail is the full single-task view returned by GET.
type Detail struct {
	Record        *Record       `json:"record"`
	Steps         []Step        `json:"steps"`
	ChatHistory   []ChatMessage `json:"chat_history"`
	VNCLaunchURL  string        `json:"vnc_launch_url,omitempty"`
}

// CreateSpec is the validated input to Engine.Create.
type CreateSpec struct {
	Title            string
	Instructions     string
	ModelName        string
	Temperature      *float64
	MaxSteps         int
	MaxActionsPerStep int
	MaxInputTokens   int
	UseVision        bool
	LeaveBrowserOpen bool
	ReasoningEffort  ReasoningEffort
	ScheduledFor     *time.Time
}

// NodeDescriptor is how the head sees one node. It mirrors no task state.
type NodeDescriptor struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	BaseURL    string     `json:"base_url"`
	Enabled    bool       `json:"enabled"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}
