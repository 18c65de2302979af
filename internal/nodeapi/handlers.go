// Package nodeapi implements the node's HTTP surface: task CRUD and
// lifecycle operations, the VNC bridge endpoint, and the security
// enrollment endpoints a head uses to establish trust.
package nodeapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/engine"
	"github.com/BaSui01/webai/internal/httpapi"
	"github.com/BaSui01/webai/internal/keystore"
	"github.com/BaSui01/webai/internal/tasktypes"
	"github.com/BaSui01/webai/internal/vncbroker"
	"github.com/BaSui01/webai/internal/weberr"
)

// Server holds everything the node's handlers need.
type Server struct {
	Engine          *engine.Engine
	Broker          *vncbroker.Broker
	Trust           *keystore.TrustStore
	Enroll          *keystore.EnrollmentToken
	NodeID          string
	NodeName        string
	Version         string
	SupportedModels []string
	Logger          *zap.Logger
}

// createTaskRequest is the wire shape of POST /api/tasks.
type createTaskRequest struct {
	Title             string     `json:"title"`
	Instructions      string     `json:"instructions"`
	ModelName         string     `json:"model_name"`
	Temperature       *float64   `json:"temperature,omitempty"`
	MaxSteps          int        `json:"max_steps"`
	MaxActionsPerStep int        `json:"max_actions_per_step,omitempty"`
	MaxInputTokens    int        `json:"max_input_tokens,omitempty"`
	UseVision         *bool      `json:"use_vision,omitempty"`
	LeaveBrowserOpen  bool       `json:"leave_browser_open"`
	ReasoningEffort   string     `json:"reasoning_effort,omitempty"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
}

// CreateTask handles POST /api/tasks.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}

	useVision := true
	if req.UseVision != nil {
		useVision = *req.UseVision
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = 80
	}

	rec, err := s.Engine.Create(tasktypes.CreateSpec{
		Title:             req.Title,
		Instructions:      req.Instructions,
		ModelName:         req.ModelName,
		Temperature:       req.Temperature,
		MaxSteps:          req.MaxSteps,
		MaxActionsPerStep: req.MaxActionsPerStep,
		MaxInputTokens:    req.MaxInputTokens,
		UseVision:         useVision,
		LeaveBrowserOpen:  req.LeaveBrowserOpen,
		ReasoningEffort:   tasktypes.ReasoningEffort(req.ReasoningEffort),
		ScheduledFor:      req.ScheduledFor,
	})
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusCreated, rec)
}

// ListTasks handles GET /api/tasks.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteSuccess(w, http.StatusOK, s.Engine.List())
}

// GetTask handles GET /api/tasks/{id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	detail, err := s.Engine.Get(id)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	if detail.Record.BrowserOpen {
		detail.VNCLaunchURL = s.Broker.LaunchURL(id)
	}
	httpapi.WriteSuccess(w, http.StatusOK, detail)
}

// DeleteTask handles DELETE /api/tasks/{id}.
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Engine.Delete(id); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

type assistRequest struct {
	Message string `json:"message"`
}

// Assist handles POST /api/tasks/{id}/assist.
func (s *Server) Assist(w http.ResponseWriter, r *http.Request) {
	var req assistRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	rec, err := s.Engine.Assist(r.PathValue("id"), req.Message)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

type continueRequest struct {
	Instructions string `json:"instructions"`
}

// Continue handles POST /api/tasks/{id}/continue.
func (s *Server) Continue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	rec, err := s.Engine.Continue(r.PathValue("id"), req.Instructions)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

// Stop handles POST /api/tasks/{id}/stop.
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.Stop(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

// RunNow handles POST /api/tasks/{id}/run-now.
func (s *Server) RunNow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.RunNow(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

type scheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Schedule handles POST /api/tasks/{id}/schedule.
func (s *Server) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	rec, err := s.Engine.Reschedule(r.PathValue("id"), req.ScheduledFor)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

// OpenBrowser handles POST /api/tasks/{id}/open-browser.
func (s *Server) OpenBrowser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.Engine.OpenBrowser(id)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, map[string]any{
		"record":         rec,
		"vnc_launch_url": s.Broker.LaunchURL(id),
	})
}

// CloseBrowser handles POST /api/tasks/{id}/close-browser.
func (s *Server) CloseBrowser(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.CloseBrowser(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

// ConfigDefaults handles GET /api/config/defaults — the create-form
// defaults the UI pre-fills.
func (s *Server) ConfigDefaults(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteSuccess(w, http.StatusOK, map[string]any{
		"max_steps":           80,
		"max_actions_per_step": 12,
		"max_input_tokens":    128_000,
		"use_vision":          true,
		"reasoning_effort":    tasktypes.ReasoningMedium,
		"leave_browser_open":  false,
	})
}

// NodeInfo handles GET /api/node/info — a readiness probe the head uses to
// populate GET /api/nodes.
func (s *Server) NodeInfo(w http.ResponseWriter, r *http.Request) {
	tasks := s.Engine.List()
	active := 0
	for _, t := range tasks {
		if t.Status == tasktypes.StatusRunning || t.Status == tasktypes.StatusWaitingForInput {
			active++
		}
	}
	httpapi.WriteSuccess(w, http.StatusOK, map[string]any{
		"node_id":           s.NodeID,
		"node_name":         s.NodeName,
		"version":           s.Version,
		"trust_ready":       !s.Trust.Empty(),
		"task_count":        len(tasks),
		"active_task_count": active,
		"supported_models":  s.SupportedModels,
	})
}

type trustRequest struct {
	Token        string `json:"token"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// InstallTrust handles POST /api/security/trust — the node-side half of the
// enrollment flow: a caller presenting the one-time enrollment token gets
// its PEM-encoded public key trusted.
func (s *Server) InstallTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	if !s.Enroll.Consume(req.Token) {
		httpapi.WriteError(w, weberr.New(weberr.CodeUnauthorized, "invalid or already-used enrollment token"), s.Logger)
		return
	}
	pub, err := keystore.ParsePublicKeyPEM(req.PublicKeyPEM)
	if err != nil {
		httpapi.WriteError(w, weberr.New(weberr.CodeInvalidInput, "malformed public key").WithCause(err), s.Logger)
		return
	}
	id := s.Trust.Add(pub)
	s.Logger.Info("head key enrolled via trust endpoint", zap.String("key_id", id))
	httpapi.WriteSuccess(w, http.StatusOK, map[string]string{"key_id": id})
}

// VNC handles GET /vnc/{task_id} — the WebSocket bridge to the task's local
// VNC backend, gated by the query token.
func (s *Server) VNC(w http.ResponseWriter, r *http.Request) {
	s.Broker.ServeHTTP(w, r, r.PathValue("id"), r.URL.Query().Get("token"))
}
