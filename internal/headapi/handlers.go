package headapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/httpapi"
	"github.com/BaSui01/webai/internal/keystore"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/tasktypes"
	"github.com/BaSui01/webai/internal/weberr"
)

// Server holds everything the head's handlers need.
type Server struct {
	Registry       *Registry
	Affinity       *Affinity
	Client         *NodeClient
	Keypair        *keystore.HeadKeyPair
	EnrollToken    *keystore.EnrollmentToken
	FanoutTimeout  time.Duration
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

// nodeError is one node's failure, surfaced alongside partial fan-out
// results instead of failing the whole request.
type nodeError struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// ListTasks handles GET /api/tasks: fans out to every registered node with
// a bounded per-node timeout, isolating failures per node so one
// unreachable node never blanks out the others' results.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	nodes := s.Registry.List()
	var mu sync.Mutex
	var all []tasktypes.Summary
	var errs []nodeError

	g, ctx := errgroup.WithContext(r.Context())
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.FanoutTimeout)
			defer cancel()

			var summaries []tasktypes.Summary
			err := s.Client.Call(callCtx, n.BaseURL, http.MethodGet, "/api/tasks", nil, &summaries)
			s.Registry.MarkResult(n.ID, err)
			if s.Metrics != nil && err != nil {
				s.Metrics.FanoutNodeErrors.WithLabelValues(n.ID, "list").Inc()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, nodeError{NodeID: n.ID, Error: err.Error()})
				return nil // isolate: don't cancel sibling calls
			}
			for _, sum := range summaries {
				s.Affinity.Set(sum.ID, n.ID)
			}
			all = append(all, summaries...)
			return nil
		})
	}
	_ = g.Wait()

	httpapi.WriteSuccess(w, http.StatusOK, map[string]any{
		"tasks":  all,
		"errors": errs,
	})
}

type createTaskRequest struct {
	NodeID string `json:"node_id"`
}

// CreateTask handles POST /api/tasks: the caller must pin a node_id (no
// head-side load balancing policy is specified), and the head relays the
// full body verbatim.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	raw, err := readAndRestoreBody(r)
	if err != nil {
		httpapi.WriteError(w, weberr.New(weberr.CodeInvalidInput, "failed to read request body"), s.Logger)
		return
	}
	var sel createTaskRequest
	if err := json.Unmarshal(raw, &sel); err != nil || sel.NodeID == "" {
		httpapi.WriteError(w, weberr.New(weberr.CodeInvalidInput, "node_id is required"), s.Logger)
		return
	}
	node, ok := s.Registry.Get(sel.NodeID)
	if !ok {
		httpapi.WriteError(w, weberr.New(weberr.CodeNotFound, "unknown node_id"), s.Logger)
		return
	}

	var body any = json.RawMessage(raw)
	var rec tasktypes.Record
	if err := s.Client.Call(r.Context(), node.BaseURL, http.MethodPost, "/api/tasks", body, &rec); err != nil {
		s.Registry.MarkResult(node.ID, err)
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	s.Registry.MarkResult(node.ID, nil)
	s.Affinity.Set(rec.ID, rec.NodeID)
	httpapi.WriteSuccess(w, http.StatusCreated, rec)
}

// resolveNode finds the node a task id lives on: the affinity cache first,
// falling back to probing every node's GET /api/tasks/{id} concurrently.
// A hit corrects the cache with the node's own authoritative node_id.
func (s *Server) resolveNode(ctx context.Context, taskID string) (*tasktypes.NodeDescriptor, error) {
	if nodeID, ok := s.Affinity.Lookup(taskID); ok {
		if node, ok := s.Registry.Get(nodeID); ok {
			return node, nil
		}
	}

	nodes := s.Registry.List()
	type found struct {
		node *tasktypes.NodeDescriptor
		rec  tasktypes.Record
	}
	results := make(chan found, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.FanoutTimeout)
			defer cancel()
			var detail struct {
				Record tasktypes.Record `json:"record"`
			}
			if err := s.Client.Call(callCtx, n.BaseURL, http.MethodGet, "/api/tasks/"+taskID, nil, &detail); err != nil {
				return nil // not found on this node, or unreachable; keep probing others
			}
			results <- found{node: n, rec: detail.Record}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for f := range results {
		s.Affinity.Set(taskID, f.rec.NodeID)
		if node, ok := s.Registry.Get(f.rec.NodeID); ok {
			return node, nil
		}
		return f.node, nil
	}
	return nil, weberr.New(weberr.CodeNotFound, "task not found on any registered node")
}

// relay forwards method+path (with the original request body, if any) to
// the node owning taskID and writes back whatever it returns.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, taskID, method, path string) {
	node, err := s.resolveNode(r.Context(), taskID)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}

	var body any
	if r.Method == http.MethodPost {
		raw, err := readAndRestoreBody(r)
		if err != nil {
			httpapi.WriteError(w, weberr.New(weberr.CodeInvalidInput, "failed to read request body"), s.Logger)
			return
		}
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	var out json.RawMessage
	callErr := s.Client.Call(r.Context(), node.BaseURL, method, path, body, &out)
	s.Registry.MarkResult(node.ID, callErr)
	if callErr != nil {
		httpapi.WriteError(w, callErr, s.Logger)
		return
	}
	if method == http.MethodDelete {
		s.Affinity.Forget(taskID)
	}
	httpapi.WriteSuccess(w, http.StatusOK, out)
}

// GetTask handles GET /api/tasks/{id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodGet, "/api/tasks/"+id)
}

// DeleteTask handles DELETE /api/tasks/{id}.
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodDelete, "/api/tasks/"+id)
}

// Assist handles POST /api/tasks/{id}/assist.
func (s *Server) Assist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/assist")
}

// Continue handles POST /api/tasks/{id}/continue.
func (s *Server) Continue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/continue")
}

// Stop handles POST /api/tasks/{id}/stop.
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/stop")
}

// RunNow handles POST /api/tasks/{id}/run-now.
func (s *Server) RunNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/run-now")
}

// Schedule handles POST /api/tasks/{id}/schedule.
func (s *Server) Schedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/schedule")
}

// OpenBrowser handles POST /api/tasks/{id}/open-browser.
func (s *Server) OpenBrowser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/open-browser")
}

// CloseBrowser handles POST /api/tasks/{id}/close-browser.
func (s *Server) CloseBrowser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.relay(w, r, id, http.MethodPost, "/api/tasks/"+id+"/close-browser")
}

// nodeInfoResponse is the subset of a node's GET /api/node/info body the
// head cares about when summarizing fleet health.
type nodeInfoResponse struct {
	TrustReady      bool     `json:"trust_ready"`
	SupportedModels []string `json:"supported_models"`
	ActiveTaskCount int      `json:"active_task_count"`
}

// nodeStatus is one entry of GET /api/nodes: the registry's view of a node
// plus the outcome of probing it just now.
type nodeStatus struct {
	*tasktypes.NodeDescriptor
	Reachable  bool     `json:"reachable"`
	Ready      bool     `json:"ready"`
	Issues     []string `json:"issues,omitempty"`
	Enrollment string   `json:"enrollment"`
}

// Nodes handles GET /api/nodes: the registry's fleet view, each node probed
// live via its own /api/node/info, wrapped with the head's own identity so
// an operator can enroll a fresh node from this single response.
func (s *Server) Nodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.Registry.List()
	out := make([]nodeStatus, len(nodes))

	g, ctx := errgroup.WithContext(r.Context())
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.FanoutTimeout)
			defer cancel()
			var info nodeInfoResponse
			err := s.Client.Call(callCtx, n.BaseURL, http.MethodGet, "/api/node/info", nil, &info)
			s.Registry.MarkResult(n.ID, err)
			updated, _ := s.Registry.Get(n.ID)

			status := nodeStatus{NodeDescriptor: updated, Reachable: err == nil}
			switch {
			case err != nil:
				status.Issues = append(status.Issues, "unreachable: "+err.Error())
			case !info.TrustReady:
				status.Issues = append(status.Issues, "node has not trusted this head's public key yet")
				status.Enrollment = "pending"
			default:
				status.Ready = true
				status.Enrollment = "complete"
			}
			out[i] = status
			return nil
		})
	}
	_ = g.Wait()

	resp := map[string]any{
		"nodes": out,
	}
	if s.Keypair != nil {
		resp["public_key"] = s.Keypair.PublicKeyPEM()
	}
	if s.EnrollToken != nil {
		resp["enroll_token"] = s.EnrollToken.String()
	}
	httpapi.WriteSuccess(w, http.StatusOK, resp)
}

// PublicKey handles GET /api/security/public-key: exposes the head's own
// signing key so a node administrator can add it to HEAD_PUBLIC_KEYS
// without going through the enrollment relay.
func (s *Server) PublicKey(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteSuccess(w, http.StatusOK, map[string]string{
		"key_id":          s.Keypair.ID,
		"public_key_pem":  s.Keypair.PublicKeyPEM(),
	})
}

type installHeadKeyRequest struct {
	Token string `json:"token"`
}

// InstallHeadKey handles POST /api/nodes/{node_id}/install-head-key: relays
// the head's own public key plus the caller-supplied enrollment token to
// the target node's POST /api/security/trust.
func (s *Server) InstallHeadKey(w http.ResponseWriter, r *http.Request) {
	var req installHeadKeyRequest
	if err := httpapi.DecodeJSONBody(r, &req); err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	nodeID := r.PathValue("node_id")
	node, ok := s.Registry.Get(nodeID)
	if !ok {
		httpapi.WriteError(w, weberr.New(weberr.CodeNotFound, "unknown node_id"), s.Logger)
		return
	}

	body := map[string]string{
		"token":          req.Token,
		"public_key_pem": s.Keypair.PublicKeyPEM(),
	}
	var result map[string]string
	err := s.Client.Call(r.Context(), node.BaseURL, http.MethodPost, "/api/security/trust", body, &result)
	s.Registry.MarkResult(node.ID, err)
	if err != nil {
		httpapi.WriteError(w, err, s.Logger)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, result)
}
