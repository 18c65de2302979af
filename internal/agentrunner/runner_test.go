package agentrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/engine"
	"github.com/BaSui01/webai/internal/tasktypes"
)

// scriptedServer plays back one chat completion reply per call, in order.
func scriptedServer(t *testing.T, replies []string) *httptest.Server {
	t.Helper()
	var idx atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := idx.Add(1) - 1
		require.Less(t, int(i), len(replies), "unexpected extra chat completion call")
		content := replies[i]
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
		w.Write(body)
	}))
}

func baseRunRequest(taskID string, maxSteps int) engine.RunRequest {
	return engine.RunRequest{
		TaskID:            taskID,
		Prompt:            "go do the thing",
		ModelName:         "gpt-4o-mini",
		MaxSteps:          maxSteps,
		MaxActionsPerStep: 5,
		MaxInputTokens:    1000,
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	steps    []tasktypes.Step
	outcome  *engine.Outcome
	done     chan struct{}
	askHuman func(ctx context.Context, question string) (string, error)
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{done: make(chan struct{})}
}

func (h *hookRecorder) hooks() engine.Hooks {
	return engine.Hooks{
		OnStep: func(ctx context.Context, step tasktypes.Step) error {
			h.mu.Lock()
			h.steps = append(h.steps, step)
			h.mu.Unlock()
			return nil
		},
		OnAskHuman: func(ctx context.Context, question string) (string, error) {
			if h.askHuman != nil {
				return h.askHuman(ctx, question)
			}
			return "", nil
		},
		OnFinish: func(ctx context.Context, outcome engine.Outcome) {
			h.mu.Lock()
			h.outcome = &outcome
			h.mu.Unlock()
			close(h.done)
		},
	}
}

func (h *hookRecorder) waitFinish(t *testing.T) engine.Outcome {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnFinish")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotNil(t, h.outcome)
	return *h.outcome
}

func TestRunner_CompletesOnDoneOutput(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"action":"click button","summary":"clicked it","done":false}`,
		`{"action":"finish","summary":"all done","done":true}`,
	})
	defer srv.Close()

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	_, err := r.Start(context.Background(), baseRunRequest("t1", 5), rec.hooks())
	require.NoError(t, err)

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "all done", outcome.Summary)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.steps, 2)
}

func TestRunner_AskHumanSuspendsAndResumesWithAnswer(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"action":"need input","summary":"asking","ask_human":"which site?"}`,
		`{"action":"finish","summary":"done after answer","done":true}`,
	})
	defer srv.Close()

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	var askedQuestion string
	rec.askHuman = func(ctx context.Context, question string) (string, error) {
		askedQuestion = question
		return "example.com", nil
	}

	_, err := r.Start(context.Background(), baseRunRequest("t2", 5), rec.hooks())
	require.NoError(t, err)

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "which site?", askedQuestion)
}

func TestRunner_MaxStepsExhaustedFailsRun(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"action":"a","summary":"s1","done":false}`,
		`{"action":"a","summary":"s2","done":false}`,
	})
	defer srv.Close()

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	_, err := r.Start(context.Background(), baseRunRequest("t3", 2), rec.hooks())
	require.NoError(t, err)

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "max steps")
}

func TestRunner_NonJSONReplyFallsBackToRawTextAsSummary(t *testing.T) {
	srv := scriptedServer(t, []string{
		"I clicked the login button.",
	})
	defer srv.Close()

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	_, err := r.Start(context.Background(), baseRunRequest("t4", 1), rec.hooks())
	require.NoError(t, err)

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeFailed, outcome.Kind) // max steps reached, never signalled done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.steps, 1)
	assert.Equal(t, "I clicked the login button.", rec.steps[0].SummaryHTML)
}

func TestRunner_ContextCancelledMidLoopFinishesCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Start(ctx, baseRunRequest("t5", 5), rec.hooks())
	require.NoError(t, err)

	cancel()

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeCancelled, outcome.Kind)
}

func TestRunner_HTTPErrorStatusFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "upstream broke"}})
	}))
	defer srv.Close()

	r := New(Config{OpenAIBaseURL: srv.URL}, zap.NewNop())
	rec := newHookRecorder()
	_, err := r.Start(context.Background(), baseRunRequest("t6", 3), rec.hooks())
	require.NoError(t, err)

	outcome := rec.waitFinish(t)
	assert.Equal(t, engine.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "upstream broke")
}

func TestParseStepOutput_RoundTrips(t *testing.T) {
	out, err := parseStepOutput(`{"action":"a","summary":"s","done":true}`)
	require.NoError(t, err)
	assert.True(t, out.Done)
	assert.Equal(t, "s", out.Summary)
}

func TestParseStepOutput_ErrorsOnNonJSON(t *testing.T) {
	_, err := parseStepOutput("not json at all")
	assert.Error(t, err)
}
