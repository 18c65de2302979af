package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/tasktypes"
	"github.com/BaSui01/webai/internal/taskstore"
)

// concurrencyTrackingRunner wraps FakeRunner and records, for each task id,
// how many Start invocations were ever simultaneously in flight. It lets
// the property test below assert directly on I1 (exactly one AgentRunner
// alive per task) instead of only inferring it from the engine's final
// status.
type concurrencyTrackingRunner struct {
	*FakeRunner

	mu          sync.Mutex
	inFlight    map[string]int32
	maxObserved map[string]int32
}

func newConcurrencyTrackingRunner() *concurrencyTrackingRunner {
	return &concurrencyTrackingRunner{
		FakeRunner:  NewFakeRunner(),
		inFlight:    make(map[string]int32),
		maxObserved: make(map[string]int32),
	}
}

func (r *concurrencyTrackingRunner) Start(ctx context.Context, req RunRequest, hooks Hooks) (Handle, error) {
	n := r.bump(req.TaskID, 1)
	r.recordMax(req.TaskID, n)

	wrapped := hooks
	wrapped.OnFinish = func(ctx context.Context, outcome Outcome) {
		r.bump(req.TaskID, -1)
		hooks.OnFinish(ctx, outcome)
	}
	return r.FakeRunner.Start(ctx, req, wrapped)
}

func (r *concurrencyTrackingRunner) bump(taskID string, delta int32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[taskID] += delta
	return r.inFlight[taskID]
}

func (r *concurrencyTrackingRunner) recordMax(taskID string, n int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.maxObserved[taskID] {
		r.maxObserved[taskID] = n
	}
}

func (r *concurrencyTrackingRunner) maxConcurrent(taskID string) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxObserved[taskID]
}

// TestProperty_ConcurrentContinueAndRunNowNeverDoubleStartARunner fuzzes N
// parallel callers racing Continue (and, once the task is scheduled again,
// RunNow) against the same task id. I1 requires exactly one AgentRunner be
// alive for the task at any instant; every caller that loses the race must
// observe a conflict (or the precondition error Continue reports for a
// scheduled task), never a second concurrently-running agent.
func TestProperty_ConcurrentContinueAndRunNowNeverDoubleStartARunner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one caller wins per race, and the runner is never started twice at once", prop.ForAll(
		func(callers int) bool {
			store, err := taskstore.New(t.TempDir(), zap.NewNop())
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			sched := newFakeScheduler()
			vnc := newFakeBrowserGate()
			runner := newConcurrencyTrackingRunner()
			eng := New(Config{NodeID: "node-1", StopDeadline: 2 * time.Second}, store, sched, vnc, runner, zap.NewNop())

			spec := baseSpec()
			when := time.Now().Add(time.Hour)
			spec.ScheduledFor = &when
			rec, err := eng.Create(spec)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			runner.Script(rec.ID, ScriptedOutcome{Question: "hang on for the race"})
			if _, err := eng.RunNow(rec.ID); err != nil {
				t.Fatalf("run now: %v", err)
			}

			waitForStatus(t, eng, rec.ID, tasktypes.StatusWaitingForInput)

			// Stop the in-flight run so the task reaches a terminal state
			// that Continue is allowed to restart, then race N callers.
			if _, err := eng.Stop(rec.ID); err != nil {
				t.Fatalf("stop: %v", err)
			}
			runner.Script(rec.ID, ScriptedOutcome{Outcome: &Outcome{Kind: OutcomeCompleted}})

			var wg sync.WaitGroup
			var succeeded atomic.Int32
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := eng.Continue(rec.ID, "keep going"); err == nil {
						succeeded.Add(1)
					}
				}()
			}
			wg.Wait()

			waitForStatus(t, eng, rec.ID, tasktypes.StatusCompleted)

			if succeeded.Load() < 1 {
				t.Logf("no caller reported success for %d callers", callers)
				return false
			}
			return runner.maxConcurrent(rec.ID) <= 1
		},
		gen.IntRange(2, 12),
	))

	properties.TestingRun(t)
}

// TestProperty_ConcurrentRunNowOnSameScheduledTaskStartsExactlyOneRunner
// mirrors the RunNow half of the same race: N parallel RunNow calls against
// one scheduled task must produce exactly one running agent.
func TestProperty_ConcurrentRunNowOnSameScheduledTaskStartsExactlyOneRunner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("RunNow is safe under concurrent callers", prop.ForAll(
		func(callers int) bool {
			store, err := taskstore.New(t.TempDir(), zap.NewNop())
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			sched := newFakeScheduler()
			vnc := newFakeBrowserGate()
			runner := newConcurrencyTrackingRunner()
			eng := New(Config{NodeID: "node-1", StopDeadline: 2 * time.Second}, store, sched, vnc, runner, zap.NewNop())

			spec := baseSpec()
			when := time.Now().Add(time.Hour)
			spec.ScheduledFor = &when
			rec, err := eng.Create(spec)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			runner.Script(rec.ID, ScriptedOutcome{Outcome: &Outcome{Kind: OutcomeCompleted}})

			var wg sync.WaitGroup
			var succeeded atomic.Int32
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := eng.RunNow(rec.ID); err == nil {
						succeeded.Add(1)
					}
				}()
			}
			wg.Wait()

			waitForStatus(t, eng, rec.ID, tasktypes.StatusCompleted)

			if succeeded.Load() < 1 {
				t.Logf("no caller reported success for %d callers", callers)
				return false
			}
			return runner.maxConcurrent(rec.ID) <= 1
		},
		gen.IntRange(2, 12),
	))

	properties.TestingRun(t)
}
