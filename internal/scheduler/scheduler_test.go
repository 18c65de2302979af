package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeSubmitter) RunDue(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, taskID)
}

func (f *fakeSubmitter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

func TestScheduler_RunPromotesDueTask(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(10*time.Millisecond, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule("t1", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool {
		for _, id := range sub.snapshot() {
			if id == "t1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_CancelPreventsPromotion(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(10*time.Millisecond, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule("t1", time.Now().Add(30*time.Millisecond))
	s.Cancel("t1")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sub.snapshot())
}

func TestScheduler_RunNowSubmitsImmediatelyAndRemovesFromHeap(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(time.Minute, sub, zap.NewNop())

	s.Schedule("t1", time.Now().Add(time.Hour))
	assert.Equal(t, 1, s.Len())

	s.RunNow("t1")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []string{"t1"}, sub.snapshot())
}

func TestScheduler_LenReflectsQueueDepth(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(time.Minute, sub, zap.NewNop())

	s.Schedule("a", time.Now().Add(time.Hour))
	s.Schedule("b", time.Now().Add(2*time.Hour))
	assert.Equal(t, 2, s.Len())

	s.Cancel("a")
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_RescheduleUpdatesExistingEntry(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(5*time.Millisecond, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule("t1", time.Now().Add(time.Hour))
	s.Schedule("t1", time.Now().Add(15*time.Millisecond))
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool {
		for _, id := range sub.snapshot() {
			if id == "t1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
