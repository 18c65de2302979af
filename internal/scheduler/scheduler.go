// Package scheduler implements the per-node deferred-start queue: a
// min-heap keyed by scheduled_for, woken by a cooperative timer that
// promotes due tasks to pending and hands them to the engine.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Submitter is the narrow slice of the engine the scheduler needs: a way
// to hand a due task id over to be run.
type Submitter interface {
	RunDue(taskID string)
}

type item struct {
	taskID       string
	scheduledFor time.Time
	index        int
}

// taskHeap is a container/heap.Interface over items ordered by
// scheduledFor, earliest first.
type taskHeap []*item

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].scheduledFor.Before(h[j].scheduledFor) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler owns one min-heap and a cooperative wake timer. One instance
// per node.
type Scheduler struct {
	mu            sync.Mutex
	heap          taskHeap
	byID          map[string]*item
	checkInterval time.Duration
	submitter     Submitter
	logger        *zap.Logger

	wake chan struct{}
}

// New builds a Scheduler. checkInterval bounds the promotion-latency
// guarantee: a scheduled task starts no later than
// scheduled_for + checkInterval + queue_wait.
func New(checkInterval time.Duration, submitter Submitter, logger *zap.Logger) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	return &Scheduler{
		byID:          make(map[string]*item),
		checkInterval: checkInterval,
		submitter:     submitter,
		logger:        logger.With(zap.String("component", "scheduler")),
		wake:          make(chan struct{}, 1),
	}
}

// Schedule adds or replaces the due time for taskID.
func (s *Scheduler) Schedule(taskID string, when time.Time) {
	s.mu.Lock()
	if existing, ok := s.byID[taskID]; ok {
		existing.scheduledFor = when
		heap.Fix(&s.heap, existing.index)
	} else {
		it := &item{taskID: taskID, scheduledFor: when}
		heap.Push(&s.heap, it)
		s.byID[taskID] = it
	}
	s.mu.Unlock()
	s.nudge()
}

// Cancel removes taskID from the heap (used by run_now and by delete).
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[taskID]
	if !ok {
		return
	}
	heap.Remove(&s.heap, it.index)
	delete(s.byID, taskID)
}

// RunNow removes taskID from the heap and submits it immediately.
func (s *Scheduler) RunNow(taskID string) {
	s.Cancel(taskID)
	s.submitter.RunDue(taskID)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, promoting due tasks until ctx is cancelled. Intended to be
// run in its own goroutine for the lifetime of the node process.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			timer.Reset(s.nextDelay())
		case <-timer.C:
			s.promoteDue()
			timer.Reset(s.nextDelay())
		}
	}
}

// nextDelay returns how long to sleep before the next check: either
// checkInterval, or sooner if the earliest scheduled item is closer than
// that, so precision doesn't degrade under a long checkInterval.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return s.checkInterval
	}
	until := time.Until(s.heap[0].scheduledFor)
	if until < 0 {
		return 0
	}
	if until < s.checkInterval {
		return until
	}
	return s.checkInterval
}

func (s *Scheduler) promoteDue() {
	now := time.Now()
	var due []string

	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].scheduledFor.After(now) {
		it := heap.Pop(&s.heap).(*item)
		delete(s.byID, it.taskID)
		due = append(due, it.taskID)
	}
	s.mu.Unlock()

	for _, id := range due {
		s.logger.Info("promoting scheduled task to pending", zap.String("task_id", id))
		s.submitter.RunDue(id)
	}
}

// Len reports the current queue depth, exported for the Prometheus gauge.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
