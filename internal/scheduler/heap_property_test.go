package scheduler

import (
	"container/heap"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

func TestProperty_HeapPopsEarliestScheduledForFirst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("popping the heap always yields non-decreasing scheduledFor", prop.ForAll(
		func(offsets []int) bool {
			base := time.Unix(1_700_000_000, 0)
			h := &taskHeap{}
			for i, off := range offsets {
				it := &item{taskID: fmt.Sprintf("task-%d", i), scheduledFor: base.Add(time.Duration(off) * time.Second)}
				heap.Push(h, it)
			}

			var last time.Time
			first := true
			for h.Len() > 0 {
				it := heap.Pop(h).(*item)
				if !first && it.scheduledFor.Before(last) {
					return false
				}
				last = it.scheduledFor
				first = false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

func TestProperty_CancelRemovesExactlyOneEntryRegardlessOfHeapShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("scheduling N tasks then cancelling one leaves N-1 in the heap", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			s := New(time.Second, &fakeSubmitter{}, zap.NewNop())
			base := time.Now().Add(time.Hour)
			for i := 0; i < n; i++ {
				s.Schedule(fmt.Sprintf("task-%d", i), base.Add(time.Duration(i)*time.Second))
			}
			s.Cancel("task-0")
			return s.Len() == n-1
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
