package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus/pkg/events"
)

func TestScheduler_DispatchesOneShotJob(t *testing.T) {
	pool := NewWorkerPool(4)
	s := NewScheduler(TierFast, pool, nil)
	s.Start()
	defer s.Stop()

	var ran int32
	done := make(chan struct{})
	s.Schedule(&Job{
		ID:   "one-shot",
		Name: "test",
		Fn: func(ctx context.Context) {
			atomic.StoreInt32(&ran, 1)
			close(done)
		},
	}, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run in time")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduler_RepeatingJobReArms(t *testing.T) {
	pool := NewWorkerPool(4)
	s := NewScheduler(TierFast, pool, nil)
	s.Start()
	defer s.Stop()

	var count int32
	job := &Job{
		ID:     "repeat",
		Name:   "test",
		Period: 20 * time.Millisecond,
		Fn: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		},
	}
	s.Schedule(job, 0)

	time.Sleep(150 * time.Millisecond)
	job.Cancel()

	require.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 2)
}

func TestScheduler_CancelPreventsDispatch(t *testing.T) {
	pool := NewWorkerPool(4)
	s := NewScheduler(TierSlow, pool, nil)
	s.Start()
	defer s.Stop()

	var ran int32
	job := &Job{
		ID:   "cancel-me",
		Name: "test",
		Fn: func(ctx context.Context) {
			atomic.StoreInt32(&ran, 1)
		},
	}
	s.Schedule(job, 50*time.Millisecond)
	s.Cancel("cancel-me")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestScheduler_WakeRunsJobImmediately(t *testing.T) {
	pool := NewWorkerPool(4)
	s := NewScheduler(TierSlow, pool, nil)
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	job := &Job{
		ID:   "wake-me",
		Name: "test",
		Fn: func(ctx context.Context) {
			close(done)
		},
	}
	s.Schedule(job, time.Hour)
	job.Wake()
	s.nudge()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("woken job did not run in time")
	}
}

func TestScheduler_WakeOnPubsubReArmsJob(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	pool := NewWorkerPool(4)
	s := NewScheduler(TierSlow, pool, broker)
	s.Start()
	defer s.Stop()

	var count int32
	job := &Job{
		ID:           "pubsub-wake",
		Name:         "test",
		WakeOnPubsub: string(events.EventBundleCreated),
		Fn: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		},
	}
	s.Schedule(job, time.Hour)

	time.Sleep(20 * time.Millisecond)
	broker.Publish(&events.Event{Type: events.EventBundleCreated})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DelayOnWakeupHeldAfterResume(t *testing.T) {
	pool := NewWorkerPool(4)
	s := NewScheduler(TierSlow, pool, nil)

	var ran int32
	delayed := &Job{
		ID:            "delayed",
		Name:          "test",
		DelayOnWakeup: true,
		Fn: func(ctx context.Context) {
			atomic.StoreInt32(&ran, 1)
		},
	}
	eager := &Job{
		ID:   "eager",
		Name: "test",
		Fn:   func(ctx context.Context) {},
	}
	s.Schedule(delayed, 0)
	s.Schedule(eager, 0)

	// A sweep gap far beyond the loop's one-second cadence reads as the
	// host having been asleep.
	s.mu.Lock()
	s.lastSweep = time.Now().Add(-5 * time.Minute)
	s.mu.Unlock()

	s.sweep()

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran), "flagged job is held through the grace window")
	delayed.mu.Lock()
	due := delayed.nextDueAt
	delayed.mu.Unlock()
	assert.True(t, due.After(time.Now().Add(DefaultWakeupGrace/2)), "next due pushed past the grace window")

	// The unflagged job dispatched on the same sweep and left the heap.
	s.mu.Lock()
	_, eagerStillQueued := s.byID["eager"]
	s.mu.Unlock()
	assert.False(t, eagerStillQueued)
}

func TestWorkerPool_RespectsOverallCap(t *testing.T) {
	pool := NewWorkerPool(1)

	start := make(chan struct{})
	release := make(chan struct{})
	var running int32

	pool.Submit("", func(ctx context.Context) {
		atomic.AddInt32(&running, 1)
		close(start)
		<-release
		atomic.AddInt32(&running, -1)
	})

	<-start
	assert.Equal(t, int32(1), atomic.LoadInt32(&running))

	secondStarted := make(chan struct{})
	pool.Submit("", func(ctx context.Context) {
		close(secondStarted)
	})

	select {
	case <-secondStarted:
		t.Fatal("second job should not start while pool is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second job should start once capacity frees up")
	}
}

func TestWorkerPool_QuotaLimitsNamedSlot(t *testing.T) {
	pool := NewWorkerPool(10)
	pool.SetQuota("misc", 1)

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	pool.Submit("misc", func(ctx context.Context) {
		close(firstStarted)
		<-release
	})
	<-firstStarted

	secondStarted := make(chan struct{})
	pool.Submit("misc", func(ctx context.Context) {
		close(secondStarted)
	})

	select {
	case <-secondStarted:
		t.Fatal("quota of 1 should block the second misc job")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second misc job should start once the quota slot frees up")
	}
}
