package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
)

// DefaultMaintainPeriod is a 60-second maintenance interval. Nothing in this
// package reads it; the WorkerPool does not release idle slots on a timer.
const DefaultMaintainPeriod = 60 * time.Second

// DefaultPoolSize is the process-wide cap on concurrently running jobs.
const DefaultPoolSize = 200

// resumeDetectThreshold is the wall-clock jump between sweeps that reads as
// the host having slept: the loop otherwise never waits more than a second.
const resumeDetectThreshold = 60 * time.Second

// DefaultWakeupGrace is how long DelayOnWakeup jobs are held back after the
// host resumes from sleep.
const DefaultWakeupGrace = 15 * time.Second

// JobFunc is the work a scheduled job performs. It receives a context that
// is cancelled if the job is cancelled while queued or dispatched.
type JobFunc func(ctx context.Context)

// Job is one unit of scheduled work: a one-shot job has Period == 0; a
// repeating job re-arms itself for Period after each run.
type Job struct {
	ID     string
	Name   string
	Quota  string // thread-slot quota name, e.g. "misc"; "" uses the default quota
	Period time.Duration
	// DelayOnWakeup holds the job back for a grace window after the host
	// resumes from sleep, so heavy maintenance does not pile onto a machine
	// that just woke up.
	DelayOnWakeup bool
	WakeOnPubsub  string // if set, a pubsub event of this events.Type re-arms the job immediately
	Fn            JobFunc

	mu        sync.Mutex
	nextDueAt time.Time
	cancelled bool
	index     int
}

func (j *Job) dueAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextDueAt
}

// Cancel marks the job cancelled. The scheduler drops it at its next sweep;
// cancellation is cooperative, never preemptive.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Wake sets the job's next due time to now, for immediate dispatch on the
// scheduler's next sweep.
func (j *Job) Wake() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextDueAt = time.Now()
}

// Delay pushes the job's next due time back by d.
func (j *Job) Delay(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextDueAt = j.nextDueAt.Add(d)
}

// jobHeap is a min-heap of *Job ordered by next due time.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].dueAt().Before(h[j].dueAt()) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) { j := x.(*Job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Tier distinguishes the fast scheduler (sub-second periods) from the slow
// one: each is an independently-running single-goroutine loop
// so a flood of fast jobs never starves slow maintenance work or vice versa.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// Scheduler maintains a min-heap of due jobs and dispatches them onto a
// shared bounded worker pool. Its sweep loop runs on a single goroutine;
// Schedule, Cancel and pubsub wakeups reach the heap and job index from
// other goroutines, always under mu.
type Scheduler struct {
	tier   Tier
	pool   *WorkerPool
	logger zerolog.Logger

	mu          sync.Mutex
	heap        jobHeap
	byID        map[string]*Job
	stopCh      chan struct{}
	wakeCh      chan struct{}
	lastSweep   time.Time
	wakeupGrace time.Duration

	broker    *events.Broker
	pubsubSub events.Subscriber
}

// NewScheduler creates a scheduler of the given tier dispatching onto pool.
// broker may be nil if no job registers WakeOnPubsub.
func NewScheduler(tier Tier, pool *WorkerPool, broker *events.Broker) *Scheduler {
	return &Scheduler{
		tier:        tier,
		pool:        pool,
		logger:      log.WithComponent("scheduler." + string(tier)),
		byID:        make(map[string]*Job),
		stopCh:      make(chan struct{}),
		wakeCh:      make(chan struct{}, 1),
		wakeupGrace: DefaultWakeupGrace,
		broker:      broker,
	}
}

// SetWakeupGrace overrides how long DelayOnWakeup jobs are deferred after a
// host resume.
func (s *Scheduler) SetWakeupGrace(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeupGrace = d
}

// Schedule adds a job to the heap, due after initialDelay.
func (s *Scheduler) Schedule(job *Job, initialDelay time.Duration) {
	job.nextDueAt = time.Now().Add(initialDelay)

	s.mu.Lock()
	heap.Push(&s.heap, job)
	s.byID[job.ID] = job
	s.mu.Unlock()

	metrics.SchedulerJobsPending.WithLabelValues(string(s.tier)).Inc()
	s.nudge()
}

// Cancel cancels a job by ID, if it is still scheduled.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	job, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		job.Cancel()
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	if s.broker != nil {
		s.pubsubSub = s.broker.Subscribe()
		go s.watchPubsub()
	}
	go s.run()
}

// Stop stops the scheduler and, if subscribed, unsubscribes from pubsub.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.broker != nil && s.pubsubSub != nil {
		s.broker.Unsubscribe(s.pubsubSub)
	}
}

func (s *Scheduler) watchPubsub() {
	for {
		select {
		case ev, ok := <-s.pubsubSub:
			if !ok {
				return
			}
			s.wakeMatching(ev.Type)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) wakeMatching(t events.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.byID {
		if job.WakeOnPubsub == string(t) {
			job.Wake()
		}
	}
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the scheduler's single-goroutine sweep loop: sleep until the next
// due job (or 1s, whichever is sooner), dispatch everything due, repeat.
func (s *Scheduler) run() {
	for {
		wait := s.sweep()

		select {
		case <-time.After(wait):
		case <-s.wakeCh:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) sweep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	const maxWait = time.Second

	// A large jump since the last sweep means the host was asleep: jobs
	// flagged DelayOnWakeup get pushed past the grace window instead of all
	// firing at once.
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) > resumeDetectThreshold {
		held := now.Add(s.wakeupGrace)
		for _, job := range s.byID {
			if !job.DelayOnWakeup {
				continue
			}
			job.mu.Lock()
			if job.nextDueAt.Before(held) {
				job.nextDueAt = held
			}
			job.mu.Unlock()
		}
		heap.Init(&s.heap)
	}
	s.lastSweep = now

	// Wake and Delay change due times in place; restore heap order before
	// reading the root.
	heap.Init(&s.heap)

	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.isCancelled() {
			heap.Pop(&s.heap)
			delete(s.byID, next.ID)
			metrics.SchedulerJobsPending.WithLabelValues(string(s.tier)).Dec()
			continue
		}
		if next.dueAt().After(now) {
			return minDuration(next.dueAt().Sub(now), maxWait)
		}

		heap.Pop(&s.heap)
		s.dispatch(next)

		if next.Period > 0 && !next.isCancelled() {
			next.mu.Lock()
			next.nextDueAt = now.Add(next.Period)
			next.mu.Unlock()
			heap.Push(&s.heap, next)
		} else {
			delete(s.byID, next.ID)
			metrics.SchedulerJobsPending.WithLabelValues(string(s.tier)).Dec()
		}
	}

	return maxWait
}

func (s *Scheduler) dispatch(job *Job) {
	metrics.SchedulerJobLatency.WithLabelValues(string(s.tier)).Observe(time.Since(job.dueAt()).Seconds())

	s.pool.Submit(job.Quota, func(ctx context.Context) {
		if job.isCancelled() {
			return
		}
		logger := s.logger.With().Str("job", job.Name).Logger()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job.Fn(ctx)
	})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// WorkerPool is the bounded call-to-goroutine pool both schedulers dispatch
// onto. A literal reusable-thread pool has no idiomatic Go analogue —
// goroutines are cheap — so "thread reused while idle, reaped after
// maintain_period" becomes a semaphore that simply caps how many job
// goroutines may run concurrently, both overall and per named quota.
type WorkerPool struct {
	overall *semaphore.Weighted

	mu     sync.Mutex
	quotas map[string]*semaphore.Weighted
}

// NewWorkerPool creates a pool capped at size concurrently-running jobs.
func NewWorkerPool(size int64) *WorkerPool {
	return &WorkerPool{
		overall: semaphore.NewWeighted(size),
		quotas:  make(map[string]*semaphore.Weighted),
	}
}

// SetQuota gives the named slot quota its own sub-limit, e.g. "misc"=10.
func (p *WorkerPool) SetQuota(name string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotas[name] = semaphore.NewWeighted(size)
}

func (p *WorkerPool) quotaSem(name string) *semaphore.Weighted {
	if name == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quotas[name]
}

// Submit runs fn on a new goroutine once both the named quota (if any) and
// the pool's overall capacity admit it.
func (p *WorkerPool) Submit(quota string, fn JobFunc) {
	go func() {
		ctx := context.Background()

		if qs := p.quotaSem(quota); qs != nil {
			if err := qs.Acquire(ctx, 1); err != nil {
				return
			}
			defer qs.Release(1)
		}

		if err := p.overall.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.overall.Release(1)

		metrics.SchedulerWorkersBusy.WithLabelValues(quotaLabel(quota)).Inc()
		defer metrics.SchedulerWorkersBusy.WithLabelValues(quotaLabel(quota)).Dec()

		fn(ctx)
	}()
}

func quotaLabel(quota string) string {
	if quota == "" {
		return "default"
	}
	return quota
}
