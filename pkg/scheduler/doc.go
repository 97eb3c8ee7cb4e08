/*
Package scheduler implements the fast and slow job schedulers that drive
every non-DB background task in the Hydrus engine: update bundling,
nullification sweeps, session refresh, and deferred blob deletion.

A Scheduler is a single goroutine that maintains a min-heap of (next due
time, Job) and sweeps it once per second or sooner, whenever a job becomes
due or is woken. Due jobs are handed to a shared WorkerPool, a semaphore-
bounded call-to-goroutine pool. Goroutines are cheap enough that there is
no reusable-thread concept to reap; the pool's only job is capping how many
jobs run at once, overall and per named quota (e.g. "misc").

Two scheduler instances are expected in practice, one per Tier: TierFast for
sub-second-period jobs and TierSlow for everything coarser, so a burst of
fast jobs never delays slow maintenance work.

A Job can be Cancel'd (cooperative: the scheduler drops it at its next
sweep, the job itself must still notice via its own context or deadline
checks for long-running work), Wake'd (next run becomes "now"), or Delay'd.
Setting WakeOnPubsub subscribes the job to an events.Broker: when an event
of that type is published, every matching scheduled job is woken
immediately, independent of its normal period.
*/
package scheduler
