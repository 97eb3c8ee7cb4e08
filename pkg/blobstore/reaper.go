package blobstore

import (
	"context"
	"sync"

	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// DeleteQueue is the database side of deferred physical deletion. The repo
// layer enqueues orphaned hashes; the reaper pops one pair per tick and only
// acknowledges once the physical removal succeeded, so a crash mid-delete
// leaves the row queued for retry.
type DeleteQueue interface {
	// PopDeferredDelete returns the next queued (file, thumbnail) hash pair.
	// Either hash may be nil if only one kind is queued. ok is false when the
	// queue is empty.
	PopDeferredDelete(ctx context.Context) (file, thumbnail *types.Hash, ok bool, err error)
	// AckDeferredDelete removes the queue rows once the blobs are gone.
	AckDeferredDelete(ctx context.Context, file, thumbnail *types.Hash) error
}

// Reaper drains the deferred-delete queue one pair per tick. Tick is wired
// as a repeating scheduler job.
type Reaper struct {
	store  *Store
	queue  DeleteQueue
	broker *events.Broker

	mu      sync.Mutex
	pending int
}

// NewReaper returns a reaper over store and queue. broker may be nil.
func NewReaper(store *Store, queue DeleteQueue, broker *events.Broker) *Reaper {
	return &Reaper{store: store, queue: queue, broker: broker}
}

// SetPending updates the gauge-backing count of queued deletions, reported
// by the repo layer after enqueues.
func (r *Reaper) SetPending(n int) {
	r.mu.Lock()
	r.pending = n
	r.mu.Unlock()
}

// PendingDeletes implements metrics.BlobstoreSource.
func (r *Reaper) PendingDeletes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// BytesStored implements metrics.BlobstoreSource by delegating to the
// underlying store.
func (r *Reaper) BytesStored() int64 {
	return r.store.BytesStored()
}

// Tick processes at most one queued deletion pair. Returns true if a pair
// was processed, so callers can drain eagerly in tests.
func (r *Reaper) Tick(ctx context.Context) bool {
	logger := log.WithComponent("blobstore.reaper")

	file, thumbnail, ok, err := r.queue.PopDeferredDelete(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("popping deferred delete")
		return false
	}
	if !ok {
		return false
	}

	if file != nil {
		if err := r.store.remove(*file, KindFile); err != nil {
			logger.Error().Err(err).Str("hash", file.Hex()).Msg("removing file blob")
			return false
		}
	}
	if thumbnail != nil {
		if err := r.store.remove(*thumbnail, KindThumbnail); err != nil {
			logger.Error().Err(err).Str("hash", thumbnail.Hex()).Msg("removing thumbnail blob")
			return false
		}
	}

	if err := r.queue.AckDeferredDelete(ctx, file, thumbnail); err != nil {
		logger.Error().Err(err).Msg("acking deferred delete")
		return false
	}

	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventBlobDeleted})
	}
	return true
}
