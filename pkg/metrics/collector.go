package metrics

import (
	"time"
)

// SessionSource reports the live session-cache size (pkg/session).
type SessionSource interface {
	SessionCount() int
}

// AccountSource reports account counts by service, split by ban state
// (pkg/account).
type AccountSource interface {
	// CountAccounts returns, for each service key, the number of active and
	// banned accounts.
	CountAccounts() (active map[string]int, banned map[string]int)
}

// BlobstoreSource reports blob store occupancy (pkg/blobstore).
type BlobstoreSource interface {
	PendingDeletes() int
	BytesStored() int64
}

// SerializerSource reports DB serializer queue depth (pkg/db).
type SerializerSource interface {
	QueueDepth() int
}

// Collector polls the engine's long-lived components on an interval and
// republishes their state as gauges, a periodic collection loop rather
// than instrumenting every call site directly.
type Collector struct {
	sessions   SessionSource
	accounts   AccountSource
	blobstore  BlobstoreSource
	serializer SerializerSource
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector. Any source may be nil, in
// which case the metrics it would populate are simply left untouched.
func NewCollector(sessions SessionSource, accounts AccountSource, blobstore BlobstoreSource, serializer SerializerSource) *Collector {
	return &Collector{
		sessions:   sessions,
		accounts:   accounts,
		blobstore:  blobstore,
		serializer: serializer,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionMetrics()
	c.collectAccountMetrics()
	c.collectBlobstoreMetrics()
	c.collectSerializerMetrics()
}

func (c *Collector) collectSessionMetrics() {
	if c.sessions == nil {
		return
	}
	SessionsActive.Set(float64(c.sessions.SessionCount()))
}

func (c *Collector) collectAccountMetrics() {
	if c.accounts == nil {
		return
	}
	active, banned := c.accounts.CountAccounts()
	for service, count := range active {
		AccountsTotal.WithLabelValues(service, "active").Set(float64(count))
	}
	for service, count := range banned {
		AccountsTotal.WithLabelValues(service, "banned").Set(float64(count))
	}
}

func (c *Collector) collectBlobstoreMetrics() {
	if c.blobstore == nil {
		return
	}
	BlobstorePendingDeletes.Set(float64(c.blobstore.PendingDeletes()))
	BlobstoreBytesStored.Set(float64(c.blobstore.BytesStored()))
}

func (c *Collector) collectSerializerMetrics() {
	if c.serializer == nil {
		return
	}
	SerializerQueueDepth.Set(float64(c.serializer.QueueDepth()))
}
