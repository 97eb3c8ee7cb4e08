/*
Package metrics defines and registers the Prometheus metrics exposed by the
Hydrus engine: bandwidth consumption, account and session counts, petition
throughput, update-bundle production, nullification cycles, DB serializer
queue depth, scheduler occupancy, and blob store size.

Metrics are package-level vars registered at init via prometheus.MustRegister
and exposed to a scraper through Handler(). Collector polls long-lived engine
components (session manager, account store, blob store, serializer) on a
fixed interval and republishes their state as gauges, the same periodic-poll
shape used for everything that isn't naturally an event (a request handled,
a bundle written) rather than a point-in-time count.

HealthChecker tracks a small set of named components (RegisterComponent,
UpdateComponent) and exposes /health, /ready, and /live handlers for process
supervision; GetReadiness treats "db", "blobstore", and "scheduler" as
critical — the process is not ready until the engine has registered all
three as healthy.
*/
package metrics
