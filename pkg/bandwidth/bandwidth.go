// Package bandwidth implements time-bucketed usage counters and the rule
// sets evaluated against them: per-account quotas, the admin service's port
// throttle, and account auto-creation velocity all share this machinery.
package bandwidth

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/metrics"
)

// Kind selects which counter a rule constrains.
type Kind string

const (
	KindData     Kind = "data"
	KindRequests Kind = "requests"
)

// Window identifiers. Positive values are a rolling window in seconds;
// WindowMonth is the current UTC calendar month; WindowForever is the
// all-time total.
const (
	WindowForever int64 = 0
	WindowMonth   int64 = -1
)

// secondsRetained is how long per-second buckets are kept before being
// coalesced into their month bucket. A day covers every rolling window the
// rule grammar names.
const secondsRetained = 86400

// Tracker is a pair of time-bucketed counters, one for bytes and one for
// request counts. Writes land in the current-second bucket; reads sum
// buckets over the requested window. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	seconds map[int64]*usage  // unix second -> usage
	months  map[string]*usage // "2006-01" (UTC) -> usage
	total   usage
}

type usage struct {
	Bytes    int64 `json:"bytes"`
	Requests int64 `json:"requests"`
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		seconds: make(map[int64]*usage),
		months:  make(map[string]*usage),
	}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// AddBytes records n bytes transferred at time t.
func (tr *Tracker) AddBytes(t time.Time, n int64) {
	tr.add(t, n, 0)
}

// AddRequest records one request started at time t.
func (tr *Tracker) AddRequest(t time.Time) {
	tr.add(t, 0, 1)
}

func (tr *Tracker) add(t time.Time, bytes, requests int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	sec := t.Unix()
	u := tr.seconds[sec]
	if u == nil {
		u = &usage{}
		tr.seconds[sec] = u
	}
	u.Bytes += bytes
	u.Requests += requests
	tr.total.Bytes += bytes
	tr.total.Requests += requests

	tr.coalesceLocked(t)
}

// coalesceLocked folds second buckets older than the retention horizon into
// their UTC month bucket, so the tracker's footprint stays bounded while
// month and forever windows stay exact.
func (tr *Tracker) coalesceLocked(now time.Time) {
	horizon := now.Unix() - secondsRetained
	for sec, u := range tr.seconds {
		if sec >= horizon {
			continue
		}
		mk := monthKey(time.Unix(sec, 0))
		mu := tr.months[mk]
		if mu == nil {
			mu = &usage{}
			tr.months[mk] = mu
		}
		mu.Bytes += u.Bytes
		mu.Requests += u.Requests
		delete(tr.seconds, sec)
	}
}

// Usage sums the counter for kind over the given window, evaluated at now.
func (tr *Tracker) Usage(kind Kind, window int64, now time.Time) int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	pick := func(u *usage) int64 {
		if kind == KindData {
			return u.Bytes
		}
		return u.Requests
	}

	switch {
	case window == WindowForever:
		return pick(&tr.total)

	case window == WindowMonth:
		var sum int64
		mk := monthKey(now)
		if mu := tr.months[mk]; mu != nil {
			sum += pick(mu)
		}
		monthStart := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
		for sec, u := range tr.seconds {
			if sec >= monthStart && sec <= now.Unix() {
				sum += pick(u)
			}
		}
		return sum

	default:
		var sum int64
		cutoff := now.Unix() - window
		for sec, u := range tr.seconds {
			if sec > cutoff && sec <= now.Unix() {
				sum += pick(u)
			}
		}
		return sum
	}
}

// trackerJSON is the persisted shape of a Tracker.
type trackerJSON struct {
	Seconds map[int64]*usage  `json:"seconds,omitempty"`
	Months  map[string]*usage `json:"months,omitempty"`
	Total   usage             `json:"total"`
}

// MarshalJSON persists the tracker's buckets; used for the accounts table's
// bandwidth column.
func (tr *Tracker) MarshalJSON() ([]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return json.Marshal(trackerJSON{Seconds: tr.seconds, Months: tr.months, Total: tr.total})
}

// UnmarshalJSON restores a persisted tracker.
func (tr *Tracker) UnmarshalJSON(b []byte) error {
	var tj trackerJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seconds = tj.Seconds
	if tr.seconds == nil {
		tr.seconds = make(map[int64]*usage)
	}
	tr.months = tj.Months
	if tr.months == nil {
		tr.months = make(map[string]*usage)
	}
	tr.total = tj.Total
	return nil
}

// Publish pushes the tracker's current short-window usage into the exported
// gauges for the named service.
func (tr *Tracker) Publish(service string, now time.Time) {
	metrics.BandwidthUsedBytes.WithLabelValues(service, "minute").Set(float64(tr.Usage(KindData, 60, now)))
	metrics.BandwidthUsedBytes.WithLabelValues(service, "day").Set(float64(tr.Usage(KindData, 86400, now)))
	metrics.BandwidthUsedBytes.WithLabelValues(service, "month").Set(float64(tr.Usage(KindData, WindowMonth, now)))
}
