package bandwidth

import (
	"encoding/json"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/metrics"
)

// Rule caps one counter over one window. Window uses the Tracker's window
// grammar: seconds, WindowMonth, or WindowForever.
type Rule struct {
	Kind   Kind  `json:"kind"`
	Window int64 `json:"window"`
	Limit  int64 `json:"limit"`
}

// Rules is an ordered set of caps evaluated together. The zero value allows
// everything.
type Rules struct {
	Rules []Rule `json:"rules,omitempty"`
}

// startGraceWindow: rules over windows shorter than this never block a
// request from starting; they only stop an in-flight transfer.
const startGraceWindow = 60

// continueGraceWindow: rules over windows shorter than this let an
// in-progress transfer run to completion rather than chopping a live
// connection.
const continueGraceWindow = 15

// CanStartRequest reports whether a new request may begin under these rules
// given the tracker's usage at now. Short-window rules (under a minute) do
// not block initiation; every longer rule blocks once its limit is reached.
func (r *Rules) CanStartRequest(tr *Tracker, now time.Time) bool {
	for _, rule := range r.Rules {
		if rule.Window > 0 && rule.Window < startGraceWindow {
			continue
		}
		if tr.Usage(rule.Kind, rule.Window, now) >= rule.Limit {
			return false
		}
	}
	return true
}

// CanContinue reports whether an in-progress transfer may keep going. Rules
// over very short windows are granted grace so a live connection is never
// chopped mid-body.
func (r *Rules) CanContinue(tr *Tracker, now time.Time) bool {
	for _, rule := range r.Rules {
		if rule.Window > 0 && rule.Window < continueGraceWindow {
			continue
		}
		if tr.Usage(rule.Kind, rule.Window, now) >= rule.Limit {
			return false
		}
	}
	return true
}

// RecordDecision increments the request-evaluation counters for the named
// service. Called by the account layer at each gate.
func RecordDecision(service string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
		metrics.BandwidthRejectedTotal.WithLabelValues(service, "rules").Inc()
	}
	metrics.BandwidthRequestsTotal.WithLabelValues(service, outcome).Inc()
}

// MarshalRules serializes a rule set for the account_types table.
func MarshalRules(r *Rules) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalRules restores a rule set persisted by MarshalRules. An empty
// string yields the allow-everything zero value.
func UnmarshalRules(s string) (*Rules, error) {
	r := &Rules{}
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), r); err != nil {
		return nil, err
	}
	return r, nil
}
