package bandwidth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_WindowSums(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tr.AddBytes(now.Add(-90*time.Second), 1000)
	tr.AddBytes(now.Add(-30*time.Second), 200)
	tr.AddBytes(now, 50)
	tr.AddRequest(now)

	assert.Equal(t, int64(50), tr.Usage(KindData, 1, now))
	assert.Equal(t, int64(250), tr.Usage(KindData, 60, now))
	assert.Equal(t, int64(1250), tr.Usage(KindData, 3600, now))
	assert.Equal(t, int64(1250), tr.Usage(KindData, WindowForever, now))
	assert.Equal(t, int64(1), tr.Usage(KindRequests, 60, now))
}

func TestTracker_MonthRollover(t *testing.T) {
	tr := NewTracker()

	feb := time.Date(2026, 2, 27, 23, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	tr.AddBytes(feb, 5000)
	// Writing in March coalesces February's second buckets into the
	// February month bucket.
	tr.AddBytes(mar, 300)

	assert.Equal(t, int64(300), tr.Usage(KindData, WindowMonth, mar))
	assert.Equal(t, int64(5300), tr.Usage(KindData, WindowForever, mar))
}

func TestTracker_JSONRoundTrip(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	tr.AddBytes(now, 4096)
	tr.AddRequest(now)

	b, err := json.Marshal(tr)
	require.NoError(t, err)

	restored := NewTracker()
	require.NoError(t, json.Unmarshal(b, restored))

	assert.Equal(t, int64(4096), restored.Usage(KindData, 60, now))
	assert.Equal(t, int64(1), restored.Usage(KindRequests, WindowForever, now))
}

func TestRules_CanStartRequest(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		rules []Rule
		used  int64
		want  bool
	}{
		{name: "under limit", rules: []Rule{{Kind: KindData, Window: 60, Limit: 10240}}, used: 5000, want: true},
		{name: "at limit", rules: []Rule{{Kind: KindData, Window: 60, Limit: 10240}}, used: 10240, want: false},
		{name: "over limit", rules: []Rule{{Kind: KindData, Window: 60, Limit: 10240}}, used: 20480, want: false},
		{name: "short window never blocks start", rules: []Rule{{Kind: KindData, Window: 1, Limit: 10}}, used: 5000, want: true},
		{name: "forever blocks once breached", rules: []Rule{{Kind: KindData, Window: WindowForever, Limit: 100}}, used: 100, want: false},
		{name: "no rules", rules: nil, used: 1 << 40, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.AddBytes(now, tt.used)
			r := &Rules{Rules: tt.rules}
			assert.Equal(t, tt.want, r.CanStartRequest(tr, now))
		})
	}
}

func TestRules_CanContinueGrace(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tr := NewTracker()
	tr.AddBytes(now, 1<<20)

	short := &Rules{Rules: []Rule{{Kind: KindData, Window: 10, Limit: 1024}}}
	assert.True(t, short.CanContinue(tr, now), "sub-15s rules let a live transfer finish")

	long := &Rules{Rules: []Rule{{Kind: KindData, Window: 3600, Limit: 1024}}}
	assert.False(t, long.CanContinue(tr, now))
}

func TestRules_GateRecovery(t *testing.T) {
	// 20 KB used in the last 60s against a 10 KB/60s rule blocks; sixty
	// seconds later the window has rolled off and the rule passes.
	r := &Rules{Rules: []Rule{{Kind: KindData, Window: 60, Limit: 10240}}}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tr := NewTracker()
	tr.AddBytes(now, 20480)

	assert.False(t, r.CanStartRequest(tr, now))
	assert.True(t, r.CanStartRequest(tr, now.Add(61*time.Second)))
}

func TestUnmarshalRules_Empty(t *testing.T) {
	r, err := UnmarshalRules("")
	require.NoError(t, err)
	assert.Empty(t, r.Rules)

	s, err := MarshalRules(&Rules{Rules: []Rule{{Kind: KindRequests, Window: WindowMonth, Limit: 9}}})
	require.NoError(t, err)
	back, err := UnmarshalRules(s)
	require.NoError(t, err)
	assert.Equal(t, int64(9), back.Rules[0].Limit)
}
