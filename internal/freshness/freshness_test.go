package freshness

import (
	"testing"
	"time"
)

func TestIsFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	exactlyTTL := now.Add(-4 * time.Hour)

	tests := []struct {
		name        string
		lastUpdated *time.Time
		ttl         time.Duration
		force       bool
		want        bool
	}{
		{"recent within ttl", &hourAgo, 4 * time.Hour, false, true},
		{"force overrides age", &hourAgo, 4 * time.Hour, true, false},
		{"unset is stale", nil, 4 * time.Hour, false, false},
		{"older than ttl", &dayAgo, 4 * time.Hour, false, false},
		{"boundary is fresh", &exactlyTTL, 4 * time.Hour, false, true},
		{"unset with force", nil, 4 * time.Hour, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFresh(tt.lastUpdated, tt.ttl, tt.force, now); got != tt.want {
				t.Errorf("IsFresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{TTL: FromHours(4), Now: func() time.Time { return now }}

	recent := now.Add(-time.Hour)
	if !p.Fresh(&recent) {
		t.Error("Expected recent entity to be fresh")
	}

	p.Force = true
	if p.Fresh(&recent) {
		t.Error("Expected force to disable freshness")
	}
}

func TestFromHours(t *testing.T) {
	if got := FromHours(0.5); got != 30*time.Minute {
		t.Errorf("FromHours(0.5) = %v", got)
	}
}
