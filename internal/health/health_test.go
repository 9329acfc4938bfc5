package health

import (
	"testing"

	"github.com/shopspring/decimal"

	"dealhealth/internal/domain"
)

func TestStatusFromScoreBuckets(t *testing.T) {
	cases := []struct {
		score int
		want  Status
	}{
		{0, StatusAtRisk},
		{49, StatusAtRisk},
		{50, StatusWatch},
		{72, StatusWatch},
		{79, StatusWatch},
		{80, StatusHealthy},
		{87, StatusHealthy},
		{100, StatusHealthy},
	}
	for _, tc := range cases {
		if got := StatusFromScore(tc.score); got != tc.want {
			t.Errorf("StatusFromScore(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestStatusMonotonic(t *testing.T) {
	for s1 := MinScore; s1 <= MaxScore; s1++ {
		st1 := StatusFromScore(s1)
		if !st1.Valid() {
			t.Fatalf("score %d produced invalid status %q", s1, st1)
		}
		for s2 := s1 + 1; s2 <= MaxScore; s2++ {
			if StatusFromScore(s1).Rank() > StatusFromScore(s2).Rank() {
				t.Fatalf("status(%d)=%s better than status(%d)=%s", s1, StatusFromScore(s1), s2, StatusFromScore(s2))
			}
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds.Validate(); err != nil {
		t.Fatalf("default thresholds invalid: %v", err)
	}
	bad := []Thresholds{
		{Healthy: 50, Watch: 50},
		{Healthy: 40, Watch: 60},
		{Healthy: 101, Watch: 50},
		{Healthy: 80, Watch: 0},
	}
	for _, th := range bad {
		if err := th.Validate(); err == nil {
			t.Errorf("expected error for %+v", th)
		}
	}
}

func TestApplyFieldResolutionBounds(t *testing.T) {
	for s := MinScore; s <= MaxScore; s++ {
		for _, impact := range []int{0, 1, 8, 15, 40, 100, 250} {
			got := ApplyFieldResolution(s, impact)
			if got > MaxScore || got < s {
				t.Fatalf("ApplyFieldResolution(%d,%d)=%d out of bounds", s, impact, got)
			}
		}
	}
	if got := ApplyFieldResolution(72, 15); got != 87 {
		t.Fatalf("expected 87, got %d", got)
	}
	if got := ApplyFieldResolution(95, 15); got != 100 {
		t.Fatalf("expected cap at 100, got %d", got)
	}
	if got := ApplyFieldResolution(60, -5); got != 60 {
		t.Fatalf("negative impact must not lower score, got %d", got)
	}
}

func TestTrendBetween(t *testing.T) {
	if TrendBetween(50, 60) != TrendUp {
		t.Fatalf("expected up")
	}
	if TrendBetween(60, 50) != TrendDown {
		t.Fatalf("expected down")
	}
	if TrendBetween(60, 60) != TrendStable {
		t.Fatalf("expected stable")
	}
}

func TestPotentialGainAndUnresolved(t *testing.T) {
	if PotentialGain(nil) != 0 || UnresolvedCount(nil) != 0 {
		t.Fatalf("empty field set must yield zero")
	}
	fields := []domain.MissingField{{ID: "f1", Impact: 15}}
	if got := PotentialGain(fields); got != 15 {
		t.Fatalf("potential gain = %d, want 15", got)
	}
	if got := UnresolvedCount(fields); got != 1 {
		t.Fatalf("unresolved = %d, want 1", got)
	}
	fields[0].Resolved = true
	if PotentialGain(fields) != 0 || UnresolvedCount(fields) != 0 {
		t.Fatalf("resolved field must not count")
	}
	mixed := []domain.MissingField{
		{Impact: 10}, {Impact: 15}, {Impact: 8, Resolved: true}, {Impact: 12},
	}
	if got := PotentialGain(mixed); got != 37 {
		t.Fatalf("mixed potential gain = %d, want 37", got)
	}
	if got := UnresolvedCount(mixed); got != 3 {
		t.Fatalf("mixed unresolved = %d, want 3", got)
	}
}

func TestSummarize(t *testing.T) {
	deals := []domain.Deal{
		{ID: "a", Value: decimal.RequireFromString("450000"), DaysInStage: 14, HealthScore: 72},
		{ID: "b", Value: decimal.RequireFromString("280000.50"), DaysInStage: 6, HealthScore: 40},
		{ID: "c", Value: decimal.RequireFromString("750000"), DaysInStage: 10, HealthScore: 91},
	}
	fields := map[string][]domain.MissingField{
		"a": {{Impact: 10}, {Impact: 15, Resolved: true}},
		"b": {{Impact: 5}, {Impact: 5}},
	}
	s := Summarize(DefaultThresholds, deals, fields)
	if s.DealCount != 3 {
		t.Fatalf("deal count %d", s.DealCount)
	}
	if !s.TotalValue.Equal(decimal.RequireFromString("1480000.50")) {
		t.Fatalf("total value %s", s.TotalValue)
	}
	if s.Healthy != 1 || s.Watch != 1 || s.AtRisk != 1 {
		t.Fatalf("status counts %+v", s)
	}
	if s.AvgDaysInStage != 10 {
		t.Fatalf("avg days %v", s.AvgDaysInStage)
	}
	if s.OpenFields != 3 || s.PotentialGain != 20 || s.DealsWithMissing != 2 {
		t.Fatalf("field figures %+v", s)
	}
	empty := Summarize(DefaultThresholds, nil, nil)
	if empty.DealCount != 0 || !empty.TotalValue.IsZero() {
		t.Fatalf("empty summary %+v", empty)
	}
}
