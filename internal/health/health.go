// Package health derives deal health figures from raw deal and missing-field state.
// Everything here is pure; callers own persistence.
package health

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dealhealth/internal/domain"
)

type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWatch   Status = "watch"
	StatusAtRisk  Status = "at-risk"
)

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

const (
	MinScore = 0
	MaxScore = 100
)

// Thresholds holds the lower bounds of the healthy and watch buckets.
type Thresholds struct {
	Healthy int `yaml:"healthy" json:"healthy"`
	Watch   int `yaml:"watch" json:"watch"`
}

// DefaultThresholds are the 80/50 cutoffs.
var DefaultThresholds = Thresholds{Healthy: 80, Watch: 50}

func (t Thresholds) Validate() error {
	if t.Watch <= MinScore || t.Healthy > MaxScore || t.Watch >= t.Healthy {
		return fmt.Errorf("thresholds must satisfy 0 < watch < healthy <= 100 (got watch=%d healthy=%d)", t.Watch, t.Healthy)
	}
	return nil
}

// Status buckets score. It is the only place the cutoffs are applied.
func (t Thresholds) Status(score int) Status {
	switch {
	case score >= t.Healthy:
		return StatusHealthy
	case score >= t.Watch:
		return StatusWatch
	default:
		return StatusAtRisk
	}
}

// StatusFromScore buckets score with DefaultThresholds.
func StatusFromScore(score int) Status {
	return DefaultThresholds.Status(score)
}

// Rank orders statuses from worst (0) to best (2).
func (s Status) Rank() int {
	switch s {
	case StatusHealthy:
		return 2
	case StatusWatch:
		return 1
	default:
		return 0
	}
}

func (s Status) Valid() bool {
	return s == StatusHealthy || s == StatusWatch || s == StatusAtRisk
}

func (t Trend) Valid() bool {
	return t == TrendUp || t == TrendDown || t == TrendStable
}

// ValidScore reports whether score is within [0,100].
func ValidScore(score int) bool {
	return score >= MinScore && score <= MaxScore
}

func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ApplyFieldResolution credits impact to current, capped at 100.
// Negative impact is treated as zero so a resolution never lowers a score.
func ApplyFieldResolution(current, impact int) int {
	if impact < 0 {
		impact = 0
	}
	return ClampScore(current + impact)
}

// TrendBetween compares two consecutive scores.
func TrendBetween(prev, next int) Trend {
	switch {
	case next > prev:
		return TrendUp
	case next < prev:
		return TrendDown
	default:
		return TrendStable
	}
}

// PotentialGain sums the impact of unresolved fields.
func PotentialGain(fields []domain.MissingField) int {
	total := 0
	for _, f := range fields {
		if !f.Resolved {
			total += f.Impact
		}
	}
	return total
}

func UnresolvedCount(fields []domain.MissingField) int {
	n := 0
	for _, f := range fields {
		if !f.Resolved {
			n++
		}
	}
	return n
}

// Summary aggregates pipeline figures over a set of deals.
type Summary struct {
	DealCount        int             `json:"deal_count"`
	TotalValue       decimal.Decimal `json:"total_value"`
	Healthy          int             `json:"healthy"`
	Watch            int             `json:"watch"`
	AtRisk           int             `json:"at_risk"`
	AvgDaysInStage   float64         `json:"avg_days_in_stage"`
	AvgHealthScore   float64         `json:"avg_health_score"`
	OpenFields       int             `json:"open_fields"`
	PotentialGain    int             `json:"potential_gain"`
	DealsWithMissing int             `json:"deals_with_missing"`
}

// Summarize computes pipeline figures. fields maps deal id to its missing fields;
// statuses are recomputed from scores with t rather than read from the rows.
func Summarize(t Thresholds, deals []domain.Deal, fields map[string][]domain.MissingField) Summary {
	s := Summary{TotalValue: decimal.Zero}
	if len(deals) == 0 {
		return s
	}
	var days, scores int
	for _, d := range deals {
		s.DealCount++
		s.TotalValue = s.TotalValue.Add(d.Value)
		days += d.DaysInStage
		scores += d.HealthScore
		switch t.Status(d.HealthScore) {
		case StatusHealthy:
			s.Healthy++
		case StatusWatch:
			s.Watch++
		default:
			s.AtRisk++
		}
		open := UnresolvedCount(fields[d.ID])
		if open > 0 {
			s.DealsWithMissing++
		}
		s.OpenFields += open
		s.PotentialGain += PotentialGain(fields[d.ID])
	}
	s.AvgDaysInStage = float64(days) / float64(s.DealCount)
	s.AvgHealthScore = float64(scores) / float64(s.DealCount)
	return s
}
