// Package listing filters and orders an in-memory deal list for display.
package listing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dealhealth/internal/domain"
	"dealhealth/internal/health"
)

type SortField string

const (
	SortNone        SortField = ""
	SortName        SortField = "name"
	SortValue       SortField = "value"
	SortHealthScore SortField = "health_score"
	SortCloseDate   SortField = "close_date"
)

type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Query holds filter and sort parameters. Zero values mean no restriction.
type Query struct {
	Search       string
	Stage        string
	HealthStatus string
	Owner        string
	SortBy       SortField
	Order        Order
}

// Validate rejects unknown sort keys, orders, stages and statuses.
func (q Query) Validate() error {
	switch q.SortBy {
	case SortNone, SortName, SortValue, SortHealthScore, SortCloseDate:
	default:
		return fmt.Errorf("invalid sort_by %q", q.SortBy)
	}
	switch q.Order {
	case "", Asc, Desc:
	default:
		return fmt.Errorf("invalid order %q", q.Order)
	}
	if q.Stage != "" && !domain.ValidStage(q.Stage) {
		return fmt.Errorf("invalid stage %q", q.Stage)
	}
	if q.HealthStatus != "" && !health.Status(q.HealthStatus).Valid() {
		return fmt.Errorf("invalid health_status %q", q.HealthStatus)
	}
	return nil
}

// Apply returns the deals matching q in the requested order. The input slice is not modified.
func Apply(deals []domain.Deal, q Query) []domain.Deal {
	res := make([]domain.Deal, 0, len(deals))
	for _, d := range deals {
		if matches(d, q) {
			res = append(res, d)
		}
	}
	if q.SortBy == SortNone {
		return res
	}
	less := lessFunc(q.SortBy)
	desc := q.Order == Desc
	sort.SliceStable(res, func(i, j int) bool {
		if desc {
			return less(res[j], res[i])
		}
		return less(res[i], res[j])
	})
	return res
}

func matches(d domain.Deal, q Query) bool {
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(d.Name), needle) &&
			!strings.Contains(strings.ToLower(d.Account), needle) &&
			!strings.Contains(strings.ToLower(d.Owner), needle) {
			return false
		}
	}
	if q.Stage != "" && d.Stage != q.Stage {
		return false
	}
	if q.HealthStatus != "" && d.HealthStatus != q.HealthStatus {
		return false
	}
	if q.Owner != "" && d.Owner != q.Owner {
		return false
	}
	return true
}

func lessFunc(field SortField) func(a, b domain.Deal) bool {
	switch field {
	case SortName:
		return func(a, b domain.Deal) bool { return a.Name < b.Name }
	case SortValue:
		return func(a, b domain.Deal) bool { return a.Value.LessThan(b.Value) }
	case SortHealthScore:
		return func(a, b domain.Deal) bool { return a.HealthScore < b.HealthScore }
	default:
		return func(a, b domain.Deal) bool { return closeTime(a).Before(closeTime(b)) }
	}
}

// closeTime parses the close date; unparseable dates sort first.
func closeTime(d domain.Deal) time.Time {
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, d.CloseDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Owners returns the distinct owners in first-seen order.
func Owners(deals []domain.Deal) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, d := range deals {
		if _, ok := seen[d.Owner]; ok {
			continue
		}
		seen[d.Owner] = struct{}{}
		out = append(out, d.Owner)
	}
	return out
}
