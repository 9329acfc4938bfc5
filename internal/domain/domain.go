package domain

import "github.com/shopspring/decimal"

// Pipeline stages in order.
var Stages = []string{"Discovery", "Qualification", "Proposal", "Negotiation", "Closed Won", "Closed Lost"}

type Deal struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	Value        decimal.Decimal `json:"value"`
	Stage        string          `json:"stage"`
	Owner        string          `json:"owner"`
	Account      string          `json:"account"`
	CloseDate    string          `json:"close_date" format:"date"`
	DaysInStage  int             `json:"days_in_stage"`
	HealthScore  int             `json:"health_score"`
	HealthStatus string          `json:"health_status" enum:"healthy,watch,at-risk"`
	HealthTrend  string          `json:"health_trend" enum:"up,down,stable"`
	Version      int64           `json:"version"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type MissingField struct {
	ID          string  `json:"id"`
	DealID      string  `json:"deal_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Impact      int     `json:"impact"`
	Resolved    bool    `json:"resolved"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type ScoreHistoryEntry struct {
	ID         string `json:"id"`
	DealID     string `json:"deal_id"`
	Score      int    `json:"score"`
	Status     string `json:"status"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type FieldResolution struct {
	ID          string `json:"id"`
	DealID      string `json:"deal_id"`
	FieldID     string `json:"field_id"`
	FieldName   string `json:"field_name"`
	ScoreImpact int    `json:"score_impact"`
	ActorID     string `json:"actor_id"`
	ResolvedAt  string `json:"resolved_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DealDetail is a deal together with its missing fields and the derived field figures.
type DealDetail struct {
	Deal            Deal           `json:"deal"`
	MissingFields   []MissingField `json:"missing_fields"`
	PotentialGain   int            `json:"potential_gain"`
	UnresolvedCount int            `json:"unresolved_count"`
}

// Resolution is the outcome of resolving one missing field.
type Resolution struct {
	FieldID       string `json:"field_id"`
	DealID        string `json:"deal_id"`
	PreviousScore int    `json:"previous_score"`
	Score         int    `json:"score"`
	Status        string `json:"status"`
	Trend         string `json:"trend"`
}

// ValidStage reports whether s is one of the pipeline stages.
func ValidStage(s string) bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}
