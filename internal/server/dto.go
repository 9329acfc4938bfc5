package server

import (
	"encoding/json"

	"dealhealth/internal/domain"
	"dealhealth/internal/health"
)

// Request payloads

type CreateDealRequest struct {
	Name        string `json:"name" minLength:"1"`
	Value       string `json:"value" pattern:"^[0-9]+(\\.[0-9]+)?$" example:"280000.00"`
	Stage       string `json:"stage,omitempty" enum:"Discovery,Qualification,Proposal,Negotiation,Closed Won,Closed Lost"`
	Owner       string `json:"owner,omitempty"`
	Account     string `json:"account" minLength:"1"`
	CloseDate   string `json:"close_date" format:"date"`
	DaysInStage int    `json:"days_in_stage,omitempty" minimum:"0"`
	HealthScore *int   `json:"health_score,omitempty" minimum:"0" maximum:"100"`
	// SkipStarterFields creates the deal without the configured starter fields.
	SkipStarterFields bool `json:"skip_starter_fields,omitempty"`
}

type UpdateDealRequest struct {
	Name        *string `json:"name,omitempty"`
	Value       *string `json:"value,omitempty" pattern:"^[0-9]+(\\.[0-9]+)?$"`
	Stage       *string `json:"stage,omitempty" enum:"Discovery,Qualification,Proposal,Negotiation,Closed Won,Closed Lost"`
	Owner       *string `json:"owner,omitempty"`
	Account     *string `json:"account,omitempty"`
	CloseDate   *string `json:"close_date,omitempty" format:"date"`
	DaysInStage *int    `json:"days_in_stage,omitempty" minimum:"0"`
	HealthScore *int    `json:"health_score,omitempty" minimum:"0" maximum:"100"`
	Version     *int64  `json:"version,omitempty" doc:"Reject the update unless the deal is still at this version"`
}

type CreateFieldRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Impact      int    `json:"impact" minimum:"0" maximum:"100"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type DealResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Value        string `json:"value" example:"280000.00"`
	Stage        string `json:"stage"`
	Owner        string `json:"owner"`
	Account      string `json:"account"`
	CloseDate    string `json:"close_date" format:"date"`
	DaysInStage  int    `json:"days_in_stage"`
	HealthScore  int    `json:"health_score"`
	HealthStatus string `json:"health_status" enum:"healthy,watch,at-risk"`
	HealthTrend  string `json:"health_trend" enum:"up,down,stable"`
	Version      int64  `json:"version"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type DealDetailResponse struct {
	Deal            DealResponse          `json:"deal"`
	MissingFields   []domain.MissingField `json:"missing_fields"`
	PotentialGain   int                   `json:"potential_gain"`
	UnresolvedCount int                   `json:"unresolved_count"`
}

type SummaryResponse struct {
	DealCount        int     `json:"deal_count"`
	TotalValue       string  `json:"total_value"`
	Healthy          int     `json:"healthy"`
	Watch            int     `json:"watch"`
	AtRisk           int     `json:"at_risk"`
	AvgDaysInStage   float64 `json:"avg_days_in_stage"`
	AvgHealthScore   float64 `json:"avg_health_score"`
	OpenFields       int     `json:"open_fields"`
	PotentialGain    int     `json:"potential_gain"`
	DealsWithMissing int     `json:"deals_with_missing"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedDeals struct {
	Items  []DealResponse `json:"items"`
	Total  int            `json:"total"`
	Owners []string       `json:"owners"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func dealResponse(d domain.Deal) DealResponse {
	return DealResponse{
		ID:           d.ID,
		UserID:       d.UserID,
		Name:         d.Name,
		Value:        d.Value.StringFixed(2),
		Stage:        d.Stage,
		Owner:        d.Owner,
		Account:      d.Account,
		CloseDate:    d.CloseDate,
		DaysInStage:  d.DaysInStage,
		HealthScore:  d.HealthScore,
		HealthStatus: d.HealthStatus,
		HealthTrend:  d.HealthTrend,
		Version:      d.Version,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func mapDeals(items []domain.Deal) []DealResponse {
	res := make([]DealResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dealResponse(d))
	}
	return res
}

func dealDetailResponse(d domain.DealDetail) DealDetailResponse {
	return DealDetailResponse{
		Deal:            dealResponse(d.Deal),
		MissingFields:   nonNilSlice(d.MissingFields),
		PotentialGain:   d.PotentialGain,
		UnresolvedCount: d.UnresolvedCount,
	}
}

func summaryResponse(s health.Summary) SummaryResponse {
	return SummaryResponse{
		DealCount:        s.DealCount,
		TotalValue:       s.TotalValue.StringFixed(2),
		Healthy:          s.Healthy,
		Watch:            s.Watch,
		AtRisk:           s.AtRisk,
		AvgDaysInStage:   s.AvgDaysInStage,
		AvgHealthScore:   s.AvgHealthScore,
		OpenFields:       s.OpenFields,
		PotentialGain:    s.PotentialGain,
		DealsWithMissing: s.DealsWithMissing,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
