package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"dealhealth/internal/domain"
	"dealhealth/internal/engine"
	"dealhealth/internal/listing"
)

var crudErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

type dealPath struct {
	DealID string `path:"deal_id"`
}

func parseValue(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "validation_failed", "invalid value", map[string]any{"value": raw})
	}
	return v, nil
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
		Description: "Lists the caller's deals, filtered and sorted. Sorting is stable; ties keep creation order.",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		Search       string `query:"search" doc:"Case-insensitive match on name, account or owner"`
		Stage        string `query:"stage"`
		HealthStatus string `query:"health_status" enum:"healthy,watch,at-risk"`
		Owner        string `query:"owner"`
		SortBy       string `query:"sort_by" enum:"name,value,health_score,close_date" default:"close_date"`
		Order        string `query:"order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body paginatedDeals `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deals, err := e.ListDeals(ctx, caller, listing.Query{
			Search:       input.Search,
			Stage:        input.Stage,
			HealthStatus: input.HealthStatus,
			Owner:        input.Owner,
			SortBy:       listing.SortField(input.SortBy),
			Order:        listing.Order(input.Order),
		})
		if err != nil {
			return nil, handleError(err)
		}
		owners, err := e.DealOwners(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDeals `json:"body"`
		}{Body: paginatedDeals{Items: mapDeals(deals), Total: len(deals), Owners: owners}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		value, err := parseValue(input.Body.Value)
		if err != nil {
			return nil, err
		}
		d, err := e.CreateDeal(ctx, caller, engine.DealCreateOptions{
			Name:            input.Body.Name,
			Value:           value,
			Stage:           input.Body.Stage,
			Owner:           input.Body.Owner,
			Account:         input.Body.Account,
			CloseDate:       input.Body.CloseDate,
			DaysInStage:     input.Body.DaysInStage,
			HealthScore:     input.Body.HealthScore,
			NoStarterFields: input.Body.SkipStarterFields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal with missing fields",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body DealDetailResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.DealDetail(ctx, caller, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealDetailResponse `json:"body"`
		}{Body: dealDetailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal",
		Method:      http.MethodPatch,
		Path:        "/deals/{deal_id}",
		Summary:     "Update deal",
		Description: "Partial update. Changing health_score recomputes status and trend and records score history.",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   UpdateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DealUpdateOptions{
			Name:        input.Body.Name,
			Stage:       input.Body.Stage,
			Owner:       input.Body.Owner,
			Account:     input.Body.Account,
			CloseDate:   input.Body.CloseDate,
			DaysInStage: input.Body.DaysInStage,
			HealthScore: input.Body.HealthScore,
			Version:     input.Body.Version,
		}
		if input.Body.Value != nil {
			v, err := parseValue(*input.Body.Value)
			if err != nil {
				return nil, err
			}
			opts.Value = &v
		}
		d, err := e.UpdateDeal(ctx, caller, input.DealID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-deal",
		Method:        http.MethodDelete,
		Path:          "/deals/{deal_id}",
		Summary:       "Delete deal with its fields and history",
		DefaultStatus: http.StatusNoContent,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *dealPath) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDeal(ctx, caller, input.DealID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFields(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-fields",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/fields",
		Summary:     "List missing fields of a deal",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body []domain.MissingField `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields, err := e.ListMissingFields(ctx, caller, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MissingField `json:"body"`
		}{Body: nonNilSlice(fields)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-field",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/fields",
		Summary:       "Add a missing field to a deal",
		DefaultStatus: http.StatusCreated,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *struct {
		DealID string             `path:"deal_id"`
		Body   CreateFieldRequest `json:"body"`
	}) (*struct {
		Body domain.MissingField `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddMissingField(ctx, caller, input.DealID, engine.FieldCreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Impact:      input.Body.Impact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissingField `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-field",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/fields/{field_id}/resolve",
		Summary:     "Resolve a missing field",
		Description: "Marks the field resolved, credits its impact to the deal score (capped at 100) and records history atomically. " +
			"Resolving an already resolved field returns 409 precondition_failed.",
		Errors: crudErrors,
	}, func(ctx context.Context, input *struct {
		DealID  string `path:"deal_id"`
		FieldID string `path:"field_id"`
	}) (*struct {
		Body domain.Resolution `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveField(ctx, caller, input.DealID, input.FieldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resolution `json:"body"`
		}{Body: res}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "score-history",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/history",
		Summary:     "Score history of a deal",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body []domain.ScoreHistoryEntry `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ScoreHistory(ctx, caller, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScoreHistoryEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolution-history",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/resolutions",
		Summary:     "Field resolution audit trail of a deal",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body []domain.FieldResolution `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ResolutionHistory(ctx, caller, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FieldResolution `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Pipeline summary over the caller's deals",
		Errors:      crudErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Summary(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type" enum:"deal.created,deal.updated,deal.deleted,field.added,field.resolved"`
		DealID string `query:"deal_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, caller, engine.EventQuery{Limit: limit + 1, Cursor: cursorID, Type: input.Type, DealID: input.DealID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
