package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dealhealth/internal/domain"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/events"
	"dealhealth/internal/health"
	"dealhealth/internal/listing"
	"dealhealth/internal/repo"
)

// DealCreateOptions are parameters for creating a deal.
type DealCreateOptions struct {
	Name        string
	Value       decimal.Decimal
	Stage       string
	Owner       string
	Account     string
	CloseDate   string
	DaysInStage int
	// HealthScore overrides the configured default score when set.
	HealthScore *int
	// NoStarterFields skips seeding the configured starter fields.
	NoStarterFields bool
}

func validateCloseDate(s string) error {
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return validationf("close_date must be YYYY-MM-DD, got %q", s)
	}
	return nil
}

func validateValue(v decimal.Decimal) error {
	if v.IsNegative() {
		return validationf("value must be non-negative")
	}
	return nil
}

func (e Engine) CreateDeal(ctx context.Context, caller auth.Caller, opts DealCreateOptions) (domain.Deal, error) {
	if err := e.Auth.Require(caller, auth.PermDealCreate); err != nil {
		return domain.Deal{}, err
	}
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Account = strings.TrimSpace(opts.Account)
	opts.Owner = strings.TrimSpace(opts.Owner)
	if opts.Name == "" {
		return domain.Deal{}, validationf("name is required")
	}
	if opts.Account == "" {
		return domain.Deal{}, validationf("account is required")
	}
	if opts.Owner == "" {
		opts.Owner = caller.ActorID
	}
	if opts.Stage == "" {
		opts.Stage = domain.Stages[0]
	}
	if !domain.ValidStage(opts.Stage) {
		return domain.Deal{}, validationf("invalid stage %q", opts.Stage)
	}
	if err := validateValue(opts.Value); err != nil {
		return domain.Deal{}, err
	}
	if err := validateCloseDate(opts.CloseDate); err != nil {
		return domain.Deal{}, err
	}
	if opts.DaysInStage < 0 {
		return domain.Deal{}, validationf("days_in_stage must be >= 0")
	}
	score := e.Config.Health.DefaultScore
	if opts.HealthScore != nil {
		score = *opts.HealthScore
	}
	if !health.ValidScore(score) {
		return domain.Deal{}, validationf("health_score must be within [0,100], got %d", score)
	}

	now := e.timestamp()
	deal := domain.Deal{
		ID:           uuid.NewString(),
		UserID:       caller.ActorID,
		Name:         opts.Name,
		Value:        opts.Value,
		Stage:        opts.Stage,
		Owner:        opts.Owner,
		Account:      opts.Account,
		CloseDate:    opts.CloseDate,
		DaysInStage:  opts.DaysInStage,
		HealthScore:  score,
		HealthStatus: string(e.thresholds().Status(score)),
		HealthTrend:  string(health.TrendStable),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.runTx(ctx, "create_deal", []zap.Field{zap.String("deal_id", deal.ID)}, func(ctx context.Context, tx *sql.Tx, st *txStep) error {
		if err := e.Repo.InsertDealTx(ctx, tx, deal); err != nil {
			return st.fail("insert_deal", fmt.Errorf("insert deal: %w", err))
		}
		if !opts.NoStarterFields {
			for _, sf := range e.Config.Health.StarterFields {
				f := domain.MissingField{
					ID:          uuid.NewString(),
					DealID:      deal.ID,
					Name:        sf.Name,
					Description: sf.Description,
					Impact:      sf.Impact,
					CreatedAt:   now,
				}
				if err := e.Repo.InsertMissingFieldTx(ctx, tx, f); err != nil {
					return st.fail("insert_starter_field", fmt.Errorf("insert starter field %s: %w", sf.Name, err))
				}
			}
		}
		if err := e.Repo.InsertScoreHistoryTx(ctx, tx, domain.ScoreHistoryEntry{
			ID: newHistoryID(), DealID: deal.ID, Score: deal.HealthScore, Status: deal.HealthStatus, RecordedAt: now,
		}); err != nil {
			return st.fail("insert_score_history", fmt.Errorf("insert score history: %w", err))
		}
		return st.fail("append_event", e.eventWriter().Append(ctx, tx, events.DealCreated, "deal", deal.ID, caller.ActorID, events.EventPayload{
			"name": deal.Name, "stage": deal.Stage, "health_score": deal.HealthScore,
		}))
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return deal, nil
}

// visibleDeal loads a deal the caller may read. Deals owned by someone else
// are reported as not found unless the caller reads every deal.
func (e Engine) visibleDeal(ctx context.Context, caller auth.Caller, load func() (domain.Deal, error)) (domain.Deal, error) {
	if err := e.Auth.Require(caller, auth.PermDealRead); err != nil {
		return domain.Deal{}, err
	}
	d, err := load()
	if err != nil {
		return domain.Deal{}, err
	}
	if !e.Auth.CanSee(caller, d) {
		return domain.Deal{}, repo.ErrNotFound
	}
	return d, nil
}

func (e Engine) GetDeal(ctx context.Context, caller auth.Caller, id string) (domain.Deal, error) {
	d, err := e.visibleDeal(ctx, caller, func() (domain.Deal, error) { return e.Repo.GetDeal(ctx, id) })
	return d, storeErr(err)
}

// DealDetail returns a deal with its missing fields and derived figures.
func (e Engine) DealDetail(ctx context.Context, caller auth.Caller, id string) (domain.DealDetail, error) {
	d, err := e.GetDeal(ctx, caller, id)
	if err != nil {
		return domain.DealDetail{}, err
	}
	fields, err := e.Repo.ListMissingFields(ctx, id)
	if err != nil {
		return domain.DealDetail{}, storeErr(err)
	}
	if fields == nil {
		fields = []domain.MissingField{}
	}
	return domain.DealDetail{
		Deal:            d,
		MissingFields:   fields,
		PotentialGain:   health.PotentialGain(fields),
		UnresolvedCount: health.UnresolvedCount(fields),
	}, nil
}

// ListDeals returns the caller's visible deals filtered and ordered by q.
func (e Engine) ListDeals(ctx context.Context, caller auth.Caller, q listing.Query) ([]domain.Deal, error) {
	if err := e.Auth.Require(caller, auth.PermDealRead); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err.Error())
	}
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{UserID: e.Auth.ReadScope(caller)})
	if err != nil {
		return nil, storeErr(err)
	}
	return listing.Apply(deals, q), nil
}

// DealOwners returns the distinct owners across the caller's visible deals.
func (e Engine) DealOwners(ctx context.Context, caller auth.Caller) ([]string, error) {
	if err := e.Auth.Require(caller, auth.PermDealRead); err != nil {
		return nil, err
	}
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{UserID: e.Auth.ReadScope(caller)})
	if err != nil {
		return nil, storeErr(err)
	}
	return listing.Owners(deals), nil
}

// DealUpdateOptions is a partial update. Nil fields are left unchanged.
type DealUpdateOptions struct {
	Name        *string
	Value       *decimal.Decimal
	Stage       *string
	Owner       *string
	Account     *string
	CloseDate   *string
	DaysInStage *int
	HealthScore *int
	// Version, when set, must match the stored version.
	Version *int64
}

func (o DealUpdateOptions) validate() error {
	if o.Name != nil && strings.TrimSpace(*o.Name) == "" {
		return validationf("name cannot be empty")
	}
	if o.Account != nil && strings.TrimSpace(*o.Account) == "" {
		return validationf("account cannot be empty")
	}
	if o.Owner != nil && strings.TrimSpace(*o.Owner) == "" {
		return validationf("owner cannot be empty")
	}
	if o.Value != nil {
		if err := validateValue(*o.Value); err != nil {
			return err
		}
	}
	if o.Stage != nil && !domain.ValidStage(*o.Stage) {
		return validationf("invalid stage %q", *o.Stage)
	}
	if o.CloseDate != nil {
		if err := validateCloseDate(*o.CloseDate); err != nil {
			return err
		}
	}
	if o.DaysInStage != nil && *o.DaysInStage < 0 {
		return validationf("days_in_stage must be >= 0")
	}
	if o.HealthScore != nil && !health.ValidScore(*o.HealthScore) {
		return validationf("health_score must be within [0,100], got %d", *o.HealthScore)
	}
	return nil
}

// UpdateDeal applies a partial update. A manual score change recomputes the
// status, derives the trend from the previous score and records history.
func (e Engine) UpdateDeal(ctx context.Context, caller auth.Caller, id string, opts DealUpdateOptions) (domain.Deal, error) {
	if err := opts.validate(); err != nil {
		return domain.Deal{}, err
	}
	var updated domain.Deal
	err := e.runTx(ctx, "update_deal", []zap.Field{zap.String("deal_id", id)}, func(ctx context.Context, tx *sql.Tx, st *txStep) error {
		d, err := e.visibleDeal(ctx, caller, func() (domain.Deal, error) { return e.Repo.GetDealTx(ctx, tx, id) })
		if err != nil {
			return st.fail("load_deal", err)
		}
		if err := e.Auth.CanWriteDeal(caller, d, auth.PermDealUpdate); err != nil {
			return err
		}
		if opts.Version != nil && *opts.Version != d.Version {
			return preconditionf("deal %s is at version %d, not %d", id, d.Version, *opts.Version)
		}
		patch := repo.DealPatch{
			Name:        trimmed(opts.Name),
			Value:       opts.Value,
			Stage:       opts.Stage,
			Owner:       trimmed(opts.Owner),
			Account:     trimmed(opts.Account),
			CloseDate:   opts.CloseDate,
			DaysInStage: opts.DaysInStage,
		}
		scoreChanged := opts.HealthScore != nil && *opts.HealthScore != d.HealthScore
		if scoreChanged {
			status := string(e.thresholds().Status(*opts.HealthScore))
			trend := string(health.TrendBetween(d.HealthScore, *opts.HealthScore))
			patch.HealthScore = opts.HealthScore
			patch.HealthStatus = &status
			patch.HealthTrend = &trend
		}
		if patch.Empty() {
			updated = d
			return nil
		}
		now := e.timestamp()
		if err := e.Repo.UpdateDealTx(ctx, tx, id, patch, now); err != nil {
			return st.fail("update_deal", fmt.Errorf("update deal: %w", err))
		}
		if scoreChanged {
			if err := e.Repo.InsertScoreHistoryTx(ctx, tx, domain.ScoreHistoryEntry{
				ID: newHistoryID(), DealID: id, Score: *patch.HealthScore, Status: *patch.HealthStatus, RecordedAt: now,
			}); err != nil {
				return st.fail("insert_score_history", fmt.Errorf("insert score history: %w", err))
			}
		}
		var changed []string
		for name, set := range map[string]bool{
			"name": patch.Name != nil, "value": patch.Value != nil, "stage": patch.Stage != nil,
			"owner": patch.Owner != nil, "account": patch.Account != nil, "close_date": patch.CloseDate != nil,
			"days_in_stage": patch.DaysInStage != nil, "health_score": scoreChanged,
		} {
			if set {
				changed = append(changed, name)
			}
		}
		sort.Strings(changed)
		if err := e.eventWriter().Append(ctx, tx, events.DealUpdated, "deal", id, caller.ActorID, events.EventPayload{"changed": changed}); err != nil {
			return st.fail("append_event", err)
		}
		updated, err = e.Repo.GetDealTx(ctx, tx, id)
		return st.fail("reload_deal", err)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return updated, nil
}

// DeleteDeal removes a deal with its fields and history.
func (e Engine) DeleteDeal(ctx context.Context, caller auth.Caller, id string) error {
	return e.runTx(ctx, "delete_deal", []zap.Field{zap.String("deal_id", id)}, func(ctx context.Context, tx *sql.Tx, st *txStep) error {
		d, err := e.visibleDeal(ctx, caller, func() (domain.Deal, error) { return e.Repo.GetDealTx(ctx, tx, id) })
		if err != nil {
			return st.fail("load_deal", err)
		}
		if err := e.Auth.CanWriteDeal(caller, d, auth.PermDealDelete); err != nil {
			return err
		}
		if err := e.Repo.DeleteDealTx(ctx, tx, id); err != nil {
			return st.fail("delete_deal", err)
		}
		return st.fail("append_event", e.eventWriter().Append(ctx, tx, events.DealDeleted, "deal", id, caller.ActorID, events.EventPayload{"name": d.Name}))
	})
}

// Summary aggregates the caller's visible pipeline.
func (e Engine) Summary(ctx context.Context, caller auth.Caller) (health.Summary, error) {
	if err := e.Auth.Require(caller, auth.PermDealRead); err != nil {
		return health.Summary{}, err
	}
	scope := e.Auth.ReadScope(caller)
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{UserID: scope})
	if err != nil {
		return health.Summary{}, storeErr(err)
	}
	fields, err := e.Repo.MissingFieldsByDeal(ctx, scope)
	if err != nil {
		return health.Summary{}, storeErr(err)
	}
	return health.Summarize(e.thresholds(), deals, fields), nil
}

// ScoreHistory returns the deal's recorded scores oldest first.
func (e Engine) ScoreHistory(ctx context.Context, caller auth.Caller, dealID string) ([]domain.ScoreHistoryEntry, error) {
	if _, err := e.GetDeal(ctx, caller, dealID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListScoreHistory(ctx, dealID)
	return res, storeErr(err)
}

// ResolutionHistory returns the deal's field resolution audit trail oldest first.
func (e Engine) ResolutionHistory(ctx context.Context, caller auth.Caller, dealID string) ([]domain.FieldResolution, error) {
	if _, err := e.GetDeal(ctx, caller, dealID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListFieldResolutions(ctx, dealID)
	return res, storeErr(err)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
