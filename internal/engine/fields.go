package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealhealth/internal/domain"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/events"
)

// FieldCreateOptions describes a missing field to attach to a deal.
type FieldCreateOptions struct {
	Name        string
	Description string
	Impact      int
}

func (e Engine) AddMissingField(ctx context.Context, caller auth.Caller, dealID string, opts FieldCreateOptions) (domain.MissingField, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if strings.TrimSpace(dealID) == "" {
		return domain.MissingField{}, validationf("deal id is required")
	}
	if opts.Name == "" {
		return domain.MissingField{}, validationf("field name is required")
	}
	if opts.Impact < 0 {
		return domain.MissingField{}, validationf("impact must be >= 0, got %d", opts.Impact)
	}
	f := domain.MissingField{
		ID:          uuid.NewString(),
		DealID:      dealID,
		Name:        opts.Name,
		Description: strings.TrimSpace(opts.Description),
		Impact:      opts.Impact,
	}
	err := e.runTx(ctx, "add_field", []zap.Field{zap.String("deal_id", dealID), zap.String("field_id", f.ID)}, func(ctx context.Context, tx *sql.Tx, st *txStep) error {
		d, err := e.visibleDeal(ctx, caller, func() (domain.Deal, error) { return e.Repo.GetDealTx(ctx, tx, dealID) })
		if err != nil {
			return st.fail("load_deal", err)
		}
		if err := e.Auth.CanWriteFields(caller, d, auth.PermFieldCreate); err != nil {
			return err
		}
		f.CreatedAt = e.timestamp()
		if err := e.Repo.InsertMissingFieldTx(ctx, tx, f); err != nil {
			return st.fail("insert_field", fmt.Errorf("insert field: %w", err))
		}
		return st.fail("append_event", e.eventWriter().Append(ctx, tx, events.FieldAdded, "deal", dealID, caller.ActorID, events.EventPayload{
			"field_id": f.ID, "name": f.Name, "impact": f.Impact,
		}))
	})
	if err != nil {
		return domain.MissingField{}, err
	}
	return f, nil
}

// ListMissingFields returns every field of a deal, resolved ones included.
func (e Engine) ListMissingFields(ctx context.Context, caller auth.Caller, dealID string) ([]domain.MissingField, error) {
	if _, err := e.GetDeal(ctx, caller, dealID); err != nil {
		return nil, err
	}
	fields, err := e.Repo.ListMissingFields(ctx, dealID)
	if err != nil {
		return nil, storeErr(err)
	}
	if fields == nil {
		fields = []domain.MissingField{}
	}
	return fields, nil
}
