package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dealhealth/internal/domain"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/events"
	"dealhealth/internal/health"
	"dealhealth/internal/repo"
)

// ResolveField marks one missing field resolved and credits its impact to the
// deal score. The field update, both history rows, the score write and the
// audit event commit together or not at all.
func (e Engine) ResolveField(ctx context.Context, caller auth.Caller, dealID, fieldID string) (domain.Resolution, error) {
	dealID = strings.TrimSpace(dealID)
	fieldID = strings.TrimSpace(fieldID)
	if dealID == "" || fieldID == "" {
		return domain.Resolution{}, validationf("deal id and field id are required")
	}
	var out domain.Resolution
	logFields := []zap.Field{zap.String("deal_id", dealID), zap.String("field_id", fieldID), zap.String("actor_id", caller.ActorID)}
	err := e.runTx(ctx, "resolve_field", logFields, func(ctx context.Context, tx *sql.Tx, st *txStep) error {
		deal, err := e.visibleDeal(ctx, caller, func() (domain.Deal, error) { return e.Repo.GetDealTx(ctx, tx, dealID) })
		if err != nil {
			return st.fail("load_deal", err)
		}
		if err := e.Auth.CanWriteFields(caller, deal, auth.PermFieldResolve); err != nil {
			return err
		}
		field, err := e.Repo.GetMissingFieldTx(ctx, tx, fieldID)
		if err != nil {
			return st.fail("load_field", err)
		}
		if field.DealID != dealID {
			// A field on a deal the caller cannot see does not exist for them.
			owner, err := e.Repo.GetDealTx(ctx, tx, field.DealID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return st.fail("load_field_deal", err)
			}
			if err != nil || !e.Auth.CanSee(caller, owner) {
				return st.fail("load_field", repo.ErrNotFound)
			}
			return st.fail("precondition", preconditionf("field %s does not belong to deal %s", fieldID, dealID))
		}
		if field.Resolved {
			return st.fail("precondition", preconditionf("field %s is already resolved", fieldID))
		}
		if field.Impact < 0 {
			return st.fail("precondition", validationf("field %s has negative impact %d", fieldID, field.Impact))
		}
		now := e.timestamp()

		// A: mark resolved.
		if err := e.Repo.MarkFieldResolvedTx(ctx, tx, fieldID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return st.fail("mark_resolved", preconditionf("field %s is already resolved", fieldID))
			}
			return st.fail("mark_resolved", fmt.Errorf("mark field resolved: %w", err))
		}
		// B: resolution audit.
		if err := e.Repo.InsertFieldResolutionTx(ctx, tx, domain.FieldResolution{
			ID:          newHistoryID(),
			DealID:      dealID,
			FieldID:     fieldID,
			FieldName:   field.Name,
			ScoreImpact: field.Impact,
			ActorID:     caller.ActorID,
			ResolvedAt:  now,
		}); err != nil {
			return st.fail("insert_resolution", fmt.Errorf("insert resolution history: %w", err))
		}
		// C: recompute from the score read in this transaction.
		score := health.ApplyFieldResolution(deal.HealthScore, field.Impact)
		status := e.thresholds().Status(score)
		trend := health.TrendUp
		// D: compare-and-swap on the version read above.
		if err := e.Repo.UpdateDealHealthTx(ctx, tx, dealID, deal.Version, score, string(status), string(trend), now); err != nil {
			return st.fail("update_score", err)
		}
		// E: score history.
		if err := e.Repo.InsertScoreHistoryTx(ctx, tx, domain.ScoreHistoryEntry{
			ID: newHistoryID(), DealID: dealID, Score: score, Status: string(status), RecordedAt: now,
		}); err != nil {
			return st.fail("insert_score_history", fmt.Errorf("insert score history: %w", err))
		}
		if err := e.eventWriter().Append(ctx, tx, events.FieldResolved, "deal", dealID, caller.ActorID, events.EventPayload{
			"field_id":       fieldID,
			"field_name":     field.Name,
			"impact":         field.Impact,
			"previous_score": deal.HealthScore,
			"score":          score,
		}); err != nil {
			return st.fail("append_event", err)
		}
		out = domain.Resolution{
			FieldID:       fieldID,
			DealID:        dealID,
			PreviousScore: deal.HealthScore,
			Score:         score,
			Status:        string(status),
			Trend:         string(trend),
		}
		return nil
	})
	if err != nil {
		return domain.Resolution{}, err
	}
	e.logger().Info("field resolved", append(logFields, zap.Int("previous_score", out.PreviousScore), zap.Int("score", out.Score))...)
	return out, nil
}
