package repo

import (
	"context"
	"database/sql"

	"dealhealth/internal/domain"
)

func (r Repo) InsertScoreHistoryTx(ctx context.Context, tx *sql.Tx, h domain.ScoreHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO health_score_history(id,deal_id,score,status,recorded_at) VALUES (?,?,?,?,?)`,
		h.ID, h.DealID, h.Score, h.Status, h.RecordedAt)
	return err
}

// ListScoreHistory returns a deal's score history oldest first. Ids are ULIDs
// so id order is recording order.
func (r Repo) ListScoreHistory(ctx context.Context, dealID string) ([]domain.ScoreHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,score,status,recorded_at FROM health_score_history WHERE deal_id=? ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreHistoryEntry
	for rows.Next() {
		var h domain.ScoreHistoryEntry
		if err := rows.Scan(&h.ID, &h.DealID, &h.Score, &h.Status, &h.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) InsertFieldResolutionTx(ctx context.Context, tx *sql.Tx, h domain.FieldResolution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO field_resolution_history(id,deal_id,field_id,field_name,score_impact,actor_id,resolved_at) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.DealID, h.FieldID, h.FieldName, h.ScoreImpact, h.ActorID, h.ResolvedAt)
	return err
}

// ListFieldResolutions returns a deal's resolution audit trail oldest first.
func (r Repo) ListFieldResolutions(ctx context.Context, dealID string) ([]domain.FieldResolution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,field_id,field_name,score_impact,actor_id,resolved_at FROM field_resolution_history WHERE deal_id=? ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldResolution
	for rows.Next() {
		var h domain.FieldResolution
		if err := rows.Scan(&h.ID, &h.DealID, &h.FieldID, &h.FieldName, &h.ScoreImpact, &h.ActorID, &h.ResolvedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
