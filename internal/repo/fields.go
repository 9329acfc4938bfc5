package repo

import (
	"context"
	"database/sql"

	"dealhealth/internal/domain"
)

const fieldColumns = `id,deal_id,name,COALESCE(description,''),impact,resolved,resolved_at,created_at`

func scanField(row rowScanner) (domain.MissingField, error) {
	var f domain.MissingField
	var resolvedAt sql.NullString
	err := row.Scan(&f.ID, &f.DealID, &f.Name, &f.Description, &f.Impact, &f.Resolved, &resolvedAt, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if resolvedAt.Valid {
		ts := resolvedAt.String
		f.ResolvedAt = &ts
	}
	return f, nil
}

func (r Repo) InsertMissingFieldTx(ctx context.Context, tx *sql.Tx, f domain.MissingField) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missing_fields(id,deal_id,name,description,impact,resolved,resolved_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.DealID, f.Name, nullable(f.Description), f.Impact, f.Resolved, nullableStringPtr(f.ResolvedAt), f.CreatedAt)
	return err
}

func (r Repo) GetMissingField(ctx context.Context, id string) (domain.MissingField, error) {
	return scanField(r.DB.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM missing_fields WHERE id=?`, id))
}

func (r Repo) GetMissingFieldTx(ctx context.Context, tx *sql.Tx, id string) (domain.MissingField, error) {
	return scanField(tx.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM missing_fields WHERE id=?`, id))
}

// ListMissingFields returns a deal's fields in creation order.
func (r Repo) ListMissingFields(ctx context.Context, dealID string) ([]domain.MissingField, error) {
	return listFields(ctx, r.DB, `WHERE deal_id=?`, dealID)
}

// MissingFieldsByDeal groups fields by deal id, limited to deals owned by
// userID unless userID is empty.
func (r Repo) MissingFieldsByDeal(ctx context.Context, userID string) (map[string][]domain.MissingField, error) {
	var (
		fields []domain.MissingField
		err    error
	)
	if userID == "" {
		fields, err = listFields(ctx, r.DB, ``)
	} else {
		fields, err = listFields(ctx, r.DB, `WHERE deal_id IN (SELECT id FROM deals WHERE user_id=?)`, userID)
	}
	if err != nil {
		return nil, err
	}
	res := make(map[string][]domain.MissingField)
	for _, f := range fields {
		res[f.DealID] = append(res[f.DealID], f)
	}
	return res, nil
}

func listFields(ctx context.Context, q dbtx, where string, args ...any) ([]domain.MissingField, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fieldColumns+` FROM missing_fields `+where+` ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissingField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// MarkFieldResolvedTx flips an unresolved field to resolved. It returns
// ErrConflict when the field is already resolved.
func (r Repo) MarkFieldResolvedTx(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missing_fields SET resolved=1, resolved_at=? WHERE id=? AND resolved=0`, resolvedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
