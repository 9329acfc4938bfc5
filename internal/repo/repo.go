package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dealhealth/internal/domain"
	"dealhealth/internal/health"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a guarded update that matched no row: a stale version
	// or a field that is already resolved.
	ErrConflict = errors.New("conflict")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const dealColumns = `id,user_id,name,value,stage,owner,account,close_date,days_in_stage,health_score,health_status,health_trend,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (domain.Deal, error) {
	var d domain.Deal
	var value string
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &value, &d.Stage, &d.Owner, &d.Account, &d.CloseDate,
		&d.DaysInStage, &d.HealthScore, &d.HealthStatus, &d.HealthTrend, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Value, err = decimal.NewFromString(value)
	if err != nil {
		return d, fmt.Errorf("deal %s value %q: %w", d.ID, value, err)
	}
	if !health.Trend(d.HealthTrend).Valid() {
		return d, fmt.Errorf("deal %s has unknown health trend %q", d.ID, d.HealthTrend)
	}
	return d, nil
}

func (r Repo) InsertDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.UserID, d.Name, d.Value.String(), d.Stage, d.Owner, d.Account, d.CloseDate,
		d.DaysInStage, d.HealthScore, d.HealthStatus, d.HealthTrend, d.Version, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	return getDeal(ctx, r.DB, id)
}

func (r Repo) GetDealTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deal, error) {
	return getDeal(ctx, tx, id)
}

func getDeal(ctx context.Context, q dbtx, id string) (domain.Deal, error) {
	return scanDeal(q.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id))
}

// DealFilters scopes a deal listing. An empty UserID lists every deal.
type DealFilters struct {
	UserID string
}

// ListDeals returns deals newest first.
func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals`
	var args []any
	if f.UserID != "" {
		query += ` WHERE user_id=?`
		args = append(args, f.UserID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// DealPatch holds the columns a partial update touches. Nil means unchanged.
type DealPatch struct {
	Name         *string
	Value        *decimal.Decimal
	Stage        *string
	Owner        *string
	Account      *string
	CloseDate    *string
	DaysInStage  *int
	HealthScore  *int
	HealthStatus *string
	HealthTrend  *string
}

func (p DealPatch) Empty() bool {
	return p.Name == nil && p.Value == nil && p.Stage == nil && p.Owner == nil && p.Account == nil &&
		p.CloseDate == nil && p.DaysInStage == nil && p.HealthScore == nil && p.HealthStatus == nil && p.HealthTrend == nil
}

// UpdateDealTx applies a partial update and bumps the version.
func (r Repo) UpdateDealTx(ctx context.Context, tx *sql.Tx, id string, p DealPatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Value != nil {
		set("value", p.Value.String())
	}
	if p.Stage != nil {
		set("stage", *p.Stage)
	}
	if p.Owner != nil {
		set("owner", *p.Owner)
	}
	if p.Account != nil {
		set("account", *p.Account)
	}
	if p.CloseDate != nil {
		set("close_date", *p.CloseDate)
	}
	if p.DaysInStage != nil {
		set("days_in_stage", *p.DaysInStage)
	}
	if p.HealthScore != nil {
		set("health_score", *p.HealthScore)
	}
	if p.HealthStatus != nil {
		set("health_status", *p.HealthStatus)
	}
	if p.HealthTrend != nil {
		set("health_trend", *p.HealthTrend)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "version=version+1", "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE deals SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDealHealthTx writes the derived health columns only if the deal is
// still at expectedVersion. A stale version yields ErrConflict.
func (r Repo) UpdateDealHealthTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, score int, status, trend, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deals SET health_score=?, health_status=?, health_trend=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		score, status, trend, updatedAt, id, expectedVersion)
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

// DeleteDealTx deletes a deal; fields and history go with it.
func (r Repo) DeleteDealTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM deals WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
