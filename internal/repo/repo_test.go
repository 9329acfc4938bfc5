package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dealhealth/internal/db"
	"dealhealth/internal/domain"
	"dealhealth/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sampleDeal(id, user, created string) domain.Deal {
	return domain.Deal{
		ID:           id,
		UserID:       user,
		Name:         "Deal " + id,
		Value:        decimal.RequireFromString("125000.50"),
		Stage:        "Proposal",
		Owner:        "Sam",
		Account:      "Acme",
		CloseDate:    "2024-06-30",
		HealthScore:  72,
		HealthStatus: "watch",
		HealthTrend:  "stable",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestDealRoundTripAndScope(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	err := inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z")); err != nil {
			return err
		}
		if err := r.InsertDealTx(ctx, tx, sampleDeal("d2", "alice", "2024-01-02T00:00:00Z")); err != nil {
			return err
		}
		return r.InsertDealTx(ctx, tx, sampleDeal("d3", "bob", "2024-01-03T00:00:00Z"))
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	d, err := r.GetDeal(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.Value.Equal(decimal.RequireFromString("125000.5")) {
		t.Fatalf("value not preserved: %s", d.Value)
	}
	if _, err := r.GetDeal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	alice, err := r.ListDeals(ctx, DealFilters{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 2 || alice[0].ID != "d2" || alice[1].ID != "d1" {
		t.Fatalf("unexpected alice deals: %+v", alice)
	}
	all, err := r.ListDeals(ctx, DealFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 deals, got %d", len(all))
	}
}

func TestUpdateDealHealthCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z"))
	}); err != nil {
		t.Fatal(err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateDealHealthTx(ctx, tx, "d1", 0, 87, "healthy", "up", "2024-01-02T00:00:00Z")
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateDealHealthTx(ctx, tx, "d1", 0, 90, "healthy", "up", "2024-01-02T00:00:00Z")
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	d, _ := r.GetDeal(ctx, "d1")
	if d.HealthScore != 87 || d.Version != 1 {
		t.Fatalf("unexpected deal after cas: score=%d version=%d", d.HealthScore, d.Version)
	}
}

func TestPartialUpdate(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z"))
	}); err != nil {
		t.Fatal(err)
	}
	stage := "Negotiation"
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateDealTx(ctx, tx, "d1", DealPatch{Stage: &stage}, "2024-01-05T00:00:00Z")
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _ := r.GetDeal(ctx, "d1")
	if d.Stage != stage || d.Name != "Deal d1" || d.Version != 1 || d.UpdatedAt != "2024-01-05T00:00:00Z" {
		t.Fatalf("unexpected deal: %+v", d)
	}
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateDealTx(ctx, tx, "nope", DealPatch{Stage: &stage}, "2024-01-05T00:00:00Z")
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFieldResolvedOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z")); err != nil {
			return err
		}
		return r.InsertMissingFieldTx(ctx, tx, domain.MissingField{ID: "f1", DealID: "d1", Name: "Close Plan", Impact: 15, CreatedAt: "2024-01-01T00:00:00Z"})
	}); err != nil {
		t.Fatal(err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkFieldResolvedTx(ctx, tx, "f1", "2024-01-02T00:00:00Z")
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkFieldResolvedTx(ctx, tx, "f1", "2024-01-03T00:00:00Z")
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	f, err := r.GetMissingField(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Resolved || f.ResolvedAt == nil || *f.ResolvedAt != "2024-01-02T00:00:00Z" {
		t.Fatalf("unexpected field: %+v", f)
	}
	byDeal, err := r.MissingFieldsByDeal(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(byDeal["d1"]) != 1 {
		t.Fatalf("expected one field for d1, got %+v", byDeal)
	}
	byDeal, _ = r.MissingFieldsByDeal(ctx, "bob")
	if len(byDeal) != 0 {
		t.Fatalf("bob should see no fields: %+v", byDeal)
	}
}

func TestDeleteDealCascades(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z")); err != nil {
			return err
		}
		if err := r.InsertMissingFieldTx(ctx, tx, domain.MissingField{ID: "f1", DealID: "d1", Name: "Next Step", Impact: 10, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			return err
		}
		if err := r.InsertScoreHistoryTx(ctx, tx, domain.ScoreHistoryEntry{ID: "01H0000000000000000000000A", DealID: "d1", Score: 72, Status: "watch", RecordedAt: "2024-01-01T00:00:00Z"}); err != nil {
			return err
		}
		return r.InsertFieldResolutionTx(ctx, tx, domain.FieldResolution{ID: "01H0000000000000000000000B", DealID: "d1", FieldID: "f1", FieldName: "Next Step", ScoreImpact: 10, ActorID: "alice", ResolvedAt: "2024-01-01T00:00:00Z"})
	}); err != nil {
		t.Fatal(err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.DeleteDealTx(ctx, tx, "d1") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fields, _ := r.ListMissingFields(ctx, "d1")
	hist, _ := r.ListScoreHistory(ctx, "d1")
	res, _ := r.ListFieldResolutions(ctx, "d1")
	if len(fields)+len(hist)+len(res) != 0 {
		t.Fatalf("expected cascade, got fields=%d history=%d resolutions=%d", len(fields), len(hist), len(res))
	}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.DeleteDealTx(ctx, tx, "d1") }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestAPIKeysCarryRole(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	hash := HashAPIKey("  secret-key ")
	if hash != HashAPIKey("secret-key") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "olga", Role: "ops", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "olga", KeyHash: "x"}); err == nil {
		t.Fatalf("expected error for missing role")
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if key.ActorID != "olga" || key.Role != "ops" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanRejectsUnknownTrend(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertDealTx(ctx, tx, sampleDeal("d1", "alice", "2024-01-01T00:00:00Z"))
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA ignore_check_constraints = ON`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE deals SET health_trend = 'sideways' WHERE id = 'd1'`); err != nil {
		t.Fatalf("corrupt trend: %v", err)
	}
	conn.ExecContext(ctx, `PRAGMA ignore_check_constraints = OFF`)
	conn.Close()

	if _, err := r.GetDeal(ctx, "d1"); err == nil {
		t.Fatalf("expected scan to reject unknown trend")
	}
}
