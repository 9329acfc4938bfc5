package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dealhealth/internal/config"
	"dealhealth/internal/db"
	"dealhealth/internal/domain"
	"dealhealth/internal/engine"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/events"
	"dealhealth/internal/listing"
	"dealhealth/internal/migrate"
	"dealhealth/internal/repo"
)

var (
	alice = auth.Caller{ActorID: "alice", Role: "rep"}
	bob   = auth.Caller{ActorID: "bob", Role: "rep"}
	mona  = auth.Caller{ActorID: "mona", Role: "manager"}
	olga  = auth.Caller{ActorID: "olga", Role: "ops"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func intPtr(v int) *int { return &v }

// seedDeal creates a deal for caller with score and the given field impacts.
func seedDeal(t *testing.T, env testEnv, caller auth.Caller, score int, impacts ...int) (domain.Deal, []domain.MissingField) {
	t.Helper()
	d, err := env.Engine.CreateDeal(env.Ctx, caller, engine.DealCreateOptions{
		Name:            "Acme renewal",
		Account:         "Acme",
		Value:           decimal.NewFromInt(280000),
		Stage:           "Proposal",
		CloseDate:       "2024-03-31",
		HealthScore:     intPtr(score),
		NoStarterFields: true,
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	var fields []domain.MissingField
	for i, impact := range impacts {
		f, err := env.Engine.AddMissingField(env.Ctx, caller, d.ID, engine.FieldCreateOptions{Name: "Field " + string(rune('A'+i)), Impact: impact})
		if err != nil {
			t.Fatalf("add field: %v", err)
		}
		fields = append(fields, f)
	}
	return d, fields
}

func TestCreateDealSeedsStarterFields(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDeal(env.Ctx, alice, engine.DealCreateOptions{
		Name: "Globex expansion", Account: "Globex", Value: decimal.RequireFromString("450000"), CloseDate: "2024-05-01",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.HealthScore != 50 || d.HealthStatus != "watch" || d.HealthTrend != "stable" || d.Stage != "Discovery" || d.Owner != "alice" {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	detail, err := env.Engine.DealDetail(env.Ctx, alice, d.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.UnresolvedCount != 4 || detail.PotentialGain != 45 {
		t.Fatalf("expected 4 starter fields worth 45, got %d worth %d", detail.UnresolvedCount, detail.PotentialGain)
	}
	hist, err := env.Engine.ScoreHistory(env.Ctx, alice, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Score != 50 {
		t.Fatalf("expected initial history row, got %+v", hist)
	}
}

func TestCreateDealValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.DealCreateOptions{
		{Account: "A", CloseDate: "2024-01-01"},
		{Name: "n", CloseDate: "2024-01-01"},
		{Name: "n", Account: "A", CloseDate: "01/02/2024"},
		{Name: "n", Account: "A", CloseDate: "2024-01-01", Stage: "Won"},
		{Name: "n", Account: "A", CloseDate: "2024-01-01", Value: decimal.NewFromInt(-1)},
		{Name: "n", Account: "A", CloseDate: "2024-01-01", HealthScore: intPtr(101)},
		{Name: "n", Account: "A", CloseDate: "2024-01-01", DaysInStage: -2},
	}
	for i, opts := range cases {
		if _, err := env.Engine.CreateDeal(env.Ctx, alice, opts); !errors.Is(err, engine.ErrValidationFailed) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.CreateDeal(env.Ctx, olga, engine.DealCreateOptions{Name: "n", Account: "A", CloseDate: "2024-01-01"}); !errors.As(err, &fe) {
		t.Fatalf("ops should not create deals, got %v", err)
	}
}

func TestResolveFieldEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	d, fields := seedDeal(t, env, alice, 72, 15)
	res, err := env.Engine.ResolveField(env.Ctx, alice, d.ID, fields[0].ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := domain.Resolution{FieldID: fields[0].ID, DealID: d.ID, PreviousScore: 72, Score: 87, Status: "healthy", Trend: "up"}
	if res != want {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	got, err := env.Engine.GetDeal(env.Ctx, alice, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HealthScore != 87 || got.HealthStatus != "healthy" || got.HealthTrend != "up" {
		t.Fatalf("deal not updated: %+v", got)
	}
	hist, _ := env.Engine.ScoreHistory(env.Ctx, alice, d.ID)
	if len(hist) != 2 || hist[1].Score != 87 || hist[1].Status != "healthy" {
		t.Fatalf("expected exactly one new history row, got %+v", hist)
	}
	trail, _ := env.Engine.ResolutionHistory(env.Ctx, alice, d.ID)
	if len(trail) != 1 || trail[0].ScoreImpact != 15 || trail[0].ActorID != "alice" || trail[0].FieldName != fields[0].Name {
		t.Fatalf("unexpected resolution trail: %+v", trail)
	}
	detail, _ := env.Engine.DealDetail(env.Ctx, alice, d.ID)
	if detail.PotentialGain != 0 || detail.UnresolvedCount != 0 {
		t.Fatalf("expected nothing left to gain, got %+v", detail)
	}
	if f := detail.MissingFields[0]; !f.Resolved || f.ResolvedAt == nil {
		t.Fatalf("field not marked resolved: %+v", f)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, repo.EventFilters{Type: events.FieldResolved, EntityID: d.ID})
	if err != nil || n != 1 {
		t.Fatalf("expected one field.resolved event, got %d (%v)", n, err)
	}
}

func TestResolveFieldCapsAtHundred(t *testing.T) {
	env := newTestEnv(t)
	d, fields := seedDeal(t, env, alice, 95, 15)
	res, err := env.Engine.ResolveField(env.Ctx, alice, d.ID, fields[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 100 {
		t.Fatalf("expected cap at 100, got %d", res.Score)
	}
}

func TestDoubleResolveRejected(t *testing.T) {
	env := newTestEnv(t)
	d, fields := seedDeal(t, env, alice, 72, 15)
	if _, err := env.Engine.ResolveField(env.Ctx, alice, d.ID, fields[0].ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ResolveField(env.Ctx, alice, d.ID, fields[0].ID)
	if !errors.Is(err, engine.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	got, _ := env.Engine.GetDeal(env.Ctx, alice, d.ID)
	if got.HealthScore != 87 {
		t.Fatalf("score changed on rejected resolve: %d", got.HealthScore)
	}
	hist, _ := env.Engine.ScoreHistory(env.Ctx, alice, d.ID)
	trail, _ := env.Engine.ResolutionHistory(env.Ctx, alice, d.ID)
	if len(hist) != 2 || len(trail) != 1 {
		t.Fatalf("rejected resolve wrote history: %d score rows, %d resolutions", len(hist), len(trail))
	}
}

func TestResolveFieldErrors(t *testing.T) {
	env := newTestEnv(t)
	d1, f1 := seedDeal(t, env, alice, 60, 10)
	d2, _ := seedDeal(t, env, alice, 60)
	if _, err := env.Engine.ResolveField(env.Ctx, alice, d2.ID, f1[0].ID); !errors.Is(err, engine.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for field of another deal, got %v", err)
	}
	if _, err := env.Engine.ResolveField(env.Ctx, alice, d1.ID, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.ResolveField(env.Ctx, alice, "", f1[0].ID); !errors.Is(err, engine.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := env.Engine.ResolveField(env.Ctx, bob, d1.ID, f1[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("another rep should not see the deal, got %v", err)
	}
	bobDeal, _ := seedDeal(t, env, bob, 40)
	if _, err := env.Engine.ResolveField(env.Ctx, bob, bobDeal.ID, f1[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("field of a hidden deal should not be found through the caller's own deal, got %v", err)
	}
	got, _ := env.Engine.GetDeal(env.Ctx, alice, d1.ID)
	if got.HealthScore != 60 {
		t.Fatalf("score changed by failed resolves: %d", got.HealthScore)
	}
	res, err := env.Engine.ResolveField(env.Ctx, olga, d1.ID, f1[0].ID)
	if err != nil {
		t.Fatalf("ops should resolve fields on any deal: %v", err)
	}
	if res.Score != 70 {
		t.Fatalf("expected 70, got %d", res.Score)
	}
	trail, _ := env.Engine.ResolutionHistory(env.Ctx, mona, d1.ID)
	if len(trail) != 1 || trail[0].ActorID != "olga" {
		t.Fatalf("resolution not attributed to ops caller: %+v", trail)
	}
}

func TestConcurrentResolutionsBothApply(t *testing.T) {
	env := newTestEnv(t)
	d, fields := seedDeal(t, env, alice, 70, 10, 15)
	var wg sync.WaitGroup
	errs := make([]error, len(fields))
	for i, f := range fields {
		wg.Add(1)
		go func(i int, fieldID string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ResolveField(env.Ctx, alice, d.ID, fieldID)
		}(i, f.ID)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	got, _ := env.Engine.GetDeal(env.Ctx, alice, d.ID)
	if got.HealthScore != 95 || got.HealthStatus != "healthy" {
		t.Fatalf("expected 95 healthy, got %d %s", got.HealthScore, got.HealthStatus)
	}
	if got.Version != 2 {
		t.Fatalf("expected two version bumps, got %d", got.Version)
	}
	hist, _ := env.Engine.ScoreHistory(env.Ctx, alice, d.ID)
	if len(hist) != 3 || hist[2].Score != 95 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestUpdateDealManualScore(t *testing.T) {
	env := newTestEnv(t)
	d, _ := seedDeal(t, env, alice, 72)
	updated, err := env.Engine.UpdateDeal(env.Ctx, alice, d.ID, engine.DealUpdateOptions{HealthScore: intPtr(40)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.HealthScore != 40 || updated.HealthStatus != "at-risk" || updated.HealthTrend != "down" {
		t.Fatalf("unexpected deal: %+v", updated)
	}
	stage := "Negotiation"
	stale := int64(0)
	if _, err := env.Engine.UpdateDeal(env.Ctx, alice, d.ID, engine.DealUpdateOptions{Stage: &stage, Version: &stale}); !errors.Is(err, engine.ErrPreconditionFailed) {
		t.Fatalf("expected stale version to be rejected, got %v", err)
	}
	if _, err := env.Engine.UpdateDeal(env.Ctx, alice, d.ID, engine.DealUpdateOptions{HealthScore: intPtr(120)}); !errors.Is(err, engine.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.UpdateDeal(env.Ctx, olga, d.ID, engine.DealUpdateOptions{Stage: &stage}); !errors.As(err, &fe) {
		t.Fatalf("ops should not update deals, got %v", err)
	}
	if _, err := env.Engine.UpdateDeal(env.Ctx, mona, d.ID, engine.DealUpdateOptions{Stage: &stage}); err != nil {
		t.Fatalf("manager update: %v", err)
	}
	hist, _ := env.Engine.ScoreHistory(env.Ctx, alice, d.ID)
	if len(hist) != 2 || hist[1].Score != 40 {
		t.Fatalf("expected one manual history row, got %+v", hist)
	}
}

func TestListDealsScopedAndFiltered(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, alice, 30)
	seedDeal(t, env, alice, 85)
	seedDeal(t, env, bob, 40)
	mine, err := env.Engine.ListDeals(env.Ctx, alice, listing.Query{HealthStatus: "at-risk"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].HealthScore != 30 {
		t.Fatalf("unexpected rep listing: %+v", mine)
	}
	all, err := env.Engine.ListDeals(env.Ctx, mona, listing.Query{HealthStatus: "at-risk", SortBy: listing.SortHealthScore, Order: listing.Desc})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].HealthScore != 40 || all[1].HealthScore != 30 {
		t.Fatalf("unexpected manager listing: %+v", all)
	}
	if _, err := env.Engine.ListDeals(env.Ctx, alice, listing.Query{SortBy: "owner"}); !errors.Is(err, engine.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	sum, err := env.Engine.Summary(env.Ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if sum.DealCount != 2 || sum.AtRisk != 1 || sum.Healthy != 1 || !sum.TotalValue.Equal(decimal.NewFromInt(560000)) {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestDeleteDealCascades(t *testing.T) {
	env := newTestEnv(t)
	d, fields := seedDeal(t, env, alice, 60, 10)
	if _, err := env.Engine.ResolveField(env.Ctx, alice, d.ID, fields[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteDeal(env.Ctx, bob, d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("another rep should not delete, got %v", err)
	}
	if err := env.Engine.DeleteDeal(env.Ctx, alice, d.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetDeal(env.Ctx, alice, d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	left, _ := env.Engine.Repo.ListScoreHistory(env.Ctx, d.ID)
	trail, _ := env.Engine.Repo.ListFieldResolutions(env.Ctx, d.ID)
	fs, _ := env.Engine.Repo.ListMissingFields(env.Ctx, d.ID)
	if len(left)+len(trail)+len(fs) != 0 {
		t.Fatalf("cascade left rows behind")
	}
	evts, err := env.Engine.ListEvents(env.Ctx, alice, engine.EventQuery{DealID: d.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 || evts[0].Type != events.DealDeleted {
		t.Fatalf("expected deal.deleted as newest event, got %+v", evts)
	}
}

func TestAddMissingFieldValidation(t *testing.T) {
	env := newTestEnv(t)
	d, _ := seedDeal(t, env, alice, 60)
	if _, err := env.Engine.AddMissingField(env.Ctx, alice, d.ID, engine.FieldCreateOptions{Name: "Budget", Impact: -5}); !errors.Is(err, engine.ErrValidationFailed) {
		t.Fatalf("expected validation failure for negative impact, got %v", err)
	}
	if _, err := env.Engine.AddMissingField(env.Ctx, alice, "nope", engine.FieldCreateOptions{Name: "Budget", Impact: 5}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	f, err := env.Engine.AddMissingField(env.Ctx, olga, d.ID, engine.FieldCreateOptions{Name: "Budget", Impact: 5})
	if err != nil {
		t.Fatalf("ops add field: %v", err)
	}
	list, _ := env.Engine.ListMissingFields(env.Ctx, alice, d.ID)
	if len(list) != 1 || list[0].ID != f.ID {
		t.Fatalf("unexpected fields: %+v", list)
	}
}

func TestAPIKeyCaller(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "olga", "ops", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if key.KeyHash == plain {
		t.Fatalf("plaintext key stored")
	}
	c, err := env.Engine.APIKeyCaller(env.Ctx, plain)
	if err != nil {
		t.Fatal(err)
	}
	if c != olga {
		t.Fatalf("unexpected caller %+v", c)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "x", "root", ""); !errors.Is(err, engine.ErrValidationFailed) {
		t.Fatalf("expected validation failure for unknown role, got %v", err)
	}
}

func TestDealOwnersFollowVisibility(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, alice, 60)
	seedDeal(t, env, alice, 70)
	seedDeal(t, env, bob, 40)

	owners, err := env.Engine.DealOwners(env.Ctx, alice)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 1 || owners[0] != "alice" {
		t.Fatalf("rep should only see own owner, got %v", owners)
	}
	owners, err = env.Engine.DealOwners(env.Ctx, mona)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 2 {
		t.Fatalf("manager should see both owners, got %v", owners)
	}
}
