package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"dealhealth/internal/domain"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/repo"
)

// EventQuery pages through the event log newest first.
type EventQuery struct {
	Limit  int
	Cursor int64
	Type   string
	DealID string
}

// ListEvents returns events visible to the caller. Callers that cannot read
// every deal only see their own events.
func (e Engine) ListEvents(ctx context.Context, caller auth.Caller, q EventQuery) ([]domain.Event, error) {
	if err := e.Auth.Require(caller, auth.PermEventsRead); err != nil {
		return nil, err
	}
	if q.Limit < 0 || q.Limit > 500 {
		return nil, validationf("limit must be within [0,500]")
	}
	f := repo.EventFilters{Type: q.Type, ActorID: e.Auth.ReadScope(caller)}
	if q.DealID != "" {
		f.EntityKind = "deal"
		f.EntityID = q.DealID
	}
	evts, err := e.Repo.LatestEventsFrom(ctx, q.Limit, q.Cursor, f)
	if err != nil {
		return nil, storeErr(err)
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

// Permissions returns the caller's granted permission ids.
func (e Engine) Permissions(caller auth.Caller) []string {
	return e.Auth.Permissions(caller)
}

// CreateAPIKey issues a new key for actorID with role. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, role, name string) (string, domain.APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", domain.APIKey{}, validationf("actor id is required")
	}
	if !e.Auth.KnownRole(role) {
		return "", domain.APIKey{}, validationf("unknown role %q", role)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "dh_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Role:      role,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, storeErr(err)
	}
	return plain, key, nil
}

// APIKeyCaller resolves a plaintext API key to its caller.
func (e Engine) APIKeyCaller(ctx context.Context, plain string) (auth.Caller, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return auth.Caller{}, storeErr(err)
	}
	return auth.Caller{ActorID: key.ActorID, Role: key.Role}, nil
}
