package auth

import (
	"fmt"
	"sort"

	"dealhealth/internal/config"
	"dealhealth/internal/domain"
)

// Permission ids referenced by the engine. Roles map to these in dealhealth.yml.
const (
	PermDealCreate    = "deal.create"
	PermDealRead      = "deal.read"
	PermDealUpdate    = "deal.update"
	PermDealDelete    = "deal.delete"
	PermFieldCreate   = "field.create"
	PermFieldResolve  = "field.resolve"
	PermEventsRead    = "events.read"
	PermDealReadAny   = "deal.read.any"
	PermDealWriteAny  = "deal.write.any"
	PermFieldWriteAny = "field.write.any"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Caller is the authenticated principal an operation runs as.
type Caller struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Service answers permission questions from the configured role table.
type Service struct {
	roles map[string]map[string]struct{}
}

func NewService(cfg *config.Config) Service {
	s := Service{roles: map[string]map[string]struct{}{}}
	if cfg == nil {
		return s
	}
	for role := range cfg.RBAC.Roles {
		perms := map[string]struct{}{}
		for _, p := range cfg.RolePermissions(role) {
			perms[p] = struct{}{}
		}
		s.roles[role] = perms
	}
	return s
}

// KnownRole reports whether role is defined.
func (s Service) KnownRole(role string) bool {
	_, ok := s.roles[role]
	return ok
}

// Permissions returns the caller's permissions sorted by id.
func (s Service) Permissions(c Caller) []string {
	var res []string
	for p := range s.roles[c.Role] {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

func (s Service) Has(c Caller, perm string) bool {
	_, ok := s.roles[c.Role][perm]
	return ok
}

// Require returns ForbiddenError unless the caller holds perm.
func (s Service) Require(c Caller, perm string) error {
	if c.ActorID == "" || !s.Has(c, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// ReadScope returns the user id deal listings are restricted to, or "" when
// the caller may read every deal.
func (s Service) ReadScope(c Caller) string {
	if s.Has(c, PermDealReadAny) {
		return ""
	}
	return c.ActorID
}

// CanSee reports whether the caller may read d at all.
func (s Service) CanSee(c Caller, d domain.Deal) bool {
	return d.UserID == c.ActorID || s.Has(c, PermDealReadAny)
}

// CanWriteDeal checks perm plus ownership of d.
func (s Service) CanWriteDeal(c Caller, d domain.Deal, perm string) error {
	if err := s.Require(c, perm); err != nil {
		return err
	}
	if d.UserID != c.ActorID && !s.Has(c, PermDealWriteAny) {
		return ForbiddenError{Permission: PermDealWriteAny}
	}
	return nil
}

// CanWriteFields checks perm plus ownership of d. Field writes on other
// users' deals need deal.write.any or field.write.any.
func (s Service) CanWriteFields(c Caller, d domain.Deal, perm string) error {
	if err := s.Require(c, perm); err != nil {
		return err
	}
	if d.UserID != c.ActorID && !s.Has(c, PermDealWriteAny) && !s.Has(c, PermFieldWriteAny) {
		return ForbiddenError{Permission: PermFieldWriteAny}
	}
	return nil
}
