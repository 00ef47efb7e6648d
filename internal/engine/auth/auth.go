package auth

import (
	"context"
	"fmt"

	"intakeline/internal/repo"
)

// Permissions checked by the API layer.
const (
	PermRequestRead    = "request.read"
	PermRequestReadAll = "request.read_all"
	PermRequestCreate  = "request.create"
	PermRequestManage  = "request.manage"
	PermPipelineAdmin  = "pipeline.admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// request.read alone only reaches requests the actor filed; request.read_all
// covers every tenant and the pipeline analytics.
var rolePermissions = map[string][]string{
	repo.RoleAdmin:     {PermRequestRead, PermRequestReadAll, PermRequestCreate, PermRequestManage, PermPipelineAdmin},
	repo.RolePM:        {PermRequestRead, PermRequestReadAll, PermRequestCreate, PermRequestManage, PermPipelineAdmin},
	repo.RoleDeveloper: {PermRequestRead, PermRequestReadAll, PermRequestCreate, PermRequestManage},
	repo.RoleClient:    {PermRequestRead, PermRequestCreate},
}

// IsInternal reports whether roles include anything besides client.
func IsInternal(roles []string) bool {
	for _, r := range roles {
		if r != repo.RoleClient && repo.ValidRole(r) {
			return true
		}
	}
	return false
}

// Permissions expands roles into the distinct permissions they grant.
func Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Service resolves actor roles from the user directory.
type Service struct {
	Repo repo.Repo
}

// ActorRoles returns claimed when it is non-empty, otherwise the role stored
// for the actor.
func (s Service) ActorRoles(ctx context.Context, actorID string, claimed []string) ([]string, error) {
	if len(claimed) > 0 {
		return claimed, nil
	}
	return s.Repo.UserRoles(ctx, actorID)
}

func (s Service) ActorHasPermission(ctx context.Context, actorID string, claimed []string, perm string) (bool, error) {
	roles, err := s.ActorRoles(ctx, actorID, claimed)
	if err != nil {
		return false, err
	}
	for _, p := range Permissions(roles) {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, actorID string, claimed []string, perm string) error {
	ok, err := s.ActorHasPermission(ctx, actorID, claimed, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
