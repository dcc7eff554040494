package domain

import (
	"context"
	"slices"
)

// AuthRole represents a caller authorization role on the RPC surface.
type AuthRole string

const (
	AuthRoleAdmin    AuthRole = "admin"
	AuthRoleOperator AuthRole = "operator"
	AuthRoleClient   AuthRole = "client"
	AuthRoleViewer   AuthRole = "viewer"
)

// AllAuthRoles lists every valid authorization role for validation purposes.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRoleOperator, AuthRoleClient, AuthRoleViewer}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermAgentList    Permission = "agent:list"
	PermRunSubmit    Permission = "run:submit"
	PermRunExecute   Permission = "run:execute"
	PermRunStatus    Permission = "run:status"
	PermToolList     Permission = "tool:list"
	PermToolCall     Permission = "tool:call"
	PermPolicyRead   Permission = "policy:read"
	PermPolicyWrite  Permission = "policy:write"
	PermManifestSkip Permission = "manifest:bypass"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin: {
		PermAgentList, PermRunSubmit, PermRunExecute, PermRunStatus,
		PermToolList, PermToolCall, PermPolicyRead, PermPolicyWrite,
		PermManifestSkip,
	},
	AuthRoleOperator: {
		PermAgentList, PermRunSubmit, PermRunExecute, PermRunStatus,
		PermToolList, PermToolCall, PermPolicyRead, PermPolicyWrite,
	},
	AuthRoleClient: {
		PermAgentList, PermRunSubmit, PermRunStatus,
		PermPolicyRead,
	},
	AuthRoleViewer: {
		PermAgentList, PermRunStatus, PermToolList, PermPolicyRead,
	},
}

// HasPermission reports whether any of roles grants perm.
func HasPermission(roles []AuthRole, perm Permission) bool {
	for _, r := range roles {
		if slices.Contains(RolePermissions[r], perm) {
			return true
		}
	}
	return false
}

const rolesCtxKey ctxKey = "roles"

// ContextWithRoles returns a new context carrying the given roles.
func ContextWithRoles(ctx context.Context, roles []AuthRole) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext extracts roles from the context.
// Returns nil if not set.
func RolesFromContext(ctx context.Context) []AuthRole {
	if v, ok := ctx.Value(rolesCtxKey).([]AuthRole); ok {
		return v
	}
	return nil
}

// IsValidAuthRole returns true if the given string represents a known role.
func IsValidAuthRole(s string) bool {
	return slices.Contains(AllAuthRoles, AuthRole(s))
}

// StringsToAuthRoles converts a string slice to an AuthRole slice,
// skipping any unrecognized values.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
