package authz

import (
	"errors"
	"fmt"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleFitter     Role = "fitter"
	RoleSupervisor Role = "supervisor"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// Roles lists every valid role.
var Roles = []Role{RoleViewer, RoleFitter, RoleSupervisor, RoleManager, RoleAdmin}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Action names a guarded operation.
type Action string

const (
	ActionCreateWorkOrder  Action = "work_order.create"
	ActionApproveWorkOrder Action = "work_order.approve"
	ActionModifyAsset      Action = "asset.modify"
	ActionManageSchedules  Action = "schedule.manage"
	ActionManageTemplates  Action = "check_template.manage"
	ActionManageAssetTypes Action = "asset_type.manage"
	ActionManageSites      Action = "site.manage"
	ActionManageUsers      Action = "user.manage"

	// ActionAccessSite only appears in ForbiddenError for site-scope checks;
	// site access is decided by CanAccessSite, not the capability table.
	ActionAccessSite Action = "site.access"
)

// Identity is the acting principal for one request.
type Identity struct {
	UserID  string
	Role    Role
	SiteIDs []string
}

// ErrUnauthorized means no valid identity was presented.
var ErrUnauthorized = errors.New("authentication required")

// ForbiddenError means a valid identity attempted a disallowed action.
type ForbiddenError struct {
	Action Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("action %s not permitted", e.Action)
}

// capabilities maps each action to the roles allowed to perform it. Adding a
// role or action is a data change here, not a new function.
var capabilities = map[Action]map[Role]bool{
	ActionCreateWorkOrder:  allow(RoleFitter, RoleSupervisor, RoleManager, RoleAdmin),
	ActionApproveWorkOrder: allow(RoleSupervisor, RoleManager, RoleAdmin),
	ActionModifyAsset:      allow(RoleSupervisor, RoleManager, RoleAdmin),
	ActionManageSchedules:  allow(RoleSupervisor, RoleManager, RoleAdmin),
	ActionManageTemplates:  allow(RoleManager, RoleAdmin),
	ActionManageAssetTypes: allow(RoleManager, RoleAdmin),
	ActionManageSites:      allow(RoleAdmin),
	ActionManageUsers:      allow(RoleAdmin),
}

func allow(roles ...Role) map[Role]bool {
	m := make(map[Role]bool, len(roles))
	for _, r := range roles {
		m[r] = true
	}
	return m
}

// Allowed reports whether the identity's role may perform the action.
func Allowed(id Identity, action Action) bool {
	return capabilities[action][id.Role]
}

// Require returns ForbiddenError unless the identity may perform the action.
func Require(id Identity, action Action) error {
	if id.UserID == "" {
		return ErrUnauthorized
	}
	if !Allowed(id, action) {
		return ForbiddenError{Action: action}
	}
	return nil
}

// CanAccessSite reports whether the identity may touch resources at a site.
// Managers and admins are global; everyone else needs a site assignment.
func CanAccessSite(id Identity, siteID string) bool {
	if id.Role == RoleManager || id.Role == RoleAdmin {
		return true
	}
	for _, s := range id.SiteIDs {
		if s == siteID {
			return true
		}
	}
	return false
}

// RequireSite returns ForbiddenError unless the identity may access the site.
// The caller passes the resource's own site id, never the client's claim.
func RequireSite(id Identity, siteID string) error {
	if id.UserID == "" {
		return ErrUnauthorized
	}
	if !CanAccessSite(id, siteID) {
		return ForbiddenError{Action: ActionAccessSite}
	}
	return nil
}

func CanCreateWorkOrder(id Identity) bool  { return Allowed(id, ActionCreateWorkOrder) }
func CanApproveWorkOrder(id Identity) bool { return Allowed(id, ActionApproveWorkOrder) }
func CanModifyAsset(id Identity) bool      { return Allowed(id, ActionModifyAsset) }
func CanManageSchedules(id Identity) bool  { return Allowed(id, ActionManageSchedules) }
func CanManageCheckTemplates(id Identity) bool {
	return Allowed(id, ActionManageTemplates)
}
