package authz_test

import (
	"errors"
	"testing"

	"mechline/internal/authz"
)

func identity(role authz.Role, sites ...string) authz.Identity {
	return authz.Identity{UserID: "u-1", Role: role, SiteIDs: sites}
}

func TestCanAccessSiteAllRoles(t *testing.T) {
	cases := []struct {
		role       authz.Role
		assigned   bool
		unassigned bool
	}{
		{authz.RoleViewer, true, false},
		{authz.RoleFitter, true, false},
		{authz.RoleSupervisor, true, false},
		{authz.RoleManager, true, true},
		{authz.RoleAdmin, true, true},
	}
	for _, tc := range cases {
		id := identity(tc.role, "site-a")
		if got := authz.CanAccessSite(id, "site-a"); got != tc.assigned {
			t.Errorf("%s assigned site: got %v want %v", tc.role, got, tc.assigned)
		}
		if got := authz.CanAccessSite(id, "site-b"); got != tc.unassigned {
			t.Errorf("%s unassigned site: got %v want %v", tc.role, got, tc.unassigned)
		}
	}
}

func TestCapabilityTable(t *testing.T) {
	cases := []struct {
		action  authz.Action
		allowed []authz.Role
	}{
		{authz.ActionCreateWorkOrder, []authz.Role{authz.RoleFitter, authz.RoleSupervisor, authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionApproveWorkOrder, []authz.Role{authz.RoleSupervisor, authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionModifyAsset, []authz.Role{authz.RoleSupervisor, authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionManageSchedules, []authz.Role{authz.RoleSupervisor, authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionManageTemplates, []authz.Role{authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionManageAssetTypes, []authz.Role{authz.RoleManager, authz.RoleAdmin}},
		{authz.ActionManageSites, []authz.Role{authz.RoleAdmin}},
	}
	for _, tc := range cases {
		allowed := map[authz.Role]bool{}
		for _, r := range tc.allowed {
			allowed[r] = true
		}
		for _, role := range authz.Roles {
			got := authz.Allowed(identity(role), tc.action)
			if got != allowed[role] {
				t.Errorf("%s / %s: got %v want %v", tc.action, role, got, allowed[role])
			}
		}
	}
}

func TestRequire(t *testing.T) {
	if err := authz.Require(identity(authz.RoleFitter), authz.ActionCreateWorkOrder); err != nil {
		t.Fatalf("fitter create: %v", err)
	}
	err := authz.Require(identity(authz.RoleViewer), authz.ActionCreateWorkOrder)
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if fe.Action != authz.ActionCreateWorkOrder {
		t.Fatalf("unexpected action in error: %s", fe.Action)
	}
	if err := authz.Require(authz.Identity{}, authz.ActionCreateWorkOrder); !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRequireSite(t *testing.T) {
	if err := authz.RequireSite(identity(authz.RoleFitter, "site-a"), "site-a"); err != nil {
		t.Fatalf("assigned site: %v", err)
	}
	err := authz.RequireSite(identity(authz.RoleFitter, "site-a"), "site-b")
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if fe.Action != authz.ActionAccessSite {
		t.Fatalf("unexpected action in error: %s", fe.Action)
	}
	if err := authz.RequireSite(identity(authz.RoleManager), "site-z"); err != nil {
		t.Fatalf("manager any site: %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if _, err := authz.ParseRole("supervisor"); err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	if _, err := authz.ParseRole("janitor"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
