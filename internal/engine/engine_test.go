package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mechline/internal/app"
	"mechline/internal/authz"
	"mechline/internal/config"
	"mechline/internal/db"
	"mechline/internal/domain"
	"mechline/internal/engine"
	"mechline/internal/migrate"
	"mechline/internal/repo"
	"mechline/internal/sequence"
)

var (
	adminID      = authz.Identity{UserID: "admin", Role: authz.RoleAdmin}
	managerID    = authz.Identity{UserID: "meg", Role: authz.RoleManager}
	supervisorID = authz.Identity{UserID: "sue", Role: authz.RoleSupervisor, SiteIDs: []string{"site-a"}}
	fitterID     = authz.Identity{UserID: "fin", Role: authz.RoleFitter, SiteIDs: []string{"site-a"}}
	viewerID     = authz.Identity{UserID: "vic", Role: authz.RoleViewer, SiteIDs: []string{"site-a"}}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := app.Bootstrap(ctx, eng.Repo); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := eng.CreateSite(ctx, adminID, domain.Site{ID: "site-a", Name: "Plant A"}); err != nil {
		t.Fatalf("seed site-a: %v", err)
	}
	if _, err := eng.CreateSite(ctx, adminID, domain.Site{ID: "site-b", Name: "Plant B"}); err != nil {
		t.Fatalf("seed site-b: %v", err)
	}
	for _, u := range []domain.User{
		{ID: "meg", Name: "Meg", Role: "manager"},
		{ID: "sue", Name: "Sue", Role: "supervisor", SiteIDs: []string{"site-a"}},
		{ID: "fin", Name: "Fin", Role: "fitter", SiteIDs: []string{"site-a"}},
		{ID: "vic", Name: "Vic", Role: "viewer", SiteIDs: []string{"site-a"}},
	} {
		if _, err := eng.CreateUser(ctx, adminID, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createWO(t *testing.T, identity authz.Identity) domain.WorkOrder {
	t.Helper()
	w, err := env.Engine.CreateWorkOrder(env.Ctx, identity, engine.WorkOrderCreateOptions{
		SiteID: "site-a",
		Title:  "Replace bearing",
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return w
}

func (env testEnv) auditCount(t *testing.T) int64 {
	t.Helper()
	id, err := env.Engine.Repo.LatestAuditEventID(env.Ctx)
	if err != nil {
		t.Fatalf("latest audit id: %v", err)
	}
	return id
}

func TestCreateWorkOrderNumbersAreDateBucketed(t *testing.T) {
	env := newTestEnv(t)
	first := env.createWO(t, fitterID)
	second := env.createWO(t, supervisorID)
	if first.Number != "WO-20260314-000001" {
		t.Fatalf("first number %s", first.Number)
	}
	if second.Number != "WO-20260314-000002" {
		t.Fatalf("second number %s", second.Number)
	}
	if first.Status != engine.StatusOpen || first.CreatedByID != "fin" {
		t.Fatalf("unexpected initial state: %+v", first)
	}
}

func TestCreateWorkOrderForbidden(t *testing.T) {
	env := newTestEnv(t)
	before := env.auditCount(t)
	_, err := env.Engine.CreateWorkOrder(env.Ctx, viewerID, engine.WorkOrderCreateOptions{
		SiteID: "site-a",
		Title:  "nope",
	})
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	rows, err := env.Engine.Repo.ListWorkOrders(env.Ctx, repo.WorkOrderFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no persisted rows, got %d", len(rows))
	}
	if after := env.auditCount(t); after != before {
		t.Fatalf("expected no audit event, count moved %d -> %d", before, after)
	}
}

func TestCreateWorkOrderSiteScope(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkOrder(env.Ctx, fitterID, engine.WorkOrderCreateOptions{
		SiteID: "site-b",
		Title:  "wrong site",
	})
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for unassigned site, got %v", err)
	}
	// managers are global
	if _, err := env.Engine.CreateWorkOrder(env.Ctx, managerID, engine.WorkOrderCreateOptions{
		SiteID: "site-b",
		Title:  "manager anywhere",
	}); err != nil {
		t.Fatalf("manager create at any site: %v", err)
	}
}

func TestAssignWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)

	_, err := env.Engine.AssignWorkOrder(env.Ctx, fitterID, w.ID, "fin")
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("fitter assign should be forbidden, got %v", err)
	}

	got, err := env.Engine.AssignWorkOrder(env.Ctx, supervisorID, w.ID, "fin")
	if err != nil {
		t.Fatalf("supervisor assign: %v", err)
	}
	if got.Status != engine.StatusAssigned || got.AssignedToID == nil || *got.AssignedToID != "fin" {
		t.Fatalf("unexpected state after assign: %+v", got)
	}
	events, err := env.Engine.Repo.ListAuditEvents(env.Ctx, repo.AuditFilters{Action: "ASSIGN", EntityID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one ASSIGN audit event, got %d", len(events))
	}
}

func TestAssignUnknownAssignee(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)
	_, err := env.Engine.AssignWorkOrder(env.Ctx, supervisorID, w.ID, "nobody")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown assignee, got %v", err)
	}
}

func TestApproveClose(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)

	_, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusApprovedClosed, "")
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("fitter approve should be forbidden, got %v", err)
	}
	cur, err := env.Engine.Repo.GetWorkOrder(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != engine.StatusOpen {
		t.Fatalf("status changed after forbidden transition: %s", cur.Status)
	}

	got, err := env.Engine.TransitionStatus(env.Ctx, supervisorID, w.ID, engine.StatusApprovedClosed, "")
	if err != nil {
		t.Fatalf("supervisor approve: %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatalf("closed_at not stamped")
	}
	if got.ApprovedByID == nil || *got.ApprovedByID != "sue" {
		t.Fatalf("approved_by not stamped: %+v", got.ApprovedByID)
	}
	events, err := env.Engine.Repo.ListAuditEvents(env.Ctx, repo.AuditFilters{Action: "APPROVE", EntityID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one APPROVE audit event, got %d", len(events))
	}
}

func TestCompletedStampIsSticky(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)

	got, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusCompleted, "")
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	stamped := *got.CompletedAt

	later := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return later }
	if _, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusInProgress, ""); err != nil {
		t.Fatalf("back to in_progress: %v", err)
	}
	got, err = env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusCompleted, "")
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if got.CompletedAt == nil || *got.CompletedAt != stamped {
		t.Fatalf("completed_at re-stamped: %v, want %s", got.CompletedAt, stamped)
	}

	got, err = env.Engine.TransitionStatus(env.Ctx, supervisorID, w.ID, engine.StatusApprovedClosed, "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.CompletedAt == nil || *got.CompletedAt != stamped {
		t.Fatalf("completed_at cleared by close")
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)
	if _, err := env.Engine.TransitionStatus(env.Ctx, supervisorID, w.ID, engine.StatusApprovedClosed, ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.TransitionStatus(env.Ctx, supervisorID, w.ID, engine.StatusOpen, "")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError out of approved_closed, got %v", err)
	}

	w2 := env.createWO(t, fitterID)
	if _, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w2.ID, engine.StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignWorkOrder(env.Ctx, supervisorID, w2.ID, "fin"); !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError assigning cancelled order, got %v", err)
	}
}

func TestPermissiveJumpsAllowedByDefault(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)
	// no adjacency table by default: open -> approved_closed is legal for approvers
	if _, err := env.Engine.TransitionStatus(env.Ctx, supervisorID, w.ID, engine.StatusApprovedClosed, ""); err != nil {
		t.Fatalf("open -> approved_closed: %v", err)
	}
}

func TestConfiguredTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Lifecycle.Transitions = map[string][]string{
		"open": {engine.StatusAssigned, engine.StatusCancelled},
	}
	env.Engine.Config = cfg
	w := env.createWO(t, fitterID)
	_, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusCompleted, "")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected table to reject open -> completed, got %v", err)
	}
	if _, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusCancelled, ""); err != nil {
		t.Fatalf("table should allow open -> cancelled: %v", err)
	}
}

func TestTransitionWithNote(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)
	if _, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusInProgress, "stripping the housing"); err != nil {
		t.Fatal(err)
	}
	// same status again, note still appended
	if _, err := env.Engine.TransitionStatus(env.Ctx, fitterID, w.ID, engine.StatusInProgress, "still at it"); err != nil {
		t.Fatal(err)
	}
	notes, err := env.Engine.Repo.ListWorkOrderNotes(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if notes[0].AuthorID != "fin" {
		t.Fatalf("note author %s", notes[0].AuthorID)
	}
}

func TestRevokeAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key := domain.APIKey{
		ID:      "key-1",
		UserID:  "meg",
		Name:    "automation",
		KeyHash: repo.HashAPIKey("mk_secret"),
	}
	if err := env.Engine.Repo.InsertAPIKey(env.Ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	err := env.Engine.RevokeAPIKey(env.Ctx, fitterID, "meg", "key-1")
	var fe authz.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for fitter, got %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKey(env.Ctx, "key-1"); err != nil {
		t.Fatalf("key should survive forbidden revoke: %v", err)
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, adminID, "fin", "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("owner mismatch should read as not found, got %v", err)
	}

	before := env.auditCount(t)
	if err := env.Engine.RevokeAPIKey(env.Ctx, adminID, "meg", "key-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKey(env.Ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
	if got := env.auditCount(t); got != before+1 {
		t.Fatalf("expected one DELETE audit event, count went %d -> %d", before, got)
	}
}

func TestAddNoteIsNotAudited(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWO(t, fitterID)
	before := env.auditCount(t)
	n, err := env.Engine.AddNote(env.Ctx, viewerID, w.ID, "observed vibration")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if n.AuthorID != "vic" {
		t.Fatalf("author %s", n.AuthorID)
	}
	cur, err := env.Engine.Repo.GetWorkOrder(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != w.Status {
		t.Fatalf("note changed status: %s", cur.Status)
	}
	if after := env.auditCount(t); after != before {
		t.Fatalf("note emitted audit event")
	}
}

func TestAssetCodesFromProvisionedCounter(t *testing.T) {
	env := newTestEnv(t)
	at, err := env.Engine.CreateAssetType(env.Ctx, managerID, domain.AssetType{Name: "Pump", Prefix: "PUMP"})
	if err != nil {
		t.Fatalf("create asset type: %v", err)
	}
	a1, err := env.Engine.CreateAsset(env.Ctx, supervisorID, engine.AssetCreateOptions{
		SiteID: "site-a", AssetTypeID: at.ID, Name: "Feed pump",
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	a2, err := env.Engine.CreateAsset(env.Ctx, supervisorID, engine.AssetCreateOptions{
		SiteID: "site-a", AssetTypeID: at.ID, Name: "Spare pump",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a1.Code != "PUMP-000001" || a2.Code != "PUMP-000002" {
		t.Fatalf("codes %s %s", a1.Code, a2.Code)
	}
}

func TestAllocateIdentifierRequiresProvisionedKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AllocateIdentifier(env.Ctx, "NOPE")
	var uk sequence.UnknownKeyError
	if !errors.As(err, &uk) {
		t.Fatalf("expected UnknownKeyError, got %v", err)
	}
}

func TestTransitionNotFoundBeforeForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.TransitionStatus(env.Ctx, fitterID, "missing", engine.StatusInProgress, "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
