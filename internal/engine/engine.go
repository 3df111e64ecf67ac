package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mechline/internal/audit"
	"mechline/internal/authz"
	"mechline/internal/config"
	"mechline/internal/domain"
	"mechline/internal/repo"
	"mechline/internal/sequence"
)

// Work order statuses.
const (
	StatusOpen           = "open"
	StatusAssigned       = "assigned"
	StatusInProgress     = "in_progress"
	StatusWaitingParts   = "waiting_parts"
	StatusWaitingVendor  = "waiting_vendor"
	StatusCompleted      = "completed"
	StatusApprovedClosed = "approved_closed"
	StatusCancelled      = "cancelled"
)

var allStatuses = map[string]bool{
	StatusOpen:           true,
	StatusAssigned:       true,
	StatusInProgress:     true,
	StatusWaitingParts:   true,
	StatusWaitingVendor:  true,
	StatusCompleted:      true,
	StatusApprovedClosed: true,
	StatusCancelled:      true,
}

var terminalStatuses = map[string]bool{
	StatusApprovedClosed: true,
	StatusCancelled:      true,
}

// ValidStatus reports whether s names a known work order status.
func ValidStatus(s string) bool { return allStatuses[s] }

// InvalidTransitionError rejects a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid work order status transition %s -> %s", e.From, e.To)
}

// Engine owns work order lifecycle transitions, identifier allocation and the
// audit trail. The storage handle is injected; tests substitute their own.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Config     *config.Config
	Now        func() time.Time
	WONumbers  sequence.DateScan
	AssetCodes sequence.Counter
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		WONumbers: sequence.DateScan{
			Prefix: "WO",
			Table:  "work_orders",
			Column: "number",
		},
		AssetCodes: sequence.Counter{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) woNumbers() sequence.DateScan {
	a := e.WONumbers
	if a.Now == nil {
		a.Now = e.Now
	}
	return a
}

// transitionAllowed applies the lifecycle policy: terminal statuses never move
// again; otherwise any status is reachable unless the configured transition
// table says otherwise.
func (e Engine) transitionAllowed(from, to string) bool {
	if terminalStatuses[from] {
		return false
	}
	if e.Config == nil || len(e.Config.Lifecycle.Transitions) == 0 {
		return true
	}
	if from == to {
		return true
	}
	for _, allowed := range e.Config.Lifecycle.Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllocateIdentifier mints the next identifier for a provisioned counter key.
// Used directly by flows with statically provisioned keys (asset codes).
func (e Engine) AllocateIdentifier(ctx context.Context, key string) (string, error) {
	var id string
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = e.AssetCodes.Allocate(ctx, tx, key)
		return err
	})
	return id, err
}

// --- sites ---

func (e Engine) CreateSite(ctx context.Context, identity authz.Identity, site domain.Site) (domain.Site, error) {
	if err := authz.Require(identity, authz.ActionManageSites); err != nil {
		return domain.Site{}, err
	}
	if site.Name == "" {
		return domain.Site{}, errors.New("name is required")
	}
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	site.CreatedAt = e.nowRFC3339()
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertSite(ctx, tx, site); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionCreate, "site", site.ID, site.ID, identity.UserID, audit.Changes{"name": site.Name})
	})
	if err != nil {
		return domain.Site{}, err
	}
	return site, nil
}

// --- users ---

func (e Engine) CreateUser(ctx context.Context, identity authz.Identity, u domain.User) (domain.User, error) {
	if err := authz.Require(identity, authz.ActionManageUsers); err != nil {
		return domain.User{}, err
	}
	if u.Name == "" {
		return domain.User{}, errors.New("name is required")
	}
	if _, err := authz.ParseRole(u.Role); err != nil {
		return domain.User{}, err
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = e.nowRFC3339()
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionCreate, "user", u.ID, "", identity.UserID, audit.Changes{"role": u.Role})
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// RevokeAPIKey deletes an API key so its credential stops authenticating.
// The key must belong to the named user; a mismatch reads as not found rather
// than confirming the key exists under someone else.
func (e Engine) RevokeAPIKey(ctx context.Context, identity authz.Identity, userID, keyID string) error {
	if err := authz.Require(identity, authz.ActionManageUsers); err != nil {
		return err
	}
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return repo.ErrNotFound
	}
	return e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, key.ID); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionDelete, "api_key", key.ID, "", identity.UserID, audit.Changes{"user_id": key.UserID})
	})
}

// --- asset types ---

// CreateAssetType registers an asset type and provisions its code counter.
// This is the administrative action the counter allocator relies on: asset
// code allocation later fails with UnknownKeyError for unprovisioned prefixes.
func (e Engine) CreateAssetType(ctx context.Context, identity authz.Identity, t domain.AssetType) (domain.AssetType, error) {
	if err := authz.Require(identity, authz.ActionManageAssetTypes); err != nil {
		return domain.AssetType{}, err
	}
	if t.Name == "" {
		return domain.AssetType{}, errors.New("name is required")
	}
	if t.Prefix == "" {
		return domain.AssetType{}, errors.New("prefix is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = e.nowRFC3339()
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAssetType(ctx, tx, t); err != nil {
			return err
		}
		if err := sequence.Provision(ctx, tx, t.Prefix); err != nil {
			return fmt.Errorf("provision counter %s: %w", t.Prefix, err)
		}
		return e.Audit.Record(ctx, tx, audit.ActionCreate, "asset_type", t.ID, "", identity.UserID, audit.Changes{"prefix": t.Prefix})
	})
	if err != nil {
		return domain.AssetType{}, err
	}
	return t, nil
}

// --- assets ---

type AssetCreateOptions struct {
	SiteID      string
	AssetTypeID string
	Name        string
	Location    string
	Status      string
	Notes       *string
}

func (e Engine) CreateAsset(ctx context.Context, identity authz.Identity, opts AssetCreateOptions) (domain.Asset, error) {
	if err := authz.Require(identity, authz.ActionModifyAsset); err != nil {
		return domain.Asset{}, err
	}
	if opts.Name == "" {
		return domain.Asset{}, errors.New("name is required")
	}
	if opts.SiteID == "" {
		return domain.Asset{}, errors.New("site_id is required")
	}
	if err := authz.RequireSite(identity, opts.SiteID); err != nil {
		return domain.Asset{}, err
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.Asset{}, err
	}
	assetType, err := e.Repo.GetAssetType(ctx, opts.AssetTypeID)
	if err != nil {
		return domain.Asset{}, err
	}
	if opts.Status == "" {
		opts.Status = "operational"
	}
	now := e.nowRFC3339()
	a := domain.Asset{
		ID:          uuid.New().String(),
		SiteID:      opts.SiteID,
		AssetTypeID: assetType.ID,
		Name:        opts.Name,
		Location:    opts.Location,
		Status:      opts.Status,
		Notes:       opts.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		code, err := e.AssetCodes.Allocate(ctx, tx, assetType.Prefix)
		if err != nil {
			return err
		}
		a.Code = code
		if err := e.Repo.InsertAsset(ctx, tx, a); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionCreate, "asset", a.ID, a.SiteID, identity.UserID, audit.Changes{"code": a.Code, "name": a.Name})
	})
	if err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}

type AssetUpdateOptions struct {
	ID       string
	Name     string
	Location *string
	Status   string
	Notes    *string
}

func (e Engine) UpdateAsset(ctx context.Context, identity authz.Identity, opts AssetUpdateOptions) (domain.Asset, error) {
	if err := authz.Require(identity, authz.ActionModifyAsset); err != nil {
		return domain.Asset{}, err
	}
	a, err := e.Repo.GetAsset(ctx, opts.ID)
	if err != nil {
		return a, err
	}
	if err := authz.RequireSite(identity, a.SiteID); err != nil {
		return a, err
	}
	if opts.Name != "" {
		a.Name = opts.Name
	}
	if opts.Location != nil {
		a.Location = *opts.Location
	}
	if opts.Status != "" {
		a.Status = opts.Status
	}
	if opts.Notes != nil {
		a.Notes = opts.Notes
	}
	a.UpdatedAt = e.nowRFC3339()
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateAsset(ctx, tx, a); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionUpdate, "asset", a.ID, a.SiteID, identity.UserID, audit.Changes{"status": a.Status})
	})
	if err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}

// --- work orders ---

type WorkOrderCreateOptions struct {
	SiteID      string
	AssetID     string
	Type        string
	Title       string
	Description string
	Priority    *int
}

// CreateWorkOrder mints the work order number and inserts the row in one
// atomic unit, so two same-day creations cannot compute the same sequence.
func (e Engine) CreateWorkOrder(ctx context.Context, identity authz.Identity, opts WorkOrderCreateOptions) (domain.WorkOrder, error) {
	if err := authz.Require(identity, authz.ActionCreateWorkOrder); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.Title == "" {
		return domain.WorkOrder{}, errors.New("title is required")
	}
	if opts.SiteID == "" {
		return domain.WorkOrder{}, errors.New("site_id is required")
	}
	if opts.Type == "" {
		opts.Type = "corrective"
	}
	if err := authz.RequireSite(identity, opts.SiteID); err != nil {
		return domain.WorkOrder{}, err
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.AssetID != "" {
		asset, err := e.Repo.GetAsset(ctx, opts.AssetID)
		if err != nil {
			return domain.WorkOrder{}, err
		}
		if asset.SiteID != opts.SiteID {
			return domain.WorkOrder{}, fmt.Errorf("asset %s not at site %s", opts.AssetID, opts.SiteID)
		}
	}
	now := e.nowRFC3339()
	w := domain.WorkOrder{
		ID:          uuid.New().String(),
		SiteID:      opts.SiteID,
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      StatusOpen,
		CreatedByID: identity.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.AssetID != "" {
		w.AssetID = &opts.AssetID
	}
	numbers := e.woNumbers()
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureUser(ctx, tx, identity.UserID, "", string(identity.Role), now); err != nil {
			return err
		}
		number, err := numbers.Allocate(ctx, tx, "")
		if err != nil {
			return err
		}
		w.Number = number
		if err := e.Repo.InsertWorkOrder(ctx, tx, w); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionCreate, "work_order", w.ID, w.SiteID, identity.UserID, audit.Changes{
			"number": w.Number,
			"status": w.Status,
			"title":  w.Title,
		})
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// AssignWorkOrder hands a work order to an assignee and moves it to assigned.
func (e Engine) AssignWorkOrder(ctx context.Context, identity authz.Identity, workOrderID, assigneeID string) (domain.WorkOrder, error) {
	if err := authz.Require(identity, authz.ActionApproveWorkOrder); err != nil {
		return domain.WorkOrder{}, err
	}
	if assigneeID == "" {
		return domain.WorkOrder{}, errors.New("assignee_id is required")
	}
	if _, err := e.Repo.GetUser(ctx, assigneeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkOrder{}, fmt.Errorf("assignee %s: %w", assigneeID, err)
		}
		return domain.WorkOrder{}, err
	}
	var w domain.WorkOrder
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = e.Repo.GetWorkOrderTx(ctx, tx, workOrderID)
		if err != nil {
			return err
		}
		if err := authz.RequireSite(identity, w.SiteID); err != nil {
			return err
		}
		if !e.transitionAllowed(w.Status, StatusAssigned) {
			return InvalidTransitionError{From: w.Status, To: StatusAssigned}
		}
		w.AssignedToID = &assigneeID
		w.Status = StatusAssigned
		w.UpdatedAt = e.nowRFC3339()
		if err := e.Repo.UpdateWorkOrder(ctx, tx, w); err != nil {
			return err
		}
		return e.Audit.Record(ctx, tx, audit.ActionAssign, "work_order", w.ID, w.SiteID, identity.UserID, audit.Changes{
			"assigned_to_id": assigneeID,
		})
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// TransitionStatus moves a work order to newStatus under the role guards and
// stamps lifecycle timestamps. A supplied note is appended whether or not the
// status value actually changed.
func (e Engine) TransitionStatus(ctx context.Context, identity authz.Identity, workOrderID, newStatus, note string) (domain.WorkOrder, error) {
	if identity.UserID == "" {
		return domain.WorkOrder{}, authz.ErrUnauthorized
	}
	if !ValidStatus(newStatus) {
		return domain.WorkOrder{}, fmt.Errorf("unknown status %q", newStatus)
	}
	// Role guards that do not depend on the loaded row come first.
	if newStatus == StatusCompleted {
		if err := authz.Require(identity, authz.ActionCreateWorkOrder); err != nil {
			return domain.WorkOrder{}, err
		}
	}
	if newStatus == StatusApprovedClosed {
		if err := authz.Require(identity, authz.ActionApproveWorkOrder); err != nil {
			return domain.WorkOrder{}, err
		}
	}
	var w domain.WorkOrder
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = e.Repo.GetWorkOrderTx(ctx, tx, workOrderID)
		if err != nil {
			return err
		}
		if err := authz.RequireSite(identity, w.SiteID); err != nil {
			return err
		}
		oldStatus := w.Status
		if !e.transitionAllowed(oldStatus, newStatus) {
			return InvalidTransitionError{From: oldStatus, To: newStatus}
		}
		now := e.nowRFC3339()
		w.Status = newStatus
		w.UpdatedAt = now
		// completed_at is stamped once and never re-stamped or cleared.
		if newStatus == StatusCompleted && w.CompletedAt == nil {
			w.CompletedAt = &now
		}
		if newStatus == StatusApprovedClosed {
			if err := e.Repo.EnsureUser(ctx, tx, identity.UserID, "", string(identity.Role), now); err != nil {
				return err
			}
			w.ClosedAt = &now
			approver := identity.UserID
			w.ApprovedByID = &approver
		}
		if err := e.Repo.UpdateWorkOrder(ctx, tx, w); err != nil {
			return err
		}
		if note != "" {
			n := domain.WorkOrderNote{
				ID:          uuid.New().String(),
				WorkOrderID: w.ID,
				AuthorID:    identity.UserID,
				Text:        note,
				CreatedAt:   now,
			}
			if err := e.Repo.InsertWorkOrderNote(ctx, tx, n); err != nil {
				return err
			}
		}
		action := audit.ActionUpdate
		if newStatus == StatusApprovedClosed {
			action = audit.ActionApprove
		}
		return e.Audit.Record(ctx, tx, action, "work_order", w.ID, w.SiteID, identity.UserID, audit.Changes{
			"old_status": oldStatus,
			"new_status": newStatus,
		})
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// AddNote appends an immutable note. Notes are not audited.
func (e Engine) AddNote(ctx context.Context, identity authz.Identity, workOrderID, text string) (domain.WorkOrderNote, error) {
	if identity.UserID == "" {
		return domain.WorkOrderNote{}, authz.ErrUnauthorized
	}
	if text == "" {
		return domain.WorkOrderNote{}, errors.New("text is required")
	}
	w, err := e.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return domain.WorkOrderNote{}, err
	}
	if err := authz.RequireSite(identity, w.SiteID); err != nil {
		return domain.WorkOrderNote{}, err
	}
	n := domain.WorkOrderNote{
		ID:          uuid.New().String(),
		WorkOrderID: w.ID,
		AuthorID:    identity.UserID,
		Text:        text,
		CreatedAt:   e.nowRFC3339(),
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertWorkOrderNote(ctx, tx, n)
	})
	if err != nil {
		return domain.WorkOrderNote{}, err
	}
	return n, nil
}
