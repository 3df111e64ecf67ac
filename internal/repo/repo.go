package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mechline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict wraps a storage write conflict that survived bounded retries.
var ErrConflict = errors.New("storage conflict")

const txAttempts = 3

// InTx runs fn inside a transaction, retrying the whole unit on SQLite
// busy/locked errors. Each retry re-reads fresh state, so read-increment-write
// sequences stay safe; non-conflict errors surface immediately.
func (r Repo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (r Repo) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// --- sites ---

func (r Repo) InsertSite(ctx context.Context, tx *sql.Tx, s domain.Site) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,timezone,created_at) VALUES (?,?,?,?)`,
		s.ID, s.Name, nullable(s.Timezone), s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	var s domain.Site
	var tz sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,timezone,created_at FROM sites WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &tz, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if tz.Valid {
		s.Timezone = tz.String
	}
	return s, err
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(timezone,''),created_at FROM sites ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.Name, &s.Timezone, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- asset types ---

func (r Repo) InsertAssetType(ctx context.Context, tx *sql.Tx, t domain.AssetType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO asset_types(id,name,prefix,description,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, t.Prefix, nullable(t.Description), t.CreatedAt)
	return err
}

func (r Repo) GetAssetType(ctx context.Context, id string) (domain.AssetType, error) {
	var t domain.AssetType
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,prefix,description,created_at FROM asset_types WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Prefix, &desc, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, err
}

func (r Repo) ListAssetTypes(ctx context.Context) ([]domain.AssetType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,prefix,COALESCE(description,''),created_at FROM asset_types ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssetType
	for rows.Next() {
		var t domain.AssetType
		if err := rows.Scan(&t.ID, &t.Name, &t.Prefix, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- counters ---

func (r Repo) GetCounter(ctx context.Context, key string) (domain.Counter, error) {
	var c domain.Counter
	err := r.DB.QueryRowContext(ctx, `SELECT key,value FROM counters WHERE key=?`, key).Scan(&c.Key, &c.Value)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// --- assets ---

func (r Repo) InsertAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assets(id,code,site_id,asset_type_id,name,location,status,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Code, a.SiteID, a.AssetTypeID, a.Name, nullable(a.Location), a.Status, nullableStringPtr(a.Notes), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `UPDATE assets SET name=?, location=?, status=?, notes=?, updated_at=? WHERE id=?`,
		a.Name, nullable(a.Location), a.Status, nullableStringPtr(a.Notes), a.UpdatedAt, a.ID)
	return err
}

func scanAsset(scan func(dest ...any) error) (domain.Asset, error) {
	var a domain.Asset
	var location, notes sql.NullString
	err := scan(&a.ID, &a.Code, &a.SiteID, &a.AssetTypeID, &a.Name, &location, &a.Status, &notes, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if location.Valid {
		a.Location = location.String
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	return a, nil
}

const assetColumns = `id,code,site_id,asset_type_id,name,location,status,notes,created_at,updated_at`

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=?`, id)
	return scanAsset(row.Scan)
}

type AssetFilters struct {
	SiteID          string
	AssetTypeID     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAssets(ctx context.Context, f AssetFilters) ([]domain.Asset, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.AssetTypeID != "" {
		clauses = append(clauses, "asset_type_id=?")
		args = append(args, f.AssetTypeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assetColumns + ` FROM assets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- work orders ---

const workOrderColumns = `id,number,site_id,asset_id,type,title,description,priority,status,assigned_to_id,created_by_id,approved_by_id,created_at,updated_at,completed_at,closed_at`

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(`+workOrderColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Number, w.SiteID, nullableStringPtr(w.AssetID), w.Type, w.Title, nullable(w.Description),
		nullableIntPtr(w.Priority), w.Status, nullableStringPtr(w.AssignedToID), w.CreatedByID,
		nullableStringPtr(w.ApprovedByID), w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.CompletedAt), nullableStringPtr(w.ClosedAt))
	return err
}

func (r Repo) UpdateWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_orders SET status=?, assigned_to_id=?, approved_by_id=?, priority=?, updated_at=?, completed_at=?, closed_at=? WHERE id=?`,
		w.Status, nullableStringPtr(w.AssignedToID), nullableStringPtr(w.ApprovedByID), nullableIntPtr(w.Priority),
		w.UpdatedAt, nullableStringPtr(w.CompletedAt), nullableStringPtr(w.ClosedAt), w.ID)
	return err
}

func scanWorkOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var assetID, description, assignedTo, approvedBy, completedAt, closedAt sql.NullString
	var priority sql.NullInt64
	err := scan(&w.ID, &w.Number, &w.SiteID, &assetID, &w.Type, &w.Title, &description, &priority,
		&w.Status, &assignedTo, &w.CreatedByID, &approvedBy, &w.CreatedAt, &w.UpdatedAt, &completedAt, &closedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if assetID.Valid {
		w.AssetID = &assetID.String
	}
	if description.Valid {
		w.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		w.Priority = &p
	}
	if assignedTo.Valid {
		w.AssignedToID = &assignedTo.String
	}
	if approvedBy.Valid {
		w.ApprovedByID = &approvedBy.String
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	if closedAt.Valid {
		w.ClosedAt = &closedAt.String
	}
	return w, nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id)
	return scanWorkOrder(row.Scan)
}

// GetWorkOrderTx reads the row inside the caller's transaction so a transition
// reads and writes the target within one atomic unit.
func (r Repo) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id)
	return scanWorkOrder(row.Scan)
}

type WorkOrderFilters struct {
	SiteID          string
	Status          string
	AssignedToID    string
	AssetID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedToID != "" {
		clauses = append(clauses, "assigned_to_id=?")
		args = append(args, f.AssignedToID)
	}
	if f.AssetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, f.AssetID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workOrderColumns + ` FROM work_orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- work order notes ---

func (r Repo) InsertWorkOrderNote(ctx context.Context, tx *sql.Tx, n domain.WorkOrderNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_order_notes(id,work_order_id,author_id,text,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.WorkOrderID, n.AuthorID, n.Text, n.CreatedAt)
	return err
}

func (r Repo) ListWorkOrderNotes(ctx context.Context, workOrderID string) ([]domain.WorkOrderNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_order_id,author_id,text,created_at FROM work_order_notes WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrderNote
	for rows.Next() {
		var n domain.WorkOrderNote
		if err := rows.Scan(&n.ID, &n.WorkOrderID, &n.AuthorID, &n.Text, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// --- audit events (read side; writes go through audit.Writer) ---

type AuditFilters struct {
	Action     string
	EntityType string
	EntityID   string
	SiteID     string
	Limit      int
	Cursor     int64
}

func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,entity_type,entity_id,site_id,acting_user_id,changes_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryAuditEvents(ctx, query, args...)
}

// AuditEventsAfter returns events with IDs greater than the cursor in
// ascending order, for sink dispatch.
func (r Repo) AuditEventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAuditEvents(ctx,
		`SELECT id,ts,action,entity_type,entity_id,site_id,acting_user_id,changes_json FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
}

// LatestAuditEventID returns the most recent audit event ID.
func (r Repo) LatestAuditEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events`).Scan(&id)
	return id, err
}

func (r Repo) queryAuditEvents(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var entityID, siteID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.EntityType, &entityID, &siteID, &e.ActingUserID, &e.ChangesJSON); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if siteID.Valid {
			e.SiteID = siteID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
