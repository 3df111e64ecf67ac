package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Actions recorded by the lifecycle engine.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionDelete  = "DELETE"
	ActionApprove = "APPROVE"
	ActionAssign  = "ASSIGN"
)

// Writer appends audit events inside the caller's transaction, so an event
// exists only if the mutation it describes committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Changes map[string]any

func (w Writer) Record(ctx context.Context, tx *sql.Tx, action, entityType, entityID, siteID, actingUserID string, changes Changes) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if changes == nil {
		changes = Changes{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(ts,action,entity_type,entity_id,site_id,acting_user_id,changes_json) VALUES (?,?,?,?,?,?,?)`,
		ts, action, entityType, nullable(entityID), nullable(siteID), actingUserID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
