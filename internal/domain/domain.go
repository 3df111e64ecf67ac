package domain

type Site struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AssetType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Asset struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	SiteID      string  `json:"site_id"`
	AssetTypeID string  `json:"asset_type_id"`
	Name        string  `json:"name"`
	Location    string  `json:"location,omitempty"`
	Status      string  `json:"status" enum:"operational,degraded,down,retired"`
	Notes       *string `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type WorkOrder struct {
	ID           string  `json:"id"`
	Number       string  `json:"number"`
	SiteID       string  `json:"site_id"`
	AssetID      *string `json:"asset_id,omitempty"`
	Type         string  `json:"type" enum:"corrective,preventive,inspection"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Priority     *int    `json:"priority,omitempty"`
	Status       string  `json:"status" enum:"open,assigned,in_progress,waiting_parts,waiting_vendor,completed,approved_closed,cancelled"`
	AssignedToID *string `json:"assigned_to_id,omitempty"`
	CreatedByID  string  `json:"created_by_id"`
	ApprovedByID *string `json:"approved_by_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	ClosedAt     *string `json:"closed_at,omitempty" format:"date-time"`
}

type WorkOrderNote struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	AuthorID    string `json:"author_id"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Counter backs sequential identifier allocation for a named key.
type Counter struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

type User struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role" enum:"viewer,fitter,supervisor,manager,admin"`
	SiteIDs   []string `json:"site_ids,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEvent struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Action       string `json:"action"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id,omitempty"`
	SiteID       string `json:"site_id,omitempty"`
	ActingUserID string `json:"acting_user_id"`
	ChangesJSON  string `json:"changes_json"`
}
