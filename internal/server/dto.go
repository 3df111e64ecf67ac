package server

import (
	"encoding/json"

	"mechline/internal/domain"
)

// Request payloads

type CreateSiteRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type CreateUserRequest struct {
	ID      *string  `json:"id,omitempty"`
	Name    string   `json:"name"`
	Role    string   `json:"role" enum:"viewer,fitter,supervisor,manager,admin"`
	SiteIDs []string `json:"site_ids,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateAssetTypeRequest struct {
	Name        string  `json:"name"`
	Prefix      string  `json:"prefix"`
	Description *string `json:"description,omitempty"`
}

type CreateAssetRequest struct {
	SiteID      string  `json:"site_id"`
	AssetTypeID string  `json:"asset_type_id"`
	Name        string  `json:"name"`
	Location    *string `json:"location,omitempty"`
	Status      *string `json:"status,omitempty" enum:"operational,degraded,down,retired"`
	Notes       *string `json:"notes,omitempty"`
}

type UpdateAssetRequest struct {
	Name     *string `json:"name,omitempty"`
	Location *string `json:"location,omitempty"`
	Status   *string `json:"status,omitempty" enum:"operational,degraded,down,retired"`
	Notes    *string `json:"notes,omitempty"`
}

type CreateWorkOrderRequest struct {
	SiteID      string  `json:"site_id"`
	AssetID     *string `json:"asset_id,omitempty"`
	Type        string  `json:"type,omitempty" enum:"corrective,preventive,inspection"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
}

type AssignWorkOrderRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type TransitionWorkOrderRequest struct {
	Status string `json:"status" enum:"open,assigned,in_progress,waiting_parts,waiting_vendor,completed,approved_closed,cancelled"`
	Note   string `json:"note,omitempty"`
}

type AddNoteRequest struct {
	Text string `json:"text"`
}

type DevLoginRequest struct {
	UserID  string   `json:"user_id"`
	Role    string   `json:"role" enum:"viewer,fitter,supervisor,manager,admin"`
	SiteIDs []string `json:"site_ids,omitempty"`
}

// Response payloads

type SiteResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role" enum:"viewer,fitter,supervisor,manager,admin"`
	SiteIDs   []string `json:"site_ids"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AssetTypeResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CounterResponse struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

type AssetResponse struct {
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

type WorkOrderResponse struct {
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

type NoteResponse struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	AuthorID    string `json:"author_id"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AuditEventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Action       string         `json:"action"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	SiteID       string         `json:"site_id,omitempty"`
	ActingUserID string         `json:"acting_user_id"`
	Changes      map[string]any `json:"changes,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedWorkOrders struct {
	Items      []WorkOrderResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedAssets struct {
	Items      []AssetResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedAuditEvents struct {
	Items      []AuditEventResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func siteResponse(s domain.Site) SiteResponse {
	return SiteResponse{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Role:      u.Role,
		SiteIDs:   nonNilSlice(u.SiteIDs),
		CreatedAt: u.CreatedAt,
	}
}

func assetTypeResponse(t domain.AssetType) AssetTypeResponse {
	return AssetTypeResponse{
		ID:          t.ID,
		Name:        t.Name,
		Prefix:      t.Prefix,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
	}
}

func assetResponse(a domain.Asset) AssetResponse {
	return AssetResponse{
		ID:          a.ID,
		Code:        a.Code,
		SiteID:      a.SiteID,
		AssetTypeID: a.AssetTypeID,
		Name:        a.Name,
		Location:    a.Location,
		Status:      a.Status,
		Notes:       a.Notes,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func workOrderResponse(w domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse{
		ID:           w.ID,
		Number:       w.Number,
		SiteID:       w.SiteID,
		AssetID:      w.AssetID,
		Type:         w.Type,
		Title:        w.Title,
		Description:  w.Description,
		Priority:     w.Priority,
		Status:       w.Status,
		AssignedToID: w.AssignedToID,
		CreatedByID:  w.CreatedByID,
		ApprovedByID: w.ApprovedByID,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
		CompletedAt:  w.CompletedAt,
		ClosedAt:     w.ClosedAt,
	}
}

func noteResponse(n domain.WorkOrderNote) NoteResponse {
	return NoteResponse{
		ID:          n.ID,
		WorkOrderID: n.WorkOrderID,
		AuthorID:    n.AuthorID,
		Text:        n.Text,
		CreatedAt:   n.CreatedAt,
	}
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	resp := AuditEventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Action:       e.Action,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		SiteID:       e.SiteID,
		ActingUserID: e.ActingUserID,
	}
	if e.ChangesJSON != "" {
		var changes map[string]any
		if err := json.Unmarshal([]byte(e.ChangesJSON), &changes); err == nil {
			resp.Changes = changes
		}
	}
	return resp
}

func mapWorkOrders(items []domain.WorkOrder) []WorkOrderResponse {
	res := make([]WorkOrderResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workOrderResponse(w))
	}
	return res
}

func mapAssets(items []domain.Asset) []AssetResponse {
	res := make([]AssetResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assetResponse(a))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
