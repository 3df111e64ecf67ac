package mechlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mechline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// WorkOrder represents the API work order model.
type WorkOrder struct {
	ID           string  `json:"id"`
	Number       string  `json:"number"`
	SiteID       string  `json:"site_id"`
	AssetID      *string `json:"asset_id,omitempty"`
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Priority     *int    `json:"priority,omitempty"`
	Status       string  `json:"status"`
	AssignedToID *string `json:"assigned_to_id,omitempty"`
	CreatedByID  string  `json:"created_by_id"`
	ApprovedByID *string `json:"approved_by_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	ClosedAt     *string `json:"closed_at,omitempty"`
}

// Note is a free-text entry on a work order.
type Note struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	AuthorID    string `json:"author_id"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at"`
}

// AuditEvent is one entry in the audit log.
type AuditEvent struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Action       string         `json:"action"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	SiteID       string         `json:"site_id,omitempty"`
	ActingUserID string         `json:"acting_user_id"`
	Changes      map[string]any `json:"changes,omitempty"`
}

// User is the identity echoed by /me.
type User struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	SiteIDs []string `json:"site_ids"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedWorkOrders wraps list responses with cursors.
type PaginatedWorkOrders struct {
	Items      []WorkOrder `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedAuditEvents wraps audit listings with cursors.
type PaginatedAuditEvents struct {
	Items      []AuditEvent `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// WorkOrderCreate holds the fields for CreateWorkOrder.
type WorkOrderCreate struct {
	SiteID      string  `json:"site_id"`
	AssetID     *string `json:"asset_id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

// CreateWorkOrder opens a new work order.
func (c *Client) CreateWorkOrder(ctx context.Context, in WorkOrderCreate) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, c.apiPath("work-orders"), in, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	endpoint := c.apiPath(fmt.Sprintf("work-orders/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WorkOrders returns a paginated work order listing. siteID and status are
// optional filters.
func (c *Client) WorkOrders(ctx context.Context, siteID, status string, limit int, cursor string) (PaginatedWorkOrders, error) {
	q := url.Values{}
	if siteID != "" {
		q.Set("site_id", siteID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("work-orders")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedWorkOrders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignWorkOrder assigns a work order to a user.
func (c *Client) AssignWorkOrder(ctx context.Context, id, assigneeID string) (WorkOrder, error) {
	body := map[string]any{"assignee_id": assigneeID}
	var resp WorkOrder
	endpoint := c.apiPath(fmt.Sprintf("work-orders/%s/assign", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// TransitionWorkOrder moves a work order to a new status, optionally
// recording a note with the change.
func (c *Client) TransitionWorkOrder(ctx context.Context, id, status, note string) (WorkOrder, error) {
	body := map[string]any{"status": status}
	if note != "" {
		body["note"] = note
	}
	var resp WorkOrder
	endpoint := c.apiPath(fmt.Sprintf("work-orders/%s/status", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddNote appends a note to a work order.
func (c *Client) AddNote(ctx context.Context, id, text string) (Note, error) {
	body := map[string]any{"text": text}
	var resp Note
	endpoint := c.apiPath(fmt.Sprintf("work-orders/%s/notes", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Notes lists the notes on a work order.
func (c *Client) Notes(ctx context.Context, id string) ([]Note, error) {
	var resp []Note
	endpoint := c.apiPath(fmt.Sprintf("work-orders/%s/notes", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditEvents returns a paginated audit listing, newest first.
func (c *Client) AuditEvents(ctx context.Context, limit int, cursor string) (PaginatedAuditEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("audit-events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAuditEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the identity behind the configured credentials.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, c.apiPath("me"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v1"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
