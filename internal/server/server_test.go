package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"mechline/internal/app"
	"mechline/internal/authz"
	"mechline/internal/config"
	"mechline/internal/db"
	"mechline/internal/engine"
	"mechline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := app.Bootstrap(ctx, e.Repo); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:       testSecret,
			DevLoginEnabled: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func token(t *testing.T, userID string, role authz.Role, siteIDs ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, userID, role, siteIDs, AuthConfig{}.tokenLifetime())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestWorkOrderLifecycleHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	adminTok := token(t, "admin", authz.RoleAdmin)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sites", map[string]any{
		"id": "plant-1", "name": "Plant 1",
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create site status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"id": "sue", "name": "Sue", "role": "supervisor", "site_ids": []string{"plant-1"},
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}

	supTok := token(t, "sue", authz.RoleSupervisor, "plant-1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"site_id": "plant-1", "title": "Replace bearing",
	}, bearer(supTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create wo status %d: %s", res.StatusCode, string(data))
	}
	var created WorkOrderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal work order: %v", err)
	}
	if created.Number == "" || created.Status != engine.StatusOpen {
		t.Fatalf("unexpected work order: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+created.ID+"/assign", map[string]any{
		"assignee_id": "sue",
	}, bearer(supTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+created.ID+"/status", map[string]any{
		"status": "in_progress", "note": "on the tools",
	}, bearer(supTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+created.ID+"/status", map[string]any{
		"status": "approved_closed",
	}, bearer(supTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	var closed WorkOrderResponse
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.ClosedAt == nil || closed.ApprovedByID == nil || *closed.ApprovedByID != "sue" {
		t.Fatalf("approval stamps missing: %+v", closed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders/"+created.ID+"/notes", nil, bearer(supTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notes status %d: %s", res.StatusCode, string(data))
	}
	var notes []NoteResponse
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Text != "on the tools" {
		t.Fatalf("notes %+v", notes)
	}
}

func TestForbiddenEnvelope(t *testing.T) {
	srv := newTestServer(t)
	adminTok := token(t, "admin", authz.RoleAdmin)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sites", map[string]any{
		"id": "plant-1", "name": "Plant 1",
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create site status %d: %s", res.StatusCode, string(data))
	}

	viewerTok := token(t, "vic", authz.RoleViewer, "plant-1")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"site_id": "plant-1", "title": "nope",
	}, bearer(viewerTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "forbidden" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Details["action"] != string(authz.ActionCreateWorkOrder) {
		t.Fatalf("details %+v", env.Error.Details)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv := newTestServer(t)
	adminTok := token(t, "admin", authz.RoleAdmin)
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sites", map[string]any{
		"id": "plant-1", "name": "Plant 1",
	}, bearer(adminTok))

	supTok := token(t, "sue", authz.RoleSupervisor, "plant-1")
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"site_id": "plant-1", "title": "Inspect valve",
	}, bearer(supTok))
	var created WorkOrderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+created.ID+"/status", map[string]any{
		"status": "cancelled",
	}, bearer(supTok))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+created.ID+"/status", map[string]any{
		"status": "open",
	}, bearer(supTok))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Details["from"] != "cancelled" || env.Error.Details["to"] != "open" {
		t.Fatalf("details %+v", env.Error.Details)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "fin", "role": "fitter", "site_ids": []string{"plant-1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ID != "fin" || me.Role != "fitter" {
		t.Fatalf("me %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	adminTok := token(t, "admin", authz.RoleAdmin)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"id": "meg", "name": "Meg", "role": "manager",
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users/meg/api-keys", map[string]any{
		"name": "automation",
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("plaintext key not returned")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ID != "meg" || me.Role != "manager" {
		t.Fatalf("me %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/users/meg/api-keys/"+key.ID, nil, bearer(adminTok))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still authenticates: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/users/meg/api-keys/"+key.ID, nil, bearer(adminTok))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("revoking twice status %d", res.StatusCode)
	}
}

func TestSiteScopedListing(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	adminTok := token(t, "admin", authz.RoleAdmin)
	for _, site := range []string{"plant-1", "plant-2"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sites", map[string]any{
			"id": site, "name": site,
		}, bearer(adminTok))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create site status %d: %s", res.StatusCode, string(data))
		}
	}
	mgrTok := token(t, "meg", authz.RoleManager)
	for _, site := range []string{"plant-1", "plant-2"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
			"site_id": site, "title": "check " + site,
		}, bearer(mgrTok))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create wo status %d: %s", res.StatusCode, string(data))
		}
	}

	fitterTok := token(t, "fin", authz.RoleFitter, "plant-1")
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders", nil, bearer(fitterTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedWorkOrders
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].SiteID != "plant-1" {
		t.Fatalf("expected only plant-1 orders, got %+v", page.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders?site_id=plant-2", nil, bearer(fitterTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-site filter status %d", res.StatusCode)
	}
}

func TestAuditListingSiteScoped(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	adminTok := token(t, "admin", authz.RoleAdmin)
	for _, site := range []string{"plant-1", "plant-2"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sites", map[string]any{
			"id": site, "name": site,
		}, bearer(adminTok))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create site status %d: %s", res.StatusCode, string(data))
		}
	}
	mgrTok := token(t, "meg", authz.RoleManager)
	for _, site := range []string{"plant-1", "plant-2"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
			"site_id": site, "title": "confidential " + site + " job",
		}, bearer(mgrTok))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create wo status %d: %s", res.StatusCode, string(data))
		}
	}

	supTok := token(t, "sue", authz.RoleSupervisor, "plant-1")

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit-events?site_id=plant-2", nil, bearer(supTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-site audit filter status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit-events", nil, bearer(supTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedAuditEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal audit page: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected plant-1 events in supervisor listing")
	}
	for _, evt := range page.Items {
		if evt.SiteID != "plant-1" {
			t.Fatalf("event for site %q leaked to plant-1 supervisor: %+v", evt.SiteID, evt)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit-events?site_id=plant-2", nil, bearer(mgrTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manager audit list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal audit page: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected plant-2 events for manager")
	}
}
