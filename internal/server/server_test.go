package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"testing"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
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

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	seed(t, e)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:        testSecret,
		DevLogin:         true,
		AllowActorHeader: true,
	}})
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
	return testSrv, func() { testSrv.Close() }
}

func seed(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, u := range []domain.User{
		{ID: "pm-1", Name: "Pat", Role: repo.RolePM},
		{ID: "dev-1", Name: "Dana", Role: repo.RoleDeveloper},
		{ID: "alice", Name: "Alice", Role: repo.RoleClient},
	} {
		u.CreatedAt = now
		if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := e.Repo.InsertClient(ctx, tx, domain.Client{ID: "client-1", Name: "Acme", CreatedAt: now}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createRequest(t *testing.T, srv *testServer, actor string, body map[string]any) domain.Request {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", body, as(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var req domain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func TestRequestLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createRequest(t, srv, "alice", map[string]any{
		"title":       "Export invoices",
		"description": "CSV export from the billing page",
		"type":        "feature",
		"client_id":   "client-1",
	})
	if created.RequestNumber != "REQ-0001" || created.Stage != domain.StageInTreatment {
		t.Fatalf("unexpected created request: %+v", created)
	}
	base := srv.URL + "/v0/requests/" + created.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"to_stage": "estimation"}, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/estimate", map[string]any{
		"story_points": 3,
		"confidence":   "high",
	}, as("dev-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("estimate status %d: %s", res.StatusCode, string(data))
	}
	var est engine.EstimateResult
	if err := json.Unmarshal(data, &est); err != nil {
		t.Fatalf("unmarshal estimate: %v", err)
	}
	if est.Request.Stage != domain.StageReady || est.Recommendation != domain.ConvertToTicket {
		t.Fatalf("unexpected estimate result: %+v", est)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/convert", map[string]any{"destination_type": "ticket"}, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("convert status %d: %s", res.StatusCode, string(data))
	}
	var conv engine.ConvertResult
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatalf("unmarshal convert: %v", err)
	}
	if conv.ConvertedToType != domain.ConvertToTicket || conv.ConvertedToID == "" {
		t.Fatalf("unexpected convert result: %+v", conv)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/history", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var hist HistoryResponse
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Items) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(hist.Items))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	req := createRequest(t, srv, "pm-1", map[string]any{"title": "Fix login", "description": "500 on submit", "type": "bug"})
	base := srv.URL + "/v0/requests/"

	cases := []struct {
		name   string
		method string
		url    string
		body   any
		status int
		code   string
	}{
		{"missing request", http.MethodGet, base + "nope", nil, http.StatusNotFound, "not_found"},
		{"invalid edge", http.MethodPost, base + req.ID + "/transition", map[string]any{"to_stage": "ready"}, http.StatusBadRequest, "bad_request"},
		{"resume when active", http.MethodPost, base + req.ID + "/resume", nil, http.StatusBadRequest, "bad_request"},
		{"blank hold reason", http.MethodPost, base + req.ID + "/hold", map[string]any{"reason": " "}, http.StatusBadRequest, "bad_request"},
		{"unknown pm", http.MethodPost, base + req.ID + "/assign-pm", map[string]any{"pm_id": "ghost"}, http.StatusNotFound, "not_found"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res, data := doJSON(t, client, c.method, c.url, c.body, as("pm-1"))
			if res.StatusCode != c.status {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, c.status, string(data))
			}
			if got := errorCode(t, data); got != c.code {
				t.Fatalf("code %q, want %q", got, c.code)
			}
		})
	}

	res, data := doJSON(t, client, http.MethodDelete, base+req.ID+"?reason=duplicate", nil, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+req.ID+"/transition", map[string]any{"to_stage": "estimation"}, as("pm-1"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict after cancel, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredAndClientForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}

	req := createRequest(t, srv, "alice", map[string]any{"title": "Dark mode", "description": "Please", "type": "enhancement"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/transition", map[string]any{"to_stage": "estimation"}, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for client transition, got %d: %s", res.StatusCode, string(data))
	}
	if errorCode(t, data) != "forbidden" {
		t.Fatalf("unexpected error body: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title":        "On behalf",
		"description":  "x",
		"type":         "bug",
		"requester_id": "pm-1",
	}, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client filing for someone else should be forbidden, got %d: %s", res.StatusCode, string(data))
	}

	staff := createRequest(t, srv, "pm-1", map[string]any{"title": "Internal", "description": "ops", "type": "support"})
	for _, path := range []string{"/v0/requests/" + staff.ID, "/v0/requests/" + staff.ID + "/history"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+path, nil, as("alice"))
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("client reading %s should get 404, got %d: %s", path, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+req.ID, nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client reading its own request: %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests?requester_id=pm-1", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedRequests
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != req.ID {
		t.Fatalf("client list must only contain its own requests: %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, as("pm-1"))
	if err := json.Unmarshal(data, &page); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("staff list %d: %s", res.StatusCode, string(data))
	}
	if len(page.Items) != 2 {
		t.Fatalf("staff list should see every request, got %d", len(page.Items))
	}
}

func TestBulkTransitionReportsPerItem(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := createRequest(t, srv, "pm-1", map[string]any{"title": "A", "description": "a", "type": "bug"})
	b := createRequest(t, srv, "pm-1", map[string]any{"title": "B", "description": "b", "type": "bug"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/bulk/transition", map[string]any{
		"ids":      []string{a.ID, b.ID, "missing"},
		"to_stage": "estimation",
	}, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk status %d: %s", res.StatusCode, string(data))
	}
	var out engine.BulkResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal bulk: %v", err)
	}
	if len(out.SuccessIDs) != 2 || len(out.Failed) != 1 || out.Failed[0].ID != "missing" {
		t.Fatalf("unexpected bulk result: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/bulk/transition", map[string]any{
		"ids":      []string{},
		"to_stage": "estimation",
	}, as("pm-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty ids should be rejected, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/bulk/assign", map[string]any{
		"ids":   []string{a.ID, b.ID},
		"pm_id": "pm-1",
	}, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk assign status %d: %s", res.StatusCode, string(data))
	}
}

func TestListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, title := range []string{"one", "two", "three"} {
		createRequest(t, srv, "pm-1", map[string]any{"title": title, "description": title, "type": "support"})
	}

	seen := map[string]bool{}
	url := srv.URL + "/v0/requests?limit=2"
	for page := 0; page < 3 && url != ""; page++ {
		res, data := doJSON(t, client, http.MethodGet, url, nil, as("dev-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var out paginatedRequests
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		for _, r := range out.Items {
			seen[r.ID] = true
		}
		url = ""
		if out.NextCursor != "" {
			url = srv.URL + "/v0/requests?limit=2&cursor=" + neturl.QueryEscape(out.NextCursor)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct requests across pages, got %d", len(seen))
	}

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests?cursor=broken", nil, as("dev-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice", "roles": []string{"client"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unexpected login body: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alice" || me.Internal {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "x", "roles": []string{"wizard"}}, nil)
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "invalid role") {
		t.Fatalf("expected invalid role rejection, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAgingAndAnalyticsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createRequest(t, srv, "pm-1", map[string]any{"title": "Fresh", "description": "new", "type": "other"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/aging", nil, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("aging status %d: %s", res.StatusCode, string(data))
	}
	var aging AgingResponse
	if err := json.Unmarshal(data, &aging); err != nil {
		t.Fatalf("unmarshal aging: %v", err)
	}
	if len(aging.Items) != 0 {
		t.Fatalf("fresh request should not be aging: %+v", aging.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/aging/scan", nil, as("dev-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developer scan should be forbidden, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/analytics", nil, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client analytics should be forbidden, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/analytics", nil, as("pm-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analytics status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"total_active":1`) {
		t.Fatalf("unexpected analytics body: %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	raw, key, err := srv.Engine.Repo.IssueAPIKey(ctx, "dev-1", "ci", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-1" || !me.Internal || len(me.Roles) != 1 || me.Roles[0] != repo.RoleDeveloper {
		t.Fatalf("unexpected principal: %+v", me)
	}

	keys, err := srv.Engine.Repo.ListAPIKeys(ctx, "dev-1")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("expected last_used_at to be stamped: %+v (%v)", keys, err)
	}

	if err := srv.Engine.Repo.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
}
