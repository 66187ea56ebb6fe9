package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/engine"
	"regline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1", "Test Cycle")
	e := engine.New(conn, cfg)
	if _, err := e.InitCycle(context.Background(), "cycle-1", "Test Cycle", "tester", cfg); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func devToken(t *testing.T, srv *testServer, actorID string, perms ...string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    actorID,
		"permissions": perms,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return out.Token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error
}

func createReport(t *testing.T, srv *testServer, hdr map[string]string, id, title string) ReportResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports", map[string]any{
		"id":    id,
		"title": title,
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report status %d: %s", res.StatusCode, string(data))
	}
	var rep ReportResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	return rep
}

func findActivity(t *testing.T, srv *testServer, hdr map[string]string, reportID, phase, name string) ActivityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/"+reportID+"/activities?phase="+phase, nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list activities status %d: %s", res.StatusCode, string(data))
	}
	var items []ActivityResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	for _, a := range items {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("activity %s/%s not found", phase, name)
	return ActivityResponse{}
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("error code = %q", body.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_credentials" {
		t.Fatalf("error code = %q", body.Code)
	}
}

func TestReportWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(devToken(t, srv, "alice", "workflow.read", "workflow.write", "activity.start", "activity.complete"))

	createReport(t, srv, hdr, "rep-1", "Liquidity Coverage")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list phases status %d: %s", res.StatusCode, string(data))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("unmarshal phases: %v", err)
	}
	if len(phases) != 9 || phases[0].Name != "planning" {
		t.Fatalf("unexpected phases: %d, first %q", len(phases), phases[0].Name)
	}

	kickoff := findActivity(t, srv, hdr, "rep-1", "planning", "kickoff")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/activities/"+kickoff.ID+"/start", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start kickoff status %d: %s", res.StatusCode, string(data))
	}
	var started ActivityResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}
	if started.Status != "in_progress" {
		t.Fatalf("kickoff status = %s", started.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/activities/"+kickoff.ID+"/complete", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete kickoff status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/activities/next", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next activity status %d: %s", res.StatusCode, string(data))
	}
	var next ActivityResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal next: %v", err)
	}
	if next.Name != "define_timeline" {
		t.Fatalf("next activity = %s", next.Name)
	}

	// Event pages cursor through history without gaps.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/events?limit=1", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page1 paginatedEvents
	if err := json.Unmarshal(data, &page1); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page1.Items) != 1 || page1.NextCursor == "" {
		t.Fatalf("first page: %d items, cursor %q", len(page1.Items), page1.NextCursor)
	}
	if want := fmt.Sprintf("%d", page1.Items[0].ID); page1.NextCursor != want {
		t.Fatalf("cursor = %s, want %s", page1.NextCursor, want)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/events?limit=1&cursor="+page1.NextCursor, nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var page2 paginatedEvents
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page2.Items) != 1 || page2.Items[0].ID >= page1.Items[0].ID {
		t.Fatalf("second page: %+v", page2.Items)
	}
}

func TestStartOutOfOrderConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(devToken(t, srv, "alice", "workflow.read", "workflow.write", "activity.start"))

	createReport(t, srv, hdr, "rep-1", "Liquidity Coverage")
	confirm := findActivity(t, srv, hdr, "rep-1", "planning", "confirm_plan")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/activities/"+confirm.ID+"/start", nil, hdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "precondition_not_met" {
		t.Fatalf("error code = %q", body.Code)
	}
}

func TestForbiddenWithoutPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(devToken(t, srv, "mallory"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports", map[string]any{
		"id":    "rep-x",
		"title": "Nope",
	}, hdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "forbidden" {
		t.Fatalf("error code = %q", body.Code)
	}
	if body.Details["permission"] != "workflow.write" {
		t.Fatalf("details = %v", body.Details)
	}
}

func TestGrantedRoleAuthorizesLegacyActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := bearer(devToken(t, srv, "admin", "cycle.admin"))
	legacy := map[string]string{"X-Actor-Id": "frank"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/actors/frank/roles/tester", nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant role status %d: %s", res.StatusCode, string(data))
	}

	// Legacy header actors carry no token permissions, so this exercises
	// the cycle RBAC fallback.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports", nil, legacy)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read as tester status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/cycles/cycle-1/actors/frank/roles/tester", nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke role status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports", nil, legacy)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d: %s", res.StatusCode, string(data))
	}
}

func TestVersionApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(devToken(t, srv, "vera", "workflow.read", "workflow.write", "version.submit", "version.review"))

	createReport(t, srv, hdr, "rep-1", "Liquidity Coverage")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases/scoping/versions", map[string]any{
		"scope_kind": "attribute_set",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create version status %d: %s", res.StatusCode, string(data))
	}
	var v VersionResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if v.Status != "draft" || v.VersionNumber != 1 {
		t.Fatalf("draft: %+v", v)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID+"/submit", nil, hdr)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty draft, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "empty_version" {
		t.Fatalf("error code = %q", body.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID+"/decisions", map[string]any{
		"entity_ref": "attr-cash-flows",
		"decision":   "include",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add decision status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID+"/submit", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted VersionResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != "pending_approval" {
		t.Fatalf("status after submit = %s", submitted.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID+"/decisions/attr-cash-flows/review", map[string]any{
		"decision": "exclude",
		"notes":    "owner prefers exclusion",
	}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review decision status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID+"/review", map[string]any{
		"verdict": "approve",
	}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved VersionResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("status after approve = %s", approved.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/versions/"+v.ID, nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get version status %d: %s", res.StatusCode, string(data))
	}
	var detail VersionResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal version detail: %v", err)
	}
	if len(detail.Decisions) != 1 {
		t.Fatalf("decisions: %d", len(detail.Decisions))
	}
	if detail.Decisions[0].EffectiveOutcome != "exclude" {
		t.Fatalf("effective outcome = %s", detail.Decisions[0].EffectiveOutcome)
	}
}

func TestEnqueueExecution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(devToken(t, srv, "opal", "workflow.read", "workflow.write", "activity.start", "execution.manage"))

	createReport(t, srv, hdr, "rep-1", "Liquidity Coverage")
	prof := findActivity(t, srv, hdr, "rep-1", "data_profiling", "profile_sources")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/activities/"+prof.ID+"/start?force=true", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("force start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/executions", map[string]any{
		"activity_id": prof.ID,
		"policy_type": "data_fetch",
		"payload":     map[string]any{"source": "warehouse"},
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != "pending" || exec.MaxAttempts != 4 {
		t.Fatalf("execution: %+v", exec)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/executions?activity_id="+prof.ID, nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions status %d: %s", res.StatusCode, string(data))
	}
	var items []ExecutionResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal executions: %v", err)
	}
	if len(items) != 1 || items[0].ID != exec.ID {
		t.Fatalf("executions: %+v", items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/executions/"+exec.ID, nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, string(data))
	}
}
