package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"famtasks/internal/app"
	"famtasks/internal/domain"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	var logs bytes.Buffer
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Logger: app.NewLogger(&logs, true)})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Catalog:  a.Catalog,
		Deps:     a.Deps,
		Engine:   a.Engine,
		Rules:    a.Rules,
		Events:   a.Repo,
		Families: a.Repo,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
		BasePath: "/v1",
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
			a.Close(context.Background())
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env
}

func mustStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

// seed creates templates A and B where A requires B, and family F1.
func seed(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	for i, id := range []string{"A", "B"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates", map[string]any{
			"id":            id,
			"title":         "Task " + id,
			"display_order": i + 1,
		}, nil)
		mustStatus(t, res, data, http.StatusCreated)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates/A/dependencies", map[string]any{
		"depends_on_task_id": "B",
	}, nil)
	mustStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families", map[string]any{"id": "F1", "name": "Doe"}, nil)
	mustStatus(t, res, data, http.StatusCreated)
}

func TestTransitionBlockedUntilDependencyCompletes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()
	headers := map[string]string{"X-Actor-ID": "parent-1"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/A/transitions", map[string]any{"status": "in_progress"}, headers)
	mustStatus(t, res, data, http.StatusUnprocessableEntity)
	env := decodeError(t, data)
	if env.Error.Code != "transition_blocked" {
		t.Fatalf("expected transition_blocked, got %+v", env.Error)
	}
	missing, _ := env.Error.Details["missing_required"].([]any)
	if len(missing) != 1 || missing[0] != "Task B" {
		t.Fatalf("unexpected missing_required %v", env.Error.Details["missing_required"])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/families/F1/tasks/A/readiness", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), `"can_start":false`) {
		t.Fatalf("expected can_start false: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/B/transitions", map[string]any{"status": "completed"}, headers)
	mustStatus(t, res, data, http.StatusOK)
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !tr.Changed || tr.Instance.Status != domain.StatusCompleted || tr.Instance.CompletedAt == nil {
		t.Fatalf("unexpected transition result %+v", tr)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/A/transitions", map[string]any{"status": "in_progress", "notes": "booked"}, headers)
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?family_id=F1&limit=2", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %+v", page)
	}
	if page.Items[0].Type != "task.status_changed" || page.Items[0].ActorID != "parent-1" {
		t.Fatalf("unexpected newest event %+v", page.Items[0])
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?family_id=F1&cursor="+page.NextCursor, nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var rest paginatedEvents
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	// Newest first: A started, B completed, then B's status change.
	if len(rest.Items) != 1 || rest.Items[0].Type != "task.status_changed" || rest.Items[0].EntityID == page.Items[0].EntityID {
		t.Fatalf("unexpected second page %+v", rest.Items)
	}
}

func TestCycleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates/B/dependencies", map[string]any{"depends_on_task_id": "A"}, nil)
	mustStatus(t, res, data, http.StatusConflict)
	env := decodeError(t, data)
	if env.Error.Code != "dependency_cycle" {
		t.Fatalf("expected dependency_cycle, got %+v", env.Error)
	}
	path, _ := env.Error.Details["path"].([]any)
	if len(path) != 3 || path[0] != "B" || path[1] != "A" || path[2] != "B" {
		t.Fatalf("unexpected cycle path %v", env.Error.Details["path"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates/A/dependencies", map[string]any{"depends_on_task_id": "A"}, nil)
	mustStatus(t, res, data, http.StatusConflict)
	if env := decodeError(t, data); env.Error.Code != "self_dependency" {
		t.Fatalf("expected self_dependency, got %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/templates/B/dependencies", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var list DependencyList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal dependencies: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("rejected edge was stored: %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/templates?order=topological", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var templates TemplateList
	if err := json.Unmarshal(data, &templates); err != nil {
		t.Fatalf("unmarshal templates: %v", err)
	}
	if len(templates.Items) != 2 || templates.Items[0].ID != "B" {
		t.Fatalf("expected B first, got %+v", templates.Items)
	}
}

func TestRuleValidationAndToggle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"trigger_condition":     "task_completed",
		"trigger_task_id":       "B",
		"action":                "assign_user",
		"target_type":           "task",
		"action_target_task_id": "A",
	}, nil)
	mustStatus(t, res, data, http.StatusBadRequest)
	env := decodeError(t, data)
	if env.Error.Code != "rule_invalid" {
		t.Fatalf("expected rule_invalid, got %+v", env.Error)
	}
	if violations, _ := env.Error.Details["violations"].([]any); len(violations) == 0 {
		t.Fatalf("expected violations, got %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"name":                  "enable A",
		"trigger_condition":     "task_completed",
		"trigger_task_id":       "B",
		"action":                "auto_enable",
		"target_type":           "task",
		"action_target_task_id": "A",
	}, nil)
	mustStatus(t, res, data, http.StatusCreated)
	var rule domain.WorkflowRule
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	if !rule.IsActive {
		t.Fatalf("new rule should be active: %+v", rule)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules/"+rule.ID+"/active", map[string]any{"active": false}, nil)
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/rules?active=true", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var list RuleList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("disabled rule listed as active: %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules/missing/active", map[string]any{"active": true}, nil)
	mustStatus(t, res, data, http.StatusNotFound)
}

func TestAutoEnableOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"trigger_condition":     "task_completed",
		"trigger_task_id":       "B",
		"action":                "auto_enable",
		"target_type":           "task",
		"action_target_task_id": "A",
	}, nil)
	mustStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/B/transitions", map[string]any{"status": "completed"}, nil)
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/families/F1/board", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var board BoardResponse
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	got := map[string]domain.Status{}
	for _, item := range board.Items {
		got[item.Instance.TaskID] = item.Instance.Status
	}
	if got["A"] != domain.StatusInProgress || got["B"] != domain.StatusCompleted {
		t.Fatalf("unexpected board statuses %v", got)
	}
}

func TestErrorsUseEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/templates/nope", nil, nil)
	mustStatus(t, res, data, http.StatusNotFound)
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families", map[string]any{"id": "F1"}, nil)
	mustStatus(t, res, data, http.StatusConflict)
	if env := decodeError(t, data); env.Error.Code != "already_materialized" {
		t.Fatalf("expected already_materialized, got %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/families/F9", nil, nil)
	mustStatus(t, res, data, http.StatusNotFound)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/families/F1", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var fam FamilyResponse
	if err := json.Unmarshal(data, &fam); err != nil {
		t.Fatalf("unmarshal family: %v", err)
	}
	if fam.Name != "Doe" || len(fam.Tasks) != 2 {
		t.Fatalf("unexpected family %+v", fam)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/A/transitions", map[string]any{"status": "done"}, nil)
	mustStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/ZZ/transitions", map[string]any{"status": "completed"}, nil)
	mustStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates", map[string]any{"title": "   "}, nil)
	mustStatus(t, res, data, http.StatusBadRequest)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/families/F1/tasks/A/transitions", map[string]any{"status": "completed"}, nil)
	mustStatus(t, res, data, http.StatusUnprocessableEntity)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/metrics", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "famtasks_transitions_blocked_total 1") {
		t.Fatalf("blocked counter missing from metrics:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "/families/{id}/tasks/{task_id}/transitions") {
		t.Fatalf("openapi missing transition path")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
}
