package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"esmap/internal/config"
	"esmap/internal/db"
	"esmap/internal/engine"
	"esmap/internal/entu"
	"esmap/internal/migrate"
)

const (
	testAccount       = "school"
	testWebhookSecret = "hook-secret"
)

// fakeEntu serves a small Entu account over httptest: a task, its map with
// two locations, and a two-member group.
type fakeEntu struct {
	mu         sync.Mutex
	order      []string
	entities   map[string]map[string]any
	created    int
	rights     map[string][]string
	createFail bool
	srv        *httptest.Server
}

func newFakeEntu() *fakeEntu {
	f := &fakeEntu{
		entities: map[string]map[string]any{},
		rights:   map[string][]string{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	f.add("task-1", map[string]any{
		"_type": []any{map[string]any{"string": "ulesanne"}},
		"name":  []any{map[string]any{"string": "Linnaretk"}},
		"kaart": []any{map[string]any{"reference": "map-1"}},
		"grupp": []any{map[string]any{"reference": "group-1"}},
	})
	f.add("loc-1", map[string]any{
		"_type":   []any{map[string]any{"string": "asukoht"}},
		"_parent": []any{map[string]any{"reference": "map-1"}},
		"name":    []any{map[string]any{"string": "Raekoda"}},
		"lat":     []any{map[string]any{"number": 59.437}},
		"long":    []any{map[string]any{"number": 24.7536}},
	})
	f.add("loc-2", map[string]any{
		"_type":   []any{map[string]any{"string": "asukoht"}},
		"_parent": []any{map[string]any{"reference": "map-1"}},
		"name":    []any{map[string]any{"string": "Toompea"}},
		"lat":     []any{map[string]any{"number": 59.4372}},
		"long":    []any{map[string]any{"number": 24.7392}},
	})
	f.add("person-1", map[string]any{
		"_type":   []any{map[string]any{"string": "person"}},
		"_parent": []any{map[string]any{"reference": "group-1"}},
	})
	f.add("person-2", map[string]any{
		"_type":   []any{map[string]any{"string": "person"}},
		"_parent": []any{map[string]any{"reference": "group-1"}},
	})
	return f
}

func (f *fakeEntu) add(id string, props map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ent := map[string]any{"_id": id}
	for name, values := range props {
		ent[name] = values
	}
	if _, seen := f.entities[id]; !seen {
		f.order = append(f.order, id)
	}
	f.entities[id] = ent
}

func (f *fakeEntu) setCreateFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFail = fail
}

func (f *fakeEntu) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entityBase := "/" + testAccount + "/entity"
	switch {
	case r.URL.Path == "/auth":
		json.NewEncoder(w).Encode(map[string]any{
			testAccount: map[string]any{"token": "entu-user-token", "user": "person-1", "email": "mari@example.com", "name": "Mari"},
		})
	case r.URL.Path == entityBase && r.Method == http.MethodGet:
		matched := []any{}
		for _, id := range f.order {
			if ent, ok := f.entities[id]; ok && entityMatches(ent, r.URL.Query()) {
				matched = append(matched, ent)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"entities": matched, "count": len(matched)})
	case r.URL.Path == entityBase && r.Method == http.MethodPost:
		if f.createFail {
			http.Error(w, `{"error":"unavailable"}`, http.StatusBadGateway)
			return
		}
		f.created++
		json.NewEncoder(w).Encode(map[string]any{"_id": fmt.Sprintf("created-%d", f.created)})
	case strings.HasPrefix(r.URL.Path, entityBase+"/") && r.Method == http.MethodGet:
		ent, ok := f.entities[strings.TrimPrefix(r.URL.Path, entityBase+"/")]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"entity": ent})
	case strings.HasPrefix(r.URL.Path, entityBase+"/") && r.Method == http.MethodPost:
		id := strings.TrimPrefix(r.URL.Path, entityBase+"/")
		var props []map[string]any
		json.NewDecoder(r.Body).Decode(&props)
		uploads := []any{}
		for _, p := range props {
			if ref, ok := p["reference"].(string); ok {
				f.rights[id] = append(f.rights[id], ref)
			}
			if name, ok := p["filename"].(string); ok {
				uploads = append(uploads, map[string]any{
					"upload": map[string]any{"url": "https://files.invalid/" + id + "/" + name, "method": "PUT"},
				})
			}
		}
		if len(uploads) > 0 {
			json.NewEncoder(w).Encode(map[string]any{"_id": id, "properties": uploads})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"_id": id})
	default:
		http.NotFound(w, r)
	}
}

func entityMatches(ent map[string]any, query map[string][]string) bool {
	for key, wants := range query {
		prop, field, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		values, _ := ent[prop].([]any)
		found := false
		for _, raw := range values {
			if m, ok := raw.(map[string]any); ok {
				if got, ok := m[field].(string); ok && got == wants[0] {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type testServer struct {
	URL    string
	Entu   *fakeEntu
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	fake := newFakeEntu()

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

	cfg := config.Default(testAccount)
	cfg.Entu.URL = fake.srv.URL
	cfg.Entu.Token = "service-token"
	client := entu.New(fake.srv.URL, testAccount, "service-token")
	eng := engine.New(conn, client, cfg)

	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:     "test-secret",
			SessionHours:  1,
			WebhookSecret: testWebhookSecret,
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
		Entu:   fake,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
			fake.srv.Close()
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

// login runs the auth callback and returns the Bearer header map.
func login(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/callback", map[string]any{"key": "tmp-key"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auth callback status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Token == "" || session.UserID != "person-1" {
		t.Fatalf("unexpected session: %+v", session)
	}
	return map[string]string{"Authorization": "Bearer " + session.Token}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequiresSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}
}

func TestTaskViewRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks TaskListResponse
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks.Items) != 1 || tasks.Items[0].ID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", tasks.Items)
	}

	// submit a visit, then the view must show it as visited
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/task-1/responses", map[string]any{
		"location_id": "loc-1",
		"text":        "kohal",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitResponseResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.Pending || submitted.ID == "" {
		t.Fatalf("unexpected submit result: %+v", submitted)
	}

	// the fake does not index created entities, so seed the response there
	srv.Entu.add("resp-1", map[string]any{
		"_type":   []any{map[string]any{"string": "vastus"}},
		"_parent": []any{map[string]any{"reference": "task-1"}},
		"_owner":  []any{map[string]any{"reference": "person-1"}},
		"asukoht": []any{map[string]any{"reference": "loc-1"}},
	})

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/task-1/progress", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var prog struct {
		VisitedCount   int     `json:"visited_count"`
		TotalCount     int     `json:"total_count"`
		Percent        float64 `json:"percent"`
		PercentRounded int     `json:"percent_rounded"`
	}
	if err := json.Unmarshal(data, &prog); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if prog.VisitedCount != 1 || prog.TotalCount != 2 || prog.PercentRounded != 50 {
		t.Fatalf("unexpected progress: %+v", prog)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/task-1/markers", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("markers status %d: %s", res.StatusCode, string(data))
	}
	var markers MarkerListResponse
	if err := json.Unmarshal(data, &markers); err != nil {
		t.Fatalf("unmarshal markers: %v", err)
	}
	if len(markers.Items) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(markers.Items))
	}
	for _, m := range markers.Items {
		if m.Visited != (m.Location.ID == "loc-1") {
			t.Fatalf("marker %s visited=%v", m.Location.ID, m.Visited)
		}
	}
}

func TestSelectionRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/tasks/task-1/selection", map[string]any{
		"location_id": "loc-2",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select status %d: %s", res.StatusCode, string(data))
	}
	var sel SelectionResponse
	if err := json.Unmarshal(data, &sel); err != nil {
		t.Fatalf("unmarshal selection: %v", err)
	}
	if sel.Selected == nil || sel.Selected.ID != "loc-2" {
		t.Fatalf("expected loc-2 selected, got %+v", sel.Selected)
	}

	// tapping the map within tolerance of loc-1 moves the selection
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/tasks/task-1/selection", map[string]any{
		"coordinates": map[string]float64{"lat": 59.437, "long": 24.7536},
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select at status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &sel); err != nil {
		t.Fatalf("unmarshal selection: %v", err)
	}
	if sel.Selected == nil || sel.Selected.ID != "loc-1" {
		t.Fatalf("expected loc-1 selected, got %+v", sel.Selected)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/task-1/selection", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get selection status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &sel); err != nil {
		t.Fatalf("unmarshal selection: %v", err)
	}
	if sel.Selected == nil || sel.Selected.ID != "loc-1" {
		t.Fatalf("expected loc-1 still selected, got %+v", sel.Selected)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/task-1/selection", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear selection status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/task-1/selection", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get selection status %d: %s", res.StatusCode, string(data))
	}
	sel = SelectionResponse{}
	if err := json.Unmarshal(data, &sel); err != nil {
		t.Fatalf("unmarshal selection: %v", err)
	}
	if sel.Selected != nil {
		t.Fatalf("expected cleared selection, got %+v", sel.Selected)
	}
}

func TestSubmitQueuedDuringOutage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	// warm the location cache so validation works while Entu is down
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/task-1/locations", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("locations status %d: %s", res.StatusCode, string(data))
	}

	srv.Entu.setCreateFail(true)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/task-1/responses", map[string]any{
		"location_id": "loc-1",
	}, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitResponseResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if !submitted.Pending {
		t.Fatalf("expected pending submission")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/outbox?status=pending", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outbox status %d: %s", res.StatusCode, string(data))
	}
	var outbox OutboxListResponse
	if err := json.Unmarshal(data, &outbox); err != nil {
		t.Fatalf("unmarshal outbox: %v", err)
	}
	if len(outbox.Items) != 1 || outbox.Items[0].LocationID != "loc-1" {
		t.Fatalf("unexpected outbox: %+v", outbox.Items)
	}

	srv.Entu.setCreateFail(false)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/outbox/flush", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flush status %d: %s", res.StatusCode, string(data))
	}
	var flushed FlushResponse
	if err := json.Unmarshal(data, &flushed); err != nil {
		t.Fatalf("unmarshal flush: %v", err)
	}
	if flushed.Sent != 1 || flushed.Failed != 0 {
		t.Fatalf("unexpected flush result: %+v", flushed)
	}
}

func TestSubmitByCoordinates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/task-1/responses", map[string]any{
		"coordinates": map[string]any{"lat": 59.437, "long": 24.7536},
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitResponseResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.ID == "" || submitted.Pending {
		t.Fatalf("unexpected submit result: %+v", submitted)
	}
}

func TestPhotoUpload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/resp-1/photo", map[string]any{
		"filename": "raekoda.jpg",
		"filetype": "image/jpeg",
		"size":     1024,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("photo upload status %d: %s", res.StatusCode, string(data))
	}
	var upload PhotoUploadResponse
	if err := json.Unmarshal(data, &upload); err != nil {
		t.Fatalf("unmarshal upload: %v", err)
	}
	if upload.URL != "https://files.invalid/resp-1/raekoda.jpg" || upload.Method != "PUT" {
		t.Fatalf("unexpected upload target: %+v", upload)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	doc := string(data)
	for _, want := range []string{"percent_rounded", "submit-response", "response-photo-upload"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("openapi document missing %q", want)
		}
	}
}

func TestWebhookGrantsRights(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// wrong secret is rejected before any work happens
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/webhooks/entity", map[string]any{
		"entity_id": "task-1",
	}, map[string]string{"X-Esmap-Secret": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/webhooks/entity", map[string]any{
		"entity_id": "task-1",
	}, map[string]string{"X-Esmap-Secret": testWebhookSecret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var grant WebhookGrantResponse
	if err := json.Unmarshal(data, &grant); err != nil {
		t.Fatalf("unmarshal grant: %v", err)
	}
	if grant.Tasks != 1 || grant.Granted != 2 {
		t.Fatalf("expected 1 task / 2 grants, got %+v", grant)
	}

	// a group edit fans out to the group's tasks
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/webhooks/entity", map[string]any{
		"entity_id": "group-1",
		"type":      "grupp",
	}, map[string]string{"X-Esmap-Secret": testWebhookSecret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("group webhook status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &grant); err != nil {
		t.Fatalf("unmarshal grant: %v", err)
	}
	if grant.Tasks != 1 || grant.Granted != 2 {
		t.Fatalf("expected fan-out to 1 task / 2 grants, got %+v", grant)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/auth/session", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/auth/session", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, auth)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d: %s", res.StatusCode, string(data))
	}
}
