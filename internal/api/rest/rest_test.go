package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/KevinKickass/OpenScanCore/internal/interfaces"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/storage"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// tokenStore serves station tokens only; other auth.Store methods are unused.
type tokenStore struct {
	auth.Store
	tokens map[string]*storage.StationToken
}

func (s *tokenStore) GetStationTokenByHash(ctx context.Context, hash string) (*storage.StationToken, error) {
	if st, ok := s.tokens[hash]; ok {
		return st, nil
	}
	return nil, storage.ErrNotFound
}

func (s *tokenStore) TouchStationToken(ctx context.Context, id uuid.UUID) error { return nil }

func (s *tokenStore) LogAuthEvent(ctx context.Context, ev storage.AuthEvent) error { return nil }

func (s *tokenStore) mint(t *testing.T, role auth.Role) string {
	t.Helper()
	id, token, hash, err := auth.GenerateStationToken()
	if err != nil {
		t.Fatalf("GenerateStationToken: %v", err)
	}
	s.tokens[hash] = &storage.StationToken{ID: id, Name: string(role), Role: string(role)}
	return token
}

type memStore struct {
	mu     sync.Mutex
	lists  map[string]string
	events []*storage.PlanEvent
	limit  int
}

func (m *memStore) SaveScanList(ctx context.Context, location, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[location] = text
	return nil
}

func (m *memStore) LoadScanList(ctx context.Context, location string) (*storage.ScanListRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.lists[location]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ScanListRecord{Location: location, ListText: text}, nil
}

func (m *memStore) ListScanLists(ctx context.Context) ([]*storage.ScanListRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.ScanListRecord
	for loc, text := range m.lists {
		out = append(out, &storage.ScanListRecord{Location: loc, ListText: text})
	}
	return out, nil
}

func (m *memStore) DeleteScanList(ctx context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[location]; !ok {
		return storage.ErrNotFound
	}
	delete(m.lists, location)
	return nil
}

func (m *memStore) ListPlanEvents(ctx context.Context, surface string, limit int) ([]*storage.PlanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return m.events, nil
}

type fakeLifecycle struct {
	reloads int
}

func (f *fakeLifecycle) Config() *config.Config { return &config.Config{} }

func (f *fakeLifecycle) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "running", DatabaseOK: true}
}

func (f *fakeLifecycle) ReloadPlans() error {
	f.reloads++
	return nil
}

func (f *fakeLifecycle) Shutdown(ctx context.Context) error { return nil }

type testEnv struct {
	handler  http.Handler
	store    *memStore
	lm       *fakeLifecycle
	observer string
	operator string
	admin    string
}

const testPlan = `name: bus
arm1:
  source: immediate
arm2:
  source: bus
trigger:
  source: immediate
  count: 2
`

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	tokens := &tokenStore{tokens: make(map[string]*storage.StationToken)}
	authSvc := auth.NewService(tokens, config.AuthConfig{}, logger)

	manager := surface.NewManager(logger)
	if _, err := manager.CreateSurface("main", surface.Config{}); err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bus.yaml"), []byte(testPlan), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	loader, err := plans.NewLoader([]string{dir})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	env := &testEnv{
		store: &memStore{lists: make(map[string]string)},
		lm:    &fakeLifecycle{},
	}
	srv := NewServer(&config.Config{}, Deps{
		Lifecycle: env.lm,
		Surfaces:  manager,
		Plans:     loader,
		Store:     env.store,
		Auth:      authSvc,
	}, logger)

	env.handler = srv.Handler()
	env.observer = tokens.mint(t, auth.RoleObserver)
	env.operator = tokens.mint(t, auth.RoleOperator)
	env.admin = tokens.mint(t, auth.RoleAdmin)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/surfaces", "", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/surfaces", "nope", nil, http.StatusUnauthorized},
		{"observer reads", http.MethodGet, "/api/v1/surfaces", env.observer, nil, http.StatusOK},
		{"observer cannot command", http.MethodPost, "/api/v1/surfaces/main/commands", env.observer,
			surface.Command{Type: surface.CmdClear}, http.StatusForbidden},
		{"operator cannot reload", http.MethodPost, "/api/v1/system/reload-plans", env.operator, nil, http.StatusForbidden},
		{"admin reloads", http.MethodPost, "/api/v1/system/reload-plans", env.admin, nil, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := env.do(t, tc.method, tc.path, tc.token, tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	if env.lm.reloads != 1 {
		t.Fatalf("expected one reload, got %d", env.lm.reloads)
	}
}

func TestParseScanList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/scanlists/parse", env.observer,
		ScanListRequest{Text: "(@ 1!1 : 1!3 , M4)"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ParseResponse](t, rec)
	if resp.Canonical != "(@1!1:1!3,M4)" {
		t.Fatalf("canonical = %q", resp.Canonical)
	}
	if resp.Entries != 2 || resp.Channels != 4 {
		t.Fatalf("entries/channels = %d/%d", resp.Entries, resp.Channels)
	}
	if len(resp.Expanded) != 4 || resp.Expanded[0] != "1!1" || resp.Expanded[3] != "M4" {
		t.Fatalf("expanded = %v", resp.Expanded)
	}
	if len(resp.MemoryLocations) != 1 || resp.MemoryLocations[0] != "M4" {
		t.Fatalf("memory locations = %v", resp.MemoryLocations)
	}
}

func TestParseScanListTruncatesPreview(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/scanlists/parse", env.observer,
		ScanListRequest{Text: "(@1:5000)"})
	resp := decode[ParseResponse](t, rec)
	if !resp.Truncated || len(resp.Expanded) != maxPreviewChannels || resp.Channels != 5000 {
		t.Fatalf("expected truncated preview, got truncated=%v len=%d channels=%d",
			resp.Truncated, len(resp.Expanded), resp.Channels)
	}
}

func TestParseScanListGrammarError(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		text string
		kind string
	}{
		{"(@1,", "syntax"},
		{"(@1!5:1!2)", "invalid_range"},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/scanlists/parse", env.observer, ScanListRequest{Text: tc.text})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}

			var resp struct {
				Error struct {
					Code    string         `json:"code"`
					Details GrammarDetails `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != "SCANLIST_400" || resp.Error.Details.Kind != tc.kind {
				t.Fatalf("unexpected error %+v", resp.Error)
			}
			if resp.Error.Details.Offset <= 0 {
				t.Fatalf("expected offset into the text, got %d", resp.Error.Details.Offset)
			}
		})
	}
}

func TestExecuteCommandReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/surfaces/main/commands", env.operator,
		surface.Command{Type: surface.CmdSetScanList, Text: "(@1!1:1!3)"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decode[map[string]any](t, rec)
	if snap["scan_list"] != "(@1!1:1!3)" || snap["channels"] != float64(3) {
		t.Fatalf("unexpected snapshot %v", snap)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/surfaces/main", env.observer, nil)
	snap = decode[map[string]any](t, rec)
	if snap["scan_list"] != "(@1!1:1!3)" {
		t.Fatalf("GET surface did not reflect command: %v", snap)
	}
}

func TestExecuteCommandErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		path string
		body any
		want int
		code string
	}{
		{"unknown surface", "/api/v1/surfaces/other/commands", surface.Command{Type: surface.CmdClear}, http.StatusNotFound, "SURFACE_404"},
		{"bad body", "/api/v1/surfaces/main/commands", "{", http.StatusBadRequest, "SURFACE_400"},
		{"unknown command", "/api/v1/surfaces/main/commands", surface.Command{Type: "teleport"}, http.StatusBadRequest, "SURFACE_400"},
		{"trigger while idle", "/api/v1/surfaces/main/commands", surface.Command{Type: surface.CmdBusTrigger}, http.StatusConflict, "SURFACE_409"},
		{"scan without route", "/api/v1/surfaces/main/commands", surface.Command{Type: surface.CmdApplyScan}, http.StatusConflict, "SURFACE_409"},
		{"unknown device", "/api/v1/surfaces/main/commands", surface.Command{Type: surface.CmdBind, DeviceID: "ghost"}, http.StatusNotFound, "SURFACE_404"},
		{"no plan source", "/api/v1/surfaces/main/commands", surface.Command{Type: surface.CmdLoadPlan, Plan: "bus"}, http.StatusServiceUnavailable, "SURFACE_503"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.path, env.operator, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, resp.Error.Code)
			}
		})
	}
}

func TestScanListStorage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/scanlists/M3", env.operator, ScanListRequest{Text: "(@ 5 , 1!2)"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := env.store.lists["3"]; got != "(@5,1!2)" {
		t.Fatalf("expected canonical text stored under 3, got %q", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/scanlists/3", env.observer, nil)
	stored := decode[storage.ScanListRecord](t, rec)
	if stored.ListText != "(@5,1!2)" {
		t.Fatalf("unexpected record %+v", stored)
	}

	if rec := env.do(t, http.MethodPut, "/api/v1/scanlists/M3", env.observer, ScanListRequest{Text: "(@1)"}); rec.Code != http.StatusForbidden {
		t.Fatalf("observer write: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/scanlists/Mx", env.observer, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad location: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/scanlists/3", env.operator, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/scanlists/3", env.observer, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d", rec.Code)
	}
}

func TestSurfaceEventsLimit(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/v1/surfaces/main/events", env.observer, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.store.limit != defaultEventLimit {
		t.Fatalf("expected default limit, got %d", env.store.limit)
	}

	for _, q := range []string{"0", "abc", "1001"} {
		if rec := env.do(t, http.MethodGet, "/api/v1/surfaces/main/events?limit="+q, env.observer, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, rec.Code)
		}
	}

	env.do(t, http.MethodGet, "/api/v1/surfaces/main/events?limit=5", env.observer, nil)
	if env.store.limit != 5 {
		t.Fatalf("expected limit 5, got %d", env.store.limit)
	}
}

func TestPlans(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/plans", env.observer, nil)
	list := decode[map[string][]string](t, rec)
	if len(list["plans"]) != 1 || list["plans"][0] != "bus" {
		t.Fatalf("unexpected plan list %v", list)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/plans/bus", env.observer, nil); rec.Code != http.StatusOK {
		t.Fatalf("get plan: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/plans/missing", env.observer, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing plan: expected 404, got %d", rec.Code)
	}

	valid := `{"name":"x","arm1":{"source":"immediate"},"arm2":{"source":"bus"},"trigger":{"source":"immediate"}}`
	if rec := env.do(t, http.MethodPost, "/api/v1/plans/validate", env.observer, valid); rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	invalid := `{"name":"x","arm1":{"source":"laser"}}`
	if rec := env.do(t, http.MethodPost, "/api/v1/plans/validate", env.observer, invalid); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid plan: expected 422, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if got := statusFor(storage.ErrNotFound); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
}
