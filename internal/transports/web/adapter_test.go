package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trafficmon/internal/core"
	"trafficmon/internal/monitor"
	"trafficmon/internal/storage"
)

const testToken = "test-token"

type fakeProvider struct {
	block bool
}

func (p *fakeProvider) Name() string                   { return "traffic" }
func (p *fakeProvider) Init(ctx context.Context) error { return nil }
func (p *fakeProvider) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	if p.block {
		<-ctx.Done()
		return core.ErrorResponse("timeout"), ctx.Err()
	}
	switch cmd {
	case "status":
		return core.Response{Status: "ok", Data: map[string]bool{"fast_enabled": true}}, nil
	case "fast":
		return core.ErrorResponse("already_running"), nil
	default:
		return core.ErrorResponse("unknown_command"), nil
	}
}

type fakeStore struct {
	mu     sync.Mutex
	audit  []storage.AuditEvent
	alerts []storage.AlertRecord
	limit  int
}

func (s *fakeStore) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, ev)
	return nil
}

func (s *fakeStore) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEvent(nil), s.audit...), nil
}

func (s *fakeStore) RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	return s.alerts, nil
}

func (s *fakeStore) events() []storage.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEvent(nil), s.audit...)
}

type fakeTraffic struct {
	status     monitor.Status
	violations []monitor.Violation
	err        error
	block      bool
	calls      int
}

func (f *fakeTraffic) run(ctx context.Context) ([]monitor.Violation, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.violations, f.err
}

func (f *fakeTraffic) RunFastCheck(ctx context.Context) ([]monitor.Violation, error)  { return f.run(ctx) }
func (f *fakeTraffic) RunDailyCheck(ctx context.Context) ([]monitor.Violation, error) { return f.run(ctx) }
func (f *fakeTraffic) Status(ctx context.Context) monitor.Status                      { return f.status }

type testEnv struct {
	adapter *Adapter
	store   *fakeStore
	traffic *fakeTraffic
	handler http.Handler
}

func newTestEnv(t *testing.T, block bool, cfg Config) *testEnv {
	t.Helper()
	registry := core.NewRegistry()
	if err := registry.Register(context.Background(), &fakeProvider{block: block}); err != nil {
		t.Fatalf("register fake provider: %v", err)
	}
	sum := sha256.Sum256([]byte(testToken))
	cfg.AllowLegacySubjectHeader = true
	cfg.Tokens = append(cfg.Tokens, TokenEntry{ID: "ops", TokenSHA256: hex.EncodeToString(sum[:]), Subject: "u1", Roles: []string{"admin"}, Enabled: true})

	env := &testEnv{
		store:   &fakeStore{},
		traffic: &fakeTraffic{status: monitor.Status{FastEnabled: true, DailyEnabled: true, NodeFilter: "all"}},
	}
	env.adapter = NewAdapter(Deps{
		Registry:   registry,
		Authorizer: core.NewAllowlistAuthorizer(map[string][]string{"web": {"u1"}}),
		Store:      env.store,
		Traffic:    env.traffic,
	}, cfg)
	env.handler = env.adapter.routes()
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

var asU1 = map[string]string{"X-Subject-ID": "u1"}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodGet, "/v1/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestProtectedEndpointRequiresSubject(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodGet, "/v1/audit", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	assertErrorHasRequestID(t, rr)
}

func TestUnknownRouteNeedsAuthFirst(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	if rr := env.do(http.MethodGet, "/v1/nope", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/v1/nope", "", asU1); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	env := newTestEnv(t, false, Config{})

	rr := env.do(http.MethodGet, "/v1/me", "", map[string]string{"Authorization": "Bearer " + testToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["subject"] != "u1" || body["auth_method"] != "bearer" {
		t.Fatalf("unexpected identity: %v", body)
	}

	rr = env.do(http.MethodGet, "/v1/me", "", map[string]string{"Authorization": "Bearer wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "invalid_token" {
		t.Fatalf("expected invalid_token")
	}
}

func TestDisabledTokenRejected(t *testing.T) {
	sum := sha256.Sum256([]byte("old-token"))
	env := newTestEnv(t, false, Config{Tokens: []TokenEntry{{ID: "old", TokenSHA256: hex.EncodeToString(sum[:]), Subject: "u1"}}})
	rr := env.do(http.MethodGet, "/v1/me", "", map[string]string{"Authorization": "Bearer old-token"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestDeniedSubjectIsAudited(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodGet, "/v1/modules", "", map[string]string{"X-Subject-ID": "u2"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	events := env.store.events()
	if len(events) != 1 || events[0].Status != "denied" || events[0].Action != "web:modules" {
		t.Fatalf("unexpected audit: %+v", events)
	}
}

func TestModulesEndpoint(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodGet, "/v1/modules", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	items, _ := decodeBody(t, rr)["items"].([]any)
	if len(items) != 1 || items[0] != "traffic" {
		t.Fatalf("unexpected modules: %v", items)
	}
}

func TestExecuteEndpointAuthorized(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodPost, "/v1/commands/execute", `{"module":"Traffic","command":"status","args":[]}`,
		map[string]string{"X-Subject-ID": "u1", "X-Request-ID": "abc-123"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected request id header abc-123, got %q", got)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" || body["request_id"] != "abc-123" {
		t.Fatalf("unexpected body: %v", body)
	}
	events := env.store.events()
	if len(events) != 1 || events[0].Status != "ok" || events[0].RequestID != "abc-123" {
		t.Fatalf("unexpected audit: %+v", events)
	}
}

func TestExecuteMapsErrorCodes(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	cases := []struct {
		body string
		want int
	}{
		{`{"module":"traffic","command":"fast"}`, http.StatusConflict},
		{`{"module":"nope","command":"status"}`, http.StatusNotFound},
		{`{"module":"traffic"}`, http.StatusBadRequest},
		{`{"module":"traffic","command":"status","extra":1}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := env.do(http.MethodPost, "/v1/commands/execute", tc.body, asU1); rr.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.body, tc.want, rr.Code)
		}
	}
}

func TestInvalidRequestIDGetsReplaced(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodPost, "/v1/commands/execute", `{"module":"traffic","command":"status","args":[]}`,
		map[string]string{"X-Subject-ID": "u1", "X-Request-ID": "bad id with spaces"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" || got == "bad id with spaces" {
		t.Fatalf("expected sanitized generated request id, got %q", got)
	}
}

func TestExecuteEndpointBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, false, Config{MaxRequestBody: 16})
	rr := env.do(http.MethodPost, "/v1/commands/execute", `{"module":"traffic","command":"status","args":["a","b","c"]}`, asU1)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
}

func TestExecuteEndpointTimeout(t *testing.T) {
	env := newTestEnv(t, true, Config{RequestTimeout: 20 * time.Millisecond})
	rr := env.do(http.MethodPost, "/v1/commands/execute", `{"module":"traffic","command":"status","args":[]}`, asU1)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, false, Config{CORSAllowedOrigins: []string{"https://ops.example"}})

	rr := env.do(http.MethodGet, "/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}

	rr = env.do(http.MethodOptions, "/v1/traffic/status", "", map[string]string{
		"Origin":                        "https://ops.example",
		"Access-Control-Request-Method": "GET",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Fatal("expected allow origin header")
	}

	rr = env.do(http.MethodOptions, "/v1/traffic/status", "", map[string]string{
		"Origin":                        "https://ops.example",
		"Access-Control-Request-Method": "DELETE",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAuditEndpointValidatesRange(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	if rr := env.do(http.MethodGet, "/v1/audit?from=yesterday", "", asU1); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	rr := env.do(http.MethodGet, "/v1/audit?from=2026-10-01T00:00:00Z&limit=5", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	env := newTestEnv(t, false, Config{ListenAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.adapter.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.adapter.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}
	resp, err := http.Get("http://" + env.adapter.Addr().String() + "/v1/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	if err := env.adapter.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := env.adapter.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := newTestEnv(t, false, Config{ListenAddr: "127.0.0.1:0"})
	if err := first.adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = first.adapter.Stop(context.Background()) }()

	second := newTestEnv(t, false, Config{ListenAddr: first.adapter.Addr().String()})
	if err := second.adapter.Start(context.Background()); err == nil {
		_ = second.adapter.Stop(context.Background())
		t.Fatal("expected listen error")
	}
}

func assertErrorHasRequestID(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	var resp struct {
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected request_id in error response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header in error response")
	}
}
