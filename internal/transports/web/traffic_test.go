package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trafficmon/internal/core"
	"trafficmon/internal/monitor"
	"trafficmon/internal/storage"
)

func TestTrafficStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodGet, "/v1/traffic/status", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	status, _ := decodeBody(t, rr)["status"].(map[string]any)
	if status["fast_enabled"] != true || status["node_filter"] != "all" {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestRunCheckReturnsViolations(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	env.traffic.violations = []monitor.Violation{{AccountID: "u2", AmountGB: 6, ThresholdGB: 5, CheckType: monitor.CheckFast}}

	rr := env.do(http.MethodPost, "/v1/traffic/checks/fast", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["check"] != "fast" || body["count"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
	items, _ := body["violations"].([]any)
	first, _ := items[0].(map[string]any)
	if first["account_id"] != "u2" {
		t.Fatalf("unexpected violation: %v", first)
	}

	events := env.store.events()
	if len(events) != 1 || events[0].Action != "web:traffic_check" || events[0].Status != "ok" {
		t.Fatalf("unexpected audit: %+v", events)
	}
	if !strings.Contains(string(events[0].Payload), `"violations":"1"`) {
		t.Fatalf("audit payload misses count: %s", events[0].Payload)
	}
}

func TestRunCheckEmptyResult(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	rr := env.do(http.MethodPost, "/v1/traffic/checks/daily", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"violations":[]`) {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
}

func TestRunCheckErrors(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		setup  func(f *fakeTraffic)
		want   int
		code   string
		called bool
	}{
		{"unknown", "/v1/traffic/checks/weekly", func(*fakeTraffic) {}, http.StatusNotFound, "unknown_check", false},
		{"disabled", "/v1/traffic/checks/daily", func(f *fakeTraffic) { f.status.DailyEnabled = false }, http.StatusConflict, "check_disabled", false},
		{"running", "/v1/traffic/checks/fast", func(f *fakeTraffic) { f.err = monitor.ErrAlreadyRunning }, http.StatusConflict, "already_running", true},
		{"failed", "/v1/traffic/checks/fast", func(f *fakeTraffic) {
			f.err = &monitor.Error{Kind: monitor.KindFetch, Op: "list accounts", Err: errors.New("down")}
		}, http.StatusBadGateway, "check_failed", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false, Config{})
			tc.setup(env.traffic)
			rr := env.do(http.MethodPost, tc.path, "", asU1)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			if got := decodeBody(t, rr)["error_code"]; got != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, got)
			}
			if (env.traffic.calls > 0) != tc.called {
				t.Fatalf("unexpected run calls: %d", env.traffic.calls)
			}
		})
	}
}

func TestRunCheckUsesCheckTimeout(t *testing.T) {
	env := newTestEnv(t, false, Config{RequestTimeout: time.Millisecond, CheckTimeout: 30 * time.Millisecond})
	env.traffic.block = true
	started := time.Now()
	rr := env.do(http.MethodPost, "/v1/traffic/checks/fast", "", asU1)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rr.Code)
	}
	if time.Since(started) < 30*time.Millisecond {
		t.Fatal("check route must not use the request timeout")
	}
}

func TestRunCheckRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	if rr := env.do(http.MethodPost, "/v1/traffic/checks/fast", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/v1/traffic/checks/fast", "", map[string]string{"X-Subject-ID": "u9"}); rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if env.traffic.calls != 0 {
		t.Fatal("check must not run without authorization")
	}
}

func TestAlertsEndpoint(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	env.store.alerts = []storage.AlertRecord{{
		AccountID: "u2", CheckType: "fast", AmountGB: 6, ThresholdGB: 5, NodeID: "n1",
		TS: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}}

	rr := env.do(http.MethodGet, "/v1/traffic/alerts?limit=9999", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if env.store.limit != maxListLimit {
		t.Fatalf("expected limit clamp to %d, got %d", maxListLimit, env.store.limit)
	}
	items, _ := decodeBody(t, rr)["items"].([]any)
	first, _ := items[0].(map[string]any)
	if first["account_id"] != "u2" || first["ts"] != "2026-10-15T12:00:00Z" {
		t.Fatalf("unexpected alert: %v", first)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "trafficmon_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	adapter := NewAdapter(Deps{
		Registry:   core.NewRegistry(),
		Authorizer: core.NewAllowlistAuthorizer(nil),
		Metrics:    reg,
	}, Config{})
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "trafficmon_test_total 3") {
		t.Fatalf("metric missing in output:\n%s", body)
	}
}

func TestOptionalRoutesAbsentWithoutDeps(t *testing.T) {
	adapter := NewAdapter(Deps{
		Registry:   core.NewRegistry(),
		Authorizer: core.NewAllowlistAuthorizer(map[string][]string{"web": {"u1"}}),
	}, Config{AllowLegacySubjectHeader: true})
	h := adapter.routes()
	for _, path := range []string{"/v1/traffic/status", "/v1/audit", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Subject-ID", "u1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req.WithContext(context.Background()))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status 404, got %d", path, rr.Code)
		}
	}
}
