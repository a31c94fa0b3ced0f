package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"trafficmon/internal/core"
	"trafficmon/internal/storage"
)

func TestParseTextCommand(t *testing.T) {
	module, command, args, err := ParseTextCommand("/traffic status now")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if module != "traffic" || command != "status" {
		t.Fatalf("unexpected parsed command: %s %s", module, command)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestParseTextCommandBotSuffix(t *testing.T) {
	module, command, _, err := ParseTextCommand("/Traffic@MonitorBot FAST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if module != "traffic" || command != "fast" {
		t.Fatalf("unexpected parsed command: %s %s", module, command)
	}
}

func TestParseTextCommandInvalid(t *testing.T) {
	for _, text := range []string{"", "/traffic", "/@bot fast"} {
		if _, _, _, err := ParseTextCommand(text); err == nil {
			t.Fatalf("expected parse error for %q", text)
		}
	}
}

type stubModule struct{}

func (stubModule) Name() string               { return "traffic" }
func (stubModule) Init(context.Context) error { return nil }
func (stubModule) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	if cmd != "status" {
		return core.ErrorResponse("unknown_command"), nil
	}
	return core.Response{Status: "ok", Message: "all good"}, nil
}

type memAudit struct{ events []storage.AuditEvent }

func (m *memAudit) Write(_ context.Context, ev storage.AuditEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func TestServicePipeline(t *testing.T) {
	ctx := context.Background()
	r := core.NewRegistry()
	if err := r.Register(ctx, stubModule{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	audit := &memAudit{}
	svc := &Service{
		Source:      "telegram",
		Registry:    r,
		Authorizer:  core.NewAllowlistAuthorizer(map[string][]string{"telegram": {"1001"}}),
		RateLimiter: NewRateLimiter(1, time.Minute),
		AuditSink:   audit,
	}

	resp, err := svc.ExecuteText(ctx, "1001", "/traffic status")
	if err != nil || resp.Message != "all good" {
		t.Fatalf("allowed command should pass: %+v %v", resp, err)
	}

	resp, err = svc.ExecuteText(ctx, "42", "/traffic status")
	if !errors.Is(err, core.ErrAccessDenied) || resp.ErrorCode != "access_denied" {
		t.Fatalf("expected access denied, got %+v %v", resp, err)
	}

	resp, err = svc.ExecuteText(ctx, "1001", "/traffic status")
	if !errors.Is(err, errRateLimited) || resp.ErrorCode != "rate_limited" {
		t.Fatalf("expected rate limit, got %+v %v", resp, err)
	}

	want := []string{"ok", "denied", "rate_limited"}
	if len(audit.events) != len(want) {
		t.Fatalf("unexpected audit events: %d", len(audit.events))
	}
	for i, ev := range audit.events {
		if ev.Status != want[i] || ev.Action != "traffic:status" || ev.Source != "telegram" || ev.RequestID == "" {
			t.Fatalf("unexpected audit event %d: %+v", i, ev)
		}
	}
}
