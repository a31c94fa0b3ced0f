package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trafficmon/internal/core"
	"trafficmon/internal/storage"
)

var (
	errEmptyCommand = errors.New("empty command")
	errRateLimited  = errors.New("rate limit exceeded")
)

// Service объединяет общий пайплайн command->authz->ratelimit->core->audit.
type Service struct {
	Source      string
	Registry    *core.Registry
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   storage.AuditWriter
	Logger      *slog.Logger
}

// ExecuteText парсит команду транспорта и вызывает core-модуль.
func (s *Service) ExecuteText(ctx context.Context, subjectID, text string) (core.Response, error) {
	module, command, args, err := ParseTextCommand(text)
	if err != nil {
		return core.ErrorResponse("bad_command"), err
	}
	return s.Execute(ctx, subjectID, module, command, args)
}

// Execute прогоняет уже разобранную команду через authz, лимит и аудит.
func (s *Service) Execute(ctx context.Context, subjectID, module, command string, args []string) (core.Response, error) {
	requestID := NewRequestID()
	subject := core.Subject{Source: s.Source, ID: subjectID}
	action := core.Action{Module: module, Command: command}
	if err := s.Authorizer.Authorize(subject, action); err != nil {
		s.writeAudit(ctx, subject, action, "denied", requestID, args)
		return core.ErrorResponse("access_denied"), err
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, subjectID), time.Now()) {
			s.writeAudit(ctx, subject, action, "rate_limited", requestID, args)
			return core.ErrorResponse("rate_limited"), errRateLimited
		}
	}
	resp, execErr := s.Registry.Execute(ctx, module, command, args)
	status := "ok"
	if execErr != nil || resp.Status == "error" {
		status = "error"
	}
	s.writeAudit(ctx, subject, action, status, requestID, args)
	return resp, execErr
}

func (s *Service) writeAudit(ctx context.Context, subject core.Subject, action core.Action, status, requestID string, args []string) {
	if s.AuditSink == nil {
		return
	}
	err := s.AuditSink.Write(ctx, storage.AuditEvent{
		Subject:   subject.ID,
		Action:    fmt.Sprintf("%s:%s", action.Module, action.Command),
		Source:    subject.Source,
		Status:    status,
		RequestID: requestID,
		Payload:   buildAuditPayload(action.Module, action.Command, args),
		TS:        time.Now().UTC(),
	})
	if err != nil && s.Logger != nil {
		s.Logger.Warn("audit write failed", "source", subject.Source, "action", action.Module+":"+action.Command, "err", err)
	}
}

// ParseTextCommand переводит текст в (module, command, args).
// Формат: /module command arg1 arg2. Суффикс @bot у модуля отбрасывается.
func ParseTextCommand(text string) (string, string, []string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", "", nil, errEmptyCommand
	}
	t = strings.TrimPrefix(t, "/")
	parts := strings.Fields(t)
	if len(parts) < 2 {
		return "", "", nil, fmt.Errorf("invalid command format: %w", errEmptyCommand)
	}
	module, _, _ := strings.Cut(parts[0], "@")
	if module == "" {
		return "", "", nil, fmt.Errorf("invalid command format: %w", errEmptyCommand)
	}
	module = strings.ToLower(module)
	command := strings.ToLower(parts[1])
	args := []string{}
	if len(parts) > 2 {
		args = parts[2:]
	}
	return module, command, args, nil
}
