package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAccessDenied возвращается, когда subject не допущен к действию.
var ErrAccessDenied = errors.New("access denied")

// Wildcard в allowlist разрешает любой id источника.
const Wildcard = "*"

// Subject описывает источник команды и его идентификатор.
type Subject struct {
	Source string
	ID     string
}

// Action описывает целевую операцию.
type Action struct {
	Module  string
	Command string
}

// Authorizer отвечает за решение доступа к действию.
type Authorizer interface {
	Authorize(subject Subject, action Action) error
}

// AllowlistAuthorizer реализует deny-by-default по source/id.
type AllowlistAuthorizer struct {
	allowed map[string]map[string]struct{}
}

// NewAllowlistAuthorizer создает authorizer из map[source][]id.
// Имена источников сравниваются без учета регистра.
func NewAllowlistAuthorizer(src map[string][]string) *AllowlistAuthorizer {
	allowed := make(map[string]map[string]struct{}, len(src))
	for source, ids := range src {
		idSet := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			idSet[id] = struct{}{}
		}
		allowed[strings.ToLower(source)] = idSet
	}
	return &AllowlistAuthorizer{allowed: allowed}
}

// Authorize возвращает ErrAccessDenied, если subject не в allowlist.
func (a *AllowlistAuthorizer) Authorize(subject Subject, action Action) error {
	if subject.Source == "" || subject.ID == "" {
		return fmt.Errorf("empty subject: %w", errInvalidArguments)
	}
	bySource, ok := a.allowed[strings.ToLower(subject.Source)]
	if !ok {
		return fmt.Errorf("source %s: %w", subject.Source, ErrAccessDenied)
	}
	if _, ok := bySource[Wildcard]; ok {
		return nil
	}
	if _, ok := bySource[subject.ID]; !ok {
		return fmt.Errorf("subject %s/%s on %s:%s: %w", subject.Source, subject.ID, action.Module, action.Command, ErrAccessDenied)
	}
	return nil
}
