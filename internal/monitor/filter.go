package monitor

import "strings"

// FilterConfig задает, какие аккаунты и ноды попадают в мониторинг.
// Непустой MonitoredNodes имеет приоритет над IgnoredNodes.
type FilterConfig struct {
	MonitoredNodes   map[string]struct{}
	IgnoredNodes     map[string]struct{}
	ExcludedAccounts map[string]struct{}
}

// NewFilterConfig собирает множества из списков конфига. Идентификаторы
// исключенных аккаунтов сравниваются без учета регистра.
func NewFilterConfig(monitored, ignored, excluded []string) FilterConfig {
	return FilterConfig{
		MonitoredNodes:   toSet(monitored, false),
		IgnoredNodes:     toSet(ignored, false),
		ExcludedAccounts: toSet(excluded, true),
	}
}

func toSet(items []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if lower {
			item = strings.ToLower(item)
		}
		set[item] = struct{}{}
	}
	return set
}

// InScope решает, мониторится ли аккаунт на ноде nodeID.
// Пустой nodeID считается неизвестной нодой и мониторится.
func (c FilterConfig) InScope(nodeID, accountID string) bool {
	if _, excluded := c.ExcludedAccounts[strings.ToLower(accountID)]; excluded {
		return false
	}
	if nodeID == "" {
		return true
	}
	if len(c.MonitoredNodes) > 0 {
		_, ok := c.MonitoredNodes[nodeID]
		return ok
	}
	if len(c.IgnoredNodes) > 0 {
		_, ignored := c.IgnoredNodes[nodeID]
		return !ignored
	}
	return true
}

// Mode возвращает режим фильтра нод для логов.
func (c FilterConfig) Mode() string {
	switch {
	case len(c.MonitoredNodes) > 0:
		return "monitored_only"
	case len(c.IgnoredNodes) > 0:
		return "ignore_listed"
	default:
		return "all"
	}
}
