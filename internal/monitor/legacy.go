package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LegacyAdapter отдает старый API одной проверки поверх Monitor.
type LegacyAdapter struct {
	m *Monitor
}

// NewLegacyAdapter оборачивает Monitor.
func NewLegacyAdapter(m *Monitor) *LegacyAdapter {
	return &LegacyAdapter{m: m}
}

// IsEnabled сообщает, включена ли хотя бы одна проверка.
func (a *LegacyAdapter) IsEnabled() bool {
	s := a.m.Settings()
	return s.FastEnabled || s.DailyEnabled
}

// IntervalHours возвращает интервал быстрой проверки в целых часах,
// не меньше одного.
func (a *LegacyAdapter) IntervalHours() int {
	return max(1, int(a.m.Settings().FastInterval/time.Hour))
}

// StatusInfo возвращает краткое описание включенных проверок.
func (a *LegacyAdapter) StatusInfo() string {
	s := a.m.Settings()
	parts := make([]string, 0, 2)
	if s.FastEnabled {
		parts = append(parts, fmt.Sprintf("Быстрая: каждые %d мин, порог %s ГБ",
			int(s.FastInterval.Minutes()), formatGB(s.FastThresholdGB)))
	}
	if s.DailyEnabled {
		parts = append(parts, fmt.Sprintf("Суточная: в %02d:%02d, порог %s ГБ",
			s.DailyHour, s.DailyMinute, formatGB(s.DailyThresholdGB)))
	}
	if len(parts) == 0 {
		return "Отключен"
	}
	return strings.Join(parts, "; ")
}

// CheckAllAccounts - старое имя быстрой проверки.
func (a *LegacyAdapter) CheckAllAccounts(ctx context.Context) ([]Violation, error) {
	return a.m.RunFastCheck(ctx)
}

// ReportSuspicious отправляет ручное уведомление по аккаунту через общий
// рассыльщик с кулдауном. Возвращает true, если сообщение ушло.
func (a *LegacyAdapter) ReportSuspicious(ctx context.Context, accountID string, totalGB, thresholdGB float64) bool {
	sent := a.m.Notifier().Notify(ctx, []Violation{{
		AccountID:   accountID,
		AmountGB:    totalGB,
		ThresholdGB: thresholdGB,
		CheckType:   CheckManual,
	}})
	return sent > 0
}

func formatGB(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
