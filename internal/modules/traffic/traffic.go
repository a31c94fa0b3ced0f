// Package traffic - командный модуль мониторинга трафика для транспортов:
// ручной запуск проверок, статус и ручное уведомление.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"

	"trafficmon/internal/core"
	"trafficmon/internal/monitor"
)

// Checker - часть Monitor, которой управляет модуль.
type Checker interface {
	RunFastCheck(ctx context.Context) ([]monitor.Violation, error)
	RunDailyCheck(ctx context.Context) ([]monitor.Violation, error)
	Status(ctx context.Context) monitor.Status
}

// Reporter - старый API ручного уведомления и описания настроек.
type Reporter interface {
	StatusInfo() string
	ReportSuspicious(ctx context.Context, accountID string, totalGB, thresholdGB float64) bool
}

// HostStats - сведения о сервере мониторинга.
type HostStats struct {
	Hostname  string  `json:"hostname"`
	UptimeSec uint64  `json:"uptime_sec"`
	Load1     float64 `json:"load1"`
	Load5     float64 `json:"load5"`
	Load15    float64 `json:"load15"`
}

// StatusData - данные ответа команды status.
type StatusData struct {
	Monitor monitor.Status `json:"monitor"`
	Summary string         `json:"summary"`
	Host    *HostStats     `json:"host,omitempty"`
}

// CheckData - данные ответа ручной проверки.
type CheckData struct {
	Check      monitor.CheckType   `json:"check"`
	Count      int                 `json:"count"`
	Violations []monitor.Violation `json:"violations"`
}

// Module реализует core.CommandProvider "traffic".
type Module struct {
	checker  Checker
	reporter Reporter
	hostInfo func(ctx context.Context) (HostStats, error)
	log      *slog.Logger
}

// New создает модуль поверх монитора.
func New(checker Checker, reporter Reporter, log *slog.Logger) *Module {
	if log == nil {
		log = slog.Default()
	}
	return &Module{checker: checker, reporter: reporter, hostInfo: readHostStats, log: log}
}

func (m *Module) Name() string { return "traffic" }

func (m *Module) Init(ctx context.Context) error {
	if m.checker == nil {
		return errors.New("traffic: monitor is not configured")
	}
	return nil
}

func (m *Module) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	switch cmd {
	case "status":
		return m.status(ctx), nil
	case "fast":
		return m.runCheck(ctx, monitor.CheckFast)
	case "daily":
		return m.runCheck(ctx, monitor.CheckDaily)
	case "report":
		return m.report(ctx, args)
	default:
		return core.ErrorResponse("unknown_command"), fmt.Errorf("command %s not supported", cmd)
	}
}

func (m *Module) status(ctx context.Context) core.Response {
	st := m.checker.Status(ctx)
	data := StatusData{Monitor: st}
	if m.reporter != nil {
		data.Summary = m.reporter.StatusInfo()
	}
	if m.hostInfo != nil {
		hs, err := m.hostInfo(ctx)
		if err != nil {
			m.log.Warn("host stats unavailable", "err", err)
		} else {
			data.Host = &hs
		}
	}
	return core.Response{Status: "ok", Data: data, Message: renderStatus(data)}
}

func renderStatus(d StatusData) string {
	var b strings.Builder
	b.WriteString("📊 <b>Мониторинг трафика</b>\n")
	if d.Summary != "" {
		b.WriteString(d.Summary + "\n")
	}
	if d.Monitor.SnapshotAgeSeconds != nil {
		fmt.Fprintf(&b, "📸 Снимок: %s назад\n", humanAge(time.Duration(*d.Monitor.SnapshotAgeSeconds*float64(time.Second))))
	} else {
		b.WriteString("📸 Снимок: нет\n")
	}
	if d.Monitor.FastRunning || d.Monitor.DailyRunning {
		b.WriteString("⏳ Проверка выполняется\n")
	}
	fmt.Fprintf(&b, "🌐 Фильтр нод: %s", d.Monitor.NodeFilter)
	if d.Host != nil {
		fmt.Fprintf(&b, "\n🖥 %s, аптайм %s, load %.2f", d.Host.Hostname,
			humanAge(time.Duration(d.Host.UptimeSec)*time.Second), d.Host.Load1)
	}
	return b.String()
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d с", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d мин", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d ч %d мин", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%d дн", int(d.Hours()/24))
	}
}

var checkTitles = map[monitor.CheckType]string{
	monitor.CheckFast:  "Быстрая проверка",
	monitor.CheckDaily: "Суточная проверка",
}

func (m *Module) runCheck(ctx context.Context, check monitor.CheckType) (core.Response, error) {
	st := m.checker.Status(ctx)
	enabled, run := st.FastEnabled, m.checker.RunFastCheck
	if check == monitor.CheckDaily {
		enabled, run = st.DailyEnabled, m.checker.RunDailyCheck
	}
	title := checkTitles[check]
	if !enabled {
		resp := core.ErrorResponse("check_disabled")
		resp.Message = "⚪ " + title + " выключена"
		return resp, nil
	}

	violations, err := run(ctx)
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		resp := core.ErrorResponse("already_running")
		resp.Message = "⏳ " + title + " уже выполняется"
		return resp, nil
	case err != nil:
		m.log.Error("manual check failed", "check", check, "err", err)
		resp := core.ErrorResponse("check_failed")
		resp.Message = fmt.Sprintf("❌ %s не выполнена: %v", title, err)
		return resp, err
	}
	if violations == nil {
		violations = []monitor.Violation{}
	}
	return core.Response{
		Status:  "ok",
		Data:    CheckData{Check: check, Count: len(violations), Violations: violations},
		Message: fmt.Sprintf("✅ %s завершена, превышений: %d", title, len(violations)),
	}, nil
}

// report <account_id> <total_gb> <threshold_gb>
func (m *Module) report(ctx context.Context, args []string) (core.Response, error) {
	if m.reporter == nil {
		return core.ErrorResponse("not_supported"), errors.New("traffic: reporter is not configured")
	}
	if len(args) != 3 {
		resp := core.ErrorResponse("bad_args")
		resp.Message = "Использование: /traffic report <uuid> <объем_гб> <порог_гб>"
		return resp, nil
	}
	total, err1 := strconv.ParseFloat(args[1], 64)
	threshold, err2 := strconv.ParseFloat(args[2], 64)
	if err := errors.Join(err1, err2); err != nil {
		resp := core.ErrorResponse("bad_args")
		resp.Message = "Объем и порог должны быть числами"
		return resp, nil
	}
	if !m.reporter.ReportSuspicious(ctx, args[0], total, threshold) {
		return core.Response{Status: "ok", Data: map[string]bool{"sent": false},
			Message: "🔕 Уведомление не отправлено (кулдаун или ошибка доставки)"}, nil
	}
	return core.Response{Status: "ok", Data: map[string]bool{"sent": true},
		Message: "📨 Уведомление отправлено"}, nil
}

func readHostStats(ctx context.Context) (HostStats, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("host info: %w", err)
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("load info: %w", err)
	}
	return HostStats{
		Hostname:  info.Hostname,
		UptimeSec: info.Uptime,
		Load1:     avg.Load1,
		Load5:     avg.Load5,
		Load15:    avg.Load15,
	}, nil
}
