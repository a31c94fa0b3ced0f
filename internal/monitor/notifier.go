package monitor

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"trafficmon/internal/storage"
)

// DefaultMaxNotifications - лимит уведомлений за один проход.
const DefaultMaxNotifications = 10

// NotifierOptions - зависимости Notifier. Sink == nil отключает отправку.
type NotifierOptions struct {
	Sink         NotificationSink
	Directory    AccountDirectory
	Journal      storage.AlertJournal
	Cooldown     *CooldownTracker
	MaxPerCycle  int
	SendInterval time.Duration
	Clock        quartz.Clock
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Notifier рассылает уведомления о нарушениях с кулдауном по аккаунту
// и ограничением частоты отправки.
type Notifier struct {
	sink      NotificationSink
	directory AccountDirectory
	journal   storage.AlertJournal
	cooldown  *CooldownTracker
	maxPer    int
	limiter   *rate.Limiter
	clock     quartz.Clock
	log       *slog.Logger
	metrics   *Metrics
}

// NewNotifier создает Notifier.
func NewNotifier(opts NotifierOptions) *Notifier {
	if opts.MaxPerCycle <= 0 {
		opts.MaxPerCycle = DefaultMaxNotifications
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.SendInterval > 0 {
		limit = rate.Every(opts.SendInterval)
	}
	return &Notifier{
		sink:      opts.Sink,
		directory: opts.Directory,
		journal:   opts.Journal,
		cooldown:  opts.Cooldown,
		maxPer:    opts.MaxPerCycle,
		limiter:   rate.NewLimiter(limit, 1),
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Notify отправляет не больше MaxPerCycle уведомлений и возвращает число
// доставленных. Неудачная отправка не ставит кулдаун, поэтому следующий
// проход повторит ее. Снимок к этому моменту уже заменен, поэтому отмена
// ctx вызывающего рассылку не прерывает.
func (n *Notifier) Notify(ctx context.Context, violations []Violation) int {
	if len(violations) == 0 || n.sink == nil {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	if len(violations) > n.maxPer {
		n.log.Warn("too many violations, truncating notifications", "count", len(violations), "limit", n.maxPer)
		violations = violations[:n.maxPer]
	}

	sent := 0
	for _, v := range violations {
		if n.cooldown != nil && !n.cooldown.ShouldNotify(ctx, v.AccountID) {
			n.log.Debug("notification suppressed by cooldown", "account", v.AccountID, "cooldown", n.cooldown.Window())
			n.metrics.notification("suppressed")
			continue
		}
		n.pace()

		msg := n.format(ctx, v)
		if err := n.sink.Send(ctx, msg); err != nil {
			n.log.Error("notification failed", "account", v.AccountID,
				"err", &Error{Kind: KindNotify, Op: "send", Err: err})
			n.metrics.notification("failed")
			continue
		}
		if n.cooldown != nil {
			n.cooldown.Record(ctx, v.AccountID)
		}
		n.recordAlert(ctx, v, msg)
		n.metrics.notification("sent")
		n.log.Info("notification sent", "account", v.AccountID, "check", v.CheckType)
		sent++
	}
	return sent
}

// pace выдерживает SendInterval между отправками. Токены считает
// rate.Limiter, ожидание идет по часам Notifier.
func (n *Notifier) pace() {
	now := n.clock.Now()
	delay := n.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return
	}
	t := n.clock.NewTimer(delay, "notifier", "pace")
	defer t.Stop()
	<-t.C
}

func (n *Notifier) recordAlert(ctx context.Context, v Violation, msg string) {
	if n.journal == nil {
		return
	}
	err := n.journal.RecordAlert(ctx, storage.AlertRecord{
		AccountID:   v.AccountID,
		CheckType:   string(v.CheckType),
		AmountGB:    v.AmountGB,
		ThresholdGB: v.ThresholdGB,
		NodeID:      v.NodeID,
		Message:     msg,
		TS:          n.clock.Now().UTC(),
	})
	if err != nil {
		n.log.Warn("alert journal write failed", "account", v.AccountID, "err", err)
	}
}

func (n *Notifier) identity(ctx context.Context, v Violation) (storage.Account, bool) {
	acc := storage.Account{ID: v.AccountID, DisplayName: v.DisplayName, ExternalID: v.ExternalRef}
	if n.directory != nil {
		found, ok, err := n.directory.LookupAccount(ctx, v.AccountID)
		if err != nil {
			n.log.Warn("account lookup failed", "account", v.AccountID, "err", err)
		} else if ok {
			if found.DisplayName != "" {
				acc.DisplayName = found.DisplayName
			}
			if found.ExternalID != "" {
				acc.ExternalID = found.ExternalID
			}
			acc.Username = found.Username
		}
	}
	known := acc.DisplayName != "" || acc.ExternalID != "" || acc.Username != ""
	return acc, known
}

func checkLabels(t CheckType) (emoji, name, amountLabel string) {
	switch t {
	case CheckFast:
		return "⚡", "Быстрая проверка", "За интервал"
	case CheckDaily:
		return "📅", "Суточная проверка", "За 24 часа"
	default:
		return "🔍", "Ручная проверка", "Использовано"
	}
}

func (n *Notifier) format(ctx context.Context, v Violation) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>Превышение трафика</b>\n\n")

	if acc, ok := n.identity(ctx, v); ok {
		name := acc.DisplayName
		if name == "" {
			name = "Без имени"
		}
		fmt.Fprintf(&b, "👤 <b>%s</b>\n", html.EscapeString(name))
		if acc.ExternalID != "" {
			fmt.Fprintf(&b, "🆔 ID: <code>%s</code>\n", html.EscapeString(acc.ExternalID))
		}
		if acc.Username != "" {
			fmt.Fprintf(&b, "📱 Username: @%s\n", html.EscapeString(acc.Username))
		}
	}
	fmt.Fprintf(&b, "🔑 UUID: <code>%s</code>\n\n", html.EscapeString(v.AccountID))

	emoji, name, label := checkLabels(v.CheckType)
	fmt.Fprintf(&b, "%s <b>%s</b>\n", emoji, name)
	fmt.Fprintf(&b, "📊 %s: <b>%.2f ГБ</b>\n", label, v.AmountGB)
	fmt.Fprintf(&b, "📈 Порог: <b>%.2f ГБ</b>\n", v.ThresholdGB)
	fmt.Fprintf(&b, "🚨 Превышение: <b>%.2f ГБ</b>\n", v.AmountGB-v.ThresholdGB)

	switch {
	case v.NodeName != "":
		fmt.Fprintf(&b, "\n🖥 Сервер: <b>%s</b>", html.EscapeString(v.NodeName))
		if v.NodeID != "" {
			fmt.Fprintf(&b, "\n   <code>%s</code>", html.EscapeString(v.NodeID))
		}
	case v.NodeID != "":
		fmt.Fprintf(&b, "\n🖥 Сервер: <code>%s</code>", html.EscapeString(v.NodeID))
	}

	fmt.Fprintf(&b, "\n\n⏰ %s UTC", n.clock.Now().UTC().Format("02.01.2006 15:04:05"))
	return b.String()
}
