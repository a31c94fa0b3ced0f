package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot/models"

	"trafficmon/internal/core"
	"trafficmon/internal/storage"
	"trafficmon/internal/transports/common"
)

// Adapter предоставляет transport-слой для Telegram: принимает команды
// операторов через long polling и отвечает в тот же чат.
type Adapter struct {
	svc *common.Service
	bot *Bot
	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// AdapterOption настраивает Adapter.
type AdapterOption func(*Adapter)

// WithPolling включает прием команд через getUpdates.
func WithPolling(bot *Bot) AdapterOption {
	return func(a *Adapter) { a.bot = bot }
}

// WithLogger задает логгер адаптера.
func WithLogger(log *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = log }
}

// NewAdapter создает Telegram адаптер.
func NewAdapter(registry *core.Registry, authorizer core.Authorizer, limiter *common.RateLimiter, audit storage.AuditWriter, opts ...AdapterOption) *Adapter {
	a := &Adapter{log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.svc = &common.Service{
		Source:      "telegram",
		Registry:    registry,
		Authorizer:  authorizer,
		RateLimiter: limiter,
		AuditSink:   audit,
		Logger:      a.log,
	}
	return a
}

func (a *Adapter) Name() string { return "telegram" }

// Start запускает polling, если он включен.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("telegram transport already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	if a.bot == nil {
		close(done)
		return nil
	}
	go func() {
		defer close(done)
		a.bot.Run(runCtx, a.handleUpdate)
	}()
	a.log.Info("telegram polling started")
	return nil
}

// Stop останавливает polling и ждет выхода цикла.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleCommand принимает команду в чат-формате и исполняет через core.
func (a *Adapter) HandleCommand(ctx context.Context, userID, text string) (core.Response, error) {
	return a.svc.ExecuteText(ctx, userID, text)
}

func (a *Adapter) handleUpdate(ctx context.Context, u *models.Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return
	}
	subjectID := strconv.FormatInt(msg.From.ID, 10)
	resp, err := a.HandleCommand(ctx, subjectID, msg.Text)
	if err != nil {
		a.log.Info("telegram command rejected", "subject", subjectID, "text", msg.Text, "err", err)
	}
	reply := OutgoingMessage{
		ChatID:          strconv.FormatInt(msg.Chat.ID, 10),
		Text:            renderReply(resp),
		ParseMode:       models.ParseModeHTML,
		MessageThreadID: msg.MessageThreadID,
	}
	if err := a.bot.SendMessage(ctx, reply); err != nil {
		a.log.Warn("telegram reply failed", "chat", msg.Chat.ID, "err", err)
	}
}

func renderReply(resp core.Response) string {
	if resp.Message != "" {
		return resp.Message
	}
	switch resp.ErrorCode {
	case "":
		return "✅ Готово"
	case "access_denied":
		return "⛔ Доступ запрещен"
	case "rate_limited":
		return "⏳ Слишком много команд, попробуйте позже"
	case "bad_command", "unknown_command", "module_not_found":
		return "❓ Неизвестная команда. Доступно: /traffic status, /traffic fast, /traffic daily"
	case "already_running":
		return "⏳ Проверка уже выполняется"
	case "request_timeout":
		return "⌛ Команда не успела выполниться"
	default:
		return "❌ Ошибка: " + resp.ErrorCode
	}
}
