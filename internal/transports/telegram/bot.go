package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	defaultPollTimeout = 25 * time.Second
	sendTimeout        = 15 * time.Second
)

var errEmptyToken = errors.New("telegram: bot token is required")

// UpdateHandler обрабатывает входящее обновление.
type UpdateHandler func(ctx context.Context, u *models.Update)

// Bot - клиент Bot API поверх go-telegram/bot: отправка сообщений и
// long polling входящих команд.
type Bot struct {
	api   *tgbot.Bot
	token string

	mu      sync.RWMutex
	handler UpdateHandler
}

type botConfig struct {
	apiBase     string
	httpClient  *http.Client
	pollTimeout time.Duration
	log         *slog.Logger
}

// BotOption настраивает Bot.
type BotOption func(*botConfig)

// WithAPIBase подменяет адрес Bot API.
func WithAPIBase(base string) BotOption {
	return func(c *botConfig) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithBotHTTPClient подменяет http.Client.
func WithBotHTTPClient(hc *http.Client) BotOption {
	return func(c *botConfig) { c.httpClient = hc }
}

// WithPollTimeout задает таймаут long polling getUpdates.
func WithPollTimeout(d time.Duration) BotOption {
	return func(c *botConfig) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithBotLogger задает логгер ошибок polling.
func WithBotLogger(log *slog.Logger) BotOption {
	return func(c *botConfig) { c.log = log }
}

// NewBot создает клиент Bot API. Сеть при создании не трогается.
func NewBot(token string, opts ...BotOption) (*Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errEmptyToken
	}
	cfg := botConfig{
		httpClient:  &http.Client{},
		pollTimeout: defaultPollTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bot{token: token}
	tgOpts := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithHTTPClient(cfg.pollTimeout, cfg.httpClient),
		tgbot.WithDefaultHandler(b.dispatch),
		tgbot.WithErrorsHandler(func(err error) {
			cfg.log.Warn("telegram polling error", "err", redact(err, token))
		}),
	}
	if cfg.apiBase != "" {
		tgOpts = append(tgOpts, tgbot.WithServerURL(cfg.apiBase))
	}
	api, err := tgbot.New(token, tgOpts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", redact(err, token))
	}
	b.api = api
	return b, nil
}

// OutgoingMessage - параметры sendMessage.
type OutgoingMessage struct {
	ChatID                string
	Text                  string
	ParseMode             models.ParseMode
	MessageThreadID       int
	DisableWebPagePreview bool
}

// SendMessage отправляет сообщение.
func (b *Bot) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	params := &tgbot.SendMessageParams{
		ChatID:          msg.ChatID,
		Text:            msg.Text,
		ParseMode:       msg.ParseMode,
		MessageThreadID: msg.MessageThreadID,
	}
	if msg.DisableWebPagePreview {
		disabled := true
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: &disabled}
	}
	if _, err := b.api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: sendMessage: %w", redact(err, b.token))
	}
	return nil
}

// Run принимает обновления через getUpdates и передает их handler,
// пока ctx не отменен.
func (b *Bot) Run(ctx context.Context, handler UpdateHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	b.api.Start(ctx)
}

func (b *Bot) dispatch(ctx context.Context, _ *tgbot.Bot, u *models.Update) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil && u != nil {
		h(ctx, u)
	}
}

// retryAfter возвращает паузу из ответа 429.
func retryAfter(err error) (time.Duration, bool) {
	var tooMany *tgbot.TooManyRequestsError
	if !errors.As(err, &tooMany) || tooMany.RetryAfter <= 0 {
		return 0, false
	}
	return time.Duration(tooMany.RetryAfter) * time.Second, true
}

// redact убирает токен из ошибок транспорта: url.Error содержит адрес.
func redact(err error, token string) error {
	if err == nil || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
