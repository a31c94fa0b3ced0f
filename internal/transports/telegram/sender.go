package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"trafficmon/internal/monitor"
)

const maxRetryAfter = 30 * time.Second

var errEmptyChat = errors.New("telegram: chat id is required")

// Sender доставляет уведомления мониторинга в чат администраторов.
type Sender struct {
	bot      *Bot
	chatID   string
	threadID int
}

var _ monitor.NotificationSink = (*Sender)(nil)

// NewSender создает Sender для чата chatID; threadID > 0 - тема форума.
func NewSender(bot *Bot, chatID string, threadID int64) (*Sender, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errEmptyChat
	}
	return &Sender{bot: bot, chatID: chatID, threadID: int(threadID)}, nil
}

// Send отправляет HTML-сообщение. На 429 ждет retry_after и пробует
// еще раз.
func (s *Sender) Send(ctx context.Context, text string) error {
	msg := OutgoingMessage{
		ChatID:                s.chatID,
		Text:                  text,
		ParseMode:             models.ParseModeHTML,
		MessageThreadID:       s.threadID,
		DisableWebPagePreview: true,
	}
	err := s.bot.SendMessage(ctx, msg)
	wait, ok := retryAfter(err)
	if !ok || wait > maxRetryAfter {
		return err
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	return s.bot.SendMessage(ctx, msg)
}
