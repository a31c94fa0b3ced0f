package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New возвращает JSON-логгер в stdout. Уровень берется из конфига,
// переменная окружения LOG_LEVEL имеет приоритет (по умолчанию info).
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter строит JSON-логгер поверх произвольного writer.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

// ParseLevel разбирает уровень логирования; LOG_LEVEL перекрывает аргумент.
func ParseLevel(level string) slog.Level {
	parsed := slog.LevelInfo
	for _, candidate := range []string{level, os.Getenv("LOG_LEVEL")} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(candidate)); err == nil {
			parsed = lvl
		}
	}
	return parsed
}
