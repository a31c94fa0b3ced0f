// Package config - YAML-конфигурация trafficmon: значения по умолчанию,
// перевод устаревших ключей и проверка при старте.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // daily_check_timezone в контейнерах без zoneinfo

	"gopkg.in/yaml.v3"

	"trafficmon/internal/monitor"
)

// WebToken описывает bearer-токен HTTP API. Хранится только sha256.
type WebToken struct {
	ID          string   `yaml:"id"`
	TokenSHA256 string   `yaml:"token_sha256"`
	Subject     string   `yaml:"subject"`
	Roles       []string `yaml:"roles"`
	Enabled     bool     `yaml:"enabled"`
}

// Traffic - настройки проверок трафика.
type Traffic struct {
	FastCheckEnabled         bool    `yaml:"fast_check_enabled"`
	FastCheckIntervalMinutes int     `yaml:"fast_check_interval_minutes"`
	FastCheckThresholdGB     float64 `yaml:"fast_check_threshold_gb"`

	DailyCheckEnabled  bool    `yaml:"daily_check_enabled"`
	DailyCheckTime     string  `yaml:"daily_check_time"`
	DailyCheckTimezone string  `yaml:"daily_check_timezone"`
	DailyThresholdGB   float64 `yaml:"daily_threshold_gb"`

	NotificationCooldownMinutes int      `yaml:"notification_cooldown_minutes"`
	MonitoredNodes              []string `yaml:"monitored_nodes"`
	IgnoredNodes                []string `yaml:"ignored_nodes"`
	ExcludedAccounts            []string `yaml:"excluded_accounts"`
	SnapshotTTLHours            int      `yaml:"snapshot_ttl_hours"`
	MaxNotificationsPerCycle    int      `yaml:"max_notifications_per_cycle"`
	BatchSize                   int      `yaml:"batch_size"`
	Concurrency                 int      `yaml:"concurrency"`
	SendIntervalMS              int      `yaml:"send_interval_ms"`

	// Устаревшая одиночная проверка; переводится в быструю в Normalize.
	MonitoringEnabled       bool    `yaml:"monitoring_enabled"`
	MonitoringIntervalHours int     `yaml:"monitoring_interval_hours"`
	ThresholdGBPerDay       float64 `yaml:"threshold_gb_per_day"`
}

// Config описывает основные параметры сервиса.
type Config struct {
	Agent struct {
		LogLevel string `yaml:"log_level"`
	} `yaml:"agent"`
	Security struct {
		AuthAllowlist   map[string][]string `yaml:"auth_allowlist"`
		RateLimit       int                 `yaml:"rate_limit"`
		RateLimitWindow int                 `yaml:"rate_limit_window_seconds"`
	} `yaml:"security"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Remnawave struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Retries        int    `yaml:"retries"`
	} `yaml:"remnawave"`
	Telegram struct {
		BotToken           string `yaml:"bot_token"`
		AdminChatID        string `yaml:"admin_chat_id"`
		TopicID            int64  `yaml:"topic_id"`
		PollingEnabled     bool   `yaml:"polling_enabled"`
		PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
	} `yaml:"telegram"`
	Web struct {
		Enabled                  bool       `yaml:"enabled"`
		ListenAddr               string     `yaml:"listen_addr"`
		ReadTimeoutMS            int        `yaml:"read_timeout_ms"`
		WriteTimeoutMS           int        `yaml:"write_timeout_ms"`
		RequestTimeoutMS         int        `yaml:"request_timeout_ms"`
		CheckTimeoutS            int        `yaml:"check_timeout_s"`
		ShutdownTimeoutS         int        `yaml:"shutdown_timeout_s"`
		MaxBodyBytes             int64      `yaml:"max_body_bytes"`
		AllowLegacySubjectHeader bool       `yaml:"allow_legacy_subject_header"`
		Tokens                   []WebToken `yaml:"tokens"`
		CORSAllowedOrigins       []string   `yaml:"cors_allowed_origins"`
	} `yaml:"web"`
	Traffic Traffic `yaml:"traffic"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.LogLevel = "info"
	cfg.Security.AuthAllowlist = map[string][]string{"telegram": {}, "web": {}, "cli": {"local"}}
	cfg.Security.RateLimit = 5
	cfg.Security.RateLimitWindow = 60
	cfg.SQLite.Path = "/var/lib/trafficmon/state.db"
	cfg.Remnawave.TimeoutSeconds = 30
	cfg.Remnawave.Retries = 2
	cfg.Telegram.PollTimeoutSeconds = 25
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 5000
	cfg.Web.WriteTimeoutMS = 10000
	cfg.Web.RequestTimeoutMS = 5000
	cfg.Web.CheckTimeoutS = 600
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20

	t := &cfg.Traffic
	t.FastCheckIntervalMinutes = 10
	t.FastCheckThresholdGB = 5
	t.DailyCheckTime = "00:00"
	t.DailyCheckTimezone = "Local"
	t.DailyThresholdGB = 50
	t.NotificationCooldownMinutes = 60
	t.SnapshotTTLHours = 24
	t.MaxNotificationsPerCycle = monitor.DefaultMaxNotifications
	t.BatchSize = monitor.DefaultBatchSize
	t.Concurrency = monitor.DefaultConcurrency
	t.SendIntervalMS = 500
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию,
// нормализует и проверяет его.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором.
		if err != nil {
			return cfg, err
		}
		if len(data) == 0 {
			return cfg, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize чистит списки и переводит устаревшие ключи: включенная
// старая проверка при выключенной быстрой становится быстрой проверкой
// со своим интервалом и порогом.
func (c *Config) Normalize() {
	c.Remnawave.BaseURL = strings.TrimSpace(c.Remnawave.BaseURL)
	c.Telegram.AdminChatID = strings.TrimSpace(c.Telegram.AdminChatID)
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)

	t := &c.Traffic
	t.MonitoredNodes = cleanList(t.MonitoredNodes, false)
	t.IgnoredNodes = cleanList(t.IgnoredNodes, false)
	t.ExcludedAccounts = cleanList(t.ExcludedAccounts, true)
	t.DailyCheckTime = strings.TrimSpace(t.DailyCheckTime)
	t.DailyCheckTimezone = strings.TrimSpace(t.DailyCheckTimezone)

	if t.MonitoringEnabled && !t.FastCheckEnabled {
		t.FastCheckEnabled = true
		if t.MonitoringIntervalHours > 0 {
			t.FastCheckIntervalMinutes = t.MonitoringIntervalHours * 60
		}
		if t.ThresholdGBPerDay > 0 {
			t.FastCheckThresholdGB = t.ThresholdGBPerDay
		}
	}
}

func cleanList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Validate возвращает все найденные ошибки разом.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	t := c.Traffic
	if t.FastCheckEnabled {
		if t.FastCheckIntervalMinutes <= 0 {
			add("traffic.fast_check_interval_minutes must be positive")
		}
		if t.FastCheckThresholdGB <= 0 {
			add("traffic.fast_check_threshold_gb must be positive")
		}
	}
	if t.DailyCheckEnabled {
		if t.DailyThresholdGB <= 0 {
			add("traffic.daily_threshold_gb must be positive")
		}
		if _, _, err := ParseClock(t.DailyCheckTime); err != nil {
			add("traffic.daily_check_time: %w", err)
		}
		if _, err := LoadLocation(t.DailyCheckTimezone); err != nil {
			add("traffic.daily_check_timezone: %w", err)
		}
	}
	if t.NotificationCooldownMinutes < 0 {
		add("traffic.notification_cooldown_minutes must not be negative")
	}
	if t.SnapshotTTLHours <= 0 {
		add("traffic.snapshot_ttl_hours must be positive")
	}
	if t.MaxNotificationsPerCycle <= 0 || t.BatchSize <= 0 || t.Concurrency <= 0 {
		add("traffic: max_notifications_per_cycle, batch_size and concurrency must be positive")
	}
	if t.SendIntervalMS < 0 {
		add("traffic.send_interval_ms must not be negative")
	}
	if (t.FastCheckEnabled || t.DailyCheckEnabled) && c.Remnawave.BaseURL == "" {
		add("remnawave.base_url is required when a traffic check is enabled")
	}
	if c.Remnawave.Retries < 0 {
		add("remnawave.retries must not be negative")
	}
	if c.Telegram.BotToken != "" && c.Telegram.AdminChatID == "" && !c.Telegram.PollingEnabled {
		add("telegram.admin_chat_id is required for notifications")
	}
	if c.Telegram.PollingEnabled && c.Telegram.BotToken == "" {
		add("telegram.bot_token is required for polling")
	}
	if c.SQLite.Path == "" {
		add("sqlite.path is required")
	}
	for _, tok := range c.Web.Tokens {
		if len(strings.TrimSpace(tok.TokenSHA256)) != 64 {
			add("web.tokens[%s]: token_sha256 must be 64 hex chars", tok.ID)
		}
	}
	return errors.Join(errs...)
}

// ParseClock разбирает время суток "HH:MM".
func ParseClock(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	hour, errH := strconv.Atoi(hh)
	minute, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return hour, minute, nil
}

// LoadLocation понимает "Local" и пустую строку как локальную зону.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// MonitorSettings строит настройки монитора.
func (c *Config) MonitorSettings() (monitor.Settings, error) {
	t := c.Traffic
	s := monitor.Settings{
		FastEnabled:      t.FastCheckEnabled,
		FastInterval:     time.Duration(t.FastCheckIntervalMinutes) * time.Minute,
		FastThresholdGB:  t.FastCheckThresholdGB,
		DailyEnabled:     t.DailyCheckEnabled,
		DailyThresholdGB: t.DailyThresholdGB,
		Cooldown:         time.Duration(t.NotificationCooldownMinutes) * time.Minute,
		Filter:           monitor.NewFilterConfig(t.MonitoredNodes, t.IgnoredNodes, t.ExcludedAccounts),
		SnapshotTTL:      time.Duration(t.SnapshotTTLHours) * time.Hour,
		MaxNotifications: t.MaxNotificationsPerCycle,
		BatchSize:        t.BatchSize,
		Concurrency:      t.Concurrency,
		SendInterval:     time.Duration(t.SendIntervalMS) * time.Millisecond,
	}
	if !t.DailyCheckEnabled {
		s.DailyLocation = time.Local
		return s, nil
	}
	var err error
	if s.DailyHour, s.DailyMinute, err = ParseClock(t.DailyCheckTime); err != nil {
		return s, err
	}
	if s.DailyLocation, err = LoadLocation(t.DailyCheckTimezone); err != nil {
		return s, fmt.Errorf("daily timezone: %w", err)
	}
	return s, nil
}
