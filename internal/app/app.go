// Package app собирает зависимости trafficmon из конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trafficmon/internal/config"
	"trafficmon/internal/core"
	"trafficmon/internal/modules/traffic"
	"trafficmon/internal/monitor"
	"trafficmon/internal/sources/remnawave"
	"trafficmon/internal/storage"
	"trafficmon/internal/storage/rediskv"
	"trafficmon/internal/storage/sqlite"
	"trafficmon/internal/transports/common"
	"trafficmon/internal/transports/telegram"
	"trafficmon/internal/transports/web"
)

const redisPingTimeout = 5 * time.Second

// App агрегирует зависимости ядра.
type App struct {
	Config     config.Config
	Registry   *core.Registry
	Transports *core.TransportManager
	Authorizer core.Authorizer
	Store      *sqlite.Store
	KV         storage.KeyValueStore
	Monitor    *monitor.Monitor
	Metrics    *prometheus.Registry

	log   *slog.Logger
	redis *rediskv.Store
}

// New строит приложение. Без remnawave.base_url монитор не создается,
// остальное (CLI, web, аудит) работает.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{
		Config:     cfg,
		Registry:   core.NewRegistry(),
		Transports: core.NewTransportManager(),
		Authorizer: core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist),
		Store:      st,
		KV:         st,
		Metrics:    prometheus.NewRegistry(),
		log:        log,
	}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	a.openRedis(ctx)

	var bot *telegram.Bot
	var sink monitor.NotificationSink
	if cfg.Telegram.BotToken != "" {
		var err error
		bot, err = telegram.NewBot(cfg.Telegram.BotToken,
			telegram.WithPollTimeout(time.Duration(cfg.Telegram.PollTimeoutSeconds)*time.Second),
			telegram.WithBotLogger(a.log.With("component", "telegram")),
		)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		if cfg.Telegram.AdminChatID != "" {
			sender, err := telegram.NewSender(bot, cfg.Telegram.AdminChatID, cfg.Telegram.TopicID)
			if err != nil {
				return fmt.Errorf("telegram sender: %w", err)
			}
			sink = sender
		}
	}
	if sink == nil {
		a.log.Warn("telegram notifications are not configured, violations will only be logged")
	}

	if cfg.Remnawave.BaseURL != "" {
		if err := a.buildMonitor(ctx, sink); err != nil {
			return err
		}
	} else {
		a.log.Warn("remnawave.base_url is empty, traffic monitor disabled")
	}

	limiter := common.NewRateLimiter(cfg.Security.RateLimit, time.Duration(cfg.Security.RateLimitWindow)*time.Second)
	if cfg.Telegram.PollingEnabled && bot != nil {
		tg := telegram.NewAdapter(a.Registry, a.Authorizer, limiter, a.Store,
			telegram.WithPolling(bot),
			telegram.WithLogger(a.log.With("transport", "telegram")),
		)
		if err := a.Transports.Register(tg); err != nil {
			return fmt.Errorf("register telegram transport: %w", err)
		}
	}
	if cfg.Web.Enabled {
		if err := a.Transports.Register(a.newWeb()); err != nil {
			return fmt.Errorf("register web transport: %w", err)
		}
	}
	return nil
}

// openRedis подключает Redis как основное KV; при недоступности
// остается SQLite.
func (a *App) openRedis(ctx context.Context) {
	if a.Config.Redis.URL == "" {
		return
	}
	rs, err := rediskv.Open(a.Config.Redis.URL)
	if err != nil {
		a.log.Error("redis url rejected, using sqlite for monitor state", "err", err)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		a.log.Warn("redis unavailable, using sqlite for monitor state", "err", err)
		_ = rs.Close()
		return
	}
	a.redis = rs
	a.KV = rs
}

func (a *App) buildMonitor(ctx context.Context, sink monitor.NotificationSink) error {
	cfg := a.Config
	client, err := remnawave.New(cfg.Remnawave.BaseURL, cfg.Remnawave.Token,
		remnawave.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Remnawave.TimeoutSeconds) * time.Second}),
		remnawave.WithRetry(uint64(cfg.Remnawave.Retries), 500*time.Millisecond),
		remnawave.WithLogger(a.log.With("component", "remnawave")),
	)
	if err != nil {
		return fmt.Errorf("remnawave client: %w", err)
	}
	settings, err := cfg.MonitorSettings()
	if err != nil {
		return fmt.Errorf("monitor settings: %w", err)
	}
	mon, err := monitor.New(monitor.Options{
		Source:    client,
		Nodes:     client,
		Sink:      sink,
		Directory: a.Store,
		Journal:   a.Store,
		Store:     a.KV,
		Settings:  settings,
		Logger:    a.log,
		Metrics:   monitor.NewMetrics(a.Metrics),
	})
	if err != nil {
		return fmt.Errorf("traffic monitor: %w", err)
	}
	a.Monitor = mon
	if err := a.Registry.Register(ctx, traffic.New(mon, monitor.NewLegacyAdapter(mon), a.log)); err != nil {
		return fmt.Errorf("register traffic module: %w", err)
	}
	return nil
}

func (a *App) newWeb() *web.Adapter {
	cfg := a.Config.Web
	tokens := make([]web.TokenEntry, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, web.TokenEntry{
			ID:          token.ID,
			TokenSHA256: token.TokenSHA256,
			Subject:     token.Subject,
			Roles:       token.Roles,
			Enabled:     token.Enabled,
		})
	}
	deps := web.Deps{
		Registry:   a.Registry,
		Authorizer: a.Authorizer,
		Store:      a.Store,
		Metrics:    a.Metrics,
		Logger:     a.log,
	}
	if a.Monitor != nil {
		deps.Traffic = a.Monitor
	}
	return web.NewAdapter(deps, web.Config{
		ListenAddr:               cfg.ListenAddr,
		ReadTimeout:              time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:             time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		RequestTimeout:           time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		CheckTimeout:             time.Duration(cfg.CheckTimeoutS) * time.Second,
		ShutdownTimeout:          time.Duration(cfg.ShutdownTimeoutS) * time.Second,
		MaxRequestBody:           cfg.MaxBodyBytes,
		AllowLegacySubjectHeader: cfg.AllowLegacySubjectHeader,
		Tokens:                   tokens,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
	})
}

// Serve запускает мониторинг и транспорты и работает до отмены ctx.
func (a *App) Serve(ctx context.Context) error {
	if a.Monitor != nil && a.checksEnabled() {
		if err := a.Monitor.Start(ctx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		defer a.Monitor.Stop()
	}
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	a.log.Info("trafficmon started", "modules", a.Registry.Providers())

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Transports.StopAll(stopCtx); err != nil {
		a.log.Warn("transports stop failed", "err", err)
	}
	a.log.Info("trafficmon stopping")
	return nil
}

func (a *App) checksEnabled() bool {
	return a.Config.Traffic.FastCheckEnabled || a.Config.Traffic.DailyCheckEnabled
}

// Close высвобождает ресурсы приложения.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
