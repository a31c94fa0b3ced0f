// Package web - HTTP API оператора: ручной запуск проверок трафика,
// статус мониторинга, журнал уведомлений, аудит и метрики Prometheus.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficmon/internal/core"
	"trafficmon/internal/monitor"
	"trafficmon/internal/storage"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Roles       []string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	// CheckTimeout ограничивает ручной запуск проверки; полный проход по
	// панели идет заметно дольше обычного запроса.
	CheckTimeout             time.Duration
	MaxRequestBody           int64
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
	CORSAllowedOrigins       []string
	CORSAllowedMethods       []string
	CORSAllowedHeaders       []string
}

// Store - часть локального хранилища, нужная HTTP API.
type Store interface {
	SaveAudit(ctx context.Context, ev storage.AuditEvent) error
	QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error)
	RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
}

// Traffic - управление проверками трафика.
type Traffic interface {
	RunFastCheck(ctx context.Context) ([]monitor.Violation, error)
	RunDailyCheck(ctx context.Context) ([]monitor.Violation, error)
	Status(ctx context.Context) monitor.Status
}

// Deps - зависимости адаптера. Traffic, Store и Metrics могут
// отсутствовать: соответствующие маршруты тогда не регистрируются.
type Deps struct {
	Registry   *core.Registry
	Authorizer core.Authorizer
	Store      Store
	Traffic    Traffic
	Metrics    prometheus.Gatherer
	Logger     *slog.Logger
}

// Adapter реализует web transport поверх net/http.
type Adapter struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	tokensByHash map[string]TokenEntry
	corsOrigins  map[string]struct{}

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	stopCh chan struct{}
}

// NewAdapter создает web transport.
func NewAdapter(deps Deps, cfg Config) *Adapter {
	cfg = withDefaults(cfg)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != 64 {
			log.Warn("web token skipped: sha256 must be 64 hex chars", "id", token.ID)
			continue
		}
		tokensByHash[h] = token
	}

	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			corsOrigins[trimmed] = struct{}{}
		}
	}

	return &Adapter{
		deps:         deps,
		cfg:          cfg,
		log:          log.With("transport", "web"),
		tokensByHash: tokensByHash,
		corsOrigins:  corsOrigins,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Minute
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	return cfg
}

func (a *Adapter) Name() string { return "web" }

// Addr возвращает адрес, на котором слушает сервер, или nil до Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Start открывает listener и обслуживает запросы в фоне до Stop или
// отмены контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return errors.New("web transport already started")
	}
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	stopCh := make(chan struct{})
	a.server, a.addr, a.stopCh = srv, ln.Addr(), stopCh

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			if err := a.Stop(stopCtx); err != nil {
				a.log.Warn("web shutdown failed", "err", err)
			}
		case <-stopCh:
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("web server stopped", "err", err)
		}
	}()
	a.log.Info("web transport listening", "addr", ln.Addr().String())
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv, stopCh := a.server, a.stopCh
	a.server, a.stopCh = nil, nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	close(stopCh)
	return srv.Shutdown(ctx)
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))
	if a.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.deps.Metrics, promhttp.HandlerOpts{}))
	}

	protected := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	}), a.timeoutMiddleware(a.cfg.RequestTimeout), a.authSubjectMiddleware())
	mux.Handle("GET /v1/", protected)
	mux.Handle("POST /v1/", protected)

	mux.Handle("GET /v1/me", a.guard(http.HandlerFunc(a.handleMe), "web:me", core.Action{Module: "web", Command: "me"}))
	mux.Handle("GET /v1/modules", a.guard(http.HandlerFunc(a.handleModules), "web:modules", core.Action{Module: "web", Command: "modules"}))

	mux.Handle("POST /v1/commands/execute", chain(http.HandlerFunc(a.handleExecute),
		a.timeoutMiddleware(a.cfg.RequestTimeout),
		a.authSubjectMiddleware(),
		a.maxBodyMiddleware(),
		a.authorizeExecuteMiddleware(),
	))

	if a.deps.Store != nil {
		mux.Handle("GET /v1/audit", a.guard(http.HandlerFunc(a.handleAudit), "web:audit_query", core.Action{Module: "audit", Command: "read"}))
		mux.Handle("GET /v1/traffic/alerts", a.guard(http.HandlerFunc(a.handleAlerts), "web:traffic_alerts", core.Action{Module: "traffic", Command: "alerts"}))
	}

	if a.deps.Traffic != nil {
		mux.Handle("GET /v1/traffic/status", a.guard(http.HandlerFunc(a.handleTrafficStatus), "web:traffic_status", core.Action{Module: "traffic", Command: "status"}))
		mux.Handle("POST /v1/traffic/checks/{check}", chain(http.HandlerFunc(a.handleRunCheck),
			a.extendWriteDeadline(a.cfg.CheckTimeout),
			a.timeoutMiddleware(a.cfg.CheckTimeout),
			a.authSubjectMiddleware(),
			a.authorizeCheckMiddleware(),
		))
	}

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

// guard - стандартная цепочка для GET-маршрутов: таймаут, subject, authz.
func (a *Adapter) guard(h http.Handler, auditAction string, action core.Action) http.Handler {
	return chain(h,
		a.timeoutMiddleware(a.cfg.RequestTimeout),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(auditAction, action),
	)
}
