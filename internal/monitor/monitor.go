package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"trafficmon/internal/core"
	"trafficmon/internal/storage"
)

// Settings - типизированные настройки проверок.
type Settings struct {
	FastEnabled     bool
	FastInterval    time.Duration
	FastThresholdGB float64

	DailyEnabled     bool
	DailyHour        int
	DailyMinute      int
	DailyLocation    *time.Location
	DailyThresholdGB float64

	Cooldown         time.Duration
	Filter           FilterConfig
	SnapshotTTL      time.Duration
	MaxNotifications int
	BatchSize        int
	Concurrency      int
	SendInterval     time.Duration
}

// Options - зависимости Monitor. Store и Source обязательны, остальное
// может отсутствовать.
type Options struct {
	Source    UsageSource
	Nodes     NodeDirectory
	Sink      NotificationSink
	Directory AccountDirectory
	Journal   storage.AlertJournal
	Store     storage.KeyValueStore
	Settings  Settings
	Clock     quartz.Clock
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Status - состояние мониторинга для операторов.
type Status struct {
	FastEnabled         bool     `json:"fast_enabled"`
	FastIntervalMinutes float64  `json:"fast_interval_minutes"`
	FastThresholdGB     float64  `json:"fast_threshold_gb"`
	DailyEnabled        bool     `json:"daily_enabled"`
	DailyTime           string   `json:"daily_time"`
	DailyTimezone       string   `json:"daily_timezone"`
	DailyThresholdGB    float64  `json:"daily_threshold_gb"`
	CooldownMinutes     float64  `json:"cooldown_minutes"`
	NodeFilter          string   `json:"node_filter"`
	HasSnapshot         bool     `json:"has_snapshot"`
	SnapshotAgeSeconds  *float64 `json:"snapshot_age_seconds,omitempty"`
	FastRunning         bool     `json:"fast_running"`
	DailyRunning        bool     `json:"daily_running"`
	Started             bool     `json:"started"`
}

// Monitor связывает проверки, планировщик и ручной запуск.
type Monitor struct {
	settings  Settings
	snapshots *SnapshotStore
	cooldown  *CooldownTracker
	notifier  *Notifier
	fast      *FastCheck
	daily     *DailyCheck
	nodes     *nodeCache
	clock     quartz.Clock
	log       *slog.Logger

	fastMu       sync.Mutex
	dailyMu      sync.Mutex
	fastRunning  atomic.Bool
	dailyRunning atomic.Bool

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New собирает Monitor из зависимостей.
func New(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, errors.New("monitor: usage source is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	st := withDefaults(opts.Settings)
	log := opts.Logger.With("component", "traffic_monitor")

	m := &Monitor{
		settings: st,
		nodes:    newNodeCache(opts.Nodes, log),
		clock:    opts.Clock,
		log:      log,
	}
	m.snapshots = NewSnapshotStore(opts.Store, st.SnapshotTTL, opts.Clock, log, opts.Metrics)
	m.cooldown = NewCooldownTracker(opts.Store, st.Cooldown, opts.Clock, log, opts.Metrics)
	m.notifier = NewNotifier(NotifierOptions{
		Sink:         opts.Sink,
		Directory:    opts.Directory,
		Journal:      opts.Journal,
		Cooldown:     m.cooldown,
		MaxPerCycle:  st.MaxNotifications,
		SendInterval: st.SendInterval,
		Clock:        opts.Clock,
		Logger:       log,
		Metrics:      opts.Metrics,
	})
	m.fast = &FastCheck{
		source:      opts.Source,
		snapshots:   m.snapshots,
		notifier:    m.notifier,
		filter:      st.Filter,
		threshold:   gbToBytes(st.FastThresholdGB),
		thresholdGB: st.FastThresholdGB,
		batchSize:   st.BatchSize,
		nodes:       m.nodes,
		clock:       opts.Clock,
		log:         log.With("check", CheckFast),
		metrics:     opts.Metrics,
	}
	m.daily = &DailyCheck{
		source:      opts.Source,
		notifier:    m.notifier,
		filter:      st.Filter,
		threshold:   gbToBytes(st.DailyThresholdGB),
		thresholdGB: st.DailyThresholdGB,
		batchSize:   st.BatchSize,
		concurrency: st.Concurrency,
		nodes:       m.nodes,
		clock:       opts.Clock,
		log:         log.With("check", CheckDaily),
		metrics:     opts.Metrics,
	}
	return m, nil
}

func withDefaults(s Settings) Settings {
	if s.FastInterval <= 0 {
		s.FastInterval = 10 * time.Minute
	}
	if s.DailyLocation == nil {
		s.DailyLocation = time.Local
	}
	if s.Cooldown <= 0 {
		s.Cooldown = time.Hour
	}
	if s.SnapshotTTL <= 0 {
		s.SnapshotTTL = 24 * time.Hour
	}
	if s.MaxNotifications <= 0 {
		s.MaxNotifications = DefaultMaxNotifications
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	return s
}

// Settings возвращает действующие настройки.
func (m *Monitor) Settings() Settings { return m.settings }

// Notifier возвращает рассыльщик уведомлений.
func (m *Monitor) Notifier() *Notifier { return m.notifier }

// Bootstrap снимает начальный снимок, если его нет.
func (m *Monitor) Bootstrap(ctx context.Context) error {
	if !m.settings.FastEnabled {
		return nil
	}
	if !m.fastMu.TryLock() {
		return ErrAlreadyRunning
	}
	defer m.fastMu.Unlock()
	return m.fast.Bootstrap(ctx)
}

// RunFastCheck запускает быструю проверку. Параллельный вызов получает
// ErrAlreadyRunning и не ждет; выключенная проверка возвращает nil, nil.
func (m *Monitor) RunFastCheck(ctx context.Context) ([]Violation, error) {
	if !m.settings.FastEnabled {
		return nil, nil
	}
	if !m.fastMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer m.fastMu.Unlock()
	m.fastRunning.Store(true)
	defer m.fastRunning.Store(false)

	m.nodes.refresh(ctx)
	return m.fast.Run(ctx)
}

// RunDailyCheck запускает суточную проверку с той же семантикой блокировки.
func (m *Monitor) RunDailyCheck(ctx context.Context) ([]Violation, error) {
	if !m.settings.DailyEnabled {
		return nil, nil
	}
	if !m.dailyMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer m.dailyMu.Unlock()
	m.dailyRunning.Store(true)
	defer m.dailyRunning.Store(false)

	m.nodes.refresh(ctx)
	return m.daily.Run(ctx)
}

// HasSnapshot сообщает, есть ли снимок счетчиков.
func (m *Monitor) HasSnapshot(ctx context.Context) bool { return m.snapshots.Has(ctx) }

// SnapshotAge возвращает возраст снимка или InfiniteAge.
func (m *Monitor) SnapshotAge(ctx context.Context) time.Duration { return m.snapshots.Age(ctx) }

// Status собирает текущее состояние.
func (m *Monitor) Status(ctx context.Context) Status {
	s := m.settings
	st := Status{
		FastEnabled:         s.FastEnabled,
		FastIntervalMinutes: s.FastInterval.Minutes(),
		FastThresholdGB:     s.FastThresholdGB,
		DailyEnabled:        s.DailyEnabled,
		DailyTime:           fmt.Sprintf("%02d:%02d", s.DailyHour, s.DailyMinute),
		DailyTimezone:       s.DailyLocation.String(),
		DailyThresholdGB:    s.DailyThresholdGB,
		CooldownMinutes:     s.Cooldown.Minutes(),
		NodeFilter:          s.Filter.Mode(),
		FastRunning:         m.fastRunning.Load(),
		DailyRunning:        m.dailyRunning.Load(),
	}
	if age := m.snapshots.Age(ctx); age != InfiniteAge {
		secs := age.Seconds()
		st.HasSnapshot = true
		st.SnapshotAgeSeconds = &secs
	}
	m.lifeMu.Lock()
	st.Started = m.cancel != nil
	m.lifeMu.Unlock()
	return st
}

// Start запускает циклы проверок в фоне и сразу возвращается. Перед
// первым ожиданием быстрый цикл снимает начальный снимок.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return errAlreadyStarted
	}

	sched := core.NewScheduler(m.clock, m.log)
	if m.settings.FastEnabled {
		sched.Add("traffic_fast", core.Every(m.settings.FastInterval), m.fastJob)
	}
	if m.settings.DailyEnabled {
		sched.Add("traffic_daily", core.DailyAt(m.settings.DailyHour, m.settings.DailyMinute, m.settings.DailyLocation), m.dailyJob)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		if err := m.Bootstrap(runCtx); err != nil {
			m.log.Error("bootstrap failed, next fast run will take the baseline", "err", err)
		}
		sched.Start(runCtx)
		m.log.Info("traffic monitor stopped")
	}()

	m.log.Info("traffic monitor started",
		"fast", m.settings.FastEnabled, "fast_interval", m.settings.FastInterval,
		"daily", m.settings.DailyEnabled, "daily_at", fmt.Sprintf("%02d:%02d", m.settings.DailyHour, m.settings.DailyMinute),
		"node_filter", m.settings.Filter.Mode())
	return nil
}

// Stop останавливает циклы и ждет завершения текущей проверки.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) fastJob(ctx context.Context) error {
	m.cooldown.Sweep()
	_, err := m.RunFastCheck(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		m.log.Info("scheduled fast check skipped: manual run in progress")
		return nil
	}
	return err
}

func (m *Monitor) dailyJob(ctx context.Context) error {
	_, err := m.RunDailyCheck(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		m.log.Info("scheduled daily check skipped: manual run in progress")
		return nil
	}
	return err
}
