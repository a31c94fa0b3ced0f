package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"trafficmon/internal/storage"
)

const (
	cooldownKeyPrefix = "traffic:notifications:"
	cooldownRetention = 24 * time.Hour
)

// CooldownTracker помнит, когда по аккаунту последний раз уходило
// уведомление. Хранение как у SnapshotStore: KV и запасная карта в памяти.
type CooldownTracker struct {
	kv      storage.KeyValueStore
	window  time.Duration
	clock   quartz.Clock
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	fallback map[string]time.Time
}

// NewCooldownTracker создает трекер с окном window.
func NewCooldownTracker(kv storage.KeyValueStore, window time.Duration, clock quartz.Clock, log *slog.Logger, metrics *Metrics) *CooldownTracker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &CooldownTracker{
		kv:       kv,
		window:   window,
		clock:    clock,
		log:      log,
		metrics:  metrics,
		fallback: make(map[string]time.Time),
	}
}

// Window возвращает окно кулдауна.
func (c *CooldownTracker) Window() time.Duration { return c.window }

// ShouldNotify возвращает true, если уведомлений не было или с последнего
// прошло больше окна.
func (c *CooldownTracker) ShouldNotify(ctx context.Context, accountID string) bool {
	last, ok := c.last(ctx, accountID)
	if !ok {
		return true
	}
	return c.clock.Since(last) > c.window
}

// Record фиксирует уведомление "сейчас".
func (c *CooldownTracker) Record(ctx context.Context, accountID string) {
	now := c.clock.Now().UTC()
	err := errNoStore
	if c.kv != nil {
		err = c.kv.Set(ctx, cooldownKeyPrefix+accountID, []byte(now.Format(time.RFC3339Nano)), c.ttl())
	}
	if err == nil {
		return
	}
	c.log.Warn("cooldown kept in memory: store unavailable",
		"account", accountID, "err", &Error{Kind: KindStore, Op: "record cooldown", Err: err})
	c.metrics.fallback("cooldown")
	c.mu.Lock()
	c.fallback[accountID] = now
	c.mu.Unlock()
}

// Sweep удаляет из памяти записи старше суток; KV чистится сам по TTL.
func (c *CooldownTracker) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, ts := range c.fallback {
		if c.clock.Since(ts) > cooldownRetention {
			delete(c.fallback, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("cooldown memory swept", "count", removed)
	}
	return removed
}

// ttl держит запись не меньше окна, иначе длинный кулдаун истек бы раньше.
func (c *CooldownTracker) ttl() time.Duration {
	return max(cooldownRetention, c.window)
}

func (c *CooldownTracker) last(ctx context.Context, accountID string) (time.Time, bool) {
	var last time.Time
	found := false
	if c.kv != nil {
		data, ok, err := c.kv.Get(ctx, cooldownKeyPrefix+accountID)
		switch {
		case err != nil:
			c.log.Warn("cooldown read failed", "account", accountID, "err", &Error{Kind: KindStore, Op: "load cooldown", Err: err})
		case ok:
			if ts, perr := time.Parse(time.RFC3339Nano, string(data)); perr == nil {
				last, found = ts, true
			} else {
				c.log.Warn("cooldown value is malformed", "account", accountID, "err", perr)
			}
		}
	}

	c.mu.Lock()
	mem, ok := c.fallback[accountID]
	c.mu.Unlock()
	if ok && (!found || mem.After(last)) {
		last, found = mem, true
	}
	return last, found
}
