package common

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter ограничивает команды по ключу: не больше limit за window,
// с равномерным восполнением.
type RateLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	keys    map[string]*keyLimiter
	sweepAt time.Time
}

type keyLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter создает limiter с лимитом событий в окне.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		every: rate.Every(window / time.Duration(limit)),
		burst: limit,
		keys:  make(map[string]*keyLimiter),
	}
}

// Allow возвращает true, если запрос укладывается в лимит.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	k, ok := l.keys[key]
	if !ok {
		k = &keyLimiter{lim: rate.NewLimiter(l.every, l.burst)}
		l.keys[key] = k
	}
	k.lastSeen = now
	return k.lim.AllowN(now, 1)
}

// sweep выбрасывает ключи, не активные дольше limiterIdleTTL.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for key, k := range l.keys {
		if now.Sub(k.lastSeen) > limiterIdleTTL {
			delete(l.keys, key)
		}
	}
	l.sweepAt = now.Add(limiterIdleTTL)
}
