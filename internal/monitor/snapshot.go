package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"

	"trafficmon/internal/storage"
)

var errNoStore = errors.New("no store configured")

// SnapshotKey - ключ снимка счетчиков в KV.
const SnapshotKey = "traffic:snapshot"

// InfiniteAge возвращается как возраст отсутствующего снимка.
const InfiniteAge = time.Duration(math.MaxInt64)

// Snapshot - накопительные счетчики по аккаунтам. nil означает "снимка нет",
// пустая карта - валидный снимок без аккаунтов.
type Snapshot map[string]uint64

type snapshotRecord struct {
	TakenAt  time.Time         `json:"taken_at"`
	Counters map[string]uint64 `json:"counters"`
}

// SnapshotStore хранит единственный снимок в KV. Если KV недоступен,
// снимок живет в памяти процесса до первой успешной записи в KV.
type SnapshotStore struct {
	kv      storage.KeyValueStore
	ttl     time.Duration
	clock   quartz.Clock
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	fallback *snapshotRecord
}

// NewSnapshotStore создает хранилище снимка с TTL ttl (24h по умолчанию).
func NewSnapshotStore(kv storage.KeyValueStore, ttl time.Duration, clock quartz.Clock, log *slog.Logger, metrics *Metrics) *SnapshotStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotStore{kv: kv, ttl: ttl, clock: clock, log: log, metrics: metrics}
}

// Load возвращает копию актуального снимка или nil, если его нет нигде.
func (s *SnapshotStore) Load(ctx context.Context) Snapshot {
	rec := s.current(ctx)
	if rec == nil {
		return nil
	}
	out := make(Snapshot, len(rec.Counters))
	maps.Copy(out, rec.Counters)
	return out
}

// Has сообщает, есть ли снимок (в том числе пустой).
func (s *SnapshotStore) Has(ctx context.Context) bool {
	return s.current(ctx) != nil
}

// Age возвращает время с последнего сохранения или InfiniteAge.
func (s *SnapshotStore) Age(ctx context.Context) time.Duration {
	rec := s.current(ctx)
	if rec == nil {
		return InfiniteAge
	}
	return s.clock.Since(rec.TakenAt)
}

// Save заменяет снимок целиком. Ошибка KV переводит запись в память;
// метод всегда возвращает true.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) bool {
	counters := make(map[string]uint64, len(snap))
	maps.Copy(counters, snap)
	rec := &snapshotRecord{TakenAt: s.clock.Now().UTC(), Counters: counters}

	if err := s.savePrimary(ctx, rec); err != nil {
		s.log.Warn("snapshot kept in memory: store unavailable",
			"count", len(counters), "err", &Error{Kind: KindStore, Op: "save snapshot", Err: err})
		s.metrics.fallback("snapshot")
		s.mu.Lock()
		s.fallback = rec
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.fallback = nil
		s.mu.Unlock()
		s.log.Info("snapshot saved", "count", len(counters), "ttl", s.ttl)
	}
	s.metrics.snapshotSize(len(counters))
	return true
}

func (s *SnapshotStore) savePrimary(ctx context.Context, rec *snapshotRecord) error {
	if s.kv == nil {
		return errNoStore
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.kv.Set(ctx, SnapshotKey, data, s.ttl)
}

// current выбирает более свежий из снимков KV и памяти. Запись в памяти
// существует только пока KV не принял новую запись, поэтому обычно она
// и есть самая свежая.
func (s *SnapshotStore) current(ctx context.Context) *snapshotRecord {
	primary := s.loadPrimary(ctx)

	s.mu.Lock()
	fallback := s.fallback
	s.mu.Unlock()

	switch {
	case primary == nil:
		return fallback
	case fallback == nil:
		return primary
	case fallback.TakenAt.After(primary.TakenAt):
		return fallback
	default:
		return primary
	}
}

func (s *SnapshotStore) loadPrimary(ctx context.Context) *snapshotRecord {
	if s.kv == nil {
		return nil
	}
	data, ok, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil {
		s.log.Warn("snapshot read failed", "err", &Error{Kind: KindStore, Op: "load snapshot", Err: err})
		return nil
	}
	if !ok {
		return nil
	}
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Counters == nil {
		s.log.Warn("snapshot in store is malformed, ignoring", "err", err)
		return nil
	}
	return &rec
}
