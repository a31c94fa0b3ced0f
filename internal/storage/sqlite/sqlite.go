package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"trafficmon/internal/storage"
)

// Store реализует storage.Store поверх SQLite.
type Store struct {
	db    *sql.DB
	clock quartz.Clock
}

// Option настраивает Store.
type Option func(*Store)

// WithClock подменяет часы, по которым считается истечение TTL.
func WithClock(c quartz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open инициализирует соединение и выполняет миграции.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			account_id TEXT NOT NULL,
			check_type TEXT NOT NULL,
			amount_gb REAL NOT NULL,
			threshold_gb REAL NOT NULL,
			node_id TEXT,
			message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_account_ts ON alerts(account_id, ts);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			action TEXT,
			source TEXT,
			status TEXT,
			request_id TEXT,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Get возвращает значение ключа, если он есть и не истек.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.clock.Now().UnixNano()
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, key, now)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set записывает значение с TTL и заодно вычищает истекшие ключи.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, now.UnixNano()); err != nil {
		return fmt.Errorf("purge expired keys: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value, expires_at) VALUES(?,?,?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// List возвращает значения живых ключей с заданным префиксом.
func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	now := s.clock.Now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM kv
WHERE key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
ORDER BY key`, escapeLike(prefix)+"%", now)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv: %w", err)
	}
	return values, nil
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

// UpsertAccount сохраняет карточку аккаунта для справочника.
func (s *Store) UpsertAccount(ctx context.Context, acc storage.Account) error {
	if acc.ID == "" {
		return errors.New("account id is empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(id, display_name, external_id, username) VALUES(?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, external_id = excluded.external_id, username = excluded.username`,
		acc.ID, acc.DisplayName, acc.ExternalID, acc.Username)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// LookupAccount ищет аккаунт по идентификатору.
func (s *Store) LookupAccount(ctx context.Context, id string) (storage.Account, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, display_name, external_id, username FROM accounts WHERE id = ?`, id)
	var acc storage.Account
	if err := row.Scan(&acc.ID, &acc.DisplayName, &acc.ExternalID, &acc.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Account{}, false, nil
		}
		return storage.Account{}, false, fmt.Errorf("lookup account: %w", err)
	}
	return acc, true, nil
}

// RecordAlert добавляет запись в журнал уведомлений.
func (s *Store) RecordAlert(ctx context.Context, rec storage.AlertRecord) error {
	ts := rec.TS
	if ts.IsZero() {
		ts = s.clock.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts(account_id, check_type, amount_gb, threshold_gb, node_id, message, ts) VALUES(?,?,?,?,?,?,?)`,
		rec.AccountID, rec.CheckType, rec.AmountGB, rec.ThresholdGB, rec.NodeID, rec.Message, ts)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// RecentAlerts возвращает последние уведомления, новые первыми.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, check_type, amount_gb, threshold_gb, COALESCE(node_id, ''), COALESCE(message, ''), ts
FROM alerts
ORDER BY ts DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]storage.AlertRecord, 0, limit)
	for rows.Next() {
		var rec storage.AlertRecord
		var ts string
		if err := rows.Scan(&rec.AccountID, &rec.CheckType, &rec.AmountGB, &rec.ThresholdGB, &rec.NodeID, &rec.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse alert timestamp: %w", err)
		}
		rec.TS = parsedTS
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// SaveAudit сохраняет аудиторное событие.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = s.clock.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events(subject, action, source, status, request_id, payload, ts) VALUES(?,?,?,?,?,?,?)`,
		ev.Subject, ev.Action, ev.Source, ev.Status, ev.RequestID, ev.Payload, ts)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// QueryAudit возвращает аудит по фильтрам.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = s.clock.Now().UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, action, source, status, request_id, payload, ts
FROM audit_events
WHERE ts >= ? AND ts <= ? AND (? = '' OR subject = ?)
ORDER BY ts DESC
LIMIT ?`, from, to, q.Subject, q.Subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Subject, &ev.Action, &ev.Source, &ev.Status, &ev.RequestID, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if ev.TS, err = parseSQLiteTS(ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Write реализует storage.AuditWriter.
func (s *Store) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}
