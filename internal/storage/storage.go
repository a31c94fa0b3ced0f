package storage

import (
	"context"
	"time"
)

// KeyValueStore описывает TTL-хранилище ключ-значение, на котором живет
// состояние мониторинга. Атомарность гарантируется только для одного ключа.
type KeyValueStore interface {
	// Get возвращает значение и признак наличия ключа.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set записывает значение; ttl <= 0 означает "без срока".
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// List возвращает значения всех живых ключей с префиксом.
	List(ctx context.Context, prefix string) ([][]byte, error)
	Close() error
}

// Account описывает данные аккаунта для текста уведомлений.
type Account struct {
	ID          string
	DisplayName string
	ExternalID  string
	Username    string
}

// AlertRecord фиксирует отправленное уведомление о превышении.
type AlertRecord struct {
	AccountID   string
	CheckType   string
	AmountGB    float64
	ThresholdGB float64
	NodeID      string
	Message     string
	TS          time.Time
}

// AuditEvent фиксирует действия операторов через транспорты.
type AuditEvent struct {
	Subject   string
	Action    string
	Source    string
	Status    string
	RequestID string
	Payload   []byte
	TS        time.Time
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Limit   int
}

// Store описывает локальное хранилище: KV, справочник аккаунтов,
// журнал уведомлений и аудит.
type Store interface {
	KeyValueStore
	SaveAudit(ctx context.Context, ev AuditEvent) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	RecordAlert(ctx context.Context, rec AlertRecord) error
	RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	UpsertAccount(ctx context.Context, acc Account) error
	LookupAccount(ctx context.Context, id string) (Account, bool, error)
}
