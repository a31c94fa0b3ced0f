package storage

import "context"

// AuditWriter принимает аудиторные события транспортов.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}

// AlertJournal хранит историю отправленных уведомлений.
type AlertJournal interface {
	RecordAlert(ctx context.Context, rec AlertRecord) error
}
