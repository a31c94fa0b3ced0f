// Package monitor отслеживает рост трафика аккаунтов: быстрая проверка
// сравнивает накопительные счетчики с прошлым снимком, суточная смотрит
// на объем за последние 24 часа. О превышениях оператор получает
// уведомления с кулдауном.
package monitor

import (
	"context"
	"math"
	"time"

	"trafficmon/internal/storage"
)

// CheckType различает источник нарушения.
type CheckType string

const (
	CheckFast   CheckType = "fast"
	CheckDaily  CheckType = "daily"
	CheckManual CheckType = "manual"
)

const bytesPerGB = 1 << 30

// AccountUsage - одна строка выгрузки аккаунтов из панели.
type AccountUsage struct {
	AccountID  string
	UsedBytes  uint64
	LastNodeID string
	Username   string
	ExternalID string
}

// Violation описывает превышение порога. AmountGB - дельта для быстрой
// проверки и объем за сутки для суточной.
type Violation struct {
	AccountID   string    `json:"account_id"`
	ExternalRef string    `json:"external_ref,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	AmountGB    float64   `json:"amount_gb"`
	ThresholdGB float64   `json:"threshold_gb"`
	NodeID      string    `json:"node_id,omitempty"`
	NodeName    string    `json:"node_name,omitempty"`
	CheckType   CheckType `json:"check_type"`
}

// UsageSource отдает накопительные счетчики и суточные агрегаты.
type UsageSource interface {
	ListAccounts(ctx context.Context, offset, limit int) ([]AccountUsage, error)
	AggregateUsage(ctx context.Context, accountID string, from, to time.Time) (uint64, error)
}

// NodeDirectory отдает названия нод для текста уведомлений.
type NodeDirectory interface {
	NodeNames(ctx context.Context) (map[string]string, error)
}

// NotificationSink доставляет готовое сообщение оператору.
type NotificationSink interface {
	Send(ctx context.Context, message string) error
}

// AccountDirectory обогащает уведомление данными аккаунта.
type AccountDirectory interface {
	LookupAccount(ctx context.Context, accountID string) (storage.Account, bool, error)
}

func gbToBytes(gb float64) uint64 {
	if gb <= 0 {
		return 0
	}
	return uint64(math.Round(gb * bytesPerGB))
}

func bytesToGB(b uint64) float64 {
	return math.Round(float64(b)/bytesPerGB*100) / 100
}
