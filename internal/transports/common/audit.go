package common

import (
	"encoding/json"

	"github.com/google/uuid"
)

// NewRequestID возвращает идентификатор запроса для аудита и ответов.
func NewRequestID() string {
	return uuid.NewString()
}

func buildAuditPayload(module, command string, args []string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"module":  module,
		"command": command,
		"args":    args,
	})
	return payload
}
