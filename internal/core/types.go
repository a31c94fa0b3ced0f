package core

import "context"

// Response описывает унифицированный результат выполнения команды.
// Message содержит готовый текст для чат-транспортов.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// CommandProvider определяет контракт для модулей команд оператора.
type CommandProvider interface {
	Name() string
	Init(ctx context.Context) error
	Execute(ctx context.Context, cmd string, args []string) (Response, error)
}

// ErrorResponse строит ответ с кодом ошибки.
func ErrorResponse(code string) Response {
	return Response{Status: "error", ErrorCode: code}
}
