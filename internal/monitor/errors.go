package monitor

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует сбои коллабораторов.
type ErrorKind string

const (
	KindStore  ErrorKind = "store"
	KindFetch  ErrorKind = "fetch"
	KindNotify ErrorKind = "notify"
)

var (
	ErrStore  = errors.New("store unavailable")
	ErrFetch  = errors.New("usage fetch failed")
	ErrNotify = errors.New("notification failed")

	// ErrAlreadyRunning возвращается, если проверка того же типа уже идет.
	ErrAlreadyRunning = errors.New("check already running")

	errAlreadyStarted = errors.New("monitor already started")
)

// Error - типизированная ошибка коллаборатора. errors.Is(err, ErrFetch)
// срабатывает для любой ошибки вида KindFetch.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindStore:
		return target == ErrStore
	case KindFetch:
		return target == ErrFetch
	case KindNotify:
		return target == ErrNotify
	}
	return false
}

func fetchError(op string, err error) error {
	return &Error{Kind: KindFetch, Op: op, Err: err}
}
