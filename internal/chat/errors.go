package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound — беседа, сообщение или объявление отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrInvalid — запрос не прошёл проверку до обращения к хранилищу.
	ErrInvalid = errors.New("invalid request")
	// ErrForbidden — вызывающий не участник беседы.
	ErrForbidden = errors.New("forbidden")
)

// DefaultRetryAfter — подсказка клиенту для повтора после временного сбоя.
const DefaultRetryAfter = 2 * time.Second

// RetryableError — временный сбой хранилища; операцию можно повторить целиком.
type RetryableError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable сообщает, можно ли повторить операцию.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// invalidf возвращает ошибку валидации с пояснением.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Classify оставляет доменные ошибки как есть, остальные сбои хранилища помечает повторяемыми.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalid), errors.Is(err, ErrForbidden),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return &RetryableError{Op: op, RetryAfter: DefaultRetryAfter, Err: err}
	}
}
