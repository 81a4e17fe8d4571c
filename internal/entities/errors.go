package entities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound             = errors.New("not_found")
	ErrValidation           = errors.New("validation")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrAccountExists        = errors.New("account_exists")
	ErrUserExists           = errors.New("user_exists")
	ErrDispatcherRunning    = errors.New("dispatcher_running")
	ErrDispatcherNotRunning = errors.New("dispatcher_not_running")
	ErrBatchInProgress      = errors.New("batch_in_progress")
	ErrNoTransport          = errors.New("no_transport")
	ErrNotConnected         = errors.New("account_not_connected")
	ErrThrottled            = errors.New("throttled")
)

// ThrottledError means the send never left: the account must wait RetryAfter
// before it has pacing budget again. It matches ErrThrottled.
type ThrottledError struct {
	AccountID  string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("account %s throttled for %s", e.AccountID, e.RetryAfter)
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// ValidationError carries per-field messages and matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records a field error, allocating the map on first use.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
