package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return errors.Is(err, ErrConcurrencyConflict)
}

var (
	// ErrValidation marks malformed or missing request parameters. Not retriable.
	ErrValidation = errors.New("validation failed")

	// ErrOrderNotFound is returned when no order matches the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientLiquidity is returned when resting orders cannot satisfy
	// minAmountOut. The store is left untouched.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrConcurrencyConflict is returned when a compare-and-swap lost a race.
	// The caller re-reads and retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrSettlementFailed is returned when the chain rejected or timed out a
	// settlement. Staged fills have been rolled back.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrInvalidStateTransition is returned for a transition the order state
	// machine does not allow, e.g. cancelling a filled order.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SettlementError carries the reason the external settlement layer gave.
type SettlementError struct {
	SettlementID string
	Reason       string
	Timeout      bool
	Err          error
}

func (e *SettlementError) Error() string {
	msg := "settlement " + e.SettlementID + " failed: " + e.Reason
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// IsRetriable reports true: a settlement failure is an infrastructure fault.
func (e *SettlementError) IsRetriable() bool {
	return true
}

func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailed
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// TransitionError reports a rejected state transition.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) IsRetriable() bool {
	return false
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
