package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the routing layer. Callers match with errors.Is.
var (
	// ErrConfiguration marks bad caller input: empty prompt, missing
	// component tag, passthrough without a registered provider.
	// Never retried, surfaced immediately.
	ErrConfiguration = errors.New("invalid request configuration")

	// ErrProviderNotFound means the named adapter is not registered.
	ErrProviderNotFound = errors.New("provider not registered")

	// ErrCircuitOpen means the adapter's breaker rejected the call
	// without invoking the backend.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrProviderError is a transient backend failure.
	ErrProviderError = errors.New("provider call failed")

	// ErrProviderTimeout is a backend call that exceeded its deadline.
	// Counts as a breaker failure but is tagged distinctly in the ledger.
	ErrProviderTimeout = errors.New("provider call timed out")

	// ErrBudgetExceeded is a policy block: spend reached 100% of the
	// applicable budget and the request was not marked essential.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrAllProvidersUnavailable means every smart-mode candidate failed.
	ErrAllProvidersUnavailable = errors.New("all candidate providers unavailable")

	// Provider-side classification sentinels.
	ErrRateLimit   = errors.New("provider rate limit exceeded")
	ErrAuthInvalid = errors.New("provider authentication failed")
)

// GatewayError wraps a sentinel with operation context.
type GatewayError struct {
	Op     string // operation name (e.g. "Router.Complete")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError creates a GatewayError.
func NewGatewayError(op string, err error, detail string) *GatewayError {
	return &GatewayError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeConfiguration       ErrorCode = "CONFIGURATION"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	CodeBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	CodeAllProvidersUnavail ErrorCode = "ALL_PROVIDERS_UNAVAILABLE"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
)

var errorCodeMap = map[error]ErrorCode{
	ErrConfiguration:           CodeConfiguration,
	ErrProviderNotFound:        CodeProviderNotFound,
	ErrCircuitOpen:             CodeCircuitOpen,
	ErrProviderError:           CodeProviderError,
	ErrProviderTimeout:         CodeProviderTimeout,
	ErrBudgetExceeded:          CodeBudgetExceeded,
	ErrAllProvidersUnavailable: CodeAllProvidersUnavail,
	ErrRateLimit:               CodeRateLimit,
	ErrAuthInvalid:             CodeAuthInvalid,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the
// error chain with errors.Is. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// OutcomeOf maps a terminal routing error to the ledger outcome tag.
func OutcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return OutcomeCircuitOpen
	case errors.Is(err, ErrProviderTimeout):
		return OutcomeProviderTimeout
	case errors.Is(err, ErrBudgetExceeded):
		return OutcomeBudgetBlocked
	default:
		return OutcomeProviderError
	}
}
