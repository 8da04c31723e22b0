package engine

import (
	"errors"
	"strings"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// ErrorClass decides whether the retry loop tries a failed call again and
// how long it waits first.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassThrottled ErrorClass = "throttled" // retried with a longer base delay
	ErrorClassConflict  ErrorClass = "conflict"
	ErrorClassPermanent ErrorClass = "permanent"
)

// Codes carried by EngineError. They are recorded with failed node states
// and used as the label of the engine error counter.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeConfig           = "CONFIG_ERROR"
	ErrCodeRouteUnresolved  = "ROUTE_UNRESOLVED"
	ErrCodePluginContract   = "PLUGIN_CONTRACT"
	ErrCodePluginFailed     = "PLUGIN_FAILED"
	ErrCodeAuditIntegrity   = "AUDIT_INTEGRITY"
	ErrCodeAuditWrite       = "AUDIT_WRITE"
	ErrCodeContractUnlocked = "CONTRACT_UNLOCKED"
	ErrCodeIterationLimit   = "ITERATION_LIMIT"
	ErrCodeBatchFailed      = "BATCH_FAILED"
)

var (
	ErrUnlockedContract = tokens.ErrUnlockedContract
	ErrAuditIntegrity   = audit.ErrAuditIntegrity
	ErrMissingContract  = checkpoint.ErrMissingContract
	ErrRunNotResumable  = checkpoint.ErrRunNotResumable

	// ErrIterationLimit means one row's work queue did not drain within
	// Options.MaxIterations steps, which points at a cycle the graph
	// validator could not see.
	ErrIterationLimit = errors.New("work queue iteration limit exceeded")
)

// EngineError is a classified failure with the node and token it happened
// on. Plugins return one to steer retries; the engine wraps everything else
// as permanent.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Node      string         `json:"node,omitempty"`
	Token     string         `json:"token,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// Error renders "CODE: message (node X, token Y) during op: cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	var where []string
	if e.Node != "" {
		where = append(where, "node "+e.Node)
	}
	if e.Token != "" {
		where = append(where, "token "+e.Token)
	}
	if len(where) > 0 {
		b.WriteString(" (" + strings.Join(where, ", ") + ")")
	}
	if e.Operation != "" {
		b.WriteString(" during " + e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code, so a
// template such as NewPermanentError("", nil).WithCode(c) works with
// errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// The With methods mutate e and return it for chaining.

func (e *EngineError) WithCode(code string) *EngineError { e.Code = code; return e }
func (e *EngineError) WithNode(nodeID string) *EngineError { e.Node = nodeID; return e }
func (e *EngineError) WithToken(tokenID string) *EngineError { e.Token = tokenID; return e }
func (e *EngineError) WithOperation(op string) *EngineError { e.Operation = op; return e }

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// classOf returns the class of the outermost EngineError in err's chain.
// Errors that carry no class are permanent.
func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// ErrorCode returns the code of the outermost EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsTransient(err error) bool { return err != nil && classOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return err != nil && classOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool { return err != nil && classOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return err != nil && classOf(err) == ErrorClassPermanent }

// IsRetryable reports whether the retry loop may call again after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}
