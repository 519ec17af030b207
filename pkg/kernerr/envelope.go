// Package kernerr defines the structured error envelope shared by
// every component of the conversion kernel, plus the error taxonomy.
// Components raise typed errors built with
// New/Wrap rather than bare fmt.Errorf so that the bus, the API adapter, and
// the session-scoped log can always recover {component, error_code, message,
// context} without string sniffing.
package kernerr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
)

// Code enumerates the kernel's error taxonomy.
type Code string

const (
	CodeValidationError      Code = "ValidationError"
	CodeConversionError      Code = "ConversionError"
	CodeEvaluationError      Code = "EvaluationError"
	CodeReportGenerationErr  Code = "ReportGenerationError"
	CodePromptBindingError   Code = "PromptBindingError"
	CodeLLMUnavailable       Code = "LLMUnavailable"
	CodeLLMResponseInvalid   Code = "LLMResponseInvalid"
	CodeAgentNotRegistered   Code = "AgentNotRegistered"
	CodeUnknownAction        Code = "UnknownAction"
	CodeAgentInvocationError Code = "AgentInvocationError"
	CodeSessionBusy          Code = "SessionBusy"
	CodeNoProgressWarning    Code = "NoProgressWarning"
)

// Envelope is the structured error required on every raised error.
// It serializes as JSON for session-scoped logs and API error responses.
type Envelope struct {
	Timestamp           time.Time      `json:"timestamp"`
	Component           string         `json:"component"`
	ErrorCode           Code           `json:"error_code"`
	Message             string         `json:"message"`
	StackTrace          string         `json:"stack_trace"`
	StateSnapshotDigest string         `json:"state_snapshot_digest,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
	wrapped             error
}

// Error implements the error interface.
func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Component, e.ErrorCode, e.Message)
}

// Unwrap exposes the original cause for errors.Is/errors.As.
func (e *Envelope) Unwrap() error {
	return e.wrapped
}

// New builds a structured error envelope. component identifies the raising
// package (e.g. "conversion_agent"); ctx carries at minimum message_id,
// session_id, and attempt_number.
func New(component string, code Code, message string, ctx map[string]any) *Envelope {
	return wrap(nil, component, code, message, ctx)
}

// Wrap builds a structured error envelope around an underlying cause,
// preserving it for errors.Is/errors.As.
func Wrap(cause error, component string, code Code, message string, ctx map[string]any) *Envelope {
	return wrap(cause, component, code, message, ctx)
}

func wrap(cause error, component string, code Code, message string, ctx map[string]any) *Envelope {
	if cause != nil && message == "" {
		message = cause.Error()
	}
	return &Envelope{
		Timestamp:  time.Now(),
		Component:  component,
		ErrorCode:  code,
		Message:    message,
		StackTrace: string(debug.Stack()),
		Context:    ctx,
		wrapped:    cause,
	}
}

// WithStateDigest attaches a digest of the session snapshot at the time the
// error was raised. Digests are opaque — callers pass the JSON-marshaled
// snapshot and get back a stable sha256 hex string to compare across errors
// without retaining the full snapshot in every log line.
func (e *Envelope) WithStateDigest(snapshot any) *Envelope {
	e.StateSnapshotDigest = DigestSnapshot(snapshot)
	return e
}

// DigestSnapshot computes a sha256 hex digest of a JSON-marshalable value.
// Marshal failures degrade to an empty digest rather than panicking —
// the digest is a debugging aid, never load-bearing.
func DigestSnapshot(snapshot any) string {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
