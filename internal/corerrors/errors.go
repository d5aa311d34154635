/**
 * Error taxonomy for the extraction core.
 *
 * Design Pattern: Factory Pattern for error creation
 * SOLID Principle: Single Responsibility (each error kind has one purpose)
 */
package corerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the error taxonomy the orchestrator and its
// collaborators raise. Every typed failure that crosses a component
// boundary carries one of these.
type Kind string

const (
	DependencyMissing       Kind = "DependencyMissing"
	ConversionInvalidInput  Kind = "ConversionInvalidInput"
	ConversionTimeout       Kind = "ConversionTimeout"
	ConversionBackendFailure Kind = "ConversionBackendFailure"
	ConversionInvalidOutput Kind = "ConversionInvalidOutput"
	OcrFailure              Kind = "OcrFailure"
	SystemIO                Kind = "SystemIO"
	Cancelled               Kind = "Cancelled"

	// PoolUnavailable is raised by the OCR worker pool when acquire
	// cannot be satisfied; it is not part of the orchestrator's §7
	// taxonomy but is propagated the same way.
	PoolUnavailable Kind = "PoolUnavailable"
	// QueueTimeout is raised by the conversion gate when a waiter's
	// deadline expires before admission.
	QueueTimeout Kind = "QueueTimeout"
)

// CoreError is the structured error type raised across component
// boundaries. Error() renders a human-readable message; Details carries
// the machine-readable context named by each factory.
type CoreError struct {
	Kind      Kind
	Message   string
	SessionID string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// ToMap renders the error for inclusion in a SessionRecord or the
// user-visible failure shape described in spec §7.
func (e *CoreError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"errorClass": string(e.Kind),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	for k, v := range e.Details {
		result[k] = v
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}

// Factory functions for each taxonomy member.

func NewDependencyMissing(sessionID string, missing []string, hints map[string]string) *CoreError {
	return &CoreError{
		Kind:      DependencyMissing,
		Message:   fmt.Sprintf("rasterization dependencies unavailable: %v", missing),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"missing": missing,
			"hints":   hints,
		},
	}
}

func NewConversionInvalidInput(sessionID, reason string, cause error) *CoreError {
	return &CoreError{
		Kind:      ConversionInvalidInput,
		Message:   reason,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewConversionTimeout(sessionID string, deadline time.Time) *CoreError {
	return &CoreError{
		Kind:      ConversionTimeout,
		Message:   "conversion deadline exceeded",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"deadline": deadline,
		},
	}
}

func NewConversionBackendFailure(sessionID, stderr string, cause error) *CoreError {
	return &CoreError{
		Kind:      ConversionBackendFailure,
		Message:   "rasterization backend process failed",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stderr": stderr,
		},
		Cause: cause,
	}
}

func NewConversionInvalidOutput(sessionID string, missing []string) *CoreError {
	return &CoreError{
		Kind:      ConversionInvalidOutput,
		Message:   "rasterization produced missing or empty output",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"missingFiles": missing,
		},
	}
}

func NewOcrFailure(sessionID, slotID string, cause error) *CoreError {
	return &CoreError{
		Kind:      OcrFailure,
		Message:   fmt.Sprintf("OCR recognition failed on slot %s", slotID),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"workerId": slotID,
		},
		Cause: cause,
	}
}

func NewSystemIO(sessionID, op string, cause error) *CoreError {
	return &CoreError{
		Kind:      SystemIO,
		Message:   fmt.Sprintf("filesystem error during %s", op),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewCancelled(sessionID string) *CoreError {
	return &CoreError{
		Kind:      Cancelled,
		Message:   "operation cancelled",
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

func NewPoolUnavailable(reason string) *CoreError {
	return &CoreError{
		Kind:      PoolUnavailable,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewQueueTimeout(sessionID string) *CoreError {
	return &CoreError{
		Kind:      QueueTimeout,
		Message:   "admission deadline exceeded while queued",
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// IsKind reports whether err (or anything it wraps) is a CoreError of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}
