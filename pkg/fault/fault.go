// Package fault defines the error taxonomy surfaced by the command and query
// sides. Every failure leaving the core carries one of six kinds; business
// rejections additionally carry a machine-readable reason tag.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP boundary.
type Kind string

const (
	// KindBusinessRule marks a command rejected against current state.
	KindBusinessRule Kind = "business_rule_violation"
	// KindNotFound marks an entity or file unknown to the read model or log.
	KindNotFound Kind = "not_found"
	// KindConcurrencyConflict marks contention that survived router retries.
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindCancelled marks caller-initiated cancellation observed before effect.
	KindCancelled Kind = "cancelled"
	// KindTransient marks a downstream failure that is safe to retry.
	KindTransient Kind = "transient_failure"
	// KindInternal marks an invariant violation; not retriable automatically.
	KindInternal Kind = "internal_error"
)

// Reason tags carried by business-rule violations.
const (
	ReasonBillAlreadyExists     = "bill_already_exists"
	ReasonTitleRequired         = "title_required"
	ReasonTotalNegative         = "total_negative"
	ReasonStatusTerminal        = "status_terminal"
	ReasonFilenameRequired      = "filename_required"
	ReasonFileIDRequired        = "file_id_required"
	ReasonFileAlreadyAttached   = "file_already_attached"
	ReasonFileSizeInvalid       = "file_size_invalid"
	ReasonFileTooLarge          = "file_too_large"
	ReasonContentTypeNotAllowed = "content_type_not_allowed"
	ReasonStorageKeyRequired    = "storage_key_required"
	ReasonNoFileAttachedForOcr  = "no_file_attached_for_ocr"
	ReasonStatusNotOcrReady     = "status_not_ocr_ready"
	ReasonStatusNotAwaitingOcr  = "status_not_awaiting_ocr"
	ReasonStatusNotProcessed    = "status_not_processed_for_approval"
	ReasonDecisionInvalid       = "decision_invalid"
	ReasonApproverRequired      = "approver_required"
	ReasonQueryInvalid          = "query_invalid"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Reason  string // machine-readable tag; set for business-rule violations
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// BusinessRule builds a command rejection with its reason tag.
func BusinessRule(reason, message string) *Error {
	return &Error{Kind: KindBusinessRule, Reason: reason, Message: message}
}

// NotFound builds a missing-entity error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict builds a concurrency-conflict error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConcurrencyConflict, Message: message}
}

// Cancelled builds a caller-cancellation error.
func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// Transient wraps a retryable downstream failure.
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Internal wraps an unexpected invariant violation.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind of err, or KindInternal for foreign
// errors, so the boundary never leaks an unclassified failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// ReasonOf extracts the business reason tag, if any.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Retryable reports whether the caller may safely retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConcurrencyConflict:
		return true
	default:
		return false
	}
}
