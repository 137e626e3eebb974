// Package api is the HTTP surface: command intake, query passthrough, local
// blob URL redemption and health. It is plumbing only; every rule lives in
// the core, and every error leaving this package is an RFC 7807 problem
// document.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/billstream/billstream/pkg/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Reason is the machine-readable tag of a business-rule rejection.
	Reason string `json:"reason,omitempty"`
}

// statusClientClosedRequest is nginx's convention for a caller that went
// away; there is no standard-library constant for it.
const statusClientClosedRequest = 499

func statusFor(kind fault.Kind) (int, string) {
	switch kind {
	case fault.KindBusinessRule:
		return http.StatusUnprocessableEntity, "Business Rule Violation"
	case fault.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case fault.KindConcurrencyConflict:
		return http.StatusConflict, "Concurrency Conflict"
	case fault.KindCancelled:
		return statusClientClosedRequest, "Request Cancelled"
	case fault.KindTransient:
		return http.StatusServiceUnavailable, "Temporarily Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// WriteFault maps a core error onto the wire.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	status, title := statusFor(fault.KindOf(err))
	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internals are for the log, not the caller.
		detail = "an internal error occurred"
	}
	writeProblem(w, r, status, title, detail, fault.ReasonOf(err))
}

// WriteProblem writes an explicit problem document.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, status, title, detail, "")
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, reason string) {
	problem := &ProblemDetail{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Reason:   reason,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
