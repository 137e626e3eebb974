// Package bill implements the bill entity: a pure state machine over the
// command/event protocol. Decide validates a command against current state
// and emits events; Fold applies one event to a state. Neither performs I/O,
// so two replays of the same stream always materialize the same state.
package bill

import (
	"time"

	"github.com/billstream/billstream/pkg/decimal"
)

// Status is the lifecycle position of a bill.
type Status string

const (
	StatusCreated      Status = "Created"
	StatusFileAttached Status = "FileAttached"
	StatusProcessed    Status = "Processed"
	StatusApproved     Status = "Approved"
	StatusRejected     Status = "Rejected"
)

// Terminal reports whether no further commands are accepted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is one of the five lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFileAttached, StatusProcessed, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Decision is an approval outcome.
type Decision string

const (
	DecisionApproved Decision = "Approved"
	DecisionRejected Decision = "Rejected"
)

// File is one attached document. Immutable once attached.
type File struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	StorageKey  string
	Checksum    string
	AttachedAt  time.Time
}

// OcrResult is the latest OCR outcome for the bill.
type OcrResult struct {
	Text           string
	Total          *decimal.Decimal
	Title          string
	Confidence     string
	ProcessingTime string
	CompletedAt    time.Time
}

// Approval records the (single) approval decision.
type Approval struct {
	ApproverID string
	Decision   Decision
	Reason     string
	DecidedAt  time.Time
}

// State is the materialized form of a bill. Values returned by Fold are
// treated as immutable; Fold copies what it changes.
type State struct {
	ID        string
	Title     string
	Total     decimal.Decimal
	Metadata  map[string]string
	Status    Status
	Files     []File
	Ocr       *OcrResult
	Approval  *Approval
	CreatedBy string
	CreatedAt time.Time

	// OcrFailures counts OcrFailed events; bounds automatic OCR retry.
	OcrFailures int
	// LastOcrSeq is the sequence of the newest OCR outcome event
	// (OcrCompleted or OcrFailed), or -1. The OCR orchestrator compares it
	// against an OcrRequested sequence to skip already-resolved requests.
	LastOcrSeq int64
}

// FileByID finds an attached file.
func (s *State) FileByID(id string) (File, bool) {
	for _, f := range s.Files {
		if f.ID == id {
			return f, true
		}
	}
	return File{}, false
}

// LatestFile returns the most recently attached file.
func (s *State) LatestFile() (File, bool) {
	if len(s.Files) == 0 {
		return File{}, false
	}
	return s.Files[len(s.Files)-1], true
}
