package bill

import (
	"time"

	"github.com/billstream/billstream/pkg/decimal"
)

// Event kinds. Payloads are versioned implicitly by kind name; a breaking
// payload change requires a new kind (BillCreatedV2), never a mutation.
const (
	KindBillCreated  = "BillCreated"
	KindFileAttached = "FileAttached"
	KindOcrRequested = "OcrRequested"
	KindOcrCompleted = "OcrCompleted"
	KindOcrFailed    = "OcrFailed"
	KindBillApproved = "BillApproved"
)

// Event is a typed domain event payload. The log envelope carries entity id,
// sequence, position and the record timestamp; payloads carry the domain
// facts, with absent fields preferred over empty strings when unknown.
type Event interface {
	Kind() string
}

// BillCreated opens a bill's stream at sequence 0.
type BillCreated struct {
	BillID    string            `json:"billId"`
	Title     string            `json:"title"`
	Total     decimal.Decimal   `json:"total"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedBy string            `json:"createdBy,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (BillCreated) Kind() string { return KindBillCreated }

// FileAttached records an immutable file attachment.
type FileAttached struct {
	FileID      string    `json:"fileId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	StorageKey  string    `json:"storageKey"`
	Checksum    string    `json:"checksum,omitempty"`
	AttachedAt  time.Time `json:"attachedAt"`
}

func (FileAttached) Kind() string { return KindFileAttached }

// OcrRequested asks the orchestrator to run OCR on one file. It carries the
// file coordinates so the handler needs no read-back to fetch the bytes.
type OcrRequested struct {
	FileID      string `json:"fileId"`
	StorageKey  string `json:"storageKey"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

func (OcrRequested) Kind() string { return KindOcrRequested }

// OcrCompleted records an OCR outcome; the latest one wins.
type OcrCompleted struct {
	Text           string           `json:"extractedText"`
	Total          *decimal.Decimal `json:"extractedTotal,omitempty"`
	Title          string           `json:"extractedTitle,omitempty"`
	Confidence     string           `json:"confidence,omitempty"`
	ProcessingTime string           `json:"processingTime,omitempty"`
	CompletedAt    time.Time        `json:"completedAt"`
}

func (OcrCompleted) Kind() string { return KindOcrCompleted }

// OcrFailed records a failed extraction. Status does not advance and the
// bill stays retriable.
type OcrFailed struct {
	FileID    string    `json:"fileId,omitempty"`
	ErrorKind string    `json:"errorKind"`
	Message   string    `json:"message,omitempty"`
	FailedAt  time.Time `json:"failedAt"`
}

func (OcrFailed) Kind() string { return KindOcrFailed }

// BillApproved carries the approval or rejection decision.
type BillApproved struct {
	ApproverID string    `json:"approverId"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

func (BillApproved) Kind() string { return KindBillApproved }
