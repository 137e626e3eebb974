package bill

import "github.com/billstream/billstream/pkg/decimal"

// Command is an intent to change one bill, addressed by id. Commands are
// already-decoded values; transport decoding and identity extraction happen
// at the intake layer.
type Command interface {
	BillID() string
	Name() string
}

// CreateBill opens a new bill. Valid only when the id has no history.
type CreateBill struct {
	ID        string
	Title     string
	Total     decimal.Decimal
	Metadata  map[string]string
	CreatedBy string
}

func (c CreateBill) BillID() string { return c.ID }
func (CreateBill) Name() string { return "CreateBill" }

// AttachFile attaches an uploaded file already stored under StorageKey.
type AttachFile struct {
	ID          string
	FileID      string
	Filename    string
	ContentType string
	Size        int64
	StorageKey  string
	Checksum    string
}

func (c AttachFile) BillID() string { return c.ID }
func (AttachFile) Name() string { return "AttachFile" }

// ApplyOcrResult records an OCR outcome produced by the orchestrator.
type ApplyOcrResult struct {
	ID             string
	Text           string
	Total          *decimal.Decimal
	Title          string
	Confidence     string
	ProcessingTime string
}

func (c ApplyOcrResult) BillID() string { return c.ID }
func (ApplyOcrResult) Name() string { return "ApplyOcrResult" }

// MarkOcrFailed records a failed extraction attempt.
type MarkOcrFailed struct {
	ID        string
	FileID    string
	ErrorKind string
	Message   string
}

func (c MarkOcrFailed) BillID() string { return c.ID }
func (MarkOcrFailed) Name() string { return "MarkOcrFailed" }

// ApproveBill records the approval decision.
type ApproveBill struct {
	ID         string
	ApproverID string
	Decision   Decision
	Reason     string
}

func (c ApproveBill) BillID() string { return c.ID }
func (ApproveBill) Name() string { return "ApproveBill" }
