package bill

import (
	"fmt"
	"strings"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// Rules carries the operational limits Decide checks attachments against.
// They are injected rather than read from configuration so the entity stays
// a deterministic function of its inputs.
type Rules struct {
	// MaxFileBytes bounds accepted file sizes.
	MaxFileBytes int64
	// AllowedContentTypes lists acceptable MIME types; empty allows any.
	AllowedContentTypes []string
}

// DefaultRules mirrors the default operational configuration.
func DefaultRules() Rules {
	return Rules{
		MaxFileBytes:        10 << 20,
		AllowedContentTypes: []string{"application/pdf", "image/png", "image/jpeg", "image/tiff"},
	}
}

func (r Rules) allowsContentType(ct string) bool {
	if len(r.AllowedContentTypes) == 0 {
		return true
	}
	for _, allowed := range r.AllowedContentTypes {
		if strings.EqualFold(allowed, ct) {
			return true
		}
	}
	return false
}

// Decide validates cmd against state and returns the events to append.
// A nil state means the bill has no history yet. Validation failures return
// a business-rule violation (or NotFound for commands addressed to unknown
// bills) and no events. Decide never performs I/O; now is the decision
// timestamp recorded in emitted events.
func (r Rules) Decide(state *State, cmd Command, now time.Time) ([]Event, error) {
	switch c := cmd.(type) {
	case CreateBill:
		return r.decideCreate(state, c, now)
	case AttachFile:
		return r.decideAttach(state, c, now)
	case ApplyOcrResult:
		return decideApplyOcr(state, c, now)
	case MarkOcrFailed:
		return decideMarkOcrFailed(state, c, now)
	case ApproveBill:
		return decideApprove(state, c, now)
	default:
		return nil, fault.Internal(fmt.Sprintf("unknown command %T", cmd), nil)
	}
}

func (r Rules) decideCreate(state *State, c CreateBill, now time.Time) ([]Event, error) {
	if state != nil {
		return nil, fault.BusinessRule(fault.ReasonBillAlreadyExists, "bill already has history")
	}
	if strings.TrimSpace(c.Title) == "" {
		return nil, fault.BusinessRule(fault.ReasonTitleRequired, "title must not be empty")
	}
	if c.Total.IsNegative() {
		return nil, fault.BusinessRule(fault.ReasonTotalNegative, "total must not be negative")
	}

	var metadata map[string]string
	if len(c.Metadata) > 0 {
		metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			metadata[k] = v
		}
	}
	return []Event{BillCreated{
		BillID:    c.ID,
		Title:     c.Title,
		Total:     c.Total,
		Metadata:  metadata,
		CreatedBy: c.CreatedBy,
		CreatedAt: now,
	}}, nil
}

func (r Rules) decideAttach(state *State, c AttachFile, now time.Time) ([]Event, error) {
	if state == nil {
		return nil, fault.NotFound("bill " + c.ID + " does not exist")
	}
	if state.Status.Terminal() {
		return nil, fault.BusinessRule(fault.ReasonStatusTerminal, "bill is "+string(state.Status)+" and accepts no changes")
	}
	if c.FileID == "" {
		return nil, fault.BusinessRule(fault.ReasonFileIDRequired, "file id must not be empty")
	}
	if _, exists := state.FileByID(c.FileID); exists {
		return nil, fault.BusinessRule(fault.ReasonFileAlreadyAttached, "file "+c.FileID+" is already attached")
	}
	if strings.TrimSpace(c.Filename) == "" {
		return nil, fault.BusinessRule(fault.ReasonFilenameRequired, "filename must not be empty")
	}
	if c.Size <= 0 {
		return nil, fault.BusinessRule(fault.ReasonFileSizeInvalid, "file size must be positive")
	}
	if c.Size > r.MaxFileBytes {
		return nil, fault.BusinessRule(fault.ReasonFileTooLarge,
			fmt.Sprintf("file is %d bytes, limit is %d", c.Size, r.MaxFileBytes))
	}
	if !r.allowsContentType(c.ContentType) {
		return nil, fault.BusinessRule(fault.ReasonContentTypeNotAllowed, "content type "+c.ContentType+" is not accepted")
	}
	if c.StorageKey == "" {
		return nil, fault.BusinessRule(fault.ReasonStorageKeyRequired, "storage key must not be empty")
	}

	events := []Event{FileAttached{
		FileID:      c.FileID,
		Filename:    c.Filename,
		ContentType: c.ContentType,
		Size:        c.Size,
		StorageKey:  c.StorageKey,
		Checksum:    c.Checksum,
		AttachedAt:  now,
	}}

	// OCR is requested automatically only while the bill has not been
	// processed yet; attaching to a Processed bill does not re-run OCR.
	if state.Status == StatusCreated || state.Status == StatusFileAttached {
		events = append(events, OcrRequested{
			FileID:      c.FileID,
			StorageKey:  c.StorageKey,
			ContentType: c.ContentType,
			Filename:    c.Filename,
		})
	}
	return events, nil
}

func decideApplyOcr(state *State, c ApplyOcrResult, now time.Time) ([]Event, error) {
	if state == nil {
		return nil, fault.NotFound("bill " + c.ID + " does not exist")
	}
	if len(state.Files) == 0 {
		return nil, fault.BusinessRule(fault.ReasonNoFileAttachedForOcr, "no file attached")
	}
	if state.Status != StatusFileAttached && state.Status != StatusProcessed {
		return nil, fault.BusinessRule(fault.ReasonStatusNotOcrReady,
			"status "+string(state.Status)+" does not accept OCR results")
	}
	if c.Total != nil && c.Total.IsNegative() {
		return nil, fault.BusinessRule(fault.ReasonTotalNegative, "extracted total must not be negative")
	}

	return []Event{OcrCompleted{
		Text:           c.Text,
		Total:          c.Total,
		Title:          c.Title,
		Confidence:     c.Confidence,
		ProcessingTime: c.ProcessingTime,
		CompletedAt:    now,
	}}, nil
}

func decideMarkOcrFailed(state *State, c MarkOcrFailed, now time.Time) ([]Event, error) {
	if state == nil {
		return nil, fault.NotFound("bill " + c.ID + " does not exist")
	}
	if state.Status != StatusFileAttached {
		return nil, fault.BusinessRule(fault.ReasonStatusNotAwaitingOcr,
			"status "+string(state.Status)+" is not awaiting OCR")
	}

	return []Event{OcrFailed{
		FileID:    c.FileID,
		ErrorKind: c.ErrorKind,
		Message:   c.Message,
		FailedAt:  now,
	}}, nil
}

func decideApprove(state *State, c ApproveBill, now time.Time) ([]Event, error) {
	if state == nil {
		return nil, fault.NotFound("bill " + c.ID + " does not exist")
	}
	if strings.TrimSpace(c.ApproverID) == "" {
		return nil, fault.BusinessRule(fault.ReasonApproverRequired, "approver id must not be empty")
	}
	if c.Decision != DecisionApproved && c.Decision != DecisionRejected {
		return nil, fault.BusinessRule(fault.ReasonDecisionInvalid, "decision must be Approved or Rejected")
	}
	if state.Status != StatusProcessed {
		return nil, fault.BusinessRule(fault.ReasonStatusNotProcessed,
			"status "+string(state.Status)+" does not accept approval")
	}

	return []Event{BillApproved{
		ApproverID: c.ApproverID,
		Decision:   c.Decision,
		Reason:     c.Reason,
		DecidedAt:  now,
	}}, nil
}
