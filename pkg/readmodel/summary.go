package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// SummaryRow is one bill in the bill-summary read model.
type SummaryRow struct {
	BillID     string
	Title      string
	TotalMinor int64
	Status     string
	CreatedBy  string
	CreatedAt  time.Time
	Metadata   map[string]string
	FileCount  int64

	OcrText           sql.NullString
	OcrTotalMinor     sql.NullInt64
	OcrTitle          sql.NullString
	OcrConfidence     sql.NullString
	OcrProcessingTime sql.NullString
	OcrCompletedAt    time.Time
	OcrSeq            int64

	ApproverID     sql.NullString
	Decision       sql.NullString
	ApprovalReason sql.NullString
	DecidedAt      time.Time

	UpdatedPosition int64
}

// SummaryStore writes and reads bill_summary rows. Writes are idempotent per
// (event, position): inserts tolerate re-delivery and updates guard on the
// row's last applied position, so a replayed batch leaves the table unchanged.
type SummaryStore struct {
	db *DB
}

// NewSummaryStore builds a store over the read-model database.
func NewSummaryStore(db *DB) *SummaryStore {
	return &SummaryStore{db: db}
}

// InsertCreated materializes a BillCreated event.
func (s *SummaryStore) InsertCreated(ctx context.Context, q Querier, row SummaryRow, position int64) error {
	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	_, err = q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO bill_summary
			(bill_id, title, total_minor, status, created_by, created_at, metadata, updated_position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bill_id) DO NOTHING`),
		row.BillID, row.Title, row.TotalMinor, row.Status, row.CreatedBy,
		FormatTime(row.CreatedAt), string(metadata), position)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// ApplyFileAttached bumps the file count and advances Created to
// FileAttached. Returns false when no row changed: either the bill is
// unknown to this consumer or the position was already applied.
func (s *SummaryStore) ApplyFileAttached(ctx context.Context, q Querier, billID string, position int64) (bool, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(`
		UPDATE bill_summary
		SET file_count = file_count + 1,
		    status = CASE WHEN status = 'Created' THEN 'FileAttached' ELSE status END,
		    updated_position = ?
		WHERE bill_id = ? AND updated_position < ?`),
		position, billID, position)
	if err != nil {
		return false, classifyErr(err)
	}
	return changed(res), nil
}

// OcrUpdate carries the OcrCompleted fields into the read model.
type OcrUpdate struct {
	Text           string
	TotalMinor     *int64
	Title          string
	Confidence     string
	ProcessingTime string
	CompletedAt    time.Time
	Sequence       int64
}

// ApplyOcr records an OCR outcome. Latest wins: an event with a lower
// per-entity sequence than the stored one changes nothing.
func (s *SummaryStore) ApplyOcr(ctx context.Context, q Querier, billID string, u OcrUpdate, position int64) (bool, error) {
	var totalMinor sql.NullInt64
	if u.TotalMinor != nil {
		totalMinor = sql.NullInt64{Int64: *u.TotalMinor, Valid: true}
	}
	res, err := q.ExecContext(ctx, s.db.Rebind(`
		UPDATE bill_summary
		SET ocr_text = ?, ocr_total_minor = ?, ocr_title = ?, ocr_confidence = ?,
		    ocr_processing_time = ?, ocr_completed_at = ?, ocr_seq = ?,
		    status = CASE WHEN status = 'FileAttached' THEN 'Processed' ELSE status END,
		    updated_position = ?
		WHERE bill_id = ? AND ocr_seq < ? AND updated_position < ?`),
		u.Text, totalMinor, nullable(u.Title), nullable(u.Confidence),
		nullable(u.ProcessingTime), FormatTime(u.CompletedAt), u.Sequence,
		position, billID, u.Sequence, position)
	if err != nil {
		return false, classifyErr(err)
	}
	return changed(res), nil
}

// ApplyApproval records the approval decision and the terminal status.
func (s *SummaryStore) ApplyApproval(ctx context.Context, q Querier, billID, approverID, decision, reason string, decidedAt time.Time, position int64) (bool, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(`
		UPDATE bill_summary
		SET approver_id = ?, decision = ?, approval_reason = ?, decided_at = ?,
		    status = ?, updated_position = ?
		WHERE bill_id = ? AND updated_position < ?`),
		approverID, decision, reason, FormatTime(decidedAt),
		decision, position, billID, position)
	if err != nil {
		return false, classifyErr(err)
	}
	return changed(res), nil
}

// Get returns one row, or sql.ErrNoRows wrapped as nil row.
func (s *SummaryStore) Get(ctx context.Context, q Querier, billID string) (*SummaryRow, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+summaryColumns+`
		FROM bill_summary WHERE bill_id = ?`), billID)
	out, err := scanSummary(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

// Truncate removes every row; used by projection replay.
func (s *SummaryStore) Truncate(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM bill_summary`); err != nil {
		return classifyErr(err)
	}
	return nil
}

const summaryColumns = `bill_id, title, total_minor, status, created_by, created_at,
	metadata, file_count, ocr_text, ocr_total_minor, ocr_title, ocr_confidence,
	ocr_processing_time, ocr_completed_at, ocr_seq, approver_id, decision,
	approval_reason, decided_at, updated_position`

// ScanSummary reads one bill_summary row from a scanner over summaryColumns.
func ScanSummary(scan func(...any) error) (*SummaryRow, error) {
	return scanSummary(scan)
}

func scanSummary(scan func(...any) error) (*SummaryRow, error) {
	var (
		row                     SummaryRow
		createdAt, metadata     string
		ocrCompletedAt, decided sql.NullString
	)
	err := scan(&row.BillID, &row.Title, &row.TotalMinor, &row.Status,
		&row.CreatedBy, &createdAt, &metadata, &row.FileCount,
		&row.OcrText, &row.OcrTotalMinor, &row.OcrTitle, &row.OcrConfidence,
		&row.OcrProcessingTime, &ocrCompletedAt, &row.OcrSeq,
		&row.ApproverID, &row.Decision, &row.ApprovalReason, &decided,
		&row.UpdatedPosition)
	if err != nil {
		return nil, err
	}
	row.CreatedAt = ParseTime(createdAt)
	row.OcrCompletedAt = ParseTime(ocrCompletedAt.String)
	row.DecidedAt = ParseTime(decided.String)
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &row.Metadata)
	}
	return &row, nil
}

// SummaryColumns is the select list matching ScanSummary.
func SummaryColumns() string { return summaryColumns }

func changed(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
