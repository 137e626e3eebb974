// Package query is the read side. It answers from the read-model tables
// only; it never touches the event log or the command router, so its
// answers are eventually consistent with the projections that feed it.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/decimal"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/readmodel"
)

// DefaultPresignTTL bounds how long a download URL stays redeemable.
const DefaultPresignTTL = 15 * time.Minute

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Bill is the full single-bill view: summary fields joined with files and
// the latest OCR outcome. EffectiveTitle and EffectiveTotal prefer the OCR
// extraction when present.
type Bill struct {
	BillID         string            `json:"billId"`
	Title          string            `json:"title"`
	Total          decimal.Decimal   `json:"total"`
	Status         string            `json:"status"`
	CreatedBy      string            `json:"createdBy,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EffectiveTitle string            `json:"effectiveTitle"`
	EffectiveTotal decimal.Decimal   `json:"effectiveTotal"`
	Ocr            *OcrView          `json:"ocr,omitempty"`
	Approval       *ApprovalView     `json:"approval,omitempty"`
	Files          []FileView        `json:"files,omitempty"`
}

// OcrView is the latest OCR outcome recorded for a bill.
type OcrView struct {
	Text           string           `json:"extractedText"`
	Total          *decimal.Decimal `json:"extractedTotal,omitempty"`
	Title          string           `json:"extractedTitle,omitempty"`
	Confidence     string           `json:"confidence,omitempty"`
	ProcessingTime string           `json:"processingTime,omitempty"`
	CompletedAt    time.Time        `json:"completedAt"`
}

// ApprovalView is the recorded decision on a bill.
type ApprovalView struct {
	ApproverID string    `json:"approverId"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// FileView is one attached file with a presigned download URL.
type FileView struct {
	FileID      string    `json:"fileId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	Checksum    string    `json:"checksum,omitempty"`
	AttachedAt  time.Time `json:"attachedAt"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
}

// Filter narrows and orders a bill listing. Zero values mean "no filter".
type Filter struct {
	Status        string
	CreatedBy     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	MinTotal      *decimal.Decimal
	MaxTotal      *decimal.Decimal
	TitleContains string

	SortBy   string // "createdAt" (default) or "total"
	SortDesc bool
	Page     int // 1-based; 0 means first page
	PageSize int // capped at 100; 0 means default
}

// Page is one listing page plus the total match count.
type Page struct {
	Bills      []Bill `json:"bills"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalCount int64  `json:"totalCount"`
}

// Service answers bill queries.
type Service struct {
	db         *readmodel.DB
	summaries  *readmodel.SummaryStore
	files      *readmodel.FileStore
	tokens     *readmodel.TokenStore
	blobs      blob.Store
	presignTTL time.Duration
	logger     *slog.Logger
}

// Option adjusts Service construction.
type Option func(*Service)

// WithPresignTTL overrides the download URL lifetime.
func WithPresignTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.presignTTL = ttl
		}
	}
}

// New builds a query service over the read-model database and blob store.
func New(db *readmodel.DB, blobs blob.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:         db,
		summaries:  readmodel.NewSummaryStore(db),
		files:      readmodel.NewFileStore(db),
		tokens:     readmodel.NewTokenStore(db),
		blobs:      blobs,
		presignTTL: DefaultPresignTTL,
		logger:     logger.With("component", "query"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBill returns one bill with its files, or NotFound.
func (s *Service) GetBill(ctx context.Context, billID string) (*Bill, error) {
	row, err := s.summaries.Get(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fault.NotFound("bill not found: " + billID)
	}
	view := toBill(row)

	fileRows, err := s.files.ListByBill(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	for _, f := range fileRows {
		fv := FileView{
			FileID:      f.FileID,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			SizeBytes:   f.SizeBytes,
			Checksum:    f.Checksum,
			AttachedAt:  f.AttachedAt,
		}
		if s.blobs != nil {
			url, err := s.blobs.PresignGet(ctx, f.StorageKey, s.presignTTL)
			if err != nil {
				// The listing is still useful without a URL.
				s.logger.Warn("presign failed", "bill", billID, "file", f.FileID, "cause", err)
			} else {
				fv.DownloadURL = url
			}
		}
		view.Files = append(view.Files, fv)
	}
	return view, nil
}

// ListBills returns one page of bills matching the filter, ordered stably
// with bill id as the tiebreak. File details are only joined by GetBill.
func (s *Service) ListBills(ctx context.Context, f Filter) (*Page, error) {
	if err := normalize(&f); err != nil {
		return nil, err
	}

	where, args := buildWhere(f)

	var total int64
	countQuery := `SELECT COUNT(*) FROM bill_summary` + where
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, fault.Transient("bill count failed", err)
	}

	order := orderClause(f)
	listQuery := `SELECT ` + readmodel.SummaryColumns() + ` FROM bill_summary` +
		where + order + ` LIMIT ? OFFSET ?`
	listArgs := append(append([]any{}, args...), f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(listQuery), listArgs...)
	if err != nil {
		return nil, fault.Transient("bill list failed", err)
	}
	defer func() { _ = rows.Close() }()

	page := &Page{Bills: []Bill{}, Page: f.Page, PageSize: f.PageSize, TotalCount: total}
	for rows.Next() {
		row, err := readmodel.ScanSummary(rows.Scan)
		if err != nil {
			return nil, fault.Transient("bill scan failed", err)
		}
		page.Bills = append(page.Bills, *toBill(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("bill list failed", err)
	}
	return page, nil
}

// ConsumerPosition exposes a consumer's committed tracking position, for
// read-your-writes polling against an async projection.
func (s *Service) ConsumerPosition(ctx context.Context, consumer string) (int64, error) {
	return s.tokens.Position(ctx, s.db, consumer)
}

func normalize(f *Filter) error {
	if f.Page < 0 || f.PageSize < 0 {
		return fault.BusinessRule(fault.ReasonQueryInvalid, "page and pageSize must be positive")
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		return fault.BusinessRule(fault.ReasonQueryInvalid, "pageSize exceeds 100")
	}
	switch f.SortBy {
	case "", "createdAt", "total":
	default:
		return fault.BusinessRule(fault.ReasonQueryInvalid, "sortBy must be createdAt or total")
	}
	switch f.Status {
	case "", "Created", "FileAttached", "Processed", "Approved", "Rejected":
	default:
		return fault.BusinessRule(fault.ReasonQueryInvalid, "unknown status "+f.Status)
	}
	return nil
}

// effectiveTitle and effectiveTotal as SQL expressions; the Go-side mirror
// lives in toBill.
const (
	sqlEffectiveTitle = `COALESCE(NULLIF(ocr_title, ''), title)`
	sqlEffectiveTotal = `COALESCE(ocr_total_minor, total_minor)`
)

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, vals ...any) {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}

	if f.Status != "" {
		add(`status = ?`, f.Status)
	}
	if f.CreatedBy != "" {
		add(`created_by = ?`, f.CreatedBy)
	}
	if !f.CreatedAfter.IsZero() {
		add(`created_at >= ?`, readmodel.FormatTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		add(`created_at <= ?`, readmodel.FormatTime(f.CreatedBefore))
	}
	if f.MinTotal != nil {
		add(sqlEffectiveTotal+` >= ?`, f.MinTotal.MinorUnits())
	}
	if f.MaxTotal != nil {
		add(sqlEffectiveTotal+` <= ?`, f.MaxTotal.MinorUnits())
	}
	if f.TitleContains != "" {
		add(`LOWER(`+sqlEffectiveTitle+`) LIKE ? ESCAPE '\'`,
			"%"+escapeLike(strings.ToLower(f.TitleContains))+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderClause(f Filter) string {
	dir := " ASC"
	if f.SortDesc {
		dir = " DESC"
	}
	key := "created_at"
	if f.SortBy == "total" {
		key = sqlEffectiveTotal
	}
	return " ORDER BY " + key + dir + ", bill_id ASC"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func toBill(row *readmodel.SummaryRow) *Bill {
	b := &Bill{
		BillID:         row.BillID,
		Title:          row.Title,
		Total:          decimal.FromMinorUnits(row.TotalMinor),
		Status:         row.Status,
		CreatedBy:      row.CreatedBy,
		CreatedAt:      row.CreatedAt,
		Metadata:       row.Metadata,
		EffectiveTitle: row.Title,
		EffectiveTotal: decimal.FromMinorUnits(row.TotalMinor),
	}
	if row.OcrText.Valid {
		ocr := &OcrView{
			Text:           row.OcrText.String,
			Title:          row.OcrTitle.String,
			Confidence:     row.OcrConfidence.String,
			ProcessingTime: row.OcrProcessingTime.String,
			CompletedAt:    row.OcrCompletedAt,
		}
		if row.OcrTotalMinor.Valid {
			total := decimal.FromMinorUnits(row.OcrTotalMinor.Int64)
			ocr.Total = &total
			b.EffectiveTotal = total
		}
		if ocr.Title != "" {
			b.EffectiveTitle = ocr.Title
		}
		b.Ocr = ocr
	}
	if row.Decision.Valid {
		b.Approval = &ApprovalView{
			ApproverID: row.ApproverID.String,
			Decision:   row.Decision.String,
			Reason:     row.ApprovalReason.String,
			DecidedAt:  row.DecidedAt,
		}
	}
	return b
}
