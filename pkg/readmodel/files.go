package readmodel

import (
	"context"
	"time"
)

// FileRow is one attached file in the bill-files read model.
type FileRow struct {
	BillID      string
	FileID      string
	Filename    string
	ContentType string
	SizeBytes   int64
	StorageKey  string
	Checksum    string
	AttachedAt  time.Time
	Position    int64
}

// FileStore writes and reads bill_files rows.
type FileStore struct {
	db *DB
}

// NewFileStore builds a store over the read-model database.
func NewFileStore(db *DB) *FileStore {
	return &FileStore{db: db}
}

// Insert materializes a FileAttached event. Files are immutable, so
// re-delivery is a no-op.
func (s *FileStore) Insert(ctx context.Context, q Querier, row FileRow) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO bill_files
			(bill_id, file_id, filename, content_type, size_bytes, storage_key, checksum, attached_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bill_id, file_id) DO NOTHING`),
		row.BillID, row.FileID, row.Filename, row.ContentType, row.SizeBytes,
		row.StorageKey, row.Checksum, FormatTime(row.AttachedAt), row.Position)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// ListByBill returns a bill's files in attachment order.
func (s *FileStore) ListByBill(ctx context.Context, q Querier, billID string) ([]FileRow, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(`
		SELECT bill_id, file_id, filename, content_type, size_bytes, storage_key, checksum, attached_at, position
		FROM bill_files WHERE bill_id = ? ORDER BY position`), billID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []FileRow
	for rows.Next() {
		var row FileRow
		var attachedAt string
		if err := rows.Scan(&row.BillID, &row.FileID, &row.Filename, &row.ContentType,
			&row.SizeBytes, &row.StorageKey, &row.Checksum, &attachedAt, &row.Position); err != nil {
			return nil, classifyErr(err)
		}
		row.AttachedAt = ParseTime(attachedAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

// Truncate removes every row; used by projection replay.
func (s *FileStore) Truncate(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM bill_files`); err != nil {
		return classifyErr(err)
	}
	return nil
}
