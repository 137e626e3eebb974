package projection

import (
	"context"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/readmodel"
)

// ConsumerBillFiles names the bill_files projection's token.
const ConsumerBillFiles = "bill-files"

// FilesHandler materializes the bill_files table. Attachments are immutable,
// so the handler only ever inserts.
type FilesHandler struct {
	store *readmodel.FileStore
}

// NewFilesHandler builds the bill-files consumer.
func NewFilesHandler(db *readmodel.DB) *FilesHandler {
	return &FilesHandler{store: readmodel.NewFileStore(db)}
}

func (h *FilesHandler) Name() string { return ConsumerBillFiles }

func (h *FilesHandler) Handle(ctx context.Context, tx readmodel.Querier, env eventlog.Envelope) error {
	if env.Kind != bill.KindFileAttached {
		return nil
	}
	ev, err := bill.Decode(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	attached := ev.(bill.FileAttached)

	return h.store.Insert(ctx, tx, readmodel.FileRow{
		BillID:      env.EntityID,
		FileID:      attached.FileID,
		Filename:    attached.Filename,
		ContentType: attached.ContentType,
		SizeBytes:   attached.Size,
		StorageKey:  attached.StorageKey,
		Checksum:    attached.Checksum,
		AttachedAt:  attached.AttachedAt,
		Position:    env.Position,
	})
}

func (h *FilesHandler) Truncate(ctx context.Context, tx readmodel.Querier) error {
	return h.store.Truncate(ctx, tx)
}
