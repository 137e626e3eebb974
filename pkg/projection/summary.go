package projection

import (
	"context"
	"log/slog"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/readmodel"
)

// ConsumerBillSummary names the bill_summary projection's token.
const ConsumerBillSummary = "bill-summary"

// SummaryHandler materializes the bill_summary table.
type SummaryHandler struct {
	store  *readmodel.SummaryStore
	logger *slog.Logger
	obs    *observability.Provider
}

// NewSummaryHandler builds the bill-summary consumer.
func NewSummaryHandler(db *readmodel.DB, logger *slog.Logger, obs *observability.Provider) *SummaryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryHandler{
		store:  readmodel.NewSummaryStore(db),
		logger: logger.With("consumer", ConsumerBillSummary),
		obs:    obs,
	}
}

func (h *SummaryHandler) Name() string { return ConsumerBillSummary }

// Handle folds one event into the summary row. Updates that match no row are
// logged and dropped rather than failed: the event is either a re-delivery
// already applied under a position guard, or it references a bill whose
// create never landed, and retrying would not change either.
func (h *SummaryHandler) Handle(ctx context.Context, tx readmodel.Querier, env eventlog.Envelope) error {
	ev, err := bill.Decode(env.Kind, env.Payload)
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case bill.BillCreated:
		return h.store.InsertCreated(ctx, tx, readmodel.SummaryRow{
			BillID:     env.EntityID,
			Title:      ev.Title,
			TotalMinor: ev.Total.MinorUnits(),
			Status:     string(bill.StatusCreated),
			CreatedBy:  ev.CreatedBy,
			CreatedAt:  ev.CreatedAt,
			Metadata:   ev.Metadata,
		}, env.Position)

	case bill.FileAttached:
		changed, err := h.store.ApplyFileAttached(ctx, tx, env.EntityID, env.Position)
		if err != nil {
			return err
		}
		if !changed {
			h.drop(ctx, env)
		}
		return nil

	case bill.OcrCompleted:
		update := readmodel.OcrUpdate{
			Text:           ev.Text,
			Title:          ev.Title,
			Confidence:     ev.Confidence,
			ProcessingTime: ev.ProcessingTime,
			CompletedAt:    ev.CompletedAt,
			Sequence:       env.Sequence,
		}
		if ev.Total != nil {
			minor := ev.Total.MinorUnits()
			update.TotalMinor = &minor
		}
		changed, err := h.store.ApplyOcr(ctx, tx, env.EntityID, update, env.Position)
		if err != nil {
			return err
		}
		if !changed {
			h.drop(ctx, env)
		}
		return nil

	case bill.BillApproved:
		changed, err := h.store.ApplyApproval(ctx, tx, env.EntityID,
			ev.ApproverID, string(ev.Decision), ev.Reason, ev.DecidedAt, env.Position)
		if err != nil {
			return err
		}
		if !changed {
			h.drop(ctx, env)
		}
		return nil

	default:
		// OcrRequested and OcrFailed do not change the summary.
		return nil
	}
}

// Truncate clears the table for a replay.
func (h *SummaryHandler) Truncate(ctx context.Context, tx readmodel.Querier) error {
	return h.store.Truncate(ctx, tx)
}

func (h *SummaryHandler) drop(ctx context.Context, env eventlog.Envelope) {
	h.logger.Warn("event changed no summary row, dropping",
		"entity", env.EntityID, "kind", env.Kind, "position", env.Position)
	h.obs.EventDropped(ctx, ConsumerBillSummary)
}
