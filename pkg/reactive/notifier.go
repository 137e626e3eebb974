package reactive

import (
	"context"
	"log/slog"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/notify"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/readmodel"
)

// ConsumerNotifier names the notifier's tracking token.
const ConsumerNotifier = "notifier"

// NotifierHandler sends a notification when a bill finishes OCR or receives
// a decision. Context (title, totals) comes from entity state through the
// router, not from the read models, so the notifier does not race its
// sibling projections.
type NotifierHandler struct {
	commander  Commander
	notifier   notify.Notifier
	recipients []string
	logger     *slog.Logger
	obs        *observability.Provider
}

// NewNotifierHandler builds the notifier consumer.
func NewNotifierHandler(commander Commander, notifier notify.Notifier, recipients []string, logger *slog.Logger, obs *observability.Provider) *NotifierHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifierHandler{
		commander:  commander,
		notifier:   notifier,
		recipients: recipients,
		logger:     logger.With("consumer", ConsumerNotifier),
		obs:        obs,
	}
}

func (h *NotifierHandler) Name() string { return ConsumerNotifier }

// Truncate is a no-op; the notifier owns no tables.
func (h *NotifierHandler) Truncate(ctx context.Context, tx readmodel.Querier) error { return nil }

func (h *NotifierHandler) Handle(ctx context.Context, tx readmodel.Querier, env eventlog.Envelope) error {
	switch env.Kind {
	case bill.KindOcrCompleted, bill.KindBillApproved:
	default:
		return nil
	}

	ev, err := bill.Decode(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	state, _, err := h.commander.Inspect(ctx, env.EntityID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			h.logger.Warn("event for unknown bill, dropping", "bill", env.EntityID)
			return nil
		}
		return err
	}

	var templateName string
	vars := map[string]string{
		"billId": env.EntityID,
		"title":  effectiveTitle(state),
		"total":  effectiveTotal(state),
	}
	switch ev := ev.(type) {
	case bill.OcrCompleted:
		templateName = notify.TemplateOcrCompleted
		if ev.Total != nil {
			vars["extractedTotal"] = ev.Total.String()
		}
	case bill.BillApproved:
		templateName = notify.TemplateBillApproved
		vars["decision"] = string(ev.Decision)
		vars["approverId"] = ev.ApproverID
		vars["reason"] = ev.Reason
	}

	if err := h.notifier.Send(ctx, templateName, h.recipients, vars); err != nil {
		h.obs.NotificationSent(ctx, "failed")
		return err
	}
	h.obs.NotificationSent(ctx, "sent")
	return nil
}

func effectiveTitle(state *bill.State) string {
	if state.Ocr != nil && state.Ocr.Title != "" {
		return state.Ocr.Title
	}
	return state.Title
}

func effectiveTotal(state *bill.State) string {
	if state.Ocr != nil && state.Ocr.Total != nil {
		return state.Ocr.Total.String()
	}
	return state.Total.String()
}
