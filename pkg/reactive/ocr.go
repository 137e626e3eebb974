package reactive

import (
	"context"
	"log/slog"
	"time"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/decimal"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/ocr"
	"github.com/billstream/billstream/pkg/readmodel"
)

// ConsumerOcrOrchestrator names the orchestrator's tracking token.
const ConsumerOcrOrchestrator = "ocr-orchestrator"

// DefaultMaxAutoRetries bounds automatic re-extraction after OcrFailed.
const DefaultMaxAutoRetries = 3

// DefaultBlobTimeout bounds the fetch of file bytes before extraction.
const DefaultBlobTimeout = 10 * time.Second

// OcrOrchestrator reacts to OcrRequested by fetching the file bytes, calling
// the extraction service and recording the outcome through the router. It
// also reacts to OcrFailed with a bounded automatic retry.
type OcrOrchestrator struct {
	commander      Commander
	blobs          blob.Store
	extractor      ocr.Extractor
	blobTimeout    time.Duration
	maxAutoRetries int
	logger         *slog.Logger
	obs            *observability.Provider
}

// OcrOption adjusts orchestrator construction.
type OcrOption func(*OcrOrchestrator)

// WithMaxAutoRetries bounds automatic retries after extraction failures.
func WithMaxAutoRetries(n int) OcrOption {
	return func(o *OcrOrchestrator) {
		if n >= 0 {
			o.maxAutoRetries = n
		}
	}
}

// WithBlobTimeout bounds the byte fetch.
func WithBlobTimeout(d time.Duration) OcrOption {
	return func(o *OcrOrchestrator) {
		if d > 0 {
			o.blobTimeout = d
		}
	}
}

// WithObservability attaches metrics.
func WithObservability(obs *observability.Provider) OcrOption {
	return func(o *OcrOrchestrator) { o.obs = obs }
}

// NewOcrOrchestrator builds the orchestrator consumer.
func NewOcrOrchestrator(commander Commander, blobs blob.Store, extractor ocr.Extractor, logger *slog.Logger, opts ...OcrOption) *OcrOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &OcrOrchestrator{
		commander:      commander,
		blobs:          blobs,
		extractor:      extractor,
		blobTimeout:    DefaultBlobTimeout,
		maxAutoRetries: DefaultMaxAutoRetries,
		logger:         logger.With("consumer", ConsumerOcrOrchestrator),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OcrOrchestrator) Name() string { return ConsumerOcrOrchestrator }

// Truncate is a no-op; the orchestrator owns no tables.
func (o *OcrOrchestrator) Truncate(ctx context.Context, tx readmodel.Querier) error { return nil }

func (o *OcrOrchestrator) Handle(ctx context.Context, tx readmodel.Querier, env eventlog.Envelope) error {
	switch env.Kind {
	case bill.KindOcrRequested:
		ev, err := bill.Decode(env.Kind, env.Payload)
		if err != nil {
			return err
		}
		req := ev.(bill.OcrRequested)
		return o.handleRequest(ctx, env, bill.File{
			ID:          req.FileID,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			StorageKey:  req.StorageKey,
		})
	case bill.KindOcrFailed:
		return o.handleFailure(ctx, env)
	default:
		return nil
	}
}

// handleRequest runs one extraction for a request event. Requests already
// resolved by a newer outcome, and bills that have reached a terminal
// status, are skipped: re-delivery and replays make both normal.
func (o *OcrOrchestrator) handleRequest(ctx context.Context, env eventlog.Envelope, file bill.File) error {
	state, _, err := o.commander.Inspect(ctx, env.EntityID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			o.logger.Warn("request for unknown bill, dropping", "bill", env.EntityID)
			return nil
		}
		return err
	}
	if state.Status.Terminal() {
		o.logger.Info("bill already decided, skipping extraction",
			"bill", env.EntityID, "status", string(state.Status))
		return nil
	}
	if state.LastOcrSeq > env.Sequence {
		o.logger.Info("request already resolved by newer outcome, skipping",
			"bill", env.EntityID, "requestSeq", env.Sequence, "lastOcrSeq", state.LastOcrSeq)
		return nil
	}
	if latest, ok := state.LatestFile(); ok && latest.ID != file.ID {
		// A newer attachment carries its own request; the newest file wins.
		o.logger.Info("request superseded by newer attachment, skipping",
			"bill", env.EntityID, "file", file.ID, "latest", latest.ID)
		return nil
	}
	return o.extract(ctx, env.EntityID, file)
}

// handleFailure re-runs extraction after an OcrFailed while the bill is
// still awaiting OCR and the failure budget is not exhausted.
func (o *OcrOrchestrator) handleFailure(ctx context.Context, env eventlog.Envelope) error {
	state, _, err := o.commander.Inspect(ctx, env.EntityID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil
		}
		return err
	}
	if state.Status != bill.StatusFileAttached {
		return nil
	}
	if state.LastOcrSeq != env.Sequence {
		// A newer outcome exists; that event drives any further retry.
		return nil
	}
	if state.OcrFailures > o.maxAutoRetries {
		o.logger.Warn("automatic retry budget exhausted",
			"bill", env.EntityID, "failures", state.OcrFailures)
		return nil
	}

	file, ok := state.LatestFile()
	if !ok {
		return nil
	}
	o.logger.Info("retrying extraction after failure",
		"bill", env.EntityID, "attempt", state.OcrFailures+1)
	return o.extract(ctx, env.EntityID, file)
}

func (o *OcrOrchestrator) extract(ctx context.Context, billID string, file bill.File) error {
	data, err := o.fetch(ctx, file.StorageKey)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return o.submitFailure(ctx, billID, file.ID, err)
		}
		return err
	}

	result, err := o.extractor.Extract(ctx, data, file.ContentType, file.Filename)
	if err != nil {
		if fault.IsKind(err, fault.KindCancelled) {
			return err
		}
		o.obs.OcrOutcome(ctx, "failed")
		return o.submitFailure(ctx, billID, file.ID, err)
	}
	o.obs.OcrOutcome(ctx, "completed")

	cmd := bill.ApplyOcrResult{
		ID:             billID,
		Text:           result.Text,
		Title:          result.Title,
		Confidence:     result.Confidence,
		ProcessingTime: result.ProcessingTime,
	}
	if result.Total != "" {
		total, err := decimal.ParseRounded(result.Total)
		if err != nil || total.IsNegative() {
			o.logger.Warn("unusable extracted total, recording without it",
				"bill", billID, "raw", result.Total, "cause", err)
		} else {
			cmd.Total = &total
		}
	}
	return o.submit(ctx, cmd)
}

func (o *OcrOrchestrator) fetch(ctx context.Context, storageKey string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.blobTimeout)
	defer cancel()
	return o.blobs.Get(ctx, storageKey)
}

func (o *OcrOrchestrator) submitFailure(ctx context.Context, billID, fileID string, cause error) error {
	return o.submit(ctx, bill.MarkOcrFailed{
		ID:        billID,
		FileID:    fileID,
		ErrorKind: string(fault.KindOf(cause)),
		Message:   cause.Error(),
	})
}

// submit pushes a command through the router. A business rejection or a
// vanished bill means the world moved on while we worked; both are logged
// and dropped.
func (o *OcrOrchestrator) submit(ctx context.Context, cmd bill.Command) error {
	_, err := o.commander.Execute(ctx, cmd)
	if err == nil {
		return nil
	}
	switch fault.KindOf(err) {
	case fault.KindBusinessRule, fault.KindNotFound:
		o.logger.Info("outcome no longer applicable, dropping",
			"bill", cmd.BillID(), "command", cmd.Name(), "cause", err)
		return nil
	default:
		return err
	}
}
