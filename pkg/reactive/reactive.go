// Package reactive hosts the log consumers that close the loop from events
// back to commands: the OCR orchestrator and the notifier. Both run as
// projection.Handler instances under the standard Runner, so they inherit
// its ordering, retry and dead-letter discipline, but they own no tables;
// every state change they cause goes through the command router.
package reactive

import (
	"context"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/router"
)

// Commander is the slice of the router the reactive consumers use: submit a
// command, or inspect current entity state for idempotency decisions.
type Commander interface {
	Execute(ctx context.Context, cmd bill.Command) (router.Result, error)
	Inspect(ctx context.Context, billID string) (*bill.State, int64, error)
}
