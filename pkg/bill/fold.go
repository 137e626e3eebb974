package bill

import (
	"fmt"
	"slices"
)

// Fold applies one event to a state and returns the resulting state. The
// input state is never mutated, so cached states stay valid while a fold is
// in flight. seq is the event's per-entity sequence number; it feeds
// LastOcrSeq for the reactive idempotency check.
//
// Fold panics on an event that cannot apply to the given state (for example
// a second BillCreated); the router recovers the panic, poisons the entity
// and surfaces an internal error. A well-formed stream never trips this.
func Fold(state *State, ev Event, seq int64) *State {
	switch e := ev.(type) {
	case BillCreated:
		if state != nil {
			panic(fmt.Sprintf("bill: BillCreated at sequence %d on existing state", seq))
		}
		var metadata map[string]string
		if len(e.Metadata) > 0 {
			metadata = make(map[string]string, len(e.Metadata))
			for k, v := range e.Metadata {
				metadata[k] = v
			}
		}
		return &State{
			ID:         e.BillID,
			Title:      e.Title,
			Total:      e.Total,
			Metadata:   metadata,
			Status:     StatusCreated,
			CreatedBy:  e.CreatedBy,
			CreatedAt:  e.CreatedAt,
			LastOcrSeq: -1,
		}

	case FileAttached:
		next := clone(state, seq)
		next.Files = append(slices.Clone(state.Files), File{
			ID:          e.FileID,
			Filename:    e.Filename,
			ContentType: e.ContentType,
			Size:        e.Size,
			StorageKey:  e.StorageKey,
			Checksum:    e.Checksum,
			AttachedAt:  e.AttachedAt,
		})
		if next.Status == StatusCreated {
			next.Status = StatusFileAttached
		}
		return next

	case OcrRequested:
		// A marker for the orchestrator; materialized state is unchanged.
		return clone(state, seq)

	case OcrCompleted:
		next := clone(state, seq)
		next.Ocr = &OcrResult{
			Text:           e.Text,
			Total:          e.Total,
			Title:          e.Title,
			Confidence:     e.Confidence,
			ProcessingTime: e.ProcessingTime,
			CompletedAt:    e.CompletedAt,
		}
		if next.Status == StatusFileAttached {
			next.Status = StatusProcessed
		}
		next.LastOcrSeq = seq
		return next

	case OcrFailed:
		next := clone(state, seq)
		next.OcrFailures++
		next.LastOcrSeq = seq
		return next

	case BillApproved:
		next := clone(state, seq)
		next.Approval = &Approval{
			ApproverID: e.ApproverID,
			Decision:   e.Decision,
			Reason:     e.Reason,
			DecidedAt:  e.DecidedAt,
		}
		if e.Decision == DecisionRejected {
			next.Status = StatusRejected
		} else {
			next.Status = StatusApproved
		}
		return next

	default:
		panic(fmt.Sprintf("bill: unknown event %T at sequence %d", ev, seq))
	}
}

func clone(state *State, seq int64) *State {
	if state == nil {
		panic(fmt.Sprintf("bill: event at sequence %d before BillCreated", seq))
	}
	next := *state
	return &next
}
