package ports

import (
	"context"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
)

// Cursor is an opaque position in the decision log stream. Zero reads
// from the beginning.
type Cursor int64

// DecisionLog is the append-only audit trail. Entries are keyed by the
// cycle's natural key; appending the same key twice returns
// ErrDuplicateCycle. History is never rewritten: the one permitted
// completion is recording the realized outcome, exactly once.
type DecisionLog interface {
	Append(ctx context.Context, entry *forecast.DecisionLogEntry) error
	RecordOutcome(ctx context.Context, key core.CycleKey, outcome forecast.OutcomeRecord) error
	// Close moves an outcome-recorded entry to its final phase. Closing
	// an already closed entry is a no-op; closing before the outcome
	// landed is ErrInvalidInput.
	Close(ctx context.Context, key core.CycleKey) error
	Get(ctx context.Context, key core.CycleKey) (*forecast.DecisionLogEntry, error)
	// ReadSince returns entries after the cursor, oldest first, plus the
	// cursor for the next read. Readers get snapshot semantics: the log
	// may grow between reads.
	ReadSince(ctx context.Context, cursor Cursor) ([]forecast.DecisionLogEntry, Cursor, error)
}
