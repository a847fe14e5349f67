package ports

import (
	"context"

	"shadowgate/domain/governor"
	"shadowgate/domain/lifecycle"
)

// StateRecord is the persisted candidate lifecycle: the current state,
// its transition history, and the mute bookkeeping. It is rewritten
// whole on every change; the decision log stays the append-only record.
type StateRecord struct {
	State      lifecycle.State        `json:"state"`
	History    []lifecycle.Transition `json:"history,omitempty"`
	ActiveMute *governor.MuteEvent    `json:"active_mute,omitempty"`
	PastMutes  []governor.MuteEvent   `json:"past_mutes,omitempty"`
}

// StateStore carries the candidate lifecycle across restarts. A mute
// must survive any process boundary; only the store makes that hold.
type StateStore interface {
	// Load returns the last saved record. ok is false when nothing has
	// been saved yet.
	Load(ctx context.Context) (rec StateRecord, ok bool, err error)
	Save(ctx context.Context, rec StateRecord) error
}
