// Package memlog provides an in-memory decision log for tests and
// single-process deployments.
package memlog

import (
	"context"
	"fmt"
	"sync"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/ports"
)

// Log is an append-only in-memory decision log. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []forecast.DecisionLogEntry
	byKey   map[string]int // cycle key -> index into entries
}

// New creates an empty log.
func New() *Log {
	return &Log{byKey: make(map[string]int)}
}

var _ ports.DecisionLog = (*Log)(nil)

// Append adds one entry. The cycle key is the natural unique key.
func (l *Log) Append(_ context.Context, entry *forecast.DecisionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := entry.Key.String()
	if _, ok := l.byKey[k]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateCycle, k)
	}
	stored := *entry
	stored.Seq = int64(len(l.entries) + 1)
	l.entries = append(l.entries, stored)
	l.byKey[k] = len(l.entries) - 1
	entry.Seq = stored.Seq
	return nil
}

// RecordOutcome completes an entry exactly once.
func (l *Log) RecordOutcome(_ context.Context, key core.CycleKey, outcome forecast.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byKey[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
	}
	if l.entries[idx].Outcome != nil {
		return fmt.Errorf("%w: outcome for %s already recorded", core.ErrDuplicateCycle, key)
	}
	l.entries[idx].Outcome = &outcome
	l.entries[idx].Phase = forecast.PhaseOutcomeRecorded
	return nil
}

// Close moves an outcome-recorded entry to CLOSED. Idempotent.
func (l *Log) Close(_ context.Context, key core.CycleKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byKey[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
	}
	if l.entries[idx].Outcome == nil {
		return fmt.Errorf("%w: cannot close %s before its outcome", core.ErrInvalidInput, key)
	}
	l.entries[idx].Phase = forecast.PhaseClosed
	return nil
}

// Get returns a copy of the entry for the key.
func (l *Log) Get(_ context.Context, key core.CycleKey) (*forecast.DecisionLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byKey[key.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCycleNotFound, key)
	}
	entry := l.entries[idx]
	return &entry, nil
}

// ReadSince returns a snapshot of entries after the cursor, oldest
// first.
func (l *Log) ReadSince(_ context.Context, cursor ports.Cursor) ([]forecast.DecisionLogEntry, ports.Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []forecast.DecisionLogEntry
	next := cursor
	for _, e := range l.entries {
		if ports.Cursor(e.Seq) > cursor {
			out = append(out, e)
			if ports.Cursor(e.Seq) > next {
				next = ports.Cursor(e.Seq)
			}
		}
	}
	return out, next, nil
}
