// Package memstate provides an in-memory candidate state store for
// tests and single-process deployments.
package memstate

import (
	"context"
	"sync"

	"shadowgate/domain/governor"
	"shadowgate/domain/lifecycle"
	"shadowgate/ports"
)

// Store holds the latest lifecycle record. Safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	rec *ports.StateRecord
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

var _ ports.StateStore = (*Store)(nil)

// Load returns a copy of the saved record, if any.
func (s *Store) Load(_ context.Context) (ports.StateRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return ports.StateRecord{}, false, nil
	}
	return copyRecord(*s.rec), true, nil
}

// Save replaces the stored record.
func (s *Store) Save(_ context.Context, rec ports.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyRecord(rec)
	s.rec = &c
	return nil
}

func copyRecord(rec ports.StateRecord) ports.StateRecord {
	out := rec
	out.History = append([]lifecycle.Transition(nil), rec.History...)
	out.PastMutes = append([]governor.MuteEvent(nil), rec.PastMutes...)
	if rec.ActiveMute != nil {
		ev := *rec.ActiveMute
		out.ActiveMute = &ev
	}
	return out
}
