package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID represents a domain identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// Domain-specific ID types
type (
	MuteEventID  ID
	TransitionID ID
	RuleID       string
)

func (id MuteEventID) String() string  { return ID(id).String() }
func (id TransitionID) String() string { return ID(id).String() }
func (id RuleID) String() string       { return string(id) }

// Session tags the evaluation slot within a cohort day.
type Session string

const (
	SessionMorning Session = "am"
	SessionEvening Session = "pm"
)

// Valid reports whether the session tag is one of the known slots.
func (s Session) Valid() bool {
	return s == SessionMorning || s == SessionEvening
}

// CycleKey is the natural key of one forecasting cycle: a cohort date plus
// a session tag. The decision log enforces uniqueness on it.
type CycleKey struct {
	Date    string  `json:"date"` // YYYY-MM-DD
	Session Session `json:"session"`
}

// NewCycleKey builds a key from a wall-clock date and session tag.
func NewCycleKey(t time.Time, session Session) CycleKey {
	return CycleKey{Date: t.Format("2006-01-02"), Session: session}
}

// String returns the canonical "date/session" form.
func (k CycleKey) String() string {
	return fmt.Sprintf("%s/%s", k.Date, k.Session)
}

// IsZero checks if the key is unset.
func (k CycleKey) IsZero() bool {
	return k.Date == "" && k.Session == ""
}

// ParseCycleKey parses the canonical "date/session" form.
func ParseCycleKey(s string) (CycleKey, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return CycleKey{}, fmt.Errorf("cycle key must be date/session, got %q", s)
	}
	if _, err := time.Parse("2006-01-02", parts[0]); err != nil {
		return CycleKey{}, fmt.Errorf("invalid cycle date %q: %w", parts[0], err)
	}
	session := Session(parts[1])
	if !session.Valid() {
		return CycleKey{}, fmt.Errorf("invalid session tag %q", parts[1])
	}
	return CycleKey{Date: parts[0], Session: session}, nil
}
