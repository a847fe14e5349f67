package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Input errors - fatal to the current cycle, never silently coerced
	ErrInvalidInput = errors.New("input out of valid range")

	// Data errors - recovered locally with the neutral prior
	ErrInsufficientData = errors.New("insufficient history for calibration")

	// Guardrail errors - the cycle falls back to the unadjusted blend
	ErrGuardrailRejected = errors.New("adjustment rejected by guardrail")
	ErrNoConsensus       = fmt.Errorf("%w: no consensus across proposals", ErrGuardrailRejected)

	// Lifecycle errors - the attempted transition leaves state unchanged
	ErrInvalidTransition = errors.New("invalid candidate state transition")

	// Decision log errors
	ErrDuplicateCycle = errors.New("cycle already logged")
	ErrNotFound       = errors.New("resource not found")
	ErrCycleNotFound  = fmt.Errorf("%w: cycle", ErrNotFound)
)

// Error constructors with context
func NewInvalidInputError(field string, value float64) error {
	return fmt.Errorf("%w: %s = %v", ErrInvalidInput, field, value)
}

func NewTransitionError(from, to string, reason string) error {
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, reason)
}

func NewGuardrailRejection(policy string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrGuardrailRejected, policy, reason)
}

// Error checking helpers
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsInsufficientData(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}

func IsGuardrailRejection(err error) bool {
	return errors.Is(err, ErrGuardrailRejected)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsDuplicateCycle(err error) bool {
	return errors.Is(err, ErrDuplicateCycle)
}
