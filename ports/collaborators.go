package ports

import (
	"context"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/rules"
)

// BaselineProvider is the upstream forecasting component.
type BaselineProvider interface {
	BaselineProbability(ctx context.Context, key core.CycleKey) (float64, error)
}

// OutcomeStore serves the persisted hit/miss history and the tagged miss
// events the rule adjuster inspects.
type OutcomeStore interface {
	HistoricalOutcomes(ctx context.Context, days int) ([]forecast.OutcomeObservation, error)
	MissTags(ctx context.Context, days int) ([]rules.TaggedEvent, error)
}

// SignalProvider serves the auxiliary volatility/news context for one
// cycle.
type SignalProvider interface {
	AuxiliarySignals(ctx context.Context, key core.CycleKey) (rules.AuxiliarySignals, error)
}
