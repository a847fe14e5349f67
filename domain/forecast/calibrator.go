package forecast

import (
	"shadowgate/domain/core"

	"gonum.org/v1/gonum/stat/distuv"
)

// NeutralPrior is the probability substituted when no history exists.
// Substitution happens at the caller, never inside Calibrate.
const NeutralPrior = 0.5

// Calibrate turns a rolling hit/miss history into a calibrated probability
// using the Beta-Binomial posterior mean:
//
//	p_cal = (hits + alpha0) / (hits + misses + alpha0 + beta0)
//
// An empty history returns ErrInsufficientData; negative counts or
// non-positive priors return ErrInvalidInput.
func Calibrate(hits, misses int, alpha0, beta0 float64) (float64, error) {
	if hits < 0 {
		return 0, core.NewInvalidInputError("hits", float64(hits))
	}
	if misses < 0 {
		return 0, core.NewInvalidInputError("misses", float64(misses))
	}
	if alpha0 <= 0 {
		return 0, core.NewInvalidInputError("alpha0", alpha0)
	}
	if beta0 <= 0 {
		return 0, core.NewInvalidInputError("beta0", beta0)
	}
	if hits+misses == 0 {
		return 0, core.ErrInsufficientData
	}
	return (float64(hits) + alpha0) / (float64(hits+misses) + alpha0 + beta0), nil
}

// CredibleInterval returns the central credible interval of the Beta
// posterior at the given mass (e.g. 0.90). Used only for the explanation
// trace; the pipeline decision rides on the posterior mean.
func CredibleInterval(hits, misses int, alpha0, beta0, mass float64) (float64, float64) {
	post := distuv.Beta{
		Alpha: float64(hits) + alpha0,
		Beta:  float64(misses) + beta0,
	}
	tail := (1 - mass) / 2
	return post.Quantile(tail), post.Quantile(1 - tail)
}
