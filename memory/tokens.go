package memory

// TokenEstimator approximates how many model tokens a text costs.
// Implementations must be deterministic and monotonic: appending text never
// lowers the estimate.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator assumes a fixed number of runes per token.
// It needs no model files and is the default estimator.
type CharEstimator struct {
	RunesPerToken int
}

// DefaultEstimator is ceil(runes/4), a common approximation for English text.
var DefaultEstimator TokenEstimator = CharEstimator{RunesPerToken: 4}

// Estimate returns ceil(runes / RunesPerToken).
func (c CharEstimator) Estimate(text string) int {
	per := c.RunesPerToken
	if per <= 0 {
		per = 4
	}
	n := 0
	for range text {
		n++
	}
	return (n + per - 1) / per
}
