package metrics

// FitnessPolicy collapses a component's aggregates into one ranking scalar.
// Implementations must be non-decreasing in CumulativeReturn and
// non-increasing in MaxDrawdown.
type FitnessPolicy interface {
	Score(agg Aggregates) float64
}

// RiskAdjusted scores a window as its cumulative return minus a linear
// penalty on the maximum drawdown.
type RiskAdjusted struct {
	DrawdownPenalty float64
}

// DefaultPolicy returns RiskAdjusted with a penalty of 2.
func DefaultPolicy() RiskAdjusted {
	return RiskAdjusted{DrawdownPenalty: 2}
}

// Score implements FitnessPolicy.
func (p RiskAdjusted) Score(agg Aggregates) float64 {
	penalty := p.DrawdownPenalty
	if penalty <= 0 {
		penalty = 1
	}
	return agg.CumulativeReturn - penalty*agg.MaxDrawdown
}

// PolicyFunc adapts a function to FitnessPolicy.
type PolicyFunc func(agg Aggregates) float64

// Score implements FitnessPolicy.
func (f PolicyFunc) Score(agg Aggregates) float64 { return f(agg) }
