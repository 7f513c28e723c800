// Package voting computes weighted community sentiment for grant polls.
package voting

import (
	"math"

	"github.com/sells-group/grant-review/internal/model"
)

const (
	hybridTokenShare      = 0.6
	hybridReputationShare = 0.4
	maxReputation         = 100.0
)

// Weight returns a voter's weight in [0,1] under the given strategy.
// A non-positive supply zeroes the token terms, and unknown strategies
// weigh nothing.
func Weight(strategy model.VotingStrategy, tokenBalance, reputation, totalTokens float64) float64 {
	tokenBalance = nonNegative(tokenBalance)
	reputation = nonNegative(reputation)

	var tokenShare, sqrtShare float64
	if totalTokens > 0 {
		tokenShare = tokenBalance / totalTokens
		sqrtShare = math.Sqrt(tokenBalance) / math.Sqrt(totalTokens)
	}
	repShare := reputation / maxReputation

	var w float64
	switch strategy {
	case model.StrategyTokenWeighted:
		w = tokenShare
	case model.StrategyQuadratic:
		w = sqrtShare
	case model.StrategyReputation:
		w = repShare
	case model.StrategyHybrid:
		w = hybridTokenShare*tokenShare + hybridReputationShare*repShare
	}
	return clamp01(w)
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
