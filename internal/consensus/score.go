// Package consensus aggregates scorer evaluations and milestone reviews
// into the figures the grant and milestone workflows decide on.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

// ErrNoEvaluations is returned when no weighted agent has reported. It is
// never folded into a zero score.
var ErrNoEvaluations = eris.New("consensus: no evaluations")

// Weights maps panel agents to their share of the overall score. Weights
// need not sum to one.
type Weights map[model.AgentName]float64

// DefaultWeights returns the standard five-agent panel.
func DefaultWeights() Weights {
	return Weights{
		model.AgentTechnical:    0.25,
		model.AgentImpact:       0.25,
		model.AgentDueDiligence: 0.20,
		model.AgentBudget:       0.15,
		model.AgentCommunity:    0.15,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

// Agents returns the agents with a positive weight, sorted by name.
func (w Weights) Agents() []model.AgentName {
	agents := make([]model.AgentName, 0, len(w))
	for name, v := range w {
		if v > 0 {
			agents = append(agents, name)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	return agents
}

// Validate checks that the weights can produce a score.
func (w Weights) Validate() error {
	var errs []string
	for name, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Sprintf("%s weight must be finite", name))
		} else if v < 0 {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", name))
		}
	}
	if len(errs) == 0 && w.Sum() <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("consensus: weights invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Result is the outcome of aggregating one evaluation cycle.
type Result struct {
	OverallScore     float64           `json:"overall_score"`
	ConsensusReached bool              `json:"consensus_reached"`
	ApproveFraction  float64           `json:"approve_fraction"`
	Verdict          model.Verdict     `json:"verdict"`
	Reporting        []model.AgentName `json:"reporting"`
	Missing          []model.AgentName `json:"missing,omitempty"`
}

// Complete reports whether every weighted agent reported.
func (r Result) Complete() bool {
	return len(r.Missing) == 0
}

// Aggregate combines agent evaluations into an overall score, a consensus
// flag and a verdict.
//
// The score is normalized by the weights of agents that actually reported,
// so a partial panel is not biased toward missing agents. Only agents with a
// positive weight take part in either the score or the consensus count.
// When an agent appears more than once the last entry wins.
func Aggregate(evals []model.AgentEvaluation, weights Weights, minPassingScore, consensusThreshold float64) (Result, error) {
	latest := make(map[model.AgentName]model.AgentEvaluation, len(evals))
	for _, e := range evals {
		if weights[e.AgentName] <= 0 {
			continue
		}
		latest[e.AgentName] = e
	}
	if len(latest) == 0 {
		return Result{}, ErrNoEvaluations
	}

	var weighted, present float64
	var approvals int
	res := Result{}
	for _, name := range weights.Agents() {
		e, ok := latest[name]
		if !ok {
			res.Missing = append(res.Missing, name)
			continue
		}
		w := weights[name]
		weighted += w * e.Score
		present += w
		if e.Vote == model.VoteApprove {
			approvals++
		}
		res.Reporting = append(res.Reporting, name)
	}

	res.OverallScore = weighted / present
	res.ApproveFraction = float64(approvals) / float64(len(latest))
	res.ConsensusReached = res.ApproveFraction >= consensusThreshold
	res.Verdict = verdict(res.OverallScore, res.ConsensusReached, minPassingScore)
	return res, nil
}

func verdict(score float64, consensus bool, minPassing float64) model.Verdict {
	switch {
	case score < minPassing:
		return model.VerdictReject
	case consensus:
		return model.VerdictApprove
	default:
		return model.VerdictUndecided
	}
}
