// Package scorer runs the evaluation panel: independent agents that each
// score a grant proposal.
package scorer

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

// Scorer evaluates a proposal from one agent's point of view.
type Scorer interface {
	Name() model.AgentName
	Evaluate(ctx context.Context, p model.Proposal) (*Result, error)
}

// Result is one agent's raw evaluation.
type Result struct {
	Score      float64    `json:"score"`
	Vote       model.Vote `json:"vote"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale"`
}

// Validate checks score and confidence ranges and the vote value.
func (r *Result) Validate() error {
	var errs []string
	if math.IsNaN(r.Score) || r.Score < -1 || r.Score > 1 {
		errs = append(errs, "score must be in [-1, 1]")
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		errs = append(errs, "confidence must be in [0, 1]")
	}
	if !r.Vote.Valid() {
		errs = append(errs, "vote must be approve, reject or abstain")
	}
	if len(errs) > 0 {
		return eris.Errorf("scorer: invalid result: %s", strings.Join(errs, "; "))
	}
	return nil
}
