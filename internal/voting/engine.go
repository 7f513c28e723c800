package voting

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

// ErrNoVotes marks a tally with nothing to aggregate. Callers treat it as
// undetermined, not as zero sentiment.
var ErrNoVotes = eris.New("voting: no votes")

// PollResult is the full tally of a poll.
type PollResult struct {
	PollID     string               `json:"poll_id"`
	Strategy   model.VotingStrategy `json:"strategy"`
	Stats      VoteStats            `json:"stats"`
	Quorum     QuorumResult         `json:"quorum"`
	Sentiment  Sentiment            `json:"sentiment"`
	Assessment Assessment           `json:"assessment"`
}

// Engine tallies polls under a fixed quorum configuration.
type Engine struct {
	quorum QuorumConfig
}

// NewEngine creates an Engine. A zero config falls back to DefaultQuorum.
func NewEngine(cfg QuorumConfig) *Engine {
	if cfg.MinVoters <= 0 && cfg.MinTokenParticipation <= 0 {
		cfg = DefaultQuorum()
	}
	return &Engine{quorum: cfg}
}

// Quorum returns the engine's quorum configuration.
func (e *Engine) Quorum() QuorumConfig { return e.quorum }

// Tally resolves, weighs and assesses a poll's votes. The vote slice is
// read only.
func (e *Engine) Tally(poll *model.Poll, votes []model.CastVote) (*PollResult, error) {
	if len(votes) == 0 {
		return nil, eris.Wrapf(ErrNoVotes, "poll %s", poll.ID)
	}
	ballots, err := Ballots(poll, votes)
	if err != nil {
		return nil, err
	}

	stats := Aggregate(ballots, poll.Strategy, poll.TotalTokens)
	quorum := CheckQuorum(stats, e.quorum)
	sentiment := Score(stats.WeightedAverage, quorum.Confidence, stats.ParticipationRate)

	return &PollResult{
		PollID:     poll.ID,
		Strategy:   poll.Strategy,
		Stats:      stats,
		Quorum:     quorum,
		Sentiment:  sentiment,
		Assessment: Assess(quorum, sentiment),
	}, nil
}
