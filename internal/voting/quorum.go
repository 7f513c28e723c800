package voting

import (
	"fmt"
	"math"
)

// QuorumConfig sets the participation a poll needs to count.
type QuorumConfig struct {
	MinVoters             int     `json:"min_voters"`
	MinTokenParticipation float64 `json:"min_token_participation"`
}

// DefaultQuorum returns the standard quorum: ten voters holding 5% of supply.
func DefaultQuorum() QuorumConfig {
	return QuorumConfig{MinVoters: 10, MinTokenParticipation: 0.05}
}

// QuorumResult reports each quorum check separately.
type QuorumResult struct {
	Met             bool     `json:"met"`
	VotersOK        bool     `json:"voters_ok"`
	ParticipationOK bool     `json:"participation_ok"`
	VotesOK         bool     `json:"votes_ok"`
	Confidence      float64  `json:"confidence"`
	Reasons         []string `json:"reasons,omitempty"`
}

// CheckQuorum applies the voter, participation and vote-count checks. All
// three must pass.
func CheckQuorum(stats VoteStats, cfg QuorumConfig) QuorumResult {
	res := QuorumResult{
		VotersOK:        stats.UniqueVoters >= cfg.MinVoters,
		ParticipationOK: stats.ParticipationRate >= cfg.MinTokenParticipation,
		VotesOK:         stats.TotalVotes > 0,
	}
	res.Met = res.VotersOK && res.ParticipationOK && res.VotesOK

	if cfg.MinTokenParticipation > 0 {
		res.Confidence = math.Min(1, stats.ParticipationRate/cfg.MinTokenParticipation)
	} else {
		res.Confidence = 1
	}

	if !res.VotersOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf("unique voters %d below minimum %d", stats.UniqueVoters, cfg.MinVoters))
	}
	if !res.ParticipationOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf("token participation %.4f below minimum %.4f", stats.ParticipationRate, cfg.MinTokenParticipation))
	}
	if !res.VotesOK {
		res.Reasons = append(res.Reasons, "no votes cast")
	}
	return res
}
