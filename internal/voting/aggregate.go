package voting

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

// ErrUnknownOption is returned when a vote names an option the poll lacks.
var ErrUnknownOption = eris.New("voting: unknown option")

// Ballot is a vote resolved against its poll's option values.
type Ballot struct {
	VoterID      string
	OptionID     string
	OptionValue  float64
	TokenBalance float64
	Reputation   float64
}

// Ballots resolves cast votes to ballots carrying option values.
func Ballots(poll *model.Poll, votes []model.CastVote) ([]Ballot, error) {
	out := make([]Ballot, 0, len(votes))
	for _, v := range votes {
		opt, ok := poll.Option(v.OptionID)
		if !ok {
			return nil, eris.Wrapf(ErrUnknownOption, "poll %s option %q", poll.ID, v.OptionID)
		}
		out = append(out, Ballot{
			VoterID:      v.VoterID,
			OptionID:     v.OptionID,
			OptionValue:  opt.Value,
			TokenBalance: v.TokenBalance,
			Reputation:   v.Reputation,
		})
	}
	return out, nil
}

// VoteStats is the weighted summary of a poll's ballots.
type VoteStats struct {
	TotalVotes        int                `json:"total_votes"`
	UniqueVoters      int                `json:"unique_voters"`
	TotalWeight       float64            `json:"total_weight"`
	WeightedSum       float64            `json:"weighted_sum"`
	WeightedAverage   float64            `json:"weighted_average"`
	TokensVoted       float64            `json:"tokens_voted"`
	ParticipationRate float64            `json:"participation_rate"`
	OptionCounts      map[string]int     `json:"option_counts"`
	OptionWeightShare map[string]float64 `json:"option_weight_share"`
}

// Aggregate weighs each ballot under the strategy and sums weight times
// option value. When a voter appears more than once only the last ballot
// counts toward weights and participation. The input is not modified.
func Aggregate(ballots []Ballot, strategy model.VotingStrategy, totalTokens float64) VoteStats {
	stats := VoteStats{
		TotalVotes:        len(ballots),
		OptionCounts:      make(map[string]int),
		OptionWeightShare: make(map[string]float64),
	}

	last := make(map[string]int, len(ballots))
	for i, b := range ballots {
		last[b.VoterID] = i
	}
	stats.UniqueVoters = len(last)

	optionWeight := make(map[string]float64)
	for i, b := range ballots {
		if last[b.VoterID] != i {
			continue
		}
		w := Weight(strategy, b.TokenBalance, b.Reputation, totalTokens)
		stats.TotalWeight += w
		stats.WeightedSum += w * b.OptionValue
		stats.TokensVoted += nonNegative(b.TokenBalance)
		stats.OptionCounts[b.OptionID]++
		optionWeight[b.OptionID] += w
	}

	if stats.TotalWeight > 0 {
		stats.WeightedAverage = stats.WeightedSum / stats.TotalWeight
		for id, w := range optionWeight {
			stats.OptionWeightShare[id] = w / stats.TotalWeight
		}
	} else {
		for id := range optionWeight {
			stats.OptionWeightShare[id] = 0
		}
	}
	if totalTokens > 0 {
		stats.ParticipationRate = stats.TokensVoted / totalTokens
	}
	return stats
}
