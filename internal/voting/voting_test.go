package voting

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-review/internal/model"
)

func TestWeight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy model.VotingStrategy
		balance  float64
		rep      float64
		total    float64
		want     float64
	}{
		{"token", model.StrategyTokenWeighted, 100, 0, 1000, 0.1},
		{"quadratic", model.StrategyQuadratic, 100, 0, 10000, 0.1},
		{"reputation", model.StrategyReputation, 0, 50, 1000, 0.5},
		{"hybrid", model.StrategyHybrid, 100, 50, 1000, 0.26},
		{"token zero supply", model.StrategyTokenWeighted, 100, 0, 0, 0},
		{"quadratic zero supply", model.StrategyQuadratic, 100, 0, 0, 0},
		{"hybrid zero supply keeps reputation", model.StrategyHybrid, 100, 50, 0, 0.2},
		{"reputation clamped", model.StrategyReputation, 0, 150, 1000, 1},
		{"balance above supply clamped", model.StrategyTokenWeighted, 5000, 0, 1000, 1},
		{"negative balance", model.StrategyTokenWeighted, -10, 0, 1000, 0},
		{"unknown strategy", model.VotingStrategy("plutocracy"), 100, 100, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := Weight(tt.strategy, tt.balance, tt.rep, tt.total)
			assert.InDelta(t, tt.want, w, 1e-9)
			assert.GreaterOrEqual(t, w, 0.0)
			assert.LessOrEqual(t, w, 1.0)
		})
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	ballots := []Ballot{
		{VoterID: "v1", OptionID: "yes", OptionValue: 100, TokenBalance: 300},
		{VoterID: "v2", OptionID: "no", OptionValue: 0, TokenBalance: 100},
	}
	stats := Aggregate(ballots, model.StrategyTokenWeighted, 1000)

	assert.Equal(t, 2, stats.TotalVotes)
	assert.Equal(t, 2, stats.UniqueVoters)
	assert.InDelta(t, 0.4, stats.TotalWeight, 1e-9)
	assert.InDelta(t, 30, stats.WeightedSum, 1e-9)
	assert.InDelta(t, 75, stats.WeightedAverage, 1e-9)
	assert.InDelta(t, 0.4, stats.ParticipationRate, 1e-9)
	assert.Equal(t, 1, stats.OptionCounts["yes"])
	assert.InDelta(t, 0.75, stats.OptionWeightShare["yes"], 1e-9)
	assert.InDelta(t, 0.25, stats.OptionWeightShare["no"], 1e-9)
}

func TestAggregate_NoWeight(t *testing.T) {
	t.Parallel()

	ballots := []Ballot{{VoterID: "v1", OptionID: "yes", OptionValue: 100, TokenBalance: 10}}
	stats := Aggregate(ballots, model.StrategyTokenWeighted, 0)

	assert.Zero(t, stats.TotalWeight)
	assert.Zero(t, stats.WeightedAverage)
	assert.Zero(t, stats.ParticipationRate)
	assert.Zero(t, stats.OptionWeightShare["yes"])
}

func TestAggregate_RepeatVoterCountsOnce(t *testing.T) {
	t.Parallel()

	ballots := []Ballot{
		{VoterID: "v1", OptionID: "no", OptionValue: 0, TokenBalance: 100},
		{VoterID: "v1", OptionID: "yes", OptionValue: 100, TokenBalance: 100},
	}
	stats := Aggregate(ballots, model.StrategyTokenWeighted, 1000)

	assert.Equal(t, 2, stats.TotalVotes)
	assert.Equal(t, 1, stats.UniqueVoters)
	assert.InDelta(t, 100, stats.WeightedAverage, 1e-9)
	assert.InDelta(t, 0.1, stats.ParticipationRate, 1e-9)
	assert.Zero(t, stats.OptionCounts["no"])
}

func TestCheckQuorum_Conjunction(t *testing.T) {
	t.Parallel()

	ballots := make([]Ballot, 15)
	for i := range ballots {
		ballots[i] = Ballot{VoterID: fmt.Sprintf("v%d", i), OptionID: "yes", OptionValue: 100, TokenBalance: 20}
	}
	stats := Aggregate(ballots, model.StrategyTokenWeighted, 15000)
	require.InDelta(t, 0.02, stats.ParticipationRate, 1e-9)

	q := CheckQuorum(stats, DefaultQuorum())
	assert.True(t, q.VotersOK)
	assert.True(t, q.VotesOK)
	assert.False(t, q.ParticipationOK)
	assert.False(t, q.Met)
	assert.InDelta(t, 0.4, q.Confidence, 1e-9)
	assert.Len(t, q.Reasons, 1)
}

func TestCheckQuorum_Met(t *testing.T) {
	t.Parallel()

	stats := VoteStats{TotalVotes: 12, UniqueVoters: 12, ParticipationRate: 0.3}
	q := CheckQuorum(stats, DefaultQuorum())
	assert.True(t, q.Met)
	assert.Equal(t, 1.0, q.Confidence)
	assert.Empty(t, q.Reasons)

	empty := CheckQuorum(VoteStats{}, DefaultQuorum())
	assert.False(t, empty.Met)
	assert.False(t, empty.VotesOK)
	assert.Len(t, empty.Reasons, 3)
}

func TestScore_Dampening(t *testing.T) {
	t.Parallel()

	low := Score(80, 0.3, 0.015)
	assert.True(t, low.Dampened)
	assert.InDelta(t, 24, low.Score, 1e-9)
	assert.Equal(t, BandOpposition, low.Band)

	high := Score(80, 0.5, 0.2)
	assert.False(t, high.Dampened)
	assert.InDelta(t, 80, high.Score, 1e-9)
	assert.Equal(t, BandStrongSupport, high.Band)
	// 0.6*0.5 + 0.4*1
	assert.InDelta(t, 0.7, high.Reliability, 1e-9)
}

func TestBandFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  Band
	}{
		{100, BandStrongSupport},
		{80, BandStrongSupport},
		{79.99, BandSupport},
		{60, BandSupport},
		{59.9, BandNeutral},
		{40, BandNeutral},
		{39.9, BandOpposition},
		{20, BandOpposition},
		{19.9, BandStrongOpposition},
		{0, BandStrongOpposition},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.score), "score %v", tt.score)
	}
}

func TestAssess(t *testing.T) {
	t.Parallel()

	met := QuorumResult{Met: true}
	assert.Equal(t, AssessmentInvalid, Assess(QuorumResult{}, Sentiment{Band: BandStrongSupport}))
	assert.Equal(t, AssessmentApprove, Assess(met, Sentiment{Band: BandSupport}))
	assert.Equal(t, AssessmentPending, Assess(met, Sentiment{Band: BandNeutral}))
	assert.Equal(t, AssessmentReject, Assess(met, Sentiment{Band: BandStrongOpposition}))
}

func testPoll() *model.Poll {
	now := time.Now()
	return &model.Poll{
		ID:          "p1",
		Strategy:    model.StrategyHybrid,
		TotalTokens: 1000,
		Status:      model.PollStatusActive,
		StartsAt:    now.Add(-time.Hour),
		EndsAt:      now.Add(time.Hour),
		Options: []model.PollOption{
			{ID: "yes", Label: "Fund it", Value: 100},
			{ID: "no", Label: "Do not fund", Value: 0},
		},
	}
}

func TestEngine_Tally(t *testing.T) {
	t.Parallel()

	poll := testPoll()
	votes := make([]model.CastVote, 0, 12)
	for i := 0; i < 12; i++ {
		opt := "yes"
		if i%4 == 0 {
			opt = "no"
		}
		votes = append(votes, model.CastVote{
			PollID: "p1", VoterID: fmt.Sprintf("v%d", i), OptionID: opt,
			TokenBalance: 10, Reputation: 60,
		})
	}

	res, err := NewEngine(QuorumConfig{}).Tally(poll, votes)
	require.NoError(t, err)

	assert.Equal(t, "p1", res.PollID)
	assert.Equal(t, 12, res.Stats.UniqueVoters)
	assert.InDelta(t, 0.12, res.Stats.ParticipationRate, 1e-9)
	assert.True(t, res.Quorum.Met)
	// Equal weights, 9 of 12 chose 100.
	assert.InDelta(t, 75, res.Sentiment.Score, 1e-9)
	assert.Equal(t, BandSupport, res.Sentiment.Band)
	assert.Equal(t, AssessmentApprove, res.Assessment)
}

func TestEngine_TallyErrors(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultQuorum())
	_, err := e.Tally(testPoll(), nil)
	assert.ErrorIs(t, err, ErrNoVotes)

	_, err = e.Tally(testPoll(), []model.CastVote{{VoterID: "v1", OptionID: "maybe"}})
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestEngine_TallyDoesNotMutateVotes(t *testing.T) {
	t.Parallel()

	votes := []model.CastVote{
		{VoterID: "v1", OptionID: "yes", TokenBalance: 10},
		{VoterID: "v2", OptionID: "no", TokenBalance: 20},
	}
	snapshot := append([]model.CastVote(nil), votes...)

	_, err := NewEngine(DefaultQuorum()).Tally(testPoll(), votes)
	require.NoError(t, err)
	assert.Equal(t, snapshot, votes)
}
