package scorer

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/voting"
)

// ErrNoPoll is returned by the community scorer when the grant has no poll.
var ErrNoPoll = eris.New("scorer: no community poll")

// PollSource reads polls and their votes.
type PollSource interface {
	ListPolls(ctx context.Context, grantID string) ([]model.Poll, error)
	ListVotes(ctx context.Context, pollID string) ([]model.CastVote, error)
}

// CommunityScorer reports the sentiment of the grant's most recent poll as
// the community agent's evaluation.
type CommunityScorer struct {
	polls  PollSource
	engine *voting.Engine
}

// NewCommunityScorer creates a CommunityScorer.
func NewCommunityScorer(polls PollSource, engine *voting.Engine) *CommunityScorer {
	return &CommunityScorer{polls: polls, engine: engine}
}

// Name implements Scorer.
func (s *CommunityScorer) Name() model.AgentName { return model.AgentCommunity }

// Evaluate implements Scorer. A grant without a poll or without votes has
// no community evaluation.
func (s *CommunityScorer) Evaluate(ctx context.Context, p model.Proposal) (*Result, error) {
	polls, err := s.polls.ListPolls(ctx, p.GrantID)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: community: list polls")
	}
	if len(polls) == 0 {
		return nil, eris.Wrapf(ErrNoPoll, "grant %s", p.GrantID)
	}
	poll := &polls[0] // newest first

	votes, err := s.polls.ListVotes(ctx, poll.ID)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: community: list votes")
	}
	tally, err := s.engine.Tally(poll, votes)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: community")
	}
	return FromTally(tally), nil
}

// FromTally converts a poll tally into an evaluation. Sentiment 0..100 maps
// linearly onto -1..1 and reliability becomes the confidence.
func FromTally(t *voting.PollResult) *Result {
	res := &Result{
		Score:      clamp(t.Sentiment.Score/50-1, -1, 1),
		Confidence: clamp(t.Sentiment.Reliability, 0, 1),
		Vote:       model.VoteAbstain,
		Rationale: fmt.Sprintf("poll %s: sentiment %.1f (%s), %d voters, quorum met: %t",
			t.PollID, t.Sentiment.Score, t.Sentiment.Band, t.Stats.UniqueVoters, t.Quorum.Met),
	}
	switch t.Assessment {
	case voting.AssessmentApprove:
		res.Vote = model.VoteApprove
	case voting.AssessmentReject:
		res.Vote = model.VoteReject
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
