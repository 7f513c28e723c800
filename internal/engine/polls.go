package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

// NewPoll opens a community poll on a grant. A zero StartsAt means now
// and a zero EndsAt uses the configured poll duration.
type NewPoll struct {
	GrantID     string               `json:"grant_id"`
	Question    string               `json:"question"`
	Strategy    model.VotingStrategy `json:"strategy"`
	Options     []model.PollOption   `json:"options"`
	TotalTokens float64              `json:"total_tokens"`
	AllowRevote *bool                `json:"allow_revote,omitempty"`
	StartsAt    time.Time            `json:"starts_at"`
	EndsAt      time.Time            `json:"ends_at"`
}

func (n NewPoll) validate() error {
	switch {
	case strings.TrimSpace(n.Question) == "":
		return invalid("question is required")
	case !n.Strategy.Valid():
		return invalid("unknown voting strategy %q", n.Strategy)
	case n.TotalTokens < 0:
		return invalid("total tokens cannot be negative")
	case len(n.Options) < 2:
		return invalid("a poll needs at least two options")
	}
	seen := make(map[string]bool, len(n.Options))
	for _, o := range n.Options {
		if o.ID == "" {
			return invalid("option %q has no id", o.Label)
		}
		if seen[o.ID] {
			return invalid("duplicate option %q", o.ID)
		}
		seen[o.ID] = true
		if o.Value < 0 || o.Value > 100 {
			return invalid("option %q value %.1f outside [0, 100]", o.ID, o.Value)
		}
	}
	return nil
}

// CreatePoll opens a poll on an existing grant.
func (e *Engine) CreatePoll(ctx context.Context, n NewPoll) (*model.Poll, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	g, err := e.store.GetGrant(ctx, n.GrantID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, grantPrecondition(g, "create poll", "grant is %s", g.Status)
	}

	now := e.now()
	p := &model.Poll{
		ID:          uuid.NewString(),
		GrantID:     g.ID,
		Question:    strings.TrimSpace(n.Question),
		Strategy:    n.Strategy,
		Options:     n.Options,
		TotalTokens: n.TotalTokens,
		AllowRevote: e.opts.AllowRevote,
		Status:      model.PollStatusActive,
		StartsAt:    n.StartsAt,
		EndsAt:      n.EndsAt,
		CreatedAt:   now,
	}
	if n.AllowRevote != nil {
		p.AllowRevote = *n.AllowRevote
	}
	if p.StartsAt.IsZero() {
		p.StartsAt = now
	}
	if p.EndsAt.IsZero() {
		p.EndsAt = p.StartsAt.Add(e.opts.PollDuration)
	}
	if !p.EndsAt.After(p.StartsAt) {
		return nil, invalid("poll must end after it starts")
	}
	if err := e.store.CreatePoll(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Ballot is a vote request.
type Ballot struct {
	VoterID      string  `json:"voter_id"`
	OptionID     string  `json:"option_id"`
	TokenBalance float64 `json:"token_balance"`
	Reputation   float64 `json:"reputation"`
}

// CastVote records a ballot on an open poll. Balances are captured as
// given at cast time.
func (e *Engine) CastVote(ctx context.Context, pollID string, b Ballot) (*model.CastVote, error) {
	switch {
	case strings.TrimSpace(b.VoterID) == "":
		return nil, invalid("voter id is required")
	case b.TokenBalance < 0 || b.Reputation < 0:
		return nil, invalid("balances cannot be negative")
	}
	p, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if !p.Open(now) {
		return nil, pollPrecondition(p, "vote", "poll is not open")
	}
	if _, ok := p.Option(b.OptionID); !ok {
		return nil, invalid("poll %s has no option %q", p.ID, b.OptionID)
	}
	v := model.CastVote{
		PollID:       p.ID,
		VoterID:      strings.TrimSpace(b.VoterID),
		OptionID:     b.OptionID,
		TokenBalance: b.TokenBalance,
		Reputation:   b.Reputation,
		CastAt:       now,
	}
	if err := e.store.CastVote(ctx, v, p.AllowRevote); err != nil {
		if errors.Is(err, store.ErrDuplicateVote) {
			return nil, pollPrecondition(p, "vote", "voter %s already voted", v.VoterID)
		}
		return nil, err
	}
	return &v, nil
}

// TallyPoll computes the current result of a poll.
func (e *Engine) TallyPoll(ctx context.Context, pollID string) (*voting.PollResult, error) {
	p, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	votes, err := e.store.ListVotes(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return e.voting.Tally(p, votes)
}

// ClosePoll stops a poll from taking votes and returns its final tally.
// The tally is nil when nobody voted.
func (e *Engine) ClosePoll(ctx context.Context, pollID, actor string) (*model.Poll, *voting.PollResult, error) {
	p, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != model.PollStatusActive {
		return nil, nil, pollPrecondition(p, "close", "poll is already closed")
	}
	if actor == "" {
		actor = "system"
	}
	ev := &model.StatusEvent{
		EntityType: model.EntityPoll,
		EntityID:   p.ID,
		From:       string(model.PollStatusActive),
		To:         string(model.PollStatusClosed),
		Actor:      actor,
		Reason:     "poll closed",
		Kind:       model.EventTransition,
		CreatedAt:  e.now(),
	}
	if err := e.store.ClosePoll(ctx, p.ID, ev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, pollPrecondition(p, "close", "poll is already closed")
		}
		return nil, nil, err
	}
	p.Status = model.PollStatusClosed

	res, err := e.TallyPoll(ctx, p.ID)
	if errors.Is(err, voting.ErrNoVotes) {
		return p, nil, nil
	}
	if err != nil {
		return p, nil, err
	}
	return p, res, nil
}

// ListPolls returns a grant's polls, newest first.
func (e *Engine) ListPolls(ctx context.Context, grantID string) ([]model.Poll, error) {
	return e.store.ListPolls(ctx, grantID)
}

// GetPoll returns a poll.
func (e *Engine) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	return e.store.GetPoll(ctx, id)
}

func pollPrecondition(p *model.Poll, attempted, format string, args ...any) error {
	return &workflow.TransitionError{
		Entity:    model.EntityPoll,
		ID:        p.ID,
		Current:   string(p.Status),
		Attempted: attempted,
		Reason:    fmt.Sprintf(format, args...),
		Kind:      workflow.ErrPrecondition,
	}
}
