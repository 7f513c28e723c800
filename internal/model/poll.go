package model

import "time"

// VotingStrategy selects how a voter's weight is derived.
type VotingStrategy string

const (
	StrategyTokenWeighted VotingStrategy = "one_token_one_vote"
	StrategyQuadratic     VotingStrategy = "quadratic"
	StrategyReputation    VotingStrategy = "reputation"
	StrategyHybrid        VotingStrategy = "hybrid"
)

// Valid reports whether s is a known strategy.
func (s VotingStrategy) Valid() bool {
	switch s {
	case StrategyTokenWeighted, StrategyQuadratic, StrategyReputation, StrategyHybrid:
		return true
	}
	return false
}

// PollStatus is the state of a community poll.
type PollStatus string

const (
	PollStatusActive PollStatus = "active"
	PollStatusClosed PollStatus = "closed"
)

// PollOption is a choice on a poll. Value is the 0-100 sentiment it carries.
type PollOption struct {
	ID    string  `json:"id" yaml:"id"`
	Label string  `json:"label" yaml:"label"`
	Value float64 `json:"value" yaml:"value"`
}

// Poll is a community sentiment vote attached to a grant.
type Poll struct {
	ID          string         `json:"id"`
	GrantID     string         `json:"grant_id"`
	Question    string         `json:"question"`
	Strategy    VotingStrategy `json:"strategy"`
	Options     []PollOption   `json:"options"`
	TotalTokens float64        `json:"total_tokens"`
	AllowRevote bool           `json:"allow_revote"`
	Status      PollStatus     `json:"status"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      time.Time      `json:"ends_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Option looks up an option by ID.
func (p *Poll) Option(id string) (PollOption, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return PollOption{}, false
}

// Open reports whether the poll accepts votes at t.
func (p *Poll) Open(t time.Time) bool {
	return p.Status == PollStatusActive && !t.Before(p.StartsAt) && t.Before(p.EndsAt)
}

// CastVote is a voter's ballot with balances captured at cast time.
type CastVote struct {
	PollID       string    `json:"poll_id"`
	VoterID      string    `json:"voter_id"`
	OptionID     string    `json:"option_id"`
	TokenBalance float64   `json:"token_balance"`
	Reputation   float64   `json:"reputation"`
	CastAt       time.Time `json:"cast_at"`
}
