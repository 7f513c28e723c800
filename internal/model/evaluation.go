package model

import "time"

// AgentName identifies a scorer on the evaluation panel.
type AgentName string

const (
	AgentTechnical    AgentName = "technical"
	AgentImpact       AgentName = "impact"
	AgentDueDiligence AgentName = "due_diligence"
	AgentBudget       AgentName = "budget"
	AgentCommunity    AgentName = "community"
)

// Vote is a scorer's recommendation on a grant.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

// Valid reports whether v is a known vote.
func (v Vote) Valid() bool {
	return v == VoteApprove || v == VoteReject || v == VoteAbstain
}

// AgentEvaluation is one scorer's completed evaluation of a grant.
// At most one exists per (grant, agent); a re-run replaces it.
type AgentEvaluation struct {
	GrantID     string    `json:"grant_id"`
	AgentName   AgentName `json:"agent_name"`
	Score       float64   `json:"score"`
	Vote        Vote      `json:"vote"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
