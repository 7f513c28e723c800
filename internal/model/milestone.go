package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MilestoneStatus represents the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneStatusPending           MilestoneStatus = "pending"
	MilestoneStatusActive            MilestoneStatus = "active"
	MilestoneStatusSubmitted         MilestoneStatus = "submitted"
	MilestoneStatusApproved          MilestoneStatus = "approved"
	MilestoneStatusRejected          MilestoneStatus = "rejected"
	MilestoneStatusRevisionRequested MilestoneStatus = "revision_requested"
	MilestoneStatusPaid              MilestoneStatus = "paid"
)

// Valid reports whether s is a known milestone status.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestoneStatusPending, MilestoneStatusActive, MilestoneStatusSubmitted,
		MilestoneStatusApproved, MilestoneStatusRejected,
		MilestoneStatusRevisionRequested, MilestoneStatusPaid:
		return true
	}
	return false
}

// PaymentModel controls how many milestones may be active at once.
type PaymentModel string

const (
	PaymentSequential PaymentModel = "sequential"
	PaymentParallel   PaymentModel = "parallel"
)

// Valid reports whether m is a known payment model.
func (m PaymentModel) Valid() bool {
	return m == PaymentSequential || m == PaymentParallel
}

// MilestoneSpec is one entry of a proposal's funding schedule.
type MilestoneSpec struct {
	Title       string          `json:"title" yaml:"title"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Amount      decimal.Decimal `json:"amount" yaml:"amount"`
}

// Milestone is a payable deliverable of an approved grant.
type Milestone struct {
	ID          string          `json:"id"`
	GrantID     string          `json:"grant_id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Status      MilestoneStatus `json:"status"`

	ProofURL        string     `json:"proof_url,omitempty"`
	SubmissionNotes string     `json:"submission_notes,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	SubmissionCycle int        `json:"submission_cycle"`

	AdminReviewed     bool        `json:"admin_reviewed"`
	CurrentDecisionID string      `json:"current_decision_id,omitempty"`
	Reviews           ReviewStats `json:"reviews"`

	PaymentAuthorized bool       `json:"payment_authorized"`
	PaymentTxHash     string     `json:"payment_tx_hash,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recommendation is an agent's advice on a milestone submission.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReject  Recommendation = "reject"
	RecommendRevise  Recommendation = "revise"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	return r == RecommendApprove || r == RecommendReject || r == RecommendRevise
}

// AgentMilestoneReview is one agent's review of one submission cycle.
type AgentMilestoneReview struct {
	MilestoneID     string         `json:"milestone_id"`
	AgentName       AgentName      `json:"agent_name"`
	Cycle           int            `json:"cycle"`
	Recommendation  Recommendation `json:"recommendation"`
	ReviewScore     *float64       `json:"review_score,omitempty"`
	Confidence      float64        `json:"confidence"`
	Strengths       []string       `json:"strengths,omitempty"`
	Weaknesses      []string       `json:"weaknesses,omitempty"`
	Suggestions     []string       `json:"suggestions,omitempty"`
	DeliverablesMet bool           `json:"deliverables_met"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ReviewStats summarizes agent reviews. AvgScore is nil when no review
// carried a score.
type ReviewStats struct {
	Total      int      `json:"total"`
	Approvals  int      `json:"approvals"`
	Rejections int      `json:"rejections"`
	Revisions  int      `json:"revisions"`
	Scored     int      `json:"scored"`
	AvgScore   *float64 `json:"avg_score,omitempty"`
}

// Decision is an admin's ruling on a milestone submission.
type Decision string

const (
	DecisionApproved          Decision = "approved"
	DecisionRejected          Decision = "rejected"
	DecisionRevisionRequested Decision = "revision_requested"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionRevisionRequested
}

// Status returns the milestone status the decision moves to.
func (d Decision) Status() MilestoneStatus {
	switch d {
	case DecisionApproved:
		return MilestoneStatusApproved
	case DecisionRejected:
		return MilestoneStatusRejected
	default:
		return MilestoneStatusRevisionRequested
	}
}

// MilestoneDecision is an immutable entry in a milestone's decision history.
type MilestoneDecision struct {
	ID                string      `json:"id"`
	MilestoneID       string      `json:"milestone_id"`
	Cycle             int         `json:"cycle"`
	Decision          Decision    `json:"decision"`
	AdminID           string      `json:"admin_id"`
	Feedback          string      `json:"feedback,omitempty"`
	Stats             ReviewStats `json:"stats"`
	OverrideAgents    bool        `json:"override_agents"`
	PaymentAuthorized bool        `json:"payment_authorized"`
	CreatedAt         time.Time   `json:"created_at"`
}

// MilestonePatch is the set of milestone fields an admin may edit before
// work is submitted. Nil fields are left unchanged.
type MilestonePatch struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MilestonePatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Amount == nil
}
