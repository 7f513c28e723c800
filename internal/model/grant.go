package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GrantStatus represents the lifecycle state of a grant.
type GrantStatus string

const (
	GrantStatusPending         GrantStatus = "pending"
	GrantStatusUnderEvaluation GrantStatus = "under_evaluation"
	GrantStatusUnderReview     GrantStatus = "under_review"
	GrantStatusApproved        GrantStatus = "approved"
	GrantStatusActive          GrantStatus = "active"
	GrantStatusCompleted       GrantStatus = "completed"
	GrantStatusRejected        GrantStatus = "rejected"
	GrantStatusCancelled       GrantStatus = "cancelled"
)

// Valid reports whether s is a known grant status.
func (s GrantStatus) Valid() bool {
	switch s {
	case GrantStatusPending, GrantStatusUnderEvaluation, GrantStatusUnderReview,
		GrantStatusApproved, GrantStatusActive, GrantStatusCompleted,
		GrantStatusRejected, GrantStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no ordinary transition leaves s.
func (s GrantStatus) Terminal() bool {
	return s == GrantStatusCompleted || s == GrantStatusRejected || s == GrantStatusCancelled
}

// Verdict is the tri-state outcome of grant scoring.
type Verdict string

const (
	VerdictNone      Verdict = ""
	VerdictApprove   Verdict = "approve"
	VerdictReject    Verdict = "reject"
	VerdictUndecided Verdict = "undecided"
)

// Grant is a funding proposal moving through evaluation, review and payout.
type Grant struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Applicant       string          `json:"applicant"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Currency        string          `json:"currency"`
	Schedule        []MilestoneSpec `json:"schedule,omitempty"`
	Status          GrantStatus     `json:"status"`

	// Score fields are written together from one aggregation result.
	OverallScore     *float64 `json:"overall_score,omitempty"`
	ConsensusReached bool     `json:"consensus_reached"`
	Verdict          Verdict  `json:"verdict,omitempty"`

	ResubmissionOf      string     `json:"resubmission_of,omitempty"`
	EvaluationStartedAt *time.Time `json:"evaluation_started_at,omitempty"`
	EvaluatedAt         *time.Time `json:"evaluated_at,omitempty"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Proposal returns the view of the grant handed to scorers.
func (g *Grant) Proposal() Proposal {
	return Proposal{
		GrantID:         g.ID,
		Title:           g.Title,
		Description:     g.Description,
		Applicant:       g.Applicant,
		RequestedAmount: g.RequestedAmount,
		Currency:        g.Currency,
		Schedule:        g.Schedule,
	}
}

// Proposal is the scorer-facing snapshot of a grant.
type Proposal struct {
	GrantID         string          `json:"grant_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Applicant       string          `json:"applicant"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Currency        string          `json:"currency"`
	Schedule        []MilestoneSpec `json:"schedule,omitempty"`
}

// GrantFilter controls listing of grants.
type GrantFilter struct {
	Status    GrantStatus
	Applicant string
	Limit     int
	Offset    int
}
