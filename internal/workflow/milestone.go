package workflow

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sells-group/grant-review/internal/model"
)

func moveMilestone(m *model.Milestone, to model.MilestoneStatus, actor, reason string, now time.Time) *model.StatusEvent {
	ev := &model.StatusEvent{
		EntityType: model.EntityMilestone,
		EntityID:   m.ID,
		From:       string(m.Status),
		To:         string(to),
		Actor:      actor,
		Reason:     reason,
		Kind:       model.EventTransition,
		CreatedAt:  now,
	}
	m.Status = to
	m.UpdatedAt = now
	return ev
}

// Materialize builds the milestone set for a grant from its funding
// schedule. Milestones are numbered from 1. Under the sequential model only
// the first starts active; under the parallel model all do.
func Materialize(g *model.Grant, specs []model.MilestoneSpec, pm model.PaymentModel, now time.Time) ([]model.Milestone, error) {
	if !pm.Valid() {
		return nil, grantErr(g, "materialize milestones", ErrValidation, "unknown payment model %q", pm)
	}
	if len(specs) == 0 {
		return nil, grantErr(g, "materialize milestones", ErrValidation, "funding schedule is empty")
	}
	for i, s := range specs {
		if strings.TrimSpace(s.Title) == "" {
			return nil, grantErr(g, "materialize milestones", ErrValidation, "milestone %d has no title", i+1)
		}
		if !s.Amount.IsPositive() {
			return nil, grantErr(g, "materialize milestones", ErrValidation, "milestone %d amount must be positive", i+1)
		}
	}
	if total := model.ScheduleTotal(specs); total.GreaterThan(g.RequestedAmount) {
		return nil, grantErr(g, "materialize milestones", ErrPrecondition,
			"milestone total %s exceeds requested amount %s", total, g.RequestedAmount)
	}

	out := make([]model.Milestone, len(specs))
	for i, s := range specs {
		status := model.MilestoneStatusPending
		if pm == model.PaymentParallel || i == 0 {
			status = model.MilestoneStatusActive
		}
		out[i] = model.Milestone{
			ID:          uuid.NewString(),
			GrantID:     g.ID,
			Number:      i + 1,
			Title:       s.Title,
			Description: s.Description,
			Amount:      s.Amount,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return out, nil
}

// CheckAmounts verifies that milestone amounts fit within the requested
// amount.
func CheckAmounts(g *model.Grant, milestones []model.Milestone) error {
	total := decimal.Zero
	for _, m := range milestones {
		total = total.Add(m.Amount)
	}
	if total.GreaterThan(g.RequestedAmount) {
		return grantErr(g, "update milestones", ErrPrecondition,
			"milestone total %s exceeds requested amount %s", total, g.RequestedAmount)
	}
	return nil
}

// Submit records proof of work on an active milestone and opens a new
// submission cycle. Any previous decision stops being current.
func Submit(m *model.Milestone, proofURL, notes string, now time.Time) (*model.StatusEvent, error) {
	if m.Status != model.MilestoneStatusActive {
		return nil, milestoneErr(m, "submit", ErrPrecondition, "milestone is not active")
	}
	proofURL, notes = strings.TrimSpace(proofURL), strings.TrimSpace(notes)
	if proofURL == "" || notes == "" {
		return nil, milestoneErr(m, "submit", ErrValidation, "proof URL and submission notes are required")
	}

	m.ProofURL = proofURL
	m.SubmissionNotes = notes
	m.SubmittedAt = &now
	m.SubmissionCycle++
	m.CurrentDecisionID = ""
	m.AdminReviewed = false
	m.Reviews = model.ReviewStats{}
	return moveMilestone(m, model.MilestoneStatusSubmitted, "applicant", "work submitted", now), nil
}

// Decide applies an admin decision to a submitted milestone. Agent reviews
// are advisory; the decision alone moves the milestone.
func Decide(m *model.Milestone, d *model.MilestoneDecision, now time.Time) (*model.StatusEvent, error) {
	if m.Status != model.MilestoneStatusSubmitted {
		return nil, milestoneErr(m, "decide", ErrPrecondition, "milestone is not submitted")
	}
	switch {
	case !d.Decision.Valid():
		return nil, milestoneErr(m, "decide", ErrValidation, "unknown decision %q", d.Decision)
	case d.AdminID == "":
		return nil, milestoneErr(m, "decide", ErrValidation, "admin is required")
	case d.PaymentAuthorized && d.Decision != model.DecisionApproved:
		return nil, milestoneErr(m, "decide", ErrValidation, "payment can only be authorized on approval")
	case d.Cycle != m.SubmissionCycle:
		return nil, milestoneErr(m, "decide", ErrPrecondition,
			"decision is for cycle %d, milestone is on cycle %d", d.Cycle, m.SubmissionCycle)
	}

	m.CurrentDecisionID = d.ID
	m.AdminReviewed = true
	m.PaymentAuthorized = d.PaymentAuthorized
	return moveMilestone(m, d.Decision.Status(), d.AdminID, d.Feedback, now), nil
}

// AuthorizePayment marks an approved milestone as payable.
func AuthorizePayment(m *model.Milestone, actor string, now time.Time) error {
	if m.Status != model.MilestoneStatusApproved {
		return milestoneErr(m, "authorize payment", ErrPrecondition, "milestone is not approved")
	}
	if actor == "" {
		return milestoneErr(m, "authorize payment", ErrValidation, "actor is required")
	}
	m.PaymentAuthorized = true
	m.UpdatedAt = now
	return nil
}

// RecordPayment settles an approved, authorized milestone. Recording the
// same hash twice is a no-op and returns a nil event.
func RecordPayment(m *model.Milestone, txHash string, now time.Time) (*model.StatusEvent, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, milestoneErr(m, "record payment", ErrValidation, "transaction hash is required")
	}
	if m.Status == model.MilestoneStatusPaid {
		if m.PaymentTxHash == txHash {
			return nil, nil
		}
		return nil, milestoneErr(m, "record payment", ErrPrecondition, "milestone already paid by %s", m.PaymentTxHash)
	}
	if m.Status != model.MilestoneStatusApproved {
		return nil, milestoneErr(m, "record payment", ErrPrecondition, "milestone is not approved")
	}
	if !m.PaymentAuthorized {
		return nil, milestoneErr(m, "record payment", ErrPrecondition, "payment is not authorized")
	}

	m.PaymentTxHash = txHash
	m.PaidAt = &now
	return moveMilestone(m, model.MilestoneStatusPaid, "system", "payment "+txHash, now), nil
}

// Resume reopens a milestone for resubmission after a revision request.
// Prior reviews and decisions stay in history under their cycle.
func Resume(m *model.Milestone, actor string, now time.Time) (*model.StatusEvent, error) {
	if m.Status != model.MilestoneStatusRevisionRequested {
		return nil, milestoneErr(m, "resume", ErrPrecondition, "milestone has no pending revision request")
	}
	clearSubmission(m)
	return moveMilestone(m, model.MilestoneStatusActive, actor, "revision started", now), nil
}

// Reopen lets an admin give a rejected milestone another submission cycle.
func Reopen(m *model.Milestone, actor, reason string, now time.Time) (*model.StatusEvent, error) {
	if m.Status != model.MilestoneStatusRejected {
		return nil, milestoneErr(m, "reopen", ErrPrecondition, "milestone is not rejected")
	}
	if actor == "" || reason == "" {
		return nil, milestoneErr(m, "reopen", ErrValidation, "actor and reason are required")
	}
	clearSubmission(m)
	return moveMilestone(m, model.MilestoneStatusActive, actor, reason, now), nil
}

func clearSubmission(m *model.Milestone) {
	m.ProofURL = ""
	m.SubmissionNotes = ""
	m.SubmittedAt = nil
	m.AdminReviewed = false
	m.PaymentAuthorized = false
}

// Activate opens a pending milestone for work.
func Activate(m *model.Milestone, now time.Time) (*model.StatusEvent, error) {
	if m.Status != model.MilestoneStatusPending {
		return nil, milestoneErr(m, "activate", ErrPrecondition, "milestone is not pending")
	}
	return moveMilestone(m, model.MilestoneStatusActive, "system", "previous milestone paid", now), nil
}

// NextToActivate returns the milestone that should open next under the
// sequential model: the lowest-numbered pending one once every earlier
// milestone is paid. It returns nil under the parallel model or when an
// earlier milestone is still in progress.
func NextToActivate(milestones []model.Milestone, pm model.PaymentModel) *model.Milestone {
	if pm != model.PaymentSequential {
		return nil
	}
	ordered := make([]*model.Milestone, len(milestones))
	for i := range milestones {
		ordered[i] = &milestones[i]
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	for _, m := range ordered {
		switch m.Status {
		case model.MilestoneStatusPaid:
			continue
		case model.MilestoneStatusPending:
			return m
		default:
			return nil
		}
	}
	return nil
}

// NeedsReconciliation reports whether a payment was authorized but never
// recorded.
func NeedsReconciliation(m *model.Milestone) bool {
	return m.Status == model.MilestoneStatusApproved && m.PaymentAuthorized && m.PaymentTxHash == ""
}

// ApplyPatch edits milestone fields before work is submitted. The caller
// re-checks the grant-level amount invariant.
func ApplyPatch(m *model.Milestone, p model.MilestonePatch, now time.Time) error {
	if m.Status != model.MilestoneStatusPending && m.Status != model.MilestoneStatusActive {
		return milestoneErr(m, "update", ErrPrecondition, "milestone can only be edited before submission")
	}
	if p.Empty() {
		return milestoneErr(m, "update", ErrValidation, "no fields to update")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return milestoneErr(m, "update", ErrValidation, "title cannot be empty")
	}
	if p.Amount != nil && !p.Amount.IsPositive() {
		return milestoneErr(m, "update", ErrValidation, "amount must be positive")
	}

	if p.Title != nil {
		m.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		m.Description = *p.Description
	}
	if p.Amount != nil {
		m.Amount = *p.Amount
	}
	m.UpdatedAt = now
	return nil
}
