package workflow

import (
	"time"

	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/model"
)

// Policy controls how completed evaluations move a grant.
type Policy struct {
	// RequireHumanReview routes every completed evaluation through
	// under_review. When false a Reject verdict finalizes immediately and an
	// Approve verdict is eligible for automatic approval.
	RequireHumanReview bool
}

// DefaultPolicy sends every evaluation to human review.
func DefaultPolicy() Policy {
	return Policy{RequireHumanReview: true}
}

func moveGrant(g *model.Grant, to model.GrantStatus, actor, reason string, now time.Time) *model.StatusEvent {
	ev := &model.StatusEvent{
		EntityType: model.EntityGrant,
		EntityID:   g.ID,
		From:       string(g.Status),
		To:         string(to),
		Actor:      actor,
		Reason:     reason,
		Kind:       model.EventTransition,
		CreatedAt:  now,
	}
	g.Status = to
	g.UpdatedAt = now
	return ev
}

// StartEvaluation moves a pending grant to under_evaluation.
func StartEvaluation(g *model.Grant, now time.Time) (*model.StatusEvent, error) {
	if g.Status != model.GrantStatusPending {
		return nil, grantErr(g, "start evaluation", ErrPrecondition, "grant is not pending")
	}
	g.EvaluationStartedAt = &now
	return moveGrant(g, model.GrantStatusUnderEvaluation, "system", "scorer panel started", now), nil
}

// ApplyEvaluation records an aggregation result on the grant.
//
// Under evaluation, the score fields are set and the grant moves to
// under_review, or to rejected when the policy allows auto-finalizing a
// Reject verdict. Under review, the score fields are refreshed in place.
// Later states are left untouched so a re-run never moves a grant backward.
// The returned event is nil when the status did not change.
func ApplyEvaluation(g *model.Grant, res consensus.Result, policy Policy, now time.Time) (*model.StatusEvent, error) {
	switch g.Status {
	case model.GrantStatusPending:
		return nil, grantErr(g, "apply evaluation", ErrPrecondition, "evaluation has not started")
	case model.GrantStatusUnderEvaluation:
		setScore(g, res, now)
		if !policy.RequireHumanReview && res.Verdict == model.VerdictReject {
			g.DecidedAt = &now
			return moveGrant(g, model.GrantStatusRejected, "system", "evaluation verdict reject", now), nil
		}
		return moveGrant(g, model.GrantStatusUnderReview, "system", "evaluation verdict "+string(res.Verdict), now), nil
	case model.GrantStatusUnderReview:
		setScore(g, res, now)
		return nil, nil
	default:
		return nil, nil
	}
}

func setScore(g *model.Grant, res consensus.Result, now time.Time) {
	score := res.OverallScore
	g.OverallScore = &score
	g.ConsensusReached = res.ConsensusReached
	g.Verdict = res.Verdict
	g.EvaluatedAt = &now
	g.UpdatedAt = now
}

// AutoApprovable reports whether policy lets the system approve the grant
// without an admin.
func AutoApprovable(g *model.Grant, policy Policy) bool {
	return !policy.RequireHumanReview &&
		g.Status == model.GrantStatusUnderReview &&
		g.Verdict == model.VerdictApprove
}

// Approve moves a grant under review to approved, materializes its
// milestones and activates it. On any failure the grant is unchanged and
// no milestones are returned.
func Approve(g *model.Grant, pm model.PaymentModel, actor, reason string, now time.Time) ([]model.Milestone, []*model.StatusEvent, error) {
	if g.Status != model.GrantStatusUnderReview {
		return nil, nil, grantErr(g, "approve", ErrPrecondition, "grant is not under review")
	}
	if g.OverallScore == nil {
		return nil, nil, grantErr(g, "approve", ErrPrecondition, "grant has no evaluation score")
	}
	if actor == "" {
		return nil, nil, grantErr(g, "approve", ErrValidation, "actor is required")
	}
	milestones, err := Materialize(g, g.Schedule, pm, now)
	if err != nil {
		return nil, nil, err
	}

	g.DecidedAt = &now
	approved := moveGrant(g, model.GrantStatusApproved, actor, reason, now)
	active := moveGrant(g, model.GrantStatusActive, "system", "milestones materialized", now)
	return milestones, []*model.StatusEvent{approved, active}, nil
}

// Reject moves a grant under review to rejected. Rejected is terminal;
// the applicant may resubmit as a new grant.
func Reject(g *model.Grant, actor, reason string, now time.Time) (*model.StatusEvent, error) {
	if g.Status != model.GrantStatusUnderReview {
		return nil, grantErr(g, "reject", ErrPrecondition, "grant is not under review")
	}
	if actor == "" {
		return nil, grantErr(g, "reject", ErrValidation, "actor is required")
	}
	g.DecidedAt = &now
	return moveGrant(g, model.GrantStatusRejected, actor, reason, now), nil
}

// Cancel stops a grant that has not reached a terminal state.
func Cancel(g *model.Grant, actor, reason string, now time.Time) (*model.StatusEvent, error) {
	if g.Status.Terminal() {
		return nil, grantErr(g, "cancel", ErrPrecondition, "grant is already %s", g.Status)
	}
	if actor == "" || reason == "" {
		return nil, grantErr(g, "cancel", ErrValidation, "actor and reason are required")
	}
	return moveGrant(g, model.GrantStatusCancelled, actor, reason, now), nil
}

// Complete closes an active grant once every milestone is paid.
func Complete(g *model.Grant, milestones []model.Milestone, now time.Time) (*model.StatusEvent, error) {
	if g.Status != model.GrantStatusActive {
		return nil, grantErr(g, "complete", ErrPrecondition, "grant is not active")
	}
	if len(milestones) == 0 {
		return nil, grantErr(g, "complete", ErrPrecondition, "grant has no milestones")
	}
	for _, m := range milestones {
		if m.Status != model.MilestoneStatusPaid {
			return nil, grantErr(g, "complete", ErrPrecondition, "milestone %d is %s", m.Number, m.Status)
		}
	}
	return moveGrant(g, model.GrantStatusCompleted, "system", "all milestones paid", now), nil
}

// CheckResubmission verifies that prev may be resubmitted as a new grant.
func CheckResubmission(prev *model.Grant) error {
	if prev.Status != model.GrantStatusRejected {
		return grantErr(prev, "resubmit", ErrPrecondition, "only rejected grants can be resubmitted")
	}
	return nil
}
