package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/scorer"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

// NewGrant is an application for funding.
type NewGrant struct {
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Applicant       string                `json:"applicant"`
	RequestedAmount decimal.Decimal       `json:"requested_amount"`
	Currency        string                `json:"currency"`
	Schedule        []model.MilestoneSpec `json:"schedule"`
	ResubmissionOf  string                `json:"resubmission_of,omitempty"`
}

func (n NewGrant) validate() error {
	switch {
	case strings.TrimSpace(n.Title) == "":
		return invalid("title is required")
	case strings.TrimSpace(n.Applicant) == "":
		return invalid("applicant is required")
	case !n.RequestedAmount.IsPositive():
		return invalid("requested amount must be positive")
	}
	for i, s := range n.Schedule {
		if strings.TrimSpace(s.Title) == "" {
			return invalid("schedule entry %d has no title", i+1)
		}
		if !s.Amount.IsPositive() {
			return invalid("schedule entry %d amount must be positive", i+1)
		}
	}
	if total := model.ScheduleTotal(n.Schedule); total.GreaterThan(n.RequestedAmount) {
		return invalid("schedule total %s exceeds requested amount %s", total, n.RequestedAmount)
	}
	return nil
}

// SubmitGrant stores a new pending grant.
func (e *Engine) SubmitGrant(ctx context.Context, n NewGrant) (*model.Grant, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if n.ResubmissionOf != "" {
		prev, err := e.store.GetGrant(ctx, n.ResubmissionOf)
		if err != nil {
			return nil, err
		}
		if err := workflow.CheckResubmission(prev); err != nil {
			return nil, err
		}
	}
	if n.Currency == "" {
		n.Currency = "USD"
	}

	now := e.now()
	g := &model.Grant{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(n.Title),
		Description:     n.Description,
		Applicant:       strings.TrimSpace(n.Applicant),
		RequestedAmount: n.RequestedAmount,
		Currency:        strings.ToUpper(n.Currency),
		Schedule:        n.Schedule,
		Status:          model.GrantStatusPending,
		ResubmissionOf:  n.ResubmissionOf,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := &model.StatusEvent{
		EntityType: model.EntityGrant,
		EntityID:   g.ID,
		To:         string(model.GrantStatusPending),
		Actor:      g.Applicant,
		Reason:     "submitted",
		Kind:       model.EventTransition,
		CreatedAt:  now,
	}
	if err := e.store.CreateGrant(ctx, g, ev); err != nil {
		return nil, err
	}
	zap.L().Info("grant submitted", zap.String("grant_id", g.ID), zap.String("applicant", g.Applicant))
	return g, nil
}

// StartEvaluation moves a pending grant to under_evaluation.
func (e *Engine) StartEvaluation(ctx context.Context, id string) (*model.Grant, error) {
	var out *model.Grant
	err := e.update(ctx, "start evaluation", func(ctx context.Context) error {
		g, err := e.store.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		ev, err := workflow.StartEvaluation(g, e.now())
		if err != nil {
			return err
		}
		cs := &store.Changeset{Grant: g}
		cs.AddEvent(ev)
		if err := e.commit(ctx, cs, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// RecordEvaluation stores one agent's evaluation. A later evaluation from
// the same agent replaces the earlier one.
func (e *Engine) RecordEvaluation(ctx context.Context, ev model.AgentEvaluation) error {
	res := scorer.Result{Score: ev.Score, Vote: ev.Vote, Confidence: ev.Confidence}
	if err := res.Validate(); err != nil {
		return eris.Wrapf(workflow.ErrValidation, "%v", err)
	}
	if ev.AgentName == "" {
		return invalid("agent name is required")
	}
	g, err := e.store.GetGrant(ctx, ev.GrantID)
	if err != nil {
		return err
	}
	if g.Status == model.GrantStatusPending {
		return grantPrecondition(g, "record evaluation", "evaluation has not started")
	}
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = e.now()
	}
	return e.store.UpsertEvaluations(ctx, []model.AgentEvaluation{ev})
}

// FinalizeEvaluation aggregates the stored evaluations of a grant and
// applies the result. Running it again refreshes the score while the grant
// is under review and changes nothing once it has been decided.
func (e *Engine) FinalizeEvaluation(ctx context.Context, id string) (*model.Grant, *consensus.Result, error) {
	var (
		out *model.Grant
		res consensus.Result
	)
	err := e.update(ctx, "finalize evaluation", func(ctx context.Context) error {
		g, err := e.store.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		evals, err := e.store.ListEvaluations(ctx, id)
		if err != nil {
			return err
		}
		res, err = consensus.Aggregate(evals, e.opts.Weights, e.opts.MinPassingScore, e.opts.ConsensusThreshold)
		if err != nil {
			return err
		}
		if e.opts.RequireCompletePanel && !res.Complete() {
			return grantPrecondition(g, "finalize evaluation", "agents missing: %v", res.Missing)
		}

		now := e.now()
		ev, err := workflow.ApplyEvaluation(g, res, e.opts.Policy, now)
		if err != nil {
			return err
		}
		if g.Status != model.GrantStatusUnderReview && ev == nil {
			out = g
			return nil
		}

		cs := &store.Changeset{Grant: g}
		cs.AddEvent(ev)
		if workflow.AutoApprovable(g, e.opts.Policy) {
			if gateErr := e.governanceGate(ctx, g); gateErr == nil {
				ms, evs, err := workflow.Approve(g, e.opts.PaymentModel, "system", "automatic approval", now)
				if err != nil {
					return err
				}
				cs.NewMilestones = ms
				cs.AddEvent(evs...)
			} else {
				zap.L().Info("automatic approval held", zap.String("grant_id", g.ID), zap.Error(gateErr))
			}
		}
		if err := e.commit(ctx, cs, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("evaluation finalized",
		zap.String("grant_id", id),
		zap.Float64("overall_score", res.OverallScore),
		zap.Bool("consensus", res.ConsensusReached),
		zap.String("verdict", string(res.Verdict)),
		zap.String("status", string(out.Status)),
	)
	return out, &res, nil
}

// EvaluateGrant runs the scorer panel over a grant and finalizes the
// result. A pending grant is started first. On a grant that has already
// been decided the evaluations are refreshed and the status is left alone.
func (e *Engine) EvaluateGrant(ctx context.Context, id string) (*model.Grant, *consensus.Result, error) {
	if e.panel == nil {
		return nil, nil, eris.Wrap(workflow.ErrCollaborator, "no scorer panel configured")
	}
	g, err := e.store.GetGrant(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if g.Status == model.GrantStatusPending {
		if g, err = e.StartEvaluation(ctx, id); err != nil {
			return nil, nil, err
		}
	}

	outcomes := e.panel.Run(ctx, g.Proposal())
	completed := scorer.Completed(outcomes)
	if len(completed) > 0 {
		if err := e.store.UpsertEvaluations(ctx, completed); err != nil {
			return nil, nil, err
		}
	}

	g, res, err := e.FinalizeEvaluation(ctx, id)
	if errors.Is(err, consensus.ErrNoEvaluations) {
		if failed := scorer.Failed(outcomes); len(failed) > 0 {
			return nil, nil, collaborator(firstErr(outcomes), "evaluate grant %s: agents %v failed", id, failed)
		}
	}
	return g, res, err
}

func firstErr(outcomes []scorer.Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// GrantAction is an admin ruling on a grant under review.
type GrantAction string

const (
	GrantApprove GrantAction = "approve"
	GrantReject  GrantAction = "reject"
)

// GrantDecision is the input of DecideGrant.
type GrantDecision struct {
	Action GrantAction `json:"action"`
	Actor  string      `json:"actor"`
	Reason string      `json:"reason"`
}

// DecideGrant approves or rejects a grant under review. Approval
// materializes the milestones and activates the grant in one transaction.
func (e *Engine) DecideGrant(ctx context.Context, id string, d GrantDecision) (*model.Grant, []model.Milestone, error) {
	if d.Action != GrantApprove && d.Action != GrantReject {
		return nil, nil, invalid("unknown action %q", d.Action)
	}
	var (
		out *model.Grant
		ms  []model.Milestone
	)
	err := e.update(ctx, "decide grant", func(ctx context.Context) error {
		g, err := e.store.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		now := e.now()
		cs := &store.Changeset{Grant: g}
		switch d.Action {
		case GrantApprove:
			if g.Status == model.GrantStatusUnderReview {
				if err := e.governanceGate(ctx, g); err != nil {
					return err
				}
			}
			created, evs, err := workflow.Approve(g, e.opts.PaymentModel, d.Actor, d.Reason, now)
			if err != nil {
				return err
			}
			cs.NewMilestones = created
			cs.AddEvent(evs...)
			ms = created
		case GrantReject:
			ev, err := workflow.Reject(g, d.Actor, d.Reason, now)
			if err != nil {
				return err
			}
			cs.AddEvent(ev)
		}
		if err := e.commit(ctx, cs, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, ms, err
}

// governanceGate requires the grant's latest poll to assess as approve when
// the gate is enabled.
func (e *Engine) governanceGate(ctx context.Context, g *model.Grant) error {
	if !e.opts.GovernanceGate {
		return nil
	}
	polls, err := e.store.ListPolls(ctx, g.ID)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		return grantPrecondition(g, "approve", "governance gate: grant has no community poll")
	}
	votes, err := e.store.ListVotes(ctx, polls[0].ID)
	if err != nil {
		return err
	}
	t, err := e.voting.Tally(&polls[0], votes)
	if err != nil {
		if errors.Is(err, voting.ErrNoVotes) {
			return grantPrecondition(g, "approve", "governance gate: poll %s has no votes", polls[0].ID)
		}
		return err
	}
	if t.Assessment != voting.AssessmentApprove {
		return grantPrecondition(g, "approve", "governance gate: poll %s assessed %s", polls[0].ID, t.Assessment)
	}
	return nil
}

// CancelGrant stops a non-terminal grant.
func (e *Engine) CancelGrant(ctx context.Context, id, actor, reason string) (*model.Grant, error) {
	var out *model.Grant
	err := e.update(ctx, "cancel grant", func(ctx context.Context) error {
		g, err := e.store.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		ev, err := workflow.Cancel(g, actor, reason, e.now())
		if err != nil {
			return err
		}
		cs := &store.Changeset{Grant: g}
		cs.AddEvent(ev)
		if err := e.commit(ctx, cs, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// GetGrant returns a grant.
func (e *Engine) GetGrant(ctx context.Context, id string) (*model.Grant, error) {
	return e.store.GetGrant(ctx, id)
}

// ListGrants returns grants matching filter.
func (e *Engine) ListGrants(ctx context.Context, filter model.GrantFilter) ([]model.Grant, error) {
	return e.store.ListGrants(ctx, filter)
}

// ListEvaluations returns the stored evaluations of a grant.
func (e *Engine) ListEvaluations(ctx context.Context, grantID string) ([]model.AgentEvaluation, error) {
	return e.store.ListEvaluations(ctx, grantID)
}
