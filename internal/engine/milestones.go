package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/payment"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/workflow"
)

// loadMilestone returns milestone id together with its grant and all of
// the grant's milestones. The returned milestone points into the slice.
func (e *Engine) loadMilestone(ctx context.Context, id string) (*model.Milestone, *model.Grant, []model.Milestone, error) {
	m, err := e.store.GetMilestone(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := e.store.GetGrant(ctx, m.GrantID)
	if err != nil {
		return nil, nil, nil, err
	}
	siblings, err := e.store.ListMilestones(ctx, store.MilestoneFilter{GrantID: m.GrantID})
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range siblings {
		if siblings[i].ID == id {
			return &siblings[i], g, siblings, nil
		}
	}
	return nil, nil, nil, store.ErrNotFound
}

// requireActiveGrant refuses milestone work unless the grant is active.
func requireActiveGrant(m *model.Milestone, g *model.Grant, op string) error {
	if g.Status != model.GrantStatusActive {
		return milestonePrecondition(m, op, "grant %s is %s", g.ID, g.Status)
	}
	return nil
}

// mutateMilestone runs a single-milestone transition under the conflict
// retry loop. The grant rides along in the changeset so its version check
// serializes work on sibling milestones and on the grant itself.
func (e *Engine) mutateMilestone(ctx context.Context, op, id string, fn func(m *model.Milestone, g *model.Grant, cs *store.Changeset) error) (*model.Milestone, error) {
	var out *model.Milestone
	err := e.update(ctx, op, func(ctx context.Context) error {
		m, g, _, err := e.loadMilestone(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActiveGrant(m, g, op); err != nil {
			return err
		}
		cs := &store.Changeset{Grant: g, Milestones: []*model.Milestone{m}}
		if err := fn(m, g, cs); err != nil {
			return err
		}
		if err := e.commit(ctx, cs, g); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// SubmitMilestone records proof of work and opens a new submission cycle.
func (e *Engine) SubmitMilestone(ctx context.Context, id, proofURL, notes string) (*model.Milestone, error) {
	return e.mutateMilestone(ctx, "submit milestone", id, func(m *model.Milestone, _ *model.Grant, cs *store.Changeset) error {
		ev, err := workflow.Submit(m, proofURL, notes, e.now())
		cs.AddEvent(ev)
		return err
	})
}

// RecordMilestoneReview stores an agent review for the milestone's current
// submission cycle and refreshes the cached review summary. Reviews are
// advisory and never move the milestone.
func (e *Engine) RecordMilestoneReview(ctx context.Context, r model.AgentMilestoneReview) (*model.Milestone, error) {
	switch {
	case r.AgentName == "":
		return nil, invalid("agent name is required")
	case !r.Recommendation.Valid():
		return nil, invalid("unknown recommendation %q", r.Recommendation)
	case r.Confidence < 0 || r.Confidence > 1:
		return nil, invalid("confidence %.2f outside [0, 1]", r.Confidence)
	case r.ReviewScore != nil && (*r.ReviewScore < 0 || *r.ReviewScore > 1):
		return nil, invalid("review score %.2f outside [0, 1]", *r.ReviewScore)
	}

	m, g, _, err := e.loadMilestone(ctx, r.MilestoneID)
	if err != nil {
		return nil, err
	}
	if err := requireActiveGrant(m, g, "review"); err != nil {
		return nil, err
	}
	if m.Status != model.MilestoneStatusSubmitted {
		return nil, milestonePrecondition(m, "review", "milestone is not submitted")
	}
	if r.Cycle == 0 {
		r.Cycle = m.SubmissionCycle
	}
	if r.Cycle != m.SubmissionCycle {
		return nil, milestonePrecondition(m, "review", "review is for cycle %d, milestone is on cycle %d", r.Cycle, m.SubmissionCycle)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now()
	}
	if err := e.store.UpsertReview(ctx, r); err != nil {
		return nil, err
	}

	return e.mutateMilestone(ctx, "refresh reviews", r.MilestoneID, func(m *model.Milestone, _ *model.Grant, _ *store.Changeset) error {
		reviews, err := e.store.ListReviews(ctx, m.ID)
		if err != nil {
			return err
		}
		m.Reviews = consensus.AggregateReviews(consensus.ForCycle(reviews, m.SubmissionCycle))
		m.UpdatedAt = e.now()
		return nil
	})
}

// MilestoneRuling is an admin decision on a submitted milestone.
type MilestoneRuling struct {
	Decision         model.Decision `json:"decision"`
	AdminID          string         `json:"admin_id"`
	Feedback         string         `json:"feedback"`
	AuthorizePayment bool           `json:"authorize_payment"`
}

// DecideMilestone applies an admin ruling. The decision is appended to the
// milestone's history with a snapshot of the agent reviews for the cycle,
// in the same transaction as the status change.
func (e *Engine) DecideMilestone(ctx context.Context, id string, r MilestoneRuling) (*model.Milestone, *model.MilestoneDecision, error) {
	var dec *model.MilestoneDecision
	m, err := e.mutateMilestone(ctx, "decide milestone", id, func(m *model.Milestone, _ *model.Grant, cs *store.Changeset) error {
		reviews, err := e.store.ListReviews(ctx, m.ID)
		if err != nil {
			return err
		}
		stats := consensus.AggregateReviews(consensus.ForCycle(reviews, m.SubmissionCycle))
		now := e.now()
		d := &model.MilestoneDecision{
			ID:                uuid.NewString(),
			MilestoneID:       m.ID,
			Cycle:             m.SubmissionCycle,
			Decision:          r.Decision,
			AdminID:           strings.TrimSpace(r.AdminID),
			Feedback:          r.Feedback,
			Stats:             stats,
			OverrideAgents:    consensus.IsOverride(r.Decision, stats),
			PaymentAuthorized: r.AuthorizePayment,
			CreatedAt:         now,
		}
		ev, err := workflow.Decide(m, d, now)
		if err != nil {
			return err
		}
		m.Reviews = stats
		cs.Decision = d
		cs.AddEvent(ev)
		dec = d
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if dec.OverrideAgents {
		zap.L().Info("admin overrode agent majority",
			zap.String("milestone_id", id),
			zap.String("decision", string(dec.Decision)),
			zap.String("admin", dec.AdminID),
		)
	}
	return m, dec, nil
}

// ResumeMilestone reopens a milestone after a revision request.
func (e *Engine) ResumeMilestone(ctx context.Context, id, actor string) (*model.Milestone, error) {
	return e.mutateMilestone(ctx, "resume milestone", id, func(m *model.Milestone, _ *model.Grant, cs *store.Changeset) error {
		ev, err := workflow.Resume(m, actor, e.now())
		cs.AddEvent(ev)
		return err
	})
}

// ReopenMilestone gives a rejected milestone another cycle.
func (e *Engine) ReopenMilestone(ctx context.Context, id, actor, reason string) (*model.Milestone, error) {
	return e.mutateMilestone(ctx, "reopen milestone", id, func(m *model.Milestone, _ *model.Grant, cs *store.Changeset) error {
		ev, err := workflow.Reopen(m, actor, reason, e.now())
		cs.AddEvent(ev)
		return err
	})
}

// AuthorizePayment marks an approved milestone payable.
func (e *Engine) AuthorizePayment(ctx context.Context, id, actor string) (*model.Milestone, error) {
	return e.mutateMilestone(ctx, "authorize payment", id, func(m *model.Milestone, _ *model.Grant, _ *store.Changeset) error {
		return workflow.AuthorizePayment(m, actor, e.now())
	})
}

// UpdateMilestoneFields edits a milestone that has not been submitted.
// The grant's milestone total must still fit the requested amount.
func (e *Engine) UpdateMilestoneFields(ctx context.Context, id string, p model.MilestonePatch) (*model.Milestone, error) {
	var out *model.Milestone
	err := e.update(ctx, "update milestone", func(ctx context.Context) error {
		m, g, siblings, err := e.loadMilestone(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActiveGrant(m, g, "update"); err != nil {
			return err
		}
		if err := workflow.ApplyPatch(m, p, e.now()); err != nil {
			return err
		}
		if p.Amount != nil {
			if err := workflow.CheckAmounts(g, siblings); err != nil {
				return err
			}
		}
		if err := e.commit(ctx, &store.Changeset{Grant: g, Milestones: []*model.Milestone{m}}, g); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// PreparePayment checks that a milestone is approved and authorized and
// builds its payout request. The applicant is the recipient.
func (e *Engine) PreparePayment(ctx context.Context, id string) (*payment.Request, error) {
	m, g, _, err := e.loadMilestone(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case g.Status != model.GrantStatusActive:
		return nil, milestonePrecondition(m, "pay", "grant %s is %s", g.ID, g.Status)
	case m.Status != model.MilestoneStatusApproved:
		return nil, milestonePrecondition(m, "pay", "milestone is not approved")
	case !m.PaymentAuthorized:
		return nil, milestonePrecondition(m, "pay", "payment is not authorized")
	}
	req := &payment.Request{
		MilestoneID:    m.ID,
		GrantID:        g.ID,
		Amount:         m.Amount,
		Currency:       g.Currency,
		Recipient:      g.Applicant,
		IdempotencyKey: payment.IdempotencyKey(m.ID),
	}
	if err := req.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	return req, nil
}

// ReleasePayment submits a milestone's payout and records the resulting
// transaction. When the submit succeeds but recording fails, the milestone
// stays approved with no hash and shows up in Reconcile.
func (e *Engine) ReleasePayment(ctx context.Context, id string) (*model.Milestone, error) {
	if e.submitter == nil {
		return nil, eris.Wrap(workflow.ErrCollaborator, "no payment submitter configured")
	}
	req, err := e.PreparePayment(ctx, id)
	if err != nil {
		return nil, err
	}
	txHash, err := e.submitter.Submit(ctx, *req)
	if err != nil {
		return nil, collaborator(err, "submit payment for milestone %s", id)
	}
	m, err := e.RecordPayment(ctx, id, txHash)
	if err != nil {
		zap.L().Error("payment submitted but not recorded",
			zap.String("milestone_id", id),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return nil, err
	}
	return m, nil
}

// RecordPayment settles a milestone. Under the sequential model the next
// milestone opens; once every milestone is paid the grant completes.
// Recording the same hash again changes nothing, even after the grant has
// completed.
func (e *Engine) RecordPayment(ctx context.Context, id, txHash string) (*model.Milestone, error) {
	var out *model.Milestone
	err := e.update(ctx, "record payment", func(ctx context.Context) error {
		m, g, siblings, err := e.loadMilestone(ctx, id)
		if err != nil {
			return err
		}
		if m.Status == model.MilestoneStatusPaid && m.PaymentTxHash == strings.TrimSpace(txHash) {
			out = m
			return nil
		}
		if err := requireActiveGrant(m, g, "record payment"); err != nil {
			return err
		}
		now := e.now()
		ev, err := workflow.RecordPayment(m, txHash, now)
		if err != nil {
			return err
		}
		if ev == nil {
			out = m
			return nil
		}

		cs := &store.Changeset{Grant: g, Milestones: []*model.Milestone{m}}
		cs.AddEvent(ev)
		if next := workflow.NextToActivate(siblings, e.opts.PaymentModel); next != nil {
			aev, err := workflow.Activate(next, now)
			if err != nil {
				return err
			}
			cs.Milestones = append(cs.Milestones, next)
			cs.AddEvent(aev)
		}
		if allPaid(siblings) && g.Status == model.GrantStatusActive {
			gev, err := workflow.Complete(g, siblings, now)
			if err != nil {
				return err
			}
			cs.AddEvent(gev)
		}
		if err := e.commit(ctx, cs, g); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func allPaid(ms []model.Milestone) bool {
	for _, m := range ms {
		if m.Status != model.MilestoneStatusPaid {
			return false
		}
	}
	return len(ms) > 0
}

// Reconcile lists milestones whose payment was authorized but never
// recorded, typically after a submit that succeeded while the record
// step failed.
func (e *Engine) Reconcile(ctx context.Context) ([]model.Milestone, error) {
	ms, err := e.store.ListMilestones(ctx, store.MilestoneFilter{Unsettled: true})
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		zap.L().Warn("milestone payment unsettled",
			zap.String("milestone_id", m.ID),
			zap.String("grant_id", m.GrantID),
			zap.String("amount", m.Amount.StringFixed(2)),
		)
	}
	return ms, nil
}

// GetMilestone returns a milestone.
func (e *Engine) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	return e.store.GetMilestone(ctx, id)
}

// ListMilestones returns milestones matching filter.
func (e *Engine) ListMilestones(ctx context.Context, filter store.MilestoneFilter) ([]model.Milestone, error) {
	return e.store.ListMilestones(ctx, filter)
}

// ListReviews returns every agent review of a milestone.
func (e *Engine) ListReviews(ctx context.Context, id string) ([]model.AgentMilestoneReview, error) {
	return e.store.ListReviews(ctx, id)
}

// ListDecisions returns a milestone's decision history.
func (e *Engine) ListDecisions(ctx context.Context, id string) ([]model.MilestoneDecision, error) {
	return e.store.ListDecisions(ctx, id)
}

// Ledger exposes the engine to the durable payment workflow.
func (e *Engine) Ledger() payment.Ledger { return ledger{e} }

type ledger struct{ e *Engine }

func (l ledger) PreparePayment(ctx context.Context, id string) (*payment.Request, error) {
	return l.e.PreparePayment(ctx, id)
}

func (l ledger) RecordPayment(ctx context.Context, id, txHash string) error {
	_, err := l.e.RecordPayment(ctx, id, txHash)
	return err
}
