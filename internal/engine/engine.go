// Package engine is the service layer over the grant and milestone
// workflows. Every operation loads fresh state, applies a pure transition
// and commits it with a version check, retrying on a lost race.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/config"
	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/notify"
	"github.com/sells-group/grant-review/internal/payment"
	"github.com/sells-group/grant-review/internal/resilience"
	"github.com/sells-group/grant-review/internal/scorer"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

// Options holds the decision parameters of the engine.
type Options struct {
	Weights              consensus.Weights
	MinPassingScore      float64
	ConsensusThreshold   float64
	Policy               workflow.Policy
	RequireCompletePanel bool
	PaymentModel         model.PaymentModel
	PollDuration         time.Duration
	AllowRevote          bool
	GovernanceGate       bool
	ConflictRetry        resilience.RetryConfig
}

// DefaultOptions returns the standard five-agent, human-reviewed setup.
func DefaultOptions() Options {
	return Options{
		Weights:            consensus.DefaultWeights(),
		MinPassingScore:    0.5,
		ConsensusThreshold: 0.8,
		Policy:             workflow.DefaultPolicy(),
		PaymentModel:       model.PaymentSequential,
		PollDuration:       7 * 24 * time.Hour,
		AllowRevote:        true,
		ConflictRetry:      resilience.ConflictRetry(config.ResilienceConfig{}, isConflict),
	}
}

// OptionsFromConfig maps application config onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	w := cfg.Evaluation.Weights
	return Options{
		Weights: consensus.Weights{
			model.AgentTechnical:    w.Technical,
			model.AgentImpact:       w.Impact,
			model.AgentDueDiligence: w.DueDiligence,
			model.AgentBudget:       w.Budget,
			model.AgentCommunity:    w.Community,
		},
		MinPassingScore:      cfg.Evaluation.MinPassingScore,
		ConsensusThreshold:   cfg.Evaluation.ConsensusThreshold,
		Policy:               workflow.Policy{RequireHumanReview: cfg.Evaluation.RequireHumanReview},
		RequireCompletePanel: cfg.Evaluation.RequireCompletePanel,
		PaymentModel:         model.PaymentModel(cfg.Milestones.PaymentModel),
		PollDuration:         cfg.Voting.DefaultPollDuration(),
		AllowRevote:          cfg.Voting.AllowRevote,
		GovernanceGate:       cfg.Voting.GovernanceGate,
		ConflictRetry:        resilience.ConflictRetry(cfg.Resilience, isConflict),
	}
}

// Deps are the engine's collaborators. Panel, Notifier and Submitter are
// optional; operations that need a missing one fail with ErrCollaborator.
type Deps struct {
	Store     store.Store
	Panel     *scorer.Panel
	Voting    *voting.Engine
	Notifier  notify.Notifier
	Submitter payment.Submitter
}

// Engine runs grant, milestone and poll operations.
type Engine struct {
	store     store.Store
	panel     *scorer.Panel
	voting    *voting.Engine
	notifier  notify.Notifier
	submitter payment.Submitter
	opts      Options
	now       func() time.Time
}

// New creates an Engine.
func New(deps Deps, opts Options) *Engine {
	if deps.Voting == nil {
		deps.Voting = voting.NewEngine(voting.DefaultQuorum())
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if opts.ConflictRetry.ShouldRetry == nil {
		opts.ConflictRetry = resilience.ConflictRetry(config.ResilienceConfig{}, isConflict)
	}
	if opts.PollDuration <= 0 {
		opts.PollDuration = 7 * 24 * time.Hour
	}
	return &Engine{
		store:     deps.Store,
		panel:     deps.Panel,
		voting:    deps.Voting,
		notifier:  deps.Notifier,
		submitter: deps.Submitter,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func isConflict(err error) bool { return errors.Is(err, store.ErrConflict) }

// update runs a read-modify-write, retrying from a fresh read when the
// commit loses a version race.
func (e *Engine) update(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := e.opts.ConflictRetry
	cfg.OnRetry = resilience.RetryLogger("engine", op)
	return resilience.Do(ctx, cfg, fn)
}

// commit writes cs and announces its notable events. grant may be nil.
func (e *Engine) commit(ctx context.Context, cs *store.Changeset, grant *model.Grant) error {
	if err := e.store.Commit(ctx, cs); err != nil {
		return err
	}
	if grant == nil {
		grant = cs.Grant
	}
	e.announce(ctx, grant, cs.Events...)
	return nil
}

func (e *Engine) announce(ctx context.Context, grant *model.Grant, events ...*model.StatusEvent) {
	var out []notify.Event
	for _, ev := range events {
		if notable(ev) {
			out = append(out, notify.FromStatusEvent(ev, grant))
		}
	}
	notify.Send(ctx, e.notifier, out...)
}

// notable reports whether an event is announced: terminal grant moves,
// milestone decisions and payments, and every override.
func notable(ev *model.StatusEvent) bool {
	if ev.Kind == model.EventOverride {
		return true
	}
	switch ev.EntityType {
	case model.EntityGrant:
		switch model.GrantStatus(ev.To) {
		case model.GrantStatusApproved, model.GrantStatusRejected,
			model.GrantStatusCancelled, model.GrantStatusCompleted:
			return true
		}
	case model.EntityMilestone:
		switch model.MilestoneStatus(ev.To) {
		case model.MilestoneStatusApproved, model.MilestoneStatusRejected,
			model.MilestoneStatusRevisionRequested, model.MilestoneStatusPaid:
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(workflow.ErrValidation, format, args...)
}

func grantPrecondition(g *model.Grant, attempted, format string, args ...any) error {
	return &workflow.TransitionError{
		Entity:    model.EntityGrant,
		ID:        g.ID,
		Current:   string(g.Status),
		Attempted: attempted,
		Reason:    fmt.Sprintf(format, args...),
		Kind:      workflow.ErrPrecondition,
	}
}

func milestonePrecondition(m *model.Milestone, attempted, format string, args ...any) error {
	return &workflow.TransitionError{
		Entity:    model.EntityMilestone,
		ID:        m.ID,
		Current:   string(m.Status),
		Attempted: attempted,
		Reason:    fmt.Sprintf(format, args...),
		Kind:      workflow.ErrPrecondition,
	}
}

func collaborator(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	zap.L().Warn("collaborator failed", zap.String("op", msg), zap.Error(err))
	return eris.Wrapf(workflow.ErrCollaborator, "%s: %v", msg, err)
}
