// Package store persists grants, evaluations, milestones, polls and the
// audit log.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a versioned write lost a race. Callers
	// re-read and retry; they never overwrite.
	ErrConflict = eris.New("store: version conflict")
	// ErrDuplicateVote is returned when a voter re-votes on a poll that
	// does not allow it.
	ErrDuplicateVote = eris.New("store: duplicate vote")
)

// Changeset is a set of writes committed in one transaction. Grant and
// Milestones are updated with a version check; NewMilestones, Decision
// and Events are inserted. On success the versions of the updated records
// are advanced in place.
type Changeset struct {
	Grant         *model.Grant
	Milestones    []*model.Milestone
	NewMilestones []model.Milestone
	Decision      *model.MilestoneDecision
	Events        []*model.StatusEvent
}

// AddEvent appends non-nil events.
func (c *Changeset) AddEvent(evs ...*model.StatusEvent) {
	for _, ev := range evs {
		if ev != nil {
			c.Events = append(c.Events, ev)
		}
	}
}

func (c *Changeset) bumpVersions() {
	if c.Grant != nil {
		c.Grant.Version++
	}
	for _, m := range c.Milestones {
		m.Version++
	}
}

// MilestoneFilter controls listing of milestones.
type MilestoneFilter struct {
	GrantID string
	Status  model.MilestoneStatus
	// Unsettled keeps approved, payment-authorized milestones with no
	// recorded transaction.
	Unsettled bool
}

// Store is the persistence contract used by the engine.
type Store interface {
	// Grants
	CreateGrant(ctx context.Context, g *model.Grant, ev *model.StatusEvent) error
	GetGrant(ctx context.Context, id string) (*model.Grant, error)
	ListGrants(ctx context.Context, filter model.GrantFilter) ([]model.Grant, error)

	// Evaluations
	UpsertEvaluations(ctx context.Context, evals []model.AgentEvaluation) error
	ListEvaluations(ctx context.Context, grantID string) ([]model.AgentEvaluation, error)

	// Milestones
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	ListMilestones(ctx context.Context, filter MilestoneFilter) ([]model.Milestone, error)
	UpsertReview(ctx context.Context, r model.AgentMilestoneReview) error
	ListReviews(ctx context.Context, milestoneID string) ([]model.AgentMilestoneReview, error)
	ListDecisions(ctx context.Context, milestoneID string) ([]model.MilestoneDecision, error)

	// Polls
	CreatePoll(ctx context.Context, p *model.Poll) error
	GetPoll(ctx context.Context, id string) (*model.Poll, error)
	ListPolls(ctx context.Context, grantID string) ([]model.Poll, error)
	ClosePoll(ctx context.Context, id string, ev *model.StatusEvent) error
	CastVote(ctx context.Context, v model.CastVote, allowRevote bool) error
	ListVotes(ctx context.Context, pollID string) ([]model.CastVote, error)

	// Transactions and audit
	Commit(ctx context.Context, cs *Changeset) error
	ListEvents(ctx context.Context, entity model.EntityType, id string) ([]model.StatusEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
