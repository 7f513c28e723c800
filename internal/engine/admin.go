package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
)

// Override forces an entity into a status outside the normal transitions.
type Override struct {
	Entity model.EntityType `json:"entity"`
	ID     string           `json:"id"`
	To     string           `json:"to"`
	Actor  string           `json:"actor"`
	Reason string           `json:"reason"`
}

// OverrideStatus applies an audited administrative override. Only the
// status changes; no side effects such as milestone materialization or
// activation run. The audit record is marked kind=override.
func (e *Engine) OverrideStatus(ctx context.Context, o Override) (*model.StatusEvent, error) {
	if strings.TrimSpace(o.Actor) == "" || strings.TrimSpace(o.Reason) == "" {
		return nil, invalid("override requires actor and reason")
	}

	var ev *model.StatusEvent
	err := e.update(ctx, "override status", func(ctx context.Context) error {
		now := e.now()
		ev = &model.StatusEvent{
			EntityType: o.Entity,
			EntityID:   o.ID,
			To:         o.To,
			Actor:      o.Actor,
			Reason:     o.Reason,
			Kind:       model.EventOverride,
			CreatedAt:  now,
		}
		cs := &store.Changeset{Events: []*model.StatusEvent{ev}}
		var grant *model.Grant

		switch o.Entity {
		case model.EntityGrant:
			to := model.GrantStatus(o.To)
			if !to.Valid() {
				return invalid("unknown grant status %q", o.To)
			}
			g, err := e.store.GetGrant(ctx, o.ID)
			if err != nil {
				return err
			}
			ev.From = string(g.Status)
			g.Status = to
			g.UpdatedAt = now
			cs.Grant = g
			grant = g
		case model.EntityMilestone:
			to := model.MilestoneStatus(o.To)
			if !to.Valid() {
				return invalid("unknown milestone status %q", o.To)
			}
			m, err := e.store.GetMilestone(ctx, o.ID)
			if err != nil {
				return err
			}
			if grant, err = e.store.GetGrant(ctx, m.GrantID); err != nil {
				return err
			}
			ev.From = string(m.Status)
			m.Status = to
			m.UpdatedAt = now
			cs.Milestones = []*model.Milestone{m}
		default:
			return invalid("overrides apply to grants and milestones, not %q", o.Entity)
		}
		return e.commit(ctx, cs, grant)
	})
	if err != nil {
		return nil, err
	}
	zap.L().Warn("status overridden",
		zap.String("entity", string(o.Entity)),
		zap.String("id", o.ID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.String("actor", o.Actor),
	)
	return ev, nil
}

// History returns the audit trail of an entity, oldest first.
func (e *Engine) History(ctx context.Context, entity model.EntityType, id string) ([]model.StatusEvent, error) {
	return e.store.ListEvents(ctx, entity, id)
}
