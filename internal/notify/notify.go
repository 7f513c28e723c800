// Package notify tells the outside world about grant and milestone changes.
// Delivery is best effort: a failed notification never undoes the change.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/model"
)

// Event is a committed state change worth announcing.
type Event struct {
	Kind       model.EventKind  `json:"kind"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Actor      string           `json:"actor,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	At         time.Time        `json:"at"`

	// Grant is the grant the entity belongs to, as of the change.
	Grant *model.Grant `json:"grant,omitempty"`
}

// FromStatusEvent builds an Event from an audit record.
func FromStatusEvent(ev *model.StatusEvent, g *model.Grant) Event {
	return Event{
		Kind:       ev.Kind,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		From:       ev.From,
		To:         ev.To,
		Actor:      ev.Actor,
		Reason:     ev.Reason,
		At:         ev.CreatedAt,
		Grant:      g,
	}
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the global logger.
type Log struct{}

// Notify implements Notifier.
func (Log) Notify(_ context.Context, ev Event) error {
	zap.L().Info("status changed",
		zap.String("kind", string(ev.Kind)),
		zap.String("entity_type", string(ev.EntityType)),
		zap.String("entity_id", ev.EntityID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.String("actor", ev.Actor),
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers events through n and logs failures instead of returning them.
func Send(ctx context.Context, n Notifier, events ...Event) {
	if n == nil {
		return
	}
	for _, ev := range events {
		if err := n.Notify(ctx, ev); err != nil {
			zap.L().Warn("notify: delivery failed",
				zap.String("entity_type", string(ev.EntityType)),
				zap.String("entity_id", ev.EntityID),
				zap.String("to", ev.To),
				zap.Error(err),
			)
		}
	}
}
