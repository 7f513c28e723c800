// Package workflow holds the grant and milestone state machines. Every
// function here is pure: it checks a transition against the entity's
// current state and mutates the entity only when the transition is legal.
package workflow

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
)

// Error classes. A TransitionError unwraps to one of the first two.
var (
	ErrValidation   = eris.New("workflow: invalid input")
	ErrPrecondition = eris.New("workflow: precondition failed")
	ErrCollaborator = eris.New("workflow: collaborator failed")
)

// TransitionError describes a rejected transition. The entity is left in
// Current.
type TransitionError struct {
	Entity    model.EntityType
	ID        string
	Current   string
	Attempted string
	Reason    string
	Kind      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from %s: %s", e.Entity, e.ID, e.Attempted, e.Current, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Kind }

func grantErr(g *model.Grant, attempted string, kind error, format string, args ...any) *TransitionError {
	return &TransitionError{
		Entity:    model.EntityGrant,
		ID:        g.ID,
		Current:   string(g.Status),
		Attempted: attempted,
		Reason:    fmt.Sprintf(format, args...),
		Kind:      kind,
	}
}

func milestoneErr(m *model.Milestone, attempted string, kind error, format string, args ...any) *TransitionError {
	return &TransitionError{
		Entity:    model.EntityMilestone,
		ID:        m.ID,
		Current:   string(m.Status),
		Attempted: attempted,
		Reason:    fmt.Sprintf(format, args...),
		Kind:      kind,
	}
}
