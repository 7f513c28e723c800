package notify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/pkg/notion"
)

// Notion keeps the grant's card on a Notion board current. Events that
// carry no grant are ignored.
type Notion struct {
	board *notion.Board
}

// NewNotion creates a Notion notifier over board.
func NewNotion(board *notion.Board) *Notion {
	return &Notion{board: board}
}

// Notify implements Notifier.
func (n *Notion) Notify(ctx context.Context, ev Event) error {
	if ev.Grant == nil {
		return nil
	}
	if _, err := n.board.Upsert(ctx, card(ev.Grant)); err != nil {
		return eris.Wrap(err, "notify: notion")
	}
	return nil
}

func card(g *model.Grant) notion.Card {
	amount, _ := g.RequestedAmount.Float64()
	return notion.Card{
		GrantID:   g.ID,
		Title:     g.Title,
		Applicant: g.Applicant,
		Status:    string(g.Status),
		Amount:    amount,
		Score:     g.OverallScore,
		UpdatedAt: g.UpdatedAt,
	}
}
