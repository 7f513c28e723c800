package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Property names on the grant board database.
const (
	PropName      = "Name"
	PropGrantID   = "Grant ID"
	PropApplicant = "Applicant"
	PropStatus    = "Status"
	PropAmount    = "Amount"
	PropScore     = "Score"
	PropUpdated   = "Last Updated"
)

// Card is the grant summary shown on the board.
type Card struct {
	GrantID   string
	Title     string
	Applicant string
	Status    string
	Amount    float64
	Score     *float64
	UpdatedAt time.Time
}

// Board mirrors grants into one Notion database.
type Board struct {
	client Client
	dbID   string
}

// NewBoard creates a Board over database dbID.
func NewBoard(client Client, dbID string) *Board {
	return &Board{client: client, dbID: dbID}
}

// FindPage returns the ID of the page for grantID, or "" when there is none.
func (b *Board) FindPage(ctx context.Context, grantID string) (string, error) {
	pageID, err := b.client.FindPage(ctx, b.dbID, PropGrantID, grantID)
	if err != nil {
		return "", eris.Wrapf(err, "notion: find page for grant %s", grantID)
	}
	return pageID, nil
}

// Upsert updates the grant's page or creates it. It returns the page ID.
// Title, applicant and amount are written only on creation.
func (b *Board) Upsert(ctx context.Context, c Card) (string, error) {
	pageID, err := b.FindPage(ctx, c.GrantID)
	if err != nil {
		return "", err
	}

	props := statusProperties(c)
	if pageID == "" {
		props[PropName] = notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: c.Title}}},
		}
		props[PropGrantID] = richText(c.GrantID)
		props[PropApplicant] = richText(c.Applicant)
		props[PropAmount] = notionapi.NumberProperty{Number: c.Amount}
	}

	id, err := b.client.SavePage(ctx, b.dbID, pageID, props)
	if err != nil {
		return "", eris.Wrapf(err, "notion: save grant %s", c.GrantID)
	}
	return id, nil
}

// statusProperties holds the fields that change as a grant moves.
func statusProperties(c Card) notionapi.Properties {
	updated := notionapi.Date(c.UpdatedAt)
	props := notionapi.Properties{
		PropStatus: notionapi.StatusProperty{Status: notionapi.Status{Name: c.Status}},
		PropUpdated: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &updated},
		},
	}
	if c.Score != nil {
		props[PropScore] = notionapi.NumberProperty{Number: *c.Score}
	}
	return props
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}},
	}
}
