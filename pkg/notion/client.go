// Package notion keeps a Notion database in step with grant status, one page
// per grant.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is what the grant board asks of Notion: look a page up by a
// rich-text key and write a page's properties.
type Client interface {
	// FindPage returns the first page in dbID whose rich-text property prop
	// equals value, or "" when there is none.
	FindPage(ctx context.Context, dbID, prop, value string) (string, error)
	// SavePage writes props to pageID, or creates a page in dbID when pageID
	// is empty. It returns the page ID.
	SavePage(ctx context.Context, dbID, pageID string, props notionapi.Properties) (string, error)
}

// Notion allows three requests per second per integration.
const requestsPerSecond = 3

type apiClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a throttled Notion client for an integration token.
func NewClient(token string) Client {
	return newAPIClient(notionapi.NewClient(notionapi.Token(token)))
}

func newAPIClient(inner *notionapi.Client) *apiClient {
	return &apiClient{inner: inner, limiter: rate.NewLimiter(requestsPerSecond, 1)}
}

func (c *apiClient) FindPage(ctx context.Context, dbID, prop, value string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: prop,
			RichText: &notionapi.TextFilterCondition{Equals: value},
		},
		PageSize: 1,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: query database %s", dbID)
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return string(resp.Results[0].ID), nil
}

func (c *apiClient) SavePage(ctx context.Context, dbID, pageID string, props notionapi.Properties) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "notion: rate limit")
	}
	if pageID != "" {
		if _, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{
			Properties: props,
		}); err != nil {
			return "", eris.Wrapf(err, "notion: update page %s", pageID)
		}
		return pageID, nil
	}
	page, err := c.inner.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: create page in %s", dbID)
	}
	return string(page.ID), nil
}
