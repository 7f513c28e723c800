package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/grant-review/internal/config"
	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/notify"
	"github.com/sells-group/grant-review/internal/payment"
	"github.com/sells-group/grant-review/internal/resilience"
	"github.com/sells-group/grant-review/internal/scorer"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	anthropicpkg "github.com/sells-group/grant-review/pkg/anthropic"
	"github.com/sells-group/grant-review/pkg/notion"
)

// appEnv holds the store and the engine wired from config.
type appEnv struct {
	Store  store.Store
	Engine *engine.Engine
}

// Close releases the store.
func (a *appEnv) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "grants.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEnv opens and migrates the store and builds the engine with every
// collaborator the config enables. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	votes := voting.NewEngine(voting.QuorumConfig{
		MinVoters:             c.Voting.MinVoters,
		MinTokenParticipation: c.Voting.MinTokenParticipation,
	})
	panel, err := buildPanel(c, st, votes)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Store:     st,
		Panel:     panel,
		Voting:    votes,
		Notifier:  buildNotifier(c),
		Submitter: buildSubmitter(c),
	}, engine.OptionsFromConfig(c))

	return &appEnv{Store: st, Engine: eng}, nil
}

// buildPanel assembles the LLM scorers and the community scorer. Without
// an Anthropic key only the community scorer runs.
func buildPanel(c *config.Config, polls scorer.PollSource, votes *voting.Engine) (*scorer.Panel, error) {
	scorers := []scorer.Scorer{scorer.NewCommunityScorer(polls, votes)}

	if c.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(c.Anthropic.Key)
		var limiter *rate.Limiter
		if c.Anthropic.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(c.Anthropic.RequestsPerSecond), 1)
		}
		for _, agent := range scorer.LLMAgents() {
			s, err := scorer.NewLLMScorer(agent, client, scorer.LLMOptions{
				Model:     c.Anthropic.Model,
				MaxTokens: c.Anthropic.MaxTokens,
				Limiter:   limiter,
			})
			if err != nil {
				return nil, err
			}
			scorers = append(scorers, s)
		}
	} else {
		zap.L().Warn("anthropic key not set, LLM scorers disabled")
	}

	return scorer.NewPanel(scorer.PanelConfig{
		Timeout:       c.Evaluation.ScorerTimeout(),
		MaxConcurrent: c.Evaluation.MaxConcurrentScorers,
		Retry:         resilience.RetryFromConfig(c.Resilience),
		Breaker:       resilience.BreakerFromConfig(c.Resilience),
	}, scorers...), nil
}

func buildNotifier(c *config.Config) notify.Notifier {
	notifiers := notify.Multi{notify.Log{}}
	if c.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(c.Notify.WebhookURL,
			&http.Client{Timeout: 10 * time.Second}, resilience.RetryFromConfig(c.Resilience)))
	}
	if c.Notify.NotionToken != "" && c.Notify.NotionDatabaseID != "" {
		board := notion.NewBoard(notion.NewClient(c.Notify.NotionToken), c.Notify.NotionDatabaseID)
		notifiers = append(notifiers, notify.NewNotion(board))
	}
	return notifiers
}

// buildSubmitter returns nil when no gateway is configured; payouts then
// have to be recorded by transaction hash.
func buildSubmitter(c *config.Config) payment.Submitter {
	if c.Payment.GatewayURL == "" {
		return nil
	}
	return payment.NewGatewaySubmitter(payment.GatewayOptions{
		URL:    c.Payment.GatewayURL,
		APIKey: c.Payment.APIKey,
		Retry:  resilience.RetryFromConfig(c.Resilience),
	})
}
