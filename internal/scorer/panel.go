package scorer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/resilience"
)

// PanelConfig bounds how the panel calls its scorers.
type PanelConfig struct {
	Timeout       time.Duration
	MaxConcurrent int
	Retry         resilience.RetryConfig
	Breaker       resilience.CircuitBreakerConfig
}

// Outcome is what one agent produced in a panel run. Exactly one of
// Evaluation and Err is set.
type Outcome struct {
	Agent      model.AgentName
	Evaluation *model.AgentEvaluation
	Err        error
}

// Panel runs a fixed set of scorers concurrently.
type Panel struct {
	scorers  []Scorer
	cfg      PanelConfig
	breakers *resilience.Breakers
	now      func() time.Time
}

// NewPanel creates a Panel. Zero config values fall back to 2 minutes per
// agent and 5 concurrent calls.
func NewPanel(cfg PanelConfig, scorers ...Scorer) *Panel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Panel{
		scorers:  scorers,
		cfg:      cfg,
		breakers: resilience.NewBreakers(cfg.Breaker),
		now:      time.Now,
	}
}

// Agents returns the names of the panel's scorers.
func (p *Panel) Agents() []model.AgentName {
	names := make([]model.AgentName, len(p.scorers))
	for i, s := range p.scorers {
		names[i] = s.Name()
	}
	return names
}

// Breakers exposes the per-agent circuit breakers.
func (p *Panel) Breakers() *resilience.Breakers { return p.breakers }

// Run evaluates the proposal with every scorer. A failing agent never fails
// the run; its Outcome carries the error instead. Outcomes are sorted by
// agent name.
func (p *Panel) Run(ctx context.Context, proposal model.Proposal) []Outcome {
	log := zap.L().With(zap.String("grant_id", proposal.GrantID), zap.Int("agents", len(p.scorers)))
	log.Info("scorer panel started")

	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, 0, len(p.scorers))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)

	for _, s := range p.scorers {
		g.Go(func() error {
			out := p.runOne(gctx, s, proposal)
			if out.Err != nil {
				log.Warn("agent did not report", zap.String("agent", string(out.Agent)), zap.Error(out.Err))
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Agent < outcomes[j].Agent })
	log.Info("scorer panel finished", zap.Int("completed", len(Completed(outcomes))))
	return outcomes
}

func (p *Panel) runOne(ctx context.Context, s Scorer, proposal model.Proposal) Outcome {
	agent := s.Name()
	retry := p.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("scorer", string(agent))
	cb := p.breakers.Get(string(agent))

	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Result, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Result, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			return s.Evaluate(callCtx, proposal)
		})
	})
	if err != nil {
		return Outcome{Agent: agent, Err: err}
	}
	if err := res.Validate(); err != nil {
		return Outcome{Agent: agent, Err: eris.Wrapf(err, "agent %s", agent)}
	}

	return Outcome{
		Agent: agent,
		Evaluation: &model.AgentEvaluation{
			GrantID:     proposal.GrantID,
			AgentName:   agent,
			Score:       res.Score,
			Vote:        res.Vote,
			Confidence:  res.Confidence,
			Rationale:   res.Rationale,
			CompletedAt: p.now().UTC(),
		},
	}
}

// Completed returns the evaluations of agents that reported.
func Completed(outcomes []Outcome) []model.AgentEvaluation {
	var evals []model.AgentEvaluation
	for _, o := range outcomes {
		if o.Evaluation != nil {
			evals = append(evals, *o.Evaluation)
		}
	}
	return evals
}

// Failed returns the agents that did not report.
func Failed(outcomes []Outcome) []model.AgentName {
	var names []model.AgentName
	for _, o := range outcomes {
		if o.Err != nil {
			names = append(names, o.Agent)
		}
	}
	return names
}
