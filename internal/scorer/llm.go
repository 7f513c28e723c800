package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/resilience"
	"github.com/sells-group/grant-review/pkg/anthropic"
)

// rubrics holds the review focus of each LLM-backed agent.
var rubrics = map[model.AgentName]string{
	model.AgentTechnical: "Assess technical feasibility: is the approach sound, " +
		"is the team likely able to deliver it, and are the milestones concrete enough to verify?",
	model.AgentImpact: "Assess impact: who benefits, how much, and whether the outcome " +
		"would matter if the grant succeeded.",
	model.AgentDueDiligence: "Assess due diligence: applicant track record, red flags, " +
		"conflicts of interest and anything suggesting the proposal is not what it claims.",
	model.AgentBudget: "Assess the budget: is the requested amount reasonable for the scope, " +
		"and is it split sensibly across milestones?",
}

const responseFormat = `Respond with a single JSON object and nothing else:
{"score": <number from -1 (strongly against) to 1 (strongly for)>,
 "vote": "approve" | "reject" | "abstain",
 "confidence": <number from 0 to 1>,
 "rationale": "<two or three sentences>"}`

// LLMOptions configures an LLMScorer.
type LLMOptions struct {
	Model       string
	MaxTokens   int64
	Limiter     *rate.Limiter
	Temperature *float64
}

// LLMScorer asks a model to review a proposal under one agent's rubric.
type LLMScorer struct {
	agent  model.AgentName
	rubric string
	client anthropic.Client
	opts   LLMOptions
}

// NewLLMScorer creates a scorer for agent. Agents without a built-in rubric
// are rejected.
func NewLLMScorer(agent model.AgentName, client anthropic.Client, opts LLMOptions) (*LLMScorer, error) {
	rubric, ok := rubrics[agent]
	if !ok {
		return nil, eris.Errorf("scorer: no rubric for agent %q", agent)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &LLMScorer{agent: agent, rubric: rubric, client: client, opts: opts}, nil
}

// LLMAgents returns the agents that can be backed by an LLMScorer.
func LLMAgents() []model.AgentName {
	return []model.AgentName{model.AgentBudget, model.AgentDueDiligence, model.AgentImpact, model.AgentTechnical}
}

// Name implements Scorer.
func (s *LLMScorer) Name() model.AgentName { return s.agent }

// Evaluate implements Scorer.
func (s *LLMScorer) Evaluate(ctx context.Context, p model.Proposal) (*Result, error) {
	if s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "scorer: rate limit wait")
		}
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		System:      s.systemPrompt(),
		Messages:    []anthropic.Message{{Role: "user", Content: proposalPrompt(p)}},
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrapf(err, "scorer: %s", s.agent)
	}
	resp.Usage.LogCost(s.opts.Model, string(s.agent))

	var res Result
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &res); err != nil {
		return nil, eris.Wrapf(err, "scorer: %s: parse reply", s.agent)
	}
	res.Vote = model.Vote(strings.ToLower(strings.TrimSpace(string(res.Vote))))
	if err := res.Validate(); err != nil {
		return nil, eris.Wrapf(err, "scorer: %s", s.agent)
	}
	return &res, nil
}

func (s *LLMScorer) systemPrompt() string {
	return fmt.Sprintf("You are the %s reviewer on a grant committee.\n%s\n\n%s",
		strings.ReplaceAll(string(s.agent), "_", " "), s.rubric, responseFormat)
}

func proposalPrompt(p model.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	fmt.Fprintf(&b, "Applicant: %s\n", p.Applicant)
	fmt.Fprintf(&b, "Requested: %s %s\n", p.RequestedAmount.StringFixed(2), p.Currency)
	if len(p.Schedule) > 0 {
		b.WriteString("Milestones:\n")
		for i, m := range p.Schedule {
			fmt.Fprintf(&b, "  %d. %s (%s)", i+1, m.Title, m.Amount.StringFixed(2))
			if m.Description != "" {
				fmt.Fprintf(&b, ": %s", m.Description)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nProposal:\n")
	b.WriteString(p.Description)
	return b.String()
}

// cleanJSON strips markdown fences and surrounding prose from a reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
