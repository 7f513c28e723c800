package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-review/internal/config"
	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/notify"
	"github.com/sells-group/grant-review/internal/payment"
	"github.com/sells-group/grant-review/internal/resilience"
	"github.com/sells-group/grant-review/internal/scorer"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

type stubScorer struct {
	name  model.AgentName
	score float64
	vote  model.Vote
	err   error
}

func (s stubScorer) Name() model.AgentName { return s.name }

func (s stubScorer) Evaluate(context.Context, model.Proposal) (*scorer.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &scorer.Result{Score: s.score, Vote: s.vote, Confidence: 0.8, Rationale: "stub"}, nil
}

func panelOf(scores []float64, votes []model.Vote) *scorer.Panel {
	agents := []model.AgentName{
		model.AgentTechnical, model.AgentImpact, model.AgentDueDiligence,
		model.AgentBudget, model.AgentCommunity,
	}
	var ss []scorer.Scorer
	for i := range scores {
		ss = append(ss, stubScorer{name: agents[i], score: scores[i], vote: votes[i]})
	}
	return scorer.NewPanel(scorer.PanelConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
	}, ss...)
}

func approvingPanel() *scorer.Panel {
	return panelOf(
		[]float64{1.0, 0.5, -0.2, 0.8, 0.6},
		[]model.Vote{model.VoteApprove, model.VoteApprove, model.VoteReject, model.VoteApprove, model.VoteApprove},
	)
}

func rejectingPanel() *scorer.Panel {
	return panelOf(
		[]float64{-0.5, 0.1, -0.2, 0.0, 0.2},
		[]model.Vote{model.VoteReject, model.VoteReject, model.VoteReject, model.VoteAbstain, model.VoteApprove},
	)
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, string(ev.EntityType)+":"+ev.To)
	}
	return out
}

// MockSubmitter is a testify mock for payment.Submitter.
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, req payment.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type harness struct {
	eng   *Engine
	store *store.SQLiteStore
	notes *recorder
	pay   *MockSubmitter
	clock time.Time
}

func newHarness(t *testing.T, panel *scorer.Panel, mutate func(*Options)) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	opts := DefaultOptions()
	opts.ConflictRetry.InitialBackoff = time.Millisecond
	opts.ConflictRetry.MaxBackoff = time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{
		store: st,
		notes: &recorder{},
		pay:   &MockSubmitter{},
		clock: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.eng = New(Deps{
		Store:     st,
		Panel:     panel,
		Voting:    voting.NewEngine(voting.QuorumConfig{MinVoters: 2, MinTokenParticipation: 0.05}),
		Notifier:  h.notes,
		Submitter: h.pay,
	}, opts)
	h.eng.now = func() time.Time {
		h.clock = h.clock.Add(time.Minute)
		return h.clock
	}
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGrant() NewGrant {
	return NewGrant{
		Title:           "Chain indexer",
		Description:     "Index the chain.",
		Applicant:       "alice",
		RequestedAmount: dec("10000"),
		Schedule: []model.MilestoneSpec{
			{Title: "Design", Amount: dec("4000")},
			{Title: "Ship", Amount: dec("6000")},
		},
	}
}

func (h *harness) approvedGrant(t *testing.T) (*model.Grant, []model.Milestone) {
	t.Helper()
	ctx := context.Background()
	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	_, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	g, ms, err := h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantApprove, Actor: "admin", Reason: "strong panel"})
	require.NoError(t, err)
	return g, ms
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
}

func TestSubmitGrant_Validation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*NewGrant)
	}{
		{"no title", func(n *NewGrant) { n.Title = " " }},
		{"no applicant", func(n *NewGrant) { n.Applicant = "" }},
		{"zero amount", func(n *NewGrant) { n.RequestedAmount = decimal.Zero }},
		{"bad schedule amount", func(n *NewGrant) { n.Schedule[0].Amount = dec("-1") }},
		{"schedule over request", func(n *NewGrant) { n.Schedule[1].Amount = dec("7000") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newGrant()
			tt.mutate(&n)
			_, err := h.eng.SubmitGrant(ctx, n)
			requireKind(t, err, workflow.ErrValidation)
		})
	}

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusPending, g.Status)
	assert.Equal(t, "USD", g.Currency)

	got, err := h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Title, got.Title)
}

func TestEvaluateGrant_EndToEnd(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	g, res, err := h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.545, res.OverallScore, 1e-9)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, model.VerdictApprove, res.Verdict)
	assert.Equal(t, model.GrantStatusUnderReview, g.Status)
	require.NotNil(t, g.OverallScore)
	assert.InDelta(t, 0.545, *g.OverallScore, 1e-9)

	evals, err := h.eng.ListEvaluations(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 5)

	// Human review is required: nothing is approved yet.
	ms, err := h.eng.ListMilestones(ctx, store.MilestoneFilter{GrantID: g.ID})
	require.NoError(t, err)
	assert.Empty(t, ms)

	g, ms, err = h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantApprove, Actor: "admin", Reason: "ok"})
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusActive, g.Status)
	require.Len(t, ms, 2)
	assert.Equal(t, model.MilestoneStatusActive, ms[0].Status)
	assert.Equal(t, model.MilestoneStatusPending, ms[1].Status)

	history, err := h.eng.History(ctx, model.EntityGrant, g.ID)
	require.NoError(t, err)
	var path []string
	for _, ev := range history {
		path = append(path, ev.To)
	}
	assert.Equal(t, []string{"pending", "under_evaluation", "under_review", "approved", "active"}, path)
	assert.Contains(t, h.notes.targets(), "grant:approved")
}

func TestEvaluateGrant_RerunAfterDecision(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	g, _ := h.approvedGrant(t)

	before, err := h.eng.History(ctx, model.EntityGrant, g.ID)
	require.NoError(t, err)

	got, res, err := h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusActive, got.Status)
	require.NotNil(t, res)
	assert.Equal(t, model.VerdictApprove, res.Verdict)

	evals, err := h.eng.ListEvaluations(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 5)

	after, err := h.eng.History(ctx, model.EntityGrant, g.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	got, _, err = h.eng.FinalizeEvaluation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusActive, got.Status)
}

func TestEvaluateGrant_RerunOnRejected(t *testing.T) {
	h := newHarness(t, rejectingPanel(), func(o *Options) {
		o.Policy.RequireHumanReview = false
	})
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	g, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.GrantStatusRejected, g.Status)

	g, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusRejected, g.Status)

	evals, err := h.eng.ListEvaluations(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 5)
}

func TestFinalizeEvaluation_AutoRejectAndResubmit(t *testing.T) {
	h := newHarness(t, rejectingPanel(), func(o *Options) {
		o.Policy.RequireHumanReview = false
	})
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	g, res, err := h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictReject, res.Verdict)
	assert.Equal(t, model.GrantStatusRejected, g.Status)
	assert.Contains(t, h.notes.targets(), "grant:rejected")

	n := newGrant()
	n.ResubmissionOf = g.ID
	again, err := h.eng.SubmitGrant(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, g.ID, again.ResubmissionOf)

	n.ResubmissionOf = again.ID
	_, err = h.eng.SubmitGrant(ctx, n)
	requireKind(t, err, workflow.ErrPrecondition)
}

func TestFinalizeEvaluation_AutoApprove(t *testing.T) {
	h := newHarness(t, approvingPanel(), func(o *Options) {
		o.Policy.RequireHumanReview = false
	})
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	g, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusActive, g.Status)

	ms, err := h.eng.ListMilestones(ctx, store.MilestoneFilter{GrantID: g.ID})
	require.NoError(t, err)
	assert.Len(t, ms, 2)
}

func TestFinalizeEvaluation_GovernanceGateHoldsAutoApproval(t *testing.T) {
	h := newHarness(t, approvingPanel(), func(o *Options) {
		o.Policy.RequireHumanReview = false
		o.GovernanceGate = true
	})
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	g, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusUnderReview, g.Status)

	_, _, err = h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantApprove, Actor: "admin"})
	requireKind(t, err, workflow.ErrPrecondition)

	p, err := h.eng.CreatePoll(ctx, testPoll(g.ID))
	require.NoError(t, err)
	for _, voter := range []string{"v1", "v2", "v3"} {
		_, err := h.eng.CastVote(ctx, p.ID, Ballot{VoterID: voter, OptionID: "yes", TokenBalance: 100})
		require.NoError(t, err)
	}
	g, ms, err := h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantApprove, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusActive, g.Status)
	assert.Len(t, ms, 2)
}

func TestFinalizeEvaluation_RequireCompletePanel(t *testing.T) {
	partial := panelOf(
		[]float64{1.0, 0.5},
		[]model.Vote{model.VoteApprove, model.VoteApprove},
	)
	h := newHarness(t, partial, func(o *Options) { o.RequireCompletePanel = true })
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	_, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	requireKind(t, err, workflow.ErrPrecondition)

	got, err := h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusUnderEvaluation, got.Status)
	assert.Nil(t, got.OverallScore)
}

func TestEvaluateGrant_AllAgentsFail(t *testing.T) {
	down := errors.New("model unavailable")
	panel := scorer.NewPanel(scorer.PanelConfig{Retry: resilience.RetryConfig{MaxAttempts: 1}},
		stubScorer{name: model.AgentTechnical, err: down},
		stubScorer{name: model.AgentImpact, err: down},
	)
	h := newHarness(t, panel, nil)
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	_, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	requireKind(t, err, workflow.ErrCollaborator)
}

func TestEvaluateGrant_NoPanel(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, _, err := h.eng.EvaluateGrant(context.Background(), "g1")
	requireKind(t, err, workflow.ErrCollaborator)
}

func TestRecordEvaluation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	ev := model.AgentEvaluation{GrantID: g.ID, AgentName: model.AgentTechnical, Score: 0.7, Vote: model.VoteApprove, Confidence: 0.9}
	requireKind(t, h.eng.RecordEvaluation(ctx, ev), workflow.ErrPrecondition)

	_, err = h.eng.StartEvaluation(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, h.eng.RecordEvaluation(ctx, ev))

	ev.Score = 2
	requireKind(t, h.eng.RecordEvaluation(ctx, ev), workflow.ErrValidation)

	_, res, err := h.eng.FinalizeEvaluation(ctx, g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.OverallScore, 1e-9)
	assert.False(t, res.Complete())
}

func TestDecideGrant_RejectAndCancel(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()

	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	_, _, err = h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: "maybe", Actor: "admin"})
	requireKind(t, err, workflow.ErrValidation)
	_, _, err = h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantReject, Actor: "admin"})
	requireKind(t, err, workflow.ErrPrecondition)

	_, _, err = h.eng.EvaluateGrant(ctx, g.ID)
	require.NoError(t, err)
	g, _, err = h.eng.DecideGrant(ctx, g.ID, GrantDecision{Action: GrantReject, Actor: "admin", Reason: "scope"})
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusRejected, g.Status)

	_, err = h.eng.CancelGrant(ctx, g.ID, "admin", "duplicate")
	requireKind(t, err, workflow.ErrPrecondition)

	other, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)
	_, err = h.eng.CancelGrant(ctx, other.ID, "admin", "")
	requireKind(t, err, workflow.ErrValidation)
	other, err = h.eng.CancelGrant(ctx, other.ID, "admin", "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusCancelled, other.Status)
}

func TestMilestoneLifecycle(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	g, ms := h.approvedGrant(t)
	first, second := ms[0], ms[1]

	// A pending milestone cannot be submitted under the sequential model.
	_, err := h.eng.SubmitMilestone(ctx, second.ID, "https://proof", "notes")
	requireKind(t, err, workflow.ErrPrecondition)

	m, err := h.eng.SubmitMilestone(ctx, first.ID, "https://proof/1", "design doc")
	require.NoError(t, err)
	assert.Equal(t, 1, m.SubmissionCycle)

	for _, agent := range []model.AgentName{model.AgentTechnical, model.AgentImpact} {
		score := 0.8
		m, err = h.eng.RecordMilestoneReview(ctx, model.AgentMilestoneReview{
			MilestoneID: first.ID, AgentName: agent, Recommendation: model.RecommendApprove,
			ReviewScore: &score, Confidence: 0.9, DeliverablesMet: true,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Reviews.Approvals)

	_, err = h.eng.RecordMilestoneReview(ctx, model.AgentMilestoneReview{
		MilestoneID: first.ID, AgentName: model.AgentBudget, Cycle: 7, Recommendation: model.RecommendReject,
	})
	requireKind(t, err, workflow.ErrPrecondition)

	// Rejecting against an approving majority is recorded as an override.
	m, d, err := h.eng.DecideMilestone(ctx, first.ID, MilestoneRuling{Decision: model.DecisionRejected, AdminID: "admin", Feedback: "incomplete"})
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusRejected, m.Status)
	assert.True(t, d.OverrideAgents)
	assert.Equal(t, 2, d.Stats.Approvals)

	_, err = h.eng.ReopenMilestone(ctx, first.ID, "admin", "")
	requireKind(t, err, workflow.ErrValidation)
	m, err = h.eng.ReopenMilestone(ctx, first.ID, "admin", "second chance")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusActive, m.Status)

	m, err = h.eng.SubmitMilestone(ctx, first.ID, "https://proof/2", "design doc v2")
	require.NoError(t, err)
	assert.Equal(t, 2, m.SubmissionCycle)
	assert.Zero(t, m.Reviews.Total)

	m, d, err = h.eng.DecideMilestone(ctx, first.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
	require.NoError(t, err)
	assert.False(t, d.OverrideAgents)
	assert.True(t, m.PaymentAuthorized)

	decisions, err := h.eng.ListDecisions(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, 1, decisions[0].Cycle)
	assert.Equal(t, 2, decisions[1].Cycle)

	h.pay.On("Submit", mock.Anything, mock.MatchedBy(func(r payment.Request) bool {
		return r.MilestoneID == first.ID && r.Recipient == "alice" && r.Amount.Equal(dec("4000"))
	})).Return("0xabc", nil).Once()

	m, err = h.eng.ReleasePayment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusPaid, m.Status)
	assert.Equal(t, "0xabc", m.PaymentTxHash)

	next, err := h.eng.GetMilestone(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusActive, next.Status)

	// Same hash again is a no-op.
	m, err = h.eng.RecordPayment(ctx, first.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusPaid, m.Status)
	_, err = h.eng.RecordPayment(ctx, first.ID, "0xdef")
	requireKind(t, err, workflow.ErrPrecondition)

	_, err = h.eng.SubmitMilestone(ctx, second.ID, "https://proof/3", "shipped")
	require.NoError(t, err)
	_, _, err = h.eng.DecideMilestone(ctx, second.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin"})
	require.NoError(t, err)

	_, err = h.eng.RecordPayment(ctx, second.ID, "0x123")
	requireKind(t, err, workflow.ErrPrecondition)
	_, err = h.eng.AuthorizePayment(ctx, second.ID, "admin")
	require.NoError(t, err)
	_, err = h.eng.RecordPayment(ctx, second.ID, "0x123")
	require.NoError(t, err)

	g, err = h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusCompleted, g.Status)
	assert.Contains(t, h.notes.targets(), "grant:completed")
	assert.Contains(t, h.notes.targets(), "milestone:paid")
	h.pay.AssertExpectations(t)
}

func TestResumeMilestone(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	_, ms := h.approvedGrant(t)

	_, err := h.eng.SubmitMilestone(ctx, ms[0].ID, "https://proof", "draft")
	require.NoError(t, err)
	m, _, err := h.eng.DecideMilestone(ctx, ms[0].ID, MilestoneRuling{Decision: model.DecisionRevisionRequested, AdminID: "admin", Feedback: "add tests"})
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusRevisionRequested, m.Status)

	m, err = h.eng.ResumeMilestone(ctx, ms[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusActive, m.Status)
	assert.Empty(t, m.ProofURL)
}

func TestReleasePayment_SubmitFailsLeavesUnsettled(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	_, ms := h.approvedGrant(t)

	_, err := h.eng.SubmitMilestone(ctx, ms[0].ID, "https://proof", "done")
	require.NoError(t, err)
	_, _, err = h.eng.DecideMilestone(ctx, ms[0].ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
	require.NoError(t, err)

	h.pay.On("Submit", mock.Anything, mock.Anything).Return("", errors.New("gateway down")).Once()
	_, err = h.eng.ReleasePayment(ctx, ms[0].ID)
	requireKind(t, err, workflow.ErrCollaborator)

	unsettled, err := h.eng.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	assert.Equal(t, ms[0].ID, unsettled[0].ID)

	// The durable workflow reaches the engine through the ledger.
	require.NoError(t, h.eng.Ledger().RecordPayment(ctx, ms[0].ID, "0xfeed"))
	unsettled, err = h.eng.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsettled)
}

func TestPreparePayment(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	_, ms := h.approvedGrant(t)

	_, err := h.eng.Ledger().PreparePayment(ctx, ms[0].ID)
	requireKind(t, err, workflow.ErrPrecondition)

	_, err = h.eng.SubmitMilestone(ctx, ms[0].ID, "https://proof", "done")
	require.NoError(t, err)
	_, _, err = h.eng.DecideMilestone(ctx, ms[0].ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
	require.NoError(t, err)

	req, err := h.eng.PreparePayment(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, payment.IdempotencyKey(ms[0].ID), req.IdempotencyKey)
	assert.Equal(t, "USD", req.Currency)
	assert.Equal(t, "alice", req.Recipient)
}

func TestUpdateMilestoneFields(t *testing.T) {
	h := newHarness(t, approvingPanel(), nil)
	ctx := context.Background()
	_, ms := h.approvedGrant(t)

	over := dec("6001")
	_, err := h.eng.UpdateMilestoneFields(ctx, ms[1].ID, model.MilestonePatch{Amount: &over})
	requireKind(t, err, workflow.ErrPrecondition)

	_, err = h.eng.UpdateMilestoneFields(ctx, ms[1].ID, model.MilestonePatch{})
	requireKind(t, err, workflow.ErrValidation)

	title := "Ship to mainnet"
	amount := dec("5500")
	m, err := h.eng.UpdateMilestoneFields(ctx, ms[1].ID, model.MilestonePatch{Title: &title, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, title, m.Title)

	got, err := h.eng.GetMilestone(ctx, ms[1].ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(amount))

	_, err = h.eng.SubmitMilestone(ctx, ms[0].ID, "https://proof", "done")
	require.NoError(t, err)
	_, err = h.eng.UpdateMilestoneFields(ctx, ms[0].ID, model.MilestonePatch{Title: &title})
	requireKind(t, err, workflow.ErrPrecondition)
}

// requireGrantBlocked asserts err is a precondition raised because the
// milestone's grant is no longer active.
func requireGrantBlocked(t *testing.T, err error) {
	t.Helper()
	requireKind(t, err, workflow.ErrPrecondition)
	var te *workflow.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.EntityMilestone, te.Entity)
	assert.Contains(t, te.Reason, "cancelled")
}

func TestMilestones_CancelledGrantBlocksWork(t *testing.T) {
	h := newHarness(t, approvingPanel(), func(o *Options) { o.PaymentModel = model.PaymentParallel })
	ctx := context.Background()
	g, ms := h.approvedGrant(t)
	paid, open := ms[0], ms[1]

	_, err := h.eng.SubmitMilestone(ctx, paid.ID, "https://proof/1", "done")
	require.NoError(t, err)
	_, _, err = h.eng.DecideMilestone(ctx, paid.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
	require.NoError(t, err)
	_, err = h.eng.SubmitMilestone(ctx, open.ID, "https://proof/2", "done")
	require.NoError(t, err)

	g, err = h.eng.CancelGrant(ctx, g.ID, "admin", "applicant withdrew")
	require.NoError(t, err)
	require.Equal(t, model.GrantStatusCancelled, g.Status)

	_, _, err = h.eng.DecideMilestone(ctx, open.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
	requireGrantBlocked(t, err)
	_, err = h.eng.RecordMilestoneReview(ctx, model.AgentMilestoneReview{
		MilestoneID: open.ID, AgentName: model.AgentTechnical, Recommendation: model.RecommendApprove, Confidence: 0.9,
	})
	requireGrantBlocked(t, err)
	_, err = h.eng.SubmitMilestone(ctx, open.ID, "https://proof/3", "again")
	requireGrantBlocked(t, err)
	_, err = h.eng.ReleasePayment(ctx, paid.ID)
	requireGrantBlocked(t, err)
	_, err = h.eng.Ledger().PreparePayment(ctx, paid.ID)
	requireGrantBlocked(t, err)
	_, err = h.eng.RecordPayment(ctx, paid.ID, "0xpaid")
	requireGrantBlocked(t, err)
	h.pay.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	got, err := h.eng.GetMilestone(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusApproved, got.Status)
	assert.Empty(t, got.PaymentTxHash)
	got, err = h.eng.GetMilestone(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusSubmitted, got.Status)
}

func TestRecordPayment_SameHashAfterCompletion(t *testing.T) {
	h := newHarness(t, approvingPanel(), func(o *Options) { o.PaymentModel = model.PaymentParallel })
	ctx := context.Background()
	g, ms := h.approvedGrant(t)
	hashes := []string{"0xa", "0xb"}

	for i, m := range ms {
		_, err := h.eng.SubmitMilestone(ctx, m.ID, "https://proof", "done")
		require.NoError(t, err)
		_, _, err = h.eng.DecideMilestone(ctx, m.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
		require.NoError(t, err)
		_, err = h.eng.RecordPayment(ctx, m.ID, hashes[i])
		require.NoError(t, err)
	}
	g, err := h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.GrantStatusCompleted, g.Status)

	// A retried record activity must not fail once the grant is done.
	require.NoError(t, h.eng.Ledger().RecordPayment(ctx, ms[1].ID, hashes[1]))
	_, err = h.eng.RecordPayment(ctx, ms[1].ID, "0xother")
	requireKind(t, err, workflow.ErrPrecondition)
}

// interleavingStore runs before ahead of the next commit, standing in for
// a writer that read the same snapshot and committed first.
type interleavingStore struct {
	store.Store
	before func()
}

func (s *interleavingStore) Commit(ctx context.Context, cs *store.Changeset) error {
	if f := s.before; f != nil {
		s.before = nil
		f()
	}
	return s.Store.Commit(ctx, cs)
}

func TestRecordPayment_SiblingPaidConcurrently(t *testing.T) {
	h := newHarness(t, approvingPanel(), func(o *Options) { o.PaymentModel = model.PaymentParallel })
	ctx := context.Background()
	g, ms := h.approvedGrant(t)

	for _, m := range ms {
		_, err := h.eng.SubmitMilestone(ctx, m.ID, "https://proof", "done")
		require.NoError(t, err)
		_, _, err = h.eng.DecideMilestone(ctx, m.ID, MilestoneRuling{Decision: model.DecisionApproved, AdminID: "admin", AuthorizePayment: true})
		require.NoError(t, err)
	}

	h.eng.store = &interleavingStore{Store: h.store, before: func() {
		_, err := h.eng.RecordPayment(ctx, ms[1].ID, "0x2")
		require.NoError(t, err)
	}}

	m, err := h.eng.RecordPayment(ctx, ms[0].ID, "0x1")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusPaid, m.Status)

	g, err = h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusCompleted, g.Status)
	assert.Contains(t, h.notes.targets(), "grant:completed")
}

func testPoll(grantID string) NewPoll {
	return NewPoll{
		GrantID:     grantID,
		Question:    "Fund the indexer?",
		Strategy:    model.StrategyTokenWeighted,
		TotalTokens: 1000,
		Options: []model.PollOption{
			{ID: "yes", Label: "Yes", Value: 100},
			{ID: "no", Label: "No", Value: 0},
		},
	}
}

func TestPolls(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.AllowRevote = false })
	ctx := context.Background()
	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	bad := testPoll(g.ID)
	bad.Options = bad.Options[:1]
	_, err = h.eng.CreatePoll(ctx, bad)
	requireKind(t, err, workflow.ErrValidation)

	p, err := h.eng.CreatePoll(ctx, testPoll(g.ID))
	require.NoError(t, err)
	assert.False(t, p.AllowRevote)
	assert.Equal(t, 7*24*time.Hour, p.EndsAt.Sub(p.StartsAt))

	_, err = h.eng.TallyPoll(ctx, p.ID)
	assert.ErrorIs(t, err, voting.ErrNoVotes)

	_, err = h.eng.CastVote(ctx, p.ID, Ballot{VoterID: "v1", OptionID: "yes", TokenBalance: 300})
	require.NoError(t, err)
	_, err = h.eng.CastVote(ctx, p.ID, Ballot{VoterID: "v1", OptionID: "no", TokenBalance: 300})
	requireKind(t, err, workflow.ErrPrecondition)
	_, err = h.eng.CastVote(ctx, p.ID, Ballot{VoterID: "v2", OptionID: "maybe"})
	requireKind(t, err, workflow.ErrValidation)
	_, err = h.eng.CastVote(ctx, p.ID, Ballot{VoterID: "v2", OptionID: "no", TokenBalance: 100})
	require.NoError(t, err)

	res, err := h.eng.TallyPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.UniqueVoters)
	assert.InDelta(t, 75.0, res.Sentiment.Score, 1e-9)
	assert.Equal(t, voting.AssessmentApprove, res.Assessment)

	closed, final, err := h.eng.ClosePoll(ctx, p.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.PollStatusClosed, closed.Status)
	require.NotNil(t, final)
	assert.Equal(t, res.Sentiment.Score, final.Sentiment.Score)

	_, err = h.eng.CastVote(ctx, p.ID, Ballot{VoterID: "v3", OptionID: "yes", TokenBalance: 10})
	requireKind(t, err, workflow.ErrPrecondition)
	_, _, err = h.eng.ClosePoll(ctx, p.ID, "admin")
	requireKind(t, err, workflow.ErrPrecondition)

	history, err := h.eng.History(ctx, model.EntityPoll, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "closed", history[0].To)
}

func TestOverrideStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	_, err = h.eng.OverrideStatus(ctx, Override{Entity: model.EntityGrant, ID: g.ID, To: "under_review", Actor: "ops"})
	requireKind(t, err, workflow.ErrValidation)
	_, err = h.eng.OverrideStatus(ctx, Override{Entity: model.EntityGrant, ID: g.ID, To: "limbo", Actor: "ops", Reason: "x"})
	requireKind(t, err, workflow.ErrValidation)
	_, err = h.eng.OverrideStatus(ctx, Override{Entity: model.EntityPoll, ID: "p1", To: "closed", Actor: "ops", Reason: "x"})
	requireKind(t, err, workflow.ErrValidation)

	ev, err := h.eng.OverrideStatus(ctx, Override{Entity: model.EntityGrant, ID: g.ID, To: "cancelled", Actor: "ops", Reason: "fraud report"})
	require.NoError(t, err)
	assert.Equal(t, "pending", ev.From)
	assert.Equal(t, model.EventOverride, ev.Kind)

	got, err := h.eng.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusCancelled, got.Status)

	history, err := h.eng.History(ctx, model.EntityGrant, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventOverride, history[len(history)-1].Kind)
	assert.Contains(t, h.notes.targets(), "grant:cancelled")
}

// racyStore loses the first n commits to a concurrent writer.
type racyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	commits  int
}

func (s *racyStore) Commit(ctx context.Context, cs *store.Changeset) error {
	s.mu.Lock()
	s.commits++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return store.ErrConflict
	}
	return s.Store.Commit(ctx, cs)
}

func TestConflictRetry(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	g, err := h.eng.SubmitGrant(ctx, newGrant())
	require.NoError(t, err)

	racy := &racyStore{Store: h.store, failures: 2}
	h.eng.store = racy
	got, err := h.eng.StartEvaluation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusUnderEvaluation, got.Status)
	assert.Equal(t, 3, racy.commits)

	racy.failures = 10
	_, err = h.eng.CancelGrant(ctx, g.ID, "admin", "stop")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestNotable(t *testing.T) {
	tests := []struct {
		ev   model.StatusEvent
		want bool
	}{
		{model.StatusEvent{EntityType: model.EntityGrant, To: "under_review"}, false},
		{model.StatusEvent{EntityType: model.EntityGrant, To: "approved"}, true},
		{model.StatusEvent{EntityType: model.EntityMilestone, To: "active"}, false},
		{model.StatusEvent{EntityType: model.EntityMilestone, To: "paid"}, true},
		{model.StatusEvent{EntityType: model.EntityMilestone, To: "active", Kind: model.EventOverride}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, notable(&tt.ev), tt.ev.To)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, consensus.DefaultWeights(), opts.Weights)
	assert.True(t, opts.Policy.RequireHumanReview)
	assert.Equal(t, model.PaymentSequential, opts.PaymentModel)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Evaluation.Weights = config.WeightsConfig{Technical: 0.5, Impact: 0.5}
	cfg.Evaluation.MinPassingScore = 0.3
	cfg.Evaluation.RequireHumanReview = false
	cfg.Voting.DefaultPollDurationHours = 48
	cfg.Voting.GovernanceGate = true
	cfg.Milestones.PaymentModel = "parallel"
	cfg.Resilience.ConflictRetries = 5

	opts := OptionsFromConfig(cfg)
	assert.InDelta(t, 0.5, opts.Weights[model.AgentTechnical], 1e-9)
	assert.Zero(t, opts.Weights[model.AgentCommunity])
	assert.InDelta(t, 0.3, opts.MinPassingScore, 1e-9)
	assert.False(t, opts.Policy.RequireHumanReview)
	assert.Equal(t, 48*time.Hour, opts.PollDuration)
	assert.True(t, opts.GovernanceGate)
	assert.Equal(t, model.PaymentParallel, opts.PaymentModel)
	assert.Equal(t, 5, opts.ConflictRetry.MaxAttempts)
	assert.True(t, opts.ConflictRetry.ShouldRetry(store.ErrConflict))
}
