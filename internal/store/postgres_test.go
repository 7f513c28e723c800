package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-review/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var (
	testNow     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	grantFields = []string{
		"id", "title", "description", "applicant", "requested_amount", "currency", "schedule", "status",
		"overall_score", "consensus_reached", "verdict", "resubmission_of",
		"evaluation_started_at", "evaluated_at", "decided_at", "version", "created_at", "updated_at",
	}
)

func testGrant() *model.Grant {
	return &model.Grant{
		ID: "g1", Title: "Indexer", Applicant: "alice",
		RequestedAmount: decimal.RequireFromString("10000"), Currency: "USD",
		Schedule: []model.MilestoneSpec{{Title: "Design", Amount: decimal.RequireFromString("4000")}},
		Status:   model.GrantStatusPending, CreatedAt: testNow, UpdatedAt: testNow,
	}
}

func TestPostgresStore_GetGrant(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	score := 0.545
	rows := pgxmock.NewRows(grantFields).AddRow(
		"g1", "Indexer", "desc", "alice", "10000.00", "USD", []byte(`[{"title":"Design","amount":"4000"}]`), "under_review",
		&score, true, "approve", "",
		&testNow, &testNow, (*time.Time)(nil), 3, testNow, testNow,
	)
	mock.ExpectQuery(`get_grant`).WithArgs("g1").WillReturnRows(rows)

	g, err := s.GetGrant(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, model.GrantStatusUnderReview, g.Status)
	assert.True(t, g.RequestedAmount.Equal(decimal.RequireFromString("10000")))
	require.NotNil(t, g.OverallScore)
	assert.InDelta(t, 0.545, *g.OverallScore, 1e-9)
	assert.Equal(t, model.VerdictApprove, g.Verdict)
	require.Len(t, g.Schedule, 1)
	assert.True(t, g.Schedule[0].Amount.Equal(decimal.RequireFromString("4000")))
	assert.Nil(t, g.DecidedAt)
	assert.Equal(t, 3, g.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGrant_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`get_grant`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := s.GetGrant(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateGrant(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	g := testGrant()
	ev := &model.StatusEvent{EntityType: model.EntityGrant, EntityID: "g1", To: "pending", Actor: "alice", Kind: model.EventTransition, CreatedAt: testNow}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO grants`).
		WithArgs("g1", "Indexer", "", "alice", pgxmock.AnyArg(), "USD", pgxmock.AnyArg(),
			"pending", nil, 0, testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO status_events`).
		WithArgs("grant", "g1", "", "pending", "alice", "", "transition", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateGrant(context.Background(), g, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	g := testGrant()
	g.Status = model.GrantStatusActive
	g.Version = 2
	m := &model.Milestone{ID: "m1", GrantID: "g1", Number: 1, Title: "Design", Amount: decimal.RequireFromString("4000"), Status: model.MilestoneStatusPaid, Version: 5}
	cs := &Changeset{
		Grant:         g,
		Milestones:    []*model.Milestone{m},
		NewMilestones: []model.Milestone{{ID: "m2", GrantID: "g1", Number: 2, Title: "Build", Amount: decimal.RequireFromString("6000"), Status: model.MilestoneStatusActive}},
		Decision:      &model.MilestoneDecision{ID: "d1", MilestoneID: "m1", Cycle: 1, Decision: model.DecisionApproved, AdminID: "admin"},
	}
	cs.AddEvent(
		&model.StatusEvent{EntityType: model.EntityMilestone, EntityID: "m1", From: "approved", To: "paid"},
		nil,
		&model.StatusEvent{EntityType: model.EntityMilestone, EntityID: "m2", From: "pending", To: "active"},
	)
	require.Len(t, cs.Events, 2)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE grants SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE milestones SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"milestones"}, milestoneCopyColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO milestone_decisions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO status_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO status_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background(), cs))
	assert.Equal(t, 3, g.Version)
	assert.Equal(t, 6, m.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Commit_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	g := testGrant()
	g.Version = 4
	cs := &Changeset{Grant: g}
	cs.AddEvent(&model.StatusEvent{EntityType: model.EntityGrant, EntityID: "g1", To: "under_evaluation"})

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE grants SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), cs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 4, g.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEvaluations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	evals := []model.AgentEvaluation{
		{GrantID: "g1", AgentName: model.AgentTechnical, Score: 0.2, Vote: model.VoteAbstain, Confidence: 0.5, CompletedAt: testNow},
		{GrantID: "g1", AgentName: model.AgentImpact, Score: 0.6, Vote: model.VoteApprove, Confidence: 0.9, CompletedAt: testNow},
		{GrantID: "g1", AgentName: model.AgentTechnical, Score: 0.8, Vote: model.VoteApprove, Confidence: 0.9, CompletedAt: testNow},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_agent_evaluations"}, evaluationUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "agent_evaluations"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertEvaluations(context.Background(), evals))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CastVote(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	v := model.CastVote{PollID: "p1", VoterID: "v1", OptionID: "yes", TokenBalance: 100, Reputation: 50, CastAt: testNow}

	mock.ExpectExec(`DO UPDATE SET option_id`).
		WithArgs("p1", "v1", "yes", 100.0, 50.0, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CastVote(context.Background(), v, true))

	mock.ExpectExec(`DO NOTHING`).
		WithArgs("p1", "v1", "yes", 100.0, 50.0, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	err := s.CastVote(context.Background(), v, false)
	assert.True(t, errors.Is(err, ErrDuplicateVote))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClosePoll_NotActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE polls SET status`).
		WithArgs("closed", "p1", "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ClosePoll(context.Background(), "p1", nil)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMilestones_Unsettled(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{
		"id", "grant_id", "number", "title", "description", "amount", "status", "proof_url", "submission_notes",
		"submitted_at", "submission_cycle", "admin_reviewed", "current_decision_id", "review_stats",
		"payment_authorized", "payment_tx_hash", "paid_at", "version", "created_at", "updated_at",
	}
	rows := pgxmock.NewRows(cols).AddRow(
		"m1", "g1", 1, "Design", "", "4000.00", "approved", "https://proof", "done",
		&testNow, 1, true, "d1", []byte(`{"total":3,"approvals":2}`),
		true, "", (*time.Time)(nil), 2, testNow, testNow,
	)
	mock.ExpectQuery(`FROM milestones WHERE status = \$1 AND payment_authorized = \$2 AND payment_tx_hash = ''`).
		WithArgs("approved", true).
		WillReturnRows(rows)

	ms, err := s.ListMilestones(context.Background(), MilestoneFilter{Unsettled: true})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 3, ms[0].Reviews.Total)
	assert.Equal(t, 2, ms[0].Reviews.Approvals)
	assert.True(t, ms[0].PaymentAuthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS grants`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestGrantFilterSQL(t *testing.T) {
	q, args := grantFilterSQL(model.GrantFilter{Status: model.GrantStatusActive, Applicant: "alice", Limit: 10, Offset: 20})
	assert.Equal(t, " WHERE status = ? AND applicant = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?", q)
	assert.Equal(t, []any{"active", "alice", 10, 20}, args)

	q, args = grantFilterSQL(model.GrantFilter{})
	assert.Equal(t, " ORDER BY created_at DESC, id", q)
	assert.Empty(t, args)
}

func TestDedupeEvaluations(t *testing.T) {
	out := dedupeEvaluations([]model.AgentEvaluation{
		{GrantID: "g1", AgentName: model.AgentTechnical, Score: 0.1},
		{GrantID: "g1", AgentName: model.AgentBudget, Score: 0.2},
		{GrantID: "g1", AgentName: model.AgentTechnical, Score: 0.9},
	})
	require.Len(t, out, 2)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
	assert.Equal(t, model.AgentBudget, out[1].AgentName)
}
