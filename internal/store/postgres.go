package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/grant-review/internal/db"
	"github.com/sells-group/grant-review/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection and executed by
// name.
var preparedStatements = map[string]string{
	"get_grant":     rebind(`SELECT ` + grantColumns + ` FROM grants WHERE id = ?`),
	"get_milestone": rebind(`SELECT ` + milestoneColumns + ` FROM milestones WHERE id = ?`),
	"get_poll":      rebind(`SELECT ` + pollColumns + ` FROM polls WHERE id = ?`),
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS grants (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	applicant             TEXT NOT NULL,
	requested_amount      NUMERIC(20,2) NOT NULL CHECK (requested_amount > 0),
	currency              TEXT NOT NULL DEFAULT 'USD',
	schedule              JSONB NOT NULL DEFAULT '[]',
	status                TEXT NOT NULL DEFAULT 'pending',
	overall_score         DOUBLE PRECISION,
	consensus_reached     BOOLEAN NOT NULL DEFAULT false,
	verdict               TEXT NOT NULL DEFAULT '',
	resubmission_of       TEXT REFERENCES grants(id),
	evaluation_started_at TIMESTAMPTZ,
	evaluated_at          TIMESTAMPTZ,
	decided_at            TIMESTAMPTZ,
	version               INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_grants_status ON grants(status);
CREATE INDEX IF NOT EXISTS idx_grants_applicant ON grants(applicant);

CREATE TABLE IF NOT EXISTS agent_evaluations (
	grant_id     TEXT NOT NULL REFERENCES grants(id),
	agent_name   TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL CHECK (score BETWEEN -1 AND 1),
	vote         TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	rationale    TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (grant_id, agent_name)
);

CREATE TABLE IF NOT EXISTS milestones (
	id                  TEXT PRIMARY KEY,
	grant_id            TEXT NOT NULL REFERENCES grants(id),
	number              INTEGER NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	amount              NUMERIC(20,2) NOT NULL CHECK (amount > 0),
	status              TEXT NOT NULL,
	proof_url           TEXT NOT NULL DEFAULT '',
	submission_notes    TEXT NOT NULL DEFAULT '',
	submitted_at        TIMESTAMPTZ,
	submission_cycle    INTEGER NOT NULL DEFAULT 0,
	admin_reviewed      BOOLEAN NOT NULL DEFAULT false,
	current_decision_id TEXT NOT NULL DEFAULT '',
	review_stats        JSONB NOT NULL DEFAULT '{}',
	payment_authorized  BOOLEAN NOT NULL DEFAULT false,
	payment_tx_hash     TEXT NOT NULL DEFAULT '',
	paid_at             TIMESTAMPTZ,
	version             INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (grant_id, number)
);

CREATE INDEX IF NOT EXISTS idx_milestones_status ON milestones(status);

CREATE TABLE IF NOT EXISTS milestone_reviews (
	milestone_id     TEXT NOT NULL REFERENCES milestones(id),
	agent_name       TEXT NOT NULL,
	cycle            INTEGER NOT NULL,
	recommendation   TEXT NOT NULL,
	review_score     DOUBLE PRECISION,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	strengths        JSONB NOT NULL DEFAULT '[]',
	weaknesses       JSONB NOT NULL DEFAULT '[]',
	suggestions      JSONB NOT NULL DEFAULT '[]',
	deliverables_met BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (milestone_id, agent_name, cycle)
);

CREATE TABLE IF NOT EXISTS milestone_decisions (
	id                 TEXT PRIMARY KEY,
	milestone_id       TEXT NOT NULL REFERENCES milestones(id),
	cycle              INTEGER NOT NULL,
	decision           TEXT NOT NULL,
	admin_id           TEXT NOT NULL,
	feedback           TEXT NOT NULL DEFAULT '',
	stats              JSONB NOT NULL DEFAULT '{}',
	override_agents    BOOLEAN NOT NULL DEFAULT false,
	payment_authorized BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_milestone_decisions_milestone ON milestone_decisions(milestone_id);

CREATE TABLE IF NOT EXISTS polls (
	id           TEXT PRIMARY KEY,
	grant_id     TEXT NOT NULL REFERENCES grants(id),
	question     TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	options      JSONB NOT NULL,
	total_tokens DOUBLE PRECISION NOT NULL DEFAULT 0,
	allow_revote BOOLEAN NOT NULL DEFAULT true,
	status       TEXT NOT NULL DEFAULT 'active',
	starts_at    TIMESTAMPTZ NOT NULL,
	ends_at      TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_polls_grant ON polls(grant_id);

CREATE TABLE IF NOT EXISTS votes (
	poll_id       TEXT NOT NULL REFERENCES polls(id),
	voter_id      TEXT NOT NULL,
	option_id     TEXT NOT NULL,
	token_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
	reputation    DOUBLE PRECISION NOT NULL DEFAULT 0,
	cast_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (poll_id, voter_id)
);

CREATE TABLE IF NOT EXISTS status_events (
	id          BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'transition',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_status_events_entity ON status_events(entity_type, entity_id);
`

var milestoneCopyColumns = []string{
	"id", "grant_id", "number", "title", "description", "amount", "status",
	"proof_url", "submission_notes", "submitted_at", "submission_cycle", "admin_reviewed", "current_decision_id",
	"review_stats", "payment_authorized", "payment_tx_hash", "paid_at", "version", "created_at", "updated_at",
}

var evaluationUpsert = db.UpsertConfig{
	Table:        "agent_evaluations",
	Columns:      []string{"grant_id", "agent_name", "score", "vote", "confidence", "rationale", "completed_at"},
	ConflictKeys: []string{"grant_id", "agent_name"},
}

// numericAmount encodes an amount exactly for NUMERIC columns in both the
// text and binary (COPY) protocols.
func numericAmount(d decimal.Decimal) any {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateGrant(ctx context.Context, g *model.Grant, ev *model.StatusEvent) error {
	args, err := grantArgs(g, numericAmount)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create grant")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, rebind(insertGrantSQL), args...); err != nil {
		return eris.Wrapf(err, "postgres: insert grant %s", g.ID)
	}
	if ev != nil {
		if _, err := tx.Exec(ctx, rebind(insertEventSQL), eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "postgres: insert event")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create grant")
}

func (s *PostgresStore) GetGrant(ctx context.Context, id string) (*model.Grant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx, "get_grant", id))
	if err != nil {
		return nil, pgNotFound(err, "grant", id)
	}
	return g, nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, filter model.GrantFilter) ([]model.Grant, error) {
	tail, args := grantFilterSQL(filter)
	rows, err := s.pool.Query(ctx, rebind(`SELECT `+grantColumns+` FROM grants`+tail), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list grants")
	}
	defer rows.Close()

	var grants []model.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan grant")
		}
		grants = append(grants, *g)
	}
	return grants, eris.Wrap(rows.Err(), "postgres: list grants iterate")
}

func (s *PostgresStore) UpsertEvaluations(ctx context.Context, evals []model.AgentEvaluation) error {
	evals = dedupeEvaluations(evals)
	rows := make([][]any, len(evals))
	for i, e := range evals {
		rows[i] = evaluationArgs(e)
	}
	_, err := db.BulkUpsert(ctx, s.pool, evaluationUpsert, rows)
	return eris.Wrap(err, "postgres: upsert evaluations")
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, grantID string) ([]model.AgentEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+evaluationColumns+` FROM agent_evaluations WHERE grant_id = ? ORDER BY agent_name`), grantID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list evaluations %s", grantID)
	}
	defer rows.Close()

	var out []model.AgentEvaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan evaluation")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evaluations iterate")
}

func (s *PostgresStore) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	m, err := scanMilestone(s.pool.QueryRow(ctx, "get_milestone", id))
	if err != nil {
		return nil, pgNotFound(err, "milestone", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, filter MilestoneFilter) ([]model.Milestone, error) {
	tail, args := milestoneFilterSQL(filter)
	rows, err := s.pool.Query(ctx, rebind(`SELECT `+milestoneColumns+` FROM milestones`+tail), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list milestones")
	}
	defer rows.Close()

	var out []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan milestone")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list milestones iterate")
}

func (s *PostgresStore) UpsertReview(ctx context.Context, r model.AgentMilestoneReview) error {
	args, err := reviewArgs(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(upsertReviewSQL), args...)
	return eris.Wrapf(err, "postgres: upsert review %s/%s", r.MilestoneID, r.AgentName)
}

func (s *PostgresStore) ListReviews(ctx context.Context, milestoneID string) ([]model.AgentMilestoneReview, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+reviewColumns+` FROM milestone_reviews WHERE milestone_id = ? ORDER BY cycle, agent_name`), milestoneID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list reviews %s", milestoneID)
	}
	defer rows.Close()

	var out []model.AgentMilestoneReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reviews iterate")
}

func (s *PostgresStore) ListDecisions(ctx context.Context, milestoneID string) ([]model.MilestoneDecision, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+decisionColumns+` FROM milestone_decisions WHERE milestone_id = ? ORDER BY created_at, id`), milestoneID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list decisions %s", milestoneID)
	}
	defer rows.Close()

	var out []model.MilestoneDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) CreatePoll(ctx context.Context, p *model.Poll) error {
	args, err := pollArgs(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(insertPollSQL), args...)
	return eris.Wrapf(err, "postgres: insert poll %s", p.ID)
}

func (s *PostgresStore) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx, "get_poll", id))
	if err != nil {
		return nil, pgNotFound(err, "poll", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPolls(ctx context.Context, grantID string) ([]model.Poll, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+pollColumns+` FROM polls WHERE grant_id = ? ORDER BY created_at DESC, id`), grantID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list polls %s", grantID)
	}
	defer rows.Close()

	var out []model.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan poll")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list polls iterate")
}

func (s *PostgresStore) ClosePoll(ctx context.Context, id string, ev *model.StatusEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin close poll")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, rebind(`UPDATE polls SET status = ? WHERE id = ? AND status = ?`),
		string(model.PollStatusClosed), id, string(model.PollStatusActive))
	if err != nil {
		return eris.Wrapf(err, "postgres: close poll %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "poll %s is not active", id)
	}
	if ev != nil {
		if _, err := tx.Exec(ctx, rebind(insertEventSQL), eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "postgres: insert event")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit close poll")
}

func (s *PostgresStore) CastVote(ctx context.Context, v model.CastVote, allowRevote bool) error {
	query := voteOnceSQL
	if allowRevote {
		query = revoteSQL
	}
	tag, err := s.pool.Exec(ctx, rebind(query), voteArgs(v)...)
	if err != nil {
		return eris.Wrapf(err, "postgres: cast vote %s/%s", v.PollID, v.VoterID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicateVote, "voter %s on poll %s", v.VoterID, v.PollID)
	}
	return nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, pollID string) ([]model.CastVote, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+voteColumns+` FROM votes WHERE poll_id = ? ORDER BY cast_at, voter_id`), pollID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list votes %s", pollID)
	}
	defer rows.Close()

	var out []model.CastVote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan vote")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list votes iterate")
}

// Commit applies cs in a single transaction. A version mismatch on any
// updated row aborts the whole changeset with ErrConflict.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if g := cs.Grant; g != nil {
		tag, err := tx.Exec(ctx, rebind(updateGrantSQL), grantUpdateArgs(g)...)
		if err != nil {
			return eris.Wrapf(err, "postgres: update grant %s", g.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "grant %s at version %d", g.ID, g.Version)
		}
	}

	for _, m := range cs.Milestones {
		args, err := milestoneUpdateArgs(m, numericAmount)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, rebind(updateMilestoneSQL), args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: update milestone %s", m.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "milestone %s at version %d", m.ID, m.Version)
		}
	}

	if len(cs.NewMilestones) > 0 {
		rows := make([][]any, len(cs.NewMilestones))
		for i := range cs.NewMilestones {
			if rows[i], err = milestoneArgs(&cs.NewMilestones[i], numericAmount); err != nil {
				return err
			}
		}
		if _, err := db.CopyFrom(ctx, tx, "milestones", milestoneCopyColumns, rows); err != nil {
			return eris.Wrap(err, "postgres: insert milestones")
		}
	}

	if d := cs.Decision; d != nil {
		args, err := decisionArgs(d)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, rebind(insertDecisionSQL), args...); err != nil {
			return eris.Wrapf(err, "postgres: insert decision %s", d.ID)
		}
	}

	for _, ev := range cs.Events {
		if _, err := tx.Exec(ctx, rebind(insertEventSQL), eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "postgres: insert event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit changeset")
	}
	cs.bumpVersions()
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, entity model.EntityType, id string) ([]model.StatusEvent, error) {
	rows, err := s.pool.Query(ctx,
		rebind(`SELECT `+eventColumns+` FROM status_events WHERE entity_type = ? AND entity_id = ? ORDER BY id`),
		string(entity), id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s %s", entity, id)
	}
	defer rows.Close()

	var out []model.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func pgNotFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return eris.Wrapf(err, "postgres: get %s %s", entity, id)
}

// dedupeEvaluations keeps the last evaluation per agent and grant.
func dedupeEvaluations(evals []model.AgentEvaluation) []model.AgentEvaluation {
	type key struct {
		grant string
		agent model.AgentName
	}
	idx := make(map[key]int, len(evals))
	out := make([]model.AgentEvaluation, 0, len(evals))
	for _, e := range evals {
		k := key{e.GrantID, e.AgentName}
		if i, ok := idx[k]; ok {
			out[i] = e
			continue
		}
		idx[k] = len(out)
		out = append(out, e)
	}
	return out
}
