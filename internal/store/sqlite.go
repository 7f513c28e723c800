package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grant-review/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; transactions would otherwise wait on each other's locks.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS grants (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	applicant             TEXT NOT NULL,
	requested_amount      TEXT NOT NULL,
	currency              TEXT NOT NULL DEFAULT 'USD',
	schedule              TEXT NOT NULL DEFAULT '[]',
	status                TEXT NOT NULL DEFAULT 'pending',
	overall_score         REAL,
	consensus_reached     BOOLEAN NOT NULL DEFAULT 0,
	verdict               TEXT NOT NULL DEFAULT '',
	resubmission_of       TEXT REFERENCES grants(id),
	evaluation_started_at DATETIME,
	evaluated_at          DATETIME,
	decided_at            DATETIME,
	version               INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_grants_status ON grants(status);
CREATE INDEX IF NOT EXISTS idx_grants_applicant ON grants(applicant);

CREATE TABLE IF NOT EXISTS agent_evaluations (
	grant_id     TEXT NOT NULL REFERENCES grants(id),
	agent_name   TEXT NOT NULL,
	score        REAL NOT NULL,
	vote         TEXT NOT NULL,
	confidence   REAL NOT NULL,
	rationale    TEXT NOT NULL DEFAULT '',
	completed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (grant_id, agent_name)
);

CREATE TABLE IF NOT EXISTS milestones (
	id                  TEXT PRIMARY KEY,
	grant_id            TEXT NOT NULL REFERENCES grants(id),
	number              INTEGER NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	amount              TEXT NOT NULL,
	status              TEXT NOT NULL,
	proof_url           TEXT NOT NULL DEFAULT '',
	submission_notes    TEXT NOT NULL DEFAULT '',
	submitted_at        DATETIME,
	submission_cycle    INTEGER NOT NULL DEFAULT 0,
	admin_reviewed      BOOLEAN NOT NULL DEFAULT 0,
	current_decision_id TEXT NOT NULL DEFAULT '',
	review_stats        TEXT NOT NULL DEFAULT '{}',
	payment_authorized  BOOLEAN NOT NULL DEFAULT 0,
	payment_tx_hash     TEXT NOT NULL DEFAULT '',
	paid_at             DATETIME,
	version             INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (grant_id, number)
);

CREATE INDEX IF NOT EXISTS idx_milestones_status ON milestones(status);

CREATE TABLE IF NOT EXISTS milestone_reviews (
	milestone_id     TEXT NOT NULL REFERENCES milestones(id),
	agent_name       TEXT NOT NULL,
	cycle            INTEGER NOT NULL,
	recommendation   TEXT NOT NULL,
	review_score     REAL,
	confidence       REAL NOT NULL DEFAULT 0,
	strengths        TEXT NOT NULL DEFAULT '[]',
	weaknesses       TEXT NOT NULL DEFAULT '[]',
	suggestions      TEXT NOT NULL DEFAULT '[]',
	deliverables_met BOOLEAN NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (milestone_id, agent_name, cycle)
);

CREATE TABLE IF NOT EXISTS milestone_decisions (
	id                 TEXT PRIMARY KEY,
	milestone_id       TEXT NOT NULL REFERENCES milestones(id),
	cycle              INTEGER NOT NULL,
	decision           TEXT NOT NULL,
	admin_id           TEXT NOT NULL,
	feedback           TEXT NOT NULL DEFAULT '',
	stats              TEXT NOT NULL DEFAULT '{}',
	override_agents    BOOLEAN NOT NULL DEFAULT 0,
	payment_authorized BOOLEAN NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_milestone_decisions_milestone ON milestone_decisions(milestone_id);

CREATE TABLE IF NOT EXISTS polls (
	id           TEXT PRIMARY KEY,
	grant_id     TEXT NOT NULL REFERENCES grants(id),
	question     TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	options      TEXT NOT NULL,
	total_tokens REAL NOT NULL DEFAULT 0,
	allow_revote BOOLEAN NOT NULL DEFAULT 1,
	status       TEXT NOT NULL DEFAULT 'active',
	starts_at    DATETIME NOT NULL,
	ends_at      DATETIME NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_polls_grant ON polls(grant_id);

CREATE TABLE IF NOT EXISTS votes (
	poll_id       TEXT NOT NULL REFERENCES polls(id),
	voter_id      TEXT NOT NULL,
	option_id     TEXT NOT NULL,
	token_balance REAL NOT NULL DEFAULT 0,
	reputation    REAL NOT NULL DEFAULT 0,
	cast_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (poll_id, voter_id)
);

CREATE TABLE IF NOT EXISTS status_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'transition',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_status_events_entity ON status_events(entity_type, entity_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateGrant(ctx context.Context, g *model.Grant, ev *model.StatusEvent) error {
	args, err := grantArgs(g, textAmount)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create grant")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, insertGrantSQL, args...); err != nil {
		return eris.Wrapf(err, "sqlite: insert grant %s", g.ID)
	}
	if ev != nil {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "sqlite: insert event")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create grant")
}

func (s *SQLiteStore) GetGrant(ctx context.Context, id string) (*model.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "grant", id)
	}
	return g, nil
}

func (s *SQLiteStore) ListGrants(ctx context.Context, filter model.GrantFilter) ([]model.Grant, error) {
	tail, args := grantFilterSQL(filter)
	rows, err := s.db.QueryContext(ctx, `SELECT `+grantColumns+` FROM grants`+tail, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list grants")
	}
	defer rows.Close() //nolint:errcheck

	var grants []model.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan grant")
		}
		grants = append(grants, *g)
	}
	return grants, eris.Wrap(rows.Err(), "sqlite: list grants iterate")
}

const upsertEvaluationSQL = `INSERT INTO agent_evaluations (` + evaluationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (grant_id, agent_name) DO UPDATE SET score = excluded.score, vote = excluded.vote,
		confidence = excluded.confidence, rationale = excluded.rationale, completed_at = excluded.completed_at`

func (s *SQLiteStore) UpsertEvaluations(ctx context.Context, evals []model.AgentEvaluation) error {
	if len(evals) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert evaluations")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range dedupeEvaluations(evals) {
		if _, err := tx.ExecContext(ctx, upsertEvaluationSQL, evaluationArgs(e)...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert evaluation %s/%s", e.GrantID, e.AgentName)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit evaluations")
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, grantID string) ([]model.AgentEvaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM agent_evaluations WHERE grant_id = ? ORDER BY agent_name`, grantID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list evaluations %s", grantID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AgentEvaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evaluation")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evaluations iterate")
}

func (s *SQLiteStore) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	m, err := scanMilestone(s.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "milestone", id)
	}
	return m, nil
}

func (s *SQLiteStore) ListMilestones(ctx context.Context, filter MilestoneFilter) ([]model.Milestone, error) {
	tail, args := milestoneFilterSQL(filter)
	rows, err := s.db.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones`+tail, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list milestones")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan milestone")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list milestones iterate")
}

func (s *SQLiteStore) UpsertReview(ctx context.Context, r model.AgentMilestoneReview) error {
	args, err := reviewArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertReviewSQL, args...)
	return eris.Wrapf(err, "sqlite: upsert review %s/%s", r.MilestoneID, r.AgentName)
}

func (s *SQLiteStore) ListReviews(ctx context.Context, milestoneID string) ([]model.AgentMilestoneReview, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM milestone_reviews WHERE milestone_id = ? ORDER BY cycle, agent_name`, milestoneID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list reviews %s", milestoneID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AgentMilestoneReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reviews iterate")
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, milestoneID string) ([]model.MilestoneDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM milestone_decisions WHERE milestone_id = ? ORDER BY created_at, rowid`, milestoneID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list decisions %s", milestoneID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MilestoneDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) CreatePoll(ctx context.Context, p *model.Poll) error {
	args, err := pollArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertPollSQL, args...)
	return eris.Wrapf(err, "sqlite: insert poll %s", p.ID)
}

func (s *SQLiteStore) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	p, err := scanPoll(s.db.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "poll", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPolls(ctx context.Context, grantID string) ([]model.Poll, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE grant_id = ? ORDER BY created_at DESC, id`, grantID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list polls %s", grantID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan poll")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list polls iterate")
}

func (s *SQLiteStore) ClosePoll(ctx context.Context, id string, ev *model.StatusEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin close poll")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE polls SET status = ? WHERE id = ? AND status = ?`,
		string(model.PollStatusClosed), id, string(model.PollStatusActive))
	if err != nil {
		return eris.Wrapf(err, "sqlite: close poll %s", id)
	}
	if err := checkRowsAffected(res, eris.Wrapf(ErrConflict, "poll %s is not active", id)); err != nil {
		return err
	}
	if ev != nil {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "sqlite: insert event")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit close poll")
}

func (s *SQLiteStore) CastVote(ctx context.Context, v model.CastVote, allowRevote bool) error {
	query := voteOnceSQL
	if allowRevote {
		query = revoteSQL
	}
	res, err := s.db.ExecContext(ctx, query, voteArgs(v)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cast vote %s/%s", v.PollID, v.VoterID)
	}
	return checkRowsAffected(res, eris.Wrapf(ErrDuplicateVote, "voter %s on poll %s", v.VoterID, v.PollID))
}

func (s *SQLiteStore) ListVotes(ctx context.Context, pollID string) ([]model.CastVote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE poll_id = ? ORDER BY cast_at, voter_id`, pollID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list votes %s", pollID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CastVote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vote")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list votes iterate")
}

// Commit applies cs in a single transaction. A version mismatch on any
// updated row aborts the whole changeset with ErrConflict.
func (s *SQLiteStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	if g := cs.Grant; g != nil {
		res, err := tx.ExecContext(ctx, updateGrantSQL, grantUpdateArgs(g)...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update grant %s", g.ID)
		}
		if err := checkRowsAffected(res, eris.Wrapf(ErrConflict, "grant %s at version %d", g.ID, g.Version)); err != nil {
			return err
		}
	}

	for _, m := range cs.Milestones {
		args, err := milestoneUpdateArgs(m, textAmount)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, updateMilestoneSQL, args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update milestone %s", m.ID)
		}
		if err := checkRowsAffected(res, eris.Wrapf(ErrConflict, "milestone %s at version %d", m.ID, m.Version)); err != nil {
			return err
		}
	}

	for i := range cs.NewMilestones {
		args, err := milestoneArgs(&cs.NewMilestones[i], textAmount)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertMilestoneSQL, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert milestone %s", cs.NewMilestones[i].ID)
		}
	}

	if d := cs.Decision; d != nil {
		args, err := decisionArgs(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertDecisionSQL, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert decision %s", d.ID)
		}
	}

	for _, ev := range cs.Events {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
			return eris.Wrap(err, "sqlite: insert event")
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit changeset")
	}
	cs.bumpVersions()
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, entity model.EntityType, id string) ([]model.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM status_events WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		string(entity), id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s %s", entity, id)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// checkRowsAffected returns onZero when res touched no rows.
func checkRowsAffected(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return onZero
	}
	return nil
}

func sqliteNotFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return eris.Wrapf(err, "sqlite: get %s %s", entity, id)
}
