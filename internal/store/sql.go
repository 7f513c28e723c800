package store

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/grant-review/internal/model"
)

// Queries are written with ? placeholders; the Postgres store rebinds them
// to $n before execution.

const grantColumns = `id, title, description, applicant, CAST(requested_amount AS TEXT), currency, schedule, status,
	overall_score, consensus_reached, verdict, COALESCE(resubmission_of, ''),
	evaluation_started_at, evaluated_at, decided_at, version, created_at, updated_at`

const insertGrantSQL = `INSERT INTO grants (id, title, description, applicant, requested_amount, currency, schedule,
	status, resubmission_of, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateGrantSQL = `UPDATE grants SET status = ?, overall_score = ?, consensus_reached = ?, verdict = ?,
	evaluation_started_at = ?, evaluated_at = ?, decided_at = ?, version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?`

const evaluationColumns = `grant_id, agent_name, score, vote, confidence, rationale, completed_at`

const milestoneColumns = `id, grant_id, number, title, description, CAST(amount AS TEXT), status, proof_url, submission_notes,
	submitted_at, submission_cycle, admin_reviewed, current_decision_id, review_stats,
	payment_authorized, payment_tx_hash, paid_at, version, created_at, updated_at`

const insertMilestoneSQL = `INSERT INTO milestones (id, grant_id, number, title, description, amount, status,
	proof_url, submission_notes, submitted_at, submission_cycle, admin_reviewed, current_decision_id,
	review_stats, payment_authorized, payment_tx_hash, paid_at, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateMilestoneSQL = `UPDATE milestones SET title = ?, description = ?, amount = ?, status = ?, proof_url = ?,
	submission_notes = ?, submitted_at = ?, submission_cycle = ?, admin_reviewed = ?, current_decision_id = ?,
	review_stats = ?, payment_authorized = ?, payment_tx_hash = ?, paid_at = ?, version = version + 1,
	updated_at = ?
	WHERE id = ? AND version = ?`

const reviewColumns = `milestone_id, agent_name, cycle, recommendation, review_score, confidence,
	strengths, weaknesses, suggestions, deliverables_met, created_at`

const upsertReviewSQL = `INSERT INTO milestone_reviews (` + reviewColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (milestone_id, agent_name, cycle) DO UPDATE SET
		recommendation = excluded.recommendation, review_score = excluded.review_score,
		confidence = excluded.confidence, strengths = excluded.strengths,
		weaknesses = excluded.weaknesses, suggestions = excluded.suggestions,
		deliverables_met = excluded.deliverables_met, created_at = excluded.created_at`

const decisionColumns = `id, milestone_id, cycle, decision, admin_id, feedback, stats, override_agents,
	payment_authorized, created_at`

const insertDecisionSQL = `INSERT INTO milestone_decisions (` + decisionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const pollColumns = `id, grant_id, question, strategy, options, total_tokens, allow_revote, status,
	starts_at, ends_at, created_at`

const insertPollSQL = `INSERT INTO polls (` + pollColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const voteColumns = `poll_id, voter_id, option_id, token_balance, reputation, cast_at`

const revoteSQL = `INSERT INTO votes (` + voteColumns + `) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (poll_id, voter_id) DO UPDATE SET option_id = excluded.option_id,
		token_balance = excluded.token_balance, reputation = excluded.reputation, cast_at = excluded.cast_at`

const voteOnceSQL = `INSERT INTO votes (` + voteColumns + `) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (poll_id, voter_id) DO NOTHING`

const eventColumns = `id, entity_type, entity_id, from_status, to_status, actor, reason, kind, created_at`

const insertEventSQL = `INSERT INTO status_events (entity_type, entity_id, from_status, to_status, actor, reason, kind, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// grantFilterSQL builds the WHERE/LIMIT tail for ListGrants.
func grantFilterSQL(f model.GrantFilter) (string, []any) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Applicant != "" {
		where = append(where, "applicant = ?")
		args = append(args, f.Applicant)
	}

	q := ""
	if len(where) > 0 {
		q = " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	return q, args
}

// milestoneFilterSQL builds the WHERE tail for ListMilestones.
func milestoneFilterSQL(f MilestoneFilter) (string, []any) {
	var where []string
	var args []any
	if f.GrantID != "" {
		where = append(where, "grant_id = ?")
		args = append(args, f.GrantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Unsettled {
		where = append(where, "status = ?", "payment_authorized = ?", "payment_tx_hash = ''")
		args = append(args, string(model.MilestoneStatusApproved), true)
	}

	q := ""
	if len(where) > 0 {
		q = " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY grant_id, number", args
}

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// amountEncoder converts a money amount to a driver argument.
type amountEncoder func(decimal.Decimal) any

func textAmount(d decimal.Decimal) any { return d.String() }

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "parse amount %q", s)
	}
	return d, nil
}

func toJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return data, nil
}

func grantArgs(g *model.Grant, amt amountEncoder) ([]any, error) {
	schedule, err := toJSON(orEmpty(g.Schedule))
	if err != nil {
		return nil, err
	}
	return []any{
		g.ID, g.Title, g.Description, g.Applicant, amt(g.RequestedAmount), g.Currency, string(schedule),
		string(g.Status), nullIfEmpty(g.ResubmissionOf), g.Version, g.CreatedAt, g.UpdatedAt,
	}, nil
}

func grantUpdateArgs(g *model.Grant) []any {
	return []any{
		string(g.Status), g.OverallScore, g.ConsensusReached, string(g.Verdict),
		g.EvaluationStartedAt, g.EvaluatedAt, g.DecidedAt, g.UpdatedAt,
		g.ID, g.Version,
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanGrant(row scannable) (*model.Grant, error) {
	var g model.Grant
	var schedule []byte
	var amount, status, verdict string
	if err := row.Scan(
		&g.ID, &g.Title, &g.Description, &g.Applicant, &amount, &g.Currency, &schedule, &status,
		&g.OverallScore, &g.ConsensusReached, &verdict, &g.ResubmissionOf,
		&g.EvaluationStartedAt, &g.EvaluatedAt, &g.DecidedAt, &g.Version, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.Status = model.GrantStatus(status)
	g.Verdict = model.Verdict(verdict)
	var err error
	if g.RequestedAmount, err = parseAmount(amount); err != nil {
		return nil, eris.Wrapf(err, "store: grant %s", g.ID)
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &g.Schedule); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal schedule for grant %s", g.ID)
		}
	}
	return &g, nil
}

func evaluationArgs(e model.AgentEvaluation) []any {
	return []any{e.GrantID, string(e.AgentName), e.Score, string(e.Vote), e.Confidence, e.Rationale, e.CompletedAt}
}

func scanEvaluation(row scannable) (model.AgentEvaluation, error) {
	var e model.AgentEvaluation
	var agent, vote string
	err := row.Scan(&e.GrantID, &agent, &e.Score, &vote, &e.Confidence, &e.Rationale, &e.CompletedAt)
	e.AgentName = model.AgentName(agent)
	e.Vote = model.Vote(vote)
	return e, err
}

func milestoneArgs(m *model.Milestone, amt amountEncoder) ([]any, error) {
	stats, err := toJSON(m.Reviews)
	if err != nil {
		return nil, err
	}
	return []any{
		m.ID, m.GrantID, m.Number, m.Title, m.Description, amt(m.Amount), string(m.Status),
		m.ProofURL, m.SubmissionNotes, m.SubmittedAt, m.SubmissionCycle, m.AdminReviewed, m.CurrentDecisionID,
		string(stats), m.PaymentAuthorized, m.PaymentTxHash, m.PaidAt, m.Version, m.CreatedAt, m.UpdatedAt,
	}, nil
}

func milestoneUpdateArgs(m *model.Milestone, amt amountEncoder) ([]any, error) {
	stats, err := toJSON(m.Reviews)
	if err != nil {
		return nil, err
	}
	return []any{
		m.Title, m.Description, amt(m.Amount), string(m.Status), m.ProofURL,
		m.SubmissionNotes, m.SubmittedAt, m.SubmissionCycle, m.AdminReviewed, m.CurrentDecisionID,
		string(stats), m.PaymentAuthorized, m.PaymentTxHash, m.PaidAt,
		m.UpdatedAt,
		m.ID, m.Version,
	}, nil
}

func scanMilestone(row scannable) (*model.Milestone, error) {
	var m model.Milestone
	var amount, status string
	var stats []byte
	if err := row.Scan(
		&m.ID, &m.GrantID, &m.Number, &m.Title, &m.Description, &amount, &status, &m.ProofURL,
		&m.SubmissionNotes, &m.SubmittedAt, &m.SubmissionCycle, &m.AdminReviewed, &m.CurrentDecisionID,
		&stats, &m.PaymentAuthorized, &m.PaymentTxHash, &m.PaidAt, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = model.MilestoneStatus(status)
	var err error
	if m.Amount, err = parseAmount(amount); err != nil {
		return nil, eris.Wrapf(err, "store: milestone %s", m.ID)
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &m.Reviews); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal review stats for milestone %s", m.ID)
		}
	}
	return &m, nil
}

func reviewArgs(r model.AgentMilestoneReview) ([]any, error) {
	strengths, err := toJSON(orEmpty(r.Strengths))
	if err != nil {
		return nil, err
	}
	weaknesses, err := toJSON(orEmpty(r.Weaknesses))
	if err != nil {
		return nil, err
	}
	suggestions, err := toJSON(orEmpty(r.Suggestions))
	if err != nil {
		return nil, err
	}
	return []any{
		r.MilestoneID, string(r.AgentName), r.Cycle, string(r.Recommendation), r.ReviewScore, r.Confidence,
		string(strengths), string(weaknesses), string(suggestions), r.DeliverablesMet, r.CreatedAt,
	}, nil
}

func scanReview(row scannable) (model.AgentMilestoneReview, error) {
	var r model.AgentMilestoneReview
	var agent, rec string
	var strengths, weaknesses, suggestions []byte
	if err := row.Scan(
		&r.MilestoneID, &agent, &r.Cycle, &rec, &r.ReviewScore, &r.Confidence,
		&strengths, &weaknesses, &suggestions, &r.DeliverablesMet, &r.CreatedAt,
	); err != nil {
		return r, err
	}
	r.AgentName = model.AgentName(agent)
	r.Recommendation = model.Recommendation(rec)
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{strengths, &r.Strengths}, {weaknesses, &r.Weaknesses}, {suggestions, &r.Suggestions}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return r, eris.Wrap(err, "store: unmarshal review feedback")
		}
	}
	return r, nil
}

func decisionArgs(d *model.MilestoneDecision) ([]any, error) {
	stats, err := toJSON(d.Stats)
	if err != nil {
		return nil, err
	}
	return []any{
		d.ID, d.MilestoneID, d.Cycle, string(d.Decision), d.AdminID, d.Feedback, string(stats),
		d.OverrideAgents, d.PaymentAuthorized, d.CreatedAt,
	}, nil
}

func scanDecision(row scannable) (model.MilestoneDecision, error) {
	var d model.MilestoneDecision
	var decision string
	var stats []byte
	if err := row.Scan(
		&d.ID, &d.MilestoneID, &d.Cycle, &decision, &d.AdminID, &d.Feedback, &stats,
		&d.OverrideAgents, &d.PaymentAuthorized, &d.CreatedAt,
	); err != nil {
		return d, err
	}
	d.Decision = model.Decision(decision)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &d.Stats); err != nil {
			return d, eris.Wrapf(err, "store: unmarshal decision stats %s", d.ID)
		}
	}
	return d, nil
}

func pollArgs(p *model.Poll) ([]any, error) {
	opts, err := toJSON(orEmpty(p.Options))
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.GrantID, p.Question, string(p.Strategy), string(opts), p.TotalTokens, p.AllowRevote,
		string(p.Status), p.StartsAt, p.EndsAt, p.CreatedAt,
	}, nil
}

func scanPoll(row scannable) (*model.Poll, error) {
	var p model.Poll
	var strategy, status string
	var opts []byte
	if err := row.Scan(
		&p.ID, &p.GrantID, &p.Question, &strategy, &opts, &p.TotalTokens, &p.AllowRevote,
		&status, &p.StartsAt, &p.EndsAt, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.Strategy = model.VotingStrategy(strategy)
	p.Status = model.PollStatus(status)
	if err := json.Unmarshal(opts, &p.Options); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal options for poll %s", p.ID)
	}
	return &p, nil
}

func voteArgs(v model.CastVote) []any {
	return []any{v.PollID, v.VoterID, v.OptionID, v.TokenBalance, v.Reputation, v.CastAt}
}

func scanVote(row scannable) (model.CastVote, error) {
	var v model.CastVote
	err := row.Scan(&v.PollID, &v.VoterID, &v.OptionID, &v.TokenBalance, &v.Reputation, &v.CastAt)
	return v, err
}

func eventArgs(ev *model.StatusEvent) []any {
	return []any{string(ev.EntityType), ev.EntityID, ev.From, ev.To, ev.Actor, ev.Reason, string(ev.Kind), ev.CreatedAt}
}

func scanEvent(row scannable) (model.StatusEvent, error) {
	var ev model.StatusEvent
	var entity, kind string
	err := row.Scan(&ev.ID, &entity, &ev.EntityID, &ev.From, &ev.To, &ev.Actor, &ev.Reason, &kind, &ev.CreatedAt)
	ev.EntityType = model.EntityType(entity)
	ev.Kind = model.EventKind(kind)
	return ev, err
}
