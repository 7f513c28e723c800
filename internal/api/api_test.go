package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/resilience"
	"github.com/sells-group/grant-review/internal/scorer"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

type stubScorer struct {
	name model.AgentName
	err  error
}

func (s stubScorer) Name() model.AgentName { return s.name }

func (s stubScorer) Evaluate(context.Context, model.Proposal) (*scorer.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &scorer.Result{Score: 0.9, Vote: model.VoteApprove, Confidence: 0.9}, nil
}

func newTestServer(t *testing.T, scorerErr error) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	var scorers []scorer.Scorer
	for _, name := range consensus.DefaultWeights().Agents() {
		scorers = append(scorers, stubScorer{name: name, err: scorerErr})
	}
	panel := scorer.NewPanel(scorer.PanelConfig{Timeout: time.Second, Retry: resilience.RetryConfig{MaxAttempts: 1}}, scorers...)
	eng := engine.New(engine.Deps{Store: st, Panel: panel}, engine.DefaultOptions())

	ts := httptest.NewServer(NewServer(eng, []string{"https://admin.example.com"}))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func doList(t *testing.T, ts *httptest.Server, path string) []map[string]any {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

var grantBody = map[string]any{
	"title":            "Chain indexer",
	"applicant":        "alice",
	"requested_amount": "10000",
	"schedule": []map[string]any{
		{"title": "Design", "amount": "4000"},
		{"title": "Ship", "amount": "6000"},
	},
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := do(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestGrantFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, g := do(t, ts, http.MethodPost, "/grants", grantBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := g["id"].(string)
	assert.Equal(t, "pending", g["status"])

	resp, out := do(t, ts, http.MethodPost, "/grants/"+id+"/evaluate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "under_review", out["grant"].(map[string]any)["status"])
	assert.Equal(t, "approve", out["result"].(map[string]any)["verdict"])

	assert.Len(t, doList(t, ts, "/grants/"+id+"/evaluations"), 5)

	resp, out = do(t, ts, http.MethodPost, "/grants/"+id+"/decision", map[string]string{"action": "approve", "actor": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", out["grant"].(map[string]any)["status"])

	milestones := doList(t, ts, "/grants/"+id+"/milestones")
	require.Len(t, milestones, 2)
	mid := milestones[0]["id"].(string)

	resp, m := do(t, ts, http.MethodPost, "/milestones/"+mid+"/submit", map[string]string{"proof_url": "https://proof", "notes": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "submitted", m["status"])

	resp, _ = do(t, ts, http.MethodPost, "/milestones/"+mid+"/reviews", map[string]any{
		"agent_name": "technical", "recommendation": "approve", "confidence": 0.8,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = do(t, ts, http.MethodPost, "/milestones/"+mid+"/decision", map[string]any{
		"decision": "approved", "admin_id": "admin", "authorize_payment": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["decision"].(map[string]any)["override_agents"])

	resp, m = do(t, ts, http.MethodPost, "/milestones/"+mid+"/payment", map[string]string{"tx_hash": "0xabc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", m["status"])

	history := doList(t, ts, "/milestones/"+mid+"/history")
	assert.Len(t, history, 3)

	resp, out = do(t, ts, http.MethodGet, "/grants?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["count"])
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	_, g := do(t, ts, http.MethodPost, "/grants", grantBody)
	id := g["id"].(string)

	resp, body := do(t, ts, http.MethodGet, "/grants/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, body = do(t, ts, http.MethodPost, "/grants/"+id+"/decision", map[string]string{"action": "approve", "actor": "admin"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "pending", body["current_state"])
	assert.Equal(t, "grant", body["entity"])
	assert.Equal(t, "grant is not under review", body["reason"])

	resp, _ = do(t, ts, http.MethodPost, "/grants", map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/grants?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/grants", bytes.NewBufferString("{"))
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, p := do(t, ts, http.MethodPost, "/grants/"+id+"/polls", map[string]any{
		"question": "Fund it?", "strategy": "quadratic", "total_tokens": 1000,
		"options": []map[string]any{{"id": "yes", "label": "Yes", "value": 100}, {"id": "no", "label": "No", "value": 0}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodGet, "/polls/"+p["id"].(string)+"/tally", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEvaluate_CollaboratorFailure(t *testing.T) {
	ts := newTestServer(t, errors.New("model down"))
	_, g := do(t, ts, http.MethodPost, "/grants", grantBody)

	resp, body := do(t, ts, http.MethodPost, "/grants/"+g["id"].(string)+"/evaluate", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "failed")
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/grants", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://admin.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{workflow.ErrValidation, http.StatusBadRequest},
		{&workflow.TransitionError{Kind: workflow.ErrPrecondition}, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{consensus.ErrNoEvaluations, http.StatusUnprocessableEntity},
		{voting.ErrNoVotes, http.StatusUnprocessableEntity},
		{workflow.ErrCollaborator, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
