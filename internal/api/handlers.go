package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
)

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type submitRequest struct {
	ProofURL string `json:"proof_url"`
	Notes    string `json:"notes"`
}

type paymentRequest struct {
	// TxHash records a payment made outside the gateway. When empty the
	// payout is submitted to the gateway.
	TxHash string `json:"tx_hash"`
}

// grants

func (s *Server) submitGrant(w http.ResponseWriter, r *http.Request) {
	var req engine.NewGrant
	if !decode(w, r, &req) {
		return
	}
	g, err := s.eng.SubmitGrant(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		badRequest(w, "invalid offset")
		return
	}
	filter := model.GrantFilter{
		Status:    model.GrantStatus(r.URL.Query().Get("status")),
		Applicant: r.URL.Query().Get("applicant"),
		Limit:     limit,
		Offset:    offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(w, "unknown status "+string(filter.Status))
		return
	}
	grants, err := s.eng.ListGrants(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants, "count": len(grants)})
}

func (s *Server) getGrant(w http.ResponseWriter, r *http.Request) {
	g, err := s.eng.GetGrant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) evaluateGrant(w http.ResponseWriter, r *http.Request) {
	g, res, err := s.eng.EvaluateGrant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": g, "result": res})
}

func (s *Server) finalizeGrant(w http.ResponseWriter, r *http.Request) {
	g, res, err := s.eng.FinalizeEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": g, "result": res})
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := s.eng.ListEvaluations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

func (s *Server) recordEvaluation(w http.ResponseWriter, r *http.Request) {
	var ev model.AgentEvaluation
	if !decode(w, r, &ev) {
		return
	}
	ev.GrantID = chi.URLParam(r, "id")
	if err := s.eng.RecordEvaluation(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) decideGrant(w http.ResponseWriter, r *http.Request) {
	var req engine.GrantDecision
	if !decode(w, r, &req) {
		return
	}
	g, ms, err := s.eng.DecideGrant(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": g, "milestones": ms})
}

func (s *Server) cancelGrant(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := s.eng.CancelGrant(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) listGrantMilestones(w http.ResponseWriter, r *http.Request) {
	ms, err := s.eng.ListMilestones(r.Context(), store.MilestoneFilter{GrantID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) history(entity model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.eng.History(r.Context(), entity, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// milestones

func (s *Server) getMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.GetMilestone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) updateMilestone(w http.ResponseWriter, r *http.Request) {
	var patch model.MilestonePatch
	if !decode(w, r, &patch) {
		return
	}
	m, err := s.eng.UpdateMilestoneFields(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) submitMilestone(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.SubmitMilestone(r.Context(), chi.URLParam(r, "id"), req.ProofURL, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.eng.ListReviews(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) recordReview(w http.ResponseWriter, r *http.Request) {
	var review model.AgentMilestoneReview
	if !decode(w, r, &review) {
		return
	}
	review.MilestoneID = chi.URLParam(r, "id")
	m, err := s.eng.RecordMilestoneReview(r.Context(), review)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	ds, err := s.eng.ListDecisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) decideMilestone(w http.ResponseWriter, r *http.Request) {
	var req engine.MilestoneRuling
	if !decode(w, r, &req) {
		return
	}
	m, d, err := s.eng.DecideMilestone(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestone": m, "decision": d})
}

func (s *Server) resumeMilestone(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.ResumeMilestone(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) reopenMilestone(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.ReopenMilestone(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) authorizePayment(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.AuthorizePayment(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) payMilestone(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	var (
		m   *model.Milestone
		err error
	)
	if req.TxHash != "" {
		m, err = s.eng.RecordPayment(r.Context(), id, req.TxHash)
	} else {
		m, err = s.eng.ReleasePayment(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	ms, err := s.eng.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unsettled": ms, "count": len(ms)})
}

// polls

func (s *Server) listPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := s.eng.ListPolls(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, polls)
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var req engine.NewPoll
	if !decode(w, r, &req) {
		return
	}
	req.GrantID = chi.URLParam(r, "id")
	p, err := s.eng.CreatePoll(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.GetPoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var req engine.Ballot
	if !decode(w, r, &req) {
		return
	}
	v, err := s.eng.CastVote(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) tallyPoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.TallyPoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) closePoll(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	p, res, err := s.eng.ClosePoll(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"poll": p, "result": res})
}
