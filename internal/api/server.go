// Package api is the admin HTTP API over the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/consensus"
	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/voting"
	"github.com/sells-group/grant-review/internal/workflow"
)

// Server routes admin requests to the engine.
type Server struct {
	eng    *engine.Engine
	router chi.Router
}

// NewServer builds the router. An empty origin list disables CORS.
func NewServer(eng *engine.Engine, corsOrigins []string) *Server {
	s := &Server{eng: eng, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/grants", func(r chi.Router) {
		r.Get("/", s.listGrants)
		r.Post("/", s.submitGrant)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getGrant)
			r.Post("/evaluate", s.evaluateGrant)
			r.Post("/finalize", s.finalizeGrant)
			r.Get("/evaluations", s.listEvaluations)
			r.Post("/evaluations", s.recordEvaluation)
			r.Post("/decision", s.decideGrant)
			r.Post("/cancel", s.cancelGrant)
			r.Get("/milestones", s.listGrantMilestones)
			r.Get("/polls", s.listPolls)
			r.Post("/polls", s.createPoll)
			r.Get("/history", s.history(model.EntityGrant))
		})
	})

	s.router.Route("/milestones/{id}", func(r chi.Router) {
		r.Get("/", s.getMilestone)
		r.Patch("/", s.updateMilestone)
		r.Post("/submit", s.submitMilestone)
		r.Get("/reviews", s.listReviews)
		r.Post("/reviews", s.recordReview)
		r.Get("/decisions", s.listDecisions)
		r.Post("/decision", s.decideMilestone)
		r.Post("/resume", s.resumeMilestone)
		r.Post("/reopen", s.reopenMilestone)
		r.Post("/authorize", s.authorizePayment)
		r.Post("/payment", s.payMilestone)
		r.Get("/history", s.history(model.EntityMilestone))
	})

	s.router.Route("/polls/{id}", func(r chi.Router) {
		r.Get("/", s.getPoll)
		r.Post("/votes", s.castVote)
		r.Get("/tally", s.tallyPoll)
		r.Post("/close", s.closePoll)
		r.Get("/history", s.history(model.EntityPoll))
	})

	s.router.Get("/reconcile", s.reconcile)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// errorBody is the JSON shape of every failed request. Entity fields are
// set when the failure was a rejected transition.
type errorBody struct {
	Error        string `json:"error"`
	Entity       string `json:"entity,omitempty"`
	ID           string `json:"id,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
	Attempted    string `json:"attempted,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrPrecondition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, consensus.ErrNoEvaluations), errors.Is(err, voting.ErrNoVotes),
		errors.Is(err, voting.ErrUnknownOption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrCollaborator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		body.Entity = string(te.Entity)
		body.ID = te.ID
		body.CurrentState = te.Current
		body.Attempted = te.Attempted
		body.Reason = te.Reason
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
