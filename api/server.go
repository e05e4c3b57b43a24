package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"voting-ledger/encryption"
	"voting-ledger/integrity"
	"voting-ledger/service"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Lifecycle *service.Lifecycle
	Integrity *integrity.Service
}

// Server is the thin HTTP surface over the vote lifecycle. Request
// validation frameworks, auth and rendering live with the outer
// collaborators; this maps JSON to lifecycle calls and errors to status
// codes.
type Server struct {
	lifecycle *service.Lifecycle
	integrity *integrity.Service
	router    http.Handler
	logger    *log.Entry
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		lifecycle: cfg.Lifecycle,
		integrity: cfg.Integrity,
		logger:    log.WithField("component", "api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/votes", s.CreateVote)
		api.Post("/votes/{id}/confirm", s.ConfirmVote)
		api.Get("/votes/{id}/verify", s.VerifyVote)
		api.Get("/votes/{id}/receipt", s.GetReceipt)
		api.Get("/elections/{id}/audit", s.AuditElection)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}).Info("request handled")
	})
}

type createVoteRequest struct {
	VoterID     uuid.UUID `json:"voter_id"`
	ElectionID  uuid.UUID `json:"election_id"`
	CandidateID uuid.UUID `json:"candidate_id"`
}

// CreateVote opens a pending vote and triggers code delivery.
func (s *Server) CreateVote(w http.ResponseWriter, r *http.Request) {
	var req createVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.VoterID == uuid.Nil || req.ElectionID == uuid.Nil || req.CandidateID == uuid.Nil {
		http.Error(w, "voter_id, election_id and candidate_id are required", http.StatusBadRequest)
		return
	}

	pending, err := s.lifecycle.Create(r.Context(), req.VoterID, req.ElectionID, req.CandidateID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pending)
}

type confirmVoteRequest struct {
	VoterID uuid.UUID `json:"voter_id"`
	Code    string    `json:"code"`
}

// ConfirmVote drives the code-gated confirmation of a pending vote.
func (s *Server) ConfirmVote(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid vote id", http.StatusBadRequest)
		return
	}

	var req confirmVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.VoterID == uuid.Nil || req.Code == "" {
		http.Error(w, "voter_id and code are required", http.StatusBadRequest)
		return
	}

	record, err := s.lifecycle.Confirm(r.Context(), req.VoterID, recordID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// VerifyVote reports both verification paths for a confirmed vote.
func (s *Server) VerifyVote(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid vote id", http.StatusBadRequest)
		return
	}

	result, err := s.lifecycle.Verify(r.Context(), recordID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// GetReceipt returns the receipt bundle for a confirmed vote.
func (s *Server) GetReceipt(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid vote id", http.StatusBadRequest)
		return
	}

	bundle, err := s.lifecycle.Receipt(r.Context(), recordID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

type auditResponse struct {
	ElectionID        uuid.UUID `json:"election_id"`
	TamperingDetected bool      `json:"tampering_detected"`
}

// AuditElection runs the full tamper sweep against the stored root.
func (s *Server) AuditElection(w http.ResponseWriter, r *http.Request) {
	electionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid election id", http.StatusBadRequest)
		return
	}

	tampered, err := s.integrity.RebuildAndCompare(r.Context(), electionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auditResponse{ElectionID: electionID, TamperingDetected: tampered})
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Reason})
		return
	}
	var le *service.LedgerError
	if errors.As(err, &le) {
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: le.Error(), Retryable: le.Retryable})
		return
	}
	var ce *encryption.CryptoError
	if errors.As(err, &ce) {
		// Never expose cipher internals to callers.
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	s.logger.WithError(err).Error("request failed")
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
