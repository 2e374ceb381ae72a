// Package api exposes the operator HTTP surface of a node: posting and
// settling jobs on the client side, plus read endpoints for jobs, escrow
// status, payment QR codes, and reputation.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	regagent "jobmesh-backend/agents/registry"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	regstore "jobmesh-backend/storage/registry"
	repstore "jobmesh-backend/storage/reputation"
)

// Server wires the operator endpoints over a node's agents and stores.
// The registry agent may be nil when the node does not carry the client
// role; job mutations then answer 503 while the read endpoints keep
// working.
type Server struct {
	registry *regagent.Agent
	jobs     regstore.Store
	rep      repstore.Store
	escrow   ledger.EscrowLedger
}

// NewServer builds a Server over the node's wiring.
func NewServer(agent *regagent.Agent, jobs regstore.Store, rep repstore.Store, escrow ledger.EscrowLedger) *Server {
	return &Server{
		registry: agent,
		jobs:     jobs,
		rep:      rep,
		escrow:   escrow,
	}
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/jobs", s.corsWrap(s.handleJobs))
	mux.HandleFunc("/api/jobs/", s.corsWrap(s.handleJob))
	mux.HandleFunc("/api/reputation", s.corsWrap(s.handleReputation))
	mux.HandleFunc("/api/escrow/", s.corsWrap(s.handleEscrow))
}

func (s *Server) corsWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JobPostBody captures the POST payload for publishing a job.
type JobPostBody struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	BudgetSats     int64      `json:"budget_sats"`
	RequiredSkills []string   `json:"required_skills"`
	Deadline       *time.Time `json:"deadline"`
	JobType        string     `json:"job_type"`
	Nonce          string     `json:"nonce"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.postJob(w, r)
	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := marketplace.JobFilter{Status: marketplace.JobStatus(q.Get("status"))}
	if skill := q.Get("skill"); skill != "" {
		filter.Skills = []string{skill}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) postJob(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		Error(w, http.StatusServiceUnavailable, "node is not running a client agent")
		return
	}

	var body JobPostBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Title == "" || body.BudgetSats <= 0 {
		Error(w, http.StatusBadRequest, "title and a positive budget_sats are required")
		return
	}

	job, err := s.registry.PostJob(r.Context(), marketplace.JobSpec{
		Title:          body.Title,
		Description:    body.Description,
		BudgetSats:     body.BudgetSats,
		RequiredSkills: body.RequiredSkills,
		Deadline:       body.Deadline,
		JobType:        body.JobType,
		Nonce:          body.Nonce,
	})
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusCreated, job)
}

// handleJob serves GET /api/jobs/{id} and the client actions
// POST /api/jobs/{id}/accept/{offerID}, /approve and /retry-escrow.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		Error(w, http.StatusBadRequest, "missing job id")
		return
	}
	jobID := parts[2]

	if r.Method == http.MethodGet && len(parts) == 3 {
		s.getJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.registry == nil {
		Error(w, http.StatusServiceUnavailable, "node is not running a client agent")
		return
	}

	switch {
	case len(parts) == 5 && parts[3] == "accept":
		job, err := s.registry.AcceptOffer(r.Context(), jobID, parts[4])
		s.finishJob(w, job, err)
	case len(parts) == 4 && parts[3] == "approve":
		job, err := s.registry.ApproveWork(r.Context(), jobID)
		s.finishJob(w, job, err)
	case len(parts) == 4 && parts[3] == "retry-escrow":
		job, err := s.registry.RetryEscrow(r.Context(), jobID)
		s.finishJob(w, job, err)
	default:
		Error(w, http.StatusNotFound, "unknown job action")
	}
}

func (s *Server) finishJob(w http.ResponseWriter, job marketplace.Job, err error) {
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	offers, err := s.jobs.ListOffers(r.Context(), jobID)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"job":    job,
		"offers": offers,
	})
}

// handleReputation serves GET /api/reputation?subject=<ref>. The ref
// travels as a query parameter because agent refs contain slashes.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		Error(w, http.StatusBadRequest, "subject query parameter is required")
		return
	}

	rec, err := s.rep.GetRecord(r.Context(), subject)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	badges, err := s.rep.ListBadges(r.Context(), subject)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"record": rec,
		"badges": badges,
	})
}

// handleEscrow serves GET /api/escrow/{id} and
// GET /api/escrow/{id}/funding-request.png.
func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		Error(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	escrowID := parts[2]

	if len(parts) == 4 && parts[3] == "funding-request.png" {
		s.fundingRequestPNG(w, r, escrowID)
		return
	}

	status, err := s.escrow.Status(r.Context(), escrowID)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"escrow_id": escrowID,
		"status":    status.String(),
	})
}

// fundingRequestPNG renders the payment QR a client wallet scans to fund
// an escrow. The amount travels as a query parameter because the ledger
// interface only answers status questions.
func (s *Server) fundingRequestPNG(w http.ResponseWriter, r *http.Request, escrowID string) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		Error(w, http.StatusBadRequest, "a positive amount query parameter is required")
		return
	}
	png, err := ledger.FundingRequestPNG(escrowID, amount)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		log.Printf("api: write funding request png: %v", err)
	}
}

// JSON writes a JSON response with status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, regstore.ErrJobNotFound),
		errors.Is(err, regstore.ErrOfferNotFound),
		errors.Is(err, ledger.ErrEscrowNotFound):
		return http.StatusNotFound
	case errors.Is(err, regstore.ErrJobExists),
		errors.Is(err, regstore.ErrJobNotOpen),
		errors.Is(err, regstore.ErrBadTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
