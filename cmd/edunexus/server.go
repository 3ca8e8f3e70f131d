package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"edunexus/internal/middleware"
	"edunexus/internal/models"
	"edunexus/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	cfg      *models.Config
	gate     service.ConnectivityGate
	outbox   *service.Outbox
	signups  *service.SignupService
	orgCodes *service.OrgCodeService
	inbound  *service.InboundProcessor
	monitor  *service.QueueMonitor
	runner   *service.WorkerRunner
	server   *http.Server
}

func NewServer(cfg *models.Config, gate service.ConnectivityGate, outbox *service.Outbox, signups *service.SignupService, orgCodes *service.OrgCodeService, inbound *service.InboundProcessor, monitor *service.QueueMonitor, runner *service.WorkerRunner, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		cfg:      cfg,
		gate:     gate,
		outbox:   outbox,
		signups:  signups,
		orgCodes: orgCodes,
		inbound:  inbound,
		monitor:  monitor,
		runner:   runner,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.requireAdminKey(s.handleMetrics())).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/signup", s.handleSignup()).Methods(http.MethodPost)
	api.HandleFunc("/org-code/request", s.handleOrgCodeRequest()).Methods(http.MethodPost)
	api.HandleFunc("/org-code/confirm/{token}", s.handleConfirm()).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/org-code/reject/{token}", s.handleReject()).Methods(http.MethodPost)

	s.router.HandleFunc("/webhook/inbound", s.handleInboundWebhook()).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireAdminKey)
	admin.HandleFunc("/queue-stats", s.handleQueueStats()).Methods(http.MethodGet)
	admin.HandleFunc("/outbox", s.handleOutboxList()).Methods(http.MethodGet)
	admin.HandleFunc("/inbound", s.handleInboundList()).Methods(http.MethodGet)
	admin.HandleFunc("/org-codes", s.handleOrgCodeList()).Methods(http.MethodGet)
	admin.HandleFunc("/retry/{queue}", s.handleRetry()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"database": s.gate.IsReachable(r.Context()),
		})
	}
}

func (s *Server) handleSignup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input service.SignupInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		outcome, err := s.signups.Register(r.Context(), input)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Queued or inserted, the caller sees success either way.
		s.writeJSON(w, http.StatusCreated, outcome)
	}
}

func (s *Server) handleOrgCodeRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input service.OrgCodeRequestInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		outcome, err := s.orgCodes.CreateRequest(r.Context(), input)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		s.writeJSON(w, http.StatusCreated, outcome)
	}
}

func (s *Server) handleConfirm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]

		result, ok := s.orgCodes.ConfirmRequest(r.Context(), token)
		if !ok {
			s.writeError(w, http.StatusNotFound, "request not found or not confirmable")
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"code":    result.Code,
		})
	}
}

func (s *Server) handleReject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]

		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			// A missing or empty body means rejection without a reason.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		if !s.orgCodes.RejectRequest(r.Context(), token, body.Reason) {
			s.writeError(w, http.StatusNotFound, "request not found or not rejectable")
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func (s *Server) handleInboundWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			From    string `json:"from"`
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.Body == "" {
			s.writeError(w, http.StatusBadRequest, "body is required")
			return
		}

		if err := s.inbound.Enqueue(payload.From, payload.Subject, payload.Body); err != nil {
			s.logger.WithError(err).Error("Failed to enqueue inbound message")
			s.writeError(w, http.StatusInternalServerError, "failed to accept message")
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
