package main

import (
	"crypto/hmac"
	"net/http"

	"edunexus/internal/models"

	"github.com/gorilla/mux"
)

const adminKeyHeader = "X-Admin-Key"

// requireAdminKey guards the admin surface with a shared-secret header.
// The comparison is constant time. An unset key leaves the surface open,
// which config validation forbids in production.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Server.AdminAPIKey
		if key != "" {
			provided := r.Header.Get(adminKeyHeader)
			if !hmac.Equal([]byte(provided), []byte(key)) {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing admin key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"depths":   s.monitor.Depths(),
			"database": s.gate.IsReachable(r.Context()),
		})
	}
}

func (s *Server) handleOutboxList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending": s.outbox.Pending(),
		})
	}
}

func (s *Server) handleInboundList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending": s.inbound.Pending(),
		})
	}
}

func (s *Server) handleOrgCodeList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codes, err := s.orgCodes.IssuedCodes(r.Context())
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "database not reachable")
			return
		}
		if codes == nil {
			codes = []models.OrgCode{}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
	}
}

// handleRetry runs one synchronous drain of the named queue, or a full
// tick when the name is "all". It delegates to the runner so out-of-band
// drains serialize with the scheduled ticks.
func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["queue"]

		if name == "all" {
			s.runner.RunTick(r.Context())
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"triggered": "all",
				"depths":    s.monitor.Depths(),
			})
			return
		}

		result, err := s.runner.RetryQueue(r.Context(), name)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"queue":  name,
			"result": result,
		})
	}
}
