package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.settler.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QueryResponse{
		Data:      s.settler.Status(),
		Timestamp: time.Now().UTC(),
	})
}

// handleSettlement handles GET /api/v1/settlements/{matchID}
func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchID"]

	status, err := s.settler.SettlementStatus(r.Context(), matchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Data:      status,
		Timestamp: time.Now().UTC(),
	})
}

// handleAuditTrail handles GET /api/v1/settlements/{matchID}/audit
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchID"]

	entries, err := s.settler.AuditTrail(matchID)
	if err != nil {
		s.writeError(w, settleerrors.NewDatabaseError("audit_trail", "failed to load audit trail", err))
		return
	}
	out := make([]AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntry{
			ID:              e.ID,
			ProposalAddress: e.ProposalAddress,
			Action:          e.Action,
			Detail:          json.RawMessage(e.Detail),
			CreatedAt:       e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Data:      out,
		Timestamp: time.Now().UTC(),
	})
}

// handleProposalHistory handles GET /api/v1/settlements/{matchID}/proposals
func (s *Server) handleProposalHistory(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchID"]

	proposals, err := s.settler.ProposalHistory(matchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ProposalRecord, 0, len(proposals))
	for i := range proposals {
		p := &proposals[i]
		out = append(out, ProposalRecord{
			Address:           p.Address,
			Sequence:          p.Sequence,
			Kind:              p.Kind,
			Status:            p.Status,
			Signers:           p.SignerList(),
			NeedsSignatures:   p.NeedsSignatures,
			ExecutionAttempts: p.ExecutionAttempts,
			ExecutionTxID:     p.ExecutionTxID,
			LastError:         p.LastError,
			CreatedAt:         p.CreatedAt,
			ExecutedAt:        p.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Data:      out,
		Timestamp: time.Now().UTC(),
	})
}

// writeError maps a settlement error to a status code. Unknown matches are
// reported as not found.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch settleerrors.CodeOf(err) {
	case settleerrors.ErrCodeValidation:
		code = http.StatusNotFound
	case settleerrors.ErrCodeNotReady:
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
