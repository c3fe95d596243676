package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// API v1 endpoints
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/settlements/{matchID}", s.handleSettlement).Methods(http.MethodGet)
	v1.HandleFunc("/settlements/{matchID}/audit", s.handleAuditTrail).Methods(http.MethodGet)
	v1.HandleFunc("/settlements/{matchID}/proposals", s.handleProposalHistory).Methods(http.MethodGet)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}
