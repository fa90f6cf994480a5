package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/internal/metrics"
	"github.com/gregtusar/fundarb/pkg/engine"
	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/models"
	"github.com/gregtusar/fundarb/pkg/saga"
)

type Server struct {
	engine *engine.Engine
	logger *logrus.Logger
	port   string
}

func NewServer(engine *engine.Engine, logger *logrus.Logger, port string) *Server {
	return &Server{
		engine: engine,
		logger: logger,
		port:   port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/opportunities", s.handleOpportunities)
	mux.HandleFunc("/api/pairs", s.handlePairs)
	mux.HandleFunc("/api/pairs/", s.handlePairByID)
	mux.Handle("/metrics", metrics.Handler())

	// Enable CORS for the dashboard
	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opportunities := s.engine.ScanOpportunities()
	s.writeJSON(w, http.StatusOK, opportunities)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		statuses := parseStatuses(r.URL.Query().Get("status"))
		pairs, err := s.engine.ListPairs(r.Context(), statuses...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, pairs)

	case http.MethodPost:
		var req saga.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := s.engine.ExecutePair(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, saga.ErrUnknownVenue) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		s.writeJSON(w, http.StatusCreated, result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePairByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pairID := strings.TrimPrefix(r.URL.Path, "/api/pairs/")
	if pairID == "" {
		http.Error(w, "Missing pair id", http.StatusBadRequest)
		return
	}

	pair, legs, err := s.engine.GetPairStatus(r.Context(), pairID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "Pair not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"pair": pair,
		"legs": legs,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func parseStatuses(raw string) []models.PairStatus {
	if raw == "" {
		return nil
	}
	var statuses []models.PairStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			statuses = append(statuses, models.PairStatus(strings.ToUpper(part)))
		}
	}
	return statuses
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
