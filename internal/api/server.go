// Package api exposes the presence tool surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"homepresence/internal/tools"

	"go.uber.org/zap"
)

// Server provides HTTP API endpoints for the presence system
type Server struct {
	dispatcher *tools.Dispatcher
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a new API server
func NewServer(dispatcher *tools.Dispatcher, logger *zap.Logger, port int) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/presence", s.handlePresence)
	mux.HandleFunc("/api/presence/clear", s.handleClearOverride)
	mux.HandleFunc("/api/presence/history", s.handleHistory)
	mux.HandleFunc("/api/trackers", s.handleTrackers)
	mux.HandleFunc("/api/trackers/enable", s.handleTrackerEnable)
	mux.HandleFunc("/api/trackers/priority", s.handleTrackerPriority)
	mux.HandleFunc("/api/predictions", s.handlePredictions)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/sync", s.handleSync)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// statusFor maps a tool envelope onto an HTTP status code. Tool failures
// are caller errors (bad state names, bad priorities), not server faults.
func statusFor(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// handlePresence serves the fused presence state and manual overrides
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result := s.dispatcher.GetPresenceStatus()
		s.writeJSON(w, statusFor(result.Success), result)

	case http.MethodPost:
		var body struct {
			State           string `json:"state"`
			DurationMinutes int    `json:"duration_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		result := s.dispatcher.SetPresenceMode(body.State, body.DurationMinutes)
		s.writeJSON(w, statusFor(result.Success), result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := s.dispatcher.ClearPresenceOverride()
	s.writeJSON(w, statusFor(result.Success), result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	result := s.dispatcher.GetPresenceHistory(limit)
	s.writeJSON(w, statusFor(result.Success), result)
}

// handleTrackers serves tracker listing, registration, and removal
func (s *Server) handleTrackers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result := s.dispatcher.ListPresenceTrackers()
		s.writeJSON(w, statusFor(result.Success), result)

	case http.MethodPost:
		var body struct {
			EntityID    string `json:"entity_id"`
			SourceType  string `json:"source_type"`
			DisplayName string `json:"display_name"`
			Priority    int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		result := s.dispatcher.RegisterPresenceTracker(body.EntityID, body.SourceType, body.DisplayName, body.Priority)
		s.writeJSON(w, statusFor(result.Success), result)

	case http.MethodDelete:
		entityID := r.URL.Query().Get("entity_id")
		if entityID == "" {
			http.Error(w, "entity_id query parameter is required", http.StatusBadRequest)
			return
		}
		result := s.dispatcher.RemovePresenceTracker(entityID)
		s.writeJSON(w, statusFor(result.Success), result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTrackerEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		EntityID string `json:"entity_id"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	result := s.dispatcher.EnablePresenceTracker(body.EntityID, body.Enabled)
	s.writeJSON(w, statusFor(result.Success), result)
}

func (s *Server) handleTrackerPriority(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		EntityID string `json:"entity_id"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	result := s.dispatcher.SetTrackerPriority(body.EntityID, body.Priority)
	s.writeJSON(w, statusFor(result.Success), result)
}

// handlePredictions serves departure and arrival time predictions.
// Without a day parameter the current weekday is used.
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	day := -1
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "day must be an integer 0-6", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	var result tools.PredictionResult
	switch r.URL.Query().Get("type") {
	case "departure":
		result = s.dispatcher.PredictDeparture(day)
	case "arrival":
		result = s.dispatcher.PredictArrival(day)
	default:
		http.Error(w, "type must be departure or arrival", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, statusFor(result.Success), result)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result := s.dispatcher.GetPresenceSettings()
		s.writeJSON(w, statusFor(result.Success), result)

	case http.MethodPost:
		var body struct {
			Key   string `json:"key"`
			Value int    `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		var result tools.SettingResult
		switch body.Key {
		case "vacuum_start_delay":
			result = s.dispatcher.SetVacuumDelay(body.Value)
		case "arriving_distance":
			result = s.dispatcher.SetArrivingDistance(body.Value)
		default:
			http.Error(w, "unknown setting key", http.StatusBadRequest)
			return
		}
		s.writeJSON(w, statusFor(result.Success), result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSync discovers hub trackers and reconciles their current states
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	discovered := s.dispatcher.DiscoverHATrackers()
	synced := s.dispatcher.SyncPresenceFromHA()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"discovered": discovered.Count,
		"synced":     synced.Synced,
	})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// handleSitemap lists all available API endpoints. Unmatched paths fall
// through to this handler, so it answers with 404 plus a helpful body.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
		{Path: "/health", Method: "GET", Description: "Health check endpoint"},
		{Path: "/api/presence", Method: "GET", Description: "Current fused presence state"},
		{Path: "/api/presence", Method: "POST", Description: "Manual presence override {state, duration_minutes}"},
		{Path: "/api/presence/clear", Method: "POST", Description: "Clear a manual override"},
		{Path: "/api/presence/history", Method: "GET", Description: "Recent transitions (?limit=N)"},
		{Path: "/api/trackers", Method: "GET", Description: "List device trackers"},
		{Path: "/api/trackers", Method: "POST", Description: "Register a tracker {entity_id, source_type, display_name, priority}"},
		{Path: "/api/trackers", Method: "DELETE", Description: "Remove a tracker (?entity_id=)"},
		{Path: "/api/trackers/enable", Method: "POST", Description: "Enable or disable a tracker {entity_id, enabled}"},
		{Path: "/api/trackers/priority", Method: "POST", Description: "Change a tracker priority {entity_id, priority}"},
		{Path: "/api/predictions", Method: "GET", Description: "Departure/arrival prediction (?type=departure|arrival&day=0-6)"},
		{Path: "/api/settings", Method: "GET", Description: "All presence settings"},
		{Path: "/api/settings", Method: "POST", Description: "Update a setting {key, value}"},
		{Path: "/api/sync", Method: "POST", Description: "Discover hub trackers and reconcile states"},
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Presence API\n")
	fmt.Fprintf(w, "============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-7s %-25s %s\n", ep.Method, ep.Path, ep.Description)
	}

	s.logger.Debug("Sitemap request served", zap.String("remote_addr", r.RemoteAddr))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
