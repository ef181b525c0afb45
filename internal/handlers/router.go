package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gestorix/presync/internal/database"
	"github.com/gestorix/presync/internal/middleware"
	"github.com/gestorix/presync/internal/store"
	"github.com/gestorix/presync/internal/sync"
	"github.com/gorilla/mux"
)

// Router wraps the mux router and database
type Router struct {
	*mux.Router
	db *database.DB
}

// NewRouter creates a new HTTP router with all routes. Everything under /api
// requires a bearer token; the health check stays open for probes.
func NewRouter(db *database.DB, st *store.Store, orch *sync.Orchestrator, jwtSecret string) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		db:     db,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// API routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(jwtSecret))

	NewPresupuestoHandler(db).RegisterRoutes(api)
	NewSyncHandler(st, orch).RegisterRoutes(api)

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
