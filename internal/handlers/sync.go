package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gestorix/presync/internal/store"
	"github.com/gestorix/presync/internal/sync"
	"github.com/gorilla/mux"
)

// SyncHandler handles synchronization requests
type SyncHandler struct {
	store *store.Store
	orch  *sync.Orchestrator
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(st *store.Store, orch *sync.Orchestrator) *SyncHandler {
	return &SyncHandler{
		store: st,
		orch:  orch,
	}
}

// RegisterRoutes registers sync routes
func (sh *SyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/run", sh.RunSync).Methods("POST")
	r.HandleFunc("/sync/trigger", sh.TriggerSync).Methods("POST")
	r.HandleFunc("/sync/status", sh.GetSyncStatus).Methods("GET")
	r.HandleFunc("/sync/log", sh.GetSyncLog).Methods("GET")
}

// RunSync executes a sync run and waits for it to finish. The caller gets the
// run summary back; an already running sync answers 409.
func (sh *SyncHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	summary, err := sh.orch.Run(r.Context())
	if errors.Is(err, sync.ErrRunInProgress) {
		respondError(w, http.StatusConflict, "a sync run is already in progress")
		return
	}

	var cfgErr *sync.ConfigurationError
	if errors.As(err, &cfgErr) {
		respondError(w, http.StatusPreconditionFailed, cfgErr.Error())
		return
	}

	if err != nil {
		// The summary still carries the run id and what was attempted.
		respondJSON(w, http.StatusInternalServerError, summary)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// TriggerSync queues a background sync run and returns immediately. When the
// background loop is not running there is nothing to pick the trigger up, so
// the caller gets 412 instead of a promise that will never be kept.
func (sh *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !sh.orch.RequestSync() {
		respondError(w, http.StatusPreconditionFailed, "sync is not configured")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Sync triggered",
		"status":  "processing",
	})
}

// GetSyncStatus returns the orchestrator state and last run summary
func (sh *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, sh.orch.Status())
}

// GetSyncLog returns recent run records, newest first
func (sh *SyncHandler) GetSyncLog(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := sh.store.RecentRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(logs),
		"runs":  logs,
	})
}
