package replaycache

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	Modes   ModeSnapshot `json:"modes"`
	Entries int          `json:"entries"`
}

// AdminHandler returns the control surface: mode toggles, index listing
// and the recent decision log. This is what a UI or script flips the
// runtime modes through.
func (rc *ReplayCache) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", rc.handleStatus)
	r.Post("/modes/{mode}/{state}", rc.handleModeSwitch)
	r.Get("/entries", rc.handleEntries)
	r.Get("/requests", rc.handleRequests)
	return r
}

func (rc *ReplayCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := rc.store.Len()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Modes:   rc.modes.Snapshot(),
		Entries: count,
	})
}

func (rc *ReplayCache) handleModeSwitch(w http.ResponseWriter, r *http.Request) {
	state := chi.URLParam(r, "state")
	if state != "on" && state != "off" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid state: " + state + " (use on or off)",
		})
		return
	}
	on := state == "on"

	mode := chi.URLParam(r, "mode")
	switch mode {
	case "bypass":
		rc.modes.SetBypassCache(on)
	case "override":
		rc.modes.SetOverrideMode(on)
	case "skip-remote":
		rc.modes.SetSkipRemote(on)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid mode: " + mode + " (use bypass, override or skip-remote)",
		})
		return
	}
	writeJSON(w, http.StatusOK, rc.modes.Snapshot())
}

func (rc *ReplayCache) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := rc.store.Entries()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (rc *ReplayCache) handleRequests(w http.ResponseWriter, r *http.Request) {
	if rc.requestLog == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request log disabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := rc.requestLog.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already sent, so an encode error cannot be reported
	_ = json.NewEncoder(w).Encode(data)
}
