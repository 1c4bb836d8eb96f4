package server

import (
	"net/http"
	"time"

	"grace/internal/api"
)

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	il := api.GetIncidentLog()
	if il == nil {
		writeError(w, api.NewUnavailableError("incident log", nil))
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, api.NewConfigError("window", "must be a positive duration"))
			return
		}
		window = parsed
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":    il.OpenIncidents(),
		"summary": il.Summary(window),
	})
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, _ *http.Request) {
	pr := api.GetPlaybookRunner()
	if pr == nil {
		writeError(w, api.NewUnavailableError("playbook runner", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"playbooks": pr.Statuses()})
}

func (s *Server) handleDirectives(w http.ResponseWriter, _ *http.Request) {
	meta := api.GetMeta()
	if meta == nil {
		writeError(w, api.NewUnavailableError("meta loop", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"directives": meta.Directives(),
		"baseline":   meta.Baseline(),
	})
}
