package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"grace/internal/api"
	"grace/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Debug("Server", "encoding response: %v", err)
	}
}

// writeError maps a taxonomy error onto its HTTP status. The body
// always carries the kind so clients can branch without parsing text.
func writeError(w http.ResponseWriter, err error) {
	kind := api.KindOf(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  string(kind),
	}

	status := http.StatusInternalServerError
	switch kind {
	case api.ErrKindNotFound:
		status = http.StatusNotFound
	case api.ErrKindBusy:
		var busy *api.BusyError
		if errors.As(err, &busy) {
			body["reason"] = busy.Reason
			switch busy.Reason {
			case "rate_limited":
				status = http.StatusTooManyRequests
			case "circuit_open":
				status = http.StatusServiceUnavailable
			default:
				status = http.StatusConflict
			}
		} else {
			status = http.StatusConflict
		}
	case api.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	case api.ErrKindUnavailable:
		status = http.StatusServiceUnavailable
	case api.ErrKindContractViolation:
		status = http.StatusUnprocessableEntity
	case api.ErrKindConfig:
		status = http.StatusBadRequest
	case api.ErrKindDenied:
		status = http.StatusForbidden
	case api.ErrKindRollbackFailed, api.ErrKindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}
