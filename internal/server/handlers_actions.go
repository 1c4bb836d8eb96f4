package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grace/internal/api"

	"github.com/gorilla/mux"
)

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	ag := api.GetActionGateway()
	if ag == nil {
		writeError(w, api.NewUnavailableError("action gateway", nil))
		return
	}

	var req api.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.NewConfigError("body", err.Error()))
		return
	}
	// The trace id is the idempotency key; the header wins over the body
	// so proxies can inject it uniformly.
	if hdr := r.Header.Get("X-Trace-Id"); hdr != "" {
		req.TraceID = hdr
	}

	st, err := ag.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Trace-Id", st.Request.TraceID)
	if st.State.Terminal() {
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	ag := api.GetActionGateway()
	if ag == nil {
		writeError(w, api.NewUnavailableError("action gateway", nil))
		return
	}
	traceID := mux.Vars(r)["traceID"]
	st, ok := ag.Get(traceID)
	if !ok {
		writeError(w, api.NewNotFoundError("action", traceID))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	ag := api.GetActionGateway()
	if ag == nil {
		writeError(w, api.NewUnavailableError("action gateway", nil))
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	pending, total := ag.Pending(offset, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveAction(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveAction(w, r, false)
}

func (s *Server) resolveAction(w http.ResponseWriter, r *http.Request, approve bool) {
	ag := api.GetActionGateway()
	if ag == nil {
		writeError(w, api.NewUnavailableError("action gateway", nil))
		return
	}
	traceID := mux.Vars(r)["traceID"]

	var body struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approver == "" {
		writeError(w, api.NewConfigError("approver", "must be provided"))
		return
	}

	var st *api.ActionStatus
	var err error
	if approve {
		st, err = ag.Approve(r.Context(), traceID, body.Approver)
	} else {
		st, err = ag.Reject(r.Context(), traceID, body.Approver)
	}
	if err != nil {
		// A denial against an already-resolved or expired request is a
		// conflict, not a permissions problem.
		if api.IsDenied(err) && st != nil && st.State.Terminal() {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  err.Error(),
				"kind":   string(api.ErrKindDenied),
				"status": st,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
