package server

import (
	"encoding/json"
	"net/http"

	"grace/internal/api"

	"github.com/gorilla/mux"
)

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	reg := api.GetRegistry()
	if reg == nil {
		writeError(w, api.NewUnavailableError("registry", nil))
		return
	}
	writeJSON(w, http.StatusOK, reg.Topology())
}

func (s *Server) handleMeshHealth(w http.ResponseWriter, _ *http.Request) {
	reg := api.GetRegistry()
	if reg == nil {
		writeError(w, api.NewUnavailableError("registry", nil))
		return
	}
	counts := make(map[string]int)
	for status, n := range reg.HealthCounts() {
		counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts":    counts,
		"instances": reg.ListAll(),
	})
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	reg := api.GetRegistry()
	if reg == nil {
		writeError(w, api.NewUnavailableError("registry", nil))
		return
	}
	var inst api.ServiceInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, api.NewConfigError("body", err.Error()))
		return
	}
	created, err := reg.RegisterInstance(inst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeregisterInstance(w http.ResponseWriter, r *http.Request) {
	reg := api.GetRegistry()
	if reg == nil {
		writeError(w, api.NewUnavailableError("registry", nil))
		return
	}
	if err := reg.DeregisterInstance(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	s.setQuarantine(w, r, true)
}

func (s *Server) handleUnquarantine(w http.ResponseWriter, r *http.Request) {
	s.setQuarantine(w, r, false)
}

func (s *Server) setQuarantine(w http.ResponseWriter, r *http.Request, quarantine bool) {
	hm := api.GetHealthMonitor()
	if hm == nil {
		writeError(w, api.NewUnavailableError("health monitor", nil))
		return
	}
	id := mux.Vars(r)["id"]

	var err error
	if quarantine {
		err = hm.Quarantine(id)
	} else {
		err = hm.Unquarantine(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	snap, _ := hm.HealthOf(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "health": snap})
}

func (s *Server) handleGatewayCall(w http.ResponseWriter, r *http.Request) {
	gw := api.GetGateway()
	if gw == nil {
		writeError(w, api.NewUnavailableError("gateway", nil))
		return
	}
	var req api.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.NewConfigError("body", err.Error()))
		return
	}
	resp, err := gw.Call(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	gw := api.GetGateway()
	if gw == nil {
		writeError(w, api.NewUnavailableError("gateway", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": gw.CircuitBreakers()})
}
