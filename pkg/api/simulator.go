package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"
	"github.com/jwoglom/fiscalbridge/pkg/simulator"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// handleSimulatorState returns the simulated device's fiscal memory
func (s *Server) handleSimulatorState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": s.opts.Simulator.Online(),
		"state":  s.opts.Simulator.State().Snapshot(),
	})
}

type onlineRequest struct {
	Online    bool `json:"online"`
	LatencyMs *int `json:"latency_ms,omitempty"`
}

// handleSimulatorOnline takes the simulated device on or off line
func (s *Server) handleSimulatorOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	s.opts.Simulator.SetOnline(req.Online)
	if req.LatencyMs != nil {
		if *req.LatencyMs < 0 {
			http.Error(w, "latency_ms must not be negative", http.StatusBadRequest)
			return
		}
		s.opts.Simulator.SetLatency(time.Duration(*req.LatencyMs) * time.Millisecond)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"online": req.Online,
	})
}

func faultCommand(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["command"]
	if _, ok := protocol.CommandByName(name); !ok {
		http.Error(w, fmt.Sprintf("Unknown device command: %s", name), http.StatusNotFound)
		return "", false
	}
	return name, true
}

// handleGetAllFaults returns every fault script
func (s *Server) handleGetAllFaults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Simulator.Faults().All())
}

// handleResetAllFaults removes every fault script
func (s *Server) handleResetAllFaults(w http.ResponseWriter, _ *http.Request) {
	s.opts.Simulator.Faults().Reset()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "All faults cleared",
	})
}

// handleGetFault returns the fault script of one device command
func (s *Server) handleGetFault(w http.ResponseWriter, r *http.Request) {
	name, ok := faultCommand(w, r)
	if !ok {
		return
	}

	config, exists := s.opts.Simulator.Faults().Get(name)
	if !exists {
		http.Error(w, fmt.Sprintf("No fault configured for %s", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

// handleUpdateFault replaces the fault script of one device command
func (s *Server) handleUpdateFault(w http.ResponseWriter, r *http.Request) {
	name, ok := faultCommand(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}

	var config simulator.FaultConfig
	if err := json.Unmarshal(body, &config); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse configuration: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.opts.Simulator.Faults().Set(name, &config); err != nil {
		http.Error(w, fmt.Sprintf("Failed to set fault: %v", err), http.StatusBadRequest)
		return
	}

	log.Infof("Fault for %s updated via API", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Fault updated for %s", name),
	})
}

// handleClearFault removes the fault script of one device command
func (s *Server) handleClearFault(w http.ResponseWriter, r *http.Request) {
	name, ok := faultCommand(w, r)
	if !ok {
		return
	}

	s.opts.Simulator.Faults().Clear(name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Fault cleared for %s", name),
	})
}

// handleResetFault restarts a fault script from its first behavior
func (s *Server) handleResetFault(w http.ResponseWriter, r *http.Request) {
	name, ok := faultCommand(w, r)
	if !ok {
		return
	}

	if err := s.opts.Simulator.Faults().Rewind(name); err != nil {
		http.Error(w, fmt.Sprintf("Failed to reset fault: %v", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Fault reset for %s", name),
	})
}
