package handlers

import (
	"net/http"
	"time"
)

// APIHandlers contains handlers for the server-wide /api/* routes
type APIHandlers struct {
	serverService ServerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService) *APIHandlers {
	return &APIHandlers{serverService: serverSvc}
}

// Health and status endpoints
func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"camrelay-server"}`))
}

func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	hub := h.serverService.Hub()
	status := map[string]interface{}{
		"running":  h.serverService.IsRunning(),
		"port":     h.serverService.GetPort(),
		"uptime":   h.serverService.GetUptime().String(),
		"sessions": len(hub.Sessions()),
		"cameras":  len(hub.Activator().Names()),
		"version":  h.serverService.GetVersion(),
		"build_id": h.serverService.GetBuildID(),
	}
	RespondJSON(w, http.StatusOK, status)
}

// HandleCameras lists every camera with its reference count and graph state.
func (h *APIHandlers) HandleCameras(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"cameras": h.serverService.Hub().Cameras(),
	})
}

// Server management endpoints
func (h *APIHandlers) HandleServerShutdown(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})

	// Shutdown after response
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.serverService.Stop()
	}()
}
