package router

import (
	"net/http"

	"github.com/babelcloud/camrelay/internal/server/handlers"
)

// APIRouter handles the server-wide /api/* routes
type APIRouter struct {
	handlers *handlers.APIHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, ok := server.(handlers.ServerService)
	if !ok {
		return
	}
	r.handlers = handlers.NewAPIHandlers(serverService)

	api := NewRouteGroup(r.GetPathPrefix(), mux)

	// Health and status endpoints
	api.HandleFunc("/health", r.handlers.HandleHealth)
	api.HandleFunc("/status", r.handlers.HandleStatus)

	// Cameras
	api.HandleFunc("/cameras", r.handlers.HandleCameras)

	// Server management endpoints
	api.HandleFunc("/server/shutdown", r.handlers.HandleServerShutdown)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
