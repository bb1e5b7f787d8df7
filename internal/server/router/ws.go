package router

import (
	"net/http"

	"github.com/babelcloud/camrelay/internal/server/handlers"
)

// WebSocketRouter handles the /ws/* routes
type WebSocketRouter struct {
	handlers *handlers.WebSocketHandlers
}

// RegisterRoutes registers the WebSocket routes
func (r *WebSocketRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, ok := server.(handlers.ServerService)
	if !ok {
		return
	}
	r.handlers = handlers.NewWebSocketHandlers(serverService)
	mux.HandleFunc(r.GetPathPrefix()+"/sessions", r.handlers.HandleSession)
}

// GetPathPrefix returns the path prefix for this router
func (r *WebSocketRouter) GetPathPrefix() string {
	return "/ws"
}
