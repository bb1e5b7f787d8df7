package router

import (
	"net/http"

	"github.com/babelcloud/camrelay/internal/server/handlers"
)

// SessionsRouter handles /api/sessions and everything below it
type SessionsRouter struct {
	handlers *handlers.SessionHandlers
}

// RegisterRoutes registers the session routes
func (r *SessionsRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, ok := server.(handlers.ServerService)
	if !ok {
		return
	}
	r.handlers = handlers.NewSessionHandlers(serverService)

	p := NewPatternRouter()
	prefix := r.GetPathPrefix()
	slot := prefix + "/{id}/slots/{slot:[0-9]+}"

	p.Handle(http.MethodGet, prefix, r.handlers.HandleList)
	p.Handle(http.MethodPost, prefix, r.handlers.HandleCreate)
	p.Handle(http.MethodGet, prefix+"/{id}", r.handlers.HandleGet)
	p.Handle(http.MethodDelete, prefix+"/{id}", r.handlers.HandleDelete)
	p.Handle(http.MethodPost, slot+"/source", r.handlers.HandleSelectSource)
	p.Handle(http.MethodPost, slot+"/recording/start", r.handlers.HandleStartRecording)
	p.Handle(http.MethodPost, slot+"/recording/stop", r.handlers.HandleStopRecording)
	p.Handle(http.MethodPost, slot+"/snapshot", r.handlers.HandleSnapshot)
	p.Handle(http.MethodPost, slot+"/output/start", r.handlers.HandleStartOutput)
	p.Handle(http.MethodPost, slot+"/output/stop", r.handlers.HandleStopOutput)

	mux.Handle(prefix, p)
	mux.Handle(prefix+"/", p)
}

// GetPathPrefix returns the path prefix for this router
func (r *SessionsRouter) GetPathPrefix() string {
	return "/api/sessions"
}
