package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/babelcloud/camrelay/internal/util"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// operationTimeout bounds one session operation started over HTTP.
const operationTimeout = 10 * time.Second

// SessionHandlers serves /api/sessions/*.
type SessionHandlers struct {
	serverService ServerService
}

func NewSessionHandlers(serverSvc ServerService) *SessionHandlers {
	return &SessionHandlers{serverService: serverSvc}
}

type selectRequest struct {
	Camera string `json:"camera"`
}

type outputRequest struct {
	Network string `json:"network"`
	Addr    string `json:"addr"`
}

// slotOp resolves the session and slot of a request and runs fn with a
// bounded context.
func (h *SessionHandlers) slotOp(w http.ResponseWriter, req *http.Request, fn func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error)) {
	s, err := h.serverService.Hub().Session(req.PathValue("id"))
	if err != nil {
		RespondError(w, err)
		return
	}
	slot, err := parseSlot(req.PathValue("slot"))
	if err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), operationTimeout)
	defer cancel()
	result, err := fn(ctx, s, slot)
	if err != nil {
		util.GetLogger().Debug("Session operation failed", "session", s.ID(), "slot", slot, "path", req.URL.Path, "error", err)
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// HandleCreate opens a session: POST /api/sessions
func (h *SessionHandlers) HandleCreate(w http.ResponseWriter, req *http.Request) {
	s, err := h.serverService.Hub().NewSession()
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"id": s.ID()})
}

// HandleList lists open sessions: GET /api/sessions
func (h *SessionHandlers) HandleList(w http.ResponseWriter, req *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.serverService.Hub().Sessions()})
}

// HandleGet describes one session: GET /api/sessions/{id}
func (h *SessionHandlers) HandleGet(w http.ResponseWriter, req *http.Request) {
	s, err := h.serverService.Hub().Session(req.PathValue("id"))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"id": s.ID(), "slots": s.Status()})
}

// HandleDelete closes a session: DELETE /api/sessions/{id}
func (h *SessionHandlers) HandleDelete(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), operationTimeout)
	defer cancel()
	if err := h.serverService.Hub().CloseSession(ctx, req.PathValue("id")); err != nil {
		RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandlers) HandleSelectSource(w http.ResponseWriter, req *http.Request) {
	var body selectRequest
	if err := decodeBody(req, &body); err != nil || body.Camera == "" {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "camera is required"})
		return
	}
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		if err := s.SelectSource(ctx, slot, body.Camera); err != nil {
			return nil, err
		}
		return map[string]interface{}{"slot": slot, "camera": body.Camera}, nil
	})
}

func (h *SessionHandlers) HandleStartRecording(w http.ResponseWriter, req *http.Request) {
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		path, err := s.StartRecording(ctx, slot)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"slot": slot, "file": path}, nil
	})
}

func (h *SessionHandlers) HandleStopRecording(w http.ResponseWriter, req *http.Request) {
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		m, err := s.StopRecording(ctx, slot)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

func (h *SessionHandlers) HandleSnapshot(w http.ResponseWriter, req *http.Request) {
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		path, err := s.Snapshot(ctx, slot)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"slot": slot, "file": path}, nil
	})
}

func (h *SessionHandlers) HandleStartOutput(w http.ResponseWriter, req *http.Request) {
	var body outputRequest
	if err := decodeBody(req, &body); err != nil || body.Addr == "" {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "addr is required"})
		return
	}
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		if err := s.StartOutput(ctx, slot, body.Network, body.Addr); err != nil {
			return nil, err
		}
		return map[string]interface{}{"slot": slot, "addr": body.Addr}, nil
	})
}

func (h *SessionHandlers) HandleStopOutput(w http.ResponseWriter, req *http.Request) {
	h.slotOp(w, req, func(ctx context.Context, s *viewer.Session, slot int) (interface{}, error) {
		if err := s.StopOutput(ctx, slot); err != nil {
			return nil, err
		}
		return map[string]interface{}{"slot": slot}, nil
	})
}
