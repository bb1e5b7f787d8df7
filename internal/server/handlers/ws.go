package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelcloud/camrelay/internal/util"
	"github.com/babelcloud/camrelay/internal/viewer"
)

var sessionUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsMessage is a request sent by the browser.
type wsMessage struct {
	Type    string `json:"type"`
	Slot    int    `json:"slot"`
	Camera  string `json:"camera,omitempty"`
	Network string `json:"network,omitempty"`
	Addr    string `json:"addr,omitempty"`
	SDP     string `json:"sdp,omitempty"`
}

// wsReply answers one request.
type wsReply struct {
	Type    string      `json:"type"`
	Request string      `json:"request,omitempty"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeFrame(jpg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, jpg)
}

// WebSocketHandlers serves /ws/sessions.
type WebSocketHandlers struct {
	serverService ServerService
}

func NewWebSocketHandlers(serverSvc ServerService) *WebSocketHandlers {
	return &WebSocketHandlers{serverService: serverSvc}
}

// HandleSession binds a WebSocket to a fresh session. The session closes with
// the socket.
func (h *WebSocketHandlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	hub := h.serverService.Hub()
	session, err := hub.NewSession()
	if err != nil {
		RespondError(w, err)
		return
	}

	conn, err := sessionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade session WebSocket: %v", err)
		h.closeSession(hub, session)
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	watcher := &watcher{ws: ws, session: session}
	defer func() {
		watcher.stop()
		h.closeSession(hub, session)
	}()

	log.Printf("Session WebSocket connected: %s", session.ID())
	if err := ws.writeJSON(wsReply{Type: "session", OK: true, Data: map[string]string{"id": session.ID()}}); err != nil {
		return
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Session WebSocket closed normally: %s", session.ID())
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Session WebSocket read error: %v", err)
			}
			return
		}
		util.GetLogger().Debug("Session message received", "session", session.ID(), "type", msg.Type, "slot", msg.Slot)

		data, err := h.dispatch(r.Context(), session, watcher, msg)
		reply := wsReply{Type: "result", Request: msg.Type, OK: err == nil, Data: data}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := ws.writeJSON(reply); err != nil {
			return
		}
	}
}

func (h *WebSocketHandlers) dispatch(ctx context.Context, s *viewer.Session, wt *watcher, msg wsMessage) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	switch msg.Type {
	case "ping":
		return map[string]int64{"time": time.Now().UnixMilli()}, nil
	case "select":
		if err := s.SelectSource(ctx, msg.Slot, msg.Camera); err != nil {
			return nil, err
		}
		// A watched slot keeps streaming across source changes; the display
		// sink stays the same.
		return map[string]interface{}{"slot": msg.Slot, "camera": msg.Camera}, nil
	case "start_recording":
		path, err := s.StartRecording(ctx, msg.Slot)
		return map[string]string{"file": path}, err
	case "stop_recording":
		m, err := s.StopRecording(ctx, msg.Slot)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "snapshot":
		path, err := s.Snapshot(ctx, msg.Slot)
		return map[string]string{"file": path}, err
	case "start_output":
		return nil, s.StartOutput(ctx, msg.Slot, msg.Network, msg.Addr)
	case "stop_output":
		return nil, s.StopOutput(ctx, msg.Slot)
	case "watch":
		return nil, wt.watch(msg.Slot)
	case "unwatch":
		wt.stop()
		return nil, nil
	case "offer":
		answer, err := s.Offer(ctx, msg.Slot, msg.SDP)
		if err != nil {
			return nil, err
		}
		return map[string]string{"type": "answer", "sdp": answer}, nil
	case "status":
		return s.Status(), nil
	}
	return nil, &unknownMessageError{msg.Type}
}

type unknownMessageError struct{ typ string }

func (e *unknownMessageError) Error() string { return "unknown message type " + strconv.Quote(e.typ) }

func (h *WebSocketHandlers) closeSession(hub *viewer.Hub, s *viewer.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := hub.CloseSession(ctx, s.ID()); err != nil {
		util.GetLogger().Warn("Failed to close session", "session", s.ID(), "error", err)
	}
}

// watcher forwards display pictures of one slot to the socket as binary
// messages.
type watcher struct {
	ws      *wsConn
	session *viewer.Session

	mu   sync.Mutex
	slot int
	sub  string
	done chan struct{}
}

func (wt *watcher) watch(slot int) error {
	wt.stop()
	sub := "ws-" + wt.session.ID() + "-" + strconv.Itoa(slot)
	frames, err := wt.session.Watch(slot, sub)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	wt.mu.Lock()
	wt.slot, wt.sub, wt.done = slot, sub, done
	wt.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case jpg, ok := <-frames:
				if !ok {
					return
				}
				if err := wt.ws.writeFrame(jpg); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func (wt *watcher) stop() {
	wt.mu.Lock()
	done, slot, sub := wt.done, wt.slot, wt.sub
	wt.done = nil
	wt.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	wt.session.Unwatch(slot, sub)
}
