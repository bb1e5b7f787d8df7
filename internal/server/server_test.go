package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/viewer"
)

type ackCommander struct {
	mu   sync.Mutex
	sent []string
}

func (c *ackCommander) Do(ctx context.Context, cmd control.Command) (control.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd.String())
	return control.Reply(control.ReplyACK), nil
}

func newTestServer(t *testing.T) (*CamRelayServer, *httptest.Server) {
	t.Helper()
	hub, err := viewer.NewHub(&ackCommander{}, []viewer.CameraSource{
		{Name: "cam1", Source: media.NewPatternSource(media.PatternBars, 8, 8)},
		{Name: "cam2", Source: media.NewPatternSource(media.PatternGradient, 8, 8)},
	}, viewer.Config{OutputDir: t.TempDir(), Width: 8, Height: 8, FPS: 200})
	require.NoError(t, err)

	srv := NewCamRelayServer(0, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, srv.Stop())
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func TestHealthStatusAndCameras(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := doJSON(t, http.MethodGet, ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["cameras"])
	assert.Equal(t, float64(0), body["sessions"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/api/cameras", nil)
	assert.Equal(t, http.StatusOK, code)
	cams := body["cameras"].([]interface{})
	require.Len(t, cams, 2)
	first := cams[0].(map[string]interface{})
	assert.Equal(t, "cam1", first["name"])
	assert.Equal(t, float64(0), first["refcount"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/cameras", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	base := ts.URL + "/api/sessions/" + id + "/slots/0"

	code, _ = doJSON(t, http.MethodPost, base+"/source", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, http.MethodPost, base+"/source", map[string]string{"camera": "cam9"})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, http.MethodPost, base+"/recording/stop", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = doJSON(t, http.MethodPost, base+"/source", map[string]string{"camera": "cam1"})
	require.Equal(t, http.StatusOK, code, body)

	require.Eventually(t, func() bool {
		resp, err := http.Post(base+"/snapshot", "application/json", nil)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	code, body = doJSON(t, http.MethodPost, base+"/recording/start", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.True(t, strings.HasSuffix(body["file"].(string), "vidoutput0.mkv"))
	code, _ = doJSON(t, http.MethodPost, base+"/recording/start", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, body = doJSON(t, http.MethodPost, base+"/recording/stop", nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	slots := body["slots"].([]interface{})
	require.Len(t, slots, 1)
	assert.Equal(t, "cam1", slots[0].(map[string]interface{})["camera"])

	code, _ = doJSON(t, http.MethodPost, base+"/output/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, http.MethodGet, base+"/snapshot", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+id+"/slots/x/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionWebSocket(t *testing.T) {
	srv, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var hello map[string]interface{}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "session", hello["type"])
	id := hello["data"].(map[string]interface{})["id"].(string)
	assert.Equal(t, []string{id}, srv.Hub().Sessions())

	request := func(msg map[string]interface{}) map[string]interface{} {
		require.NoError(t, conn.WriteJSON(msg))
		for {
			typ, data, err := conn.ReadMessage()
			require.NoError(t, err)
			if typ != websocket.TextMessage {
				continue
			}
			var reply map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &reply))
			return reply
		}
	}

	reply := request(map[string]interface{}{"type": "select", "slot": 1, "camera": "cam2"})
	assert.Equal(t, true, reply["ok"], reply)
	reply = request(map[string]interface{}{"type": "bogus"})
	assert.Equal(t, false, reply["ok"])
	reply = request(map[string]interface{}{"type": "watch", "slot": 1})
	require.Equal(t, true, reply["ok"], reply)

	for {
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.BinaryMessage {
			_, err := jpeg.Decode(bytes.NewReader(data))
			assert.NoError(t, err)
			break
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return len(srv.Hub().Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.Hub().Activator().RefCount("cam2"))
}
