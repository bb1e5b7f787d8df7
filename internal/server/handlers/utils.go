package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/resource"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// RespondError maps err onto a status code and sends {"error": ...}.
func RespondError(w http.ResponseWriter, err error) {
	RespondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, viewer.ErrSessionNotFound), errors.Is(err, resource.ErrUnknownResource):
		return http.StatusNotFound
	case errors.Is(err, viewer.ErrSessionClosed), errors.Is(err, viewer.ErrHubClosed):
		return http.StatusGone
	case errors.Is(err, viewer.ErrNoSource), errors.Is(err, viewer.ErrNoFrame),
		errors.Is(err, viewer.ErrAlreadyRecording), errors.Is(err, viewer.ErrNotRecording),
		errors.Is(err, viewer.ErrAlreadyOutput), errors.Is(err, viewer.ErrNoOutput),
		errors.Is(err, graph.ErrDetachInProgress):
		return http.StatusConflict
	case errors.Is(err, graph.ErrSplitterFull):
		return http.StatusServiceUnavailable
	case control.IsTransient(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// parseSlot validates a slot number taken from a path or message.
func parseSlot(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 63 {
		return 0, errors.Errorf("invalid slot %q", s)
	}
	return n, nil
}

func decodeBody(req *http.Request, v interface{}) error {
	if req.Body == nil || req.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}
