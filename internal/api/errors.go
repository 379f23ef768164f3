package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matheus3301/fedrelay/internal/binding"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body federation.ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// classify maps a domain error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, messaging.ErrInvalidRequest), errors.Is(err, federation.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, federation.ErrUnknownRoom):
		return http.StatusNotFound, "unknown_room"
	case errors.Is(err, federation.ErrUnknownPeer):
		return http.StatusNotFound, "unknown_peer"
	case errors.Is(err, platform.ErrNoBinding):
		return http.StatusNotFound, "no_binding"
	case errors.Is(err, messaging.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, binding.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrConflict), errors.Is(err, binding.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, messaging.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}
