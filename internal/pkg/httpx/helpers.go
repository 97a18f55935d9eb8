package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func ReadJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return serr.NewServiceError(fmt.Errorf("decode json: %w", err), http.StatusBadRequest, "invalid request body")
	}

	return nil
}

func WriteJSON(w http.ResponseWriter, status int, resp any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	return enc.Encode(resp)
}

// HandleErr logs err with the request context and writes a JSON error. Only the message of a
// ServiceError ever reaches the client; anything else becomes a generic 500.
func HandleErr(w http.ResponseWriter, r *http.Request, err error) {
	var se *serr.ServiceError
	if errors.As(err, &se) {
		level := slog.LevelWarn
		if se.StatusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		attrs := []any{
			"error", err,
			"status", se.StatusCode,
			"method", r.Method,
			"url", r.URL.String(),
			"remote_addr", r.RemoteAddr,
		}
		for k, v := range se.Env {
			attrs = append(attrs, k, v)
		}
		slog.Log(r.Context(), level, "request error", attrs...)

		_ = WriteJSON(w, se.StatusCode, errorResponse{Error: se.Msg})
		return
	}

	slog.Error("request error",
		"error", err,
		"method", r.Method,
		"url", r.URL.String(),
		"remote_addr", r.RemoteAddr,
	)

	_ = WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
}
