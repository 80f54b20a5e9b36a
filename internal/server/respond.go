package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"rag-server/internal/model"
)

// errorBody is the envelope every non-2xx response carries.
type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message, Timestamp: time.Now().UTC()})
}

// respondError maps domain errors onto HTTP statuses. providerStatus is the
// status used for upstream LLM failures; search endpoints report 503 while
// chat endpoints report 502. Validation failures are the caller's fault and
// stay out of the error log.
func (s *Server) respondError(w http.ResponseWriter, err error, providerStatus int) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		s.log.Debug().Err(err).Msg("rejected request")
		writeError(w, http.StatusBadRequest, "validation_error", ve.Error())
		return
	}
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		s.log.Error().Err(err).Str("provider", pe.Provider).Msg("provider call failed")
		writeError(w, providerStatus, "provider_error", pe.Error())
		return
	}
	s.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.ValidationError{Field: name, Message: "must be an integer"}
	}
	return v, nil
}

// queryFloat reads a float query parameter, returning def when absent.
func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &model.ValidationError{Field: name, Message: "must be a number"}
	}
	return v, nil
}
