package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tradeloop-engine/internal/models"
)

type apiEnvelope struct {
	Links map[string]string      `json:"_links,omitempty"`
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Error interface{}            `json:"error,omitempty"`
}

func writeAPIResponse(w http.ResponseWriter, data interface{}, meta map[string]interface{}, links map[string]string) {
	resp := apiEnvelope{
		Links: links,
		Meta:  meta,
		Data:  data,
	}
	json.NewEncoder(w).Encode(resp)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{"message": message},
	})
}

// writeEngineError maps engine error kinds to HTTP statuses. TenantBusy
// carries a Retry-After so well-behaved clients back off.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrTenantUnknown):
		writeAPIError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrTenantBusy):
		w.Header().Set("Retry-After", "1")
		writeAPIError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrIncompatibleSnapshot):
		writeAPIError(w, http.StatusConflict, err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseIntParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func parseFloatParam(r *http.Request, name string, def float64) float64 {
	if v := r.URL.Query().Get(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
