package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"agentfleet/backend/app/dto"
	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/services"
	"agentfleet/backend/app/vault"
)

type HTTPController struct{}

func NewHTTPController() *HTTPController {
	return &HTTPController{}
}

func (c *HTTPController) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps service errors to the HTTP status the caller sees.
func statusOf(err error) int {
	var provider *fly.ProviderError
	var execErr *services.ExecError
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, vault.ErrMissingSecret):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrMachineNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrMachineNotReady), errors.Is(err, services.ErrNoVolume):
		return http.StatusConflict
	case errors.Is(err, vault.ErrMissingKey):
		return http.StatusServiceUnavailable
	case errors.As(err, &provider), errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := dto.ErrorResponse{Error: err.Error()}
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, statusOf(err), resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: msg})
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
