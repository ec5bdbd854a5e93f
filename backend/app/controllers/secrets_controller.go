package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	"agentfleet/backend/app/dto"
	"agentfleet/backend/app/middleware"
	"agentfleet/backend/app/services"
)

type SecretsController struct {
	Secrets *services.SecretsService
	Fleet   Fleet
}

func NewSecretsController(secrets *services.SecretsService, fleet Fleet) *SecretsController {
	return &SecretsController{Secrets: secrets, Fleet: fleet}
}

func identity(w http.ResponseWriter, r *http.Request) (tenant, user string, ok bool) {
	q := r.URL.Query()
	tenant, user = strings.TrimSpace(q.Get("tenant")), strings.TrimSpace(q.Get("user"))
	if tenant == "" || user == "" {
		badRequest(w, "tenant and user are required")
		return "", "", false
	}
	if !middleware.AllowsTenant(r.Context(), tenant) {
		w.WriteHeader(http.StatusForbidden)
		return "", "", false
	}
	return tenant, user, true
}

func (c *SecretsController) Get(w http.ResponseWriter, r *http.Request) {
	tenant, user, ok := identity(w, r)
	if !ok {
		return
	}
	meta, err := c.Secrets.Meta(r.Context(), tenant, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if meta == nil {
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "no secrets stored"})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (c *SecretsController) Put(w http.ResponseWriter, r *http.Request) {
	var req dto.SecretsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !middleware.AllowsTenant(r.Context(), strings.TrimSpace(req.TenantID)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	meta, err := c.Secrets.Upsert(r.Context(), services.SecretsUpdate{
		TenantID:             req.TenantID,
		UserID:               req.UserID,
		FlyAPIToken:          req.FlyAPIToken,
		LLMAPIKey:            req.LLMAPIKey,
		OpenAIAPIKey:         req.OpenAIAPIKey,
		TelegramBotToken:     req.TelegramBotToken,
		OpenclawGatewayToken: req.OpenclawGatewayToken,
	}, c.Fleet.EncryptionKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (c *SecretsController) Delete(w http.ResponseWriter, r *http.Request) {
	tenant, user, ok := identity(w, r)
	if !ok {
		return
	}
	if err := c.Secrets.Clear(r.Context(), tenant, user); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
