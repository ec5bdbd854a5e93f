package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"agentfleet/backend/app/dto"
	"agentfleet/backend/app/middleware"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/services"

	"github.com/rs/zerolog"
)

type AgentController struct {
	Lifecycle *services.LifecycleService
	Snapshots *services.SnapshotService
	Fleet     Fleet
	log       zerolog.Logger
}

func NewAgentController(lifecycle *services.LifecycleService, snapshots *services.SnapshotService, fleet Fleet, log zerolog.Logger) *AgentController {
	return &AgentController{Lifecycle: lifecycle, Snapshots: snapshots, Fleet: fleet, log: log}
}

func (c *AgentController) List(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		badRequest(w, "tenant is required")
		return
	}
	if !middleware.AllowsTenant(r.Context(), tenant) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	rows, err := c.Lifecycle.List(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.AgentMachine{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// machine loads the record named in the path and checks the caller may touch
// it. It writes the response itself when it returns nil.
func (c *AgentController) machine(w http.ResponseWriter, r *http.Request) *models.AgentMachine {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid machine id")
		return nil
	}
	m, err := c.Lifecycle.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if m == nil {
		writeError(w, services.ErrMachineNotFound)
		return nil
	}
	if !middleware.AllowsTenant(r.Context(), m.TenantID) {
		w.WriteHeader(http.StatusForbidden)
		return nil
	}
	return m
}

func (c *AgentController) Get(w http.ResponseWriter, r *http.Request) {
	if m := c.machine(w, r); m != nil {
		writeJSON(w, http.StatusOK, m)
	}
}

func (c *AgentController) decodeProvision(w http.ResponseWriter, r *http.Request) (services.ProvisionRequest, bool) {
	var req services.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return req, false
	}
	if !middleware.AllowsTenant(r.Context(), strings.TrimSpace(req.TenantID)) {
		w.WriteHeader(http.StatusForbidden)
		return req, false
	}
	return req, true
}

func (c *AgentController) logOp(ctx context.Context, op string) *zerolog.Event {
	return c.log.Info().Str("op", op).Str("subject", middleware.Subject(ctx))
}

func (c *AgentController) Ensure(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeProvision(w, r)
	if !ok {
		return
	}
	var (
		res *services.EnsureResult
		err error
	)
	if useStored(r) {
		res, err = c.Lifecycle.EnsureUserAgentWithStoredSecrets(r.Context(), c.Fleet.stored(), req)
	} else {
		res, err = c.Lifecycle.EnsureUserAgent(r.Context(), c.Fleet.target(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), "ensure").Str("mode", string(res.Mode)).Uint("machine_doc_id", res.MachineDocID).Msg("agent ensured")
	writeJSON(w, http.StatusOK, res)
}

func (c *AgentController) Provision(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeProvision(w, r)
	if !ok {
		return
	}
	var (
		res *services.ProvisionResult
		err error
	)
	if useStored(r) {
		res, err = c.Lifecycle.ProvisionWithStoredSecrets(r.Context(), c.Fleet.stored(), req)
	} else {
		res, err = c.Lifecycle.Provision(r.Context(), c.Fleet.target(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), "provision").Uint("machine_doc_id", res.MachineDocID).Msg("agent provisioned")
	writeJSON(w, http.StatusCreated, res)
}

func (c *AgentController) Recreate(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeProvision(w, r)
	if !ok {
		return
	}
	var (
		res *services.ProvisionResult
		err error
	)
	if useStored(r) {
		res, err = c.Lifecycle.RecreateFromLatestSnapshotWithStoredSecrets(r.Context(), c.Fleet.stored(), req)
	} else {
		res, err = c.Lifecycle.RecreateFromLatestSnapshot(r.Context(), c.Fleet.target(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), "recreate").Uint("machine_doc_id", res.MachineDocID).Msg("agent recreated")
	writeJSON(w, http.StatusOK, res)
}

// action runs one machine operation through either the operator token or the
// agent's stored credentials and answers with the record's new status.
func (c *AgentController) action(w http.ResponseWriter, r *http.Request, op string,
	direct func(ctx context.Context, id uint) error,
	stored func(ctx context.Context, id uint) error,
) {
	m := c.machine(w, r)
	if m == nil {
		return
	}
	var err error
	if useStored(r) {
		err = stored(r.Context(), m.ID)
	} else {
		err = direct(r.Context(), m.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), op).Uint("machine_doc_id", m.ID).Msg("machine updated")
	status := ""
	if fresh, err := c.Lifecycle.Get(r.Context(), m.ID); err == nil && fresh != nil {
		status = string(fresh.Status)
	}
	writeJSON(w, http.StatusOK, dto.StatusResponse{ID: m.ID, Status: status})
}

func (c *AgentController) Start(w http.ResponseWriter, r *http.Request) {
	l := c.Lifecycle
	c.action(w, r, "start",
		func(ctx context.Context, id uint) error {
			return l.Start(ctx, c.Fleet.target(), id)
		},
		func(ctx context.Context, id uint) error {
			return l.StartWithStoredSecrets(ctx, c.Fleet.stored(), id)
		},
	)
}

func (c *AgentController) Stop(w http.ResponseWriter, r *http.Request) {
	l := c.Lifecycle
	c.action(w, r, "stop",
		func(ctx context.Context, id uint) error {
			return l.Stop(ctx, c.Fleet.target(), id)
		},
		func(ctx context.Context, id uint) error {
			return l.StopWithStoredSecrets(ctx, c.Fleet.stored(), id)
		},
	)
}

func (c *AgentController) Deprovision(w http.ResponseWriter, r *http.Request) {
	l := c.Lifecycle
	c.action(w, r, "deprovision",
		func(ctx context.Context, id uint) error {
			return l.Deprovision(ctx, c.Fleet.target(), id)
		},
		func(ctx context.Context, id uint) error {
			return l.DeprovisionWithStoredSecrets(ctx, c.Fleet.stored(), id)
		},
	)
}

func (c *AgentController) Snapshot(w http.ResponseWriter, r *http.Request) {
	m := c.machine(w, r)
	if m == nil {
		return
	}
	var (
		res *services.SnapshotResult
		err error
	)
	if useStored(r) {
		res, err = c.Lifecycle.CreateSnapshotWithStoredSecrets(r.Context(), c.Fleet.stored(), m.ID)
	} else {
		res, err = c.Lifecycle.CreateSnapshot(r.Context(), c.Fleet.target(), m.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), "snapshot").Uint("machine_doc_id", m.ID).Uint("snapshot_id", res.SnapshotID).Msg("snapshot created")
	writeJSON(w, http.StatusCreated, res)
}

func (c *AgentController) Pairing(w http.ResponseWriter, r *http.Request) {
	m := c.machine(w, r)
	if m == nil {
		return
	}
	var req dto.TelegramPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	var err error
	if useStored(r) {
		err = c.Lifecycle.ApproveTelegramPairingWithStoredSecrets(r.Context(), c.Fleet.stored(), m.ID, req.Code)
	} else {
		err = c.Lifecycle.ApproveTelegramPairing(r.Context(), c.Fleet.target(), m.ID, req.Code)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logOp(r.Context(), "pairing").Uint("machine_doc_id", m.ID).Msg("telegram pairing approved")
	w.WriteHeader(http.StatusNoContent)
}

func (c *AgentController) Skills(w http.ResponseWriter, r *http.Request) {
	m := c.machine(w, r)
	if m == nil {
		return
	}
	var req dto.AllowedSkillsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := c.Lifecycle.UpdateAllowedSkills(r.Context(), m.ID, req.AllowedSkills); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *AgentController) Touch(w http.ResponseWriter, r *http.Request) {
	m := c.machine(w, r)
	if m == nil {
		return
	}
	if err := c.Lifecycle.TouchActivity(r.Context(), m.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *AgentController) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant, user := strings.TrimSpace(q.Get("tenant")), strings.TrimSpace(q.Get("user"))
	if tenant == "" || user == "" {
		badRequest(w, "tenant and user are required")
		return
	}
	if !middleware.AllowsTenant(r.Context(), tenant) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	rows, err := c.Snapshots.List(r.Context(), tenant, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.AgentSnapshot{}
	}
	writeJSON(w, http.StatusOK, rows)
}
