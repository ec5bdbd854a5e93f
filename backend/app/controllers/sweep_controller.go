package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"agentfleet/backend/app/dto"
	"agentfleet/backend/app/services"
)

type SweepController struct {
	Sweeper   *services.SweepService
	Scheduler *services.Scheduler
}

func NewSweepController(sweeper *services.SweepService, scheduler *services.Scheduler) *SweepController {
	return &SweepController{Sweeper: sweeper, Scheduler: scheduler}
}

// Sweep runs one pass now with the scheduler's settings; non-zero body fields
// override them for this pass only.
func (c *SweepController) Sweep(w http.ResponseWriter, r *http.Request) {
	var req dto.SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	_, opts := c.Scheduler.Options()
	if req.IdleMinutes > 0 {
		opts.IdleMinutes = req.IdleMinutes
	}
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	opts.DryRun = opts.DryRun || req.DryRun
	res, err := c.Sweeper.Sweep(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
