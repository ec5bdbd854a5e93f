package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfleet/backend/app/events"
	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/metrics"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/repo"

	"github.com/rs/zerolog"
)

// Provider is the subset of the Machines API the lifecycle needs.
type Provider interface {
	CreateVolume(ctx context.Context, t fly.Target, req fly.VolumeRequest) (*fly.Volume, error)
	CreateMachine(ctx context.Context, t fly.Target, region string, cfg fly.MachineConfig) (*fly.Machine, error)
	StartMachine(ctx context.Context, t fly.Target, machineID string) error
	StopMachine(ctx context.Context, t fly.Target, machineID string) error
	DeleteMachine(ctx context.Context, t fly.Target, machineID string) error
	DeleteVolume(ctx context.Context, t fly.Target, volumeID string) error
	CreateVolumeSnapshot(ctx context.Context, t fly.Target, volumeID string) (*fly.VolumeSnapshot, error)
	Exec(ctx context.Context, t fly.Target, machineID string, command []string) (*fly.ExecResult, error)
}

type EnsureMode string

const (
	EnsureExistingRunning      EnsureMode = "existing_running"
	EnsureStartedExisting      EnsureMode = "started_existing"
	EnsureRestoredFromSnapshot EnsureMode = "restored_from_snapshot"
	EnsureProvisionedNew       EnsureMode = "provisioned_new"
)

type ProvisionResult struct {
	MachineDocID uint   `json:"machine_doc_id"`
	MachineID    string `json:"machine_id"`
	VolumeID     string `json:"volume_id"`
	// RestoredSnapshotID is set when the volume was created from a snapshot.
	RestoredSnapshotID *uint `json:"restored_snapshot_id,omitempty"`
}

type EnsureResult struct {
	Mode EnsureMode `json:"mode"`
	ProvisionResult
}

type SnapshotResult struct {
	SnapshotID          uint   `json:"snapshot_id"`
	FlyVolumeSnapshotID string `json:"fly_volume_snapshot_id,omitempty"`
}

type LifecycleOptions struct {
	Defaults ProvisionDefaults
	Now      func() time.Time
	// Sleep waits between model-force attempts; it returns early with the
	// context error when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type LifecycleService struct {
	machines  *repo.MachineRepository
	snapshots *SnapshotService
	secrets   *SecretsService
	provider  Provider
	events    events.Publisher
	log       zerolog.Logger
	defaults  ProvisionDefaults
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewLifecycleService(
	machines *repo.MachineRepository,
	snapshots *SnapshotService,
	secrets *SecretsService,
	provider Provider,
	pub events.Publisher,
	log zerolog.Logger,
	opts LifecycleOptions,
) *LifecycleService {
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Defaults.ModelForceAttempts <= 0 {
		opts.Defaults.ModelForceAttempts = 1
	}
	return &LifecycleService{
		machines:  machines,
		snapshots: snapshots,
		secrets:   secrets,
		provider:  provider,
		events:    pub,
		log:       log.With().Str("component", "lifecycle").Logger(),
		defaults:  opts.Defaults,
		now:       opts.Now,
		sleep:     opts.Sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ptr[T any](v T) *T { return &v }

func checkTarget(t fly.Target) error {
	if strings.TrimSpace(t.App) == "" {
		return missingArg("flyAppName")
	}
	if strings.TrimSpace(t.Token) == "" {
		return missingArg("flyApiToken")
	}
	return nil
}

func (s *LifecycleService) publish(ctx context.Context, typ string, m *models.AgentMachine, status models.MachineStatus, err error) {
	ev := events.Event{
		Type:         typ,
		MachineDocID: m.ID,
		AgentKey:     m.AgentKey(),
		MachineID:    m.MachineID,
		Status:       string(status),
		At:           s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := s.events.Publish(ctx, ev); perr != nil {
		s.log.Warn().Err(perr).Str("event", typ).Uint("machine_doc_id", m.ID).Msg("publish lifecycle event")
	}
}

// fail records cause on the machine row. The write runs even when ctx has
// been cancelled so an abandoned call still leaves a visible error status.
func (s *LifecycleService) fail(ctx context.Context, op string, m *models.AgentMachine, cause error, extra repo.MachinePatch) {
	ctx = context.WithoutCancel(ctx)
	extra.Status = ptr(models.MachineError)
	extra.LastError = ptr(cause.Error())
	if err := s.machines.Patch(ctx, m.ID, extra); err != nil {
		s.log.Error().Err(err).Str("op", op).Uint("machine_doc_id", m.ID).Msg("record machine error")
	}
	s.log.Error().Err(cause).Str("op", op).Uint("machine_doc_id", m.ID).Str("agent_key", m.AgentKey()).Msg("lifecycle operation failed")
	s.publish(ctx, op+".failed", m, models.MachineError, cause)
}

func (s *LifecycleService) mustGet(ctx context.Context, id uint) (*models.AgentMachine, error) {
	m, err := s.machines.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("machine %d: %w", id, ErrMachineNotFound)
	}
	return m, nil
}

// Provision creates a new machine record, then its volume and machine. The
// record exists before any remote call, and any failure after that point
// leaves it in status error with the message in last_error.
func (s *LifecycleService) Provision(ctx context.Context, t fly.Target, req ProvisionRequest) (res *ProvisionResult, err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("provision", metrics.Outcome(err)).Inc() }()

	p, err := s.defaults.plan(req)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(t); err != nil {
		return nil, err
	}

	now := s.now()
	m := &models.AgentMachine{
		UserID:         p.userID,
		TenantID:       p.tenantID,
		Status:         models.MachineProvisioning,
		LifecycleMode:  models.ModeRunning,
		AllowedSkills:  p.allowedSkills,
		MemoryMB:       p.memoryMB,
		Region:         p.region,
		AppKey:         p.appKey,
		BridgeURL:      p.bridgeURL,
		ServiceID:      p.serviceID,
		ServiceKey:     p.serviceKey,
		LastActivityAt: &now,
	}
	if _, err := s.machines.Insert(ctx, m); err != nil {
		return nil, err
	}
	log := s.log.With().Uint("machine_doc_id", m.ID).Str("agent_key", m.AgentKey()).Logger()
	log.Info().Str("region", p.region).Bool("restore", p.restore).Msg("provisioning machine")
	s.publish(ctx, "provision.started", m, models.MachineProvisioning, nil)

	res, err = s.provisionRemote(ctx, t, m, p, log)
	if err != nil {
		// Remote ids created before the failure are kept so the operator can
		// deprovision them.
		var partial repo.MachinePatch
		if res != nil && res.MachineID != "" {
			partial.MachineID = ptr(res.MachineID)
		}
		if res != nil && res.VolumeID != "" {
			partial.FlyVolumeID = ptr(res.VolumeID)
		}
		s.fail(ctx, "provision", m, err, partial)
		return nil, err
	}
	m.MachineID = res.MachineID
	log.Info().Str("machine_id", res.MachineID).Str("volume_id", res.VolumeID).Msg("machine running")
	s.publish(ctx, "provision.completed", m, models.MachineRunning, nil)
	return res, nil
}

func (s *LifecycleService) provisionRemote(ctx context.Context, t fly.Target, m *models.AgentMachine, p *provisionPlan, log zerolog.Logger) (*ProvisionResult, error) {
	res := &ProvisionResult{MachineDocID: m.ID}

	var snap *models.AgentSnapshot
	if p.restore {
		var err error
		if snap, err = s.snapshots.Latest(ctx, m.AgentKey()); err != nil {
			return res, fmt.Errorf("look up latest snapshot: %w", err)
		}
	}

	volReq := fly.VolumeRequest{Name: volumeName(p.userID, s.now()), Region: p.region, SizeGB: 1}
	var vol *fly.Volume
	if snap != nil && snap.FlyVolumeSnapshotID != "" {
		restoreReq := volReq
		restoreReq.SnapshotID = snap.FlyVolumeSnapshotID
		v, err := s.provider.CreateVolume(ctx, t, restoreReq)
		if err != nil {
			log.Warn().Err(err).Uint("snapshot_id", snap.ID).Msg("restore volume from snapshot failed, creating empty volume")
			s.snapshots.MarkRestoreFailed(ctx, snap.ID, m.ID, err, s.now())
		} else {
			vol = v
			res.RestoredSnapshotID = ptr(snap.ID)
		}
	}
	if vol == nil {
		v, err := s.provider.CreateVolume(ctx, t, volReq)
		if err != nil {
			return res, err
		}
		vol = v
	}
	res.VolumeID = vol.ID

	env, err := p.env()
	if err != nil {
		return res, err
	}
	machine, err := s.provider.CreateMachine(ctx, t, p.region, fly.DefaultMachineConfig(p.image, p.memoryMB, vol.ID, env))
	if err != nil {
		return res, err
	}
	res.MachineID = machine.ID

	if s.defaults.ForceModel {
		if err := s.forceModel(ctx, t, machine.ID, p.llmModel); err != nil {
			return res, err
		}
	}

	now := s.now()
	patch := repo.MachinePatch{
		Status:         ptr(models.MachineRunning),
		LifecycleMode:  ptr(models.ModeRunning),
		MachineID:      ptr(machine.ID),
		FlyVolumeID:    ptr(vol.ID),
		LastWakeAt:     &now,
		LastActivityAt: &now,
	}
	if snap != nil {
		patch.LatestSnapshotID = ptr(snap.ID)
	}
	if err := s.machines.Patch(ctx, m.ID, patch); err != nil {
		return res, err
	}
	if res.RestoredSnapshotID != nil {
		s.snapshots.MarkRestored(ctx, snap.ID, m.ID, vol.ID, now)
	}
	return res, nil
}

// forceModel retries "models set" while the new machine boots. Exhausting the
// attempts fails the provision.
func (s *LifecycleService) forceModel(ctx context.Context, t fly.Target, machineID, model string) error {
	cmd := []string{"sh", "-lc", "cd /app && node ./openclaw.mjs models set " + shellQuote(model)}
	attempts := s.defaults.ModelForceAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.provider.Exec(ctx, t, machineID, cmd)
		if err == nil && res.ExitCode != 0 {
			err = &ExecError{Op: "models set", ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug().Err(err).Int("attempt", attempt).Str("machine_id", machineID).Msg("models set not ready")
		if attempt < attempts {
			if serr := s.sleep(ctx, s.defaults.ModelForceDelay); serr != nil {
				lastErr = serr
				break
			}
		}
	}
	return fmt.Errorf("unable to force model %s on machine %s: %w", model, machineID, lastErr)
}

// EnsureUserAgent returns a running machine for the identity, reusing the
// newest record when it can. A stopped machine is started in place; a
// hibernated one has no remote machine left, so it is rebuilt from the
// latest snapshot.
func (s *LifecycleService) EnsureUserAgent(ctx context.Context, t fly.Target, req ProvisionRequest) (*EnsureResult, error) {
	latest, err := s.machines.LatestByIdentity(ctx, req.UserID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		switch {
		case latest.Status == models.MachineRunning && latest.MachineID != "":
			return &EnsureResult{Mode: EnsureExistingRunning, ProvisionResult: resultOf(latest)}, nil
		case latest.Status == models.MachineStopped && latest.MachineID != "":
			if err := s.Start(ctx, t, latest.ID); err != nil {
				return nil, err
			}
			started, err := s.mustGet(ctx, latest.ID)
			if err != nil {
				return nil, err
			}
			return &EnsureResult{Mode: EnsureStartedExisting, ProvisionResult: resultOf(started)}, nil
		case latest.Status == models.MachineHibernated:
			// The sweep deleted the remote machine, so there is nothing to start.
			req.RestoreFromLatestSnapshot = ptr(true)
			res, err := s.Provision(ctx, t, req)
			if err != nil {
				return nil, err
			}
			return &EnsureResult{Mode: EnsureRestoredFromSnapshot, ProvisionResult: *res}, nil
		}
	}
	res, err := s.Provision(ctx, t, req)
	if err != nil {
		return nil, err
	}
	return &EnsureResult{Mode: EnsureProvisionedNew, ProvisionResult: *res}, nil
}

func resultOf(m *models.AgentMachine) ProvisionResult {
	return ProvisionResult{MachineDocID: m.ID, MachineID: m.MachineID, VolumeID: m.FlyVolumeID}
}

// RecreateFromLatestSnapshot returns the current machine when one is already
// running, and otherwise provisions with restore forced on.
func (s *LifecycleService) RecreateFromLatestSnapshot(ctx context.Context, t fly.Target, req ProvisionRequest) (*ProvisionResult, error) {
	latest, err := s.machines.LatestByIdentity(ctx, req.UserID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == models.MachineRunning && latest.MachineID != "" {
		res := resultOf(latest)
		return &res, nil
	}
	req.RestoreFromLatestSnapshot = ptr(true)
	return s.Provision(ctx, t, req)
}

func (s *LifecycleService) Start(ctx context.Context, t fly.Target, id uint) (err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("start", metrics.Outcome(err)).Inc() }()
	m, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if m.MachineID == "" {
		return fmt.Errorf("start machine %d: %w", id, ErrMachineNotReady)
	}
	if err := s.provider.StartMachine(ctx, t, m.MachineID); err != nil {
		s.fail(ctx, "start", m, err, repo.MachinePatch{})
		return err
	}
	now := s.now()
	if err := s.machines.Patch(ctx, id, repo.MachinePatch{
		Status:         ptr(models.MachineRunning),
		LifecycleMode:  ptr(models.ModeRunning),
		LastWakeAt:     &now,
		LastActivityAt: &now,
		ClearLastError: true,
	}); err != nil {
		return err
	}
	s.log.Info().Uint("machine_doc_id", id).Str("machine_id", m.MachineID).Msg("machine started")
	s.publish(ctx, "start", m, models.MachineRunning, nil)
	return nil
}

func (s *LifecycleService) Stop(ctx context.Context, t fly.Target, id uint) (err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("stop", metrics.Outcome(err)).Inc() }()
	m, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if m.MachineID == "" {
		return fmt.Errorf("stop machine %d: %w", id, ErrMachineNotReady)
	}
	if err := s.provider.StopMachine(ctx, t, m.MachineID); err != nil {
		s.fail(ctx, "stop", m, err, repo.MachinePatch{})
		return err
	}
	if err := s.machines.Patch(ctx, id, repo.MachinePatch{
		Status:        ptr(models.MachineStopped),
		LifecycleMode: ptr(models.ModeHibernated),
	}); err != nil {
		return err
	}
	s.log.Info().Uint("machine_doc_id", id).Str("machine_id", m.MachineID).Msg("machine stopped")
	s.publish(ctx, "stop", m, models.MachineStopped, nil)
	return nil
}

// releaseRemote deletes the machine and then its volume. Both deletions are
// attempted; a 404 counts as already gone.
func (s *LifecycleService) releaseRemote(ctx context.Context, t fly.Target, m *models.AgentMachine) error {
	var errs []error
	if m.MachineID != "" {
		if err := s.provider.DeleteMachine(ctx, t, m.MachineID); err != nil && !fly.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete machine %s: %w", m.MachineID, err))
		}
	}
	if m.FlyVolumeID != "" {
		if err := s.provider.DeleteVolume(ctx, t, m.FlyVolumeID); err != nil && !fly.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete volume %s: %w", m.FlyVolumeID, err))
		}
	}
	return errors.Join(errs...)
}

// Deprovision is idempotent: a missing or already deleted record is a no-op.
func (s *LifecycleService) Deprovision(ctx context.Context, t fly.Target, id uint) (err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("deprovision", metrics.Outcome(err)).Inc() }()
	m, err := s.machines.Get(ctx, id)
	if err != nil {
		return err
	}
	if m == nil || m.Status == models.MachineDeleted {
		return nil
	}
	if err := s.releaseRemote(ctx, t, m); err != nil {
		s.fail(ctx, "deprovision", m, err, repo.MachinePatch{})
		return err
	}
	if err := s.machines.Patch(ctx, id, repo.MachinePatch{Status: ptr(models.MachineDeleted)}); err != nil {
		return err
	}
	s.log.Info().Uint("machine_doc_id", id).Msg("machine deprovisioned")
	s.publish(ctx, "deprovision", m, models.MachineDeleted, nil)
	return nil
}

// CreateSnapshot snapshots the machine's volume, records the snapshot and
// points the machine's latest_snapshot_id at it. The machine's status is not
// touched.
func (s *LifecycleService) CreateSnapshot(ctx context.Context, t fly.Target, id uint) (res *SnapshotResult, err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("snapshot", metrics.Outcome(err)).Inc() }()
	m, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshotMachine(ctx, t, m)
}

func (s *LifecycleService) snapshotMachine(ctx context.Context, t fly.Target, m *models.AgentMachine) (*SnapshotResult, error) {
	if m.FlyVolumeID == "" {
		return nil, ErrNoVolume
	}
	if m.UserID == "" || m.TenantID == "" {
		return nil, fmt.Errorf("machine %d is missing identity fields", m.ID)
	}
	vs, err := s.provider.CreateVolumeSnapshot(ctx, t, m.FlyVolumeID)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshots.Record(ctx, m, vs.ID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.machines.Patch(ctx, m.ID, repo.MachinePatch{LatestSnapshotID: ptr(snap.ID)}); err != nil {
		return nil, err
	}
	s.log.Info().Uint("machine_doc_id", m.ID).Uint("snapshot_id", snap.ID).Str("fly_snapshot_id", vs.ID).Msg("snapshot recorded")
	ev := events.Event{Type: "snapshot", MachineDocID: m.ID, AgentKey: m.AgentKey(), MachineID: m.MachineID, SnapshotID: snap.ID, At: s.now()}
	if perr := s.events.Publish(ctx, ev); perr != nil {
		s.log.Warn().Err(perr).Msg("publish snapshot event")
	}
	return &SnapshotResult{SnapshotID: snap.ID, FlyVolumeSnapshotID: vs.ID}, nil
}

// UpdateAllowedSkills replaces the skill list and counts as activity.
func (s *LifecycleService) UpdateAllowedSkills(ctx context.Context, id uint, skills []string) error {
	if _, err := s.mustGet(ctx, id); err != nil {
		return err
	}
	if skills == nil {
		skills = []string{}
	}
	now := s.now()
	return s.machines.Patch(ctx, id, repo.MachinePatch{AllowedSkills: skills, LastWakeAt: &now, LastActivityAt: &now})
}

func (s *LifecycleService) TouchActivity(ctx context.Context, id uint) error {
	if _, err := s.mustGet(ctx, id); err != nil {
		return err
	}
	now := s.now()
	return s.machines.Patch(ctx, id, repo.MachinePatch{LastWakeAt: &now, LastActivityAt: &now})
}

// ApproveTelegramPairing runs the pairing approval on the machine. A non-zero
// exit is returned as *ExecError and leaves the record untouched.
func (s *LifecycleService) ApproveTelegramPairing(ctx context.Context, t fly.Target, id uint, code string) (err error) {
	defer func() { metrics.LifecycleOps.WithLabelValues("pairing", metrics.Outcome(err)).Inc() }()
	code = strings.TrimSpace(code)
	if code == "" {
		return &ValidationError{Field: "telegramPairingCode", Msg: "TELEGRAM_PAIRING_CODE is required"}
	}
	m, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if m.MachineID == "" {
		return fmt.Errorf("approve pairing on machine %d: %w", id, ErrMachineNotReady)
	}
	cmd := []string{"sh", "-lc", "cd /app && node ./openclaw.mjs pairing approve telegram " + shellQuote(code)}
	res, err := s.provider.Exec(ctx, t, m.MachineID, cmd)
	if err != nil {
		s.fail(ctx, "pairing", m, err, repo.MachinePatch{})
		return err
	}
	// A rejected code is the user's mistake, not the machine's.
	if res.ExitCode != 0 {
		return &ExecError{Op: "pairing approve", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	now := s.now()
	return s.machines.Patch(ctx, id, repo.MachinePatch{
		LastWakeAt:     &now,
		LastActivityAt: &now,
		LifecycleMode:  ptr(models.ModeRunning),
	})
}

func (s *LifecycleService) List(ctx context.Context, tenantID string) ([]models.AgentMachine, error) {
	return s.machines.ListByTenant(ctx, tenantID)
}

// Get returns nil when the record does not exist.
func (s *LifecycleService) Get(ctx context.Context, id uint) (*models.AgentMachine, error) {
	return s.machines.Get(ctx, id)
}
