package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/metrics"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/repo"
	"agentfleet/backend/app/vault"

	"github.com/rs/zerolog"
)

const DefaultIdleMinutes = 30

type SweepOptions struct {
	IdleMinutes int
	Limit       int
	DryRun      bool

	AppName     string
	FlyAPIToken string
	// EncryptionKey enables per-agent stored fly tokens; when empty every
	// machine is handled with FlyAPIToken.
	EncryptionKey string
}

type SweepResult struct {
	Scanned    int  `json:"scanned"`
	Hibernated int  `json:"hibernated"`
	Errors     int  `json:"errors"`
	DryRun     bool `json:"dry_run"`
}

type SweepService struct {
	lifecycle *LifecycleService
	log       zerolog.Logger
}

func NewSweepService(l *LifecycleService, log zerolog.Logger) *SweepService {
	return &SweepService{lifecycle: l, log: log.With().Str("component", "sweeper").Logger()}
}

// Sweep hibernates every running machine idle for longer than IdleMinutes.
// Each machine is handled on its own: a failure is recorded on that machine
// and counted, and the pass moves on. Only a failed stale query is returned.
func (s *SweepService) Sweep(ctx context.Context, o SweepOptions) (*SweepResult, error) {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	idle := o.IdleMinutes
	if idle <= 0 {
		idle = DefaultIdleMinutes
	}
	l := s.lifecycle
	cutoff := l.now().Add(-time.Duration(idle) * time.Minute)
	stale, err := l.machines.ListStaleRunning(ctx, cutoff, o.Limit)
	if err != nil {
		return nil, fmt.Errorf("list stale machines: %w", err)
	}
	res := &SweepResult{Scanned: len(stale), DryRun: o.DryRun}
	metrics.SweepMachines.WithLabelValues("scanned").Add(float64(len(stale)))
	s.log.Info().Int("stale", len(stale)).Time("cutoff", cutoff).Bool("dry_run", o.DryRun).Msg("sweep started")
	if o.DryRun {
		return res, nil
	}

	for i := range stale {
		m := &stale[i]
		if err := s.hibernate(ctx, o, m); err != nil {
			res.Errors++
			metrics.SweepMachines.WithLabelValues("error").Inc()
			l.fail(ctx, "hibernate", m, err, repo.MachinePatch{})
			continue
		}
		res.Hibernated++
		metrics.SweepMachines.WithLabelValues("hibernated").Inc()
	}
	s.log.Info().Int("scanned", res.Scanned).Int("hibernated", res.Hibernated).Int("errors", res.Errors).Msg("sweep finished")
	return res, nil
}

func (s *SweepService) target(ctx context.Context, o SweepOptions, m *models.AgentMachine) (fly.Target, error) {
	var stored string
	if strings.TrimSpace(o.EncryptionKey) != "" && s.lifecycle.secrets != nil {
		creds, err := s.lifecycle.secrets.Load(ctx, m.AgentKey(), o.EncryptionKey)
		if err != nil {
			return fly.Target{}, err
		}
		stored = creds.FlyAPIToken
	}
	// The operator token is the fleet-wide fallback, not a per-agent
	// override, so a stored agent token takes precedence here.
	token, err := vault.Resolve("flyApiToken", stored, "", o.FlyAPIToken)
	if err != nil {
		return fly.Target{}, err
	}
	t := fly.Target{App: o.AppName, Token: token}
	return t, checkTarget(t)
}

// hibernate snapshots the machine, releases its machine and volume and marks
// the record hibernated.
func (s *SweepService) hibernate(ctx context.Context, o SweepOptions, m *models.AgentMachine) error {
	l := s.lifecycle
	t, err := s.target(ctx, o, m)
	if err != nil {
		return err
	}
	snap, err := l.snapshotMachine(ctx, t, m)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := l.releaseRemote(ctx, t, m); err != nil {
		return err
	}
	now := l.now()
	if err := l.machines.Patch(ctx, m.ID, repo.MachinePatch{
		Status:           ptr(models.MachineHibernated),
		LifecycleMode:    ptr(models.ModeHibernated),
		LatestSnapshotID: ptr(snap.SnapshotID),
		LastWakeAt:       &now,
		LastActivityAt:   &now,
		ClearLastError:   true,
	}); err != nil {
		return err
	}
	s.log.Info().Uint("machine_doc_id", m.ID).Str("machine_id", m.MachineID).Uint("snapshot_id", snap.SnapshotID).Msg("machine hibernated")
	l.publish(ctx, "hibernate", m, models.MachineHibernated, nil)
	return nil
}

// Scheduler runs Sweep on a fixed interval. Settings can be swapped while it
// runs; the next tick picks them up.
type Scheduler struct {
	sweeper *SweepService
	log     zerolog.Logger

	mu       sync.Mutex
	opts     SweepOptions
	interval time.Duration
	reset    chan time.Duration
}

func NewScheduler(sweeper *SweepService, interval time.Duration, opts SweepOptions, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		log:      log.With().Str("component", "sweep-scheduler").Logger(),
		opts:     opts,
		interval: interval,
		reset:    make(chan time.Duration, 1),
	}
}

func (s *Scheduler) Update(interval time.Duration, opts SweepOptions) {
	s.mu.Lock()
	s.opts = opts
	changed := interval > 0 && interval != s.interval
	if changed {
		s.interval = interval
	}
	s.mu.Unlock()
	if changed {
		select {
		case s.reset <- interval:
		default:
		}
	}
}

func (s *Scheduler) Options() (time.Duration, SweepOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval, s.opts
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval, _ := s.Options()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", interval).Msg("sweep scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweep scheduler stopped")
			return
		case d := <-s.reset:
			ticker.Reset(d)
			s.log.Info().Dur("interval", d).Msg("sweep interval changed")
		case <-ticker.C:
			_, opts := s.Options()
			if _, err := s.sweeper.Sweep(ctx, opts); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
