package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"agentfleet/backend/app/blob"
	"agentfleet/backend/app/db"
	"agentfleet/backend/app/events"
	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/repo"
	"agentfleet/backend/app/vault"

	"github.com/rs/zerolog"
)

// fakeProvider records every call and fails on demand.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string
	seq   int

	volumeReqs []fly.VolumeRequest
	configs    []fly.MachineConfig
	tokens     []string
	execCmds   [][]string

	restoreErr       error
	createVolumeErr  error
	createMachineErr error
	startErr         error
	stopErr          error
	deleteMachineErr map[string]error
	deleteVolumeErr  map[string]error
	snapshotErr      map[string]error
	snapshotID       string
	exec             func(attempt int, cmd []string) (*fly.ExecResult, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		deleteMachineErr: map[string]error{},
		deleteVolumeErr:  map[string]error{},
		snapshotErr:      map[string]error{},
		snapshotID:       "vs_default",
	}
}

func (f *fakeProvider) record(t fly.Target, call string) {
	f.calls = append(f.calls, call)
	f.tokens = append(f.tokens, t.Token)
}

func (f *fakeProvider) CreateVolume(_ context.Context, t fly.Target, req fly.VolumeRequest) (*fly.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "create_volume")
	f.volumeReqs = append(f.volumeReqs, req)
	if req.SnapshotID != "" && f.restoreErr != nil {
		return nil, f.restoreErr
	}
	if req.SnapshotID == "" && f.createVolumeErr != nil {
		return nil, f.createVolumeErr
	}
	f.seq++
	return &fly.Volume{ID: fmt.Sprintf("vol_%d", f.seq), Name: req.Name}, nil
}

func (f *fakeProvider) CreateMachine(_ context.Context, t fly.Target, region string, cfg fly.MachineConfig) (*fly.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "create_machine")
	f.configs = append(f.configs, cfg)
	if f.createMachineErr != nil {
		return nil, f.createMachineErr
	}
	f.seq++
	return &fly.Machine{ID: fmt.Sprintf("m_%d", f.seq), Region: region}, nil
}

func (f *fakeProvider) StartMachine(_ context.Context, t fly.Target, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "start:"+id)
	return f.startErr
}

func (f *fakeProvider) StopMachine(_ context.Context, t fly.Target, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "stop:"+id)
	return f.stopErr
}

func (f *fakeProvider) DeleteMachine(_ context.Context, t fly.Target, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "delete_machine:"+id)
	return f.deleteMachineErr[id]
}

func (f *fakeProvider) DeleteVolume(_ context.Context, t fly.Target, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "delete_volume:"+id)
	return f.deleteVolumeErr[id]
}

func (f *fakeProvider) CreateVolumeSnapshot(_ context.Context, t fly.Target, volumeID string) (*fly.VolumeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(t, "snapshot:"+volumeID)
	if err := f.snapshotErr[volumeID]; err != nil {
		return nil, err
	}
	return &fly.VolumeSnapshot{ID: f.snapshotID}, nil
}

func (f *fakeProvider) Exec(_ context.Context, t fly.Target, id string, cmd []string) (*fly.ExecResult, error) {
	f.mu.Lock()
	f.record(t, "exec:"+id)
	f.execCmds = append(f.execCmds, cmd)
	attempt := len(f.execCmds)
	fn := f.exec
	f.mu.Unlock()
	if fn == nil {
		return &fly.ExecResult{ExitCode: 0}, nil
	}
	return fn(attempt, cmd)
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func providerErr(code int) error {
	return &fly.ProviderError{Method: http.MethodPost, Endpoint: "/apps/x", StatusCode: code, Body: "boom"}
}

// testClock advances one second per reading.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	machines  *repo.MachineRepository
	snapshots *repo.SnapshotRepository
	secrets   *SecretsService
	provider  *fakeProvider
	events    *events.Recorder
	lifecycle *LifecycleService
	sweeper   *SweepService
	blobs     blob.Store
	clock     *testClock
	sleeps    []time.Duration
}

var target = fly.Target{App: "agents-app", Token: "operator-token"}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Connect(db.Config{Driver: "sqlite", Path: fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := blob.NewBadgerStore("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() {
		_ = blobs.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env := &testEnv{
		machines:  repo.NewMachineRepository(gdb),
		snapshots: repo.NewSnapshotRepository(gdb),
		provider:  newFakeProvider(),
		events:    &events.Recorder{},
		blobs:     blobs,
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.secrets = NewSecretsService(repo.NewSecretsRepository(gdb), vault.New(vault.NewKeyCache()))
	env.secrets.now = env.clock.Now
	defaults := DefaultProvisionDefaults()
	env.lifecycle = NewLifecycleService(
		env.machines,
		NewSnapshotService(env.snapshots, blobs, zerolog.Nop()),
		env.secrets,
		env.provider,
		env.events,
		zerolog.Nop(),
		LifecycleOptions{
			Defaults: defaults,
			Now:      env.clock.Now,
			Sleep: func(_ context.Context, d time.Duration) error {
				env.sleeps = append(env.sleeps, d)
				return nil
			},
		},
	)
	env.sweeper = NewSweepService(env.lifecycle, zerolog.Nop())
	return env
}

func validRequest(userID string) ProvisionRequest {
	return ProvisionRequest{
		UserID:               userID,
		TenantID:             "tenant-1",
		BridgeURL:            "https://bridge.example",
		LLMAPIKey:            "llm-key",
		TelegramBotToken:     "tg-token",
		ServiceID:            "svc-1",
		ServiceKey:           "svc-key",
		OpenclawGatewayToken: "gw-token",
	}
}

func (e *testEnv) mustGet(t *testing.T, id uint) *models.AgentMachine {
	t.Helper()
	m, err := e.machines.Get(context.Background(), id)
	if err != nil || m == nil {
		t.Fatalf("get machine %d: %v %v", id, m, err)
	}
	return m
}

// provisionRunning provisions a machine through the service and returns its
// record.
func (e *testEnv) provisionRunning(t *testing.T, userID string) *models.AgentMachine {
	t.Helper()
	res, err := e.lifecycle.Provision(context.Background(), target, validRequest(userID))
	if err != nil {
		t.Fatalf("provision %s: %v", userID, err)
	}
	return e.mustGet(t, res.MachineDocID)
}

func setActivity(t *testing.T, e *testEnv, id uint, at time.Time) {
	t.Helper()
	if err := e.machines.Patch(context.Background(), id, repo.MachinePatch{LastActivityAt: &at, LastWakeAt: &at}); err != nil {
		t.Fatalf("patch activity: %v", err)
	}
}
