package services

import (
	"context"
	"testing"
	"time"

	"agentfleet/backend/app/models"
)

func sweepOpts() SweepOptions {
	return SweepOptions{AppName: target.App, FlyAPIToken: target.Token}
}

func TestSweep_HibernatesStaleMachines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := env.provisionRunning(t, "stale")
	fresh := env.provisionRunning(t, "fresh")
	setActivity(t, env, stale.ID, env.clock.Now().Add(-40*time.Minute))

	res, err := env.sweeper.Sweep(ctx, sweepOpts())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Scanned != 1 || res.Hibernated != 1 || res.Errors != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := env.mustGet(t, stale.ID)
	if got.Status != models.MachineHibernated || got.LifecycleMode != models.ModeHibernated || got.LatestSnapshotID == nil {
		t.Fatalf("unexpected hibernated record %+v", got)
	}
	snap, _ := env.snapshots.Get(ctx, *got.LatestSnapshotID)
	if snap == nil || snap.Manifest.Data().Notes == "" || snap.AgentKey != stale.AgentKey() {
		t.Fatalf("snapshot not recorded for hibernation: %+v", snap)
	}
	if env.provider.count("delete_machine:"+stale.MachineID) != 1 || env.provider.count("delete_volume:"+stale.FlyVolumeID) != 1 {
		t.Fatalf("remote resources not released: %v", env.provider.Calls())
	}
	if f := env.mustGet(t, fresh.ID); f.Status != models.MachineRunning {
		t.Fatalf("fresh machine must be left alone, got %s", f.Status)
	}
}

func TestSweep_PerMachineFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := env.clock.Now().Add(-3 * time.Hour)

	var ids []uint
	for i, user := range []string{"a", "b", "c", "d", "e"} {
		m := env.provisionRunning(t, user)
		setActivity(t, env, m.ID, old.Add(time.Duration(i)*time.Minute))
		ids = append(ids, m.ID)
	}
	b := env.mustGet(t, ids[1])
	d := env.mustGet(t, ids[3])
	env.provider.snapshotErr[b.FlyVolumeID] = providerErr(500)
	env.provider.deleteVolumeErr[d.FlyVolumeID] = providerErr(409)

	res, err := env.sweeper.Sweep(ctx, sweepOpts())
	if err != nil {
		t.Fatalf("sweep must not fail on item errors: %v", err)
	}
	if res.Scanned != 5 || res.Hibernated != 3 || res.Errors != 2 {
		t.Fatalf("expected 5/3/2, got %+v", res)
	}
	for _, id := range []uint{b.ID, d.ID} {
		got := env.mustGet(t, id)
		if got.Status != models.MachineError || got.LastError == "" {
			t.Fatalf("failed machine %d must be in error, got %s %q", id, got.Status, got.LastError)
		}
	}
	for _, id := range []uint{ids[0], ids[2], ids[4]} {
		if got := env.mustGet(t, id); got.Status != models.MachineHibernated {
			t.Fatalf("machine %d should be hibernated, got %s", id, got.Status)
		}
	}
}

func TestSweep_DryRunAndLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := env.clock.Now().Add(-time.Hour)
	for _, user := range []string{"a", "b", "c"} {
		m := env.provisionRunning(t, user)
		setActivity(t, env, m.ID, old)
	}
	before := len(env.provider.Calls())

	opts := sweepOpts()
	opts.DryRun = true
	res, err := env.sweeper.Sweep(ctx, opts)
	if err != nil || res.Scanned != 3 || res.Hibernated != 0 || !res.DryRun {
		t.Fatalf("dry run: %+v %v", res, err)
	}
	if len(env.provider.Calls()) != before {
		t.Fatalf("dry run must not call the provider")
	}

	opts.DryRun = false
	opts.Limit = 2
	res, err = env.sweeper.Sweep(ctx, opts)
	if err != nil || res.Scanned != 2 || res.Hibernated != 2 {
		t.Fatalf("limited sweep: %+v %v", res, err)
	}
}

func TestSweep_IdleThreshold(t *testing.T) {
	env := newTestEnv(t)
	m := env.provisionRunning(t, "u1")
	setActivity(t, env, m.ID, env.clock.Now().Add(-20*time.Minute))

	res, _ := env.sweeper.Sweep(context.Background(), sweepOpts())
	if res.Scanned != 0 {
		t.Fatalf("20 minutes idle is under the default threshold, got %+v", res)
	}
	opts := sweepOpts()
	opts.IdleMinutes = 10
	res, _ = env.sweeper.Sweep(context.Background(), opts)
	if res.Scanned != 1 || res.Hibernated != 1 {
		t.Fatalf("10 minute threshold must catch it, got %+v", res)
	}
}

func TestSweep_TouchSuppressesHibernation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.provisionRunning(t, "u1")
	setActivity(t, env, m.ID, env.clock.Now().Add(-40*time.Minute))

	cutoff := env.clock.Now().Add(-30 * time.Minute)
	stale, _ := env.machines.ListStaleRunning(ctx, cutoff, 0)
	if len(stale) != 1 {
		t.Fatalf("expected machine to be stale, got %d", len(stale))
	}
	if err := env.lifecycle.TouchActivity(ctx, m.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	stale, _ = env.machines.ListStaleRunning(ctx, cutoff, 0)
	if len(stale) != 0 {
		t.Fatalf("touched machine must not be stale")
	}
	res, _ := env.sweeper.Sweep(ctx, sweepOpts())
	if res.Scanned != 0 {
		t.Fatalf("touched machine must not be swept, got %+v", res)
	}
}

func TestSweep_UsesStoredTokenPerAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withToken := env.provisionRunning(t, "has-token")
	without := env.provisionRunning(t, "no-token")
	old := env.clock.Now().Add(-time.Hour)
	setActivity(t, env, withToken.ID, old)
	setActivity(t, env, without.ID, old)

	if _, err := env.secrets.Upsert(ctx, SecretsUpdate{TenantID: "tenant-1", UserID: "has-token", FlyAPIToken: ptr("agent-token")}, "enc-key"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	opts := sweepOpts()
	opts.EncryptionKey = "enc-key"
	before := len(env.provider.Calls())
	if res, err := env.sweeper.Sweep(ctx, opts); err != nil || res.Hibernated != 2 {
		t.Fatalf("sweep: %+v %v", res, err)
	}

	calls := env.provider.Calls()[before:]
	tokens := env.provider.tokens[before:]
	for i, c := range calls {
		want := "operator-token"
		if c == "snapshot:"+withToken.FlyVolumeID || c == "delete_machine:"+withToken.MachineID || c == "delete_volume:"+withToken.FlyVolumeID {
			want = "agent-token"
		}
		if tokens[i] != want {
			t.Fatalf("call %s used token %q, want %q", c, tokens[i], want)
		}
	}
}

func TestScheduler_UpdateSwapsSettings(t *testing.T) {
	env := newTestEnv(t)
	s := NewScheduler(env.sweeper, time.Hour, sweepOpts(), env.lifecycle.log)
	opts := sweepOpts()
	opts.IdleMinutes = 5
	s.Update(time.Minute, opts)
	interval, got := s.Options()
	if interval != time.Minute || got.IdleMinutes != 5 {
		t.Fatalf("update not applied: %v %+v", interval, got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop on cancel")
	}
}
