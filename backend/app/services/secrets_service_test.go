package services

import (
	"context"
	"errors"
	"testing"

	"agentfleet/backend/app/models"
	"agentfleet/backend/app/vault"
)

func TestSecrets_UpsertKeepsOmittedAndRemovesCleared(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	meta, err := env.secrets.Upsert(ctx, SecretsUpdate{
		TenantID:         "tenant-1",
		UserID:           "u1",
		FlyAPIToken:      ptr("fly-1"),
		LLMAPIKey:        ptr("llm-1"),
		TelegramBotToken: ptr("tg-1"),
	}, "enc-key")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !meta.HasFlyAPIToken || !meta.HasLLMAPIKey || !meta.HasTelegramBotToken || meta.HasOpenAIAPIKey {
		t.Fatalf("unexpected meta %+v", meta)
	}

	meta, err = env.secrets.Upsert(ctx, SecretsUpdate{
		TenantID:         "tenant-1",
		UserID:           "u1",
		LLMAPIKey:        ptr("llm-2"),
		TelegramBotToken: ptr("  "),
	}, "enc-key")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !meta.HasFlyAPIToken || !meta.HasLLMAPIKey || meta.HasTelegramBotToken {
		t.Fatalf("omitted field must stay and cleared field must go: %+v", meta)
	}

	creds, err := env.secrets.Load(ctx, models.AgentKey("u1", "tenant-1"), "enc-key")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if creds.FlyAPIToken != "fly-1" || creds.LLMAPIKey != "llm-2" || creds.TelegramBotToken != "" {
		t.Fatalf("unexpected credentials %+v", creds)
	}

	stored, _ := env.secrets.Meta(ctx, "tenant-1", "u1")
	if stored == nil || stored.UserID != "u1" || !stored.HasFlyAPIToken {
		t.Fatalf("unexpected stored meta %+v", stored)
	}
}

func TestSecrets_WrongKeyAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.secrets.Upsert(ctx, SecretsUpdate{TenantID: "tenant-1", UserID: "u1", FlyAPIToken: ptr("fly-1")}, "key-a"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := env.secrets.Load(ctx, "tenant-1:u1", "key-b"); !errors.Is(err, vault.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	if err := env.secrets.Clear(ctx, "tenant-1", "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	meta, err := env.secrets.Meta(ctx, "tenant-1", "u1")
	if err != nil || meta != nil {
		t.Fatalf("cleared secrets must have no meta, got %+v %v", meta, err)
	}
	creds, err := env.secrets.Load(ctx, "tenant-1:u1", "key-b")
	if err != nil || *creds != (AgentCredentials{}) {
		t.Fatalf("missing record loads as empty credentials, got %+v %v", creds, err)
	}
}

func TestSecrets_UpsertValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.secrets.Upsert(context.Background(), SecretsUpdate{TenantID: "t", UserID: "u"}, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank key, got %v", err)
	}
	if _, err := env.secrets.Upsert(context.Background(), SecretsUpdate{TenantID: "t"}, "k"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank user, got %v", err)
	}
}

func TestProvisionWithStoredSecrets_SuppliedWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.secrets.Upsert(ctx, SecretsUpdate{
		TenantID:             "tenant-1",
		UserID:               "u1",
		FlyAPIToken:          ptr("stored-fly"),
		LLMAPIKey:            ptr("stored-llm"),
		TelegramBotToken:     ptr("stored-tg"),
		OpenclawGatewayToken: ptr("stored-gw"),
	}, "enc-key"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	req := validRequest("u1")
	req.LLMAPIKey = ""
	req.TelegramBotToken = "supplied-tg"
	req.OpenclawGatewayToken = ""
	_, err := env.lifecycle.ProvisionWithStoredSecrets(ctx, StoredSecretsRequest{AppName: "agents-app", EncryptionKey: "enc-key"}, req)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	envVars := env.provider.configs[0].Env
	if envVars["LLM_API_KEY"] != "stored-llm" || envVars["TELEGRAM_BOT_TOKEN"] != "supplied-tg" || envVars["OPENCLAW_GATEWAY_TOKEN"] != "stored-gw" {
		t.Fatalf("unexpected env %v", envVars)
	}
	if envVars["OPENAI_API_KEY"] != "stored-llm" {
		t.Fatalf("openai key must fall back to the llm key, got %q", envVars["OPENAI_API_KEY"])
	}
	if env.provider.tokens[0] != "stored-fly" {
		t.Fatalf("expected stored fly token, got %q", env.provider.tokens[0])
	}

	_, err = env.lifecycle.ProvisionWithStoredSecrets(ctx, StoredSecretsRequest{AppName: "agents-app", EncryptionKey: "enc-key", FlyAPIToken: "override"}, validRequest("u1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if last := env.provider.tokens[len(env.provider.tokens)-1]; last != "override" {
		t.Fatalf("supplied fly token must win, got %q", last)
	}
}

func TestStoredSecrets_MissingSecretBeforeRemoteCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.lifecycle.ProvisionWithStoredSecrets(ctx, StoredSecretsRequest{AppName: "agents-app", EncryptionKey: "enc-key"}, validRequest("u1"))
	var missing *vault.MissingSecretError
	if !errors.As(err, &missing) || missing.Name != "flyApiToken" {
		t.Fatalf("expected missing flyApiToken, got %v", err)
	}
	if len(env.provider.Calls()) != 0 {
		t.Fatalf("no remote call may happen before secrets resolve")
	}
	rows, _ := env.machines.ListByTenant(ctx, "tenant-1")
	if len(rows) != 0 {
		t.Fatalf("no record may be written before secrets resolve")
	}
}

func TestStoredSecrets_MachineActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.provisionRunning(t, "u1")
	if _, err := env.secrets.Upsert(ctx, SecretsUpdate{TenantID: "tenant-1", UserID: "u1", FlyAPIToken: ptr("stored-fly")}, "enc-key"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r := StoredSecretsRequest{AppName: "agents-app", EncryptionKey: "enc-key"}
	before := len(env.provider.Calls())

	if err := env.lifecycle.StopWithStoredSecrets(ctx, r, m.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := env.lifecycle.StartWithStoredSecrets(ctx, r, m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.lifecycle.CreateSnapshotWithStoredSecrets(ctx, r, m.ID); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := env.lifecycle.ApproveTelegramPairingWithStoredSecrets(ctx, r, m.ID, "1234"); err != nil {
		t.Fatalf("pairing: %v", err)
	}
	if err := env.lifecycle.DeprovisionWithStoredSecrets(ctx, r, m.ID); err != nil {
		t.Fatalf("deprovision: %v", err)
	}
	for i, tok := range env.provider.tokens[before:] {
		if tok != "stored-fly" {
			t.Fatalf("call %s used %q", env.provider.Calls()[before+i], tok)
		}
	}
	if err := env.lifecycle.DeprovisionWithStoredSecrets(ctx, StoredSecretsRequest{AppName: "agents-app", EncryptionKey: "other"}, m.ID); err != nil {
		t.Fatalf("deprovision of a deleted record must be a no-op: %v", err)
	}
	if err := env.lifecycle.DeprovisionWithStoredSecrets(ctx, r, 5555); err != nil {
		t.Fatalf("deprovision of a missing record must be a no-op: %v", err)
	}
	if err := env.lifecycle.StartWithStoredSecrets(ctx, r, 5555); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected ErrMachineNotFound, got %v", err)
	}
}
