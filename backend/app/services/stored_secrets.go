package services

import (
	"context"
	"fmt"

	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/vault"
)

// StoredSecretsRequest selects the app and the operator key used to decrypt an
// agent's stored credentials. FlyAPIToken, when set, overrides the stored one.
type StoredSecretsRequest struct {
	AppName       string `json:"fly_app_name"`
	EncryptionKey string `json:"-"`
	FlyAPIToken   string `json:"-"`
}

func (s *LifecycleService) storedTarget(ctx context.Context, r StoredSecretsRequest, agentKey string) (fly.Target, *AgentCredentials, error) {
	if s.secrets == nil {
		return fly.Target{}, nil, fmt.Errorf("stored secrets are not configured")
	}
	creds, err := s.secrets.Load(ctx, agentKey, r.EncryptionKey)
	if err != nil {
		return fly.Target{}, nil, err
	}
	token, err := vault.Resolve("flyApiToken", r.FlyAPIToken, creds.FlyAPIToken)
	if err != nil {
		return fly.Target{}, nil, err
	}
	t := fly.Target{App: r.AppName, Token: token}
	if err := checkTarget(t); err != nil {
		return fly.Target{}, nil, err
	}
	return t, creds, nil
}

// withStoredCredentials fills the request's credentials, keeping any value the
// caller supplied.
func withStoredCredentials(req ProvisionRequest, creds *AgentCredentials) (ProvisionRequest, error) {
	var err error
	if req.LLMAPIKey, err = vault.Resolve("llmApiKey", req.LLMAPIKey, creds.LLMAPIKey); err != nil {
		return req, err
	}
	if req.OpenAIAPIKey, err = vault.Resolve("openaiApiKey", req.OpenAIAPIKey, creds.OpenAIAPIKey, req.LLMAPIKey); err != nil {
		return req, err
	}
	if req.TelegramBotToken, err = vault.Resolve("telegramBotToken", req.TelegramBotToken, creds.TelegramBotToken); err != nil {
		return req, err
	}
	if req.OpenclawGatewayToken, err = vault.Resolve("openclawGatewayToken", req.OpenclawGatewayToken, creds.OpenclawGatewayToken); err != nil {
		return req, err
	}
	return req, nil
}

func (s *LifecycleService) storedProvisionInputs(ctx context.Context, r StoredSecretsRequest, req ProvisionRequest) (fly.Target, ProvisionRequest, error) {
	t, creds, err := s.storedTarget(ctx, r, models.AgentKey(req.UserID, req.TenantID))
	if err != nil {
		return t, req, err
	}
	req, err = withStoredCredentials(req, creds)
	return t, req, err
}

func (s *LifecycleService) ProvisionWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, req ProvisionRequest) (*ProvisionResult, error) {
	t, req, err := s.storedProvisionInputs(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return s.Provision(ctx, t, req)
}

func (s *LifecycleService) EnsureUserAgentWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, req ProvisionRequest) (*EnsureResult, error) {
	t, req, err := s.storedProvisionInputs(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return s.EnsureUserAgent(ctx, t, req)
}

func (s *LifecycleService) RecreateFromLatestSnapshotWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, req ProvisionRequest) (*ProvisionResult, error) {
	t, req, err := s.storedProvisionInputs(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return s.RecreateFromLatestSnapshot(ctx, t, req)
}

// machineTarget resolves the token for an existing record. A missing record
// yields ErrMachineNotFound unless allowMissing is set, in which case missing
// and deleted records both report found=false.
func (s *LifecycleService) machineTarget(ctx context.Context, r StoredSecretsRequest, id uint, allowMissing bool) (fly.Target, bool, error) {
	m, err := s.machines.Get(ctx, id)
	if err != nil {
		return fly.Target{}, false, err
	}
	if m == nil || (allowMissing && m.Status == models.MachineDeleted) {
		if allowMissing {
			return fly.Target{}, false, nil
		}
		return fly.Target{}, false, fmt.Errorf("machine %d: %w", id, ErrMachineNotFound)
	}
	if m.UserID == "" || m.TenantID == "" {
		return fly.Target{}, false, fmt.Errorf("machine %d is missing identity fields", id)
	}
	t, _, err := s.storedTarget(ctx, r, m.AgentKey())
	return t, true, err
}

func (s *LifecycleService) StartWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, id uint) error {
	t, _, err := s.machineTarget(ctx, r, id, false)
	if err != nil {
		return err
	}
	return s.Start(ctx, t, id)
}

func (s *LifecycleService) StopWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, id uint) error {
	t, _, err := s.machineTarget(ctx, r, id, false)
	if err != nil {
		return err
	}
	return s.Stop(ctx, t, id)
}

func (s *LifecycleService) DeprovisionWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, id uint) error {
	t, found, err := s.machineTarget(ctx, r, id, true)
	if err != nil || !found {
		return err
	}
	return s.Deprovision(ctx, t, id)
}

func (s *LifecycleService) CreateSnapshotWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, id uint) (*SnapshotResult, error) {
	t, _, err := s.machineTarget(ctx, r, id, false)
	if err != nil {
		return nil, err
	}
	return s.CreateSnapshot(ctx, t, id)
}

func (s *LifecycleService) ApproveTelegramPairingWithStoredSecrets(ctx context.Context, r StoredSecretsRequest, id uint, code string) error {
	t, _, err := s.machineTarget(ctx, r, id, false)
	if err != nil {
		return err
	}
	return s.ApproveTelegramPairing(ctx, t, id, code)
}
