package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentfleet/backend/app/models"
	"agentfleet/backend/app/repo"
	"agentfleet/backend/app/vault"
)

// AgentCredentials is the decrypted form of one secrets row. Absent fields are
// empty strings.
type AgentCredentials struct {
	FlyAPIToken          string
	LLMAPIKey            string
	OpenAIAPIKey         string
	TelegramBotToken     string
	OpenclawGatewayToken string
}

type SecretsMeta struct {
	TenantID                string    `json:"tenant_id"`
	UserID                  string    `json:"user_id"`
	UpdatedAt               time.Time `json:"updated_at"`
	HasFlyAPIToken          bool      `json:"has_fly_api_token"`
	HasLLMAPIKey            bool      `json:"has_llm_api_key"`
	HasOpenAIAPIKey         bool      `json:"has_openai_api_key"`
	HasTelegramBotToken     bool      `json:"has_telegram_bot_token"`
	HasOpenclawGatewayToken bool      `json:"has_openclaw_gateway_token"`
}

// SecretsUpdate carries one optional value per credential. A nil field keeps
// the stored ciphertext; a pointer to a blank string removes it.
type SecretsUpdate struct {
	TenantID             string
	UserID               string
	FlyAPIToken          *string
	LLMAPIKey            *string
	OpenAIAPIKey         *string
	TelegramBotToken     *string
	OpenclawGatewayToken *string
}

type SecretsService struct {
	repo  *repo.SecretsRepository
	vault *vault.Vault
	now   func() time.Time
}

func NewSecretsService(r *repo.SecretsRepository, v *vault.Vault) *SecretsService {
	return &SecretsService{repo: r, vault: v, now: func() time.Time { return time.Now().UTC() }}
}

func metaOf(rec *models.AgentVMSecrets) *SecretsMeta {
	return &SecretsMeta{
		TenantID:                rec.TenantID,
		UserID:                  rec.UserID,
		UpdatedAt:               rec.UpdatedAt,
		HasFlyAPIToken:          rec.FlyAPITokenEnc != "",
		HasLLMAPIKey:            rec.LLMAPIKeyEnc != "",
		HasOpenAIAPIKey:         rec.OpenAIAPIKeyEnc != "",
		HasTelegramBotToken:     rec.TelegramBotTokenEnc != "",
		HasOpenclawGatewayToken: rec.OpenclawGatewayTokenEnc != "",
	}
}

// Meta returns nil when nothing is stored for the agent.
func (s *SecretsService) Meta(ctx context.Context, tenantID, userID string) (*SecretsMeta, error) {
	rec, err := s.repo.Get(ctx, models.AgentKey(userID, tenantID))
	if err != nil || rec == nil {
		return nil, err
	}
	return metaOf(rec), nil
}

func (s *SecretsService) Upsert(ctx context.Context, u SecretsUpdate, encryptionKey string) (*SecretsMeta, error) {
	if strings.TrimSpace(u.TenantID) == "" {
		return nil, missingArg("tenantId")
	}
	if strings.TrimSpace(u.UserID) == "" {
		return nil, missingArg("userId")
	}
	if strings.TrimSpace(encryptionKey) == "" {
		return nil, missingArg("secretsEncryptionKey")
	}
	agentKey := models.AgentKey(u.UserID, u.TenantID)
	existing, err := s.repo.Get(ctx, agentKey)
	if err != nil {
		return nil, err
	}
	rec := &models.AgentVMSecrets{AgentKey: agentKey, TenantID: u.TenantID, UserID: u.UserID}
	if existing != nil {
		*rec = *existing
		rec.TenantID, rec.UserID = u.TenantID, u.UserID
	}
	fields := []struct {
		name string
		in   *string
		out  *string
	}{
		{"flyApiToken", u.FlyAPIToken, &rec.FlyAPITokenEnc},
		{"llmApiKey", u.LLMAPIKey, &rec.LLMAPIKeyEnc},
		{"openaiApiKey", u.OpenAIAPIKey, &rec.OpenAIAPIKeyEnc},
		{"telegramBotToken", u.TelegramBotToken, &rec.TelegramBotTokenEnc},
		{"openclawGatewayToken", u.OpenclawGatewayToken, &rec.OpenclawGatewayTokenEnc},
	}
	for _, f := range fields {
		if f.in == nil {
			continue
		}
		plain := strings.TrimSpace(*f.in)
		if plain == "" {
			*f.out = ""
			continue
		}
		enc, err := s.vault.Encrypt(plain, encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", f.name, err)
		}
		*f.out = enc
	}
	rec.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return metaOf(rec), nil
}

func (s *SecretsService) Clear(ctx context.Context, tenantID, userID string) error {
	return s.repo.Delete(ctx, models.AgentKey(userID, tenantID))
}

// Load decrypts every stored credential for agentKey. It returns an empty
// bundle when nothing is stored.
func (s *SecretsService) Load(ctx context.Context, agentKey, encryptionKey string) (*AgentCredentials, error) {
	rec, err := s.repo.Get(ctx, agentKey)
	if err != nil {
		return nil, err
	}
	creds := &AgentCredentials{}
	if rec == nil {
		return creds, nil
	}
	for _, f := range []struct {
		name string
		enc  string
		out  *string
	}{
		{"flyApiToken", rec.FlyAPITokenEnc, &creds.FlyAPIToken},
		{"llmApiKey", rec.LLMAPIKeyEnc, &creds.LLMAPIKey},
		{"openaiApiKey", rec.OpenAIAPIKeyEnc, &creds.OpenAIAPIKey},
		{"telegramBotToken", rec.TelegramBotTokenEnc, &creds.TelegramBotToken},
		{"openclawGatewayToken", rec.OpenclawGatewayTokenEnc, &creds.OpenclawGatewayToken},
	} {
		if f.enc == "" {
			continue
		}
		plain, err := s.vault.Decrypt(f.enc, encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s for %s: %w", f.name, agentKey, err)
		}
		*f.out = plain
	}
	return creds, nil
}
