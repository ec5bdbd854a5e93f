package repo

import (
	"context"
	"errors"

	"agentfleet/backend/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SecretsRepository struct{ db *gorm.DB }

func NewSecretsRepository(db *gorm.DB) *SecretsRepository { return &SecretsRepository{db: db} }

func (r *SecretsRepository) Get(ctx context.Context, agentKey string) (*models.AgentVMSecrets, error) {
	var s models.AgentVMSecrets
	err := r.db.WithContext(ctx).Where("agent_key = ?", agentKey).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert writes every ciphertext column of s; callers merge with the stored row
// first when they want omitted fields to survive.
func (r *SecretsRepository) Upsert(ctx context.Context, s *models.AgentVMSecrets) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tenant_id", "user_id",
			"fly_api_token_enc", "llm_api_key_enc", "openai_api_key_enc",
			"telegram_bot_token_enc", "openclaw_gateway_token_enc",
			"updated_at",
		}),
	}).Create(s).Error
}

func (r *SecretsRepository) Delete(ctx context.Context, agentKey string) error {
	return r.db.WithContext(ctx).Where("agent_key = ?", agentKey).Delete(&models.AgentVMSecrets{}).Error
}
