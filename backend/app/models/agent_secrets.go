package models

import "time"

// AgentVMSecrets holds AEAD ciphertexts for one agent's credentials. Empty
// strings mean "not stored".
type AgentVMSecrets struct {
	ID                      uint   `gorm:"primaryKey"`
	AgentKey                string `gorm:"size:400;not null;uniqueIndex"`
	TenantID                string `gorm:"size:191;not null"`
	UserID                  string `gorm:"size:191;not null"`
	FlyAPITokenEnc          string `gorm:"column:fly_api_token_enc;type:text"`
	LLMAPIKeyEnc            string `gorm:"column:llm_api_key_enc;type:text"`
	OpenAIAPIKeyEnc         string `gorm:"column:openai_api_key_enc;type:text"`
	TelegramBotTokenEnc     string `gorm:"column:telegram_bot_token_enc;type:text"`
	OpenclawGatewayTokenEnc string `gorm:"column:openclaw_gateway_token_enc;type:text"`
	UpdatedAt               time.Time
}

func (AgentVMSecrets) TableName() string { return "agent_vm_secrets" }
