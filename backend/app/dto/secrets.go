package dto

// SecretsRequest updates an agent's stored credentials. Omitted fields keep
// their stored value; an empty string removes it.
type SecretsRequest struct {
	TenantID             string  `json:"tenant_id"`
	UserID               string  `json:"user_id"`
	FlyAPIToken          *string `json:"fly_api_token,omitempty"`
	LLMAPIKey            *string `json:"llm_api_key,omitempty"`
	OpenAIAPIKey         *string `json:"openai_api_key,omitempty"`
	TelegramBotToken     *string `json:"telegram_bot_token,omitempty"`
	OpenclawGatewayToken *string `json:"openclaw_gateway_token,omitempty"`
}
