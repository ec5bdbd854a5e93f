package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProvisionDefaults fills in whatever a ProvisionRequest leaves blank.
type ProvisionDefaults struct {
	LLMModel      string
	AppKey        string
	MemoryMB      int
	Region        string
	Image         string
	AllowedSkills []string
	Restore       bool

	// ForceModel runs "models set" on every new machine; the exec is retried
	// ModelForceAttempts times, ModelForceDelay apart, while the machine boots.
	ForceModel         bool
	ModelForceAttempts int
	ModelForceDelay    time.Duration
}

func DefaultProvisionDefaults() ProvisionDefaults {
	return ProvisionDefaults{
		LLMModel:           "openai/gpt-4.1-mini",
		AppKey:             "linkhub-w4",
		MemoryMB:           2048,
		Region:             "iad",
		Image:              "registry.fly.io/linkhub-agents:openclaw-okr-v1",
		AllowedSkills:      []string{"linkhub-bridge"},
		Restore:            true,
		ForceModel:         true,
		ModelForceAttempts: 30,
		ModelForceDelay:    5 * time.Second,
	}
}

type ProvisionRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	Image    string `json:"image,omitempty"`
	Region   string `json:"region,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`

	BridgeURL            string `json:"bridge_url,omitempty"`
	LLMAPIKey            string `json:"llm_api_key,omitempty"`
	OpenAIAPIKey         string `json:"openai_api_key,omitempty"`
	LLMModel             string `json:"llm_model,omitempty"`
	TelegramBotToken     string `json:"telegram_bot_token,omitempty"`
	ServiceID            string `json:"service_id,omitempty"`
	ServiceKey           string `json:"service_key,omitempty"`
	OpenclawGatewayToken string `json:"openclaw_gateway_token,omitempty"`
	AppKey               string `json:"app_key,omitempty"`

	// AllowedSkillsJSON wins over AllowedSkills when both are set.
	AllowedSkillsJSON string   `json:"allowed_skills_json,omitempty"`
	AllowedSkills     []string `json:"allowed_skills,omitempty"`

	RestoreFromLatestSnapshot *bool `json:"restore_from_latest_snapshot,omitempty"`
}

// provisionPlan is a validated request with every default applied.
type provisionPlan struct {
	userID, tenantID     string
	image, region        string
	memoryMB             int
	bridgeURL            string
	llmAPIKey            string
	openAIAPIKey         string
	llmModel             string
	telegramBotToken     string
	serviceID            string
	serviceKey           string
	openclawGatewayToken string
	appKey               string
	allowedSkills        []string
	restore              bool
}

func required(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", missingArg(name)
	}
	return v, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return strings.TrimSpace(def)
}

func parseAllowedSkillsJSON(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ValidationError{Field: "allowedSkillsJson", Msg: "ALLOWED_SKILLS_JSON must be valid JSON"}
	}
	items, ok := parsed.([]any)
	if !ok {
		return nil, &ValidationError{Field: "allowedSkillsJson", Msg: "ALLOWED_SKILLS_JSON must be a JSON array of strings"}
	}
	skills := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, &ValidationError{Field: "allowedSkillsJson", Msg: "ALLOWED_SKILLS_JSON must be a JSON array of strings"}
		}
		skills = append(skills, s)
	}
	return skills, nil
}

// checkModel rejects models known to misbehave. Only the last path segment is
// compared, so "openai/gpt-5-mini" and "gpt-5-mini" are both refused.
func checkModel(model string) error {
	normalized := strings.ToLower(strings.TrimSpace(model))
	id := normalized[strings.LastIndex(normalized, "/")+1:]
	if id == "gpt-5-mini" {
		return &ValidationError{
			Field: "llmModel",
			Msg:   "LLM_MODEL=gpt-5-mini is currently disabled due to a known reasoning-model bug",
			Err:   ErrModelDisabled,
		}
	}
	return nil
}

func (d ProvisionDefaults) plan(req ProvisionRequest) (*provisionPlan, error) {
	p := &provisionPlan{}
	var err error
	if p.userID, err = required("userId", req.UserID); err != nil {
		return nil, err
	}
	if p.tenantID, err = required("tenantId", req.TenantID); err != nil {
		return nil, err
	}
	if p.allowedSkills, err = parseAllowedSkillsJSON(req.AllowedSkillsJSON); err != nil {
		return nil, err
	}
	if p.allowedSkills == nil {
		p.allowedSkills = req.AllowedSkills
	}
	if p.allowedSkills == nil {
		p.allowedSkills = append([]string{}, d.AllowedSkills...)
	}
	if p.bridgeURL, err = required("bridgeUrl", req.BridgeURL); err != nil {
		return nil, err
	}
	if p.llmAPIKey, err = required("llmApiKey", req.LLMAPIKey); err != nil {
		return nil, err
	}
	p.openAIAPIKey = orDefault(req.OpenAIAPIKey, p.llmAPIKey)
	p.llmModel = orDefault(req.LLMModel, d.LLMModel)
	if err := checkModel(p.llmModel); err != nil {
		return nil, err
	}
	if p.telegramBotToken, err = required("telegramBotToken", req.TelegramBotToken); err != nil {
		return nil, err
	}
	if p.serviceID, err = required("serviceId", req.ServiceID); err != nil {
		return nil, err
	}
	if p.serviceKey, err = required("serviceKey", req.ServiceKey); err != nil {
		return nil, err
	}
	if p.openclawGatewayToken, err = required("openclawGatewayToken", req.OpenclawGatewayToken); err != nil {
		return nil, err
	}
	p.appKey = orDefault(req.AppKey, d.AppKey)
	p.image = orDefault(req.Image, d.Image)
	p.region = orDefault(req.Region, d.Region)
	p.memoryMB = req.MemoryMB
	if p.memoryMB <= 0 {
		p.memoryMB = d.MemoryMB
	}
	p.restore = d.Restore
	if req.RestoreFromLatestSnapshot != nil {
		p.restore = *req.RestoreFromLatestSnapshot
	}
	return p, nil
}

func (p *provisionPlan) env() (map[string]string, error) {
	skills, err := json.Marshal(p.allowedSkills)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"USER_ID":                      p.userID,
		"TENANT_ID":                    p.tenantID,
		"LLM_MODEL":                    p.llmModel,
		"LLM_API_KEY":                  p.llmAPIKey,
		"OPENAI_API_KEY":               p.openAIAPIKey,
		"TELEGRAM_BOT_TOKEN":           p.telegramBotToken,
		"AGENT_BRIDGE_URL":             p.bridgeURL,
		"OPENCLAW_SERVICE_ID":          p.serviceID,
		"OPENCLAW_SERVICE_KEY":         p.serviceKey,
		"OPENCLAW_GATEWAY_TOKEN":       p.openclawGatewayToken,
		"OPENCLAW_APP_KEY":             p.appKey,
		"OPENCLAW_STATE_DIR":           "/data/openclaw/state",
		"OPENCLAW_CONFIG_PATH":         "/data/openclaw/config.json",
		"OPENCLAW_HOME":                "/data/openclaw",
		"OPENCLAW_STARTUP_TIMEOUT_SEC": "240",
		"ALLOWED_SKILLS_JSON":          string(skills),
	}, nil
}

// volumeName is agent_<slug>_<base36 millis>, at most 30 characters, where the
// slug is the first ten characters of the lowercased user id with anything
// outside [a-z0-9_] replaced by '_'.
func volumeName(userID string, at time.Time) string {
	lower := strings.ToLower(userID)
	var b strings.Builder
	for _, r := range lower {
		if b.Len() >= 10 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := fmt.Sprintf("agent_%s_%s", b.String(), strconv.FormatInt(at.UnixMilli(), 36))
	if len(name) > 30 {
		name = name[:30]
	}
	return name
}

// shellQuote wraps v in single quotes for sh -lc.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}
