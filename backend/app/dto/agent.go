package dto

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type AllowedSkillsRequest struct {
	AllowedSkills []string `json:"allowed_skills"`
}

type TelegramPairingRequest struct {
	Code string `json:"code"`
}

type StatusResponse struct {
	ID     uint   `json:"id"`
	Status string `json:"status"`
}

type SweepRequest struct {
	IdleMinutes int  `json:"idle_minutes,omitempty"`
	Limit       int  `json:"limit,omitempty"`
	DryRun      bool `json:"dry_run,omitempty"`
}
