package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type MachineStatus string

const (
	MachineProvisioning MachineStatus = "provisioning"
	MachineRunning      MachineStatus = "running"
	MachineStopped      MachineStatus = "stopped"
	MachineHibernated   MachineStatus = "hibernated"
	MachineError        MachineStatus = "error"
	MachineDeleted      MachineStatus = "deleted"
)

type LifecycleMode string

const (
	ModeRunning    LifecycleMode = "running"
	ModeHibernated LifecycleMode = "hibernated"
)

// AgentMachine is one remote VM lease serving an agent. An agent (tenant+user)
// accumulates a history of these rows; only the newest one is considered live.
type AgentMachine struct {
	ID               uint                        `gorm:"primaryKey" json:"id"`
	UserID           string                      `gorm:"size:191;not null;index:idx_agent_machines_identity,priority:1" json:"user_id"`
	TenantID         string                      `gorm:"size:191;not null;index:idx_agent_machines_tenant;index:idx_agent_machines_identity,priority:2" json:"tenant_id"`
	MachineID        string                      `gorm:"size:191;index:idx_agent_machines_machine_id" json:"machine_id,omitempty"`
	FlyVolumeID      string                      `gorm:"size:191" json:"fly_volume_id,omitempty"`
	Status           MachineStatus               `gorm:"size:32;not null;index:idx_agent_machines_status" json:"status"`
	LifecycleMode    LifecycleMode               `gorm:"size:32" json:"lifecycle_mode,omitempty"`
	AllowedSkills    datatypes.JSONSlice[string] `json:"allowed_skills"`
	MemoryMB         int                         `json:"memory_mb"`
	Region           string                      `gorm:"size:32" json:"region"`
	AppKey           string                      `gorm:"size:128" json:"app_key"`
	BridgeURL        string                      `gorm:"size:512" json:"bridge_url"`
	ServiceID        string                      `gorm:"size:191" json:"service_id"`
	ServiceKey       string                      `gorm:"size:512" json:"-"`
	LastActivityAt   *time.Time                  `json:"last_activity_at,omitempty"`
	LastWakeAt       *time.Time                  `json:"last_wake_at,omitempty"`
	LatestSnapshotID *uint                       `json:"latest_snapshot_id,omitempty"`
	LastError        string                      `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

func (AgentMachine) TableName() string { return "agent_machines" }

// AgentKey is the composite natural key shared by every machine, snapshot and
// secrets row of one agent.
func AgentKey(userID, tenantID string) string {
	return fmt.Sprintf("%s:%s", tenantID, userID)
}

func (m *AgentMachine) AgentKey() string { return AgentKey(m.UserID, m.TenantID) }

// EffectiveActivity falls back to the wake time and then to the Unix epoch, so a
// machine nobody ever touched sorts as the stalest candidate.
func (m *AgentMachine) EffectiveActivity() time.Time {
	if m.LastActivityAt != nil {
		return *m.LastActivityAt
	}
	if m.LastWakeAt != nil {
		return *m.LastWakeAt
	}
	return time.Unix(0, 0).UTC()
}
