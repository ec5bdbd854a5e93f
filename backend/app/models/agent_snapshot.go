package models

import (
	"time"

	"gorm.io/datatypes"
)

type SnapshotStatus string

const (
	SnapshotCreated  SnapshotStatus = "created"
	SnapshotRestored SnapshotStatus = "restored"
	SnapshotFailed   SnapshotStatus = "failed"
)

// BackupScopeStatePlusManifest tags snapshots that carry the agent state volume
// plus a JSON manifest in the blob store.
const BackupScopeStatePlusManifest = "openclaw-state-plus-manifest"

type SnapshotManifest struct {
	SourceMachineID   string    `json:"source_machine_id,omitempty"`
	SourceFlyVolumeID string    `json:"source_fly_volume_id,omitempty"`
	Image             string    `json:"image,omitempty"`
	Region            string    `json:"region,omitempty"`
	LLMModel          string    `json:"llm_model,omitempty"`
	BackupScope       string    `json:"backup_scope"`
	BackupCreatedAt   time.Time `json:"backup_created_at"`
	Notes             string    `json:"notes,omitempty"`
}

type RestoreInfo struct {
	MachineDocID uint      `json:"machine_doc_id,omitempty"`
	FlyVolumeID  string    `json:"fly_volume_id,omitempty"`
	RestoredAt   time.Time `json:"restored_at"`
	Error        string    `json:"error,omitempty"`
}

// AgentSnapshot is an immutable backup descriptor; only the restore outcome is
// written after insert.
type AgentSnapshot struct {
	ID                  uint                                 `gorm:"primaryKey" json:"id"`
	AgentKey            string                               `gorm:"size:400;not null;index:idx_agent_snapshots_agent_key" json:"agent_key"`
	MachineDocID        *uint                                `gorm:"index" json:"machine_doc_id,omitempty"`
	TenantID            string                               `gorm:"size:191;not null" json:"tenant_id"`
	UserID              string                               `gorm:"size:191;not null" json:"user_id"`
	Status              SnapshotStatus                       `gorm:"size:32;not null" json:"status"`
	BlobHandle          string                               `gorm:"size:255" json:"blob_handle,omitempty"`
	FlyVolumeSnapshotID string                               `gorm:"size:191" json:"fly_volume_snapshot_id,omitempty"`
	Manifest            datatypes.JSONType[SnapshotManifest] `json:"manifest"`
	RestoreInfo         datatypes.JSONType[*RestoreInfo]     `json:"restore_info"`
	CreatedAt           time.Time                            `json:"created_at"`
}

func (AgentSnapshot) TableName() string { return "agent_snapshots" }
