package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentfleet/backend/app/blob"
	"agentfleet/backend/app/models"
	"agentfleet/backend/app/repo"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

const manifestNote = "Captured from idle sweeper before machine hibernation"

type SnapshotService struct {
	repo  *repo.SnapshotRepository
	blobs blob.Store
	log   zerolog.Logger
}

// NewSnapshotService accepts a nil blob store; snapshots are then recorded
// without a blob handle.
func NewSnapshotService(r *repo.SnapshotRepository, blobs blob.Store, log zerolog.Logger) *SnapshotService {
	return &SnapshotService{repo: r, blobs: blobs, log: log.With().Str("component", "snapshots").Logger()}
}

func (s *SnapshotService) Latest(ctx context.Context, agentKey string) (*models.AgentSnapshot, error) {
	return s.repo.LatestByAgentKey(ctx, agentKey)
}

func (s *SnapshotService) List(ctx context.Context, tenantID, userID string) ([]models.AgentSnapshot, error) {
	return s.repo.ListByAgentKey(ctx, models.AgentKey(userID, tenantID))
}

func (s *SnapshotService) Get(ctx context.Context, id uint) (*models.AgentSnapshot, error) {
	return s.repo.Get(ctx, id)
}

// Record writes the manifest to the blob store and inserts the snapshot row
// for a remote volume snapshot that already exists.
func (s *SnapshotService) Record(ctx context.Context, m *models.AgentMachine, flySnapshotID string, at time.Time) (*models.AgentSnapshot, error) {
	manifest := models.SnapshotManifest{
		SourceMachineID:   m.MachineID,
		SourceFlyVolumeID: m.FlyVolumeID,
		Region:            m.Region,
		BackupScope:       models.BackupScopeStatePlusManifest,
		BackupCreatedAt:   at,
		Notes:             manifestNote,
	}
	var handle string
	if s.blobs != nil {
		payload, err := json.Marshal(struct {
			MachineDocID uint                    `json:"machine_doc_id"`
			Manifest     models.SnapshotManifest `json:"manifest"`
		}{m.ID, manifest})
		if err != nil {
			return nil, err
		}
		handle, err = s.blobs.Put(ctx, payload, "application/json")
		if err != nil {
			return nil, fmt.Errorf("store snapshot manifest: %w", err)
		}
	}
	docID := m.ID
	snap := &models.AgentSnapshot{
		AgentKey:            m.AgentKey(),
		MachineDocID:        &docID,
		TenantID:            m.TenantID,
		UserID:              m.UserID,
		Status:              models.SnapshotCreated,
		BlobHandle:          handle,
		FlyVolumeSnapshotID: flySnapshotID,
		Manifest:            datatypes.NewJSONType(manifest),
	}
	if _, err := s.repo.Insert(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// MarkRestored and MarkRestoreFailed are best effort: a failure to record the
// outcome is logged and never fails the provision that restored.
func (s *SnapshotService) MarkRestored(ctx context.Context, snapshotID, machineDocID uint, volumeID string, at time.Time) {
	info := models.RestoreInfo{MachineDocID: machineDocID, FlyVolumeID: volumeID, RestoredAt: at}
	if err := s.repo.RecordRestore(ctx, snapshotID, models.SnapshotRestored, info); err != nil {
		s.log.Warn().Err(err).Uint("snapshot_id", snapshotID).Msg("record restore outcome")
	}
}

func (s *SnapshotService) MarkRestoreFailed(ctx context.Context, snapshotID, machineDocID uint, cause error, at time.Time) {
	info := models.RestoreInfo{MachineDocID: machineDocID, RestoredAt: at, Error: cause.Error()}
	if err := s.repo.RecordRestore(ctx, snapshotID, models.SnapshotFailed, info); err != nil {
		s.log.Warn().Err(err).Uint("snapshot_id", snapshotID).Msg("record restore failure")
	}
}
