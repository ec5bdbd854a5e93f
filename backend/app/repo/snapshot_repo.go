package repo

import (
	"context"
	"errors"
	"fmt"

	"agentfleet/backend/app/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SnapshotRepository struct{ db *gorm.DB }

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository { return &SnapshotRepository{db: db} }

func (r *SnapshotRepository) Insert(ctx context.Context, s *models.AgentSnapshot) (uint, error) {
	if s.Status == "" {
		s.Status = models.SnapshotCreated
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return s.ID, nil
}

func (r *SnapshotRepository) Get(ctx context.Context, id uint) (*models.AgentSnapshot, error) {
	var s models.AgentSnapshot
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestByAgentKey returns the newest snapshot across every machine the agent
// ever had, or nil.
func (r *SnapshotRepository) LatestByAgentKey(ctx context.Context, agentKey string) (*models.AgentSnapshot, error) {
	var s models.AgentSnapshot
	err := r.db.WithContext(ctx).
		Where("agent_key = ?", agentKey).
		Order("id DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SnapshotRepository) ListByAgentKey(ctx context.Context, agentKey string) ([]models.AgentSnapshot, error) {
	var out []models.AgentSnapshot
	if err := r.db.WithContext(ctx).
		Where("agent_key = ?", agentKey).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRestore is the only mutation allowed on a snapshot after insert.
func (r *SnapshotRepository) RecordRestore(ctx context.Context, id uint, status models.SnapshotStatus, info models.RestoreInfo) error {
	return r.db.WithContext(ctx).Model(&models.AgentSnapshot{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"restore_info": datatypes.NewJSONType(&info),
		}).Error
}
