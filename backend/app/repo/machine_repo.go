package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"agentfleet/backend/app/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidInitialStatus = errors.New("machine records must be inserted with status provisioning")

type MachineRepository struct{ db *gorm.DB }

func NewMachineRepository(db *gorm.DB) *MachineRepository { return &MachineRepository{db: db} }

// MachinePatch lists the fields a lifecycle step may change. Nil fields are left
// untouched; ClearLastError empties last_error explicitly.
type MachinePatch struct {
	Status           *models.MachineStatus
	LifecycleMode    *models.LifecycleMode
	MachineID        *string
	FlyVolumeID      *string
	AllowedSkills    []string
	LastActivityAt   *time.Time
	LastWakeAt       *time.Time
	LatestSnapshotID *uint
	LastError        *string
	ClearLastError   bool
}

func (p MachinePatch) columns() map[string]any {
	cols := map[string]any{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.LifecycleMode != nil {
		cols["lifecycle_mode"] = *p.LifecycleMode
	}
	if p.MachineID != nil {
		cols["machine_id"] = *p.MachineID
	}
	if p.FlyVolumeID != nil {
		cols["fly_volume_id"] = *p.FlyVolumeID
	}
	if p.AllowedSkills != nil {
		cols["allowed_skills"] = datatypes.JSONSlice[string](p.AllowedSkills)
	}
	if p.LastActivityAt != nil {
		cols["last_activity_at"] = *p.LastActivityAt
	}
	if p.LastWakeAt != nil {
		cols["last_wake_at"] = *p.LastWakeAt
	}
	if p.LatestSnapshotID != nil {
		cols["latest_snapshot_id"] = *p.LatestSnapshotID
	}
	if p.LastError != nil {
		cols["last_error"] = *p.LastError
	} else if p.ClearLastError {
		cols["last_error"] = ""
	}
	return cols
}

func (r *MachineRepository) Insert(ctx context.Context, m *models.AgentMachine) (uint, error) {
	if m.Status != models.MachineProvisioning {
		return 0, ErrInvalidInitialStatus
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return 0, fmt.Errorf("insert machine: %w", err)
	}
	return m.ID, nil
}

// Patch applies the patch as one UPDATE statement, so readers see either the
// old or the new row.
func (r *MachineRepository) Patch(ctx context.Context, id uint, p MachinePatch) error {
	cols := p.columns()
	if len(cols) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.AgentMachine{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("patch machine %d: %w", id, res.Error)
	}
	return nil
}

// Get returns nil, nil when the record does not exist.
func (r *MachineRepository) Get(ctx context.Context, id uint) (*models.AgentMachine, error) {
	var m models.AgentMachine
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MachineRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.AgentMachine, error) {
	var out []models.AgentMachine
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LatestByIdentity returns the most recently created machine for the pair, or nil.
func (r *MachineRepository) LatestByIdentity(ctx context.Context, userID, tenantID string) (*models.AgentMachine, error) {
	var m models.AgentMachine
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND tenant_id = ?", userID, tenantID).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListStaleRunning returns running machines holding both remote handles whose
// effective activity is at or before cutoff, oldest first. limit <= 0 means all.
// The status index narrows the scan; the activity fallback chain is evaluated
// here so the comparison does not depend on how each SQL dialect stores times.
func (r *MachineRepository) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentMachine, error) {
	var running []models.AgentMachine
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.MachineRunning).
		Where("machine_id <> '' AND fly_volume_id <> ''").
		Find(&running).Error; err != nil {
		return nil, err
	}
	stale := running[:0]
	for _, m := range running {
		if !m.EffectiveActivity().After(cutoff) {
			stale = append(stale, m)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		ai, aj := stale[i].EffectiveActivity(), stale[j].EffectiveActivity()
		if ai.Equal(aj) {
			return stale[i].ID < stale[j].ID
		}
		return ai.Before(aj)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
