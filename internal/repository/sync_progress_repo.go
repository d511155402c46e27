package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/service"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// syncProgressID 进度是单例，固定主键一行。
const syncProgressID = 1

type syncProgressModel struct {
	ID        int `gorm:"primaryKey"`
	Running   bool
	Current   int
	Total     int
	Success   int
	Failed    int
	UpdatedAt time.Time
}

func (syncProgressModel) TableName() string { return "sync_progress" }

type SyncProgressRepo struct {
	db *gorm.DB
}

var _ service.SyncProgressRepository = (*SyncProgressRepo)(nil)

func NewSyncProgressRepo(db *gorm.DB) *SyncProgressRepo {
	return &SyncProgressRepo{db: db}
}

// Get returns the singleton progress row, a zero record when none was
// written yet.
func (r *SyncProgressRepo) Get(ctx context.Context) (*service.SyncProgress, error) {
	var model syncProgressModel
	err := r.db.WithContext(ctx).Where("id = ?", syncProgressID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &service.SyncProgress{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &service.SyncProgress{
		Running:   model.Running,
		Current:   model.Current,
		Total:     model.Total,
		Success:   model.Success,
		Failed:    model.Failed,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

// Save 整行 upsert，并发写入为 last-writer-wins。
func (r *SyncProgressRepo) Save(ctx context.Context, progress *service.SyncProgress) error {
	model := syncProgressModel{
		ID:        syncProgressID,
		Running:   progress.Running,
		Current:   progress.Current,
		Total:     progress.Total,
		Success:   progress.Success,
		Failed:    progress.Failed,
		UpdatedAt: progress.UpdatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}
