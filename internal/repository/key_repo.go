package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/service"

	"gorm.io/gorm"
)

// createBatchSize 分块写入，兼顾 sqlite 的语句参数上限。
const createBatchSize = 100

// keyModel 是 key 记录的存储形态。主键就是 key 明文。
type keyModel struct {
	Key               string `gorm:"primaryKey;size:191"`
	Alias             string `gorm:"size:191"`
	TotalQuota        int64
	UsedQuota         int64
	IsActive          bool `gorm:"index"`
	IsInvalid         bool `gorm:"index"`
	InvalidReason     string `gorm:"size:191"`
	FailedCount       int
	LastFailureReason string `gorm:"size:512"`
	LastUsedAt        *time.Time
	LastSyncAt        *time.Time
	CreatedAt         time.Time
	Tags              string `gorm:"size:1024"` // JSON array
	Note              string `gorm:"size:1024"`
}

func (keyModel) TableName() string { return "api_keys" }

type KeyRepo struct {
	db *gorm.DB
}

var _ service.KeyRepository = (*KeyRepo)(nil)

func NewKeyRepo(db *gorm.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

func (r *KeyRepo) List(ctx context.Context) ([]service.Key, error) {
	var models []keyModel
	if err := r.db.WithContext(ctx).Order("created_at ASC, key ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return toKeys(models), nil
}

func (r *KeyRepo) Get(ctx context.Context, key string) (*service.Key, error) {
	var model keyModel
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, service.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k := toKey(&model)
	return &k, nil
}

func (r *KeyRepo) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}
	var found []string
	if err := r.db.WithContext(ctx).
		Model(&keyModel{}).
		Where("key IN ?", keys).
		Pluck("key", &found).Error; err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(found))
	for _, k := range found {
		existing[k] = struct{}{}
	}
	return existing, nil
}

func (r *KeyRepo) CreateBatch(ctx context.Context, keys []*service.Key) error {
	models := make([]keyModel, 0, len(keys))
	for _, k := range keys {
		models = append(models, toModel(k))
	}
	return r.db.WithContext(ctx).CreateInBatches(models, createBatchSize).Error
}

func (r *KeyRepo) Update(ctx context.Context, key string, update service.KeyUpdate) error {
	fields := map[string]any{}
	if update.Alias != nil {
		fields["alias"] = *update.Alias
	}
	if update.Note != nil {
		fields["note"] = *update.Note
	}
	if update.Tags != nil {
		fields["tags"] = marshalTags(update.Tags)
	}
	if update.IsActive != nil {
		fields["is_active"] = *update.IsActive
	}
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(fields).Error
}

func (r *KeyRepo) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("key = ?", key).Delete(&keyModel{}).Error
}

func (r *KeyRepo) ListEligible(ctx context.Context, failureThreshold int) ([]service.Key, error) {
	var models []keyModel
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND is_invalid = ? AND failed_count < ? AND used_quota < total_quota",
			true, false, failureThreshold).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toKeys(models), nil
}

func (r *KeyRepo) RecordSuccess(ctx context.Context, key string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(map[string]any{
		"failed_count":        0,
		"last_failure_reason": "",
		"last_used_at":        now,
		"used_quota":          gorm.Expr("used_quota + 1"),
	}).Error
}

func (r *KeyRepo) RecordFailure(ctx context.Context, key string, reason string) error {
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(map[string]any{
		"failed_count":        gorm.Expr("failed_count + 1"),
		"last_failure_reason": reason,
	}).Error
}

func (r *KeyRepo) MarkInvalid(ctx context.Context, key string, reason string) error {
	// 无条件覆盖写，天然幂等
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(map[string]any{
		"is_invalid":     true,
		"is_active":      false,
		"invalid_reason": reason,
	}).Error
}

func (r *KeyRepo) PinExhausted(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).
		Update("used_quota", gorm.Expr("total_quota")).Error
}

func (r *KeyRepo) ApplyQuota(ctx context.Context, key string, used, total *int64) error {
	fields := map[string]any{}
	if used != nil {
		fields["used_quota"] = *used
	}
	if total != nil {
		fields["total_quota"] = *total
	}
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(fields).Error
}

func (r *KeyRepo) ReconcileFromSync(ctx context.Context, key string, used, total int64, now time.Time) error {
	return r.db.WithContext(ctx).Model(&keyModel{}).Where("key = ?", key).Updates(map[string]any{
		"used_quota":   used,
		"total_quota":  total,
		"last_sync_at": now,
	}).Error
}

func (r *KeyRepo) Stats(ctx context.Context) (*service.PoolStats, error) {
	var stats service.PoolStats
	err := r.db.WithContext(ctx).Model(&keyModel{}).Select(
		"COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN is_invalid THEN 1 ELSE 0 END), 0) AS invalid, " +
			"COALESCE(SUM(CASE WHEN is_active AND NOT is_invalid THEN 1 ELSE 0 END), 0) AS active, " +
			"COALESCE(SUM(CASE WHEN used_quota >= total_quota THEN 1 ELSE 0 END), 0) AS exhausted, " +
			"COALESCE(SUM(CASE WHEN total_quota > used_quota THEN total_quota - used_quota ELSE 0 END), 0) AS total_remaining_quota").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func toModel(k *service.Key) keyModel {
	return keyModel{
		Key:               k.Key,
		Alias:             k.Alias,
		TotalQuota:        k.TotalQuota,
		UsedQuota:         k.UsedQuota,
		IsActive:          k.IsActive,
		IsInvalid:         k.IsInvalid,
		InvalidReason:     k.InvalidReason,
		FailedCount:       k.FailedCount,
		LastFailureReason: k.LastFailureReason,
		LastUsedAt:        k.LastUsedAt,
		LastSyncAt:        k.LastSyncAt,
		CreatedAt:         k.CreatedAt,
		Tags:              marshalTags(k.Tags),
		Note:              k.Note,
	}
}

func toKey(m *keyModel) service.Key {
	return service.Key{
		Key:               m.Key,
		Alias:             m.Alias,
		TotalQuota:        m.TotalQuota,
		UsedQuota:         m.UsedQuota,
		IsActive:          m.IsActive,
		IsInvalid:         m.IsInvalid,
		InvalidReason:     m.InvalidReason,
		FailedCount:       m.FailedCount,
		LastFailureReason: m.LastFailureReason,
		LastUsedAt:        m.LastUsedAt,
		LastSyncAt:        m.LastSyncAt,
		CreatedAt:         m.CreatedAt,
		Tags:              unmarshalTags(m.Tags),
		Note:              m.Note,
	}
}

func toKeys(models []keyModel) []service.Key {
	keys := make([]service.Key, 0, len(models))
	for i := range models {
		keys = append(keys, toKey(&models[i]))
	}
	return keys
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalTags(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	if tags == nil {
		return []string{}
	}
	return tags
}
