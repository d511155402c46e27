package service

import (
	"context"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/domain"
)

// Key 池中的一条凭证记录。主键即 key 明文本身。
type Key struct {
	Key               string
	Alias             string
	TotalQuota        int64
	UsedQuota         int64
	IsActive          bool
	IsInvalid         bool
	InvalidReason     string
	FailedCount       int
	LastFailureReason string
	LastUsedAt        *time.Time
	LastSyncAt        *time.Time
	CreatedAt         time.Time
	Tags              []string
	Note              string
}

// RemainingQuota 永远是派生值，不单独存储。
func (k *Key) RemainingQuota() int64 {
	remaining := k.TotalQuota - k.UsedQuota
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status derives the presentation status; the highest-priority rule wins.
func (k *Key) Status(failureThreshold int) string {
	switch {
	case k.IsInvalid:
		return domain.KeyStatusInvalid
	case !k.IsActive:
		return domain.KeyStatusDisabled
	case k.RemainingQuota() == 0:
		return domain.KeyStatusExhausted
	case k.FailedCount >= failureThreshold:
		return domain.KeyStatusErroring
	case k.LastUsedAt == nil:
		return domain.KeyStatusUnused
	default:
		return domain.KeyStatusNormal
	}
}

// Eligible reports whether the key may be handed out by the selector.
func (k *Key) Eligible(failureThreshold int) bool {
	return k.IsActive &&
		!k.IsInvalid &&
		k.FailedCount < failureThreshold &&
		k.RemainingQuota() > 0
}

// SyncProgress 同步进度单例记录。
type SyncProgress struct {
	Running   bool
	Current   int
	Total     int
	Success   int
	Failed    int
	UpdatedAt time.Time
}

// PoolStats 池的聚合统计，供观测端消费，不参与调度决策。
type PoolStats struct {
	Total               int64 `json:"total"`
	Active              int64 `json:"active"`
	Invalid             int64 `json:"invalid"`
	Exhausted           int64 `json:"exhausted"`
	TotalRemainingQuota int64 `json:"total_remaining_quota"`
}

// KeyUpdate 运营侧可修改的字段；nil 表示不变。
// isInvalid 只能由系统写入，运营开关不在此列。
type KeyUpdate struct {
	Alias    *string
	Note     *string
	Tags     []string
	IsActive *bool
}

// KeyRepository 是 key 池的存储契约。
//
// 所有跨请求协调都通过这里的读写完成：单 key 的字段更新都是独立的定向写，
// 字段级 last-writer-wins，不依赖多 key 事务或进程内锁。
type KeyRepository interface {
	List(ctx context.Context) ([]Key, error)
	Get(ctx context.Context, key string) (*Key, error)
	// ExistingKeys 返回给定集合中已经入库的 key。
	ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
	// CreateBatch 批量入库；实现方负责按存储层的语句/参数上限分块。
	CreateBatch(ctx context.Context, keys []*Key) error
	Update(ctx context.Context, key string, update KeyUpdate) error
	Delete(ctx context.Context, key string) error

	// ListEligible 返回当前可调度的 key 快照（读后用，非原子，见 selector）。
	ListEligible(ctx context.Context, failureThreshold int) ([]Key, error)

	// RecordSuccess 成功转发：failed_count 清零、清除失败原因、
	// 更新 last_used_at 并消耗一次配额。
	RecordSuccess(ctx context.Context, key string, now time.Time) error
	// RecordFailure 通用失败：failed_count 自增并记录原因。
	RecordFailure(ctx context.Context, key string, reason string) error
	// MarkInvalid 终态标记：is_invalid=true 且同时下线（is_active=false）。幂等。
	MarkInvalid(ctx context.Context, key string, reason string) error
	// PinExhausted 把 used_quota 钉到 total_quota，立即视为额度耗尽。
	PinExhausted(ctx context.Context, key string) error
	// ApplyQuota 部分更新配额字段，nil 表示不变。
	ApplyQuota(ctx context.Context, key string, used, total *int64) error
	// ReconcileFromSync 以上游权威数字覆盖配额并盖 last_sync_at 时间戳。
	ReconcileFromSync(ctx context.Context, key string, used, total int64, now time.Time) error

	Stats(ctx context.Context) (*PoolStats, error)
}

// SyncProgressRepository 同步进度单例的存储契约。
type SyncProgressRepository interface {
	Get(ctx context.Context) (*SyncProgress, error)
	// Save 整行覆盖写；并发写入为 last-writer-wins。
	Save(ctx context.Context, progress *SyncProgress) error
}
