package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/domain"
	"github.com/Wei-Shaw/tavily2api/internal/metrics"
	infraerrors "github.com/Wei-Shaw/tavily2api/internal/pkg/errors"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/keymask"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/logger"

	"go.uber.org/zap"
)

var (
	ErrKeyNotFound       = infraerrors.NotFound("KEY_NOT_FOUND", "key not found")
	ErrNoKeysProvided    = infraerrors.BadRequest("NO_KEYS_PROVIDED", "no keys provided")
	ErrImportBatchTooBig = infraerrors.BadRequest("IMPORT_BATCH_TOO_BIG", "too many keys in one import batch")
)

const failureReasonMaxLen = 256

// minKeyBodyLen/maxKeyBodyLen 前缀之后的合法长度区间
const (
	minKeyBodyLen = 8
	maxKeyBodyLen = 64
)

// ImportResult 导入结果；Invalid 中的值已脱敏。
type ImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Invalid []string `json:"invalid"`
}

// KeyView 对外展示的 key 记录，带派生 status 字段。
type KeyView struct {
	Key               string     `json:"key"`
	Alias             string     `json:"alias"`
	TotalQuota        int64      `json:"total_quota"`
	UsedQuota         int64      `json:"used_quota"`
	RemainingQuota    int64      `json:"remaining_quota"`
	Status            string     `json:"status"`
	IsActive          bool       `json:"is_active"`
	IsInvalid         bool       `json:"is_invalid"`
	InvalidReason     string     `json:"invalid_reason,omitempty"`
	FailedCount       int        `json:"failed_count"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Tags              []string   `json:"tags"`
	Note              string     `json:"note,omitempty"`
}

// KeyService owns the pool's records: import validation, operator updates,
// and the per-key failure/quota state machine driven by upstream outcomes.
type KeyService struct {
	repo KeyRepository
	cfg  *config.Config
}

func NewKeyService(repo KeyRepository, cfg *config.Config) *KeyService {
	return &KeyService{repo: repo, cfg: cfg}
}

func (s *KeyService) FailureThreshold() int {
	if s.cfg.Tavily.FailureThreshold > 0 {
		return s.cfg.Tavily.FailureThreshold
	}
	return domain.DefaultFailureThreshold
}

// ValidateKeyFormat 校验单个 key：固定前缀 + 8~64 位字母/数字/中划线/下划线，
// 且总长度不超过上限。
func (s *KeyService) ValidateKeyFormat(key string) bool {
	prefix := s.cfg.Tavily.KeyPrefix
	if len(key) > s.cfg.Tavily.ImportMaxKeyLength {
		return false
	}
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return false
	}
	body := key[len(prefix):]
	if len(body) < minKeyBodyLen || len(body) > maxKeyBodyLen {
		return false
	}
	for _, c := range body {
		if (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// Import 批量导入凭证：批内去重、格式校验、跳过已存在的 key。
// 被拒绝的串只以脱敏形式回显，避免把疑似密钥的输入原样落日志或响应。
func (s *KeyService) Import(ctx context.Context, rawKeys []string) (*ImportResult, error) {
	if len(rawKeys) == 0 {
		return nil, ErrNoKeysProvided
	}
	if len(rawKeys) > s.cfg.Tavily.ImportMaxBatch {
		return nil, ErrImportBatchTooBig
	}

	result := &ImportResult{Invalid: []string{}}
	seen := make(map[string]struct{}, len(rawKeys))
	candidates := make([]string, 0, len(rawKeys))

	for _, raw := range rawKeys {
		if _, dup := seen[raw]; dup {
			result.Skipped++
			continue
		}
		seen[raw] = struct{}{}

		if !s.ValidateKeyFormat(raw) {
			result.Invalid = append(result.Invalid, keymask.Mask(raw))
			continue
		}
		candidates = append(candidates, raw)
	}

	if len(candidates) == 0 {
		return result, nil
	}

	existing, err := s.repo.ExistingKeys(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("check existing keys: %w", err)
	}

	now := time.Now()
	records := make([]*Key, 0, len(candidates))
	for _, key := range candidates {
		if _, ok := existing[key]; ok {
			result.Skipped++
			continue
		}
		records = append(records, &Key{
			Key:        key,
			TotalQuota: s.cfg.Tavily.DefaultTotalQuota,
			UsedQuota:  0,
			IsActive:   true,
			CreatedAt:  now,
			Tags:       []string{},
		})
	}

	if len(records) > 0 {
		if err := s.repo.CreateBatch(ctx, records); err != nil {
			return nil, fmt.Errorf("create keys: %w", err)
		}
	}
	result.Added = len(records)

	logger.FromContext(ctx).Info("keys imported",
		zap.Int("added", result.Added),
		zap.Int("skipped", result.Skipped),
		zap.Int("invalid", len(result.Invalid)),
	)
	return result, nil
}

// List 返回所有 key 的展示视图。
func (s *KeyService) List(ctx context.Context) ([]KeyView, error) {
	keys, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	views := make([]KeyView, 0, len(keys))
	for i := range keys {
		views = append(views, s.toView(&keys[i]))
	}
	return views, nil
}

func (s *KeyService) Get(ctx context.Context, key string) (*KeyView, error) {
	record, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	view := s.toView(record)
	return &view, nil
}

// Update 应用运营侧修改。isInvalid 是系统终态，运营开关无法恢复已失效的 key。
func (s *KeyService) Update(ctx context.Context, key string, update KeyUpdate) (*KeyView, error) {
	if _, err := s.repo.Get(ctx, key); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, key, update); err != nil {
		return nil, fmt.Errorf("update key: %w", err)
	}
	return s.Get(ctx, key)
}

func (s *KeyService) Delete(ctx context.Context, key string) error {
	if _, err := s.repo.Get(ctx, key); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	logger.FromContext(ctx).Info("key deleted", zap.String("key", keymask.Mask(key)))
	return nil
}

func (s *KeyService) Stats(ctx context.Context) (*PoolStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	return stats, nil
}

// HandleSuccess 成功转发后的状态机迁移：连续失败清零、盖使用时间戳。
func (s *KeyService) HandleSuccess(ctx context.Context, key string) {
	if err := s.repo.RecordSuccess(ctx, key, time.Now()); err != nil {
		logger.FromContext(ctx).Warn("record success failed",
			zap.String("key", keymask.Mask(key)), zap.Error(err))
	}
}

// HandleFailure 按上游结果对 key 做状态机迁移。
//
// 401 是终态：key 永久失效并下线。配额类状态码（402/429/432/433）把
// used_quota 钉到 total_quota —— 瞬时限流与真实耗尽在下次同步前同等对待。
// statusCode 为 0 表示传输层失败，只计失败次数。
func (s *KeyService) HandleFailure(ctx context.Context, key string, statusCode int, message string) {
	log := logger.FromContext(ctx).With(
		zap.String("key", keymask.Mask(key)),
		zap.Int("status_code", statusCode),
	)

	reason := fmt.Sprintf("%d: %s", statusCode, truncateReason(message))
	if err := s.repo.RecordFailure(ctx, key, reason); err != nil {
		log.Warn("record failure failed", zap.Error(err))
	}

	switch {
	case statusCode == 401:
		if err := s.repo.MarkInvalid(ctx, key, domain.InvalidReasonUnauthorized); err != nil {
			log.Warn("mark invalid failed", zap.Error(err))
			return
		}
		metrics.KeysInvalidatedTotal.Inc()
		log.Warn("key invalidated by upstream auth rejection")
	case domain.IsQuotaStatusCode(statusCode):
		if err := s.repo.PinExhausted(ctx, key); err != nil {
			log.Warn("pin exhausted failed", zap.Error(err))
			return
		}
		log.Info("key pinned exhausted until next sync")
	}
}

// HandleTransportFailure 传输层失败（超时、DNS、连接重置），没有 HTTP 状态可用。
func (s *KeyService) HandleTransportFailure(ctx context.Context, key string, err error) {
	message := "transport error"
	if err != nil {
		message = err.Error()
	}
	s.HandleFailure(ctx, key, 0, message)
}

func (s *KeyService) toView(k *Key) KeyView {
	tags := k.Tags
	if tags == nil {
		tags = []string{}
	}
	return KeyView{
		Key:               k.Key,
		Alias:             k.Alias,
		TotalQuota:        k.TotalQuota,
		UsedQuota:         k.UsedQuota,
		RemainingQuota:    k.RemainingQuota(),
		Status:            k.Status(s.FailureThreshold()),
		IsActive:          k.IsActive,
		IsInvalid:         k.IsInvalid,
		InvalidReason:     k.InvalidReason,
		FailedCount:       k.FailedCount,
		LastFailureReason: k.LastFailureReason,
		LastUsedAt:        k.LastUsedAt,
		LastSyncAt:        k.LastSyncAt,
		CreatedAt:         k.CreatedAt,
		Tags:              tags,
		Note:              k.Note,
	}
}

func truncateReason(s string) string {
	if len(s) <= failureReasonMaxLen {
		return s
	}
	return s[:failureReasonMaxLen] + "...(truncated)"
}
