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

var ErrSyncAlreadyRunning = infraerrors.Conflict("SYNC_ALREADY_RUNNING", "a sync pass is already running")

// UsageOutcome 单个 key 的用量查询结论。
type UsageOutcome int

const (
	// UsageOK 上游给出了权威用量数字。
	UsageOK UsageOutcome = iota
	// UsageUnauthorized key 被上游认证拒绝。
	UsageUnauthorized
	// UsageRateLimited 上游限流，本轮不动这个 key。
	UsageRateLimited
	// UsageExhausted 上游明确告知额度耗尽。
	UsageExhausted
	// UsageUnverifiable 上游返回了无法归类的结果。
	UsageUnverifiable
)

// UsageResult 用量查询的解析结果。HasQuota 标记 Usage/Limit 是否可信。
type UsageResult struct {
	Outcome  UsageOutcome
	Usage    int64
	Limit    int64
	HasQuota bool
}

// TavilyUsageFetcher 按 key 向上游查询用量。传输层失败以 error 返回。
type TavilyUsageFetcher interface {
	FetchUsage(ctx context.Context, key string) (*UsageResult, error)
}

// SyncService drives the quota reconciliation pass: walk every key in the
// pool, ask upstream for its authoritative usage, and fold the answer back
// into the stored record.
//
// 同一时刻只允许一轮同步。互斥靠进度单例上的 running 布尔位做咨询式守护：
// 读和写之间没有原子保证，两个恰好同时发起的调用可能都通过检查。
// 接受这个窗口 —— 两轮并发同步只是重复劳动，最终都收敛到上游权威数字。
type SyncService struct {
	keys     KeyRepository
	progress SyncProgressRepository
	fetcher  TavilyUsageFetcher
	cfg      *config.Config
}

func NewSyncService(keys KeyRepository, progress SyncProgressRepository, fetcher TavilyUsageFetcher, cfg *config.Config) *SyncService {
	return &SyncService{
		keys:     keys,
		progress: progress,
		fetcher:  fetcher,
		cfg:      cfg,
	}
}

// Progress returns the current sync progress snapshot.
func (s *SyncService) Progress(ctx context.Context) (*SyncProgress, error) {
	p, err := s.progress.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sync progress: %w", err)
	}
	return p, nil
}

// StartSync kicks off a reconciliation pass in the background and returns
// immediately. Returns ErrSyncAlreadyRunning when a pass is in flight.
//
// 后台轮次挂在独立 context 上，不随触发它的 HTTP 请求取消。
func (s *SyncService) StartSync(ctx context.Context) error {
	current, err := s.progress.Get(ctx)
	if err != nil {
		return fmt.Errorf("load sync progress: %w", err)
	}
	if current.Running {
		return ErrSyncAlreadyRunning
	}

	keys, err := s.keys.List(ctx)
	if err != nil {
		return fmt.Errorf("list keys for sync: %w", err)
	}

	started := &SyncProgress{
		Running:   true,
		Current:   0,
		Total:     len(keys),
		Success:   0,
		Failed:    0,
		UpdatedAt: time.Now(),
	}
	if err := s.progress.Save(ctx, started); err != nil {
		return fmt.Errorf("save sync progress: %w", err)
	}

	go s.run(context.WithoutCancel(ctx), keys, started)
	return nil
}

func (s *SyncService) run(ctx context.Context, keys []Key, progress *SyncProgress) {
	log := logger.FromContext(ctx)
	log.Info("quota sync started", zap.Int("total", progress.Total))

	for i := range keys {
		s.syncOne(ctx, &keys[i], progress)

		progress.Current++
		progress.UpdatedAt = time.Now()
		if err := s.progress.Save(ctx, progress); err != nil {
			log.Warn("save sync progress failed", zap.Error(err))
		}
	}

	progress.Running = false
	progress.UpdatedAt = time.Now()
	if err := s.progress.Save(ctx, progress); err != nil {
		log.Error("finalize sync progress failed", zap.Error(err))
	}
	metrics.SyncRunsTotal.Inc()

	log.Info("quota sync finished",
		zap.Int("total", progress.Total),
		zap.Int("success", progress.Success),
		zap.Int("failed", progress.Failed),
	)
}

// syncOne 同步单个 key，并把结论累计到 progress 的计数器上。
//
// 能得出确定结论（拿到数字、确认失效、确认限流、确认耗尽）都算 success；
// 只有查询本身没能给出可用结论时才算 failed。
func (s *SyncService) syncOne(ctx context.Context, key *Key, progress *SyncProgress) {
	log := logger.FromContext(ctx).With(zap.String("key", keymask.Mask(key.Key)))

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.PerKeyTimeout())
	defer cancel()

	result, err := s.fetcher.FetchUsage(fetchCtx, key.Key)
	if err != nil {
		progress.Failed++
		log.Warn("usage fetch failed", zap.Error(err))
		return
	}

	switch result.Outcome {
	case UsageOK:
		if err := s.keys.ReconcileFromSync(ctx, key.Key, result.Usage, result.Limit, time.Now()); err != nil {
			progress.Failed++
			log.Warn("reconcile quota failed", zap.Error(err))
			return
		}
		progress.Success++

	case UsageUnauthorized:
		if err := s.keys.MarkInvalid(ctx, key.Key, domain.InvalidReasonUnauthorized); err != nil {
			progress.Failed++
			log.Warn("mark invalid failed", zap.Error(err))
			return
		}
		metrics.KeysInvalidatedTotal.Inc()
		progress.Success++
		log.Warn("key invalidated during sync")

	case UsageRateLimited:
		// 限流不是 key 状态的证据，这轮跳过
		progress.Success++
		log.Info("usage endpoint rate limited, key left untouched")

	case UsageExhausted:
		// key 仍然有效，只是额度见底；有数字就更新数字，没有就钉死
		if result.HasQuota {
			if err := s.keys.ApplyQuota(ctx, key.Key, &result.Usage, &result.Limit); err != nil {
				progress.Failed++
				log.Warn("apply quota failed", zap.Error(err))
				return
			}
		} else {
			if err := s.keys.PinExhausted(ctx, key.Key); err != nil {
				progress.Failed++
				log.Warn("pin exhausted failed", zap.Error(err))
				return
			}
		}
		progress.Success++

	default:
		progress.Failed++
		log.Warn("usage response unverifiable")
	}
}
