package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	infraerrors "github.com/Wei-Shaw/tavily2api/internal/pkg/errors"
)

var ErrNoAvailableKey = infraerrors.ServiceUnavailable("NO_AVAILABLE_KEY", "no available key in pool")

// KeySelector picks one eligible key per attempt.
//
// 策略：在可调度集合里取剩余配额最大的那一档，并在并列的候选之间均匀随机，
// 让同一批导入（初始配额相同）的 key 均摊负载，而不是固定打爆某一个。
//
// select-then-use 是先读后用：两个并发请求可能同时拿到同一个榜首 key，
// 这是接受的 best-effort 公平性，不做互斥保证。
type KeySelector struct {
	repo      KeyRepository
	threshold int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewKeySelector constructs a selector. src 可注入以便测试确定性；
// 传 nil 使用时间种子。
func NewKeySelector(repo KeyRepository, failureThreshold int, src rand.Source) *KeySelector {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &KeySelector{
		repo:      repo,
		threshold: failureThreshold,
		rng:       rand.New(src),
	}
}

// Select returns one eligible key, or ErrNoAvailableKey when the pool has none.
func (s *KeySelector) Select(ctx context.Context) (*Key, error) {
	eligible, err := s.repo.ListEligible(ctx, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("list eligible keys: %w", err)
	}
	if len(eligible) == 0 {
		return nil, ErrNoAvailableKey
	}

	var maxRemaining int64 = -1
	for i := range eligible {
		if r := eligible[i].RemainingQuota(); r > maxRemaining {
			maxRemaining = r
		}
	}

	candidates := make([]*Key, 0, len(eligible))
	for i := range eligible {
		if eligible[i].RemainingQuota() == maxRemaining {
			candidates = append(candidates, &eligible[i])
		}
	}

	s.mu.Lock()
	picked := candidates[s.rng.Intn(len(candidates))]
	s.mu.Unlock()
	return picked, nil
}
