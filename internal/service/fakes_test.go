package service

import (
	"context"
	"sync"
	"time"
)

// fakeKeyRepo 进程内存储，测试用。
type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*Key
}

func newFakeKeyRepo(keys ...*Key) *fakeKeyRepo {
	repo := &fakeKeyRepo{keys: make(map[string]*Key)}
	for _, k := range keys {
		clone := *k
		repo.keys[k.Key] = &clone
	}
	return repo
}

func (r *fakeKeyRepo) get(key string) *Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[key]; ok {
		clone := *k
		return &clone
	}
	return nil
}

func (r *fakeKeyRepo) List(ctx context.Context) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (r *fakeKeyRepo) Get(ctx context.Context, key string) (*Key, error) {
	if k := r.get(key); k != nil {
		return k, nil
	}
	return nil, ErrKeyNotFound
}

func (r *fakeKeyRepo) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := r.keys[k]; ok {
			existing[k] = struct{}{}
		}
	}
	return existing, nil
}

func (r *fakeKeyRepo) CreateBatch(ctx context.Context, keys []*Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		clone := *k
		r.keys[k.Key] = &clone
	}
	return nil
}

func (r *fakeKeyRepo) Update(ctx context.Context, key string, update KeyUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	if update.Alias != nil {
		k.Alias = *update.Alias
	}
	if update.Note != nil {
		k.Note = *update.Note
	}
	if update.Tags != nil {
		k.Tags = update.Tags
	}
	if update.IsActive != nil {
		k.IsActive = *update.IsActive
	}
	return nil
}

func (r *fakeKeyRepo) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

func (r *fakeKeyRepo) ListEligible(ctx context.Context, failureThreshold int) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.keys))
	for _, k := range r.keys {
		if k.Eligible(failureThreshold) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (r *fakeKeyRepo) RecordSuccess(ctx context.Context, key string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	k.FailedCount = 0
	k.LastFailureReason = ""
	ts := now
	k.LastUsedAt = &ts
	k.UsedQuota++
	return nil
}

func (r *fakeKeyRepo) RecordFailure(ctx context.Context, key string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	k.FailedCount++
	k.LastFailureReason = reason
	return nil
}

func (r *fakeKeyRepo) MarkInvalid(ctx context.Context, key string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	k.IsInvalid = true
	k.IsActive = false
	k.InvalidReason = reason
	return nil
}

func (r *fakeKeyRepo) PinExhausted(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	k.UsedQuota = k.TotalQuota
	return nil
}

func (r *fakeKeyRepo) ApplyQuota(ctx context.Context, key string, used, total *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	if used != nil {
		k.UsedQuota = *used
	}
	if total != nil {
		k.TotalQuota = *total
	}
	return nil
}

func (r *fakeKeyRepo) ReconcileFromSync(ctx context.Context, key string, used, total int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	k.UsedQuota = used
	k.TotalQuota = total
	ts := now
	k.LastSyncAt = &ts
	return nil
}

func (r *fakeKeyRepo) Stats(ctx context.Context) (*PoolStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &PoolStats{}
	for _, k := range r.keys {
		stats.Total++
		if k.IsInvalid {
			stats.Invalid++
		} else if k.IsActive {
			stats.Active++
		}
		if k.RemainingQuota() == 0 {
			stats.Exhausted++
		}
		stats.TotalRemainingQuota += k.RemainingQuota()
	}
	return stats, nil
}

// fakeProgressRepo 同步进度的内存单例。
type fakeProgressRepo struct {
	mu       sync.Mutex
	progress SyncProgress
}

func (r *fakeProgressRepo) Get(ctx context.Context) (*SyncProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := r.progress
	return &clone, nil
}

func (r *fakeProgressRepo) Save(ctx context.Context, progress *SyncProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = *progress
	return nil
}

// fakeUsageFetcher 按 key 返回预置结果。
type fakeUsageFetcher struct {
	results map[string]*UsageResult
	errs    map[string]error
}

func (f *fakeUsageFetcher) FetchUsage(ctx context.Context, key string) (*UsageResult, error) {
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if result, ok := f.results[key]; ok {
		return result, nil
	}
	return &UsageResult{Outcome: UsageUnverifiable}, nil
}
