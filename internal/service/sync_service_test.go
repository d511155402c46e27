package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForSyncDone(t *testing.T, progress *fakeProgressRepo) *SyncProgress {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("sync did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
		p, err := progress.Get(context.Background())
		require.NoError(t, err)
		if !p.Running && p.Total == p.Current {
			return p
		}
	}
}

func TestSyncService_StartSync_ReconcilesFromUpstream(t *testing.T) {
	repo := newFakeKeyRepo(
		&Key{Key: "tvly-HEALTHY11", IsActive: true, TotalQuota: 1000, UsedQuota: 100},
		&Key{Key: "tvly-REVOKED11", IsActive: true, TotalQuota: 1000, UsedQuota: 0},
		&Key{Key: "tvly-DRAINED11", IsActive: true, TotalQuota: 1000, UsedQuota: 10},
		&Key{Key: "tvly-PARKED111", IsActive: true, TotalQuota: 1000, UsedQuota: 10},
		&Key{Key: "tvly-FLAKY1111", IsActive: true, TotalQuota: 1000, UsedQuota: 10},
	)
	progress := &fakeProgressRepo{}
	fetcher := &fakeUsageFetcher{
		results: map[string]*UsageResult{
			"tvly-HEALTHY11": {Outcome: UsageOK, Usage: 250, Limit: 2000, HasQuota: true},
			"tvly-REVOKED11": {Outcome: UsageUnauthorized},
			"tvly-DRAINED11": {Outcome: UsageExhausted},
			"tvly-PARKED111": {Outcome: UsageExhausted, Usage: 500, Limit: 500, HasQuota: true},
		},
		errs: map[string]error{
			"tvly-FLAKY1111": errors.New("connection reset"),
		},
	}
	svc := NewSyncService(repo, progress, fetcher, testConfig())

	require.NoError(t, svc.StartSync(context.Background()))
	final := waitForSyncDone(t, progress)

	require.Equal(t, 5, final.Total)
	require.Equal(t, 4, final.Success)
	require.Equal(t, 1, final.Failed)

	healthy := repo.get("tvly-HEALTHY11")
	require.Equal(t, int64(250), healthy.UsedQuota)
	require.Equal(t, int64(2000), healthy.TotalQuota)
	require.NotNil(t, healthy.LastSyncAt)

	revoked := repo.get("tvly-REVOKED11")
	require.True(t, revoked.IsInvalid)
	require.False(t, revoked.IsActive)

	drained := repo.get("tvly-DRAINED11")
	require.Equal(t, int64(0), drained.RemainingQuota())

	// 耗尽但带权威数字：按数字更新，仍然有效
	parked := repo.get("tvly-PARKED111")
	require.Equal(t, int64(500), parked.UsedQuota)
	require.Equal(t, int64(500), parked.TotalQuota)
	require.False(t, parked.IsInvalid)

	// 传输失败不碰存量状态
	flaky := repo.get("tvly-FLAKY1111")
	require.Equal(t, int64(10), flaky.UsedQuota)
	require.False(t, flaky.IsInvalid)
}

func TestSyncService_StartSync_RejectsConcurrentPass(t *testing.T) {
	repo := newFakeKeyRepo(&Key{Key: "tvly-ONLYKEY11", IsActive: true, TotalQuota: 1000})
	progress := &fakeProgressRepo{}
	require.NoError(t, progress.Save(context.Background(), &SyncProgress{
		Running: true,
		Total:   10,
		Current: 4,
	}))

	svc := NewSyncService(repo, progress, &fakeUsageFetcher{}, testConfig())

	err := svc.StartSync(context.Background())
	require.ErrorIs(t, err, ErrSyncAlreadyRunning)

	// 在跑的轮次不受影响
	p, getErr := progress.Get(context.Background())
	require.NoError(t, getErr)
	require.True(t, p.Running)
	require.Equal(t, 4, p.Current)
}

func TestSyncService_StartSync_RateLimitedKeyLeftUntouched(t *testing.T) {
	repo := newFakeKeyRepo(&Key{Key: "tvly-ONLYKEY11", IsActive: true, TotalQuota: 1000, UsedQuota: 42})
	progress := &fakeProgressRepo{}
	fetcher := &fakeUsageFetcher{
		results: map[string]*UsageResult{
			"tvly-ONLYKEY11": {Outcome: UsageRateLimited},
		},
	}
	svc := NewSyncService(repo, progress, fetcher, testConfig())

	require.NoError(t, svc.StartSync(context.Background()))
	final := waitForSyncDone(t, progress)

	require.Equal(t, 1, final.Success)
	require.Equal(t, 0, final.Failed)

	k := repo.get("tvly-ONLYKEY11")
	require.Equal(t, int64(42), k.UsedQuota)
	require.Nil(t, k.LastSyncAt)
}

func TestSyncService_StartSync_InvalidatedKeyLeavesPool(t *testing.T) {
	repo := newFakeKeyRepo(&Key{Key: "tvly-REVOKED11", IsActive: true, TotalQuota: 1000})
	progress := &fakeProgressRepo{}
	fetcher := &fakeUsageFetcher{
		results: map[string]*UsageResult{
			"tvly-REVOKED11": {Outcome: UsageUnauthorized},
		},
	}
	cfg := testConfig()
	svc := NewSyncService(repo, progress, fetcher, cfg)
	selector := NewKeySelector(repo, cfg.Tavily.FailureThreshold, nil)

	require.NoError(t, svc.StartSync(context.Background()))
	waitForSyncDone(t, progress)

	_, err := selector.Select(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableKey)

	// 第二轮同步也不会让终态 key 复活
	require.NoError(t, svc.StartSync(context.Background()))
	waitForSyncDone(t, progress)

	_, err = selector.Select(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableKey)
}

func TestSyncService_Progress_EmptyBeforeFirstRun(t *testing.T) {
	svc := NewSyncService(newFakeKeyRepo(), &fakeProgressRepo{}, &fakeUsageFetcher{}, testConfig())

	p, err := svc.Progress(context.Background())
	require.NoError(t, err)
	require.False(t, p.Running)
	require.Zero(t, p.Total)
}
