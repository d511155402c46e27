package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/service"
	"github.com/stretchr/testify/require"
)

func TestSyncProgressRepo_GetBeforeFirstSave(t *testing.T) {
	repo := NewSyncProgressRepo(newTestDB(t))

	p, err := repo.Get(context.Background())
	require.NoError(t, err)
	require.False(t, p.Running)
	require.Zero(t, p.Total)
}

func TestSyncProgressRepo_SaveOverwritesSingleton(t *testing.T) {
	repo := NewSyncProgressRepo(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &service.SyncProgress{
		Running: true, Current: 1, Total: 10, UpdatedAt: time.Now(),
	}))
	require.NoError(t, repo.Save(ctx, &service.SyncProgress{
		Running: false, Current: 10, Total: 10, Success: 8, Failed: 2, UpdatedAt: time.Now(),
	}))

	p, err := repo.Get(ctx)
	require.NoError(t, err)
	require.False(t, p.Running)
	require.Equal(t, 10, p.Current)
	require.Equal(t, 8, p.Success)
	require.Equal(t, 2, p.Failed)
}
