// Package repository Run 注册表的存储测试
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/internal/shared/storage/driver/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	store, err := NewStore(db, sqlite.NewDialect())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntry(projectID, runID string, createdAt time.Time) *storage.RunIndexEntry {
	return &storage.RunIndexEntry{
		RunID:     runID,
		ProjectID: projectID,
		Status:    model.RunStatusRunning,
		TracePath: "traces/" + projectID + "/" + runID + "/trace.json",
		CreatedAt: createdAt,
	}
}

func TestStore_RegisterAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("demo", "run_001", time.Now().UTC())
	require.NoError(t, store.Register(ctx, entry))

	got, err := store.Get(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.Equal(t, "run_001", got.RunID)
	assert.Equal(t, "demo", got.ProjectID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, entry.TracePath, got.TracePath)
	assert.False(t, got.Baseline)
}

func TestStore_RegisterDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testEntry("demo", "run_001", time.Now().UTC())))

	err := store.Register(ctx, testEntry("demo", "run_001", time.Now().UTC()))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	// 不同项目下允许同名 run_id
	assert.NoError(t, store.Register(ctx, testEntry("other", "run_001", time.Now().UTC())))
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "demo", "run_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Exists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Register(ctx, testEntry("demo", "run_001", time.Now().UTC())))

	ok, err = store.Exists(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_UpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testEntry("demo", "run_001", time.Now().UTC())))
	require.NoError(t, store.UpdateStatus(ctx, "demo", "run_001", model.RunStatusCompleted))

	got, err := store.Get(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)

	err = store.UpdateStatus(ctx, "demo", "run_missing", model.RunStatusCompleted)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestStore_MarkBaseline 每个项目同一时刻最多一个基线 Run
func TestStore_MarkBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Register(ctx, testEntry("demo", "run_001", now)))
	require.NoError(t, store.Register(ctx, testEntry("demo", "run_002", now)))
	require.NoError(t, store.Register(ctx, testEntry("other", "run_001", now)))

	require.NoError(t, store.MarkBaseline(ctx, "demo", "run_001", true))
	require.NoError(t, store.MarkBaseline(ctx, "other", "run_001", true))

	// 切换基线时旧标记被清除
	require.NoError(t, store.MarkBaseline(ctx, "demo", "run_002", true))

	first, err := store.Get(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.False(t, first.Baseline)

	second, err := store.Get(ctx, "demo", "run_002")
	require.NoError(t, err)
	assert.True(t, second.Baseline)

	// 其他项目的基线不受影响
	other, err := store.Get(ctx, "other", "run_001")
	require.NoError(t, err)
	assert.True(t, other.Baseline)

	err = store.MarkBaseline(ctx, "demo", "run_missing", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListByProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Register(ctx, testEntry("demo", "run_old", base)))
	require.NoError(t, store.Register(ctx, testEntry("demo", "run_mid", base.Add(time.Hour))))
	require.NoError(t, store.Register(ctx, testEntry("demo", "run_new", base.Add(2*time.Hour))))
	require.NoError(t, store.Register(ctx, testEntry("other", "run_x", base)))

	entries, err := store.ListByProject(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "run_new", entries[0].RunID)
	assert.Equal(t, "run_mid", entries[1].RunID)
	assert.Equal(t, "run_old", entries[2].RunID)

	empty, err := store.ListByProject(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
