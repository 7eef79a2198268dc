// Package baseline 基线审批与管理的测试
package baseline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/internal/shared/storage/driver/sqlite"
	"github.com/Big-footer/nexous/internal/shared/storage/repository"
	"github.com/Big-footer/nexous/internal/shared/storage/tracefs"
)

// testEnv 一个带封存 Trace 的工作区
type testEnv struct {
	root     string
	traceDir string
	mgr      *Manager
}

// newTestEnv 构造工作区：traces/{project}/{run}/trace.json 已封存
func newTestEnv(t *testing.T, project, runID string, status model.RunStatus) *testEnv {
	t.Helper()
	root := t.TempDir()

	store, err := tracefs.New(tracefs.Config{BaseDir: filepath.Join(root, "traces")})
	require.NoError(t, err)

	h, err := store.Create(context.Background(), project, runID)
	require.NoError(t, err)
	require.NoError(t, h.StartAgent("planner", "analyst", "plan"))
	require.NoError(t, h.AppendStep("planner", model.StepRecord{
		Type: model.StepTypeLLM, Status: model.StepStatusOK,
		LLM: &model.LLMCall{Provider: "mock", Model: "m", Attempt: 1},
	}))
	require.NoError(t, h.EndAgent("planner", model.AgentStatusCompleted))
	require.NoError(t, h.Seal(status))

	traceDir := filepath.Dir(store.TracePath(project, runID))

	// approve 会把 Trace 目录和 approval.json 置为只读，
	// 清理前恢复权限，避免临时目录删除失败
	t.Cleanup(func() {
		_ = os.Chmod(traceDir, 0755)
		_ = os.Chmod(filepath.Join(traceDir, ApprovalFileName), 0644)
	})

	return &testEnv{
		root:     root,
		traceDir: traceDir,
		mgr: NewManager(Config{
			ProjectRoot:   root,
			EngineVersion: "nexous:test",
		}),
	}
}

func approveReq(env *testEnv, project string) ApproveRequest {
	return ApproveRequest{
		TraceDir:   env.traceDir,
		Project:    project,
		ApprovedBy: "alice",
		Reason:     "golden run",
	}
}

// ============================================================================
// Approve
// ============================================================================

func TestManager_Approve(t *testing.T) {
	env := newTestEnv(t, "demo", "run_001", model.RunStatusCompleted)
	ctx := context.Background()

	approval, err := env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)
	assert.True(t, approval.Baseline)
	assert.True(t, approval.Lock)
	assert.Equal(t, "alice", approval.ApprovedBy)
	assert.Equal(t, "nexous:test", approval.EngineVersion)

	// approval.json 只读
	info, err := os.Stat(filepath.Join(env.traceDir, ApprovalFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	// 声明写入 projects/{project}/baseline.yaml
	decl, err := env.mgr.LoadDeclaration("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", decl.Project)
	assert.Equal(t, "run_001", decl.BaselineRunID)
	assert.True(t, decl.Approved)
	assert.True(t, decl.Policy.OverwriteForbidden)

	// 声明中的路径能解析回 Trace 文件
	path, err := env.mgr.BaselineTracePath("demo")
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestManager_Approve_RequiresSealedTrace(t *testing.T) {
	root := t.TempDir()
	store, err := tracefs.New(tracefs.Config{BaseDir: filepath.Join(root, "traces")})
	require.NoError(t, err)

	// 创建但不封存
	_, err = store.Create(context.Background(), "demo", "run_open")
	require.NoError(t, err)

	mgr := NewManager(Config{ProjectRoot: root})
	traceDir := filepath.Dir(store.TracePath("demo", "run_open"))
	_, err = mgr.Approve(context.Background(), ApproveRequest{
		TraceDir: traceDir, Project: "demo", ApprovedBy: "alice", Reason: "r",
	})
	assert.ErrorIs(t, err, storage.ErrTraceNotSealed)

	// 失败路径不产生任何文件
	_, statErr := os.Stat(filepath.Join(traceDir, ApprovalFileName))
	assert.True(t, os.IsNotExist(statErr))
	_, err = mgr.LoadDeclaration("demo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_Approve_Idempotent(t *testing.T) {
	env := newTestEnv(t, "demo", "run_002", model.RunStatusCompleted)
	ctx := context.Background()

	first, err := env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)

	// 同内容重复 approve：返回已有审批，不报错
	second, err := env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)
	assert.Equal(t, first.ApprovedAt, second.ApprovedAt)
}

func TestManager_Approve_Conflict(t *testing.T) {
	env := newTestEnv(t, "demo", "run_003", model.RunStatusCompleted)
	ctx := context.Background()

	_, err := env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)

	// 不同内容的重复 approve 报冲突，决不静默替换
	req := approveReq(env, "demo")
	req.ApprovedBy = "bob"
	_, err = env.mgr.Approve(ctx, req)
	assert.ErrorIs(t, err, storage.ErrBaselineConflict)
}

func TestManager_Approve_MissingFields(t *testing.T) {
	env := newTestEnv(t, "demo", "run_004", model.RunStatusCompleted)
	req := approveReq(env, "demo")
	req.Reason = ""
	_, err := env.mgr.Approve(context.Background(), req)
	assert.Error(t, err)
}

// FAILED 的 Run 同样可以被审批为基线（失败形态也可作为回归锚点）
func TestManager_Approve_FailedRun(t *testing.T) {
	env := newTestEnv(t, "demo", "run_005", model.RunStatusFailed)
	_, err := env.mgr.Approve(context.Background(), approveReq(env, "demo"))
	assert.NoError(t, err)
}

// 配置了 Run 注册表时，approve 同步基线标记，list 补充 Run 状态
func TestManager_Approve_MarksRunIndex(t *testing.T) {
	env := newTestEnv(t, "demo", "run_010", model.RunStatusCompleted)
	ctx := context.Background()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	index, err := repository.NewStore(db, sqlite.NewDialect())
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	require.NoError(t, index.Register(ctx, &storage.RunIndexEntry{
		RunID: "run_010", ProjectID: "demo",
		Status:    model.RunStatusCompleted,
		TracePath: filepath.Join(env.traceDir, tracefs.TraceFileName),
	}))

	mgr := NewManager(Config{
		ProjectRoot:   env.root,
		EngineVersion: "nexous:test",
		Index:         index,
	})
	_, err = mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)

	entry, err := index.Get(ctx, "demo", "run_010")
	require.NoError(t, err)
	assert.True(t, entry.Baseline)

	got, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.RunStatusCompleted, got[0].RunStatus)
}

// 注册表不可用时 approve 照常成功，标记失败只告警
func TestManager_Approve_IndexUnavailable(t *testing.T) {
	env := newTestEnv(t, "demo", "run_011", model.RunStatusCompleted)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	index, err := repository.NewStore(db, sqlite.NewDialect())
	require.NoError(t, err)
	require.NoError(t, index.Close())

	mgr := NewManager(Config{
		ProjectRoot:   env.root,
		EngineVersion: "nexous:test",
		Index:         index,
	})
	approval, err := mgr.Approve(context.Background(), approveReq(env, "demo"))
	require.NoError(t, err)
	assert.True(t, approval.Baseline)
}

// ============================================================================
// Verify
// ============================================================================

func TestManager_Verify(t *testing.T) {
	env := newTestEnv(t, "demo", "run_006", model.RunStatusCompleted)
	ctx := context.Background()

	t.Run("未审批的项目第一项检查即失败", func(t *testing.T) {
		res := env.mgr.Verify("demo")
		assert.False(t, res.OK)
		assert.Equal(t, CheckDeclarationExists, res.FirstFailure())
	})

	_, err := env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)

	t.Run("审批后全部通过", func(t *testing.T) {
		res := env.mgr.Verify("demo")
		assert.True(t, res.OK)
		assert.Empty(t, res.FailedChecks)
		assert.Equal(t, "", res.FirstFailure())

		// 检查顺序是契约
		names := make([]string, 0, len(res.Checks))
		for _, c := range res.Checks {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{
			CheckDeclarationExists,
			CheckTraceExists,
			CheckApprovalParses,
			CheckLockTrue,
			CheckApprovedTrue,
			CheckApprovalReadOnly,
		}, names)
	})

	t.Run("审批文件被改回可写时报失败", func(t *testing.T) {
		approvalPath := filepath.Join(env.traceDir, ApprovalFileName)
		require.NoError(t, os.Chmod(env.traceDir, 0755))
		require.NoError(t, os.Chmod(approvalPath, 0644))

		res := env.mgr.Verify("demo")
		assert.False(t, res.OK)
		assert.Equal(t, CheckApprovalReadOnly, res.FirstFailure())
	})
}

// ============================================================================
// List
// ============================================================================

func TestManager_List(t *testing.T) {
	env := newTestEnv(t, "demo", "run_007", model.RunStatusCompleted)
	ctx := context.Background()

	// 空工作区返回空
	got, err := env.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = env.mgr.Approve(ctx, approveReq(env, "demo"))
	require.NoError(t, err)

	got, err = env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "demo", got[0].Project)
	assert.Equal(t, "run_007", got[0].BaselineRunID)
	assert.True(t, got[0].Approved)
}
