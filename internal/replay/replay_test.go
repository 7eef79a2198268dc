// Package replay Trace 重放的测试
package replay

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Big-footer/nexous/internal/engine"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/internal/shared/storage/tracefs"
)

func testProject() *model.ProjectDef {
	return &model.ProjectDef{
		ProjectID: "demo",
		Execution: model.ExecutionDef{Mode: "sequential"},
		Agents: []model.AgentDef{
			{ID: "planner", Preset: "analyst", Purpose: "plan the simulation"},
			{ID: "executor", Preset: "worker", Purpose: "run it", DependsOn: []string{"planner"}},
		},
		Presets: map[string]model.PresetDef{
			"analyst": {Name: "analyst", Model: "sim-large", Temperature: 0.2},
			"worker":  {Name: "worker", Model: "sim-small", Tools: []string{"swmm"}},
		},
	}
}

// fixture 一个带封存源 Run 的存储 + 重放器
type fixture struct {
	store    *tracefs.Store
	engine   *engine.Engine
	replayer *Replayer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := tracefs.New(tracefs.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	eng := engine.New(engine.Config{Store: store, EngineVersion: "nexous:test"})
	return &fixture{
		store:  store,
		engine: eng,
		replayer: New(Config{
			Store:  store,
			Engine: eng,
		}),
	}
}

// sealSourceRun 通过引擎产出一个封存的源 Run（含快照）
func (f *fixture) sealSourceRun(t *testing.T, runID string) *model.Trace {
	t.Helper()
	trace, err := f.engine.ExecuteProject(context.Background(), testProject(),
		engine.RunOptions{RunID: runID})
	require.NoError(t, err)
	require.True(t, trace.IsTerminal())
	return trace
}

// ============================================================================
// DRY 模式
// ============================================================================

func TestReplayer_Dry(t *testing.T) {
	f := newFixture(t)
	source := f.sealSourceRun(t, "run_src")

	res, err := f.replayer.Dry(context.Background(), "demo", "run_src")
	require.NoError(t, err)
	assert.Equal(t, ModeDry, res.Mode)
	assert.Equal(t, "run_src", res.SourceRun)
	assert.Empty(t, res.NewRun)
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	// 时间线按文档顺序且与 Step 总数一致
	require.Len(t, res.Timeline, source.StepCount())
	for i := 1; i < len(res.Timeline); i++ {
		assert.Greater(t, res.Timeline[i].StepIndex, res.Timeline[i-1].StepIndex)
	}
	assert.Equal(t, 2, res.Stats.Agents)
	assert.Equal(t, 2, res.Stats.LLMCalls)
	assert.Equal(t, 1, res.Stats.ToolCalls)
}

// TestReplayer_Dry_Deterministic 相同输入产出逐项一致的时间线
func TestReplayer_Dry_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.sealSourceRun(t, "run_src")

	first, err := f.replayer.Dry(context.Background(), "demo", "run_src")
	require.NoError(t, err)
	second, err := f.replayer.Dry(context.Background(), "demo", "run_src")
	require.NoError(t, err)
	assert.Equal(t, first.Timeline, second.Timeline)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestReplayer_Dry_MissingTrace(t *testing.T) {
	f := newFixture(t)

	_, err := f.replayer.Dry(context.Background(), "demo", "run_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestReplayer_Dry_InFlightRun 能加载就能走查：进行中的 Run 合法，
// 结果标记 in_flight
func TestReplayer_Dry_InFlightRun(t *testing.T) {
	f := newFixture(t)

	h, err := f.store.Create(context.Background(), "demo", "run_live")
	require.NoError(t, err)
	require.NoError(t, h.StartAgent("planner", "analyst", "plan"))
	require.NoError(t, h.AppendStep("planner", model.StepRecord{
		Type:    model.StepTypeInput,
		Status:  model.StepStatusOK,
		Payload: &model.IOPayload{Context: []string{"purpose"}},
	}))

	res, err := f.replayer.Dry(context.Background(), "demo", "run_live")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, res.Status)
	assert.True(t, res.InFlight)
	require.Len(t, res.Timeline, 1)
	assert.Equal(t, "planner.input", res.Timeline[0].StepID)

	// 报告与 GUI 载荷都要把快照在途的状态透出去
	assert.Contains(t, Render(res), "snapshot in flight")
	assert.True(t, ForGUI(res, nil).Summary.InFlight)

	// 封存后同一 Run 不再标记 in_flight
	require.NoError(t, h.EndAgent("planner", model.AgentStatusCompleted))
	require.NoError(t, h.Seal(model.RunStatusCompleted))
	sealed, err := f.replayer.Dry(context.Background(), "demo", "run_live")
	require.NoError(t, err)
	assert.False(t, sealed.InFlight)
}

// ============================================================================
// FULL 模式
// ============================================================================

func TestReplayer_Full(t *testing.T) {
	f := newFixture(t)
	source := f.sealSourceRun(t, "run_src")

	res, err := f.replayer.Full(context.Background(), "demo", "run_src", false)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, "run_src", res.SourceRun)
	assert.True(t, strings.HasPrefix(res.NewRun, "replay_run_src_"))
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	// 新 Run 独立封存且与源 Run 步数一致（确定性 Provider）
	replayed, err := f.store.Read(context.Background(), "demo", res.NewRun)
	require.NoError(t, err)
	assert.True(t, replayed.IsTerminal())
	assert.Equal(t, source.StepCount(), replayed.StepCount())
	assert.Equal(t, source.Summary.TotalTokens, replayed.Summary.TotalTokens)

	// 源 Run 原样不动
	again, err := f.store.Read(context.Background(), "demo", "run_src")
	require.NoError(t, err)
	assert.Equal(t, source.EndedAt, again.EndedAt)
}

// TestReplayer_Full_DerivedIDCollision 派生 run_id 冲突时追加序号
func TestReplayer_Full_DerivedIDCollision(t *testing.T) {
	f := newFixture(t)
	f.sealSourceRun(t, "run_src")

	// 同一秒内连续两次 FULL 重放：第二次必须换 run_id
	first, err := f.replayer.Full(context.Background(), "demo", "run_src", false)
	require.NoError(t, err)
	second, err := f.replayer.Full(context.Background(), "demo", "run_src", false)
	require.NoError(t, err)
	assert.NotEqual(t, first.NewRun, second.NewRun)
}

func TestReplayer_Full_SnapshotMissing(t *testing.T) {
	f := newFixture(t)

	// 手工封存一个没有快照的 Trace
	h, err := f.store.Create(context.Background(), "demo", "run_nosnap")
	require.NoError(t, err)
	require.NoError(t, h.StartAgent("planner", "analyst", ""))
	require.NoError(t, h.EndAgent("planner", model.AgentStatusCompleted))
	require.NoError(t, h.Seal(model.RunStatusCompleted))

	_, err = f.replayer.Full(context.Background(), "demo", "run_nosnap", false)
	assert.ErrorIs(t, err, storage.ErrSnapshotMissing)
}

func TestReplayer_Full_RequiresSealedSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(context.Background(), "demo", "run_open")
	require.NoError(t, err)

	_, err = f.replayer.Full(context.Background(), "demo", "run_open", false)
	assert.ErrorIs(t, err, storage.ErrTraceNotSealed)
}

// ============================================================================
// 模式解析与报告
// ============================================================================

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"dry": ModeDry, "DRY": ModeDry, "full": ModeFull, "FULL": ModeFull,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("partial")
	assert.Error(t, err)
}

func TestForGUI(t *testing.T) {
	f := newFixture(t)
	f.sealSourceRun(t, "run_src")

	res, err := f.replayer.Dry(context.Background(), "demo", "run_src")
	require.NoError(t, err)

	p := ForGUI(res, nil)
	assert.True(t, p.OK)
	assert.Equal(t, ModeDry, p.Mode)
	assert.Len(t, p.Timeline, len(res.Timeline))
	assert.Contains(t, p.Report, "Replay (DRY): run_src")

	data, err := MarshalPayload(p)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
