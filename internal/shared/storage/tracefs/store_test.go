// Package tracefs 文件系统 Trace 存储的测试
package tracefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

// llmStep 构造一个最小的 LLM Step
func llmStep(tokens int) model.StepRecord {
	return model.StepRecord{
		Type:   model.StepTypeLLM,
		Status: model.StepStatusOK,
		LLM: &model.LLMCall{
			Provider: "mock", Model: "m", Attempt: 1,
			Tokens: model.TokenUsage{Input: tokens / 2, Output: tokens / 2, Total: tokens},
		},
	}
}

// ============================================================================
// 生命周期：Create → Append → Seal
// ============================================================================

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.Equal(t, "run_001", h.RunID())
	assert.Equal(t, "demo", h.ProjectID())

	// 创建后文档立即落盘，状态 RUNNING
	tr, err := s.Read(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, tr.Status)
	assert.Equal(t, model.TraceVersion, tr.TraceVersion)

	require.NoError(t, h.StartAgent("planner", "analyst", "plan the work"))
	require.NoError(t, h.AppendStep("planner", model.StepRecord{
		Type: model.StepTypeInput, Status: model.StepStatusOK,
		Payload: &model.IOPayload{Context: []string{"purpose"}},
	}))
	require.NoError(t, h.AppendStep("planner", llmStep(30)))
	require.NoError(t, h.AppendStep("planner", model.StepRecord{
		Type: model.StepTypeTool, Status: model.StepStatusOK,
		Tool: &model.ToolCall{ToolName: "swmm"},
	}))
	require.NoError(t, h.EndAgent("planner", model.AgentStatusCompleted))

	require.NoError(t, h.Seal(model.RunStatusCompleted))

	tr, err = s.Read(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, tr.Status)
	require.NotNil(t, tr.DurationMS)
	assert.Equal(t, 1, tr.Summary.TotalLLMCalls)
	assert.Equal(t, 1, tr.Summary.TotalToolCalls)
	assert.Equal(t, 30, tr.Summary.TotalTokens)

	// step_index 全局递增，step_id 按约定命名
	steps := tr.Agents[0].Steps
	require.Len(t, steps, 3)
	assert.Equal(t, 0, steps[0].StepIndex)
	assert.Equal(t, "planner.input", steps[0].StepID)
	assert.Equal(t, 1, steps[1].StepIndex)
	assert.Equal(t, "planner.llm_01", steps[1].StepID)
	assert.Equal(t, 2, steps[2].StepIndex)
	assert.Equal(t, "planner.tool_swmm", steps[2].StepID)

	terminal, err := s.IsTerminal(ctx, "demo", "run_001")
	require.NoError(t, err)
	assert.True(t, terminal)
}

// TestStore_StepIndexAcrossAgents 验证 step_index 跨 Agent 连续
func TestStore_StepIndexAcrossAgents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_002")
	require.NoError(t, err)

	require.NoError(t, h.StartAgent("a1", "p", ""))
	require.NoError(t, h.AppendStep("a1", llmStep(10)))
	require.NoError(t, h.EndAgent("a1", model.AgentStatusCompleted))

	require.NoError(t, h.StartAgent("a2", "p", ""))
	require.NoError(t, h.AppendStep("a2", llmStep(10)))
	require.NoError(t, h.Seal(model.RunStatusCompleted))

	tr, err := s.Read(ctx, "demo", "run_002")
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Agents[0].Steps[0].StepIndex)
	assert.Equal(t, 1, tr.Agents[1].Steps[0].StepIndex)
	assert.NoError(t, tr.Validate())
}

// ============================================================================
// 不可变性
// ============================================================================

func TestHandle_SealedRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_003")
	require.NoError(t, err)
	require.NoError(t, h.StartAgent("a1", "p", ""))
	require.NoError(t, h.Seal(model.RunStatusFailed))

	assert.ErrorIs(t, h.AppendStep("a1", llmStep(10)), storage.ErrTraceSealed)
	assert.ErrorIs(t, h.StartAgent("a2", "p", ""), storage.ErrTraceSealed)
	assert.ErrorIs(t, h.LogError(model.ErrorRecord{AgentID: "a1"}), storage.ErrTraceSealed)
	assert.ErrorIs(t, h.Seal(model.RunStatusCompleted), storage.ErrTraceSealed)
}

func TestStore_CreateConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_004")
	require.NoError(t, err)

	// 进行中的写入者占用 run_id
	_, err = s.Create(ctx, "demo", "run_004")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, h.Seal(model.RunStatusCompleted))

	// 封存后的 run_id 不可复用
	_, err = s.Create(ctx, "demo", "run_004")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestStore_CreateRefusesUnreadableTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// 磁盘上已有 trace.json，但内容读不出来（损坏的历史 Trace）
	tracePath := s.TracePath("demo", "run_bad")
	require.NoError(t, os.MkdirAll(filepath.Dir(tracePath), 0755))
	require.NoError(t, os.WriteFile(tracePath, []byte("{not json"), 0644))

	// 决不静默覆盖：拒绝并带上损坏错误
	_, err := s.Create(ctx, "demo", "run_bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrCorruptTrace)
	assert.Contains(t, err.Error(), "unreadable trace")

	// 文件原样保留
	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestStore_CreateOverwritesDanglingTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// 崩溃遗留：落盘的 RUNNING Trace 没有活跃写入者
	_, err := s.Create(ctx, "demo", "run_dangle")
	require.NoError(t, err)
	s.mu.Lock()
	delete(s.open, "demo/run_dangle")
	s.mu.Unlock()

	// 可解析的非终态残留允许覆盖
	h2, err := s.Create(ctx, "demo", "run_dangle")
	require.NoError(t, err)
	require.NoError(t, h2.Seal(model.RunStatusFailed))
}

func TestHandle_SealRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_005")
	require.NoError(t, err)
	assert.ErrorIs(t, h.Seal(model.RunStatusRunning), storage.ErrCorruptTrace)

	// 之后仍可正常封存
	require.NoError(t, h.Seal(model.RunStatusStopped))
}

func TestHandle_UnknownAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_006")
	require.NoError(t, err)
	assert.ErrorIs(t, h.AppendStep("ghost", llmStep(10)), storage.ErrUnknownAgent)
	assert.ErrorIs(t, h.EndAgent("ghost", model.AgentStatusCompleted), storage.ErrUnknownAgent)
}

// ============================================================================
// 加载与校验
// ============================================================================

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "missing", TraceFileName))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("JSON 无法解析", func(t *testing.T) {
		path := filepath.Join(dir, TraceFileName)
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
		_, err := LoadFile(path)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("JSON 合法但 schema 损坏", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.json")
		// 缺 run_id
		doc := `{"trace_version":"1.0","project_id":"demo","status":"COMPLETED","execution":{"mode":"sequential"},"agents":[],"artifacts":[],"errors":[],"summary":{}}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
		_, err := LoadFile(path)
		assert.ErrorIs(t, err, storage.ErrCorruptTrace)
	})
}

func TestStore_RejectsPathSeparatorIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "demo/../evil", "run_007")
	assert.ErrorIs(t, err, storage.ErrCorruptTrace)
	_, err = s.Create(ctx, "demo", "..")
	assert.ErrorIs(t, err, storage.ErrCorruptTrace)
}

// ============================================================================
// 快照
// ============================================================================

func TestStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	def := model.ProjectDef{
		ProjectID: "demo",
		Agents:    []model.AgentDef{{ID: "planner", Preset: "analyst"}},
		Presets: map[string]model.PresetDef{
			"analyst": {Name: "analyst", Model: "m", Temperature: 0.2},
		},
	}
	snap := model.NewProjectSnapshot(def, "nexous:test")
	require.NoError(t, s.WriteSnapshot(ctx, "demo", "run_008", snap))

	got, err := s.ReadSnapshot(ctx, "demo", "run_008")
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotSchemaVersion, got.SchemaVersion)
	assert.Equal(t, "nexous:test", got.EngineVersion)
	assert.Equal(t, def.ProjectID, got.Project.ProjectID)
	assert.Equal(t, 0.2, got.Project.Presets["analyst"].Temperature)

	_, err = s.ReadSnapshot(ctx, "demo", "run_never")
	assert.ErrorIs(t, err, storage.ErrSnapshotMissing)
}

// ============================================================================
// 摘要截断在写入层强制
// ============================================================================

func TestHandle_TruncatesSummaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.Create(ctx, "demo", "run_009")
	require.NoError(t, err)
	require.NoError(t, h.StartAgent("a1", "p", ""))

	long := make([]byte, model.SummaryMaxLen*2)
	for i := range long {
		long[i] = 'x'
	}
	step := llmStep(10)
	step.LLM.InputSummary = string(long)
	require.NoError(t, h.AppendStep("a1", step))
	require.NoError(t, h.Seal(model.RunStatusCompleted))

	tr, err := s.Read(ctx, "demo", "run_009")
	require.NoError(t, err)
	assert.Len(t, tr.Agents[0].Steps[0].LLM.InputSummary, model.SummaryMaxLen)
}
