// Package diff 结构化比对引擎的测试
package diff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Big-footer/nexous/internal/shared/model"
)

// baseTrace 构造一条双 Agent 的封存 Trace
func baseTrace() *model.Trace {
	d := int64(1000)
	return &model.Trace{
		TraceVersion: model.TraceVersion,
		ProjectID:    "demo",
		RunID:        "run_a",
		Status:       model.RunStatusCompleted,
		DurationMS:   &d,
		Execution:    model.Execution{Mode: "sequential"},
		Agents: []model.AgentRecord{
			{
				AgentID: "planner", Preset: "analyst", Status: model.AgentStatusCompleted,
				Steps: []model.StepRecord{
					{StepIndex: 0, StepID: "planner.input", Type: model.StepTypeInput, Status: model.StepStatusOK,
						Payload: &model.IOPayload{Context: []string{"purpose"}}},
					{StepIndex: 1, StepID: "planner.llm_01", Type: model.StepTypeLLM, Status: model.StepStatusOK,
						LLM: &model.LLMCall{
							Provider: "mock", Model: "m", Attempt: 1,
							Tokens:    model.TokenUsage{Input: 50, Output: 50, Total: 100},
							LatencyMS: 20, OutputSummary: "plan",
						}},
					{StepIndex: 2, StepID: "planner.output", Type: model.StepTypeOutput, Status: model.StepStatusOK,
						Payload: &model.IOPayload{OutputKeys: []string{"result"}}},
				},
			},
			{
				AgentID: "executor", Preset: "worker", Status: model.AgentStatusCompleted,
				Steps: []model.StepRecord{
					{StepIndex: 3, StepID: "executor.tool_swmm", Type: model.StepTypeTool, Status: model.StepStatusOK,
						Tool: &model.ToolCall{ToolName: "swmm", OutputSummary: "ok", LatencyMS: 5}},
				},
			},
		},
		Errors: []model.ErrorRecord{},
	}
}

// clone 深拷贝 Trace（测试改动一侧时使用）
func clone(t *testing.T, tr *model.Trace) *model.Trace {
	t.Helper()
	data, err := json.Marshal(tr)
	require.NoError(t, err)
	var out model.Trace
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func newEngine() *Engine {
	return New(nil, nil)
}

// ============================================================================
// 总体状态
// ============================================================================

// TestCompare_Identical 自反性：Trace 与自身比较永远 IDENTICAL
func TestCompare_Identical(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.RunID = "run_b" // run_id 不参与比较

	res := newEngine().Compare(a, b, Options{})
	assert.Equal(t, StatusIdentical, res.Status)
	assert.Nil(t, res.FirstDivergence)
	assert.Empty(t, res.Changes)
	assert.Equal(t, 0, res.Counts.Total)
	assert.Equal(t, "run_a", res.BaselineRun)
	assert.Equal(t, "run_b", res.TargetRun)
}

// TestCompare_FirstDivergenceInvariant CHANGED 时 FirstDivergence 必非空
func TestCompare_FirstDivergenceInvariant(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	d := int64(1500)
	b.DurationMS = &d // 只有元数据差异

	res := newEngine().Compare(a, b, Options{})
	assert.Equal(t, StatusChanged, res.Status)
	require.NotNil(t, res.FirstDivergence)
	assert.Equal(t, CategoryMetadata, res.FirstDivergence.Type)
	assert.Equal(t, "metadata", res.FirstDivergence.Location)
}

// ============================================================================
// 元数据比较
// ============================================================================

func TestCompare_MetadataDuration(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	d := int64(1200)
	b.DurationMS = &d

	res := newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	c := res.Changes[0]
	assert.Equal(t, CategoryMetadata, c.Category)
	assert.Equal(t, "duration_ms", c.Field)
	require.NotNil(t, c.Delta)
	assert.Equal(t, int64(200), *c.Delta)
	require.NotNil(t, c.DeltaPct)
	assert.InDelta(t, 20.0, *c.DeltaPct, 0.001)
}

func TestCompare_MetadataStatus(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Status = model.RunStatusFailed

	res := newEngine().Compare(a, b, Options{})
	assert.Equal(t, StatusChanged, res.Status)
	assert.Equal(t, "status", res.Changes[0].Field)
}

// ============================================================================
// Agent 位置对齐
// ============================================================================

func TestCompare_AgentMissing(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents = b.Agents[:1] // 目标侧少一个 Agent

	res := newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	c := res.Changes[0]
	assert.Equal(t, CategoryAgentMissing, c.Category)
	assert.Equal(t, 1, c.AgentIndex)
	assert.Equal(t, "executor", c.BaselineValue)
	assert.Equal(t, "<missing>", c.TargetValue)
}

// Agent 顺序交换按位置报 AGENT_ID_DIFF，不做重匹配
func TestCompare_AgentReorder(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents[0], b.Agents[1] = b.Agents[1], b.Agents[0]

	res := newEngine().Compare(a, b, Options{})
	assert.Equal(t, StatusChanged, res.Status)
	require.NotEmpty(t, res.Changes)
	assert.Equal(t, CategoryAgentIDDiff, res.Changes[0].Category)
	// agent_id 不同的位置不再比较内部 Step
	for _, c := range res.Changes {
		assert.NotEqual(t, CategoryFieldDiff, c.Category)
	}
}

func TestCompare_StepCountDiff(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	// 目标侧 planner 多出一次 LLM 调用
	extra := b.Agents[0].Steps[1]
	extra.StepIndex = 99
	extra.StepID = "planner.llm_02"
	b.Agents[0].Steps = append(b.Agents[0].Steps, extra)

	res := newEngine().Compare(a, b, Options{})
	require.NotEmpty(t, res.Changes)
	c := res.Changes[0]
	assert.Equal(t, CategoryStepsCountDiff, c.Category)
	assert.Equal(t, "LLM", c.Kind) // 第一个多出 Step 的类型
	assert.Equal(t, "3", c.BaselineValue)
	assert.Equal(t, "4", c.TargetValue)
}

// ============================================================================
// Step 字段级比较
// ============================================================================

func TestCompare_LLMFieldDiff(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents[0].Steps[1].LLM.Tokens = model.TokenUsage{Input: 50, Output: 100, Total: 150}

	res := newEngine().Compare(a, b, Options{})
	assert.Equal(t, StatusChanged, res.Status)

	byField := map[string]Change{}
	for _, c := range res.Changes {
		byField[c.Field] = c
	}
	out, ok := byField["tokens.output"]
	require.True(t, ok)
	require.NotNil(t, out.Delta)
	assert.Equal(t, int64(50), *out.Delta)
	require.NotNil(t, out.DeltaPct)
	assert.InDelta(t, 100.0, *out.DeltaPct, 0.001)

	total, ok := byField["tokens.total"]
	require.True(t, ok)
	assert.Equal(t, int64(50), *total.Delta)

	// LLM 字段差异计入 llm 计数
	assert.Equal(t, res.Counts.Total, res.Counts.LLM)
}

// 基线值为 0 时只报绝对差，不报百分比
func TestCompare_DeltaPctOmittedWhenBaselineZero(t *testing.T) {
	a := baseTrace()
	a.Agents[0].Steps[1].LLM.LatencyMS = 0
	b := clone(t, a)
	b.Agents[0].Steps[1].LLM.LatencyMS = 40

	res := newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	c := res.Changes[0]
	require.NotNil(t, c.Delta)
	assert.Equal(t, int64(40), *c.Delta)
	assert.Nil(t, c.DeltaPct)
}

func TestCompare_StepTypeDiffSkipsContent(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents[1].Steps[0] = model.StepRecord{
		StepIndex: 3, StepID: "executor.llm_01",
		Type: model.StepTypeLLM, Status: model.StepStatusOK,
		LLM: &model.LLMCall{Provider: "mock", Model: "m", Attempt: 1},
	}

	res := newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	assert.Equal(t, CategoryStepTypeDiff, res.Changes[0].Category)
}

// ============================================================================
// 错误列表比较
// ============================================================================

func TestCompare_Errors(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Errors = append(b.Errors, model.ErrorRecord{
		AgentID: "planner", Type: "llm_error", Message: "timeout",
	})

	res := newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	assert.Equal(t, CategoryErrorCount, res.Changes[0].Category)
	assert.Equal(t, 1, res.Counts.Errors)

	// 数量一致时比较内容
	a.Errors = append(a.Errors, model.ErrorRecord{
		AgentID: "planner", Type: "llm_error", Message: "connection reset",
	})
	res = newEngine().Compare(a, b, Options{})
	require.Len(t, res.Changes, 1)
	assert.Equal(t, CategoryErrorContent, res.Changes[0].Category)
	assert.Equal(t, "message", res.Changes[0].Field)
}

// ============================================================================
// --only 过滤比较
// ============================================================================

func TestCompare_FilterLLM(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents[0].Steps[1].LLM.Tokens = model.TokenUsage{Input: 60, Output: 60, Total: 120}
	b.Agents[0].Steps[1].LLM.LatencyMS = 30
	// Tool 侧的改动在 llm 过滤下不可见
	b.Agents[1].Steps[0].Tool.OutputSummary = "different"

	res := newEngine().Compare(a, b, Options{Only: FilterLLM})
	assert.Equal(t, StatusChanged, res.Status)
	for _, c := range res.Changes {
		assert.Equal(t, "LLM", c.Kind)
	}

	agg := res.Aggregates
	require.NotNil(t, agg)
	assert.Equal(t, FilterLLM, agg.Filter)
	assert.Equal(t, 1, agg.Baseline.Calls)
	assert.Equal(t, 1, agg.Target.Calls)
	assert.Equal(t, 100, agg.Baseline.TotalTokens)
	assert.Equal(t, 120, agg.Target.TotalTokens)
	assert.Equal(t, int64(20), agg.TokensDelta)
	require.NotNil(t, agg.TokensPct)
	assert.InDelta(t, 20.0, *agg.TokensPct, 0.001)
	assert.Equal(t, int64(10), agg.LatencyDelta)
}

func TestCompare_FilterLLMCallCount(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	extra := b.Agents[0].Steps[1]
	extra.StepIndex = 99
	extra.StepID = "planner.llm_02"
	b.Agents[0].Steps = append(b.Agents[0].Steps, extra)

	res := newEngine().Compare(a, b, Options{Only: FilterLLM})
	require.NotEmpty(t, res.Changes)
	assert.Equal(t, CategoryCallCountDiff, res.Changes[0].Category)
	assert.Equal(t, int64(1), res.Aggregates.CallsDelta)
}

func TestCompare_FilterErrors(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Errors = append(b.Errors, model.ErrorRecord{AgentID: "planner", Type: "tool_error"})

	res := newEngine().Compare(a, b, Options{Only: FilterErrors})
	assert.Equal(t, StatusChanged, res.Status)
	require.NotNil(t, res.Aggregates)
	assert.Equal(t, 0, res.Aggregates.Baseline.Calls)
	assert.Equal(t, 1, res.Aggregates.Target.Calls)
	// 基线侧 0 时不报百分比
	assert.Nil(t, res.Aggregates.CallsPct)
}

func TestParseFilter(t *testing.T) {
	for _, s := range []string{"", "llm", "tool", "errors"} {
		_, err := ParseFilter(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFilter("steps")
	assert.Error(t, err)
}

// ============================================================================
// 加载失败
// ============================================================================

func TestCompareFiles_LoadFailure(t *testing.T) {
	dir := t.TempDir()

	// 基线缺失 → FAILED，不抛错误
	res := newEngine().CompareFiles(
		filepath.Join(dir, "missing_a.json"),
		filepath.Join(dir, "missing_b.json"),
		Options{})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.LoadError, "baseline trace")
	assert.Nil(t, res.FirstDivergence)
}

func TestCompareFiles_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, tr *model.Trace) string {
		data, err := json.Marshal(tr)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0644))
		return path
	}

	a := baseTrace()
	b := clone(t, a)
	b.RunID = "run_b"

	res := newEngine().CompareFiles(write("a.json", a), write("b.json", b), Options{})
	assert.Equal(t, StatusIdentical, res.Status)
}

// ============================================================================
// 报告与 GUI 载荷
// ============================================================================

func TestRender(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)

	t.Run("无差异", func(t *testing.T) {
		res := newEngine().Compare(a, b, Options{})
		out := Render(res, ShowFirst)
		assert.Contains(t, out, "Status: IDENTICAL")
		assert.Contains(t, out, "No differences found.")
	})

	t.Run("只展示首个分歧点", func(t *testing.T) {
		c := clone(t, a)
		c.Agents[0].Steps[1].LLM.Tokens = model.TokenUsage{Input: 1, Output: 1, Total: 2}
		res := newEngine().Compare(a, c, Options{})
		require.Greater(t, len(res.Changes), 1)

		out := Render(res, ShowFirst)
		assert.Contains(t, out, "First divergence:")
		assert.Contains(t, out, "more (use --show all)")

		all := Render(res, ShowAll)
		assert.NotContains(t, all, "use --show all")
	})
}

func TestForGUI(t *testing.T) {
	a := baseTrace()
	b := clone(t, a)
	b.Agents[0].Steps[1].LLM.Tokens = model.TokenUsage{Input: 1, Output: 1, Total: 2}

	res := newEngine().Compare(a, b, Options{})
	p := ForGUI(res, ShowFirst)
	assert.True(t, p.OK)
	assert.Equal(t, StatusChanged, p.Summary.Status)
	assert.Len(t, p.Changes, 1) // first 模式截断

	data, err := MarshalPayload(p)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	failed := newEngine().CompareFiles("/nonexistent/a.json", "/nonexistent/b.json", Options{})
	p = ForGUI(failed, ShowFirst)
	assert.False(t, p.OK)
	assert.NotEmpty(t, p.Error)
}
