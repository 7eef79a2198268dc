// Package diff Trace 结构化比对引擎
//
// 对基线 Trace（A）和候选 Trace（B）做结构化比较，与二者的
// 绝对 run_id 无关：
//  1. 元数据逐字段比较（project_id / status / duration_ms）
//  2. Agent 按序号位置对齐（不按 agent_id 匹配——顺序本身的
//     变化也是一种差异），逐位置比较，再逐位置比较 Step
//  3. 首个分歧点：按文档顺序（agent 序号升序、agent 内
//     step_index 升序）遇到的第一个不匹配
//  4. 错误列表按数量比较，数量一致时逐条比较内容
//
// Diff 永远产出结果对象：任一侧加载失败时整体报 FAILED 并附加
// 加载错误，不做部分比对，也不向调用方抛出。
package diff

import (
	"fmt"
	"time"

	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage/tracefs"
	"github.com/Big-footer/nexous/pkg/logging"
)

// ============================================================================
// 结果类型
// ============================================================================

// Status 比对总体状态
type Status string

const (
	// StatusIdentical 各类别均未发现差异
	StatusIdentical Status = "IDENTICAL"

	// StatusChanged 存在字段/内容差异，但双方结构均可解析
	StatusChanged Status = "CHANGED"

	// StatusFailed 比对本身无法完成（如 Trace 无法加载）
	StatusFailed Status = "FAILED"
)

// ChangeCategory 结构化差异类别
type ChangeCategory string

const (
	CategoryMetadata       ChangeCategory = "METADATA_DIFF"
	CategoryAgentMissing   ChangeCategory = "AGENT_MISSING"
	CategoryAgentIDDiff    ChangeCategory = "AGENT_ID_DIFF"
	CategoryStatusDiff     ChangeCategory = "STATUS_DIFF"
	CategoryStepsCountDiff ChangeCategory = "STEPS_COUNT_DIFF"
	CategoryStepTypeDiff   ChangeCategory = "STEP_TYPE_DIFF"
	CategoryStepStatusDiff ChangeCategory = "STEP_STATUS_DIFF"
	CategoryFieldDiff      ChangeCategory = "FIELD_DIFF"
	CategoryCallCountDiff  ChangeCategory = "CALL_COUNT_DIFF"
	CategoryErrorCount     ChangeCategory = "ERROR_COUNT_DIFF"
	CategoryErrorContent   ChangeCategory = "ERROR_CONTENT_DIFF"
)

// Change 单条差异记录
type Change struct {
	Category ChangeCategory `json:"category"`

	// Kind 差异涉及的内容种类（LLM / TOOL / ERROR / METADATA / AGENT / INPUT / OUTPUT）
	Kind string `json:"type"`

	AgentIndex int    `json:"agent_index"`
	AgentID    string `json:"agent_id,omitempty"`
	StepIndex  int    `json:"step_index"`
	Field      string `json:"field"`

	BaselineValue string `json:"baseline_value"`
	TargetValue   string `json:"target_value"`

	// Delta 有符号数值差（仅数值字段）
	Delta *int64 `json:"delta,omitempty"`
	// DeltaPct 有符号百分比差 (B-A)/A*100；A==0 时省略（只报绝对值）
	DeltaPct *float64 `json:"delta_pct,omitempty"`
}

// Divergence 首个分歧点
type Divergence struct {
	Type      ChangeCategory `json:"type"`
	Location  string         `json:"location"`
	StepIndex int            `json:"step_index"`
	StepType  string         `json:"step_type,omitempty"`
	Message   string         `json:"message"`
}

// Counts 汇总计数：各内容种类发现的差异数
type Counts struct {
	LLM    int `json:"llm"`
	Tool   int `json:"tool"`
	Errors int `json:"errors"`
	Total  int `json:"total"`
}

// Result 比对结果对象
type Result struct {
	Status      Status `json:"status"`
	BaselineRun string `json:"baseline_run"`
	TargetRun   string `json:"target_run"`

	FirstDivergence *Divergence `json:"first_divergence,omitempty"`
	Changes         []Change    `json:"changes"`
	Counts          Counts      `json:"counts"`

	// Aggregates 过滤比较（--only）时的聚合统计
	Aggregates *Aggregates `json:"aggregates,omitempty"`

	// LoadError 加载失败时的错误信息（Status == FAILED）
	LoadError string `json:"load_error,omitempty"`
}

// ============================================================================
// Engine
// ============================================================================

// Options 比对选项
type Options struct {
	// Only 内容过滤：空 / FilterLLM / FilterTool / FilterErrors
	Only Filter
}

// Engine 比对引擎
type Engine struct {
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New 创建比对引擎
func New(log *logging.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logging.Default("diff")
	}
	return &Engine{log: log, metrics: m}
}

// CompareFiles 按路径加载两个 Trace 并比对
//
// 任一侧加载失败 → Status FAILED、LoadError 附加，不做部分比对。
func (e *Engine) CompareFiles(pathA, pathB string, opts Options) *Result {
	begin := time.Now()

	a, errA := tracefs.LoadFile(pathA)
	if errA != nil {
		return e.failed(fmt.Sprintf("baseline trace: %v", errA), begin)
	}
	b, errB := tracefs.LoadFile(pathB)
	if errB != nil {
		return e.failed(fmt.Sprintf("target trace: %v", errB), begin)
	}

	res := e.Compare(a, b, opts)
	e.metrics.ObserveDiff(string(res.Status), time.Since(begin))
	return res
}

// Compare 比对两个已加载的 Trace
func (e *Engine) Compare(a, b *model.Trace, opts Options) *Result {
	res := &Result{
		BaselineRun: a.RunID,
		TargetRun:   b.RunID,
		Changes:     []Change{},
	}

	w := &walker{res: res}

	if opts.Only != FilterNone {
		compareFiltered(w, a, b, opts.Only)
	} else {
		compareMetadata(w, a, b)
		compareAgents(w, a, b)
		compareErrors(w, a, b)
	}

	finalize(res)
	e.log.Debug("Diff completed",
		"baseline", a.RunID, "target", b.RunID,
		"status", string(res.Status), "changes", res.Counts.Total)
	return res
}

func (e *Engine) failed(msg string, begin time.Time) *Result {
	res := &Result{Status: StatusFailed, LoadError: msg, Changes: []Change{}}
	e.metrics.ObserveDiff(string(StatusFailed), time.Since(begin))
	e.log.Warn("Diff failed", "error", msg)
	return res
}

// finalize 计算计数、状态与首个分歧点
func finalize(res *Result) {
	for i := range res.Changes {
		switch res.Changes[i].Kind {
		case "LLM":
			res.Counts.LLM++
		case "TOOL":
			res.Counts.Tool++
		case "ERROR":
			res.Counts.Errors++
		}
	}
	res.Counts.Total = len(res.Changes)

	if len(res.Changes) == 0 {
		res.Status = StatusIdentical
		return
	}
	res.Status = StatusChanged
}

// ============================================================================
// walker - 按文档顺序记录差异，第一条差异即首个分歧点
// ============================================================================

type walker struct {
	res *Result
}

func (w *walker) record(c Change, location, message string) {
	if w.res.FirstDivergence == nil {
		stepType := ""
		if c.Kind != "METADATA" && c.Kind != "AGENT" && c.Kind != "ERROR" {
			stepType = c.Kind
		}
		w.res.FirstDivergence = &Divergence{
			Type:      c.Category,
			Location:  location,
			StepIndex: c.StepIndex,
			StepType:  stepType,
			Message:   message,
		}
	}
	w.res.Changes = append(w.res.Changes, c)
}

// ============================================================================
// 比较规则
// ============================================================================

// compareMetadata 规则1：元数据逐字段比较
func compareMetadata(w *walker, a, b *model.Trace) {
	if a.ProjectID != b.ProjectID {
		w.record(Change{
			Category: CategoryMetadata, Kind: "METADATA", Field: "project_id",
			BaselineValue: a.ProjectID, TargetValue: b.ProjectID,
		}, "metadata", fmt.Sprintf("project_id %q != %q", a.ProjectID, b.ProjectID))
	}
	if a.Status != b.Status {
		w.record(Change{
			Category: CategoryMetadata, Kind: "METADATA", Field: "status",
			BaselineValue: string(a.Status), TargetValue: string(b.Status),
		}, "metadata", fmt.Sprintf("status %s != %s", a.Status, b.Status))
	}
	da, db := int64Value(a.DurationMS), int64Value(b.DurationMS)
	if da != db {
		c := Change{
			Category: CategoryMetadata, Kind: "METADATA", Field: "duration_ms",
			BaselineValue: fmt.Sprintf("%d", da), TargetValue: fmt.Sprintf("%d", db),
		}
		applyDelta(&c, da, db)
		w.record(c, "metadata", fmt.Sprintf("duration_ms %d != %d", da, db))
	}
}

// compareAgents 规则2/3：按位置对齐 Agent 并逐位置比较
func compareAgents(w *walker, a, b *model.Trace) {
	max := len(a.Agents)
	if len(b.Agents) > max {
		max = len(b.Agents)
	}

	for i := 0; i < max; i++ {
		loc := fmt.Sprintf("agent #%d", i)

		if i >= len(a.Agents) || i >= len(b.Agents) {
			var present *model.AgentRecord
			baseVal, targetVal := "<missing>", "<missing>"
			if i < len(a.Agents) {
				present = &a.Agents[i]
				baseVal = present.AgentID
			} else {
				present = &b.Agents[i]
				targetVal = present.AgentID
			}
			w.record(Change{
				Category: CategoryAgentMissing, Kind: "AGENT", AgentIndex: i, AgentID: present.AgentID,
				Field: "agent", BaselineValue: baseVal, TargetValue: targetVal,
			}, loc, fmt.Sprintf("agent %s present on one side only", present.AgentID))
			continue
		}

		agentA, agentB := &a.Agents[i], &b.Agents[i]
		loc = fmt.Sprintf("agent #%d (%s)", i, agentA.AgentID)

		if agentA.AgentID != agentB.AgentID {
			w.record(Change{
				Category: CategoryAgentIDDiff, Kind: "AGENT", AgentIndex: i, AgentID: agentA.AgentID,
				Field: "agent_id", BaselineValue: agentA.AgentID, TargetValue: agentB.AgentID,
			}, loc, fmt.Sprintf("agent_id %q != %q at position %d", agentA.AgentID, agentB.AgentID, i))
			continue
		}
		if agentA.Status != agentB.Status {
			w.record(Change{
				Category: CategoryStatusDiff, Kind: "AGENT", AgentIndex: i, AgentID: agentA.AgentID,
				Field: "status", BaselineValue: string(agentA.Status), TargetValue: string(agentB.Status),
			}, loc, fmt.Sprintf("agent %s status %s != %s", agentA.AgentID, agentA.Status, agentB.Status))
		}
		if len(agentA.Steps) != len(agentB.Steps) {
			// 数量不一致时报告导致差异的第一个多出 Step 的类型
			c := Change{
				Category: CategoryStepsCountDiff, Kind: extraStepKind(agentA, agentB),
				AgentIndex: i, AgentID: agentA.AgentID, StepIndex: firstExtraIndex(agentA, agentB),
				Field:         "step_count",
				BaselineValue: fmt.Sprintf("%d", len(agentA.Steps)),
				TargetValue:   fmt.Sprintf("%d", len(agentB.Steps)),
			}
			w.record(c, loc, fmt.Sprintf("agent %s step count %d != %d",
				agentA.AgentID, len(agentA.Steps), len(agentB.Steps)))
			continue
		}

		compareSteps(w, i, agentA, agentB)
	}
}

// compareSteps 逐位置比较同一 Agent 的 Step
func compareSteps(w *walker, agentIndex int, a, b *model.AgentRecord) {
	for j := range a.Steps {
		stepA, stepB := &a.Steps[j], &b.Steps[j]
		loc := fmt.Sprintf("agent #%d (%s), step #%d (%s)", agentIndex, a.AgentID, stepA.StepIndex, stepA.StepID)

		if stepA.Type != stepB.Type {
			w.record(Change{
				Category: CategoryStepTypeDiff, Kind: string(stepA.Type),
				AgentIndex: agentIndex, AgentID: a.AgentID, StepIndex: stepA.StepIndex,
				Field: "type", BaselineValue: string(stepA.Type), TargetValue: string(stepB.Type),
			}, loc, fmt.Sprintf("step type %s != %s", stepA.Type, stepB.Type))
			continue
		}
		if stepA.Status != stepB.Status {
			w.record(Change{
				Category: CategoryStepStatusDiff, Kind: string(stepA.Type),
				AgentIndex: agentIndex, AgentID: a.AgentID, StepIndex: stepA.StepIndex,
				Field: "status", BaselineValue: string(stepA.Status), TargetValue: string(stepB.Status),
			}, loc, fmt.Sprintf("step status %s != %s", stepA.Status, stepB.Status))
		}

		compareStepContent(w, agentIndex, a.AgentID, loc, stepA, stepB)
	}
}

// compareStepContent 变体字段级比较（类型标签一致时）
func compareStepContent(w *walker, agentIndex int, agentID, loc string, a, b *model.StepRecord) {
	field := func(name, va, vb string) {
		if va == vb {
			return
		}
		w.record(Change{
			Category: CategoryFieldDiff, Kind: string(a.Type),
			AgentIndex: agentIndex, AgentID: agentID, StepIndex: a.StepIndex,
			Field: name, BaselineValue: va, TargetValue: vb,
		}, loc, fmt.Sprintf("%s %q != %q", name, va, vb))
	}
	numeric := func(name string, va, vb int64) {
		if va == vb {
			return
		}
		c := Change{
			Category: CategoryFieldDiff, Kind: string(a.Type),
			AgentIndex: agentIndex, AgentID: agentID, StepIndex: a.StepIndex,
			Field:         name,
			BaselineValue: fmt.Sprintf("%d", va),
			TargetValue:   fmt.Sprintf("%d", vb),
		}
		applyDelta(&c, va, vb)
		w.record(c, loc, fmt.Sprintf("%s %d != %d", name, va, vb))
	}

	switch a.Type {
	case model.StepTypeLLM:
		if a.LLM == nil || b.LLM == nil {
			return
		}
		field("provider", a.LLM.Provider, b.LLM.Provider)
		field("model", a.LLM.Model, b.LLM.Model)
		numeric("attempt", int64(a.LLM.Attempt), int64(b.LLM.Attempt))
		numeric("tokens.input", int64(a.LLM.Tokens.Input), int64(b.LLM.Tokens.Input))
		numeric("tokens.output", int64(a.LLM.Tokens.Output), int64(b.LLM.Tokens.Output))
		numeric("tokens.total", int64(a.LLM.Tokens.Total), int64(b.LLM.Tokens.Total))
		numeric("latency_ms", a.LLM.LatencyMS, b.LLM.LatencyMS)
		field("input_summary", a.LLM.InputSummary, b.LLM.InputSummary)
		field("output_summary", a.LLM.OutputSummary, b.LLM.OutputSummary)
		field("policy.temperature", policyTemp(a.LLM.Policy), policyTemp(b.LLM.Policy))
	case model.StepTypeTool:
		if a.Tool == nil || b.Tool == nil {
			return
		}
		field("tool_name", a.Tool.ToolName, b.Tool.ToolName)
		field("input_summary", a.Tool.InputSummary, b.Tool.InputSummary)
		field("output_summary", a.Tool.OutputSummary, b.Tool.OutputSummary)
		numeric("latency_ms", a.Tool.LatencyMS, b.Tool.LatencyMS)
	case model.StepTypeInput, model.StepTypeOutput:
		if a.Payload == nil || b.Payload == nil {
			return
		}
		field("payload.context", joinList(a.Payload.Context), joinList(b.Payload.Context))
		field("payload.previous_results", joinList(a.Payload.PreviousResults), joinList(b.Payload.PreviousResults))
		field("payload.output_keys", joinList(a.Payload.OutputKeys), joinList(b.Payload.OutputKeys))
		field("payload.artifact_ids", joinList(a.Payload.ArtifactIDs), joinList(b.Payload.ArtifactIDs))
	}
}

// compareErrors 规则5：错误列表比较
func compareErrors(w *walker, a, b *model.Trace) {
	if len(a.Errors) != len(b.Errors) {
		w.record(Change{
			Category: CategoryErrorCount, Kind: "ERROR", Field: "error_count",
			BaselineValue: fmt.Sprintf("%d", len(a.Errors)),
			TargetValue:   fmt.Sprintf("%d", len(b.Errors)),
		}, "errors", fmt.Sprintf("error count %d != %d", len(a.Errors), len(b.Errors)))
		return
	}

	for i := range a.Errors {
		ea, eb := &a.Errors[i], &b.Errors[i]
		loc := fmt.Sprintf("errors #%d", i)
		pair := func(name, va, vb string) {
			if va == vb {
				return
			}
			w.record(Change{
				Category: CategoryErrorContent, Kind: "ERROR", AgentID: ea.AgentID,
				Field: name, BaselineValue: va, TargetValue: vb,
			}, loc, fmt.Sprintf("error %s %q != %q", name, va, vb))
		}
		pair("agent_id", ea.AgentID, eb.AgentID)
		pair("step_id", ea.StepID, eb.StepID)
		pair("error_type", ea.Type, eb.Type)
		pair("message", ea.Message, eb.Message)
	}
}

// ============================================================================
// 辅助函数
// ============================================================================

// applyDelta 填充有符号数值差；A==0 时只报绝对值，不算百分比
func applyDelta(c *Change, a, b int64) {
	d := b - a
	c.Delta = &d
	if a != 0 {
		pct := float64(b-a) / float64(a) * 100
		c.DeltaPct = &pct
	}
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func policyTemp(p *model.LLMPolicy) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%g", p.Temperature)
}

func joinList(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// extraStepKind 数量不一致时，较长一侧第一个多出 Step 的类型
func extraStepKind(a, b *model.AgentRecord) string {
	longer := a
	if len(b.Steps) > len(a.Steps) {
		longer = b
	}
	shorter := len(a.Steps)
	if len(b.Steps) < shorter {
		shorter = len(b.Steps)
	}
	if shorter < len(longer.Steps) {
		return string(longer.Steps[shorter].Type)
	}
	return "AGENT"
}

// firstExtraIndex 第一个多出 Step 的 step_index
func firstExtraIndex(a, b *model.AgentRecord) int {
	longer := a
	if len(b.Steps) > len(a.Steps) {
		longer = b
	}
	shorter := len(a.Steps)
	if len(b.Steps) < shorter {
		shorter = len(b.Steps)
	}
	if shorter < len(longer.Steps) {
		return longer.Steps[shorter].StepIndex
	}
	return 0
}
