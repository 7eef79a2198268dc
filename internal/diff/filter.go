package diff

import (
	"fmt"

	"github.com/Big-footer/nexous/internal/shared/model"
)

// ============================================================================
// 内容过滤（--only llm|tool|errors）
//
// 过滤模式下不做 Agent 结构对齐：把整条 Trace 中目标类型的 Step
// 按文档顺序拉平成单一序列，逐位置比较并汇总聚合统计。
// ============================================================================

// Filter 内容过滤种类
type Filter string

const (
	FilterNone   Filter = ""
	FilterLLM    Filter = "llm"
	FilterTool   Filter = "tool"
	FilterErrors Filter = "errors"
)

// ParseFilter 解析 --only 标志取值
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case FilterNone, FilterLLM, FilterTool, FilterErrors:
		return Filter(s), nil
	default:
		return FilterNone, fmt.Errorf("unknown filter %q (expected llm, tool or errors)", s)
	}
}

// SideStats 单侧聚合统计
type SideStats struct {
	Calls          int   `json:"calls"`
	TotalTokens    int   `json:"total_tokens,omitempty"`
	TotalLatencyMS int64 `json:"total_latency_ms,omitempty"`
}

// Aggregates 过滤比较时的两侧聚合与差值
type Aggregates struct {
	Filter   Filter    `json:"filter"`
	Baseline SideStats `json:"baseline"`
	Target   SideStats `json:"target"`

	CallsDelta   int64    `json:"calls_delta"`
	TokensDelta  int64    `json:"tokens_delta,omitempty"`
	LatencyDelta int64    `json:"latency_delta_ms,omitempty"`
	CallsPct     *float64 `json:"calls_pct,omitempty"`
	TokensPct    *float64 `json:"tokens_pct,omitempty"`
	LatencyPct   *float64 `json:"latency_pct,omitempty"`
}

type flatStep struct {
	agentIndex int
	agentID    string
	step       *model.StepRecord
}

func compareFiltered(w *walker, a, b *model.Trace, filter Filter) {
	if filter == FilterErrors {
		compareErrors(w, a, b)
		w.res.Aggregates = &Aggregates{
			Filter:   filter,
			Baseline: SideStats{Calls: len(a.Errors)},
			Target:   SideStats{Calls: len(b.Errors)},
		}
		fillDeltas(w.res.Aggregates)
		return
	}

	stepType := model.StepTypeLLM
	if filter == FilterTool {
		stepType = model.StepTypeTool
	}

	stepsA := flatten(a, stepType)
	stepsB := flatten(b, stepType)

	if len(stepsA) != len(stepsB) {
		w.record(Change{
			Category: CategoryCallCountDiff, Kind: string(stepType), Field: "call_count",
			BaselineValue: fmt.Sprintf("%d", len(stepsA)),
			TargetValue:   fmt.Sprintf("%d", len(stepsB)),
		}, string(filter), fmt.Sprintf("%s call count %d != %d", stepType, len(stepsA), len(stepsB)))
	}

	n := len(stepsA)
	if len(stepsB) < n {
		n = len(stepsB)
	}
	for i := 0; i < n; i++ {
		fa, fb := stepsA[i], stepsB[i]
		loc := fmt.Sprintf("%s call #%d (%s)", filter, i, fa.step.StepID)
		if fa.step.Status != fb.step.Status {
			w.record(Change{
				Category: CategoryStepStatusDiff, Kind: string(stepType),
				AgentIndex: fa.agentIndex, AgentID: fa.agentID, StepIndex: fa.step.StepIndex,
				Field: "status", BaselineValue: string(fa.step.Status), TargetValue: string(fb.step.Status),
			}, loc, fmt.Sprintf("step status %s != %s", fa.step.Status, fb.step.Status))
		}
		compareStepContent(w, fa.agentIndex, fa.agentID, loc, fa.step, fb.step)
	}

	agg := &Aggregates{
		Filter:   filter,
		Baseline: sideStats(stepsA),
		Target:   sideStats(stepsB),
	}
	fillDeltas(agg)
	w.res.Aggregates = agg
}

// flatten 按文档顺序拉平目标类型的 Step
func flatten(t *model.Trace, stepType model.StepType) []flatStep {
	var out []flatStep
	for i := range t.Agents {
		agent := &t.Agents[i]
		for j := range agent.Steps {
			if agent.Steps[j].Type == stepType {
				out = append(out, flatStep{agentIndex: i, agentID: agent.AgentID, step: &agent.Steps[j]})
			}
		}
	}
	return out
}

func sideStats(steps []flatStep) SideStats {
	var s SideStats
	s.Calls = len(steps)
	for _, f := range steps {
		if f.step.LLM != nil {
			s.TotalTokens += f.step.LLM.Tokens.Total
		}
		s.TotalLatencyMS += f.step.LatencyMS()
	}
	return s
}

// fillDeltas 计算有符号差值与百分比；基线为 0 时只报绝对值
func fillDeltas(a *Aggregates) {
	a.CallsDelta = int64(a.Target.Calls - a.Baseline.Calls)
	a.TokensDelta = int64(a.Target.TotalTokens - a.Baseline.TotalTokens)
	a.LatencyDelta = a.Target.TotalLatencyMS - a.Baseline.TotalLatencyMS
	a.CallsPct = pct(int64(a.Baseline.Calls), int64(a.Target.Calls))
	a.TokensPct = pct(int64(a.Baseline.TotalTokens), int64(a.Target.TotalTokens))
	a.LatencyPct = pct(a.Baseline.TotalLatencyMS, a.Target.TotalLatencyMS)
}

func pct(a, b int64) *float64 {
	if a == 0 {
		return nil
	}
	p := float64(b-a) / float64(a) * 100
	return &p
}
