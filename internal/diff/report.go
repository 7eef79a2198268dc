package diff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// 报告渲染与 GUI 载荷
// ============================================================================

// ShowMode 报告详情量
type ShowMode string

const (
	// ShowFirst 只展示首个分歧点（默认）
	ShowFirst ShowMode = "first"
	// ShowAll 展示全部差异
	ShowAll ShowMode = "all"
)

// ParseShowMode 解析 --show 标志取值
func ParseShowMode(s string) (ShowMode, error) {
	switch ShowMode(s) {
	case "", ShowFirst:
		return ShowFirst, nil
	case ShowAll:
		return ShowAll, nil
	default:
		return ShowFirst, fmt.Errorf("unknown show mode %q (expected first or all)", s)
	}
}

// PayloadSummary GUI 载荷的摘要块
type PayloadSummary struct {
	BaselineRun     string      `json:"baseline_run"`
	TargetRun       string      `json:"target_run"`
	Status          Status      `json:"status"`
	FirstDivergence *Divergence `json:"first_divergence"`
	Counts          Counts      `json:"counts"`
}

// Payload 供 GUI 消费的完整比对载荷
type Payload struct {
	OK      bool           `json:"ok"`
	Summary PayloadSummary `json:"summary"`
	Changes []Change       `json:"changes"`
	Report  string         `json:"report"`
	Error   string         `json:"error,omitempty"`
}

// ForGUI 把比对结果包装为 GUI 载荷
//
// show 控制 changes 数组与文本报告的详情量；FAILED 时 ok=false
// 并附加错误信息。
func ForGUI(res *Result, show ShowMode) *Payload {
	p := &Payload{
		OK: res.Status != StatusFailed,
		Summary: PayloadSummary{
			BaselineRun:     res.BaselineRun,
			TargetRun:       res.TargetRun,
			Status:          res.Status,
			FirstDivergence: res.FirstDivergence,
			Counts:          res.Counts,
		},
		Changes: res.Changes,
		Report:  Render(res, show),
		Error:   res.LoadError,
	}
	if show == ShowFirst && len(res.Changes) > 1 {
		p.Changes = res.Changes[:1]
	}
	return p
}

// MarshalPayload 序列化 GUI 载荷为缩进 JSON
func MarshalPayload(p *Payload) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Render 渲染人类可读的文本报告
func Render(res *Result, show ShowMode) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Diff: %s vs %s\n", res.BaselineRun, res.TargetRun)
	fmt.Fprintf(&b, "Status: %s\n", res.Status)

	if res.Status == StatusFailed {
		fmt.Fprintf(&b, "Error: %s\n", res.LoadError)
		return b.String()
	}

	if res.Aggregates != nil {
		renderAggregates(&b, res.Aggregates)
	}

	if res.Status == StatusIdentical {
		b.WriteString("No differences found.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Changes: %d total (llm=%d tool=%d errors=%d)\n",
		res.Counts.Total, res.Counts.LLM, res.Counts.Tool, res.Counts.Errors)

	if res.FirstDivergence != nil {
		d := res.FirstDivergence
		fmt.Fprintf(&b, "First divergence: [%s] %s — %s\n", d.Type, d.Location, d.Message)
	}

	changes := res.Changes
	if show == ShowFirst && len(changes) > 1 {
		changes = changes[:1]
	}
	for _, c := range changes {
		line := fmt.Sprintf("  [%s] %s: %s -> %s", c.Category, c.Field, c.BaselineValue, c.TargetValue)
		if c.Delta != nil {
			line += fmt.Sprintf(" (%+d", *c.Delta)
			if c.DeltaPct != nil {
				line += fmt.Sprintf(", %+.1f%%", *c.DeltaPct)
			}
			line += ")"
		}
		b.WriteString(line + "\n")
	}
	if show == ShowFirst && len(res.Changes) > 1 {
		fmt.Fprintf(&b, "  ... %d more (use --show all)\n", len(res.Changes)-1)
	}
	return b.String()
}

func renderAggregates(b *strings.Builder, a *Aggregates) {
	fmt.Fprintf(b, "Filter: %s\n", a.Filter)
	fmt.Fprintf(b, "  calls: %d -> %d (%s)\n", a.Baseline.Calls, a.Target.Calls, fmtDelta(a.CallsDelta, a.CallsPct))
	if a.Filter == FilterLLM {
		fmt.Fprintf(b, "  tokens: %d -> %d (%s)\n", a.Baseline.TotalTokens, a.Target.TotalTokens, fmtDelta(a.TokensDelta, a.TokensPct))
	}
	if a.Filter != FilterErrors {
		fmt.Fprintf(b, "  latency_ms: %d -> %d (%s)\n", a.Baseline.TotalLatencyMS, a.Target.TotalLatencyMS, fmtDelta(a.LatencyDelta, a.LatencyPct))
	}
}

func fmtDelta(delta int64, pctPtr *float64) string {
	if pctPtr == nil {
		return fmt.Sprintf("%+d", delta)
	}
	return fmt.Sprintf("%+d, %+.1f%%", delta, *pctPtr)
}
