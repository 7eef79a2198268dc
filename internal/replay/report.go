package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Big-footer/nexous/internal/shared/model"
)

// ============================================================================
// 报告渲染与 GUI 载荷
// ============================================================================

// PayloadSummary GUI 载荷的摘要块
type PayloadSummary struct {
	Mode      Mode            `json:"mode"`
	ProjectID string          `json:"project_id"`
	SourceRun string          `json:"source_run"`
	NewRun    string          `json:"new_run,omitempty"`
	Status    model.RunStatus `json:"status"`
	InFlight  bool            `json:"in_flight,omitempty"`
	Stats     Stats           `json:"stats"`
}

// Payload 供 GUI 消费的重放载荷
type Payload struct {
	OK       bool            `json:"ok"`
	Mode     Mode            `json:"mode"`
	Summary  PayloadSummary  `json:"summary"`
	Timeline []TimelineEntry `json:"timeline"`
	Report   string          `json:"report"`
	Error    string          `json:"error,omitempty"`
}

// ForGUI 把重放结果包装为 GUI 载荷
func ForGUI(res *Result, execErr error) *Payload {
	p := &Payload{
		OK:   execErr == nil,
		Mode: res.Mode,
		Summary: PayloadSummary{
			Mode:      res.Mode,
			ProjectID: res.ProjectID,
			SourceRun: res.SourceRun,
			NewRun:    res.NewRun,
			Status:    res.Status,
			InFlight:  res.InFlight,
			Stats:     res.Stats,
		},
		Timeline: res.Timeline,
		Report:   Render(res),
	}
	if execErr != nil {
		p.Error = execErr.Error()
	}
	return p
}

// MarshalPayload 序列化 GUI 载荷为缩进 JSON
func MarshalPayload(p *Payload) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Render 渲染人类可读的时间线报告
func Render(res *Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Replay (%s): %s\n", res.Mode, res.SourceRun)
	if res.NewRun != "" {
		fmt.Fprintf(&b, "New run: %s\n", res.NewRun)
	}
	fmt.Fprintf(&b, "Project: %s\n", res.ProjectID)
	fmt.Fprintf(&b, "Status: %s\n", res.Status)
	if res.InFlight {
		b.WriteString("Note: run is still in progress; timeline reflects a snapshot in flight\n")
	}
	fmt.Fprintf(&b, "Agents: %d  Steps: %d  LLM: %d  Tools: %d  Errors: %d  Tokens: %d\n",
		res.Stats.Agents, res.Stats.Steps, res.Stats.LLMCalls,
		res.Stats.ToolCalls, res.Stats.Errors, res.Stats.TotalToken)

	b.WriteString("Timeline:\n")
	for _, e := range res.Timeline {
		line := fmt.Sprintf("  [%3d] %-28s %-7s %-7s", e.StepIndex, e.StepID, e.Type, e.Status)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
