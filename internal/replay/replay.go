// Package replay Trace 重放
//
// 两种模式：
//   - DRY：只读走查 Trace，确定性地产出执行时间线，
//     不触发任何执行，也不创建新 Trace；能加载就能走查，
//     未封存的 Trace 在结果上标记 in_flight
//   - FULL：从配置快照重建项目定义并真正重新执行，
//     产出一个带派生 run_id 的全新 Run（源 Trace 必须已封存）
//
// FULL 模式的派生 run_id 形如 replay_{orig}_{unix_ts}，创建前
// 做冲突检查，必要时追加序号后缀。原 Trace 永不被改写。
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/Big-footer/nexous/internal/engine"
	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/pkg/logging"
)

// Mode 重放模式
type Mode string

const (
	ModeDry  Mode = "DRY"
	ModeFull Mode = "FULL"
)

// ParseMode 解析 --mode 标志取值
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "dry", "DRY":
		return ModeDry, nil
	case "full", "FULL":
		return ModeFull, nil
	default:
		return ModeDry, fmt.Errorf("unknown replay mode %q (expected dry or full)", s)
	}
}

// TimelineEntry 时间线上的一条记录
type TimelineEntry struct {
	AgentID   string `json:"agent_id"`
	StepIndex int    `json:"step_index"`
	StepID    string `json:"step_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Stats 重放统计
type Stats struct {
	Agents     int `json:"agents"`
	Steps      int `json:"steps"`
	LLMCalls   int `json:"llm_calls"`
	ToolCalls  int `json:"tool_calls"`
	Errors     int `json:"errors"`
	TotalToken int `json:"total_tokens"`
}

// Result 重放结果
type Result struct {
	Mode      Mode   `json:"mode"`
	ProjectID string `json:"project_id"`
	SourceRun string `json:"source_run"`
	// NewRun FULL 模式下新建 Run 的 run_id
	NewRun string          `json:"new_run,omitempty"`
	Status model.RunStatus `json:"status"`
	// InFlight DRY 模式下源 Run 尚未封存：时间线只是进行中的快照
	InFlight bool `json:"in_flight,omitempty"`

	Timeline []TimelineEntry `json:"timeline"`
	Stats    Stats           `json:"stats"`
}

// Config 重放器依赖配置
type Config struct {
	Store  storage.TraceStore
	Index  storage.RunIndex
	Engine *engine.Engine

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Replayer Trace 重放器
type Replayer struct {
	store   storage.TraceStore
	index   storage.RunIndex
	engine  *engine.Engine
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New 创建重放器
func New(cfg Config) *Replayer {
	log := cfg.Logger
	if log == nil {
		log = logging.Default("replay")
	}
	return &Replayer{
		store:   cfg.Store,
		index:   cfg.Index,
		engine:  cfg.Engine,
		log:     log,
		metrics: cfg.Metrics,
	}
}

// Dry 只读走查 Trace
//
// 能加载就能走查：未封存的 Trace 同样合法，结果标记 InFlight，
// 告知调用方时间线只是进行中的快照。相同的已封存 Trace 永远
// 产出相同的时间线。失败路径不产生任何写入。
func (r *Replayer) Dry(ctx context.Context, projectID, runID string) (*Result, error) {
	begin := time.Now()

	trace, err := r.store.Read(ctx, projectID, runID)
	if err != nil {
		r.metrics.ObserveReplay(string(ModeDry), "error", time.Since(begin))
		return nil, err
	}

	res := &Result{
		Mode:      ModeDry,
		ProjectID: projectID,
		SourceRun: runID,
		Status:    trace.Status,
		InFlight:  !trace.Status.IsTerminal(),
		Timeline:  buildTimeline(trace),
		Stats:     buildStats(trace),
	}

	r.metrics.ObserveReplay(string(ModeDry), "ok", time.Since(begin))
	r.log.WithProjectID(projectID).WithRunID(runID).
		Info("Dry replay完成", "steps", res.Stats.Steps, "in_flight", res.InFlight)
	return res, nil
}

// Full 从快照重建项目并重新执行
//
// 返回新 Run 的结果；引擎失败时新 Trace 同样被封存为 FAILED，
// 结果与错误一起返回。
func (r *Replayer) Full(ctx context.Context, projectID, runID string, useLLM bool) (*Result, error) {
	begin := time.Now()
	fail := func(err error) (*Result, error) {
		r.metrics.ObserveReplay(string(ModeFull), "error", time.Since(begin))
		return nil, err
	}

	source, err := r.store.Read(ctx, projectID, runID)
	if err != nil {
		return fail(err)
	}
	if !source.Status.IsTerminal() {
		return fail(fmt.Errorf("run %s is %s: %w", runID, source.Status, storage.ErrTraceNotSealed))
	}

	snap, err := r.store.ReadSnapshot(ctx, projectID, runID)
	if err != nil {
		return fail(err)
	}
	def := snap.Project
	if err := def.Validate(); err != nil {
		return fail(fmt.Errorf("snapshot for run %s: %w", runID, err))
	}

	newID, err := r.deriveRunID(ctx, projectID, runID, time.Now())
	if err != nil {
		return fail(err)
	}

	r.log.WithProjectID(projectID).WithRunID(newID).
		Info("Full replay started", "source_run", runID, "use_llm", useLLM)

	trace, execErr := r.engine.ExecuteProject(ctx, &def, engine.RunOptions{
		RunID:  newID,
		UseLLM: useLLM,
	})
	if trace == nil {
		return fail(execErr)
	}

	res := &Result{
		Mode:      ModeFull,
		ProjectID: projectID,
		SourceRun: runID,
		NewRun:    newID,
		Status:    trace.Status,
		Timeline:  buildTimeline(trace),
		Stats:     buildStats(trace),
	}

	outcome := "ok"
	if execErr != nil {
		outcome = "error"
	}
	r.metrics.ObserveReplay(string(ModeFull), outcome, time.Since(begin))
	return res, execErr
}

// deriveRunID 生成派生 run_id 并做冲突检查
func (r *Replayer) deriveRunID(ctx context.Context, projectID, sourceRun string, now time.Time) (string, error) {
	base := fmt.Sprintf("replay_%s_%d", sourceRun, now.Unix())

	candidate := base
	for i := 1; ; i++ {
		taken, err := r.taken(ctx, projectID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

func (r *Replayer) taken(ctx context.Context, projectID, runID string) (bool, error) {
	if r.index != nil {
		exists, err := r.index.Exists(ctx, projectID, runID)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	if _, err := r.store.Read(ctx, projectID, runID); err == nil {
		return true, nil
	}
	return false, nil
}

// buildTimeline 按文档顺序展开 Trace 为时间线
func buildTimeline(t *model.Trace) []TimelineEntry {
	var out []TimelineEntry
	for i := range t.Agents {
		agent := &t.Agents[i]
		for j := range agent.Steps {
			step := &agent.Steps[j]
			out = append(out, TimelineEntry{
				AgentID:   agent.AgentID,
				StepIndex: step.StepIndex,
				StepID:    step.StepID,
				Type:      string(step.Type),
				Status:    string(step.Status),
				Detail:    stepDetail(step),
			})
		}
	}
	return out
}

func stepDetail(step *model.StepRecord) string {
	switch step.Type {
	case model.StepTypeLLM:
		if step.LLM != nil {
			return fmt.Sprintf("%s/%s tokens=%d latency=%dms",
				step.LLM.Provider, step.LLM.Model, step.LLM.Tokens.Total, step.LLM.LatencyMS)
		}
	case model.StepTypeTool:
		if step.Tool != nil {
			return fmt.Sprintf("%s latency=%dms", step.Tool.ToolName, step.Tool.LatencyMS)
		}
	}
	if step.Error != "" {
		return step.Error
	}
	return ""
}

func buildStats(t *model.Trace) Stats {
	s := Stats{
		Agents: len(t.Agents),
		Errors: len(t.Errors),
	}
	for i := range t.Agents {
		for j := range t.Agents[i].Steps {
			step := &t.Agents[i].Steps[j]
			s.Steps++
			switch step.Type {
			case model.StepTypeLLM:
				s.LLMCalls++
				if step.LLM != nil {
					s.TotalToken += step.LLM.Tokens.Total
				}
			case model.StepTypeTool:
				s.ToolCalls++
			}
		}
	}
	return s
}
