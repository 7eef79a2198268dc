// Package tracefs 基于文件系统的 Trace 文档存储
//
// handle.go 实现单个 Run 的写入句柄：
// Step 追加在句柄内加锁串行化，保证 step_index 在整个文档内严格递增。
package tracefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
)

// Handle 一次 Run 的写入句柄
type Handle struct {
	store *Store
	key   string

	mu        sync.Mutex
	trace     *model.Trace
	agents    map[string]int                   // agent_id -> trace.Agents 下标
	counters  map[string]map[model.StepType]int // agent_id -> step 类型计数（step_id 编号用）
	nextIndex int
	sealed    bool
}

var _ storage.WriteHandle = (*Handle)(nil)

// RunID 返回 run_id
func (h *Handle) RunID() string { return h.trace.RunID }

// ProjectID 返回 project_id
func (h *Handle) ProjectID() string { return h.trace.ProjectID }

// StartAgent 注册并启动一个 Agent
func (h *Handle) StartAgent(agentID, preset, purpose string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	if _, dup := h.agents[agentID]; dup {
		return fmt.Errorf("agent %s already started: %w", agentID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	h.trace.Agents = append(h.trace.Agents, model.AgentRecord{
		AgentID:   agentID,
		Preset:    preset,
		Purpose:   purpose,
		Status:    model.AgentStatusRunning,
		StartedAt: &now,
		Steps:     []model.StepRecord{},
	})
	h.agents[agentID] = len(h.trace.Agents) - 1
	h.counters[agentID] = make(map[model.StepType]int)

	if err := h.save(); err != nil {
		return err
	}
	h.store.log.Debug("Agent started", "run_id", h.trace.RunID, "agent_id", agentID, "preset", preset)
	return nil
}

// EndAgent 结束 Agent 并记录最终状态
func (h *Handle) EndAgent(agentID string, status model.AgentStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	idx, ok := h.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, storage.ErrUnknownAgent)
	}
	if !status.Valid() {
		return fmt.Errorf("agent %s: invalid status %q: %w", agentID, status, storage.ErrCorruptTrace)
	}

	now := time.Now().UTC()
	h.trace.Agents[idx].Status = status
	h.trace.Agents[idx].EndedAt = &now

	if err := h.save(); err != nil {
		return err
	}
	h.store.log.Debug("Agent ended", "run_id", h.trace.RunID, "agent_id", agentID, "status", string(status))
	return nil
}

// AppendStep 向指定 Agent 追加 Step
//
// step_index 与 step_id 由句柄分配；
// 输入/输出摘要在此截断到 model.SummaryMaxLen。
func (h *Handle) AppendStep(agentID string, step model.StepRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	idx, ok := h.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, storage.ErrUnknownAgent)
	}

	step.StepIndex = h.nextIndex
	step.StepID = h.stepID(agentID, &step)
	h.stampTimes(&step)
	truncateStep(&step)

	if err := step.Validate(); err != nil {
		return fmt.Errorf("agent %s: %v: %w", agentID, err, storage.ErrCorruptTrace)
	}

	h.trace.Agents[idx].Steps = append(h.trace.Agents[idx].Steps, step)
	h.nextIndex++

	if err := h.save(); err != nil {
		return err
	}

	h.store.metrics.ObserveStep(string(step.Type))
	h.store.log.StepLog(h.trace.RunID, agentID, step.StepID, string(step.Type), string(step.Status))
	return nil
}

// LogError 追加错误记录
func (h *Handle) LogError(rec model.ErrorRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	h.trace.Errors = append(h.trace.Errors, rec)
	h.trace.Execution.RetryCount++
	return h.save()
}

// RegisterArtifact 登记产物
func (h *Handle) RegisterArtifact(artifact model.Artifact) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	if artifact.CreatedAt == nil {
		now := time.Now().UTC()
		artifact.CreatedAt = &now
	}
	h.trace.Artifacts = append(h.trace.Artifacts, artifact)
	return h.save()
}

// Seal 封存 Trace
//
// 唯一能把 status 转移到终态的路径。计算 duration_ms 与 summary，
// 写入文档后句柄失效，后续写入返回 ErrTraceSealed。
func (h *Handle) Seal(finalStatus model.RunStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return fmt.Errorf("run %s: %w", h.key, storage.ErrTraceSealed)
	}
	if !finalStatus.IsTerminal() {
		return fmt.Errorf("seal requires a terminal status, got %q: %w", finalStatus, storage.ErrCorruptTrace)
	}

	begin := time.Now()
	now := time.Now().UTC()
	h.trace.Status = finalStatus
	h.trace.EndedAt = &now
	if h.trace.StartedAt != nil {
		d := now.Sub(*h.trace.StartedAt).Milliseconds()
		h.trace.DurationMS = &d
	}
	h.trace.Aggregate()

	if err := h.save(); err != nil {
		return err
	}
	h.sealed = true

	h.store.mu.Lock()
	delete(h.store.open, h.key)
	h.store.mu.Unlock()

	h.store.metrics.ObserveSeal(string(finalStatus), time.Since(begin))
	h.store.log.Info("Run sealed",
		"project_id", h.trace.ProjectID, "run_id", h.trace.RunID, "status", string(finalStatus))
	return nil
}

// ============================================================================
// 内部方法
// ============================================================================

// stepID 按原始命名约定生成 step_id
//
//	INPUT  → <agent>.input
//	OUTPUT → <agent>.output
//	LLM    → <agent>.llm_NN
//	TOOL   → <agent>.tool_<name>
func (h *Handle) stepID(agentID string, step *model.StepRecord) string {
	switch step.Type {
	case model.StepTypeInput:
		return agentID + ".input"
	case model.StepTypeOutput:
		return agentID + ".output"
	case model.StepTypeLLM:
		h.counters[agentID][model.StepTypeLLM]++
		return fmt.Sprintf("%s.llm_%02d", agentID, h.counters[agentID][model.StepTypeLLM])
	case model.StepTypeTool:
		name := "unknown"
		if step.Tool != nil && step.Tool.ToolName != "" {
			name = step.Tool.ToolName
		}
		return agentID + ".tool_" + name
	}
	return agentID + "." + string(step.Type)
}

// stampTimes 补齐缺失的时间戳
func (h *Handle) stampTimes(step *model.StepRecord) {
	now := time.Now().UTC()
	switch step.Type {
	case model.StepTypeInput, model.StepTypeOutput:
		if step.Timestamp == nil {
			step.Timestamp = &now
		}
	case model.StepTypeLLM, model.StepTypeTool:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		if step.EndedAt == nil {
			step.EndedAt = &now
		}
	}
}

// truncateStep 截断摘要字段
func truncateStep(step *model.StepRecord) {
	if step.LLM != nil {
		step.LLM.InputSummary = model.TruncateSummary(step.LLM.InputSummary)
		step.LLM.OutputSummary = model.TruncateSummary(step.LLM.OutputSummary)
	}
	if step.Tool != nil {
		step.Tool.InputSummary = model.TruncateSummary(step.Tool.InputSummary)
		step.Tool.OutputSummary = model.TruncateSummary(step.Tool.OutputSummary)
	}
}

// save 原子写入 trace.json
func (h *Handle) save() error {
	path := h.store.TracePath(h.trace.ProjectID, h.trace.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("tracefs: create run dir: %w", err)
	}
	data, err := json.MarshalIndent(h.trace, "", "  ")
	if err != nil {
		return fmt.Errorf("tracefs: marshal trace: %w", err)
	}
	if err := atomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("tracefs: write trace: %w", err)
	}
	return nil
}
