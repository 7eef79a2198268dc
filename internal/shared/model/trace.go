// Package model 定义核心数据模型
//
// trace.go 包含执行记录相关的数据模型定义：
//   - Trace：一次 Run 的完整执行记录（trace.json v1.0）
//   - AgentRecord：单个 Agent 的执行记录
//   - ErrorRecord：执行错误记录
//   - Summary：执行汇总统计
package model

import (
	"fmt"
	"time"
)

// TraceVersion 当前 trace.json 的 schema 版本
const TraceVersion = "1.0"

// SummaryMaxLen Step 输入/输出摘要的最大长度（字符数）
//
// 摘要只用于展示和比对，截断以约束内存和显示成本。
const SummaryMaxLen = 200

// ============================================================================
// RunStatus - Run 执行状态
// ============================================================================

// RunStatus 表示一次 Run 的状态
//
// 状态转移：
//
//	CREATED → RUNNING → COMPLETED / FAILED / STOPPED
//
// 终态（COMPLETED / FAILED / STOPPED）之后 Trace 不可变，
// 任何追加写入都会被存储层拒绝。
type RunStatus string

const (
	// RunStatusCreated 已创建：Trace 文档已建立，尚未开始执行
	RunStatusCreated RunStatus = "CREATED"

	// RunStatusRunning 执行中
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusCompleted 已完成（终态）
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed 已失败（终态）
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusStopped 已停止：协作式取消后封存（终态）
	RunStatusStopped RunStatus = "STOPPED"
)

// IsTerminal 判断是否为终态
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// Valid 判断状态值是否合法
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// ============================================================================
// AgentStatus - Agent 执行状态
// ============================================================================

// AgentStatus 表示 Trace 中单个 Agent 的状态
//
// 状态转移：
//
//	IDLE → RUNNING → COMPLETED / FAILED / SKIPPED
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "IDLE"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusFailed    AgentStatus = "FAILED"
	AgentStatusSkipped   AgentStatus = "SKIPPED"
)

// Valid 判断状态值是否合法
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusCompleted, AgentStatusFailed, AgentStatusSkipped:
		return true
	default:
		return false
	}
}

// ============================================================================
// Trace - 执行记录文档
// ============================================================================

// Trace 表示一次 Run 的完整执行记录（trace.json）
//
// Trace 是执行引擎的"黑匣子"产物：
//   - 每个 Run 对应一个 JSON 文档，路径按 {project_id}/{run_id} 确定
//   - 追加写入只能通过存储层进行，status 进入终态后文档不可变
//   - Diff / Replay 均以 Trace 为唯一输入
//
// 字段说明：
//   - TraceVersion：schema 版本（当前 "1.0"）
//   - RunID：Run 唯一标识（项目内唯一，写入后不可变）
//   - Status：执行状态，终态后封存
//   - Execution：执行模式与重试计数
//   - Agents：按执行顺序排列的 Agent 记录
//   - Errors：按发生顺序排列的错误记录
//   - Summary：封存时计算的汇总统计
type Trace struct {
	TraceVersion string         `json:"trace_version"`
	ProjectID    string         `json:"project_id"`
	RunID        string         `json:"run_id"`
	Status       RunStatus      `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	Execution    Execution      `json:"execution"`
	Agents       []AgentRecord  `json:"agents"`
	Artifacts    []Artifact     `json:"artifacts"`
	Errors       []ErrorRecord  `json:"errors"`
	Summary      Summary        `json:"summary"`
}

// Execution 执行元信息
type Execution struct {
	// Mode 执行模式（sequential / parallel，当前仅 sequential）
	Mode string `json:"mode"`

	// RetryCount 错误记录触发的重试计数
	RetryCount int `json:"retry_count"`
}

// AgentRecord 单个 Agent 的执行记录
type AgentRecord struct {
	AgentID   string       `json:"agent_id"`
	Preset    string       `json:"preset"`
	Purpose   string       `json:"purpose"`
	Status    AgentStatus  `json:"status"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Steps     []StepRecord `json:"steps"`
}

// Artifact Agent 执行产生的产物记录
type Artifact struct {
	ArtifactID string     `json:"artifact_id"`
	Type       string     `json:"type"`
	Path       string     `json:"path"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// ErrorRecord 执行错误记录
type ErrorRecord struct {
	AgentID     string    `json:"agent_id"`
	StepID      string    `json:"step_id"`
	Type        string    `json:"error_type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Summary 执行汇总统计（封存时由存储层计算）
type Summary struct {
	TotalAgents     int `json:"total_agents"`
	CompletedAgents int `json:"completed_agents"`
	FailedAgents    int `json:"failed_agents"`
	TotalLLMCalls   int `json:"total_llm_calls"`
	TotalToolCalls  int `json:"total_tool_calls"`
	TotalTokens     int `json:"total_tokens"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsTerminal 判断 Trace 是否已封存
func (t *Trace) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// FindAgent 按 agent_id 查找 Agent 记录
func (t *Trace) FindAgent(agentID string) *AgentRecord {
	for i := range t.Agents {
		if t.Agents[i].AgentID == agentID {
			return &t.Agents[i]
		}
	}
	return nil
}

// StepCount 返回全部 Agent 的 Step 总数
func (t *Trace) StepCount() int {
	n := 0
	for i := range t.Agents {
		n += len(t.Agents[i].Steps)
	}
	return n
}

// Aggregate 重新计算 Summary
//
// 封存路径调用；duration 由调用方（存储层）传入，
// 因为只有存储层知道权威的开始/结束时间。
func (t *Trace) Aggregate() {
	s := Summary{TotalAgents: len(t.Agents)}

	for i := range t.Agents {
		a := &t.Agents[i]
		switch a.Status {
		case AgentStatusCompleted:
			s.CompletedAgents++
		case AgentStatusFailed:
			s.FailedAgents++
		}
		for j := range a.Steps {
			step := &a.Steps[j]
			switch step.Type {
			case StepTypeLLM:
				s.TotalLLMCalls++
				if step.LLM != nil {
					s.TotalTokens += step.LLM.Tokens.Total
				}
			case StepTypeTool:
				s.TotalToolCalls++
			}
		}
	}

	if t.DurationMS != nil {
		s.TotalDurationMS = *t.DurationMS
	}
	t.Summary = s
}

// Validate 校验 Trace 文档的 schema 一致性
//
// JSON 能解析但违反以下任一规则时视为 CorruptTrace：
//   - trace_version / run_id / project_id 缺失
//   - status 值非法
//   - step_index 未在整个文档内严格递增
//   - Step 的 type/status 非法，或变体负载与 type 不匹配
//   - errors 引用了 agents 中不存在的 agent_id
func (t *Trace) Validate() error {
	if t.TraceVersion == "" {
		return fmt.Errorf("missing trace_version")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("missing project_id")
	}
	if t.RunID == "" {
		return fmt.Errorf("missing run_id")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}

	lastIndex := -1
	seen := make(map[string]bool, len(t.Agents))
	for i := range t.Agents {
		a := &t.Agents[i]
		if a.AgentID == "" {
			return fmt.Errorf("agent #%d: missing agent_id", i)
		}
		if seen[a.AgentID] {
			return fmt.Errorf("agent #%d: duplicate agent_id %q", i, a.AgentID)
		}
		seen[a.AgentID] = true
		if !a.Status.Valid() {
			return fmt.Errorf("agent %s: invalid status %q", a.AgentID, a.Status)
		}
		for j := range a.Steps {
			step := &a.Steps[j]
			if err := step.Validate(); err != nil {
				return fmt.Errorf("agent %s step #%d: %w", a.AgentID, j, err)
			}
			if step.StepIndex <= lastIndex {
				return fmt.Errorf("agent %s step %s: step_index %d not monotonically increasing (last %d)",
					a.AgentID, step.StepID, step.StepIndex, lastIndex)
			}
			lastIndex = step.StepIndex
		}
	}

	for i := range t.Errors {
		e := &t.Errors[i]
		// runner 级别错误允许不挂在具体 Agent 上
		if e.AgentID == "" || e.AgentID == "runner" {
			continue
		}
		if !seen[e.AgentID] {
			return fmt.Errorf("error #%d references unknown agent %q", i, e.AgentID)
		}
	}

	return nil
}

// TruncateSummary 将摘要截断到 SummaryMaxLen
func TruncateSummary(s string) string {
	r := []rune(s)
	if len(r) <= SummaryMaxLen {
		return s
	}
	return string(r[:SummaryMaxLen])
}
