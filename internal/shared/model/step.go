// Package model 定义核心数据模型
//
// step.go 包含 Step 相关的数据模型定义：
//   - StepRecord：带类型标签的 Step 记录（INPUT / LLM / TOOL / OUTPUT）
//   - LLMCall / ToolCall / IOPayload：各类型的专属负载
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// StepType / StepStatus
// ============================================================================

// StepType Step 类型
type StepType string

const (
	StepTypeInput  StepType = "INPUT"
	StepTypeLLM    StepType = "LLM"
	StepTypeTool   StepType = "TOOL"
	StepTypeOutput StepType = "OUTPUT"
)

// Valid 判断类型值是否合法
func (t StepType) Valid() bool {
	switch t {
	case StepTypeInput, StepTypeLLM, StepTypeTool, StepTypeOutput:
		return true
	default:
		return false
	}
}

// StepStatus Step 状态
type StepStatus string

const (
	StepStatusOK      StepStatus = "OK"
	StepStatusError   StepStatus = "ERROR"
	StepStatusRunning StepStatus = "RUNNING"
)

// Valid 判断状态值是否合法
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusOK, StepStatusError, StepStatusRunning:
		return true
	default:
		return false
	}
}

// ============================================================================
// StepRecord - Step 记录（按 Type 区分变体）
// ============================================================================

// StepRecord 表示 Agent 执行中的一个原子动作
//
// StepRecord 是按 Type 标签区分的变体类型：
//   - LLM   → LLM 字段必填，Tool/Payload 必须为空
//   - TOOL  → Tool 字段必填，LLM/Payload 必须为空
//   - INPUT / OUTPUT → Payload 字段必填，LLM/Tool 必须为空
//
// 各变体字段显式建模而非开放 map，
// 保证 Diff 的字段级比较是穷举且可静态检查的。
//
// StepIndex 在整个 Trace 内全局严格递增（跨 Agent），
// 是 Diff 和 Replay 使用的全局排序键。
// StepID 保留人类可读的命名（如 planner.llm_01、executor.tool_swmm）。
type StepRecord struct {
	StepIndex int        `json:"step_index"`
	StepID    string     `json:"step_id"`
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`

	// INPUT/OUTPUT 使用单时间戳，LLM/TOOL 使用起止时间
	Timestamp *time.Time `json:"timestamp,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	LLM     *LLMCall   `json:"llm,omitempty"`
	Tool    *ToolCall  `json:"tool,omitempty"`
	Payload *IOPayload `json:"payload_summary,omitempty"`

	// Error Step 失败时的错误信息（含执行引擎上报的超时）
	Error string `json:"error,omitempty"`
}

// TokenUsage LLM 调用的 token 使用量
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// LLMPolicy LLM 调用时的策略快照
type LLMPolicy struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// LLMCall LLM 类型 Step 的负载
type LLMCall struct {
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Attempt       int        `json:"attempt"`
	Tokens        TokenUsage `json:"tokens"`
	LatencyMS     int64      `json:"latency_ms"`
	InputSummary  string     `json:"input_summary,omitempty"`
	OutputSummary string     `json:"output_summary,omitempty"`
	Policy        *LLMPolicy `json:"policy,omitempty"`
}

// ToolCall TOOL 类型 Step 的负载
type ToolCall struct {
	ToolName      string `json:"tool_name"`
	InputSummary  string `json:"input_summary,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
}

// IOPayload INPUT/OUTPUT 类型 Step 的负载
//
// 只记录键/形状摘要，不记录完整内容。
type IOPayload struct {
	Context         []string `json:"context,omitempty"`
	PreviousResults []string `json:"previous_results,omitempty"`
	OutputKeys      []string `json:"output_keys,omitempty"`
	ArtifactIDs     []string `json:"artifact_ids,omitempty"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// Validate 校验 Step 的类型标签与变体负载的一致性
func (s *StepRecord) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("invalid step type %q", s.Type)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid step status %q", s.Status)
	}
	if s.StepIndex < 0 {
		return fmt.Errorf("negative step_index %d", s.StepIndex)
	}

	switch s.Type {
	case StepTypeLLM:
		if s.LLM == nil {
			return fmt.Errorf("LLM step missing llm payload")
		}
		if s.Tool != nil || s.Payload != nil {
			return fmt.Errorf("LLM step carries foreign payload")
		}
	case StepTypeTool:
		if s.Tool == nil {
			return fmt.Errorf("TOOL step missing tool payload")
		}
		if s.LLM != nil || s.Payload != nil {
			return fmt.Errorf("TOOL step carries foreign payload")
		}
	case StepTypeInput, StepTypeOutput:
		if s.Payload == nil {
			return fmt.Errorf("%s step missing payload_summary", s.Type)
		}
		if s.LLM != nil || s.Tool != nil {
			return fmt.Errorf("%s step carries foreign payload", s.Type)
		}
	}
	return nil
}

// LatencyMS 返回 Step 的耗时（无耗时语义的类型返回 0）
func (s *StepRecord) LatencyMS() int64 {
	switch s.Type {
	case StepTypeLLM:
		if s.LLM != nil {
			return s.LLM.LatencyMS
		}
	case StepTypeTool:
		if s.Tool != nil {
			return s.Tool.LatencyMS
		}
	}
	return 0
}
