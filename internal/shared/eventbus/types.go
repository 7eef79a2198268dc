// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// Run 事件类型
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunStopped   = "run_stopped"

	EventAgentStarted = "agent_started"
	EventAgentEnded   = "agent_ended"

	EventStepAppended = "step_appended"
	EventErrorLogged  = "error_logged"

	EventBaselineApproved = "baseline_approved"
	EventReplayStarted    = "replay_started"
)

// RunEvent Run 执行事件
type RunEvent struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"project_id"`
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewRunEvent 创建事件（时间戳取当前 UTC）
func NewRunEvent(projectID, runID, eventType string, payload map[string]interface{}) *RunEvent {
	return &RunEvent{
		ProjectID: projectID,
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// Key 前缀
	KeyRunEvents = "run_events:"

	// Stream 最大长度
	MaxStreamLength = 1000
)
