// Package model 定义核心数据模型
//
// baseline.go 包含基线相关的数据模型定义：
//   - Approval：approval.json（随 Trace 存放的审批元数据）
//   - BaselineDeclaration：baseline.yaml（每项目一份、纳入版本控制）
//   - BaselinePolicy：基线策略开关
package model

import "time"

// ApprovalSchemaVersion approval.json 的 schema 版本
const ApprovalSchemaVersion = "1.0"

// ============================================================================
// Approval - 审批元数据（approval.json）
// ============================================================================

// Approval 表示一条基线审批记录
//
// 由显式的 approve 动作一次性创建，创建后文件权限置为只读（0444）。
// Lock=true 是永久不变量：任何代码路径都不得把它改回 false。
type Approval struct {
	Baseline      bool      `json:"baseline"`
	Project       string    `json:"project"`
	ApprovedBy    string    `json:"approved_by"`
	ApprovedAt    time.Time `json:"approved_at"`
	Reason        string    `json:"reason"`
	EngineVersion string    `json:"engine_version"`
	Lock          bool      `json:"lock"`
	SchemaVersion string    `json:"schema_version"`
}

// NewApproval 创建审批记录
func NewApproval(project, approvedBy, reason, engineVersion string) *Approval {
	return &Approval{
		Baseline:      true,
		Project:       project,
		ApprovedBy:    approvedBy,
		ApprovedAt:    time.Now().UTC(),
		Reason:        reason,
		EngineVersion: engineVersion,
		Lock:          true,
		SchemaVersion: ApprovalSchemaVersion,
	}
}

// Matches 判断两条审批在内容上是否一致
//
// 重复 approve 的幂等性判定：内容一致（审批时间除外）视为同一次审批，
// 否则报 BaselineConflict，防止静默替换基线。
func (a *Approval) Matches(other *Approval) bool {
	if a == nil || other == nil {
		return false
	}
	return a.Baseline == other.Baseline &&
		a.Project == other.Project &&
		a.ApprovedBy == other.ApprovedBy &&
		a.Reason == other.Reason &&
		a.EngineVersion == other.EngineVersion &&
		a.Lock == other.Lock &&
		a.SchemaVersion == other.SchemaVersion
}

// ============================================================================
// BaselineDeclaration - 基线声明（baseline.yaml）
// ============================================================================

// BaselinePolicy 基线策略开关
type BaselinePolicy struct {
	DiffRequired       bool `yaml:"diff_required" json:"diff_required"`
	ReplayAllowed      bool `yaml:"replay_allowed" json:"replay_allowed"`
	OverwriteForbidden bool `yaml:"overwrite_forbidden" json:"overwrite_forbidden"`
}

// DefaultBaselinePolicy 默认策略
func DefaultBaselinePolicy() BaselinePolicy {
	return BaselinePolicy{
		DiffRequired:       true,
		ReplayAllowed:      true,
		OverwriteForbidden: true,
	}
}

// BaselineDeclaration 表示一个项目的基线声明（baseline.yaml）
//
// 每个项目同一时刻只有一份生效的声明；替换它必须经过人工审查的
// 显式动作，决不自动发生。文件为 YAML，便于在版本控制中审阅。
type BaselineDeclaration struct {
	Project       string         `yaml:"project" json:"project"`
	BaselineRunID string         `yaml:"baseline_run_id" json:"baseline_run_id"`
	TracePath     string         `yaml:"trace_path" json:"trace_path"`
	Approved      bool           `yaml:"approved" json:"approved"`
	ApprovedAt    time.Time      `yaml:"approved_at" json:"approved_at"`
	Policy        BaselinePolicy `yaml:"policy" json:"policy"`
}

// BaselineSummary baseline list 输出的条目
type BaselineSummary struct {
	Project       string    `json:"project"`
	BaselineRunID string    `json:"baseline_run_id"`
	TracePath     string    `json:"trace_path"`
	Approved      bool      `json:"approved"`
	ApprovedAt    time.Time `json:"approved_at"`
	// RunStatus Run 注册表里的状态（注册表可用时补充）
	RunStatus RunStatus `json:"run_status,omitempty"`
}
