// Package model 定义核心数据模型
//
// snapshot.go 包含项目定义与快照相关的数据模型：
//   - ProjectDef：project.yaml 的结构（执行引擎的输入）
//   - ProjectSnapshot：Trace 创建时固化的项目/preset 配置快照
//
// FULL 模式 Replay 依赖快照重建出等价的可执行项目定义。
package model

import (
	"fmt"
	"time"
)

// SnapshotSchemaVersion snapshot.yaml 的 schema 版本
const SnapshotSchemaVersion = "1.0"

// ============================================================================
// ProjectDef - 项目定义（project.yaml）
// ============================================================================

// ExecutionDef 执行配置
type ExecutionDef struct {
	Mode string `yaml:"mode" json:"mode"`
}

// AgentDef 项目中单个 Agent 的定义
type AgentDef struct {
	ID        string   `yaml:"id" json:"id"`
	Preset    string   `yaml:"preset" json:"preset"`
	Purpose   string   `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// PresetDef Agent 行为模板
type PresetDef struct {
	Name        string  `yaml:"name" json:"name"`
	Provider    string  `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	// Tools 该 preset 允许的工具名
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// ProjectDef 项目定义（project.yaml 的结构）
type ProjectDef struct {
	ProjectID string       `yaml:"project_id" json:"project_id"`
	Execution ExecutionDef `yaml:"execution,omitempty" json:"execution,omitempty"`
	Agents    []AgentDef   `yaml:"agents" json:"agents"`
	// Presets 内联的 preset 定义（按名称索引）
	Presets map[string]PresetDef `yaml:"presets,omitempty" json:"presets,omitempty"`
}

// Validate 校验项目定义
func (p *ProjectDef) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("missing project_id")
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("missing required field 'agents'")
	}
	seen := make(map[string]bool, len(p.Agents))
	for i, a := range p.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent #%d: missing 'id'", i)
		}
		if a.Preset == "" {
			return fmt.Errorf("agent %s: missing 'preset'", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
	}
	for _, a := range p.Agents {
		for _, dep := range a.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("agent %s: unknown dependency %q", a.ID, dep)
			}
		}
	}
	return nil
}

// ============================================================================
// ProjectSnapshot - 配置快照（snapshot.yaml）
// ============================================================================

// ProjectSnapshot 表示 Trace 创建时固化的生成配置
//
// 随 Trace 一起按 run_id 存放。Replay 的 FULL 模式从快照重建
// 等价的项目定义；缺失快照的 Trace（过旧或被手工编辑的）
// 无法进行 FULL Replay。
type ProjectSnapshot struct {
	SchemaVersion string     `yaml:"schema_version" json:"schema_version"`
	CapturedAt    time.Time  `yaml:"captured_at" json:"captured_at"`
	EngineVersion string     `yaml:"engine_version" json:"engine_version"`
	Project       ProjectDef `yaml:"project" json:"project"`
}

// NewProjectSnapshot 创建快照
func NewProjectSnapshot(def ProjectDef, engineVersion string) *ProjectSnapshot {
	return &ProjectSnapshot{
		SchemaVersion: SnapshotSchemaVersion,
		CapturedAt:    time.Now().UTC(),
		EngineVersion: engineVersion,
		Project:       def,
	}
}
