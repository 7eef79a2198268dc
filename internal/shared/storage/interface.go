// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - Trace 文档存储实现在子包 tracefs/ 中
//   - Run 注册表（索引）实现在子包 repository/ 中
//   - 初始化时通过依赖注入传入实现
//
// Run 注册表以显式接口建模而非进程级共享状态，
// 多个存储实例（如每个测试一个）互不干扰。
package storage

import (
	"context"
	"time"

	"github.com/Big-footer/nexous/internal/shared/model"
)

// ============================================================================
// TraceStore - Trace 文档存储
// ============================================================================

// WriteHandle 一次 Run 的写入句柄
//
// 单写者约束：每个 run_id 同一时刻只有一个执行流通过句柄追加 Step；
// 并发 Run 使用不同 run_id，因而无需跨 Run 加锁。
// 句柄内部对 Step 追加做串行化，保证 step_index 全局递增。
type WriteHandle interface {
	// RunID 返回句柄对应的 run_id
	RunID() string

	// ProjectID 返回句柄对应的 project_id
	ProjectID() string

	// StartAgent 注册并启动一个 Agent（隐式 agent-start 事件）
	StartAgent(agentID, preset, purpose string) error

	// EndAgent 结束 Agent 并记录最终状态
	EndAgent(agentID string, status model.AgentStatus) error

	// AppendStep 向指定 Agent 追加 Step
	//
	// Trace 已封存返回 ErrTraceSealed；
	// agentID 未经 StartAgent 注册返回 ErrUnknownAgent。
	// step_index 与 step_id 由存储层分配，调用方不填。
	AppendStep(agentID string, step model.StepRecord) error

	// LogError 追加错误记录（同时递增 retry_count）
	LogError(rec model.ErrorRecord) error

	// RegisterArtifact 登记产物
	RegisterArtifact(artifact model.Artifact) error

	// Seal 封存 Trace：计算 duration_ms 和 summary，写入文档并置为不可变
	//
	// 这是唯一能把 status 转移到终态的路径。
	Seal(finalStatus model.RunStatus) error
}

// TraceStore Trace 文档存储接口
type TraceStore interface {
	// Create 创建新 Run 的 Trace
	//
	// 该 project 下 run_id 已存在封存 Trace 时返回 ErrAlreadyExists。
	Create(ctx context.Context, projectID, runID string) (WriteHandle, error)

	// Read 读取 Trace
	//
	// 不存在或无法解析返回 ErrNotFound；
	// JSON 可解析但违反 schema 返回 ErrCorruptTrace。
	Read(ctx context.Context, projectID, runID string) (*model.Trace, error)

	// IsTerminal 判断 Run 是否已进入终态
	//
	// Diff/Replay 的调用方用它避免与进行中的写入者竞争；
	// 读取非终态 Trace 合法，但结果只是一个进行中的快照。
	IsTerminal(ctx context.Context, projectID, runID string) (bool, error)

	// WriteSnapshot 持久化 Run 创建时的项目配置快照
	WriteSnapshot(ctx context.Context, projectID, runID string, snap *model.ProjectSnapshot) error

	// ReadSnapshot 读取配置快照；缺失返回 ErrSnapshotMissing
	ReadSnapshot(ctx context.Context, projectID, runID string) (*model.ProjectSnapshot, error)

	// TracePath 返回 Trace 文档的确定性路径
	TracePath(projectID, runID string) string

	// List 列出项目下全部 run_id（按创建顺序）
	List(ctx context.Context, projectID string) ([]string, error)
}

// ============================================================================
// RunIndex - Run 注册表
// ============================================================================

// RunIndexEntry Run 注册表条目
type RunIndexEntry struct {
	RunID     string          `json:"run_id" db:"run_id"`
	ProjectID string          `json:"project_id" db:"project_id"`
	Status    model.RunStatus `json:"status" db:"status"`
	TracePath string          `json:"trace_path" db:"trace_path"`
	Baseline  bool            `json:"baseline" db:"baseline"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// RunIndex Run 注册表接口
//
// 记录哪些 run_id 存在、哪些在执行中、对应 Trace 在哪里。
// Replay 用它做派生 run_id 的冲突检查，baseline list 用它补充展示信息。
type RunIndex interface {
	// Register 登记新 Run；run_id 冲突返回 ErrAlreadyExists
	Register(ctx context.Context, entry *RunIndexEntry) error

	// UpdateStatus 更新 Run 状态
	UpdateStatus(ctx context.Context, projectID, runID string, status model.RunStatus) error

	// MarkBaseline 标记/取消标记基线 Run
	MarkBaseline(ctx context.Context, projectID, runID string, baseline bool) error

	// Get 查询单个 Run；不存在返回 ErrNotFound
	Get(ctx context.Context, projectID, runID string) (*RunIndexEntry, error)

	// Exists 判断 run_id 是否已登记
	Exists(ctx context.Context, projectID, runID string) (bool, error)

	// ListByProject 列出项目的全部 Run（按创建时间倒序）
	ListByProject(ctx context.Context, projectID string) ([]*RunIndexEntry, error)

	Close() error
}
