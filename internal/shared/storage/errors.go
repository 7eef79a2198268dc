// Package storage 定义存储层领域错误
//
// 错误分类基于 containerd/errdefs 的标准错误族，
// 业务层通过 errdefs.IsNotFound / errdefs.IsConflict 等判断错误种类，
// 不依赖具体存储实现的底层错误类型。
package storage

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound Trace / 基线 / 声明不存在
	ErrNotFound = errdefs.ErrNotFound

	// ErrAlreadyExists run_id 已存在封存的 Trace
	ErrAlreadyExists = errdefs.ErrAlreadyExists

	// ErrTraceSealed 对已封存 Trace 的写入（生命周期违规）
	ErrTraceSealed = fmt.Errorf("trace sealed: %w", errdefs.ErrFailedPrecondition)

	// ErrTraceNotSealed 要求封存 Trace 的操作遇到非终态 Trace
	ErrTraceNotSealed = fmt.Errorf("trace not sealed: %w", errdefs.ErrFailedPrecondition)

	// ErrUnknownAgent Step 追加到未注册的 Agent
	ErrUnknownAgent = fmt.Errorf("unknown agent: %w", errdefs.ErrInvalidArgument)

	// ErrCorruptTrace JSON 可解析但违反 schema
	ErrCorruptTrace = fmt.Errorf("corrupt trace: %w", errdefs.ErrInvalidArgument)

	// ErrBaselineConflict 重复 approve 且内容不一致
	ErrBaselineConflict = fmt.Errorf("baseline conflict: %w", errdefs.ErrConflict)

	// ErrSnapshotMissing Trace 缺少配置快照（无法 FULL Replay）
	ErrSnapshotMissing = fmt.Errorf("snapshot missing: %w", errdefs.ErrNotFound)

	// ErrMissingCredentials 执行所需的外部调用凭证缺失
	ErrMissingCredentials = fmt.Errorf("missing credentials: %w", errdefs.ErrUnauthenticated)

	// ErrExecutionEngine 执行引擎上报的失败（包装后原样透出，不改写）
	ErrExecutionEngine = fmt.Errorf("execution engine error: %w", errdefs.ErrUnknown)
)
