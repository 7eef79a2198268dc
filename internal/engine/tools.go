package engine

import (
	"context"
	"fmt"
	"hash/fnv"
)

// ============================================================================
// ToolRunner 抽象
// ============================================================================

// ToolRequest 单次工具调用请求
type ToolRequest struct {
	Tool  string
	Input string
}

// ToolResult 单次工具调用结果
type ToolResult struct {
	Output    string
	LatencyMS int64
}

// ToolRunner 工具执行器抽象
type ToolRunner interface {
	// Run 执行一次工具调用
	Run(ctx context.Context, req ToolRequest) (*ToolResult, error)
}

// ============================================================================
// SimToolRunner - 确定性模拟
// ============================================================================

// SimToolRunner 不产生副作用的确定性工具执行器
//
// 与 MockProvider 配对，保证默认模式下整条 Trace 可复现。
type SimToolRunner struct{}

// NewSimToolRunner 创建 SimToolRunner
func NewSimToolRunner() *SimToolRunner {
	return &SimToolRunner{}
}

// Run 由工具名与输入确定性地派生输出
func (r *SimToolRunner) Run(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Tool))
	_, _ = h.Write([]byte(req.Input))

	return &ToolResult{
		Output:    fmt.Sprintf("[sim:%s] result %08x", req.Tool, h.Sum32()),
		LatencyMS: 0,
	}, nil
}

var _ ToolRunner = (*SimToolRunner)(nil)
