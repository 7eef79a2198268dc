// Package main nexous CLI 入口
//
// 子命令：
//
//	run      执行项目并生成 Trace
//	baseline 基线管理（approve / verify / list）
//	diff     比对两条 Trace
//	replay   重放 Trace（dry / full）
//
// 退出码约定：只有操作性失败（路径错误、文件损坏、凭证缺失）
// 返回非零；diff 发现差异、dry replay 看到失败 Agent 都是
// 正常完成的操作，返回 0。
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
)

const usageText = `nexous - agent run tracing, baselines, diff and replay

Usage:
  nexous run <project.yaml> [--run-id id] [--use-llm] [--dry-run] [--workspace dir]
  nexous baseline approve <trace-dir> --project <id> --approved-by <name> --reason <text> [--engine-version <v>]
  nexous baseline verify <project-id>
  nexous baseline list
  nexous diff <traceA> <traceB> [--only llm|tool|errors] [--show first|all] [--json]
  nexous diff --baseline <project-id> --new <trace> [flags]
  nexous replay <trace.json> [--mode dry|full] [--use-llm] [--json]
  nexous version

Environment:
  APP_ENV           dev (default) / test / prod - selects configs/{env}.yaml
  NEXOUS_WORKSPACE  overrides workspace root
  OPENAI_API_KEY    required for --use-llm with the openai provider
`

// version 构建时通过 -ldflags 覆盖
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "baseline":
		err = cmdBaseline(os.Args[2:])
	case "diff":
		err = cmdDiff(os.Args[2:])
	case "replay":
		err = cmdReplay(os.Args[2:])
	case "version":
		fmt.Printf("nexous %s\n", version)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", errorKind(err), err)
		os.Exit(exitCode(err))
	}
}

// errorKind 把错误映射到分类标签（结构化错误输出的 kind 字段）
func errorKind(err error) string {
	switch {
	case errdefs.IsNotFound(err):
		return "NOT_FOUND"
	case errdefs.IsConflict(err):
		return "CONFLICT"
	case errdefs.IsFailedPrecondition(err):
		return "PRECONDITION"
	case errdefs.IsInvalidArgument(err):
		return "INVALID"
	case errdefs.IsUnauthorized(err):
		return "CREDENTIALS"
	case errdefs.IsAlreadyExists(err):
		return "ALREADY_EXISTS"
	default:
		return "ERROR"
	}
}

// exitCode 错误的进程退出码
func exitCode(err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}

// exitError 带显式退出码的错误
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}
