package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Big-footer/nexous/internal/config"
	"github.com/Big-footer/nexous/internal/diff"
	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/pkg/logging"
)

// cmdDiff 比对两条 Trace
//
// 两种调用形式：
//
//	nexous diff <traceA> <traceB>
//	nexous diff --baseline <project-id> --new <trace>
//
// 发现差异是正常结果（退出 0）；只有任一侧加载失败才退出非零。
func cmdDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	baselineProject := fs.String("baseline", "", "compare against the approved baseline of this project")
	newTrace := fs.String("new", "", "candidate trace path (with --baseline)")
	only := fs.String("only", "", "restrict comparison: llm, tool or errors")
	show := fs.String("show", "first", "detail level: first (default) or all")
	jsonOut := fs.Bool("json", false, "emit the GUI payload as JSON")
	workspace := fs.String("workspace", "", "workspace root (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter, err := diff.ParseFilter(*only)
	if err != nil {
		return err
	}
	showMode, err := diff.ParseShowMode(*show)
	if err != nil {
		return err
	}

	pathA, pathB, err := resolveDiffPaths(fs, *baselineProject, *newTrace, *workspace)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: "warn", Output: "stderr", Component: "diff"})
	engine := diff.New(log, metrics.New("nexous"))
	result := engine.CompareFiles(pathA, pathB, diff.Options{Only: filter})

	if *jsonOut {
		data, err := diff.MarshalPayload(diff.ForGUI(result, showMode))
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(diff.Render(result, showMode))
	}

	if result.Status == diff.StatusFailed {
		return fmt.Errorf("diff failed: %s", result.LoadError)
	}
	return nil
}

// resolveDiffPaths 确定比对双方的 Trace 路径
func resolveDiffPaths(fs *flag.FlagSet, baselineProject, newTrace, workspace string) (string, string, error) {
	if baselineProject != "" {
		if newTrace == "" {
			return "", "", fmt.Errorf("--baseline requires --new <trace>")
		}
		if fs.NArg() != 0 {
			return "", "", fmt.Errorf("--baseline mode takes no positional arguments")
		}
		cfg := config.Load()
		mgr, cleanup := newBaselineManager(cfg, workspace, false)
		defer cleanup()
		baselinePath, err := mgr.BaselineTracePath(baselineProject)
		if err != nil {
			return "", "", err
		}
		return baselinePath, resolveTraceFile(newTrace), nil
	}

	if fs.NArg() != 2 {
		return "", "", fmt.Errorf("usage: nexous diff <traceA> <traceB> | --baseline <project> --new <trace>")
	}
	return resolveTraceFile(fs.Arg(0)), resolveTraceFile(fs.Arg(1)), nil
}

// resolveTraceFile 允许传 Run 目录代替 trace.json 路径
func resolveTraceFile(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path + string(os.PathSeparator) + "trace.json"
	}
	return path
}
