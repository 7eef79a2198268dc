package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/Big-footer/nexous/internal/baseline"
	"github.com/Big-footer/nexous/internal/config"
	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/pkg/logging"
)

// cmdBaseline 基线子命令入口
func cmdBaseline(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nexous baseline <approve|verify|list> [flags]")
	}
	switch args[0] {
	case "approve":
		return cmdBaselineApprove(args[1:])
	case "verify":
		return cmdBaselineVerify(args[1:])
	case "list":
		return cmdBaselineList(args[1:])
	default:
		return fmt.Errorf("unknown baseline subcommand %q", args[0])
	}
}

// newBaselineManager 构建基线管理器
//
// withIndex 时打开 Run 注册表（approve 同步基线标记、list 补充状态）；
// 注册表打不开只告警降级，基线文件本身不依赖它。
func newBaselineManager(cfg *config.Config, workspace string, withIndex bool) (*baseline.Manager, func()) {
	root := workspaceRoot(cfg, workspace)
	log := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    "stderr",
		Component: "baseline",
	})

	var index storage.RunIndex
	cleanup := func() {}
	if withIndex {
		if idx, err := openIndex(cfg, root); err != nil {
			log.Warn("Run index unavailable, baseline flags not synced", "error", err.Error())
		} else {
			index = idx
			cleanup = func() { _ = idx.Close() }
		}
	}

	return baseline.NewManager(baseline.Config{
		ProjectRoot:   root,
		EngineVersion: cfg.Engine.Version,
		Index:         index,
		Logger:        log,
		Metrics:       metrics.New("nexous"),
	}), cleanup
}

// cmdBaselineApprove nexous baseline approve <trace-dir> --project ... --approved-by ... --reason ...
func cmdBaselineApprove(args []string) error {
	fs := flag.NewFlagSet("baseline approve", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	approvedBy := fs.String("approved-by", "", "approver name (required)")
	reason := fs.String("reason", "", "approval reason (required)")
	engineVersion := fs.String("engine-version", "", "engine version recorded in the approval")
	workspace := fs.String("workspace", "", "workspace root (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nexous baseline approve <trace-dir> --project <id> --approved-by <name> --reason <text>")
	}

	cfg := config.Load()
	mgr, cleanup := newBaselineManager(cfg, *workspace, true)
	defer cleanup()

	approval, err := mgr.Approve(context.Background(), baseline.ApproveRequest{
		TraceDir:      fs.Arg(0),
		Project:       *project,
		ApprovedBy:    *approvedBy,
		Reason:        *reason,
		EngineVersion: *engineVersion,
	})
	if err != nil {
		return err
	}

	runID := ""
	if decl, err := mgr.LoadDeclaration(approval.Project); err == nil {
		runID = decl.BaselineRunID
	}
	fmt.Print(approvalSummary(approval, runID, mgr.DeclarationPath(approval.Project)))
	return nil
}

// approvalSummary 渲染 approve 的确认输出
func approvalSummary(a *model.Approval, runID, declPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approved baseline for project %s\n", a.Project)
	if runID != "" {
		fmt.Fprintf(&b, "  run: %s\n", runID)
	}
	fmt.Fprintf(&b, "  by:  %s (%s)\n", a.ApprovedBy, a.ApprovedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "  declaration: %s\n", declPath)
	return b.String()
}

// cmdBaselineVerify nexous baseline verify <project-id>
func cmdBaselineVerify(args []string) error {
	fs := flag.NewFlagSet("baseline verify", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace root (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nexous baseline verify <project-id>")
	}

	cfg := config.Load()
	mgr, cleanup := newBaselineManager(cfg, *workspace, false)
	defer cleanup()

	result := mgr.Verify(fs.Arg(0))
	for _, check := range result.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
		}
		line := fmt.Sprintf("  [%-4s] %s", mark, check.Name)
		if !check.OK && check.Message != "" {
			line += ": " + check.Message
		}
		fmt.Println(line)
	}
	if !result.OK {
		return fmt.Errorf("baseline verification failed: %s", result.FirstFailure())
	}
	fmt.Printf("Baseline for project %s is valid\n", result.Project)
	return nil
}

// cmdBaselineList nexous baseline list
func cmdBaselineList(args []string) error {
	fs := flag.NewFlagSet("baseline list", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace root (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	mgr, cleanup := newBaselineManager(cfg, *workspace, true)
	defer cleanup()

	summaries, err := mgr.List(context.Background())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No baselines found")
		return nil
	}
	printBaselines(summaries)
	return nil
}

func printBaselines(summaries []model.BaselineSummary) {
	fmt.Printf("%-24s %-40s %-10s %-10s %s\n", "PROJECT", "BASELINE RUN", "APPROVED", "STATUS", "APPROVED AT")
	for _, s := range summaries {
		approved := "no"
		if s.Approved {
			approved = "yes"
		}
		status := string(s.RunStatus)
		if status == "" {
			status = "-"
		}
		fmt.Printf("%-24s %-40s %-10s %-10s %s\n",
			s.Project, s.BaselineRunID, approved, status, s.ApprovedAt.Format("2006-01-02 15:04"))
	}
}
