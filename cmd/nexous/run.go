package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/Big-footer/nexous/internal/config"
	"github.com/Big-footer/nexous/internal/engine"
	"github.com/Big-footer/nexous/internal/shared/model"
)

// cmdRun 执行项目：nexous run <project.yaml> [flags]
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runID := fs.String("run-id", "", "run id (generated when empty)")
	useLLM := fs.Bool("use-llm", false, "call real LLM providers instead of the deterministic mock")
	dryRun := fs.Bool("dry-run", false, "print the execution plan without running anything")
	workspace := fs.String("workspace", "", "workspace root (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nexous run <project.yaml> [flags]")
	}

	def, err := loadProject(fs.Arg(0))
	if err != nil {
		return err
	}

	if *dryRun {
		printPlan(def)
		return nil
	}

	cfg := config.Load()
	root := workspaceRoot(cfg, *workspace)

	// 协作式取消：SIGINT/SIGTERM 后在 Step 边界停止并封存为 STOPPED
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openStack(ctx, cfg, root, tracesDir(root))
	if err != nil {
		return err
	}
	defer s.close()

	providers := map[string]engine.Provider{}
	if *useLLM {
		openai, err := engine.NewOpenAIProvider()
		if err != nil {
			return err
		}
		providers[openai.Name()] = openai
	}

	eng := engine.New(engine.Config{
		Store:         s.store,
		Index:         s.index,
		Bus:           s.bus,
		Artifacts:     s.artifacts,
		Providers:     providers,
		Logger:        s.log,
		EngineVersion: cfg.Engine.Version,
	})

	trace, execErr := eng.ExecuteProject(ctx, def, engine.RunOptions{
		RunID:  *runID,
		UseLLM: *useLLM,
	})
	if trace != nil {
		printRunSummary(trace)
	}
	return execErr
}

// loadProject 读取并校验项目定义
func loadProject(path string) (*model.ProjectDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var def model.ProjectDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &def, nil
}

func printPlan(def *model.ProjectDef) {
	fmt.Printf("Project: %s (%d agents)\n", def.ProjectID, len(def.Agents))
	for i, agent := range def.Agents {
		preset := def.Presets[agent.Preset]
		fmt.Printf("  %d. %s  preset=%s provider=%s model=%s tools=%v deps=%v\n",
			i+1, agent.ID, agent.Preset, preset.Provider, preset.Model, preset.Tools, agent.DependsOn)
	}
}

func printRunSummary(trace *model.Trace) {
	steps := 0
	for i := range trace.Agents {
		steps += len(trace.Agents[i].Steps)
	}
	fmt.Printf("Run %s finished: %s\n", trace.RunID, trace.Status)
	fmt.Printf("  agents=%d/%d steps=%d llm=%d tool=%d errors=%d tokens=%d\n",
		trace.Summary.CompletedAgents, trace.Summary.TotalAgents,
		steps, trace.Summary.TotalLLMCalls, trace.Summary.TotalToolCalls,
		len(trace.Errors), trace.Summary.TotalTokens)
	if trace.DurationMS != nil {
		fmt.Printf("  duration=%dms\n", *trace.DurationMS)
	}
}
