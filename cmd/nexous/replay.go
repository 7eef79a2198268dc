package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Big-footer/nexous/internal/config"
	"github.com/Big-footer/nexous/internal/engine"
	"github.com/Big-footer/nexous/internal/replay"
	"github.com/Big-footer/nexous/internal/shared/model"
)

// cmdReplay 重放 Trace：nexous replay <trace.json> [--mode dry|full]
//
// DRY 模式只要 Trace 能加载就退出 0；FULL 模式的退出码反映
// 重新执行的结果：完成 0、失败 1、被停止 2。
func cmdReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	mode := fs.String("mode", "dry", "replay mode: dry (default) or full")
	useLLM := fs.Bool("use-llm", false, "full mode: call real LLM providers")
	jsonOut := fs.Bool("json", false, "emit the GUI payload as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nexous replay <trace.json> [--mode dry|full]")
	}

	replayMode, err := replay.ParseMode(*mode)
	if err != nil {
		return err
	}

	traceBase, projectID, runID, err := locateTrace(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg := config.Load()
	root := filepath.Dir(traceBase)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openStack(ctx, cfg, root, traceBase)
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
	replayer := replay.New(replay.Config{
		Store:   s.store,
		Index:   s.index,
		Engine:  eng,
		Logger:  s.log,
		Metrics: s.metrics,
	})

	var result *replay.Result
	var execErr error
	switch replayMode {
	case replay.ModeDry:
		result, execErr = replayer.Dry(ctx, projectID, runID)
		if execErr != nil {
			return execErr
		}
	case replay.ModeFull:
		result, execErr = replayer.Full(ctx, projectID, runID, *useLLM)
		if result == nil {
			return execErr
		}
	}

	if *jsonOut {
		data, err := replay.MarshalPayload(replay.ForGUI(result, execErr))
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(replay.Render(result))
	}

	if replayMode == replay.ModeFull && result.Status == model.RunStatusStopped {
		return withExitCode(2, fmt.Errorf("replay stopped before completion"))
	}
	return execErr
}

// locateTrace 从 Trace 路径反推存储根目录与 project/run 标识
//
// 布局约定：{base}/{project_id}/{run_id}/trace.json
func locateTrace(path string) (traceBase, projectID, runID string, err error) {
	file := resolveTraceFile(path)
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", "", "", err
	}

	runDir := filepath.Dir(abs)
	projectDir := filepath.Dir(runDir)
	traceBase = filepath.Dir(projectDir)
	projectID = filepath.Base(projectDir)
	runID = filepath.Base(runDir)

	if projectID == "." || projectID == string(filepath.Separator) || runID == "." {
		return "", "", "", fmt.Errorf("cannot derive project/run from path %s", path)
	}
	return traceBase, projectID, runID, nil
}
