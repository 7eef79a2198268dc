// Package engine 顺序执行引擎
//
// engine.go 实现项目执行主循环：
//   - 按项目定义顺序逐个执行 Agent（sequential 模式）
//   - 每个 Agent 依次产出 INPUT → LLM（含重试）→ TOOL* → OUTPUT
//   - 每步通过存储写入句柄落盘，失败立即持久化错误记录
//   - 执行完成后封存 Trace 并镜像产物到对象存储
//
// 引擎失败不改写底层错误信息，原样包装后透出。
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Big-footer/nexous/internal/shared/eventbus"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/objstore"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/pkg/logging"
)

// maxLLMAttempts LLM 调用最大尝试次数（首次 + 重试）
const maxLLMAttempts = 3

// DefaultEngineVersion 未显式配置时写入快照/审批记录的引擎版本
const DefaultEngineVersion = "nexous:latest"

// Config 引擎依赖配置
type Config struct {
	Store storage.TraceStore
	// Index Run 注册表；为 nil 时跳过登记
	Index storage.RunIndex
	// Bus 事件总线；为 nil 时使用 NoOp
	Bus eventbus.EventBus
	// Artifacts 产物对象存储；为 nil 时不上传
	Artifacts objstore.ArtifactStore
	// Providers 按名称索引的 LLM 提供方（--use-llm 时查找）
	Providers map[string]Provider
	// Tools 工具执行器；为 nil 时使用确定性模拟
	Tools ToolRunner

	Logger        *logging.Logger
	EngineVersion string
}

// RunOptions 单次执行选项
type RunOptions struct {
	// RunID 指定 run_id；为空时自动生成
	RunID string
	// UseLLM 使用真实 Provider（默认使用确定性模拟）
	UseLLM bool
}

// Engine 顺序执行引擎
type Engine struct {
	store     storage.TraceStore
	index     storage.RunIndex
	bus       eventbus.EventBus
	artifacts objstore.ArtifactStore
	providers map[string]Provider
	mock      Provider
	tools     ToolRunner
	log       *logging.Logger
	version   string
}

// New 创建引擎
func New(cfg Config) *Engine {
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.NewNoOpEventBus()
	}
	artifacts := cfg.Artifacts
	if artifacts == nil {
		artifacts = objstore.NoOpStore{}
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewSimToolRunner()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default("engine")
	}
	version := cfg.EngineVersion
	if version == "" {
		version = DefaultEngineVersion
	}
	return &Engine{
		store:     cfg.Store,
		index:     cfg.Index,
		bus:       bus,
		artifacts: artifacts,
		providers: cfg.Providers,
		mock:      NewMockProvider(),
		tools:     tools,
		log:       log,
		version:   version,
	}
}

// Version 返回引擎版本标识
func (e *Engine) Version() string { return e.version }

// NewRunID 生成新的 run_id
func NewRunID(now time.Time) string {
	return "run_" + now.UTC().Format("20060102_150405")
}

// ExecuteProject 执行整个项目并返回封存后的 Trace
//
// 任何失败路径都保证 Trace 被封存为对应终态后才返回；
// ctx 取消触发协作式停止，封存为 STOPPED。
func (e *Engine) ExecuteProject(ctx context.Context, def *model.ProjectDef, opts RunOptions) (*model.Trace, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project definition: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = NewRunID(time.Now())
	}
	log := e.log.WithProjectID(def.ProjectID).WithRunID(runID)

	// 真实调用模式下提前解析 Provider，避免产生空壳 Run
	if opts.UseLLM {
		if err := e.checkProviders(def); err != nil {
			return nil, err
		}
	}

	handle, err := e.store.Create(ctx, def.ProjectID, runID)
	if err != nil {
		return nil, err
	}

	// 准备阶段失败也必须封存，决不留下悬挂的 RUNNING Trace
	abort := func(err error) (*model.Trace, error) {
		if sealErr := handle.Seal(model.RunStatusFailed); sealErr != nil {
			log.Warn("Aborted run not sealed", "error", sealErr)
		}
		return nil, err
	}

	if e.index != nil {
		entry := &storage.RunIndexEntry{
			RunID:     runID,
			ProjectID: def.ProjectID,
			Status:    model.RunStatusRunning,
			TracePath: e.store.TracePath(def.ProjectID, runID),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := e.index.Register(ctx, entry); err != nil {
			return abort(err)
		}
	}

	if err := e.store.WriteSnapshot(ctx, def.ProjectID, runID, model.NewProjectSnapshot(*def, e.version)); err != nil {
		if e.index != nil {
			if updErr := e.index.UpdateStatus(ctx, def.ProjectID, runID, model.RunStatusFailed); updErr != nil {
				log.Warn("Run index status update failed", "error", updErr)
			}
		}
		return abort(fmt.Errorf("write snapshot: %w", err))
	}

	e.publish(ctx, def.ProjectID, runID, eventbus.EventRunStarted, map[string]interface{}{
		"agents":  len(def.Agents),
		"use_llm": opts.UseLLM,
	})
	log.Info("Run started", "agents", len(def.Agents), "use_llm", opts.UseLLM)

	results := make(map[string]string, len(def.Agents))
	finalStatus := model.RunStatusCompleted
	var runErr error

	for i, agent := range def.Agents {
		if err := ctx.Err(); err != nil {
			e.skipRemaining(handle, def.Agents[i:])
			finalStatus = model.RunStatusStopped
			runErr = err
			break
		}

		agentErr := e.runAgent(ctx, handle, def, agent, results, opts.UseLLM)
		if agentErr != nil {
			if errors.Is(agentErr, context.Canceled) || errors.Is(agentErr, context.DeadlineExceeded) {
				e.skipRemaining(handle, def.Agents[i+1:])
				finalStatus = model.RunStatusStopped
				runErr = agentErr
				break
			}
			e.skipRemaining(handle, def.Agents[i+1:])
			finalStatus = model.RunStatusFailed
			runErr = fmt.Errorf("agent %s: %v: %w", agent.ID, agentErr, storage.ErrExecutionEngine)
			break
		}
	}

	if finalStatus == model.RunStatusCompleted {
		if err := e.writeReport(ctx, handle, def, results); err != nil {
			log.Warn("Report artifact not written", "error", err)
		}
	}

	if err := handle.Seal(finalStatus); err != nil {
		return nil, fmt.Errorf("seal trace: %w", err)
	}

	if e.index != nil {
		if err := e.index.UpdateStatus(ctx, def.ProjectID, runID, finalStatus); err != nil {
			log.Warn("Run index status update failed", "error", err)
		}
	}

	e.publish(ctx, def.ProjectID, runID, runFinishedEvent(finalStatus), map[string]interface{}{
		"status": string(finalStatus),
	})
	log.Info("Run finished", "status", string(finalStatus))

	trace, err := e.store.Read(ctx, def.ProjectID, runID)
	if err != nil {
		return nil, err
	}
	if finalStatus == model.RunStatusCompleted {
		e.uploadArtifacts(ctx, trace)
	}
	return trace, runErr
}

// checkProviders 校验项目用到的全部 Provider 都已配置
func (e *Engine) checkProviders(def *model.ProjectDef) error {
	for _, agent := range def.Agents {
		preset, ok := def.Presets[agent.Preset]
		if !ok {
			return fmt.Errorf("agent %s: preset %q not defined", agent.ID, agent.Preset)
		}
		name := preset.Provider
		if name == "" || name == "mock" {
			continue
		}
		if _, ok := e.providers[name]; !ok {
			return fmt.Errorf("provider %q not configured: %w", name, storage.ErrMissingCredentials)
		}
	}
	return nil
}

// runAgent 执行单个 Agent 的 INPUT → LLM → TOOL* → OUTPUT 序列
func (e *Engine) runAgent(ctx context.Context, handle storage.WriteHandle, def *model.ProjectDef, agent model.AgentDef, results map[string]string, useLLM bool) error {
	log := e.log.WithProjectID(def.ProjectID).WithRunID(handle.RunID()).WithAgentID(agent.ID)
	preset := def.Presets[agent.Preset]

	if err := handle.StartAgent(agent.ID, agent.Preset, agent.Purpose); err != nil {
		return err
	}
	e.publish(ctx, def.ProjectID, handle.RunID(), eventbus.EventAgentStarted, map[string]interface{}{
		"agent_id": agent.ID,
	})

	fail := func(err error) error {
		_ = handle.EndAgent(agent.ID, model.AgentStatusFailed)
		e.publish(ctx, def.ProjectID, handle.RunID(), eventbus.EventAgentEnded, map[string]interface{}{
			"agent_id": agent.ID,
			"status":   string(model.AgentStatusFailed),
		})
		return err
	}

	// INPUT：记录该 Agent 可见的上下文形状
	prev := make([]string, 0, len(agent.DependsOn))
	for _, dep := range agent.DependsOn {
		prev = append(prev, dep)
	}
	inputStep := model.StepRecord{
		Type:   model.StepTypeInput,
		Status: model.StepStatusOK,
		Payload: &model.IOPayload{
			Context:         []string{"purpose"},
			PreviousResults: prev,
		},
	}
	if err := handle.AppendStep(agent.ID, inputStep); err != nil {
		return fail(err)
	}

	// LLM 调用（带重试）
	text, err := e.invokeLLM(ctx, handle, agent, preset, results, useLLM, log)
	if err != nil {
		return fail(err)
	}
	results[agent.ID] = text

	// 工具调用：按 preset 声明的顺序逐个执行
	for _, tool := range preset.Tools {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.invokeTool(ctx, handle, agent.ID, tool, text); err != nil {
			return fail(err)
		}
	}

	// OUTPUT：记录产出的键
	outputStep := model.StepRecord{
		Type:   model.StepTypeOutput,
		Status: model.StepStatusOK,
		Payload: &model.IOPayload{
			OutputKeys: []string{"result"},
		},
	}
	if err := handle.AppendStep(agent.ID, outputStep); err != nil {
		return fail(err)
	}

	if err := handle.EndAgent(agent.ID, model.AgentStatusCompleted); err != nil {
		return err
	}
	e.publish(ctx, def.ProjectID, handle.RunID(), eventbus.EventAgentEnded, map[string]interface{}{
		"agent_id": agent.ID,
		"status":   string(model.AgentStatusCompleted),
	})
	return nil
}

// invokeLLM 执行 LLM 调用，失败时重试并记录每次尝试
func (e *Engine) invokeLLM(ctx context.Context, handle storage.WriteHandle, agent model.AgentDef, preset model.PresetDef, results map[string]string, useLLM bool, log *logging.Logger) (string, error) {
	provider := e.mock
	if useLLM && preset.Provider != "" && preset.Provider != "mock" {
		provider = e.providers[preset.Provider]
	}

	prompt := buildPrompt(agent, results)
	req := InvokeRequest{
		Model:       preset.Model,
		Prompt:      prompt,
		Temperature: preset.Temperature,
		MaxTokens:   preset.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= maxLLMAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := provider.Invoke(ctx, req)
		step := model.StepRecord{
			Type: model.StepTypeLLM,
			LLM: &model.LLMCall{
				Provider:     provider.Name(),
				Model:        preset.Model,
				Attempt:      attempt,
				InputSummary: model.TruncateSummary(prompt),
				Policy: &model.LLMPolicy{
					Temperature: preset.Temperature,
					MaxTokens:   preset.MaxTokens,
				},
			},
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			lastErr = err
			step.Status = model.StepStatusError
			step.Error = err.Error()
			if appendErr := handle.AppendStep(agent.ID, step); appendErr != nil {
				return "", appendErr
			}
			recoverable := attempt < maxLLMAttempts
			_ = handle.LogError(model.ErrorRecord{
				AgentID:     agent.ID,
				Type:        "llm_error",
				Message:     err.Error(),
				Recoverable: recoverable,
			})
			log.Warn("LLM call failed", "attempt", attempt, "error", err)
			continue
		}

		step.Status = model.StepStatusOK
		step.LLM.Tokens = res.Tokens
		step.LLM.LatencyMS = res.LatencyMS
		step.LLM.OutputSummary = model.TruncateSummary(res.Text)
		if err := handle.AppendStep(agent.ID, step); err != nil {
			return "", err
		}
		e.publish(ctx, handle.ProjectID(), handle.RunID(), eventbus.EventStepAppended, map[string]interface{}{
			"agent_id": agent.ID,
			"type":     string(model.StepTypeLLM),
		})
		return res.Text, nil
	}

	return "", fmt.Errorf("llm call failed after %d attempts: %w", maxLLMAttempts, lastErr)
}

// invokeTool 执行单次工具调用；工具失败记录错误但不中断 Agent
func (e *Engine) invokeTool(ctx context.Context, handle storage.WriteHandle, agentID, tool, input string) error {
	res, err := e.tools.Run(ctx, ToolRequest{Tool: tool, Input: input})

	step := model.StepRecord{
		Type: model.StepTypeTool,
		Tool: &model.ToolCall{
			ToolName:     tool,
			InputSummary: model.TruncateSummary(input),
		},
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		step.Status = model.StepStatusError
		step.Error = err.Error()
		if appendErr := handle.AppendStep(agentID, step); appendErr != nil {
			return appendErr
		}
		return handle.LogError(model.ErrorRecord{
			AgentID:     agentID,
			Type:        "tool_error",
			Message:     fmt.Sprintf("%s: %v", tool, err),
			Recoverable: true,
		})
	}

	step.Status = model.StepStatusOK
	step.Tool.OutputSummary = model.TruncateSummary(res.Output)
	step.Tool.LatencyMS = res.LatencyMS
	return handle.AppendStep(agentID, step)
}

// skipRemaining 把未执行的 Agent 登记为 SKIPPED
func (e *Engine) skipRemaining(handle storage.WriteHandle, remaining []model.AgentDef) {
	for _, agent := range remaining {
		if err := handle.StartAgent(agent.ID, agent.Preset, agent.Purpose); err != nil {
			continue
		}
		_ = handle.EndAgent(agent.ID, model.AgentStatusSkipped)
	}
}

// writeReport 在 Run 目录生成汇总报告并登记为产物
func (e *Engine) writeReport(ctx context.Context, handle storage.WriteHandle, def *model.ProjectDef, results map[string]string) error {
	runDir := filepath.Dir(e.store.TracePath(def.ProjectID, handle.RunID()))

	var b strings.Builder
	fmt.Fprintf(&b, "# Run Report: %s\n\n", handle.RunID())
	fmt.Fprintf(&b, "Project: %s\n\n", def.ProjectID)
	for _, agent := range def.Agents {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", agent.ID, results[agent.ID])
	}

	reportPath := filepath.Join(runDir, "report.md")
	if err := os.WriteFile(reportPath, []byte(b.String()), 0o644); err != nil {
		return err
	}

	return handle.RegisterArtifact(model.Artifact{
		ArtifactID: "report",
		Type:       "report",
		Path:       "report.md",
		CreatedBy:  lastAgentID(def),
	})
}

// uploadArtifacts 把封存 Run 的产物镜像到对象存储（失败只告警）
func (e *Engine) uploadArtifacts(ctx context.Context, trace *model.Trace) {
	runDir := filepath.Dir(e.store.TracePath(trace.ProjectID, trace.RunID))
	for _, art := range trace.Artifacts {
		local := filepath.Join(runDir, art.Path)
		f, err := os.Open(local)
		if err != nil {
			e.log.Warn("Artifact file missing", "artifact_id", art.ArtifactID, "path", local)
			continue
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			continue
		}
		err = e.artifacts.UploadArtifact(ctx, trace.ProjectID, trace.RunID,
			art.ArtifactID, filepath.Base(art.Path), f, info.Size(), contentTypeFor(art.Path))
		_ = f.Close()
		if err != nil {
			e.log.Warn("Artifact upload failed", "artifact_id", art.ArtifactID, "error", err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, projectID, runID, eventType string, payload map[string]interface{}) {
	event := eventbus.NewRunEvent(projectID, runID, eventType, payload)
	if err := e.bus.PublishRunEvent(ctx, projectID, runID, event); err != nil {
		e.log.Debug("Event publish failed", "type", eventType, "error", err)
	}
}

func buildPrompt(agent model.AgentDef, results map[string]string) string {
	var b strings.Builder
	b.WriteString(agent.Purpose)
	for _, dep := range agent.DependsOn {
		if prev, ok := results[dep]; ok {
			fmt.Fprintf(&b, "\n\n[%s]\n%s", dep, prev)
		}
	}
	return b.String()
}

func lastAgentID(def *model.ProjectDef) string {
	if len(def.Agents) == 0 {
		return ""
	}
	return def.Agents[len(def.Agents)-1].ID
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".md", ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func runFinishedEvent(status model.RunStatus) string {
	switch status {
	case model.RunStatusCompleted:
		return eventbus.EventRunCompleted
	case model.RunStatusStopped:
		return eventbus.EventRunStopped
	default:
		return eventbus.EventRunFailed
	}
}
