// Package baseline 基线审批与管理
//
// manager.go 实现 baseline.yaml 声明的读写、verify 检查链与 list。
package baseline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/pkg/logging"
)

// DeclarationFileName 基线声明文件名
const DeclarationFileName = "baseline.yaml"

// Manager 基线管理器
type Manager struct {
	// projectRoot 项目根目录：声明位于 {root}/projects/{project}/baseline.yaml
	projectRoot   string
	engineVersion string
	// index Run 注册表（可选）：approve 同步基线标记，list 补充 Run 状态
	index   storage.RunIndex
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Config 管理器配置
type Config struct {
	ProjectRoot   string
	EngineVersion string
	// Index Run 注册表；为 nil 时跳过标记同步
	Index   storage.RunIndex
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewManager 创建基线管理器
func NewManager(cfg Config) *Manager {
	root := cfg.ProjectRoot
	if root == "" {
		root = "."
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default("baseline")
	}
	ev := cfg.EngineVersion
	if ev == "" {
		ev = "nexous:latest"
	}
	return &Manager{projectRoot: root, engineVersion: ev, index: cfg.Index, log: log, metrics: cfg.Metrics}
}

// DeclarationPath 返回项目基线声明的路径
func (m *Manager) DeclarationPath(project string) string {
	return filepath.Join(m.projectRoot, "projects", project, DeclarationFileName)
}

// LoadDeclaration 读取项目基线声明；不存在返回 ErrNotFound
func (m *Manager) LoadDeclaration(project string) (*model.BaselineDeclaration, error) {
	path := m.DeclarationPath(project)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("baseline declaration for %s: %w", project, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("read declaration %s: %w", path, err)
	}
	var decl model.BaselineDeclaration
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("declaration %s not parseable: %v: %w", path, err, storage.ErrCorruptTrace)
	}
	return &decl, nil
}

// BaselineTracePath 返回项目基线 Trace 的绝对路径
func (m *Manager) BaselineTracePath(project string) (string, error) {
	decl, err := m.LoadDeclaration(project)
	if err != nil {
		return "", err
	}
	return m.resolve(decl.TracePath), nil
}

// writeDeclaration 写入/覆盖项目基线声明
func (m *Manager) writeDeclaration(project, runID, tracePath string, approvedAt time.Time) error {
	decl := model.BaselineDeclaration{
		Project:       project,
		BaselineRunID: runID,
		TracePath:     m.relativize(tracePath),
		Approved:      true,
		ApprovedAt:    approvedAt,
		Policy:        model.DefaultBaselinePolicy(),
	}

	path := m.DeclarationPath(project)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	data, err := yaml.Marshal(&decl)
	if err != nil {
		return fmt.Errorf("marshal declaration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write declaration: %w", err)
	}
	return nil
}

// resolve 声明中的相对路径按 projectRoot 解析
func (m *Manager) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.projectRoot, p)
}

// relativize 尽量把路径写成相对 projectRoot 的形式（便于版本控制审阅）
func (m *Manager) relativize(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	root, err := filepath.Abs(m.projectRoot)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return p
	}
	return rel
}

// ============================================================================
// Verify - 有序检查链
// ============================================================================

// 检查名常量：调用方依赖第一个失败检查的名字定位问题
const (
	CheckDeclarationExists = "baseline declaration exists"
	CheckTraceExists       = "trace file exists"
	CheckApprovalParses    = "approval.json exists and parses"
	CheckLockTrue          = "lock == true"
	CheckApprovedTrue      = "approved == true"
	CheckApprovalReadOnly  = "approval file read-only"
)

// CheckResult 单项检查结果
type CheckResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// VerificationResult verify 的结果
type VerificationResult struct {
	OK           bool          `json:"ok"`
	Project      string        `json:"project"`
	Checks       []CheckResult `json:"checks"`
	FailedChecks []string      `json:"failed_checks,omitempty"`
}

// FirstFailure 返回第一个失败检查的名字（全部通过时为空串）
func (r *VerificationResult) FirstFailure() string {
	if len(r.FailedChecks) == 0 {
		return ""
	}
	return r.FailedChecks[0]
}

// Verify 按固定顺序检查项目基线的完整性
//
// 顺序是契约的一部分：声明存在 → Trace 存在 → approval 可解析 →
// lock → approved。调用方依赖第一个失败项定位问题，无需重推全部检查。
// 检查链在第一个失败后继续执行，报告完整但 FailedChecks 保持发现顺序。
func (m *Manager) Verify(project string) *VerificationResult {
	result := &VerificationResult{Project: project}
	add := func(name string, ok bool, msg string) bool {
		if ok {
			msg = ""
		}
		result.Checks = append(result.Checks, CheckResult{Name: name, OK: ok, Message: msg})
		if !ok {
			result.FailedChecks = append(result.FailedChecks, name)
		}
		return ok
	}

	decl, err := m.LoadDeclaration(project)
	if !add(CheckDeclarationExists, err == nil, errMsg(err)) {
		return result
	}

	tracePath := m.resolve(decl.TracePath)
	_, statErr := os.Stat(tracePath)
	add(CheckTraceExists, statErr == nil, fmt.Sprintf("trace file missing: %s", tracePath))

	approvalPath := filepath.Join(filepath.Dir(tracePath), ApprovalFileName)
	approval, loadErr := LoadApproval(approvalPath)
	if add(CheckApprovalParses, loadErr == nil, errMsg(loadErr)) {
		add(CheckLockTrue, approval.Lock, "approval lock is not true")
		add(CheckApprovedTrue, decl.Approved && approval.Baseline, "declaration is not approved")

		// 纵深防御：审批文件可写说明锁被破坏过
		if info, err := os.Stat(approvalPath); err == nil {
			writable := info.Mode().Perm()&0222 != 0
			add(CheckApprovalReadOnly, !writable, "approval.json is writable")
		}
	}

	result.OK = len(result.FailedChecks) == 0
	return result
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ============================================================================
// List
// ============================================================================

// List 枚举全部有生效基线声明的项目
//
// 配置了 Run 注册表时用注册表条目补充 Run 状态。
func (m *Manager) List(ctx context.Context) ([]model.BaselineSummary, error) {
	projectsDir := filepath.Join(m.projectRoot, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}

	var out []model.BaselineSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		decl, err := m.LoadDeclaration(e.Name())
		if err != nil {
			continue
		}
		summary := model.BaselineSummary{
			Project:       decl.Project,
			BaselineRunID: decl.BaselineRunID,
			TracePath:     decl.TracePath,
			Approved:      decl.Approved,
			ApprovedAt:    decl.ApprovedAt,
		}
		if m.index != nil {
			if entry, err := m.index.Get(ctx, decl.Project, decl.BaselineRunID); err == nil {
				summary.RunStatus = entry.Status
			}
		}
		out = append(out, summary)
	}
	return out, nil
}
