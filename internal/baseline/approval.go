// Package baseline 基线审批与管理
//
// approval.go 实现 approve 动作：
//   - 要求目标 Trace 存在且已封存
//   - 写入 approval.json（写后置为只读 0444）
//   - 写入/覆盖项目的 baseline.yaml 声明
//
// 两个文件的写入视为一个逻辑事务：第二步失败时回滚第一步，
// 决不留下半成品状态。重复 approve 内容一致则幂等，
// 否则报 BaselineConflict，防止静默替换基线。
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/internal/shared/storage/tracefs"
)

// ApprovalFileName 审批文件名
const ApprovalFileName = "approval.json"

// ApproveRequest approve 动作的输入
type ApproveRequest struct {
	// TraceDir Trace 目录（含 trace.json）
	TraceDir string

	Project       string
	ApprovedBy    string
	Reason        string
	EngineVersion string
}

// Approve 把一个已封存的 Trace 审批为项目基线
func (m *Manager) Approve(ctx context.Context, req ApproveRequest) (*model.Approval, error) {
	if req.Project == "" || req.ApprovedBy == "" || req.Reason == "" {
		m.metrics.ObserveApproval("invalid")
		return nil, fmt.Errorf("project, approved-by and reason are required: %w", storage.ErrCorruptTrace)
	}
	if req.EngineVersion == "" {
		req.EngineVersion = m.engineVersion
	}

	// 目标 Trace 必须存在且已封存；未封存时不写任何文件
	tracePath := filepath.Join(req.TraceDir, tracefs.TraceFileName)
	tr, err := tracefs.LoadFile(tracePath)
	if err != nil {
		m.metrics.ObserveApproval("trace_error")
		return nil, err
	}
	if !tr.IsTerminal() {
		m.metrics.ObserveApproval("not_sealed")
		return nil, fmt.Errorf("trace %s is %s: %w", tr.RunID, tr.Status, storage.ErrTraceNotSealed)
	}

	approval := model.NewApproval(req.Project, req.ApprovedBy, req.Reason, req.EngineVersion)
	approvalPath := filepath.Join(req.TraceDir, ApprovalFileName)

	// 重复 approve：内容一致则幂等，否则冲突
	if existing, err := LoadApproval(approvalPath); err == nil {
		if existing.Lock && existing.Matches(approval) {
			if err := m.writeDeclaration(req.Project, tr.RunID, tracePath, existing.ApprovedAt); err != nil {
				m.metrics.ObserveApproval("declaration_error")
				return nil, err
			}
			m.markIndex(ctx, req.Project, tr.RunID)
			m.metrics.ObserveApproval("idempotent")
			m.log.Info("Baseline already approved (idempotent)",
				"project", req.Project, "run_id", tr.RunID)
			return existing, nil
		}
		m.metrics.ObserveApproval("conflict")
		return nil, fmt.Errorf("run %s already approved with different content: %w",
			tr.RunID, storage.ErrBaselineConflict)
	} else if !errors.Is(err, fs.ErrNotExist) {
		m.metrics.ObserveApproval("approval_error")
		return nil, err
	}

	if err := writeApproval(approvalPath, approval); err != nil {
		m.metrics.ObserveApproval("approval_error")
		return nil, err
	}

	// 第二个文件失败时回滚第一个，保证全有或全无
	if err := m.writeDeclaration(req.Project, tr.RunID, tracePath, approval.ApprovedAt); err != nil {
		rollbackApproval(approvalPath)
		m.metrics.ObserveApproval("declaration_error")
		return nil, err
	}

	// 目录只读是纵深防御，失败只告警
	if err := os.Chmod(req.TraceDir, 0555); err != nil {
		m.log.Warn("Could not set trace dir read-only", "dir", req.TraceDir, "error", err.Error())
	}

	m.markIndex(ctx, req.Project, tr.RunID)
	m.metrics.ObserveApproval("approved")
	m.log.Info("Baseline approved",
		"project", req.Project, "run_id", tr.RunID, "approved_by", req.ApprovedBy)
	return approval, nil
}

// markIndex 把 Run 注册表里的基线标记同步到审批结果（失败只告警）
func (m *Manager) markIndex(ctx context.Context, project, runID string) {
	if m.index == nil {
		return
	}
	if err := m.index.MarkBaseline(ctx, project, runID, true); err != nil {
		m.log.Warn("Run index baseline flag not updated",
			"project", project, "run_id", runID, "error", err.Error())
	}
}

// ============================================================================
// approval.json 读写
// ============================================================================

// LoadApproval 读取审批文件
func LoadApproval(path string) (*model.Approval, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a model.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("approval %s not parseable: %v: %w", path, err, storage.ErrCorruptTrace)
	}
	return &a, nil
}

// writeApproval 写入审批文件并置为只读
func writeApproval(path string, a *model.Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	if err := os.Chmod(path, 0444); err != nil {
		return fmt.Errorf("lock approval: %w", err)
	}
	return nil
}

// rollbackApproval 回滚已写入的审批文件
func rollbackApproval(path string) {
	_ = os.Chmod(path, 0644)
	_ = os.Remove(path)
}
