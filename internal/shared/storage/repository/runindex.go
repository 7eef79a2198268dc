// Package repository Run 注册表的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
)

// Register 登记新 Run
//
// (project_id, run_id) 冲突返回 ErrAlreadyExists。
func (s *Store) Register(ctx context.Context, entry *storage.RunIndexEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO runs (run_id, project_id, status, trace_path, baseline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		entry.RunID, entry.ProjectID, string(entry.Status), entry.TracePath,
		entry.Baseline, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s/%s: %w", entry.ProjectID, entry.RunID, storage.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// isUniqueViolation 判断是否主键/唯一约束冲突
//
// modernc.org/sqlite 与 pgx 的错误类型不同，按错误文本匹配
// 两者的约束冲突提示。
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// UpdateStatus 更新 Run 状态
func (s *Store) UpdateStatus(ctx context.Context, projectID, runID string, status model.RunStatus) error {
	query := s.rebind(`
		UPDATE runs SET status = $1, updated_at = $2
		WHERE project_id = $3 AND run_id = $4
	`)
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), projectID, runID)
	if err != nil {
		return err
	}
	return requireRow(res, projectID, runID)
}

// MarkBaseline 标记/取消标记基线 Run
func (s *Store) MarkBaseline(ctx context.Context, projectID, runID string, baseline bool) error {
	query := s.rebind(`
		UPDATE runs SET baseline = $1, updated_at = $2
		WHERE project_id = $3 AND run_id = $4
	`)
	res, err := s.db.ExecContext(ctx, query, baseline, time.Now().UTC(), projectID, runID)
	if err != nil {
		return err
	}
	if err := requireRow(res, projectID, runID); err != nil {
		return err
	}
	if baseline {
		// 每个项目同一时刻只有一个基线 Run
		clear := s.rebind(`
			UPDATE runs SET baseline = $1, updated_at = $2
			WHERE project_id = $3 AND run_id != $4 AND baseline = $5
		`)
		_, err = s.db.ExecContext(ctx, clear, false, time.Now().UTC(), projectID, runID, true)
	}
	return err
}

// Get 查询单个 Run
func (s *Store) Get(ctx context.Context, projectID, runID string) (*storage.RunIndexEntry, error) {
	query := s.rebind(`
		SELECT run_id, project_id, status, trace_path, baseline, created_at, updated_at
		FROM runs WHERE project_id = $1 AND run_id = $2
	`)
	row := s.db.QueryRowContext(ctx, query, projectID, runID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s/%s: %w", projectID, runID, storage.ErrNotFound)
	}
	return entry, err
}

// Exists 判断 run_id 是否已登记
func (s *Store) Exists(ctx context.Context, projectID, runID string) (bool, error) {
	query := s.rebind(`SELECT 1 FROM runs WHERE project_id = $1 AND run_id = $2`)
	var one int
	err := s.db.QueryRowContext(ctx, query, projectID, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListByProject 列出项目的全部 Run（按创建时间倒序）
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*storage.RunIndexEntry, error) {
	query := s.rebind(`
		SELECT run_id, project_id, status, trace_path, baseline, created_at, updated_at
		FROM runs WHERE project_id = $1 ORDER BY created_at DESC, run_id DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// scanEntry 辅助函数
func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*storage.RunIndexEntry, error) {
	entry := &storage.RunIndexEntry{}
	var status string
	var tracePath sql.NullString
	err := scanner.Scan(
		&entry.RunID, &entry.ProjectID, &status, &tracePath,
		&entry.Baseline, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entry.Status = model.RunStatus(status)
	entry.TracePath = tracePath.String
	return entry, nil
}

// scanEntries 批量扫描
func scanEntries(rows *sql.Rows) ([]*storage.RunIndexEntry, error) {
	var entries []*storage.RunIndexEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func requireRow(res sql.Result, projectID, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s/%s: %w", projectID, runID, storage.ErrNotFound)
	}
	return nil
}

// 确保 Store 实现了 RunIndex 接口
var _ storage.RunIndex = (*Store)(nil)
