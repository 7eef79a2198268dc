// Package tracefs 基于文件系统的 Trace 文档存储
//
// 每个 Run 对应一个目录：{base_dir}/{project_id}/{run_id}/
//   - trace.json     执行记录文档（UTF-8 JSON）
//   - snapshot.yaml  创建时固化的项目配置快照
//
// 写入走 WriteHandle，追加在句柄内串行化；封存后文档不可变，
// 不可变性在 API 层强制（拒绝对封存 Trace 的写入），
// 文件权限只是纵深防御，不承担正确性。
package tracefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/pkg/logging"
)

const (
	// TraceFileName Trace 文档文件名
	TraceFileName = "trace.json"

	// SnapshotFileName 配置快照文件名
	SnapshotFileName = "snapshot.yaml"
)

// Config 存储配置
type Config struct {
	// BaseDir Trace 根目录（如 traces/）
	BaseDir string

	// Logger 日志器（nil 时使用默认）
	Logger *logging.Logger

	// Metrics 指标（可选）
	Metrics *metrics.Metrics
}

// Store 文件系统 Trace 存储
type Store struct {
	baseDir string
	log     *logging.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	open map[string]*Handle // project/run -> 进行中的写入句柄
}

var _ storage.TraceStore = (*Store)(nil)

// New 创建存储实例
func New(cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("tracefs: base dir is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("tracefs: create base dir: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default("tracefs")
	}
	return &Store{
		baseDir: cfg.BaseDir,
		log:     log,
		metrics: cfg.Metrics,
		open:    make(map[string]*Handle),
	}, nil
}

// BaseDir 返回根目录
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TracePath 返回 Trace 文档的确定性路径
func (s *Store) TracePath(projectID, runID string) string {
	return filepath.Join(s.baseDir, projectID, runID, TraceFileName)
}

// SnapshotPath 返回快照文件路径
func (s *Store) SnapshotPath(projectID, runID string) string {
	return filepath.Join(s.baseDir, projectID, runID, SnapshotFileName)
}

// validateID 拒绝空 ID 和含路径分隔符的 ID
func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required: %w", kind, storage.ErrCorruptTrace)
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("%s %q contains path separators: %w", kind, id, storage.ErrCorruptTrace)
	}
	return nil
}

// Create 创建新 Run 的 Trace
func (s *Store) Create(ctx context.Context, projectID, runID string) (storage.WriteHandle, error) {
	if err := validateID("project_id", projectID); err != nil {
		return nil, err
	}
	if err := validateID("run_id", runID); err != nil {
		return nil, err
	}

	key := projectID + "/" + runID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.open[key]; busy {
		return nil, fmt.Errorf("run %s has an active writer: %w", key, storage.ErrAlreadyExists)
	}

	// 磁盘上已有封存 Trace 时拒绝；残留的非终态文档（崩溃遗留）允许覆盖。
	// 文件在但读不出来（损坏的历史 Trace）同样拒绝，决不静默清掉证据。
	tracePath := s.TracePath(projectID, runID)
	if existing, err := LoadFile(tracePath); err == nil {
		if existing.IsTerminal() {
			return nil, fmt.Errorf("run %s already sealed: %w", key, storage.ErrAlreadyExists)
		}
		s.log.Warn("Overwriting dangling non-terminal trace", "project_id", projectID, "run_id", runID)
	} else if _, statErr := os.Stat(tracePath); statErr == nil {
		return nil, fmt.Errorf("run %s has an unreadable trace: %v: %w", key, err, storage.ErrCorruptTrace)
	}

	now := time.Now().UTC()
	h := &Handle{
		store: s,
		key:   key,
		trace: &model.Trace{
			TraceVersion: model.TraceVersion,
			ProjectID:    projectID,
			RunID:        runID,
			Status:       model.RunStatusRunning,
			StartedAt:    &now,
			Execution:    model.Execution{Mode: "sequential"},
			Agents:       []model.AgentRecord{},
			Artifacts:    []model.Artifact{},
			Errors:       []model.ErrorRecord{},
		},
		agents:   make(map[string]int),
		counters: make(map[string]map[model.StepType]int),
	}
	if err := h.save(); err != nil {
		return nil, err
	}
	s.open[key] = h

	s.metrics.ObserveCreate()
	s.log.Info("Run started", "project_id", projectID, "run_id", runID)
	return h, nil
}

// Read 读取并校验 Trace
func (s *Store) Read(ctx context.Context, projectID, runID string) (*model.Trace, error) {
	return LoadFile(s.TracePath(projectID, runID))
}

// IsTerminal 判断 Run 是否已进入终态
func (s *Store) IsTerminal(ctx context.Context, projectID, runID string) (bool, error) {
	s.mu.Lock()
	_, busy := s.open[projectID+"/"+runID]
	s.mu.Unlock()
	if busy {
		return false, nil
	}
	tr, err := s.Read(ctx, projectID, runID)
	if err != nil {
		return false, err
	}
	return tr.IsTerminal(), nil
}

// WriteSnapshot 持久化项目配置快照
func (s *Store) WriteSnapshot(ctx context.Context, projectID, runID string, snap *model.ProjectSnapshot) error {
	path := s.SnapshotPath(projectID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("tracefs: create run dir: %w", err)
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("tracefs: marshal snapshot: %w", err)
	}
	if err := atomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("tracefs: write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot 读取项目配置快照
func (s *Store) ReadSnapshot(ctx context.Context, projectID, runID string) (*model.ProjectSnapshot, error) {
	return LoadSnapshotFile(s.SnapshotPath(projectID, runID))
}

// List 列出项目下全部 run_id
func (s *Store) List(ctx context.Context, projectID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("tracefs: list runs: %w", err)
	}

	type runInfo struct {
		id  string
		mod time.Time
	}
	var runs []runInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, runInfo{id: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod.Before(runs[j].mod) })

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.id)
	}
	return ids, nil
}

// ============================================================================
// 文件级加载函数（Diff / Replay 直接按路径读取时使用）
// ============================================================================

// LoadFile 读取并校验任意路径上的 Trace 文档
//
// 错误语义：
//   - 文件不存在或 JSON 无法解析 → ErrNotFound
//   - JSON 可解析但违反 schema   → ErrCorruptTrace
func LoadFile(path string) (*model.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %v: %w", path, err, storage.ErrNotFound)
	}

	var tr model.Trace
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("trace %s not parseable: %v: %w", path, err, storage.ErrNotFound)
	}
	if err := tr.Validate(); err != nil {
		return nil, fmt.Errorf("trace %s: %v: %w", path, err, storage.ErrCorruptTrace)
	}
	return &tr, nil
}

// LoadSnapshotFile 读取任意路径上的快照文件
func LoadSnapshotFile(path string) (*model.ProjectSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, storage.ErrSnapshotMissing)
	}
	var snap model.ProjectSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s not parseable: %v: %w", path, err, storage.ErrSnapshotMissing)
	}
	if err := snap.Project.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %v: %w", path, err, storage.ErrSnapshotMissing)
	}
	return &snap, nil
}

// atomicWrite 临时文件 + rename 的原子写入
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
