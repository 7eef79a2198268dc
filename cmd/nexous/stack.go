package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/Big-footer/nexous/internal/config"
	"github.com/Big-footer/nexous/internal/shared/eventbus"
	redisbus "github.com/Big-footer/nexous/internal/shared/eventbus/redis"
	"github.com/Big-footer/nexous/internal/shared/metrics"
	"github.com/Big-footer/nexous/internal/shared/objstore"
	"github.com/Big-footer/nexous/internal/shared/storage"
	"github.com/Big-footer/nexous/internal/shared/storage/driver/postgres"
	"github.com/Big-footer/nexous/internal/shared/storage/driver/sqlite"
	"github.com/Big-footer/nexous/internal/shared/storage/repository"
	"github.com/Big-footer/nexous/internal/shared/storage/tracefs"
	"github.com/Big-footer/nexous/pkg/logging"
)

// stack CLI 一次调用期间的依赖集合
type stack struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	store     *tracefs.Store
	index     storage.RunIndex
	bus       eventbus.EventBus
	artifacts objstore.ArtifactStore

	cleanups []func()
}

// workspaceRoot 工作区根目录（--workspace 覆盖配置）
func workspaceRoot(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	if cfg.Workspace.Root != "" {
		return cfg.Workspace.Root
	}
	return "."
}

// tracesDir Trace 存储根目录
func tracesDir(root string) string {
	return filepath.Join(root, "traces")
}

// openStack 按配置构建依赖
//
// traceBase 为 Trace 存储根目录（通常是 {root}/traces，replay
// 从 Trace 路径反推时可能不同）。
// Redis / MinIO 未启用或连接失败时降级为 NoOp，只记录告警；
// Run 注册表是必需的，打不开直接报错。
func openStack(ctx context.Context, cfg *config.Config, root, traceBase string) (*stack, error) {
	log := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    "stderr",
		Component: "nexous",
	})

	s := &stack{
		cfg:       cfg,
		log:       log,
		metrics:   metrics.New("nexous"),
		bus:       eventbus.NewNoOpEventBus(),
		artifacts: objstore.NoOpStore{},
	}

	store, err := tracefs.New(tracefs.Config{
		BaseDir: traceBase,
		Logger:  log,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	s.store = store

	index, err := openIndex(cfg, root)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	s.index = index
	s.cleanups = append(s.cleanups, func() { _ = index.Close() })

	if cfg.Redis.Enabled {
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Logger:   log,
		})
		if err != nil {
			log.Warn("Redis unavailable, events disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			s.bus = bus
			s.cleanups = append(s.cleanups, func() { _ = bus.Close() })
		}
	}

	if cfg.MinIO.Enabled {
		client, err := objstore.NewClient(objstore.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Logger:    log,
		})
		if err != nil {
			log.Warn("MinIO unavailable, artifact mirroring disabled", "error", err)
		} else if err := client.EnsureBucket(ctx); err != nil {
			log.Warn("MinIO bucket check failed, artifact mirroring disabled", "error", err)
		} else {
			s.artifacts = client
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Warn("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	return s, nil
}

// openIndex 打开 Run 注册表
func openIndex(cfg *config.Config, root string) (storage.RunIndex, error) {
	switch cfg.Index.Driver {
	case "", "sqlite":
		path := cfg.Index.Path
		if path == "" {
			path = "runs.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return repository.NewStore(db, sqlite.NewDialect())
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewStore(db, postgres.NewDialect())
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Index.Driver)
	}
}

// close 释放依赖（逆序）
func (s *stack) close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
}
