// Package objstore 封装 MinIO 对象存储客户端
//
// Run 目录里的产物（report.md、数据文件等）在 Run 封存后镜像到
// 对象存储，供 GUI 和远端消费。对象存储不可用时引擎照常运行，
// 只是产物仅保留在本地 Run 目录。
package objstore

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Big-footer/nexous/pkg/logging"
)

// ArtifactStore 产物上传接口
type ArtifactStore interface {
	// UploadArtifact 上传单个产物
	UploadArtifact(ctx context.Context, projectID, runID, artifactID, filename string, reader io.Reader, size int64, contentType string) error
}

// ============================================================================
// MinIO 实现
// ============================================================================

// Config MinIO 连接配置
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *logging.Logger
}

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
	log    *logging.Logger
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "nexous-artifacts"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default("objstore")
	}

	return &Client{mc: mc, bucket: bucket, log: log}, nil
}

// ArtifactKey 产物的对象存储 key
func ArtifactKey(projectID, runID, artifactID, filename string) string {
	return path.Join("projects", projectID, "runs", runID, "artifacts", artifactID, filename)
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		c.log.Info("Created bucket", "bucket", c.bucket)
	}
	return nil
}

// UploadArtifact 上传产物
func (c *Client) UploadArtifact(ctx context.Context, projectID, runID, artifactID, filename string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := ArtifactKey(projectID, runID, artifactID, filename)
	_, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Download 下载产物，调用方负责关闭返回的 ReadCloser
func (c *Client) Download(ctx context.Context, projectID, runID, artifactID, filename string) (io.ReadCloser, error) {
	key := ArtifactKey(projectID, runID, artifactID, filename)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// 验证对象存在（GetObject 不会立即返回错误）
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Exists 检查产物是否存在
func (c *Client) Exists(ctx context.Context, projectID, runID, artifactID, filename string) (bool, error) {
	key := ArtifactKey(projectID, runID, artifactID, filename)
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var _ ArtifactStore = (*Client)(nil)

// ============================================================================
// NoOp 实现 - 未配置对象存储时使用
// ============================================================================

// NoOpStore 不上传任何产物
type NoOpStore struct{}

func (NoOpStore) UploadArtifact(ctx context.Context, projectID, runID, artifactID, filename string, reader io.Reader, size int64, contentType string) error {
	return nil
}

var _ ArtifactStore = NoOpStore{}
