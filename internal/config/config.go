package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configDir 由外部通过 SetConfigDir 指定，优先级最高
var configDir string

// envSearchDirs .env 文件搜索目录（仅 dev/test 使用，生产环境由 systemd 注入）
var envSearchDirs = []string{
	".",
	"..",
}

// SetConfigDir 设置配置文件目录（用于 --config 命令行参数）
// 调用后 Load 将优先从该目录加载配置文件
func SetConfigDir(dir string) {
	configDir = dir
}

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 环境变量覆盖，构建最终配置
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 可能改写 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg := loadYAMLConfig(env)

	cfg := &Config{
		Env:       env,
		Workspace: yamlCfg.Workspace,
		Index:     yamlCfg.Index,
		Redis:     yamlCfg.Redis,
		MinIO:     yamlCfg.MinIO,
		Engine:    yamlCfg.Engine,
		Logging:   yamlCfg.Logging,
		Metrics:   yamlCfg.Metrics,
	}

	// 敏感信息只从环境变量读取
	cfg.Index.Password = os.Getenv("DB_PASSWORD")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	cfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")

	// 环境变量覆盖工作区路径
	if root := os.Getenv("NEXOUS_WORKSPACE"); root != "" {
		cfg.Workspace.Root = root
	}

	cfg.DatabaseURL = buildDatabaseURL(cfg.Index)
	cfg.RedisAddr = fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Workspace: WorkspaceConfig{Root: "."},
		Index: IndexConfig{
			Driver:  "sqlite",
			Path:    "runs.db",
			Host:    "localhost",
			Port:    5432,
			User:    "nexous",
			Name:    "nexous",
			SSLMode: "disable",
		},
		Redis:   RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:   MinIOConfig{Endpoint: "localhost:9000", Bucket: "nexous-artifacts"},
		Engine:  EngineConfig{Version: "nexous:latest"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9102"},
	}

	paths := effectiveConfigPaths()

	for _, base := range paths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range paths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// effectiveConfigPaths 返回实际搜索路径
//
// 优先级：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 默认路径 configs/
func effectiveConfigPaths() []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	return []string{"configs", "../configs"}
}

// loadEnvFiles 加载 .env 文件
//
// 生产环境不搜索 .env 文件（密码由 systemd EnvironmentFile 或 shell 环境注入）。
// dev/test 环境加载 .env.{env} 文件。
// godotenv.Load 不覆盖已有环境变量，优先级低于 shell 环境变量。
func loadEnvFiles(env Environment) {
	if env == EnvProduction {
		return
	}
	envFileName := fmt.Sprintf(".env.%s", string(env))
	for _, dir := range envSearchDirs {
		if err := godotenv.Load(filepath.Join(dir, envFileName)); err == nil {
			break
		}
	}
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(idx IndexConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		idx.User, idx.Password, idx.Host, idx.Port, idx.Name, idx.SSLMode)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Workspace: %s, Index: %s, Redis: %s}",
		c.Env, c.Workspace.Root, c.Index.Driver, maskPassword(c.RedisAddr))
}

// maskPassword 隐藏连接串中的密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}
