// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（shell 注入或 .env 文件）
//  2. YAML 配置文件（configs/{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在环境变量中（YAML 中不存储任何密码）。
//	dev/test 环境从 .env.{env} 文件加载，生产环境由
//	systemd EnvironmentFile 或 shell 注入。
//
// 环境：
//   - 开发: APP_ENV=dev (默认) → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → configs/prod.yaml
package config

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Workspace WorkspaceConfig `yaml:"workspace"` // 项目/Trace 目录
	Index     IndexConfig     `yaml:"index"`     // Run 注册表
	Redis     RedisConfig     `yaml:"redis"`     // 事件总线
	MinIO     MinIOConfig     `yaml:"minio"`     // 产物对象存储
	Engine    EngineConfig    `yaml:"engine"`    // 执行引擎
	Logging   LoggingConfig   `yaml:"logging"`   // 日志
	Metrics   MetricsConfig   `yaml:"metrics"`   // 指标暴露
}

// WorkspaceConfig 项目工作区配置
type WorkspaceConfig struct {
	// Root projects/ 目录所在的根目录
	Root string `yaml:"root"`
}

// IndexConfig Run 注册表配置
type IndexConfig struct {
	// Driver "sqlite"（默认）或 "postgres"
	Driver string `yaml:"driver"`
	// Path SQLite 文件路径
	Path string `yaml:"path"`
	// PostgreSQL 连接参数
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig 事件总线配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
}

// MinIOConfig 产物对象存储配置
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// Version 写入快照/审批记录的引擎版本标识
	Version string `yaml:"version"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	// Level debug / info / warn / error
	Level string `yaml:"level"`
	// Format text / json
	Format string `yaml:"format"`
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // 例如 :9102
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env       Environment
	Workspace WorkspaceConfig
	Index     IndexConfig
	// DatabaseURL Index.Driver 为 postgres 时的连接串
	DatabaseURL string
	Redis       RedisConfig
	// RedisAddr host:port 形式的地址
	RedisAddr string
	MinIO     MinIOConfig
	Engine    EngineConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}
