// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. common.yaml
//  4. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或环境变量中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/terminal-fleet/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS 证书与私钥路径，均配置时以 HTTPS 监听（误发的 HTTP 请求被重定向）
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// TLSEnabled 是否以 HTTPS 监听
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"（默认 postgres）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Redis 配置
//
// Enabled=false 时使用进程内事件总线（单实例部署）。
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// FleetConfig 终端心跳与命令投递参数
type FleetConfig struct {
	// LivenessWindow 最后心跳在该窗口内视为在线，会尝试实时推送
	LivenessWindow time.Duration `yaml:"liveness_window"`

	// OfflineThreshold 超过该时长未心跳的 ACTIVE 终端被扫描降级为 INACTIVE
	OfflineThreshold time.Duration `yaml:"offline_threshold"`

	// SweepInterval 离线扫描周期
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PollBatchSize 每次心跳最多返回的命令数（上限 10）
	PollBatchSize int `yaml:"poll_batch_size"`

	// RedeliverAfter 已发出但未确认的命令在该时长后可被再次领取
	RedeliverAfter time.Duration `yaml:"redeliver_after"`

	// MaxAttempts 单条命令的最大投递次数
	MaxAttempts int `yaml:"max_attempts"`

	// DefaultCommandTTL 命令默认有效期（0 表示不过期）
	DefaultCommandTTL time.Duration `yaml:"default_command_ttl"`

	// SerialPrefix 厂商序列号前缀，部分设备上报时会去掉
	SerialPrefix string `yaml:"serial_prefix"`
}

// MaxPollBatchSize 单次轮询命令数上限
const MaxPollBatchSize = 10

// AuthConfig 认证配置
// 注意：JWTSecret/TerminalToken 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret      string `yaml:"-"`                // 只从 JWT_SECRET 环境变量读取
	AccessTokenTTL string `yaml:"access_token_ttl"` // 例如 "15m"
	TerminalToken  string `yaml:"-"`                // 只从 TERMINAL_TOKEN 环境变量读取（终端共享密钥）
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" 或 "sqlite"
	DatabaseURL    string
	RedisURL       string // 为空表示未启用 Redis
	APIPort        string
	Server         ServerConfig
	Fleet          FleetConfig
	Auth           AuthConfig
	Log            LogConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
