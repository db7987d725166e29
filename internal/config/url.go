package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// buildDatabaseURL 根据驱动类型构建数据库连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	switch strings.ToLower(db.Driver) {
	case "sqlite":
		dbPath := db.Path
		if dbPath == "" {
			dbPath = "/var/lib/terminal-fleet/fleet.db"
		}
		return fmt.Sprintf("file:%s?cache=shared&mode=rwc", dbPath)
	default: // postgres
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
	}
}

// detectDatabaseDriver 检测数据库驱动类型
// 优先级：YAML driver 字段 > DATABASE_URL 前缀自动检测 > 默认 postgres
func detectDatabaseDriver(yamlDriver, databaseURL string) string {
	if d := strings.ToLower(yamlDriver); d == "sqlite" || d == "postgres" {
		return d
	}
	if strings.HasPrefix(databaseURL, "file:") || strings.HasPrefix(databaseURL, "sqlite:") || databaseURL == ":memory:" {
		return "sqlite"
	}
	return "postgres"
}

// buildRedisURL 构建 Redis 连接字符串；未启用时返回空
func buildRedisURL(redis RedisConfig) string {
	if !redis.Enabled {
		return ""
	}
	if redis.URL != "" {
		return redis.URL
	}
	if redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", redis.Password, redis.Host, redis.Port, redis.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// parseEnv 解析环境字符串
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

// getEnv 获取环境变量，支持默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration 读取时长类型环境变量，解析失败时保持原值
func getEnvDuration(key string, current time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return current
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	redis := c.RedisURL
	if redis == "" {
		redis = "disabled"
	}
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(redis))
}

// validate 填充终端参数默认值并约束上限
func (f *FleetConfig) validate() {
	if f.LivenessWindow <= 0 {
		f.LivenessWindow = 90 * time.Second
	}
	if f.OfflineThreshold <= 0 {
		f.OfflineThreshold = 5 * time.Minute
	}
	if f.SweepInterval <= 0 {
		f.SweepInterval = time.Minute
	}
	if f.PollBatchSize <= 0 || f.PollBatchSize > MaxPollBatchSize {
		f.PollBatchSize = MaxPollBatchSize
	}
	if f.RedeliverAfter <= 0 {
		f.RedeliverAfter = 2 * time.Minute
	}
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = 3
	}
	if f.DefaultCommandTTL < 0 {
		f.DefaultCommandTTL = 0
	}
}
