package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
// 1. 加载 .env（敏感信息）
// 2. 根据 APP_ENV 加载 common.yaml + {env}.yaml
// 3. 环境变量覆盖
// 4. 填充默认值
func Load() *Config {
	env := parseEnv(os.Getenv("APP_ENV"))
	loadEnvFiles(env)
	// .env 中可能声明 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg := loadYAMLConfig(env)
	return build(env, yamlCfg)
}

// build 合并 YAML 与环境变量，得到最终配置
func build(env Environment, yamlCfg *yamlConfigInternal) *Config {
	y := yamlCfg.YAMLConfig

	y.Database.Password = getEnv("DB_PASSWORD", "fleet_dev_password")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_URL"); v != "" {
		y.Redis.Enabled = true
		y.Redis.URL = v
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(getEnv("DATABASE_DRIVER", y.Database.Driver), databaseURL)
	y.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(y.Database, y.Database.Password)
	}

	y.Fleet.LivenessWindow = getEnvDuration("FLEET_LIVENESS_WINDOW", y.Fleet.LivenessWindow)
	y.Fleet.OfflineThreshold = getEnvDuration("FLEET_OFFLINE_THRESHOLD", y.Fleet.OfflineThreshold)
	y.Fleet.SweepInterval = getEnvDuration("FLEET_SWEEP_INTERVAL", y.Fleet.SweepInterval)
	y.Fleet.SerialPrefix = getEnv("FLEET_SERIAL_PREFIX", y.Fleet.SerialPrefix)
	if v := os.Getenv("FLEET_POLL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			y.Fleet.PollBatchSize = n
		}
	}
	y.Fleet.validate()

	y.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	y.Auth.TerminalToken = os.Getenv("TERMINAL_TOKEN")

	y.Log.Level = getEnv("LOG_LEVEL", y.Log.Level)
	y.Log.Format = getEnv("LOG_FORMAT", y.Log.Format)

	y.Server.TLSCertFile = getEnv("TLS_CERT_FILE", y.Server.TLSCertFile)
	y.Server.TLSKeyFile = getEnv("TLS_KEY_FILE", y.Server.TLSKeyFile)
	if y.Server.ShutdownTimeout <= 0 {
		y.Server.ShutdownTimeout = 10 * time.Second
	}

	return &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       buildRedisURL(y.Redis),
		APIPort:        getEnv("API_PORT", y.Server.Port),
		Server:         y.Server,
		Fleet:          y.Fleet,
		Auth:           y.Auth,
		Log:            y.Log,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
}

// defaultYAMLConfig 代码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		Server:   ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "fleet", Name: "terminal_fleet", SSLMode: "disable"},
		Redis:    RedisConfig{Enabled: false, Host: "localhost", Port: 6379, DB: 0},
		Fleet: FleetConfig{
			LivenessWindow:    90 * time.Second,
			OfflineThreshold:  5 * time.Minute,
			SweepInterval:     time.Minute,
			PollBatchSize:     MaxPollBatchSize,
			RedeliverAfter:    2 * time.Minute,
			MaxAttempts:       3,
			DefaultCommandTTL: 24 * time.Hour,
			SerialPrefix:      "AVQD-",
		},
		Auth: AuthConfig{AccessTokenTTL: "15m"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}
	paths := effectiveConfigPaths(env)

	if path := findFile(paths, "common.yaml"); path != "" {
		if err := readYAML(path, &cfg.YAMLConfig); err != nil {
			log.Printf("[Config] Failed to parse %s: %v", path, err)
		}
	}

	if path := findFile(paths, fmt.Sprintf("%s.yaml", env)); path != "" {
		if err := readYAML(path, &cfg.YAMLConfig); err != nil {
			log.Printf("[Config] Failed to parse %s: %v", path, err)
		} else {
			cfg.loadedFrom = path
		}
	}

	return cfg
}

func readYAML(path string, out *YAMLConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
