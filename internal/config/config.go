package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 根据 APP_ENV 加载 .env.{env} / .env（密钥）
//  2. 默认值 → common.yaml → {env}.yaml
//  3. 环境变量覆盖
//  4. 校验并填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, path, err := loadYAMLConfig(env, effectiveConfigPaths(env))
	if err != nil {
		return nil, err
	}

	cfg := &Config{YAMLConfig: *yamlCfg, Env: env, ConfigFilePath: path}
	applyEnvOverrides(&cfg.YAMLConfig)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.DatabaseURL = buildDatabaseURL(cfg.Database)
	cfg.RedisURL = buildRedisURL(cfg.Redis)
	return cfg, nil
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Backend: BackendConfig{
			URL:      "http://localhost:8080",
			Timeout:  30 * time.Second,
			FullPath: "/api/v1/runs/{id}/events",
			NextPath: "/api/v1/sessions/{id}/activity/next",
			PageSize: 1000,
		},
		Source: SourceConfig{Driver: SourceHTTP},
		Cache:  CacheConfig{MaxAge: 5 * time.Second, MaxPersistentEntries: 500},
		Poller: PollerConfig{
			InitialDelay:    time.Second,
			Interval:        3 * time.Second,
			MaxAge:          2 * time.Second,
			ErrorBackoffMin: 5 * time.Second,
			ErrorBackoffMax: time.Minute,
		},
		Activity: ActivityConfig{
			Interval:        2 * time.Second,
			ErrorBackoffMin: 5 * time.Second,
			ErrorBackoffMax: 30 * time.Second,
		},
		Archive:  ArchiveConfig{Driver: ArchiveNone, Path: "data/snapshots.db", Timeout: 5 * time.Second},
		Gateway:  GatewayConfig{Port: "8090", TokenTTL: 24 * time.Hour},
		Redis:    RedisConfig{Host: "localhost", Port: 6380, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/agents", StreamType: "run", DialTimeout: 5 * time.Second},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "agents", Name: "agents_console", SSLMode: "disable"},
		Mongo:    MongoConfig{Database: "agents_console"},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "agents-console"},
		Log:      LogConfig{Level: "info", Format: "text", Output: "stdout"},
		Metrics:  MetricsConfig{Namespace: "agents_console"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml，返回实际加载的 {env}.yaml 路径
func loadYAMLConfig(env Environment, paths []string) (*YAMLConfig, string, error) {
	cfg := defaultYAMLConfig()

	if p := findFile(paths, "common.yaml"); p != "" {
		if err := unmarshalFile(p, cfg); err != nil {
			return nil, "", err
		}
	}

	loaded := findFile(paths, fmt.Sprintf("%s.yaml", env))
	if loaded != "" {
		if err := unmarshalFile(loaded, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, loaded, nil
}

func unmarshalFile(path string, cfg *YAMLConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖 YAML，密钥只来自环境变量
func applyEnvOverrides(c *YAMLConfig) {
	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.Token = os.Getenv("BACKEND_TOKEN")
	c.Source.Driver = getEnv("SOURCE_DRIVER", c.Source.Driver)
	c.Archive.Driver = getEnv("ARCHIVE_DRIVER", c.Archive.Driver)
	c.Archive.Path = getEnv("ARCHIVE_PATH", c.Archive.Path)
	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.JWTSecret = os.Getenv("GATEWAY_JWT_SECRET")
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = strings.Split(v, ",")
	}
	c.Database.Password = os.Getenv("DB_PASSWORD")
	c.Mongo.URI = firstEnv("MONGO_URI", "MONGODB_URI")
	c.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	c.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MinIO.UseSSL = b
		}
	}
}

// validate 校验枚举与取值范围并填充默认值
func (c *Config) validate() error {
	c.Source.Driver = strings.ToLower(c.Source.Driver)
	switch c.Source.Driver {
	case "":
		c.Source.Driver = SourceHTTP
	case SourceHTTP, SourceRedis, SourceEtcd:
	default:
		return fmt.Errorf("config: unknown source driver %q", c.Source.Driver)
	}

	c.Archive.Driver = strings.ToLower(c.Archive.Driver)
	switch c.Archive.Driver {
	case "":
		c.Archive.Driver = ArchiveNone
	case ArchiveNone, ArchiveMemory, ArchiveSQLite, ArchivePostgres, ArchiveRedis, ArchiveMongoDB, ArchiveMinIO:
	default:
		return fmt.Errorf("config: unknown archive driver %q", c.Archive.Driver)
	}

	durations := map[string]time.Duration{
		"backend.timeout":            c.Backend.Timeout,
		"cache.max_age":              c.Cache.MaxAge,
		"poller.initial_delay":       c.Poller.InitialDelay,
		"poller.interval":            c.Poller.Interval,
		"poller.max_age":             c.Poller.MaxAge,
		"poller.error_backoff_min":   c.Poller.ErrorBackoffMin,
		"poller.error_backoff_max":   c.Poller.ErrorBackoffMax,
		"activity.interval":          c.Activity.Interval,
		"activity.error_backoff_min": c.Activity.ErrorBackoffMin,
		"activity.error_backoff_max": c.Activity.ErrorBackoffMax,
		"archive.ttl":                c.Archive.TTL,
		"archive.timeout":            c.Archive.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Poller.ErrorBackoffMax > 0 && c.Poller.ErrorBackoffMax < c.Poller.ErrorBackoffMin {
		return fmt.Errorf("config: poller.error_backoff_max is below error_backoff_min")
	}

	if c.Backend.PageSize <= 0 {
		c.Backend.PageSize = 1000
	}
	if c.Gateway.Port == "" {
		c.Gateway.Port = "8090"
	}
	if c.Gateway.TokenTTL == 0 {
		c.Gateway.TokenTTL = 24 * time.Hour
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "agents-console"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "agents_console"
	}
	if c.Metrics.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Metrics.Instance = host
		}
	}
	return nil
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(db DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, db.Password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
// URL 字段非空时直接使用；否则从 host/port/db/password 构建
func buildRedisURL(redis RedisConfig) string {
	if redis.URL != "" {
		return redis.URL
	}
	if redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", redis.Password, redis.Host, redis.Port, redis.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

var passwordPattern = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

// maskPassword 隐藏 URL 中的密码
func maskPassword(url string) string {
	return passwordPattern.ReplaceAllString(url, "${1}***${3}")
}

// maskSecret 非空密钥显示为 ***
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
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

// firstEnv 返回第一个非空的环境变量值
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnv 获取环境变量，支持默认值
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
	return fmt.Sprintf("Config{Env: %s, Source: %s, Backend: %s, Archive: %s, DB: %s, Redis: %s, Mongo: %s, MinIO: %s, BackendToken: %s, JWTSecret: %s}",
		c.Env, c.Source.Driver, c.Backend.URL, c.Archive.Driver,
		maskPassword(c.DatabaseURL), maskPassword(c.RedisURL), maskPassword(c.Mongo.URI),
		c.MinIO.Endpoint, maskSecret(c.Backend.Token), maskSecret(c.Gateway.JWTSecret))
}
