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
//	密码/密钥只存在环境变量中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/agents-console/
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

// 事件源驱动
const (
	SourceHTTP  = "http"
	SourceRedis = "redis"
	SourceEtcd  = "etcd"
)

// 归档驱动
const (
	ArchiveNone     = "none"
	ArchiveMemory   = "memory"
	ArchiveSQLite   = "sqlite"
	ArchivePostgres = "postgres"
	ArchiveRedis    = "redis"
	ArchiveMongoDB  = "mongodb"
	ArchiveMinIO    = "minio"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Backend  BackendConfig  `yaml:"backend"`  // 后端 HTTP 接口
	Source   SourceConfig   `yaml:"source"`   // 事件源驱动选择
	Cache    CacheConfig    `yaml:"cache"`    // 事件缓存
	Poller   PollerConfig   `yaml:"poller"`   // 后台轮询
	Activity ActivityConfig `yaml:"activity"` // 活动日志
	Archive  ArchiveConfig  `yaml:"archive"`  // 持久化流归档
	Gateway  GatewayConfig  `yaml:"gateway"`  // 本地 HTTP/WebSocket 出口
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Database DatabaseConfig `yaml:"database"`
	Mongo    MongoConfig    `yaml:"mongo"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BackendConfig 后端接口配置
// 注意：Token 只从 BACKEND_TOKEN 环境变量读取
type BackendConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	CAFile   string        `yaml:"ca_file"`
	FullPath string        `yaml:"full_path"` // 整条流路径模板，{id} 为流 ID
	NextPath string        `yaml:"next_path"` // 增量路径模板
	PageSize int           `yaml:"page_size"`
	Token    string        `yaml:"-"`
}

type SourceConfig struct {
	Driver string `yaml:"driver"` // http | redis | etcd
}

type CacheConfig struct {
	MaxAge               time.Duration `yaml:"max_age"`
	MaxPersistentEntries int           `yaml:"max_persistent_entries"` // <0 不限制
}

type PollerConfig struct {
	InitialDelay    time.Duration `yaml:"initial_delay"`
	Interval        time.Duration `yaml:"interval"`
	MaxAge          time.Duration `yaml:"max_age"`
	ErrorBackoffMin time.Duration `yaml:"error_backoff_min"`
	ErrorBackoffMax time.Duration `yaml:"error_backoff_max"`
}

type ActivityConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ErrorBackoffMin time.Duration `yaml:"error_backoff_min"`
	ErrorBackoffMax time.Duration `yaml:"error_backoff_max"`
}

type ArchiveConfig struct {
	Driver  string        `yaml:"driver"`  // none | memory | sqlite | postgres | redis | mongodb | minio
	Path    string        `yaml:"path"`    // SQLite 文件路径
	TTL     time.Duration `yaml:"ttl"`     // Redis 归档过期时间，0 不过期
	Timeout time.Duration `yaml:"timeout"` // 单次归档读写超时
}

// GatewayConfig 本地出口配置
// 注意：JWTSecret 只从 GATEWAY_JWT_SECRET 环境变量读取，为空时不鉴权
type GatewayConfig struct {
	Port      string        `yaml:"port"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	JWTSecret string        `yaml:"-"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	StreamType  string        `yaml:"stream_type"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// MongoConfig MongoDB 配置
// 注意：URI 可能含凭据，只从 MONGO_URI 环境变量读取
type MongoConfig struct {
	Database string `yaml:"database"`
	URI      string `yaml:"-"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
	Output string `yaml:"output"` // stdout | stderr | 文件路径
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Instance  string `yaml:"instance"` // ConstLabel instance，默认主机名
}

// Config 应用配置（最终使用的配置）
type Config struct {
	YAMLConfig
	Env            Environment
	DatabaseURL    string // 由 database 章节构建（postgres 归档）
	RedisURL       string // 由 redis 章节构建
	ConfigFilePath string // 实际加载的 {env}.yaml 路径，未找到时为空
}
