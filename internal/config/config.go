// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Database DatabaseConfig `mapstructure:"database"`
	Tavily   TavilyConfig   `mapstructure:"tavily"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // debug/release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
	// MaxRequestBodySize 入站请求体上限（字节）。重试转发需要缓存请求体，必须有界。
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level       string          `mapstructure:"level"`
	Format      string          `mapstructure:"format"`
	ServiceName string          `mapstructure:"service_name"`
	Environment string          `mapstructure:"env"`
	Caller      bool            `mapstructure:"caller"`
	Output      LogOutputConfig `mapstructure:"output"`
	Rotation    LogRotation     `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	// Driver: sqlite 或 postgres
	Driver string `mapstructure:"driver"`
	// DSN: sqlite 为文件路径，postgres 为连接串
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// TavilyConfig 上游与 key 池相关配置
type TavilyConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// RequestTimeoutSeconds 单次转发的总超时
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// ResponseHeaderTimeoutSeconds 等待上游响应头的超时
	ResponseHeaderTimeoutSeconds int `mapstructure:"response_header_timeout_seconds"`
	// MaxRetries 单次代理请求的最大尝试次数
	MaxRetries int `mapstructure:"max_retries"`
	// FailureThreshold 连续失败阈值，达到后 key 退出调度
	FailureThreshold int `mapstructure:"failure_threshold"`
	// DefaultTotalQuota 新导入 key 的默认总配额
	DefaultTotalQuota int64 `mapstructure:"default_total_quota"`
	// KeyPrefix 合法 key 的固定前缀
	KeyPrefix string `mapstructure:"key_prefix"`
	// ImportMaxBatch 单次导入的最大 key 数
	ImportMaxBatch int `mapstructure:"import_max_batch"`
	// ImportMaxKeyLength 单个 key 的总长度上限
	ImportMaxKeyLength int `mapstructure:"import_max_key_length"`
}

func (t *TavilyConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSeconds) * time.Second
}

func (t *TavilyConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(t.ResponseHeaderTimeoutSeconds) * time.Second
}

// SyncConfig 后台用量同步配置
type SyncConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule cron 表达式，空表示只允许手动触发
	Schedule string `mapstructure:"schedule"`
	// PerKeyTimeoutSeconds 单个 key 用量查询的超时
	PerKeyTimeoutSeconds int `mapstructure:"per_key_timeout_seconds"`
}

func (s *SyncConfig) PerKeyTimeout() time.Duration {
	return time.Duration(s.PerKeyTimeoutSeconds) * time.Second
}

type AdminConfig struct {
	// Token 管理接口的 Bearer 凭证；为空时管理接口全部拒绝
	Token string `mapstructure:"token"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load 读取并校验完整配置。
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Config paths in priority order
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath("/app/data")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tavily2api")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Log.ServiceName = strings.TrimSpace(cfg.Log.ServiceName)
	cfg.Log.Environment = strings.TrimSpace(cfg.Log.Environment)
	cfg.Log.Output.FilePath = strings.TrimSpace(cfg.Log.Output.FilePath)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Tavily.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Tavily.BaseURL), "/")
	cfg.Tavily.KeyPrefix = strings.TrimSpace(cfg.Tavily.KeyPrefix)
	cfg.Admin.Token = strings.TrimSpace(cfg.Admin.Token)
	cfg.CORS.AllowedOrigins = normalizeStringSlice(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 10)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.max_request_body_size", 4*1024*1024)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.service_name", "tavily2api")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", false)
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)

	// Database
	viper.SetDefault("database.driver", DatabaseSQLite)
	viper.SetDefault("database.dsn", "data/tavily2api.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)

	// Tavily
	viper.SetDefault("tavily.base_url", "https://api.tavily.com")
	viper.SetDefault("tavily.request_timeout_seconds", 60)
	viper.SetDefault("tavily.response_header_timeout_seconds", 30)
	viper.SetDefault("tavily.max_retries", 3)
	viper.SetDefault("tavily.failure_threshold", 3)
	viper.SetDefault("tavily.default_total_quota", 1000)
	viper.SetDefault("tavily.key_prefix", "tvly-")
	viper.SetDefault("tavily.import_max_batch", 500)
	viper.SetDefault("tavily.import_max_key_length", 128)

	// Sync
	viper.SetDefault("sync.enabled", true)
	viper.SetDefault("sync.schedule", "")
	viper.SetDefault("sync.per_key_timeout_seconds", 15)

	// Admin
	// 显式注册空默认值，环境变量覆盖才会被 Unmarshal 看到
	viper.SetDefault("admin.token", "")

	// Metrics
	viper.SetDefault("metrics.enabled", true)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" && c.Server.Mode != "test" {
		return fmt.Errorf("invalid server.mode: %s", c.Server.Mode)
	}
	if c.Server.MaxRequestBodySize <= 0 {
		return fmt.Errorf("server.max_request_body_size must be positive")
	}

	switch c.Database.Driver {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("unknown database.driver: %s", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if _, err := url.Parse(c.Tavily.BaseURL); err != nil || c.Tavily.BaseURL == "" {
		return fmt.Errorf("invalid tavily.base_url: %q", c.Tavily.BaseURL)
	}
	if c.Tavily.MaxRetries < 1 {
		return fmt.Errorf("tavily.max_retries must be >= 1")
	}
	if c.Tavily.FailureThreshold < 1 {
		return fmt.Errorf("tavily.failure_threshold must be >= 1")
	}
	if c.Tavily.DefaultTotalQuota < 0 {
		return fmt.Errorf("tavily.default_total_quota must be non-negative")
	}
	if c.Tavily.KeyPrefix == "" {
		return fmt.Errorf("tavily.key_prefix is required")
	}
	if c.Tavily.ImportMaxBatch < 1 {
		return fmt.Errorf("tavily.import_max_batch must be >= 1")
	}
	if c.Tavily.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("tavily.request_timeout_seconds must be positive")
	}
	if c.Sync.PerKeyTimeoutSeconds <= 0 {
		return fmt.Errorf("sync.per_key_timeout_seconds must be positive")
	}
	return nil
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
