// config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends understood by app.OpenStorage.
const (
	BackendPebble  = "pebble"
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendFile    = "file"
	BackendRedis   = "redis"
)

// EnvPrefix is prepended to every environment override, e.g.
// NEARVIEW_STORAGE_BACKEND=redis.
const EnvPrefix = "NEARVIEW"

// Config 主配置结构
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Query   QueryConfig   `mapstructure:"query"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig 存储后端配置
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`            // pebble | badger | leveldb | file | redis
	DataDir         string `mapstructure:"data_dir"`           // 本地后端的数据目录
	RedisAddr       string `mapstructure:"redis_addr"`         // 127.0.0.1:6379
	RedisDB         int    `mapstructure:"redis_db"`           // 0
	RedisPrefix     string `mapstructure:"redis_prefix"`       // "nv:"
	Shards          int    `mapstructure:"shards"`             // >1 时启用分片路由
	MaxSubKeyLength int    `mapstructure:"max_sub_key_length"` // 256
}

// CacheConfig 读缓存配置
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Size      int           `mapstructure:"size"`       // LRU 条目数
	LatestTTL time.Duration `mapstructure:"latest_ttl"` // 最新高度缓存时间
}

// SandboxConfig 合约执行配置
type SandboxConfig struct {
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ModuleCacheSize  int           `mapstructure:"module_cache_size"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"` // 64KiB 页
}

// QueryConfig 查询配置
type QueryConfig struct {
	MinBlockHeight uint64 `mapstructure:"min_block_height"`
	ScanLimit      int    `mapstructure:"scan_limit"`
}

// IngestConfig 入库配置
type IngestConfig struct {
	KeepHistory uint64 `mapstructure:"keep_history"` // 0 = 保留全部历史
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:         BackendPebble,
			DataDir:         "data",
			RedisAddr:       "127.0.0.1:6379",
			RedisDB:         0,
			RedisPrefix:     "nv:",
			Shards:          1,
			MaxSubKeyLength: 256,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Size:      100000,
			LatestTTL: time.Second,
		},
		Sandbox: SandboxConfig{
			Workers:          4,
			Timeout:          10 * time.Second,
			ModuleCacheSize:  128,
			MemoryLimitPages: 1024,
		},
		Query: QueryConfig{
			MinBlockHeight: 0,
			ScanLimit:      100,
		},
		Ingest: IngestConfig{
			KeepHistory: 0,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads defaults, then the optional file at path, then NEARVIEW_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile 保留旧入口
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_db", d.Storage.RedisDB)
	v.SetDefault("storage.redis_prefix", d.Storage.RedisPrefix)
	v.SetDefault("storage.shards", d.Storage.Shards)
	v.SetDefault("storage.max_sub_key_length", d.Storage.MaxSubKeyLength)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.latest_ttl", d.Cache.LatestTTL)

	v.SetDefault("sandbox.workers", d.Sandbox.Workers)
	v.SetDefault("sandbox.timeout", d.Sandbox.Timeout)
	v.SetDefault("sandbox.module_cache_size", d.Sandbox.ModuleCacheSize)
	v.SetDefault("sandbox.memory_limit_pages", d.Sandbox.MemoryLimitPages)

	v.SetDefault("query.min_block_height", d.Query.MinBlockHeight)
	v.SetDefault("query.scan_limit", d.Query.ScanLimit)

	v.SetDefault("ingest.keep_history", d.Ingest.KeepHistory)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPebble, BackendBadger, BackendLevelDB, BackendFile:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required for local backends")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Shards <= 0 {
		return fmt.Errorf("storage.shards must be positive")
	}
	// 截断后缀是 32 字节 sha256，必须留出前缀空间
	if c.Storage.MaxSubKeyLength <= 32 {
		return fmt.Errorf("storage.max_sub_key_length must exceed 32")
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive when the cache is enabled")
	}
	if c.Sandbox.Workers <= 0 {
		return fmt.Errorf("sandbox.workers must be positive")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.ModuleCacheSize <= 0 {
		return fmt.Errorf("sandbox.module_cache_size must be positive")
	}
	if c.Query.ScanLimit <= 0 {
		return fmt.Errorf("query.scan_limit must be positive")
	}
	return nil
}
