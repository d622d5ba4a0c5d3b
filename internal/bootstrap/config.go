package bootstrap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"collaborative-canvas/internal/infra/discovery"
	redisstate "collaborative-canvas/internal/infra/state/redis"
)

// 持久化驱动与异步保存后端
const (
	DriverFile    = "file"
	DriverRedis   = "redis"
	BackendLocal  = "local"
	BackendAsynq  = "asynq"
	envProduction = "production"
)

// Config 结构体用于存储从环境变量或配置文件加载的配置
type Config struct {
	ServerPort string
	LogLevel   string
	AppEnv     string // development / production

	DataDir           string
	PersistenceDriver string // file | redis
	AsyncBackend      string // local | asynq
	SaveTimeout       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	SnapshotTTL   time.Duration

	RateLimitMax      int
	RateLimitWindow   time.Duration
	CORSAllowedOrigin string
	WSMaxMessageBytes int64
	FlushSchedule     string

	MDNSEnabled bool
	MDNSService string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DATA_DIR", "data/rooms")
	v.SetDefault("PERSISTENCE_DRIVER", DriverFile)
	v.SetDefault("ASYNC_BACKEND", BackendLocal)
	v.SetDefault("SAVE_TIMEOUT", "10s")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", redisstate.DefaultKeyPrefix)
	v.SetDefault("SNAPSHOT_TTL", "0s")
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "1s")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 1<<20)
	v.SetDefault("FLUSH_SCHEDULE", "@every 5m")
	v.SetDefault("MDNS_ENABLED", false)
	v.SetDefault("MDNS_SERVICE", discovery.DefaultService)
}

// LoadConfig 依次读取 .env、可选的 config.yaml 和环境变量 (环境变量优先)
func LoadConfig() (*Config, error) {
	// .env 不存在时忽略，允许只使用环境变量
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.AutomaticEnv()
	return configFrom(v)
}

func configFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerPort:        v.GetString("SERVER_PORT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		AppEnv:            v.GetString("APP_ENV"),
		DataDir:           v.GetString("DATA_DIR"),
		PersistenceDriver: strings.ToLower(v.GetString("PERSISTENCE_DRIVER")),
		AsyncBackend:      strings.ToLower(v.GetString("ASYNC_BACKEND")),
		SaveTimeout:       v.GetDuration("SAVE_TIMEOUT"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		KeyPrefix:         v.GetString("REDIS_KEY_PREFIX"),
		SnapshotTTL:       v.GetDuration("SNAPSHOT_TTL"),
		RateLimitMax:      v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),
		CORSAllowedOrigin: v.GetString("CORS_ALLOWED_ORIGIN"),
		WSMaxMessageBytes: v.GetInt64("WS_MAX_MESSAGE_BYTES"),
		FlushSchedule:     v.GetString("FLUSH_SCHEDULE"),
		MDNSEnabled:       v.GetBool("MDNS_ENABLED"),
		MDNSService:       v.GetString("MDNS_SERVICE"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置组合是否可用，并修正可以降级的值
func (cfg *Config) Validate() error {
	if cfg.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT must not be empty")
	}
	switch cfg.PersistenceDriver {
	case DriverFile:
		if cfg.DataDir == "" {
			return fmt.Errorf("DATA_DIR must be set when PERSISTENCE_DRIVER=file")
		}
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR must be set when PERSISTENCE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unknown PERSISTENCE_DRIVER %q (want file or redis)", cfg.PersistenceDriver)
	}
	switch cfg.AsyncBackend {
	case BackendLocal:
	case BackendAsynq:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR must be set when ASYNC_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unknown ASYNC_BACKEND %q (want local or asynq)", cfg.AsyncBackend)
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return nil
}

// UsesRedis 判断是否需要 Redis 连接
func (cfg *Config) UsesRedis() bool {
	return cfg.RedisAddr != "" &&
		(cfg.PersistenceDriver == DriverRedis || cfg.AsyncBackend == BackendAsynq || cfg.RateLimitMax > 0)
}
