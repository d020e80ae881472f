// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，由 Init 填充，仅在 cmd 层使用。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Session     SessionConfig     `mapstructure:"session"`
	Compression CompressionConfig `mapstructure:"compression"`
	Thumbnail   ThumbnailConfig   `mapstructure:"thumbnail"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Cache       CacheConfig       `mapstructure:"cache"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// BackendConfig 描述诊所后端 REST 服务的地址与超时。
type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
}

// AuthConfig 控制 bearer token 的校验。JWTSecret 为空时只检查过期时间，签名由后端校验。
type AuthConfig struct {
	Required  bool   `mapstructure:"required"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// UploadConfig 描述上传会话的配额与保留策略。
type UploadConfig struct {
	Quota         int      `mapstructure:"quota"`
	RetentionDays int      `mapstructure:"retention_days"`
	WarningDays   int      `mapstructure:"warning_days"`
	Workers       int      `mapstructure:"workers"`
	MaxFileBytes  int64    `mapstructure:"max_file_bytes"`
	AllowedTypes  []string `mapstructure:"allowed_types"`
}

// Retention 返回上传记录的保留时长。
func (c UploadConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SessionConfig 控制按用户划分的上传会话。空闲超过 IdleTTL 的会话被回收，下次访问时从后端重新同步。
type SessionConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
}

// CompressionConfig 存储图片压缩参数。Upload* 用于上传路径的更严格限制。
// MaxPixels 限制解码前的像素数，超过时原样上传并跳过缩略图。
type CompressionConfig struct {
	MaxWidth        int     `mapstructure:"max_width"`
	MaxHeight       int     `mapstructure:"max_height"`
	Quality         float64 `mapstructure:"quality"`
	UploadMaxWidth  int     `mapstructure:"upload_max_width"`
	UploadMaxHeight int     `mapstructure:"upload_max_height"`
	UploadQuality   float64 `mapstructure:"upload_quality"`
	MaxPixels       int64   `mapstructure:"max_pixels"`
}

// ThumbnailConfig 存储本地缩略图参数。
type ThumbnailConfig struct {
	MaxSide int     `mapstructure:"max_side"`
	Quality float64 `mapstructure:"quality"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PatientTTL time.Duration `mapstructure:"patient_ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Brokers            string `mapstructure:"brokers"`
	EventsTopic        string `mapstructure:"events_topic"`
	NotificationsTopic string `mapstructure:"notifications_topic"`
	GroupID            string `mapstructure:"group_id"`
}

// CacheConfig 存储进程内 LRU 缓存的配置。
type CacheConfig struct {
	PatientEntries    int           `mapstructure:"patient_entries"`
	ValidationEntries int           `mapstructure:"validation_entries"`
	TTL               time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.upload_timeout", 30*time.Second)
	v.SetDefault("backend.metadata_timeout", 10*time.Second)
	v.SetDefault("auth.required", false)
	v.SetDefault("upload.quota", 20)
	v.SetDefault("upload.retention_days", 30)
	v.SetDefault("upload.warning_days", 7)
	v.SetDefault("upload.workers", 1)
	v.SetDefault("upload.max_file_bytes", 25<<20)
	v.SetDefault("upload.allowed_types", []string{
		"image/jpeg", "image/png", "image/jpg", "image/tiff", "image/bmp", "application/pdf",
	})
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.idle_ttl", 12*time.Hour)
	v.SetDefault("compression.max_width", 2048)
	v.SetDefault("compression.max_height", 2048)
	v.SetDefault("compression.quality", 0.8)
	v.SetDefault("compression.upload_max_width", 1600)
	v.SetDefault("compression.upload_max_height", 1600)
	v.SetDefault("compression.upload_quality", 0.7)
	v.SetDefault("compression.max_pixels", 40_000_000)
	v.SetDefault("thumbnail.max_side", 200)
	v.SetDefault("thumbnail.quality", 0.8)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.patient_ttl", 2*time.Minute)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.events_topic", "intake.upload-events")
	v.SetDefault("kafka.notifications_topic", "documents.processing")
	v.SetDefault("kafka.group_id", "reconomed-intake")
	v.SetDefault("cache.patient_entries", 256)
	v.SetDefault("cache.validation_entries", 128)
	v.SetDefault("cache.ttl", 5*time.Minute)
}

// Load 读取指定路径的 YAML 文件（可为空，仅使用默认值和环境变量）并返回配置。
// 环境变量以 INTAKE_ 为前缀，例如 INTAKE_UPLOAD_QUOTA。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upload.Quota <= 0 {
		return fmt.Errorf("upload.quota 必须大于 0, 当前为 %d", c.Upload.Quota)
	}
	if c.Upload.Workers <= 0 {
		c.Upload.Workers = 1
	}
	if c.Compression.Quality <= 0 || c.Compression.Quality > 1 {
		return fmt.Errorf("compression.quality 必须位于 (0, 1], 当前为 %.2f", c.Compression.Quality)
	}
	if c.Compression.UploadQuality <= 0 || c.Compression.UploadQuality > 1 {
		return fmt.Errorf("compression.upload_quality 必须位于 (0, 1], 当前为 %.2f", c.Compression.UploadQuality)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url 不能为空")
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
