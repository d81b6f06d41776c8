package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App           AppConfig
	Server        ServerConfig
	WebSocket     WebSocketConfig
	Conversation  ConversationConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AI            AIConfig
	SportsAPI     SportsAPIConfig     `mapstructure:"sportsApi"`
	SportsUpdates SportsUpdatesConfig `mapstructure:"sportsUpdates"`
	Auth          AuthConfig
	Log           LogConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int

	// HTTP 接口按客户端 IP 限流，0 表示不限流
	RequestsPerSecond float64
	Burst             int
}

// WebSocketConfig WebSocket 配置，时间单位为秒，另有注明除外
type WebSocketConfig struct {
	IdleTimeout       int
	CleanupInterval   int
	WriteTimeout      int
	PingInterval      int
	ReadLimit         int64
	MaxContentLength  int
	MessagesPerSecond float64
	Burst             int
	ChunkWords        int
	ChunkDelayMs      int
	AllowedOrigins    []string
}

// ConversationConfig 会话配置
type ConversationConfig struct {
	MaxHistory      int
	Retention       int // 小时
	HistoryPageSize int
}

// StorageConfig 会话存储配置
type StorageConfig struct {
	Driver string // memory | redis | postgres
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AIConfig AI配置
type AIConfig struct {
	Provider    string
	Temperature float32
	OpenAI      OpenAIConfig
	Alibaba     AlibabaConfig
	DeepSeek    DeepSeekConfig
	Tools       ToolsConfig
}

// OpenAIConfig OpenAI配置
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// AlibabaConfig 阿里云配置
type AlibabaConfig struct {
	AccessKeySecret string
	Model           string
	Timeout         int
}

// DeepSeekConfig DeepSeek配置
type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// ToolsConfig 可选工具
type ToolsConfig struct {
	WebSearch bool
}

// SportsAPIConfig 上游体育数据接口配置
type SportsAPIConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	Timeout           int
	MaxRetries        int
	BreakerThreshold  int
	BreakerTimeout    int
	RequestsPerSecond float64
	Burst             int
	Cache             SportsCacheConfig
}

// SportsCacheConfig 上游响应缓存
type SportsCacheConfig struct {
	Driver         string // memory | redis
	TournamentsTTL int    // 秒
	FixturesTTL    int
	OddsTTL        int
}

// SportsUpdatesConfig 赔率与赛程变化推送
type SportsUpdatesConfig struct {
	Enabled         bool
	OddsInterval    int     // 秒
	FixtureInterval int     // 秒
	CleanupInterval int     // 秒
	ChangeThreshold float64 // 赔率相对变化超过该比例才推送
	MaxTracked      int     // 每轮最多轮询赔率的比赛数
	BroadcastAll    bool    // 推送给所有连接，无需订阅
}

// AuthConfig JWT 配置
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load 加载配置，文件不存在时使用默认值
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	// 环境变量
	v.SetEnvPrefix("CHATBET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IdleTimeoutDuration 空闲超时
func (c *WebSocketConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// CleanupIntervalDuration 空闲扫描间隔
func (c *WebSocketConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// ChunkDelay 分块间隔
func (c *WebSocketConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RetentionDuration 会话保留时长
func (c *ConversationConfig) RetentionDuration() time.Duration {
	return time.Duration(c.Retention) * time.Hour
}

// OddsIntervalDuration 赔率轮询间隔
func (c *SportsUpdatesConfig) OddsIntervalDuration() time.Duration {
	return time.Duration(c.OddsInterval) * time.Second
}

// FixtureIntervalDuration 赛程轮询间隔
func (c *SportsUpdatesConfig) FixtureIntervalDuration() time.Duration {
	return time.Duration(c.FixtureInterval) * time.Second
}

// CleanupIntervalDuration 失效订阅清理间隔
func (c *SportsUpdatesConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// NeedsRedis 是否有组件使用 Redis
func (c *Config) NeedsRedis() bool {
	return c.Storage.Driver == "redis" || c.SportsAPI.Cache.Driver == "redis"
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "chatbet")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.requestsPerSecond", 20)
	v.SetDefault("server.burst", 40)

	// WebSocket
	v.SetDefault("websocket.idleTimeout", 300)
	v.SetDefault("websocket.cleanupInterval", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 30)
	v.SetDefault("websocket.readLimit", 64*1024)
	v.SetDefault("websocket.maxContentLength", 4000)
	v.SetDefault("websocket.messagesPerSecond", 2)
	v.SetDefault("websocket.burst", 5)
	v.SetDefault("websocket.chunkWords", 3)
	v.SetDefault("websocket.chunkDelayMs", 50)
	v.SetDefault("websocket.allowedOrigins", []string{"*"})

	// Conversation
	v.SetDefault("conversation.maxHistory", 10)
	v.SetDefault("conversation.retention", 24)
	v.SetDefault("conversation.historyPageSize", 50)

	// Storage
	v.SetDefault("storage.driver", "memory")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "chatbet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.maxLifetime", 300)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// AI
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.openai.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.deepseek.baseUrl", "https://api.deepseek.com/v1")
	v.SetDefault("ai.deepseek.model", "deepseek-chat")
	v.SetDefault("ai.alibaba.model", "qwen-plus")
	v.SetDefault("ai.tools.webSearch", false)

	// Sports API
	v.SetDefault("sportsApi.baseUrl", "https://v46fnhvrjvtlrsmnismnwhdh5y0lckdl.lambda-url.us-east-1.on.aws")
	v.SetDefault("sportsApi.timeout", 30)
	v.SetDefault("sportsApi.maxRetries", 2)
	v.SetDefault("sportsApi.breakerThreshold", 5)
	v.SetDefault("sportsApi.breakerTimeout", 60)
	v.SetDefault("sportsApi.requestsPerSecond", 10)
	v.SetDefault("sportsApi.burst", 20)
	v.SetDefault("sportsApi.cache.driver", "memory")
	v.SetDefault("sportsApi.cache.tournamentsTtl", 86400)
	v.SetDefault("sportsApi.cache.fixturesTtl", 14400)
	v.SetDefault("sportsApi.cache.oddsTtl", 30)

	// Sports updates
	v.SetDefault("sportsUpdates.enabled", true)
	v.SetDefault("sportsUpdates.oddsInterval", 30)
	v.SetDefault("sportsUpdates.fixtureInterval", 300)
	v.SetDefault("sportsUpdates.cleanupInterval", 300)
	v.SetDefault("sportsUpdates.changeThreshold", 0.05)
	v.SetDefault("sportsUpdates.maxTracked", 20)
	v.SetDefault("sportsUpdates.broadcastAll", false)

	// Auth
	v.SetDefault("auth.issuer", "")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/chatbet.log")
	v.SetDefault("log.maxSizeMB", 10)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 28)
	v.SetDefault("log.compress", true)
}
