package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置结构体
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Presence   PresenceConfig   `yaml:"presence"`
	Attachment AttachmentConfig `yaml:"attachment"`
	Reaper     ReaperConfig     `yaml:"reaper"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port         string        `yaml:"port"`         // 服务器监听端口
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读取超时时间
	WriteTimeout time.Duration `yaml:"writeTimeout"` // 写入超时时间
	IdleTimeout  time.Duration `yaml:"idleTimeout"`  // 空闲超时时间
}

// DatabaseConfig 数据库配置
// Driver 为 mysql 时使用 Host/Port 等连接参数，为 sqlite 时使用 Path
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`   // 数据库驱动类型: mysql / sqlite
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	Username string `yaml:"username"` // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Database string `yaml:"database"` // 数据库名称
	Charset  string `yaml:"charset"`  // 字符集
	Path     string `yaml:"path"`     // sqlite 文件路径
	MaxIdle  int    `yaml:"maxIdle"`  // 最大空闲连接数
	MaxOpen  int    `yaml:"maxOpen"`  // 最大打开连接数
	LogSQL   bool   `yaml:"logSQL"`   // 是否打印SQL
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string        `yaml:"secret"`     // JWT密钥
	ExpireTime time.Duration `yaml:"expireTime"` // JWT过期时间
	Issuer     string        `yaml:"issuer"`     // JWT签发者
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // 日志级别
	Filename   string `yaml:"filename"`   // 日志文件名
	MaxSize    int    `yaml:"maxSize"`    // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups"` // 最大备份文件数
	MaxAge     int    `yaml:"maxAge"`     // 最大保存天数
	Compress   bool   `yaml:"compress"`   // 是否压缩
	Console    bool   `yaml:"console"`    // 是否同时输出到控制台
}

// RedisConfig Redis配置，开启后变更事件通过 Redis 在多实例之间转发
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`  // 是否启用
	Host     string `yaml:"host"`     // Redis主机地址
	Port     int    `yaml:"port"`     // Redis端口
	Password string `yaml:"password"` // Redis密码
	DB       int    `yaml:"db"`       // Redis数据库编号
	Channel  string `yaml:"channel"`  // 变更事件频道
}

// WebSocketConfig WebSocket 心跳配置
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"` // 发送ping的间隔
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读超时时间（未收到任何数据则断开）
	CommandRate  float64       `yaml:"commandRate"`  // 每秒允许的客户端指令数
	CommandBurst int           `yaml:"commandBurst"` // 指令突发上限
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"` // 心跳周期
	StaleAfter        time.Duration `yaml:"staleAfter"`        // 超过该时间未心跳视为离线
	TypingIdle        time.Duration `yaml:"typingIdle"`        // 停止输入多久后发送 typing stop
}

// AttachmentConfig 附件配置
type AttachmentConfig struct {
	MaxSize          int64  `yaml:"maxSize"`          // 单个附件最大字节数
	StorageDir       string `yaml:"storageDir"`       // 对象存储根目录
	PublicBaseURL    string `yaml:"publicBaseURL"`    // 对象公开访问地址前缀
	DocumentProxyURL string `yaml:"documentProxyURL"` // PDF 预览代理（url 参数拼接在末尾）
	OfficeProxyURL   string `yaml:"officeProxyURL"`   // Office 文档预览代理
	BlobDir          string `yaml:"blobDir"`          // 本地预览临时文件目录
}

// ReaperConfig 过期消息清理配置
type ReaperConfig struct {
	Enabled   bool   `yaml:"enabled"`   // 是否启用
	Cron      string `yaml:"cron"`      // cron 表达式
	BatchSize int    `yaml:"batchSize"` // 单次清理条数
}

// LoadConfig 加载配置（混合方式：.env + YAML文件 + 环境变量）
func LoadConfig() *Config {
	// 0. 存在 .env 时先加载到环境变量（不覆盖已有变量）
	_ = godotenv.Load()

	// 1. 首先从YAML文件加载默认配置
	config := loadFromYAML(getEnv("CONFIG_FILE", "config/config.yaml"))

	// 2. 用环境变量覆盖配置（环境变量优先级更高）
	overrideWithEnvVars(config)

	return config
}

// loadFromYAML 从YAML文件加载配置，缺失的字段使用默认值
func loadFromYAML(filePath string) *Config {
	config := getDefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return config
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return getDefaultConfig()
	}

	return config
}

// overrideWithEnvVars 用环境变量覆盖配置
func overrideWithEnvVars(config *Config) {
	// 服务器配置
	if port := getEnv("SERVER_PORT", ""); port != "" {
		config.Server.Port = port
	}
	if timeout := getEnvDuration("SERVER_READ_TIMEOUT", 0); timeout > 0 {
		config.Server.ReadTimeout = timeout
	}
	if timeout := getEnvDuration("SERVER_WRITE_TIMEOUT", 0); timeout > 0 {
		config.Server.WriteTimeout = timeout
	}

	// 数据库配置
	if driver := getEnv("DB_DRIVER", ""); driver != "" {
		config.Database.Driver = driver
	}
	if host := getEnv("DB_HOST", ""); host != "" {
		config.Database.Host = host
	}
	if port := getEnvInt("DB_PORT", 0); port > 0 {
		config.Database.Port = port
	}
	if username := getEnv("DB_USERNAME", ""); username != "" {
		config.Database.Username = username
	}
	if password := getEnv("DB_PASSWORD", ""); password != "" {
		config.Database.Password = password
	}
	if database := getEnv("DB_DATABASE", ""); database != "" {
		config.Database.Database = database
	}
	if path := getEnv("DB_PATH", ""); path != "" {
		config.Database.Path = path
	}
	if maxOpen := getEnvInt("DB_MAX_OPEN", 0); maxOpen > 0 {
		config.Database.MaxOpen = maxOpen
	}

	// JWT配置
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		config.JWT.Secret = secret
	}
	if expireTime := getEnvDuration("JWT_EXPIRE_TIME", 0); expireTime > 0 {
		config.JWT.ExpireTime = expireTime
	}

	// 日志配置
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		config.Log.Level = level
	}
	if filename := getEnv("LOG_FILENAME", ""); filename != "" {
		config.Log.Filename = filename
	}
	config.Log.Console = getEnvBool("LOG_CONSOLE", config.Log.Console)

	// Redis配置
	config.Redis.Enabled = getEnvBool("REDIS_ENABLED", config.Redis.Enabled)
	if host := getEnv("REDIS_HOST", ""); host != "" {
		config.Redis.Host = host
	}
	if port := getEnvInt("REDIS_PORT", 0); port > 0 {
		config.Redis.Port = port
	}
	if password := getEnv("REDIS_PASSWORD", ""); password != "" {
		config.Redis.Password = password
	}
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		config.Redis.DB = db
	}

	// WebSocket配置
	if d := getEnvDuration("WS_PING_INTERVAL", 0); d > 0 {
		config.WebSocket.PingInterval = d
	}
	if d := getEnvDuration("WS_READ_TIMEOUT", 0); d > 0 {
		config.WebSocket.ReadTimeout = d
	}

	// 在线状态配置
	if d := getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 0); d > 0 {
		config.Presence.HeartbeatInterval = d
	}
	if d := getEnvDuration("PRESENCE_STALE_AFTER", 0); d > 0 {
		config.Presence.StaleAfter = d
	}

	// 附件配置
	if dir := getEnv("ATTACHMENT_STORAGE_DIR", ""); dir != "" {
		config.Attachment.StorageDir = dir
	}
	if base := getEnv("ATTACHMENT_PUBLIC_BASE_URL", ""); base != "" {
		config.Attachment.PublicBaseURL = base
	}
	if proxy := getEnv("ATTACHMENT_DOCUMENT_PROXY_URL", ""); proxy != "" {
		config.Attachment.DocumentProxyURL = proxy
	}
	if proxy := getEnv("ATTACHMENT_OFFICE_PROXY_URL", ""); proxy != "" {
		config.Attachment.OfficeProxyURL = proxy
	}

	// 过期消息清理
	config.Reaper.Enabled = getEnvBool("REAPER_ENABLED", config.Reaper.Enabled)
	if cron := getEnv("REAPER_CRON", ""); cron != "" {
		config.Reaper.Cron = cron
	}
}

// getDefaultConfig 获取默认配置
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			Username: "im_user",
			Database: "im_chat",
			Charset:  "utf8mb4",
			Path:     "data/im_chat.db",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		JWT: JWTConfig{
			Secret:     "change-me",
			ExpireTime: 24 * time.Hour,
			Issuer:     "im-chat",
		},
		Log: LogConfig{
			Level:      "info",
			Filename:   "logs/app.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
			Console:    true,
		},
		Redis: RedisConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
			DB:      0,
			Channel: "im:chat:feed",
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  90 * time.Second,
			CommandRate:  20,
			CommandBurst: 40,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        60 * time.Second,
			TypingIdle:        2 * time.Second,
		},
		Attachment: AttachmentConfig{
			MaxSize:          100 << 20,
			StorageDir:       "data/objects",
			PublicBaseURL:    "/objects",
			DocumentProxyURL: "https://docs.google.com/gview?embedded=true&url=",
			OfficeProxyURL:   "https://view.officeapps.live.com/op/embed.aspx?src=",
			BlobDir:          os.TempDir(),
		},
		Reaper: ReaperConfig{
			Enabled:   false,
			Cron:      "*/5 * * * *",
			BatchSize: 500,
		},
	}
}

// 辅助函数：获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 辅助函数：获取整数环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 辅助函数：获取布尔环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// 辅助函数：获取时间环境变量
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
