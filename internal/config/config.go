package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/payment/mobilemoney"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Database       DatabaseConfig       `mapstructure:"database"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	InternalAPI    InternalAPIConfig    `mapstructure:"internal_api"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	CORS           CORSConfig           `mapstructure:"cors"`
	Security       SecurityConfig       `mapstructure:"security"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Commission     CommissionConfig     `mapstructure:"commission"`
	Refund         RefundConfig         `mapstructure:"refund"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Receipt        ReceiptConfig        `mapstructure:"receipt"`
	Bootstrap      BootstrapConfig      `mapstructure:"bootstrap"`
	Captcha        CaptchaConfig        `mapstructure:"captcha"`
	NewRelic       NewRelicConfig       `mapstructure:"newrelic"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stdout     bool   `mapstructure:"stdout"`
	Service    string `mapstructure:"service"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
		AlsoStdout: c.Stdout,
		Service:    c.Service,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN      string             `mapstructure:"dsn"`    // 数据库连接串
	LogLevel string             `mapstructure:"log_level"`
	Pool     DatabasePoolConfig `mapstructure:"pool"`
}

// JWTConfig 运营后台 JWT 配置
type JWTConfig struct {
	SecretKey   string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// InternalAPIConfig 内部服务（预约、账户）调用鉴权
type InternalAPIConfig struct {
	Token string `mapstructure:"token"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	LoginRateLimit   RateLimitConfig `mapstructure:"login_rate_limit"`
	WebhookRateLimit RateLimitConfig `mapstructure:"webhook_rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxAttempts   int `mapstructure:"max_attempts"`
	BlockSeconds  int `mapstructure:"block_seconds"`
}

// GatewayConfig 移动支付网关配置
type GatewayConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	InitPath       string   `mapstructure:"init_path"`
	CheckPath      string   `mapstructure:"check_path"`
	APIKey         string   `mapstructure:"api_key"`
	MerchantID     string   `mapstructure:"merchant_id"`
	SecretKey      string   `mapstructure:"secret_key"`
	Currency       string   `mapstructure:"currency"`
	NotifyURL      string   `mapstructure:"notify_url"`
	ReturnURL      string   `mapstructure:"return_url"`
	Channels       []string `mapstructure:"channels"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	FeeRate        float64  `mapstructure:"fee_rate"`
	Timezone       string   `mapstructure:"timezone"`
}

// Timeout 网关调用超时
func (c GatewayConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ToClientConfig 转换为网关客户端的不可变配置
func (c GatewayConfig) ToClientConfig() mobilemoney.Config {
	location := time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loaded, err := time.LoadLocation(tz); err == nil {
			location = loaded
		} else {
			logger.Warnw("gateway_timezone_invalid", "timezone", tz, "error", err)
		}
	}
	return mobilemoney.Config{
		BaseURL:    c.BaseURL,
		InitPath:   c.InitPath,
		CheckPath:  c.CheckPath,
		APIKey:     c.APIKey,
		MerchantID: c.MerchantID,
		SecretKey:  c.SecretKey,
		Currency:   c.Currency,
		NotifyURL:  c.NotifyURL,
		ReturnURL:  c.ReturnURL,
		Channels:   c.Channels,
		Timeout:    c.Timeout(),
		Location:   location,
	}
}

// CommissionConfig 佣金规则配置
type CommissionConfig struct {
	BaseRate             float64 `mapstructure:"base_rate"`
	MaxRate              float64 `mapstructure:"max_rate"`
	LongDistanceKm       float64 `mapstructure:"long_distance_km"`
	LongDistanceDiscount float64 `mapstructure:"long_distance_discount"`
	HighVolumeTrips      int     `mapstructure:"high_volume_trips"`
	HighRatingThreshold  float64 `mapstructure:"high_rating_threshold"`
	HighVolumeDiscount   float64 `mapstructure:"high_volume_discount"`
	RoundingTolerance    float64 `mapstructure:"rounding_tolerance"`
}

// RefundConfig 取消退款分档配置
type RefundConfig struct {
	FullRefundHours    float64 `mapstructure:"full_refund_hours"`
	PartialRefundHours float64 `mapstructure:"partial_refund_hours"`
	PartialFeeRate     float64 `mapstructure:"partial_fee_rate"`
	LateFeeRate        float64 `mapstructure:"late_fee_rate"`
}

// ReconciliationConfig 对账与重试配置
type ReconciliationConfig struct {
	Enabled                          bool `mapstructure:"enabled"`
	IntervalSeconds                  int  `mapstructure:"interval_seconds"`
	PendingThresholdMinutes          int  `mapstructure:"pending_threshold_minutes"`
	CommissionPendingThresholdMinute int  `mapstructure:"commission_pending_threshold_minutes"`
	CommissionMaxAttempts            int  `mapstructure:"commission_max_attempts"`
	BackoffBaseSeconds               int  `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds                int  `mapstructure:"backoff_max_seconds"`
	BatchSize                        int  `mapstructure:"batch_size"`
}

// ReceiptConfig 收据配置
type ReceiptConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// BootstrapConfig 首次启动账号
type BootstrapConfig struct {
	OperatorUsername string `mapstructure:"operator_username"`
	OperatorPassword string `mapstructure:"operator_password"`
}

// CaptchaConfig 运营登录验证码
type CaptchaConfig struct {
	Provider string             `mapstructure:"provider"` // none / image
	Login    bool               `mapstructure:"login"`
	Image    CaptchaImageConfig `mapstructure:"image"`
}

// CaptchaImageConfig 图片验证码配置
type CaptchaImageConfig struct {
	Length        int `mapstructure:"length"`
	Width         int `mapstructure:"width"`
	Height        int `mapstructure:"height"`
	NoiseCount    int `mapstructure:"noise_count"`
	ShowLine      int `mapstructure:"show_line"`
	ExpireSeconds int `mapstructure:"expire_seconds"`
	MaxStore      int `mapstructure:"max_store"`
}

// NewRelicConfig APM 配置
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// Decimal 将浮点配置转换为 decimal
func Decimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// Load 从 .env 与 config.yml 加载配置
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warnw("dotenv_load_failed", "error", err)
		}
	} else {
		logger.Infow("dotenv_loaded")
	}

	cfg, err := load(viper.GetViper(), true)
	if err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}
	return cfg
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	if readFile {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../")
		v.AddConfigPath("./etc")
	}
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // gateway.api_key -> GATEWAY_API_KEY

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			logger.Warnw("config_file_read_failed", "error", err, "fallback", "env_or_defaults")
		} else {
			logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Commission.MaxRate <= 0 || c.Commission.MaxRate > 0.5 {
		c.Commission.MaxRate = 0.5
	}
	if c.Commission.RoundingTolerance <= 0 {
		c.Commission.RoundingTolerance = 0.01
	}
	if strings.TrimSpace(c.Gateway.Currency) == "" {
		c.Gateway.Currency = "XOF"
	}
	if c.Reconciliation.CommissionMaxAttempts <= 0 {
		c.Reconciliation.CommissionMaxAttempts = 1
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "settlement.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.stdout", false)
	v.SetDefault("log.service", "covoit-payments")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./db/covoit.db")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.pool.max_open_conns", 1)
	v.SetDefault("database.pool.max_idle_conns", 1)
	v.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expire_hours", 12)
	v.SetDefault("internal_api.token", "")
	v.SetDefault("captcha.provider", "none")
	v.SetDefault("captcha.login", false)
	v.SetDefault("captcha.image.length", 5)
	v.SetDefault("captcha.image.width", 240)
	v.SetDefault("captcha.image.height", 80)
	v.SetDefault("captcha.image.noise_count", 2)
	v.SetDefault("captcha.image.show_line", 2)
	v.SetDefault("captcha.image.expire_seconds", 300)
	v.SetDefault("captcha.image.max_store", 10240)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "covoit")
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", map[string]int{
		"default":  10,
		"critical": 5,
	})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Authorization",
		"X-Request-ID",
		"X-Internal-Token",
	})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("security.login_rate_limit.window_seconds", 300)
	v.SetDefault("security.login_rate_limit.max_attempts", 5)
	v.SetDefault("security.login_rate_limit.block_seconds", 900)
	v.SetDefault("security.webhook_rate_limit.window_seconds", 60)
	v.SetDefault("security.webhook_rate_limit.max_attempts", 120)
	v.SetDefault("security.webhook_rate_limit.block_seconds", 60)
	v.SetDefault("gateway.base_url", "https://api-checkout.cinetpay.com")
	v.SetDefault("gateway.init_path", "/v2/payment")
	v.SetDefault("gateway.check_path", "/v2/payment/check")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.merchant_id", "")
	v.SetDefault("gateway.secret_key", "")
	v.SetDefault("gateway.currency", "XOF")
	v.SetDefault("gateway.notify_url", "")
	v.SetDefault("gateway.return_url", "")
	v.SetDefault("gateway.channels", []string{"MOBILE_MONEY"})
	v.SetDefault("gateway.timeout_seconds", 15)
	v.SetDefault("gateway.fee_rate", 0.0)
	v.SetDefault("gateway.timezone", "UTC")
	v.SetDefault("commission.base_rate", 0.10)
	v.SetDefault("commission.max_rate", 0.5)
	v.SetDefault("commission.long_distance_km", 100)
	v.SetDefault("commission.long_distance_discount", 0.02)
	v.SetDefault("commission.high_volume_trips", 50)
	v.SetDefault("commission.high_rating_threshold", 4.5)
	v.SetDefault("commission.high_volume_discount", 0.01)
	v.SetDefault("commission.rounding_tolerance", 0.01)
	v.SetDefault("refund.full_refund_hours", 24)
	v.SetDefault("refund.partial_refund_hours", 2)
	v.SetDefault("refund.partial_fee_rate", 0.10)
	v.SetDefault("refund.late_fee_rate", 0.50)
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval_seconds", 300)
	v.SetDefault("reconciliation.pending_threshold_minutes", 30)
	v.SetDefault("reconciliation.commission_pending_threshold_minutes", 60)
	v.SetDefault("reconciliation.commission_max_attempts", 5)
	v.SetDefault("reconciliation.backoff_base_seconds", 60)
	v.SetDefault("reconciliation.backoff_max_seconds", 3600)
	v.SetDefault("reconciliation.batch_size", 100)
	v.SetDefault("receipt.base_url", "https://covoit.example/recus")
	v.SetDefault("bootstrap.operator_username", "admin")
	v.SetDefault("bootstrap.operator_password", "")
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "covoit-payments")
	v.SetDefault("newrelic.license_key", "")
}
