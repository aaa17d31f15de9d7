package main

import (
	"flag"
	"os"
	"strings"
	"syscall"

	"github.com/covoit-next/internal/app"
	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/models"

	"github.com/gin-gonic/gin"
)

func main() {
	var mode string
	flag.StringVar(&mode, "mode", app.ModeAll, "启动模式: all (默认), api, worker")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()
	stdLog := logger.StdLogger()

	release := cfg.Server.Mode == "release"
	if isWeakSecret(cfg.JWT.SecretKey) {
		if release {
			stdLog.Fatalf("JWT secret 过弱或仍为默认值，请在生产环境中配置强随机密钥")
		}
		stdLog.Printf("警告: JWT secret 过弱或仍为默认值，建议在生产环境中更换")
	}
	if release && isWeakSecret(cfg.InternalAPI.Token) {
		stdLog.Fatalf("internal_api.token 未配置或过弱，内部接口无法安全启用")
	}
	if strings.TrimSpace(cfg.Gateway.SecretKey) == "" {
		stdLog.Printf("警告: 未配置 gateway.secret_key，所有网关回调将被拒绝")
	}

	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
		LogLevel:               cfg.Database.LogLevel,
	}); err != nil {
		stdLog.Fatalf("数据库初始化失败: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("数据库迁移失败: %v", err)
	}

	if release && cfg.Bootstrap.OperatorPassword == "" {
		stdLog.Printf("警告: 未设置 bootstrap.operator_password，已跳过默认运营账号初始化")
	} else if err := models.InitDefaultOperator(cfg.Bootstrap.OperatorUsername, cfg.Bootstrap.OperatorPassword); err != nil {
		stdLog.Printf("警告: 初始化默认运营账号失败: %v", err)
	}

	if release {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := app.Run(app.Options{
		Config:  cfg,
		Logger:  logger.S(),
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		Mode:    mode,
	}); err != nil {
		stdLog.Fatalf("服务运行失败: %v", err)
	}
}

func isWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	normalized := strings.ToLower(secret)
	for _, marker := range []string{"change-me", "change-in-production", "your-secret-key"} {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}
