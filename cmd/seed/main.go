package main

import (
	"flag"
	"strings"

	"github.com/covoit-next/internal/authz"
	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"
	"github.com/covoit-next/internal/service"
)

// 创建或更新运营账号并分配预置角色，例如：
//
//	seed -username alice -password '...' -roles finance,reconciliation_operator
func main() {
	var username, password, roles string
	flag.StringVar(&username, "username", "", "运营账号")
	flag.StringVar(&password, "password", "", "登录密码（已存在账号留空则不修改）")
	flag.StringVar(&roles, "roles", "readonly_auditor", "角色列表，逗号分隔")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()
	stdLog := logger.StdLogger()

	username = strings.TrimSpace(username)
	if username == "" {
		stdLog.Fatalf("username is required")
	}

	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
		LogLevel:               cfg.Database.LogLevel,
	}); err != nil {
		stdLog.Fatalf("Failed to connect database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("Failed to migrate database: %v", err)
	}

	authzService, err := authz.NewService(models.DB)
	if err != nil {
		stdLog.Fatalf("Failed to init authz: %v", err)
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		stdLog.Fatalf("Failed to bootstrap roles: %v", err)
	}

	operatorRepo := repository.NewOperatorRepository(models.DB)
	authService := service.NewAuthService(cfg.JWT, operatorRepo)

	operator, err := operatorRepo.GetByUsername(username)
	if err != nil {
		stdLog.Fatalf("Failed to load operator: %v", err)
	}
	if operator == nil {
		if password == "" {
			stdLog.Fatalf("password is required for a new operator")
		}
		operator = &models.Operator{Username: username}
	}
	if password != "" {
		hash, err := authService.HashPassword(password)
		if err != nil {
			stdLog.Fatalf("Failed to hash password: %v", err)
		}
		operator.PasswordHash = hash
		operator.TokenVersion++
	}
	if operator.ID == 0 {
		err = operatorRepo.Create(operator)
	} else {
		err = operatorRepo.Update(operator)
	}
	if err != nil {
		stdLog.Fatalf("Failed to save operator: %v", err)
	}

	var roleList []string
	for _, role := range strings.Split(roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roleList = append(roleList, role)
		}
	}
	if err := authzService.SetOperatorRoles(operator.ID, roleList); err != nil {
		stdLog.Fatalf("Failed to assign roles: %v", err)
	}
	stdLog.Printf("operator %s (id=%d) ready with roles %v", operator.Username, operator.ID, roleList)
}
