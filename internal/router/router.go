package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/covoit-next/internal/authz"
	"github.com/covoit-next/internal/cache"
	"github.com/covoit-next/internal/config"
	adminhandlers "github.com/covoit-next/internal/http/handlers/admin"
	internalhandlers "github.com/covoit-next/internal/http/handlers/internalapi"
	publichandlers "github.com/covoit-next/internal/http/handlers/public"
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	internalHandler := internalhandlers.New(c)
	adminHandler := adminhandlers.New(c)

	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "cv"
	}
	redisClient := cache.Client()
	webhookRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:webhook", redisPrefix),
		WindowSeconds: cfg.Security.WebhookRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.WebhookRateLimit.MaxAttempts,
		BlockSeconds:  cfg.Security.WebhookRateLimit.BlockSeconds,
	}
	loginRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:operator_login", redisPrefix),
		WindowSeconds: cfg.Security.LoginRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.LoginRateLimit.MaxAttempts,
		BlockSeconds:  cfg.Security.LoginRateLimit.BlockSeconds,
		Message:       "too many login attempts",
	}

	r.Use(gin.Recovery())
	if c.NewRelic != nil {
		r.Use(nrgin.Middleware(c.NewRelic))
	}
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
		cfg.CORS.AllowCredentials,
		cfg.CORS.MaxAge,
	))

	apiV1 := r.Group("/api/v1")
	{
		// 网关回调
		apiV1.POST("/payments/webhook", RateLimitMiddleware(redisClient, webhookRule, KeyByIP), publicHandler.PaymentWebhook)

		// 内部服务接口（预约、账户服务）
		internal := apiV1.Group("/internal")
		internal.Use(InternalTokenMiddleware(cfg.InternalAPI.Token))
		{
			internal.POST("/payments/trip", internalHandler.CreateTripPayment)
			internal.POST("/payments/recharge", internalHandler.CreateRecharge)
			internal.POST("/payments/:id/initiate", internalHandler.InitiatePayment)
			internal.GET("/payments/:id/summary", internalHandler.GetPaymentSummary)
			internal.POST("/payments/:id/refund", internalHandler.RequestRefund)
		}

		admin := apiV1.Group("/admin")
		{
			admin.GET("/captcha", adminHandler.GetCaptcha)
			admin.POST("/login", RateLimitMiddleware(redisClient, loginRule, KeyByIPAndJSONField("username")), adminHandler.Login)

			authorized := admin.Use(JWTAuthMiddleware(c.AuthService), OperatorRBACMiddleware(c.AuthzService))
			{
				authorized.GET("/me", adminHandler.GetMe)

				// 权限
				authorized.GET("/roles", adminHandler.ListRoles)
				authorized.GET("/operators/:id/roles", adminHandler.GetOperatorRoles)
				authorized.PUT("/operators/:id/roles", adminHandler.SetOperatorRoles)
				authorized.GET("/authz/audit-logs", adminHandler.ListAuthzAuditLogs)
				authorized.GET("/permissions/catalog", func(ctx *gin.Context) {
					response.Success(ctx, buildOperatorPermissionCatalog(r))
				})

				// 支付
				authorized.GET("/payments", adminHandler.ListPayments)
				authorized.GET("/payments/pending-reconciliation", adminHandler.ListPendingReconciliation)
				authorized.GET("/payments/:id", adminHandler.GetPayment)
				authorized.POST("/payments/:id/transition", adminHandler.TransitionPayment)
				authorized.POST("/payments/:id/refund", adminHandler.RefundPayment)
				authorized.POST("/payments/:id/poll", adminHandler.PollPayment)
				authorized.POST("/payments/:id/receipt", adminHandler.IssueReceipt)
				authorized.POST("/payments/:id/commission/settle", adminHandler.SettleCommission)

				// 对账
				authorized.POST("/reconciliation/run", adminHandler.RunReconciliation)
			}
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

type permissionCatalogItem struct {
	Module     string `json:"module"`
	Method     string `json:"method"`
	Object     string `json:"object"`
	Permission string `json:"permission"`
}

// buildOperatorPermissionCatalog 从已注册路由推导可授权的策略清单
func buildOperatorPermissionCatalog(engine *gin.Engine) []permissionCatalogItem {
	if engine == nil {
		return []permissionCatalogItem{}
	}

	routes := engine.Routes()
	seen := make(map[string]struct{}, len(routes))
	items := make([]permissionCatalogItem, 0, len(routes))

	for _, item := range routes {
		method := strings.ToUpper(strings.TrimSpace(item.Method))
		if method == "" || method == "OPTIONS" || method == "HEAD" {
			continue
		}
		if !strings.HasPrefix(item.Path, "/api/v1/admin/") || item.Path == "/api/v1/admin/login" || item.Path == "/api/v1/admin/captcha" {
			continue
		}
		object := authz.NormalizeObject(item.Path)
		permission := method + ":" + object
		if _, exists := seen[permission]; exists {
			continue
		}
		seen[permission] = struct{}{}
		items = append(items, permissionCatalogItem{
			Module:     derivePermissionModule(object),
			Method:     method,
			Object:     object,
			Permission: permission,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Module != items[j].Module {
			return items[i].Module < items[j].Module
		}
		if items[i].Object != items[j].Object {
			return items[i].Object < items[j].Object
		}
		return items[i].Method < items[j].Method
	})
	return items
}

func derivePermissionModule(object string) string {
	segments := strings.Split(strings.TrimPrefix(strings.TrimSpace(object), "/"), "/")
	switch {
	case len(segments) == 0 || segments[0] == "":
		return "system"
	case len(segments) == 1 || segments[0] != "admin":
		return segments[0]
	case segments[1] == "roles" || segments[1] == "operators" || segments[1] == "permissions" || segments[1] == "authz":
		return "authz"
	default:
		return segments[1]
	}
}
