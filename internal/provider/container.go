package provider

import (
	"net/http"
	"time"

	"github.com/covoit-next/internal/authz"
	"github.com/covoit-next/internal/cache"
	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/queue"
	"github.com/covoit-next/internal/repository"
	"github.com/covoit-next/internal/service"

	"github.com/newrelic/go-agent/v3/newrelic"
)

const (
	paymentLockTTL     = 15 * time.Second
	paymentLockMaxWait = 5 * time.Second
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	NewRelic    *newrelic.Application

	// Repositories
	OperatorRepo     repository.OperatorRepository
	PaymentRepo      repository.PaymentRepository
	PaymentAuditRepo repository.PaymentAuditRepository
	SettlementRepo   repository.SettlementRepository
	AuthzAuditRepo   repository.AuthzAuditLogRepository

	// Services
	AuthzService          *authz.Service
	AuthService           *service.AuthService
	CaptchaService        *service.CaptchaService
	AuthzAuditService     *service.AuthzAuditService
	CommissionService     *service.CommissionService
	PaymentService        *service.PaymentService
	ReconciliationService *service.ReconciliationService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config, nrApp *newrelic.Application) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis, nrApp); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 队列关闭时返回禁用态客户端，投递直接跳过
	queueClient, err := queue.NewClient(&cfg.Queue)
	if err != nil {
		logger.Errorw("provider_init_queue_client_failed", "error", err)
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		NewRelic:    nrApp,
	}

	// 1. 初始化 Repositories
	c.initRepositories()

	// 2. 初始化 Services
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.OperatorRepo = repository.NewOperatorRepository(db)
	c.PaymentRepo = repository.NewPaymentRepository(db)
	c.PaymentAuditRepo = repository.NewPaymentAuditRepository(db)
	c.SettlementRepo = repository.NewSettlementRepository(db)
	c.AuthzAuditRepo = repository.NewAuthzAuditLogRepository(db)
}

func (c *Container) initServices() {
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		logger.Errorw("provider_init_authz_failed", "error", err)
		panic(err)
	}
	c.AuthzService = authzService
	if err := c.AuthzService.BootstrapBuiltinRoles(); err != nil {
		logger.Errorw("provider_bootstrap_builtin_roles_failed", "error", err)
		panic(err)
	}

	c.AuthService = service.NewAuthService(c.Config.JWT, c.OperatorRepo)
	c.CaptchaService = service.NewCaptchaService(c.Config.Captcha)
	c.AuthzAuditService = service.NewAuthzAuditService(c.AuthzAuditRepo)
	c.CommissionService = service.NewCommissionService(service.CommissionPolicyFromConfig(c.Config.Commission))
	notifier := service.NewQueueNotifier(c.QueueClient)

	deps := service.PaymentServiceDeps{
		DB:          models.DB,
		PaymentRepo: c.PaymentRepo,
		AuditRepo:   c.PaymentAuditRepo,
		Settlements: c.SettlementRepo,
		Commission:  c.CommissionService,
		Locker:      c.buildLocker(),
		Queue:       c.QueueClient,
		Notifier:    notifier,
	}
	if gateway := c.buildGateway(); gateway != nil {
		deps.Gateway = gateway
	}
	c.PaymentService = service.NewPaymentService(deps, service.PaymentServiceOptions{
		ReceiptBaseURL: c.Config.Receipt.BaseURL,
		Currency:       c.Config.Gateway.Currency,
		FeeRate:        config.Decimal(c.Config.Gateway.FeeRate),
		GatewayTimeout: c.Config.Gateway.Timeout(),
		RefundPolicy:   service.RefundPolicyFromConfig(c.Config.Refund),
	})

	collector := service.NewLedgerCommissionCollector(c.SettlementRepo)
	c.ReconciliationService = service.NewReconciliationService(
		c.PaymentService,
		c.PaymentRepo,
		collector,
		notifier,
		service.ReconciliationPolicyFromConfig(c.Config.Reconciliation),
	)
}

// buildLocker Redis 可用时使用跨进程锁，否则退化为进程内锁
func (c *Container) buildLocker() service.PaymentLocker {
	if cache.Enabled() {
		return cache.NewRedisLocker(cache.Client(), paymentLockTTL, paymentLockMaxWait)
	}
	logger.Infow("provider_payment_locker_in_process")
	return service.NewKeyedLocker()
}

// buildGateway 配置不完整时返回 nil，移动支付相关接口将报网关未配置
func (c *Container) buildGateway() *mobilemoney.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if c.NewRelic != nil {
		transport = newrelic.NewRoundTripper(transport)
	}
	httpClient := &http.Client{
		Timeout:   c.Config.Gateway.Timeout(),
		Transport: transport,
	}
	client, err := mobilemoney.NewClient(c.Config.Gateway.ToClientConfig(), httpClient)
	if err != nil {
		logger.Warnw("provider_init_gateway_failed", "error", err)
		return nil
	}
	return client
}
