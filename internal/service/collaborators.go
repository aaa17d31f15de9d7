package service

import (
	"context"
	"time"

	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/queue"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// ReservationLookup 预约服务：查询行程出发时间
type ReservationLookup interface {
	DepartureTime(ctx context.Context, reservationID string) (time.Time, error)
}

// PartyDirectory 用户服务：校验付款方/收款方是否存在
type PartyDirectory interface {
	Exists(ctx context.Context, partyID string) (bool, error)
}

// FraudCheckInput 风控检查输入
type FraudCheckInput struct {
	PayeurID       string
	BeneficiaireID string
	Amount         models.Money
	Method         string
	ReservationID  string
}

// FraudChecker 可插拔风控
type FraudChecker interface {
	Check(ctx context.Context, input FraudCheckInput) error
}

// Notifier 通知出口，仅负责投递，内容由下游决定
type Notifier interface {
	NotifyPaymentStatus(ctx context.Context, payment *models.Payment, event string) error
	NotifyManualReview(ctx context.Context, payment *models.Payment, reason string) error
}

// CommissionCollector 佣金收取通道。tx 为持有支付行锁的事务，写入随状态更新一起提交
type CommissionCollector interface {
	Collect(ctx context.Context, tx *gorm.DB, payment *models.Payment) error
}

// SummaryCache 支付摘要缓存
type SummaryCache interface {
	Enabled() bool
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// GatewayClient 移动支付网关客户端
type GatewayClient interface {
	Initiate(ctx context.Context, req mobilemoney.InitiateRequest) (*mobilemoney.InitiateResult, error)
	CheckStatus(ctx context.Context, transactionID string) (*mobilemoney.StatusResult, error)
	ParseWebhook(fields map[string]string) (*mobilemoney.WebhookEvent, error)
}

// TaskEnqueuer 异步任务投递
type TaskEnqueuer interface {
	Enabled() bool
	EnqueueCommissionSettle(payload queue.CommissionSettlePayload) error
	EnqueuePaymentNotify(payload queue.PaymentNotifyPayload, opts ...asynq.Option) error
}

type allowAllFraudChecker struct{}

func (allowAllFraudChecker) Check(context.Context, FraudCheckInput) error {
	return nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyPaymentStatus(context.Context, *models.Payment, string) error {
	return nil
}

func (noopNotifier) NotifyManualReview(context.Context, *models.Payment, string) error {
	return nil
}
