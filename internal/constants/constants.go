package constants

// PaymentStatus 支付生命周期状态
type PaymentStatus string

// 支付状态常量
const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusComplete   PaymentStatus = "COMPLETE"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// Valid 判断状态是否属于封闭集合
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusComplete, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentMethod 支付方式
type PaymentMethod string

// 支付方式常量
const (
	PaymentMethodCash        PaymentMethod = "CASH"
	PaymentMethodOrangeMoney PaymentMethod = "ORANGE_MONEY"
	PaymentMethodMTNMomo     PaymentMethod = "MTN_MOMO"
	PaymentMethodMoovMoney   PaymentMethod = "MOOV_MONEY"
	PaymentMethodWave        PaymentMethod = "WAVE"
)

// Valid 判断支付方式是否受支持
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m.IsMobileMoney()
}

// IsMobileMoney 是否走移动支付网关
func (m PaymentMethod) IsMobileMoney() bool {
	switch m {
	case PaymentMethodOrangeMoney, PaymentMethodMTNMomo, PaymentMethodMoovMoney, PaymentMethodWave:
		return true
	}
	return false
}

// GatewayChannel 网关侧渠道编码
func (m PaymentMethod) GatewayChannel() string {
	switch m {
	case PaymentMethodOrangeMoney:
		return "OM"
	case PaymentMethodMTNMomo:
		return "MOMO"
	case PaymentMethodMoovMoney:
		return "FLOOZ"
	case PaymentMethodWave:
		return "WAVE"
	}
	return ""
}

// PaymentKind 支付来源
type PaymentKind string

// 支付来源常量
const (
	PaymentKindTrip     PaymentKind = "trip"
	PaymentKindRecharge PaymentKind = "recharge"
)

// CommissionStatus 佣金收取状态
type CommissionStatus string

// 佣金收取状态常量
const (
	CommissionStatusPending   CommissionStatus = "pending"
	CommissionStatusCollected CommissionStatus = "collected"
	CommissionStatusFailed    CommissionStatus = "failed"
)

// CommissionMode 佣金收取方式
type CommissionMode string

// 佣金收取方式常量
const (
	CommissionModeSourceDeduction CommissionMode = "retenue_source"
	CommissionModeDriverDebit     CommissionMode = "debit_conducteur"
	CommissionModeNone            CommissionMode = "aucune"
)

// 状态变更原因常量
const (
	TransitionCauseWebhook         = "webhook"
	TransitionCausePoll            = "poll"
	TransitionCauseAdminOverride   = "admin-override"
	TransitionCauseRefundRequest   = "refund-request"
	TransitionCauseRetry           = "retry"
	TransitionCauseGatewayInitiate = "gateway-initiate"
)

// 审计日志动作常量
const (
	PaymentLogActionCreated             = "created"
	PaymentLogActionStatusChanged       = "status_changed"
	PaymentLogActionGatewayInitiated    = "gateway_initiated"
	PaymentLogActionGatewayPolled       = "gateway_polled"
	PaymentLogActionWebhookReceived     = "webhook_received"
	PaymentLogActionReceiptIssued       = "receipt_issued"
	PaymentLogActionCommissionCollected = "commission_collected"
	PaymentLogActionCommissionRetry     = "commission_retry_scheduled"
	PaymentLogActionRefunded            = "refunded"
	PaymentLogActionCommissionReversed  = "commission_reversed"
)

// 错误日志编码常量
const (
	PaymentErrorInvalidTransition = "invalid_transition"
	PaymentErrorGatewayRefused    = "gateway_refused"
	PaymentErrorGatewayTransport  = "gateway_transport"
	PaymentErrorPaymentRefused    = "payment_refused"
	PaymentErrorAmountMismatch    = "amount_mismatch"
	PaymentErrorCommissionFailed  = "commission_failed"
	PaymentErrorManualReview      = "manual_review"
	PaymentErrorLateAcceptance    = "late_acceptance"
)

// 结算流水类型常量
const (
	SettlementEntryCommission   = "commission"
	SettlementEntryDriverPayout = "driver_payout"
	SettlementEntryRefund       = "refund"

	// 冲正流水：退款时撤销已收取的佣金与司机入账
	SettlementEntryCommissionReversal   = "commission_reversal"
	SettlementEntryDriverPayoutReversal = "driver_payout_reversal"
)

// 结算流水方向常量
const (
	SettlementDirectionCredit = "credit"
	SettlementDirectionDebit  = "debit"
)

// 网关归一化状态常量
const (
	GatewayStatusAccepted = "accepted"
	GatewayStatusRefused  = "refused"
	GatewayStatusPending  = "pending"
	GatewayStatusUnknown  = "unknown"
)

// 网关回调应答常量
const (
	WebhookAckOK           = "OK"
	WebhookAckInvalidSign  = "INVALID_SIGNATURE"
	DefaultPaymentCurrency = "XOF"
)

// 队列与任务常量
const (
	QueueDefault  = "default"
	QueueCritical = "critical"

	TaskCommissionSettle    = "commission:settle"
	TaskPaymentNotify       = "payment:notify"
	TaskReconciliationSweep = "reconciliation:sweep"
)

// 通知事件常量
const (
	NotifyEventStatusChanged = "status_changed"
	NotifyEventManualReview  = "manual_review"
)

// 验证码常量
const (
	CaptchaProviderNone  = "none"
	CaptchaProviderImage = "image"

	CaptchaSceneLogin = "login"
)
