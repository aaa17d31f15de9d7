package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covoit-next/internal/cache"
	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/queue"
	"github.com/covoit-next/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	referenceMaxAttempts = 3
	mutateMaxAttempts    = 3
	summaryCacheTTL      = 30 * time.Second
)

// PaymentServiceOptions 支付服务参数
type PaymentServiceOptions struct {
	ReceiptBaseURL string
	Currency       string
	FeeRate        decimal.Decimal
	GatewayTimeout time.Duration
	RefundPolicy   RefundPolicy
	Now            func() time.Time
	NewReference   func(now time.Time) (string, error)
	NewReceipt     func(issuedAt time.Time) (string, error)
}

// PaymentServiceDeps 支付服务依赖
type PaymentServiceDeps struct {
	DB           *gorm.DB
	PaymentRepo  repository.PaymentRepository
	AuditRepo    repository.PaymentAuditRepository
	Settlements  repository.SettlementRepository
	Commission   *CommissionService
	Gateway      GatewayClient
	Locker       PaymentLocker
	Queue        TaskEnqueuer
	Notifier     Notifier
	Reservations ReservationLookup
	Parties      PartyDirectory
	Fraud        FraudChecker
	Summaries    SummaryCache
}

// PaymentService 支付记录管理：创建、状态迁移、网关编排、退款
type PaymentService struct {
	db           *gorm.DB
	paymentRepo  repository.PaymentRepository
	auditRepo    repository.PaymentAuditRepository
	settlements  repository.SettlementRepository
	commission   *CommissionService
	gateway      GatewayClient
	locker       PaymentLocker
	queue        TaskEnqueuer
	notifier     Notifier
	reservations ReservationLookup
	parties      PartyDirectory
	fraud        FraudChecker
	summaries    SummaryCache
	opts         PaymentServiceOptions
}

// NewPaymentService 创建支付服务
func NewPaymentService(deps PaymentServiceDeps, opts PaymentServiceOptions) *PaymentService {
	s := &PaymentService{
		db:           deps.DB,
		paymentRepo:  deps.PaymentRepo,
		auditRepo:    deps.AuditRepo,
		settlements:  deps.Settlements,
		commission:   deps.Commission,
		gateway:      deps.Gateway,
		locker:       deps.Locker,
		queue:        deps.Queue,
		notifier:     deps.Notifier,
		reservations: deps.Reservations,
		parties:      deps.Parties,
		fraud:        deps.Fraud,
		summaries:    deps.Summaries,
		opts:         opts,
	}
	if s.summaries == nil {
		s.summaries = redisSummaryCache{}
	}
	if s.commission == nil {
		s.commission = NewCommissionService(CommissionPolicy{BaseRate: decimal.NewFromFloat(0.10)})
	}
	if s.locker == nil {
		s.locker = NewKeyedLocker()
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.fraud == nil {
		s.fraud = allowAllFraudChecker{}
	}
	if strings.TrimSpace(s.opts.Currency) == "" {
		s.opts.Currency = constants.DefaultPaymentCurrency
	}
	if s.opts.GatewayTimeout <= 0 {
		s.opts.GatewayTimeout = 15 * time.Second
	}
	if s.opts.Now == nil {
		s.opts.Now = time.Now
	}
	if s.opts.NewReceipt == nil {
		s.opts.NewReceipt = NewReceiptNumber
	}
	if s.opts.NewReference == nil {
		s.opts.NewReference = newPaymentReference
	}
	return s
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

func newPaymentReference(now time.Time) (string, error) {
	suffix, err := randomHex(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY_%d_%s", now.UnixNano(), suffix), nil
}

// CreatePaymentInput 创建支付输入
type CreatePaymentInput struct {
	PayeurID       string
	BeneficiaireID string
	Amount         models.Money
	Method         constants.PaymentMethod
	ReservationID  string
	CustomerPhone  string
	Operator       string
	DepartureTime  *time.Time
	CommissionRate *decimal.Decimal
}

// TripPaymentInput 预约服务发起的行程支付
type TripPaymentInput struct {
	ReservationID  string
	PayeurID       string
	BeneficiaireID string
	DepartureTime  time.Time
	Amount         models.Money
	Method         constants.PaymentMethod
	CustomerPhone  string
	Operator       string
	DistanceKm     float64
	DriverRating   float64
	TripsThisMonth int
}

// RechargeInput 账户服务发起的充值
type RechargeInput struct {
	UserID        string
	Amount        models.Money
	Method        constants.PaymentMethod
	CustomerPhone string
	Operator      string
}

// CreateTripPayment 创建行程支付，佣金比例按距离与司机表现计算
func (s *PaymentService) CreateTripPayment(ctx context.Context, input TripPaymentInput) (*models.Payment, error) {
	if strings.TrimSpace(input.ReservationID) == "" {
		return nil, newValidationError("reservation_id", "is required")
	}
	rate := s.commission.ComputeRate(s.commission.Policy().BaseRate, input.DistanceKm, input.DriverRating, input.TripsThisMonth)
	var departure *time.Time
	if !input.DepartureTime.IsZero() {
		departure = timePtr(input.DepartureTime)
	}
	return s.Create(ctx, CreatePaymentInput{
		PayeurID:       input.PayeurID,
		BeneficiaireID: input.BeneficiaireID,
		Amount:         input.Amount,
		Method:         input.Method,
		ReservationID:  input.ReservationID,
		CustomerPhone:  input.CustomerPhone,
		Operator:       input.Operator,
		DepartureTime:  departure,
		CommissionRate: &rate,
	})
}

// CreateRecharge 创建账户充值：付款方即收款方，无佣金
func (s *PaymentService) CreateRecharge(ctx context.Context, input RechargeInput) (*models.Payment, error) {
	zero := decimal.Zero
	return s.Create(ctx, CreatePaymentInput{
		PayeurID:       input.UserID,
		BeneficiaireID: input.UserID,
		Amount:         input.Amount,
		Method:         input.Method,
		CustomerPhone:  input.CustomerPhone,
		Operator:       input.Operator,
		CommissionRate: &zero,
	})
}

// Create 创建支付记录（PENDING，佣金待收取）
func (s *PaymentService) Create(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	input.PayeurID = strings.TrimSpace(input.PayeurID)
	input.BeneficiaireID = strings.TrimSpace(input.BeneficiaireID)
	input.ReservationID = strings.TrimSpace(input.ReservationID)
	input.CustomerPhone = strings.TrimSpace(input.CustomerPhone)
	input.Method = constants.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(input.Method))))

	log := paymentLogger(
		"payeur_id", input.PayeurID,
		"beneficiaire_id", input.BeneficiaireID,
		"reservation_id", input.ReservationID,
		"method", input.Method,
		"amount", input.Amount.String(),
	)
	if err := s.validateCreateInput(ctx, input); err != nil {
		log.Warnw("payment_create_rejected", "error", err)
		return nil, err
	}
	if err := s.fraud.Check(ctx, FraudCheckInput{
		PayeurID:       input.PayeurID,
		BeneficiaireID: input.BeneficiaireID,
		Amount:         input.Amount,
		Method:         string(input.Method),
		ReservationID:  input.ReservationID,
	}); err != nil {
		log.Warnw("payment_create_fraud_rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFraudRejected, err)
	}

	kind := constants.PaymentKindRecharge
	if input.ReservationID != "" {
		kind = constants.PaymentKindTrip
		unlock, err := s.locker.Lock(ctx, reservationLockKey(input.ReservationID))
		if err != nil {
			log.Warnw("payment_create_reservation_lock_failed", "error", err)
			return nil, ErrPaymentConcurrentUpdate
		}
		defer unlock()
		existing, err := s.paymentRepo.FindActiveByReservation(input.ReservationID)
		if err != nil {
			log.Errorw("payment_create_reservation_lookup_failed", "error", err)
			return nil, ErrPaymentUpdateFailed
		}
		if existing != nil {
			log.Infow("payment_create_reused", "reference", existing.ReferenceTransaction, "status", existing.StatutPaiement)
			return existing, nil
		}
	}

	now := s.opts.Now()
	payment := &models.Payment{
		Kind:                 kind,
		PayeurID:             input.PayeurID,
		BeneficiaireID:       input.BeneficiaireID,
		MontantTotal:         input.Amount,
		FraisTransaction:     models.ZeroMoney(),
		MontantConducteur:    models.ZeroMoney(),
		CommissionPlateforme: models.ZeroMoney(),
		Currency:             s.opts.Currency,
		MethodePaiement:      input.Method,
		StatutPaiement:       constants.PaymentStatusPending,
		DateDepartTrajet:     input.DepartureTime,
		DateInitiation:       now,
		Commission: models.CommissionRecord{
			Montant:        models.ZeroMoney(),
			ModeCollecte:   commissionModeFor(kind, input.Method),
			StatutCollecte: constants.CommissionStatusPending,
		},
		Refund: models.RefundRecord{
			MontantRembourse: models.ZeroMoney(),
			FraisAnnulation:  models.ZeroMoney(),
		},
	}
	if input.ReservationID != "" {
		reservationID := input.ReservationID
		payment.ReservationID = &reservationID
	}
	if input.Method.IsMobileMoney() {
		payment.FraisTransaction = models.NewMoneyFromDecimal(input.Amount.Decimal.Mul(s.opts.FeeRate))
		payment.MobileMoney = models.MobileMoneyRecord{
			Operateur:       firstNonEmptyString(strings.TrimSpace(input.Operator), input.Method.GatewayChannel()),
			TelephoneClient: input.CustomerPhone,
		}
	}
	rate := s.commission.DefaultRate()
	if input.CommissionRate != nil {
		rate = *input.CommissionRate
	}
	if err := s.commission.Apply(payment, rate); err != nil {
		log.Warnw("payment_create_commission_invalid", "rate", rate.String(), "error", err)
		return nil, err
	}
	if err := s.ValidateConsistency(payment); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= referenceMaxAttempts; attempt++ {
		reference, err := s.opts.NewReference(now)
		if err != nil {
			log.Errorw("payment_reference_generate_failed", "error", err)
			return nil, ErrPaymentUpdateFailed
		}
		existing, err := s.paymentRepo.GetByReference(reference)
		if err != nil {
			log.Errorw("payment_reference_lookup_failed", "reference", reference, "error", err)
			return nil, ErrPaymentUpdateFailed
		}
		if existing != nil {
			log.Warnw("payment_reference_collision", "reference", reference, "attempt", attempt)
			continue
		}
		payment.ID = 0
		payment.ReferenceTransaction = reference
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.paymentRepo.WithTx(tx).Create(payment); err != nil {
				return err
			}
			return s.auditRepo.WithTx(tx).AppendLog(&models.PaymentLog{
				PaymentID: payment.ID,
				Timestamp: now,
				Action:    constants.PaymentLogActionCreated,
				Details: models.JSON{
					"kind":            string(kind),
					"method":          string(payment.MethodePaiement),
					"montant_total":   payment.MontantTotal.String(),
					"commission_taux": payment.Commission.Taux.String(),
					"mode_collecte":   string(payment.Commission.ModeCollecte),
				},
			})
		})
		if err == nil {
			log.Infow("payment_created", "reference", reference, "payment_id", payment.ID, "kind", kind)
			return payment, nil
		}
		if uniqueViolationOn(err, reservationGuardColumn) {
			// 其他实例已为该预约建单
			existing, findErr := s.paymentRepo.FindActiveByReservation(input.ReservationID)
			if findErr == nil && existing != nil {
				log.Infow("payment_create_reused", "reference", existing.ReferenceTransaction, "status", existing.StatutPaiement)
				return existing, nil
			}
			log.Warnw("payment_create_reservation_conflict", "error", err, "lookup_error", findErr)
			return nil, ErrReservationPaymentActive
		}
		if isUniqueViolation(err) {
			log.Warnw("payment_reference_collision", "reference", reference, "attempt", attempt, "error", err)
			continue
		}
		log.Errorw("payment_create_failed", "reference", reference, "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	log.Errorw("payment_reference_exhausted", "attempts", referenceMaxAttempts)
	return nil, ErrPaymentReferenceCollision
}

func (s *PaymentService) validateCreateInput(ctx context.Context, input CreatePaymentInput) error {
	if input.PayeurID == "" {
		return newValidationError("payeur_id", "is required")
	}
	if input.BeneficiaireID == "" {
		return newValidationError("beneficiaire_id", "is required")
	}
	if !input.Amount.Decimal.IsPositive() {
		return newValidationError("amount", "must be greater than zero")
	}
	if !input.Method.Valid() {
		return newValidationError("methode_paiement", fmt.Sprintf("unsupported method %q", input.Method))
	}
	if input.Method.IsMobileMoney() && input.CustomerPhone == "" {
		return newValidationError("telephone_client", "is required for mobile money")
	}
	if s.parties == nil {
		return nil
	}
	for field, partyID := range map[string]string{"payeur_id": input.PayeurID, "beneficiaire_id": input.BeneficiaireID} {
		ok, err := s.parties.Exists(ctx, partyID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPartyNotFound, err)
		}
		if !ok {
			return newValidationError(field, "is not a known party")
		}
	}
	return nil
}

// ValidateConsistency 写入前校验金额拆分
func (s *PaymentService) ValidateConsistency(payment *models.Payment) error {
	return s.commission.ValidateConsistency(payment)
}

// GetByID 根据 ID 获取支付
func (s *PaymentService) GetByID(ctx context.Context, id uint) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByID(id)
	if err != nil {
		paymentLogger("payment_id", id).Errorw("payment_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// GetByReference 根据交易参考号获取支付
func (s *PaymentService) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByReference(reference)
	if err != nil {
		paymentLogger("reference", reference).Errorw("payment_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// PaymentAmounts 金额拆分视图
type PaymentAmounts struct {
	Total      models.Money `json:"montant_total"`
	Driver     models.Money `json:"montant_conducteur"`
	Commission models.Money `json:"commission_plateforme"`
	Fees       models.Money `json:"frais_transaction"`
	Currency   string       `json:"currency"`
}

// PaymentSummary 展示层使用的支付摘要
type PaymentSummary struct {
	ID               uint                       `json:"id"`
	Reference        string                     `json:"reference_transaction"`
	Kind             constants.PaymentKind      `json:"kind"`
	ReservationID    *string                    `json:"reservation_id,omitempty"`
	Amounts          PaymentAmounts             `json:"amounts"`
	Method           constants.PaymentMethod    `json:"methode_paiement"`
	Status           constants.PaymentStatus    `json:"statut_paiement"`
	CommissionRate   decimal.Decimal            `json:"commission_taux"`
	CommissionStatus constants.CommissionStatus `json:"commission_statut"`
	DateInitiation   time.Time                  `json:"date_initiation"`
	DateTraitement   *time.Time                 `json:"date_traitement,omitempty"`
	DateCompletion   *time.Time                 `json:"date_completion,omitempty"`
	NumeroRecu       *string                    `json:"numero_recu,omitempty"`
	URLRecu          string                     `json:"url_recu,omitempty"`
	PaymentURL       string                     `json:"payment_url,omitempty"`
	Refund           *models.RefundRecord       `json:"refund,omitempty"`
}

// BuildPaymentSummary 构建支付摘要
func BuildPaymentSummary(payment *models.Payment) *PaymentSummary {
	if payment == nil {
		return nil
	}
	summary := &PaymentSummary{
		ID:            payment.ID,
		Reference:     payment.ReferenceTransaction,
		Kind:          payment.Kind,
		ReservationID: payment.ReservationID,
		Amounts: PaymentAmounts{
			Total:      payment.MontantTotal,
			Driver:     payment.MontantConducteur,
			Commission: payment.CommissionPlateforme,
			Fees:       payment.FraisTransaction,
			Currency:   payment.Currency,
		},
		Method:           payment.MethodePaiement,
		Status:           payment.StatutPaiement,
		CommissionRate:   payment.Commission.Taux,
		CommissionStatus: payment.Commission.StatutCollecte,
		DateInitiation:   payment.DateInitiation,
		DateTraitement:   payment.DateTraitement,
		DateCompletion:   payment.DateCompletion,
		NumeroRecu:       payment.NumeroRecu,
		URLRecu:          payment.URLRecu,
		PaymentURL:       payment.MobileMoney.PaymentURL,
	}
	if payment.StatutPaiement == constants.PaymentStatusRefunded {
		refund := payment.Refund
		summary.Refund = &refund
	}
	return summary
}

func paymentSummaryCacheKey(id uint) string {
	return fmt.Sprintf("payment:summary:%d", id)
}

// GetPaymentSummary 获取支付摘要（Redis 短缓存，变更后失效）
func (s *PaymentService) GetPaymentSummary(ctx context.Context, id uint) (*PaymentSummary, error) {
	log := paymentLogger("payment_id", id)
	key := paymentSummaryCacheKey(id)
	var cached PaymentSummary
	if hit, err := s.summaries.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		log.Warnw("payment_summary_cache_read_failed", "error", err)
	}
	payment, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := BuildPaymentSummary(payment)
	if !s.summaries.Enabled() {
		return summary, nil
	}
	if err := s.summaries.SetJSON(ctx, key, summary, summaryCacheTTL); err != nil {
		log.Warnw("payment_summary_cache_write_failed", "error", err)
		return summary, nil
	}
	// 写后复核版本：读取与写入之间若有提交，其失效可能早于本次写入
	latest, err := s.paymentRepo.GetByID(id)
	if err != nil || latest == nil || latest.Version != payment.Version {
		if delErr := s.summaries.Del(ctx, key); delErr != nil {
			log.Warnw("payment_summary_cache_del_failed", "error", delErr)
		}
	}
	return summary, nil
}

// redisSummaryCache 使用全局 Redis 客户端
type redisSummaryCache struct{}

func (redisSummaryCache) Enabled() bool { return cache.Enabled() }

func (redisSummaryCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	return cache.GetJSON(ctx, key, dest)
}

func (redisSummaryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cache.SetJSON(ctx, key, value, ttl)
}

func (redisSummaryCache) Del(ctx context.Context, key string) error {
	return cache.Del(ctx, key)
}

// AuditTrail 审计轨迹
type AuditTrail struct {
	Payment     *models.Payment          `json:"payment"`
	Logs        []models.PaymentLog      `json:"logs"`
	Errors      []models.PaymentError    `json:"errors"`
	Settlements []models.SettlementEntry `json:"settlements"`
}

// GetAuditTrail 获取支付及其日志、错误、结算流水
func (s *PaymentService) GetAuditTrail(ctx context.Context, id uint) (*AuditTrail, error) {
	payment, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.auditRepo.ListLogs(payment.ID)
	if err != nil {
		return nil, ErrPaymentUpdateFailed
	}
	errs, err := s.auditRepo.ListErrors(payment.ID)
	if err != nil {
		return nil, ErrPaymentUpdateFailed
	}
	trail := &AuditTrail{Payment: payment, Logs: logs, Errors: errs}
	if s.settlements != nil {
		entries, err := s.settlements.ListByPayment(payment.ID)
		if err != nil {
			return nil, ErrPaymentUpdateFailed
		}
		trail.Settlements = entries
	}
	return trail, nil
}

// ListAdmin 管理端列表
func (s *PaymentService) ListAdmin(ctx context.Context, filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	return s.paymentRepo.ListAdmin(filter)
}

// ListPendingForReconciliation 待对账列表（运营看板）
func (s *PaymentService) ListPendingForReconciliation(ctx context.Context, filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	return s.paymentRepo.ListPendingForReconciliation(filter)
}

// RequestTransitionInput 状态迁移请求
type RequestTransitionInput struct {
	PaymentID uint
	Target    constants.PaymentStatus
	Cause     string
	Expected  constants.PaymentStatus
	Operator  string
}

// TransitionOutcome 状态迁移结果
type TransitionOutcome struct {
	Payment *models.Payment
	Result  *TransitionResult
}

// RequestTransition 请求状态迁移；Expected 非空时必须与当前状态一致
func (s *PaymentService) RequestTransition(ctx context.Context, input RequestTransitionInput) (*TransitionOutcome, error) {
	target := constants.PaymentStatus(strings.ToUpper(strings.TrimSpace(string(input.Target))))
	if !target.Valid() {
		return nil, newValidationError("target", fmt.Sprintf("unknown status %q", input.Target))
	}
	if target == constants.PaymentStatusRefunded {
		return nil, fmt.Errorf("%w: use the refund operation", ErrRefundNotAllowed)
	}
	cause := strings.TrimSpace(input.Cause)
	if cause == "" {
		cause = constants.TransitionCauseAdminOverride
	}
	current, err := s.GetByID(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	var result *TransitionResult
	payment, err := s.mutate(ctx, current.ReferenceTransaction, func(m *paymentMutation) error {
		if input.Expected != "" && input.Expected != m.payment.StatutPaiement {
			return ErrPaymentConcurrentUpdate
		}
		if input.Operator != "" {
			m.actor = input.Operator
		}
		res, err := s.transition(m, target, cause)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return &TransitionOutcome{Payment: payment, Result: result}, nil
}

// IssueReceipt 为已完成支付补发收据（已签发则不变）
func (s *PaymentService) IssueReceipt(ctx context.Context, reference string) (*models.Payment, error) {
	return s.mutate(ctx, reference, func(m *paymentMutation) error {
		issued, err := issueReceipt(m.payment, s.opts.ReceiptBaseURL, s.opts.NewReceipt)
		if err != nil {
			return err
		}
		if issued {
			m.receiptIssued = true
			m.touch()
			m.log(constants.PaymentLogActionReceiptIssued, models.JSON{
				"numero_recu": *m.payment.NumeroRecu,
				"url_recu":    m.payment.URLRecu,
			})
		}
		return nil
	})
}

// transition 在 mutate 内执行迁移并记录审计
func (s *PaymentService) transition(m *paymentMutation, target constants.PaymentStatus, cause string) (*TransitionResult, error) {
	previous := m.payment.StatutPaiement
	result, err := ApplyTransition(m.payment, TransitionRequest{
		Previous:       previous,
		Target:         target,
		Cause:          cause,
		Now:              m.now,
		ReceiptBaseURL:   s.opts.ReceiptBaseURL,
		NewReceiptNumber: s.opts.NewReceipt,
	})
	if err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			m.recordError(constants.PaymentErrorInvalidTransition, err.Error(), models.JSON{
				"from":  string(invalid.From),
				"to":    string(invalid.To),
				"cause": cause,
			})
		}
		return nil, err
	}
	if !result.Changed {
		return result, nil
	}
	m.touch()
	details := models.JSON{"from": string(result.From), "to": string(result.To), "cause": cause}
	if m.actor != "" {
		details["actor"] = m.actor
	}
	m.log(constants.PaymentLogActionStatusChanged, details)
	if result.ReceiptIssued {
		m.receiptIssued = true
		m.log(constants.PaymentLogActionReceiptIssued, models.JSON{
			"numero_recu": *m.payment.NumeroRecu,
			"url_recu":    m.payment.URLRecu,
		})
	}
	s.scheduleStatusEffects(m, result)
	return result, nil
}

func (s *PaymentService) scheduleStatusEffects(m *paymentMutation, result *TransitionResult) {
	payment := m.payment
	switch result.To {
	case constants.PaymentStatusComplete:
		m.onCommit(func(ctx context.Context) {
			s.enqueueCommissionSettle(payment)
			s.notifyStatus(ctx, payment)
		})
	case constants.PaymentStatusFailed, constants.PaymentStatusRefunded:
		m.onCommit(func(ctx context.Context) {
			s.notifyStatus(ctx, payment)
		})
	}
}

func (s *PaymentService) enqueueCommissionSettle(payment *models.Payment) {
	if s.queue == nil || !s.queue.Enabled() {
		return
	}
	if err := s.queue.EnqueueCommissionSettle(queue.CommissionSettlePayload{Reference: payment.ReferenceTransaction}); err != nil {
		paymentLogger("reference", payment.ReferenceTransaction).Warnw("commission_settle_enqueue_failed", "error", err)
	}
}

func (s *PaymentService) notifyStatus(ctx context.Context, payment *models.Payment) {
	if err := s.notifier.NotifyPaymentStatus(ctx, payment, constants.NotifyEventStatusChanged); err != nil {
		paymentLogger("reference", payment.ReferenceTransaction).Warnw("payment_notify_failed", "error", err)
	}
}

// paymentMutation 一次加锁读改写的上下文
type paymentMutation struct {
	tx            *gorm.DB
	payment       *models.Payment
	now           time.Time
	actor         string
	dirty         bool
	receiptIssued bool
	logs          []models.PaymentLog
	errs          []models.PaymentError
	afterCommit   []func(ctx context.Context)
}

func (m *paymentMutation) touch() {
	m.dirty = true
}

func (m *paymentMutation) log(action string, details models.JSON) {
	m.logs = append(m.logs, models.PaymentLog{
		PaymentID: m.payment.ID,
		Timestamp: m.now,
		Action:    action,
		Details:   details,
	})
}

func (m *paymentMutation) recordError(code, message string, details models.JSON) {
	m.errs = append(m.errs, models.PaymentError{
		PaymentID: m.payment.ID,
		Timestamp: m.now,
		Code:      code,
		Message:   message,
		Details:   details,
	})
}

func (m *paymentMutation) onCommit(fn func(ctx context.Context)) {
	m.afterCommit = append(m.afterCommit, fn)
}

// mutate 单记录串行化：记录锁 → 事务 → 行锁读取 → fn → 金额校验 → 版本号写入 → 审计
func (s *PaymentService) mutate(ctx context.Context, reference string, fn func(m *paymentMutation) error) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrPaymentNotFound
	}
	log := paymentLogger("reference", reference)
	unlock, err := s.locker.Lock(ctx, reference)
	if err != nil {
		log.Warnw("payment_lock_failed", "error", err)
		return nil, ErrPaymentConcurrentUpdate
	}
	defer unlock()

	for attempt := 1; attempt <= mutateMaxAttempts; attempt++ {
		m, err := s.mutateOnce(ctx, reference, fn)
		if errors.Is(err, repository.ErrPaymentVersionConflict) {
			log.Warnw("payment_version_conflict", "attempt", attempt)
			continue
		}
		if errors.Is(err, errReceiptCollision) {
			// 重新执行 fn 会生成新的收据编号
			log.Warnw("payment_receipt_regenerate", "attempt", attempt)
			continue
		}
		if err != nil {
			if m != nil && len(m.errs) > 0 {
				s.persistErrorsAfterRollback(ctx, m)
			}
			return nil, err
		}
		if m.dirty {
			if err := s.summaries.Del(ctx, paymentSummaryCacheKey(m.payment.ID)); err != nil {
				log.Warnw("payment_summary_cache_del_failed", "error", err)
			}
		}
		hookCtx := context.WithoutCancel(ctx)
		for _, hook := range m.afterCommit {
			hook(hookCtx)
		}
		return m.payment, nil
	}
	return nil, ErrPaymentConcurrentUpdate
}

func (s *PaymentService) mutateOnce(ctx context.Context, reference string, fn func(m *paymentMutation) error) (*paymentMutation, error) {
	var m *paymentMutation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.paymentRepo.WithTx(tx)
		payment, err := repo.GetByReferenceForUpdate(reference)
		if err != nil {
			paymentLogger("reference", reference).Errorw("payment_fetch_for_update_failed", "error", err)
			return ErrPaymentUpdateFailed
		}
		if payment == nil {
			return ErrPaymentNotFound
		}
		m = &paymentMutation{tx: tx, payment: payment, now: s.opts.Now()}
		if err := fn(m); err != nil {
			return err
		}
		if m.dirty {
			if err := s.ValidateConsistency(payment); err != nil {
				return err
			}
			if err := repo.UpdateWithVersion(payment); err != nil {
				if errors.Is(err, repository.ErrPaymentVersionConflict) {
					return err
				}
				if uniqueViolationOn(err, reservationGuardColumn) {
					return ErrReservationPaymentActive
				}
				if m.receiptIssued && uniqueViolationOn(err, receiptColumn) {
					paymentLogger("reference", reference).Warnw("payment_receipt_collision", "numero_recu", *payment.NumeroRecu)
					return errReceiptCollision
				}
				paymentLogger("reference", reference).Errorw("payment_update_failed", "error", err)
				return ErrPaymentUpdateFailed
			}
		}
		audit := s.auditRepo.WithTx(tx)
		for i := range m.logs {
			if err := audit.AppendLog(&m.logs[i]); err != nil {
				return ErrPaymentUpdateFailed
			}
		}
		for i := range m.errs {
			if err := audit.AppendError(&m.errs[i]); err != nil {
				return ErrPaymentUpdateFailed
			}
		}
		return nil
	})
	return m, err
}

// persistErrorsAfterRollback 被拒绝的操作回滚后仍需保留错误记录
func (s *PaymentService) persistErrorsAfterRollback(ctx context.Context, m *paymentMutation) {
	for i := range m.errs {
		entry := m.errs[i]
		entry.ID = 0
		if err := s.auditRepo.WithTx(s.db.WithContext(context.WithoutCancel(ctx))).AppendError(&entry); err != nil {
			paymentLogger("payment_id", entry.PaymentID).Errorw("payment_error_log_append_failed", "code", entry.Code, "error", err)
		}
	}
}

var errReceiptCollision = errors.New("receipt number collision")

const (
	reservationGuardColumn = "reservation_active"
	receiptColumn          = "numero_recu"
)

func reservationLockKey(reservationID string) string {
	return "reservation:" + reservationID
}

// uniqueViolationOn 唯一约束冲突且错误信息指向指定列（sqlite 与 postgres 均带列名或索引名）
func uniqueViolationOn(err error, column string) bool {
	return isUniqueViolation(err) && strings.Contains(strings.ToLower(err.Error()), column)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func firstNonEmptyString(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
