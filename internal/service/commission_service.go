package service

import (
	"strings"
	"time"

	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"

	"github.com/shopspring/decimal"
)

// maxCommissionRate 佣金比例硬上限
var maxCommissionRate = decimal.NewFromFloat(0.5)

// CommissionPolicy 佣金计算规则
type CommissionPolicy struct {
	BaseRate             decimal.Decimal
	MaxRate              decimal.Decimal
	LongDistanceKm       float64
	LongDistanceDiscount decimal.Decimal
	HighVolumeTrips      int
	HighRatingThreshold  float64
	HighVolumeDiscount   decimal.Decimal
	Tolerance            decimal.Decimal
}

// CommissionPolicyFromConfig 从配置构建佣金规则
func CommissionPolicyFromConfig(cfg config.CommissionConfig) CommissionPolicy {
	return CommissionPolicy{
		BaseRate:             config.Decimal(cfg.BaseRate),
		MaxRate:              config.Decimal(cfg.MaxRate),
		LongDistanceKm:       cfg.LongDistanceKm,
		LongDistanceDiscount: config.Decimal(cfg.LongDistanceDiscount),
		HighVolumeTrips:      cfg.HighVolumeTrips,
		HighRatingThreshold:  cfg.HighRatingThreshold,
		HighVolumeDiscount:   config.Decimal(cfg.HighVolumeDiscount),
		Tolerance:            config.Decimal(cfg.RoundingTolerance),
	}
}

// CommissionService 佣金计算与收取状态维护（纯计算，不落库）
type CommissionService struct {
	policy CommissionPolicy
}

// NewCommissionService 创建佣金服务
func NewCommissionService(policy CommissionPolicy) *CommissionService {
	if policy.MaxRate.LessThanOrEqual(decimal.Zero) || policy.MaxRate.GreaterThan(maxCommissionRate) {
		policy.MaxRate = maxCommissionRate
	}
	if policy.Tolerance.LessThanOrEqual(decimal.Zero) {
		policy.Tolerance = models.MoneyTolerance
	}
	return &CommissionService{policy: policy}
}

// Policy 当前规则
func (s *CommissionService) Policy() CommissionPolicy {
	return s.policy
}

// ComputeRate 按距离、评分、月度单量计算佣金比例，结果限制在 [0, MaxRate]
func (s *CommissionService) ComputeRate(base decimal.Decimal, distanceKm, driverRating float64, tripsThisMonth int) decimal.Decimal {
	rate := base
	if s.policy.LongDistanceKm > 0 && distanceKm >= s.policy.LongDistanceKm {
		rate = rate.Sub(s.policy.LongDistanceDiscount)
	}
	if s.policy.HighVolumeTrips > 0 && tripsThisMonth >= s.policy.HighVolumeTrips && driverRating >= s.policy.HighRatingThreshold {
		rate = rate.Sub(s.policy.HighVolumeDiscount)
	}
	if rate.LessThan(decimal.Zero) {
		rate = decimal.Zero
	}
	if rate.GreaterThan(s.policy.MaxRate) {
		rate = s.policy.MaxRate
	}
	return rate.Round(4)
}

// DefaultRate 无行程信息时的基础比例
func (s *CommissionService) DefaultRate() decimal.Decimal {
	return s.ComputeRate(s.policy.BaseRate, 0, 0, 0)
}

// Apply 按比例重算佣金与司机所得
func (s *CommissionService) Apply(payment *models.Payment, rate decimal.Decimal) error {
	if payment == nil {
		return ErrPaymentNotFound
	}
	if rate.LessThan(decimal.Zero) || rate.GreaterThan(s.policy.MaxRate) {
		return newValidationError("commission.taux", "rate out of range")
	}
	commission := models.NewMoneyFromDecimal(payment.MontantTotal.Decimal.Mul(rate))
	driverShare := payment.MontantTotal.Sub(commission).Sub(payment.FraisTransaction)
	if driverShare.Decimal.IsNegative() {
		return newValidationError("montant_conducteur", "must not be negative")
	}
	payment.Commission.Taux = rate.Round(4)
	payment.Commission.Montant = commission
	payment.CommissionPlateforme = commission
	payment.MontantConducteur = driverShare
	return s.ValidateConsistency(payment)
}

// ValidateConsistency 校验金额拆分：总额 = 司机所得 + 佣金 + 手续费
func (s *CommissionService) ValidateConsistency(payment *models.Payment) error {
	if payment == nil {
		return ErrPaymentNotFound
	}
	if !payment.MontantTotal.Decimal.IsPositive() {
		return newValidationError("montant_total", "must be positive")
	}
	for field, amount := range map[string]models.Money{
		"montant_conducteur":    payment.MontantConducteur,
		"commission_plateforme": payment.CommissionPlateforme,
		"frais_transaction":     payment.FraisTransaction,
	} {
		if amount.Decimal.IsNegative() {
			return newValidationError(field, "must not be negative")
		}
	}
	sum := payment.MontantConducteur.Add(payment.CommissionPlateforme).Add(payment.FraisTransaction)
	if !payment.MontantTotal.EqualWithin(sum, s.policy.Tolerance) {
		return newValidationError("montant_total", "does not match breakdown "+sum.String())
	}
	if !payment.Commission.Montant.EqualWithin(payment.CommissionPlateforme, s.policy.Tolerance) {
		return newValidationError("commission.montant", "does not match commission_plateforme")
	}
	refunded := payment.Refund.MontantRembourse.Add(payment.Refund.FraisAnnulation)
	if !refunded.Decimal.IsZero() && !payment.MontantTotal.EqualWithin(refunded, s.policy.Tolerance) {
		return newValidationError("refund", "refund and fee do not match total")
	}
	return nil
}

// MarkCollected 佣金已收取（与支付状态机无关）
func (s *CommissionService) MarkCollected(payment *models.Payment, now time.Time) bool {
	if payment == nil || payment.Commission.StatutCollecte == constants.CommissionStatusCollected {
		return false
	}
	payment.Commission.StatutCollecte = constants.CommissionStatusCollected
	payment.Commission.DateCollecte = timePtr(now)
	payment.Commission.ProchaineTentative = nil
	payment.Commission.DerniereErreur = ""
	return true
}

// MarkFailed 佣金收取失败
func (s *CommissionService) MarkFailed(payment *models.Payment, reason string) {
	if payment == nil || payment.Commission.StatutCollecte == constants.CommissionStatusCollected {
		return
	}
	payment.Commission.StatutCollecte = constants.CommissionStatusFailed
	payment.Commission.DerniereErreur = strings.TrimSpace(reason)
	payment.Commission.Tentatives++
}

// commissionModeFor 根据支付方式与来源确定收取方式
func commissionModeFor(kind constants.PaymentKind, method constants.PaymentMethod) constants.CommissionMode {
	if kind == constants.PaymentKindRecharge {
		return constants.CommissionModeNone
	}
	if method.IsMobileMoney() {
		return constants.CommissionModeSourceDeduction
	}
	return constants.CommissionModeDriverDebit
}
