package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"
)

// ReconciliationPolicy 对账与佣金重试参数
type ReconciliationPolicy struct {
	PendingThreshold           time.Duration
	CommissionPendingThreshold time.Duration
	MaxAttempts                int
	BackoffBase                time.Duration
	BackoffMax                 time.Duration
	BatchSize                  int
}

// ReconciliationPolicyFromConfig 从配置构建对账参数
func ReconciliationPolicyFromConfig(cfg config.ReconciliationConfig) ReconciliationPolicy {
	return ReconciliationPolicy{
		PendingThreshold:           time.Duration(cfg.PendingThresholdMinutes) * time.Minute,
		CommissionPendingThreshold: time.Duration(cfg.CommissionPendingThresholdMinute) * time.Minute,
		MaxAttempts:                cfg.CommissionMaxAttempts,
		BackoffBase:                time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		BackoffMax:                 time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		BatchSize:                  cfg.BatchSize,
	}
}

// ReconciliationService 周期对账：重新查询滞留支付、重试佣金收取
type ReconciliationService struct {
	payments    *PaymentService
	paymentRepo repository.PaymentRepository
	commission  *CommissionService
	collector   CommissionCollector
	notifier    Notifier
	policy      ReconciliationPolicy
	now         func() time.Time
}

// NewReconciliationService 创建对账服务
func NewReconciliationService(payments *PaymentService, paymentRepo repository.PaymentRepository, collector CommissionCollector, notifier Notifier, policy ReconciliationPolicy) *ReconciliationService {
	if policy.PendingThreshold <= 0 {
		policy.PendingThreshold = 30 * time.Minute
	}
	if policy.CommissionPendingThreshold < 0 {
		policy.CommissionPendingThreshold = 0
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = time.Minute
	}
	if policy.BackoffMax < policy.BackoffBase {
		policy.BackoffMax = policy.BackoffBase
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = 100
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &ReconciliationService{
		payments:    payments,
		paymentRepo: paymentRepo,
		commission:  payments.commission,
		collector:   collector,
		notifier:    notifier,
		policy:      policy,
		now:         payments.opts.Now,
	}
}

// SweepReport 一次对账结果
type SweepReport struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	StalePolled       int       `json:"stale_polled"`
	StaleTransitioned int       `json:"stale_transitioned"`
	CommissionSettled int       `json:"commission_settled"`
	CommissionFailed  int       `json:"commission_failed"`
	ManualReview      int       `json:"manual_review"`
	Errors            int       `json:"errors"`
	Interrupted       bool      `json:"interrupted"`
}

// Sweep 执行一轮对账；单条失败不影响其他记录，在记录之间响应取消
func (s *ReconciliationService) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now()}
	log := paymentLogger("job", "reconciliation_sweep")

	stale, err := s.paymentRepo.ListStalePending(report.StartedAt.Add(-s.policy.PendingThreshold), s.policy.BatchSize)
	if err != nil {
		log.Errorw("reconciliation_stale_list_failed", "error", err)
		return report, err
	}
	for i := range stale {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		payment := &stale[i]
		report.StalePolled++
		result, err := s.payments.PollAndApply(ctx, payment.ReferenceTransaction)
		if err != nil {
			report.Errors++
			log.Warnw("reconciliation_poll_failed", "reference", payment.ReferenceTransaction, "error", err)
			continue
		}
		if result.Changed {
			report.StaleTransitioned++
		}
	}

	if !report.Interrupted {
		now := s.now()
		due, err := s.paymentRepo.ListCommissionDue(now, now.Add(-s.policy.CommissionPendingThreshold), s.policy.BatchSize)
		if err != nil {
			log.Errorw("reconciliation_commission_list_failed", "error", err)
			return report, err
		}
		for i := range due {
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			payment, err := s.SettleCommission(ctx, due[i].ReferenceTransaction)
			switch {
			case err == nil:
				report.CommissionSettled++
			case errors.Is(err, ErrCommissionCollectFailed):
				report.CommissionFailed++
				if payment != nil && payment.Commission.RevueManuelle {
					report.ManualReview++
				}
			default:
				report.Errors++
				log.Warnw("reconciliation_commission_failed", "reference", due[i].ReferenceTransaction, "error", err)
			}
		}
	}

	report.FinishedAt = s.now()
	log.Infow("reconciliation_sweep_done",
		"stale_polled", report.StalePolled,
		"stale_transitioned", report.StaleTransitioned,
		"commission_settled", report.CommissionSettled,
		"commission_failed", report.CommissionFailed,
		"manual_review", report.ManualReview,
		"errors", report.Errors,
		"interrupted", report.Interrupted,
	)
	if report.Interrupted {
		return report, ctx.Err()
	}
	return report, nil
}

// SettleCommission 收取已完成支付的佣金；已收取为空操作，失败按指数退避排期
func (s *ReconciliationService) SettleCommission(ctx context.Context, reference string) (*models.Payment, error) {
	log := paymentLogger("reference", reference)
	current, err := s.payments.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if current.StatutPaiement != constants.PaymentStatusComplete {
		log.Infow("commission_settle_skipped_status", "status", current.StatutPaiement)
		return current, ErrPaymentStatusInvalid
	}
	if current.Commission.StatutCollecte == constants.CommissionStatusCollected {
		return current, nil
	}
	if current.Commission.RevueManuelle {
		log.Infow("commission_settle_skipped_manual_review")
		return current, nil
	}

	var collectErr error
	var manualReview bool
	payment, err := s.payments.mutate(ctx, reference, func(m *paymentMutation) error {
		p := m.payment
		collectErr = nil
		manualReview = false
		// 锁内复核：退款可能已在快照之后提交
		if p.StatutPaiement != constants.PaymentStatusComplete {
			return ErrPaymentStatusInvalid
		}
		if p.Commission.StatutCollecte == constants.CommissionStatusCollected || p.Commission.RevueManuelle {
			return nil
		}
		if needsCollection(p) {
			if s.collector == nil {
				collectErr = errors.New("no commission collector configured")
			} else {
				collectErr = s.collector.Collect(ctx, m.tx, p)
			}
		}
		if collectErr == nil {
			if s.commission.MarkCollected(p, m.now) {
				m.touch()
				m.log(constants.PaymentLogActionCommissionCollected, models.JSON{
					"montant":       p.Commission.Montant.String(),
					"mode_collecte": string(p.Commission.ModeCollecte),
					"tentatives":    p.Commission.Tentatives,
				})
			}
			return nil
		}

		s.commission.MarkFailed(p, collectErr.Error())
		m.touch()
		if p.Commission.Tentatives >= s.policy.MaxAttempts {
			p.Commission.RevueManuelle = true
			p.Commission.ProchaineTentative = nil
			manualReview = true
			m.recordError(constants.PaymentErrorManualReview, "commission collection exhausted retries", models.JSON{
				"tentatives": p.Commission.Tentatives,
				"error":      collectErr.Error(),
			})
			snapshot := p
			m.onCommit(func(ctx context.Context) {
				if err := s.notifier.NotifyManualReview(ctx, snapshot, collectErr.Error()); err != nil {
					paymentLogger("reference", snapshot.ReferenceTransaction).Warnw("manual_review_notify_failed", "error", err)
				}
			})
			return nil
		}
		next := m.now.Add(s.Backoff(p.Commission.Tentatives))
		p.Commission.ProchaineTentative = &next
		m.recordError(constants.PaymentErrorCommissionFailed, collectErr.Error(), models.JSON{
			"tentatives": p.Commission.Tentatives,
		})
		m.log(constants.PaymentLogActionCommissionRetry, models.JSON{
			"tentatives":          p.Commission.Tentatives,
			"prochaine_tentative": next.Format(time.RFC3339),
		})
		return nil
	})
	if errors.Is(err, ErrPaymentStatusInvalid) {
		log.Infow("commission_settle_skipped_status")
		return nil, err
	}
	if err != nil {
		log.Errorw("commission_settle_apply_failed", "error", err)
		return nil, err
	}
	if collectErr != nil {
		log.Warnw("commission_collect_failed",
			"tentatives", payment.Commission.Tentatives,
			"manual_review", manualReview,
			"error", collectErr,
		)
		return payment, fmt.Errorf("%w: %v", ErrCommissionCollectFailed, collectErr)
	}
	log.Infow("commission_settled", "statut", payment.Commission.StatutCollecte)
	return payment, nil
}

// Backoff 第 attempts 次失败后的等待时间：base * 2^(attempts-1)，不超过上限
func (s *ReconciliationService) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.policy.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.policy.BackoffMax {
			return s.policy.BackoffMax
		}
	}
	if delay > s.policy.BackoffMax {
		return s.policy.BackoffMax
	}
	return delay
}

// needsCollection 无佣金（充值或零比例）时直接标记已收取
func needsCollection(payment *models.Payment) bool {
	if payment.Commission.ModeCollecte == constants.CommissionModeNone {
		return false
	}
	return payment.CommissionPlateforme.Decimal.IsPositive() || payment.MontantConducteur.Decimal.IsPositive()
}
