package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
)

// RefundInput 退款请求
type RefundInput struct {
	PaymentID uint
	Cause     string
	Motif     string
	Operator  string
}

// RefundOutcome 退款结果
type RefundOutcome struct {
	Payment        *models.Payment
	Split          RefundSplit
	HoursRemaining *float64
	AlreadyDone    bool
}

// RequestRefund 退款：取消流程按距出发时间分档收取手续费，管理员强制退款全额
func (s *PaymentService) RequestRefund(ctx context.Context, input RefundInput) (*RefundOutcome, error) {
	cause := strings.TrimSpace(input.Cause)
	if cause == "" {
		cause = constants.TransitionCauseRefundRequest
	}
	if cause != constants.TransitionCauseRefundRequest && cause != constants.TransitionCauseAdminOverride {
		return nil, newValidationError("cause", fmt.Sprintf("unsupported refund cause %q", cause))
	}
	current, err := s.GetByID(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	log := paymentLogger("reference", current.ReferenceTransaction, "payment_id", current.ID, "cause", cause)
	if current.StatutPaiement == constants.PaymentStatusRefunded {
		log.Infow("payment_refund_idempotent")
		return &RefundOutcome{
			Payment:     current,
			Split:       RefundSplit{Refund: current.Refund.MontantRembourse, Fee: current.Refund.FraisAnnulation},
			AlreadyDone: true,
		}, nil
	}

	var departure *time.Time
	if cause == constants.TransitionCauseRefundRequest {
		if current.Kind != constants.PaymentKindTrip {
			return nil, fmt.Errorf("%w: only trip payments can be refunded on cancellation", ErrRefundNotAllowed)
		}
		departure = s.lookupDeparture(ctx, current)
		if departure == nil {
			return nil, newValidationError("date_depart_trajet", "departure time is unknown")
		}
	}

	outcome := &RefundOutcome{}
	payment, err := s.mutate(ctx, current.ReferenceTransaction, func(m *paymentMutation) error {
		p := m.payment
		if p.StatutPaiement == constants.PaymentStatusRefunded {
			outcome.AlreadyDone = true
			outcome.Split = RefundSplit{Refund: p.Refund.MontantRembourse, Fee: p.Refund.FraisAnnulation}
			return nil
		}
		if p.StatutPaiement != constants.PaymentStatusComplete {
			_, err := s.transition(m, constants.PaymentStatusRefunded, cause)
			return err
		}

		split := FullRefund(p.MontantTotal)
		if departure != nil {
			hours := departure.Sub(m.now).Hours()
			outcome.HoursRemaining = &hours
			split = ComputeRefund(p.MontantTotal, hours, s.opts.RefundPolicy)
			if p.DateDepartTrajet == nil || !p.DateDepartTrajet.Equal(*departure) {
				p.DateDepartTrajet = departure
			}
		}
		outcome.Split = split
		p.Refund.MontantRembourse = split.Refund
		p.Refund.FraisAnnulation = split.Fee
		p.Refund.Motif = strings.TrimSpace(input.Motif)
		if input.Operator != "" {
			m.actor = input.Operator
		}
		if _, err := s.transition(m, constants.PaymentStatusRefunded, cause); err != nil {
			return err
		}

		details := models.JSON{
			"montant_rembourse": split.Refund.String(),
			"frais_annulation":  split.Fee.String(),
			"fee_rate":          split.FeeRate.String(),
			"cause":             cause,
		}
		if outcome.HoursRemaining != nil {
			details["hours_remaining"] = *outcome.HoursRemaining
		}
		m.log(constants.PaymentLogActionRefunded, details)

		if s.settlements == nil {
			return nil
		}
		ledger := s.settlements.WithTx(m.tx)
		if split.Refund.Decimal.IsPositive() {
			if _, err := ledger.CreateIfAbsent(&models.SettlementEntry{
				PaymentID: p.ID,
				EntryType: constants.SettlementEntryRefund,
				Reference: p.ReferenceTransaction,
				AccountID: p.PayeurID,
				Direction: constants.SettlementDirectionCredit,
				Amount:    split.Refund,
				Currency:  p.Currency,
				CreatedAt: m.now,
			}); err != nil {
				log.Errorw("payment_refund_ledger_failed", "error", err)
				return ErrPaymentUpdateFailed
			}
		}
		if p.Commission.StatutCollecte != constants.CommissionStatusCollected {
			return nil
		}
		collected, err := ledger.ListByPayment(p.ID)
		if err != nil {
			log.Errorw("payment_refund_ledger_list_failed", "error", err)
			return ErrPaymentUpdateFailed
		}
		reversals := reversalEntries(collected)
		for i := range reversals {
			reversals[i].CreatedAt = m.now
			if _, err := ledger.CreateIfAbsent(&reversals[i]); err != nil {
				log.Errorw("payment_refund_reversal_failed", "error", err)
				return ErrPaymentUpdateFailed
			}
		}
		if len(reversals) > 0 {
			m.log(constants.PaymentLogActionCommissionReversed, models.JSON{
				"montant": p.Commission.Montant.String(),
				"entries": len(reversals),
			})
		}
		return nil
	})
	if err != nil {
		log.Warnw("payment_refund_failed", "error", err)
		return nil, err
	}
	outcome.Payment = payment
	log.Infow("payment_refunded",
		"montant_rembourse", outcome.Split.Refund.String(),
		"frais_annulation", outcome.Split.Fee.String(),
		"already_done", outcome.AlreadyDone,
	)
	return outcome, nil
}

// lookupDeparture 优先向预约服务查询最新出发时间，失败时回退到创建时记录的时间
func (s *PaymentService) lookupDeparture(ctx context.Context, payment *models.Payment) *time.Time {
	if s.reservations != nil && payment.ReservationID != nil {
		departure, err := s.reservations.DepartureTime(ctx, *payment.ReservationID)
		if err == nil && !departure.IsZero() {
			return &departure
		}
		if err != nil {
			paymentLogger("reference", payment.ReferenceTransaction).Warnw("reservation_departure_lookup_failed", "error", err)
		}
	}
	if payment.DateDepartTrajet != nil {
		departure := *payment.DateDepartTrajet
		return &departure
	}
	return nil
}
