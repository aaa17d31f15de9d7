package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"

	"github.com/shopspring/decimal"
)

var errGatewayNotConfigured = errors.New("gateway not configured")

// InitiateInput 发起网关支付输入
type InitiateInput struct {
	CustomerPhone string
	CustomerName  string
	CustomerEmail string
	Operator      string
	Description   string
}

// InitiateOutcome 发起结果
type InitiateOutcome struct {
	Payment      *models.Payment
	PaymentURL   string
	GatewayToken string
	Reused       bool
}

// Initiate 向网关发起移动支付。网关调用不持有记录锁。
func (s *PaymentService) Initiate(ctx context.Context, reference string, input InitiateInput) (*InitiateOutcome, error) {
	log := paymentLogger("reference", reference)
	if s.gateway == nil {
		return nil, &GatewayError{Op: "initiate", Err: errGatewayNotConfigured}
	}

	reused := false
	pre, err := s.mutate(ctx, reference, func(m *paymentMutation) error {
		p := m.payment
		if !p.UsesGateway() {
			return ErrCashNoGateway
		}
		switch p.StatutPaiement {
		case constants.PaymentStatusComplete, constants.PaymentStatusRefunded:
			return ErrPaymentStatusInvalid
		case constants.PaymentStatusProcessing:
			if p.MobileMoney.PaymentURL == "" {
				return ErrPaymentStatusInvalid
			}
			reused = true
			return nil
		case constants.PaymentStatusFailed:
			if _, err := s.transition(m, constants.PaymentStatusPending, constants.TransitionCauseRetry); err != nil {
				return err
			}
			p.MobileMoney.GatewayToken = ""
			p.MobileMoney.PaymentURL = ""
			p.MobileMoney.GatewayStatus = ""
		case constants.PaymentStatusPending:
			if p.MobileMoney.PaymentURL != "" {
				reused = true
				return nil
			}
		}
		if phone := strings.TrimSpace(input.CustomerPhone); phone != "" && phone != p.MobileMoney.TelephoneClient {
			p.MobileMoney.TelephoneClient = phone
			m.touch()
		}
		if operator := strings.TrimSpace(input.Operator); operator != "" && operator != p.MobileMoney.Operateur {
			p.MobileMoney.Operateur = operator
			m.touch()
		}
		if p.MobileMoney.TelephoneClient == "" {
			return newValidationError("telephone_client", "is required for mobile money")
		}
		return nil
	})
	if err != nil {
		log.Warnw("payment_initiate_rejected", "error", err)
		return nil, err
	}
	if reused {
		log.Infow("payment_initiate_reused", "status", pre.StatutPaiement)
		return &InitiateOutcome{
			Payment:      pre,
			PaymentURL:   pre.MobileMoney.PaymentURL,
			GatewayToken: pre.MobileMoney.GatewayToken,
			Reused:       true,
		}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	result, callErr := s.gateway.Initiate(callCtx, mobilemoney.InitiateRequest{
		TransactionID: pre.ReferenceTransaction,
		Amount:        pre.MontantTotal.Decimal,
		Description:   input.Description,
		Channel:       pre.MethodePaiement.GatewayChannel(),
		CustomerPhone: pre.MobileMoney.TelephoneClient,
		CustomerEmail: input.CustomerEmail,
		CustomerName:  input.CustomerName,
	})

	if callErr != nil {
		if ctx.Err() != nil {
			// 状态保持调用前（FAILED 重试后为 PENDING、无令牌），仅留错误记录，由对账任务接手
			cause := ctx.Err()
			if _, err := s.mutate(context.WithoutCancel(ctx), reference, func(m *paymentMutation) error {
				m.recordError(constants.PaymentErrorGatewayTransport, cause.Error(), models.JSON{"op": "initiate", "cancelled": true})
				return nil
			}); err != nil {
				log.Errorw("payment_initiate_error_log_failed", "error", err)
			}
			log.Warnw("payment_initiate_cancelled", "error", cause)
			return nil, &GatewayError{Op: "initiate", Err: cause}
		}
		var refused *mobilemoney.RefusedError
		if errors.As(callErr, &refused) {
			payment, err := s.mutate(ctx, reference, func(m *paymentMutation) error {
				m.recordError(constants.PaymentErrorGatewayRefused, refused.Error(), models.JSON{
					"code":    refused.Code,
					"message": refused.Message,
				})
				if m.payment.StatutPaiement != constants.PaymentStatusPending {
					return nil
				}
				_, err := s.transition(m, constants.PaymentStatusFailed, constants.TransitionCauseGatewayInitiate)
				return err
			})
			if err != nil {
				log.Errorw("payment_initiate_refusal_apply_failed", "error", err)
				return nil, err
			}
			log.Warnw("payment_initiate_refused", "code", refused.Code, "message", refused.Message)
			return &InitiateOutcome{Payment: payment}, callErr
		}

		if _, err := s.mutate(ctx, reference, func(m *paymentMutation) error {
			m.recordError(constants.PaymentErrorGatewayTransport, callErr.Error(), models.JSON{"op": "initiate"})
			return nil
		}); err != nil {
			log.Errorw("payment_initiate_error_log_failed", "error", err)
		}
		log.Warnw("payment_initiate_transport_failed", "error", callErr)
		return nil, &GatewayError{Op: "initiate", Err: callErr}
	}

	payment, err := s.mutate(ctx, reference, func(m *paymentMutation) error {
		p := m.payment
		m.log(constants.PaymentLogActionGatewayInitiated, models.JSON{
			"code":          result.Code,
			"payment_token": result.PaymentToken,
			"payment_url":   result.PaymentURL,
		})
		if p.StatutPaiement != constants.PaymentStatusPending {
			return nil
		}
		p.MobileMoney.GatewayToken = result.PaymentToken
		p.MobileMoney.PaymentURL = result.PaymentURL
		p.MobileMoney.GatewayStatus = result.Code
		m.touch()
		return nil
	})
	if err != nil {
		log.Errorw("payment_initiate_apply_failed", "error", err)
		return nil, err
	}
	log.Infow("payment_initiated", "payment_url", result.PaymentURL)
	return &InitiateOutcome{
		Payment:      payment,
		PaymentURL:   payment.MobileMoney.PaymentURL,
		GatewayToken: payment.MobileMoney.GatewayToken,
	}, nil
}

// GatewayStatusUpdate 归一化后的网关状态（来自回调或主动查询）
type GatewayStatusUpdate struct {
	Status            string
	Code              string
	ProviderPaymentID string
	Amount            decimal.Decimal
	Operator          string
	PaidAt            *time.Time
	Cause             string
}

// GatewayApplyResult 应用网关状态的结果
type GatewayApplyResult struct {
	Payment   *models.Payment
	Status    string
	Changed   bool
	Duplicate bool
}

// PollStatus 主动查询网关状态（不持有记录锁）
func (s *PaymentService) PollStatus(ctx context.Context, reference string) (*GatewayStatusUpdate, error) {
	if s.gateway == nil {
		return nil, &GatewayError{Op: "check_status", Err: errGatewayNotConfigured}
	}
	payment, err := s.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !payment.UsesGateway() {
		return nil, ErrCashNoGateway
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	result, err := s.gateway.CheckStatus(callCtx, payment.ReferenceTransaction)
	if err != nil {
		paymentLogger("reference", reference).Warnw("payment_poll_failed", "error", err)
		return nil, &GatewayError{Op: "check_status", Err: err}
	}
	return &GatewayStatusUpdate{
		Status:            result.Status,
		Code:              firstNonEmptyString(result.Code, result.ProviderStatus),
		ProviderPaymentID: result.ProviderPaymentID,
		Amount:            result.Amount,
		Operator:          result.Operator,
		Cause:             constants.TransitionCausePoll,
	}, nil
}

// PollAndApply 查询网关并应用结果
func (s *PaymentService) PollAndApply(ctx context.Context, reference string) (*GatewayApplyResult, error) {
	update, err := s.PollStatus(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.ApplyGatewayStatus(ctx, reference, *update)
}

// ApplyGatewayStatus 按归一化状态推进支付。重复或过期事件不会回退状态。
func (s *PaymentService) ApplyGatewayStatus(ctx context.Context, reference string, update GatewayStatusUpdate) (*GatewayApplyResult, error) {
	cause := update.Cause
	if cause == "" {
		cause = constants.TransitionCausePoll
	}
	action := constants.PaymentLogActionGatewayPolled
	if cause == constants.TransitionCauseWebhook {
		action = constants.PaymentLogActionWebhookReceived
	}
	log := paymentLogger("reference", reference, "gateway_status", update.Status, "gateway_code", update.Code, "cause", cause)

	outcome := &GatewayApplyResult{Status: update.Status}
	amountMismatch := false
	payment, err := s.mutate(ctx, reference, func(m *paymentMutation) error {
		p := m.payment
		details := models.JSON{
			"status":              update.Status,
			"code":                update.Code,
			"provider_payment_id": update.ProviderPaymentID,
		}
		if !update.Amount.IsZero() {
			details["amount"] = mobilemoney.CanonicalAmount(update.Amount)
		}
		m.log(action, details)

		switch p.StatutPaiement {
		case constants.PaymentStatusComplete, constants.PaymentStatusRefunded:
			outcome.Duplicate = true
			return nil
		case constants.PaymentStatusFailed:
			if update.Status == constants.GatewayStatusAccepted {
				m.recordError(constants.PaymentErrorLateAcceptance, "gateway accepted a failed payment", details)
			}
			outcome.Duplicate = update.Status != constants.GatewayStatusAccepted
			return nil
		}

		if !update.Amount.IsZero() && !update.Amount.Round(2).Equal(p.MontantTotal.Decimal) {
			amountMismatch = true
			details["expected_amount"] = p.MontantTotal.Canonical()
			m.recordError(constants.PaymentErrorAmountMismatch, "gateway amount does not match payment", details)
			return nil
		}

		if update.Status != constants.GatewayStatusUnknown {
			s.applyMobileMoneyFields(m, update)
		}
		switch update.Status {
		case constants.GatewayStatusAccepted:
			if p.StatutPaiement == constants.PaymentStatusPending {
				if _, err := s.transition(m, constants.PaymentStatusProcessing, cause); err != nil {
					return err
				}
			}
			if _, err := s.transition(m, constants.PaymentStatusComplete, cause); err != nil {
				return err
			}
			outcome.Changed = true
		case constants.GatewayStatusRefused:
			m.recordError(constants.PaymentErrorPaymentRefused, "gateway refused the payment", details)
			if _, err := s.transition(m, constants.PaymentStatusFailed, cause); err != nil {
				return err
			}
			outcome.Changed = true
		case constants.GatewayStatusPending:
			if p.StatutPaiement == constants.PaymentStatusPending {
				if _, err := s.transition(m, constants.PaymentStatusProcessing, cause); err != nil {
					return err
				}
				outcome.Changed = true
			}
		}
		return nil
	})
	if err != nil {
		log.Warnw("payment_gateway_status_apply_failed", "error", err)
		return nil, err
	}
	outcome.Payment = payment
	if amountMismatch {
		log.Warnw("payment_gateway_amount_mismatch", "expected_amount", payment.MontantTotal.String(), "gateway_amount", update.Amount.String())
		return outcome, ErrPaymentAmountMismatch
	}
	log.Infow("payment_gateway_status_applied",
		"status", payment.StatutPaiement,
		"changed", outcome.Changed,
		"duplicate", outcome.Duplicate,
	)
	return outcome, nil
}

func (s *PaymentService) applyMobileMoneyFields(m *paymentMutation, update GatewayStatusUpdate) {
	mm := &m.payment.MobileMoney
	if update.Code != "" && update.Code != mm.GatewayStatus {
		mm.GatewayStatus = update.Code
		m.touch()
	}
	if update.ProviderPaymentID != "" && update.ProviderPaymentID != mm.GatewayTransactionID {
		mm.GatewayTransactionID = update.ProviderPaymentID
		m.touch()
	}
	if update.Operator != "" && update.Operator != mm.Operateur {
		mm.Operateur = update.Operator
		m.touch()
	}
	if update.PaidAt != nil && mm.DateTransaction == nil {
		paidAt := *update.PaidAt
		mm.DateTransaction = &paidAt
		m.touch()
	}
}

// WebhookResult 回调处理结果
type WebhookResult struct {
	Reference string
	Status    constants.PaymentStatus
	Changed   bool
	Duplicate bool
}

// ReceiveWebhook 处理网关回调：先验签，再按参考号定位支付，不会创建支付
func (s *PaymentService) ReceiveWebhook(ctx context.Context, fields map[string]string) (*WebhookResult, error) {
	if s.gateway == nil {
		return nil, &GatewayError{Op: "webhook", Err: errGatewayNotConfigured}
	}
	transactionID := strings.TrimSpace(fields[mobilemoney.FieldTransactionID])
	log := paymentLogger("reference", transactionID, "result_code", fields[mobilemoney.FieldResultCode])

	event, err := s.gateway.ParseWebhook(fields)
	if err != nil {
		if errors.Is(err, mobilemoney.ErrSignatureInvalid) {
			log.Warnw("payment_webhook_signature_invalid", "security_event", true)
			return nil, ErrWebhookSignature
		}
		log.Warnw("payment_webhook_payload_invalid", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	log.Infow("payment_webhook_received", "gateway_status", event.Status, "provider_payment_id", event.ProviderPaymentID)

	existing, err := s.paymentRepo.GetByReference(event.TransactionID)
	if err != nil {
		log.Errorw("payment_webhook_payment_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if existing == nil {
		log.Warnw("payment_webhook_payment_not_found")
		return nil, ErrPaymentNotFound
	}

	applied, err := s.ApplyGatewayStatus(ctx, event.TransactionID, GatewayStatusUpdate{
		Status:            event.Status,
		Code:              event.ResultCode,
		ProviderPaymentID: event.ProviderPaymentID,
		Amount:            event.Amount,
		Operator:          event.Operator,
		PaidAt:            event.PaidAt,
		Cause:             constants.TransitionCauseWebhook,
	})
	if err != nil {
		return nil, err
	}
	return &WebhookResult{
		Reference: event.TransactionID,
		Status:    applied.Payment.StatutPaiement,
		Changed:   applied.Changed,
		Duplicate: applied.Duplicate,
	}, nil
}
