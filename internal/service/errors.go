package service

import (
	"errors"
	"fmt"

	"github.com/covoit-next/internal/constants"
)

// 业务哨兵错误
var (
	ErrValidation                = errors.New("validation failed")
	ErrInvalidTransition         = errors.New("invalid payment transition")
	ErrWebhookSignature          = errors.New("webhook signature invalid")
	ErrGateway                   = errors.New("gateway error")
	ErrPaymentNotFound           = errors.New("payment not found")
	ErrPaymentConcurrentUpdate   = errors.New("payment updated concurrently")
	ErrPaymentReferenceCollision = errors.New("payment reference collision")
	ErrPaymentUpdateFailed       = errors.New("payment update failed")
	ErrReservationPaymentActive  = errors.New("reservation already has an active payment")
	ErrCashNoGateway             = errors.New("cash payment does not use gateway")
	ErrPaymentStatusInvalid      = errors.New("payment status invalid for operation")
	ErrPaymentAmountMismatch     = errors.New("payment amount mismatch")
	ErrFraudRejected             = errors.New("payment rejected by fraud check")
	ErrPartyNotFound             = errors.New("party not found")
	ErrRefundNotAllowed          = errors.New("refund not allowed")
	ErrCommissionCollectFailed   = errors.New("commission collection failed")
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrOperatorDisabled          = errors.New("operator disabled")
	ErrInvalidToken              = errors.New("invalid token")
	ErrCaptchaRequired           = errors.New("captcha required")
	ErrCaptchaInvalid            = errors.New("captcha invalid")
	ErrCaptchaConfigInvalid      = errors.New("captcha config invalid")
)

// ValidationError 字段级校验错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is 支持 errors.Is(err, ErrValidation)
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidTransitionError 状态机拒绝的迁移
type InvalidTransitionError struct {
	From constants.PaymentStatus
	To   constants.PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid payment transition %s -> %s", e.From, e.To)
}

// Is 支持 errors.Is(err, ErrInvalidTransition)
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// GatewayError 网关调用失败（网络、超时、响应异常）
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, ErrGateway)
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}
