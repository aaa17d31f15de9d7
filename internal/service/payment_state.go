package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
)

var allowedPaymentTransitions = map[constants.PaymentStatus]map[constants.PaymentStatus]bool{
	constants.PaymentStatusPending: {
		constants.PaymentStatusProcessing: true,
		constants.PaymentStatusFailed:     true,
	},
	constants.PaymentStatusProcessing: {
		constants.PaymentStatusComplete: true,
		constants.PaymentStatusFailed:   true,
	},
	constants.PaymentStatusComplete: {
		constants.PaymentStatusRefunded: true,
	},
	constants.PaymentStatusFailed: {
		constants.PaymentStatusPending: true,
	},
}

// CanTransition 判断迁移是否在允许表内（自迁移不算）
func CanTransition(from, to constants.PaymentStatus) bool {
	return allowedPaymentTransitions[from][to]
}

// TransitionRequest 一次状态迁移请求
type TransitionRequest struct {
	Previous       constants.PaymentStatus
	Target         constants.PaymentStatus
	Cause          string
	Now            time.Time
	ReceiptBaseURL string
	// NewReceiptNumber 为空时使用 REC-日期-随机串
	NewReceiptNumber func(issuedAt time.Time) (string, error)
}

// TransitionResult 状态迁移结果
type TransitionResult struct {
	From          constants.PaymentStatus
	To            constants.PaymentStatus
	Cause         string
	Changed       bool
	ReceiptIssued bool
	At            time.Time
}

// ApplyTransition 在内存中执行状态迁移，不做持久化。
// Previous 由调用方显式传入，与记录当前状态不一致时视为并发修改。
func ApplyTransition(payment *models.Payment, req TransitionRequest) (*TransitionResult, error) {
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	if !req.Target.Valid() {
		return nil, newValidationError("statut_paiement", fmt.Sprintf("unknown status %q", req.Target))
	}
	if req.Previous != payment.StatutPaiement {
		return nil, ErrPaymentConcurrentUpdate
	}
	result := &TransitionResult{
		From:  req.Previous,
		To:    req.Target,
		Cause: strings.TrimSpace(req.Cause),
	}
	if req.Previous == req.Target {
		return result, nil
	}
	if !CanTransition(req.Previous, req.Target) {
		return nil, &InvalidTransitionError{From: req.Previous, To: req.Target}
	}

	now := clampPaymentNow(payment, req.Now)
	result.At = now
	switch req.Target {
	case constants.PaymentStatusProcessing:
		if payment.DateTraitement == nil {
			payment.DateTraitement = timePtr(now)
		}
	case constants.PaymentStatusComplete:
		if payment.DateTraitement == nil {
			payment.DateTraitement = timePtr(now)
		}
		if payment.DateCompletion == nil {
			payment.DateCompletion = timePtr(now)
		}
	case constants.PaymentStatusRefunded:
		if payment.Refund.DateRemboursement == nil {
			payment.Refund.DateRemboursement = timePtr(now)
		}
	}
	payment.StatutPaiement = req.Target
	result.Changed = true

	if req.Target == constants.PaymentStatusComplete {
		issued, err := issueReceipt(payment, req.ReceiptBaseURL, req.NewReceiptNumber)
		if err != nil {
			return nil, err
		}
		result.ReceiptIssued = issued
	}
	return result, nil
}

// IssueReceipt 签发收据：仅 COMPLETE 可签发，已签发则为空操作
func IssueReceipt(payment *models.Payment, baseURL string) (bool, error) {
	return issueReceipt(payment, baseURL, nil)
}

func issueReceipt(payment *models.Payment, baseURL string, newNumber func(time.Time) (string, error)) (bool, error) {
	if payment == nil {
		return false, ErrPaymentNotFound
	}
	if payment.ReceiptIssued() {
		return false, nil
	}
	if payment.StatutPaiement != constants.PaymentStatusComplete {
		return false, ErrPaymentStatusInvalid
	}
	issuedAt := payment.DateInitiation
	if payment.DateCompletion != nil {
		issuedAt = *payment.DateCompletion
	}
	if newNumber == nil {
		newNumber = NewReceiptNumber
	}
	numero, err := newNumber(issuedAt)
	if err != nil {
		return false, err
	}
	payment.NumeroRecu = &numero
	payment.URLRecu = receiptURL(baseURL, numero)
	return true, nil
}

// NewReceiptNumber 生成收据编号 REC-yyyymmdd-XXXXXXXXXX
func NewReceiptNumber(issuedAt time.Time) (string, error) {
	suffix, err := randomHex(5)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("REC-%s-%s", issuedAt.UTC().Format("20060102"), strings.ToUpper(suffix)), nil
}

func receiptURL(baseURL, numero string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "/" + numero
	}
	return base + "/" + numero
}

// clampPaymentNow 保证时间戳单调：now 不早于记录上已有的任何时间
func clampPaymentNow(payment *models.Payment, now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	latest := payment.DateInitiation
	for _, ts := range []*time.Time{payment.DateTraitement, payment.DateCompletion, payment.Refund.DateRemboursement} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if now.Before(latest) {
		return latest
	}
	return now
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
