package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	handlershared "github.com/covoit-next/internal/http/handlers/shared"
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"
	"github.com/covoit-next/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

var commissionSettleErrorRules = handlershared.ConcatMappedErrors(
	handlershared.CommissionErrorRules,
	handlershared.PaymentErrorRules,
)

// ListPayments 支付列表
func (h *Handler) ListPayments(c *gin.Context) {
	filter, err := buildPaymentListFilter(c)
	if err != nil {
		respondError(c, response.CodeBadRequest, err.Error(), nil)
		return
	}
	payments, total, err := h.PaymentService.ListAdmin(c.Request.Context(), filter)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch payments failed", err)
		return
	}
	response.SuccessWithPage(c, buildSummaries(payments), response.BuildPagination(filter.Page, filter.PageSize, total))
}

// ListPendingReconciliation 待对账支付（卡单、佣金失败、转人工）
func (h *Handler) ListPendingReconciliation(c *gin.Context) {
	filter, err := buildPaymentListFilter(c)
	if err != nil {
		respondError(c, response.CodeBadRequest, err.Error(), nil)
		return
	}
	payments, total, err := h.PaymentService.ListPendingForReconciliation(c.Request.Context(), filter)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch payments failed", err)
		return
	}
	response.SuccessWithPage(c, buildSummaries(payments), response.BuildPagination(filter.Page, filter.PageSize, total))
}

// GetPayment 支付详情：摘要与审计轨迹
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	trail, err := h.PaymentService.GetAuditTrail(c.Request.Context(), id)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "fetch payment failed")
		return
	}
	response.Success(c, gin.H{
		"summary":     service.BuildPaymentSummary(trail.Payment),
		"payment":     trail.Payment,
		"logs":        trail.Logs,
		"errors":      trail.Errors,
		"settlements": trail.Settlements,
	})
}

// TransitionRequest 人工状态迁移
type TransitionRequest struct {
	Target   string `json:"target" binding:"required"`
	Expected string `json:"expected"`
}

// TransitionPayment 人工推进状态（admin-override）；expected 用于防止覆盖并发变更
func (h *Handler) TransitionPayment(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "target is required", nil)
		return
	}
	outcome, err := h.PaymentService.RequestTransition(c.Request.Context(), service.RequestTransitionInput{
		PaymentID: id,
		Target:    constants.PaymentStatus(strings.ToUpper(strings.TrimSpace(req.Target))),
		Expected:  constants.PaymentStatus(strings.ToUpper(strings.TrimSpace(req.Expected))),
		Cause:     constants.TransitionCauseAdminOverride,
		Operator:  handlershared.ActorName(c),
	})
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "transition failed")
		return
	}
	requestLog(c).Infow("admin_payment_transition",
		"payment_id", id,
		"target", req.Target,
		"changed", outcome.Result != nil && outcome.Result.Changed,
		"by", handlershared.ActorName(c),
	)
	response.Success(c, gin.H{
		"payment": service.BuildPaymentSummary(outcome.Payment),
		"changed": outcome.Result != nil && outcome.Result.Changed,
	})
}

// AdminRefundRequest 人工退款
type AdminRefundRequest struct {
	Motif string `json:"motif"`
}

// RefundPayment 管理员强制全额退款
func (h *Handler) RefundPayment(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	var req AdminRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	outcome, err := h.PaymentService.RequestRefund(c.Request.Context(), service.RefundInput{
		PaymentID: id,
		Cause:     constants.TransitionCauseAdminOverride,
		Motif:     req.Motif,
		Operator:  handlershared.ActorName(c),
	})
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "refund failed")
		return
	}
	response.Success(c, gin.H{
		"payment":           service.BuildPaymentSummary(outcome.Payment),
		"montant_rembourse": outcome.Split.Refund,
		"frais_annulation":  outcome.Split.Fee,
		"already_refunded":  outcome.AlreadyDone,
	})
}

// PollPayment 主动向网关查询并应用状态
func (h *Handler) PollPayment(c *gin.Context) {
	payment, ok := h.loadPayment(c)
	if !ok {
		return
	}
	result, err := h.PaymentService.PollAndApply(c.Request.Context(), payment.ReferenceTransaction)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "poll failed")
		return
	}
	response.Success(c, gin.H{
		"payment":        service.BuildPaymentSummary(result.Payment),
		"gateway_status": result.Status,
		"changed":        result.Changed,
		"duplicate":      result.Duplicate,
	})
}

// IssueReceipt 为已完成支付补发收据
func (h *Handler) IssueReceipt(c *gin.Context) {
	payment, ok := h.loadPayment(c)
	if !ok {
		return
	}
	updated, err := h.PaymentService.IssueReceipt(c.Request.Context(), payment.ReferenceTransaction)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "issue receipt failed")
		return
	}
	response.Success(c, service.BuildPaymentSummary(updated))
}

// SettleCommission 立即收取佣金（不等待对账周期）
func (h *Handler) SettleCommission(c *gin.Context) {
	payment, ok := h.loadPayment(c)
	if !ok {
		return
	}
	updated, err := h.ReconciliationService.SettleCommission(c.Request.Context(), payment.ReferenceTransaction)
	if err != nil {
		handlershared.RespondMappedError(c, err, commissionSettleErrorRules, response.CodeInternal, "settle commission failed")
		return
	}
	response.Success(c, gin.H{
		"payment":    service.BuildPaymentSummary(updated),
		"commission": updated.Commission,
	})
}

func (h *Handler) loadPayment(c *gin.Context) (*models.Payment, bool) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return nil, false
	}
	payment, err := h.PaymentService.GetByID(c.Request.Context(), id)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "fetch payment failed")
		return nil, false
	}
	return payment, true
}

func buildSummaries(payments []models.Payment) []*service.PaymentSummary {
	items := make([]*service.PaymentSummary, 0, len(payments))
	for i := range payments {
		items = append(items, service.BuildPaymentSummary(&payments[i]))
	}
	return items
}

func buildPaymentListFilter(c *gin.Context) (repository.PaymentListFilter, error) {
	page, pageSize := handlershared.ParsePagination(c)
	filter := repository.PaymentListFilter{
		Page:             page,
		PageSize:         pageSize,
		Status:           strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		Method:           strings.ToUpper(strings.TrimSpace(c.Query("method"))),
		Kind:             strings.ToLower(strings.TrimSpace(c.Query("kind"))),
		CommissionStatus: strings.ToUpper(strings.TrimSpace(c.Query("commission_status"))),
		ManualReviewOnly: cast.ToBool(c.Query("manual_review")),
		PartyID:          strings.TrimSpace(c.Query("party_id")),
		ReservationID:    strings.TrimSpace(c.Query("reservation_id")),
		Search:           strings.TrimSpace(c.Query("search")),
	}
	if filter.Status != "" && !constants.PaymentStatus(filter.Status).Valid() {
		return filter, fmt.Errorf("unknown status %q", filter.Status)
	}
	from, err := parseQueryTime(c.Query("created_from"))
	if err != nil {
		return filter, fmt.Errorf("created_from is invalid")
	}
	to, err := parseQueryTime(c.Query("created_to"))
	if err != nil {
		return filter, fmt.Errorf("created_to is invalid")
	}
	filter.CreatedFrom = from
	filter.CreatedTo = to
	return filter, nil
}

// parseQueryTime 支持 RFC3339 与 YYYY-MM-DD
func parseQueryTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		utc := t.UTC()
		return &utc, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
