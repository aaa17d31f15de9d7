package internalapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	handlershared "github.com/covoit-next/internal/http/handlers/shared"
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/provider"
	"github.com/covoit-next/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler 内部服务间接口（预约、账户服务调用）
type Handler struct {
	*provider.Container
}

// New 创建内部接口处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}

var initiateErrorRules = handlershared.ConcatMappedErrors(
	[]handlershared.MappedError{
		{Target: mobilemoney.ErrInitiateRefused, Code: response.CodeUnprocessableEntity, Msg: "payment refused by gateway"},
	},
	handlershared.PaymentErrorRules,
)

// TripPaymentRequest 行程支付请求
type TripPaymentRequest struct {
	ReservationID  string       `json:"reservation_id" binding:"required"`
	PayeurID       string       `json:"payeur_id" binding:"required"`
	BeneficiaireID string       `json:"beneficiaire_id" binding:"required"`
	DepartureTime  *time.Time   `json:"date_depart_trajet"`
	Amount         models.Money `json:"montant_total"`
	Method         string       `json:"methode_paiement" binding:"required"`
	CustomerPhone  string       `json:"telephone_client"`
	Operator       string       `json:"operateur"`
	DistanceKm     float64      `json:"distance_km"`
	DriverRating   float64      `json:"driver_rating"`
	TripsThisMonth int          `json:"trips_this_month"`
}

// CreateTripPayment 预约服务创建行程支付
func (h *Handler) CreateTripPayment(c *gin.Context) {
	var req TripPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handlershared.RespondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	input := service.TripPaymentInput{
		ReservationID:  req.ReservationID,
		PayeurID:       req.PayeurID,
		BeneficiaireID: req.BeneficiaireID,
		Amount:         req.Amount,
		Method:         normalizeMethod(req.Method),
		CustomerPhone:  req.CustomerPhone,
		Operator:       req.Operator,
		DistanceKm:     req.DistanceKm,
		DriverRating:   req.DriverRating,
		TripsThisMonth: req.TripsThisMonth,
	}
	if req.DepartureTime != nil {
		input.DepartureTime = req.DepartureTime.UTC()
	}
	payment, err := h.PaymentService.CreateTripPayment(c.Request.Context(), input)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "create payment failed")
		return
	}
	response.Success(c, service.BuildPaymentSummary(payment))
}

// RechargeRequest 账户充值请求
type RechargeRequest struct {
	UserID        string       `json:"user_id" binding:"required"`
	Amount        models.Money `json:"montant_total"`
	Method        string       `json:"methode_paiement" binding:"required"`
	CustomerPhone string       `json:"telephone_client"`
	Operator      string       `json:"operateur"`
}

// CreateRecharge 账户服务创建充值
func (h *Handler) CreateRecharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handlershared.RespondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	payment, err := h.PaymentService.CreateRecharge(c.Request.Context(), service.RechargeInput{
		UserID:        req.UserID,
		Amount:        req.Amount,
		Method:        normalizeMethod(req.Method),
		CustomerPhone: req.CustomerPhone,
		Operator:      req.Operator,
	})
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "create recharge failed")
		return
	}
	response.Success(c, service.BuildPaymentSummary(payment))
}

// InitiateRequest 发起网关支付请求
type InitiateRequest struct {
	CustomerPhone string `json:"telephone_client"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Operator      string `json:"operateur"`
	Description   string `json:"description"`
}

// InitiatePayment 向网关发起支付，返回付款链接；路径参数可为支付 ID 或交易流水号
func (h *Handler) InitiatePayment(c *gin.Context) {
	reference, ok := h.resolveReference(c)
	if !ok {
		return
	}
	var req InitiateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handlershared.RespondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	outcome, err := h.PaymentService.Initiate(c.Request.Context(), reference, service.InitiateInput{
		CustomerPhone: req.CustomerPhone,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Operator:      req.Operator,
		Description:   req.Description,
	})
	if err != nil {
		if errors.Is(err, mobilemoney.ErrInitiateRefused) && outcome != nil {
			response.ErrorWithData(c, response.CodeUnprocessableEntity, "payment refused by gateway", gin.H{
				"payment": service.BuildPaymentSummary(outcome.Payment),
			})
			return
		}
		handlershared.RespondMappedError(c, err, initiateErrorRules, response.CodeInternal, "initiate payment failed")
		return
	}
	response.Success(c, gin.H{
		"payment":       service.BuildPaymentSummary(outcome.Payment),
		"payment_url":   outcome.PaymentURL,
		"gateway_token": outcome.GatewayToken,
		"reused":        outcome.Reused,
	})
}

// GetPaymentSummary 支付摘要
func (h *Handler) GetPaymentSummary(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	summary, err := h.PaymentService.GetPaymentSummary(c.Request.Context(), id)
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "fetch payment failed")
		return
	}
	response.Success(c, summary)
}

// RefundRequest 取消退款请求
type RefundRequest struct {
	Motif string `json:"motif"`
}

// RequestRefund 行程取消退款，手续费按距出发时间分档
func (h *Handler) RequestRefund(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handlershared.RespondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	outcome, err := h.PaymentService.RequestRefund(c.Request.Context(), service.RefundInput{
		PaymentID: id,
		Cause:     constants.TransitionCauseRefundRequest,
		Motif:     req.Motif,
		Operator:  handlershared.ActorName(c),
	})
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "refund failed")
		return
	}
	response.Success(c, buildRefundView(outcome))
}

func buildRefundView(outcome *service.RefundOutcome) gin.H {
	return gin.H{
		"payment":           service.BuildPaymentSummary(outcome.Payment),
		"montant_rembourse": outcome.Split.Refund,
		"frais_annulation":  outcome.Split.Fee,
		"hours_remaining":   outcome.HoursRemaining,
		"already_refunded":  outcome.AlreadyDone,
	}
}

func (h *Handler) resolveReference(c *gin.Context) (string, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		handlershared.RespondError(c, response.CodeBadRequest, "reference is required", nil)
		return "", false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return raw, true
	}
	payment, err := h.PaymentService.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		handlershared.RespondMappedError(c, err, handlershared.PaymentErrorRules, response.CodeInternal, "fetch payment failed")
		return "", false
	}
	return payment.ReferenceTransaction, true
}

func normalizeMethod(raw string) constants.PaymentMethod {
	return constants.PaymentMethod(strings.ToUpper(strings.TrimSpace(raw)))
}
