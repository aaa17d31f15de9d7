package shared

import (
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/service"
)

// PaymentErrorRules 支付操作的通用错误映射；Msg 为空时透出业务错误文本
var PaymentErrorRules = []MappedError{
	{Target: service.ErrValidation, Code: response.CodeBadRequest},
	{Target: service.ErrPaymentNotFound, Code: response.CodeNotFound, Msg: "payment not found"},
	{Target: service.ErrInvalidTransition, Code: response.CodeConflict},
	{Target: service.ErrPaymentConcurrentUpdate, Code: response.CodeConflict, Msg: "payment updated concurrently, retry"},
	{Target: service.ErrPaymentStatusInvalid, Code: response.CodeConflict, Msg: "payment status does not allow this operation"},
	{Target: service.ErrRefundNotAllowed, Code: response.CodeConflict},
	{Target: service.ErrReservationPaymentActive, Code: response.CodeConflict, Msg: "reservation already has an active payment"},
	{Target: service.ErrCashNoGateway, Code: response.CodeBadRequest, Msg: "cash payments are not sent to the gateway"},
	{Target: service.ErrPaymentAmountMismatch, Code: response.CodeUnprocessableEntity, Msg: "payment amount mismatch"},
	{Target: service.ErrFraudRejected, Code: response.CodeForbidden, Msg: "payment rejected"},
	{Target: service.ErrPartyNotFound, Code: response.CodeNotFound, Msg: "payer or beneficiary not found"},
	{Target: service.ErrPaymentReferenceCollision, Code: response.CodeServiceUnavailable, Msg: "payment reference unavailable, retry"},
	{Target: service.ErrGateway, Code: response.CodeBadGateway, Msg: "payment gateway unavailable"},
}

// CommissionErrorRules 佣金结算的额外映射
var CommissionErrorRules = []MappedError{
	{Target: service.ErrCommissionCollectFailed, Code: response.CodeBadGateway, Msg: "commission collection failed, retry scheduled"},
}
