package mobilemoney

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// 回调字段
const (
	FieldTransactionID = "transaction_id"
	FieldResultCode    = "result_code"
	FieldPaymentID     = "payment_id"
	FieldAmount        = "amount"
	FieldOperator      = "operator"
	FieldPhone         = "phone"
	FieldSignature     = "signature"
	FieldPaymentDate   = "payment_date"
	FieldPaymentTime   = "payment_time"
)

// WebhookEvent 已验签的网关通知
type WebhookEvent struct {
	TransactionID     string
	ResultCode        string
	Status            string
	ProviderPaymentID string
	Amount            decimal.Decimal
	Operator          string
	Phone             string
	PaidAt            *time.Time
	Raw               map[string]string
}

// FlattenPayload 将 JSON 解码结果转换为字符串字段
func FlattenPayload(payload map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(payload))
	for key, value := range payload {
		fields[strings.TrimSpace(key)] = strings.TrimSpace(cast.ToString(value))
	}
	return fields
}

// ParseWebhook 先验签，再解析通知内容
func (c *Client) ParseWebhook(fields map[string]string) (*WebhookEvent, error) {
	if len(fields) == 0 {
		return nil, ErrSignatureInvalid
	}
	transactionID := strings.TrimSpace(fields[FieldTransactionID])
	rawAmount := strings.TrimSpace(fields[FieldAmount])
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if err := c.VerifySignature(transactionID, CanonicalAmount(amount), fields[FieldSignature]); err != nil {
		return nil, err
	}

	resultCode := strings.TrimSpace(fields[FieldResultCode])
	if resultCode == "" {
		return nil, fmt.Errorf("%w: result_code is required", ErrPayloadInvalid)
	}
	event := &WebhookEvent{
		TransactionID:     transactionID,
		ResultCode:        resultCode,
		Status:            NormalizeStatus(resultCode, ""),
		ProviderPaymentID: strings.TrimSpace(fields[FieldPaymentID]),
		Amount:            amount,
		Operator:          strings.TrimSpace(fields[FieldOperator]),
		Phone:             strings.TrimSpace(fields[FieldPhone]),
		Raw:               fields,
	}
	if paidAt, ok := c.parsePaidAt(fields[FieldPaymentDate], fields[FieldPaymentTime]); ok {
		event.PaidAt = &paidAt
	}
	return event, nil
}

func (c *Client) parsePaidAt(date, clock string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, false
	}
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00:00"
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, c.cfg.Location)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
