package public

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	webhookStatusOK               = "OK"
	webhookStatusInvalidSignature = "INVALID_SIGNATURE"
	webhookBodyLimit              = 64 << 10
	webhookLogValueLimit          = 512
)

// PaymentWebhook 移动支付网关回调。
// 验签失败返回 401，其余情况一律 200，避免网关无限重推。
func (h *Handler) PaymentWebhook(c *gin.Context) {
	log := requestLog(c)
	fields, raw, err := readWebhookFields(c)
	if err != nil {
		log.Warnw("payment_webhook_body_invalid",
			"client_ip", c.ClientIP(),
			"content_type", strings.TrimSpace(c.GetHeader("Content-Type")),
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": webhookStatusOK})
		return
	}
	log.Infow("payment_webhook_request",
		"client_ip", c.ClientIP(),
		"transaction_id", fields[mobilemoney.FieldTransactionID],
		"result_code", fields[mobilemoney.FieldResultCode],
		"raw_body", truncateWebhookLogValue(raw),
	)

	if h == nil || h.Container == nil || h.PaymentService == nil {
		log.Errorw("payment_webhook_service_unavailable")
		c.JSON(http.StatusOK, gin.H{"status": webhookStatusOK})
		return
	}

	result, err := h.PaymentService.ReceiveWebhook(c.Request.Context(), fields)
	if err != nil {
		if errors.Is(err, service.ErrWebhookSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"status": webhookStatusInvalidSignature})
			return
		}
		log.Warnw("payment_webhook_handle_failed",
			"transaction_id", fields[mobilemoney.FieldTransactionID],
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": webhookStatusOK})
		return
	}
	log.Infow("payment_webhook_handled",
		"reference", result.Reference,
		"status", result.Status,
		"changed", result.Changed,
		"duplicate", result.Duplicate,
	)
	c.JSON(http.StatusOK, gin.H{"status": webhookStatusOK})
}

// readWebhookFields 兼容 JSON 与表单两种回调格式
func readWebhookFields(c *gin.Context) (map[string]string, string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		return nil, "", err
	}
	raw := string(body)
	contentType := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Type")))
	if strings.Contains(contentType, "application/json") || strings.HasPrefix(strings.TrimSpace(raw), "{") {
		payload := make(map[string]interface{})
		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return nil, raw, err
		}
		return mobilemoney.FlattenPayload(payload), raw, nil
	}

	c.Request.Body = io.NopCloser(strings.NewReader(raw))
	if err := c.Request.ParseForm(); err != nil {
		return nil, raw, err
	}
	form := c.Request.PostForm
	if len(form) == 0 {
		form = c.Request.Form
	}
	fields := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) == 0 {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(values[0])
	}
	return fields, raw, nil
}

func truncateWebhookLogValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= webhookLogValueLimit {
		return raw
	}
	return raw[:webhookLogValueLimit] + "...(truncated)"
}
