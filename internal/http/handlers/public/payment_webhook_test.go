package public

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/provider"
	"github.com/covoit-next/internal/repository"
	"github.com/covoit-next/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type webhookTestEnv struct {
	router  *gin.Engine
	gateway *mobilemoney.Client
	repo    *repository.GormPaymentRepository
	service *service.PaymentService
}

func setupWebhookTest(t *testing.T) *webhookTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:webhook_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Payment{}, &models.PaymentLog{}, &models.PaymentError{}, &models.SettlementEntry{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	gateway, err := mobilemoney.NewClient(mobilemoney.Config{
		BaseURL:    "https://gateway.invalid",
		APIKey:     "api-key",
		MerchantID: "site-1",
		SecretKey:  "webhook-secret",
		NotifyURL:  "https://covoit.test/api/v1/payments/webhook",
		Timeout:    time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new gateway client failed: %v", err)
	}

	repo := repository.NewPaymentRepository(db)
	payments := service.NewPaymentService(service.PaymentServiceDeps{
		DB:          db,
		PaymentRepo: repo,
		AuditRepo:   repository.NewPaymentAuditRepository(db),
		Settlements: repository.NewSettlementRepository(db),
		Commission: service.NewCommissionService(service.CommissionPolicy{
			BaseRate:  decimal.NewFromFloat(0.10),
			MaxRate:   decimal.NewFromFloat(0.5),
			Tolerance: decimal.NewFromFloat(0.01),
		}),
		Gateway: gateway,
	}, service.PaymentServiceOptions{ReceiptBaseURL: "https://covoit.test/recus/", GatewayTimeout: time.Second})

	h := New(&provider.Container{PaymentRepo: repo, PaymentService: payments})
	r := gin.New()
	r.POST("/api/v1/payments/webhook", h.PaymentWebhook)
	return &webhookTestEnv{router: r, gateway: gateway, repo: repo, service: payments}
}

func (env *webhookTestEnv) createMobilePayment(t *testing.T, amount int64) *models.Payment {
	t.Helper()
	payment, err := env.service.Create(context.Background(), service.CreatePaymentInput{
		PayeurID:       "passenger-1",
		BeneficiaireID: "driver-1",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(amount)),
		Method:         constants.PaymentMethodOrangeMoney,
		CustomerPhone:  "0700000000",
		ReservationID:  fmt.Sprintf("resa-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func (env *webhookTestEnv) signedFields(reference, amount, code string) url.Values {
	return url.Values{
		mobilemoney.FieldTransactionID: {reference},
		mobilemoney.FieldResultCode:    {code},
		mobilemoney.FieldPaymentID:     {"MP-" + reference},
		mobilemoney.FieldAmount:        {amount},
		mobilemoney.FieldOperator:      {"OM"},
		mobilemoney.FieldPhone:         {"0700000000"},
		mobilemoney.FieldPaymentDate:   {"2026-03-01"},
		mobilemoney.FieldPaymentTime:   {"10:15:00"},
		mobilemoney.FieldSignature:     {env.gateway.Sign(reference, amount)},
	}
}

func postForm(r *gin.Engine, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeWebhookStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v body=%s", err, w.Body.String())
	}
	return resp["status"]
}

func TestPaymentWebhookCompletesPaymentOnce(t *testing.T) {
	env := setupWebhookTest(t)
	payment := env.createMobilePayment(t, 5000)

	form := env.signedFields(payment.ReferenceTransaction, "5000", "00")
	w := postForm(env.router, form)
	if w.Code != http.StatusOK || decodeWebhookStatus(t, w) != "OK" {
		t.Fatalf("unexpected response: %d %s", w.Code, w.Body.String())
	}

	stored, err := env.repo.GetByID(payment.ID)
	if err != nil || stored == nil {
		t.Fatalf("reload payment failed: %v", err)
	}
	if stored.StatutPaiement != constants.PaymentStatusComplete {
		t.Fatalf("expected COMPLETE, got %s", stored.StatutPaiement)
	}
	if stored.NumeroRecu == nil || *stored.NumeroRecu == "" {
		t.Fatalf("receipt should be issued on completion")
	}
	receipt := *stored.NumeroRecu

	// 网关重推同一事件
	w = postForm(env.router, form)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate webhook should still return 200, got %d", w.Code)
	}
	again, _ := env.repo.GetByID(payment.ID)
	if again.NumeroRecu == nil || *again.NumeroRecu != receipt {
		t.Fatalf("duplicate webhook must not reissue receipt")
	}
}

func TestPaymentWebhookJSONBody(t *testing.T) {
	env := setupWebhookTest(t)
	payment := env.createMobilePayment(t, 2500)

	form := env.signedFields(payment.ReferenceTransaction, "2500", "00")
	body := make(map[string]string, len(form))
	for key := range form {
		body[key] = form.Get(key)
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	stored, _ := env.repo.GetByID(payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusComplete {
		t.Fatalf("expected COMPLETE, got %s", stored.StatutPaiement)
	}
}

func TestPaymentWebhookForgedSignature(t *testing.T) {
	env := setupWebhookTest(t)
	payment := env.createMobilePayment(t, 5000)

	form := env.signedFields(payment.ReferenceTransaction, "5000", "00")
	form.Set(mobilemoney.FieldSignature, "forged")
	w := postForm(env.router, form)
	if w.Code != http.StatusUnauthorized || decodeWebhookStatus(t, w) != "INVALID_SIGNATURE" {
		t.Fatalf("forged webhook should be 401, got %d %s", w.Code, w.Body.String())
	}

	stored, _ := env.repo.GetByID(payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusPending {
		t.Fatalf("forged webhook must not change status, got %s", stored.StatutPaiement)
	}
}

func TestPaymentWebhookUnknownReference(t *testing.T) {
	env := setupWebhookTest(t)

	w := postForm(env.router, env.signedFields("PAY_0_unknown", "1000", "00"))
	if w.Code != http.StatusOK || decodeWebhookStatus(t, w) != "OK" {
		t.Fatalf("unknown reference should be acknowledged, got %d %s", w.Code, w.Body.String())
	}
}

func TestPaymentWebhookMalformedBody(t *testing.T) {
	env := setupWebhookTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("malformed body should be acknowledged, got %d", w.Code)
	}
}

func TestTruncateWebhookLogValue(t *testing.T) {
	long := strings.Repeat("a", webhookLogValueLimit+10)
	got := truncateWebhookLogValue(long)
	if !strings.HasSuffix(got, "...(truncated)") || len(got) != webhookLogValueLimit+len("...(truncated)") {
		t.Fatalf("unexpected truncation: %d", len(got))
	}
	if truncateWebhookLogValue(" short ") != "short" {
		t.Fatalf("short value should be trimmed only")
	}
}
