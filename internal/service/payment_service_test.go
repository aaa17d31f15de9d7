package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/payment/mobilemoney"
	"github.com/covoit-next/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubGateway struct {
	client        *mobilemoney.Client
	initiate      *mobilemoney.InitiateResult
	initiateErr   error
	status        *mobilemoney.StatusResult
	statusErr     error
	initiateCalls int
	checkCalls    int
}

func (g *stubGateway) Initiate(ctx context.Context, req mobilemoney.InitiateRequest) (*mobilemoney.InitiateResult, error) {
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	if g.initiate != nil {
		return g.initiate, nil
	}
	return &mobilemoney.InitiateResult{
		Code:         "201",
		PaymentToken: "tok-" + req.TransactionID,
		PaymentURL:   "https://checkout.gateway.test/" + req.TransactionID,
	}, nil
}

func (g *stubGateway) CheckStatus(ctx context.Context, transactionID string) (*mobilemoney.StatusResult, error) {
	g.checkCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.status == nil {
		return &mobilemoney.StatusResult{TransactionID: transactionID, Status: mobilemoney.StatusUnknown}, nil
	}
	return g.status, nil
}

func (g *stubGateway) ParseWebhook(fields map[string]string) (*mobilemoney.WebhookEvent, error) {
	return g.client.ParseWebhook(fields)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
	reviews  []string
}

func (n *recordingNotifier) NotifyPaymentStatus(ctx context.Context, payment *models.Payment, event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, fmt.Sprintf("%s:%s", payment.ReferenceTransaction, payment.StatutPaiement))
	return nil
}

func (n *recordingNotifier) NotifyManualReview(ctx context.Context, payment *models.Payment, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviews = append(n.reviews, payment.ReferenceTransaction)
	return nil
}

type failingCollector struct {
	calls int
}

func (c *failingCollector) Collect(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	c.calls++
	return errors.New("driver wallet unavailable")
}

type paymentTestEnv struct {
	db          *gorm.DB
	svc         *PaymentService
	recon       *ReconciliationService
	gateway     *stubGateway
	notifier    *recordingNotifier
	audit       *repository.GormPaymentAuditRepository
	settlements *repository.GormSettlementRepository
	paymentRepo *repository.GormPaymentRepository
	clock       *testClock
}

var testPaymentStart = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func testCommissionPolicy() CommissionPolicy {
	return CommissionPolicy{
		BaseRate:             decimal.NewFromFloat(0.10),
		MaxRate:              decimal.NewFromFloat(0.5),
		LongDistanceKm:       100,
		LongDistanceDiscount: decimal.NewFromFloat(0.02),
		HighVolumeTrips:      50,
		HighRatingThreshold:  4.5,
		HighVolumeDiscount:   decimal.NewFromFloat(0.01),
		Tolerance:            decimal.NewFromFloat(0.01),
	}
}

func testRefundPolicy() RefundPolicy {
	return RefundPolicy{
		FullRefundHours:    24,
		PartialRefundHours: 2,
		PartialFeeRate:     decimal.NewFromFloat(0.10),
		LateFeeRate:        decimal.NewFromFloat(0.50),
	}
}

func newTestGatewayClient(t *testing.T) *mobilemoney.Client {
	t.Helper()
	client, err := mobilemoney.NewClient(mobilemoney.Config{
		BaseURL:    "https://api.gateway.test",
		APIKey:     "api-key",
		MerchantID: "merchant-1",
		SecretKey:  "secret",
		NotifyURL:  "https://covoit.test/api/v1/payments/webhook",
	}, nil)
	if err != nil {
		t.Fatalf("new gateway client failed: %v", err)
	}
	return client
}

func setupPaymentServiceTest(t *testing.T, collector CommissionCollector) *paymentTestEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:payment_service_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Payment{},
		&models.PaymentLog{},
		&models.PaymentError{},
		&models.SettlementEntry{},
	); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	clock := &testClock{now: testPaymentStart}
	paymentRepo := repository.NewPaymentRepository(db)
	auditRepo := repository.NewPaymentAuditRepository(db)
	settlementRepo := repository.NewSettlementRepository(db)
	gateway := &stubGateway{client: newTestGatewayClient(t)}
	notifier := &recordingNotifier{}
	if collector == nil {
		collector = NewLedgerCommissionCollector(settlementRepo)
	}

	svc := NewPaymentService(PaymentServiceDeps{
		DB:          db,
		PaymentRepo: paymentRepo,
		AuditRepo:   auditRepo,
		Settlements: settlementRepo,
		Commission:  NewCommissionService(testCommissionPolicy()),
		Gateway:     gateway,
		Locker:      NewKeyedLocker(),
		Notifier:    notifier,
	}, PaymentServiceOptions{
		ReceiptBaseURL: "https://covoit.test/recus/",
		FeeRate:        decimal.Zero,
		GatewayTimeout: time.Second,
		RefundPolicy:   testRefundPolicy(),
		Now:            clock.Now,
	})
	recon := NewReconciliationService(svc, paymentRepo, collector, notifier, ReconciliationPolicy{
		PendingThreshold:           30 * time.Minute,
		CommissionPendingThreshold: 60 * time.Minute,
		MaxAttempts:                3,
		BackoffBase:                time.Minute,
		BackoffMax:                 10 * time.Minute,
		BatchSize:                  50,
	})
	return &paymentTestEnv{
		db:          db,
		svc:         svc,
		recon:       recon,
		gateway:     gateway,
		notifier:    notifier,
		audit:       auditRepo,
		settlements: settlementRepo,
		paymentRepo: paymentRepo,
		clock:       clock,
	}
}

func (e *paymentTestEnv) createMobilePayment(t *testing.T, reservationID string, amount int64) *models.Payment {
	t.Helper()
	payment, err := e.svc.CreateTripPayment(context.Background(), TripPaymentInput{
		ReservationID:  reservationID,
		PayeurID:       "passenger-1",
		BeneficiaireID: "driver-1",
		DepartureTime:  e.clock.Now().Add(48 * time.Hour),
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(amount)),
		Method:         constants.PaymentMethodOrangeMoney,
		CustomerPhone:  "+2250700000000",
	})
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func (e *paymentTestEnv) signedWebhook(reference, amount, resultCode string) map[string]string {
	parsed := decimal.RequireFromString(amount)
	return map[string]string{
		mobilemoney.FieldTransactionID: reference,
		mobilemoney.FieldResultCode:    resultCode,
		mobilemoney.FieldPaymentID:     "CP-" + reference,
		mobilemoney.FieldAmount:        amount,
		mobilemoney.FieldOperator:      "OM",
		mobilemoney.FieldPhone:         "+2250700000000",
		mobilemoney.FieldPaymentDate:   "2026-03-10",
		mobilemoney.FieldPaymentTime:   "08:05:00",
		mobilemoney.FieldSignature:     e.gateway.client.Sign(reference, mobilemoney.CanonicalAmount(parsed)),
	}
}

func (e *paymentTestEnv) reload(t *testing.T, id uint) *models.Payment {
	t.Helper()
	payment, err := e.paymentRepo.GetByID(id)
	if err != nil || payment == nil {
		t.Fatalf("reload payment failed: %v", err)
	}
	return payment
}

func (e *paymentTestEnv) countLogs(t *testing.T, paymentID uint, action string) int64 {
	t.Helper()
	count, err := e.audit.CountLogs(paymentID, action)
	if err != nil {
		t.Fatalf("count logs failed: %v", err)
	}
	return count
}

func (e *paymentTestEnv) errorCodes(t *testing.T, paymentID uint) []string {
	t.Helper()
	entries, err := e.audit.ListErrors(paymentID)
	if err != nil {
		t.Fatalf("list errors failed: %v", err)
	}
	codes := make([]string, 0, len(entries))
	for _, entry := range entries {
		codes = append(codes, entry.Code)
	}
	return codes
}

func (e *paymentTestEnv) forceStatus(t *testing.T, id uint, status constants.PaymentStatus) {
	t.Helper()
	updates := map[string]interface{}{"statut_paiement": status}
	if status == constants.PaymentStatusFailed || status == constants.PaymentStatusRefunded {
		updates["reservation_active"] = nil
	}
	if err := e.db.Model(&models.Payment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		t.Fatalf("force status failed: %v", err)
	}
}

func countCode(codes []string, code string) int {
	n := 0
	for _, c := range codes {
		if c == code {
			n++
		}
	}
	return n
}

func TestCreateTripPaymentSplitsCommission(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-1", 5000)

	if !strings.HasPrefix(payment.ReferenceTransaction, "PAY_") {
		t.Fatalf("unexpected reference: %s", payment.ReferenceTransaction)
	}
	if payment.StatutPaiement != constants.PaymentStatusPending {
		t.Fatalf("expected PENDING, got %s", payment.StatutPaiement)
	}
	if payment.CommissionPlateforme.String() != "500.00" || payment.MontantConducteur.String() != "4500.00" {
		t.Fatalf("unexpected split: commission=%s driver=%s", payment.CommissionPlateforme, payment.MontantConducteur)
	}
	if payment.Commission.StatutCollecte != constants.CommissionStatusPending {
		t.Fatalf("expected commission pending, got %s", payment.Commission.StatutCollecte)
	}
	if payment.Commission.ModeCollecte != constants.CommissionModeSourceDeduction {
		t.Fatalf("expected retenue_source, got %s", payment.Commission.ModeCollecte)
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionCreated) != 1 {
		t.Fatalf("expected created log")
	}

	discounted, err := env.svc.CreateTripPayment(context.Background(), TripPaymentInput{
		ReservationID:  "resa-2",
		PayeurID:       "passenger-2",
		BeneficiaireID: "driver-2",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(10000)),
		Method:         constants.PaymentMethodCash,
		DistanceKm:     150,
		DriverRating:   4.8,
		TripsThisMonth: 60,
	})
	if err != nil {
		t.Fatalf("create discounted payment failed: %v", err)
	}
	if discounted.CommissionPlateforme.String() != "700.00" {
		t.Fatalf("expected 7%% commission, got %s", discounted.CommissionPlateforme)
	}
	if discounted.Commission.ModeCollecte != constants.CommissionModeDriverDebit {
		t.Fatalf("expected debit_conducteur for cash, got %s", discounted.Commission.ModeCollecte)
	}
}

func TestCreateRechargeHasNoCommission(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment, err := env.svc.CreateRecharge(context.Background(), RechargeInput{
		UserID:        "user-9",
		Amount:        models.NewMoneyFromDecimal(decimal.NewFromInt(2000)),
		Method:        constants.PaymentMethodWave,
		CustomerPhone: "+2250100000000",
	})
	if err != nil {
		t.Fatalf("create recharge failed: %v", err)
	}
	if payment.Kind != constants.PaymentKindRecharge || payment.ReservationID != nil {
		t.Fatalf("unexpected recharge kind: %s", payment.Kind)
	}
	if payment.PayeurID != payment.BeneficiaireID {
		t.Fatalf("recharge payer and payee should match")
	}
	if !payment.CommissionPlateforme.Decimal.IsZero() || payment.Commission.ModeCollecte != constants.CommissionModeNone {
		t.Fatalf("recharge should carry no commission: %s %s", payment.CommissionPlateforme, payment.Commission.ModeCollecte)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	cases := []struct {
		name  string
		input CreatePaymentInput
	}{
		{"zero amount", CreatePaymentInput{PayeurID: "a", BeneficiaireID: "b", Amount: models.ZeroMoney(), Method: constants.PaymentMethodCash}},
		{"missing payer", CreatePaymentInput{BeneficiaireID: "b", Amount: models.NewMoneyFromDecimal(decimal.NewFromInt(10)), Method: constants.PaymentMethodCash}},
		{"unknown method", CreatePaymentInput{PayeurID: "a", BeneficiaireID: "b", Amount: models.NewMoneyFromDecimal(decimal.NewFromInt(10)), Method: "BITCOIN"}},
		{"mobile money without phone", CreatePaymentInput{PayeurID: "a", BeneficiaireID: "b", Amount: models.NewMoneyFromDecimal(decimal.NewFromInt(10)), Method: constants.PaymentMethodMTNMomo}},
	}
	for _, tc := range cases {
		if _, err := env.svc.Create(context.Background(), tc.input); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	var count int64
	env.db.Model(&models.Payment{}).Count(&count)
	if count != 0 {
		t.Fatalf("invalid payments must not be persisted, got %d", count)
	}
}

type staticParties map[string]bool

func (p staticParties) Exists(ctx context.Context, partyID string) (bool, error) {
	return p[partyID], nil
}

func TestCreateRejectsUnknownParty(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	env.svc.parties = staticParties{"passenger-1": true}
	_, err := env.svc.Create(context.Background(), CreatePaymentInput{
		PayeurID:       "passenger-1",
		BeneficiaireID: "ghost-driver",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(1000)),
		Method:         constants.PaymentMethodCash,
	})
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Field != "beneficiaire_id" {
		t.Fatalf("expected beneficiaire validation error, got %v", err)
	}
}

type rejectingFraudChecker struct{}

func (rejectingFraudChecker) Check(ctx context.Context, input FraudCheckInput) error {
	return errors.New("velocity limit")
}

func TestCreateRejectedByFraudChecker(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	env.svc.fraud = rejectingFraudChecker{}
	_, err := env.svc.Create(context.Background(), CreatePaymentInput{
		PayeurID:       "a",
		BeneficiaireID: "b",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(1000)),
		Method:         constants.PaymentMethodCash,
	})
	if !errors.Is(err, ErrFraudRejected) {
		t.Fatalf("expected fraud rejection, got %v", err)
	}
}

func TestCreateReusesActiveReservationPayment(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	first := env.createMobilePayment(t, "resa-reuse", 5000)
	second := env.createMobilePayment(t, "resa-reuse", 5000)
	if first.ID != second.ID || first.ReferenceTransaction != second.ReferenceTransaction {
		t.Fatalf("expected active payment to be reused")
	}

	env.forceStatus(t, first.ID, constants.PaymentStatusFailed)
	third := env.createMobilePayment(t, "resa-reuse", 5000)
	if third.ID == first.ID {
		t.Fatalf("failed payment must not be reused")
	}
}

func TestConcurrentCreateForReservationYieldsOnePayment(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	const workers = 6
	var wg sync.WaitGroup
	start := make(chan struct{})
	ids := make(chan uint, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			payment, err := env.svc.CreateTripPayment(context.Background(), TripPaymentInput{
				ReservationID:  "resa-parallel",
				PayeurID:       "passenger-1",
				BeneficiaireID: "driver-1",
				DepartureTime:  env.clock.Now().Add(48 * time.Hour),
				Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(5000)),
				Method:         constants.PaymentMethodOrangeMoney,
				CustomerPhone:  "+2250700000000",
			})
			if err != nil {
				errs <- err
				return
			}
			ids <- payment.ID
		}()
	}
	close(start)
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create failed: %v", err)
	}
	seen := map[uint]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one payment for the reservation, got %d", len(seen))
	}
	var count int64
	if err := env.db.Model(&models.Payment{}).Where("reservation_id = ?", "resa-parallel").Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("expected one stored payment, got %d (%v)", count, err)
	}
}

// staleReservationRepo 模拟另一实例：预约查询看不到已提交的支付
type staleReservationRepo struct {
	repository.PaymentRepository
	misses int
}

func (r *staleReservationRepo) FindActiveByReservation(reservationID string) (*models.Payment, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.PaymentRepository.FindActiveByReservation(reservationID)
}

func TestCreateAcrossInstancesReusesGuardedPayment(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	first := env.createMobilePayment(t, "resa-two-nodes", 5000)

	other := NewPaymentService(PaymentServiceDeps{
		DB:          env.db,
		PaymentRepo: &staleReservationRepo{PaymentRepository: env.paymentRepo, misses: 1},
		AuditRepo:   env.audit,
		Settlements: env.settlements,
		Commission:  NewCommissionService(testCommissionPolicy()),
		Locker:      NewKeyedLocker(),
	}, PaymentServiceOptions{Now: env.clock.Now})
	second, err := other.CreateTripPayment(context.Background(), TripPaymentInput{
		ReservationID:  "resa-two-nodes",
		PayeurID:       "passenger-1",
		BeneficiaireID: "driver-1",
		DepartureTime:  env.clock.Now().Add(48 * time.Hour),
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(5000)),
		Method:         constants.PaymentMethodOrangeMoney,
		CustomerPhone:  "+2250700000000",
	})
	if err != nil {
		t.Fatalf("create on second instance failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second instance must reuse payment %d, got %d", first.ID, second.ID)
	}
}

func TestRetryFailedPaymentBlockedByNewerActivePayment(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	first := env.createMobilePayment(t, "resa-retry-guard", 5000)
	if _, err := env.svc.RequestTransition(ctx, RequestTransitionInput{PaymentID: first.ID, Target: constants.PaymentStatusFailed}); err != nil {
		t.Fatalf("fail payment failed: %v", err)
	}
	replacement := env.createMobilePayment(t, "resa-retry-guard", 5000)
	if replacement.ID == first.ID {
		t.Fatalf("failed payment must not be reused")
	}
	_, err := env.svc.RequestTransition(ctx, RequestTransitionInput{PaymentID: first.ID, Target: constants.PaymentStatusPending})
	if !errors.Is(err, ErrReservationPaymentActive) {
		t.Fatalf("expected reservation conflict, got %v", err)
	}
	if env.reload(t, first.ID).StatutPaiement != constants.PaymentStatusFailed {
		t.Fatalf("blocked retry must leave the payment FAILED")
	}
}

func TestReceiptCollisionIsRegenerated(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	taken := env.completePayment(t, "resa-receipt-taken", 1000)
	if !taken.ReceiptIssued() {
		t.Fatalf("completed payment should carry a receipt")
	}

	calls := 0
	env.svc.opts.NewReceipt = func(issuedAt time.Time) (string, error) {
		calls++
		if calls == 1 {
			return *taken.NumeroRecu, nil
		}
		return NewReceiptNumber(issuedAt)
	}
	payment := env.createMobilePayment(t, "resa-receipt-new", 1000)
	if _, err := env.svc.ReceiveWebhook(ctx, env.signedWebhook(payment.ReferenceTransaction, "1000", "00")); err != nil {
		t.Fatalf("webhook with colliding receipt failed: %v", err)
	}
	stored := env.reload(t, payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusComplete || !stored.ReceiptIssued() {
		t.Fatalf("payment should complete with a receipt, got %s", stored.StatutPaiement)
	}
	if *stored.NumeroRecu == *taken.NumeroRecu {
		t.Fatalf("receipt number must be regenerated after a collision")
	}
	if calls < 2 {
		t.Fatalf("expected a second receipt number, got %d calls", calls)
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionReceiptIssued) != 1 {
		t.Fatalf("expected one receipt_issued log")
	}
}

func TestCreateReferenceCollisionIsNotOverwritten(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	env.svc.opts.NewReference = func(time.Time) (string, error) {
		return "PAY_1_fixed", nil
	}
	input := RechargeInput{UserID: "user-1", Amount: models.NewMoneyFromDecimal(decimal.NewFromInt(100)), Method: constants.PaymentMethodCash}
	first, err := env.svc.CreateRecharge(context.Background(), input)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := env.svc.CreateRecharge(context.Background(), input); !errors.Is(err, ErrPaymentReferenceCollision) {
		t.Fatalf("expected collision error, got %v", err)
	}
	stored := env.reload(t, first.ID)
	if stored.PayeurID != "user-1" {
		t.Fatalf("original payment must be untouched")
	}
}

func TestHappyPathWebhookCompletesAndSettles(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment := env.createMobilePayment(t, "resa-happy", 5000)

	initiated, err := env.svc.Initiate(ctx, payment.ReferenceTransaction, InitiateInput{})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if initiated.GatewayToken == "" || initiated.PaymentURL == "" {
		t.Fatalf("expected gateway token and url")
	}

	env.clock.Advance(5 * time.Minute)
	result, err := env.svc.ReceiveWebhook(ctx, env.signedWebhook(payment.ReferenceTransaction, "5000", "00"))
	if err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	if result.Status != constants.PaymentStatusComplete || !result.Changed {
		t.Fatalf("expected COMPLETE, got %+v", result)
	}

	stored := env.reload(t, payment.ID)
	if !stored.ReceiptIssued() || !strings.HasPrefix(*stored.NumeroRecu, "REC-20260310-") {
		t.Fatalf("expected receipt, got %v", stored.NumeroRecu)
	}
	if stored.URLRecu != "https://covoit.test/recus/"+*stored.NumeroRecu {
		t.Fatalf("unexpected receipt url: %s", stored.URLRecu)
	}
	if stored.DateTraitement == nil || stored.DateCompletion == nil {
		t.Fatalf("expected processing and completion timestamps")
	}
	if stored.MobileMoney.GatewayTransactionID != "CP-"+payment.ReferenceTransaction {
		t.Fatalf("expected provider payment id to be stored")
	}
	if stored.Commission.StatutCollecte != constants.CommissionStatusPending {
		t.Fatalf("commission should wait for settlement, got %s", stored.Commission.StatutCollecte)
	}

	settled, err := env.recon.SettleCommission(ctx, payment.ReferenceTransaction)
	if err != nil {
		t.Fatalf("settle commission failed: %v", err)
	}
	if settled.Commission.StatutCollecte != constants.CommissionStatusCollected {
		t.Fatalf("expected collected, got %s", settled.Commission.StatutCollecte)
	}
	entries, err := env.settlements.ListByPayment(payment.ID)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected commission and payout entries, got %d (%v)", len(entries), err)
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionStatusChanged) != 2 {
		t.Fatalf("expected two status_changed logs for the collapse")
	}
	if len(env.notifier.statuses) != 1 {
		t.Fatalf("expected one status notification, got %v", env.notifier.statuses)
	}
}

func TestDuplicateWebhookIsNoop(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment := env.createMobilePayment(t, "resa-dup", 5000)
	fields := env.signedWebhook(payment.ReferenceTransaction, "5000", "00")

	if _, err := env.svc.ReceiveWebhook(ctx, fields); err != nil {
		t.Fatalf("first webhook failed: %v", err)
	}
	first := env.reload(t, payment.ID)
	if _, err := env.recon.SettleCommission(ctx, payment.ReferenceTransaction); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	env.clock.Advance(time.Minute)
	result, err := env.svc.ReceiveWebhook(ctx, fields)
	if err != nil {
		t.Fatalf("duplicate webhook should not error: %v", err)
	}
	if !result.Duplicate || result.Changed {
		t.Fatalf("expected duplicate no-op, got %+v", result)
	}
	if _, err := env.recon.SettleCommission(ctx, payment.ReferenceTransaction); err != nil {
		t.Fatalf("second settle should be a no-op: %v", err)
	}

	second := env.reload(t, payment.ID)
	if *second.NumeroRecu != *first.NumeroRecu {
		t.Fatalf("receipt must not be reissued")
	}
	if !second.DateCompletion.Equal(*first.DateCompletion) {
		t.Fatalf("completion date must not move")
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionReceiptIssued) != 1 {
		t.Fatalf("expected one receipt log")
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionCommissionCollected) != 1 {
		t.Fatalf("expected one commission_collected log")
	}
	if len(env.errorCodes(t, payment.ID)) != 0 {
		t.Fatalf("duplicate webhook must not produce errors")
	}

	stale := env.signedWebhook(payment.ReferenceTransaction, "5000", "623")
	if _, err := env.svc.ReceiveWebhook(ctx, stale); err != nil {
		t.Fatalf("stale pending webhook failed: %v", err)
	}
	if env.reload(t, payment.ID).StatutPaiement != constants.PaymentStatusComplete {
		t.Fatalf("stale event must not regress COMPLETE")
	}
}

func TestForgedWebhookRejected(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-forged", 5000)
	fields := env.signedWebhook(payment.ReferenceTransaction, "5000", "00")
	fields[mobilemoney.FieldSignature] = strings.Repeat("0", 64)

	if _, err := env.svc.ReceiveWebhook(context.Background(), fields); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	delete(fields, mobilemoney.FieldSignature)
	if _, err := env.svc.ReceiveWebhook(context.Background(), fields); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected signature error for unsigned payload, got %v", err)
	}
	stored := env.reload(t, payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusPending || stored.Version != payment.Version {
		t.Fatalf("forged webhook must not touch the payment")
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionWebhookReceived) != 0 {
		t.Fatalf("forged webhook must not be logged on the payment")
	}
}

func TestWebhookUnknownReferenceIsNotCreated(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	_, err := env.svc.ReceiveWebhook(context.Background(), env.signedWebhook("PAY_0_unknown", "5000", "00"))
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var count int64
	env.db.Model(&models.Payment{}).Count(&count)
	if count != 0 {
		t.Fatalf("webhook must never create payments")
	}
}

func TestWebhookAmountMismatchRecordsError(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-mismatch", 5000)
	_, err := env.svc.ReceiveWebhook(context.Background(), env.signedWebhook(payment.ReferenceTransaction, "4000", "00"))
	if !errors.Is(err, ErrPaymentAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if env.reload(t, payment.ID).StatutPaiement != constants.PaymentStatusPending {
		t.Fatalf("mismatched webhook must not transition")
	}
	if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorAmountMismatch) != 1 {
		t.Fatalf("expected amount_mismatch error entry")
	}
}

func TestWebhookRefusedMarksFailed(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-refused", 5000)
	result, err := env.svc.ReceiveWebhook(context.Background(), env.signedWebhook(payment.ReferenceTransaction, "5000", "600"))
	if err != nil {
		t.Fatalf("refused webhook failed: %v", err)
	}
	if result.Status != constants.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorPaymentRefused) != 1 {
		t.Fatalf("expected payment_refused error entry")
	}
}

func TestInitiateReusesExistingToken(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-reinit", 5000)
	first, err := env.svc.Initiate(context.Background(), payment.ReferenceTransaction, InitiateInput{})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	second, err := env.svc.Initiate(context.Background(), payment.ReferenceTransaction, InitiateInput{})
	if err != nil {
		t.Fatalf("re-initiate failed: %v", err)
	}
	if !second.Reused || second.GatewayToken != first.GatewayToken {
		t.Fatalf("expected idempotent re-initiation")
	}
	if env.gateway.initiateCalls != 1 {
		t.Fatalf("gateway should be called once, got %d", env.gateway.initiateCalls)
	}
}

func TestInitiateRefusedMarksFailedThenRetry(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment := env.createMobilePayment(t, "resa-init-refused", 5000)

	env.gateway.initiateErr = &mobilemoney.RefusedError{Code: "608", Message: "MINIMUM_REQUIRED_FIELDS"}
	outcome, err := env.svc.Initiate(ctx, payment.ReferenceTransaction, InitiateInput{})
	if !errors.Is(err, mobilemoney.ErrInitiateRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if outcome == nil || outcome.Payment.StatutPaiement != constants.PaymentStatusFailed {
		t.Fatalf("expected FAILED after refusal")
	}
	if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorGatewayRefused) != 1 {
		t.Fatalf("expected gateway_refused error entry")
	}

	env.gateway.initiateErr = nil
	retried, err := env.svc.Initiate(ctx, payment.ReferenceTransaction, InitiateInput{})
	if err != nil {
		t.Fatalf("retry initiate failed: %v", err)
	}
	if retried.Payment.StatutPaiement != constants.PaymentStatusPending || retried.GatewayToken == "" {
		t.Fatalf("expected PENDING with fresh token, got %s", retried.Payment.StatutPaiement)
	}
	logs, _ := env.audit.ListLogs(payment.ID)
	foundRetry := false
	for _, entry := range logs {
		if entry.Action == constants.PaymentLogActionStatusChanged && entry.Details["cause"] == constants.TransitionCauseRetry {
			foundRetry = true
		}
	}
	if !foundRetry {
		t.Fatalf("expected a retry status_changed log")
	}
}

func TestInitiateTransportErrorKeepsPending(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-transport", 5000)
	env.gateway.initiateErr = fmt.Errorf("%w: connection reset", mobilemoney.ErrRequestFailed)

	_, err := env.svc.Initiate(context.Background(), payment.ReferenceTransaction, InitiateInput{})
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) || !errors.Is(err, ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	stored := env.reload(t, payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusPending || stored.MobileMoney.GatewayToken != "" {
		t.Fatalf("transport failure must not change status")
	}
	if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorGatewayTransport) != 1 {
		t.Fatalf("expected gateway_transport error entry")
	}
}

// blockingGateway 发起支付时阻塞直到调用方取消
type blockingGateway struct {
	*stubGateway
	entered chan struct{}
}

func (g *blockingGateway) Initiate(ctx context.Context, req mobilemoney.InitiateRequest) (*mobilemoney.InitiateResult, error) {
	close(g.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInitiateCancelledAfterRetryLeavesPendingWithoutToken(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-initiate-cancel", 5000)
	if _, err := env.svc.RequestTransition(context.Background(), RequestTransitionInput{PaymentID: payment.ID, Target: constants.PaymentStatusFailed}); err != nil {
		t.Fatalf("fail payment failed: %v", err)
	}

	gateway := &blockingGateway{stubGateway: env.gateway, entered: make(chan struct{})}
	env.svc.gateway = gateway
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gateway.entered
		cancel()
	}()
	_, err := env.svc.Initiate(ctx, payment.ReferenceTransaction, InitiateInput{})
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled gateway error, got %v", err)
	}

	stored := env.reload(t, payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusPending {
		t.Fatalf("retry transition committed before the call, expected PENDING got %s", stored.StatutPaiement)
	}
	if stored.MobileMoney.GatewayToken != "" || stored.MobileMoney.PaymentURL != "" {
		t.Fatalf("cancelled call must not store a token: %+v", stored.MobileMoney)
	}
	if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorGatewayTransport) != 1 {
		t.Fatalf("expected the cancelled call to be recorded")
	}

	// 取消后可直接重新发起
	env.svc.gateway = env.gateway
	outcome, err := env.svc.Initiate(context.Background(), payment.ReferenceTransaction, InitiateInput{})
	if err != nil {
		t.Fatalf("initiate after cancel failed: %v", err)
	}
	if outcome.Reused || outcome.GatewayToken == "" {
		t.Fatalf("expected a fresh gateway call, got %+v", outcome)
	}
}

func TestInitiateCashHasNoGateway(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment, err := env.svc.Create(context.Background(), CreatePaymentInput{
		PayeurID:       "a",
		BeneficiaireID: "b",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(3000)),
		Method:         constants.PaymentMethodCash,
		ReservationID:  "resa-cash",
	})
	if err != nil {
		t.Fatalf("create cash payment failed: %v", err)
	}
	if _, err := env.svc.Initiate(context.Background(), payment.ReferenceTransaction, InitiateInput{}); !errors.Is(err, ErrCashNoGateway) {
		t.Fatalf("expected cash rejection, got %v", err)
	}
	if env.gateway.initiateCalls != 0 {
		t.Fatalf("cash must never reach the gateway")
	}
}

func TestRequestTransitionSoundness(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	statuses := []constants.PaymentStatus{
		constants.PaymentStatusPending,
		constants.PaymentStatusProcessing,
		constants.PaymentStatusComplete,
		constants.PaymentStatusFailed,
		constants.PaymentStatusRefunded,
	}
	i := 0
	for _, from := range statuses {
		for _, to := range statuses {
			if from == to || CanTransition(from, to) {
				continue
			}
			i++
			payment := env.createMobilePayment(t, fmt.Sprintf("resa-sound-%d", i), 1000)
			env.forceStatus(t, payment.ID, from)
			before := env.reload(t, payment.ID)

			var err error
			if to == constants.PaymentStatusRefunded {
				_, err = env.svc.RequestRefund(ctx, RefundInput{PaymentID: payment.ID, Cause: constants.TransitionCauseAdminOverride})
			} else {
				_, err = env.svc.RequestTransition(ctx, RequestTransitionInput{PaymentID: payment.ID, Target: to})
			}
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) || invalid.From != from || invalid.To != to {
				t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
			after := env.reload(t, payment.ID)
			if after.StatutPaiement != from || after.ReceiptIssued() || after.DateTraitement != nil || after.DateCompletion != nil || after.Version != before.Version {
				t.Fatalf("%s -> %s: rejected transition mutated the payment", from, to)
			}
			if countCode(env.errorCodes(t, payment.ID), constants.PaymentErrorInvalidTransition) != 1 {
				t.Fatalf("%s -> %s: expected one invalid_transition error entry", from, to)
			}
		}
	}
}

func TestRequestTransitionSelfIsNoop(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-self", 1000)
	outcome, err := env.svc.RequestTransition(context.Background(), RequestTransitionInput{
		PaymentID: payment.ID,
		Target:    constants.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("self transition should not fail: %v", err)
	}
	if outcome.Result.Changed {
		t.Fatalf("self transition must report Changed=false")
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionStatusChanged) != 0 {
		t.Fatalf("self transition must not log")
	}
}

func TestRequestTransitionExpectedMismatch(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-expected", 1000)
	_, err := env.svc.RequestTransition(context.Background(), RequestTransitionInput{
		PaymentID: payment.ID,
		Target:    constants.PaymentStatusFailed,
		Expected:  constants.PaymentStatusProcessing,
	})
	if !errors.Is(err, ErrPaymentConcurrentUpdate) {
		t.Fatalf("expected concurrent update error, got %v", err)
	}
}

func TestMonotonicTimestampsWithClockSkew(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-skew", 5000)

	env.clock.Set(testPaymentStart.Add(-time.Hour))
	if _, err := env.svc.ReceiveWebhook(context.Background(), env.signedWebhook(payment.ReferenceTransaction, "5000", "00")); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	stored := env.reload(t, payment.ID)
	if stored.DateTraitement.Before(stored.DateInitiation) || stored.DateCompletion.Before(*stored.DateTraitement) {
		t.Fatalf("timestamps must be monotonic: %v %v %v", stored.DateInitiation, stored.DateTraitement, stored.DateCompletion)
	}
}

func TestRequestRefundCancellationTier(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment, err := env.svc.CreateTripPayment(ctx, TripPaymentInput{
		ReservationID:  "resa-refund",
		PayeurID:       "passenger-1",
		BeneficiaireID: "driver-1",
		DepartureTime:  testPaymentStart.Add(10 * time.Hour),
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(10000)),
		Method:         constants.PaymentMethodOrangeMoney,
		CustomerPhone:  "+2250700000000",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.svc.ReceiveWebhook(ctx, env.signedWebhook(payment.ReferenceTransaction, "10000", "00")); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	outcome, err := env.svc.RequestRefund(ctx, RefundInput{PaymentID: payment.ID, Motif: "passenger cancelled"})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if outcome.Split.Refund.String() != "9000.00" || outcome.Split.Fee.String() != "1000.00" {
		t.Fatalf("unexpected split: %s/%s", outcome.Split.Refund, outcome.Split.Fee)
	}
	stored := env.reload(t, payment.ID)
	if stored.StatutPaiement != constants.PaymentStatusRefunded || stored.Refund.DateRemboursement == nil {
		t.Fatalf("expected REFUNDED with refund date")
	}
	entries, _ := env.settlements.ListByPayment(payment.ID)
	if len(entries) != 1 || entries[0].EntryType != constants.SettlementEntryRefund {
		t.Fatalf("expected refund ledger entry, got %+v", entries)
	}

	again, err := env.svc.RequestRefund(ctx, RefundInput{PaymentID: payment.ID})
	if err != nil || !again.AlreadyDone {
		t.Fatalf("second refund should be idempotent: %v", err)
	}
}

type fixedReservations struct {
	departure time.Time
}

func (r fixedReservations) DepartureTime(ctx context.Context, reservationID string) (time.Time, error) {
	return r.departure, nil
}

func TestRequestRefundUsesReservationLookup(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment := env.createMobilePayment(t, "resa-lookup", 10000)
	if _, err := env.svc.ReceiveWebhook(ctx, env.signedWebhook(payment.ReferenceTransaction, "10000", "00")); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	env.svc.reservations = fixedReservations{departure: testPaymentStart.Add(time.Hour)}

	outcome, err := env.svc.RequestRefund(ctx, RefundInput{PaymentID: payment.ID})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if outcome.Split.Refund.String() != "5000.00" || outcome.Split.Fee.String() != "5000.00" {
		t.Fatalf("expected late tier, got %s/%s", outcome.Split.Refund, outcome.Split.Fee)
	}
}

func TestAdminRefundIsFull(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	payment := env.createMobilePayment(t, "resa-admin-refund", 10000)
	if _, err := env.svc.ReceiveWebhook(ctx, env.signedWebhook(payment.ReferenceTransaction, "10000", "00")); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	env.clock.Advance(47 * time.Hour)
	outcome, err := env.svc.RequestRefund(ctx, RefundInput{PaymentID: payment.ID, Cause: constants.TransitionCauseAdminOverride})
	if err != nil {
		t.Fatalf("admin refund failed: %v", err)
	}
	if outcome.Split.Refund.String() != "10000.00" || !outcome.Split.Fee.Decimal.IsZero() {
		t.Fatalf("admin refund must be full, got %s/%s", outcome.Split.Refund, outcome.Split.Fee)
	}
}

func TestPersistedPaymentsHoldBreakdownInvariant(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	amounts := []string{"1", "0.03", "999.99", "1234.57", "5000", "77777.77"}
	for i, raw := range amounts {
		amount, _ := models.NewMoneyFromString(raw)
		if _, err := env.svc.CreateTripPayment(ctx, TripPaymentInput{
			ReservationID:  fmt.Sprintf("resa-inv-%d", i),
			PayeurID:       "p",
			BeneficiaireID: "d",
			Amount:         amount,
			Method:         constants.PaymentMethodCash,
			DistanceKm:     float64(i * 40),
			DriverRating:   4.9,
			TripsThisMonth: i * 20,
		}); err != nil {
			t.Fatalf("create %s failed: %v", raw, err)
		}
	}
	var payments []models.Payment
	if err := env.db.Find(&payments).Error; err != nil {
		t.Fatalf("list payments failed: %v", err)
	}
	for _, p := range payments {
		sum := p.MontantConducteur.Add(p.CommissionPlateforme).Add(p.FraisTransaction)
		if !p.MontantTotal.EqualWithin(sum, models.MoneyTolerance) {
			t.Fatalf("breakdown invariant violated for %s: %s != %s", p.ReferenceTransaction, p.MontantTotal, sum)
		}
	}
}

func TestConcurrentWebhooksCompleteOnce(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	payment := env.createMobilePayment(t, "resa-concurrent", 5000)
	fields := env.signedWebhook(payment.ReferenceTransaction, "5000", "00")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.ReceiveWebhook(context.Background(), fields); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent webhook failed: %v", err)
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionReceiptIssued) != 1 {
		t.Fatalf("expected exactly one receipt")
	}
	if env.countLogs(t, payment.ID, constants.PaymentLogActionStatusChanged) != 2 {
		t.Fatalf("expected exactly two status changes")
	}
}

type memorySummaryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	onSet   func()
}

func newMemorySummaryCache() *memorySummaryCache {
	return &memorySummaryCache{entries: map[string][]byte{}}
}

func (c *memorySummaryCache) Enabled() bool { return true }

func (c *memorySummaryCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *memorySummaryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	hook := c.onSet
	c.onSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memorySummaryCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestSummaryCacheDropsEntryWrittenAfterConcurrentCommit(t *testing.T) {
	env := setupPaymentServiceTest(t, nil)
	ctx := context.Background()
	summaries := newMemorySummaryCache()
	env.svc.summaries = summaries
	payment := env.createMobilePayment(t, "resa-summary-race", 5000)

	// 摘要已读出但尚未写入缓存时，另一请求提交了状态变更
	summaries.onSet = func() {
		if _, err := env.svc.RequestTransition(ctx, RequestTransitionInput{PaymentID: payment.ID, Target: constants.PaymentStatusProcessing}); err != nil {
			t.Errorf("concurrent transition failed: %v", err)
		}
	}
	stale, err := env.svc.GetPaymentSummary(ctx, payment.ID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if stale.Status != constants.PaymentStatusPending {
		t.Fatalf("first read should see PENDING, got %s", stale.Status)
	}

	fresh, err := env.svc.GetPaymentSummary(ctx, payment.ID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if fresh.Status != constants.PaymentStatusProcessing {
		t.Fatalf("stale summary served from cache: %s", fresh.Status)
	}

	cached, err := env.svc.GetPaymentSummary(ctx, payment.ID)
	if err != nil || cached.Status != constants.PaymentStatusProcessing {
		t.Fatalf("unexpected cached summary: %+v %v", cached, err)
	}
	summaries.mu.Lock()
	_, stored := summaries.entries[paymentSummaryCacheKey(payment.ID)]
	summaries.mu.Unlock()
	if !stored {
		t.Fatalf("summary of an unchanged payment should stay cached")
	}
}
