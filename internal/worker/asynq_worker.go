package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/provider"
	"github.com/covoit-next/internal/queue"
	"github.com/covoit-next/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container

	sweepMu sync.Mutex
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskCommissionSettle, c.handleCommissionSettle)
	mux.HandleFunc(queue.TaskPaymentNotify, c.handlePaymentNotify)
	mux.HandleFunc(queue.TaskReconciliationSweep, c.handleReconciliationSweep)
}

func (c *Consumer) handleCommissionSettle(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil || c.Container == nil || c.ReconciliationService == nil {
		logger.Debugw("worker_commission_settle_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.CommissionSettlePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_commission_settle_unmarshal_failed", "error", err)
		return err
	}
	reference := strings.TrimSpace(payload.Reference)
	if reference == "" {
		logger.Debugw("worker_commission_settle_skip_invalid_payload")
		return nil
	}
	payment, err := c.ReconciliationService.SettleCommission(ctx, reference)
	if err != nil {
		// 收取失败已记入退避计划，由对账任务接手
		if errors.Is(err, service.ErrCommissionCollectFailed) ||
			errors.Is(err, service.ErrPaymentStatusInvalid) ||
			errors.Is(err, service.ErrPaymentNotFound) {
			logger.Infow("worker_commission_settle_deferred", "reference", reference, "error", err)
			return nil
		}
		logger.Warnw("worker_commission_settle_failed", "reference", reference, "error", err)
		return err
	}
	logger.Infow("worker_commission_settle_done",
		"reference", reference,
		"commission_status", payment.Commission.StatutCollecte,
	)
	return nil
}

func (c *Consumer) handlePaymentNotify(_ context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_notify_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentNotifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payment_notify_unmarshal_failed", "error", err)
		return err
	}
	if payload.PaymentID == 0 && strings.TrimSpace(payload.Reference) == "" {
		logger.Debugw("worker_payment_notify_skip_invalid_payload")
		return nil
	}
	// 投递内容由通知服务决定，这里只负责转发事件
	logger.Infow("worker_payment_notify_dispatched",
		"payment_id", payload.PaymentID,
		"reference", payload.Reference,
		"event", payload.Event,
		"status", payload.Status,
		"reason", payload.Reason,
	)
	return nil
}

func (c *Consumer) handleReconciliationSweep(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_reconciliation_sweep_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.ReconciliationSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Warnw("worker_reconciliation_sweep_unmarshal_failed", "error", err)
			return err
		}
	}
	_, err := c.RunSweep(ctx, firstNonEmpty(payload.RequestedBy, "queue"))
	return err
}

// RunSweep 执行一轮对账；已有对账在跑时直接跳过
func (c *Consumer) RunSweep(ctx context.Context, trigger string) (*service.SweepReport, error) {
	if c == nil || c.Container == nil || c.ReconciliationService == nil {
		return nil, nil
	}
	if !c.sweepMu.TryLock() {
		logger.Infow("worker_reconciliation_sweep_skip_running", "trigger", trigger)
		return nil, nil
	}
	defer c.sweepMu.Unlock()

	report, err := c.ReconciliationService.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Infow("worker_reconciliation_sweep_interrupted", "trigger", trigger)
			return report, nil
		}
		logger.Warnw("worker_reconciliation_sweep_failed", "trigger", trigger, "error", err)
		return report, err
	}
	logger.Infow("worker_reconciliation_sweep_done",
		"trigger", trigger,
		"stale_polled", report.StalePolled,
		"stale_transitioned", report.StaleTransitioned,
		"commission_settled", report.CommissionSettled,
		"commission_failed", report.CommissionFailed,
		"manual_review", report.ManualReview,
		"errors", report.Errors,
	)
	return report, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
