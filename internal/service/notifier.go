package service

import (
	"context"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/queue"
)

// QueueNotifier 将通知投递到异步队列，由 worker 转发
type QueueNotifier struct {
	queue TaskEnqueuer
}

// NewQueueNotifier 创建队列通知器
func NewQueueNotifier(q TaskEnqueuer) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

// NotifyPaymentStatus 支付状态变更通知
func (n *QueueNotifier) NotifyPaymentStatus(ctx context.Context, payment *models.Payment, event string) error {
	return n.enqueue(payment, event, "")
}

// NotifyManualReview 转人工复核通知
func (n *QueueNotifier) NotifyManualReview(ctx context.Context, payment *models.Payment, reason string) error {
	return n.enqueue(payment, constants.NotifyEventManualReview, reason)
}

func (n *QueueNotifier) enqueue(payment *models.Payment, event, reason string) error {
	if payment == nil {
		return nil
	}
	if n == nil || n.queue == nil || !n.queue.Enabled() {
		paymentLogger("reference", payment.ReferenceTransaction, "event", event).Infow("payment_notify_skipped_queue_disabled")
		return nil
	}
	return n.queue.EnqueuePaymentNotify(queue.PaymentNotifyPayload{
		PaymentID: payment.ID,
		Reference: payment.ReferenceTransaction,
		Event:     event,
		Status:    string(payment.StatutPaiement),
		Reason:    reason,
	})
}
