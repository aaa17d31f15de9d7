package queue

import (
	"encoding/json"

	"github.com/covoit-next/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskCommissionSettle 佣金结算任务
	TaskCommissionSettle = constants.TaskCommissionSettle
	// TaskPaymentNotify 支付状态通知任务
	TaskPaymentNotify = constants.TaskPaymentNotify
	// TaskReconciliationSweep 即时对账任务
	TaskReconciliationSweep = constants.TaskReconciliationSweep
)

// CommissionSettlePayload 佣金结算任务载荷
type CommissionSettlePayload struct {
	Reference string `json:"reference"`
}

// PaymentNotifyPayload 支付通知任务载荷
type PaymentNotifyPayload struct {
	PaymentID uint   `json:"payment_id"`
	Reference string `json:"reference"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ReconciliationSweepPayload 即时对账任务载荷
type ReconciliationSweepPayload struct {
	RequestedBy string `json:"requested_by"`
}

// NewCommissionSettleTask 创建佣金结算任务
func NewCommissionSettleTask(payload CommissionSettlePayload) (*asynq.Task, error) {
	return newTask(TaskCommissionSettle, payload)
}

// NewPaymentNotifyTask 创建支付通知任务
func NewPaymentNotifyTask(payload PaymentNotifyPayload) (*asynq.Task, error) {
	return newTask(TaskPaymentNotify, payload)
}

// NewReconciliationSweepTask 创建即时对账任务
func NewReconciliationSweepTask(payload ReconciliationSweepPayload) (*asynq.Task, error) {
	return newTask(TaskReconciliationSweep, payload)
}

func newTask(taskType string, payload interface{}) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body), nil
}
