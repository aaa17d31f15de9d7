package admin

import (
	"context"
	"errors"

	handlershared "github.com/covoit-next/internal/http/handlers/shared"
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// RunReconciliation 立即执行一轮对账；async=true 且队列可用时投递到 worker
func (h *Handler) RunReconciliation(c *gin.Context) {
	actor := handlershared.ActorName(c)
	if cast.ToBool(c.Query("async")) && h.QueueClient.Enabled() {
		if err := h.QueueClient.EnqueueReconciliationSweep(queue.ReconciliationSweepPayload{RequestedBy: actor}, 0); err != nil {
			respondError(c, response.CodeServiceUnavailable, "enqueue reconciliation failed", err)
			return
		}
		response.SuccessWithMsg(c, "queued", gin.H{"queued": true})
		return
	}

	report, err := h.ReconciliationService.Sweep(c.Request.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		respondError(c, response.CodeInternal, "reconciliation failed", err)
		return
	}
	requestLog(c).Infow("admin_reconciliation_run",
		"by", actor,
		"stale_polled", report.StalePolled,
		"commission_settled", report.CommissionSettled,
		"interrupted", report.Interrupted,
	)
	response.Success(c, report)
}
