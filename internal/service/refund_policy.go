package service

import (
	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/models"

	"github.com/shopspring/decimal"
)

// RefundPolicy 取消退款分档
type RefundPolicy struct {
	FullRefundHours    float64
	PartialRefundHours float64
	PartialFeeRate     decimal.Decimal
	LateFeeRate        decimal.Decimal
}

// RefundPolicyFromConfig 从配置构建退款分档
func RefundPolicyFromConfig(cfg config.RefundConfig) RefundPolicy {
	return RefundPolicy{
		FullRefundHours:    cfg.FullRefundHours,
		PartialRefundHours: cfg.PartialRefundHours,
		PartialFeeRate:     config.Decimal(cfg.PartialFeeRate),
		LateFeeRate:        config.Decimal(cfg.LateFeeRate),
	}
}

// RefundSplit 退款拆分
type RefundSplit struct {
	Refund  models.Money
	Fee     models.Money
	FeeRate decimal.Decimal
}

// ComputeRefund 按距出发剩余小时数计算退款与取消手续费
func ComputeRefund(total models.Money, hoursRemaining float64, policy RefundPolicy) RefundSplit {
	rate := decimal.Zero
	switch {
	case hoursRemaining > policy.FullRefundHours:
	case hoursRemaining > policy.PartialRefundHours:
		rate = policy.PartialFeeRate
	default:
		rate = policy.LateFeeRate
	}
	return splitRefund(total, rate)
}

// FullRefund 管理员强制退款：全额、无手续费
func FullRefund(total models.Money) RefundSplit {
	return splitRefund(total, decimal.Zero)
}

func splitRefund(total models.Money, rate decimal.Decimal) RefundSplit {
	fee := models.NewMoneyFromDecimal(total.Decimal.Mul(rate))
	return RefundSplit{
		Refund:  total.Sub(fee),
		Fee:     fee,
		FeeRate: rate,
	}
}
