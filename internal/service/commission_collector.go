package service

import (
	"context"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"

	"gorm.io/gorm"
)

// PlatformAccountID 平台收入账户
const PlatformAccountID = "platform"

// LedgerCommissionCollector 通过写入结算流水完成佣金收取，按 (payment_id, entry_type) 幂等
type LedgerCommissionCollector struct {
	settlements repository.SettlementRepository
}

// NewLedgerCommissionCollector 创建流水收取器
func NewLedgerCommissionCollector(settlements repository.SettlementRepository) *LedgerCommissionCollector {
	return &LedgerCommissionCollector{settlements: settlements}
}

// Collect 在调用方事务内写入结算流水。
// 移动支付：平台入账佣金，司机入账净额；现金：司机已收全款，仅从司机账户扣回佣金。
func (c *LedgerCommissionCollector) Collect(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	if payment == nil {
		return ErrPaymentNotFound
	}
	entries := CommissionLedgerEntries(payment)
	// 嵌套事务即保存点，失败只回滚本次写入
	return tx.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		repo := c.settlements.WithTx(inner)
		for i := range entries {
			if _, err := repo.CreateIfAbsent(&entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommissionLedgerEntries 按收取模式生成佣金流水
func CommissionLedgerEntries(payment *models.Payment) []models.SettlementEntry {
	if payment.Commission.ModeCollecte == constants.CommissionModeDriverDebit {
		return []models.SettlementEntry{{
			PaymentID: payment.ID,
			EntryType: constants.SettlementEntryCommission,
			Reference: payment.ReferenceTransaction,
			AccountID: payment.BeneficiaireID,
			Direction: constants.SettlementDirectionDebit,
			Amount:    payment.CommissionPlateforme,
			Currency:  payment.Currency,
		}}
	}
	return []models.SettlementEntry{
		{
			PaymentID: payment.ID,
			EntryType: constants.SettlementEntryCommission,
			Reference: payment.ReferenceTransaction,
			AccountID: PlatformAccountID,
			Direction: constants.SettlementDirectionCredit,
			Amount:    payment.CommissionPlateforme,
			Currency:  payment.Currency,
		},
		{
			PaymentID: payment.ID,
			EntryType: constants.SettlementEntryDriverPayout,
			Reference: payment.ReferenceTransaction,
			AccountID: payment.BeneficiaireID,
			Direction: constants.SettlementDirectionCredit,
			Amount:    payment.MontantConducteur,
			Currency:  payment.Currency,
		},
	}
}

// reversalEntries 为已收取的佣金流水生成方向相反的冲正流水
func reversalEntries(entries []models.SettlementEntry) []models.SettlementEntry {
	reversals := make([]models.SettlementEntry, 0, len(entries))
	for _, entry := range entries {
		var entryType string
		switch entry.EntryType {
		case constants.SettlementEntryCommission:
			entryType = constants.SettlementEntryCommissionReversal
		case constants.SettlementEntryDriverPayout:
			entryType = constants.SettlementEntryDriverPayoutReversal
		default:
			continue
		}
		direction := constants.SettlementDirectionDebit
		if entry.Direction == constants.SettlementDirectionDebit {
			direction = constants.SettlementDirectionCredit
		}
		reversals = append(reversals, models.SettlementEntry{
			PaymentID: entry.PaymentID,
			EntryType: entryType,
			Reference: entry.Reference,
			AccountID: entry.AccountID,
			Direction: direction,
			Amount:    entry.Amount,
			Currency:  entry.Currency,
		})
	}
	return reversals
}
