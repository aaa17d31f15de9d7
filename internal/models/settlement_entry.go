package models

import "time"

// SettlementEntry 结算流水（佣金、司机入账、退款）
type SettlementEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`                                                          // 主键
	PaymentID uint      `gorm:"not null;uniqueIndex:idx_settlement_payment_type" json:"payment_id"`            // 支付ID
	EntryType string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_settlement_payment_type" json:"type"` // 流水类型
	Reference string    `gorm:"type:varchar(64);index;not null" json:"reference"`                              // 交易参考号
	AccountID string    `gorm:"type:varchar(64);index;not null" json:"account_id"`                             // 账户
	Direction string    `gorm:"type:varchar(8);not null;default:credit" json:"direction"`                      // credit 入账 / debit 扣款
	Amount    Money     `gorm:"type:decimal(20,2);not null" json:"amount"`                                     // 金额
	Currency  string    `gorm:"type:varchar(8);not null" json:"currency"`                                      // 币种
	CreatedAt time.Time `gorm:"index" json:"created_at"`                                                       // 创建时间
}

// TableName 指定表名
func (SettlementEntry) TableName() string {
	return "settlement_entries"
}
