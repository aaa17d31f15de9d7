package models

import "time"

// PaymentLog 支付审计日志（只追加）
type PaymentLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`                          // 主键
	PaymentID uint      `gorm:"index;not null" json:"payment_id"`              // 支付ID
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`               // 记录时间
	Action    string    `gorm:"type:varchar(64);index;not null" json:"action"` // 动作
	Details   JSON      `gorm:"type:json" json:"details,omitempty"`            // 详情
}

// TableName 指定表名
func (PaymentLog) TableName() string {
	return "payment_logs"
}

// PaymentError 支付错误日志（只追加）
type PaymentError struct {
	ID        uint      `gorm:"primarykey" json:"id"`                        // 主键
	PaymentID uint      `gorm:"index;not null" json:"payment_id"`            // 支付ID
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`             // 记录时间
	Code      string    `gorm:"type:varchar(64);index;not null" json:"code"` // 错误编码
	Message   string    `gorm:"type:text" json:"message"`                    // 错误信息
	Details   JSON      `gorm:"type:json" json:"details,omitempty"`          // 详情
}

// TableName 指定表名
func (PaymentError) TableName() string {
	return "payment_errors"
}
