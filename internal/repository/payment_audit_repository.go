package repository

import (
	"github.com/covoit-next/internal/models"

	"gorm.io/gorm"
)

// PaymentAuditRepository 支付审计日志访问接口，只允许追加与读取
type PaymentAuditRepository interface {
	AppendLog(entry *models.PaymentLog) error
	AppendError(entry *models.PaymentError) error
	ListLogs(paymentID uint) ([]models.PaymentLog, error)
	ListErrors(paymentID uint) ([]models.PaymentError, error)
	CountLogs(paymentID uint, action string) (int64, error)
	WithTx(tx *gorm.DB) *GormPaymentAuditRepository
}

// GormPaymentAuditRepository GORM 实现
type GormPaymentAuditRepository struct {
	db *gorm.DB
}

// NewPaymentAuditRepository 创建审计日志仓库
func NewPaymentAuditRepository(db *gorm.DB) *GormPaymentAuditRepository {
	return &GormPaymentAuditRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentAuditRepository) WithTx(tx *gorm.DB) *GormPaymentAuditRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentAuditRepository{db: tx}
}

// AppendLog 追加审计日志
func (r *GormPaymentAuditRepository) AppendLog(entry *models.PaymentLog) error {
	return r.db.Create(entry).Error
}

// AppendError 追加错误日志
func (r *GormPaymentAuditRepository) AppendError(entry *models.PaymentError) error {
	return r.db.Create(entry).Error
}

// ListLogs 按写入顺序返回审计日志
func (r *GormPaymentAuditRepository) ListLogs(paymentID uint) ([]models.PaymentLog, error) {
	logs := make([]models.PaymentLog, 0)
	if err := r.db.Where("payment_id = ?", paymentID).Order("id asc").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ListErrors 按写入顺序返回错误日志
func (r *GormPaymentAuditRepository) ListErrors(paymentID uint) ([]models.PaymentError, error) {
	errs := make([]models.PaymentError, 0)
	if err := r.db.Where("payment_id = ?", paymentID).Order("id asc").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}

// CountLogs 统计某动作的日志条数
func (r *GormPaymentAuditRepository) CountLogs(paymentID uint, action string) (int64, error) {
	var count int64
	query := r.db.Model(&models.PaymentLog{}).Where("payment_id = ?", paymentID)
	if action != "" {
		query = query.Where("action = ?", action)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
