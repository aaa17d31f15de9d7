package repository

import (
	"github.com/covoit-next/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementRepository 结算流水访问接口
type SettlementRepository interface {
	CreateIfAbsent(entry *models.SettlementEntry) (bool, error)
	ListByPayment(paymentID uint) ([]models.SettlementEntry, error)
	WithTx(tx *gorm.DB) *GormSettlementRepository
}

// GormSettlementRepository GORM 实现
type GormSettlementRepository struct {
	db *gorm.DB
}

// NewSettlementRepository 创建结算流水仓库
func NewSettlementRepository(db *gorm.DB) *GormSettlementRepository {
	return &GormSettlementRepository{db: db}
}

// WithTx 绑定事务
func (r *GormSettlementRepository) WithTx(tx *gorm.DB) *GormSettlementRepository {
	if tx == nil {
		return r
	}
	return &GormSettlementRepository{db: tx}
}

// CreateIfAbsent 按 (payment_id, entry_type) 幂等写入，返回是否新建
func (r *GormSettlementRepository) CreateIfAbsent(entry *models.SettlementEntry) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_id"}, {Name: "entry_type"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListByPayment 获取支付的结算流水
func (r *GormSettlementRepository) ListByPayment(paymentID uint) ([]models.SettlementEntry, error) {
	entries := make([]models.SettlementEntry, 0)
	if err := r.db.Where("payment_id = ?", paymentID).Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
