package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/covoit-next/internal/constants"
	"github.com/covoit-next/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPaymentVersionConflict 乐观锁版本冲突
var ErrPaymentVersionConflict = errors.New("payment version conflict")

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(payment *models.Payment) error
	UpdateWithVersion(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByReference(reference string) (*models.Payment, error)
	GetByReferenceForUpdate(reference string) (*models.Payment, error)
	GetByReceipt(numeroRecu string) (*models.Payment, error)
	FindActiveByReservation(reservationID string) (*models.Payment, error)
	ListStalePending(before time.Time, limit int) ([]models.Payment, error)
	ListCommissionDue(now, pendingBefore time.Time, limit int) ([]models.Payment, error)
	ListPendingForReconciliation(filter PaymentListFilter) ([]models.Payment, int64, error)
	ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(payment *models.Payment) error {
	payment.SyncReservationGuard()
	return r.db.Create(payment).Error
}

// UpdateWithVersion 按版本号整行更新，版本不符返回 ErrPaymentVersionConflict
func (r *GormPaymentRepository) UpdateWithVersion(payment *models.Payment) error {
	if payment == nil || payment.ID == 0 {
		return gorm.ErrMissingWhereClause
	}
	payment.SyncReservationGuard()
	expected := payment.Version
	payment.Version = expected + 1
	result := r.db.Model(payment).
		Where("version = ?", expected).
		Select("*").
		Omit("created_at").
		Updates(payment)
	if result.Error != nil {
		payment.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		payment.Version = expected
		return ErrPaymentVersionConflict
	}
	return nil
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByReference 根据交易参考号获取支付记录
func (r *GormPaymentRepository) GetByReference(reference string) (*models.Payment, error) {
	return r.getByReference(r.db, reference)
}

// GetByReferenceForUpdate 加行锁读取（需在事务中调用）
func (r *GormPaymentRepository) GetByReferenceForUpdate(reference string) (*models.Payment, error) {
	return r.getByReference(r.db.Clauses(clause.Locking{Strength: "UPDATE"}), reference)
}

func (r *GormPaymentRepository) getByReference(query *gorm.DB, reference string) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var payment models.Payment
	if err := query.Where("reference_transaction = ?", reference).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByReceipt 根据收据编号获取支付记录
func (r *GormPaymentRepository) GetByReceipt(numeroRecu string) (*models.Payment, error) {
	numeroRecu = strings.TrimSpace(numeroRecu)
	if numeroRecu == "" {
		return nil, nil
	}
	var payment models.Payment
	if err := r.db.Where("numero_recu = ?", numeroRecu).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// FindActiveByReservation 查找预约下仍有效（非失败、非退款）的支付
func (r *GormPaymentRepository) FindActiveByReservation(reservationID string) (*models.Payment, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("reservation_active = ?", reservationID).Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// ListStalePending 超时未决的移动支付（PENDING/PROCESSING）
func (r *GormPaymentRepository) ListStalePending(before time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("statut_paiement IN ? AND methode_paiement IN ? AND date_initiation <= ?",
		[]constants.PaymentStatus{constants.PaymentStatusPending, constants.PaymentStatusProcessing},
		mobileMoneyMethods(),
		before,
	).Order("date_initiation asc, id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListCommissionDue 需要（重新）收取佣金的已完成支付
func (r *GormPaymentRepository) ListCommissionDue(now, pendingBefore time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("statut_paiement = ? AND commission_revue_manuelle = ?", constants.PaymentStatusComplete, false).
		Where("(commission_prochaine_tentative IS NULL OR commission_prochaine_tentative <= ?)", now).
		Where("(commission_statut_collecte = ? OR (commission_statut_collecte = ? AND date_completion <= ?))",
			constants.CommissionStatusFailed,
			constants.CommissionStatusPending,
			pendingBefore,
		).
		Order("date_completion asc, id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListPendingForReconciliation 运营视角的待对账列表：未决支付与佣金异常
func (r *GormPaymentRepository) ListPendingForReconciliation(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{}).
		Where("statut_paiement <> ?", constants.PaymentStatusRefunded).
		Where("(statut_paiement IN ? OR (statut_paiement = ? AND (commission_statut_collecte <> ? OR commission_revue_manuelle = ?)))",
			[]constants.PaymentStatus{constants.PaymentStatusPending, constants.PaymentStatusProcessing},
			constants.PaymentStatusComplete,
			constants.CommissionStatusCollected,
			true,
		)
	query = applyPaymentFilter(query, filter)
	return r.paginate(query, filter)
}

// ListAdmin 管理端支付列表
func (r *GormPaymentRepository) ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := applyPaymentFilter(r.db.Model(&models.Payment{}), filter)
	return r.paginate(query, filter)
}

func (r *GormPaymentRepository) paginate(query *gorm.DB, filter PaymentListFilter) ([]models.Payment, int64, error) {
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("payments.id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

func applyPaymentFilter(query *gorm.DB, filter PaymentListFilter) *gorm.DB {
	if filter.Status != "" {
		query = query.Where("payments.statut_paiement = ?", filter.Status)
	}
	if filter.Method != "" {
		query = query.Where("payments.methode_paiement = ?", filter.Method)
	}
	if filter.Kind != "" {
		query = query.Where("payments.kind = ?", filter.Kind)
	}
	if filter.CommissionStatus != "" {
		query = query.Where("payments.commission_statut_collecte = ?", filter.CommissionStatus)
	}
	if filter.ManualReviewOnly {
		query = query.Where("payments.commission_revue_manuelle = ?", true)
	}
	if filter.PartyID != "" {
		query = query.Where("(payments.payeur_id = ? OR payments.beneficiaire_id = ?)", filter.PartyID, filter.PartyID)
	}
	if filter.ReservationID != "" {
		query = query.Where("payments.reservation_id = ?", filter.ReservationID)
	}
	query = applyKeywordSearch(query, filter.Search,
		"payments.reference_transaction",
		"payments.numero_recu",
		"payments.mm_gateway_transaction_id",
	)
	if filter.CreatedFrom != nil {
		query = query.Where("payments.date_initiation >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("payments.date_initiation <= ?", *filter.CreatedTo)
	}
	return query
}

func mobileMoneyMethods() []constants.PaymentMethod {
	return []constants.PaymentMethod{
		constants.PaymentMethodOrangeMoney,
		constants.PaymentMethodMTNMomo,
		constants.PaymentMethodMoovMoney,
		constants.PaymentMethodWave,
	}
}
