package models

import (
	"time"

	"github.com/covoit-next/internal/constants"

	"github.com/shopspring/decimal"
)

// Payment 支付记录（行程支付或账户充值）
type Payment struct {
	ID                   uint                    `gorm:"primarykey" json:"id"`                                                      // 主键
	ReferenceTransaction string                  `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference_transaction"`        // 交易参考号（幂等键）
	Kind                 constants.PaymentKind   `gorm:"type:varchar(16);index;not null" json:"kind"`                               // 来源（trip/recharge）
	ReservationID        *string                 `gorm:"type:varchar(64);index" json:"reservation_id,omitempty"`                    // 预约ID（充值为空）
	ReservationActive    *string                 `gorm:"type:varchar(64);uniqueIndex" json:"-"`                                     // 预约占位，失败或退款后清空
	PayeurID             string                  `gorm:"type:varchar(64);index;not null" json:"payeur_id"`                          // 付款方
	BeneficiaireID       string                  `gorm:"type:varchar(64);index;not null" json:"beneficiaire_id"`                    // 收款方
	MontantTotal         Money                   `gorm:"type:decimal(20,2);not null" json:"montant_total"`                          // 总金额
	MontantConducteur    Money                   `gorm:"type:decimal(20,2);not null" json:"montant_conducteur"`                     // 司机所得
	CommissionPlateforme Money                   `gorm:"type:decimal(20,2);not null" json:"commission_plateforme"`                  // 平台佣金
	FraisTransaction     Money                   `gorm:"type:decimal(20,2);not null;default:0" json:"frais_transaction"`            // 交易手续费
	Currency             string                  `gorm:"type:varchar(8);not null" json:"currency"`                                  // 币种
	MethodePaiement      constants.PaymentMethod `gorm:"type:varchar(32);index;not null" json:"methode_paiement"`                   // 支付方式
	StatutPaiement       constants.PaymentStatus `gorm:"type:varchar(16);index;not null" json:"statut_paiement"`                    // 支付状态
	Commission           CommissionRecord        `gorm:"embedded;embeddedPrefix:commission_" json:"commission"`                     // 佣金子记录
	MobileMoney          MobileMoneyRecord       `gorm:"embedded;embeddedPrefix:mm_" json:"mobile_money"`                           // 移动支付子记录
	Refund               RefundRecord            `gorm:"embedded;embeddedPrefix:refund_" json:"refund"`                             // 退款子记录
	DateDepartTrajet     *time.Time              `json:"date_depart_trajet,omitempty"`                                              // 行程出发时间
	DateInitiation       time.Time               `gorm:"index;not null" json:"date_initiation"`                                     // 发起时间
	DateTraitement       *time.Time              `json:"date_traitement,omitempty"`                                                 // 进入处理时间
	DateCompletion       *time.Time              `gorm:"index" json:"date_completion,omitempty"`                                    // 完成时间
	NumeroRecu           *string                 `gorm:"type:varchar(64);uniqueIndex" json:"numero_recu,omitempty"`                 // 收据编号
	URLRecu              string                  `gorm:"type:varchar(500)" json:"url_recu,omitempty"`                               // 收据地址
	Version              uint64                  `gorm:"not null;default:0" json:"-"`                                               // 乐观锁版本
	CreatedAt            time.Time               `gorm:"index" json:"created_at"`                                                   // 创建时间
	UpdatedAt            time.Time               `gorm:"index" json:"updated_at"`                                                   // 更新时间
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// CommissionRecord 佣金子记录
type CommissionRecord struct {
	Taux               decimal.Decimal            `gorm:"type:decimal(6,4);not null;default:0" json:"taux"`        // 佣金比例
	Montant            Money                      `gorm:"type:decimal(20,2);not null;default:0" json:"montant"`    // 佣金金额
	ModeCollecte       constants.CommissionMode   `gorm:"type:varchar(32);not null" json:"mode_collecte"`          // 收取方式
	StatutCollecte     constants.CommissionStatus `gorm:"type:varchar(16);index;not null" json:"statut_collecte"` // 收取状态
	Tentatives         int                        `gorm:"not null;default:0" json:"tentatives"`                    // 已尝试次数
	ProchaineTentative *time.Time                 `gorm:"index" json:"prochaine_tentative,omitempty"`              // 下次重试时间
	DerniereErreur     string                     `gorm:"type:text" json:"derniere_erreur,omitempty"`              // 最近一次失败原因
	RevueManuelle      bool                       `gorm:"not null;default:false;index" json:"revue_manuelle"`      // 是否转人工复核
	DateCollecte       *time.Time                 `json:"date_collecte,omitempty"`                                 // 收取时间
}

// MobileMoneyRecord 移动支付子记录，仅移动支付方式填写
type MobileMoneyRecord struct {
	Operateur            string     `gorm:"type:varchar(32)" json:"operateur,omitempty"`                      // 运营商
	TelephoneClient      string     `gorm:"type:varchar(32)" json:"telephone_client,omitempty"`               // 客户手机号
	GatewayTransactionID string     `gorm:"type:varchar(128);index" json:"gateway_transaction_id,omitempty"` // 网关支付流水号
	GatewayToken         string     `gorm:"type:varchar(255)" json:"gateway_token,omitempty"`                 // 网关支付令牌
	PaymentURL           string     `gorm:"type:text" json:"payment_url,omitempty"`                           // 支付跳转地址
	GatewayStatus        string     `gorm:"type:varchar(32)" json:"gateway_status,omitempty"`                 // 网关最新状态码
	DateTransaction      *time.Time `json:"date_transaction,omitempty"`                                       // 网关交易时间
}

// RefundRecord 退款子记录
type RefundRecord struct {
	MontantRembourse  Money      `gorm:"type:decimal(20,2);not null;default:0" json:"montant_rembourse"` // 退款金额
	FraisAnnulation   Money      `gorm:"type:decimal(20,2);not null;default:0" json:"frais_annulation"`  // 取消手续费
	Motif             string     `gorm:"type:varchar(255)" json:"motif,omitempty"`                       // 退款原因
	DateRemboursement *time.Time `json:"date_remboursement,omitempty"`                                   // 退款时间
}

// UsesGateway 是否需要经过移动支付网关
func (p *Payment) UsesGateway() bool {
	return p != nil && p.MethodePaiement.IsMobileMoney()
}

// IsTerminal REFUNDED 后不再有任何变更
func (p *Payment) IsTerminal() bool {
	return p != nil && p.StatutPaiement == constants.PaymentStatusRefunded
}

// ReceiptIssued 收据是否已签发
func (p *Payment) ReceiptIssued() bool {
	return p != nil && p.NumeroRecu != nil && *p.NumeroRecu != ""
}

// SyncReservationGuard 按当前状态刷新预约占位：同一预约同时只允许一笔有效支付
func (p *Payment) SyncReservationGuard() {
	if p == nil {
		return
	}
	if p.ReservationID == nil || *p.ReservationID == "" ||
		p.StatutPaiement == constants.PaymentStatusFailed ||
		p.StatutPaiement == constants.PaymentStatusRefunded {
		p.ReservationActive = nil
		return
	}
	reservationID := *p.ReservationID
	p.ReservationActive = &reservationID
}
