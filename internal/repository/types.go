package repository

import "time"

// PaymentListFilter 支付列表过滤条件
type PaymentListFilter struct {
	Page             int
	PageSize         int
	Status           string
	Method           string
	Kind             string
	CommissionStatus string
	ManualReviewOnly bool
	PartyID          string
	ReservationID    string
	Search           string
	CreatedFrom      *time.Time
	CreatedTo        *time.Time
}
