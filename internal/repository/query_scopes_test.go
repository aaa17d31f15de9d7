package repository

import (
	"testing"

	"gorm.io/gorm"
)

func TestLikeOperatorDefaultsToLike(t *testing.T) {
	if got := likeOperator(nil); got != "LIKE" {
		t.Fatalf("nil db want LIKE got %s", got)
	}
	if got := likeOperator(&gorm.DB{Config: &gorm.Config{}}); got != "LIKE" {
		t.Fatalf("db without dialector want LIKE got %s", got)
	}
}

func TestApplyKeywordSearchSkipsBlank(t *testing.T) {
	if got := applyKeywordSearch(nil, "PAY", "a"); got != nil {
		t.Fatalf("nil query should pass through")
	}
	query := &gorm.DB{Config: &gorm.Config{}}
	if got := applyKeywordSearch(query, "   ", "payments.reference_transaction"); got != query {
		t.Fatalf("blank keyword should leave query untouched")
	}
	if got := applyKeywordSearch(query, "PAY"); got != query {
		t.Fatalf("no columns should leave query untouched")
	}
}
