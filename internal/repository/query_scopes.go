package repository

import (
	"strings"

	"gorm.io/gorm"
)

// applyPagination 页码从 1 开始；pageSize 非正时不分页
func applyPagination(query *gorm.DB, page, pageSize int) *gorm.DB {
	if query == nil || pageSize <= 0 {
		return query
	}
	if page < 1 {
		page = 1
	}
	return query.Limit(pageSize).Offset((page - 1) * pageSize)
}

// applyKeywordSearch 在多个列上做模糊匹配（OR）
func applyKeywordSearch(query *gorm.DB, keyword string, columns ...string) *gorm.DB {
	keyword = strings.TrimSpace(keyword)
	if query == nil || keyword == "" || len(columns) == 0 {
		return query
	}
	op := likeOperator(query)
	clauses := make([]string, 0, len(columns))
	args := make([]interface{}, 0, len(columns))
	for _, column := range columns {
		clauses = append(clauses, column+" "+op+" ?")
		args = append(args, "%"+keyword+"%")
	}
	return query.Where("("+strings.Join(clauses, " OR ")+")", args...)
}

// likeOperator postgres 下流水号检索不区分大小写
func likeOperator(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return "LIKE"
	}
	switch strings.ToLower(db.Dialector.Name()) {
	case "postgres", "postgresql":
		return "ILIKE"
	default:
		return "LIKE"
	}
}
