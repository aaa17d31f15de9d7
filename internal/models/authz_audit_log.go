package models

import "time"

// AuthzAuditLog 运营账号权限变更审计（角色分配）
type AuthzAuditLog struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	ActorOperatorID  uint      `gorm:"index;not null" json:"actor_operator_id"`
	ActorUsername    string    `gorm:"type:varchar(100);not null;default:''" json:"actor_username"`
	TargetOperatorID uint      `gorm:"index;not null" json:"target_operator_id"`
	TargetUsername   string    `gorm:"type:varchar(100);not null;default:''" json:"target_username"`
	Action           string    `gorm:"type:varchar(64);index;not null" json:"action"`
	RequestID        string    `gorm:"type:varchar(64);not null;default:''" json:"request_id"`
	DetailJSON       JSON      `gorm:"type:json" json:"detail"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (AuthzAuditLog) TableName() string {
	return "authz_audit_logs"
}
