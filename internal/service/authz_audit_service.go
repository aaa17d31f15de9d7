package service

import (
	"strings"
	"time"

	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"
)

// 审计动作
const (
	AuthzAuditActionOperatorRolesSet = "operator_roles_set"
)

// AuthzAuditRecordInput 权限审计记录输入
type AuthzAuditRecordInput struct {
	ActorOperatorID  uint
	ActorUsername    string
	TargetOperatorID uint
	TargetUsername   string
	Action           string
	RequestID        string
	Detail           models.JSON
}

// AuthzAuditService 权限审计服务
type AuthzAuditService struct {
	repo repository.AuthzAuditLogRepository
}

// NewAuthzAuditService 创建权限审计服务
func NewAuthzAuditService(repo repository.AuthzAuditLogRepository) *AuthzAuditService {
	return &AuthzAuditService{repo: repo}
}

// Record 记录一次权限变更；缺少操作人或动作时忽略
func (s *AuthzAuditService) Record(input AuthzAuditRecordInput) error {
	if s == nil || s.repo == nil {
		return nil
	}
	action := strings.TrimSpace(input.Action)
	if input.ActorOperatorID == 0 || action == "" {
		return nil
	}
	return s.repo.Create(&models.AuthzAuditLog{
		ActorOperatorID:  input.ActorOperatorID,
		ActorUsername:    strings.TrimSpace(input.ActorUsername),
		TargetOperatorID: input.TargetOperatorID,
		TargetUsername:   strings.TrimSpace(input.TargetUsername),
		Action:           action,
		RequestID:        strings.TrimSpace(input.RequestID),
		DetailJSON:       input.Detail,
		CreatedAt:        time.Now().UTC(),
	})
}

// List 分页查询权限审计
func (s *AuthzAuditService) List(filter repository.AuthzAuditLogListFilter) ([]models.AuthzAuditLog, int64, error) {
	if s == nil || s.repo == nil {
		return []models.AuthzAuditLog{}, 0, nil
	}
	return s.repo.List(filter)
}
