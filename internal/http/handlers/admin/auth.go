package admin

import (
	"errors"
	"strings"

	"github.com/covoit-next/internal/constants"
	handlershared "github.com/covoit-next/internal/http/handlers/shared"
	"github.com/covoit-next/internal/http/response"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"
	"github.com/covoit-next/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// LoginRequest 登录请求
type LoginRequest struct {
	Username       string                `json:"username" binding:"required"`
	Password       string                `json:"password" binding:"required"`
	CaptchaPayload CaptchaPayloadRequest `json:"captcha_payload"`
}

// CaptchaPayloadRequest 验证码载荷
type CaptchaPayloadRequest struct {
	CaptchaID   string `json:"captcha_id"`
	CaptchaCode string `json:"captcha_code"`
}

func (r CaptchaPayloadRequest) toServicePayload() service.CaptchaVerifyPayload {
	return service.CaptchaVerifyPayload{
		CaptchaID:   strings.TrimSpace(r.CaptchaID),
		CaptchaCode: strings.TrimSpace(r.CaptchaCode),
	}
}

// GetCaptcha 获取登录图片验证码
func (h *Handler) GetCaptcha(c *gin.Context) {
	challenge, err := h.CaptchaService.GenerateImageChallenge()
	if err != nil {
		if errors.Is(err, service.ErrCaptchaConfigInvalid) {
			respondError(c, response.CodeBadRequest, "captcha unavailable", nil)
			return
		}
		respondError(c, response.CodeInternal, "captcha generate failed", err)
		return
	}
	response.Success(c, gin.H{
		"captcha_id":   challenge.CaptchaID,
		"image_base64": challenge.ImageBase64,
	})
}

// Login 运营账号登录
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "username and password are required", nil)
		return
	}
	if err := h.CaptchaService.Verify(constants.CaptchaSceneLogin, req.CaptchaPayload.toServicePayload()); err != nil {
		switch {
		case errors.Is(err, service.ErrCaptchaRequired):
			respondError(c, response.CodeBadRequest, "captcha required", nil)
		case errors.Is(err, service.ErrCaptchaInvalid):
			requestLog(c).Warnw("operator_login_captcha_invalid", "username", strings.TrimSpace(req.Username), "client_ip", c.ClientIP())
			respondError(c, response.CodeBadRequest, "captcha invalid", nil)
		default:
			respondError(c, response.CodeInternal, "captcha verify failed", err)
		}
		return
	}
	operator, token, expiresAt, err := h.AuthService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) || errors.Is(err, service.ErrOperatorDisabled) {
			requestLog(c).Warnw("operator_login_failed", "username", strings.TrimSpace(req.Username), "client_ip", c.ClientIP())
			respondError(c, response.CodeUnauthorized, "invalid username or password", nil)
			return
		}
		respondError(c, response.CodeInternal, "login failed", err)
		return
	}
	requestLog(c).Infow("operator_login", "operator_id", operator.ID, "client_ip", c.ClientIP())
	response.Success(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"operator":   operator,
	})
}

// GetMe 当前运营账号与角色
func (h *Handler) GetMe(c *gin.Context) {
	operatorID, ok := handlershared.GetOperatorID(c)
	if !ok {
		return
	}
	operator, err := h.OperatorRepo.GetByID(operatorID)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch operator failed", err)
		return
	}
	if operator == nil {
		respondError(c, response.CodeNotFound, "operator not found", nil)
		return
	}
	roles, err := h.AuthzService.GetOperatorRoles(operatorID)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch roles failed", err)
		return
	}
	response.Success(c, gin.H{
		"operator": operator,
		"roles":    roles,
	})
}

// OperatorRolesRequest 覆盖设置角色
type OperatorRolesRequest struct {
	Roles []string `json:"roles"`
}

// GetOperatorRoles 查询运营账号角色
func (h *Handler) GetOperatorRoles(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	roles, err := h.AuthzService.GetOperatorRoles(id)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch roles failed", err)
		return
	}
	response.Success(c, gin.H{"operator_id": id, "roles": roles})
}

// SetOperatorRoles 覆盖设置运营账号角色
func (h *Handler) SetOperatorRoles(c *gin.Context) {
	id, ok := handlershared.ParseUintParam(c, "id")
	if !ok {
		return
	}
	var req OperatorRolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	operator, err := h.OperatorRepo.GetByID(id)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch operator failed", err)
		return
	}
	if operator == nil {
		respondError(c, response.CodeNotFound, "operator not found", nil)
		return
	}
	previous, err := h.AuthzService.GetOperatorRoles(id)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch roles failed", err)
		return
	}
	if err := h.AuthzService.SetOperatorRoles(id, req.Roles); err != nil {
		respondError(c, response.CodeBadRequest, "set roles failed", err)
		return
	}
	roles, err := h.AuthzService.GetOperatorRoles(id)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch roles failed", err)
		return
	}

	actorID := c.GetUint(handlershared.OperatorIDKey)
	if err := h.AuthzAuditService.Record(service.AuthzAuditRecordInput{
		ActorOperatorID:  actorID,
		ActorUsername:    c.GetString(handlershared.OperatorNameKey),
		TargetOperatorID: id,
		TargetUsername:   operator.Username,
		Action:           service.AuthzAuditActionOperatorRolesSet,
		RequestID:        response.RequestID(c),
		Detail:           models.JSON{"before": previous, "after": roles},
	}); err != nil {
		requestLog(c).Warnw("authz_audit_record_failed", "operator_id", id, "error", err)
	}
	requestLog(c).Infow("operator_roles_updated", "operator_id", id, "roles", roles, "by", handlershared.ActorName(c))
	response.Success(c, gin.H{"operator_id": id, "roles": roles})
}

// ListAuthzAuditLogs 权限变更审计
func (h *Handler) ListAuthzAuditLogs(c *gin.Context) {
	page, pageSize := handlershared.ParsePagination(c)
	filter := repository.AuthzAuditLogListFilter{
		Page:             page,
		PageSize:         pageSize,
		TargetOperatorID: uint(cast.ToUint64(c.Query("operator_id"))),
		Action:           strings.TrimSpace(c.Query("action")),
	}
	logs, total, err := h.AuthzAuditService.List(filter)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch audit logs failed", err)
		return
	}
	response.SuccessWithPage(c, logs, response.BuildPagination(page, pageSize, total))
}

// ListRoles 角色与策略清单
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.AuthzService.ListRoles()
	if err != nil {
		respondError(c, response.CodeInternal, "list roles failed", err)
		return
	}
	items := make([]gin.H, 0, len(roles))
	for _, role := range roles {
		policies, err := h.AuthzService.GetRolePolicies(role)
		if err != nil {
			respondError(c, response.CodeInternal, "list roles failed", err)
			return
		}
		items = append(items, gin.H{"role": role, "policies": policies})
	}
	response.Success(c, items)
}
