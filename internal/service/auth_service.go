package service

import (
	"context"
	"strings"
	"time"

	"github.com/covoit-next/internal/cache"
	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/models"
	"github.com/covoit-next/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService 运营账号认证服务
type AuthService struct {
	jwtCfg       config.JWTConfig
	operatorRepo repository.OperatorRepository
}

// NewAuthService 创建认证服务实例
func NewAuthService(jwtCfg config.JWTConfig, operatorRepo repository.OperatorRepository) *AuthService {
	if jwtCfg.ExpireHours <= 0 {
		jwtCfg.ExpireHours = 12
	}
	return &AuthService{
		jwtCfg:       jwtCfg,
		operatorRepo: operatorRepo,
	}
}

// HashPassword 使用 bcrypt 加密密码
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword 验证密码
func (s *AuthService) VerifyPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// JWTClaims JWT 声明
type JWTClaims struct {
	OperatorID   uint   `json:"operator_id"`
	Username     string `json:"username"`
	TokenVersion uint64 `json:"token_version"`
	jwt.RegisteredClaims
}

// GenerateJWT 生成 JWT Token
func (s *AuthService) GenerateJWT(operator *models.Operator) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(s.jwtCfg.ExpireHours) * time.Hour)

	claims := JWTClaims{
		OperatorID:   operator.ID,
		Username:     operator.Username,
		TokenVersion: operator.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtCfg.SecretKey))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseJWT 解析 JWT Token
func (s *AuthService) ParseJWT(tokenString string) (*JWTClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtCfg.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Login 运营账号登录
func (s *AuthService) Login(ctx context.Context, username, password string) (*models.Operator, string, time.Time, error) {
	operator, err := s.operatorRepo.GetByUsername(strings.TrimSpace(username))
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if operator == nil {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	if err := s.VerifyPassword(operator.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.GenerateJWT(operator)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	now := time.Now()
	operator.LastLoginAt = &now
	if err := s.operatorRepo.Update(operator); err != nil {
		return nil, "", time.Time{}, err
	}
	_ = cache.SetOperatorAuthState(ctx, cache.BuildOperatorAuthState(operator))
	return operator, token, expiresAt, nil
}

// ResolveOperator 校验 token 声明对应的账号仍有效（优先读缓存快照）
func (s *AuthService) ResolveOperator(ctx context.Context, claims *JWTClaims) (*cache.OperatorAuthState, error) {
	if claims == nil || claims.OperatorID == 0 {
		return nil, ErrInvalidToken
	}
	state, hit, err := cache.GetOperatorAuthState(ctx, claims.OperatorID)
	if err != nil || !hit {
		operator, err := s.operatorRepo.GetByID(claims.OperatorID)
		if err != nil {
			return nil, err
		}
		if operator == nil {
			return nil, ErrOperatorDisabled
		}
		state = cache.BuildOperatorAuthState(operator)
		_ = cache.SetOperatorAuthState(ctx, state)
	}
	if state.TokenVersion != claims.TokenVersion {
		return nil, ErrInvalidToken
	}
	return state, nil
}
