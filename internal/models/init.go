package models

import (
	"strings"

	"github.com/covoit-next/internal/logger"

	"golang.org/x/crypto/bcrypt"
)

const defaultOperatorPassword = "covoit123"

// InitDefaultOperator 首次启动时创建超级运营账号
func InitDefaultOperator(username, password string) error {
	var count int64
	if err := DB.Model(&Operator{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	username = strings.TrimSpace(username)
	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = defaultOperatorPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	operator := Operator{
		Username:     username,
		PasswordHash: string(hash),
		IsSuper:      true,
	}
	if err := DB.Create(&operator).Error; err != nil {
		return err
	}

	if password == defaultOperatorPassword {
		logger.Warnw("default_operator_created_with_default_password", "username", username)
	} else {
		logger.Warnw("default_operator_created", "username", username)
	}
	return nil
}
