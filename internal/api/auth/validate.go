package auth

import (
	"errors"
	"regexp"
)

// 注册校验的错误按首个命中的规则返回（fail-fast），不做聚合。
var (
	ErrUsernameLength  = errors.New("username must be 3-50 characters")
	ErrUsernameCharset = errors.New("username may only contain letters, digits and underscores")
	ErrPasswordLength  = errors.New("password must be 8-128 characters")
	ErrPasswordUpper   = errors.New("password must contain an uppercase letter")
	ErrPasswordLower   = errors.New("password must contain a lowercase letter")
	ErrPasswordDigit   = errors.New("password must contain a digit")
	ErrPasswordConfirm = errors.New("passwords do not match")
	ErrInvalidRole     = errors.New("role must be student or helper")
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	upperRe    = regexp.MustCompile(`[A-Z]`)
	lowerRe    = regexp.MustCompile(`[a-z]`)
	digitRe    = regexp.MustCompile(`[0-9]`)
)

// validateRegistration 按固定顺序校验注册输入，返回第一个违反的规则。
//
// admin 角色不允许自助注册。
func validateRegistration(username, password, confirm, role string) error {
	if len(username) < 3 || len(username) > 50 {
		return ErrUsernameLength
	}
	if !usernameRe.MatchString(username) {
		return ErrUsernameCharset
	}
	if len(password) < 8 || len(password) > 128 {
		return ErrPasswordLength
	}
	if !upperRe.MatchString(password) {
		return ErrPasswordUpper
	}
	if !lowerRe.MatchString(password) {
		return ErrPasswordLower
	}
	if !digitRe.MatchString(password) {
		return ErrPasswordDigit
	}
	if password != confirm {
		return ErrPasswordConfirm
	}
	if role != "student" && role != "helper" {
		return ErrInvalidRole
	}
	return nil
}
