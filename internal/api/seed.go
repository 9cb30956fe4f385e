package api

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"homeworkhelp/internal/credential"
	"homeworkhelp/internal/model"
)

// SeedDemoData 初始化本地演示数据：一个管理员和一个演示回答者。
//
// 只在 local 环境由 main 调用，幂等：已存在的账号不会被重建或改写口令。
func (s *Server) SeedDemoData(ctx context.Context) error {
	seeds := []struct {
		username string
		password string
		role     string
	}{
		{"admin", "Admin123demo", "admin"},
		{"helper_demo", "Helper123demo", "helper"},
	}

	for _, seed := range seeds {
		var existing model.User
		err := s.db.WithContext(ctx).Where("username = ?", seed.username).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hash, err := credential.HashPassword(seed.password)
		if err != nil {
			return err
		}
		user := model.User{
			Username:     seed.username,
			PasswordHash: hash,
			Role:         seed.role,
			Credits:      s.cfg.App.SeedCredits,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
	}

	return nil
}
