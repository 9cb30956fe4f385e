// Package activity 维护只追加的操作审计日志。
package activity

import (
	"fmt"

	"gorm.io/gorm"

	"homeworkhelp/internal/model"
)

// Record 在给定事务里追加一条审计记录。
//
// 必须传入发起业务写入的同一个 tx：日志写入失败会让整个事务回滚，
// 不允许出现"操作成功但没有日志"的状态。
// username 是快照值，账号之后被删除也不影响这条记录。
func Record(tx *gorm.DB, username, action string) error {
	entry := model.ActivityLog{
		Username: username,
		Action:   action,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Recent 返回最新的 n 条审计记录，按时间倒序。
func Recent(db *gorm.DB, n int) ([]model.ActivityLog, error) {
	var entries []model.ActivityLog
	if err := db.Order("id DESC").Limit(n).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load recent activity: %w", err)
	}
	return entries, nil
}
