package model

import "time"

// User 表示系统用户。
//
// PasswordHash 只存 bcrypt 哈希，TOTPSecret 只存 AES-GCM 密文，
// 任何一层都不允许出现明文口令或明文 TOTP 秘钥。
type User struct {
	ID        uint      `gorm:"primaryKey"` // 用户 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Username     string `gorm:"type:varchar(50);uniqueIndex;not null"` // 用户名（唯一，3-50 位字母数字下划线）
	PasswordHash string `gorm:"not null"`                              // bcrypt 哈希
	Role         string `gorm:"type:varchar(16);not null"`             // 角色: student / helper / admin
	Credits      int    `gorm:"not null;default:100"`                  // 积分余额（悬赏货币）

	LastLoginReward *time.Time `gorm:"type:date"` // 上次领取每日登录奖励的日期（UTC 自然日）

	TwoFAEnabled bool   `gorm:"default:false"`       // 是否已启用两步验证
	TOTPSecret   []byte `gorm:"type:varbinary(256)"` // 加密后的 TOTP 秘钥（未生成时为空）

	Questions []Question   `gorm:"foreignKey:UserID"` // 提出的问题
	Answers   []Answer     `gorm:"foreignKey:UserID"` // 发表的回答
	Likes     []AnswerLike `gorm:"foreignKey:UserID"` // 点过的赞
}

// HasTOTPSecret 判断用户是否已生成 TOTP 秘钥（含尚未确认启用的状态）。
func (u *User) HasTOTPSecret() bool {
	return len(u.TOTPSecret) > 0
}
