package model

import (
	"time"
)

// Question 表示一个带悬赏的提问。
//
// Bounty 在创建时从提问者余额中一次性扣除（托管），
// 采纳回答时转给回答者。IsSolved 只会从 false 变为 true，且只变一次。
type Question struct {
	ID        uint      `gorm:"primaryKey"` // 问题 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	UserID uint `gorm:"not null;index"`    // 提问者 ID
	User   User `gorm:"foreignKey:UserID"` // 提问者

	Title   string `gorm:"type:varchar(100);not null"` // 标题
	Content string `gorm:"type:text;not null"`         // 正文
	Bounty  int    `gorm:"not null;default:10"`        // 悬赏积分（创建时已托管）

	IsSolved bool `gorm:"default:false;index"` // 是否已采纳回答

	Answers []Answer `gorm:"foreignKey:QuestionID"` // 关联的回答
}

// Answer 表示对某个问题的回答。
//
// 每个问题最多只有一条 IsAccepted 为 true 的回答。
type Answer struct {
	ID        uint      `gorm:"primaryKey"` // 回答 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	QuestionID uint     `gorm:"not null;index"`        // 所属问题 ID
	Question   Question `gorm:"foreignKey:QuestionID"` // 所属问题
	UserID     uint     `gorm:"not null;index"`        // 回答者 ID
	User       User     `gorm:"foreignKey:UserID"`     // 回答者

	Content    string `gorm:"type:text;not null"` // 回答内容
	IsAccepted bool   `gorm:"default:false"`      // 是否被采纳

	Likes []AnswerLike `gorm:"foreignKey:AnswerID"` // 收到的赞
}

// AnswerLike 表示用户对回答的点赞。
//
// (UserID, AnswerID) 上有唯一索引：同一用户对同一回答只能点一次赞。
type AnswerLike struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 点赞时间

	UserID   uint `gorm:"not null;uniqueIndex:idx_user_answer"` // 点赞用户 ID
	AnswerID uint `gorm:"not null;uniqueIndex:idx_user_answer"` // 被赞回答 ID
}

// ActivityLog 是只追加的操作审计记录。
//
// Username 是写入时的快照，不是外键：账号被删除或改名后日志仍然可读。
// 正常流程永远不会更新或删除这张表的行。
type ActivityLog struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"` // 记录时间

	Username string `gorm:"type:varchar(50);not null"`  // 用户名快照
	Action   string `gorm:"type:varchar(200);not null"` // 动作描述
}
