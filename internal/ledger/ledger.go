// Package ledger 管理积分账本：每日登录奖励、悬赏托管与采纳支付。
//
// 所有改动余额的路径都在单个事务里执行，并对受影响的行加
// SELECT ... FOR UPDATE 锁。审计日志与业务写入在同一事务中提交。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"homeworkhelp/internal/activity"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/metrics"
)

var (
	// ErrInsufficientCredits 余额不足以托管悬赏。
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrAccountNotFound 账号不存在。
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrAnswerNotFound 回答不存在。
	ErrAnswerNotFound = errors.New("ledger: answer not found")
	// ErrNotAsker 只有提问者本人可以采纳回答。
	ErrNotAsker = errors.New("ledger: only the asker may accept an answer")
)

// Ledger 积分账本服务。
type Ledger struct {
	db            *gorm.DB
	logger        *slog.Logger
	rewardCredits int
}

// New 构造 Ledger。
//
// 参数:
//
//	db: gorm 数据库句柄
//	logger: 结构化日志器
//	rewardCredits: 每日登录奖励额度
func New(db *gorm.DB, logger *slog.Logger, rewardCredits int) *Ledger {
	return &Ledger{db: db, logger: logger, rewardCredits: rewardCredits}
}

// lockedAccount 是 FOR UPDATE 查询的扫描目标。
type lockedAccount struct {
	ID              uint
	Username        string
	Credits         int
	LastLoginReward *time.Time
}

// lockAccount 锁定并读取账号行，事务提交前其他写入者会被阻塞。
func lockAccount(tx *gorm.DB, userID uint) (*lockedAccount, error) {
	var acc lockedAccount
	res := tx.Raw(
		"SELECT id, username, credits, last_login_reward FROM users WHERE id = ? FOR UPDATE",
		userID,
	).Scan(&acc)
	if res.Error != nil {
		return nil, fmt.Errorf("lock account %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 || acc.ID == 0 {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

// RewardDue 判断按 UTC 自然日是否应发放每日奖励。
//
// 比较的是日历日而不是 24 小时间隔：23:59 登录过，次日 00:01 再登录
// 仍然计为新的一天。
func RewardDue(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	y1, m1, d1 := last.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// ClaimDailyReward 在调用方的事务里发放每日登录奖励。
//
// 同一 UTC 自然日内的第二次调用是无副作用的空操作。
// 返回值 claimed 表示本次是否真的加了积分。
func (l *Ledger) ClaimDailyReward(tx *gorm.DB, userID uint, now time.Time) (bool, error) {
	acc, err := lockAccount(tx, userID)
	if err != nil {
		return false, err
	}
	if !RewardDue(acc.LastLoginReward, now) {
		return false, nil
	}

	day := now.UTC().Truncate(24 * time.Hour)
	if err := tx.Exec(
		"UPDATE users SET credits = credits + ?, last_login_reward = ? WHERE id = ?",
		l.rewardCredits, day, userID,
	).Error; err != nil {
		return false, fmt.Errorf("credit daily reward: %w", err)
	}
	if err := activity.Record(tx, acc.Username,
		fmt.Sprintf("Claimed daily login reward (+%d cr)", l.rewardCredits)); err != nil {
		return false, err
	}

	metrics.DailyRewardClaimedTotal.Inc()
	l.logger.Info("daily reward claimed",
		slog.Uint64("user_id", uint64(userID)),
		slog.Int("credits", l.rewardCredits))
	return true, nil
}

// CreateQuestion 创建问题并托管悬赏，一个事务内完成。
//
// 在持有提问者行锁的状态下复查余额，余额不足返回
// ErrInsufficientCredits 且不产生任何写入。积分余额因此永远不会变负。
func (l *Ledger) CreateQuestion(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
	var question *model.Question
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, askerID)
		if err != nil {
			return err
		}
		if acc.Credits < bounty {
			return ErrInsufficientCredits
		}
		if err := tx.Exec(
			"UPDATE users SET credits = credits - ? WHERE id = ?",
			bounty, askerID,
		).Error; err != nil {
			return fmt.Errorf("escrow bounty: %w", err)
		}

		question = &model.Question{
			UserID:  askerID,
			Title:   title,
			Content: content,
			Bounty:  bounty,
		}
		if err := tx.Create(question).Error; err != nil {
			return fmt.Errorf("create question: %w", err)
		}

		return activity.Record(tx, acc.Username,
			fmt.Sprintf("Posted question: %s (%d cr)", title, bounty))
	})
	if err != nil {
		return nil, err
	}

	metrics.BountyEscrowedTotal.Add(float64(bounty))
	l.logger.Info("bounty escrowed",
		slog.Uint64("question_id", uint64(question.ID)),
		slog.Int("bounty", bounty))
	return question, nil
}

// AcceptResult 是采纳操作的结果。
type AcceptResult struct {
	AlreadySolved bool   // 问题此前已被解决，本次没有任何支付
	Title         string // 问题标题
	Bounty        int    // 支付的悬赏
	HelperID      uint   // 回答者 ID
	Helper        string // 回答者用户名
}

// AcceptAnswer 采纳回答并把托管的悬赏转给回答者。
//
// 事务内先锁定问题行；如果问题已解决，直接返回 AlreadySolved，
// 不翻转任何标志、不再次支付。因此并发或重复的采纳请求里只有第一个生效。
func (l *Ledger) AcceptAnswer(ctx context.Context, askerID, answerID uint) (*AcceptResult, error) {
	result := &AcceptResult{}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ans struct {
			ID         uint
			QuestionID uint
			UserID     uint
		}
		res := tx.Raw(
			"SELECT id, question_id, user_id FROM answers WHERE id = ?",
			answerID,
		).Scan(&ans)
		if res.Error != nil {
			return fmt.Errorf("load answer %d: %w", answerID, res.Error)
		}
		if res.RowsAffected == 0 || ans.ID == 0 {
			return ErrAnswerNotFound
		}

		var q struct {
			ID       uint
			UserID   uint
			Title    string
			Bounty   int
			IsSolved bool
		}
		res = tx.Raw(
			"SELECT id, user_id, title, bounty, is_solved FROM questions WHERE id = ? FOR UPDATE",
			ans.QuestionID,
		).Scan(&q)
		if res.Error != nil {
			return fmt.Errorf("lock question %d: %w", ans.QuestionID, res.Error)
		}
		if res.RowsAffected == 0 || q.ID == 0 {
			return ErrAnswerNotFound
		}
		if q.UserID != askerID {
			return ErrNotAsker
		}

		result.Title = q.Title
		result.Bounty = q.Bounty
		result.HelperID = ans.UserID

		if q.IsSolved {
			result.AlreadySolved = true
			return nil
		}

		asker, err := lockAccount(tx, askerID)
		if err != nil {
			return err
		}
		helper, err := lockAccount(tx, ans.UserID)
		if err != nil {
			return err
		}
		result.Helper = helper.Username

		if err := tx.Exec(
			"UPDATE questions SET is_solved = TRUE WHERE id = ?", q.ID,
		).Error; err != nil {
			return fmt.Errorf("mark solved: %w", err)
		}
		if err := tx.Exec(
			"UPDATE answers SET is_accepted = TRUE WHERE id = ?", ans.ID,
		).Error; err != nil {
			return fmt.Errorf("mark accepted: %w", err)
		}
		if err := tx.Exec(
			"UPDATE users SET credits = credits + ? WHERE id = ?",
			q.Bounty, ans.UserID,
		).Error; err != nil {
			return fmt.Errorf("pay bounty: %w", err)
		}

		return activity.Record(tx, asker.Username,
			fmt.Sprintf("Accepted answer on: %s (%d cr to %s)", q.Title, q.Bounty, helper.Username))
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadySolved {
		metrics.BountyPaidTotal.Add(float64(result.Bounty))
		l.logger.Info("bounty paid",
			slog.Uint64("answer_id", uint64(answerID)),
			slog.Uint64("helper_id", uint64(result.HelperID)),
			slog.Int("bounty", result.Bounty))
	}
	return result, nil
}
