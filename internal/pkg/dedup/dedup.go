package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "homeworkhelp:dedup:question:"

// Deduplicator 拦截窗口期内的重复提问（同一用户 + 同一标题正文）。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 判断该用户是否在窗口期内提交过内容完全相同的问题。
//
// 第一次调用会写入标记并返回 false，窗口内的后续相同提交返回 true。
func (d *Deduplicator) IsDuplicate(ctx context.Context, userID uint, title, content string) (bool, error) {
	if d == nil || d.rdb == nil || title == "" {
		return false, nil
	}
	key := keyPrefix + hashSubmission(userID, title, content)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 清除标记。提问事务失败后调用，让用户可以立即重试。
func (d *Deduplicator) Delete(ctx context.Context, userID uint, title, content string) error {
	if d == nil || d.rdb == nil || title == "" {
		return nil
	}
	key := keyPrefix + hashSubmission(userID, title, content)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashSubmission(userID uint, title, content string) string {
	sum := sha256.Sum256([]byte(strconv.FormatUint(uint64(userID), 10) + "\x00" + title + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
