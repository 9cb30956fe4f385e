package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 业务指标。所有指标通过 InitMetrics 注册一次，重复调用是安全的。
var (
	// LoginAttemptsTotal 按结果统计登录尝试 (success / failure / pending_2fa)。
	LoginAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	// TwoFactorFailureTotal 两步验证失败次数（含过期令牌）。
	TwoFactorFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_twofactor_failures_total",
		Help: "Failed or expired second-factor verifications.",
	})

	// DailyRewardClaimedTotal 每日登录奖励发放次数。
	DailyRewardClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_daily_reward_claimed_total",
		Help: "Daily login rewards credited.",
	})

	// BountyEscrowedTotal 提问时托管的悬赏积分总量。
	BountyEscrowedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_bounty_escrowed_credits_total",
		Help: "Credits moved into escrow at question creation.",
	})

	// BountyPaidTotal 采纳回答后支付给回答者的积分总量。
	BountyPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_bounty_paid_credits_total",
		Help: "Credits paid out to accepted answerers.",
	})

	// QuestionDuplicatePreventedTotal 被去重拦截的重复提问数。
	QuestionDuplicatePreventedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "question_duplicate_prevented_total",
		Help: "Duplicate question submissions blocked by the dedup guard.",
	})

	// RateLimitWaitDuration 限流检查耗时分布。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ratelimit_wait_duration_seconds",
		Help:    "Time spent in rate limiter checks.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 被限流拒绝的请求数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_rejected_total",
		Help: "Requests rejected by the rate limiter.",
	})

	// TokenRevokedRejectTotal 被吊销令牌拦截的请求数。
	TokenRevokedRejectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_revoked_token_rejects_total",
		Help: "Requests rejected because the token jti is denylisted.",
	})
)

var initOnce sync.Once

// InitMetrics 向默认 registry 注册所有业务指标。
//
// 多次调用只注册一次，测试里可以放心重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			LoginAttemptsTotal,
			TwoFactorFailureTotal,
			DailyRewardClaimedTotal,
			BountyEscrowedTotal,
			BountyPaidTotal,
			QuestionDuplicatePreventedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			TokenRevokedRejectTotal,
		)
	})
}
