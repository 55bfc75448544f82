package fuse

import (
	"math"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
)

// RateLimitDecision is the outcome of an I/O admission check.
type RateLimitDecision int

const (
	RateLimitAllow RateLimitDecision = iota
	RateLimitThrottle
	RateLimitReject
)

// RateLimiterConfig configures an IoRateLimiter. A zero BytesPerSec or
// OpsPerSec disables that budget entirely (unlimited).
type RateLimiterConfig struct {
	BytesPerSec     uint64
	OpsPerSec       uint64
	BurstFactor     float64
	RejectThreshold float64 // fraction of capacity below which requests are rejected outright rather than throttled
}

// DefaultRateLimiterConfig is unlimited in both dimensions.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{BurstFactor: 2.0}
}

type tokenBucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
	primed       bool
}

func newTokenBucket(ratePerSec uint64, burstFactor float64) *tokenBucket {
	if ratePerSec == 0 {
		return &tokenBucket{}
	}
	capacity := float64(ratePerSec) * burstFactor
	return &tokenBucket{tokens: capacity, capacity: capacity, refillPerSec: float64(ratePerSec)}
}

func (b *tokenBucket) isUnlimited() bool { return b.capacity == 0 }

func (b *tokenBucket) refill(now time.Time) float64 {
	if b.isUnlimited() {
		return 0
	}
	if !b.primed {
		b.primed = true
		b.lastRefill = now
		return b.tokens
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.tokens+elapsed*b.refillPerSec, b.capacity)
		b.lastRefill = now
	}
	return b.tokens
}

func (b *tokenBucket) tryConsume(amount float64, now time.Time) bool {
	if b.isUnlimited() {
		return true
	}
	b.refill(now)
	if b.tokens >= amount {
		b.tokens -= amount
		return true
	}
	return false
}

func (b *tokenBucket) waitFor(amount float64) time.Duration {
	if b.isUnlimited() || b.tokens >= amount {
		return 0
	}
	if b.refillPerSec <= 0 {
		return time.Duration(math.MaxInt64)
	}
	needed := amount - b.tokens
	return time.Duration(math.Ceil(needed/b.refillPerSec*1000)) * time.Millisecond
}

func (b *tokenBucket) fillLevel() float64 {
	if b.isUnlimited() {
		return 0
	}
	return b.tokens / b.capacity
}

// IoRateLimiter enforces per-mount byte-throughput and operation-rate
// budgets with a token bucket per dimension, plus a low-watermark
// reject threshold: once a bucket's fill level drops below
// RejectThreshold, further requests are rejected outright instead of
// being queued behind a throttle wait, so a client in a deep deficit
// fails fast rather than piling up blocked operations.
type IoRateLimiter struct {
	clock  clock.Clock
	cfg    RateLimiterConfig
	bytes  *tokenBucket
	ops    *tokenBucket
	stats  struct {
		allowed, throttled, rejected uint64
	}
}

// NewIoRateLimiter constructs an IoRateLimiter from cfg.
func NewIoRateLimiter(clk clock.Clock, cfg RateLimiterConfig) *IoRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &IoRateLimiter{clock: clk, cfg: cfg}
	if cfg.BytesPerSec > 0 {
		l.bytes = newTokenBucket(cfg.BytesPerSec, cfg.BurstFactor)
	}
	if cfg.OpsPerSec > 0 {
		l.ops = newTokenBucket(cfg.OpsPerSec, cfg.BurstFactor)
	}
	return l
}

func (l *IoRateLimiter) admit(bucket *tokenBucket, amount float64) RateLimitDecision {
	if bucket == nil {
		return RateLimitAllow
	}
	now := l.clock.Now()
	if l.cfg.RejectThreshold > 0 && bucket.fillLevel() < l.cfg.RejectThreshold {
		l.stats.rejected++
		return RateLimitReject
	}
	if !bucket.tryConsume(amount, now) {
		l.stats.throttled++
		return RateLimitThrottle
	}
	return RateLimitAllow
}

// CheckIo admits a size-byte I/O, consuming both the byte budget and
// one unit of the op budget. The byte check runs first: a request
// throttled or rejected on bytes never consumes an op token.
func (l *IoRateLimiter) CheckIo(size uint64) RateLimitDecision {
	if d := l.admit(l.bytes, float64(size)); d != RateLimitAllow {
		return d
	}
	if d := l.admit(l.ops, 1); d != RateLimitAllow {
		return d
	}
	l.stats.allowed++
	return RateLimitAllow
}

// CheckOp admits a single metadata operation against the op budget
// only.
func (l *IoRateLimiter) CheckOp() RateLimitDecision {
	if d := l.admit(l.ops, 1); d != RateLimitAllow {
		return d
	}
	l.stats.allowed++
	return RateLimitAllow
}

// WaitFor returns how long a size-byte I/O would need to wait for the
// byte bucket alone to admit it, ignoring the reject threshold.
func (l *IoRateLimiter) WaitFor(size uint64) time.Duration {
	if l.bytes == nil {
		return 0
	}
	return l.bytes.waitFor(float64(size))
}

// TotalAllowed returns how many checks this limiter has allowed.
func (l *IoRateLimiter) TotalAllowed() uint64 { return l.stats.allowed }

// TotalThrottled returns how many checks this limiter has throttled.
func (l *IoRateLimiter) TotalThrottled() uint64 { return l.stats.throttled }

// TotalRejected returns how many checks this limiter has rejected
// outright.
func (l *IoRateLimiter) TotalRejected() uint64 { return l.stats.rejected }

// IsLimited reports whether either budget is configured; an unlimited
// IoRateLimiter always allows.
func (l *IoRateLimiter) IsLimited() bool {
	return l.cfg.BytesPerSec > 0 || l.cfg.OpsPerSec > 0
}
