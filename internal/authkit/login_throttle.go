package authkit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginThrottleKeyPrefix = "login:"

// LoginThrottle limits login attempts per email address.
type LoginThrottle interface {
	// RegisterAttempt counts an attempt and fails with ErrLoginThrottled once
	// the window budget is exhausted.
	RegisterAttempt(ctx context.Context, email string) error
	// Reset clears the attempt counter after a successful login.
	Reset(ctx context.Context, email string) error
}

// RedisLoginThrottle keeps fixed-window attempt counters in Redis.
type RedisLoginThrottle struct {
	client      redis.UniversalClient
	maxAttempts int64
	window      time.Duration
}

// NewRedisLoginThrottle builds a throttle allowing maxAttempts per window.
func NewRedisLoginThrottle(client redis.UniversalClient, maxAttempts int, window time.Duration) (*RedisLoginThrottle, error) {
	if client == nil {
		return nil, fmt.Errorf("login_throttle.new: redis client is required")
	}
	if maxAttempts <= 0 || window <= 0 {
		return nil, fmt.Errorf("login_throttle.new: max attempts and window must be positive")
	}
	return &RedisLoginThrottle{client: client, maxAttempts: int64(maxAttempts), window: window}, nil
}

func (throttle *RedisLoginThrottle) RegisterAttempt(ctx context.Context, email string) error {
	key := loginThrottleKey(email)
	count, incrErr := throttle.client.Incr(ctx, key).Result()
	if incrErr != nil {
		return fmt.Errorf("login_throttle.incr: %w", incrErr)
	}
	if count == 1 {
		if expireErr := throttle.client.Expire(ctx, key, throttle.window).Err(); expireErr != nil {
			return fmt.Errorf("login_throttle.expire: %w", expireErr)
		}
	}
	if count > throttle.maxAttempts {
		return fmt.Errorf("login_throttle: %w", ErrLoginThrottled)
	}
	return nil
}

func (throttle *RedisLoginThrottle) Reset(ctx context.Context, email string) error {
	if err := throttle.client.Del(ctx, loginThrottleKey(email)).Err(); err != nil {
		return fmt.Errorf("login_throttle.reset: %w", err)
	}
	return nil
}

func loginThrottleKey(email string) string {
	return loginThrottleKeyPrefix + NormalizeEmail(email)
}
