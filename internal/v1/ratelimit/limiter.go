// Package ratelimit bounds session restart requests per participant and
// rate-limits the operator HTTP surface. Counters live in Redis when one is
// configured, so multiple focus instances share a budget, and in memory
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// ErrRateLimited tells the caller when a retry may succeed.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// RestartLimiter enforces the per-participant session restart budget: a
// minimum spacing between any two requests plus a windowed request cap.
type RestartLimiter struct {
	windowed    *limiter.Limiter
	minInterval time.Duration
	clk         clock.PassiveClock

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRestartLimiter builds the limiter from config. redisClient may be nil;
// the window counters then stay in process memory.
func NewRestartLimiter(cfg config.RestartRateLimits, redisClient *redis.Client, clk clock.PassiveClock) (*RestartLimiter, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "focus:restart:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "restart limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "restart limiter using in-memory store")
	}

	l := &RestartLimiter{
		minInterval: time.Duration(cfg.MinInterval) * time.Second,
		clk:         clk,
		last:        make(map[string]time.Time),
	}
	if cfg.MaxRequests > 0 && cfg.Interval > 0 {
		l.windowed = limiter.New(store, limiter.Rate{
			Period: time.Duration(cfg.Interval) * time.Second,
			Limit:  int64(cfg.MaxRequests),
		})
	}
	return l, nil
}

// Allow accounts one restart request for the participant. A nil return
// consumes budget; *ErrRateLimited reports when to retry.
func (l *RestartLimiter) Allow(room types.RoomID, id types.EndpointID) error {
	key := string(room) + "/" + string(id)
	now := l.clk.Now()

	if l.minInterval > 0 {
		l.mu.Lock()
		if last, ok := l.last[key]; ok {
			if elapsed := now.Sub(last); elapsed < l.minInterval {
				l.mu.Unlock()
				return &ErrRateLimited{RetryAfter: l.minInterval - elapsed}
			}
		}
		l.pruneLocked(now)
		l.last[key] = now
		l.mu.Unlock()
	}

	if l.windowed == nil {
		return nil
	}
	res, err := l.windowed.Get(context.Background(), key)
	if err != nil {
		// A broken limiter backend must not take restarts down with it.
		logging.Warn(context.Background(), "restart limiter store error, allowing request",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	if res.Reached {
		retry := time.Until(time.Unix(res.Reset, 0))
		if retry < 0 {
			retry = 0
		}
		return &ErrRateLimited{RetryAfter: retry}
	}
	return nil
}

// pruneLocked drops spacing entries old enough to be irrelevant, keeping the
// map bounded in long-lived processes.
func (l *RestartLimiter) pruneLocked(now time.Time) {
	if len(l.last) < 4096 {
		return
	}
	for key, t := range l.last {
		if now.Sub(t) > l.minInterval {
			delete(l.last, key)
		}
	}
}

// APIMiddleware rate-limits the operator HTTP surface by client IP. rate
// uses the limiter shorthand, e.g. "100-M" for 100 requests per minute.
func APIMiddleware(rate string) (gin.HandlerFunc, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid api rate %q: %w", rate, err)
	}
	return mgin.NewMiddleware(limiter.New(memory.NewStore(), parsed)), nil
}
