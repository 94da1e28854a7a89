package middleware

import (
	"sync"
	"time"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(userID int64) bool
	Reset(userID int64)
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter implements per-user token bucket rate limiting
type UserRateLimiter struct {
	enabled  bool
	limiters map[int64]*userLimiter
	mu       sync.Mutex
	rpm      int
	burst    int
	idleTTL  time.Duration
	logger   *logrus.Logger
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter. A disabled limiter allows everything.
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *UserRateLimiter {
	rl := &UserRateLimiter{
		enabled:  cfg.Enabled,
		limiters: make(map[int64]*userLimiter),
		rpm:      cfg.RequestsPerMinute,
		burst:    cfg.Burst,
		idleTTL:  time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	if rl.burst <= 0 {
		rl.burst = 1
	}

	if rl.enabled {
		go rl.cleanup(10 * time.Minute)
	}

	return rl
}

// Allow checks if a user is allowed to make a request
func (r *UserRateLimiter) Allow(userID int64) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(userID).Allow()

	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"user_id": userID,
		}).Warn("Rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a user
func (r *UserRateLimiter) Reset(userID int64) {
	r.mu.Lock()
	delete(r.limiters, userID)
	r.mu.Unlock()
}

// Close stops the cleanup goroutine
func (r *UserRateLimiter) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *UserRateLimiter) getLimiter(userID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.limiters[userID]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(r.rpm) / 60.0
		entry = &userLimiter{limiter: rate.NewLimiter(rate.Limit(rps), r.burst)}
		r.limiters[userID] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

// cleanup drops limiters that have been idle longer than idleTTL
func (r *UserRateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evictIdle(now)
		}
	}
}

func (r *UserRateLimiter) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.limiters {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.limiters, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Debug("Evicted idle rate limiters")
	}
}
