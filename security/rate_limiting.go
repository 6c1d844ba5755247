package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"ticket-admission/internal/clock"
)

// SlidingWindowLimiter admits at most limit attempts per key within any
// window-long interval. Only accepted attempts are recorded, so a caller
// that keeps retrying while limited is not pushed further out.
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	clock    clock.Clock
}

func NewSlidingWindowLimiter(limit int, window time.Duration, clk clock.Clock) *SlidingWindowLimiter {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &SlidingWindowLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		clock:    clk,
	}
}

// AllowKey records an attempt for key and reports whether it is admitted.
func (l *SlidingWindowLimiter) AllowKey(key string) bool {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	valid := prune(l.attempts[key], cutoff)
	if len(valid) >= l.limit {
		l.attempts[key] = valid
		return false
	}
	l.attempts[key] = append(valid, now)
	return true
}

// Allow satisfies echo's middleware.RateLimiterStore.
func (l *SlidingWindowLimiter) Allow(identifier string) (bool, error) {
	return l.AllowKey(identifier), nil
}

// RetryAfter returns how long key must wait before its next attempt is
// admitted, zero if it could go now.
func (l *SlidingWindowLimiter) RetryAfter(key string) time.Duration {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	valid := prune(l.attempts[key], cutoff)
	if len(valid) < l.limit {
		return 0
	}
	return valid[len(valid)-l.limit].Add(l.window).Sub(now)
}

// Cleanup forgets keys with no attempt inside the window.
func (l *SlidingWindowLimiter) Cleanup() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, attempts := range l.attempts {
		valid := prune(attempts, cutoff)
		if len(valid) == 0 {
			delete(l.attempts, key)
		} else {
			l.attempts[key] = valid
		}
	}
	return len(l.attempts)
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (l *SlidingWindowLimiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the survivors are a suffix.
func prune(attempts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	return attempts[i:]
}

// RateLimit is echo middleware keyed by device id header, falling back to
// client IP.
func (l *SlidingWindowLimiter) RateLimit() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: l,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if device := c.Request().Header.Get(DeviceHeader); device != "" {
				return fmt.Sprintf("device:%s", device), nil
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify caller",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		},
	})
}

// DeviceHeader identifies the scanning device making a request.
const DeviceHeader = "X-Device-ID"

// BlockBots rejects requests whose User-Agent looks automated.
func BlockBots() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isSuspiciousUserAgent(c.Request().Header.Get("User-Agent")) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "Access denied",
				})
			}
			return next(c)
		}
	}
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
