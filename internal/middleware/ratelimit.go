package middleware

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig describes a fixed-window limiter.
type RateLimitConfig struct {
	Name   string
	Max    int
	Window time.Duration
	// Key extracts the limited identity. Defaults to the client IP.
	Key func(c *fiber.Ctx) string
}

// RateLimit limits requests per key using Redis counters when available so
// the limit holds across instances. Without Redis it falls back to a
// process-local window.
func RateLimit(cache *redis.Client, cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = func(c *fiber.Ctx) string { return c.IP() }
	}
	local := newLocalWindow(cfg.Window)

	return func(c *fiber.Ctx) error {
		key := "rl:" + cfg.Name + ":" + cfg.Key(c)

		var cnt int64
		if cache != nil {
			var err error
			cnt, err = cache.Incr(c.UserContext(), key).Result()
			if err != nil {
				return c.Next() // fail-open on cache errors
			}
			if cnt == 1 {
				cache.Expire(c.UserContext(), key, cfg.Window)
			}
		} else {
			cnt = local.incr(key, time.Now())
		}

		if cnt > int64(cfg.Max) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(cfg.Window.Seconds())))
			return fiber.NewError(fiber.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

// LoginKey limits admin logins per email, falling back to the client IP.
func LoginKey(c *fiber.Ctx) string {
	var req struct {
		Email string `json:"email"`
	}
	_ = c.BodyParser(&req)
	if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" {
		return email
	}
	return c.IP()
}

type localWindow struct {
	mu      sync.Mutex
	window  time.Duration
	counts  map[string]int64
	resetAt time.Time
}

func newLocalWindow(window time.Duration) *localWindow {
	return &localWindow{window: window, counts: make(map[string]int64)}
}

func (w *localWindow) incr(key string, now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.After(w.resetAt) {
		w.counts = make(map[string]int64)
		w.resetAt = now.Add(w.window)
	}
	w.counts[key]++
	return w.counts[key]
}
