package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func rateLimitedApp(cache *redis.Client) *fiber.App {
	app := fiber.New()
	app.Post("/admin/auth/login", RateLimit(cache, RateLimitConfig{Name: "login", Max: 2, Window: time.Minute, Key: LoginKey}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func loginStatus(t *testing.T, app *fiber.App, email string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/admin/auth/login", strings.NewReader(`{"email":"`+email+`"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRateLimitWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := rateLimitedApp(cache)
	for i := 0; i < 2; i++ {
		if got := loginStatus(t, app, "ops@acme.test"); got != fiber.StatusOK {
			t.Fatalf("attempt %d: expected 200 got %d", i, got)
		}
	}
	if got := loginStatus(t, app, "ops@acme.test"); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", got)
	}
	if got := loginStatus(t, app, "other@acme.test"); got != fiber.StatusOK {
		t.Fatalf("expected other identity to pass, got %d", got)
	}

	mr.FastForward(2 * time.Minute)
	if got := loginStatus(t, app, "ops@acme.test"); got != fiber.StatusOK {
		t.Fatalf("expected window reset, got %d", got)
	}
}

func TestRateLimitFallsBackToLocalWindow(t *testing.T) {
	app := rateLimitedApp(nil)
	for i := 0; i < 2; i++ {
		if got := loginStatus(t, app, "ops@acme.test"); got != fiber.StatusOK {
			t.Fatalf("attempt %d: expected 200 got %d", i, got)
		}
	}
	if got := loginStatus(t, app, "ops@acme.test"); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", got)
	}
}
