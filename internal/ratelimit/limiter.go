// Package ratelimit enforces per-organization and per-user request quotas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaygate/internal/domain"
)

// Decision is a backend's answer for one key.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Backend counts hits for a key against limit per window.
type Backend interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type Config struct {
	Backend   Backend
	OrgLimit  int // 0 disables the org quota
	UserLimit int // 0 disables the user quota
	Window    time.Duration
	KeyPrefix string
	Timeout   time.Duration // per backend call
	Logger    *slog.Logger
}

// Limiter checks quotas. Quota exhaustion blocks the request; backend
// failures let it through.
type Limiter struct {
	backend   Backend
	orgLimit  int
	userLimit int
	window    time.Duration
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	return &Limiter{
		backend:   cfg.Backend,
		orgLimit:  cfg.OrgLimit,
		userLimit: cfg.UserLimit,
		window:    cfg.Window,
		prefix:    cfg.KeyPrefix,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Check consumes one unit of quota for the user and then the organization.
// A user over quota is rejected before the org counter is touched.
// remaining is the smallest remaining quota, or -1 when unknown.
func (l *Limiter) Check(ctx context.Context, orgID, userID string) (allowed bool, remaining int, err error) {
	if l.backend == nil {
		return true, -1, nil
	}

	remaining = -1
	dims := []struct {
		name  string
		id    string
		limit int
	}{
		{"user", userID, l.userLimit},
		{"org", orgID, l.orgLimit},
	}
	for _, d := range dims {
		if d.id == "" || d.limit <= 0 {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", l.prefix, d.name, d.id)

		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		dec, berr := l.backend.Allow(callCtx, key, d.limit, l.window)
		cancel()
		if berr != nil {
			l.logger.Warn("rate limit backend unavailable, allowing request",
				"dimension", d.name, "id", d.id, "error", berr)
			return true, -1, nil
		}
		if !dec.Allowed {
			return false, 0, &domain.RateLimitExceededError{
				Dimension:  d.name,
				Key:        d.id,
				Limit:      d.limit,
				RetryAfter: dec.RetryAfter,
			}
		}
		if remaining < 0 || dec.Remaining < remaining {
			remaining = dec.Remaining
		}
	}
	return true, remaining, nil
}
