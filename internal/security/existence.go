package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/retry"
)

// EntityChecker confirms that a platform identifier exists.
type EntityChecker interface {
	VerifyEntity(ctx context.Context, credential string, kind domain.EntityKind, id string) error
}

// ExistenceCache remembers identifier triples that were verified recently.
// One instance is shared by all tasks in the process.
type ExistenceCache struct {
	mu      sync.RWMutex
	entries map[string]domain.CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewExistenceCache creates a cache; now defaults to time.Now.
func NewExistenceCache(ttl time.Duration, now func() time.Time) *ExistenceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &ExistenceCache{
		entries: make(map[string]domain.CacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// CacheKey joins the identifier triple. Absent parts stay empty so a
// team-only check never satisfies a team+user lookup.
func CacheKey(teamID, userID, channelID string) string {
	return teamID + "|" + userID + "|" + channelID
}

// Valid reports whether key was verified and has not expired.
func (c *ExistenceCache) Valid(key string) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	return ok && c.now().Before(entry.ExpiresAt)
}

// Put records a successful verification. Expired entries are swept on write.
func (c *ExistenceCache) Put(key string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = domain.CacheEntry{Key: key, VerifiedAt: now, ExpiresAt: now.Add(c.ttl)}
}

func (c *ExistenceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type ExistenceVerifierConfig struct {
	Checker     EntityChecker
	Cache       *ExistenceCache
	Retry       retry.Policy
	CallTimeout time.Duration // per platform call
	Logger      *slog.Logger
}

// ExistenceVerifier confirms that the organization, user and channel of a
// task exist on the chat platform. It fails closed.
type ExistenceVerifier struct {
	checker     EntityChecker
	cache       *ExistenceCache
	policy      retry.Policy
	callTimeout time.Duration
	logger      *slog.Logger
}

func NewExistenceVerifier(cfg ExistenceVerifierConfig) *ExistenceVerifier {
	if cfg.Cache == nil {
		cfg.Cache = NewExistenceCache(0, nil)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	policy := cfg.Retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, domain.ErrEntityNotFound)
	}
	return &ExistenceVerifier{
		checker:     cfg.Checker,
		cache:       cfg.Cache,
		policy:      policy,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}
}

// Verify returns nil when every supplied identifier exists, or a
// *domain.VerificationError otherwise. An empty credential skips the check.
func (v *ExistenceVerifier) Verify(ctx context.Context, credential, teamID, userID, channelID string) error {
	if credential == "" {
		v.logger.Warn("no credential on task, existence check skipped")
		return nil
	}

	key := CacheKey(teamID, userID, channelID)
	if v.cache.Valid(key) {
		v.logger.Debug("existence cache hit", "team_id", teamID, "user_id", userID, "channel_id", channelID)
		return nil
	}

	checks := []struct {
		kind domain.EntityKind
		id   string
	}{
		{domain.EntityTeam, teamID},
		{domain.EntityUser, userID},
		{domain.EntityChannel, channelID},
	}
	for _, c := range checks {
		if c.id == "" {
			continue
		}
		if err := v.verifyOne(ctx, credential, c.kind, c.id); err != nil {
			v.logger.Warn("existence check failed", "kind", c.kind, "id", c.id, "error", err)
			return &domain.VerificationError{Kind: c.kind, ID: c.id, Err: err}
		}
	}

	v.cache.Put(key)
	return nil
}

func (v *ExistenceVerifier) verifyOne(ctx context.Context, credential string, kind domain.EntityKind, id string) error {
	return retry.Do(ctx, v.policy, v.logger, "verify "+string(kind), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
		defer cancel()
		return v.checker.VerifyEntity(callCtx, credential, kind, id)
	})
}
