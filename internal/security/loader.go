package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// WhitelistSource yields a whitelist, or domain.ErrSourceUnavailable when it
// is not configured or holds no entries.
type WhitelistSource interface {
	Name() string
	Load(ctx context.Context) (*domain.WhitelistConfig, error)
}

// --- Source: primary store ---

// EntryLister lists persisted whitelist entries.
type EntryLister interface {
	ListWhitelistEntries(ctx context.Context) ([]domain.WhitelistEntry, error)
}

type StoreSource struct {
	store EntryLister
}

func NewStoreSource(store EntryLister) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) Load(ctx context.Context) (*domain.WhitelistConfig, error) {
	if s.store == nil {
		return nil, domain.ErrSourceUnavailable
	}
	entries, err := s.store.ListWhitelistEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list whitelist entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, domain.ErrSourceUnavailable
	}

	var teams, users, channels []string
	for _, e := range entries {
		switch e.Dimension {
		case domain.DimensionTeam:
			teams = append(teams, e.Value)
		case domain.DimensionUser:
			users = append(users, e.Value)
		case domain.DimensionChannel:
			channels = append(channels, e.Value)
		}
	}
	return domain.NewWhitelistConfig(s.Name(), teams, users, channels), nil
}

// --- Source: secret document ---

// secretDocument is the mounted secret layout. JSON documents parse too.
type secretDocument struct {
	TeamIDs    []string `yaml:"team_ids"`
	UserIDs    []string `yaml:"user_ids"`
	ChannelIDs []string `yaml:"channel_ids"`
}

type SecretFileSource struct {
	path string
}

func NewSecretFileSource(path string) *SecretFileSource {
	return &SecretFileSource{path: path}
}

func (s *SecretFileSource) Name() string { return "secret" }

func (s *SecretFileSource) Load(ctx context.Context) (*domain.WhitelistConfig, error) {
	if s.path == "" {
		return nil, domain.ErrSourceUnavailable
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrSourceUnavailable
		}
		return nil, fmt.Errorf("read whitelist secret: %w", err)
	}

	var doc secretDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse whitelist secret %s: %w", s.path, err)
	}
	wl := domain.NewWhitelistConfig(s.Name(), doc.TeamIDs, doc.UserIDs, doc.ChannelIDs)
	if wl.IsEmpty() {
		return nil, domain.ErrSourceUnavailable
	}
	return wl, nil
}

// --- Source: static configuration ---

// StaticSource serves the whitelist embedded in the config file. Once
// configured it always yields, even when empty (allow all).
type StaticSource struct {
	static *config.StaticWhitelist
}

func NewStaticSource(static *config.StaticWhitelist) *StaticSource {
	return &StaticSource{static: static}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Load(ctx context.Context) (*domain.WhitelistConfig, error) {
	if s.static == nil {
		return nil, domain.ErrSourceUnavailable
	}
	return domain.NewWhitelistConfig(s.Name(), s.static.TeamIDs, s.static.UserIDs, s.static.ChannelIDs), nil
}

// --- Loader ---

type cachedWhitelist struct {
	cfg       *domain.WhitelistConfig
	expiresAt time.Time
}

// WhitelistLoader tries each source in order and caches the first result.
type WhitelistLoader struct {
	sources []WhitelistSource
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	cached atomic.Pointer[cachedWhitelist]
	mu     sync.Mutex // serializes reloads
}

func NewWhitelistLoader(sources []WhitelistSource, ttl time.Duration, now func() time.Time, logger *slog.Logger) *WhitelistLoader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &WhitelistLoader{sources: sources, ttl: ttl, now: now, logger: logger}
}

// Load returns the cached whitelist or reloads it from the sources.
func (l *WhitelistLoader) Load(ctx context.Context) (*domain.WhitelistConfig, error) {
	if c := l.cached.Load(); c != nil && l.now().Before(c.expiresAt) {
		return c.cfg, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Another caller may have reloaded while we waited.
	if c := l.cached.Load(); c != nil && l.now().Before(c.expiresAt) {
		return c.cfg, nil
	}

	var errs []error
	for _, src := range l.sources {
		cfg, err := src.Load(ctx)
		if err == nil {
			l.cached.Store(&cachedWhitelist{cfg: cfg, expiresAt: l.now().Add(l.ttl)})
			l.logger.Debug("whitelist loaded", "source", src.Name(), "entries", cfg.Size())
			return cfg, nil
		}
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			l.logger.Warn("whitelist source failed, trying next", "source", src.Name(), "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return nil, fmt.Errorf("no whitelist source available: %w", errors.Join(errs...))
}

// Invalidate drops the cached whitelist.
func (l *WhitelistLoader) Invalidate() {
	l.cached.Store(nil)
}
