package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relaygate/internal/backend"
	"relaygate/internal/config"
	"relaygate/internal/gateway"
	"relaygate/internal/httpclient"
	"relaygate/internal/metrics"
	"relaygate/internal/platform"
	"relaygate/internal/ratelimit"
	"relaygate/internal/retry"
	"relaygate/internal/router"
	"relaygate/internal/security"
	"relaygate/internal/storage"
	"relaygate/internal/store"
	"relaygate/internal/transfer"
)

// app holds the wired gateway and the resources that must be released.
type app struct {
	gateway  *gateway.Coordinator
	backends *backend.Registry
	metrics  http.Handler
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
}

func newRegistry(cfg *config.Config) (*backend.Registry, error) {
	registry, err := backend.FromConfig(cfg.Backends, logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	return registry, nil
}

func slackHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(config.Seconds(cfg.Slack.TimeoutSeconds, 10*time.Second))
}

// slackDownloadClient carries the file download timeout, which is longer
// than the Web API timeout.
func slackDownloadClient(cfg *config.Config) *http.Client {
	return httpclient.New(config.Seconds(cfg.Transfer.DownloadTimeoutSeconds, 30*time.Second))
}

func newSlack(cfg *config.Config) *platform.Slack {
	return platform.NewSlack(platform.SlackConfig{
		APIURL:             cfg.Slack.APIURL,
		HTTPClient:         slackHTTPClient(cfg),
		DownloadHTTPClient: slackDownloadClient(cfg),
		Logger:             logger,
	})
}

// newObjectStore returns nil when object storage is disabled.
func newObjectStore(cfg *config.Config) (*storage.COS, error) {
	if cfg.Storage.Provider == "" {
		return nil, nil
	}
	cos, err := storage.NewCOS(storage.COSConfig{
		BucketURL:  cfg.Storage.BucketURL,
		SecretID:   cfg.Storage.SecretID,
		SecretKey:  cfg.Storage.SecretKey,
		HTTPClient: httpclient.New(60*time.Second),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return cos, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return s, nil
}

// newRateLimitBackend picks the quota counter. A Redis backend that cannot
// be reached at startup is still used; the limiter lets requests through
// while it is down.
func newRateLimitBackend(ctx context.Context, cfg *config.Config) (ratelimit.Backend, func() error, error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		rb, err := ratelimit.NewRedisBackend(cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rb.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at startup", "err", err)
		}
		return rb, rb.Close, nil
	case "memory":
		return ratelimit.NewMemoryBackend(time.Now), nil, nil
	default:
		return nil, nil, nil
	}
}

func whitelistSources(cfg *config.Config, st *store.SQLiteStore) []security.WhitelistSource {
	var sources []security.WhitelistSource
	if cfg.Whitelist.UseStore && st != nil {
		sources = append(sources, security.NewStoreSource(st))
	}
	if cfg.Whitelist.SecretFile != "" {
		sources = append(sources, security.NewSecretFileSource(cfg.Whitelist.SecretFile))
	}
	if cfg.Whitelist.Static != nil {
		sources = append(sources, security.NewStaticSource(cfg.Whitelist.Static))
	}
	return sources
}

func newClassifier(cfg *config.Config) router.Classifier {
	if cfg.Router.APIKey == "" {
		return nil
	}
	return router.NewAnthropicClassifier(router.AnthropicConfig{
		APIKey:     cfg.Router.APIKey,
		BaseURL:    cfg.Router.APIBase,
		Model:      cfg.Router.Model,
		MaxTokens:  cfg.Router.MaxTokens,
		HTTPClient: httpclient.New(config.Seconds(cfg.Router.TimeoutSeconds, 15*time.Second)),
	})
}

// existenceRetryPolicy backs off exactly 1s, 2s with the default config;
// no jitter.
func existenceRetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Existence.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Existence.BackoffMillis) * time.Millisecond,
	}
}

// noopVerifier stands in for the existence gate when it is disabled.
type noopVerifier struct{}

func (noopVerifier) Verify(context.Context, string, string, string, string) error { return nil }

// buildApp wires every component of the gateway from config.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.Collector.Handler()}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	if st != nil {
		a.closers = append(a.closers, st.Close)
	}

	objects, err := newObjectStore(cfg)
	if err != nil {
		return fail(err)
	}

	rlBackend, rlClose, err := newRateLimitBackend(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if rlClose != nil {
		a.closers = append(a.closers, rlClose)
	}

	a.backends, err = newRegistry(cfg)
	if err != nil {
		return fail(err)
	}

	slackAPI := newSlack(cfg)

	var verifier gateway.Verifier = noopVerifier{}
	if cfg.Existence.Enabled {
		verifier = security.NewExistenceVerifier(security.ExistenceVerifierConfig{
			Checker: slackAPI,
			Cache:   security.NewExistenceCache(config.Seconds(cfg.Existence.CacheTTLSeconds, 5*time.Minute), time.Now),
			Retry:   existenceRetryPolicy(cfg),
			CallTimeout: config.Seconds(cfg.Slack.TimeoutSeconds, 10*time.Second),
			Logger:      logger,
		})
	}

	loader := security.NewWhitelistLoader(
		whitelistSources(cfg, st),
		config.Seconds(cfg.Whitelist.CacheTTLSeconds, 5*time.Minute),
		time.Now,
		logger,
	)

	limiter := ratelimit.New(ratelimit.Config{
		Backend:   rlBackend,
		OrgLimit:  cfg.RateLimit.OrgLimit,
		UserLimit: cfg.RateLimit.UserLimit,
		Window:    config.Seconds(cfg.RateLimit.WindowSeconds, time.Minute),
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		Timeout:   time.Duration(cfg.RateLimit.TimeoutMillis) * time.Millisecond,
		Logger:    logger,
	})

	keywords := make(map[string][]string, len(cfg.Backends))
	for id, bc := range cfg.Backends {
		if len(bc.Keywords) > 0 {
			keywords[id] = bc.Keywords
		}
	}
	rt := router.New(a.backends, router.Config{
		Strategy:   cfg.Router.Strategy,
		Keywords:   keywords,
		Classifier: newClassifier(cfg),
		Timeout:    config.Seconds(cfg.Router.TimeoutSeconds, 15*time.Second),
		Logger:     logger,
	})

	tcfg := transfer.Config{
		Downloader:      slackAPI,
		InlineThreshold: cfg.Transfer.InlineThresholdBytes,
		MaxAttachments:  cfg.Transfer.MaxAttachments,
		DownloadTimeout: config.Seconds(cfg.Transfer.DownloadTimeoutSeconds, 30*time.Second),
		InboundURLTTL:   config.Seconds(cfg.Transfer.InboundURLTTLSeconds, 15*time.Minute),
		OutboundURLTTL:  config.Seconds(cfg.Transfer.OutboundURLTTLSeconds, time.Hour),
		Logger:          logger,
	}
	if objects != nil {
		tcfg.Store = objects
	}

	gcfg := gateway.Config{
		Verifier:    verifier,
		Authorizer:  security.NewAuthorizer(loader, logger),
		RateLimiter: limiter,
		Router:      rt,
		Backends:    a.backends,
		Transfer:    transfer.New(tcfg),
		Replier:     slackAPI,
		Messages:    gateway.NewMessages(cfg.General.Locale),
		HelpText:    cfg.Gateway.HelpText,
		Attribution: cfg.Gateway.Attribution,
		TaskTimeout: config.Seconds(cfg.Gateway.TaskTimeoutSeconds, 5*time.Minute),
		Logger:      logger,
	}
	if st != nil {
		gcfg.Audit = st
	}
	a.gateway = gateway.New(gcfg)

	if a.backends.Len() == 0 {
		logger.Warn("no backends configured; every routed task will be declined")
	}
	return a, nil
}

var errNoStore = errors.New("store is disabled (store.enabled=false)")

// requireStore opens the store for commands that cannot work without it.
func requireStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errNoStore
	}
	return st, nil
}
