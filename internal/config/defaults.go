package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Locale:    "ja",
		},
		Gateway: GatewayConfig{
			MaxConcurrentTasks: 32,
			TaskTimeoutSeconds: 300,
			Attribution:        true,
		},
		Slack: SlackConfig{
			TimeoutSeconds: 10,
		},
		Existence: ExistenceConfig{
			Enabled:         true,
			CacheTTLSeconds: 300,
			MaxAttempts:     3,
			BackoffMillis:   1000,
		},
		Whitelist: WhitelistConfig{
			CacheTTLSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			OrgLimit:      100,
			UserLimit:     20,
			WindowSeconds: 60,
			KeyPrefix:     "relaygate:ratelimit",
			TimeoutMillis: 500,
		},
		Router: RouterConfig{
			Strategy:       "llm",
			Model:          "claude-3-5-haiku-latest",
			MaxTokens:      64,
			TimeoutSeconds: 15,
		},
		Backends: map[string]BackendConfig{
			"default": {
				URL:          "http://localhost:8081/",
				Name:         "Default agent",
				DiscoverCard: true,
			},
		},
		Transfer: TransferConfig{
			InlineThresholdBytes:   200 * 1024,
			MaxAttachments:         5,
			DownloadTimeoutSeconds: 30,
			InboundURLTTLSeconds:   900,
			OutboundURLTTLSeconds:  3600,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.relaygate/relaygate.db",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
