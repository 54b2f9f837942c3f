package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for relaygate.
type Config struct {
	General   GeneralConfig            `json:"general"`
	Gateway   GatewayConfig            `json:"gateway"`
	Slack     SlackConfig              `json:"slack"`
	Existence ExistenceConfig          `json:"existence"`
	Whitelist WhitelistConfig          `json:"whitelist"`
	RateLimit RateLimitConfig          `json:"rateLimit"`
	Router    RouterConfig             `json:"router"`
	Backends  map[string]BackendConfig `json:"backends"`
	Storage   StorageConfig            `json:"storage"`
	Transfer  TransferConfig           `json:"transfer"`
	Store     StoreConfig              `json:"store"`
	Server    ServerConfig             `json:"server"`
	Metrics   MetricsConfig            `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`         // "text" | "json"
	LogFile   string `json:"logFile,omitempty"` // optional log file path
	Locale    string `json:"locale"`            // language of user-facing replies
}

type GatewayConfig struct {
	MaxConcurrentTasks int    `json:"maxConcurrentTasks"`
	TaskTimeoutSeconds int    `json:"taskTimeoutSeconds"`
	Attribution        bool   `json:"attribution"`        // append "answered by" footer
	HelpText           string `json:"helpText,omitempty"` // overrides the built-in direct reply
}

type SlackConfig struct {
	APIURL         string `json:"apiUrl,omitempty"` // override for testing or enterprise grid proxies
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type ExistenceConfig struct {
	Enabled         bool `json:"enabled"`
	CacheTTLSeconds int  `json:"cacheTtlSeconds"`
	MaxAttempts     int  `json:"maxAttempts"`
	BackoffMillis   int  `json:"backoffMillis"` // first retry delay, doubled per attempt
}

type WhitelistConfig struct {
	CacheTTLSeconds int              `json:"cacheTtlSeconds"`
	UseStore        bool             `json:"useStore"`             // primary: whitelist_entries table
	SecretFile      string           `json:"secretFile,omitempty"` // secondary: mounted YAML/JSON secret
	Static          *StaticWhitelist `json:"static,omitempty"`     // last resort
}

// StaticWhitelist is the whitelist embedded in the config file.
type StaticWhitelist struct {
	TeamIDs    FlexStringList `json:"teamIds"`
	UserIDs    FlexStringList `json:"userIds"`
	ChannelIDs FlexStringList `json:"channelIds"`
}

// FlexStringList is a []string that also accepts numbers and a single
// comma-separated string ("C1,C2"), which is what env expansion produces.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = splitList(single)
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type RateLimitConfig struct {
	Backend       string `json:"backend"` // "redis" | "memory" | "none"
	OrgLimit      int    `json:"orgLimit"`
	UserLimit     int    `json:"userLimit"`
	WindowSeconds int    `json:"windowSeconds"`
	KeyPrefix     string `json:"keyPrefix"`
	RedisURL      string `json:"redisUrl,omitempty"`
	TimeoutMillis int    `json:"timeoutMillis"`
}

type RouterConfig struct {
	Strategy       string `json:"strategy"` // "llm" | "keyword" | "hybrid"
	APIKey         string `json:"apiKey,omitempty"`
	APIBase        string `json:"apiBase,omitempty"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// BackendConfig configures one remote backend. Name, Description and Skills
// override what the backend's agent card advertises.
type BackendConfig struct {
	URL            string            `json:"url"`
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	Skills         []SkillConfig     `json:"skills,omitempty"`
	Keywords       []string          `json:"keywords,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	DiscoverCard   bool              `json:"discoverCard"`
}

type SkillConfig struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type StorageConfig struct {
	Provider  string `json:"provider"` // "cos" | "" (disabled)
	BucketURL string `json:"bucketUrl,omitempty"`
	SecretID  string `json:"secretId,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

type TransferConfig struct {
	InlineThresholdBytes   int64 `json:"inlineThresholdBytes"`
	MaxAttachments         int   `json:"maxAttachments"`
	DownloadTimeoutSeconds int   `json:"downloadTimeoutSeconds"`
	InboundURLTTLSeconds   int   `json:"inboundUrlTtlSeconds"`
	OutboundURLTTLSeconds  int   `json:"outboundUrlTtlSeconds"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Seconds converts a config integer to a duration, falling back to def when
// the value is not positive.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.relaygate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaygate"
	}
	return filepath.Join(home, ".relaygate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	// A backends section replaces the default backend instead of merging into it.
	var probe struct {
		Backends map[string]json.RawMessage `json:"backends"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.Backends != nil {
		cfg.Backends = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Whitelist.SecretFile = ExpandPath(cfg.Whitelist.SecretFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.Gateway.MaxConcurrentTasks < 1 || cfg.Gateway.MaxConcurrentTasks > 1000 {
		errs = append(errs, "gateway.maxConcurrentTasks must be between 1 and 1000")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Existence.MaxAttempts < 1 || cfg.Existence.MaxAttempts > 10 {
		errs = append(errs, "existence.maxAttempts must be between 1 and 10")
	}

	switch cfg.RateLimit.Backend {
	case "none":
	case "memory":
	case "redis":
		if cfg.RateLimit.RedisURL == "" {
			errs = append(errs, "rateLimit.redisUrl is required for the redis backend")
		}
	default:
		errs = append(errs, "rateLimit.backend must be one of: redis, memory, none")
	}
	if cfg.RateLimit.Backend != "none" {
		if cfg.RateLimit.WindowSeconds < 1 {
			errs = append(errs, "rateLimit.windowSeconds must be >= 1")
		}
		if cfg.RateLimit.OrgLimit < 0 || cfg.RateLimit.UserLimit < 0 {
			errs = append(errs, "rateLimit limits must be >= 0")
		}
	}

	switch cfg.Router.Strategy {
	case "llm", "keyword", "hybrid":
	default:
		errs = append(errs, "router.strategy must be one of: llm, keyword, hybrid")
	}

	if len(cfg.Backends) == 0 {
		errs = append(errs, "at least one backend must be configured")
	}
	for id, b := range cfg.Backends {
		if id == "" || id == "unrouted" || id == "list_agents" || id == "direct" {
			errs = append(errs, fmt.Sprintf("backends: %q is a reserved id", id))
		}
		// An empty url is allowed; the router abstains when such a backend is chosen.
		if b.URL == "" && b.DiscoverCard {
			errs = append(errs, fmt.Sprintf("backends.%s: discoverCard requires a url", id))
		}
	}

	switch cfg.Storage.Provider {
	case "":
	case "cos":
		if cfg.Storage.BucketURL == "" {
			errs = append(errs, "storage.bucketUrl is required for the cos provider")
		}
	default:
		errs = append(errs, "storage.provider must be one of: cos")
	}

	if cfg.Transfer.InlineThresholdBytes < 1 {
		errs = append(errs, "transfer.inlineThresholdBytes must be >= 1")
	}
	if cfg.Transfer.MaxAttachments < 0 {
		errs = append(errs, "transfer.maxAttachments must be >= 0")
	}
	if cfg.Whitelist.UseStore && !cfg.Store.Enabled {
		errs = append(errs, "whitelist.useStore requires store.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
