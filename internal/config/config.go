package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/hookdeck"
	"github.com/kalambet/deepqueue/internal/openai"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Hookdeck HookdeckConfig
	OpenAI   OpenAIConfig
	HTTP     HTTPConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port      int
	PublicURL string
	APIToken  string
}

type StorageConfig struct {
	Backend  string
	DataDir  string
	RedisURL string
}

type HookdeckConfig struct {
	APIKey        string
	SigningSecret string
	BaseURL       string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type HTTPConfig struct {
	Timeout string
}

type LogConfig struct {
	Level string
}

const defaultHTTPTimeout = 30 * time.Second

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4000,
			PublicURL: "http://localhost:4000",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Hookdeck: HookdeckConfig{
			BaseURL: hookdeck.DefaultBaseURL,
		},
		OpenAI: OpenAIConfig{
			BaseURL: openai.DefaultBaseURL,
			Model:   "o3-deep-research",
		},
		HTTP: HTTPConfig{
			Timeout: defaultHTTPTimeout.String(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, then the JSON file at
// $XDG_CONFIG_HOME/deepqueue/config.json, then DEEPQUEUE_* environment
// variables. Secrets are only read from the environment.
//
// Missing secrets are not an error here; commands that need them call
// Require.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return cfg, nil
}

// Require returns a configuration error naming every key in keys whose
// value is empty, along with the environment variable that sets it.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		s, ok := specFor(k)
		if !ok {
			return fmt.Errorf("unknown config key: %q", k)
		}
		if isZero(s.extract(c)) {
			missing = append(missing, fmt.Sprintf("%s (%s)", s.key, s.env))
		}
	}
	if len(missing) > 0 {
		return apperr.Configuration("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// HTTPTimeout parses http.timeout. An unparsable or non-positive value
// yields the default together with the parse error so callers can warn.
func (c Config) HTTPTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.HTTP.Timeout)
	if err != nil {
		return defaultHTTPTimeout, fmt.Errorf("invalid http.timeout %q: %w", c.HTTP.Timeout, err)
	}
	if d <= 0 {
		return defaultHTTPTimeout, fmt.Errorf("invalid http.timeout %q: must be positive", c.HTTP.Timeout)
	}
	return d, nil
}

// WebhookURL is the public address the broker delivers provider
// notifications to.
func (c Config) WebhookURL() string {
	return c.Server.PublicURL + hookdeck.WebhookPath
}

func isZero(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case int:
		return val == 0
	default:
		return v == nil
	}
}
