package infra

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"collswap/internal/domain"

	"gopkg.in/yaml.v3"
)

// Feed kinds accepted in chain.feed.
const (
	FeedWebSocket = "websocket"
	FeedNATS      = "nats"
	FeedNone      = "none"
)

// Config holds every setting of the order book daemon.
// After LoadConfig, secrets and endpoints can be overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Chain struct {
		Feed          string   `yaml:"feed"`
		WSURL         string   `yaml:"ws_url"`
		NATSURL       string   `yaml:"nats_url"`
		NATSSubject   string   `yaml:"nats_subject"`
		RestURL       string   `yaml:"rest_url"`
		KnownTokens   []string `yaml:"known_tokens"`
		InboxSize     int      `yaml:"inbox_size"`
		WebhookSecret string   `yaml:"webhook_secret"` // enables signed POST /api/chain/events
	} `yaml:"chain"`

	Settlement struct {
		GatewayURL    string `yaml:"gateway_url"`
		APIKey        string `yaml:"api_key"`
		APISecret     string `yaml:"api_secret"`
		TimeoutMS     int    `yaml:"timeout_ms"`
		RouterAddress string `yaml:"router_address"`
		PivAddress    string `yaml:"piv_address"`
	} `yaml:"settlement"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)}
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Err: err}
	}

	cfg.applyDefaults()

	// Secrets come from the environment when present
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "orderbookd"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Chain.Feed == "" {
		c.Chain.Feed = FeedNone
	}
	if c.Chain.NATSSubject == "" {
		c.Chain.NATSSubject = "chain.orders"
	}
	if c.Chain.InboxSize <= 0 {
		c.Chain.InboxSize = 1024
	}
	if c.Settlement.TimeoutMS <= 0 {
		c.Settlement.TimeoutMS = 15000
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Chain.Feed {
	case FeedWebSocket:
		if !hasPrefix(c.Chain.WSURL, "ws://") && !hasPrefix(c.Chain.WSURL, "wss://") {
			return &domain.ConfigError{Field: "chain.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Chain.WSURL)}
		}
	case FeedNATS:
		if !hasPrefix(c.Chain.NATSURL, "nats://") && !hasPrefix(c.Chain.NATSURL, "tls://") {
			return &domain.ConfigError{Field: "chain.nats_url", Err: fmt.Errorf("invalid NATS URL %q", c.Chain.NATSURL)}
		}
	case FeedNone:
	default:
		return &domain.ConfigError{Field: "chain.feed", Err: fmt.Errorf("unknown feed %q", c.Chain.Feed)}
	}

	if c.Chain.RestURL != "" {
		if err := checkHTTPURL(c.Chain.RestURL); err != nil {
			return &domain.ConfigError{Field: "chain.rest_url", Err: err}
		}
	}
	if c.Settlement.GatewayURL != "" {
		if err := checkHTTPURL(c.Settlement.GatewayURL); err != nil {
			return &domain.ConfigError{Field: "settlement.gateway_url", Err: err}
		}
		if c.Settlement.APIKey == "" || c.Settlement.APISecret == "" {
			return &domain.ConfigError{Field: "settlement.api_key", Err: fmt.Errorf("gateway credentials are required")}
		}
	}

	for _, t := range c.Chain.KnownTokens {
		if strings.TrimSpace(t) == "" {
			return &domain.ConfigError{Field: "chain.known_tokens", Err: fmt.Errorf("empty token")}
		}
	}

	return nil
}

// SettlementTimeout returns the bound on one settlement call.
func (c *Config) SettlementTimeout() time.Duration {
	return time.Duration(c.Settlement.TimeoutMS) * time.Millisecond
}

// ContractConfigured reports whether a settlement gateway is set up.
func (c *Config) ContractConfigured() bool {
	return c.Settlement.GatewayURL != "" && c.Settlement.RouterAddress != ""
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid HTTP URL %q", raw)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv replaces settings with environment variables when they are set.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("COLLSWAP_SETTLEMENT_KEY"); key != "" {
		cfg.Settlement.APIKey = key
	}
	if secret := os.Getenv("COLLSWAP_SETTLEMENT_SECRET"); secret != "" {
		cfg.Settlement.APISecret = secret
	}
	if path := os.Getenv("COLLSWAP_DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if u := os.Getenv("COLLSWAP_CHAIN_WS_URL"); u != "" {
		cfg.Chain.WSURL = u
	}
	if u := os.Getenv("COLLSWAP_NATS_URL"); u != "" {
		cfg.Chain.NATSURL = u
	}
	if secret := os.Getenv("COLLSWAP_WEBHOOK_SECRET"); secret != "" {
		cfg.Chain.WebhookSecret = secret
	}
}
