package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BATCHLINE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "batchline.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "batchline-auth"
	defaultAudience          = "batchline-api"
	defaultRateLimitMessages = 30
	defaultRateLimitWindow   = time.Minute
	defaultGracePeriod       = 60 * time.Minute
	defaultSweepInterval     = 30 * time.Minute
	defaultPushTTLSeconds    = 3600
	defaultPushLinkBaseURL   = "/"
)

var defaultUpvoteEmojis = []string{"👍", "🔥"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	TokenIssuer       string
	TokenAudience     string
	RateLimitMessages int
	RateLimitWindow   time.Duration
	GracePeriod       time.Duration
	SweepInterval     time.Duration
	UpvoteEmojis      []string
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	PushSubscriber    string
	PushTTLSeconds    int
	PushLinkBaseURL   string
	AllowedOrigins    []string
}

// PushEnabled reports whether outbound push delivery has key material.
func (c AppConfig) PushEnabled() bool {
	return strings.TrimSpace(c.VAPIDPublicKey) != "" && strings.TrimSpace(c.VAPIDPrivateKey) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("ratelimit.messages", defaultRateLimitMessages)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("channels.grace_period", defaultGracePeriod)
	configViper.SetDefault("channels.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("votes.upvote_emojis", defaultUpvoteEmojis)
	configViper.SetDefault("push.ttl_seconds", defaultPushTTLSeconds)
	configViper.SetDefault("push.link_base_url", defaultPushLinkBaseURL)
	configViper.SetDefault("websocket.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		RateLimitMessages: configViper.GetInt("ratelimit.messages"),
		RateLimitWindow:   configViper.GetDuration("ratelimit.window"),
		GracePeriod:       configViper.GetDuration("channels.grace_period"),
		SweepInterval:     configViper.GetDuration("channels.sweep_interval"),
		UpvoteEmojis:      normalizeList(configViper.GetStringSlice("votes.upvote_emojis")),
		VAPIDPublicKey:    configViper.GetString("push.vapid_public_key"),
		VAPIDPrivateKey:   configViper.GetString("push.vapid_private_key"),
		PushSubscriber:    configViper.GetString("push.subscriber"),
		PushTTLSeconds:    configViper.GetInt("push.ttl_seconds"),
		PushLinkBaseURL:   configViper.GetString("push.link_base_url"),
		AllowedOrigins:    normalizeList(configViper.GetStringSlice("websocket.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.RateLimitMessages <= 0 {
		return fmt.Errorf("ratelimit.messages must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("channels.grace_period must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("channels.sweep_interval must be positive")
	}
	if len(c.UpvoteEmojis) == 0 {
		return fmt.Errorf("votes.upvote_emojis must not be empty")
	}
	if c.PushEnabled() && strings.TrimSpace(c.PushSubscriber) == "" {
		return fmt.Errorf("push.subscriber is required when vapid keys are configured")
	}
	return nil
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
