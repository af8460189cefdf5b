// Package config loads service settings from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	DBMigrate   bool   `yaml:"dbMigrate"`
	RedisURL    string `yaml:"redisUrl"`
	AMQPURL     string `yaml:"amqpUrl"`

	Directions Directions `yaml:"directions"`
	Engine     Engine     `yaml:"engine"`
	Monitor    Monitor    `yaml:"monitor"`
	Webhooks   Webhooks   `yaml:"webhooks"`
	RateLimit  RateLimit  `yaml:"rateLimit"`
}

// Directions selects the distance/ETA provider. An empty URL means
// straight-line estimates.
type Directions struct {
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

type Engine struct {
	MaxOrders      int           `yaml:"maxOrders"`
	RetryBudget    int           `yaml:"retryBudget"`
	MaxIterations  int           `yaml:"maxIterations"`
	Parallelism    int           `yaml:"parallelism"`
	ServiceSec     int           `yaml:"serviceSec"`
	ComputeTimeout time.Duration `yaml:"computeTimeout"`
}

type Monitor struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold float64       `yaml:"threshold"`
	MinGain   float64       `yaml:"minGain"`
	// Channel is the Redis pub/sub channel of the conditions feed.
	Channel string `yaml:"channel"`
}

// Webhooks targets the wallet collaborator.
type Webhooks struct {
	WalletURL    string        `yaml:"walletUrl"`
	WalletSecret string        `yaml:"walletSecret"`
	Events       []string      `yaml:"events"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	Interval     time.Duration `yaml:"interval"`
	Exchange     string        `yaml:"exchange"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Port:      "8080",
		DBMigrate: true,
		Directions: Directions{
			Timeout:  5 * time.Second,
			RPS:      10,
			Burst:    20,
			CacheTTL: 5 * time.Minute,
		},
		Engine: Engine{
			MaxOrders:      3,
			RetryBudget:    1,
			MaxIterations:  50,
			Parallelism:    4,
			ServiceSec:     120,
			ComputeTimeout: 30 * time.Second,
		},
		Monitor: Monitor{
			Interval:  45 * time.Second,
			Threshold: 25,
			MinGain:   5,
			Channel:   "conditions",
		},
		Webhooks: Webhooks{
			Events:      []string{"order.delivered"},
			MaxAttempts: 10,
			Interval:    2 * time.Second,
			Exchange:    "batch_events",
		},
		RateLimit: RateLimit{RPS: 20, Burst: 40},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("AMQP_URL", &c.AMQPURL)
	str("DIRECTIONS_URL", &c.Directions.URL)
	str("DIRECTIONS_API_KEY", &c.Directions.APIKey)
	str("WALLET_WEBHOOK_URL", &c.Webhooks.WalletURL)
	str("WALLET_WEBHOOK_SECRET", &c.Webhooks.WalletSecret)
	str("CONDITIONS_CHANNEL", &c.Monitor.Channel)
	if v := getenv("DB_MIGRATE"); v != "" {
		c.DBMigrate = v != "false"
	}

	var errs []string
	num := func(key string, set func(string) error) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			}
		}
	}
	float := func(dst *float64) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return err }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.Atoi(v); return err }
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) { *dst, err = time.ParseDuration(v); return err }
	}
	num("DIRECTIONS_RPS", float(&c.Directions.RPS))
	num("RATE_RPS", float(&c.RateLimit.RPS))
	num("RATE_BURST", integer(&c.RateLimit.Burst))
	num("RETRY_BUDGET", integer(&c.Engine.RetryBudget))
	num("MAX_ORDERS", integer(&c.Engine.MaxOrders))
	num("WEBHOOK_MAX_ATTEMPTS", integer(&c.Webhooks.MaxAttempts))
	num("MONITOR_INTERVAL", duration(&c.Monitor.Interval))
	if len(errs) > 0 {
		return fmt.Errorf("config env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Engine.MaxOrders < 2:
		return fmt.Errorf("engine.maxOrders must be at least 2, got %d", c.Engine.MaxOrders)
	case c.Engine.RetryBudget < 0:
		return fmt.Errorf("engine.retryBudget must be >= 0")
	case c.Monitor.Interval <= 0:
		return fmt.Errorf("monitor.interval must be positive")
	case c.Monitor.Threshold < 0 || c.Monitor.Threshold > 100:
		return fmt.Errorf("monitor.threshold must be in [0,100]")
	case c.Webhooks.WalletURL != "" && c.Webhooks.WalletSecret == "":
		return fmt.Errorf("webhooks.walletSecret is required with a wallet URL")
	}
	return nil
}

// Redacted is safe to show on the debug endpoint.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"port":              c.Port,
		"hasDatabaseUrl":    c.DatabaseURL != "",
		"hasRedisUrl":       c.RedisURL != "",
		"hasAmqpUrl":        c.AMQPURL != "",
		"directionsUrl":     c.Directions.URL,
		"directionsRps":     c.Directions.RPS,
		"monitorInterval":   c.Monitor.Interval.String(),
		"monitorThreshold":  c.Monitor.Threshold,
		"monitorMinGain":    c.Monitor.MinGain,
		"maxOrders":         c.Engine.MaxOrders,
		"retryBudget":       c.Engine.RetryBudget,
		"hasWalletWebhook":  c.Webhooks.WalletURL != "",
		"webhookMaxAttempt": c.Webhooks.MaxAttempts,
		"rateRps":           c.RateLimit.RPS,
		"rateBurst":         c.RateLimit.Burst,
	}
}
