package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	MySQL    MySQLConfig    `koanf:"mysql"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Dispatch DispatchConfig `koanf:"dispatch"`

	// UpstreamsJSON is the decryption fleet as a JSON array of
	// {url, username, password}. A string (rather than a YAML list) so the
	// whole fleet can be injected through a single environment variable,
	// which is how deployments rotate upstream credentials.
	UpstreamsJSON string `koanf:"upstreams"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	// AdminToken guards /api/server/stats when non-empty.
	AdminToken string `koanf:"admin_token"`
}

type MySQLConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type AuthConfig struct {
	// AESKey and AESIV decrypt the AES/CBC/PKCS5 password column of the
	// external user store. Both must be exactly 16 bytes.
	AESKey    string `koanf:"aes_key"`
	AESIV     string `koanf:"aes_iv"`
	JWTSecret string `koanf:"jwt_secret"`
}

type DispatchConfig struct {
	// RateLimit bounds requests per second against the upstream fleet.
	RateLimit int `koanf:"rate_limit"`
	// MaxConcurrency bounds simultaneous in-flight upstream calls.
	MaxConcurrency          int `koanf:"max_concurrency"`
	QueueWaitTimeoutSeconds int `koanf:"queue_wait_timeout_seconds"`
	MaxQueueSize            int `koanf:"max_queue_size"`
	// BusyTimeoutSeconds is both the upstream BUSY duration and the
	// processing-entry TTL; a stuck drone id recovers on the same clock as
	// the upstream it was assigned to.
	BusyTimeoutSeconds int `koanf:"busy_timeout_seconds"`
	TokenRefreshHours  int `koanf:"token_refresh_hours"`
}

// UpstreamConfig is one decryption server of the fleet.
type UpstreamConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: DRONE_GATEWAY_MYSQL__DSN → mysql.dsn
	if err := k.Load(env.Provider("DRONE_GATEWAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DRONE_GATEWAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8765",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		MySQL: MySQLConfig{
			MaxOpenConns: 100,
			MaxIdleConns: 50,
		},
		Dispatch: DispatchConfig{
			RateLimit:               200,
			MaxConcurrency:          200,
			QueueWaitTimeoutSeconds: 300,
			MaxQueueSize:            200,
			BusyTimeoutSeconds:      36,
			TokenRefreshHours:       23,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("config: mysql.dsn is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if len(c.Auth.AESKey) != 16 {
		return fmt.Errorf("config: auth.aes_key must be exactly 16 bytes (got %d)", len(c.Auth.AESKey))
	}
	if len(c.Auth.AESIV) != 16 {
		return fmt.Errorf("config: auth.aes_iv must be exactly 16 bytes (got %d)", len(c.Auth.AESIV))
	}
	if c.Dispatch.RateLimit <= 0 {
		return fmt.Errorf("config: dispatch.rate_limit must be > 0 (got %d)", c.Dispatch.RateLimit)
	}
	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("config: dispatch.max_concurrency must be > 0 (got %d)", c.Dispatch.MaxConcurrency)
	}
	if c.Dispatch.QueueWaitTimeoutSeconds <= 0 {
		return fmt.Errorf("config: dispatch.queue_wait_timeout_seconds must be > 0 (got %d)", c.Dispatch.QueueWaitTimeoutSeconds)
	}
	if c.Dispatch.MaxQueueSize <= 0 {
		return fmt.Errorf("config: dispatch.max_queue_size must be > 0 (got %d)", c.Dispatch.MaxQueueSize)
	}
	if c.Dispatch.BusyTimeoutSeconds <= 0 {
		return fmt.Errorf("config: dispatch.busy_timeout_seconds must be > 0 (got %d)", c.Dispatch.BusyTimeoutSeconds)
	}
	if c.Dispatch.TokenRefreshHours <= 0 {
		return fmt.Errorf("config: dispatch.token_refresh_hours must be > 0 (got %d)", c.Dispatch.TokenRefreshHours)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := c.Upstreams(); err != nil {
		return err
	}
	return nil
}

// Upstreams parses the fleet description. At least one upstream is required.
func (c *Config) Upstreams() ([]UpstreamConfig, error) {
	if strings.TrimSpace(c.UpstreamsJSON) == "" {
		return nil, fmt.Errorf("config: upstreams is required")
	}
	var ups []UpstreamConfig
	if err := json.Unmarshal([]byte(c.UpstreamsJSON), &ups); err != nil {
		return nil, fmt.Errorf("config: upstreams is not a valid JSON array: %w", err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("config: upstreams must list at least one server")
	}
	for i, u := range ups {
		if u.URL == "" {
			return nil, fmt.Errorf("config: upstreams[%d].url is required", i)
		}
		if u.Username == "" || u.Password == "" {
			return nil, fmt.Errorf("config: upstreams[%d] needs username and password", i)
		}
	}
	return ups, nil
}
