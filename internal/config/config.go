package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Remote     RemoteConfig     `yaml:"remote"`
	Vault      VaultConfig      `yaml:"vault"`
	Sync       SyncConfig       `yaml:"sync"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
	// MaxPendingAge flips the queue health to NOT_SERVING when exceeded.
	MaxPendingAge time.Duration `yaml:"max_pending_age"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// OAuthConfig describes the authorization server of the remote task service.
type OAuthConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	DefaultTenant string   `yaml:"default_tenant"`
	// AuthURL and TokenURL override the tenant endpoint; mostly for local fakes.
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
}

type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxJitter  time.Duration `yaml:"max_jitter"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
}

type VaultConfig struct {
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	PassBudget       time.Duration `yaml:"pass_budget"`
	PassInterval     time.Duration `yaml:"pass_interval"`
	FullSyncInterval time.Duration `yaml:"full_sync_interval"`
	StaleClaimAfter  time.Duration `yaml:"stale_claim_after"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RequeueFailed    bool          `yaml:"requeue_failed"`
}

type WebhookConfig struct {
	NotificationURL      string        `yaml:"notification_url"`
	ClientState          string        `yaml:"client_state"`
	SubscriptionLifetime time.Duration `yaml:"subscription_lifetime"`
	RenewThreshold       time.Duration `yaml:"renew_threshold"`
	RenewInterval        time.Duration `yaml:"renew_interval"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.OAuth.ClientID == "" {
		return errors.New("oauth client_id is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Vault.KeyFile == "" && c.Vault.Passphrase == "" {
		return errors.New("vault key_file or passphrase is required")
	}
	if c.Vault.Passphrase != "" && c.Vault.Salt == "" {
		return errors.New("vault salt is required with a passphrase")
	}
	if c.Sync.BatchSize > 250 {
		return fmt.Errorf("sync batch_size %d exceeds 250", c.Sync.BatchSize)
	}
	if c.Webhook.NotificationURL != "" && c.Webhook.ClientState == "" {
		return errors.New("webhook client_state is required when notification_url is set")
	}
	if c.Webhook.NotificationURL != "" && !strings.HasPrefix(c.Webhook.NotificationURL, "https://") {
		return errors.New("webhook notification_url must be https")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tasksync"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.MaxPendingAge == 0 {
		c.API.GRPC.MaxPendingAge = 15 * time.Minute
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.OAuth.DefaultTenant == "" {
		c.OAuth.DefaultTenant = "common"
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = []string{"offline_access", "Tasks.ReadWrite"}
	}
	if c.OAuth.ExpiryMargin == 0 {
		c.OAuth.ExpiryMargin = 60 * time.Second
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = 3
	}
	if c.Remote.BaseDelay == 0 {
		c.Remote.BaseDelay = 500 * time.Millisecond
	}
	if c.Remote.MaxJitter == 0 {
		c.Remote.MaxJitter = 200 * time.Millisecond
	}
	if c.Remote.MaxDelay == 0 {
		c.Remote.MaxDelay = time.Minute
	}
	if c.Remote.RPS == 0 {
		c.Remote.RPS = 4
	}
	if c.Remote.Burst == 0 {
		c.Remote.Burst = 8
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.PassBudget == 0 {
		c.Sync.PassBudget = 2 * time.Minute
	}
	if c.Sync.PassInterval == 0 {
		c.Sync.PassInterval = 30 * time.Second
	}
	if c.Sync.FullSyncInterval == 0 {
		c.Sync.FullSyncInterval = 6 * time.Hour
	}
	if c.Sync.StaleClaimAfter == 0 {
		c.Sync.StaleClaimAfter = 15 * time.Minute
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}

	if c.Webhook.SubscriptionLifetime == 0 {
		c.Webhook.SubscriptionLifetime = 70 * time.Hour
	}
	if c.Webhook.RenewThreshold == 0 {
		c.Webhook.RenewThreshold = 12 * time.Hour
	}
	if c.Webhook.RenewInterval == 0 {
		c.Webhook.RenewInterval = time.Hour
	}
}
