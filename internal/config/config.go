package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"tradeloop-engine/internal/models"
)

// Config is the process-level configuration. Values can come from a yaml
// file, environment variables, or both; the environment wins.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	APIPort     int    `yaml:"api_port"`
	AdminSecret string `yaml:"admin_secret"`

	// EnumWorkers is the width of the shared cycle-enumeration pool.
	EnumWorkers int `yaml:"enum_workers"`

	// BackpressureHighWater is the fraction of a tenant's event buffer
	// beyond which mutations are rejected with TenantBusy.
	BackpressureHighWater float64 `yaml:"backpressure_high_water"`

	// ResolverCacheSize and ResolverTTL bound the shared collection
	// resolver cache.
	ResolverCacheSize int           `yaml:"resolver_cache_size"`
	ResolverTTL       time.Duration `yaml:"resolver_ttl_seconds"`

	// Webhook delivery tuning.
	WebhookMaxAttempts  int           `yaml:"webhook_max_attempts"`
	WebhookBackoffBase  time.Duration `yaml:"webhook_backoff_base_seconds"`
	WebhookParkAfter    int           `yaml:"webhook_park_after"`
	WebhookHTTPTimeout  time.Duration `yaml:"webhook_http_timeout_seconds"`

	TenantDefaults models.TenantConfig `yaml:"tenant_defaults"`
}

// fileConfig is the yaml shape; durations are plain seconds on disk.
type fileConfig struct {
	DatabaseURL           string  `yaml:"database_url"`
	APIPort               int     `yaml:"api_port"`
	AdminSecret           string  `yaml:"admin_secret"`
	EnumWorkers           int     `yaml:"enum_workers"`
	BackpressureHighWater float64 `yaml:"backpressure_high_water"`
	ResolverCacheSize     int     `yaml:"resolver_cache_size"`
	ResolverTTLSeconds    int     `yaml:"resolver_ttl_seconds"`
	WebhookMaxAttempts    int     `yaml:"webhook_max_attempts"`
	WebhookBackoffBaseSec int     `yaml:"webhook_backoff_base_seconds"`
	WebhookParkAfter      int     `yaml:"webhook_park_after"`
	WebhookHTTPTimeoutSec int     `yaml:"webhook_http_timeout_seconds"`

	TenantDefaults struct {
		MaxDepth            int                `yaml:"max_depth"`
		MinScore            float64            `yaml:"min_score"`
		MaxLoopsPerRequest  int                `yaml:"max_loops_per_request"`
		MaxCommunitySize    int                `yaml:"max_community_size"`
		CommunityThreshold  int                `yaml:"community_threshold"`
		Flags               models.TenantFlags `yaml:"flags"`
		IngestRPS           float64            `yaml:"ingest_rps"`
		IngestBurst         int                `yaml:"ingest_burst"`
		EventBufferSize     int                `yaml:"event_buffer_size"`
		DiscoveryTimeoutSec int                `yaml:"discovery_timeout_seconds"`
		RetainCompletedSec  int                `yaml:"retain_completed_seconds"`
	} `yaml:"tenant_defaults"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		APIPort:               8080,
		EnumWorkers:           8,
		BackpressureHighWater: 0.9,
		ResolverCacheSize:     4096,
		ResolverTTL:           10 * time.Minute,
		WebhookMaxAttempts:    5,
		WebhookBackoffBase:    2 * time.Second,
		WebhookParkAfter:      10,
		WebhookHTTPTimeout:    10 * time.Second,
		TenantDefaults: models.TenantConfig{
			MaxDepth:           8,
			MinScore:           0.4,
			MaxLoopsPerRequest: 100,
			MaxCommunitySize:   500,
			CommunityThreshold: 200,
			Flags: models.TenantFlags{
				CollectionWants: true,
				SCC:             true,
				// Community detection ships disabled; the break-even
				// point versus pure SCC enumeration is empirical.
				CommunityDetection: false,
				BloomDedup:         true,
			},
			IngestRPS:        100,
			IngestBurst:      200,
			EventBufferSize:  1024,
			DiscoveryTimeout: 30 * time.Second,
			RetainCompleted:  24 * time.Hour,
		},
	}
}

// Load reads the yaml file at path, layered over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Default()
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.APIPort != 0 {
		cfg.APIPort = fc.APIPort
	}
	if fc.AdminSecret != "" {
		cfg.AdminSecret = fc.AdminSecret
	}
	if fc.EnumWorkers != 0 {
		cfg.EnumWorkers = fc.EnumWorkers
	}
	if fc.BackpressureHighWater != 0 {
		cfg.BackpressureHighWater = fc.BackpressureHighWater
	}
	if fc.ResolverCacheSize != 0 {
		cfg.ResolverCacheSize = fc.ResolverCacheSize
	}
	if fc.ResolverTTLSeconds != 0 {
		cfg.ResolverTTL = time.Duration(fc.ResolverTTLSeconds) * time.Second
	}
	if fc.WebhookMaxAttempts != 0 {
		cfg.WebhookMaxAttempts = fc.WebhookMaxAttempts
	}
	if fc.WebhookBackoffBaseSec != 0 {
		cfg.WebhookBackoffBase = time.Duration(fc.WebhookBackoffBaseSec) * time.Second
	}
	if fc.WebhookParkAfter != 0 {
		cfg.WebhookParkAfter = fc.WebhookParkAfter
	}
	if fc.WebhookHTTPTimeoutSec != 0 {
		cfg.WebhookHTTPTimeout = time.Duration(fc.WebhookHTTPTimeoutSec) * time.Second
	}

	td := fc.TenantDefaults
	if td.MaxDepth != 0 {
		cfg.TenantDefaults.MaxDepth = td.MaxDepth
	}
	if td.MinScore != 0 {
		cfg.TenantDefaults.MinScore = td.MinScore
	}
	if td.MaxLoopsPerRequest != 0 {
		cfg.TenantDefaults.MaxLoopsPerRequest = td.MaxLoopsPerRequest
	}
	if td.MaxCommunitySize != 0 {
		cfg.TenantDefaults.MaxCommunitySize = td.MaxCommunitySize
	}
	if td.CommunityThreshold != 0 {
		cfg.TenantDefaults.CommunityThreshold = td.CommunityThreshold
	}
	if td.IngestRPS != 0 {
		cfg.TenantDefaults.IngestRPS = td.IngestRPS
	}
	if td.IngestBurst != 0 {
		cfg.TenantDefaults.IngestBurst = td.IngestBurst
	}
	if td.EventBufferSize != 0 {
		cfg.TenantDefaults.EventBufferSize = td.EventBufferSize
	}
	if td.DiscoveryTimeoutSec != 0 {
		cfg.TenantDefaults.DiscoveryTimeout = time.Duration(td.DiscoveryTimeoutSec) * time.Second
	}
	if td.RetainCompletedSec != 0 {
		cfg.TenantDefaults.RetainCompleted = time.Duration(td.RetainCompletedSec) * time.Second
	}
	return cfg, nil
}

// FromEnv applies environment overrides on top of cfg and returns it.
func FromEnv(cfg *Config) *Config {
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		cfg.AdminSecret = v
	}
	if v := os.Getenv("ENUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnumWorkers = n
		}
	}
	return cfg
}
