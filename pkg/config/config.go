// Package config loads the tardis-ingest configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/inspector"
)

// Transport names.
const (
	TransportLocal = "local"
	TransportS3    = "s3"
	TransportNoop  = "noop"
)

// Config is the full configuration.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Audit     AuditConfig     `yaml:"audit"`
	Watch     WatchConfig     `yaml:"watch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CatalogConfig configures the catalog API connection.
type CatalogConfig struct {
	Hostname          string        `yaml:"hostname"`
	Username          string        `yaml:"username"`
	APIKey            string        `yaml:"api_key"`
	VerifyCertificate *bool         `yaml:"verify_certificate"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PageSize          int           `yaml:"page_size"`
	Proxy             ProxyConfig   `yaml:"proxy"`
}

// Verify reports whether TLS certificates are verified. Default true.
func (c CatalogConfig) Verify() bool {
	return c.VerifyCertificate == nil || *c.VerifyCertificate
}

// ProxyConfig routes catalog requests by scheme.
type ProxyConfig struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

// StorageConfig configures where datafile bytes go.
type StorageConfig struct {
	Box          string      `yaml:"box"`
	Transport    string      `yaml:"transport"`
	TargetPrefix string      `yaml:"target_prefix"`
	Concurrency  int         `yaml:"concurrency"`
	Local        LocalConfig `yaml:"local"`
	S3           S3Config    `yaml:"s3"`
}

// LocalConfig configures the local filesystem transport.
type LocalConfig struct {
	Destination string `yaml:"destination"`
}

// S3Config configures the S3 transport.
type S3Config struct {
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKeyID        string `yaml:"access_key_id"`
	SecretAccessKey    string `yaml:"secret_access_key"`
	ForcePathStyle     bool   `yaml:"force_path_style"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	BlockSize          int64  `yaml:"block_size"`
}

// IngestionConfig holds matching and smelting defaults.
type IngestionConfig struct {
	PartialMatchPolicy string            `yaml:"partial_match_policy"`
	DefaultSchema      map[string]string `yaml:"default_schema"`
	DefaultInstitution string            `yaml:"default_institution"`
	ReportPath         string            `yaml:"report_path"`
	VerifyETag         *bool             `yaml:"verify_etag"`
	CacheTTL           time.Duration     `yaml:"cache_ttl"`
}

// ETag reports whether S3 uploads are verified against the multipart ETag
// of each datafile. Default true.
func (c IngestionConfig) ETag() bool {
	return c.VerifyETag == nil || *c.VerifyETag
}

// Policy returns the parsed partial-match policy.
func (c IngestionConfig) Policy() (inspector.Policy, error) {
	return inspector.ParsePolicy(c.PartialMatchPolicy)
}

// Schemas returns DefaultSchema keyed by object type.
func (c IngestionConfig) Schemas() map[catalog.ObjectType]string {
	out := make(map[catalog.ObjectType]string, len(c.DefaultSchema))
	for k, v := range c.DefaultSchema {
		out[catalog.ObjectType(k)] = v
	}
	return out
}

// AuditConfig configures the outcome ledger.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	RetentionDays int    `yaml:"retention_days"`
}

// WatchConfig configures the drop-directory daemon.
type WatchConfig struct {
	Directory string        `yaml:"directory"`
	Pattern   string        `yaml:"pattern"`
	Ignore    []string      `yaml:"ignore"`
	Debounce  time.Duration `yaml:"debounce"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is from CLI args, controlled by the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, expands and validates configuration data.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Catalog.Timeout == 0 {
		cfg.Catalog.Timeout = 30 * time.Second
	}
	if cfg.Catalog.MaxAttempts == 0 {
		cfg.Catalog.MaxAttempts = 8
	}
	if cfg.Catalog.PageSize == 0 {
		cfg.Catalog.PageSize = 100
	}

	if cfg.Storage.Transport == "" {
		cfg.Storage.Transport = TransportLocal
	}
	if cfg.Storage.Concurrency == 0 {
		cfg.Storage.Concurrency = 4
	}
	if cfg.Storage.S3.MultipartThreshold == 0 {
		cfg.Storage.S3.MultipartThreshold = 100 << 20
	}
	if cfg.Storage.S3.BlockSize == 0 {
		cfg.Storage.S3.BlockSize = 8 << 20
	}

	if cfg.Ingestion.PartialMatchPolicy == "" {
		cfg.Ingestion.PartialMatchPolicy = string(inspector.PolicyBlock)
	}
	if cfg.Ingestion.CacheTTL == 0 {
		cfg.Ingestion.CacheTTL = 5 * time.Minute
	}

	if cfg.Audit.MaxOpenConns == 0 {
		cfg.Audit.MaxOpenConns = 5
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}

	if cfg.Watch.Pattern == "" {
		cfg.Watch.Pattern = "**/*.yaml"
	}
	if cfg.Watch.Ignore == nil {
		cfg.Watch.Ignore = []string{"**/.*"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 2 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Catalog.Hostname == "" {
		errs = append(errs, "catalog.hostname is required")
	}
	if c.Catalog.MaxAttempts < 1 {
		errs = append(errs, "catalog.max_attempts must be at least 1")
	}

	switch c.Storage.Transport {
	case TransportLocal:
		if c.Storage.Local.Destination == "" {
			errs = append(errs, "storage.local.destination is required for the local transport")
		}
	case TransportS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, "storage.s3.bucket is required for the s3 transport")
		}
		if c.Storage.S3.BlockSize < 5<<20 {
			errs = append(errs, "storage.s3.block_size must be at least 5MiB")
		}
	case TransportNoop:
	default:
		errs = append(errs, fmt.Sprintf("storage.transport %q is not one of local, s3, noop", c.Storage.Transport))
	}
	if c.Storage.Concurrency < 1 {
		errs = append(errs, "storage.concurrency must be at least 1")
	}

	if _, err := c.Ingestion.Policy(); err != nil {
		errs = append(errs, "ingestion.partial_match_policy: "+err.Error())
	}
	for k := range c.Ingestion.DefaultSchema {
		if !catalog.ObjectType(k).Ingestible() {
			errs = append(errs, fmt.Sprintf("ingestion.default_schema: %q is not an ingestible object type", k))
		}
	}

	if c.Audit.Enabled && c.Audit.DSN == "" {
		errs = append(errs, "audit.dsn is required when audit is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
