// Package config resolves service settings from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir       = ".mpk"
	defaultWorkers       = 4
	defaultLockTTL       = 30 * time.Second
	defaultHTTPAddr      = ":8088"
	defaultMetricsAddr   = ":9098"
	defaultEventsSubject = "mpk.events"
	defaultMaxFiles      = 4096
	defaultMaxFileBytes  = 64 << 20
	defaultMaxTotalBytes = 512 << 20

	envConfigPath         = "MPK_CONFIG_PATH"
	envDataDir            = "MPK_DATA_DIR"
	envStagingRoot        = "MPK_STAGING_ROOT"
	envInstallRoot        = "MPK_INSTALL_ROOT"
	envRegistryPath       = "MPK_REGISTRY_PATH"
	envWorkers            = "MPK_WORKERS"
	envRequireSignature   = "MPK_REQUIRE_SIGNATURE"
	envAllowedPermissions = "MPK_ALLOWED_PERMISSIONS"
	envPlatform           = "MPK_PLATFORM"
	envPlatformVersion    = "MPK_PLATFORM_VERSION"
	envLockTTL            = "MPK_LOCK_TTL"
	envMaxFiles           = "MPK_MAX_FILES"
	envMaxFileBytes       = "MPK_MAX_FILE_BYTES"
	envMaxTotalBytes      = "MPK_MAX_TOTAL_BYTES"
	envRedisURL           = "REDIS_URL"
	envNATSURL            = "NATS_URL"
	envHTTPAddr           = "MPK_HTTP_ADDR"
	envMetricsAddr        = "MPK_METRICS_ADDR"
	envEventsSubject      = "MPK_EVENTS_SUBJECT"
)

// Limits caps what a single archive may expand to.
type Limits struct {
	MaxFiles      int   `yaml:"max_files"`
	MaxFileBytes  int64 `yaml:"max_file_bytes"`
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
}

// Config holds runtime configuration for mpkd and mpkctl.
type Config struct {
	StagingRoot        string
	InstallRoot        string
	RegistryPath       string
	Workers            int
	RequireSignature   bool
	AllowedPermissions []string
	Platform           string
	PlatformVersion    string
	LockTTL            time.Duration
	Limits             Limits

	// Empty RedisURL keeps locks and the registry in-process/on-disk.
	RedisURL string
	// Empty NatsURL disables event publishing on the bus.
	NatsURL       string
	HTTPAddr      string
	MetricsAddr   string
	EventsSubject string
}

type fileConfig struct {
	StagingRoot        *string  `yaml:"staging_root"`
	InstallRoot        *string  `yaml:"install_root"`
	RegistryPath       *string  `yaml:"registry_path"`
	Workers            *int     `yaml:"workers"`
	RequireSignature   *bool    `yaml:"require_signature"`
	AllowedPermissions []string `yaml:"allowed_permissions"`
	Platform           *string  `yaml:"platform"`
	PlatformVersion    *string  `yaml:"platform_version"`
	LockTTL            *string  `yaml:"lock_ttl"`
	Limits             *Limits  `yaml:"limits"`
	RedisURL           *string  `yaml:"redis_url"`
	NatsURL            *string  `yaml:"nats_url"`
	HTTPAddr           *string  `yaml:"http_addr"`
	MetricsAddr        *string  `yaml:"metrics_addr"`
	EventsSubject      *string  `yaml:"events_subject"`
}

// Default returns configuration rooted at dataDir.
func Default(dataDir string) *Config {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = defaultDataDir
	}
	return &Config{
		StagingRoot:   filepath.Join(dataDir, "staging"),
		InstallRoot:   filepath.Join(dataDir, "packages"),
		RegistryPath:  filepath.Join(dataDir, "registry.json"),
		Workers:       defaultWorkers,
		LockTTL:       defaultLockTTL,
		HTTPAddr:      defaultHTTPAddr,
		MetricsAddr:   defaultMetricsAddr,
		EventsSubject: defaultEventsSubject,
		Limits: Limits{
			MaxFiles:      defaultMaxFiles,
			MaxFileBytes:  defaultMaxFileBytes,
			MaxTotalBytes: defaultMaxTotalBytes,
		},
	}
}

// Load returns configuration from defaults, the file named by
// MPK_CONFIG_PATH (if any) and environment overrides.
func Load() (*Config, error) {
	cfg := Default(os.Getenv(envDataDir))
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := c.Apply(data); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// Apply merges a YAML (or JSON) document over c after schema validation.
func (c *Config) Apply(data []byte) error {
	if err := validateConfigSchema("mpk", serviceSchemaFile, data); err != nil {
		return err
	}
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse mpk config: %w", err)
	}
	setString(&c.StagingRoot, raw.StagingRoot)
	setString(&c.InstallRoot, raw.InstallRoot)
	setString(&c.RegistryPath, raw.RegistryPath)
	setString(&c.Platform, raw.Platform)
	setString(&c.PlatformVersion, raw.PlatformVersion)
	setString(&c.RedisURL, raw.RedisURL)
	setString(&c.NatsURL, raw.NatsURL)
	setString(&c.HTTPAddr, raw.HTTPAddr)
	setString(&c.MetricsAddr, raw.MetricsAddr)
	setString(&c.EventsSubject, raw.EventsSubject)
	if raw.Workers != nil {
		c.Workers = *raw.Workers
	}
	if raw.RequireSignature != nil {
		c.RequireSignature = *raw.RequireSignature
	}
	if raw.AllowedPermissions != nil {
		c.AllowedPermissions = raw.AllowedPermissions
	}
	if raw.LockTTL != nil {
		d, err := time.ParseDuration(*raw.LockTTL)
		if err != nil {
			return fmt.Errorf("parse lock_ttl: %w", err)
		}
		c.LockTTL = d
	}
	if raw.Limits != nil {
		c.Limits.merge(*raw.Limits)
	}
	return nil
}

func (l *Limits) merge(o Limits) {
	if o.MaxFiles > 0 {
		l.MaxFiles = o.MaxFiles
	}
	if o.MaxFileBytes > 0 {
		l.MaxFileBytes = o.MaxFileBytes
	}
	if o.MaxTotalBytes > 0 {
		l.MaxTotalBytes = o.MaxTotalBytes
	}
}

func (c *Config) applyEnv() error {
	envString(&c.StagingRoot, envStagingRoot)
	envString(&c.InstallRoot, envInstallRoot)
	envString(&c.RegistryPath, envRegistryPath)
	envString(&c.Platform, envPlatform)
	envString(&c.PlatformVersion, envPlatformVersion)
	envString(&c.RedisURL, envRedisURL)
	envString(&c.NatsURL, envNATSURL)
	envString(&c.HTTPAddr, envHTTPAddr)
	envString(&c.MetricsAddr, envMetricsAddr)
	envString(&c.EventsSubject, envEventsSubject)
	if raw := envValue(envAllowedPermissions); raw != "" {
		c.AllowedPermissions = splitList(raw)
	}
	if raw := envValue(envRequireSignature); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envRequireSignature, err)
		}
		c.RequireSignature = v
	}
	if raw := envValue(envLockTTL); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envLockTTL, err)
		}
		c.LockTTL = d
	}
	ints := []struct {
		key string
		dst *int64
	}{
		{envMaxFileBytes, &c.Limits.MaxFileBytes},
		{envMaxTotalBytes, &c.Limits.MaxTotalBytes},
	}
	for _, item := range ints {
		if raw := envValue(item.key); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = v
		}
	}
	for key, dst := range map[string]*int{envWorkers: &c.Workers, envMaxFiles: &c.Limits.MaxFiles} {
		if raw := envValue(key); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = v
		}
	}
	return nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StagingRoot) == "" || strings.TrimSpace(c.InstallRoot) == "" {
		errs = append(errs, errors.New("staging and install roots required"))
	} else if filepath.Clean(c.StagingRoot) == filepath.Clean(c.InstallRoot) {
		errs = append(errs, errors.New("staging and install roots must differ"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock ttl must be positive, got %s", c.LockTTL))
	}
	if c.Limits.MaxFiles < 1 || c.Limits.MaxFileBytes < 1 || c.Limits.MaxTotalBytes < 1 {
		errs = append(errs, errors.New("archive limits must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func envString(dst *string, key string) {
	if v := envValue(key); v != "" {
		*dst = v
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
