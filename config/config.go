// Package config loads the aptg configuration file. A loaded Config is an
// immutable snapshot; reloading produces a new one.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/wolfeidau/aptg/audit"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/pipeline"
	"github.com/wolfeidau/aptg/policy"
	"github.com/wolfeidau/aptg/repo"
)

// EnvPrefix prefixes environment overrides, e.g. APTG_UPSTREAM_URL.
const EnvPrefix = "APTG"

// Config is the complete configuration.
type Config struct {
	Listen          string         `mapstructure:"listen" validate:"required,hostname_port"`
	CredentialsFile string         `mapstructure:"credentials_file" validate:"omitempty,file"`
	Upstream        UpstreamConfig `mapstructure:"upstream"`
	Storage         StorageConfig  `mapstructure:"storage"`
	Keyring         KeyringConfig  `mapstructure:"keyring"`
	Policy          policy.Config  `mapstructure:"policy"`
	GeoIP           geoip.Config   `mapstructure:"geoip"`
	TTL             TTLConfig      `mapstructure:"ttl"`
	Reaper          ReaperConfig   `mapstructure:"reaper"`
	Audit           AuditConfig    `mapstructure:"audit"`
	Log             LogConfig      `mapstructure:"log"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
}

// UpstreamConfig describes the mirror being proxied.
type UpstreamConfig struct {
	URL         string        `mapstructure:"url" validate:"required,url"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts uint          `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	// FillTimeout bounds one shared fill including retries and a release
	// bootstrap.
	FillTimeout time.Duration `mapstructure:"fill_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Dir    string `mapstructure:"dir" validate:"required"`
	NoSync bool   `mapstructure:"no_sync"`
}

// KeyringConfig lists key files or directories of trusted archive keys.
type KeyringConfig struct {
	Paths []string `mapstructure:"paths" validate:"required,min=1,dive,required"`
}

type TTLConfig struct {
	MetadataShort time.Duration `mapstructure:"metadata_short" validate:"gte=0"`
	IndexMedium   time.Duration `mapstructure:"index_medium" validate:"gte=0"`
	ImmutableLong time.Duration `mapstructure:"immutable_long" validate:"gte=0"`
}

type ReaperConfig struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	Grace     time.Duration `mapstructure:"grace" validate:"gte=0"`
	MaxSize   int64         `mapstructure:"max_size" validate:"gte=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
}

type AuditConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
	Chain      bool   `mapstructure:"chain"`
	Stdout     bool   `mapstructure:"stdout"`
	RingSize   int    `mapstructure:"ring_size" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type MetricsConfig struct {
	Prometheus    bool          `mapstructure:"prometheus"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint" validate:"omitempty,hostname_port"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("upstream.url", "https://deb.debian.org/debian")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.fill_timeout", pipeline.DefaultFillTimeout.String())
	v.SetDefault("storage.dir", "./aptg-cache")
	v.SetDefault("keyring.paths", []string{"/usr/share/keyrings/debian-archive-keyring.gpg"})
	v.SetDefault("geoip.enabled", false)
	v.SetDefault("geoip.database", "/var/lib/GeoIP/GeoLite2-City.mmdb")
	v.SetDefault("geoip.default.action", string(geoip.ActionAllow))
	v.SetDefault("ttl.metadata_short", repo.DefaultMetadataShort.String())
	v.SetDefault("ttl.index_medium", repo.DefaultIndexMedium.String())
	v.SetDefault("ttl.immutable_long", repo.DefaultImmutableLong.String())

	reaper := cache.DefaultReaperConfig()
	v.SetDefault("reaper.interval", reaper.Interval.String())
	v.SetDefault("reaper.grace", reaper.Grace.String())
	v.SetDefault("reaper.max_size", reaper.MaxSize)
	v.SetDefault("reaper.batch_size", reaper.BatchSize)

	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.compress", true)
	v.SetDefault("audit.chain", true)
	v.SetDefault("audit.ring_size", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.flush_interval", "10s")
}

// Load reads path (TOML, YAML or JSON by extension), applies defaults and
// APTG_* environment overrides, and validates the result. An empty path
// loads defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		byteSizeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage dir: %w", err)
	}
	cfg.Storage.Dir = dir
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and compiles the policy rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := policy.Compile(c.Policy); err != nil {
		return fmt.Errorf("invalid config: policy: %w", err)
	}
	if _, err := geoip.Compile(c.GeoIP); err != nil {
		return fmt.Errorf("invalid config: geoip: %w", err)
	}
	return nil
}

// Settings returns the reloadable part of the configuration.
func (c *Config) Settings() (pipeline.Settings, error) {
	rules, err := policy.Compile(c.Policy)
	if err != nil {
		return pipeline.Settings{}, err
	}
	s := pipeline.Settings{Rules: rules, TTL: c.TTLPolicy()}
	if c.GeoIP.Enabled {
		if s.Geo, err = geoip.Compile(c.GeoIP); err != nil {
			return pipeline.Settings{}, err
		}
	}
	return s, nil
}

func (c *Config) TTLPolicy() repo.TTLPolicy {
	return repo.TTLPolicy{
		MetadataShort: c.TTL.MetadataShort,
		IndexMedium:   c.TTL.IndexMedium,
		ImmutableLong: c.TTL.ImmutableLong,
	}
}

func (c *Config) ReaperConfig() cache.ReaperConfig {
	return cache.ReaperConfig{
		Grace:     c.Reaper.Grace,
		MaxSize:   c.Reaper.MaxSize,
		Interval:  c.Reaper.Interval,
		BatchSize: c.Reaper.BatchSize,
	}
}

func (c *Config) AuditFileConfig() audit.FileConfig {
	return audit.FileConfig{
		Path:       c.Audit.File,
		MaxSizeMB:  c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
		MaxAgeDays: c.Audit.MaxAgeDays,
		Compress:   c.Audit.Compress,
		Chain:      c.Audit.Chain,
	}
}

// MetadbPath is the bbolt file under the storage dir.
func (c *Config) MetadbPath() string {
	return filepath.Join(c.Storage.Dir, "meta.db")
}

func (c *Config) BlobDir() string {
	return filepath.Join(c.Storage.Dir, "blobs")
}

func (c *Config) TempDir() string {
	return filepath.Join(c.Storage.Dir, "tmp")
}

// Changed lists the top-level sections that differ in next but only take
// effect on restart.
func (c *Config) Changed(next *Config) []string {
	var changed []string
	if c.Listen != next.Listen {
		changed = append(changed, "listen")
	}
	if c.Upstream != next.Upstream {
		changed = append(changed, "upstream")
	}
	if c.Storage != next.Storage {
		changed = append(changed, "storage")
	}
	if strings.Join(c.Keyring.Paths, "\x00") != strings.Join(next.Keyring.Paths, "\x00") {
		changed = append(changed, "keyring")
	}
	if c.Reaper != next.Reaper {
		changed = append(changed, "reaper")
	}
	if c.Audit != next.Audit {
		changed = append(changed, "audit")
	}
	if c.CredentialsFile != next.CredentialsFile {
		changed = append(changed, "credentials_file")
	}
	// Rules reload; the database is opened once.
	if c.GeoIP.Enabled != next.GeoIP.Enabled || c.GeoIP.Database != next.GeoIP.Database {
		changed = append(changed, "geoip")
	}
	return changed
}
