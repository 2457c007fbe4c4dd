// Package config loads the nodestore YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/nodestore/archive/s3store"
	"github.com/wolfeidau/nodestore/codec"
	"github.com/wolfeidau/nodestore/primary"
	"github.com/wolfeidau/nodestore/primary/mongostore"
)

// Primary drivers.
const (
	DriverMongo = "mongo"
	DriverBolt  = "bolt"
	DriverRedis = "redis"
)

// Archive drivers.
const (
	DriverS3         = "s3"
	DriverFilesystem = "filesystem"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatTint = "tint"
)

// Config is the top level configuration.
type Config struct {
	Primary     PrimaryConfig `yaml:"primary"`
	Compression string        `yaml:"compression"`
	Archive     ArchiveConfig `yaml:"archive"`
	Log         LogConfig     `yaml:"log"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Server      ServerConfig  `yaml:"server"`
}

// PrimaryConfig selects and addresses the primary tier.
type PrimaryConfig struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	// TTLDays enables the expiry index when positive.
	TTLDays int `yaml:"ttl_days"`
	// ReapInterval is how often the bolt driver deletes expired entries.
	ReapInterval time.Duration `yaml:"reap_interval"`
	// Namespace prefixes keys for the redis driver.
	Namespace string `yaml:"namespace"`
}

// ArchiveConfig selects and addresses the archival tier.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Driver          string `yaml:"driver"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	RetryAttempts   int    `yaml:"retry_attempts"`
	// Path is the root directory for the filesystem driver.
	Path string `yaml:"path"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	PrometheusListen string `yaml:"prometheus_listen"`
}

// ServerConfig controls the HTTP node API started by the serve command.
type ServerConfig struct {
	Address      string `yaml:"address"`
	AuthToken    string `yaml:"auth_token"`
	H2C          bool   `yaml:"h2c"`
	MaxValueSize int64  `yaml:"max_value_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Primary: PrimaryConfig{
			Driver:       DriverMongo,
			URL:          mongostore.DefaultURL,
			Database:     mongostore.DefaultDatabase,
			Collection:   mongostore.DefaultCollection,
			ReapInterval: time.Hour,
		},
		Compression: codec.Zstd,
		Archive: ArchiveConfig{
			Driver:        DriverS3,
			RetryAttempts: s3store.DefaultRetryAttempts,
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatText,
		},
		Server: ServerConfig{
			Address: ":8080",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
// Keys absent from data keep their default value; an explicit empty
// compression disables it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Primary.Driver {
	case DriverMongo:
		if c.Primary.Database == "" || c.Primary.Collection == "" {
			errs = append(errs, errors.New("primary: mongo requires database and collection"))
		}
	case DriverBolt:
		if c.Primary.URL == "" {
			errs = append(errs, errors.New("primary: bolt requires url as a file path"))
		}
		if c.Primary.ReapInterval <= 0 {
			errs = append(errs, errors.New("primary: reap_interval must be positive"))
		}
	case DriverRedis:
		if !strings.HasPrefix(c.Primary.URL, "redis://") && !strings.HasPrefix(c.Primary.URL, "rediss://") {
			errs = append(errs, fmt.Errorf("primary: redis url must start with redis:// or rediss://, got %q", c.Primary.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("primary: unknown driver %q", c.Primary.Driver))
	}
	if c.Primary.TTLDays < 0 || c.Primary.TTLDays > primary.MaxTTLDays {
		errs = append(errs, fmt.Errorf("primary: ttl_days must be between 0 and %d, got %d", primary.MaxTTLDays, c.Primary.TTLDays))
	}

	if c.Compression != "" {
		switch c.Compression {
		case codec.Zstd, codec.S2, codec.Gzip:
		default:
			errs = append(errs, fmt.Errorf("compression: %w: %q", codec.ErrUnknownCodec, c.Compression))
		}
	}

	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case DriverS3:
			if c.Archive.Bucket == "" {
				errs = append(errs, errors.New("archive: s3 requires bucket"))
			}
		case DriverFilesystem:
			if c.Archive.Path == "" {
				errs = append(errs, errors.New("archive: filesystem requires path"))
			}
		default:
			errs = append(errs, fmt.Errorf("archive: unknown driver %q", c.Archive.Driver))
		}
		if c.Archive.RetryAttempts < 0 {
			errs = append(errs, fmt.Errorf("archive: retry_attempts must not be negative, got %d", c.Archive.RetryAttempts))
		}
	}

	if c.Server.MaxValueSize < 0 {
		errs = append(errs, fmt.Errorf("server: max_value_size must not be negative, got %d", c.Server.MaxValueSize))
	}

	switch c.Log.Format {
	case FormatText, FormatJSON, FormatTint:
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
