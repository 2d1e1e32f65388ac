// Package config loads the daemon's single configuration document (YAML, via struct
// tags) and layers environment variable overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single recognised configuration document.
type Config struct {
	IngestTrackingDB          string            `yaml:"ingest_tracking_db"`
	BaseDir                   string            `yaml:"base_dir"`
	MaxWorkers                int               `yaml:"max_workers"`
	LogLevel                  string            `yaml:"log_level"`
	LogFilePath               string            `yaml:"log_file_path"`
	ParallelUploadPerWorker   int               `yaml:"parallel_upload_per_worker"`
	ParallelFilesetsPerWorker int               `yaml:"parallel_filesets_per_worker"`
	SkipChecksum              bool              `yaml:"skip_checksum"`
	SkipMinMax                bool              `yaml:"skip_minmax"`
	SkipThumbnails            bool              `yaml:"skip_thumbnails"`
	SkipUpgrade               bool              `yaml:"skip_upgrade"`
	SkipAll                   bool              `yaml:"skip_all"`
	UseRegisterZarr           bool              `yaml:"use_register_zarr"`
	TTLForUserConnMillis      int64             `yaml:"ttl_for_user_conn"`
	PollInterval              string            `yaml:"poll_interval"`
	ShutdownGrace             string            `yaml:"shutdown_grace"`
	PathPrefixRewrites        map[string]string `yaml:"path_prefix_rewrites"`
	MetricsAddr               string            `yaml:"metrics_addr"`

	OmeroHost     string `yaml:"-"`
	OmeroUser     string `yaml:"-"`
	OmeroPassword string `yaml:"-"`
	OmeroPort     int    `yaml:"-"`

	RunMigrations   bool   `yaml:"-"`
	AllowAutoStamp  bool   `yaml:"-"`
	PodmanUsernsMode string `yaml:"-"`
}

func defaults() Config {
	return Config{
		MaxWorkers:                4,
		LogLevel:                  "info",
		LogFilePath:               "logs/app.logs",
		ParallelUploadPerWorker:   1,
		ParallelFilesetsPerWorker: 1,
		TTLForUserConnMillis:      600000,
		PollInterval:              "1s",
		ShutdownGrace:             "30s",
		MetricsAddr:               ":9110",
		OmeroPort:                 4064,
		PodmanUsernsMode:          "keep-id",
	}
}

// Load reads the YAML document at path (if non-empty and present), applies it over the
// defaults, then layers environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INGEST_TRACKING_DB_URL"); v != "" {
		cfg.IngestTrackingDB = v
	}
	if v := os.Getenv("OMERO_HOST"); v != "" {
		cfg.OmeroHost = v
	}
	if v := os.Getenv("OMERO_USER"); v != "" {
		cfg.OmeroUser = v
	}
	if v := os.Getenv("OMERO_PASSWORD"); v != "" {
		cfg.OmeroPassword = v
	}
	if v := os.Getenv("OMERO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OmeroPort = n
		}
	}
	if v := os.Getenv("USE_REGISTER_ZARR"); v != "" {
		cfg.UseRegisterZarr = parseBool(v, cfg.UseRegisterZarr)
	}
	if v := os.Getenv("ADI_RUN_MIGRATIONS"); v != "" {
		cfg.RunMigrations = parseBool(v, cfg.RunMigrations)
	}
	if v := os.Getenv("ADI_ALLOW_AUTO_STAMP"); v != "" {
		cfg.AllowAutoStamp = parseBool(v, cfg.AllowAutoStamp)
	}
	if v := os.Getenv("PODMAN_USERNS_MODE"); v != "" {
		cfg.PodmanUsernsMode = v
	}
	if v := os.Getenv("INGESTD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// PollIntervalDuration parses PollInterval, defaulting to 1s on a bad or empty value.
func (c *Config) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// ShutdownGraceDuration parses ShutdownGrace, defaulting to 30s on a bad or empty value.
func (c *Config) ShutdownGraceDuration() time.Duration {
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// TTLForUserConn returns the configured session TTL as a time.Duration.
func (c *Config) TTLForUserConn() time.Duration {
	return time.Duration(c.TTLForUserConnMillis) * time.Millisecond
}
