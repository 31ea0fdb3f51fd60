package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/logging"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// SANDBOX_MIGRATE_ARCHIVE_DIR.
const EnvPrefix = "SANDBOX_MIGRATE"

// Config is the tool-wide configuration, loaded from a YAML file with
// environment variable overrides.
type Config struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
	ArchiveDir  string `yaml:"archive_dir" mapstructure:"archive_dir"`
	StagingDir  string `yaml:"staging_dir" mapstructure:"staging_dir"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Backup  BackupConfig  `yaml:"backup" mapstructure:"backup"`
	Restore RestoreConfig `yaml:"restore" mapstructure:"restore"`
	Deploy  DeployConfig  `yaml:"deploy" mapstructure:"deploy"`

	// Offsite enables archive replication when set.
	Offsite *backup.StorageConfig `yaml:"offsite,omitempty" mapstructure:"offsite"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   logging.LogLevel `yaml:"level" mapstructure:"level"`
	Format  string           `yaml:"format" mapstructure:"format"`
	LogFile string           `yaml:"log_file" mapstructure:"log_file"`
}

// BackupConfig holds backup engine defaults.
type BackupConfig struct {
	Compress        bool                   `yaml:"compress" mapstructure:"compress"`
	CompressionType backup.CompressionType `yaml:"compression_type" mapstructure:"compression_type"`
}

// RestoreConfig holds restore orchestrator defaults.
type RestoreConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	LivenessCommand string        `yaml:"liveness_command" mapstructure:"liveness_command"`
}

// DeployConfig holds batch deployment defaults.
type DeployConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RemoteDir     string `yaml:"remote_dir" mapstructure:"remote_dir"`
	SSHPort       int    `yaml:"ssh_port" mapstructure:"ssh_port"`
}

// Load reads configuration from path, or from the default search locations
// when path is empty, applying environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sandbox-migrate"))
		}
		if err := v.ReadInConfig(); err != nil {
			// Missing config files fall back to defaults; anything else is
			// a real problem.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default creates a configuration with defaults only.
func Default() *Config {
	cfg := &Config{
		CatalogPath: defaultPath("catalog.json"),
		ArchiveDir:  defaultPath("archives"),
		StagingDir:  defaultPath("staging"),
		Logging: LoggingConfig{
			Level:  logging.LogLevelNormal,
			Format: "text",
		},
		Backup: BackupConfig{
			CompressionType: backup.CompressionTypeZstd,
		},
		Restore: RestoreConfig{
			Timeout:         15 * time.Minute,
			LivenessCommand: "echo ok",
		},
		Deploy: DeployConfig{
			MaxConcurrent: 4,
			SSHPort:       22,
		},
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog_path", defaultPath("catalog.json"))
	v.SetDefault("archive_dir", defaultPath("archives"))
	v.SetDefault("staging_dir", defaultPath("staging"))
	v.SetDefault("logging.level", string(logging.LogLevelNormal))
	v.SetDefault("logging.format", "text")
	v.SetDefault("backup.compress", false)
	v.SetDefault("backup.compression_type", string(backup.CompressionTypeZstd))
	v.SetDefault("restore.timeout", "15m")
	v.SetDefault("restore.liveness_command", "echo ok")
	v.SetDefault("deploy.max_concurrent", 4)
	v.SetDefault("deploy.ssh_port", 22)
}

func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sandbox-migrate", name)
	}
	return filepath.Join(home, ".sandbox-migrate", name)
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	var errs backup.ValidationErrors

	if c.CatalogPath == "" {
		errs.Add("catalog_path", "catalog path is required", c.CatalogPath)
	}
	if c.ArchiveDir == "" {
		errs.Add("archive_dir", "archive directory is required", c.ArchiveDir)
	}

	switch c.Logging.Level {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs.Add("logging.level", "invalid log level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs.Add("logging.format", "log format must be text or json", c.Logging.Format)
	}

	if c.Backup.CompressionType != "" {
		switch c.Backup.CompressionType {
		case backup.CompressionTypeNone, backup.CompressionTypeGzip, backup.CompressionTypeLZ4, backup.CompressionTypeZstd:
		default:
			errs.Add("backup.compression_type", "invalid compression type", c.Backup.CompressionType)
		}
	}

	if c.Restore.Timeout < 0 {
		errs.Add("restore.timeout", "restore timeout cannot be negative", c.Restore.Timeout)
	}
	if c.Deploy.MaxConcurrent < 0 {
		errs.Add("deploy.max_concurrent", "deploy concurrency cannot be negative", c.Deploy.MaxConcurrent)
	}
	if c.Deploy.SSHPort < 0 || c.Deploy.SSHPort > 65535 {
		errs.Add("deploy.ssh_port", "ssh port out of range", c.Deploy.SSHPort)
	}

	if c.Offsite != nil {
		if err := c.Offsite.Validate(); err != nil {
			errs.Add("offsite", err.Error(), nil)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
