// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads keysync settings from defaults, yaml files,
// KEYSYNC_* environment variables and command flags.
package config // import "github.com/toeirei/keysync/internal/config"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Language  string          `mapstructure:"language" yaml:"language"`
	Apply     ApplyConfig     `mapstructure:"apply" yaml:"apply"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Sysgen    SysgenConfig    `mapstructure:"sysgen" yaml:"sysgen"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ApplyConfig controls how credential files are pushed to hosts.
type ApplyConfig struct {
	SSHUser            string        `mapstructure:"ssh_user" yaml:"ssh_user"`
	SSHKeyPath         string        `mapstructure:"ssh_key_path" yaml:"ssh_key_path"`
	StrictHostKeyCheck bool          `mapstructure:"strict_host_key_check" yaml:"strict_host_key_check"`
	KnownHostsFile     string        `mapstructure:"known_hosts_file" yaml:"known_hosts_file,omitempty"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// GlobalOptions are appended to every rendered key line after the
	// key's own options.
	GlobalOptions []string `mapstructure:"global_options" yaml:"global_options,omitempty"`
}

type WorkerConfig struct {
	ApplyInterval       time.Duration `mapstructure:"apply_interval" yaml:"apply_interval"`
	NotifyInterval      time.Duration `mapstructure:"notify_interval" yaml:"notify_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" yaml:"maintenance_interval"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// SecurityConfig holds hourly quotas keyed by operation kind and lockout
// durations keyed by lockout type.
type SecurityConfig struct {
	Quotas   map[string]int           `mapstructure:"quotas" yaml:"quotas"`
	Lockouts map[string]time.Duration `mapstructure:"lockouts" yaml:"lockouts"`
}

type RetentionConfig struct {
	Queue      time.Duration `mapstructure:"queue" yaml:"queue"`
	GenRequest time.Duration `mapstructure:"gen_request" yaml:"gen_request"`
	Security   time.Duration `mapstructure:"security" yaml:"security"`
}

type SysgenConfig struct {
	DownloadTTL   time.Duration `mapstructure:"download_ttl" yaml:"download_ttl"`
	EncryptionKey string        `mapstructure:"encryption_key" yaml:"encryption_key,omitempty"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Defaults returns the flattened default settings. Every key listed here
// can be overridden by KEYSYNC_<KEY> with dots replaced by underscores.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":                   "sqlite",
		"database.dsn":                    "./keysync.db",
		"log.level":                       "info",
		"log.format":                      "text",
		"language":                        "en",
		"apply.ssh_user":                  "root",
		"apply.ssh_key_path":              "~/.ssh/id_rsa",
		"apply.strict_host_key_check":     false,
		"apply.known_hosts_file":          "",
		"apply.connect_timeout":           "10s",
		"apply.global_options":            []string{},
		"worker.apply_interval":           "5s",
		"worker.notify_interval":          "60s",
		"worker.maintenance_interval":     "1h",
		"worker.max_retries":              3,
		"worker.retry_delay":              "60s",
		"security.quotas.import":          10,
		"security.quotas.generate":        5,
		"security.quotas.apply":           20,
		"security.quotas.revoke":          10,
		"security.quotas.download":        3,
		"security.lockouts.rate_limit":    "60m",
		"security.lockouts.failed_pickup": "30m",
		"security.lockouts.suspicious":    "240m",
		"retention.queue":                 "168h",
		"retention.gen_request":           "24h",
		"retention.security":              "168h",
		"sysgen.download_ttl":             "10m",
		"sysgen.encryption_key":           "",
		"metrics.addr":                    ":9273",
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keysync")
		default:
			configDir = "/etc/keysync"
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, "keysync")
	}
	return filepath.Join(configDir, "keysync.yaml"), nil
}

// LoadConfig resolves T from defaults, the first keysync.yaml found (or the
// explicit path), the environment and the flags of cmd, in rising order of
// precedence.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keysync")
	v.SetConfigType("yaml")
	if configFilePath != nil && *configFilePath != "" {
		v.SetConfigFile(*configFilePath)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.SetEnvPrefix("keysync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return c, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return c, nil
}

// Validate reports settings that would make the services misbehave.
func (c Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("worker.max_retries must be at least 1, got %d", c.Worker.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"worker.apply_interval":       c.Worker.ApplyInterval,
		"worker.notify_interval":      c.Worker.NotifyInterval,
		"worker.maintenance_interval": c.Worker.MaintenanceInterval,
		"apply.connect_timeout":       c.Apply.ConnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ExpandHome resolves a leading "~/" against the current user's home.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// WriteConfigFile writes c to the user or system config path with 0600
// permissions, since it may carry the sysgen encryption key.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	return os.WriteFile(path, data, 0600)
}
