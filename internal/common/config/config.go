// Package config loads muxden configuration from config.toml in the host
// directory, with environment overrides and documented defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/logger"
)

// HostDirEnv overrides the root directory for all durable state.
const HostDirEnv = "MUXDEN_HOST_DIR"

// Config holds all configuration sections for muxden.
type Config struct {
	DefaultHostDir  string   `mapstructure:"default_host_dir"`
	Prefix          string   `mapstructure:"prefix"`
	EnabledBackends []string `mapstructure:"enabled_backends"`
	DisabledPlugins []string `mapstructure:"disabled_plugins"`

	Providers  map[string]ProviderConfig  `mapstructure:"providers"`
	AgentTypes map[string]AgentTypeConfig `mapstructure:"agent_types"`

	Logging logger.Config `mapstructure:"logging"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Enforce EnforceConfig `mapstructure:"enforce"`
}

// ProviderConfig binds a named provider instance to a backend with its
// backend-specific settings. Unknown keys in a provider table are an error.
type ProviderConfig struct {
	Backend string `mapstructure:"backend"`

	// Shared optional settings.
	HostDir            string `mapstructure:"host_dir"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`

	// Docker backend.
	Image        string `mapstructure:"image"`
	Network      string `mapstructure:"network"`
	DockerHost   string `mapstructure:"docker_host"`
	StateImage   string `mapstructure:"state_image"`
	VolumePrefix string `mapstructure:"volume_prefix"`

	// SSH backend. Each entry under hosts is addr[:port].
	Hosts        map[string]string `mapstructure:"hosts"`
	User         string            `mapstructure:"user"`
	IdentityFile string            `mapstructure:"identity_file"`
	KnownHosts   string            `mapstructure:"known_hosts"`

	// Sprites cloud-sandbox backend.
	TokenEnv string `mapstructure:"token_env"`
	Token    string `mapstructure:"token"`
}

// AgentTypeConfig describes how to launch one agent type.
type AgentTypeConfig struct {
	Command string   `mapstructure:"command"`
	CliArgs []string `mapstructure:"cli_args"`
}

// ProxyConfig holds reverse-proxy daemon settings.
type ProxyConfig struct {
	Listen          string `mapstructure:"listen"`
	EnforceSchedule string `mapstructure:"enforce_schedule"` // cron spec; empty disables
}

// EnforceConfig holds the state-transition and idle timeouts used by the
// enforce sweep.
type EnforceConfig struct {
	BuildingTimeoutSeconds int `mapstructure:"building_timeout_seconds"`
	StartingTimeoutSeconds int `mapstructure:"starting_timeout_seconds"`
	StoppingTimeoutSeconds int `mapstructure:"stopping_timeout_seconds"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
}

// BuildingTimeout returns the building timeout as a duration.
func (e EnforceConfig) BuildingTimeout() time.Duration {
	return time.Duration(e.BuildingTimeoutSeconds) * time.Second
}

// StartingTimeout returns the starting timeout as a duration.
func (e EnforceConfig) StartingTimeout() time.Duration {
	return time.Duration(e.StartingTimeoutSeconds) * time.Second
}

// StoppingTimeout returns the stopping timeout as a duration.
func (e EnforceConfig) StoppingTimeout() time.Duration {
	return time.Duration(e.StoppingTimeoutSeconds) * time.Second
}

// IdleTimeout returns the idle timeout as a duration.
func (e EnforceConfig) IdleTimeout() time.Duration {
	return time.Duration(e.IdleTimeoutSeconds) * time.Second
}

// HostDir resolves the effective host directory: the MUXDEN_HOST_DIR
// environment variable wins, then default_host_dir, with ~ expanded.
func (c *Config) HostDir() string {
	dir := os.Getenv(HostDirEnv)
	if dir == "" {
		dir = c.DefaultHostDir
	}
	return ExpandHome(dir)
}

// AuthDir returns the directory holding one-time codes and the signing key.
func (c *Config) AuthDir() string {
	return filepath.Join(c.HostDir(), "auth")
}

// BackendsFile returns the path of the agent-to-URL registry.
func (c *Config) BackendsFile() string {
	return filepath.Join(c.HostDir(), "backends.json")
}

// ExpandHome expands a leading ~ in path to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

var knownTopLevelKeys = map[string]bool{
	"default_host_dir": true,
	"prefix":           true,
	"enabled_backends": true,
	"disabled_plugins": true,
	"providers":        true,
	"agent_types":      true,
	"logging":          true,
	"proxy":            true,
	"enforce":          true,
}

var knownProviderKeys = map[string]bool{
	"backend":              true,
	"host_dir":             true,
	"idle_timeout_seconds": true,
	"image":                true,
	"network":              true,
	"docker_host":          true,
	"state_image":          true,
	"volume_prefix":        true,
	"hosts":                true,
	"user":                 true,
	"identity_file":        true,
	"known_hosts":          true,
	"token_env":            true,
	"token":                true,
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("default_host_dir", "~/.muxden")
	v.SetDefault("prefix", "muxden-")
	v.SetDefault("enabled_backends", []string{"local", "docker", "ssh", "cloud-sandbox"})
	v.SetDefault("disabled_plugins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("proxy.listen", "127.0.0.1:7423")
	v.SetDefault("proxy.enforce_schedule", "@every 5m")

	v.SetDefault("enforce.building_timeout_seconds", 1800)
	v.SetDefault("enforce.starting_timeout_seconds", 600)
	v.SetDefault("enforce.stopping_timeout_seconds", 300)
	v.SetDefault("enforce.idle_timeout_seconds", 3600)
}

// Load reads config.toml from the effective host directory.
func Load(log *logger.Logger) (*Config, error) {
	hostDir := ExpandHome(os.Getenv(HostDirEnv))
	if hostDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, apperrors.Config("cannot resolve home directory", err)
		}
		hostDir = filepath.Join(home, ".muxden")
	}
	return LoadWithPath(hostDir, log)
}

// LoadWithPath reads configuration from the given directory. A missing
// config file yields the defaults; a malformed one is a ConfigError.
func LoadWithPath(configDir string, log *logger.Logger) (*Config, error) {
	if log == nil {
		log = logger.Default()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MUXDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.Config("error reading config file", err)
		}
	}

	warnUnknownTopLevelKeys(v, log)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Config("error unmarshaling config", err)
	}

	if err := validate(&cfg, v); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// warnUnknownTopLevelKeys logs a warning for every top-level key that muxden
// does not understand. Unknown top-level keys are ignored, not fatal.
func warnUnknownTopLevelKeys(v *viper.Viper, log *logger.Logger) {
	keys := make([]string, 0)
	for key := range v.AllSettings() {
		if !knownTopLevelKeys[strings.ToLower(key)] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		log.Warn("ignoring unknown config key", zap.String("key", key))
	}
}

// validate checks provider tables for required fields and unknown keys.
func validate(cfg *Config, v *viper.Viper) error {
	enabled := make(map[string]bool, len(cfg.EnabledBackends))
	for _, b := range cfg.EnabledBackends {
		enabled[b] = true
	}

	rawProviders, _ := v.AllSettings()["providers"].(map[string]any)
	for name, p := range cfg.Providers {
		if p.Backend == "" {
			return apperrors.Config(fmt.Sprintf("provider %q: backend is required", name), nil)
		}
		if raw, ok := rawProviders[strings.ToLower(name)].(map[string]any); ok {
			for key := range raw {
				if !knownProviderKeys[strings.ToLower(key)] {
					return apperrors.Config(fmt.Sprintf("provider %q: unknown key %q", name, key), nil)
				}
			}
		}
	}
	for name, at := range cfg.AgentTypes {
		if at.Command == "" {
			return apperrors.Config(fmt.Sprintf("agent type %q: command is required", name), nil)
		}
	}
	return nil
}
