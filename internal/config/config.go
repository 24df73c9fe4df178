// Package config loads wsfailover settings from a TOML file and
// WSFAILOVER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mbvlabs/wsfailover/internal/probe"
	"github.com/mbvlabs/wsfailover/internal/reconnect"
	"github.com/mbvlabs/wsfailover/internal/transport"
)

const (
	EnvPrefix         = "WSFAILOVER_"
	DefaultConfigPath = "wsfailover.toml"
)

var ErrInvalidEndpoint = errors.New("config: endpoint must be a ws:// or wss:// URL")

type Config struct {
	Reconnect ReconnectConfig `koanf:"reconnect"`
	Endpoints EndpointsConfig `koanf:"endpoints"`
	Liveness  LivenessConfig  `koanf:"liveness"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Relay     RelayConfig     `koanf:"relay"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	BaseDelay    time.Duration `koanf:"base_delay"`
	CoolDown     time.Duration `koanf:"cool_down"`
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
}

type EndpointsConfig struct {
	URLs []string `koanf:"urls"`
	// File points at a JSON endpoints list. When set it replaces URLs and
	// is watched for changes.
	File string `koanf:"file"`
}

type LivenessConfig struct {
	Mode   string `koanf:"mode"`
	Method string `koanf:"method"`
}

type HeartbeatConfig struct {
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold int           `koanf:"failure_threshold"`
}

type RelayConfig struct {
	Addr      string          `koanf:"addr"`
	Subscribe SubscribeConfig `koanf:"subscribe"`
}

// SubscribeConfig is the upstream subscription fanned out to relay clients.
// An empty namespace disables it.
type SubscribeConfig struct {
	Namespace string   `koanf:"namespace"`
	Args      []string `koanf:"args"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Load reads configPath (a missing file is skipped), applies environment
// overrides, resolves the endpoints file and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Endpoints.File != "" {
		urls, err := ReadEndpoints(cfg.Endpoints.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read endpoints file: %w", err)
		}
		cfg.Endpoints.URLs = urls
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps WSFAILOVER_RECONNECT_MAX__ATTEMPTS to reconnect.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func defaultConfig() *Config {
	return &Config{
		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			BaseDelay:    reconnect.DefaultBaseDelay,
			CoolDown:     reconnect.DefaultCoolDown,
			ProbeTimeout: reconnect.DefaultProbeTimeout,
		},
		Liveness: LivenessConfig{
			Mode:   probe.ModeRPC,
			Method: "net_listening",
		},
		Heartbeat: HeartbeatConfig{
			Interval:         15 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
		},
		Relay: RelayConfig{
			Addr: ":8545",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if len(c.Endpoints.URLs) == 0 {
		return reconnect.ErrNoEndpoints
	}
	for _, raw := range c.Endpoints.URLs {
		if err := validateEndpoint(raw); err != nil {
			return err
		}
	}

	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("%w: %d", reconnect.ErrInvalidMaxAttempts, c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("reconnect.base_delay must not be negative, got %s", c.Reconnect.BaseDelay)
	}
	if c.Reconnect.CoolDown < 0 {
		return fmt.Errorf("reconnect.cool_down must not be negative, got %s", c.Reconnect.CoolDown)
	}
	if c.Reconnect.ProbeTimeout < 0 {
		return fmt.Errorf("reconnect.probe_timeout must not be negative, got %s", c.Reconnect.ProbeTimeout)
	}

	switch strings.ToLower(c.Liveness.Mode) {
	case probe.ModeRPC, probe.ModeSubscription, probe.ModeHTTP:
	default:
		return fmt.Errorf("%w: %q (expected rpc, subscription or http)", probe.ErrUnknownMode, c.Liveness.Mode)
	}

	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("heartbeat.interval must not be negative, got %s", c.Heartbeat.Interval)
	}
	if c.Heartbeat.FailureThreshold < 0 {
		return fmt.Errorf("heartbeat.failure_threshold must not be negative, got %d", c.Heartbeat.FailureThreshold)
	}

	if c.Relay.Addr == "" {
		return errors.New("relay.addr is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	return nil
}

// ProbeConfig maps the liveness section onto a probe configuration.
func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		Mode:      c.Liveness.Mode,
		Method:    c.Liveness.Method,
		Namespace: "eth",
	}
}

// TransportOptions carries the heartbeat settings into transport options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Heartbeat: transport.HeartbeatConfig{
			Interval:         c.Heartbeat.Interval,
			Timeout:          c.Heartbeat.Timeout,
			FailureThreshold: c.Heartbeat.FailureThreshold,
		},
	}
}

// SubscribeArgs converts the configured relay subscription arguments.
func (c *Config) SubscribeArgs() []any {
	args := make([]any, len(c.Relay.Subscribe.Args))
	for i, a := range c.Relay.Subscribe.Args {
		args[i] = a
	}
	return args
}
