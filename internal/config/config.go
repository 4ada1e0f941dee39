// Package config defines artio-gateway's process configuration: session
// defaults, durable-store locations, replay concurrency, and metrics, loaded
// through spf13/viper with the precedence flags > env (ARTIO_*) > YAML file >
// defaults, following marmos91-dittofs/pkg/config/config.go's layering —
// including its use of `github.com/go-playground/validator/v10` struct tags
// for Validate rather than a hand-written if-chain.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is artio-gateway's full process configuration.
type Config struct {
	Session  SessionConfig  `mapstructure:"session" yaml:"session" validate:"required"`
	SeqIndex SeqIndexConfig `mapstructure:"seqindex" yaml:"seqindex" validate:"required"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive" validate:"required"`
	Replay   ReplayConfig   `mapstructure:"replay" yaml:"replay" validate:"required"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// SessionConfig carries the identity and timing this gateway uses for every
// session it creates (spec §4.1/§4.6).
type SessionConfig struct {
	SenderCompID string `mapstructure:"sender_comp_id" yaml:"sender_comp_id" validate:"required"`
	BeginString  string `mapstructure:"begin_string" yaml:"begin_string"`

	// HeartbeatIntervalSec is offered on Logon and used to size the
	// peer-timeout window (spec §4.1.4).
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec" validate:"required,gt=0"`

	// SendingTimePrecision selects the fractional-second width used when
	// formatting SendingTime/OrigSendingTime: one of "seconds", "millis",
	// "micros", "nanos".
	SendingTimePrecision string `mapstructure:"sending_time_precision" yaml:"sending_time_precision" validate:"required,oneof=seconds millis micros nanos"`
}

// SeqIndexConfig locates and sizes the durable sequence number index
// (spec §4.3).
type SeqIndexConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`

	// Capacity is the fixed number of session records the A/B index file
	// holds; exceeding it requires an explicit Grow (spec §D).
	Capacity int `mapstructure:"capacity" yaml:"capacity" validate:"required,gt=0"`
}

// ArchiveConfig locates the badger-backed message archive (spec §4.4).
type ArchiveConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" validate:"required"`
}

// ReplayConfig bounds the Replayer's concurrency (spec §4.5).
type ReplayConfig struct {
	MaxConcurrentSessionReplays int `mapstructure:"max_concurrent_session_replays" yaml:"max_concurrent_session_replays" validate:"required,gt=0"`
}

// EngineConfig tunes the worker loops spec §5 describes.
type EngineConfig struct {
	QueueCapacity      int           `mapstructure:"queue_capacity" yaml:"queue_capacity" validate:"required,gt=0"`
	LogoutDrainTimeout time.Duration `mapstructure:"logout_drain_timeout" yaml:"logout_drain_timeout" validate:"required,gt=0"`
	IndexFlushInterval time.Duration `mapstructure:"index_flush_interval" yaml:"index_flush_interval" validate:"required,gt=0"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"required,gt=0"`
}

// MetricsConfig controls whether the Prometheus registry is built at all
// (nil registry is how package metrics turns every collector into a no-op).
// Port is only required to be a valid TCP port when Enabled is true — the
// validator.v10 `required_if` tag encodes that cross-field condition
// directly rather than as a hand-written follow-up check.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"required_if=Enabled true,omitempty,min=1,max=65535"`
}

// Defaults returns a Config populated with this gateway's baseline values.
// Callers normally get these indirectly through Load; Defaults is exported
// for `config show` and for tests that don't want a config file.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			SenderCompID:         "ARTIO",
			BeginString:          "FIX.4.4",
			HeartbeatIntervalSec: 30,
			SendingTimePrecision: "millis",
		},
		SeqIndex: SeqIndexConfig{
			Path:     "./data/seqindex.dat",
			Capacity: 256,
		},
		Archive: ArchiveConfig{
			Dir: "./data/archive",
		},
		Replay: ReplayConfig{
			MaxConcurrentSessionReplays: 4,
		},
		Engine: EngineConfig{
			QueueCapacity:      64,
			LogoutDrainTimeout: 2 * time.Second,
			IndexFlushInterval: time.Second,
			PollInterval:       250 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads configuration from configPath (if non-empty and present),
// layers ARTIO_*-prefixed environment variables and flags already bound to
// v over it, applies Defaults for anything left unset, and validates the
// result. An absent config file is not an error — Defaults alone is a valid
// configuration. Values are only read from v when a config file was found:
// without one, Load returns Defaults as they are and ARTIO_* environment
// variables and bound flags are not applied.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ARTIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("artio")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (found bool, err error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if ok := asConfigFileNotFound(err, &notFound); ok || os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// durationDecodeHook lets YAML/env values like "30s" populate time.Duration
// fields, matching dittofs's config decode hook.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// validate is the package-level validator instance, matching dittofs's
// pattern of a single shared *validator.Validate rather than constructing
// one per call.
var validate = validator.New()

// Validate checks the fields the rest of the engine assumes are sane, driven
// by the `validate:"..."` struct tags above (github.com/go-playground/validator/v10),
// following marmos91-dittofs/pkg/config/config.go's pattern.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("config: %w", err)
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// describeFieldError renders a single validator.FieldError as a
// dotted-path message built from the lower-cased Go field names, e.g.
// "session.heartbeatintervalsec must satisfy gt=0".
func describeFieldError(fe validator.FieldError) string {
	path := strings.ToLower(strings.ReplaceAll(fe.Namespace(), "Config.", "."))
	path = strings.TrimPrefix(path, ".")
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s must satisfy %s", path, fe.Tag())
}

// Show renders cfg as YAML, respecting the yaml struct tags above — used by
// the `config show` subcommand.
func Show(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(data), nil
}

// Save writes cfg to path in YAML form, creating the parent directory if
// needed, mirroring dittofs's SaveConfig.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}
