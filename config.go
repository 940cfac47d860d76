// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "250ms", "2m" in config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// BackoffFileConfig is the file form of BackoffConfig.
type BackoffFileConfig struct {
	Initial    Duration `yaml:"initial" toml:"initial"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier"`
	Max        Duration `yaml:"max" toml:"max"`
	Jitter     bool     `yaml:"jitter" toml:"jitter"`
}

// Config is the runtime configuration shared by the host and client binaries.
type Config struct {
	// Client discovery. Candidates wins over Origin/Base when set.
	Candidates     []string `yaml:"candidates" toml:"candidates"`
	Origin         string   `yaml:"origin" toml:"origin"`
	Base           string   `yaml:"base" toml:"base"`
	BuildAssetsDir string   `yaml:"build_assets_dir" toml:"build_assets_dir"`

	// Host side.
	Listen      string `yaml:"listen" toml:"listen"`
	GatewayAddr string `yaml:"gateway_addr" toml:"gateway_addr"`

	EventName          string            `yaml:"event_name" toml:"event_name"`
	Codec              string            `yaml:"codec" toml:"codec"`
	Timeout            Duration          `yaml:"timeout" toml:"timeout"`
	HandshakeTimeout   Duration          `yaml:"handshake_timeout" toml:"handshake_timeout"`
	QueueSize          int               `yaml:"queue_size" toml:"queue_size"`
	ConnectingDebounce Duration          `yaml:"connecting_debounce" toml:"connecting_debounce"`
	Backoff            BackoffFileConfig `yaml:"backoff" toml:"backoff"`
	Log                LogConfig         `yaml:"log" toml:"log"`
}

// DefaultConfig returns the defaults every loaded file is laid over.
func DefaultConfig() Config {
	b := DefaultBackoff()
	return Config{
		Origin:             "zap://127.0.0.1:9797",
		BuildAssetsDir:     DefaultBuildAssetsDir,
		Listen:             "zap://127.0.0.1:9797/",
		EventName:          DefaultEventName,
		Codec:              CodecFlat,
		Timeout:            Duration(DefaultTimeout),
		HandshakeTimeout:   Duration(DefaultHandshakeTimeout),
		QueueSize:          DefaultQueueSize,
		ConnectingDebounce: Duration(DefaultConnectingDebounce),
		Backoff: BackoffFileConfig{
			Initial:    Duration(b.InitialDelay),
			Multiplier: b.Multiplier,
			Max:        Duration(b.MaxDelay),
			Jitter:     b.Jitter,
		},
		Log: DefaultLogConfig(),
	}
}

// LoadConfig reads path over DefaultConfig. The extension picks the format:
// .yaml/.yml or .toml.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported extension %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (c Config) Validate() error {
	var errs []error
	if _, err := NewCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must not be negative: %d", c.QueueSize))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative: %s", c.Timeout.Std()))
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff multiplier must be >= 1: %v", c.Backoff.Multiplier))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DialCandidates returns the candidate URLs a client tries, in order.
func (c Config) DialCandidates() []string {
	if len(c.Candidates) > 0 {
		return c.Candidates
	}
	return CandidateURLs(c.Origin, c.Base, c.BuildAssetsDir)
}

// BackoffConfig converts the file form into a BackoffConfig.
func (c Config) BackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: c.Backoff.Initial.Std(),
		Multiplier:   c.Backoff.Multiplier,
		MaxDelay:     c.Backoff.Max.Std(),
		Jitter:       c.Backoff.Jitter,
	}
}

// ChannelOptions returns the HotChannel options c describes.
func (c Config) ChannelOptions() []ChannelOption {
	opts := []ChannelOption{
		WithBackoff(c.BackoffConfig()),
		WithStatus(NewStatus(c.ConnectingDebounce.Std())),
	}
	if c.EventName != "" {
		opts = append(opts, WithEventName(c.EventName))
	}
	if c.QueueSize > 0 {
		opts = append(opts, WithQueueSize(c.QueueSize))
	}
	return opts
}

// SessionOptions returns the Session options c describes.
func (c Config) SessionOptions() ([]SessionOption, error) {
	codec, err := NewCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return []SessionOption{
		WithCodec(codec),
		WithTimeout(c.Timeout.Std()),
	}, nil
}
