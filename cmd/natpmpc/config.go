package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"inet.af/natpmp/natpmp"
)

// Duration is a time.Duration which decodes from a TOML string such as
// "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration such as "90s" or "2h".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats d in the form accepted by UnmarshalText.
func (d Duration) MarshalText() (text []byte, err error) {
	text = []byte(d.Duration.String())
	return
}

// Config is the natpmpc configuration. Flags given on the command line
// override values loaded from a file.
type Config struct {
	// Gateway is the NAT gateway address. If empty, the default gateway of
	// this host is used.
	Gateway string `toml:"gateway"`

	// Timeout bounds each request/response exchange, including all
	// retransmissions.
	Timeout Duration `toml:"timeout"`

	// Lifetime is the lifetime requested for new mappings.
	Lifetime Duration `toml:"lifetime"`

	LogLevel string `toml:"log_level"`
}

// defaultConfig leaves room for the full retransmission schedule of roughly
// 64 seconds.
var defaultConfig = Config{
	Timeout:  Duration{70 * time.Second},
	Lifetime: Duration{natpmp.DefaultLifetime},
	LogLevel: "info",
}

// LoadConfig reads a TOML configuration file on top of the defaults.
func LoadConfig(file string) (Config, error) {
	cfg := defaultConfig
	if file == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(file, &cfg); err != nil {
		return Config{}, fmt.Errorf("natpmpc: failed to load config %q: %w", file, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("natpmpc: timeout must be positive: %s", c.Timeout)
	}
	if c.Lifetime.Duration < 0 {
		return fmt.Errorf("natpmpc: lifetime must not be negative: %s", c.Lifetime)
	}

	return nil
}
